package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// PostResult is the tagged outcome of Actor.Post.
type PostResult struct {
	Success bool
	PostID  string
	Error   string
	// Unconfirmed marks a success read from an HTML or redirect body.
	Unconfirmed bool
}

// errAuth marks responses that mean the stored session is no longer accepted.
var errAuth = errors.New("session: not authenticated")

const (
	jsonGuard      = "for (;;);"
	maxPublishBody = 2 << 20
)

var postIDPatterns = []*regexp.Regexp{
	regexp.MustCompile(`"post_id":"(\d+)"`),
	regexp.MustCompile(`"legacy_story_hideable_id":"(\d+)"`),
	regexp.MustCompile(`"story_fbid":"(\d+)"`),
}

// authErrorCodes are platform error codes for a dead or rejected session.
var authErrorCodes = map[int]bool{1357001: true, 1357004: true, 1348007: true}

type publishVariables struct {
	Input publishInput `json:"input"`
}

type publishInput struct {
	ComposerEntryPoint string              `json:"composer_entry_point"`
	SourceSurface      string              `json:"composer_source_surface"`
	IdempotenceToken   string              `json:"idempotence_token"`
	Source             string              `json:"source"`
	Audience           publishAudience     `json:"audience"`
	Message            publishMessage      `json:"message"`
	ActorID            string              `json:"actor_id"`
	ClientMutationID   string              `json:"client_mutation_id"`
	Attachments        []publishAttachment `json:"attachments,omitempty"`
}

type publishAudience struct {
	ToID string `json:"to_id"`
}

type publishMessage struct {
	Text   string `json:"text"`
	Ranges []any  `json:"ranges"`
}

type publishAttachment struct {
	Link struct {
		ShareScrapeData string `json:"share_scrape_data"`
	} `json:"link"`
}

var linkPattern = regexp.MustCompile(`https?://[^\s]+`)

// buildPublishForm assembles the internal publish mutation for one message.
func (a *Actor) buildPublishForm(st *State, message, target string) (url.Values, error) {
	in := publishInput{
		ComposerEntryPoint: "inline_composer",
		SourceSurface:      "group",
		IdempotenceToken:   uuid.NewString() + "_FEED",
		Source:             "WWW",
		Audience:           publishAudience{ToID: target},
		Message:            publishMessage{Text: message, Ranges: []any{}},
		ActorID:            st.UserID,
		ClientMutationID:   "1",
	}
	if link := linkPattern.FindString(message); link != "" {
		scrape, err := json.Marshal(map[string]any{
			"share_type":   100,
			"share_params": map[string]string{"url": link},
		})
		if err != nil {
			return nil, err
		}
		var att publishAttachment
		att.Link.ShareScrapeData = string(scrape)
		in.Attachments = []publishAttachment{att}
	}
	vars, err := json.Marshal(publishVariables{Input: in})
	if err != nil {
		return nil, err
	}

	form := url.Values{}
	form.Set("av", st.UserID)
	form.Set("__user", st.UserID)
	form.Set("__a", "1")
	form.Set("fb_dtsg", st.CSRFToken)
	if st.LSDToken != "" {
		form.Set("lsd", st.LSDToken)
	}
	form.Set("fb_api_caller_class", "RelayModern")
	form.Set("fb_api_req_friendly_name", "ComposerStoryCreateMutation")
	form.Set("doc_id", a.cfg.PublishDocID)
	form.Set("variables", string(vars))
	return form, nil
}

// publish sends the mutation. errAuth is returned when the platform rejected
// the session; other failures come back as a failed PostResult.
func (a *Actor) publish(ctx context.Context, st *State, message, target string) (PostResult, error) {
	if a.cfg.PublishDocID == "" {
		return PostResult{Error: "session: publish doc id not configured"}, nil
	}
	form, err := a.buildPublishForm(st, message, target)
	if err != nil {
		return PostResult{Error: "session: build request: " + err.Error()}, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.BaseURL+a.cfg.GraphQLPath, strings.NewReader(form.Encode()))
	if err != nil {
		return PostResult{Error: "session: build request: " + err.Error()}, nil
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Cookie", st.CookieString)
	req.Header.Set("Origin", a.cfg.BaseURL)
	req.Header.Set("Referer", a.cfg.BaseURL+"/groups/"+target)
	if st.LSDToken != "" {
		req.Header.Set("X-FB-LSD", st.LSDToken)
	}
	if a.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", a.cfg.UserAgent)
	}

	resp, err := a.http.Do(req)
	if err != nil {
		return PostResult{Error: "session: publish: " + err.Error()}, nil
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPublishBody))
	if err != nil {
		return PostResult{Error: "session: read response: " + err.Error()}, nil
	}
	return interpretPublish(resp.StatusCode, resp.Header.Get("Location"), body)
}

// interpretPublish turns a raw response into a result. Only a JSON story or
// an HTML/redirect body that is not a login page counts as success.
func interpretPublish(status int, location string, body []byte) (PostResult, error) {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return PostResult{}, errAuth
	case status >= 300 && status < 400:
		if blockedURL(location) {
			return PostResult{}, errAuth
		}
		return PostResult{Success: true, Unconfirmed: true}, nil
	case status >= 400:
		return PostResult{Error: fmt.Sprintf("session: publish http %d", status)}, nil
	}

	trimmed := bytes.TrimSpace(body)
	trimmed = bytes.TrimPrefix(trimmed, []byte(jsonGuard))
	trimmed = bytes.TrimSpace(trimmed)

	if len(trimmed) == 0 {
		return PostResult{Error: "session: empty publish response"}, nil
	}
	if trimmed[0] != '{' && trimmed[0] != '[' {
		lower := bytes.ToLower(trimmed)
		if bytes.Contains(lower, []byte(`name="login"`)) || bytes.Contains(lower, []byte(`id="login_form"`)) {
			return PostResult{}, errAuth
		}
		if bytes.Contains(lower, []byte("<html")) {
			return PostResult{Success: true, Unconfirmed: true}, nil
		}
		return PostResult{Error: "session: unrecognized publish response"}, nil
	}

	// Batched responses put one JSON document per line; the first carries data.
	if i := bytes.IndexByte(trimmed, '\n'); i > 0 {
		trimmed = trimmed[:i]
	}

	var doc struct {
		Data         json.RawMessage `json:"data"`
		Error        int             `json:"error"`
		ErrorSummary string          `json:"errorSummary"`
		Errors       []struct {
			Message string `json:"message"`
			Code    int    `json:"code"`
		} `json:"errors"`
	}
	if err := json.Unmarshal(trimmed, &doc); err != nil {
		return PostResult{Error: "session: malformed publish response"}, nil
	}
	if doc.Error != 0 {
		if authErrorCodes[doc.Error] {
			return PostResult{}, errAuth
		}
		return PostResult{Error: fmt.Sprintf("session: platform error %d: %s", doc.Error, doc.ErrorSummary)}, nil
	}
	if len(doc.Errors) > 0 {
		msgs := make([]string, 0, len(doc.Errors))
		for _, e := range doc.Errors {
			if authErrorCodes[e.Code] {
				return PostResult{}, errAuth
			}
			msgs = append(msgs, e.Message)
		}
		return PostResult{Error: "session: " + strings.Join(msgs, "; ")}, nil
	}

	var data struct {
		StoryCreate *struct {
			Story *struct {
				ID string `json:"id"`
			} `json:"story"`
		} `json:"story_create"`
	}
	if len(doc.Data) == 0 || json.Unmarshal(doc.Data, &data) != nil || data.StoryCreate == nil {
		return PostResult{Error: "session: response carried no story"}, nil
	}
	id := firstMatch(postIDPatterns, string(doc.Data), nil)
	if id == "" && data.StoryCreate.Story != nil {
		id = data.StoryCreate.Story.ID
	}
	if id == "" {
		return PostResult{Success: true, Unconfirmed: true}, nil
	}
	return PostResult{Success: true, PostID: id}, nil
}
