package poster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"

	logx "postbot/pkg/logx"
)

const (
	defaultGraphBaseURL = "https://graph.facebook.com"
	defaultAPIVersion   = "v19.0"
	maxGraphBody        = 1 << 20
)

type GraphConfig struct {
	BaseURL    string
	APIVersion string
	Timeout    time.Duration
	// StorageDomain is the host (or host suffix) of the system's own image
	// storage. Only those images are published as photos.
	StorageDomain string
}

// GraphPoster talks to the official token-authenticated API.
type GraphPoster struct {
	cfg    GraphConfig
	client *http.Client
	exec   failsafe.Executor[*http.Response]
	log    logx.Logger
}

func NewGraphPoster(cfg GraphConfig, log logx.Logger) *GraphPoster {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultGraphBaseURL
	}
	if cfg.APIVersion == "" {
		cfg.APIVersion = defaultAPIVersion
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	log = log.With(logx.String("comp", "graph"))

	cb := circuitbreaker.NewBuilder[*http.Response]().
		WithFailureThresholdRatio(5, 10).
		WithDelay(30 * time.Second).
		WithSuccessThreshold(1).
		HandleIf(func(resp *http.Response, err error) bool {
			if err != nil {
				return true
			}
			return resp != nil && (resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests)
		}).
		OnStateChanged(func(ev circuitbreaker.StateChangedEvent) {
			log.Warn("graph circuit breaker state change",
				logx.String("from", ev.OldState.String()),
				logx.String("to", ev.NewState.String()))
		}).
		Build()

	return &GraphPoster{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		exec:   failsafe.With(cb),
		log:    log,
	}
}

type graphError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    int    `json:"code"`
	Subcode int    `json:"error_subcode"`
}

func (e *graphError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("graph: (#%d) %s", e.Code, e.Message)
	}
	return "graph: " + e.Message
}

type graphResponse struct {
	ID     string      `json:"id"`
	PostID string      `json:"post_id"`
	Error  *graphError `json:"error"`
}

// Publish posts content to targetID. Images hosted on the own storage domain
// go out as photos; anything else, or a rejected photo, becomes a feed post.
func (g *GraphPoster) Publish(ctx context.Context, targetID, accessToken string, req Request) Result {
	if strings.TrimSpace(targetID) == "" || strings.TrimSpace(accessToken) == "" {
		return Failf("graph: target id and access token are required")
	}
	if strings.TrimSpace(req.Message) == "" {
		return Failf("graph: empty message")
	}

	if req.ImageURL != "" && g.ownImage(req.ImageURL) {
		form := url.Values{}
		form.Set("url", req.ImageURL)
		form.Set("caption", captionFor(req))
		form.Set("access_token", accessToken)

		var out graphResponse
		err := g.call(ctx, http.MethodPost, targetID+"/photos", form, &out)
		if err == nil {
			if id := firstNonEmpty(out.PostID, out.ID); id != "" {
				return Ok(id)
			}
			err = errors.New("graph: photo response carried no id")
		}
		g.log.Warn("photo publish rejected; falling back to feed", logx.String("target", targetID), logx.Err(err))
	}

	form := url.Values{}
	form.Set("message", req.Message)
	if link := firstNonEmpty(req.Link, req.ImageURL); link != "" {
		form.Set("link", link)
	}
	form.Set("access_token", accessToken)

	var out graphResponse
	if err := g.call(ctx, http.MethodPost, targetID+"/feed", form, &out); err != nil {
		return Failf("%s", err.Error())
	}
	if out.ID == "" {
		return Failf("graph: feed response carried no id")
	}
	return Ok(out.ID)
}

func (g *GraphPoster) ownImage(raw string) bool {
	domain := strings.ToLower(strings.TrimSpace(g.cfg.StorageDomain))
	if domain == "" {
		return false
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return false
	}
	host := strings.ToLower(u.Hostname())
	return host == domain || strings.HasSuffix(host, "."+domain)
}

// call runs one request through the breaker and decodes the JSON body into out.
func (g *GraphPoster) call(ctx context.Context, method, path string, params url.Values, out any) error {
	endpoint := g.cfg.BaseURL + "/" + g.cfg.APIVersion + "/" + strings.TrimLeft(path, "/")

	resp, err := g.exec.WithContext(ctx).Get(func() (*http.Response, error) {
		var (
			req *http.Request
			err error
		)
		if method == http.MethodGet {
			req, err = http.NewRequestWithContext(ctx, method, endpoint+"?"+params.Encode(), nil)
		} else {
			req, err = http.NewRequestWithContext(ctx, method, endpoint, strings.NewReader(params.Encode()))
			if req != nil {
				req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
			}
		}
		if err != nil {
			return nil, err
		}
		return g.client.Do(req)
	})
	if err != nil {
		if errors.Is(err, circuitbreaker.ErrOpen) {
			return errors.New("graph: circuit open")
		}
		return fmt.Errorf("graph: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxGraphBody))
	if err != nil {
		return fmt.Errorf("graph: read body: %w", err)
	}

	var envelope struct {
		Error *graphError `json:"error"`
	}
	if json.Unmarshal(body, &envelope) == nil && envelope.Error != nil {
		return envelope.Error
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("graph: http %d", resp.StatusCode)
	}
	if out != nil {
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("graph: decode: %w", err)
		}
	}
	return nil
}

func captionFor(req Request) string {
	if req.Link == "" || strings.Contains(req.Message, req.Link) {
		return req.Message
	}
	return req.Message + "\n\n" + req.Link
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// GraphTarget binds the Graph API to one page or group.
type GraphTarget struct {
	Graph *GraphPoster
	ID    string
	Token string
}

func (t GraphTarget) Post(ctx context.Context, req Request) Result {
	return t.Graph.Publish(ctx, t.ID, t.Token, req)
}

func (t GraphTarget) Kind() string { return "graph" }
