package session

import (
	"regexp"
	"strings"

	"golang.org/x/net/html"
)

// Tokens are the request credentials scraped from an authenticated page.
type Tokens struct {
	CSRF   string
	LSD    string
	UserID string
}

func (t Tokens) complete() bool { return t.CSRF != "" && t.UserID != "" }

// Patterns are tried in order; the first match wins.
var (
	csrfPatterns = []*regexp.Regexp{
		regexp.MustCompile(`"DTSGInitialData",\[\],\{"token":"([^"]+)"`),
		regexp.MustCompile(`"DTSGInitData",\[\],\{"token":"([^"]+)"`),
		regexp.MustCompile(`"dtsg":\{"token":"([^"]+)"`),
		regexp.MustCompile(`name="fb_dtsg" value="([^"]+)"`),
		regexp.MustCompile(`"fb_dtsg","value":"([^"]+)"`),
	}
	lsdPatterns = []*regexp.Regexp{
		regexp.MustCompile(`"LSD",\[\],\{"token":"([^"]+)"`),
		regexp.MustCompile(`name="lsd" value="([^"]+)"`),
		regexp.MustCompile(`"lsd":"([^"]+)"`),
	}
	userPatterns = []*regexp.Regexp{
		regexp.MustCompile(`"USER_ID":"(\d+)"`),
		regexp.MustCompile(`"actorID":"(\d+)"`),
		regexp.MustCompile(`"userID":"(\d+)"`),
		regexp.MustCompile(`c_user=(\d+)`),
	}
)

// ExtractTokens reads tokens from rendered HTML and the cookie jar.
// Hidden form inputs win over embedded JSON, and the c_user cookie wins
// over anything in the page for the user id.
func ExtractTokens(page string, cookies []Cookie) Tokens {
	var t Tokens
	for _, c := range cookies {
		if c.Name == "c_user" && validUserID(c.Value) {
			t.UserID = c.Value
			break
		}
	}

	inputs, scripts := scanDocument(page)
	t.CSRF = inputs["fb_dtsg"]
	t.LSD = inputs["lsd"]

	// Scripts first keeps JSON payloads ahead of markup noise.
	haystack := scripts + "\n" + page
	if t.CSRF == "" {
		t.CSRF = firstMatch(csrfPatterns, haystack, nil)
	}
	if t.LSD == "" {
		t.LSD = firstMatch(lsdPatterns, haystack, nil)
	}
	if t.UserID == "" {
		t.UserID = firstMatch(userPatterns, haystack, validUserID)
	}
	return t
}

func firstMatch(patterns []*regexp.Regexp, s string, accept func(string) bool) string {
	for _, re := range patterns {
		for _, m := range re.FindAllStringSubmatch(s, -1) {
			if len(m) < 2 || m[1] == "" {
				continue
			}
			if accept != nil && !accept(m[1]) {
				continue
			}
			return m[1]
		}
	}
	return ""
}

func validUserID(s string) bool {
	if s == "" || s == "0" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// scanDocument collects hidden input values by name and the text of every
// script element.
func scanDocument(page string) (map[string]string, string) {
	inputs := map[string]string{}
	var scripts strings.Builder

	z := html.NewTokenizer(strings.NewReader(page))
	inScript := false
	for {
		switch z.Next() {
		case html.ErrorToken:
			return inputs, scripts.String()
		case html.StartTagToken, html.SelfClosingTagToken:
			tok := z.Token()
			switch tok.Data {
			case "input":
				var name, value string
				for _, a := range tok.Attr {
					switch a.Key {
					case "name":
						name = a.Val
					case "value":
						value = a.Val
					}
				}
				if name != "" && value != "" {
					if _, seen := inputs[name]; !seen {
						inputs[name] = value
					}
				}
			case "script":
				inScript = true
			}
		case html.EndTagToken:
			if tok := z.Token(); tok.Data == "script" {
				inScript = false
			}
		case html.TextToken:
			if inScript {
				scripts.Write(z.Text())
				scripts.WriteByte('\n')
			}
		}
	}
}
