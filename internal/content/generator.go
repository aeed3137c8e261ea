package content

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"text/template"
	"time"

	"github.com/sashabaranov/go-openai"

	logx "postbot/pkg/logx"
)

// Angles are the VIP spotlight themes, in rotation order.
var Angles = []string{
	"services",
	"testimonial",
	"seasonal",
	"promotion",
	"new_product",
	"behind_scenes",
	"team",
	"community",
}

// EngagementPrompts are static questions posted when no subject is eligible.
var EngagementPrompts = []string{
	"What's a local business you'd recommend to a friend this week? Tell us below!",
	"Which neighborhood spot never lets you down? Share it in the comments.",
	"New in town? Ask the community for a recommendation and we'll help.",
	"What service do you wish there were more of around here?",
	"Shout out a small business owner who went the extra mile for you!",
}

// Source produces one candidate post for a subject.
type Source interface {
	Generate(ctx context.Context, s Subject) (Post, error)
}

type GeneratorConfig struct {
	OpenAIKey     string
	OpenAIBaseURL string
	Model         string
	Timeout       time.Duration

	SiteURL  string
	SiteName string
}

// Generator writes post text with a chat model and falls back to templates
// when the model is unavailable or fails.
type Generator struct {
	cfg    GeneratorConfig
	client *openai.Client
	log    logx.Logger
	tmpl   *template.Template
}

func NewGenerator(cfg GeneratorConfig, log logx.Logger) (*Generator, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	if strings.TrimSpace(cfg.SiteURL) == "" {
		return nil, errors.New("content: site url is required")
	}
	cfg.SiteURL = strings.TrimRight(strings.TrimSpace(cfg.SiteURL), "/")
	if cfg.SiteName == "" {
		cfg.SiteName = "the directory"
	}
	if cfg.Model == "" {
		cfg.Model = openai.GPT4oMini
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	t, err := template.New("post").Parse(fallbackTemplates)
	if err != nil {
		return nil, err
	}
	g := &Generator{cfg: cfg, log: log.With(logx.String("comp", "content")), tmpl: t}
	if key := strings.TrimSpace(cfg.OpenAIKey); key != "" {
		oc := openai.DefaultConfig(key)
		if cfg.OpenAIBaseURL != "" {
			oc.BaseURL = cfg.OpenAIBaseURL
		}
		g.client = openai.NewClientWithConfig(oc)
	}
	return g, nil
}

func (g *Generator) Generate(ctx context.Context, s Subject) (Post, error) {
	if err := s.Validate(); err != nil {
		return Post{}, err
	}
	post := Post{Link: g.link(s), ImageURL: imageOf(s)}

	if g.client != nil {
		msg, err := g.complete(ctx, s)
		if err == nil && strings.TrimSpace(msg) != "" {
			post.Message = strings.TrimSpace(msg)
			return post, nil
		}
		g.log.Warn("model generation failed; using template",
			logx.String("type", string(s.Type)), logx.Int64("ref", s.Ref()), logx.Err(err))
	}

	msg, err := g.fallback(s)
	if err != nil {
		return Post{}, fmt.Errorf("content: render %s: %w", s.Type, err)
	}
	post.Message = msg
	return post, nil
}

func (g *Generator) complete(ctx context.Context, s Subject) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()

	resp, err := g.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: g.cfg.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt(g.cfg.SiteName)},
			{Role: openai.ChatMessageRoleUser, Content: userPrompt(s)},
		},
		MaxCompletionTokens: 400,
	})
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("no choices returned")
	}
	return resp.Choices[0].Message.Content, nil
}

func (g *Generator) fallback(s Subject) (string, error) {
	var buf bytes.Buffer
	data := map[string]any{"S": s, "Site": g.cfg.SiteName}
	if err := g.tmpl.ExecuteTemplate(&buf, string(s.Type), data); err != nil {
		return "", err
	}
	return strings.TrimSpace(buf.String()), nil
}

func (g *Generator) link(s Subject) string {
	switch {
	case s.Business != nil:
		return g.cfg.SiteURL + "/business/" + url.PathEscape(s.Business.Slug)
	case s.BlogPost != nil:
		return g.cfg.SiteURL + "/blog/" + url.PathEscape(s.BlogPost.Slug)
	case s.Category != nil:
		return g.cfg.SiteURL + "/category/" + url.PathEscape(s.Category.Slug)
	}
	return g.cfg.SiteURL
}

func imageOf(s Subject) string {
	switch {
	case s.Business != nil:
		return s.Business.ImageURL
	case s.BlogPost != nil:
		return s.BlogPost.ImageURL
	}
	return ""
}

func systemPrompt(site string) string {
	return "You write short, friendly social media posts for " + site +
		", a local business directory. Plain text, at most 3 short paragraphs, 2 hashtags max, no links."
}

func userPrompt(s Subject) string {
	var b strings.Builder
	switch s.Type {
	case Spotlight:
		biz := s.Business
		fmt.Fprintf(&b, "Write a spotlight post about %q", biz.Name)
		if biz.Category != "" {
			fmt.Fprintf(&b, " (%s)", biz.Category)
		}
		if biz.City != "" {
			fmt.Fprintf(&b, " in %s", biz.City)
		}
		b.WriteString(".")
		if biz.Description != "" {
			fmt.Fprintf(&b, " About them: %s", biz.Description)
		}
		if s.VIP != nil {
			fmt.Fprintf(&b, "\nAngle: %s.", strings.ReplaceAll(s.VIP.Angle, "_", " "))
			if s.VIP.Hint != "" {
				fmt.Fprintf(&b, " %s", s.VIP.Hint)
			}
			if s.VIP.Mascot {
				b.WriteString(" Mention our friendly mascot.")
			}
		}
	case BlogShare:
		fmt.Fprintf(&b, "Write a post inviting readers to our article %q.", s.BlogPost.Title)
		if s.BlogPost.Excerpt != "" {
			fmt.Fprintf(&b, " Summary: %s", s.BlogPost.Excerpt)
		}
	case CategoryHighlight:
		fmt.Fprintf(&b, "Write a post highlighting the %s category with %d listed local businesses.",
			s.Category.Name, s.Category.BusinessCount)
	case EngagementPrompt:
		fmt.Fprintf(&b, "Rephrase this community question warmly: %s", s.Prompt)
	}
	return b.String()
}

const fallbackTemplates = `
{{define "spotlight"}}{{with .S.Business}}Local spotlight: {{.Name}}{{if .City}} in {{.City}}{{end}}!
{{if .Description}}{{.Description}}
{{end}}{{if $.S.VIP}}{{if eq $.S.VIP.Angle "testimonial"}}Customers keep telling us great things about them.
{{else if eq $.S.VIP.Angle "promotion"}}Ask them about their current offers.
{{else if eq $.S.VIP.Angle "team"}}Meet the people who make it happen.
{{end}}{{end}}Find them on {{$.Site}}.{{end}}{{end}}
{{define "blog_share"}}{{with .S.BlogPost}}New on the blog: {{.Title}}
{{if .Excerpt}}{{.Excerpt}}
{{end}}Read the full story on {{$.Site}}.{{end}}{{end}}
{{define "category_highlight"}}{{with .S.Category}}Looking for {{.Name}}? {{if gt .BusinessCount 1}}{{.BusinessCount}} local businesses are{{else}}A local business is{{end}} listed on {{$.Site}}.{{end}}{{end}}
{{define "engagement_prompt"}}{{.S.Prompt}}{{end}}
`
