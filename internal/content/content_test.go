package content

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "postbot/pkg/logx"
)

func TestSubjectValidate(t *testing.T) {
	biz := &BusinessSubject{ID: 7, Name: "Rosa's Bakery", Slug: "rosas-bakery"}
	cases := []struct {
		name string
		s    Subject
		ok   bool
	}{
		{"spotlight", Subject{Type: Spotlight, Business: biz}, true},
		{"spotlight missing business", Subject{Type: Spotlight}, false},
		{"spotlight with two subjects", Subject{Type: Spotlight, Business: biz, Category: &CategorySubject{ID: 1}}, false},
		{"blog", Subject{Type: BlogShare, BlogPost: &BlogPostSubject{ID: 2}}, true},
		{"category", Subject{Type: CategoryHighlight, Category: &CategorySubject{ID: 3}}, true},
		{"prompt", Subject{Type: EngagementPrompt, Prompt: "hi?"}, true},
		{"prompt with subject", Subject{Type: EngagementPrompt, Prompt: "hi?", Business: biz}, false},
		{"angle on blog", Subject{Type: BlogShare, BlogPost: &BlogPostSubject{ID: 2}, VIP: &VIPAngle{Angle: "team"}}, false},
		{"unknown", Subject{Type: "poll"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.s.Validate()
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidSubject)
			}
		})
	}
}

func TestHashStablePerSubject(t *testing.T) {
	a := Subject{Type: Spotlight, Business: &BusinessSubject{ID: 7, Name: "A"}}
	b := Subject{Type: Spotlight, Business: &BusinessSubject{ID: 7, Name: "renamed"}, VIP: &VIPAngle{Angle: "team"}}
	c := Subject{Type: CategoryHighlight, Category: &CategorySubject{ID: 7}}

	assert.Equal(t, a.Hash(), b.Hash())
	assert.NotEqual(t, a.Hash(), c.Hash())
	assert.Len(t, a.Hash(), 32)
}

func TestParseContentTypes(t *testing.T) {
	got := ParseContentTypes(" spotlight, poll ,BLOG_SHARE,spotlight")
	assert.Equal(t, []ContentType{Spotlight, BlogShare}, got)
	assert.Equal(t, []TargetType{TargetPage, TargetGroup}, TargetBoth.Surfaces())
}

func TestGeneratorFallback(t *testing.T) {
	g, err := NewGenerator(GeneratorConfig{SiteURL: "https://example.test/", SiteName: "Example Directory"}, logx.Nop())
	require.NoError(t, err)

	post, err := g.Generate(context.Background(), Subject{
		Type:     Spotlight,
		Business: &BusinessSubject{ID: 1, Name: "Rosa's Bakery", Slug: "rosas-bakery", City: "Springfield", ImageURL: "https://cdn.example.test/a.jpg"},
		VIP:      &VIPAngle{Angle: "team"},
	})
	require.NoError(t, err)
	assert.Contains(t, post.Message, "Rosa's Bakery in Springfield")
	assert.Contains(t, post.Message, "Meet the people")
	assert.Equal(t, "https://example.test/business/rosas-bakery", post.Link)
	assert.Equal(t, "https://cdn.example.test/a.jpg", post.ImageURL)

	post, err = g.Generate(context.Background(), Subject{Type: EngagementPrompt, Prompt: EngagementPrompts[0]})
	require.NoError(t, err)
	assert.Equal(t, EngagementPrompts[0], post.Message)
	assert.Equal(t, "https://example.test", post.Link)

	_, err = g.Generate(context.Background(), Subject{Type: BlogShare})
	assert.Error(t, err)
}

func TestGeneratorUsesModel(t *testing.T) {
	var body string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		body = string(b)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"c1","object":"chat.completion","choices":[{"index":0,"message":{"role":"assistant","content":"  Fresh bread daily!  "},"finish_reason":"stop"}]}`))
	}))
	defer srv.Close()

	g, err := NewGenerator(GeneratorConfig{OpenAIKey: "k", OpenAIBaseURL: srv.URL + "/v1", SiteURL: "https://example.test"}, logx.Nop())
	require.NoError(t, err)

	post, err := g.Generate(context.Background(), Subject{Type: CategoryHighlight, Category: &CategorySubject{ID: 3, Name: "Bakeries", Slug: "bakeries", BusinessCount: 4}})
	require.NoError(t, err)
	assert.Equal(t, "Fresh bread daily!", post.Message)
	assert.Equal(t, "https://example.test/category/bakeries", post.Link)
	assert.Contains(t, body, "Bakeries")
}

func TestGeneratorModelFailureFallsBack(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"overloaded"}}`, http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	g, err := NewGenerator(GeneratorConfig{OpenAIKey: "k", OpenAIBaseURL: srv.URL + "/v1", SiteURL: "https://example.test"}, logx.Nop())
	require.NoError(t, err)

	post, err := g.Generate(context.Background(), Subject{Type: BlogShare, BlogPost: &BlogPostSubject{ID: 2, Title: "Best Tacos", Slug: "best-tacos"}})
	require.NoError(t, err)
	assert.Contains(t, post.Message, "New on the blog: Best Tacos")
}
