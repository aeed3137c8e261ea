package poster

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"postbot/internal/session"
	logx "postbot/pkg/logx"
)

type recorded struct {
	path string
	form url.Values
}

type graphServer struct {
	mu    sync.Mutex
	calls []recorded
	srv   *httptest.Server
}

func newGraphServer(t *testing.T, handler func(w http.ResponseWriter, r *http.Request)) *graphServer {
	t.Helper()
	gs := &graphServer{}
	gs.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		gs.mu.Lock()
		gs.calls = append(gs.calls, recorded{path: r.URL.Path, form: r.Form})
		gs.mu.Unlock()
		handler(w, r)
	}))
	t.Cleanup(gs.srv.Close)
	return gs
}

func (gs *graphServer) poster() *GraphPoster {
	return NewGraphPoster(GraphConfig{BaseURL: gs.srv.URL, StorageDomain: "cdn.example.test"}, logx.Nop())
}

func (gs *graphServer) paths() []string {
	gs.mu.Lock()
	defer gs.mu.Unlock()
	out := make([]string, 0, len(gs.calls))
	for _, c := range gs.calls {
		out = append(out, c.path)
	}
	return out
}

func TestPublishPhotoForOwnImage(t *testing.T) {
	gs := newGraphServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"id":"photo1","post_id":"page_1"}`)
	})
	res := gs.poster().Publish(context.Background(), "page", "tok", Request{
		Message:  "Meet Acme",
		Link:     "https://dir.example.test/business/acme",
		ImageURL: "https://cdn.example.test/img/acme.jpg",
	})
	require.True(t, res.Success, res.Error)
	assert.Equal(t, "page_1", res.PostID)
	assert.Equal(t, []string{"/v19.0/page/photos"}, gs.paths())
	caption := gs.calls[0].form.Get("caption")
	assert.True(t, strings.HasPrefix(caption, "Meet Acme"))
	assert.Contains(t, caption, "https://dir.example.test/business/acme")
}

func TestPublishFallsBackToFeedWhenPhotoRejected(t *testing.T) {
	gs := newGraphServer(t, func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/photos") {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = io.WriteString(w, `{"error":{"message":"Invalid image","code":324}}`)
			return
		}
		_, _ = io.WriteString(w, `{"id":"page_2"}`)
	})
	res := gs.poster().Publish(context.Background(), "page", "tok", Request{
		Message:  "hi",
		ImageURL: "https://cdn.example.test/a.jpg",
	})
	require.True(t, res.Success, res.Error)
	assert.Equal(t, "page_2", res.PostID)
	assert.Equal(t, []string{"/v19.0/page/photos", "/v19.0/page/feed"}, gs.paths())
	assert.Equal(t, "https://cdn.example.test/a.jpg", gs.calls[1].form.Get("link"))
}

func TestPublishExternalImageGoesToFeed(t *testing.T) {
	gs := newGraphServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"id":"page_3"}`)
	})
	res := gs.poster().Publish(context.Background(), "page", "tok", Request{
		Message:  "hi",
		Link:     "https://dir.example.test/blog/x",
		ImageURL: "https://elsewhere.test/a.jpg",
	})
	require.True(t, res.Success)
	assert.Equal(t, []string{"/v19.0/page/feed"}, gs.paths())
	assert.Equal(t, "https://dir.example.test/blog/x", gs.calls[0].form.Get("link"))
	assert.Equal(t, "tok", gs.calls[0].form.Get("access_token"))
}

func TestPublishReportsPlatformError(t *testing.T) {
	gs := newGraphServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"error":{"message":"Invalid OAuth access token.","type":"OAuthException","code":190}}`)
	})
	res := gs.poster().Publish(context.Background(), "page", "tok", Request{Message: "hi"})
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "(#190)")
}

func TestPublishRejectsMissingInputs(t *testing.T) {
	g := NewGraphPoster(GraphConfig{BaseURL: "http://127.0.0.1:1"}, logx.Nop())
	assert.False(t, g.Publish(context.Background(), "", "tok", Request{Message: "x"}).Success)
	assert.False(t, g.Publish(context.Background(), "p", "tok", Request{}).Success)
}

func TestBreakerOpensAfterRepeatedServerErrors(t *testing.T) {
	gs := newGraphServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	g := gs.poster()
	var last Result
	for range 12 {
		last = g.Publish(context.Background(), "page", "tok", Request{Message: "hi"})
		assert.False(t, last.Success)
	}
	assert.Contains(t, last.Error, "circuit open")
	assert.Less(t, len(gs.paths()), 12)
}

func TestInsightsParsesMetrics(t *testing.T) {
	gs := newGraphServer(t, func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/insights") {
			_, _ = io.WriteString(w, `{"data":[
				{"name":"post_impressions","values":[{"value":120}]},
				{"name":"post_impressions_unique","values":[{"value":90}]},
				{"name":"post_engaged_users","values":[{"value":12}]},
				{"name":"post_clicks","values":[{"value":7}]},
				{"name":"post_reactions_by_type_total","values":[{"value":{"like":5,"LOVE":2}}]}
			]}`)
			return
		}
		_, _ = io.WriteString(w, `{"likes":{"summary":{"total_count":5}},"comments":{"summary":{"total_count":3}},"shares":{"count":1}}`)
	})
	m, err := gs.poster().Insights(context.Background(), "page_1", "tok")
	require.NoError(t, err)
	assert.EqualValues(t, 120, m.Impressions)
	assert.EqualValues(t, 90, m.Reach)
	assert.EqualValues(t, 12, m.EngagedUsers)
	assert.EqualValues(t, 7, m.Clicks)
	assert.EqualValues(t, 2, m.Reactions["love"])
	assert.EqualValues(t, 5, m.Likes)
	assert.EqualValues(t, 3, m.Comments)
	assert.EqualValues(t, 1, m.Shares)
}

type fakeActor struct {
	msg, target string
	res         session.PostResult
}

func (f *fakeActor) Post(_ context.Context, message, target string) session.PostResult {
	f.msg, f.target = message, target
	return f.res
}

func TestSessionPosterAppendsLink(t *testing.T) {
	a := &fakeActor{res: session.PostResult{Success: true, Unconfirmed: true}}
	p := SessionPoster{Actor: a, Target: "g1"}
	res := p.Post(context.Background(), Request{Message: "Read this", Link: "https://dir.example.test/blog/x"})
	assert.True(t, res.Success)
	assert.True(t, res.Unconfirmed)
	assert.Equal(t, "g1", a.target)
	assert.Equal(t, "Read this\n\nhttps://dir.example.test/blog/x", a.msg)
	assert.Equal(t, "session", p.Kind())
}

func TestSelectTargets(t *testing.T) {
	g := NewGraphPoster(GraphConfig{}, logx.Nop())
	a := &fakeActor{}

	all := SelectTargets(TargetConfig{PageID: "p", PageToken: "pt", GroupID: "g", GroupToken: "gt"}, g, a)
	require.NotNil(t, all.Page)
	require.NotNil(t, all.Group)
	assert.Equal(t, "graph", all.Group.Kind())

	sess := SelectTargets(TargetConfig{PageID: "p", PageToken: "pt", GroupID: "g"}, g, a)
	require.NotNil(t, sess.Group)
	assert.Equal(t, "session", sess.Group.Kind())

	none := SelectTargets(TargetConfig{PageID: "p"}, g, nil)
	assert.Nil(t, none.Page)
	assert.Nil(t, none.Group)
}
