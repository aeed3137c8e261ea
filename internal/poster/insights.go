package poster

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
)

// Metrics are the engagement numbers for one published post.
type Metrics struct {
	Impressions  int64
	Reach        int64
	EngagedUsers int64
	Clicks       int64

	// Reactions is keyed by like, love, wow, haha, sad, angry.
	Reactions map[string]int64

	Likes    int64
	Comments int64
	Shares   int64
}

var insightMetrics = []string{
	"post_impressions",
	"post_impressions_unique",
	"post_engaged_users",
	"post_clicks",
	"post_reactions_by_type_total",
}

type insightsResponse struct {
	Data []struct {
		Name   string `json:"name"`
		Values []struct {
			Value json.RawMessage `json:"value"`
		} `json:"values"`
	} `json:"data"`
}

type engagementResponse struct {
	Likes struct {
		Summary struct {
			TotalCount int64 `json:"total_count"`
		} `json:"summary"`
	} `json:"likes"`
	Comments struct {
		Summary struct {
			TotalCount int64 `json:"total_count"`
		} `json:"summary"`
	} `json:"comments"`
	Shares struct {
		Count int64 `json:"count"`
	} `json:"shares"`
}

// Insights fetches page-post insights and engagement counters.
func (g *GraphPoster) Insights(ctx context.Context, postID, accessToken string) (Metrics, error) {
	if strings.TrimSpace(postID) == "" {
		return Metrics{}, errors.New("graph: post id is required")
	}

	q := url.Values{}
	q.Set("metric", strings.Join(insightMetrics, ","))
	q.Set("access_token", accessToken)
	var ins insightsResponse
	if err := g.call(ctx, http.MethodGet, postID+"/insights", q, &ins); err != nil {
		return Metrics{}, err
	}

	m := Metrics{Reactions: map[string]int64{}}
	for _, d := range ins.Data {
		if len(d.Values) == 0 {
			continue
		}
		raw := d.Values[len(d.Values)-1].Value
		switch d.Name {
		case "post_reactions_by_type_total":
			var by map[string]int64
			if json.Unmarshal(raw, &by) == nil {
				for k, v := range by {
					m.Reactions[strings.ToLower(k)] = v
				}
			}
		default:
			var n int64
			if json.Unmarshal(raw, &n) != nil {
				continue
			}
			switch d.Name {
			case "post_impressions":
				m.Impressions = n
			case "post_impressions_unique":
				m.Reach = n
			case "post_engaged_users":
				m.EngagedUsers = n
			case "post_clicks":
				m.Clicks = n
			}
		}
	}

	q = url.Values{}
	q.Set("fields", "likes.summary(true).limit(0),comments.summary(true).limit(0),shares")
	q.Set("access_token", accessToken)
	var eng engagementResponse
	if err := g.call(ctx, http.MethodGet, postID, q, &eng); err != nil {
		return Metrics{}, err
	}
	m.Likes = eng.Likes.Summary.TotalCount
	m.Comments = eng.Comments.Summary.TotalCount
	m.Shares = eng.Shares.Count
	return m, nil
}
