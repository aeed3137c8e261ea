package poster

import "strings"

// Targets are the posters bound to each surface. A nil field means the
// surface is not configured and every attempt on it fails.
type Targets struct {
	Page  Poster
	Group Poster
}

type TargetConfig struct {
	PageID     string
	PageToken  string
	GroupID    string
	GroupToken string
}

// SelectTargets binds surfaces once at startup. The group goes through the
// Graph API when it has a token and through the session otherwise.
func SelectTargets(cfg TargetConfig, graph *GraphPoster, actor SessionPublisher) Targets {
	var t Targets
	if graph != nil && set(cfg.PageID) && set(cfg.PageToken) {
		t.Page = GraphTarget{Graph: graph, ID: cfg.PageID, Token: cfg.PageToken}
	}
	switch {
	case !set(cfg.GroupID):
	case graph != nil && set(cfg.GroupToken):
		t.Group = GraphTarget{Graph: graph, ID: cfg.GroupID, Token: cfg.GroupToken}
	case actor != nil:
		t.Group = SessionPoster{Actor: actor, Target: cfg.GroupID}
	}
	return t
}

func set(s string) bool { return strings.TrimSpace(s) != "" }
