// Package poster publishes rendered posts to the platform's page and group
// surfaces.
//
// Two interchangeable implementations of Poster exist: the official
// token-authenticated Graph API and a session replay through the session
// actor. Which one serves a surface is decided once, by SelectTargets.
package poster

import (
	"context"
	"fmt"
)

// Request is the content of one post.
type Request struct {
	Message  string
	Link     string
	ImageURL string
}

// Result is a tagged outcome. Posters never return errors.
type Result struct {
	Success bool
	PostID  string
	Error   string
	// Unconfirmed marks a success inferred from a heuristic signal.
	Unconfirmed bool
}

func Ok(postID string) Result { return Result{Success: true, PostID: postID} }

func Failf(format string, args ...any) Result {
	return Result{Error: fmt.Sprintf(format, args...)}
}

// Poster publishes to one bound surface.
type Poster interface {
	Post(ctx context.Context, req Request) Result
	// Kind names the mechanism ("graph" or "session") for logs and metrics.
	Kind() string
}
