package poster

import (
	"context"
	"strings"

	"postbot/internal/session"
)

// SessionPublisher is the part of the session actor SessionPoster needs.
type SessionPublisher interface {
	Post(ctx context.Context, message, target string) session.PostResult
}

// SessionPoster posts to a group through the replayed browser session.
type SessionPoster struct {
	Actor  SessionPublisher
	Target string
}

func (s SessionPoster) Post(ctx context.Context, req Request) Result {
	msg := req.Message
	if link := firstNonEmpty(req.Link, req.ImageURL); link != "" && !strings.Contains(msg, link) {
		msg = strings.TrimRight(msg, "\n ") + "\n\n" + link
	}
	res := s.Actor.Post(ctx, msg, s.Target)
	return Result{
		Success:     res.Success,
		PostID:      res.PostID,
		Error:       res.Error,
		Unconfirmed: res.Unconfirmed,
	}
}

func (s SessionPoster) Kind() string { return "session" }
