// Package content describes what a post is about and renders its text.
package content

import (
	"errors"
	"fmt"
	"strings"
)

type ContentType string

const (
	Spotlight         ContentType = "spotlight"
	BlogShare         ContentType = "blog_share"
	CategoryHighlight ContentType = "category_highlight"
	EngagementPrompt  ContentType = "engagement_prompt"
)

// AllContentTypes is the canonical order used when a slot lists none.
var AllContentTypes = []ContentType{Spotlight, BlogShare, CategoryHighlight, EngagementPrompt}

func (t ContentType) Valid() bool {
	switch t {
	case Spotlight, BlogShare, CategoryHighlight, EngagementPrompt:
		return true
	}
	return false
}

// DedupEligible reports whether successful posts of this type are recorded
// against their subject.
func (t ContentType) DedupEligible() bool {
	return t == Spotlight || t == BlogShare || t == CategoryHighlight
}

// ParseContentTypes splits a comma separated list, dropping unknown values.
func ParseContentTypes(csv string) []ContentType {
	var out []ContentType
	seen := map[ContentType]bool{}
	for _, p := range strings.Split(csv, ",") {
		ct := ContentType(strings.ToLower(strings.TrimSpace(p)))
		if ct.Valid() && !seen[ct] {
			seen[ct] = true
			out = append(out, ct)
		}
	}
	return out
}

type TargetType string

const (
	TargetPage  TargetType = "page"
	TargetGroup TargetType = "group"
	TargetBoth  TargetType = "both"
)

func (t TargetType) Valid() bool {
	return t == TargetPage || t == TargetGroup || t == TargetBoth
}

// Surfaces expands both into page then group.
func (t TargetType) Surfaces() []TargetType {
	switch t {
	case TargetPage:
		return []TargetType{TargetPage}
	case TargetGroup:
		return []TargetType{TargetGroup}
	case TargetBoth:
		return []TargetType{TargetPage, TargetGroup}
	}
	return nil
}

type BusinessSubject struct {
	ID          int64
	Name        string
	Slug        string
	Description string
	City        string
	Phone       string
	Website     string
	ImageURL    string
	Category    string
}

type BlogPostSubject struct {
	ID       int64
	Title    string
	Slug     string
	Excerpt  string
	ImageURL string
}

type CategorySubject struct {
	ID            int64
	Name          string
	Slug          string
	BusinessCount int
}

// VIPAngle carries the rotation angle chosen for a VIP spotlight.
type VIPAngle struct {
	Angle  string
	Hint   string
	Mascot bool
}

// Subject is the thing a post talks about. Type selects which of the
// pointer fields is populated; Validate enforces that.
type Subject struct {
	Type ContentType

	Business *BusinessSubject
	BlogPost *BlogPostSubject
	Category *CategorySubject
	Prompt   string

	VIP *VIPAngle
}

var ErrInvalidSubject = errors.New("invalid subject")

func (s Subject) Validate() error {
	set := 0
	if s.Business != nil {
		set++
	}
	if s.BlogPost != nil {
		set++
	}
	if s.Category != nil {
		set++
	}
	bad := func(msg string) error { return fmt.Errorf("%w: %s: %s", ErrInvalidSubject, s.Type, msg) }

	switch s.Type {
	case Spotlight:
		if s.Business == nil || set != 1 {
			return bad("exactly one business required")
		}
	case BlogShare:
		if s.BlogPost == nil || set != 1 {
			return bad("exactly one blog post required")
		}
	case CategoryHighlight:
		if s.Category == nil || set != 1 {
			return bad("exactly one category required")
		}
	case EngagementPrompt:
		if set != 0 {
			return bad("no subject allowed")
		}
		if strings.TrimSpace(s.Prompt) == "" {
			return bad("prompt required")
		}
	default:
		return bad("unknown content type")
	}
	if s.VIP != nil && s.Type != Spotlight {
		return bad("angle only applies to spotlight")
	}
	return nil
}

// Ref returns the subject id, or 0 for engagement prompts.
func (s Subject) Ref() int64 {
	switch {
	case s.Business != nil:
		return s.Business.ID
	case s.BlogPost != nil:
		return s.BlogPost.ID
	case s.Category != nil:
		return s.Category.ID
	}
	return 0
}

// Hash is the content hash of this subject.
func (s Subject) Hash() string {
	if s.Type == EngagementPrompt {
		return Hash(s.Type, "prompt:"+s.Prompt)
	}
	return Hash(s.Type, fmt.Sprint(s.Ref()))
}

// Post is the rendered output for one subject.
type Post struct {
	Message  string
	Link     string
	ImageURL string
}
