package storage

import (
	"time"

	"github.com/uptrace/bun"

	"postbot/internal/content"
)

type Status string

const (
	StatusPending Status = "pending"
	StatusPosted  Status = "posted"
	StatusFailed  Status = "failed"
)

// QueueEntry is one scheduled post.
type QueueEntry struct {
	bun.BaseModel `bun:"table:social_media_queue,alias:q"`

	ID          string              `bun:"id,pk"`
	ContentType content.ContentType `bun:"content_type,notnull"`
	TargetType  content.TargetType  `bun:"target_type,notnull"`

	BusinessID *int64 `bun:"business_id"`
	BlogPostID *int64 `bun:"blog_post_id"`
	CategoryID *int64 `bun:"category_id"`

	Message  string `bun:"message,notnull"`
	Link     string `bun:"link,nullzero"`
	ImageURL string `bun:"image_url,nullzero"`

	ScheduledFor time.Time `bun:"scheduled_for,notnull"`
	Status       Status    `bun:"status,notnull"`
	Priority     int       `bun:"priority,notnull"`
	ContentHash  string    `bun:"content_hash,notnull"`

	PostAngle string `bun:"post_angle,nullzero"`
	HadMascot bool   `bun:"had_mascot,notnull"`

	CreatedAt    time.Time `bun:"created_at,notnull"`
	PostedAt     time.Time `bun:"posted_at,nullzero"`
	ErrorMessage string    `bun:"error_message,nullzero"`
	PagePostID   string    `bun:"page_post_id,nullzero"`
	GroupPostID  string    `bun:"group_post_id,nullzero"`
}

// SubjectRef returns the id of whichever subject column is set.
func (e *QueueEntry) SubjectRef() int64 {
	switch {
	case e.BusinessID != nil:
		return *e.BusinessID
	case e.BlogPostID != nil:
		return *e.BlogPostID
	case e.CategoryID != nil:
		return *e.CategoryID
	}
	return 0
}

type PostedContentRecord struct {
	bun.BaseModel `bun:"table:posted_content,alias:pc"`

	ID          int64               `bun:"id,pk,autoincrement"`
	ContentType content.ContentType `bun:"content_type,notnull"`
	ContentID   int64               `bun:"content_id,notnull"`
	TargetType  content.TargetType  `bun:"target_type,notnull"`
	QueueID     string              `bun:"queue_id,notnull"`
	PostedAt    time.Time           `bun:"posted_at,notnull"`
}

type PostAnalytics struct {
	bun.BaseModel `bun:"table:post_analytics,alias:pa"`

	ID         int64              `bun:"id,pk,autoincrement"`
	QueueID    string             `bun:"queue_id,notnull"`
	TargetType content.TargetType `bun:"target_type,notnull"`
	PostID     string             `bun:"post_id,nullzero"`

	Impressions  int64 `bun:"impressions,notnull"`
	Reach        int64 `bun:"reach,notnull"`
	EngagedUsers int64 `bun:"engaged_users,notnull"`
	Clicks       int64 `bun:"clicks,notnull"`

	ReactionsLike  int64 `bun:"reactions_like,notnull"`
	ReactionsLove  int64 `bun:"reactions_love,notnull"`
	ReactionsWow   int64 `bun:"reactions_wow,notnull"`
	ReactionsHaha  int64 `bun:"reactions_haha,notnull"`
	ReactionsSad   int64 `bun:"reactions_sad,notnull"`
	ReactionsAngry int64 `bun:"reactions_angry,notnull"`

	Likes    int64 `bun:"likes,notnull"`
	Comments int64 `bun:"comments,notnull"`
	Shares   int64 `bun:"shares,notnull"`

	CreatedAt   time.Time `bun:"created_at,notnull"`
	LastUpdated time.Time `bun:"last_updated,nullzero"`
}

// PostingScheduleSlot is a daily posting time. ContentTypes is a comma list.
type PostingScheduleSlot struct {
	bun.BaseModel `bun:"table:posting_schedule,alias:ps"`

	ID           int64              `bun:"id,pk,autoincrement"`
	TimeOfDay    string             `bun:"time_of_day,notnull"`
	ContentTypes string             `bun:"content_types,notnull"`
	TargetType   content.TargetType `bun:"target_type,notnull"`
	Priority     int                `bun:"priority,notnull"`
	IsActive     bool               `bun:"is_active,notnull"`
}

type VIPPostHistory struct {
	bun.BaseModel `bun:"table:vip_post_history,alias:vh"`

	ID          int64     `bun:"id,pk,autoincrement"`
	BusinessID  int64     `bun:"business_id,notnull"`
	PostAngle   string    `bun:"post_angle,notnull"`
	ContentHash string    `bun:"content_hash,notnull"`
	QueueID     string    `bun:"queue_id,notnull"`
	PostID      string    `bun:"post_id,nullzero"`
	HadMascot   bool      `bun:"had_mascot,notnull"`
	PostedAt    time.Time `bun:"posted_at,notnull"`
}

// Directory tables. Owned by the directory application, read here.

type Business struct {
	bun.BaseModel `bun:"table:businesses,alias:b"`

	ID          int64     `bun:"id,pk,autoincrement"`
	Name        string    `bun:"name,notnull"`
	Slug        string    `bun:"slug,notnull"`
	Description string    `bun:"description,nullzero"`
	City        string    `bun:"city,nullzero"`
	Phone       string    `bun:"phone,nullzero"`
	Website     string    `bun:"website,nullzero"`
	ImageURL    string    `bun:"image_url,nullzero"`
	CategoryID  *int64    `bun:"category_id"`
	IsActive    bool      `bun:"is_active,notnull"`
	CreatedAt   time.Time `bun:"created_at,notnull"`
}

type Category struct {
	bun.BaseModel `bun:"table:categories,alias:c"`

	ID          int64  `bun:"id,pk,autoincrement"`
	Name        string `bun:"name,notnull"`
	Slug        string `bun:"slug,notnull"`
	Description string `bun:"description,nullzero"`
}

type BlogPost struct {
	bun.BaseModel `bun:"table:blog_posts,alias:bp"`

	ID          int64     `bun:"id,pk,autoincrement"`
	Title       string    `bun:"title,notnull"`
	Slug        string    `bun:"slug,notnull"`
	Excerpt     string    `bun:"excerpt,nullzero"`
	ImageURL    string    `bun:"image_url,nullzero"`
	Status      string    `bun:"status,notnull"`
	PublishedAt time.Time `bun:"published_at,nullzero"`
}

type VIPBusiness struct {
	bun.BaseModel `bun:"table:vip_businesses,alias:v"`

	ID            int64 `bun:"id,pk,autoincrement"`
	BusinessID    int64 `bun:"business_id,notnull"`
	CadenceDays   int   `bun:"cadence_days,notnull"`
	MascotEnabled bool  `bun:"mascot_enabled,notnull"`
	IsActive      bool  `bun:"is_active,notnull"`
}

type PostAngleTemplate struct {
	bun.BaseModel `bun:"table:post_angle_templates,alias:pat"`

	ID       int64  `bun:"id,pk,autoincrement"`
	Angle    string `bun:"angle,notnull"`
	Hint     string `bun:"hint,nullzero"`
	IsActive bool   `bun:"is_active,notnull"`
}

// VIPCandidate joins an active VIP designation with its business.
type VIPCandidate struct {
	VIP      VIPBusiness
	Business Business
}
