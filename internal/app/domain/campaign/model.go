// Package campaign defines the publication plan generated from a confirmed
// order: one campaign row plus its full set of scheduled posts.
package campaign

import (
	"errors"
	"time"
)

// Status is the lifecycle state of a campaign.
type Status string

const (
	StatusScheduled Status = "scheduled"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// PostStatus is the lifecycle state of a single scheduled post.
type PostStatus string

const (
	PostScheduled PostStatus = "scheduled"
	PostPublished PostStatus = "published"
	PostFailed    PostStatus = "failed"
)

var (
	// ErrNotFound is returned when a campaign or post id is unknown.
	ErrNotFound = errors.New("campaign not found")

	// ErrPostNotFound is returned when a scheduled post id is unknown.
	ErrPostNotFound = errors.New("scheduled post not found")

	// ErrInvalidPostTransition signals a post status change outside
	// scheduled -> {published, failed} and failed -> scheduled (re-enqueue).
	ErrInvalidPostTransition = errors.New("invalid post status transition")
)

// Campaign is the materialized publication plan for one confirmed order.
// Exactly one campaign exists per order.
type Campaign struct {
	ID          string    `db:"id"`
	OrderID     string    `db:"order_id"`
	BuyerID     int64     `db:"buyer_id"`
	ChannelIDs  []int64   `db:"-"`
	ContentRef  string    `db:"content_ref"`
	TotalPosts  int       `db:"total_posts"`
	PostsPerDay int       `db:"posts_per_day"`
	Status      Status    `db:"status"`
	CreatedAt   time.Time `db:"created_at"`
}

// ScheduledPost is one planned publication of the campaign content to one
// channel. Posts are created in bulk by materialization and afterwards only
// their status fields change; rows are never deleted.
type ScheduledPost struct {
	ID            string     `db:"id"`
	CampaignID    string     `db:"campaign_id"`
	ChannelID     int64      `db:"channel_id"`
	ScheduledTime time.Time  `db:"scheduled_time"`
	Status        PostStatus `db:"status"`
	PublishedTime time.Time  `db:"published_time"`
	MessageRef    string     `db:"message_ref"`
	Error         string     `db:"error"`
}
