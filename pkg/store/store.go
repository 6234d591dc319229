package store

import (
	"context"
	"time"

	"myway/pkg/domain"
)

// Store defines persistence operations for posts, feeds, jobs, budgets and users.
// MemoryStore and GormStore must return identical results for identical data.
type Store interface {
	// posts
	SavePost(ctx context.Context, post domain.Post) (domain.Post, error)
	GetPost(ctx context.Context, id string) (domain.Post, bool, error)
	ListReadyPosts(ctx context.Context, limit int) ([]domain.Post, error)

	// feeds
	AttachToFeed(ctx context.Context, uid string, post domain.Post, score float64, reasons []string) error
	// SaveAndAttach is SavePost followed by AttachToFeed as one atomic write.
	SaveAndAttach(ctx context.Context, uid string, post domain.Post, score float64, reasons []string) (domain.Post, error)
	FeedPage(ctx context.Context, q PageQuery) ([]domain.FeedItem, bool, error)
	PickFallback(ctx context.Context) (domain.Post, bool, error)

	// jobs
	SaveJob(ctx context.Context, job domain.Job) error
	GetJob(ctx context.Context, id string) (domain.Job, bool, error)
	PromoteJob(ctx context.Context, id string, now time.Time) (domain.Job, bool, error)
	CompleteJob(ctx context.Context, id string, post domain.Post) (domain.Job, error)
	FailJob(ctx context.Context, id, errMsg string) (domain.Job, error)

	// budgets
	GetBudget(ctx context.Context, uid string) (domain.Budget, error)
	ConsumeBudget(ctx context.Context, uid, key string) (bool, error)
	SetBudget(ctx context.Context, uid string, budget domain.Budget) error

	// users
	GetUser(ctx context.Context, uid string) (domain.User, bool, error)
	SaveProfileImages(ctx context.Context, uid string, update domain.ProfileImagesUpdate) error
}

// PageQuery selects one page of a feed.
type PageQuery struct {
	UserID   string
	Limit    int
	FeedType domain.FeedType
	Page     int
}

func (q PageQuery) skip() int {
	if q.Page <= 0 {
		return 0
	}
	return q.Page * q.Limit
}
