package store

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"myway/pkg/domain"
)

const (
	// SystemUser owns promoted jobs that were enqueued without a user.
	SystemUser = "system"
	// promotedScore is the feed score given to posts materialized from jobs.
	promotedScore = 1.0
	// maxPageOffset bounds page*limit+limit so offsets and scan sizes never
	// overflow.
	maxPageOffset = math.MaxInt32
)

var defaultJobReasons = []string{"generated"}

func (q PageQuery) validate() error {
	if q.Limit <= 0 {
		return &domain.ValidationError{Field: "limit", Reason: "must be > 0"}
	}
	if q.Limit > maxPageOffset {
		return &domain.ValidationError{Field: "limit", Reason: "too large"}
	}
	if q.Page < 0 {
		return &domain.ValidationError{Field: "page", Reason: "must be >= 0"}
	}
	if q.Page > (maxPageOffset-q.Limit)/q.Limit {
		return &domain.ValidationError{Field: "page", Reason: "out of range"}
	}
	switch q.FeedType {
	case domain.FeedPrivate:
		if strings.TrimSpace(q.UserID) == "" {
			return &domain.ValidationError{Field: "uid", Reason: "required for private feed"}
		}
	case domain.FeedHot, domain.FeedInterests, domain.FeedRandom:
	default:
		return &domain.ValidationError{Field: "feedType", Reason: fmt.Sprintf("unknown feed type %q", q.FeedType)}
	}
	return nil
}

// preparePost normalizes and validates a post before it is written.
// existing is the stored copy, if any; its creation time wins over a zero one.
func preparePost(post domain.Post, existing *domain.Post, now time.Time) (domain.Post, error) {
	post = post.WithDefaults()
	if err := post.Validate(); err != nil {
		return domain.Post{}, err
	}
	switch {
	case !post.CreatedAt.IsZero():
		post.CreatedAt = post.CreatedAt.UTC().Truncate(time.Microsecond)
	case existing != nil:
		post.CreatedAt = existing.CreatedAt
	default:
		post.CreatedAt = now
	}
	post.UpdatedAt = now
	return post, nil
}

func validateAttach(uid string, post domain.Post) error {
	if strings.TrimSpace(uid) == "" {
		return &domain.ValidationError{Field: "uid", Reason: "required"}
	}
	if strings.TrimSpace(post.ID) == "" {
		return &domain.ValidationError{Field: "postId", Reason: "required"}
	}
	return nil
}

func requireReady(post domain.Post) error {
	if post.Status != domain.StatusReady {
		return &domain.ValidationError{Field: "status", Reason: fmt.Sprintf("post %s is %s, not ready", post.ID, post.Status)}
	}
	return nil
}

func cloneReasons(reasons []string) []string {
	if len(reasons) == 0 {
		return nil
	}
	return append([]string(nil), reasons...)
}

// mergeJob applies a partial job update over the stored record. Only non-empty
// fields overwrite, and a terminal status is never replaced.
func mergeJob(existing *domain.Job, incoming domain.Job, now time.Time) (domain.Job, error) {
	if err := incoming.Validate(); err != nil {
		return domain.Job{}, err
	}
	if incoming.Post != nil {
		draft := incoming.Post.WithDefaults()
		incoming.Post = &draft
	}
	if existing == nil {
		job := incoming
		if job.Status == "" {
			job.Status = domain.StatusPending
		}
		if job.CreatedAt.IsZero() {
			job.CreatedAt = now
		}
		job.CreatedAt = job.CreatedAt.UTC().Truncate(time.Microsecond)
		if !job.ReadyAt.IsZero() {
			job.ReadyAt = job.ReadyAt.UTC().Truncate(time.Microsecond)
		}
		job.Reasons = cloneReasons(job.Reasons)
		job.UpdatedAt = now
		return job, nil
	}
	job := *existing
	if incoming.Status != "" && !job.Status.Terminal() {
		job.Status = incoming.Status
	}
	if incoming.UserID != "" {
		job.UserID = incoming.UserID
	}
	if incoming.Post != nil {
		job.Post = incoming.Post
	}
	if !incoming.ReadyAt.IsZero() {
		job.ReadyAt = incoming.ReadyAt.UTC().Truncate(time.Microsecond)
	}
	if len(incoming.Reasons) > 0 {
		job.Reasons = cloneReasons(incoming.Reasons)
	}
	if incoming.PostID != "" {
		job.PostID = incoming.PostID
	}
	if incoming.Error != "" {
		job.Error = incoming.Error
	}
	job.UpdatedAt = now
	return job, nil
}

// promotion describes the writes that turn a pending job into a ready post.
type promotion struct {
	post    domain.Post
	owner   string
	reasons []string
}

func planPromotion(job domain.Job, post *domain.Post) (promotion, error) {
	if post == nil {
		return promotion{}, &domain.ValidationError{Field: "post", Reason: fmt.Sprintf("job %s has no draft post", job.ID)}
	}
	owner := job.UserID
	if owner == "" {
		owner = SystemUser
	}
	p := *post
	p.Status = domain.StatusReady
	if p.AuthorUID == "" {
		p.AuthorUID = owner
	}
	reasons := cloneReasons(job.Reasons)
	if len(reasons) == 0 {
		reasons = cloneReasons(defaultJobReasons)
	}
	return promotion{post: p, owner: owner, reasons: reasons}, nil
}

func completeJobRecord(job domain.Job, postID string, now time.Time) domain.Job {
	job.Status = domain.StatusReady
	job.PostID = postID
	job.Error = ""
	job.UpdatedAt = now
	return job
}

func failJobRecord(job domain.Job, msg string, now time.Time) domain.Job {
	job.Status = domain.StatusFailed
	job.Error = msg
	job.UpdatedAt = now
	return job
}

// mergeBudget overlays stored counters on the default allocation.
func mergeBudget(defaults, stored domain.Budget) domain.Budget {
	out := defaults.Clone()
	for k, v := range stored {
		out[k] = v
	}
	return out
}

// sortByRecency orders posts by creation time, newest first, breaking ties by id.
func sortByRecency(posts []domain.Post) {
	sort.SliceStable(posts, func(i, j int) bool {
		if !posts[i].CreatedAt.Equal(posts[j].CreatedAt) {
			return posts[i].CreatedAt.After(posts[j].CreatedAt)
		}
		return posts[i].ID > posts[j].ID
	})
}

func publicEligible(p domain.Post) bool {
	return p.Status == domain.StatusReady && !p.IsPrivate
}

// paginate slices one page and reports whether eligible entries remain past it.
func paginate[T any](eligible []T, skip, limit int) ([]T, bool) {
	if skip >= len(eligible) {
		return []T{}, false
	}
	end := skip + limit
	if end > len(eligible) {
		end = len(eligible)
	}
	out := make([]T, end-skip)
	copy(out, eligible[skip:end])
	return out, len(eligible) > end
}

func shuffled(posts []domain.Post, shuffle func(n int, swap func(i, j int))) []domain.Post {
	shuffle(len(posts), func(i, j int) { posts[i], posts[j] = posts[j], posts[i] })
	return posts
}

func publicItems(posts []domain.Post) []domain.FeedItem {
	items := make([]domain.FeedItem, 0, len(posts))
	for i := range posts {
		p := posts[i]
		items = append(items, domain.FeedItem{Slot: domain.SlotReady, Post: &p})
	}
	return items
}
