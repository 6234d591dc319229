package store

import (
	"context"
	"strings"
	"sync"
	"time"

	"myway/pkg/domain"
)

// MemoryStore keeps all state in-process. A single mutex serializes writers,
// which makes budget consumption and job promotion atomic.
type MemoryStore struct {
	mu       sync.RWMutex
	opts     Options
	posts    map[string]domain.Post
	feeds    map[string][]domain.FeedEntry // uid -> newest first
	jobs     map[string]domain.Job
	users    map[string]domain.User
	fallback []string // post ids, newest first
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore(options ...Option) *MemoryStore {
	m := &MemoryStore{opts: buildOptions(options)}
	m.reset()
	return m
}

// Reset drops all state. Test harnesses only.
func (m *MemoryStore) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reset()
}

func (m *MemoryStore) reset() {
	m.posts = make(map[string]domain.Post)
	m.feeds = make(map[string][]domain.FeedEntry)
	m.jobs = make(map[string]domain.Job)
	m.users = make(map[string]domain.User)
	m.fallback = nil
}

// SavePost upserts a post and pushes ready public posts onto the fallback ring.
func (m *MemoryStore) SavePost(_ context.Context, post domain.Post) (domain.Post, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.savePostLocked(post)
}

func (m *MemoryStore) savePostLocked(post domain.Post) (domain.Post, error) {
	saved, err := m.preparePostLocked(post)
	if err != nil {
		return domain.Post{}, err
	}
	m.storePostLocked(saved)
	return saved, nil
}

func (m *MemoryStore) preparePostLocked(post domain.Post) (domain.Post, error) {
	var existing *domain.Post
	if p, ok := m.posts[post.ID]; ok {
		existing = &p
	}
	return preparePost(post, existing, m.opts.timestamp())
}

func (m *MemoryStore) storePostLocked(saved domain.Post) {
	m.posts[saved.ID] = saved
	if publicEligible(saved) {
		m.pushFallbackLocked(saved.ID)
	}
}

// SaveAndAttach saves a ready post and prepends it to uid's feed index under
// one lock. Nothing is written when either step is rejected.
func (m *MemoryStore) SaveAndAttach(_ context.Context, uid string, post domain.Post, score float64, reasons []string) (domain.Post, error) {
	if err := validateAttach(uid, post); err != nil {
		return domain.Post{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	saved, err := m.preparePostLocked(post)
	if err != nil {
		return domain.Post{}, err
	}
	if err := requireReady(saved); err != nil {
		return domain.Post{}, err
	}
	m.storePostLocked(saved)
	m.attachLocked(uid, saved.ID, score, reasons)
	return saved, nil
}

func (m *MemoryStore) pushFallbackLocked(id string) {
	ring := make([]string, 0, len(m.fallback)+1)
	ring = append(ring, id)
	for _, existing := range m.fallback {
		if existing != id {
			ring = append(ring, existing)
		}
	}
	if len(ring) > m.opts.FallbackCap {
		ring = ring[:m.opts.FallbackCap]
	}
	m.fallback = ring
}

// GetPost returns a post by id.
func (m *MemoryStore) GetPost(_ context.Context, id string) (domain.Post, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.posts[id]
	return p, ok, nil
}

// ListReadyPosts returns ready posts, newest first. limit <= 0 means all.
func (m *MemoryStore) ListReadyPosts(_ context.Context, limit int) ([]domain.Post, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.Post, 0)
	for _, p := range m.posts {
		if p.Status == domain.StatusReady {
			res = append(res, p)
		}
	}
	sortByRecency(res)
	if limit > 0 && len(res) > limit {
		res = res[:limit]
	}
	return res, nil
}

// AttachToFeed prepends a ready post to the user's feed index.
func (m *MemoryStore) AttachToFeed(_ context.Context, uid string, post domain.Post, score float64, reasons []string) error {
	if err := validateAttach(uid, post); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.posts[post.ID]
	if !ok {
		stored = post
	}
	if err := requireReady(stored); err != nil {
		return err
	}
	m.attachLocked(uid, post.ID, score, reasons)
	return nil
}

func (m *MemoryStore) attachLocked(uid, postID string, score float64, reasons []string) {
	entry := domain.FeedEntry{
		PostID:    postID,
		Score:     score,
		Reasons:   cloneReasons(reasons),
		CreatedAt: m.opts.timestamp(),
	}
	feed := make([]domain.FeedEntry, 0, len(m.feeds[uid])+1)
	feed = append(feed, entry)
	feed = append(feed, m.feeds[uid]...)
	if len(feed) > m.opts.FeedCap {
		feed = feed[:m.opts.FeedCap]
	}
	m.feeds[uid] = feed
}

// FeedPage returns one page of the requested feed and whether more remain.
func (m *MemoryStore) FeedPage(_ context.Context, q PageQuery) ([]domain.FeedItem, bool, error) {
	if err := q.validate(); err != nil {
		return nil, false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if q.FeedType == domain.FeedPrivate {
		eligible := make([]domain.FeedItem, 0, len(m.feeds[q.UserID]))
		for _, entry := range m.feeds[q.UserID] {
			p, ok := m.posts[entry.PostID]
			if !ok || p.Status != domain.StatusReady {
				continue
			}
			eligible = append(eligible, domain.FeedItem{
				Slot:    domain.SlotReady,
				Post:    &p,
				Reasons: cloneReasons(entry.Reasons),
			})
		}
		items, more := paginate(eligible, q.skip(), q.Limit)
		return items, more, nil
	}

	posts := make([]domain.Post, 0, len(m.posts))
	for _, p := range m.posts {
		if publicEligible(p) {
			posts = append(posts, p)
		}
	}
	sortByRecency(posts)
	if q.FeedType == domain.FeedRandom {
		posts = shuffled(posts, m.opts.Shuffle)
	}
	page, more := paginate(posts, q.skip(), q.Limit)
	return publicItems(page), more, nil
}

// PickFallback returns the newest ring entry that is still ready and public,
// discarding stale entries it passes over.
func (m *MemoryStore) PickFallback(_ context.Context) (domain.Post, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for len(m.fallback) > 0 {
		p, ok := m.posts[m.fallback[0]]
		if ok && publicEligible(p) {
			return p, true, nil
		}
		m.fallback = m.fallback[1:]
	}
	return domain.Post{}, false, nil
}

// SaveJob upserts a job, merging non-empty fields into the stored record.
func (m *MemoryStore) SaveJob(_ context.Context, job domain.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var existing *domain.Job
	if j, ok := m.jobs[job.ID]; ok {
		existing = &j
	}
	merged, err := mergeJob(existing, job, m.opts.timestamp())
	if err != nil {
		return err
	}
	m.jobs[merged.ID] = merged
	return nil
}

// GetJob returns a job by id.
func (m *MemoryStore) GetJob(_ context.Context, id string) (domain.Job, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	j, ok := m.jobs[id]
	return j, ok, nil
}

// PromoteJob materializes a due pending job into a ready post attached to the
// owner's feed. A job that is not due is returned unchanged.
func (m *MemoryStore) PromoteJob(_ context.Context, id string, now time.Time) (domain.Job, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return domain.Job{}, false, nil
	}
	if !job.DueAt(now) {
		return job, true, nil
	}
	plan, err := planPromotion(job, job.Post)
	if err != nil {
		return domain.Job{}, true, err
	}
	job, err = m.finishLocked(job, plan)
	return job, true, err
}

// CompleteJob marks a pending job ready with the rendered post.
func (m *MemoryStore) CompleteJob(_ context.Context, id string, post domain.Post) (domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return domain.Job{}, domain.ErrNotFound
	}
	if job.Status.Terminal() {
		return job, nil
	}
	plan, err := planPromotion(job, &post)
	if err != nil {
		return domain.Job{}, err
	}
	return m.finishLocked(job, plan)
}

func (m *MemoryStore) finishLocked(job domain.Job, plan promotion) (domain.Job, error) {
	saved, err := m.savePostLocked(plan.post)
	if err != nil {
		return domain.Job{}, err
	}
	m.attachLocked(plan.owner, saved.ID, promotedScore, plan.reasons)
	job = completeJobRecord(job, saved.ID, m.opts.timestamp())
	m.jobs[job.ID] = job
	return job, nil
}

// FailJob marks a pending job failed with a message.
func (m *MemoryStore) FailJob(_ context.Context, id, errMsg string) (domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return domain.Job{}, domain.ErrNotFound
	}
	if job.Status.Terminal() {
		return job, nil
	}
	job = failJobRecord(job, errMsg, m.opts.timestamp())
	m.jobs[id] = job
	return job, nil
}

// GetBudget returns remaining counters, defaulting unseen users.
func (m *MemoryStore) GetBudget(_ context.Context, uid string) (domain.Budget, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return mergeBudget(m.opts.DefaultBudget, m.users[uid].Budget), nil
}

// ConsumeBudget decrements the counter when it is positive.
func (m *MemoryStore) ConsumeBudget(_ context.Context, uid, key string) (bool, error) {
	if strings.TrimSpace(uid) == "" {
		return false, &domain.ValidationError{Field: "uid", Reason: "required"}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	user := m.userLocked(uid)
	if user.Budget[key] <= 0 {
		return false, nil
	}
	user.Budget[key]--
	user.UpdatedAt = m.opts.timestamp()
	m.users[uid] = user
	return true, nil
}

// SetBudget overrides the stored counters for a user.
func (m *MemoryStore) SetBudget(_ context.Context, uid string, budget domain.Budget) error {
	if strings.TrimSpace(uid) == "" {
		return &domain.ValidationError{Field: "uid", Reason: "required"}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	user := m.userLocked(uid)
	user.Budget = mergeBudget(user.Budget, budget)
	user.UpdatedAt = m.opts.timestamp()
	m.users[uid] = user
	return nil
}

// userLocked returns the stored user, creating it with the default budget.
func (m *MemoryStore) userLocked(uid string) domain.User {
	user, ok := m.users[uid]
	if !ok {
		now := m.opts.timestamp()
		user = domain.User{ID: uid, CreatedAt: now, UpdatedAt: now}
	}
	user.Budget = mergeBudget(m.opts.DefaultBudget, user.Budget)
	return user
}

// GetUser returns a user record if one was ever written.
func (m *MemoryStore) GetUser(_ context.Context, uid string) (domain.User, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[uid]
	if !ok {
		return domain.User{}, false, nil
	}
	u.Budget = mergeBudget(m.opts.DefaultBudget, u.Budget)
	if u.ProfileImages != nil {
		images := *u.ProfileImages
		u.ProfileImages = &images
	}
	return u, true, nil
}

// SaveProfileImages merges non-nil fields into the user's profile images.
func (m *MemoryStore) SaveProfileImages(_ context.Context, uid string, update domain.ProfileImagesUpdate) error {
	if strings.TrimSpace(uid) == "" {
		return &domain.ValidationError{Field: "uid", Reason: "required"}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	user := m.userLocked(uid)
	var current domain.ProfileImages
	if user.ProfileImages != nil {
		current = *user.ProfileImages
	}
	merged := update.Apply(current)
	user.ProfileImages = &merged
	user.UpdatedAt = m.opts.timestamp()
	m.users[uid] = user
	return nil
}
