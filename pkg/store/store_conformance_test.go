package store

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"myway/pkg/domain"
)

type storeFactory func(t *testing.T, options ...Option) Store

var baseTime = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

// stepClock advances one second per reading.
type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func newStepClock() *stepClock { return &stepClock{now: baseTime} }

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

func reverseShuffle(n int, swap func(i, j int)) {
	for i := 0; i < n/2; i++ {
		swap(i, n-1-i)
	}
}

func readyPost(id string, minute int, private bool) domain.Post {
	return domain.Post{
		ID:          id,
		Type:        domain.MediaImage,
		Status:      domain.StatusReady,
		StoragePath: "posts/" + id + ".jpg",
		Model:       "mock-image",
		Prompt:      "prompt " + id,
		AuthorUID:   "author",
		IsPrivate:   private,
		CreatedAt:   baseTime.Add(time.Duration(minute) * time.Minute),
	}
}

func postIDs(items []domain.FeedItem) []string {
	ids := make([]string, 0, len(items))
	for _, item := range items {
		ids = append(ids, item.Post.ID)
	}
	return ids
}

func sameIDs(got, want []string) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

func mustSave(t *testing.T, s Store, p domain.Post) domain.Post {
	t.Helper()
	saved, err := s.SavePost(context.Background(), p)
	if err != nil {
		t.Fatalf("save post %s: %v", p.ID, err)
	}
	return saved
}

func runConformance(t *testing.T, newStore storeFactory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, newStore storeFactory)
	}{
		{"PrivateFeedScenario", testPrivateFeedScenario},
		{"PublicFeedOrderingAndPrivacy", testPublicFeedOrderingAndPrivacy},
		{"PaginationPastEnd", testPaginationPastEnd},
		{"RandomFeedUsesShuffle", testRandomFeedUsesShuffle},
		{"FeedPageRejectsBadQuery", testFeedPageRejectsBadQuery},
		{"FeedCapDropsOldest", testFeedCapDropsOldest},
		{"DuplicateAttachAllowed", testDuplicateAttachAllowed},
		{"AttachRequiresReadyPost", testAttachRequiresReadyPost},
		{"SavePostValidatesAndUpserts", testSavePostValidatesAndUpserts},
		{"ListReadyPosts", testListReadyPosts},
		{"FallbackSkipsStale", testFallbackSkipsStale},
		{"FallbackCap", testFallbackCap},
		{"FallbackExcludesPrivate", testFallbackExcludesPrivate},
		{"SaveAndAttach", testSaveAndAttach},
		{"SaveAndAttachRejectsWithoutWriting", testSaveAndAttachRejectsWithoutWriting},
		{"BudgetConsume", testBudgetConsume},
		{"BudgetConsumeConcurrent", testBudgetConsumeConcurrent},
		{"SetBudget", testSetBudget},
		{"JobLazyPromotion", testJobLazyPromotion},
		{"JobPromotionConcurrent", testJobPromotionConcurrent},
		{"SaveJobMerges", testSaveJobMerges},
		{"CompleteAndFailJob", testCompleteAndFailJob},
		{"ProfileImagesMerge", testProfileImagesMerge},
		{"MissingRecords", testMissingRecords},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) { tc.fn(t, newStore) })
	}
}

func testPrivateFeedScenario(t *testing.T, newStore storeFactory) {
	ctx := context.Background()
	s := newStore(t)
	p1 := mustSave(t, s, readyPost("p1", 0, false))
	if err := s.AttachToFeed(ctx, "u1", p1, 1.0, []string{"composer"}); err != nil {
		t.Fatalf("attach: %v", err)
	}
	items, more, err := s.FeedPage(ctx, PageQuery{UserID: "u1", Limit: 10, FeedType: domain.FeedPrivate})
	if err != nil {
		t.Fatalf("feed page: %v", err)
	}
	if more {
		t.Fatalf("expected hasMore=false")
	}
	if len(items) != 1 || items[0].Post.ID != "p1" || items[0].Slot != domain.SlotReady {
		t.Fatalf("unexpected items: %+v", items)
	}
	if len(items[0].Reasons) != 1 || items[0].Reasons[0] != "composer" {
		t.Fatalf("expected composer reason, got %v", items[0].Reasons)
	}
}

func testPublicFeedOrderingAndPrivacy(t *testing.T, newStore storeFactory) {
	ctx := context.Background()
	s := newStore(t)
	for i := 0; i < 5; i++ {
		mustSave(t, s, readyPost(fmt.Sprintf("pub%d", i), i, false))
	}
	secret := mustSave(t, s, readyPost("secret", 10, true))
	pending := readyPost("pending", 11, false)
	pending.Status = domain.StatusPending
	mustSave(t, s, pending)
	if err := s.AttachToFeed(ctx, "author", secret, 1, []string{"composer"}); err != nil {
		t.Fatalf("attach secret: %v", err)
	}

	for _, feedType := range []domain.FeedType{domain.FeedHot, domain.FeedInterests} {
		items, more, err := s.FeedPage(ctx, PageQuery{UserID: "author", Limit: 2, FeedType: feedType, Page: 0})
		if err != nil {
			t.Fatalf("%s page 0: %v", feedType, err)
		}
		if !sameIDs(postIDs(items), []string{"pub4", "pub3"}) || !more {
			t.Fatalf("%s page 0: got %v more=%v", feedType, postIDs(items), more)
		}
		items, more, err = s.FeedPage(ctx, PageQuery{UserID: "author", Limit: 2, FeedType: feedType, Page: 2})
		if err != nil {
			t.Fatalf("%s page 2: %v", feedType, err)
		}
		if !sameIDs(postIDs(items), []string{"pub0"}) || more {
			t.Fatalf("%s page 2: got %v more=%v", feedType, postIDs(items), more)
		}
		for _, item := range items {
			if len(item.Reasons) != 0 {
				t.Fatalf("public items carry no reasons, got %v", item.Reasons)
			}
		}
	}

	items, _, err := s.FeedPage(ctx, PageQuery{UserID: "author", Limit: 10, FeedType: domain.FeedPrivate})
	if err != nil {
		t.Fatalf("private page: %v", err)
	}
	if !sameIDs(postIDs(items), []string{"secret"}) {
		t.Fatalf("author private feed should hold the private post, got %v", postIDs(items))
	}
}

func testPaginationPastEnd(t *testing.T, newStore storeFactory) {
	ctx := context.Background()
	s := newStore(t)
	for i := 0; i < 4; i++ {
		mustSave(t, s, readyPost(fmt.Sprintf("p%d", i), i, false))
	}
	items, more, err := s.FeedPage(ctx, PageQuery{Limit: 2, FeedType: domain.FeedHot, Page: 1})
	if err != nil {
		t.Fatalf("page 1: %v", err)
	}
	if len(items) != 2 || more {
		t.Fatalf("exact boundary: got %d items more=%v", len(items), more)
	}
	items, more, err = s.FeedPage(ctx, PageQuery{Limit: 2, FeedType: domain.FeedHot, Page: 5})
	if err != nil {
		t.Fatalf("page 5: %v", err)
	}
	if len(items) != 0 || more {
		t.Fatalf("past end: got %d items more=%v", len(items), more)
	}
	again, againMore, err := s.FeedPage(ctx, PageQuery{Limit: 2, FeedType: domain.FeedHot, Page: 5})
	if err != nil || len(again) != 0 || againMore {
		t.Fatalf("repeat past end should be a no-op: %v %d %v", err, len(again), againMore)
	}
}

func testRandomFeedUsesShuffle(t *testing.T, newStore storeFactory) {
	ctx := context.Background()
	s := newStore(t, WithShuffle(reverseShuffle))
	for i := 0; i < 5; i++ {
		mustSave(t, s, readyPost(fmt.Sprintf("r%d", i), i, false))
	}
	mustSave(t, s, readyPost("hidden", 9, true))
	items, more, err := s.FeedPage(ctx, PageQuery{Limit: 3, FeedType: domain.FeedRandom})
	if err != nil {
		t.Fatalf("random page: %v", err)
	}
	if !sameIDs(postIDs(items), []string{"r0", "r1", "r2"}) || !more {
		t.Fatalf("random page: got %v more=%v", postIDs(items), more)
	}
}

func testFeedPageRejectsBadQuery(t *testing.T, newStore storeFactory) {
	ctx := context.Background()
	s := newStore(t)
	bad := []PageQuery{
		{UserID: "u", Limit: 0, FeedType: domain.FeedHot},
		{UserID: "u", Limit: 5, FeedType: domain.FeedHot, Page: -1},
		{UserID: "u", Limit: 5, FeedType: "trending"},
		{Limit: 5, FeedType: domain.FeedPrivate},
		{Limit: 50, FeedType: domain.FeedHot, Page: 1 << 62},
		{UserID: "u", Limit: 50, FeedType: domain.FeedPrivate, Page: math.MaxInt / 50},
	}
	for _, q := range bad {
		if _, _, err := s.FeedPage(ctx, q); !errors.Is(err, domain.ErrValidation) {
			t.Fatalf("query %+v: expected validation error, got %v", q, err)
		}
	}
}

func testFeedCapDropsOldest(t *testing.T, newStore storeFactory) {
	ctx := context.Background()
	s := newStore(t, WithFeedCap(3))
	for i := 0; i < 5; i++ {
		p := mustSave(t, s, readyPost(fmt.Sprintf("c%d", i), i, false))
		if err := s.AttachToFeed(ctx, "u", p, 1, nil); err != nil {
			t.Fatalf("attach %d: %v", i, err)
		}
	}
	items, more, err := s.FeedPage(ctx, PageQuery{UserID: "u", Limit: 10, FeedType: domain.FeedPrivate})
	if err != nil {
		t.Fatalf("feed page: %v", err)
	}
	if !sameIDs(postIDs(items), []string{"c4", "c3", "c2"}) || more {
		t.Fatalf("capped feed: got %v more=%v", postIDs(items), more)
	}
}

func testDuplicateAttachAllowed(t *testing.T, newStore storeFactory) {
	ctx := context.Background()
	s := newStore(t)
	p := mustSave(t, s, readyPost("dup", 0, false))
	for i := 0; i < 2; i++ {
		if err := s.AttachToFeed(ctx, "u", p, 1, []string{"composer"}); err != nil {
			t.Fatalf("attach: %v", err)
		}
	}
	items, _, err := s.FeedPage(ctx, PageQuery{UserID: "u", Limit: 10, FeedType: domain.FeedPrivate})
	if err != nil {
		t.Fatalf("feed page: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected both entries, got %d", len(items))
	}
}

func testAttachRequiresReadyPost(t *testing.T, newStore storeFactory) {
	ctx := context.Background()
	s := newStore(t)
	p := readyPost("draft", 0, false)
	p.Status = domain.StatusPending
	saved := mustSave(t, s, p)
	if err := s.AttachToFeed(ctx, "u", saved, 1, nil); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if err := s.AttachToFeed(ctx, "", readyPost("x", 0, false), 1, nil); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error for empty uid, got %v", err)
	}
}

func testSavePostValidatesAndUpserts(t *testing.T, newStore storeFactory) {
	ctx := context.Background()
	s := newStore(t)
	bad := readyPost("bad", 0, false)
	bad.Model = ""
	if _, err := s.SavePost(ctx, bad); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, ok, _ := s.GetPost(ctx, "bad"); ok {
		t.Fatalf("rejected post must not be stored")
	}
	if _, ok, _ := s.PickFallback(ctx); ok {
		t.Fatalf("rejected post must not reach the fallback ring")
	}

	first := mustSave(t, s, readyPost("up", 0, false))
	if first.Aspect != domain.DefaultAspect {
		t.Fatalf("expected default aspect, got %q", first.Aspect)
	}
	again := readyPost("up", 0, false)
	again.Title = "Renamed"
	second := mustSave(t, s, again)
	if !second.UpdatedAt.After(first.UpdatedAt) {
		t.Fatalf("update timestamp should advance: %v -> %v", first.UpdatedAt, second.UpdatedAt)
	}
	got, ok, err := s.GetPost(ctx, "up")
	if err != nil || !ok {
		t.Fatalf("get post: ok=%v err=%v", ok, err)
	}
	if got.Title != "Renamed" || !got.CreatedAt.Equal(first.CreatedAt) {
		t.Fatalf("unexpected post after upsert: %+v", got)
	}
	posts, err := s.ListReadyPosts(ctx, 0)
	if err != nil || len(posts) != 1 {
		t.Fatalf("upsert must not duplicate: %d posts, err=%v", len(posts), err)
	}
}

func testListReadyPosts(t *testing.T, newStore storeFactory) {
	ctx := context.Background()
	s := newStore(t)
	mustSave(t, s, readyPost("a", 0, false))
	mustSave(t, s, readyPost("b", 1, true))
	failed := readyPost("c", 2, false)
	failed.Status = domain.StatusFailed
	mustSave(t, s, failed)
	mustSave(t, s, readyPost("d", 3, false))

	posts, err := s.ListReadyPosts(ctx, 2)
	if err != nil {
		t.Fatalf("list ready: %v", err)
	}
	if len(posts) != 2 || posts[0].ID != "d" || posts[1].ID != "b" {
		t.Fatalf("unexpected ready posts: %+v", posts)
	}
}

func testFallbackSkipsStale(t *testing.T, newStore storeFactory) {
	ctx := context.Background()
	s := newStore(t)
	if _, ok, err := s.PickFallback(ctx); ok || err != nil {
		t.Fatalf("empty ring: ok=%v err=%v", ok, err)
	}
	mustSave(t, s, readyPost("old", 0, false))
	mustSave(t, s, readyPost("new", 1, false))
	got, ok, err := s.PickFallback(ctx)
	if err != nil || !ok || got.ID != "new" {
		t.Fatalf("expected newest fallback, got %v ok=%v err=%v", got.ID, ok, err)
	}
	stale := readyPost("new", 1, false)
	stale.Status = domain.StatusFailed
	mustSave(t, s, stale)
	got, ok, err = s.PickFallback(ctx)
	if err != nil || !ok || got.ID != "old" {
		t.Fatalf("expected stale entry skipped, got %v ok=%v err=%v", got.ID, ok, err)
	}
}

func testFallbackCap(t *testing.T, newStore storeFactory) {
	ctx := context.Background()
	s := newStore(t, WithFallbackCap(2))
	mustSave(t, s, readyPost("f0", 0, false))
	mustSave(t, s, readyPost("f1", 1, false))
	mustSave(t, s, readyPost("f2", 2, false))
	for _, id := range []string{"f2", "f1"} {
		p := readyPost(id, 0, false)
		p.Status = domain.StatusFailed
		mustSave(t, s, p)
	}
	if got, ok, err := s.PickFallback(ctx); ok || err != nil {
		t.Fatalf("f0 should have been evicted, got %v ok=%v err=%v", got.ID, ok, err)
	}
}

func testFallbackExcludesPrivate(t *testing.T, newStore storeFactory) {
	ctx := context.Background()
	s := newStore(t)
	mustSave(t, s, readyPost("secret", 0, true))
	if got, ok, err := s.PickFallback(ctx); ok || err != nil {
		t.Fatalf("private post must not be a fallback, got %v ok=%v err=%v", got.ID, ok, err)
	}
	mustSave(t, s, readyPost("shared", 1, false))
	mustSave(t, s, readyPost("shared", 1, true))
	if got, ok, err := s.PickFallback(ctx); ok || err != nil {
		t.Fatalf("post made private must leave the ring, got %v ok=%v err=%v", got.ID, ok, err)
	}
}

func testSaveAndAttach(t *testing.T, newStore storeFactory) {
	ctx := context.Background()
	s := newStore(t)
	saved, err := s.SaveAndAttach(ctx, "u1", readyPost("p1", 0, true), 1.0, []string{"composer"})
	if err != nil {
		t.Fatalf("save and attach: %v", err)
	}
	if saved.ID != "p1" || saved.UpdatedAt.IsZero() {
		t.Fatalf("unexpected saved post: %+v", saved)
	}
	items, _, err := s.FeedPage(ctx, PageQuery{UserID: "u1", Limit: 10, FeedType: domain.FeedPrivate})
	if err != nil {
		t.Fatalf("private page: %v", err)
	}
	if !sameIDs(postIDs(items), []string{"p1"}) || items[0].Reasons[0] != "composer" {
		t.Fatalf("unexpected private page: %+v", items)
	}
	if _, ok, _ := s.PickFallback(ctx); ok {
		t.Fatalf("private post reached the fallback ring")
	}
}

func testSaveAndAttachRejectsWithoutWriting(t *testing.T, newStore storeFactory) {
	ctx := context.Background()
	s := newStore(t)
	pending := readyPost("pending", 0, false)
	pending.Status = domain.StatusPending
	cases := []struct {
		uid  string
		post domain.Post
	}{
		{"", readyPost("no-owner", 0, false)},
		{"u1", pending},
		{"u1", domain.Post{ID: "malformed", Status: domain.StatusReady}},
	}
	for _, tc := range cases {
		if _, err := s.SaveAndAttach(ctx, tc.uid, tc.post, 1.0, nil); !errors.Is(err, domain.ErrValidation) {
			t.Fatalf("%s: expected validation error, got %v", tc.post.ID, err)
		}
		if _, ok, err := s.GetPost(ctx, tc.post.ID); ok || err != nil {
			t.Fatalf("%s: rejected post was saved (err=%v)", tc.post.ID, err)
		}
	}
	if _, ok, _ := s.PickFallback(ctx); ok {
		t.Fatalf("rejected posts reached the fallback ring")
	}
	items, _, err := s.FeedPage(ctx, PageQuery{UserID: "u1", Limit: 10, FeedType: domain.FeedPrivate})
	if err != nil || len(items) != 0 {
		t.Fatalf("rejected posts attached: %+v err=%v", items, err)
	}
}

func testBudgetConsume(t *testing.T, newStore storeFactory) {
	ctx := context.Background()
	s := newStore(t)
	budget, err := s.GetBudget(ctx, "u2")
	if err != nil {
		t.Fatalf("get budget: %v", err)
	}
	if budget[domain.BudgetImages] != 3 || budget[domain.BudgetVideos] != 1 {
		t.Fatalf("unexpected default budget: %v", budget)
	}
	want := []bool{true, true, true, false, false}
	for i, w := range want {
		ok, err := s.ConsumeBudget(ctx, "u2", domain.BudgetImages)
		if err != nil {
			t.Fatalf("consume %d: %v", i, err)
		}
		if ok != w {
			t.Fatalf("consume %d: got %v want %v", i, ok, w)
		}
	}
	budget, _ = s.GetBudget(ctx, "u2")
	if budget[domain.BudgetImages] != 0 || budget[domain.BudgetVideos] != 1 {
		t.Fatalf("unexpected budget after consume: %v", budget)
	}
	if ok, _ := s.ConsumeBudget(ctx, "u2", "gifs"); ok {
		t.Fatalf("unknown key has no allocation")
	}
}

func testBudgetConsumeConcurrent(t *testing.T, newStore storeFactory) {
	ctx := context.Background()
	s := newStore(t)
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		granted int
		errs    []error
	)
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.ConsumeBudget(ctx, "racer", domain.BudgetImages)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			if ok {
				granted++
			}
		}()
	}
	wg.Wait()
	if len(errs) > 0 {
		t.Fatalf("consume errors: %v", errs)
	}
	if granted != 3 {
		t.Fatalf("expected exactly 3 grants, got %d", granted)
	}
	budget, _ := s.GetBudget(ctx, "racer")
	if budget[domain.BudgetImages] != 0 {
		t.Fatalf("counter must stop at zero, got %d", budget[domain.BudgetImages])
	}
}

func testSetBudget(t *testing.T, newStore storeFactory) {
	ctx := context.Background()
	s := newStore(t)
	if err := s.SetBudget(ctx, "vip", domain.Budget{domain.BudgetVideos: 5}); err != nil {
		t.Fatalf("set budget: %v", err)
	}
	budget, err := s.GetBudget(ctx, "vip")
	if err != nil {
		t.Fatalf("get budget: %v", err)
	}
	if budget[domain.BudgetVideos] != 5 || budget[domain.BudgetImages] != 3 {
		t.Fatalf("unexpected budget: %v", budget)
	}
}

func pendingJob(id, uid string, readyAt time.Time) domain.Job {
	draft := readyPost("post-"+id, 0, false)
	draft.Status = domain.StatusPending
	draft.AuthorUID = uid
	return domain.Job{
		ID:      id,
		UserID:  uid,
		Status:  domain.StatusPending,
		Post:    &draft,
		ReadyAt: readyAt,
		Reasons: []string{"composer"},
	}
}

func testJobLazyPromotion(t *testing.T, newStore storeFactory) {
	ctx := context.Background()
	s := newStore(t)
	readyAt := baseTime.Add(time.Hour)
	if err := s.SaveJob(ctx, pendingJob("j1", "u1", readyAt)); err != nil {
		t.Fatalf("save job: %v", err)
	}

	job, ok, err := s.PromoteJob(ctx, "j1", readyAt.Add(-time.Millisecond))
	if err != nil || !ok {
		t.Fatalf("early promote: ok=%v err=%v", ok, err)
	}
	if job.Status != domain.StatusPending || job.PostID != "" {
		t.Fatalf("job promoted early: %+v", job)
	}
	if _, found, _ := s.GetPost(ctx, "post-j1"); found {
		t.Fatalf("post must not exist before promotion")
	}

	job, ok, err = s.PromoteJob(ctx, "j1", readyAt)
	if err != nil || !ok {
		t.Fatalf("promote: ok=%v err=%v", ok, err)
	}
	if job.Status != domain.StatusReady || job.PostID != "post-j1" {
		t.Fatalf("unexpected promoted job: %+v", job)
	}
	post, found, err := s.GetPost(ctx, job.PostID)
	if err != nil || !found || post.Status != domain.StatusReady {
		t.Fatalf("promoted post: %+v found=%v err=%v", post, found, err)
	}
	if _, _, err := s.PromoteJob(ctx, "j1", readyAt.Add(time.Hour)); err != nil {
		t.Fatalf("re-promote: %v", err)
	}
	items, _, err := s.FeedPage(ctx, PageQuery{UserID: "u1", Limit: 10, FeedType: domain.FeedPrivate})
	if err != nil {
		t.Fatalf("feed page: %v", err)
	}
	if len(items) != 1 || items[0].Reasons[0] != "composer" {
		t.Fatalf("expected single attach with inherited reason, got %+v", items)
	}
	stored, _, _ := s.GetJob(ctx, "j1")
	if stored.Status != domain.StatusReady || stored.PostID != "post-j1" {
		t.Fatalf("stored job not updated: %+v", stored)
	}
}

func testJobPromotionConcurrent(t *testing.T, newStore storeFactory) {
	ctx := context.Background()
	s := newStore(t)
	if err := s.SaveJob(ctx, pendingJob("race", "u1", baseTime)); err != nil {
		t.Fatalf("save job: %v", err)
	}
	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			job, _, err := s.PromoteJob(ctx, "race", baseTime.Add(time.Minute))
			if err != nil {
				errs <- err
				return
			}
			if job.Status != domain.StatusReady {
				errs <- fmt.Errorf("status %s", job.Status)
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent promote: %v", err)
	}
	items, _, err := s.FeedPage(ctx, PageQuery{UserID: "u1", Limit: 10, FeedType: domain.FeedPrivate})
	if err != nil {
		t.Fatalf("feed page: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("expected exactly one attach, got %d", len(items))
	}
}

func testSaveJobMerges(t *testing.T, newStore storeFactory) {
	ctx := context.Background()
	s := newStore(t)
	if err := s.SaveJob(ctx, domain.Job{ID: ""}); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if err := s.SaveJob(ctx, pendingJob("m1", "u1", time.Time{})); err != nil {
		t.Fatalf("save job: %v", err)
	}
	if err := s.SaveJob(ctx, domain.Job{ID: "m1", Status: domain.StatusFailed, Error: "boom"}); err != nil {
		t.Fatalf("partial save: %v", err)
	}
	job, ok, err := s.GetJob(ctx, "m1")
	if err != nil || !ok {
		t.Fatalf("get job: ok=%v err=%v", ok, err)
	}
	if job.Status != domain.StatusFailed || job.Error != "boom" {
		t.Fatalf("partial update not applied: %+v", job)
	}
	if job.Post == nil || job.Post.ID != "post-m1" || job.UserID != "u1" {
		t.Fatalf("partial update erased fields: %+v", job)
	}
	if err := s.SaveJob(ctx, domain.Job{ID: "m1", Status: domain.StatusPending}); err != nil {
		t.Fatalf("save job: %v", err)
	}
	job, _, _ = s.GetJob(ctx, "m1")
	if job.Status != domain.StatusFailed {
		t.Fatalf("terminal status must be sticky, got %s", job.Status)
	}
	if err := s.SaveJob(ctx, domain.Job{ID: "fresh"}); err != nil {
		t.Fatalf("save job: %v", err)
	}
	job, _, _ = s.GetJob(ctx, "fresh")
	if job.Status != domain.StatusPending {
		t.Fatalf("new jobs default to pending, got %s", job.Status)
	}
}

func testCompleteAndFailJob(t *testing.T, newStore storeFactory) {
	ctx := context.Background()
	s := newStore(t)
	if _, err := s.CompleteJob(ctx, "nope", readyPost("x", 0, false)); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := s.SaveJob(ctx, domain.Job{ID: "w1", UserID: "u1"}); err != nil {
		t.Fatalf("save job: %v", err)
	}
	rendered := readyPost("rendered", 0, false)
	rendered.AuthorUID = "u1"
	job, err := s.CompleteJob(ctx, "w1", rendered)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if job.Status != domain.StatusReady || job.PostID != "rendered" {
		t.Fatalf("unexpected completed job: %+v", job)
	}
	items, _, _ := s.FeedPage(ctx, PageQuery{UserID: "u1", Limit: 10, FeedType: domain.FeedPrivate})
	if len(items) != 1 || items[0].Reasons[0] != "generated" {
		t.Fatalf("expected generated attach, got %+v", items)
	}
	failed, err := s.FailJob(ctx, "w1", "late failure")
	if err != nil || failed.Status != domain.StatusReady {
		t.Fatalf("fail after ready must be a no-op: %+v err=%v", failed, err)
	}

	if err := s.SaveJob(ctx, domain.Job{ID: "w2", UserID: "u1"}); err != nil {
		t.Fatalf("save job: %v", err)
	}
	failed, err = s.FailJob(ctx, "w2", "renderer down")
	if err != nil || failed.Status != domain.StatusFailed || failed.Error != "renderer down" {
		t.Fatalf("unexpected failed job: %+v err=%v", failed, err)
	}
	stored, _, _ := s.GetJob(ctx, "w2")
	if stored.Status != domain.StatusFailed || stored.Error != "renderer down" {
		t.Fatalf("failure not persisted: %+v", stored)
	}
}

func testProfileImagesMerge(t *testing.T, newStore storeFactory) {
	ctx := context.Background()
	s := newStore(t)
	base := "gs://bucket/users/u1/base.jpg"
	approved := true
	if err := s.SaveProfileImages(ctx, "u1", domain.ProfileImagesUpdate{
		CaptureImages: &domain.CaptureImages{Front: "front.jpg"},
	}); err != nil {
		t.Fatalf("save capture: %v", err)
	}
	if err := s.SaveProfileImages(ctx, "u1", domain.ProfileImagesUpdate{
		BaseImage:         &base,
		BaseImageApproved: &approved,
	}); err != nil {
		t.Fatalf("save base: %v", err)
	}
	user, ok, err := s.GetUser(ctx, "u1")
	if err != nil || !ok {
		t.Fatalf("get user: ok=%v err=%v", ok, err)
	}
	images := user.ProfileImages
	if images == nil || images.CaptureImages == nil || images.CaptureImages.Front != "front.jpg" {
		t.Fatalf("capture images lost: %+v", images)
	}
	if images.BaseImage != base || !images.BaseImageApproved {
		t.Fatalf("base image not merged: %+v", images)
	}
}

func testMissingRecords(t *testing.T, newStore storeFactory) {
	ctx := context.Background()
	s := newStore(t)
	if _, ok, err := s.GetPost(ctx, "missing"); ok || err != nil {
		t.Fatalf("get post: ok=%v err=%v", ok, err)
	}
	if _, ok, err := s.GetJob(ctx, "missing"); ok || err != nil {
		t.Fatalf("get job: ok=%v err=%v", ok, err)
	}
	if _, ok, err := s.PromoteJob(ctx, "missing", baseTime); ok || err != nil {
		t.Fatalf("promote job: ok=%v err=%v", ok, err)
	}
	if _, ok, err := s.GetUser(ctx, "missing"); ok || err != nil {
		t.Fatalf("get user: ok=%v err=%v", ok, err)
	}
	if _, err := s.FailJob(ctx, "missing", "x"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("fail job: %v", err)
	}
}
