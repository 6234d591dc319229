package app

import (
	"context"
	"fmt"
	"strings"

	"myway/internal/util"
	"myway/pkg/domain"
	"myway/pkg/generation"
	"myway/pkg/store"
)

const (
	ReasonComposer  = "composer"
	ReasonVariation = "variation"
	ReasonBudget    = "budget"
	ReasonModerated = "moderation"
	ReasonFallback  = "fallback"

	// videoShare is the probability an auto-filled slot is a video.
	videoShare = 0.2
	feedScore  = 1.0
)

// BuildFeed returns one page of the requested feed. Empty feedType means hot.
func (a *App) BuildFeed(ctx context.Context, uid string, page int, feedType string) (domain.FeedPage, error) {
	t, err := domain.ParseFeedType(feedType)
	if err != nil {
		return domain.FeedPage{}, err
	}
	items, hasMore, err := a.store.FeedPage(ctx, store.PageQuery{
		UserID:   uid,
		Limit:    a.feedSize,
		FeedType: t,
		Page:     page,
	})
	if err != nil {
		return domain.FeedPage{}, fmt.Errorf("load feed page: %w", err)
	}
	if a.autoFill && strings.TrimSpace(uid) != "" && len(items) < a.feedSize {
		items = a.fill(ctx, uid, items)
	}
	next := page
	if hasMore {
		next = page + 1
	}
	util.LoggerFromContext(ctx).Info("feed built",
		"uid", uid,
		"feed_type", t,
		"page", page,
		"items", len(items),
		"has_more", hasMore,
	)
	return domain.FeedPage{Items: items, HasMore: hasMore, NextPage: next}, nil
}

// fill tops up a short page with generated content following the slot plan.
// Every slot degrades to fallback content instead of failing the request.
func (a *App) fill(ctx context.Context, uid string, items []domain.FeedItem) []domain.FeedItem {
	logger := util.LoggerFromContext(ctx)
	for _, reason := range a.reco.SlotPlan(a.feedSize-len(items), a.shares) {
		media := domain.MediaImage
		if a.randFloat() < videoShare {
			media = domain.MediaVideo
		}
		ok, err := a.store.ConsumeBudget(ctx, uid, media.BudgetKey())
		if err != nil {
			logger.Warn("auto-fill budget check failed", "uid", uid, "err", err)
		}
		if !ok {
			items = append(items, a.fallbackItem(ctx, []string{ReasonBudget}))
			continue
		}

		prompt := a.reco.BuildPrompt(a.reco.TopicFor(reason, nil, a.trending))
		verdict, err := a.moderator.Evaluate(ctx, prompt)
		if err != nil || !verdict.Allowed {
			item := a.fallbackItem(ctx, []string{ReasonModerated})
			if item.Post != nil {
				item.Reasons = append(item.Reasons, verdict.Reasons...)
			}
			items = append(items, item)
			continue
		}

		res, err := a.generator.Enqueue(ctx, generation.Request{
			UserID: uid,
			Prompt: prompt,
			Type:   media,
			Aspect: domain.DefaultAspect,
		})
		if err != nil {
			logger.Warn("auto-fill generation failed", "uid", uid, "err", err)
			items = append(items, a.fallbackItem(ctx, []string{ReasonFallback}))
			continue
		}
		sub, err := a.submit(ctx, uid, res, []string{reason}, true)
		if err != nil {
			logger.Warn("auto-fill submit failed", "uid", uid, "err", err)
			items = append(items, a.fallbackItem(ctx, []string{ReasonFallback}))
			continue
		}
		if sub.Ready {
			items = append(items, domain.FeedItem{Slot: domain.SlotReady, Post: sub.Post, Reasons: []string{reason}})
		} else {
			items = append(items, domain.FeedItem{Slot: domain.SlotPending, JobID: sub.JobID, Reasons: []string{reason}})
		}
	}
	if len(items) < a.feedSize {
		if post, ok := a.pickFallback(ctx); ok {
			items = append(items, domain.FeedItem{Slot: domain.SlotFallback, Post: post, Reasons: []string{ReasonFallback}})
		}
	}
	if len(items) > a.feedSize {
		items = items[:a.feedSize]
	}
	return items
}

// fallbackItem returns a FALLBACK slot, with a post when the ring has one.
func (a *App) fallbackItem(ctx context.Context, reasons []string) domain.FeedItem {
	item := domain.FeedItem{Slot: domain.SlotFallback, Reasons: reasons}
	if post, ok := a.pickFallback(ctx); ok {
		item.Post = post
	}
	return item
}

func (a *App) pickFallback(ctx context.Context) (*domain.Post, bool) {
	post, ok, err := a.store.PickFallback(ctx)
	if err != nil {
		util.LoggerFromContext(ctx).Warn("pick fallback failed", "err", err)
		return nil, false
	}
	if !ok {
		return nil, false
	}
	return &post, true
}

// AttachReadyPost saves a ready post and attaches it to uid's feed in one
// store write; a rejected attach leaves no saved post behind.
func (a *App) AttachReadyPost(ctx context.Context, uid string, post domain.Post, reasons []string) (domain.Post, error) {
	saved, err := a.store.SaveAndAttach(ctx, uid, post, feedScore, reasons)
	if err != nil {
		return domain.Post{}, fmt.Errorf("attach ready post: %w", err)
	}
	return saved, nil
}

// ConsumeBudget takes one unit of uid's session budget for media.
func (a *App) ConsumeBudget(ctx context.Context, uid string, media domain.MediaType) (bool, error) {
	if strings.TrimSpace(uid) == "" {
		return false, &domain.ValidationError{Field: "uid", Reason: "required"}
	}
	return a.store.ConsumeBudget(ctx, uid, media.BudgetKey())
}
