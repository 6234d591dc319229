package app

import (
	"context"
	"fmt"
	"strings"

	"myway/pkg/domain"
	"myway/pkg/generation"
)

// GetProfileImages returns uid's profile images, or nil if none were recorded.
func (a *App) GetProfileImages(ctx context.Context, uid string) (*domain.ProfileImages, error) {
	if strings.TrimSpace(uid) == "" {
		return nil, &domain.ValidationError{Field: "uid", Reason: "required"}
	}
	user, ok, err := a.store.GetUser(ctx, uid)
	if err != nil {
		return nil, fmt.Errorf("load user: %w", err)
	}
	if !ok {
		return nil, nil
	}
	return user.ProfileImages, nil
}

// SaveProfileImages merges update into uid's profile images and returns the result.
func (a *App) SaveProfileImages(ctx context.Context, uid string, update domain.ProfileImagesUpdate) (*domain.ProfileImages, error) {
	if strings.TrimSpace(uid) == "" {
		return nil, &domain.ValidationError{Field: "uid", Reason: "required"}
	}
	if update.Empty() {
		return nil, &domain.ValidationError{Field: "profileImages", Reason: "no fields to update"}
	}
	if err := a.store.SaveProfileImages(ctx, uid, update); err != nil {
		return nil, fmt.Errorf("save profile images: %w", err)
	}
	return a.GetProfileImages(ctx, uid)
}

// SeedMockContent saves one ready placeholder image per trending prompt when
// running with mocks and no ready posts exist yet. Saved posts feed the
// fallback ring.
func (a *App) SeedMockContent(ctx context.Context) (int, error) {
	if !a.mocks {
		return 0, nil
	}
	existing, err := a.store.ListReadyPosts(ctx, 1)
	if err != nil {
		return 0, fmt.Errorf("list ready posts: %w", err)
	}
	if len(existing) > 0 {
		return 0, nil
	}
	seeded := 0
	for _, prompt := range a.trending {
		post := generation.MockPost(prompt, domain.MediaImage, a.rand)
		post.Title = generation.TitleFromPrompt(prompt, generation.DefaultTitleLength)
		if _, err := a.store.SavePost(ctx, post); err != nil {
			return seeded, fmt.Errorf("seed mock post: %w", err)
		}
		seeded++
	}
	return seeded, nil
}
