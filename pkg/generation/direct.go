package generation

import (
	"context"
	"time"

	"github.com/google/uuid"
	"myway/pkg/domain"
	"myway/pkg/storage"
)

// DirectGenerator renders inside the request and returns a ready post.
// Callers bound the wait with the request context.
type DirectGenerator struct {
	pipeline mediaPipeline
}

func NewDirectGenerator(renderer Renderer, objects storage.ObjectStore, presignTTL time.Duration) *DirectGenerator {
	return &DirectGenerator{pipeline: mediaPipeline{renderer: renderer, objects: objects, presignTTL: presignTTL}}
}

func (g *DirectGenerator) Enqueue(ctx context.Context, req Request) (Result, error) {
	if err := validateRequest(req); err != nil {
		return Result{}, err
	}
	postID := uuid.NewString()
	aspect := aspectOrDefault(req.Aspect)
	m, err := g.pipeline.produce(ctx, postID, req.UserID, RenderRequest{
		Type:       req.Type,
		Prompt:     EnhanceForSocial(req.Prompt, req.Type),
		Aspect:     aspect,
		Seed:       req.Seed,
		Duration:   req.Duration,
		References: clampReferences(req.References),
	})
	if err != nil {
		return Result{}, err
	}
	post := m.apply(domain.Post{
		ID:        postID,
		Type:      req.Type,
		Aspect:    aspect,
		Model:     "direct",
		Prompt:    req.Prompt,
		Title:     TitleFromPrompt(req.Prompt, DefaultTitleLength),
		Seed:      req.Seed,
		SynthID:   true,
		AuthorUID: req.UserID,
		IsPrivate: req.IsPrivate,
	})
	return Result{JobID: postID, Draft: post}, nil
}
