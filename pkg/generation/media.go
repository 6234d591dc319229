package generation

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"myway/pkg/domain"
	"myway/pkg/storage"
)

// DefaultPresignTTL is how long public media links stay valid.
const DefaultPresignTTL = 24 * time.Hour

// mediaPipeline renders and uploads media for one post.
type mediaPipeline struct {
	renderer   Renderer
	objects    storage.ObjectStore
	presignTTL time.Duration
}

type media struct {
	key         string
	storagePath string
	publicURL   string
	duration    *float64
	model       string
	scores      map[string]float64
}

func (p mediaPipeline) produce(ctx context.Context, postID, userID string, req RenderRequest) (media, error) {
	if p.renderer == nil {
		return media{}, errors.New("renderer not configured")
	}
	if p.objects == nil {
		return media{}, errors.New("object store not configured")
	}
	out, err := p.renderer.Render(ctx, req)
	if err != nil {
		return media{}, fmt.Errorf("render %s: %w", req.Type, err)
	}
	if len(out.Data) == 0 {
		return media{}, fmt.Errorf("render %s: empty output", req.Type)
	}
	key := storage.MediaKey(userID, postID, out.Extension)
	if err := p.objects.Put(ctx, key, bytes.NewReader(out.Data), int64(len(out.Data)), out.ContentType); err != nil {
		return media{}, fmt.Errorf("upload media: %w", err)
	}
	ttl := p.presignTTL
	if ttl <= 0 {
		ttl = DefaultPresignTTL
	}
	url, err := p.objects.PresignGet(ctx, key, ttl)
	if err != nil {
		p.discard(ctx, key)
		return media{}, fmt.Errorf("presign media: %w", err)
	}
	scores := out.Scores
	if scores == nil {
		scores = map[string]float64{}
	}
	return media{
		key:         key,
		storagePath: p.objects.Locator(key),
		publicURL:   url,
		duration:    out.Duration,
		model:       out.Model,
		scores:      scores,
	}, nil
}

// discard removes an uploaded object that no post will reference.
func (p mediaPipeline) discard(ctx context.Context, key string) {
	if err := p.objects.Delete(context.WithoutCancel(ctx), key); err != nil {
		slog.Warn("discard orphaned media failed", "key", key, "err", err)
	}
}

// apply stamps rendered media onto a post and marks it ready.
func (m media) apply(post domain.Post) domain.Post {
	post.Status = domain.StatusReady
	post.StoragePath = m.storagePath
	post.PublicURL = m.publicURL
	post.Duration = m.duration
	if m.model != "" {
		post.Model = m.model
	}
	post.Safety = domain.SafetyInfo{Scores: m.scores}
	return post
}
