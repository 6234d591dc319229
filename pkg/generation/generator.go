package generation

import (
	"context"
	"errors"
	"time"

	"myway/pkg/domain"
	"myway/pkg/queue"
)

// MaxReferences bounds the reference images passed to a renderer.
const MaxReferences = 3

var ErrUnsupportedMedia = errors.New("unsupported media type")

// Request is one user-initiated generation.
type Request struct {
	UserID     string
	Prompt     string
	Type       domain.MediaType
	Aspect     string
	Seed       *int64
	Duration   int
	IsPrivate  bool
	References []string
}

// Result tells the caller how the generation will complete.
//
// Delay == 0 with a ready Draft means it already finished. A Task means a
// worker completes it. Otherwise the job becomes ready Delay after enqueue.
type Result struct {
	JobID string
	Draft domain.Post
	Delay time.Duration
	Task  *queue.GenerateTask
}

// Synchronous reports whether the draft can be saved and attached right away.
func (r Result) Synchronous() bool {
	return r.Task == nil && r.Delay == 0 && r.Draft.Status == domain.StatusReady
}

// Generator is the generation backend contract.
type Generator interface {
	Enqueue(ctx context.Context, req Request) (Result, error)
}

// RenderRequest is what a model backend needs to produce media bytes.
type RenderRequest struct {
	Type       domain.MediaType
	Prompt     string
	Aspect     string
	Seed       *int64
	Duration   int
	References []string
}

// Rendered is raw model output ready for upload.
type Rendered struct {
	Data        []byte
	ContentType string
	Extension   string
	Model       string
	Duration    *float64
	Scores      map[string]float64
}

// Renderer invokes a text-to-image or text-to-video model.
type Renderer interface {
	Render(ctx context.Context, req RenderRequest) (Rendered, error)
}

func aspectOrDefault(aspect string) string {
	if aspect == "" {
		return domain.DefaultAspect
	}
	return aspect
}

func clampReferences(refs []string) []string {
	if len(refs) > MaxReferences {
		refs = refs[:MaxReferences]
	}
	return append([]string(nil), refs...)
}
