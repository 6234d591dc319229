package generation

import (
	"context"

	"github.com/google/uuid"
	"myway/pkg/domain"
	"myway/pkg/queue"
)

// QueuedGenerator hands rendering to a worker. The job id doubles as the
// resulting post id.
type QueuedGenerator struct {
	Model string
}

func NewQueuedGenerator(model string) *QueuedGenerator {
	if model == "" {
		model = "queued"
	}
	return &QueuedGenerator{Model: model}
}

// Enqueue returns a pending draft and the task to publish. The enhanced
// prompt goes to the renderer; the draft keeps what the user typed.
func (g *QueuedGenerator) Enqueue(_ context.Context, req Request) (Result, error) {
	if err := validateRequest(req); err != nil {
		return Result{}, err
	}
	jobID := uuid.NewString()
	aspect := aspectOrDefault(req.Aspect)
	draft := domain.Post{
		ID:        jobID,
		Type:      req.Type,
		Status:    domain.StatusPending,
		Aspect:    aspect,
		Model:     g.Model,
		Prompt:    req.Prompt,
		Title:     TitleFromPrompt(req.Prompt, DefaultTitleLength),
		Seed:      req.Seed,
		Safety:    domain.SafetyInfo{Scores: map[string]float64{}},
		SynthID:   true,
		AuthorUID: req.UserID,
		IsPrivate: req.IsPrivate,
	}
	task := &queue.GenerateTask{
		JobID:      jobID,
		UserID:     req.UserID,
		Type:       string(req.Type),
		Prompt:     EnhanceForSocial(req.Prompt, req.Type),
		Title:      draft.Title,
		Aspect:     aspect,
		Seed:       req.Seed,
		Duration:   req.Duration,
		Model:      g.Model,
		References: clampReferences(req.References),
	}
	return Result{JobID: jobID, Draft: draft, Task: task}, nil
}
