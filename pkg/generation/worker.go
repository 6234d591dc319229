package generation

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"myway/pkg/domain"
	"myway/pkg/queue"
	"myway/pkg/storage"
)

// JobStore is the slice of the feed store the worker writes through.
type JobStore interface {
	GetJob(ctx context.Context, id string) (domain.Job, bool, error)
	CompleteJob(ctx context.Context, id string, post domain.Post) (domain.Job, error)
	FailJob(ctx context.Context, id, errMsg string) (domain.Job, error)
}

// Worker completes queued generation jobs.
type Worker struct {
	jobs     JobStore
	pipeline mediaPipeline
}

func NewWorker(jobs JobStore, renderer Renderer, objects storage.ObjectStore, presignTTL time.Duration) *Worker {
	return &Worker{
		jobs:     jobs,
		pipeline: mediaPipeline{renderer: renderer, objects: objects, presignTTL: presignTTL},
	}
}

// ProcessTask renders, uploads and completes the job. Generation failures are
// recorded on the job and not returned, so transports do not redeliver them.
// Store errors are returned.
func (w *Worker) ProcessTask(ctx context.Context, task queue.GenerateTask) error {
	job, ok, err := w.jobs.GetJob(ctx, task.JobID)
	if err != nil {
		return err
	}
	if !ok {
		slog.Warn("generation task for unknown job", "job_id", task.JobID)
		return nil
	}
	if job.Status.Terminal() {
		slog.Info("generation task skipped", "job_id", task.JobID, "status", job.Status)
		return nil
	}
	slog.Info("processing generation job", "job_id", task.JobID, "uid", task.UserID, "type", task.Type)

	base := draftFor(job, task)
	m, err := w.pipeline.produce(ctx, base.ID, job.UserID, RenderRequest{
		Type:       domain.MediaType(task.Type),
		Prompt:     task.Prompt,
		Aspect:     aspectOrDefault(task.Aspect),
		Seed:       task.Seed,
		Duration:   task.Duration,
		References: clampReferences(task.References),
	})
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		slog.Error("generation job failed", "job_id", task.JobID, "err", err)
		_, ferr := w.jobs.FailJob(ctx, task.JobID, err.Error())
		return ferr
	}
	if _, err := w.jobs.CompleteJob(ctx, task.JobID, m.apply(base)); err != nil {
		w.pipeline.discard(ctx, m.key)
		return err
	}
	slog.Info("completed generation job", "job_id", task.JobID)
	return nil
}

// MarkExhausted fails a job whose deliveries ran out.
func (w *Worker) MarkExhausted(ctx context.Context, task queue.GenerateTask, cause error) {
	if _, err := w.jobs.FailJob(ctx, task.JobID, cause.Error()); err != nil {
		slog.Error("mark exhausted job failed", "job_id", task.JobID, "err", err)
	}
}

// draftFor returns the post to complete, preferring the stored draft.
func draftFor(job domain.Job, task queue.GenerateTask) domain.Post {
	if job.Post != nil {
		return *job.Post
	}
	uid := job.UserID
	if uid == "" {
		uid = task.UserID
	}
	return domain.Post{
		ID:        task.JobID,
		Type:      domain.MediaType(task.Type),
		Aspect:    aspectOrDefault(task.Aspect),
		Model:     task.Model,
		Prompt:    task.Prompt,
		Title:     task.Title,
		Seed:      task.Seed,
		SynthID:   true,
		AuthorUID: uid,
	}
}
