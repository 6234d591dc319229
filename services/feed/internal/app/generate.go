package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"myway/internal/util"
	"myway/pkg/domain"
	"myway/pkg/generation"
	"myway/pkg/moderation"
	"myway/pkg/queue"
)

const (
	defaultVariations = 2
	maxVariations     = 5
	// queuedEta is the minimum completion estimate reported for worker jobs.
	queuedEta = 30 * time.Second
)

// GenerateRequest is a user-initiated generation.
type GenerateRequest struct {
	UserID string
	Prompt string
	// Type is what the caller asked for; Endpoint is the media type of the
	// route it called. They must agree.
	Type           domain.MediaType
	Endpoint       domain.MediaType
	Aspect         string
	Seed           *int64
	Duration       int
	IsPrivate      bool
	IncludeMe      bool
	ReferencePaths []string
}

type GenerateResult struct {
	JobID  string `json:"jobId"`
	EtaMs  int64  `json:"etaMs"`
	Status string `json:"status,omitempty"`
}

// Generate enqueues one generation. Synchronous results are saved and
// attached to the caller's feed immediately; everything else becomes a
// pending job.
func (a *App) Generate(ctx context.Context, req GenerateRequest) (GenerateResult, error) {
	if strings.TrimSpace(req.UserID) == "" {
		return GenerateResult{}, &domain.ValidationError{Field: "uid", Reason: "required"}
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return GenerateResult{}, &domain.ValidationError{Field: "prompt", Reason: "required"}
	}
	if req.Type != req.Endpoint {
		return GenerateResult{}, ErrTypeMismatch
	}
	if a.limiter != nil && !a.limiter.Allow(ctx, req.UserID) {
		return GenerateResult{}, ErrRateLimited
	}
	refs, err := a.references(ctx, req.UserID, req.IncludeMe, req.ReferencePaths)
	if err != nil {
		return GenerateResult{}, err
	}
	if a.enforceBudget {
		ok, err := a.store.ConsumeBudget(ctx, req.UserID, req.Type.BudgetKey())
		if err != nil {
			return GenerateResult{}, fmt.Errorf("consume budget: %w", err)
		}
		if !ok {
			return GenerateResult{}, ErrBudgetExhausted
		}
	}

	res, err := a.generator.Enqueue(ctx, generation.Request{
		UserID:     req.UserID,
		Prompt:     req.Prompt,
		Type:       req.Type,
		Aspect:     req.Aspect,
		Seed:       req.Seed,
		Duration:   req.Duration,
		IsPrivate:  req.IsPrivate,
		References: refs,
	})
	if err != nil {
		return GenerateResult{}, fmt.Errorf("enqueue generation: %w", err)
	}
	sub, err := a.submit(ctx, req.UserID, res, []string{ReasonComposer}, true)
	if err != nil {
		return GenerateResult{}, err
	}
	util.LoggerFromContext(ctx).Info("generation submitted",
		"uid", req.UserID,
		"job_id", sub.JobID,
		"type", req.Type,
		"ready", sub.Ready,
		"references", len(refs),
	)
	if sub.Ready {
		return GenerateResult{JobID: sub.JobID, EtaMs: 0, Status: string(domain.StatusReady)}, nil
	}
	return GenerateResult{JobID: sub.JobID, EtaMs: sub.Eta.Milliseconds(), Status: string(domain.StatusPending)}, nil
}

// references resolves the caller's profile image and custom paths into at
// most generation.MaxReferences storage locators.
func (a *App) references(ctx context.Context, uid string, includeMe bool, paths []string) ([]string, error) {
	logger := util.LoggerFromContext(ctx)
	refs := []string{}
	if includeMe {
		user, ok, err := a.store.GetUser(ctx, uid)
		if err != nil {
			return nil, fmt.Errorf("load user: %w", err)
		}
		switch {
		case !ok || user.ProfileImages == nil || user.ProfileImages.BaseImage == "":
			logger.Warn("includeMe requested without a base image", "uid", uid)
		case !user.ProfileImages.BaseImageApproved:
			logger.Warn("includeMe requested with an unapproved base image", "uid", uid)
		default:
			refs = append(refs, a.locate(user.ProfileImages.BaseImage))
		}
	}
	for _, p := range paths {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if len(refs) >= generation.MaxReferences {
			logger.Warn("reference image limit reached, skipping extras", "uid", uid, "max", generation.MaxReferences)
			break
		}
		refs = append(refs, a.locate(p))
	}
	return refs, nil
}

func (a *App) locate(path string) string {
	if a.objects == nil || strings.Contains(path, "://") {
		return path
	}
	return a.objects.Locator(path)
}

type submission struct {
	JobID string
	Ready bool
	Post  *domain.Post
	Eta   time.Duration
}

// submit persists a generation result. With attachNow a synchronous result is
// saved and attached right away; otherwise it becomes a job. Worker jobs carry
// no ready time and are completed only by the worker.
func (a *App) submit(ctx context.Context, uid string, res generation.Result, reasons []string, attachNow bool) (submission, error) {
	if attachNow && res.Synchronous() {
		saved, err := a.AttachReadyPost(ctx, uid, res.Draft, reasons)
		if err != nil {
			return submission{}, err
		}
		return submission{JobID: res.JobID, Ready: true, Post: &saved}, nil
	}

	draft := res.Draft
	job := domain.Job{
		ID:      res.JobID,
		UserID:  uid,
		Status:  domain.StatusPending,
		Post:    &draft,
		Reasons: reasons,
	}
	eta := res.Delay
	if res.Task == nil {
		job.ReadyAt = a.now().Add(res.Delay)
	} else {
		eta = max(a.generateTimeout, queuedEta)
	}
	if err := a.store.SaveJob(ctx, job); err != nil {
		return submission{}, fmt.Errorf("save job: %w", err)
	}
	if res.Task != nil {
		err := ErrQueueUnavailable
		if a.queue != nil {
			err = a.queue.Publish(ctx, *res.Task)
		}
		if err != nil {
			if _, ferr := a.store.FailJob(ctx, job.ID, err.Error()); ferr != nil {
				util.LoggerFromContext(ctx).Error("mark unpublished job failed", "job_id", job.ID, "err", ferr)
			}
			return submission{}, fmt.Errorf("publish generation task: %w", err)
		}
	}
	return submission{JobID: job.ID, Eta: eta}, nil
}

// JobStatus is the client-visible state of a generation job.
type JobStatus struct {
	Status domain.PostStatus `json:"status"`
	PostID string            `json:"postId,omitempty"`
	Error  string            `json:"error,omitempty"`
}

// GetJobStatus reads a job, promoting it first when its ready time has
// passed. Concurrent reads of one job share a single promotion, which runs
// detached from any one caller's cancellation.
func (a *App) GetJobStatus(ctx context.Context, jobID string) (JobStatus, error) {
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return JobStatus{}, &domain.ValidationError{Field: "jobId", Reason: "required"}
	}
	v, err, _ := a.promotions.Do(jobID, func() (any, error) {
		// Shared by every waiter, so one caller hanging up must not fail the rest.
		job, ok, err := a.store.PromoteJob(context.WithoutCancel(ctx), jobID, a.now())
		if err != nil {
			return nil, fmt.Errorf("promote job: %w", err)
		}
		if !ok {
			return nil, ErrJobNotFound
		}
		return job, nil
	})
	if err != nil {
		return JobStatus{}, err
	}
	job := v.(domain.Job)
	return JobStatus{Status: job.Status, PostID: job.PostID, Error: job.Error}, nil
}

// MoreLikeThis enqueues count variations of an existing post as pending jobs.
// Zero count means the default of two.
func (a *App) MoreLikeThis(ctx context.Context, uid, postID string, count int) ([]string, error) {
	if strings.TrimSpace(uid) == "" {
		return nil, &domain.ValidationError{Field: "uid", Reason: "required"}
	}
	if count == 0 {
		count = defaultVariations
	}
	if count < 1 || count > maxVariations {
		return nil, &domain.ValidationError{Field: "count", Reason: fmt.Sprintf("must be between 1 and %d", maxVariations)}
	}
	base, ok, err := a.store.GetPost(ctx, postID)
	if err != nil {
		return nil, fmt.Errorf("load post: %w", err)
	}
	if !ok {
		return nil, ErrPostNotFound
	}

	jobs := make([]string, count)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(3)
	for i := range count {
		g.Go(func() error {
			res, err := a.generator.Enqueue(gctx, generation.Request{
				UserID: uid,
				Prompt: generation.VariationPrompt(base.Prompt),
				Type:   base.Type,
				Aspect: base.Aspect,
			})
			if err != nil {
				return fmt.Errorf("enqueue variation: %w", err)
			}
			sub, err := a.submit(gctx, uid, res, []string{ReasonVariation}, false)
			if err != nil {
				return err
			}
			jobs[i] = sub.JobID
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	util.LoggerFromContext(ctx).Info("variations enqueued", "uid", uid, "post_id", postID, "count", count)
	return jobs, nil
}

// ConsumeTask runs a push-delivered generation task. In mock mode tasks are
// acknowledged and skipped.
func (a *App) ConsumeTask(ctx context.Context, task queue.GenerateTask) (bool, error) {
	if a.mocks {
		util.LoggerFromContext(ctx).Debug("skipping task in mock mode", "job_id", task.JobID)
		return true, nil
	}
	if a.worker == nil {
		return false, ErrWorkerUnavailable
	}
	return false, a.worker.ProcessTask(ctx, task)
}

// Moderate returns the moderation verdict for a prompt.
func (a *App) Moderate(ctx context.Context, prompt string) (moderation.Result, error) {
	return a.moderator.Evaluate(ctx, prompt)
}
