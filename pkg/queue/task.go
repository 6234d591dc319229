package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// GenerateTask is the payload handed to the generation worker.
type GenerateTask struct {
	JobID      string   `json:"jobId"`
	UserID     string   `json:"userId"`
	Type       string   `json:"type"`
	Prompt     string   `json:"prompt"`
	Title      string   `json:"title,omitempty"`
	Aspect     string   `json:"aspect,omitempty"`
	Seed       *int64   `json:"seed,omitempty"`
	Duration   int      `json:"duration,omitempty"`
	Model      string   `json:"model,omitempty"`
	References []string `json:"references,omitempty"`
}

// Handler processes one delivered task. A returned error means the delivery
// failed and the transport may redeliver.
type Handler func(ctx context.Context, task GenerateTask) error

// ExhaustedFunc is called once a task has used up its delivery attempts.
type ExhaustedFunc func(ctx context.Context, task GenerateTask, err error)

// TaskQueue moves generation tasks from the API to the worker.
type TaskQueue interface {
	Publish(ctx context.Context, task GenerateTask) error
	Start(ctx context.Context, concurrency int, handler Handler)
	Close() error
}

// Validate checks the fields the worker relies on.
func (t GenerateTask) Validate() error {
	if strings.TrimSpace(t.JobID) == "" {
		return errors.New("jobId required")
	}
	if strings.TrimSpace(t.Prompt) == "" {
		return errors.New("prompt required")
	}
	if t.Type != "image" && t.Type != "video" {
		return fmt.Errorf("unsupported task type %q", t.Type)
	}
	return nil
}

func encodeTask(t GenerateTask) (string, error) {
	raw, err := json.Marshal(t)
	if err != nil {
		return "", fmt.Errorf("encode task: %w", err)
	}
	return string(raw), nil
}

// DecodeTask parses a JSON task body, as delivered by push transports.
func DecodeTask(raw []byte) (GenerateTask, error) {
	var t GenerateTask
	if err := json.Unmarshal(raw, &t); err != nil {
		return GenerateTask{}, fmt.Errorf("decode task: %w", err)
	}
	if err := t.Validate(); err != nil {
		return GenerateTask{}, err
	}
	return t, nil
}
