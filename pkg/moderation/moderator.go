package moderation

import (
	"context"
	"log/slog"
	"strings"
)

// DefaultBlocklist holds the terms the blocklist moderator rejects.
var DefaultBlocklist = []string{"weapon", "politics", "explicit"}

// Result is a moderation verdict. Safety is nil when the backend reports no scores.
type Result struct {
	Allowed bool               `json:"allowed"`
	Reasons []string           `json:"reasons"`
	Safety  map[string]float64 `json:"safety"`
}

// Moderator judges a prompt before it is sent for generation.
type Moderator interface {
	Evaluate(ctx context.Context, prompt string) (Result, error)
}

// BlocklistModerator rejects prompts containing any listed term, case-insensitively.
type BlocklistModerator struct {
	terms []string
}

func NewBlocklistModerator(terms []string) *BlocklistModerator {
	if len(terms) == 0 {
		terms = DefaultBlocklist
	}
	normalized := make([]string, 0, len(terms))
	for _, term := range terms {
		if t := strings.ToLower(strings.TrimSpace(term)); t != "" {
			normalized = append(normalized, t)
		}
	}
	return &BlocklistModerator{terms: normalized}
}

func (m *BlocklistModerator) Evaluate(_ context.Context, prompt string) (Result, error) {
	text := strings.ToLower(prompt)
	blocked := []string{}
	for _, term := range m.terms {
		if strings.Contains(text, term) {
			blocked = append(blocked, term)
		}
	}
	score := 0.0
	if len(blocked) > 0 {
		score = 1.0
		slog.Warn("prompt blocked by moderation", "terms", blocked)
	}
	return Result{
		Allowed: len(blocked) == 0,
		Reasons: blocked,
		Safety:  map[string]float64{"blocked": score},
	}, nil
}

// AllowAll admits every prompt. It stands in where no safety backend is configured.
type AllowAll struct{}

func (AllowAll) Evaluate(_ context.Context, _ string) (Result, error) {
	return Result{Allowed: true, Reasons: []string{}}, nil
}
