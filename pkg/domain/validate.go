package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrValidation marks a malformed post or job payload.
	ErrValidation = errors.New("validation failed")
	// ErrNotFound marks an unknown post or job at the API boundary.
	ErrNotFound = errors.New("not found")
)

// ValidationError describes which field was rejected.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// ParseMediaType accepts "image" or "video".
func ParseMediaType(v string) (MediaType, error) {
	switch MediaType(strings.ToLower(strings.TrimSpace(v))) {
	case MediaImage:
		return MediaImage, nil
	case MediaVideo:
		return MediaVideo, nil
	}
	return "", invalid("type", fmt.Sprintf("unsupported media type %q", v))
}

// ParseFeedType maps a request value to a feed type; empty means hot.
func ParseFeedType(v string) (FeedType, error) {
	switch t := FeedType(strings.ToLower(strings.TrimSpace(v))); t {
	case "":
		return FeedHot, nil
	case FeedPrivate, FeedHot, FeedInterests, FeedRandom:
		return t, nil
	}
	return "", invalid("feedType", fmt.Sprintf("unknown feed type %q", v))
}

func validStatus(s PostStatus) bool {
	return s == StatusPending || s == StatusReady || s == StatusFailed
}

// Validate checks the post schema.
func (p Post) Validate() error {
	if strings.TrimSpace(p.ID) == "" {
		return invalid("id", "required")
	}
	if p.Type != MediaImage && p.Type != MediaVideo {
		return invalid("type", fmt.Sprintf("unsupported media type %q", p.Type))
	}
	if !validStatus(p.Status) {
		return invalid("status", fmt.Sprintf("unknown status %q", p.Status))
	}
	if strings.TrimSpace(p.Model) == "" {
		return invalid("model", "required")
	}
	if strings.TrimSpace(p.AuthorUID) == "" {
		return invalid("authorUid", "required")
	}
	if p.Duration != nil && *p.Duration < 0 {
		return invalid("duration", "must be >= 0")
	}
	return nil
}

// WithDefaults fills optional fields that have schema defaults.
func (p Post) WithDefaults() Post {
	if p.Aspect == "" {
		p.Aspect = DefaultAspect
	}
	if p.Safety.Scores == nil {
		p.Safety.Scores = map[string]float64{}
	}
	return p
}

// Validate checks the job schema, including the embedded draft post.
func (j Job) Validate() error {
	if strings.TrimSpace(j.ID) == "" {
		return invalid("jobId", "required")
	}
	if j.Status != "" && !validStatus(j.Status) {
		return invalid("status", fmt.Sprintf("unknown status %q", j.Status))
	}
	if j.Post != nil {
		if err := j.Post.Validate(); err != nil {
			return fmt.Errorf("draft post: %w", err)
		}
	}
	return nil
}
