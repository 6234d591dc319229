package app

import "errors"

var (
	ErrJobNotFound  = errors.New("job not found")
	ErrPostNotFound = errors.New("post not found")
	// ErrTypeMismatch means the request body asked for a different media type
	// than the endpoint it was sent to.
	ErrTypeMismatch      = errors.New("type does not match endpoint")
	ErrRateLimited       = errors.New("generation rate limit exceeded")
	ErrBudgetExhausted   = errors.New("session budget exhausted")
	ErrQueueUnavailable  = errors.New("generation queue not configured")
	ErrWorkerUnavailable = errors.New("generation worker not configured")
)
