package store

import (
	"math/rand/v2"
	"time"

	"myway/pkg/domain"
)

const (
	DefaultFeedCap     = 100
	DefaultFallbackCap = 50
)

// Options tune bounds and injectable sources shared by both backends.
type Options struct {
	FeedCap       int
	FallbackCap   int
	DefaultBudget domain.Budget
	// Shuffle permutes the random feed. It defaults to a freshly seeded
	// shuffle so page boundaries change on every request.
	Shuffle func(n int, swap func(i, j int))
	Now     func() time.Time
}

type Option func(*Options)

// WithFeedCap bounds each user's feed index.
func WithFeedCap(n int) Option {
	return func(o *Options) { o.FeedCap = n }
}

// WithFallbackCap bounds the fallback ring.
func WithFallbackCap(n int) Option {
	return func(o *Options) { o.FallbackCap = n }
}

// WithDefaultBudget sets the allocation a user starts each session with.
func WithDefaultBudget(b domain.Budget) Option {
	return func(o *Options) { o.DefaultBudget = b.Clone() }
}

// WithShuffle replaces the random feed permutation.
func WithShuffle(fn func(n int, swap func(i, j int))) Option {
	return func(o *Options) { o.Shuffle = fn }
}

// WithClock replaces the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(o *Options) { o.Now = now }
}

func buildOptions(options []Option) Options {
	opts := Options{}
	for _, option := range options {
		if option != nil {
			option(&opts)
		}
	}
	if opts.FeedCap <= 0 {
		opts.FeedCap = DefaultFeedCap
	}
	if opts.FallbackCap <= 0 {
		opts.FallbackCap = DefaultFallbackCap
	}
	if opts.DefaultBudget == nil {
		opts.DefaultBudget = domain.DefaultBudget()
	}
	if opts.Shuffle == nil {
		opts.Shuffle = rand.Shuffle
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return opts
}

// timestamp truncates to the precision Postgres keeps so both backends
// order identically.
func (o Options) timestamp() time.Time {
	return o.Now().UTC().Truncate(time.Microsecond)
}
