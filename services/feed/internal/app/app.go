package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"myway/internal/ratelimit"
	"myway/internal/util"
	"myway/pkg/domain"
	"myway/pkg/generation"
	"myway/pkg/moderation"
	"myway/pkg/queue"
	"myway/pkg/reco"
	"myway/pkg/storage"
	"myway/pkg/store"
)

const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"

	QueueNone  = "none"
	QueueRedis = "redis"
	QueueAMQP  = "amqp"
)

// Config holds runtime configuration for the feed service core.
type Config struct {
	Mocks              bool
	GenerateTimeout    time.Duration
	FeedSize           int
	Shares             reco.Shares
	TrendingPrompts    []string
	AutoFill           bool
	Blocklist          []string
	EnforceBudget      bool
	RateLimitPerMinute int

	DatabaseURL   string
	FeedIndexCap  int
	FallbackCap   int
	SessionBudget domain.Budget

	RedisAddr        string
	RedisPassword    string
	QueueBackend     string
	AMQPURL          string
	QueueName        string
	QueueGroup       string
	QueueConcurrency int
	QueueMaxRetries  int
	QueueRetryDelay  time.Duration
	RunWorker        bool

	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioBucket    string
	MinioUseSSL    bool

	RendererBaseURL string
	RendererAPIKey  string
	RendererModel   string
	RendererTimeout time.Duration

	// Pre-built collaborators. Nil fields are built from the settings above.
	Store     store.Store
	Generator generation.Generator
	Moderator moderation.Moderator
	Objects   storage.ObjectStore
	Renderer  generation.Renderer
	Redis     *redis.Client
	// Rand seeds every random choice; it is not safe for concurrent use, so
	// servers leave it nil and use the global source.
	Rand *rand.Rand
	Now  func() time.Time
}

type limiter interface {
	Allow(ctx context.Context, key string) bool
}

// App is the Feed Assembly Service.
type App struct {
	store     store.Store
	storeKind string
	generator generation.Generator
	moderator moderation.Moderator
	objects   storage.ObjectStore
	worker    *generation.Worker
	queue     queue.TaskQueue
	limiter   limiter
	reco      *reco.Recommender
	rand      *rand.Rand
	now       func() time.Time

	redis      *redis.Client
	ownsRedis  bool
	promotions singleflight.Group

	mocks            bool
	generateTimeout  time.Duration
	feedSize         int
	shares           reco.Shares
	trending         []string
	autoFill         bool
	enforceBudget    bool
	runWorker        bool
	queueConcurrency int
}

// New wires the store, generation backend, queue and limiter.
func New(cfg Config) (*App, error) {
	feedSize := cfg.FeedSize
	if feedSize <= 0 {
		feedSize = 50
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	a := &App{
		objects:          cfg.Objects,
		reco:             reco.New(cfg.Rand),
		rand:             cfg.Rand,
		now:              now,
		mocks:            cfg.Mocks,
		generateTimeout:  cfg.GenerateTimeout,
		feedSize:         feedSize,
		shares:           cfg.Shares,
		trending:         append([]string(nil), cfg.TrendingPrompts...),
		autoFill:         cfg.AutoFill,
		enforceBudget:    cfg.EnforceBudget,
		runWorker:        cfg.RunWorker,
		queueConcurrency: cfg.QueueConcurrency,
	}

	a.store, a.storeKind = cfg.Store, StoreMemory
	if a.store == nil {
		a.store, a.storeKind = openStore(cfg)
	} else if _, ok := cfg.Store.(*store.GormStore); ok {
		a.storeKind = StorePostgres
	}

	a.redis = cfg.Redis
	if a.redis == nil && strings.TrimSpace(cfg.RedisAddr) != "" {
		a.redis = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		a.ownsRedis = true
	}

	if a.objects == nil && strings.TrimSpace(cfg.MinioEndpoint) != "" {
		objects, err := storage.NewMinioStore(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("init object store: %w", err)
		}
		a.objects = objects
	}

	renderer := cfg.Renderer
	if renderer == nil && strings.TrimSpace(cfg.RendererBaseURL) != "" {
		renderer = generation.NewHTTPRenderer(cfg.RendererBaseURL, cfg.RendererAPIKey, cfg.RendererModel, cfg.RendererTimeout)
	}
	if renderer != nil && a.objects != nil {
		a.worker = generation.NewWorker(a.store, renderer, a.objects, generation.DefaultPresignTTL)
	}

	a.moderator = cfg.Moderator
	if a.moderator == nil {
		if cfg.Mocks || len(cfg.Blocklist) > 0 {
			a.moderator = moderation.NewBlocklistModerator(cfg.Blocklist)
		} else {
			a.moderator = moderation.AllowAll{}
		}
	}

	q, err := a.openQueue(cfg)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.queue = q

	a.generator = cfg.Generator
	if a.generator == nil {
		switch {
		case cfg.Mocks:
			a.generator = &generation.MockGenerator{Delay: cfg.GenerateTimeout, Rand: cfg.Rand}
		case a.queue != nil:
			a.generator = generation.NewQueuedGenerator(cfg.RendererModel)
		case renderer != nil && a.objects != nil:
			a.generator = generation.NewDirectGenerator(renderer, a.objects, generation.DefaultPresignTTL)
		default:
			a.Close()
			return nil, errors.New("no generation backend configured: enable mocks, a queue, or a renderer with object storage")
		}
	}

	if cfg.RateLimitPerMinute > 0 {
		if a.redis == nil {
			a.Close()
			return nil, errors.New("generation rate limit requires redis")
		}
		l, err := ratelimit.NewFixedWindowLimiter(a.redis, "feed:ratelimit:generate", cfg.RateLimitPerMinute, time.Minute)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.limiter = l
	}

	slog.Info("feed app initialized",
		"store", a.storeKind,
		"mocks", a.mocks,
		"queue", queueKind(cfg.QueueBackend),
		"worker", a.worker != nil,
		"auto_fill", a.autoFill,
	)
	return a, nil
}

// openStore connects to Postgres when configured and falls back to the
// in-memory store if it is unreachable at startup.
func openStore(cfg Config) (store.Store, string) {
	var opts []store.Option
	if cfg.FeedIndexCap > 0 {
		opts = append(opts, store.WithFeedCap(cfg.FeedIndexCap))
	}
	if cfg.FallbackCap > 0 {
		opts = append(opts, store.WithFallbackCap(cfg.FallbackCap))
	}
	if cfg.SessionBudget != nil {
		opts = append(opts, store.WithDefaultBudget(cfg.SessionBudget))
	}
	if strings.TrimSpace(cfg.DatabaseURL) != "" {
		gs, err := store.NewGormStore(cfg.DatabaseURL, opts...)
		if err == nil {
			return gs, StorePostgres
		}
		slog.Warn("postgres store unavailable, falling back to memory store", "err", err)
	}
	return store.NewMemoryStore(opts...), StoreMemory
}

func (a *App) openQueue(cfg Config) (queue.TaskQueue, error) {
	var onExhausted queue.ExhaustedFunc
	if a.worker != nil {
		onExhausted = a.worker.MarkExhausted
	}
	switch queueKind(cfg.QueueBackend) {
	case QueueRedis:
		if a.redis == nil {
			return nil, errors.New("redis queue requires redis")
		}
		q, err := queue.NewRedisTaskQueue(queue.RedisQueueConfig{
			Client:      a.redis,
			Stream:      cfg.QueueName,
			Group:       cfg.QueueGroup,
			Consumer:    util.NewID(),
			MaxRetries:  cfg.QueueMaxRetries,
			RetryDelay:  cfg.QueueRetryDelay,
			OnExhausted: onExhausted,
		})
		if err != nil {
			return nil, fmt.Errorf("init redis queue: %w", err)
		}
		return q, nil
	case QueueAMQP:
		q, err := queue.NewAMQPTaskQueue(queue.AMQPQueueConfig{
			URL:         cfg.AMQPURL,
			Queue:       cfg.QueueName,
			MaxRetries:  cfg.QueueMaxRetries,
			RetryDelay:  cfg.QueueRetryDelay,
			OnExhausted: onExhausted,
		})
		if err != nil {
			return nil, fmt.Errorf("init amqp queue: %w", err)
		}
		return q, nil
	}
	return nil, nil
}

func queueKind(backend string) string {
	switch strings.ToLower(strings.TrimSpace(backend)) {
	case QueueRedis:
		return QueueRedis
	case QueueAMQP:
		return QueueAMQP
	}
	return QueueNone
}

// StartWorkers consumes queued generation tasks in-process until ctx ends.
func (a *App) StartWorkers(ctx context.Context) {
	if a.queue == nil || a.worker == nil || !a.runWorker || a.mocks {
		return
	}
	concurrency := a.queueConcurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	slog.Info("starting generation workers", "concurrency", concurrency)
	a.queue.Start(ctx, concurrency, a.worker.ProcessTask)
}

// Close releases connections the app opened.
func (a *App) Close() {
	if a.queue != nil {
		if err := a.queue.Close(); err != nil {
			slog.Warn("close queue", "err", err)
		}
	}
	if a.ownsRedis && a.redis != nil {
		_ = a.redis.Close()
	}
	if gs, ok := a.store.(*store.GormStore); ok && gs != nil {
		_ = gs.Close()
	}
}

// Store exposes the backing store to tools that share the service wiring.
func (a *App) Store() store.Store { return a.store }

// Health is the liveness payload.
type Health struct {
	OK       bool   `json:"ok"`
	Mocks    bool   `json:"mocks"`
	FeedSize int    `json:"feedSize"`
	Store    string `json:"store"`
}

func (a *App) Health() Health {
	return Health{OK: true, Mocks: a.mocks, FeedSize: a.feedSize, Store: a.storeKind}
}

func (a *App) randFloat() float64 {
	if a.rand == nil {
		return rand.Float64()
	}
	return a.rand.Float64()
}
