package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ConfigPath is the default config file, overridable with FEED_CONFIG.
var ConfigPath = configPathFromEnv()

func configPathFromEnv() string {
	if v := strings.TrimSpace(os.Getenv("FEED_CONFIG")); v != "" {
		return v
	}
	return "config.yaml"
}

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port     string `yaml:"port"`
	LogLevel string `yaml:"logLevel"`

	EnableMocks       bool     `yaml:"enableMocks"`
	GenerateTimeoutMs int      `yaml:"generateTimeoutMs"`
	FeedSize          int      `yaml:"feedSize"`
	FeedShareInterest float64  `yaml:"feedShareInterest"`
	FeedShareExplore  float64  `yaml:"feedShareExplore"`
	FeedShareTrending float64  `yaml:"feedShareTrending"`
	TrendingPrompts   []string `yaml:"trendingPrompts"`
	AutoFill          bool     `yaml:"autoFill"`
	Blocklist         []string `yaml:"blocklist"`

	DatabaseURL         string `yaml:"databaseURL"`
	FeedIndexCap        int    `yaml:"feedIndexCap"`
	FallbackCap         int    `yaml:"fallbackCap"`
	SessionBudgetImages int    `yaml:"sessionBudgetImages"`
	SessionBudgetVideos int    `yaml:"sessionBudgetVideos"`

	RedisAddr              string `yaml:"redisAddr"`
	RedisPassword          string `yaml:"redisPassword"`
	QueueBackend           string `yaml:"queueBackend"`
	AMQPURL                string `yaml:"amqpURL"`
	QueueName              string `yaml:"queueName"`
	QueueGroup             string `yaml:"queueGroup"`
	QueueConcurrency       int    `yaml:"queueConcurrency"`
	QueueMaxRetries        int    `yaml:"queueMaxRetries"`
	QueueRetryDelaySeconds int    `yaml:"queueRetryDelaySeconds"`
	RunWorker              bool   `yaml:"runWorker"`

	MinioEndpoint  string `yaml:"minioEndpoint"`
	MinioAccessKey string `yaml:"minioAccessKey"`
	MinioSecretKey string `yaml:"minioSecretKey"`
	MinioBucket    string `yaml:"minioBucket"`
	MinioUseSSL    bool   `yaml:"minioUseSSL"`

	RendererBaseURL        string `yaml:"rendererBaseURL"`
	RendererAPIKey         string `yaml:"rendererAPIKey"`
	RendererModel          string `yaml:"rendererModel"`
	RendererTimeoutSeconds int    `yaml:"rendererTimeoutSeconds"`

	GenerationRateLimitPerMinute int  `yaml:"generationRateLimitPerMinute"`
	EnforceGenerationBudget      bool `yaml:"enforceGenerationBudget"`

	InternalJWTPublicKeyPath    string   `yaml:"internalJwtPublicKeyPath"`
	InternalJWTVerifyPublicKeys string   `yaml:"internalJwtVerifyPublicKeys"`
	InternalJWTKeyID            string   `yaml:"internalJwtKeyId"`
	InternalJWTIssuers          []string `yaml:"internalJwtIssuers"`
	TrustedProxies              []string `yaml:"trustedProxies"`
}

// Defaults returns the values used for keys missing from the file.
func Defaults() FileConfig {
	return FileConfig{
		Port:                   "8080",
		LogLevel:               "info",
		EnableMocks:            true,
		GenerateTimeoutMs:      800,
		FeedSize:               50,
		FeedShareInterest:      0.60,
		FeedShareExplore:       0.25,
		FeedShareTrending:      0.15,
		TrendingPrompts:        []string{"neon cyberpunk streets", "cozy rainy cafe", "surreal underwater city"},
		FeedIndexCap:           100,
		FallbackCap:            50,
		SessionBudgetImages:    3,
		SessionBudgetVideos:    1,
		QueueBackend:           "none",
		QueueName:              "feed:generate",
		QueueGroup:             "feed-workers",
		QueueConcurrency:       2,
		QueueMaxRetries:        3,
		QueueRetryDelaySeconds: 5,
		RunWorker:              true,
		RendererTimeoutSeconds: 120,
		InternalJWTKeyID:       "internal-active",
		InternalJWTIssuers:     []string{"task-pusher"},
	}
}

// Load reads config from path (defaults to ConfigPath). A missing file is
// not an error; defaults and environment overrides still apply.
func Load(path string) (FileConfig, error) {
	cfg := Defaults()
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return cfg, fmt.Errorf("read config: %w", err)
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}
	env, err := loadDotEnv()
	if err != nil {
		return cfg, err
	}
	env.apply(&cfg)
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// envSource resolves overrides from the process environment first, then
// from the optional dotenv file.
type envSource map[string]string

// loadDotEnv reads FEED_DOTENV (default .env). A missing file yields an
// empty source; the process environment is never modified.
func loadDotEnv() (envSource, error) {
	path := strings.TrimSpace(os.Getenv("FEED_DOTENV"))
	if path == "" {
		path = ".env"
	}
	values, err := godotenv.Read(path)
	if errors.Is(err, os.ErrNotExist) {
		return envSource{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read dotenv: %w", err)
	}
	return envSource(values), nil
}

func (e envSource) get(key string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return e[key]
}

// apply overrides file values. Unparseable numbers and booleans are ignored.
func (e envSource) apply(cfg *FileConfig) {
	e.setString(&cfg.Port, "PORT")
	e.setString(&cfg.LogLevel, "LOG_LEVEL")
	e.setBool(&cfg.EnableMocks, "ENABLE_MOCKS")
	e.setInt(&cfg.GenerateTimeoutMs, "GENERATE_TIMEOUT_MS")
	e.setInt(&cfg.FeedSize, "FEED_SIZE")
	e.setFloat(&cfg.FeedShareInterest, "FEED_SHARE_INTEREST")
	e.setFloat(&cfg.FeedShareExplore, "FEED_SHARE_EXPLORE")
	e.setFloat(&cfg.FeedShareTrending, "FEED_SHARE_TRENDING")
	if v := e.get("TRENDING_PROMPTS"); v != "" {
		cfg.TrendingPrompts = splitCSV(v)
	}
	e.setBool(&cfg.AutoFill, "AUTO_FILL")
	if v := e.get("MODERATION_BLOCKLIST"); v != "" {
		cfg.Blocklist = splitCSV(v)
	}

	e.setString(&cfg.DatabaseURL, "DATABASE_URL")
	e.setInt(&cfg.FeedIndexCap, "FEED_INDEX_CAP")
	e.setInt(&cfg.FallbackCap, "FALLBACK_CAP")
	e.setInt(&cfg.SessionBudgetImages, "SESSION_BUDGET_IMAGES")
	e.setInt(&cfg.SessionBudgetVideos, "SESSION_BUDGET_VIDEOS")

	e.setString(&cfg.RedisAddr, "REDIS_ADDR")
	e.setString(&cfg.RedisPassword, "REDIS_PASSWORD")
	e.setString(&cfg.QueueBackend, "QUEUE_BACKEND")
	e.setString(&cfg.AMQPURL, "AMQP_URL")
	e.setString(&cfg.QueueName, "QUEUE_NAME")
	e.setString(&cfg.QueueGroup, "QUEUE_GROUP")
	e.setInt(&cfg.QueueConcurrency, "QUEUE_CONCURRENCY")
	e.setInt(&cfg.QueueMaxRetries, "QUEUE_MAX_RETRIES")
	e.setInt(&cfg.QueueRetryDelaySeconds, "QUEUE_RETRY_DELAY_SECONDS")
	e.setBool(&cfg.RunWorker, "RUN_WORKER")

	e.setString(&cfg.MinioEndpoint, "MINIO_ENDPOINT")
	e.setString(&cfg.MinioAccessKey, "MINIO_ACCESS_KEY")
	e.setString(&cfg.MinioSecretKey, "MINIO_SECRET_KEY")
	e.setString(&cfg.MinioBucket, "MINIO_BUCKET")
	e.setBool(&cfg.MinioUseSSL, "MINIO_USE_SSL")

	e.setString(&cfg.RendererBaseURL, "RENDERER_BASE_URL")
	e.setString(&cfg.RendererAPIKey, "RENDERER_API_KEY")
	e.setString(&cfg.RendererModel, "RENDERER_MODEL")
	e.setInt(&cfg.RendererTimeoutSeconds, "RENDERER_TIMEOUT_SECONDS")

	e.setInt(&cfg.GenerationRateLimitPerMinute, "GENERATION_RATE_LIMIT_PER_MINUTE")
	e.setBool(&cfg.EnforceGenerationBudget, "ENFORCE_GENERATION_BUDGET")

	e.setString(&cfg.InternalJWTPublicKeyPath, "INTERNAL_JWT_PUBLIC_KEY_PATH")
	e.setString(&cfg.InternalJWTVerifyPublicKeys, "INTERNAL_JWT_VERIFY_PUBLIC_KEYS")
	e.setString(&cfg.InternalJWTKeyID, "INTERNAL_JWT_KEY_ID")
	if v := e.get("INTERNAL_JWT_ISSUERS"); v != "" {
		cfg.InternalJWTIssuers = splitCSV(v)
	}
	if v := e.get("TRUSTED_PROXIES"); v != "" {
		cfg.TrustedProxies = splitCSV(v)
	}
	cfg.QueueBackend = strings.ToLower(strings.TrimSpace(cfg.QueueBackend))
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml or PORT)")
	}
	if cfg.FeedSize <= 0 {
		return errors.New("config: feedSize must be > 0")
	}
	if cfg.GenerateTimeoutMs < 0 {
		return errors.New("config: generateTimeoutMs must be >= 0")
	}
	for name, share := range map[string]float64{
		"feedShareInterest": cfg.FeedShareInterest,
		"feedShareExplore":  cfg.FeedShareExplore,
		"feedShareTrending": cfg.FeedShareTrending,
	} {
		if share < 0 || share > 1 {
			return fmt.Errorf("config: %s must be between 0 and 1", name)
		}
	}
	if cfg.SessionBudgetImages < 0 || cfg.SessionBudgetVideos < 0 {
		return errors.New("config: session budgets must be >= 0")
	}
	switch cfg.QueueBackend {
	case "", "none":
	case "redis":
		if cfg.RedisAddr == "" {
			return errors.New("config: redisAddr is required when queueBackend=redis")
		}
	case "amqp":
		if cfg.AMQPURL == "" {
			return errors.New("config: amqpURL is required when queueBackend=amqp")
		}
	default:
		return fmt.Errorf("config: unknown queueBackend %q (none, redis, amqp)", cfg.QueueBackend)
	}
	if cfg.GenerationRateLimitPerMinute < 0 {
		return errors.New("config: generationRateLimitPerMinute must be >= 0")
	}
	if cfg.GenerationRateLimitPerMinute > 0 && cfg.RedisAddr == "" {
		return errors.New("config: generation rate limiting requires redisAddr")
	}
	if !cfg.EnableMocks {
		if cfg.RendererBaseURL == "" || cfg.RendererModel == "" {
			return errors.New("config: rendererBaseURL and rendererModel are required when enableMocks=false")
		}
		if cfg.MinioEndpoint == "" || cfg.MinioAccessKey == "" || cfg.MinioSecretKey == "" || cfg.MinioBucket == "" {
			return errors.New("config: minio settings are required when enableMocks=false")
		}
	}
	return nil
}

func (e envSource) setString(dst *string, key string) {
	if v := e.get(key); v != "" {
		*dst = v
	}
}

func (e envSource) setInt(dst *int, key string) {
	if v := e.get(key); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			*dst = n
		}
	}
}

func (e envSource) setFloat(dst *float64, key string) {
	if v := e.get(key); v != "" {
		if n, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			*dst = n
		}
	}
}

func (e envSource) setBool(dst *bool, key string) {
	if v := e.get(key); v != "" {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			*dst = b
		}
	}
}

func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}
