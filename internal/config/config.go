// Package config defines the engine's typed configuration surface, loaded
// from environment variables with sane defaults.
package config

import (
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Config is the full set of tunable knobs for one engine process.
type Config struct {
	LLMProvider     string
	LLMAPIURL       string
	LLMAPIKey       string
	LLMModel        string
	LLMTimeout      time.Duration
	LLMRetries      int
	LLMBackoffBase  time.Duration
	LLMMock         bool

	EmbeddingAPIURL    string
	EmbeddingModel     string
	EmbeddingDimension int
	EmbeddingBatchSize int
	EmbeddingMaxRetries int
	EmbeddingRetryDelay time.Duration
	EmbeddingTimeout    time.Duration

	EmbeddingCacheSize       int
	EmbeddingCachePersistent bool

	ContextDefaultMaxChars        int
	ContextDefaultPerSectionMax   int
	ContextDefaultStrategy        string
	ContextSemanticDefaultK       int
	ContextSemanticMinSimilarity  float64

	SchedulerParallelism     int
	SchedulerDefaultStrategy string

	EvaluationQualityThreshold float64
	EvaluationMaxIterations    int

	HTTPAddr               string
	HTTPTokenSecret        string
	HTTPRateLimitCapacity  int
	HTTPRateLimitFillRate  float64
	HTTPRateLimitWindow    time.Duration
	HTTPRateLimitPerWindow int

	JobsNATSURL string

	DataDir string
}

// Default returns the configuration with every knob at its documented default.
func Default() *Config {
	return &Config{
		LLMProvider:    "mock",
		LLMAPIURL:      "http://localhost:9000",
		LLMModel:       "default",
		LLMTimeout:     30 * time.Second,
		LLMRetries:     3,
		LLMBackoffBase: 500 * time.Millisecond,
		LLMMock:        true,

		EmbeddingAPIURL:     "http://localhost:9001",
		EmbeddingModel:      "default",
		EmbeddingDimension:  1024,
		EmbeddingBatchSize:  32,
		EmbeddingMaxRetries: 3,
		EmbeddingRetryDelay: 500 * time.Millisecond,
		EmbeddingTimeout:    15 * time.Second,

		EmbeddingCacheSize:       10000,
		EmbeddingCachePersistent: true,

		ContextDefaultMaxChars:       0,
		ContextDefaultPerSectionMax:  0,
		ContextDefaultStrategy:       "truncate",
		ContextSemanticDefaultK:      5,
		ContextSemanticMinSimilarity: 0.0,

		SchedulerParallelism:     4,
		SchedulerDefaultStrategy: "dag",

		EvaluationQualityThreshold: 0.8,
		EvaluationMaxIterations:    3,

		HTTPAddr:               ":8080",
		HTTPTokenSecret:        "dev-secret-change-me",
		HTTPRateLimitCapacity:  50,
		HTTPRateLimitFillRate:  10,
		HTTPRateLimitWindow:    time.Minute,
		HTTPRateLimitPerWindow: 600,

		DataDir: "./data",
	}
}

// FromEnv overlays environment variables onto the defaults.
func FromEnv() *Config {
	c := Default()
	c.LLMProvider = getEnvDefault("ENGINE_LLM_PROVIDER", c.LLMProvider)
	c.LLMAPIURL = getEnvDefault("ENGINE_LLM_API_URL", c.LLMAPIURL)
	c.LLMAPIKey = getEnvDefault("ENGINE_LLM_API_KEY", c.LLMAPIKey)
	c.LLMModel = getEnvDefault("ENGINE_LLM_MODEL", c.LLMModel)
	c.LLMTimeout = getEnvDuration("ENGINE_LLM_TIMEOUT", c.LLMTimeout)
	c.LLMRetries = getEnvInt("ENGINE_LLM_RETRIES", c.LLMRetries)
	c.LLMBackoffBase = getEnvDuration("ENGINE_LLM_BACKOFF_BASE", c.LLMBackoffBase)
	c.LLMMock = getEnvBool("ENGINE_LLM_MOCK", c.LLMMock)

	c.EmbeddingAPIURL = getEnvDefault("ENGINE_EMBEDDING_API_URL", c.EmbeddingAPIURL)
	c.EmbeddingModel = getEnvDefault("ENGINE_EMBEDDING_MODEL", c.EmbeddingModel)
	c.EmbeddingDimension = getEnvInt("ENGINE_EMBEDDING_DIMENSION", c.EmbeddingDimension)
	c.EmbeddingBatchSize = getEnvInt("ENGINE_EMBEDDING_BATCH_SIZE", c.EmbeddingBatchSize)
	c.EmbeddingMaxRetries = getEnvInt("ENGINE_EMBEDDING_MAX_RETRIES", c.EmbeddingMaxRetries)
	c.EmbeddingRetryDelay = getEnvDuration("ENGINE_EMBEDDING_RETRY_DELAY", c.EmbeddingRetryDelay)
	c.EmbeddingTimeout = getEnvDuration("ENGINE_EMBEDDING_TIMEOUT", c.EmbeddingTimeout)

	c.EmbeddingCacheSize = getEnvInt("ENGINE_EMBEDDING_CACHE_SIZE", c.EmbeddingCacheSize)
	c.EmbeddingCachePersistent = getEnvBool("ENGINE_EMBEDDING_CACHE_PERSISTENT", c.EmbeddingCachePersistent)

	c.ContextDefaultMaxChars = getEnvInt("ENGINE_CONTEXT_DEFAULT_MAX_CHARS", c.ContextDefaultMaxChars)
	c.ContextDefaultPerSectionMax = getEnvInt("ENGINE_CONTEXT_DEFAULT_PER_SECTION_MAX", c.ContextDefaultPerSectionMax)
	c.ContextDefaultStrategy = getEnvDefault("ENGINE_CONTEXT_DEFAULT_STRATEGY", c.ContextDefaultStrategy)
	c.ContextSemanticDefaultK = getEnvInt("ENGINE_CONTEXT_SEMANTIC_DEFAULT_K", c.ContextSemanticDefaultK)
	c.ContextSemanticMinSimilarity = getEnvFloat("ENGINE_CONTEXT_SEMANTIC_MIN_SIMILARITY", c.ContextSemanticMinSimilarity)

	c.SchedulerParallelism = getEnvInt("ENGINE_SCHEDULER_PARALLELISM", c.SchedulerParallelism)
	c.SchedulerDefaultStrategy = getEnvDefault("ENGINE_SCHEDULER_DEFAULT_STRATEGY", c.SchedulerDefaultStrategy)

	c.EvaluationQualityThreshold = getEnvFloat("ENGINE_EVALUATION_QUALITY_THRESHOLD", c.EvaluationQualityThreshold)
	c.EvaluationMaxIterations = getEnvInt("ENGINE_EVALUATION_MAX_ITERATIONS", c.EvaluationMaxIterations)

	c.DataDir = getEnvDefault("ENGINE_DATA_DIR", c.DataDir)
	return c
}

// WatchFile watches path and, on every write or create event for it, calls
// apply with a Config rebuilt by FromEnv. The file's contents are not read:
// only environment variables feed the Config passed to apply.
func WatchFile(path string, apply func(*Config)) (func() error, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(path); err != nil {
		_ = watcher.Close()
		return nil, err
	}
	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
					slog.Info("config file changed, reloading", "path", path)
					apply(FromEnv())
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Warn("config watcher error", "error", err)
			}
		}
	}()
	return watcher.Close, nil
}

func getEnvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
