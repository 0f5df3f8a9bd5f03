// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Brain modes selectable through BRAIN_MODE.
const (
	BrainGemini = "GEMINI"
	BrainLocal  = "LOCAL"
	BrainDemo   = "DEMO"
)

// Queue backends selectable through QUEUE_BACKEND.
const (
	QueueRedis  = "redis"
	QueueSQLite = "sqlite"
)

// Config holds all application configuration.
type Config struct {
	Port        string
	FrontendURL string
	BrainMode   string

	Gemini    GeminiConfig
	Local     LocalConfig
	Memory    MemoryConfig
	Queue     QueueConfig
	Worker    WorkerConfig
	Research  ResearchConfig
	ImageGen  ImageGenConfig
	SF3D      SF3DConfig
	Stream    StreamConfig
	Timeout   TimeoutConfig
	MaxBodyKB int64
}

// GeminiConfig configures the remote brain and its credential pool.
type GeminiConfig struct {
	APIKeys          []string
	Model            string
	RotationCooldown time.Duration
}

// LocalConfig configures the Ollama-backed brain.
type LocalConfig struct {
	URL   string
	Model string
}

// MemoryConfig controls conversation history and artifact directories.
type MemoryConfig struct {
	File         string
	HistoryLimit int
	TmpDir       string
	ModelsDir    string
}

// QueueConfig selects and configures the task queue backend.
type QueueConfig struct {
	Backend       string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	DBPath        string
	ResultTTL     time.Duration
}

// WorkerConfig controls task execution.
type WorkerConfig struct {
	InProcess    int
	Concurrency  int
	ClaimWait    time.Duration
	HealthAddr   string
	// HealthTarget is the worker health endpoint the API server probes.
	// Empty disables the probe.
	HealthTarget string
	TaskTimeout  time.Duration
}

// ResearchConfig configures the web-research worker.
type ResearchConfig struct {
	TavilyAPIKey string
	TavilyURL    string
	MaxResults   int
}

// ImageGenConfig configures the HuggingFace image generation client.
type ImageGenConfig struct {
	APIToken   string
	URL        string
	RefineURL  string
	RefineRate float64
}

// SF3DConfig configures the local 3D reconstruction backend.
type SF3DConfig struct {
	URL         string
	OutputDir   string
	DockerImage string
	Container   string
	GPU         bool
	StartWait   time.Duration
}

// StreamConfig controls the task status SSE stream.
type StreamConfig struct {
	PollInterval time.Duration
	Timeout      time.Duration
	RetryDelay   time.Duration
}

// TimeoutConfig holds request-level timeouts.
type TimeoutConfig struct {
	Decompose   time.Duration
	HealthCheck time.Duration
	Shutdown    time.Duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		FrontendURL: getEnv("FRONTEND_URL", ""),
		BrainMode:   strings.ToUpper(strings.TrimSpace(getEnv("BRAIN_MODE", BrainGemini))),
		Gemini: GeminiConfig{
			APIKeys:          geminiKeys(),
			Model:            getEnv("GEMINI_MODEL_NAME", "gemini-flash-latest"),
			RotationCooldown: getEnvDuration("KEY_ROTATION_COOLDOWN", 2*time.Second),
		},
		Local: LocalConfig{
			URL:   strings.TrimRight(getEnv("OLLAMA_URL", "http://localhost:11434"), "/"),
			Model: getEnv("LOCAL_MODEL_NAME", "llama3.1:8b"),
		},
		Memory: MemoryConfig{
			File:         getEnv("MEMORY_FILE", "./data/memory.json"),
			HistoryLimit: getEnvInt("HISTORY_LIMIT", 50),
			TmpDir:       getEnv("TMP_DIR", "./data/tmp"),
			ModelsDir:    getEnv("MODELS_DIR", "./models"),
		},
		Queue: QueueConfig{
			Backend:       strings.ToLower(getEnv("QUEUE_BACKEND", QueueSQLite)),
			RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
			RedisPassword: getEnv("REDIS_PASSWORD", ""),
			RedisDB:       getEnvInt("REDIS_DB", 0),
			DBPath:        getEnv("QUEUE_DB_PATH", "./data/queue.db"),
			ResultTTL:     getEnvDuration("QUEUE_RESULT_TTL", 24*time.Hour),
		},
		Worker: WorkerConfig{
			InProcess:    getEnvInt("INPROCESS_WORKERS", 0),
			Concurrency:  getEnvInt("WORKER_CONCURRENCY", 2),
			ClaimWait:    getEnvDuration("WORKER_CLAIM_WAIT", 2*time.Second),
			HealthAddr:   getEnv("WORKER_HEALTH_ADDR", ":50051"),
			HealthTarget: getEnv("WORKER_HEALTH_TARGET", ""),
			TaskTimeout:  getEnvDuration("WORKER_TASK_TIMEOUT", 10*time.Minute),
		},
		Research: ResearchConfig{
			TavilyAPIKey: getEnv("TAVILY_API_KEY", ""),
			TavilyURL:    getEnv("TAVILY_URL", "https://api.tavily.com"),
			MaxResults:   getEnvInt("TAVILY_MAX_RESULTS", 5),
		},
		ImageGen: ImageGenConfig{
			APIToken:   getEnv("HUGGINGFACE_API_TOKEN", ""),
			URL:        getEnv("HF_IMAGE_URL", "https://router.huggingface.co/hf-inference/models/stabilityai/stable-diffusion-xl-base-1.0"),
			RefineURL:  getEnv("HF_REFINE_URL", "https://router.huggingface.co/hf-inference/models/stabilityai/stable-diffusion-xl-base-1.0"),
			RefineRate: getEnvFloat("HF_REFINE_STRENGTH", 0.75),
		},
		SF3D: SF3DConfig{
			URL:         strings.TrimRight(getEnv("SF3D_URL", "http://127.0.0.1:8188"), "/"),
			OutputDir:   getEnv("SF3D_OUTPUT_DIR", ""),
			DockerImage: getEnv("SF3D_DOCKER_IMAGE", ""),
			Container:   getEnv("SF3D_CONTAINER_NAME", "miles-sf3d"),
			GPU:         getEnvBool("SF3D_DOCKER_GPU", true),
			StartWait:   getEnvDuration("SF3D_START_WAIT", 60*time.Second),
		},
		Stream: StreamConfig{
			PollInterval: getEnvDuration("STREAM_POLL_INTERVAL", time.Second),
			Timeout:      getEnvDuration("STREAM_TIMEOUT", 10*time.Minute),
			RetryDelay:   getEnvDuration("STREAM_RETRY_DELAY", 5*time.Second),
		},
		Timeout: TimeoutConfig{
			Decompose:   getEnvDuration("DECOMPOSE_TIMEOUT", 2*time.Minute),
			HealthCheck: getEnvDuration("HEALTH_CHECK_TIMEOUT", 5*time.Second),
			Shutdown:    getEnvDuration("SHUTDOWN_TIMEOUT", 10*time.Second),
		},
		MaxBodyKB: int64(getEnvInt("MAX_REQUEST_BODY_KB", 1024)),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	switch c.BrainMode {
	case BrainGemini, BrainLocal, BrainDemo:
	default:
		return fmt.Errorf("unknown BRAIN_MODE %q", c.BrainMode)
	}
	switch c.Queue.Backend {
	case QueueRedis:
		if c.Queue.RedisAddr == "" {
			return fmt.Errorf("REDIS_ADDR cannot be empty")
		}
	case QueueSQLite:
		if c.Queue.DBPath == "" {
			return fmt.Errorf("QUEUE_DB_PATH cannot be empty")
		}
	default:
		return fmt.Errorf("unknown QUEUE_BACKEND %q", c.Queue.Backend)
	}
	if c.Memory.File == "" {
		return fmt.Errorf("MEMORY_FILE cannot be empty")
	}
	if c.Memory.HistoryLimit <= 0 {
		return fmt.Errorf("HISTORY_LIMIT must be > 0")
	}
	if c.Memory.TmpDir == "" || c.Memory.ModelsDir == "" {
		return fmt.Errorf("TMP_DIR and MODELS_DIR cannot be empty")
	}
	if c.Worker.InProcess < 0 {
		return fmt.Errorf("INPROCESS_WORKERS must be >= 0")
	}
	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("WORKER_CONCURRENCY must be > 0")
	}
	if c.Stream.PollInterval <= 0 {
		return fmt.Errorf("STREAM_POLL_INTERVAL must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

// AllowedOrigins lists the CORS origins for browser clients. FRONTEND_URL
// may hold several comma separated origins; empty allows any origin.
func (c *Config) AllowedOrigins() []string {
	var origins []string
	for _, o := range strings.Split(c.FrontendURL, ",") {
		if o = strings.TrimRight(strings.TrimSpace(o), "/"); o != "" {
			origins = append(origins, o)
		}
	}
	if len(origins) == 0 {
		return []string{"*"}
	}
	return origins
}

// geminiKeys merges GEMINI_API_KEYS (comma separated) with GEMINI_API_KEY.
// Deduplication and placeholder filtering happen in the credential pool.
func geminiKeys() []string {
	var keys []string
	for _, k := range strings.Split(getEnv("GEMINI_API_KEYS", ""), ",") {
		if k = strings.TrimSpace(k); k != "" {
			keys = append(keys, k)
		}
	}
	if k := strings.TrimSpace(getEnv("GEMINI_API_KEY", "")); k != "" {
		keys = append(keys, k)
	}
	return keys
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}

// InContainer returns true if running inside a Docker container.
func InContainer() bool {
	if getEnvBool("CONTAINER", false) {
		return true
	}
	if _, err := os.Stat("/.dockerenv"); err == nil {
		return true
	}
	return false
}
