package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/bobarin/renderd/internal/models"
)

type Config struct {
	// Server
	APIPort            string
	CorsAllowedOrigins string // Comma-separated allowed origins (empty = *, dev mode)
	ShutdownTimeout    time.Duration

	// Logging
	LogLevel  string
	LogFormat string

	// Engine
	FFmpegPath  string
	FFprobePath string

	// Workspace
	WorkspaceRoot   string
	DiskQuotaBytes  int64  // 0 = unlimited
	JanitorSchedule string // cron spec for stale workspace cleanup

	// Concurrency
	MaxActiveJobs     int
	MaxQueuedJobs     int
	RenderConcurrency int
	FetchConcurrency  int
	JobTimeout        time.Duration

	// Fetching
	FetchTimeout    time.Duration
	FetchMaxRetries int
	MaxAssetBytes   int64

	// Encoding
	NormalizePreset      string
	NormalizeCRF         int
	NormalizeConcurrency int
	RenderPreset         string
	RenderCRF            int
	RenderTimeoutFactor  float64
	RenderTimeoutMin     time.Duration
	KenBurnsOversample   int

	// Output defaults
	OutputWidth          int
	OutputHeight         int
	OutputFPS            int
	DefaultSceneDuration time.Duration
	NarrationTailPad     time.Duration

	// Audio
	BGMVolume           float64
	BackgroundMusicPath string // Path to default background music file

	// Overlays
	SubtitleFont string
	FontsDir     string

	// Storage
	StorageProvider     string // supabase | s3 | localfs
	StorageBucket       string
	SupabaseURL         string
	SupabaseServiceKey  string
	S3Region            string
	S3Endpoint          string
	S3PublicBaseURL     string
	S3UsePathStyle      bool
	StorageLocalRoot    string
	StorageLocalBaseURL string
	UploadMaxRetries    int

	// Status store (empty RedisURL = in-memory)
	RedisURL  string
	StatusTTL time.Duration
}

func Load() (*Config, error) {
	// Load .env file if it exists (ignore error in production)
	_ = godotenv.Load()

	cfg := &Config{
		APIPort:            getEnv("API_PORT", "8080"),
		CorsAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", ""),
		ShutdownTimeout:    getEnvDuration("SHUTDOWN_TIMEOUT", 60*time.Second),

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),

		FFmpegPath:  getEnv("FFMPEG_PATH", "ffmpeg"),
		FFprobePath: getEnv("FFPROBE_PATH", "ffprobe"),

		WorkspaceRoot:   getEnv("WORKSPACE_ROOT", "/tmp/renderd"),
		DiskQuotaBytes:  getEnvInt64("DISK_QUOTA_BYTES", 0),
		JanitorSchedule: getEnv("JANITOR_SCHEDULE", "@every 5m"),

		MaxActiveJobs:     getEnvInt("MAX_ACTIVE_JOBS", 4),
		MaxQueuedJobs:     getEnvInt("MAX_QUEUED_JOBS", 16),
		RenderConcurrency: getEnvInt("RENDER_CONCURRENCY", 1),
		FetchConcurrency:  getEnvInt("FETCH_CONCURRENCY", 6),
		JobTimeout:        getEnvDuration("JOB_TIMEOUT", 30*time.Minute),

		FetchTimeout:    getEnvDuration("FETCH_TIMEOUT", 60*time.Second),
		FetchMaxRetries: getEnvInt("FETCH_MAX_RETRIES", 3),
		MaxAssetBytes:   getEnvInt64("MAX_ASSET_BYTES", 500<<20),

		NormalizePreset:      getEnv("NORMALIZE_PRESET", "ultrafast"),
		NormalizeCRF:         getEnvInt("NORMALIZE_CRF", 28),
		NormalizeConcurrency: getEnvInt("NORMALIZE_CONCURRENCY", 1),
		RenderPreset:         getEnv("RENDER_PRESET", "medium"),
		RenderCRF:            getEnvInt("RENDER_CRF", 20),
		RenderTimeoutFactor:  getEnvFloat("RENDER_TIMEOUT_FACTOR", 10),
		RenderTimeoutMin:     getEnvDuration("RENDER_TIMEOUT_MIN", 2*time.Minute),
		KenBurnsOversample:   getEnvInt("KENBURNS_OVERSAMPLE", 2),

		OutputWidth:          getEnvInt("OUTPUT_WIDTH", 1080),
		OutputHeight:         getEnvInt("OUTPUT_HEIGHT", 1920),
		OutputFPS:            getEnvInt("OUTPUT_FPS", 30),
		DefaultSceneDuration: getEnvDuration("DEFAULT_SCENE_DURATION", 5*time.Second),
		NarrationTailPad:     getEnvDuration("NARRATION_TAIL_PAD", 300*time.Millisecond),

		BGMVolume:           getEnvFloat("BGM_VOLUME", 0.12),
		BackgroundMusicPath: getEnv("DEFAULT_BGM_PATH", ""),

		SubtitleFont: getEnv("SUBTITLE_FONT", "Noto Sans CJK KR"),
		FontsDir:     getEnv("FONTS_DIR", ""),

		StorageProvider:     strings.ToLower(getEnv("STORAGE_PROVIDER", "supabase")),
		StorageBucket:       getEnv("STORAGE_BUCKET", "renders"),
		SupabaseURL:         getEnv("SUPABASE_URL", ""),
		SupabaseServiceKey:  getEnv("SUPABASE_SERVICE_KEY", ""),
		S3Region:            getEnv("S3_REGION", "us-east-1"),
		S3Endpoint:          getEnv("S3_ENDPOINT", ""),
		S3PublicBaseURL:     getEnv("S3_PUBLIC_BASE_URL", ""),
		S3UsePathStyle:      getEnvBool("S3_USE_PATH_STYLE", false),
		StorageLocalRoot:    getEnv("STORAGE_LOCAL_ROOT", "./published"),
		StorageLocalBaseURL: getEnv("STORAGE_LOCAL_BASE_URL", "http://localhost:8080/files"),
		UploadMaxRetries:    getEnvInt("UPLOAD_MAX_RETRIES", 4),

		RedisURL:  getEnv("REDIS_URL", ""),
		StatusTTL: getEnvDuration("STATUS_TTL", 24*time.Hour),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the settings that would otherwise fail deep inside a job.
func (c *Config) Validate() error {
	if c.MaxActiveJobs < 1 {
		return fmt.Errorf("MAX_ACTIVE_JOBS must be at least 1")
	}
	if c.MaxQueuedJobs < 0 {
		return fmt.Errorf("MAX_QUEUED_JOBS must not be negative")
	}
	if c.RenderConcurrency < 1 {
		return fmt.Errorf("RENDER_CONCURRENCY must be at least 1")
	}
	if c.FetchConcurrency < 1 {
		return fmt.Errorf("FETCH_CONCURRENCY must be at least 1")
	}
	if c.OutputWidth <= 0 || c.OutputHeight <= 0 || c.OutputFPS <= 0 {
		return fmt.Errorf("OUTPUT_WIDTH, OUTPUT_HEIGHT and OUTPUT_FPS must be positive")
	}
	if c.OutputWidth%2 != 0 || c.OutputHeight%2 != 0 {
		return fmt.Errorf("output dimensions must be even for yuv420p")
	}
	if c.NormalizeConcurrency < 1 {
		return fmt.Errorf("NORMALIZE_CONCURRENCY must be at least 1")
	}
	if c.KenBurnsOversample < 1 {
		return fmt.Errorf("KENBURNS_OVERSAMPLE must be at least 1")
	}
	if c.DefaultSceneDuration <= 0 {
		return fmt.Errorf("DEFAULT_SCENE_DURATION must be positive")
	}
	if c.RenderTimeoutFactor <= 0 {
		return fmt.Errorf("RENDER_TIMEOUT_FACTOR must be positive")
	}

	switch c.StorageProvider {
	case "supabase":
		if c.SupabaseURL == "" || c.SupabaseServiceKey == "" {
			return fmt.Errorf("SUPABASE_URL and SUPABASE_SERVICE_KEY are required")
		}
	case "s3":
		if c.S3Region == "" && c.S3Endpoint == "" {
			return fmt.Errorf("S3_REGION or S3_ENDPOINT is required for the s3 provider")
		}
	case "localfs":
		if c.StorageLocalRoot == "" {
			return fmt.Errorf("STORAGE_LOCAL_ROOT is required for the localfs provider")
		}
	default:
		return fmt.Errorf("unknown STORAGE_PROVIDER %q", c.StorageProvider)
	}

	return nil
}

// RenderDefaults are the job settings a request starts from.
func (c *Config) RenderDefaults() models.Settings {
	return models.Settings{
		Width:         c.OutputWidth,
		Height:        c.OutputHeight,
		FPS:           c.OutputFPS,
		Font:          c.SubtitleFont,
		BGMPath:       c.BackgroundMusicPath,
		BGMVolume:     c.BGMVolume,
		EffectMode:    "random",
		DefaultLength: c.DefaultSceneDuration.Seconds(),
		TailPad:       c.NarrationTailPad.Seconds(),
		Bucket:        c.StorageBucket,
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		b, err := strconv.ParseBool(value)
		if err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		i, err := strconv.Atoi(value)
		if err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		i, err := strconv.ParseInt(value, 10, 64)
		if err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		f, err := strconv.ParseFloat(value, 64)
		if err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go durations ("90s") or plain seconds ("0.3").
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if f, err := strconv.ParseFloat(value, 64); err == nil {
		return time.Duration(f * float64(time.Second))
	}
	return defaultValue
}
