package config

import (
	"os"
	"strings"

	"github.com/spf13/viper"
)

// readSecret reads a Docker secret from a file path specified by an env var
// with _FILE suffix. If FOO is already set directly, the file is skipped.
// If FOO_FILE is set, reads the file content and sets FOO.
func readSecret(envKey string) {
	if os.Getenv(envKey) != "" {
		return
	}
	fileKey := envKey + "_FILE"
	filePath := os.Getenv(fileKey)
	if filePath == "" {
		return
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return
	}
	val := strings.TrimSpace(string(data))
	os.Setenv(envKey, val)
}

type Config struct {
	Server    ServerConfig
	Redis     RedisConfig
	Database  DatabaseConfig
	RateLimit RateLimitConfig
	Queue     QueueConfig
	Pipeline  PipelineConfig
	Budget    BudgetConfig
	Ollama    OllamaConfig
	Voice     VoiceConfig
	Caption   CaptionConfig
	Render    RenderConfig
	Artifacts ArtifactConfig
}

type ServerConfig struct {
	Port     string
	Env      string
	LogLevel string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type DatabaseConfig struct {
	Path string
}

type RateLimitConfig struct {
	SubmitPerHour int
	RefinePerMin  int
}

type QueueConfig struct {
	// MaxActiveJobs caps admitted jobs that have not reached a terminal
	// state; it also sizes the worker pool.
	MaxActiveJobs  int
	RetentionHours int
}

type PipelineConfig struct {
	MaxRetries     int
	BackoffSeconds int
}

type BudgetConfig struct {
	// TotalMB overrides the probed GPU memory when > 0.
	TotalMB int64
	// FallbackTotalMB is used when no GPU is detected. Zero keeps every
	// GPU-sized request out of the budget, which pushes stages onto their
	// CPU fallbacks.
	FallbackTotalMB int64
}

type OllamaConfig struct {
	BaseURL        string
	Model          string
	FallbackModel  string
	TimeoutSeconds int
	// EstimateMB sizes the budget lease for the primary model;
	// FallbackEstimateMB for the smaller fallback model.
	EstimateMB         int64
	FallbackEstimateMB int64
}

type VoiceConfig struct {
	Binary         string
	CloneModel     string
	PresetModel    string
	PresetSpeaker  string
	TimeoutSeconds int
	EstimateMB     int64
}

type CaptionConfig struct {
	Binary         string
	Model          string
	TimeoutSeconds int
	EstimateMB     int64
}

type RenderConfig struct {
	FFmpegBinary   string
	FFprobeBinary  string
	TimeoutSeconds int
	EstimateMB     int64
}

type ArtifactConfig struct {
	Root                 string
	RetentionHours       int
	SweepIntervalMinutes int
}

func Load() (*Config, error) {
	// Read Docker Swarm secrets from _FILE env vars before Viper binds
	readSecret("REDIS_PASSWORD")

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	// Environment variables
	viper.AutomaticEnv()

	// Bind environment variables with underscores to nested config keys
	_ = viper.BindEnv("server.port", "SERVER_PORT")
	_ = viper.BindEnv("server.env", "SERVER_ENV")
	_ = viper.BindEnv("server.log_level", "LOG_LEVEL")
	_ = viper.BindEnv("redis.addr", "REDIS_ADDR")
	_ = viper.BindEnv("redis.password", "REDIS_PASSWORD")
	_ = viper.BindEnv("redis.db", "REDIS_DB")
	_ = viper.BindEnv("database.path", "DATABASE_PATH")
	_ = viper.BindEnv("ratelimit.submit_per_hour", "RATELIMIT_SUBMIT_PER_HOUR")
	_ = viper.BindEnv("ratelimit.refine_per_min", "RATELIMIT_REFINE_PER_MIN")
	_ = viper.BindEnv("queue.max_active_jobs", "QUEUE_MAX_ACTIVE_JOBS")
	_ = viper.BindEnv("queue.retention_hours", "QUEUE_RETENTION_HOURS")
	_ = viper.BindEnv("pipeline.max_retries", "PIPELINE_MAX_RETRIES")
	_ = viper.BindEnv("pipeline.backoff_seconds", "PIPELINE_BACKOFF_SECONDS")
	_ = viper.BindEnv("budget.total_mb", "BUDGET_TOTAL_MB")
	_ = viper.BindEnv("budget.fallback_total_mb", "BUDGET_FALLBACK_TOTAL_MB")
	_ = viper.BindEnv("ollama.base_url", "OLLAMA_BASE_URL")
	_ = viper.BindEnv("ollama.model", "OLLAMA_MODEL")
	_ = viper.BindEnv("ollama.fallback_model", "OLLAMA_FALLBACK_MODEL")
	_ = viper.BindEnv("ollama.timeout_seconds", "OLLAMA_TIMEOUT_SECONDS")
	_ = viper.BindEnv("ollama.estimate_mb", "OLLAMA_ESTIMATE_MB")
	_ = viper.BindEnv("ollama.fallback_estimate_mb", "OLLAMA_FALLBACK_ESTIMATE_MB")
	_ = viper.BindEnv("voice.binary", "VOICE_TTS_BINARY")
	_ = viper.BindEnv("voice.clone_model", "VOICE_CLONE_MODEL")
	_ = viper.BindEnv("voice.preset_model", "VOICE_PRESET_MODEL")
	_ = viper.BindEnv("voice.preset_speaker", "VOICE_PRESET_SPEAKER")
	_ = viper.BindEnv("voice.timeout_seconds", "VOICE_TIMEOUT_SECONDS")
	_ = viper.BindEnv("voice.estimate_mb", "VOICE_ESTIMATE_MB")
	_ = viper.BindEnv("caption.binary", "CAPTION_WHISPER_BINARY")
	_ = viper.BindEnv("caption.model", "CAPTION_MODEL")
	_ = viper.BindEnv("caption.timeout_seconds", "CAPTION_TIMEOUT_SECONDS")
	_ = viper.BindEnv("caption.estimate_mb", "CAPTION_ESTIMATE_MB")
	_ = viper.BindEnv("render.ffmpeg_binary", "RENDER_FFMPEG_BINARY")
	_ = viper.BindEnv("render.ffprobe_binary", "RENDER_FFPROBE_BINARY")
	_ = viper.BindEnv("render.timeout_seconds", "RENDER_TIMEOUT_SECONDS")
	_ = viper.BindEnv("render.estimate_mb", "RENDER_ESTIMATE_MB")
	_ = viper.BindEnv("artifacts.root", "ARTIFACTS_ROOT")
	_ = viper.BindEnv("artifacts.retention_hours", "ARTIFACTS_RETENTION_HOURS")
	_ = viper.BindEnv("artifacts.sweep_interval_minutes", "ARTIFACTS_SWEEP_INTERVAL_MINUTES")

	// Defaults
	viper.SetDefault("server.port", "8000")
	viper.SetDefault("server.env", "development")
	viper.SetDefault("server.log_level", "info")
	viper.SetDefault("redis.addr", "localhost:6379")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("database.path", "./data/jobs.db")
	viper.SetDefault("ratelimit.submit_per_hour", 20)
	viper.SetDefault("ratelimit.refine_per_min", 10)
	viper.SetDefault("queue.max_active_jobs", 1)
	viper.SetDefault("queue.retention_hours", 24)
	viper.SetDefault("pipeline.max_retries", 2)
	viper.SetDefault("pipeline.backoff_seconds", 2)
	viper.SetDefault("budget.total_mb", 0)
	viper.SetDefault("budget.fallback_total_mb", 0)

	// Ollama defaults
	viper.SetDefault("ollama.base_url", "http://localhost:11434")
	viper.SetDefault("ollama.model", "llama3.1:8b")
	viper.SetDefault("ollama.fallback_model", "llama3.2:3b")
	viper.SetDefault("ollama.timeout_seconds", 120)
	viper.SetDefault("ollama.estimate_mb", 6000)
	viper.SetDefault("ollama.fallback_estimate_mb", 2500)

	// Voice defaults
	viper.SetDefault("voice.binary", "tts")
	viper.SetDefault("voice.clone_model", "tts_models/multilingual/multi-dataset/xtts_v2")
	viper.SetDefault("voice.preset_model", "tts_models/en/vctk/vits")
	viper.SetDefault("voice.preset_speaker", "p225")
	viper.SetDefault("voice.timeout_seconds", 300)
	viper.SetDefault("voice.estimate_mb", 2500)

	// Caption defaults
	viper.SetDefault("caption.binary", "whisper")
	viper.SetDefault("caption.model", "base")
	viper.SetDefault("caption.timeout_seconds", 300)
	viper.SetDefault("caption.estimate_mb", 2000)

	// Render defaults
	viper.SetDefault("render.ffmpeg_binary", "ffmpeg")
	viper.SetDefault("render.ffprobe_binary", "ffprobe")
	viper.SetDefault("render.timeout_seconds", 600)
	viper.SetDefault("render.estimate_mb", 512)

	// Artifact defaults
	viper.SetDefault("artifacts.root", "./artifacts")
	viper.SetDefault("artifacts.retention_hours", 72)
	viper.SetDefault("artifacts.sweep_interval_minutes", 60)

	// Try to read config file (optional)
	_ = viper.ReadInConfig()

	cfg := &Config{
		Server: ServerConfig{
			Port:     viper.GetString("server.port"),
			Env:      viper.GetString("server.env"),
			LogLevel: viper.GetString("server.log_level"),
		},
		Redis: RedisConfig{
			Addr:     viper.GetString("redis.addr"),
			Password: viper.GetString("redis.password"),
			DB:       viper.GetInt("redis.db"),
		},
		Database: DatabaseConfig{
			Path: viper.GetString("database.path"),
		},
		RateLimit: RateLimitConfig{
			SubmitPerHour: viper.GetInt("ratelimit.submit_per_hour"),
			RefinePerMin:  viper.GetInt("ratelimit.refine_per_min"),
		},
		Queue: QueueConfig{
			MaxActiveJobs:  viper.GetInt("queue.max_active_jobs"),
			RetentionHours: viper.GetInt("queue.retention_hours"),
		},
		Pipeline: PipelineConfig{
			MaxRetries:     viper.GetInt("pipeline.max_retries"),
			BackoffSeconds: viper.GetInt("pipeline.backoff_seconds"),
		},
		Budget: BudgetConfig{
			TotalMB:         viper.GetInt64("budget.total_mb"),
			FallbackTotalMB: viper.GetInt64("budget.fallback_total_mb"),
		},
		Ollama: OllamaConfig{
			BaseURL:            viper.GetString("ollama.base_url"),
			Model:              viper.GetString("ollama.model"),
			FallbackModel:      viper.GetString("ollama.fallback_model"),
			TimeoutSeconds:     viper.GetInt("ollama.timeout_seconds"),
			EstimateMB:         viper.GetInt64("ollama.estimate_mb"),
			FallbackEstimateMB: viper.GetInt64("ollama.fallback_estimate_mb"),
		},
		Voice: VoiceConfig{
			Binary:         viper.GetString("voice.binary"),
			CloneModel:     viper.GetString("voice.clone_model"),
			PresetModel:    viper.GetString("voice.preset_model"),
			PresetSpeaker:  viper.GetString("voice.preset_speaker"),
			TimeoutSeconds: viper.GetInt("voice.timeout_seconds"),
			EstimateMB:     viper.GetInt64("voice.estimate_mb"),
		},
		Caption: CaptionConfig{
			Binary:         viper.GetString("caption.binary"),
			Model:          viper.GetString("caption.model"),
			TimeoutSeconds: viper.GetInt("caption.timeout_seconds"),
			EstimateMB:     viper.GetInt64("caption.estimate_mb"),
		},
		Render: RenderConfig{
			FFmpegBinary:   viper.GetString("render.ffmpeg_binary"),
			FFprobeBinary:  viper.GetString("render.ffprobe_binary"),
			TimeoutSeconds: viper.GetInt("render.timeout_seconds"),
			EstimateMB:     viper.GetInt64("render.estimate_mb"),
		},
		Artifacts: ArtifactConfig{
			Root:                 viper.GetString("artifacts.root"),
			RetentionHours:       viper.GetInt("artifacts.retention_hours"),
			SweepIntervalMinutes: viper.GetInt("artifacts.sweep_interval_minutes"),
		},
	}

	return cfg, nil
}
