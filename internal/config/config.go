package config

import "time"

// Config holds all application configuration.
// It organizes settings into logical groups for better maintainability.
type Config struct {
	Server     ServerConfig     `mapstructure:"server" validate:"required"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Dispatcher DispatcherConfig `mapstructure:"dispatcher" validate:"required"`
	LLM        LLMConfig        `mapstructure:"llm"`
	TTS        TTSConfig        `mapstructure:"tts"`
	Storage    StorageConfig    `mapstructure:"storage" validate:"required"`
	Media      MediaConfig      `mapstructure:"media" validate:"required"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
}

// ServerConfig contains all server-related configuration settings.
type ServerConfig struct {
	Port                   int    `mapstructure:"port" validate:"required,gt=0,lt=65536"`
	LogLevel               string `mapstructure:"log_level" validate:"required,oneof=debug info warn error"`
	ShutdownTimeoutSeconds int    `mapstructure:"shutdown_timeout_seconds" validate:"gte=0"`
}

// DatabaseConfig contains all database-related configuration settings.
// An empty URL selects the in-memory stores.
type DatabaseConfig struct {
	URL             string `mapstructure:"url" validate:"omitempty,url"`
	MaxOpenConns    int    `mapstructure:"max_open_conns" validate:"gte=0"`
	MaxIdleConns    int    `mapstructure:"max_idle_conns" validate:"gte=0"`
	ConnMaxLifetime int    `mapstructure:"conn_max_lifetime_minutes" validate:"gte=0"`
	Listen          bool   `mapstructure:"listen"`
}

// DispatcherConfig controls the dispatch loop and the stuck sweep.
type DispatcherConfig struct {
	IdleIntervalSeconds   int    `mapstructure:"idle_interval_seconds" validate:"gt=0"`
	ErrorBackoffSeconds   int    `mapstructure:"error_backoff_seconds" validate:"gt=0"`
	RetryBackoffMinutes   int    `mapstructure:"retry_backoff_minutes" validate:"gte=0"`
	CancelPollSeconds     int    `mapstructure:"cancel_poll_seconds" validate:"gt=0"`
	MaxRunMinutes         int    `mapstructure:"max_run_minutes" validate:"gte=0"`
	AutoStart             bool   `mapstructure:"auto_start"`
	StuckThresholdMinutes int    `mapstructure:"stuck_threshold_minutes" validate:"gt=0"`
	StuckSweepSchedule    string `mapstructure:"stuck_sweep_schedule"`
	WorkDir               string `mapstructure:"work_dir" validate:"required"`
}

// IdleInterval returns the idle sleep as a duration.
func (d DispatcherConfig) IdleInterval() time.Duration {
	return time.Duration(d.IdleIntervalSeconds) * time.Second
}

// ErrorBackoff returns the loop error sleep as a duration.
func (d DispatcherConfig) ErrorBackoff() time.Duration {
	return time.Duration(d.ErrorBackoffSeconds) * time.Second
}

// RetryBackoff returns the per-attempt retry delay unit.
func (d DispatcherConfig) RetryBackoff() time.Duration {
	return time.Duration(d.RetryBackoffMinutes) * time.Minute
}

// CancelPoll returns the cancellation watcher period.
func (d DispatcherConfig) CancelPoll() time.Duration {
	return time.Duration(d.CancelPollSeconds) * time.Second
}

// MaxRunTime returns the ceiling applied to every policy timeout. Zero
// leaves policy timeouts unchanged.
func (d DispatcherConfig) MaxRunTime() time.Duration {
	return time.Duration(d.MaxRunMinutes) * time.Minute
}

// StuckThreshold returns the age after which a PROCESSING entry is stuck.
func (d DispatcherConfig) StuckThreshold() time.Duration {
	return time.Duration(d.StuckThresholdMinutes) * time.Minute
}

// LLMConfig contains all LLM integration related settings.
// An empty API key disables the Gemini generators.
type LLMConfig struct {
	GeminiAPIKey      string  `mapstructure:"gemini_api_key"`
	ModelName         string  `mapstructure:"model_name" validate:"required_with=GeminiAPIKey"`
	ImageModelName    string  `mapstructure:"image_model_name"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second" validate:"gte=0"`
	MaxRetries        int     `mapstructure:"max_retries" validate:"gte=0,lte=10"`
	RetryDelaySeconds int     `mapstructure:"retry_delay_seconds" validate:"gte=0"`
}

// TTSConfig configures the speech synthesis collaborator.
type TTSConfig struct {
	Endpoint       string `mapstructure:"endpoint" validate:"omitempty,url"`
	APIKey         string `mapstructure:"api_key"`
	Voice          string `mapstructure:"voice"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds" validate:"gte=0"`
}

// StorageConfig selects and configures the artifact store.
type StorageConfig struct {
	Backend           string `mapstructure:"backend" validate:"required,oneof=local gcs"`
	LocalDir          string `mapstructure:"local_dir" validate:"required_if=Backend local"`
	PublicBaseURL     string `mapstructure:"public_base_url" validate:"omitempty,url"`
	Bucket            string `mapstructure:"bucket" validate:"required_if=Backend gcs"`
	Prefix            string `mapstructure:"prefix"`
	UploadConcurrency int    `mapstructure:"upload_concurrency" validate:"gt=0,lte=64"`
}

// MediaConfig configures subprocess execution for the video pipeline.
type MediaConfig struct {
	Runner      string `mapstructure:"runner" validate:"required,oneof=exec docker"`
	FFmpegPath  string `mapstructure:"ffmpeg_path" validate:"required"`
	FFprobePath string `mapstructure:"ffprobe_path" validate:"required"`
	DockerImage string `mapstructure:"docker_image" validate:"required_if=Runner docker"`
	Width       int    `mapstructure:"width" validate:"gt=0"`
	Height      int    `mapstructure:"height" validate:"gt=0"`
	FPS         int    `mapstructure:"fps" validate:"gt=0,lte=120"`
}

// TelemetryConfig toggles the OpenTelemetry providers.
type TelemetryConfig struct {
	Enabled bool `mapstructure:"enabled"`
}
