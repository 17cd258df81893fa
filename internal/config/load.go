package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable, e.g. STUDIO_SERVER_PORT.
const EnvPrefix = "STUDIO"

// Load configuration from environment variables and an optional config.yaml
// in the working directory. Environment variables take precedence over
// values from config files.
func Load() (*Config, error) {
	return LoadFrom("")
}

// LoadFrom is Load with an explicit config file path. An empty path searches
// the working directory for config.yaml; a missing file is not an error.
func LoadFrom(path string) (*Config, error) {
	// .env is optional; values already in the environment win
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to read .env file: %w", err)
	}

	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) || path != "" {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks struct-tag constraints on cfg.
func Validate(cfg *Config) error {
	validate := validator.New()
	if err := validate.Struct(cfg); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			msgs := make([]string, 0, len(fieldErrs))
			for _, fe := range fieldErrs {
				msgs = append(msgs, fmt.Sprintf("%s failed on %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("config validation failed: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("config validation failed: %w", err)
	}
	return nil
}

// Every key needs a default so AutomaticEnv can override it during Unmarshal.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.log_level", "info")
	v.SetDefault("server.shutdown_timeout_seconds", 30)

	v.SetDefault("database.url", "")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 25)
	v.SetDefault("database.conn_max_lifetime_minutes", 5)
	v.SetDefault("database.listen", true)

	v.SetDefault("dispatcher.idle_interval_seconds", 5)
	v.SetDefault("dispatcher.error_backoff_seconds", 10)
	v.SetDefault("dispatcher.retry_backoff_minutes", 5)
	v.SetDefault("dispatcher.cancel_poll_seconds", 5)
	v.SetDefault("dispatcher.max_run_minutes", 0)
	v.SetDefault("dispatcher.auto_start", true)
	v.SetDefault("dispatcher.stuck_threshold_minutes", 60)
	v.SetDefault("dispatcher.stuck_sweep_schedule", "@every 10m")
	v.SetDefault("dispatcher.work_dir", filepath.Join(os.TempDir(), "studio-queue"))

	v.SetDefault("llm.gemini_api_key", "")
	v.SetDefault("llm.model_name", "gemini-2.0-flash")
	v.SetDefault("llm.image_model_name", "imagen-3.0-generate-002")
	v.SetDefault("llm.requests_per_second", 2)
	v.SetDefault("llm.max_retries", 3)
	v.SetDefault("llm.retry_delay_seconds", 2)

	v.SetDefault("tts.endpoint", "")
	v.SetDefault("tts.api_key", "")
	v.SetDefault("tts.voice", "en-US-Standard-C")
	v.SetDefault("tts.timeout_seconds", 60)

	v.SetDefault("storage.backend", "local")
	v.SetDefault("storage.local_dir", filepath.Join(os.TempDir(), "studio-artifacts"))
	v.SetDefault("storage.public_base_url", "")
	v.SetDefault("storage.bucket", "")
	v.SetDefault("storage.prefix", "tasks")
	v.SetDefault("storage.upload_concurrency", 4)

	v.SetDefault("media.runner", "exec")
	v.SetDefault("media.ffmpeg_path", "ffmpeg")
	v.SetDefault("media.ffprobe_path", "ffprobe")
	v.SetDefault("media.docker_image", "")
	v.SetDefault("media.width", 1280)
	v.SetDefault("media.height", 720)
	v.SetDefault("media.fps", 25)

	v.SetDefault("telemetry.enabled", false)
}
