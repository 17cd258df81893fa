package gemini

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/phrazzld/studio-queue/internal/config"
	"github.com/phrazzld/studio-queue/internal/generation"
)

// validateConfig checks the settings a live client needs. Out-of-range retry
// settings are not fatal; defaults are used instead.
func validateConfig(ctx context.Context, logger *slog.Logger, cfg config.LLMConfig) error {
	if cfg.GeminiAPIKey == "" {
		return fmt.Errorf("%w: gemini API key cannot be empty", generation.ErrInvalidConfig)
	}
	if cfg.ModelName == "" {
		return fmt.Errorf("%w: model name cannot be empty", generation.ErrInvalidConfig)
	}

	if cfg.MaxRetries < 0 {
		logger.WarnContext(ctx, "Invalid MaxRetries value",
			"value", cfg.MaxRetries,
			"action", "using default value")
	}
	if cfg.RetryDelaySeconds <= 0 {
		logger.WarnContext(ctx, "Invalid RetryDelaySeconds value",
			"value", cfg.RetryDelaySeconds,
			"action", "using default value")
	}
	return nil
}
