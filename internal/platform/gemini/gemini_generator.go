package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/phrazzld/studio-queue/internal/config"
	"github.com/phrazzld/studio-queue/internal/generation"
	"github.com/sethvargo/go-retry"
	"golang.org/x/time/rate"
	"google.golang.org/genai"
)

// Defaults applied when configuration leaves a knob unset
const (
	defaultMaxRetries = 3
	defaultRetryDelay = 2 * time.Second
	defaultImageModel = "imagen-3.0-generate-002"
)

// modelsAPI is the subset of genai.Models used by Generator.
type modelsAPI interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
	GenerateImages(ctx context.Context, model string, prompt string, config *genai.GenerateImagesConfig) (*genai.GenerateImagesResponse, error)
}

// Generator implements generation.TextGenerator and generation.ImageGenerator.
type Generator struct {
	logger     *slog.Logger
	models     modelsAPI
	model      string
	imageModel string
	limiter    *rate.Limiter
	maxRetries uint64
	retryDelay time.Duration
}

var (
	_ generation.TextGenerator  = (*Generator)(nil)
	_ generation.ImageGenerator = (*Generator)(nil)
)

// NewGenerator creates a Generator backed by a live Gemini client.
func NewGenerator(ctx context.Context, logger *slog.Logger, cfg config.LLMConfig) (*Generator, error) {
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if err := validateConfig(ctx, logger, cfg); err != nil {
		return nil, err
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.GeminiAPIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create Gemini client: %v", generation.ErrInvalidConfig, err)
	}

	return newGenerator(logger, cfg, client.Models), nil
}

func newGenerator(logger *slog.Logger, cfg config.LLMConfig, models modelsAPI) *Generator {
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	maxRetries := cfg.MaxRetries
	if maxRetries < 0 {
		maxRetries = defaultMaxRetries
	}
	delay := time.Duration(cfg.RetryDelaySeconds) * time.Second
	if delay <= 0 {
		delay = defaultRetryDelay
	}
	imageModel := cfg.ImageModelName
	if imageModel == "" {
		imageModel = defaultImageModel
	}

	return &Generator{
		logger:     logger.With(slog.String("component", "gemini")),
		models:     models,
		model:      cfg.ModelName,
		imageModel: imageModel,
		limiter:    rate.NewLimiter(limit, 1),
		maxRetries: uint64(maxRetries),
		retryDelay: delay,
	}
}

// GenerateJSON implements generation.TextGenerator.
func (g *Generator) GenerateJSON(ctx context.Context, prompt string, out any) error {
	text, err := g.generate(ctx, prompt, &genai.GenerateContentConfig{ResponseMIMEType: "application/json"})
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(stripCodeFence(text)), out); err != nil {
		return fmt.Errorf("%w: failed to parse JSON response: %v", generation.ErrInvalidResponse, err)
	}
	return nil
}

// GenerateText implements generation.TextGenerator.
func (g *Generator) GenerateText(ctx context.Context, prompt string) (string, error) {
	return g.generate(ctx, prompt, nil)
}

// GenerateImage implements generation.ImageGenerator.
func (g *Generator) GenerateImage(ctx context.Context, prompt string) (*generation.Image, error) {
	if strings.TrimSpace(prompt) == "" {
		return nil, ErrEmptyPrompt
	}

	var img *generation.Image
	err := retry.Do(ctx, g.backoff(), func(ctx context.Context) error {
		if err := g.limiter.Wait(ctx); err != nil {
			return err
		}
		resp, err := g.models.GenerateImages(ctx, g.imageModel, prompt, nil)
		if err != nil {
			g.logger.WarnContext(ctx, "Gemini image call failed", "error", err)
			return retry.RetryableError(fmt.Errorf("%w: %v", generation.ErrTransientFailure, err))
		}
		img, err = extractImage(resp)
		return err
	})
	if err != nil {
		return nil, err
	}
	return img, nil
}

func (g *Generator) generate(ctx context.Context, prompt string, cfg *genai.GenerateContentConfig) (string, error) {
	if strings.TrimSpace(prompt) == "" {
		return "", ErrEmptyPrompt
	}

	attempt := 0
	var text string
	err := retry.Do(ctx, g.backoff(), func(ctx context.Context) error {
		attempt++
		if err := g.limiter.Wait(ctx); err != nil {
			return err
		}
		g.logger.DebugContext(ctx, "Making Gemini API call",
			"attempt", attempt,
			"model", g.model,
			"prompt_length", len(prompt))

		resp, err := g.models.GenerateContent(ctx, g.model, genai.Text(prompt), cfg)
		if err != nil {
			g.logger.WarnContext(ctx, "Gemini API call failed",
				"attempt", attempt,
				"error", err)
			return retry.RetryableError(fmt.Errorf("%w: %v", generation.ErrTransientFailure, err))
		}
		text, err = extractText(resp)
		return err
	})
	if err != nil {
		return "", err
	}
	return text, nil
}

func (g *Generator) backoff() retry.Backoff {
	b := retry.NewExponential(g.retryDelay)
	b = retry.WithJitterPercent(25, b)
	return retry.WithMaxRetries(g.maxRetries, b)
}

// extractText concatenates the text parts of the first candidate.
func extractText(resp *genai.GenerateContentResponse) (string, error) {
	if resp == nil || len(resp.Candidates) == 0 {
		return "", fmt.Errorf("%w: no content generated", generation.ErrInvalidResponse)
	}
	candidate := resp.Candidates[0]
	if candidate.FinishReason == genai.FinishReasonSafety {
		return "", fmt.Errorf("%w: finish reason %s", generation.ErrContentBlocked, candidate.FinishReason)
	}
	if candidate.Content == nil {
		return "", fmt.Errorf("%w: empty content in response", generation.ErrInvalidResponse)
	}

	var sb strings.Builder
	for _, part := range candidate.Content.Parts {
		if part != nil {
			sb.WriteString(part.Text)
		}
	}
	if sb.Len() == 0 {
		return "", fmt.Errorf("%w: response has no text", generation.ErrInvalidResponse)
	}
	return sb.String(), nil
}

func extractImage(resp *genai.GenerateImagesResponse) (*generation.Image, error) {
	if resp == nil || len(resp.GeneratedImages) == 0 {
		return nil, fmt.Errorf("%w: no image generated", generation.ErrContentBlocked)
	}
	generated := resp.GeneratedImages[0]
	if generated == nil || generated.Image == nil || len(generated.Image.ImageBytes) == 0 {
		return nil, fmt.Errorf("%w: empty image in response", generation.ErrInvalidResponse)
	}
	mimeType := generated.Image.MIMEType
	if mimeType == "" {
		mimeType = "image/png"
	}
	return &generation.Image{Data: generated.Image.ImageBytes, MIMEType: mimeType}, nil
}

// stripCodeFence removes a Markdown code fence some models wrap JSON in.
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}
