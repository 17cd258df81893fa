package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/phrazzld/studio-queue/internal/config"
	"github.com/phrazzld/studio-queue/internal/generation"
	"github.com/sethvargo/go-retry"
)

const (
	defaultTimeout = 60 * time.Second
	defaultVoice   = "alloy"
	maxRetries     = 3
	// maxErrorBody bounds how much of an error response is read.
	maxErrorBody = 4 << 10
)

type synthesizeRequest struct {
	Text      string `json:"text"`
	Voice     string `json:"voice"`
	Format    string `json:"format"`
	Subtitles bool   `json:"subtitles"`
}

type synthesizeResponse struct {
	// Audio is base64 in the JSON body.
	Audio     []byte `json:"audio"`
	MIMEType  string `json:"mime_type"`
	Subtitles string `json:"subtitles_srt"`
}

// Client calls the speech endpoint.
type Client struct {
	endpoint   string
	apiKey     string
	voice      string
	httpClient *http.Client
	retryBase  time.Duration
	logger     *slog.Logger
}

var _ generation.SpeechSynthesizer = (*Client)(nil)

// NewClient creates a Client. The endpoint is required.
func NewClient(cfg config.TTSConfig, logger *slog.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, fmt.Errorf("%w: tts endpoint cannot be empty", generation.ErrInvalidConfig)
	}
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	voice := cfg.Voice
	if voice == "" {
		voice = defaultVoice
	}
	return &Client{
		endpoint:   cfg.Endpoint,
		apiKey:     cfg.APIKey,
		voice:      voice,
		httpClient: &http.Client{Timeout: timeout},
		retryBase:  time.Second,
		logger:     logger.With(slog.String("component", "tts")),
	}, nil
}

// Synthesize implements generation.SpeechSynthesizer. An empty voice uses
// the configured default.
func (c *Client) Synthesize(ctx context.Context, text, voice string) (*generation.Speech, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%w: text cannot be empty", generation.ErrInvalidConfig)
	}
	if voice == "" {
		voice = c.voice
	}
	body, err := json.Marshal(synthesizeRequest{Text: text, Voice: voice, Format: "mp3", Subtitles: true})
	if err != nil {
		return nil, fmt.Errorf("failed to encode tts request: %w", err)
	}

	var speech *generation.Speech
	backoff := retry.WithMaxRetries(maxRetries, retry.WithJitterPercent(25, retry.NewExponential(c.retryBase)))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		var callErr error
		speech, callErr = c.call(ctx, body)
		if callErr != nil && errors.Is(callErr, generation.ErrTransientFailure) {
			c.logger.WarnContext(ctx, "tts call failed, retrying", slog.String("error", callErr.Error()))
			return retry.RetryableError(callErr)
		}
		return callErr
	})
	if err != nil {
		return nil, err
	}
	return speech, nil
}

func (c *Client) call(ctx context.Context, body []byte) (*generation.Speech, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build tts request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", generation.ErrTransientFailure, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, statusError(resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var out synthesizeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: failed to decode tts response: %v", generation.ErrInvalidResponse, err)
	}
	if len(out.Audio) == 0 {
		return nil, fmt.Errorf("%w: tts response has no audio", generation.ErrInvalidResponse)
	}
	if out.MIMEType == "" {
		out.MIMEType = "audio/mpeg"
	}
	return &generation.Speech{Audio: out.Audio, MIMEType: out.MIMEType, Subtitles: out.Subtitles}, nil
}

func statusError(code int, body string) error {
	switch {
	case code == http.StatusTooManyRequests || code >= 500:
		return fmt.Errorf("%w: tts status %d: %s", generation.ErrTransientFailure, code, body)
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return fmt.Errorf("%w: tts status %d", generation.ErrInvalidConfig, code)
	case code == http.StatusUnprocessableEntity:
		return fmt.Errorf("%w: tts status %d: %s", generation.ErrContentBlocked, code, body)
	default:
		return fmt.Errorf("%w: tts status %d: %s", generation.ErrGenerationFailed, code, body)
	}
}
