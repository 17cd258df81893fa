package generation

import (
	"context"
	"errors"
	"fmt"

	"github.com/phrazzld/studio-queue/internal/domain"
)

// TextGenerator produces text from a prompt.
type TextGenerator interface {
	// GenerateJSON asks the model for a JSON document and decodes it into out.
	GenerateJSON(ctx context.Context, prompt string, out any) error

	// GenerateText returns free-form text such as Markdown.
	GenerateText(ctx context.Context, prompt string) (string, error)
}

// Image is a generated picture.
type Image struct {
	Data     []byte
	MIMEType string
}

// ImageGenerator produces images from a prompt.
type ImageGenerator interface {
	GenerateImage(ctx context.Context, prompt string) (*Image, error)
}

// Speech is synthesized narration with optional SRT subtitles.
type Speech struct {
	Audio     []byte
	MIMEType  string
	Subtitles string
}

// SpeechSynthesizer converts text to narration.
type SpeechSynthesizer interface {
	Synthesize(ctx context.Context, text, voice string) (*Speech, error)
}

// Unavailable implements every generator and always fails with
// ErrNotConfigured. It stands in when no backend credentials are configured.
type Unavailable struct{}

var (
	_ TextGenerator     = Unavailable{}
	_ ImageGenerator    = Unavailable{}
	_ SpeechSynthesizer = Unavailable{}
)

// GenerateJSON implements TextGenerator.
func (Unavailable) GenerateJSON(context.Context, string, any) error { return ErrNotConfigured }

// GenerateText implements TextGenerator.
func (Unavailable) GenerateText(context.Context, string) (string, error) {
	return "", ErrNotConfigured
}

// GenerateImage implements ImageGenerator.
func (Unavailable) GenerateImage(context.Context, string) (*Image, error) {
	return nil, ErrNotConfigured
}

// Synthesize implements SpeechSynthesizer.
func (Unavailable) Synthesize(context.Context, string, string) (*Speech, error) {
	return nil, ErrNotConfigured
}

// AsTaskError classifies a generator failure for the dispatcher. Blocked
// content and missing configuration cannot succeed on retry; everything else
// is treated as transient.
func AsTaskError(stage string, err error) error {
	if err == nil {
		return nil
	}
	var te *domain.TaskError
	if errors.As(err, &te) {
		return err
	}
	msg := fmt.Sprintf("%s failed: %v", stage, err)
	details := map[string]any{"stage": stage}
	switch {
	case errors.Is(err, ErrContentBlocked), errors.Is(err, ErrNotConfigured), errors.Is(err, ErrInvalidConfig):
		return domain.Fatal(msg, err).WithDetails(details)
	case errors.Is(err, context.Canceled):
		return err
	default:
		return domain.Transient(msg, err).WithDetails(details)
	}
}
