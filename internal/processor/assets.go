package processor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/phrazzld/studio-queue/internal/domain"
	"github.com/phrazzld/studio-queue/internal/generation"
	"github.com/phrazzld/studio-queue/internal/task"
)

// Asset request bounds
const (
	MaxImagesPerTask = 4
	MaxVoiceTextLen  = 5000
	// voiceCharsPerMinute approximates synthesis throughput for estimates.
	voiceCharsPerMinute = 1500
)

// extension returns the file extension for a MIME type, or fallback.
func extension(mimeType, fallback string) string {
	if m := mimetype.Lookup(strings.TrimSpace(strings.Split(mimeType, ";")[0])); m != nil && m.Extension() != "" {
		return m.Extension()
	}
	return fallback
}

// ImageRequest is a validated image request.
type ImageRequest struct {
	Prompt string
	Style  string
	Count  int
}

// ImageProcessor generates images and uploads them.
type ImageProcessor struct {
	task.Defaults
	deps Deps
}

var _ task.Processor = (*ImageProcessor)(nil)

// ValidateRequest implements task.Processor.
func (p *ImageProcessor) ValidateRequest(raw json.RawMessage) (any, error) {
	f, err := decodeFields(raw)
	if err != nil {
		return nil, err
	}
	req := ImageRequest{Prompt: f.str("prompt", "description"), Style: f.str("style")}
	if req.Prompt == "" {
		return nil, domain.InvalidRequest("prompt is required")
	}
	if req.Count, err = f.intOr("count", 1); err != nil {
		return nil, err
	}
	if req.Count < 1 || req.Count > MaxImagesPerTask {
		return nil, domain.InvalidRequest("count must be between 1 and %d", MaxImagesPerTask)
	}
	return req, nil
}

// Process implements task.Processor.
func (p *ImageProcessor) Process(ctx context.Context, run *task.Run, parsed any) (*task.Result, error) {
	req := parsed.(ImageRequest)

	if err := run.Progress(ctx, 5, "Preparing image generation"); err != nil {
		return nil, err
	}

	prompt := req.Prompt
	if req.Style != "" {
		prompt = fmt.Sprintf("%s, in a %s style", req.Prompt, req.Style)
	}

	manifest := make(map[string]string, req.Count)
	var first string
	for i := range req.Count {
		if err := run.CheckCancelled(ctx); err != nil {
			return partial(manifest), err
		}
		img, err := p.deps.Images.GenerateImage(ctx, prompt)
		if err != nil {
			return partial(manifest), generation.AsTaskError("image generation", err)
		}

		name := fmt.Sprintf("image_%02d%s", i+1, extension(img.MIMEType, ".png"))
		url, err := p.deps.Uploader.UploadBytes(ctx, objectKey(run.TaskID(), name), img.Data, img.MIMEType)
		if err != nil {
			return partial(manifest), domain.Transient("failed to upload image", err).WithDetails(map[string]any{"stage": "upload"})
		}
		manifest[name] = url
		if first == "" {
			first = url
		}
		if err := run.Progress(ctx, 10+80*(i+1)/req.Count, fmt.Sprintf("Generated image %d of %d", i+1, req.Count)); err != nil {
			return partial(manifest), err
		}
	}

	res := &task.Result{
		URL:      first,
		Manifest: manifest,
		Message:  fmt.Sprintf("Generated %d image(s)", req.Count),
	}
	return res, run.Complete(ctx, res)
}

// VoiceRequest is a validated voice request.
type VoiceRequest struct {
	Text  string
	Voice string
}

// VoiceProcessor synthesizes narration with subtitles.
type VoiceProcessor struct {
	task.Defaults
	deps Deps
}

var _ task.Processor = (*VoiceProcessor)(nil)

// ValidateRequest implements task.Processor.
func (p *VoiceProcessor) ValidateRequest(raw json.RawMessage) (any, error) {
	f, err := decodeFields(raw)
	if err != nil {
		return nil, err
	}
	req := VoiceRequest{Text: f.str("text", "script"), Voice: f.str("voice")}
	if req.Text == "" {
		return nil, domain.InvalidRequest("text is required")
	}
	if len(req.Text) > MaxVoiceTextLen {
		return nil, domain.InvalidRequest("text must be at most %d characters", MaxVoiceTextLen)
	}
	return req, nil
}

// EstimateCompletion implements task.Processor. The estimate scales with
// the length of the text.
func (p *VoiceProcessor) EstimateCompletion(raw json.RawMessage) (time.Duration, bool) {
	f, err := decodeFields(raw)
	if err != nil {
		return 0, false
	}
	text := f.str("text", "script")
	if text == "" {
		return 0, false
	}
	return time.Duration(1+len(text)/voiceCharsPerMinute) * time.Minute, true
}

// Process implements task.Processor.
func (p *VoiceProcessor) Process(ctx context.Context, run *task.Run, parsed any) (*task.Result, error) {
	req := parsed.(VoiceRequest)

	if err := run.Progress(ctx, 5, "Preparing voice generation"); err != nil {
		return nil, err
	}
	if err := run.Progress(ctx, 20, "Synthesizing narration"); err != nil {
		return nil, err
	}
	speech, err := p.deps.Speech.Synthesize(ctx, req.Text, req.Voice)
	if err != nil {
		return nil, generation.AsTaskError("speech synthesis", err)
	}
	if err := run.CheckCancelled(ctx); err != nil {
		return nil, err
	}

	if err := run.Progress(ctx, 80, "Uploading audio"); err != nil {
		return nil, err
	}
	audioName := "narration" + extension(speech.MIMEType, ".mp3")
	audioURL, err := p.deps.Uploader.UploadBytes(ctx, objectKey(run.TaskID(), audioName), speech.Audio, speech.MIMEType)
	if err != nil {
		return nil, domain.Transient("failed to upload audio", err).WithDetails(map[string]any{"stage": "upload"})
	}
	manifest := map[string]string{audioName: audioURL}

	if speech.Subtitles != "" {
		subURL, err := p.deps.Uploader.UploadBytes(ctx, objectKey(run.TaskID(), "narration.srt"), []byte(speech.Subtitles), "application/x-subrip")
		if err != nil {
			return partial(manifest), domain.Transient("failed to upload subtitles", err).WithDetails(map[string]any{"stage": "upload"})
		}
		manifest["narration.srt"] = subURL
	}

	if err := run.Progress(ctx, 90, "Finalizing voice generation"); err != nil {
		return nil, err
	}
	res := &task.Result{
		URL:      audioURL,
		Manifest: manifest,
		Message:  "Voice generated",
	}
	return res, run.Complete(ctx, res)
}

// partial wraps artifacts uploaded before a failure so they are recorded on
// the failed task.
func partial(manifest map[string]string) *task.Result {
	if len(manifest) == 0 {
		return nil
	}
	return &task.Result{Manifest: manifest}
}
