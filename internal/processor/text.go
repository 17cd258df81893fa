package processor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/phrazzld/studio-queue/internal/domain"
	"github.com/phrazzld/studio-queue/internal/generation"
	"github.com/phrazzld/studio-queue/internal/task"
)

// DocumentationRequest is a validated documentation request.
type DocumentationRequest struct {
	Topic    string
	Audience string
	Sections []string
}

// DocumentationProcessor writes a Markdown document and uploads it.
type DocumentationProcessor struct {
	task.Defaults
	deps Deps
}

var _ task.Processor = (*DocumentationProcessor)(nil)

// ValidateRequest implements task.Processor.
func (p *DocumentationProcessor) ValidateRequest(raw json.RawMessage) (any, error) {
	f, err := decodeFields(raw)
	if err != nil {
		return nil, err
	}
	req := DocumentationRequest{Topic: f.str("topic", "title", "prompt"), Audience: f.str("audience")}
	if req.Topic == "" {
		return nil, domain.InvalidRequest("topic is required")
	}
	if req.Sections, err = f.strings("sections"); err != nil {
		return nil, err
	}
	return req, nil
}

// Process implements task.Processor.
func (p *DocumentationProcessor) Process(ctx context.Context, run *task.Run, parsed any) (*task.Result, error) {
	req := parsed.(DocumentationRequest)

	if err := run.Progress(ctx, 5, "Preparing documentation"); err != nil {
		return nil, err
	}
	if err := run.Progress(ctx, 20, "Writing documentation"); err != nil {
		return nil, err
	}

	doc, err := p.deps.Text.GenerateText(ctx, documentationPrompt(req))
	if err != nil {
		return nil, generation.AsTaskError("documentation", err)
	}
	doc = strings.TrimSpace(doc)
	if doc == "" {
		return nil, domain.Transient("documentation generator returned an empty document", nil)
	}
	if err := run.CheckCancelled(ctx); err != nil {
		return nil, err
	}

	if err := run.Progress(ctx, 90, "Uploading documentation"); err != nil {
		return nil, err
	}
	url, err := p.deps.Uploader.UploadBytes(ctx, objectKey(run.TaskID(), "documentation.md"), []byte(doc+"\n"), "text/markdown; charset=utf-8")
	if err != nil {
		return nil, domain.Transient("failed to upload documentation", err).WithDetails(map[string]any{"stage": "upload"})
	}

	data, _ := json.Marshal(map[string]any{
		"topic":      req.Topic,
		"word_count": len(strings.Fields(doc)),
	})
	res := &task.Result{
		URL:      url,
		Manifest: map[string]string{"documentation.md": url},
		Data:     data,
		Message:  "Documentation generated",
	}
	return res, run.Complete(ctx, res)
}

func documentationPrompt(req DocumentationRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Write clear technical documentation in Markdown about %q.\n", req.Topic)
	if req.Audience != "" {
		fmt.Fprintf(&b, "The audience is %s.\n", req.Audience)
	}
	if len(req.Sections) > 0 {
		fmt.Fprintf(&b, "Include these sections in order: %s.\n", strings.Join(req.Sections, "; "))
	}
	b.WriteString("Start with a level-one heading. Respond with Markdown only.")
	return b.String()
}

// StoryRequest is a validated story request.
type StoryRequest struct {
	Prompt     string
	AgeGroup   string
	Length     string
	Characters []string
}

// Story is the structured story stored as result data.
type Story struct {
	Title    string         `json:"title"`
	Summary  string         `json:"summary,omitempty"`
	Chapters []StoryChapter `json:"chapters"`
}

// StoryChapter is one chapter of a Story.
type StoryChapter struct {
	Title string `json:"title"`
	Text  string `json:"text"`
}

var storyChapters = map[string]int{"short": 1, "medium": 3, "long": 5}

// StoryProcessor generates a structured story.
type StoryProcessor struct {
	task.Defaults
	deps Deps
}

var _ task.Processor = (*StoryProcessor)(nil)

// ValidateRequest implements task.Processor.
func (p *StoryProcessor) ValidateRequest(raw json.RawMessage) (any, error) {
	f, err := decodeFields(raw)
	if err != nil {
		return nil, err
	}
	req := StoryRequest{Prompt: f.str("prompt", "topic"), AgeGroup: f.str("age_group")}
	if req.Prompt == "" {
		return nil, domain.InvalidRequest("prompt is required")
	}
	if req.Length, err = f.oneOf("length", "medium", "short", "medium", "long"); err != nil {
		return nil, err
	}
	if req.Characters, err = f.strings("characters"); err != nil {
		return nil, err
	}
	return req, nil
}

// Process implements task.Processor.
func (p *StoryProcessor) Process(ctx context.Context, run *task.Run, parsed any) (*task.Result, error) {
	req := parsed.(StoryRequest)

	if err := run.Progress(ctx, 5, "Preparing story generation"); err != nil {
		return nil, err
	}
	if err := run.Progress(ctx, 20, "Writing story"); err != nil {
		return nil, err
	}

	var story Story
	if err := p.deps.Text.GenerateJSON(ctx, storyPrompt(req), &story); err != nil {
		return nil, generation.AsTaskError("story", err)
	}
	if story.Title == "" || len(story.Chapters) == 0 {
		return nil, domain.Transient("story generator returned an incomplete story", nil).
			WithDetails(map[string]any{"stage": "story"})
	}
	if err := run.CheckCancelled(ctx); err != nil {
		return nil, err
	}

	data, err := json.Marshal(story)
	if err != nil {
		return nil, domain.Fatal("failed to encode story", err)
	}
	if err := run.Progress(ctx, 90, "Saving story"); err != nil {
		return nil, err
	}
	url, err := p.deps.Uploader.UploadBytes(ctx, objectKey(run.TaskID(), "story.json"), data, "application/json")
	if err != nil {
		return nil, domain.Transient("failed to upload story", err).WithDetails(map[string]any{"stage": "upload"})
	}

	res := &task.Result{
		URL:      url,
		Manifest: map[string]string{"story.json": url},
		Data:     data,
		Message:  fmt.Sprintf("Story %q generated with %d chapters", story.Title, len(story.Chapters)),
	}
	return res, run.Complete(ctx, res)
}

func storyPrompt(req StoryRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Write a story in %d chapter(s) based on: %s\n", storyChapters[req.Length], req.Prompt)
	if req.AgeGroup != "" {
		fmt.Fprintf(&b, "The readers are %s.\n", req.AgeGroup)
	}
	if len(req.Characters) > 0 {
		fmt.Fprintf(&b, "Feature these characters: %s.\n", strings.Join(req.Characters, ", "))
	}
	b.WriteString(`Respond with JSON: {"title":"...","summary":"...","chapters":[{"title":"...","text":"..."}]}`)
	return b.String()
}
