package processor

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/phrazzld/studio-queue/internal/domain"
	"github.com/phrazzld/studio-queue/internal/generation"
	"github.com/phrazzld/studio-queue/internal/task"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDocumentationProcessor_Completes(t *testing.T) {
	e := newEngine(t, nil)
	e.text.text = "# Queues\n\nA queue orders work.\n"

	e.enqueue(t, "doc-1", task.TypeDocumentation, map[string]any{
		"topic":    "Queues",
		"sections": []string{"Overview", "Usage"},
	})
	got := e.runOnce(t, "doc-1")

	require.Equal(t, domain.StatusCompleted, got.Status)
	assert.Equal(t, "https://cdn.test/tasks/doc-1/documentation.md", got.ResultURL)
	assert.JSONEq(t, `{"topic":"Queues","word_count":6}`, string(got.ResultData))
	assert.Subset(t, progressValues(got), []int{5, 20, 90, 100})
}

func TestDocumentationProcessor_BlockedContentFails(t *testing.T) {
	e := newEngine(t, nil)
	e.text.err = fmt.Errorf("%w: safety", generation.ErrContentBlocked)

	e.enqueue(t, "doc-1", task.TypeDocumentation, map[string]any{"title": "Queues"})
	got := e.runOnce(t, "doc-1")

	require.Equal(t, domain.StatusFailed, got.Status)
	assert.Equal(t, "documentation", got.ErrorDetails["stage"])
	assert.Equal(t, string(domain.KindFatal), got.ErrorDetails["kind"])
	assert.Equal(t, int32(1), e.text.calls.Load())
}

func TestDocumentationProcessor_ValidateRequest(t *testing.T) {
	p := &DocumentationProcessor{}
	assert.NoError(t, validateErr(t, p, map[string]any{"prompt": "Queues"}))
	assert.Error(t, validateErr(t, p, map[string]any{"audience": "ops"}))
	assert.Error(t, validateErr(t, p, map[string]any{"topic": "Queues", "sections": 7}))
}

func TestStoryProcessor_Completes(t *testing.T) {
	e := newEngine(t, nil)
	e.text.value = Story{
		Title:    "The Oak",
		Chapters: []StoryChapter{{Title: "Acorn", Text: "Once there was an acorn."}},
	}

	e.enqueue(t, "s1", task.TypeStoryGeneration, map[string]any{"prompt": "An oak grows", "length": "short"})
	got := e.runOnce(t, "s1")

	require.Equal(t, domain.StatusCompleted, got.Status)
	var story Story
	require.NoError(t, json.Unmarshal(got.ResultData, &story))
	assert.Equal(t, "The Oak", story.Title)
	assert.Equal(t, got.ResultURL, got.ResultManifest["story.json"])
}

func TestStoryProcessor_IncompleteStoryRetries(t *testing.T) {
	e := newEngine(t, nil)
	e.text.value = Story{Title: "Untitled"}

	e.enqueue(t, "s1", task.TypeStoryGeneration, map[string]any{"topic": "Oaks"})
	got := e.runOnce(t, "s1")

	assert.Equal(t, domain.StatusRetryScheduled, got.Status)
	assert.Equal(t, "story", got.LastEvent().Details["stage"])
}

func TestStoryProcessor_ValidateRequest(t *testing.T) {
	p := &StoryProcessor{}
	assert.NoError(t, validateErr(t, p, map[string]any{"prompt": "x", "characters": []string{"Ann", "Bo"}}))
	assert.Error(t, validateErr(t, p, map[string]any{"prompt": "x", "length": "epic"}))
	assert.Error(t, validateErr(t, p, map[string]any{"length": "short"}))
}
