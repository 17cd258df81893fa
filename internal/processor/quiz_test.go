package processor

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/phrazzld/studio-queue/internal/domain"
	"github.com/phrazzld/studio-queue/internal/task"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func questions(n int) map[string]any {
	qs := make([]Question, n)
	for i := range qs {
		qs[i] = Question{
			Question: fmt.Sprintf("What is tree part %d?", i+1),
			Options:  []string{"Root", "Leaf", "Bark", "Branch"},
			Answer:   "Root",
		}
	}
	return map[string]any{"questions": qs}
}

func TestQuizProcessor_Completes(t *testing.T) {
	e := newEngine(t, nil)
	e.text.value = questions(4)

	e.enqueue(t, "t1", task.TypeQuiz, map[string]any{"topic": "Trees", "count": 3, "difficulty": "easy"})
	got := e.runOnce(t, "t1")

	require.Equal(t, domain.StatusCompleted, got.Status)
	assert.Equal(t, 100, got.Progress)
	assert.Equal(t, "https://cdn.test/tasks/t1/quiz.json", got.ResultURL)
	assert.Equal(t, got.ResultURL, got.ResultManifest["quiz.json"])

	var result QuizResult
	require.NoError(t, json.Unmarshal(got.ResultData, &result))
	assert.Len(t, result.Questions, 3)
	assert.Equal(t, "easy", result.Difficulty)
	assert.False(t, result.Placeholder)

	require.GreaterOrEqual(t, len(got.Events), 3)
	assert.Equal(t, domain.StatusPending, got.Events[0].Status)
	assert.Equal(t, domain.StatusQueued, got.Events[1].Status)
	assert.Equal(t, domain.StatusProcessing, got.Events[2].Status)
	assert.Subset(t, progressValues(got), []int{5, 20, 90, 100})
	assert.Equal(t, domain.StatusCompleted, got.LastEvent().Status)

	stored, err := os.ReadFile(filepath.Join(e.storeDir, "tasks", "t1", "quiz.json"))
	require.NoError(t, err)
	assert.JSONEq(t, string(got.ResultData), string(stored))
}

func TestQuizProcessor_PlaceholderFallback(t *testing.T) {
	e := newEngine(t, nil)
	e.text.err = errors.New("model overloaded")

	e.enqueue(t, "t1", task.TypeQuiz, map[string]any{"prompt": "Rivers", "count": "2"})
	got := e.runOnce(t, "t1")

	require.Equal(t, domain.StatusCompleted, got.Status)
	assert.True(t, hasEventContaining(got, "placeholder questions were used"))

	var result QuizResult
	require.NoError(t, json.Unmarshal(got.ResultData, &result))
	assert.True(t, result.Placeholder)
	require.Len(t, result.Questions, 2)
	assert.Contains(t, result.Questions[0].Question, "Rivers")
}

func TestQuizProcessor_TooFewQuestionsFallsBack(t *testing.T) {
	e := newEngine(t, nil)
	e.text.value = questions(1)

	e.enqueue(t, "t1", task.TypeQuiz, map[string]any{"topic": "Trees", "count": 3})
	got := e.runOnce(t, "t1")

	require.Equal(t, domain.StatusCompleted, got.Status)
	var result QuizResult
	require.NoError(t, json.Unmarshal(got.ResultData, &result))
	assert.True(t, result.Placeholder)
	assert.Len(t, result.Questions, 3)
}

func TestQuizProcessor_ValidateRequest(t *testing.T) {
	p := &QuizProcessor{}
	tests := []struct {
		name    string
		request any
		wantErr bool
	}{
		{"topic only", map[string]any{"topic": "Trees"}, false},
		{"prompt alias", map[string]any{"prompt": "Trees"}, false},
		{"numeric string count", map[string]any{"topic": "Trees", "count": "10"}, false},
		{"missing topic", map[string]any{"count": 3}, true},
		{"zero count", map[string]any{"topic": "Trees", "count": 0}, true},
		{"too many", map[string]any{"topic": "Trees", "count": MaxQuizQuestions + 1}, true},
		{"bad count", map[string]any{"topic": "Trees", "count": "many"}, true},
		{"bad difficulty", map[string]any{"topic": "Trees", "difficulty": "brutal"}, true},
		{"not an object", []string{"Trees"}, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := validateErr(t, p, tc.request)
			if !tc.wantErr {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, domain.KindInvalidRequest, domain.KindOf(err))
		})
	}
}

func TestQuizProcessor_EmptyRequestRejected(t *testing.T) {
	_, err := (&QuizProcessor{}).ValidateRequest(nil)
	require.Error(t, err)
	assert.Equal(t, domain.KindInvalidRequest, domain.KindOf(err))
}
