package processor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/phrazzld/studio-queue/internal/domain"
	"github.com/phrazzld/studio-queue/internal/task"
)

// Quiz request bounds
const (
	MinQuizQuestions     = 1
	MaxQuizQuestions     = 50
	defaultQuizQuestions = 5
)

// QuizRequest is a validated quiz request.
type QuizRequest struct {
	Topic      string
	Count      int
	Difficulty string
	Language   string
}

// Question is one multiple-choice question.
type Question struct {
	Question    string   `json:"question"`
	Options     []string `json:"options"`
	Answer      string   `json:"answer"`
	Explanation string   `json:"explanation,omitempty"`
}

// QuizResult is stored as the task's result data.
type QuizResult struct {
	Topic       string     `json:"topic"`
	Difficulty  string     `json:"difficulty"`
	Questions   []Question `json:"questions"`
	Placeholder bool       `json:"placeholder,omitempty"`
}

// QuizProcessor generates multiple-choice quizzes. It falls back to
// placeholder questions when the text generator fails so the task still
// completes.
type QuizProcessor struct {
	task.Defaults
	deps Deps
}

var _ task.Processor = (*QuizProcessor)(nil)

// ValidateRequest implements task.Processor.
func (p *QuizProcessor) ValidateRequest(raw json.RawMessage) (any, error) {
	f, err := decodeFields(raw)
	if err != nil {
		return nil, err
	}

	req := QuizRequest{Topic: f.str("topic", "prompt"), Language: f.str("language")}
	if req.Topic == "" {
		return nil, domain.InvalidRequest("topic or prompt is required")
	}
	if req.Count, err = f.intOr("count", defaultQuizQuestions); err != nil {
		return nil, err
	}
	if req.Count < MinQuizQuestions || req.Count > MaxQuizQuestions {
		return nil, domain.InvalidRequest("count must be between %d and %d", MinQuizQuestions, MaxQuizQuestions)
	}
	if req.Difficulty, err = f.oneOf("difficulty", "medium", "easy", "medium", "hard"); err != nil {
		return nil, err
	}
	return req, nil
}

// Process implements task.Processor.
func (p *QuizProcessor) Process(ctx context.Context, run *task.Run, parsed any) (*task.Result, error) {
	req := parsed.(QuizRequest)

	if err := run.Progress(ctx, 5, "Preparing quiz generation"); err != nil {
		return nil, err
	}
	if err := run.Progress(ctx, 20, fmt.Sprintf("Generating %d %s questions", req.Count, req.Difficulty)); err != nil {
		return nil, err
	}

	result := QuizResult{Topic: req.Topic, Difficulty: req.Difficulty}
	questions, genErr := p.generate(ctx, req)
	if genErr != nil {
		if err := run.CheckCancelled(ctx); err != nil {
			return nil, err
		}
		run.Logger().WarnContext(ctx, "quiz generation failed, using placeholder questions",
			slog.String("error", genErr.Error()))
		if err := run.Warning(ctx, "Question generation failed, placeholder questions were used",
			map[string]any{"error": genErr.Error()}); err != nil {
			return nil, err
		}
		questions = placeholderQuestions(req)
		result.Placeholder = true
	}
	result.Questions = questions

	data, err := json.Marshal(result)
	if err != nil {
		return nil, domain.Fatal("failed to encode quiz", err)
	}
	if err := run.Progress(ctx, 90, "Saving quiz"); err != nil {
		return nil, err
	}

	url, err := p.deps.Uploader.UploadBytes(ctx, objectKey(run.TaskID(), "quiz.json"), data, "application/json")
	if err != nil {
		return nil, domain.Transient("failed to upload quiz", err).WithDetails(map[string]any{"stage": "upload"})
	}

	res := &task.Result{
		URL:      url,
		Manifest: map[string]string{"quiz.json": url},
		Data:     data,
		Message:  fmt.Sprintf("Quiz generated with %d questions", len(questions)),
	}
	return res, run.Complete(ctx, res)
}

func (p *QuizProcessor) generate(ctx context.Context, req QuizRequest) ([]Question, error) {
	var out struct {
		Questions []Question `json:"questions"`
	}
	if err := p.deps.Text.GenerateJSON(ctx, quizPrompt(req), &out); err != nil {
		return nil, err
	}

	valid := make([]Question, 0, len(out.Questions))
	for _, q := range out.Questions {
		if strings.TrimSpace(q.Question) == "" || len(q.Options) < 2 || q.Answer == "" {
			continue
		}
		valid = append(valid, q)
	}
	if len(valid) < req.Count {
		return nil, fmt.Errorf("generator returned %d usable questions, want %d", len(valid), req.Count)
	}
	return valid[:req.Count], nil
}

func quizPrompt(req QuizRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Write %d %s multiple-choice questions about %q.\n", req.Count, req.Difficulty, req.Topic)
	if req.Language != "" {
		fmt.Fprintf(&b, "Write them in %s.\n", req.Language)
	}
	b.WriteString(`Respond with JSON: {"questions":[{"question":"...","options":["...","...","...","..."],"answer":"...","explanation":"..."}]}. `)
	b.WriteString("The answer must be one of the options.")
	return b.String()
}

// placeholderQuestions returns a fixed-shape quiz used when generation fails.
func placeholderQuestions(req QuizRequest) []Question {
	questions := make([]Question, req.Count)
	for i := range questions {
		questions[i] = Question{
			Question: fmt.Sprintf("Question %d about %s", i+1, req.Topic),
			Options:  []string{"Option A", "Option B", "Option C", "Option D"},
			Answer:   "Option A",
		}
	}
	return questions
}
