package processor

import (
	"errors"
	"log/slog"
	"path"

	"github.com/phrazzld/studio-queue/internal/generation"
	"github.com/phrazzld/studio-queue/internal/media"
	"github.com/phrazzld/studio-queue/internal/storage"
	"github.com/phrazzld/studio-queue/internal/task"
	"go.uber.org/multierr"
)

// Deps bundles the collaborators shared by the processors.
type Deps struct {
	Text     generation.TextGenerator
	Images   generation.ImageGenerator
	Speech   generation.SpeechSynthesizer
	Media    *media.FFmpeg
	Uploader *storage.Uploader
	// WorkDir is the root under which per-task working directories are created.
	WorkDir string
	Logger  *slog.Logger
}

func (d Deps) validate() error {
	var err error
	if d.Uploader == nil {
		err = multierr.Append(err, errors.New("uploader is required"))
	}
	if d.Media == nil {
		err = multierr.Append(err, errors.New("media runner is required"))
	}
	if d.WorkDir == "" {
		err = multierr.Append(err, errors.New("work directory is required"))
	}
	if d.Logger == nil {
		err = multierr.Append(err, errors.New("logger is required"))
	}
	return err
}

func (d Deps) withDefaults() Deps {
	if d.Text == nil {
		d.Text = generation.Unavailable{}
	}
	if d.Images == nil {
		d.Images = generation.Unavailable{}
	}
	if d.Speech == nil {
		d.Speech = generation.Unavailable{}
	}
	return d
}

// RegisterAll registers every built-in task type with its default policy.
func RegisterAll(registry *task.Registry, deps Deps) error {
	if err := deps.validate(); err != nil {
		return err
	}
	deps = deps.withDefaults()

	factories := map[string]task.Factory{
		task.TypeVideo:           func() task.Processor { return newVideoProcessor(deps, videoVariants[task.TypeVideo]) },
		task.TypeAnimatedLesson:  func() task.Processor { return newVideoProcessor(deps, videoVariants[task.TypeAnimatedLesson]) },
		task.TypeCourseVideo:     func() task.Processor { return newVideoProcessor(deps, videoVariants[task.TypeCourseVideo]) },
		task.TypeQuiz:            func() task.Processor { return &QuizProcessor{deps: deps} },
		task.TypeDocumentation:   func() task.Processor { return &DocumentationProcessor{deps: deps} },
		task.TypeStoryGeneration: func() task.Processor { return &StoryProcessor{deps: deps} },
		task.TypeImageGeneration: func() task.Processor { return &ImageProcessor{deps: deps} },
		task.TypeVoiceGeneration: func() task.Processor { return &VoiceProcessor{deps: deps} },
	}
	for taskType, factory := range factories {
		if err := registry.Register(taskType, task.DefaultPolicies[taskType], factory); err != nil {
			return err
		}
	}
	return nil
}

// objectKey returns the storage key of a task artifact.
func objectKey(taskID string, elem ...string) string {
	return path.Join(append([]string{"tasks", taskID}, elem...)...)
}
