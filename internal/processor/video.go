package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/phrazzld/studio-queue/internal/domain"
	"github.com/phrazzld/studio-queue/internal/generation"
	"github.com/phrazzld/studio-queue/internal/media"
	"github.com/phrazzld/studio-queue/internal/redact"
	"github.com/phrazzld/studio-queue/internal/task"
)

// Video pipeline settings
const (
	// LeadInSeconds of silence precede each scene's narration.
	LeadInSeconds     = 0.5
	MaxScenes         = 20
	defaultSceneCount = 5
	defaultMusicLevel = 0.1

	planFile   = "plan.json"
	finalVideo = "final.mp4"
)

var colorPattern = regexp.MustCompile(`^(#[0-9a-fA-F]{6}|[a-zA-Z]{3,20})$`)

// videoVariant captures what differs between the video task types.
type videoVariant struct {
	taskType string
	// required lists field groups; each group needs one non-empty field.
	required   [][]string
	subtitles  bool
	background string
	format     string
}

var videoVariants = map[string]videoVariant{
	task.TypeVideo: {
		taskType:   task.TypeVideo,
		required:   [][]string{{"topic", "prompt", "script"}},
		subtitles:  true,
		background: "#000000",
		format:     "a short explainer video",
	},
	task.TypeAnimatedLesson: {
		taskType:   task.TypeAnimatedLesson,
		required:   [][]string{{"topic", "prompt"}, {"grade_level"}},
		subtitles:  true,
		background: "#1e3a5f",
		format:     "an illustrated lesson for students",
	},
	task.TypeCourseVideo: {
		taskType:   task.TypeCourseVideo,
		required:   [][]string{{"course_title"}, {"lesson_title"}},
		subtitles:  false,
		background: "#0b1f33",
		format:     "a lesson video that is part of an online course",
	},
}

// SceneInput is a caller-supplied scene that bypasses plan generation.
type SceneInput struct {
	Text  string `json:"text"`
	Image string `json:"image"`
}

// VideoRequest is a validated video request.
type VideoRequest struct {
	Title       string
	Topic       string
	Context     map[string]string
	SceneCount  int
	Scenes      []SceneInput
	ReusePlan   bool
	Voice       string
	Subtitles   bool
	Background  string
	LogoPath    string
	MusicPath   string
	MusicVolume float64
	IntroPath   string
	OutroPath   string
}

// ScenePlan is the persisted outline of a video.
type ScenePlan struct {
	Title  string         `json:"title"`
	Scenes []PlannedScene `json:"scenes"`
}

// PlannedScene is one entry of a ScenePlan. Image is a file name relative
// to the plan directory.
type PlannedScene struct {
	Text        string `json:"text"`
	ImagePrompt string `json:"image_prompt,omitempty"`
	Image       string `json:"image"`
}

type videoProcessor struct {
	task.Defaults
	deps      Deps
	variant   videoVariant
	removeAll func(string) error
}

var _ task.Processor = (*videoProcessor)(nil)

func newVideoProcessor(deps Deps, variant videoVariant) *videoProcessor {
	return &videoProcessor{deps: deps, variant: variant, removeAll: os.RemoveAll}
}

// ValidateRequest implements task.Processor.
func (p *videoProcessor) ValidateRequest(raw json.RawMessage) (any, error) {
	f, err := decodeFields(raw)
	if err != nil {
		return nil, err
	}

	for _, group := range p.variant.required {
		if f.str(group...) == "" {
			return nil, domain.InvalidRequest("%s is required for %s", strings.Join(group, " or "), p.variant.taskType)
		}
	}

	req := VideoRequest{
		Topic:      f.str("topic", "prompt", "script"),
		Voice:      f.str("voice"),
		LogoPath:   f.str("logo_path"),
		MusicPath:  f.str("music_path"),
		IntroPath:  f.str("intro_path"),
		OutroPath:  f.str("outro_path"),
		Background: f.str("background_color"),
		Context:    make(map[string]string),
	}
	for _, key := range []string{"grade_level", "course_title", "lesson_title", "audience"} {
		if v := f.str(key); v != "" {
			req.Context[key] = v
		}
	}
	if req.Topic == "" {
		req.Topic = strings.TrimSpace(req.Context["course_title"] + ": " + req.Context["lesson_title"])
	}
	req.Title = f.str("title")
	if req.Title == "" {
		req.Title = req.Topic
	}

	if req.SceneCount, err = f.intOr("scene_count", defaultSceneCount); err != nil {
		return nil, err
	}
	if req.SceneCount < 1 || req.SceneCount > MaxScenes {
		return nil, domain.InvalidRequest("scene_count must be between 1 and %d", MaxScenes)
	}
	if req.ReusePlan, err = f.boolOr("reuse_plan", false); err != nil {
		return nil, err
	}
	if req.Subtitles, err = f.boolOr("subtitles", p.variant.subtitles); err != nil {
		return nil, err
	}
	if req.MusicVolume, err = f.floatOr("music_volume", defaultMusicLevel); err != nil {
		return nil, err
	}
	if req.MusicVolume <= 0 || req.MusicVolume > 1 {
		return nil, domain.InvalidRequest("music_volume must be in (0, 1]")
	}
	if req.Background == "" {
		req.Background = p.variant.background
	}
	if !colorPattern.MatchString(req.Background) {
		return nil, domain.InvalidRequest("background_color must be a #rrggbb value or a color name")
	}

	if rawScenes, ok := f["scenes"]; ok && rawScenes != nil {
		b, _ := json.Marshal(rawScenes)
		if err := json.Unmarshal(b, &req.Scenes); err != nil {
			return nil, domain.InvalidRequest("scenes must be a list of {text, image} objects")
		}
		if len(req.Scenes) > MaxScenes {
			return nil, domain.InvalidRequest("at most %d scenes are allowed", MaxScenes)
		}
		for i, s := range req.Scenes {
			if strings.TrimSpace(s.Text) == "" || strings.TrimSpace(s.Image) == "" {
				return nil, domain.InvalidRequest("scene %d needs text and image", i+1)
			}
		}
	}
	return req, nil
}

// EstimateCompletion implements task.Processor. Rendering cost is dominated
// by the number of scenes.
func (p *videoProcessor) EstimateCompletion(raw json.RawMessage) (time.Duration, bool) {
	parsed, err := p.ValidateRequest(raw)
	if err != nil {
		return 0, false
	}
	req := parsed.(VideoRequest)
	scenes := req.SceneCount
	if len(req.Scenes) > 0 {
		scenes = len(req.Scenes)
	}
	minutes := 3 + 2*scenes
	if req.IntroPath != "" || req.OutroPath != "" {
		minutes += 2
	}
	return time.Duration(minutes) * time.Minute, true
}

// videoRun holds the state of one pipeline execution.
type videoRun struct {
	*videoProcessor
	run      *task.Run
	req      VideoRequest
	runDir   string
	planDir  string
	warnings []string
}

func (p *videoProcessor) planDirFor(taskID string) string {
	return filepath.Join(p.deps.WorkDir, "plans", taskID)
}

func (p *videoProcessor) runDirFor(taskID string) string {
	return filepath.Join(p.deps.WorkDir, "runs", taskID)
}

// Process implements task.Processor.
func (p *videoProcessor) Process(ctx context.Context, run *task.Run, parsed any) (*task.Result, error) {
	v := &videoRun{
		videoProcessor: p,
		run:            run,
		req:            parsed.(VideoRequest),
		runDir:         p.runDirFor(run.TaskID()),
		planDir:        p.planDirFor(run.TaskID()),
	}

	// Stage 0
	if err := run.Progress(ctx, 5, "Preparing working directory"); err != nil {
		return nil, err
	}
	if err := v.prepare(); err != nil {
		return nil, err
	}
	if err := run.Progress(ctx, 6, "Working directory ready"); err != nil {
		return nil, err
	}

	// Stage 1
	plan, err := v.scenePlan(ctx)
	if err != nil {
		return nil, err
	}
	if err := run.Progress(ctx, 10, fmt.Sprintf("Scene plan ready with %d scenes", len(plan.Scenes))); err != nil {
		return nil, err
	}

	// Stage 2
	clips, err := v.renderScenes(ctx, plan)
	if err != nil {
		return nil, err
	}

	// Stage 3
	if err := run.CheckCancelled(ctx); err != nil {
		return nil, err
	}
	current := v.path("main.mp4")
	if err := v.deps.Media.Crossfade(ctx, clips, current); err != nil {
		return nil, stageError("scene concatenation", err)
	}
	if err := run.Progress(ctx, 65, "Scenes joined"); err != nil {
		return nil, err
	}

	// Stage 4
	if v.req.LogoPath != "" {
		if err := v.requireAsset("logo_path", v.req.LogoPath); err != nil {
			return nil, err
		}
		if err := run.CheckCancelled(ctx); err != nil {
			return nil, err
		}
		next := v.path("main_logo.mp4")
		if err := v.deps.Media.OverlayLogo(ctx, current, v.req.LogoPath, next); err != nil {
			return nil, stageError("logo overlay", err)
		}
		current = next
	}
	if err := run.Progress(ctx, 70, "Branding applied"); err != nil {
		return nil, err
	}

	// Stage 5
	if v.req.MusicPath != "" {
		if err := v.requireAsset("music_path", v.req.MusicPath); err != nil {
			return nil, err
		}
		if err := run.CheckCancelled(ctx); err != nil {
			return nil, err
		}
		next := v.path("main_music.mp4")
		if err := v.deps.Media.MixMusic(ctx, current, v.req.MusicPath, next, v.req.MusicVolume); err != nil {
			return nil, stageError("music mix", err)
		}
		current = next
		if err := run.Progress(ctx, 70, "Background music mixed"); err != nil {
			return nil, err
		}
	}

	// Stage 6
	if err := v.assemble(ctx, current); err != nil {
		return nil, err
	}
	if err := run.Progress(ctx, 91, "Final video assembled"); err != nil {
		return nil, err
	}

	// Stage 7
	if err := run.CheckCancelled(ctx); err != nil {
		return nil, err
	}
	manifest, err := v.upload(ctx)
	if err != nil {
		return nil, err
	}

	// Stage 8
	url, ok := manifest[finalVideo]
	if !ok {
		return nil, domain.Fatal("final video missing from upload manifest", nil).
			WithDetails(map[string]any{"stage": "finalize"})
	}
	if err := v.removeAll(v.runDir); err != nil {
		run.Logger().WarnContext(ctx, "failed to remove working directory", slog.String("error", err.Error()))
		v.warnings = append(v.warnings, fmt.Sprintf("working directory cleanup failed: %v", err))
	}

	res := &task.Result{
		URL:      url,
		Manifest: manifest,
		Message:  fmt.Sprintf("Video generated with %d scenes", len(plan.Scenes)),
		Warnings: v.warnings,
	}
	return res, run.Complete(ctx, res)
}

func (v *videoRun) path(name string) string {
	return filepath.Join(v.runDir, name)
}

func (v *videoRun) prepare() error {
	// A previous attempt may have left partial output behind.
	if err := os.RemoveAll(v.runDir); err != nil {
		return stageError("prepare", err)
	}
	if err := os.MkdirAll(v.runDir, 0o755); err != nil {
		return stageError("prepare", err)
	}
	if err := os.MkdirAll(v.planDir, 0o755); err != nil {
		return stageError("prepare", err)
	}
	return nil
}

func (v *videoRun) requireAsset(field, path string) error {
	if _, err := os.Stat(path); err != nil {
		return domain.InvalidRequest("%s %q is not readable", field, filepath.Base(path))
	}
	return nil
}

// scenePlan loads the persisted plan, adopts caller-supplied scenes or asks
// the generators for a new one. The plan and its images are kept in the
// plan directory across attempts and regenerations.
func (v *videoRun) scenePlan(ctx context.Context) (*ScenePlan, error) {
	var (
		plan *ScenePlan
		err  error
	)
	switch {
	case v.req.ReusePlan:
		plan, err = v.loadPlan()
		if err != nil {
			return nil, err
		}
		if err := v.run.Event(ctx, "Loaded persisted scene plan", map[string]any{"scenes": len(plan.Scenes)}); err != nil {
			return nil, err
		}
		return plan, nil
	case len(v.req.Scenes) > 0:
		plan, err = v.adoptScenes()
	default:
		plan, err = v.generatePlan(ctx)
	}
	if err != nil {
		return nil, err
	}

	data, err := json.MarshalIndent(plan, "", "  ")
	if err != nil {
		return nil, domain.Fatal("failed to encode scene plan", err)
	}
	if err := os.WriteFile(filepath.Join(v.planDir, planFile), data, 0o644); err != nil {
		return nil, stageError("scene plan", err)
	}
	return plan, nil
}

func (v *videoRun) loadPlan() (*ScenePlan, error) {
	data, err := os.ReadFile(filepath.Join(v.planDir, planFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, domain.InvalidRequest("reuse_plan was requested but no scene plan is stored for this task")
		}
		return nil, stageError("scene plan", err)
	}
	var plan ScenePlan
	if err := json.Unmarshal(data, &plan); err != nil || len(plan.Scenes) == 0 {
		return nil, domain.Fatal("stored scene plan is unreadable", err).WithDetails(map[string]any{"stage": "scene plan"})
	}
	for i, s := range plan.Scenes {
		if _, err := os.Stat(filepath.Join(v.planDir, s.Image)); err != nil {
			return nil, domain.Fatal(fmt.Sprintf("stored image for scene %d is missing", i+1), err).
				WithDetails(map[string]any{"stage": "scene plan"})
		}
	}
	return &plan, nil
}

func (v *videoRun) adoptScenes() (*ScenePlan, error) {
	plan := &ScenePlan{Title: v.req.Title, Scenes: make([]PlannedScene, len(v.req.Scenes))}
	for i, s := range v.req.Scenes {
		name := fmt.Sprintf("scene_%03d%s", i+1, strings.ToLower(filepath.Ext(s.Image)))
		if err := copyFile(s.Image, filepath.Join(v.planDir, name)); err != nil {
			return nil, domain.InvalidRequest("image for scene %d is not readable", i+1)
		}
		plan.Scenes[i] = PlannedScene{Text: s.Text, Image: name}
	}
	return plan, nil
}

func (v *videoRun) generatePlan(ctx context.Context) (*ScenePlan, error) {
	var plan ScenePlan
	if err := v.deps.Text.GenerateJSON(ctx, v.planPrompt(), &plan); err != nil {
		return nil, generation.AsTaskError("scene plan", err)
	}
	plan.Scenes = slices.DeleteFunc(plan.Scenes, func(s PlannedScene) bool { return strings.TrimSpace(s.Text) == "" })
	if len(plan.Scenes) == 0 {
		return nil, domain.Transient("scene plan generator returned no scenes", nil).
			WithDetails(map[string]any{"stage": "scene plan"})
	}
	if len(plan.Scenes) > v.req.SceneCount {
		plan.Scenes = plan.Scenes[:v.req.SceneCount]
	}
	if plan.Title == "" {
		plan.Title = v.req.Title
	}

	for i := range plan.Scenes {
		if err := v.run.CheckCancelled(ctx); err != nil {
			return nil, err
		}
		scene := &plan.Scenes[i]
		prompt := scene.ImagePrompt
		if prompt == "" {
			prompt = scene.Text
		}
		img, err := v.deps.Images.GenerateImage(ctx, prompt)
		if err != nil {
			return nil, generation.AsTaskError(fmt.Sprintf("scene %d image", i+1), err)
		}
		scene.Image = fmt.Sprintf("scene_%03d%s", i+1, extension(img.MIMEType, ".png"))
		if err := os.WriteFile(filepath.Join(v.planDir, scene.Image), img.Data, 0o644); err != nil {
			return nil, stageError("scene plan", err)
		}
		if err := v.run.Progress(ctx, 6+4*(i+1)/len(plan.Scenes), fmt.Sprintf("Illustrated scene %d of %d", i+1, len(plan.Scenes))); err != nil {
			return nil, err
		}
	}
	return &plan, nil
}

func (v *videoRun) planPrompt() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Plan %s titled %q about: %s\n", v.variant.format, v.req.Title, v.req.Topic)
	for _, key := range []string{"audience", "grade_level", "course_title", "lesson_title"} {
		if val := v.req.Context[key]; val != "" {
			fmt.Fprintf(&b, "%s: %s\n", strings.ReplaceAll(key, "_", " "), val)
		}
	}
	fmt.Fprintf(&b, "Use at most %d scenes. Each scene has one or two sentences of narration and a description of a single illustration.\n", v.req.SceneCount)
	b.WriteString(`Respond with JSON: {"title":"...","scenes":[{"text":"...","image_prompt":"..."}]}`)
	return b.String()
}

// renderScenes narrates and renders every scene in order.
func (v *videoRun) renderScenes(ctx context.Context, plan *ScenePlan) ([]media.Clip, error) {
	n := len(plan.Scenes)
	clips := make([]media.Clip, 0, n)
	for i, scene := range plan.Scenes {
		if err := v.run.CheckCancelled(ctx); err != nil {
			return nil, err
		}
		idx := i + 1
		stage := fmt.Sprintf("scene %d", idx)

		speech, err := v.deps.Speech.Synthesize(ctx, scene.Text, v.req.Voice)
		if err != nil {
			return nil, generation.AsTaskError(stage+" narration", err)
		}
		narration := v.path(fmt.Sprintf("narration_%03d%s", idx, extension(speech.MIMEType, ".mp3")))
		if err := os.WriteFile(narration, speech.Audio, 0o644); err != nil {
			return nil, stageError(stage, err)
		}

		var subtitles string
		if v.req.Subtitles && strings.TrimSpace(speech.Subtitles) != "" {
			subtitles = v.path(fmt.Sprintf("subtitles_%03d.srt", idx))
			shifted := ShiftSRT(speech.Subtitles, time.Duration(LeadInSeconds*float64(time.Second)))
			if err := os.WriteFile(subtitles, []byte(shifted), 0o644); err != nil {
				return nil, stageError(stage, err)
			}
		}

		audio := v.path(fmt.Sprintf("audio_%03d.m4a", idx))
		if err := v.deps.Media.PrependSilence(ctx, narration, audio, LeadInSeconds); err != nil {
			return nil, stageError(stage+" audio", err)
		}
		duration, err := v.deps.Media.Duration(ctx, audio)
		if err != nil {
			return nil, stageError(stage+" audio", err)
		}

		out := v.path(fmt.Sprintf("scene_%03d.mp4", idx))
		if err := v.deps.Media.StillScene(ctx, media.Scene{
			Image:      filepath.Join(v.planDir, scene.Image),
			Audio:      audio,
			Subtitles:  subtitles,
			Background: v.req.Background,
			Duration:   duration,
			Output:     out,
		}); err != nil {
			return nil, stageError(stage+" render", err)
		}
		clips = append(clips, media.Clip{Path: out, Duration: duration})

		if err := v.run.Event(ctx, fmt.Sprintf("Scene %d rendered", idx), map[string]any{
			"scene":            idx,
			"duration_seconds": duration,
			"file":             filepath.Base(out),
		}); err != nil {
			return nil, err
		}
		if err := v.run.Progress(ctx, 10+50*idx/n, fmt.Sprintf("Rendered scene %d of %d", idx, n)); err != nil {
			return nil, err
		}
	}
	return clips, nil
}

// assemble wraps main with the optional intro and outro into the final
// video. A failure here falls back to main and records a warning.
func (v *videoRun) assemble(ctx context.Context, main string) error {
	final := v.path(finalVideo)
	if v.req.IntroPath == "" && v.req.OutroPath == "" {
		if err := os.Rename(main, final); err != nil {
			return stageError("finalize", err)
		}
		return nil
	}

	if err := v.run.CheckCancelled(ctx); err != nil {
		return err
	}
	err := v.concatWithBookends(ctx, main, final)
	if err == nil {
		return nil
	}
	if cerr := v.run.CheckCancelled(ctx); cerr != nil {
		return cerr
	}

	details := map[string]any{"stage": "intro/outro", "error": redact.Secrets(err.Error())}
	var cmdErr *media.CommandError
	if errors.As(err, &cmdErr) {
		maps.Copy(details, cmdErr.Details())
	}
	msg := "Intro/outro concatenation failed, using the main video as the final artifact"
	if werr := v.run.Warning(ctx, msg, details); werr != nil {
		return werr
	}
	v.warnings = append(v.warnings, msg)

	_ = os.Remove(final)
	if err := os.Rename(main, final); err != nil {
		return stageError("finalize", err)
	}
	return nil
}

func (v *videoRun) concatWithBookends(ctx context.Context, main, final string) error {
	var inputs []string
	parts := []struct{ name, path string }{
		{"intro", v.req.IntroPath},
		{"main", main},
		{"outro", v.req.OutroPath},
	}
	for _, part := range parts {
		if part.path == "" {
			continue
		}
		out := v.path("std_" + part.name + ".mp4")
		if err := v.deps.Media.Standardize(ctx, part.path, out); err != nil {
			return fmt.Errorf("standardize %s: %w", part.name, err)
		}
		inputs = append(inputs, out)
	}
	if err := v.run.Progress(ctx, 80, "Intro and outro standardized"); err != nil {
		return err
	}
	return v.deps.Media.Concat(ctx, inputs, final)
}

// upload publishes the working directory and the scene plan.
func (v *videoRun) upload(ctx context.Context) (map[string]string, error) {
	prefix := objectKey(v.run.TaskID())
	summary, err := v.deps.Uploader.UploadDirectory(ctx, v.runDir, prefix)
	if err != nil {
		return nil, stageError("upload", err)
	}
	planSummary, err := v.deps.Uploader.UploadDirectory(ctx, v.planDir, prefix+"/plan")
	if err != nil {
		return nil, stageError("upload", err)
	}

	manifest := make(map[string]string, len(summary.Manifest)+len(planSummary.Manifest))
	maps.Copy(manifest, summary.Manifest)
	for name, url := range planSummary.Manifest {
		manifest["plan/"+name] = url
	}

	if err := v.run.Progress(ctx, 95, fmt.Sprintf("Uploaded %d files (%s)",
		summary.Files+planSummary.Files, humanize.Bytes(uint64(summary.Bytes+planSummary.Bytes)))); err != nil {
		return nil, err
	}
	return manifest, nil
}

// stageError classifies a pipeline failure. Subprocess failures carry the
// command and the stderr tail in the details.
func stageError(stage string, err error) error {
	var te *domain.TaskError
	if errors.As(err, &te) {
		return err
	}
	details := map[string]any{"stage": stage}
	var cmdErr *media.CommandError
	if errors.As(err, &cmdErr) {
		maps.Copy(details, cmdErr.Details())
	}
	msg := redact.Secrets(fmt.Sprintf("%s failed: %v", stage, err))
	return domain.Transient(msg, err).WithDetails(details)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
