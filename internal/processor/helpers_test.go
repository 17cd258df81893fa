package processor

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/phrazzld/studio-queue/internal/domain"
	"github.com/phrazzld/studio-queue/internal/generation"
	"github.com/phrazzld/studio-queue/internal/media"
	"github.com/phrazzld/studio-queue/internal/platform/memory"
	"github.com/phrazzld/studio-queue/internal/storage"
	"github.com/phrazzld/studio-queue/internal/task"
	"github.com/stretchr/testify/require"
)

const testOwner = "owner-1"

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeText answers GenerateJSON with a canned value and GenerateText with a
// canned string.
type fakeText struct {
	value any
	text  string
	err   error
	calls atomic.Int32
}

func (f *fakeText) GenerateJSON(_ context.Context, _ string, out any) error {
	f.calls.Add(1)
	if f.err != nil {
		return f.err
	}
	b, err := json.Marshal(f.value)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, out)
}

func (f *fakeText) GenerateText(_ context.Context, _ string) (string, error) {
	f.calls.Add(1)
	return f.text, f.err
}

// fakeImages returns a tiny PNG, failing from call failFrom onwards when set.
type fakeImages struct {
	failFrom int
	err      error
	calls    atomic.Int32
}

var pngBytes = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")

func (f *fakeImages) GenerateImage(_ context.Context, _ string) (*generation.Image, error) {
	n := int(f.calls.Add(1))
	if f.err != nil && n >= f.failFrom {
		return nil, f.err
	}
	return &generation.Image{Data: pngBytes, MIMEType: "image/png"}, nil
}

// fakeSpeech returns MP3-ish audio with a one-cue SRT. hook runs before
// every call.
type fakeSpeech struct {
	err   error
	hook  func(call int)
	calls atomic.Int32
}

func (f *fakeSpeech) Synthesize(_ context.Context, text, _ string) (*generation.Speech, error) {
	n := int(f.calls.Add(1))
	if f.hook != nil {
		f.hook(n)
	}
	if f.err != nil {
		return nil, f.err
	}
	return &generation.Speech{
		Audio:     []byte("ID3" + text),
		MIMEType:  "audio/mpeg",
		Subtitles: "1\n00:00:00,000 --> 00:00:02,500\n" + text + "\n",
	}, nil
}

// fakeMedia imitates ffmpeg and ffprobe: ffmpeg writes its output file and
// ffprobe reports a fixed duration and an audio stream.
type fakeMedia struct {
	mu       sync.Mutex
	commands []media.Command
	// fail returns an error for commands whose arguments contain the key.
	fail map[string]error
}

func (f *fakeMedia) Run(_ context.Context, cmd media.Command) ([]byte, error) {
	f.mu.Lock()
	f.commands = append(f.commands, cmd)
	f.mu.Unlock()

	args := strings.Join(cmd.Args, " ")
	for key, err := range f.fail {
		if strings.Contains(args, key) {
			return nil, err
		}
	}
	if cmd.Name == "ffprobe" {
		if strings.Contains(args, "format=duration") {
			return []byte("3.500000\n"), nil
		}
		return []byte("1\n"), nil
	}
	out := cmd.Args[len(cmd.Args)-1]
	return nil, os.WriteFile(out, []byte("media:"+filepath.Base(out)), 0o644)
}

func (f *fakeMedia) count(substr string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.commands {
		if strings.Contains(strings.Join(c.Args, " "), substr) {
			n++
		}
	}
	return n
}

func commandFailure(stderr string) error {
	return &media.CommandError{Command: "ffmpeg -i x", ExitCode: 1, Stderr: stderr, Err: errors.New("exit status 1")}
}

type engine struct {
	tasks      *memory.TaskStore
	queue      *memory.QueueStore
	registry   *task.Registry
	dispatcher *task.Dispatcher
	service    *task.Service
	deps       Deps
	text       *fakeText
	images     *fakeImages
	speech     *fakeSpeech
	media      *fakeMedia
	storeDir   string
}

// newEngine wires every processor over memory stores, fake collaborators
// and a local bucket. register overrides RegisterAll when set.
func newEngine(t *testing.T, register func(*task.Registry, Deps) error) *engine {
	t.Helper()
	log := discardLogger()

	storeDir := t.TempDir()
	bucket, err := storage.NewLocalBucket(storeDir, "https://cdn.test")
	require.NoError(t, err)

	e := &engine{
		tasks:    memory.NewTaskStore(log),
		queue:    memory.NewQueueStore(log),
		registry: task.NewRegistry(),
		text:     &fakeText{},
		images:   &fakeImages{},
		speech:   &fakeSpeech{},
		media:    &fakeMedia{},
		storeDir: storeDir,
	}
	e.deps = Deps{
		Text:     e.text,
		Images:   e.images,
		Speech:   e.speech,
		Media:    media.NewFFmpeg(e.media, media.Options{}),
		Uploader: storage.NewUploader(bucket, 2, log),
		WorkDir:  t.TempDir(),
		Logger:   log,
	}
	if register == nil {
		register = RegisterAll
	}
	require.NoError(t, register(e.registry, e.deps))

	cfg := task.DefaultDispatcherConfig()
	cfg.CancelPoll = 10 * time.Millisecond
	e.dispatcher = task.NewDispatcher(e.tasks, e.queue, e.registry, cfg, log)
	e.dispatcher.Pause()
	t.Cleanup(e.dispatcher.Close)
	e.service = task.NewService(e.tasks, e.queue, e.registry, e.dispatcher, log)
	return e
}

func (e *engine) enqueue(t *testing.T, id, taskType string, request any) {
	t.Helper()
	raw, err := json.Marshal(request)
	require.NoError(t, err)
	_, err = e.service.Enqueue(context.Background(), task.EnqueueRequest{
		TaskID:      id,
		OwnerID:     testOwner,
		Type:        taskType,
		RequestData: raw,
	})
	require.NoError(t, err)
}

// runOnce processes a single claimable entry and returns the task.
func (e *engine) runOnce(t *testing.T, id string) *domain.Task {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	processed, err := e.dispatcher.ProcessNext(ctx)
	require.NoError(t, err)
	require.True(t, processed, "expected a claimable entry")
	return e.task(t, id)
}

func (e *engine) task(t *testing.T, id string) *domain.Task {
	t.Helper()
	got, err := e.tasks.GetTask(context.Background(), id)
	require.NoError(t, err)
	return got
}

// progressValues returns the progress of every event that carries one.
func progressValues(tk *domain.Task) []int {
	var out []int
	for _, ev := range tk.Events {
		if ev.Progress != nil {
			out = append(out, *ev.Progress)
		}
	}
	return out
}

func hasEventContaining(tk *domain.Task, substr string) bool {
	for _, ev := range tk.Events {
		if strings.Contains(ev.Message, substr) {
			return true
		}
	}
	return false
}

func validateErr(t *testing.T, p task.Processor, request any) error {
	t.Helper()
	raw, err := json.Marshal(request)
	require.NoError(t, err)
	_, err = p.ValidateRequest(raw)
	return err
}
