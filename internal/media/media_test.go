package media

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRunner records commands and answers from a script keyed by binary.
type fakeRunner struct {
	mu       sync.Mutex
	commands []Command
	respond  func(cmd Command) ([]byte, error)
}

func (f *fakeRunner) Run(_ context.Context, cmd Command) ([]byte, error) {
	f.mu.Lock()
	f.commands = append(f.commands, cmd)
	f.mu.Unlock()
	if f.respond == nil {
		return nil, nil
	}
	return f.respond(cmd)
}

func (f *fakeRunner) last() Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.commands[len(f.commands)-1]
}

func argsString(cmd Command) string {
	return strings.Join(cmd.Args, " ")
}

func TestExecRunner(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	out, err := ExecRunner{}.Run(ctx, Command{Name: "sh", Args: []string{"-c", "echo ok"}})
	require.NoError(t, err)
	assert.Equal(t, "ok\n", string(out))

	_, err = ExecRunner{}.Run(ctx, Command{Name: "sh", Args: []string{"-c", "echo 'token=abcdefghijklmnop broke' >&2; exit 3"}})
	var cerr *CommandError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, 3, cerr.ExitCode)
	assert.Contains(t, cerr.Stderr, "broke")
	assert.NotContains(t, cerr.Stderr, "abcdefghijklmnop")
	assert.Equal(t, 3, cerr.Details()["exit_code"])
	assert.Contains(t, cerr.Details()["command"], "sh -c")
}

func TestExecRunner_ContextCancelled(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancelCause(context.Background())
	cause := errors.New("stop now")
	cancel(cause)

	_, err := ExecRunner{}.Run(ctx, Command{Name: "sh", Args: []string{"-c", "sleep 5"}})
	assert.ErrorIs(t, err, cause)
}

func TestNewFFmpegDefaults(t *testing.T) {
	t.Parallel()
	f := NewFFmpeg(&fakeRunner{}, Options{})
	assert.Equal(t, Options{FFmpegPath: "ffmpeg", FFprobePath: "ffprobe", Width: 1280, Height: 720, FPS: 25}, f.opts)
}

func TestDurationAndHasAudio(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	r := &fakeRunner{respond: func(cmd Command) ([]byte, error) {
		if strings.Contains(argsString(cmd), "format=duration") {
			return []byte("12.480000\n"), nil
		}
		return []byte("1\n"), nil
	}}
	f := NewFFmpeg(r, Options{})

	d, err := f.Duration(ctx, "/w/scene.mp4")
	require.NoError(t, err)
	assert.InDelta(t, 12.48, d, 0.0001)
	assert.Equal(t, "ffprobe", r.last().Name)

	ok, err := f.HasAudio(ctx, "/w/scene.mp4")
	require.NoError(t, err)
	assert.True(t, ok)

	bad := NewFFmpeg(&fakeRunner{respond: func(Command) ([]byte, error) { return []byte("N/A"), nil }}, Options{})
	_, err = bad.Duration(ctx, "/w/x.mp4")
	assert.Error(t, err)
}

func TestStillScene(t *testing.T) {
	t.Parallel()
	r := &fakeRunner{}
	f := NewFFmpeg(r, Options{Width: 640, Height: 360, FPS: 30})

	require.NoError(t, f.StillScene(context.Background(), Scene{
		Image:      "/w/img.png",
		Audio:      "/w/a.m4a",
		Subtitles:  "/w/a.srt",
		Background: "#1e3a5f",
		Duration:   7.5,
		Output:     "/w/scene.mp4",
	}))

	args := argsString(r.last())
	assert.Contains(t, args, "pad=640:360:(ow-iw)/2:(oh-ih)/2:color=#1e3a5f")
	assert.Contains(t, args, "subtitles='/w/a.srt'")
	assert.Contains(t, args, "-t 7.5")
	assert.Contains(t, args, "-r 30")
	assert.True(t, strings.HasSuffix(args, "/w/scene.mp4"))
}

func TestCrossfade(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("single clip is copied", func(t *testing.T) {
		t.Parallel()
		r := &fakeRunner{}
		require.NoError(t, NewFFmpeg(r, Options{}).Crossfade(ctx, []Clip{{Path: "/w/0.mp4", Duration: 4}}, "/w/out.mp4"))
		assert.Contains(t, argsString(r.last()), "-c copy")
	})

	t.Run("offsets accumulate", func(t *testing.T) {
		t.Parallel()
		graph := crossfadeGraph([]Clip{{Duration: 5}, {Duration: 4}, {Duration: 6}})
		assert.Equal(t,
			"[0:v][1:v]xfade=transition=fade:duration=1:offset=4[v1];[0:a][1:a]acrossfade=d=1[a1];"+
				"[v1][2:v]xfade=transition=fade:duration=1:offset=7[v];[a1][2:a]acrossfade=d=1[a]",
			graph)
	})

	t.Run("empty input", func(t *testing.T) {
		t.Parallel()
		assert.Error(t, NewFFmpeg(&fakeRunner{}, Options{}).Crossfade(ctx, nil, "/w/out.mp4"))
	})
}

func TestStandardize(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	silent := &fakeRunner{respond: func(Command) ([]byte, error) { return nil, nil }}
	require.NoError(t, NewFFmpeg(silent, Options{}).Standardize(ctx, "/w/intro.mp4", "/w/intro_std.mp4"))
	args := argsString(silent.last())
	assert.Contains(t, args, "anullsrc=channel_layout=stereo")
	assert.Contains(t, args, "fps=25")
	assert.Contains(t, args, "-map 1:a:0")

	voiced := &fakeRunner{respond: func(Command) ([]byte, error) { return []byte("1"), nil }}
	require.NoError(t, NewFFmpeg(voiced, Options{}).Standardize(ctx, "/w/outro.mp4", "/w/outro_std.mp4"))
	args = argsString(voiced.last())
	assert.NotContains(t, args, "anullsrc")
	assert.Contains(t, args, "-map 0:a:0")
}

func TestConcatOverlayMix(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r := &fakeRunner{}
	f := NewFFmpeg(r, Options{})

	require.NoError(t, f.Concat(ctx, []string{"/w/i.mp4", "/w/m.mp4", "/w/o.mp4"}, "/w/final.mp4"))
	assert.Contains(t, argsString(r.last()), "[0:v][0:a][1:v][1:a][2:v][2:a]concat=n=3:v=1:a=1[v][a]")

	require.NoError(t, f.OverlayLogo(ctx, "/w/m.mp4", "/w/logo.png", "/w/logo.mp4"))
	assert.Contains(t, argsString(r.last()), "scale=-1:72")

	require.NoError(t, f.MixMusic(ctx, "/w/m.mp4", "/w/bg.mp3", "/w/mix.mp4", 0))
	assert.Contains(t, argsString(r.last()), "volume=0.1")

	assert.Error(t, f.Concat(ctx, nil, "/w/final.mp4"))
}

func TestCommandErrorPropagates(t *testing.T) {
	t.Parallel()
	failure := &CommandError{Command: "ffmpeg -i x", ExitCode: 1, Stderr: "Invalid data", Err: errors.New("exit status 1")}
	r := &fakeRunner{respond: func(Command) ([]byte, error) { return nil, failure }}

	err := NewFFmpeg(r, Options{}).PrependSilence(context.Background(), "/w/n.mp3", "/w/a.m4a", 0.5)
	var cerr *CommandError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "Invalid data", cerr.Stderr)
	assert.Contains(t, argsString(r.last()), "adelay=500:all=1")
}
