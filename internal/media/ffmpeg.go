package media

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// CrossfadeSeconds is the overlap between adjacent scenes.
const CrossfadeSeconds = 1.0

// Options configures the output format shared by every FFmpeg call.
type Options struct {
	FFmpegPath  string
	FFprobePath string
	Width       int
	Height      int
	FPS         int
}

// FFmpeg builds and runs the FFmpeg invocations of the video pipeline.
type FFmpeg struct {
	runner Runner
	opts   Options
}

// NewFFmpeg creates an FFmpeg bound to runner. Zero options fall back to
// 1280x720 at 25 fps with binaries resolved from PATH.
func NewFFmpeg(runner Runner, opts Options) *FFmpeg {
	if opts.FFmpegPath == "" {
		opts.FFmpegPath = "ffmpeg"
	}
	if opts.FFprobePath == "" {
		opts.FFprobePath = "ffprobe"
	}
	if opts.Width <= 0 {
		opts.Width = 1280
	}
	if opts.Height <= 0 {
		opts.Height = 720
	}
	if opts.FPS <= 0 {
		opts.FPS = 25
	}
	return &FFmpeg{runner: runner, opts: opts}
}

// Clip is a media file with its known duration in seconds.
type Clip struct {
	Path     string
	Duration float64
}

// Scene describes one still-image scene.
type Scene struct {
	Image      string
	Audio      string
	Subtitles  string
	Background string
	Duration   float64
	Output     string
}

func (f *FFmpeg) ffmpeg(ctx context.Context, args ...string) error {
	full := append([]string{"-y", "-hide_banner", "-loglevel", "error"}, args...)
	_, err := f.runner.Run(ctx, Command{Name: f.opts.FFmpegPath, Args: full})
	return err
}

// Duration returns the container duration of path in seconds.
func (f *FFmpeg) Duration(ctx context.Context, path string) (float64, error) {
	out, err := f.runner.Run(ctx, Command{Name: f.opts.FFprobePath, Args: []string{
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	}})
	if err != nil {
		return 0, err
	}
	d, err := strconv.ParseFloat(strings.TrimSpace(string(out)), 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse duration of %s: %w", path, err)
	}
	return d, nil
}

// HasAudio reports whether path contains at least one audio stream.
func (f *FFmpeg) HasAudio(ctx context.Context, path string) (bool, error) {
	out, err := f.runner.Run(ctx, Command{Name: f.opts.FFprobePath, Args: []string{
		"-v", "error",
		"-select_streams", "a",
		"-show_entries", "stream=index",
		"-of", "csv=p=0",
		path,
	}})
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(string(out)) != "", nil
}

// PrependSilence writes in to out delayed by seconds of silence.
func (f *FFmpeg) PrependSilence(ctx context.Context, in, out string, seconds float64) error {
	ms := int(seconds * 1000)
	return f.ffmpeg(ctx,
		"-i", in,
		"-af", fmt.Sprintf("adelay=%d:all=1", ms),
		"-c:a", "aac",
		out,
	)
}

// StillScene renders a still image over audio, padded to the output
// resolution on a background color with optional burned-in subtitles.
func (f *FFmpeg) StillScene(ctx context.Context, s Scene) error {
	bg := s.Background
	if bg == "" {
		bg = "black"
	}
	vf := f.fitFilter(bg)
	if s.Subtitles != "" {
		vf += ",subtitles=" + escapeFilterPath(s.Subtitles)
	}
	vf += ",format=yuv420p"

	return f.ffmpeg(ctx,
		"-loop", "1",
		"-i", s.Image,
		"-i", s.Audio,
		"-vf", vf,
		"-r", strconv.Itoa(f.opts.FPS),
		"-t", formatSeconds(s.Duration),
		"-c:v", "libx264",
		"-tune", "stillimage",
		"-c:a", "aac",
		"-shortest",
		s.Output,
	)
}

// Crossfade joins clips with a CrossfadeSeconds video and audio crossfade
// between neighbours. A single clip is copied unchanged.
func (f *FFmpeg) Crossfade(ctx context.Context, clips []Clip, out string) error {
	switch len(clips) {
	case 0:
		return fmt.Errorf("crossfade requires at least one clip")
	case 1:
		return f.ffmpeg(ctx, "-i", clips[0].Path, "-c", "copy", out)
	}

	args := make([]string, 0, len(clips)*2+8)
	for _, c := range clips {
		args = append(args, "-i", c.Path)
	}
	args = append(args,
		"-filter_complex", crossfadeGraph(clips),
		"-map", "[v]", "-map", "[a]",
		"-c:v", "libx264", "-pix_fmt", "yuv420p",
		"-c:a", "aac",
		out,
	)
	return f.ffmpeg(ctx, args...)
}

// crossfadeGraph chains xfade and acrossfade filters. Each xfade offset is
// the running output length minus the fade.
func crossfadeGraph(clips []Clip) string {
	var parts []string
	prevV, prevA := "[0:v]", "[0:a]"
	running := clips[0].Duration
	for i := 1; i < len(clips); i++ {
		outV, outA := fmt.Sprintf("[v%d]", i), fmt.Sprintf("[a%d]", i)
		if i == len(clips)-1 {
			outV, outA = "[v]", "[a]"
		}
		offset := max(running-CrossfadeSeconds, 0)
		parts = append(parts,
			fmt.Sprintf("%s[%d:v]xfade=transition=fade:duration=%s:offset=%s%s",
				prevV, i, formatSeconds(CrossfadeSeconds), formatSeconds(offset), outV),
			fmt.Sprintf("%s[%d:a]acrossfade=d=%s%s", prevA, i, formatSeconds(CrossfadeSeconds), outA),
		)
		running = offset + clips[i].Duration
		prevV, prevA = outV, outA
	}
	return strings.Join(parts, ";")
}

// OverlayLogo places logo in the top-right corner scaled to a tenth of the
// output height. Audio is copied.
func (f *FFmpeg) OverlayLogo(ctx context.Context, video, logo, out string) error {
	return f.ffmpeg(ctx,
		"-i", video,
		"-i", logo,
		"-filter_complex", fmt.Sprintf("[1:v]scale=-1:%d[logo];[0:v][logo]overlay=W-w-20:20[v]", f.opts.Height/10),
		"-map", "[v]", "-map", "0:a?",
		"-c:v", "libx264", "-pix_fmt", "yuv420p",
		"-c:a", "copy",
		out,
	)
}

// MixMusic mixes looped background music under the video's narration.
func (f *FFmpeg) MixMusic(ctx context.Context, video, music, out string, volume float64) error {
	if volume <= 0 {
		volume = 0.1
	}
	return f.ffmpeg(ctx,
		"-i", video,
		"-stream_loop", "-1",
		"-i", music,
		"-filter_complex", fmt.Sprintf("[1:a]volume=%s[m];[0:a][m]amix=inputs=2:duration=first:dropout_transition=0[a]", formatSeconds(volume)),
		"-map", "0:v", "-map", "[a]",
		"-c:v", "copy",
		"-c:a", "aac",
		out,
	)
}

// Standardize re-encodes in to the pipeline's resolution, frame rate, pixel
// format and codecs. A silent stereo track is added when in has no audio so
// every concatenation input carries one.
func (f *FFmpeg) Standardize(ctx context.Context, in, out string) error {
	hasAudio, err := f.HasAudio(ctx, in)
	if err != nil {
		return err
	}

	args := []string{"-i", in}
	if !hasAudio {
		args = append(args, "-f", "lavfi", "-i", "anullsrc=channel_layout=stereo:sample_rate=44100")
	}
	args = append(args,
		"-vf", f.fitFilter("black")+fmt.Sprintf(",fps=%d,format=yuv420p", f.opts.FPS),
		"-map", "0:v:0",
	)
	if hasAudio {
		args = append(args, "-map", "0:a:0")
	} else {
		args = append(args, "-map", "1:a:0", "-shortest")
	}
	args = append(args,
		"-c:v", "libx264",
		"-c:a", "aac", "-ar", "44100", "-ac", "2",
		out,
	)
	return f.ffmpeg(ctx, args...)
}

// Concat joins standardized inputs back to back with the concat filter.
func (f *FFmpeg) Concat(ctx context.Context, inputs []string, out string) error {
	if len(inputs) == 0 {
		return fmt.Errorf("concat requires at least one input")
	}
	args := make([]string, 0, len(inputs)*2+10)
	var graph strings.Builder
	for i, in := range inputs {
		args = append(args, "-i", in)
		fmt.Fprintf(&graph, "[%d:v][%d:a]", i, i)
	}
	fmt.Fprintf(&graph, "concat=n=%d:v=1:a=1[v][a]", len(inputs))
	args = append(args,
		"-filter_complex", graph.String(),
		"-map", "[v]", "-map", "[a]",
		"-c:v", "libx264", "-pix_fmt", "yuv420p",
		"-c:a", "aac",
		out,
	)
	return f.ffmpeg(ctx, args...)
}

func (f *FFmpeg) fitFilter(color string) string {
	w, h := f.opts.Width, f.opts.Height
	return fmt.Sprintf("scale=%d:%d:force_original_aspect_ratio=decrease,pad=%d:%d:(ow-iw)/2:(oh-ih)/2:color=%s",
		w, h, w, h, color)
}

func formatSeconds(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// escapeFilterPath quotes a path for use inside a filtergraph argument.
func escapeFilterPath(p string) string {
	r := strings.NewReplacer(`\`, `\\`, `:`, `\:`, `'`, `\'`)
	return "'" + r.Replace(p) + "'"
}
