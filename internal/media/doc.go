// Package media runs the FFmpeg and FFprobe invocations used by the video
// pipeline.
//
// Commands go through a Runner so the same pipeline can execute binaries on
// the host (ExecRunner) or inside a container image (DockerRunner). Failures
// surface as *CommandError values carrying the command line, the exit code
// and a redacted tail of standard error.
package media
