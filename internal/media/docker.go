package media

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/phrazzld/studio-queue/internal/redact"
)

// DockerRunner runs each command in a fresh container created from Image.
// WorkDir is bind-mounted at the same path so file arguments resolve
// identically inside and outside the container.
type DockerRunner struct {
	cli     *client.Client
	image   string
	workDir string
	logger  *slog.Logger
}

var _ Runner = (*DockerRunner)(nil)

// NewDockerRunner connects to the daemon described by the environment.
func NewDockerRunner(image, workDir string, logger *slog.Logger) (*DockerRunner, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &DockerRunner{
		cli:     cli,
		image:   image,
		workDir: workDir,
		logger:  logger.With(slog.String("component", "docker_runner")),
	}, nil
}

// Close releases the daemon connection.
func (r *DockerRunner) Close() error {
	return r.cli.Close()
}

// Run implements Runner.
func (r *DockerRunner) Run(ctx context.Context, cmd Command) ([]byte, error) {
	cfg, hostCfg := r.containerConfig(cmd)

	resp, err := r.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, "")
	if err != nil {
		return nil, &CommandError{Command: cmd.String(), Err: fmt.Errorf("failed to create container: %w", err)}
	}
	defer r.remove(resp.ID)

	if err := r.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return nil, &CommandError{Command: cmd.String(), Err: fmt.Errorf("failed to start container: %w", err)}
	}

	var exitCode int64
	statusCh, errCh := r.cli.ContainerWait(ctx, resp.ID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		if err != nil {
			return nil, &CommandError{Command: cmd.String(), Err: err}
		}
	case status := <-statusCh:
		exitCode = status.StatusCode
	case <-ctx.Done():
		return nil, &CommandError{Command: cmd.String(), Err: context.Cause(ctx)}
	}

	logs, err := r.cli.ContainerLogs(ctx, resp.ID, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return nil, &CommandError{Command: cmd.String(), ExitCode: int(exitCode), Err: fmt.Errorf("failed to read logs: %w", err)}
	}
	defer logs.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, logs); err != nil {
		return nil, &CommandError{Command: cmd.String(), ExitCode: int(exitCode), Err: fmt.Errorf("failed to demultiplex logs: %w", err)}
	}

	if exitCode != 0 {
		return stdout.Bytes(), &CommandError{
			Command:  cmd.String(),
			ExitCode: int(exitCode),
			Stderr:   redact.Tail(stderr.String(), stderrTailLines),
			Err:      fmt.Errorf("container exited with status %d", exitCode),
		}
	}
	return stdout.Bytes(), nil
}

func (r *DockerRunner) containerConfig(cmd Command) (*container.Config, *container.HostConfig) {
	dir := cmd.Dir
	if dir == "" {
		dir = r.workDir
	}
	cfg := &container.Config{
		Image:      r.image,
		Entrypoint: []string{cmd.Name},
		Cmd:        cmd.Args,
		WorkingDir: dir,
		Tty:        false,
	}
	hostCfg := &container.HostConfig{
		Binds:       []string{r.workDir + ":" + r.workDir},
		NetworkMode: "none",
	}
	return cfg, hostCfg
}

func (r *DockerRunner) remove(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := r.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil {
		r.logger.Warn("failed to remove container",
			slog.String("container_id", id),
			slog.String("error", err.Error()))
	}
}
