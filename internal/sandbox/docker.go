package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/google/uuid"
)

// hardKillGrace is how long a timed-out container gets to exit after the
// soft stop before it is killed.
const hardKillGrace = 10 * time.Second

// DockerConfig describes the sandbox container shape.
type DockerConfig struct {
	// Image is the agent runner image.
	Image string

	// SkillsDir is mounted read-only at /skills when set.
	SkillsDir string

	// NetworkMode restricts egress; typically a network allowing only the
	// LLM endpoint. Empty uses the engine default.
	NetworkMode string

	// MemoryMB caps container memory.
	MemoryMB int64

	// CPUs caps container CPU.
	CPUs int64

	// Timeout bounds one invocation end to end.
	Timeout time.Duration
}

func (c *DockerConfig) applyDefaults() {
	if c.MemoryMB <= 0 {
		c.MemoryMB = 2048
	}
	if c.CPUs <= 0 {
		c.CPUs = 2
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Minute
	}
}

// DockerSandbox launches one disposable container per invocation. The
// input, including the API key, is written to the child's stdin and never
// appears in the environment or on disk.
type DockerSandbox struct {
	cli    client.APIClient
	cfg    DockerConfig
	logger *slog.Logger
}

// NewDockerSandbox connects to the Docker engine from the environment.
func NewDockerSandbox(cfg DockerConfig, logger *slog.Logger) (*DockerSandbox, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return NewDockerSandboxWithClient(cli, cfg, logger), nil
}

// NewDockerSandboxWithClient uses an existing Docker client.
func NewDockerSandboxWithClient(cli client.APIClient, cfg DockerConfig, logger *slog.Logger) *DockerSandbox {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &DockerSandbox{cli: cli, cfg: cfg, logger: logger.With("component", "sandbox")}
}

// Launch runs one container to completion and parses its framed output.
func (s *DockerSandbox) Launch(ctx context.Context, input *Input) (*Result, error) {
	payload, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal sandbox input: %w", err)
	}

	name := "loopgate-run-" + uuid.NewString()[:8]

	hostCfg := &container.HostConfig{
		AutoRemove:     true,
		ReadonlyRootfs: true,
		Tmpfs: map[string]string{
			"/tmp": "rw,noexec,nosuid,size=268435456",
		},
		Resources: container.Resources{
			Memory:   s.cfg.MemoryMB << 20,
			NanoCPUs: s.cfg.CPUs * 1e9,
		},
	}
	if s.cfg.SkillsDir != "" {
		hostCfg.Binds = []string{s.cfg.SkillsDir + ":/skills:ro"}
	}
	if s.cfg.NetworkMode != "" {
		hostCfg.NetworkMode = container.NetworkMode(s.cfg.NetworkMode)
	}

	created, err := s.cli.ContainerCreate(ctx, &container.Config{
		Image:        s.cfg.Image,
		OpenStdin:    true,
		StdinOnce:    true,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Labels:       map[string]string{"loopgate.sandbox": "true"},
	}, hostCfg, nil, nil, name)
	if err != nil {
		return nil, fmt.Errorf("failed to create container: %w", err)
	}
	id := created.ID

	attach, err := s.cli.ContainerAttach(ctx, id, container.AttachOptions{
		Stream: true,
		Stdin:  true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to attach container: %w", err)
	}
	defer attach.Close()

	if err := s.cli.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("failed to start container: %w", err)
	}
	s.logger.Debug("container started", "name", name)

	if _, err := attach.Conn.Write(payload); err != nil {
		return nil, fmt.Errorf("failed to write sandbox input: %w", err)
	}
	if err := attach.CloseWrite(); err != nil {
		s.logger.Warn("failed to close container stdin", "name", name, "error", err)
	}

	var stdout, stderr bytes.Buffer
	copyDone := make(chan error, 1)
	go func() {
		_, copyErr := stdcopy.StdCopy(&stdout, &stderr, attach.Reader)
		copyDone <- copyErr
	}()

	waitCh, waitErrCh := s.cli.ContainerWait(ctx, id, container.WaitConditionNotRunning)
	timer := time.NewTimer(s.cfg.Timeout)
	defer timer.Stop()

	select {
	case <-timer.C:
		s.terminate(name, id)
		return nil, fmt.Errorf("container timed out after %s", s.cfg.Timeout)

	case err := <-waitErrCh:
		return nil, fmt.Errorf("container wait failed: %w", err)

	case <-ctx.Done():
		s.terminate(name, id)
		return nil, ctx.Err()

	case status := <-waitCh:
		<-copyDone
		result, parseErr := ParseOutput(stdout.String(), stderr.String())
		if parseErr != nil {
			if status.StatusCode != 0 {
				return nil, fmt.Errorf("container exited with status %d: %w", status.StatusCode, parseErr)
			}
			return nil, parseErr
		}
		return result, nil
	}
}

// terminate soft-stops the container, then kills it if it lingers past
// the grace period.
func (s *DockerSandbox) terminate(name, id string) {
	ctx, cancel := context.WithTimeout(context.Background(), hardKillGrace+5*time.Second)
	defer cancel()

	grace := int(hardKillGrace.Seconds())
	if err := s.cli.ContainerStop(ctx, id, container.StopOptions{Timeout: &grace}); err != nil {
		s.logger.Warn("container stop failed, killing", "name", name, "error", err)
		if killErr := s.cli.ContainerKill(ctx, id, "KILL"); killErr != nil {
			s.logger.Warn("container kill failed", "name", name, "error", killErr)
		}
	}
}
