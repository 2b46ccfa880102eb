package mcp

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
)

const containerLabel = "loopgate.mcp"

// ContainerRuntime drives the Docker lifecycle of MCP server containers.
type ContainerRuntime struct {
	cli    client.APIClient
	logger *slog.Logger
}

// NewContainerRuntime connects to the Docker engine from the environment.
func NewContainerRuntime(logger *slog.Logger) (*ContainerRuntime, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return NewContainerRuntimeWithClient(cli, logger), nil
}

// NewContainerRuntimeWithClient uses an existing Docker client.
func NewContainerRuntimeWithClient(cli client.APIClient, logger *slog.Logger) *ContainerRuntime {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &ContainerRuntime{cli: cli, logger: logger.With("component", "mcp")}
}

// EnsureImage pulls the image if the engine does not have it yet.
func (r *ContainerRuntime) EnsureImage(ctx context.Context, ref string) error {
	reader, err := r.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", ref, err)
	}
	defer reader.Close()
	_, err = io.Copy(io.Discard, reader)
	return err
}

// StartStdio creates and starts a container and returns its attached
// stdin/stdout as a byte stream for the stdio transport.
func (r *ContainerRuntime) StartStdio(ctx context.Context, serverID, imageRef string, cmd []string, env map[string]string) (io.ReadWriteCloser, string, error) {
	created, err := r.cli.ContainerCreate(ctx, &container.Config{
		Image:        imageRef,
		Cmd:          cmd,
		Env:          envSlice(env),
		OpenStdin:    true,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Labels:       map[string]string{containerLabel: serverID},
	}, &container.HostConfig{}, nil, nil, "loopgate-mcp-"+serverID)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create mcp container: %w", err)
	}
	id := created.ID

	attach, err := r.cli.ContainerAttach(ctx, id, container.AttachOptions{
		Stream: true,
		Stdin:  true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		r.Stop(ctx, id)
		return nil, "", fmt.Errorf("failed to attach mcp container: %w", err)
	}

	if err := r.cli.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		attach.Close()
		r.Stop(ctx, id)
		return nil, "", fmt.Errorf("failed to start mcp container: %w", err)
	}

	r.logger.Info("mcp container started", "server", serverID, "transport", "stdio")
	return newAttachStream(attach, r.logger.With("server", serverID)), id, nil
}

// StartSSE creates and starts a container with its service port mapped
// to a free host port, returned for the SSE transport URL.
func (r *ContainerRuntime) StartSSE(ctx context.Context, serverID, imageRef string, cmd []string, env map[string]string, containerPort int) (string, int, error) {
	hostPort, err := freePort()
	if err != nil {
		return "", 0, err
	}

	port, err := nat.NewPort("tcp", strconv.Itoa(containerPort))
	if err != nil {
		return "", 0, fmt.Errorf("invalid container port %d: %w", containerPort, err)
	}

	created, err := r.cli.ContainerCreate(ctx, &container.Config{
		Image:        imageRef,
		Cmd:          cmd,
		Env:          envSlice(env),
		ExposedPorts: nat.PortSet{port: struct{}{}},
		Labels:       map[string]string{containerLabel: serverID},
	}, &container.HostConfig{
		PortBindings: nat.PortMap{
			port: []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: strconv.Itoa(hostPort)}},
		},
	}, nil, nil, "loopgate-mcp-"+serverID)
	if err != nil {
		return "", 0, fmt.Errorf("failed to create mcp container: %w", err)
	}
	id := created.ID

	if err := r.cli.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		r.Stop(ctx, id)
		return "", 0, fmt.Errorf("failed to start mcp container: %w", err)
	}

	r.logger.Info("mcp container started", "server", serverID, "transport", "sse", "host_port", hostPort)
	return id, hostPort, nil
}

// IsRunning reports whether the container is still up.
func (r *ContainerRuntime) IsRunning(ctx context.Context, containerID string) bool {
	inspect, err := r.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		return false
	}
	return inspect.State != nil && inspect.State.Running
}

// Stop stops and removes a container, tolerating already-gone state.
func (r *ContainerRuntime) Stop(ctx context.Context, containerID string) {
	grace := 10
	if err := r.cli.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &grace}); err != nil {
		r.logger.Debug("mcp container stop", "container", containerID, "error", err)
	}
	if err := r.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); err != nil {
		r.logger.Debug("mcp container remove", "container", containerID, "error", err)
	}
}

func envSlice(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}

func freePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("failed to find free port: %w", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

// attachStream adapts a hijacked attach connection into a plain byte
// stream, demultiplexing the engine's stdout/stderr framing.
type attachStream struct {
	resp   types.HijackedResponse
	reader *io.PipeReader
}

func newAttachStream(resp types.HijackedResponse, logger *slog.Logger) *attachStream {
	pr, pw := io.Pipe()
	go func() {
		_, err := stdcopy.StdCopy(pw, stderrLogger{logger}, resp.Reader)
		pw.CloseWithError(err)
	}()
	return &attachStream{resp: resp, reader: pr}
}

func (s *attachStream) Read(p []byte) (int, error)  { return s.reader.Read(p) }
func (s *attachStream) Write(p []byte) (int, error) { return s.resp.Conn.Write(p) }

func (s *attachStream) Close() error {
	s.reader.Close()
	s.resp.Close()
	return nil
}

// stderrLogger surfaces container stderr chunks at debug level.
type stderrLogger struct {
	logger *slog.Logger
}

func (w stderrLogger) Write(p []byte) (int, error) {
	if w.logger != nil {
		w.logger.Debug("mcp server stderr", "output", string(p))
	}
	return len(p), nil
}
