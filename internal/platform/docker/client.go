package docker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/dontdude/rabbitq/internal/domain"
	"github.com/dontdude/rabbitq/internal/platform/logging"
)

// memoryLimit is the hard cgroup memory limit of every container.
const memoryLimit = 512 * 1024 * 1024

// Runtime describes how code for one language is started.
type Runtime struct {
	Image string
	// Cmd is the interpreter invocation; the code is appended as the last argument.
	Cmd []string
}

// Runtimes maps the language names accepted by Run to their runtime.
var Runtimes = map[string]Runtime{
	"python": {Image: "python:3.12-alpine", Cmd: []string{"python", "-c"}},
	"node":   {Image: "node:20-alpine", Cmd: []string{"node", "-e"}},
	"sh":     {Image: "alpine:3.20", Cmd: []string{"sh", "-c"}},
}

// engine is the slice of the Docker API that Run drives.
type engine interface {
	pull(ctx context.Context, ref string) error
	create(ctx context.Context, cfg *container.Config, host *container.HostConfig) (string, error)
	start(ctx context.Context, id string) error
	wait(ctx context.Context, id string) (int64, error)
	logs(ctx context.Context, id string) (io.ReadCloser, error)
	remove(ctx context.Context, id string) error
}

// Client runs code in ephemeral containers.
type Client struct {
	eng    engine
	logger *slog.Logger
}

// Check if Client implements domain.ContainerRunner
var _ domain.ContainerRunner = (*Client)(nil)

// NewClient connects to the Docker daemon configured by the environment and pings it.
func NewClient(ctx context.Context, logger *slog.Logger) (*Client, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}

	// Ping Docker to ensure connection
	if _, err := cli.Ping(ctx); err != nil {
		cli.Close()
		return nil, fmt.Errorf("connect to docker daemon: %w", err)
	}

	logging.OrDiscard(logger).Info("Docker client initialized")
	return newClient(sdkEngine{cli: cli}, logger), nil
}

func newClient(eng engine, logger *slog.Logger) *Client {
	return &Client{eng: eng, logger: logging.OrDiscard(logger)}
}

// Run executes code in a fresh container for language and returns its
// combined stdout and stderr. A non-zero exit status is an error that
// carries the output.
func (c *Client) Run(ctx context.Context, code string, language string) (string, error) {
	rt, ok := Runtimes[strings.ToLower(language)]
	if !ok {
		return "", fmt.Errorf("unsupported language %q", language)
	}

	c.logger.Debug("Pulling image", "image", rt.Image)
	if err := c.eng.pull(ctx, rt.Image); err != nil {
		return "", fmt.Errorf("pull image %s: %w", rt.Image, err)
	}

	cmd := append(append([]string(nil), rt.Cmd...), code)
	id, err := c.eng.create(ctx, &container.Config{
		Image:           rt.Image,
		Cmd:             cmd,
		NetworkDisabled: true,
	}, &container.HostConfig{
		Resources: container.Resources{
			Memory: memoryLimit,
		},
	})
	if err != nil {
		return "", fmt.Errorf("create container: %w", err)
	}
	c.logger.Debug("Container created", "containerID", id, "image", rt.Image)

	defer func() {
		// The job context may already be cancelled.
		if err := c.eng.remove(context.WithoutCancel(ctx), id); err != nil {
			c.logger.Warn("Failed to remove container", "containerID", id, "error", err)
		}
	}()

	if err := c.eng.start(ctx, id); err != nil {
		return "", fmt.Errorf("start container: %w", err)
	}
	status, err := c.eng.wait(ctx, id)
	if err != nil {
		return "", fmt.Errorf("wait for container: %w", err)
	}

	rc, err := c.eng.logs(ctx, id)
	if err != nil {
		return "", fmt.Errorf("read container logs: %w", err)
	}
	defer rc.Close()

	var out bytes.Buffer
	if _, err := stdcopy.StdCopy(&out, &out, rc); err != nil {
		return "", fmt.Errorf("demultiplex container logs: %w", err)
	}

	if status != 0 {
		return out.String(), fmt.Errorf("container exited with status %d", status)
	}
	return out.String(), nil
}

// Close releases the daemon connection.
func (c *Client) Close() error {
	if e, ok := c.eng.(sdkEngine); ok {
		return e.cli.Close()
	}
	return nil
}

type sdkEngine struct {
	cli *client.Client
}

func (e sdkEngine) pull(ctx context.Context, ref string) error {
	reader, err := e.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return err
	}
	defer reader.Close()
	// Drain the response body to ensure the pull completes properly.
	_, err = io.Copy(io.Discard, reader)
	return err
}

func (e sdkEngine) create(ctx context.Context, cfg *container.Config, host *container.HostConfig) (string, error) {
	resp, err := e.cli.ContainerCreate(ctx, cfg, host, nil, nil, "")
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (e sdkEngine) start(ctx context.Context, id string) error {
	return e.cli.ContainerStart(ctx, id, container.StartOptions{})
}

func (e sdkEngine) wait(ctx context.Context, id string) (int64, error) {
	statusCh, errCh := e.cli.ContainerWait(ctx, id, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		return 0, err
	case st := <-statusCh:
		if st.Error != nil {
			return st.StatusCode, fmt.Errorf("%s", st.Error.Message)
		}
		return st.StatusCode, nil
	}
}

func (e sdkEngine) logs(ctx context.Context, id string) (io.ReadCloser, error) {
	return e.cli.ContainerLogs(ctx, id, container.LogsOptions{ShowStdout: true, ShowStderr: true})
}

func (e sdkEngine) remove(ctx context.Context, id string) error {
	return e.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true})
}
