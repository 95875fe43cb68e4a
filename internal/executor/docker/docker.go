// Package docker implements the container isolation backend: one detached,
// network-isolated, resource-capped container per request, removed on every
// exit path.
package docker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/rs/xid"

	"github.com/binhtrongg/python-sandbox/internal/config"
	"github.com/binhtrongg/python-sandbox/internal/executor"
	"github.com/binhtrongg/python-sandbox/internal/storage"
)

// outputDir is where sandboxed code writes files it wants extracted.
const outputDir = "/tmp/output"

// Executor implements executor.Backend using the Docker daemon.
type Executor struct {
	cli     *client.Client
	cfg     config.DockerConfig
	limits  config.LimitsConfig
	storage *storage.Manager
	logger  *slog.Logger
}

var _ executor.Backend = (*Executor)(nil)

// New connects to the Docker daemon and makes a best-effort attempt to pull
// the sandbox image. A pull failure is logged, not fatal, since the image
// is usually built locally and never published.
func New(cfg config.DockerConfig, limits config.LimitsConfig, store *storage.Manager, logger *slog.Logger) (*Executor, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	pullCtx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	if reader, err := cli.ImagePull(pullCtx, cfg.Image, image.PullOptions{}); err != nil {
		logger.Warn("could not pull sandbox image, assuming it exists locally",
			slog.String("image", cfg.Image), slog.String("error", err.Error()))
	} else {
		// Block until the pull completes.
		io.Copy(io.Discard, reader)
		reader.Close()
	}

	return &Executor{
		cli:     cli,
		cfg:     cfg,
		limits:  limits,
		storage: store,
		logger:  logger,
	}, nil
}

// Execute runs the code as the entire command line of one fresh container
// and waits up to timeout seconds for it to finish.
func (e *Executor) Execute(ctx context.Context, code string, timeout int) (*executor.Result, error) {
	start := time.Now()
	executionID := xid.New().String()
	pidsLimit := e.cfg.PidsLimit

	createCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	resp, err := e.cli.ContainerCreate(createCtx,
		&container.Config{
			Image:           e.cfg.Image,
			Cmd:             []string{"python", "-c", code},
			NetworkDisabled: true,
			WorkingDir:      outputDir,
		},
		&container.HostConfig{
			NetworkMode: "none",
			CapDrop:     []string{"ALL"},
			SecurityOpt: []string{"no-new-privileges"},
			Resources: container.Resources{
				Memory:     e.cfg.Memory,
				MemorySwap: e.cfg.MemorySwap,
				CPUQuota:   e.cfg.CPUQuota,
				CPUPeriod:  e.cfg.CPUPeriod,
				PidsLimit:  &pidsLimit,
			},
		},
		nil, nil, "")
	if err != nil {
		return e.failure(start, err), nil
	}
	containerID := resp.ID

	// The container is forcibly removed on every exit path; removal
	// failure is swallowed.
	defer func() {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := e.cli.ContainerRemove(cleanupCtx, containerID, container.RemoveOptions{Force: true}); err != nil {
			e.logger.Warn("failed to remove container",
				slog.String("id", containerID), slog.String("error", err.Error()))
		}
	}()

	if err := e.cli.ContainerStart(createCtx, containerID, container.StartOptions{}); err != nil {
		return e.failure(start, err), nil
	}

	waitCtx, cancelWait := context.WithTimeout(ctx, time.Duration(timeout)*time.Second)
	defer cancelWait()

	statusCh, errCh := e.cli.ContainerWait(waitCtx, containerID, container.WaitConditionNotRunning)

	var exitCode int
	select {
	case status := <-statusCh:
		exitCode = int(status.StatusCode)
	case err := <-errCh:
		return e.failure(start, err), nil
	}

	stdout, stderr, err := e.collectLogs(ctx, containerID)
	if err != nil {
		return e.failure(start, err), nil
	}
	stdout = executor.TruncateOutput(stdout, e.limits.MaxOutputSize)
	stderr = executor.TruncateOutput(stderr, e.limits.MaxOutputSize)

	if exitCode != 0 {
		// The script itself failed: a normal result, not an
		// infrastructure error, and no stdout or file extraction.
		return &executor.Result{
			Success:       false,
			Stderr:        stderr,
			ExitCode:      exitCode,
			ExecutionTime: seconds(start),
			Error:         "Container error",
			Files:         []string{},
		}, nil
	}

	files := e.extractFiles(ctx, containerID, executionID)

	return &executor.Result{
		Success:       true,
		Stdout:        stdout,
		Stderr:        stderr,
		ExitCode:      0,
		ExecutionTime: seconds(start),
		Files:         files,
	}, nil
}

// failure classifies an infrastructure-level error into the two-category
// taxonomy. The wait primitive's own deadline is the primary timeout signal;
// substring matching is only a fallback for opaque daemon errors.
func (e *Executor) failure(start time.Time, err error) *executor.Result {
	tag := executor.ErrorFailed
	if errors.Is(err, context.DeadlineExceeded) || isTimeoutText(err) {
		tag = executor.ErrorTimeout
	}
	return &executor.Result{
		Success:       false,
		Stderr:        err.Error(),
		ExitCode:      -1,
		ExecutionTime: seconds(start),
		Error:         tag,
		Files:         []string{},
	}
}

func isTimeoutText(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "timeout") || strings.Contains(msg, "timed out")
}

func seconds(start time.Time) float64 {
	return time.Since(start).Seconds()
}

// collectLogs captures stdout and stderr separately from the finished
// container.
func (e *Executor) collectLogs(ctx context.Context, containerID string) (string, string, error) {
	logsCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	reader, err := e.cli.ContainerLogs(logsCtx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		return "", "", fmt.Errorf("fetching container logs: %w", err)
	}
	defer reader.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, reader); err != nil {
		return "", "", fmt.Errorf("demultiplexing container logs: %w", err)
	}
	return stdout.String(), stderr.String(), nil
}

// HealthCheck pings the daemon.
func (e *Executor) HealthCheck(ctx context.Context) bool {
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err := e.cli.Ping(pingCtx)
	return err == nil
}

// Cleanup closes the daemon connection.
func (e *Executor) Cleanup() error {
	return e.cli.Close()
}

func (e *Executor) Name() string { return "docker" }
