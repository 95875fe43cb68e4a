// Package firecracker implements the microVM isolation backend. Each request
// gets its own firecracker process, configured over the control socket,
// booted, spoken to over vsock, and torn down unconditionally.
package firecracker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/rs/xid"

	"github.com/binhtrongg/python-sandbox/internal/config"
	"github.com/binhtrongg/python-sandbox/internal/executor"
	"github.com/binhtrongg/python-sandbox/internal/storage"
	"github.com/binhtrongg/python-sandbox/internal/vmrpc"
)

// guestOutputDir is where sandboxed code inside the VM writes files it
// wants extracted.
const guestOutputDir = "/tmp/output"

// vsockExecPort is the guest agent's vsock port.
const vsockExecPort = 5000

const (
	socketReadyTimeout = 5 * time.Second
	agentReadyTimeout  = 10 * time.Second
	bootSettleDelay    = 500 * time.Millisecond
)

// Executor implements executor.Backend on Firecracker microVMs.
type Executor struct {
	cfg     config.FirecrackerConfig
	limits  config.LimitsConfig
	storage *storage.Manager
	logger  *slog.Logger
}

var _ executor.Backend = (*Executor)(nil)

// New verifies the host can actually run microVMs: firecracker binary,
// kernel image, root filesystem, and KVM. Any missing piece fails
// construction so the factory can fall back to another provider.
func New(cfg config.FirecrackerConfig, limits config.LimitsConfig, store *storage.Manager, logger *slog.Logger) (*Executor, error) {
	verifyCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out, err := exec.CommandContext(verifyCtx, "firecracker", "--version").CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("firecracker binary not usable: %w", err)
	}

	if _, err := os.Stat(cfg.KernelPath); err != nil {
		return nil, fmt.Errorf("kernel image not found at %s: %w", cfg.KernelPath, err)
	}
	if _, err := os.Stat(cfg.RootfsPath); err != nil {
		return nil, fmt.Errorf("root filesystem not found at %s: %w", cfg.RootfsPath, err)
	}
	if _, err := os.Stat("/dev/kvm"); err != nil {
		return nil, fmt.Errorf("KVM not available: %w", err)
	}
	if err := os.MkdirAll(cfg.SocketDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating socket directory: %w", err)
	}

	logger.Info("firecracker executor initialized",
		slog.String("version", strings.TrimSpace(string(out))),
		slog.String("kernel", cfg.KernelPath),
		slog.String("rootfs", cfg.RootfsPath),
		slog.Int("memory_mb", cfg.MemoryMB),
		slog.Int("vcpus", cfg.VCPUCount))

	return &Executor{
		cfg:     cfg,
		limits:  limits,
		storage: store,
		logger:  logger,
	}, nil
}

// Execute runs code in one fresh microVM. The lifecycle is strictly linear:
// spawn, await control socket, configure, boot, await agent, execute,
// extract, tear down. Teardown runs on every exit path and never overrides
// the computed result.
func (e *Executor) Execute(ctx context.Context, code string, timeout int) (*executor.Result, error) {
	start := time.Now()
	vmID := xid.New().String()

	s := &session{
		id:        vmID,
		apiSocket: filepath.Join(e.cfg.SocketDir, vmID+".sock"),
		vsockPath: filepath.Join(e.cfg.SocketDir, vmID+".vsock"),
		logger:    e.logger,
	}
	defer s.teardown()

	if err := s.start(); err != nil {
		return e.failure(start, err), nil
	}
	if err := s.awaitSocket(socketReadyTimeout); err != nil {
		return e.failure(start, err), nil
	}
	if err := e.configure(ctx, s); err != nil {
		return e.failure(start, err), nil
	}
	if err := s.boot(ctx); err != nil {
		return e.failure(start, err), nil
	}
	if err := s.awaitAgent(agentReadyTimeout); err != nil {
		return e.failure(start, err), nil
	}

	// The host read deadline is independent of the guest's declared
	// timeout: the guest enforces the execution limit itself and reports
	// a timeout as a normal failed response.
	readTimeout := time.Duration(timeout)*time.Second + 10*time.Second

	client, err := dialGuest(s.vsockPath, vsockExecPort, 5*time.Second)
	if err != nil {
		return e.failure(start, err), nil
	}
	defer client.Close()

	resp, err := client.Execute(code, timeout, readTimeout)
	if err != nil {
		return e.failure(start, err), nil
	}

	files := e.extractFiles(ctx, s, vmID)

	return &executor.Result{
		Success:       resp.Success,
		Stdout:        executor.TruncateOutput(resp.Stdout, e.limits.MaxOutputSize),
		Stderr:        executor.TruncateOutput(resp.Stderr, e.limits.MaxOutputSize),
		ExitCode:      resp.ExitCode,
		ExecutionTime: time.Since(start).Seconds(),
		Error:         resp.Error,
		Files:         files,
	}, nil
}

func (e *Executor) configure(ctx context.Context, s *session) error {
	api := newAPIClient(s.apiSocket)
	if err := api.SetBootSource(ctx, e.cfg.KernelPath); err != nil {
		return err
	}
	if err := api.SetRootDrive(ctx, e.cfg.RootfsPath); err != nil {
		return err
	}
	if err := api.SetMachineConfig(ctx, e.cfg.VCPUCount, e.cfg.MemoryMB); err != nil {
		return err
	}
	if err := api.SetVsock(ctx, s.vsockPath); err != nil {
		return err
	}
	s.api = api
	return nil
}

// extractFiles pulls the guest's output directory through the agent, one
// file at a time, under the same ceilings the container backend applies.
// Best-effort: any failure degrades to fewer files.
func (e *Executor) extractFiles(ctx context.Context, s *session, executionID string) []string {
	urls := []string{}
	if !e.storage.Enabled() {
		return urls
	}

	client, err := dialGuest(s.vsockPath, vsockExecPort, 5*time.Second)
	if err != nil {
		e.logger.Warn("failed to connect for file extraction",
			slog.String("vm", s.id), slog.String("error", err.Error()))
		return urls
	}
	defer client.Close()

	names, err := client.ListFiles(guestOutputDir, 10*time.Second)
	if err != nil {
		e.logger.Warn("failed to list guest files",
			slog.String("vm", s.id), slog.String("error", err.Error()))
		return urls
	}

	var totalSize int
	for _, name := range names {
		if len(urls) >= e.limits.MaxFileCount {
			e.logger.Warn("file count limit reached, remaining files dropped",
				slog.Int("limit", e.limits.MaxFileCount))
			break
		}

		content, err := client.GetFile(path.Join(guestOutputDir, name), e.limits.MaxFileSize, 30*time.Second)
		if err != nil {
			e.logger.Warn("skipping guest file",
				slog.String("file", name), slog.String("error", err.Error()))
			if errors.Is(err, vmrpc.ErrFileTooLarge) {
				continue
			}
			break
		}
		if len(content) == 0 {
			continue
		}
		if totalSize+len(content) > e.limits.MaxTotalSize {
			e.logger.Warn("total extraction size limit reached",
				slog.Int("limit", e.limits.MaxTotalSize))
			break
		}
		totalSize += len(content)

		ref, err := e.storage.Save(ctx, content, name, executionID, storage.Metadata{
			"provider": e.Name(),
		})
		if err != nil {
			e.logger.Warn("failed to persist guest file",
				slog.String("file", name), slog.String("error", err.Error()))
			continue
		}
		url, err := e.storage.TemporaryURL(ctx, ref, e.limits.URLTTLSeconds)
		if err != nil {
			e.logger.Warn("failed to sign file URL",
				slog.String("file", name), slog.String("error", err.Error()))
			continue
		}
		if url != "" {
			urls = append(urls, url)
		}
	}
	return urls
}

func (e *Executor) failure(start time.Time, err error) *executor.Result {
	tag := executor.ErrorFailed
	if errors.Is(err, context.DeadlineExceeded) || isTimeoutText(err) {
		tag = executor.ErrorTimeout
	}
	return &executor.Result{
		Success:       false,
		Stderr:        err.Error(),
		ExitCode:      -1,
		ExecutionTime: time.Since(start).Seconds(),
		Error:         tag,
		Files:         []string{},
	}
}

func isTimeoutText(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "timeout") || strings.Contains(msg, "timed out")
}

// HealthCheck re-verifies the host prerequisites. Cheap enough to run per
// request: one short-lived subprocess and three stat calls.
func (e *Executor) HealthCheck(ctx context.Context) bool {
	verifyCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := exec.CommandContext(verifyCtx, "firecracker", "--version").Run(); err != nil {
		return false
	}
	for _, p := range []string{e.cfg.KernelPath, e.cfg.RootfsPath, "/dev/kvm"} {
		if _, err := os.Stat(p); err != nil {
			return false
		}
	}
	return true
}

// Cleanup removes leftover session sockets. Sessions own their processes
// and kill them in teardown, so there is nothing else to release.
func (e *Executor) Cleanup() error {
	entries, err := os.ReadDir(e.cfg.SocketDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading socket directory: %w", err)
	}
	for _, entry := range entries {
		name := entry.Name()
		if strings.HasSuffix(name, ".sock") || strings.HasSuffix(name, ".vsock") {
			os.Remove(filepath.Join(e.cfg.SocketDir, name))
		}
	}
	return nil
}

func (e *Executor) Name() string { return "firecracker" }

// session is the per-request microVM lifecycle.
type session struct {
	id        string
	apiSocket string
	vsockPath string
	api       *apiClient
	cmd       *exec.Cmd
	waitErr   chan error
	stderr    bytes.Buffer
	logger    *slog.Logger
}

// start spawns the firecracker process and fails fast if it exits
// immediately, surfacing its stderr.
func (s *session) start() error {
	cmd := exec.Command("firecracker", "--api-sock", s.apiSocket, "--id", s.id)
	cmd.Stderr = &s.stderr
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting firecracker: %w", err)
	}

	s.cmd = cmd
	s.waitErr = make(chan error, 1)
	go func() { s.waitErr <- cmd.Wait() }()

	select {
	case <-s.waitErr:
		return fmt.Errorf("firecracker exited immediately: %s", strings.TrimSpace(s.stderr.String()))
	case <-time.After(100 * time.Millisecond):
		return nil
	}
}

// awaitSocket polls for the control socket the process creates on startup.
func (s *session) awaitSocket(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(s.apiSocket); err == nil {
			return nil
		}
		time.Sleep(50 * time.Millisecond)
	}
	return fmt.Errorf("control socket %s not ready after %s", s.apiSocket, timeout)
}

func (s *session) boot(ctx context.Context) error {
	if err := s.api.StartInstance(ctx); err != nil {
		return err
	}
	time.Sleep(bootSettleDelay)
	return nil
}

// awaitAgent polls the vsock rendezvous path until a connection is accepted,
// which means the guest agent came up and is listening.
func (s *session) awaitAgent(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if conn, err := net.DialTimeout("unix", s.vsockPath, time.Second); err == nil {
			conn.Close()
			return nil
		}
		time.Sleep(200 * time.Millisecond)
	}
	return fmt.Errorf("guest agent not ready after %s", timeout)
}

// teardown kills the process with a bounded wait and removes both session
// sockets. Failures are swallowed; teardown never changes the result.
func (s *session) teardown() {
	if s.cmd != nil && s.cmd.Process != nil {
		s.cmd.Process.Signal(syscall.SIGTERM)
		select {
		case <-s.waitErr:
		case <-time.After(2 * time.Second):
			s.cmd.Process.Kill()
			select {
			case <-s.waitErr:
			case <-time.After(3 * time.Second):
				s.logger.Warn("firecracker process did not exit", slog.String("vm", s.id))
			}
		}
	}
	os.Remove(s.apiSocket)
	os.Remove(s.vsockPath)
}

// dialGuest connects to the vsock rendezvous socket and performs
// Firecracker's CONNECT handshake to reach the guest port, then hands the
// stream to the wire-protocol client.
func dialGuest(vsockPath string, port uint32, timeout time.Duration) (*vmrpc.Client, error) {
	conn, err := net.DialTimeout("unix", vsockPath, timeout)
	if err != nil {
		return nil, fmt.Errorf("connecting to guest: %w", err)
	}
	if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		conn.Close()
		return nil, err
	}

	if _, err := fmt.Fprintf(conn, "CONNECT %d\n", port); err != nil {
		conn.Close()
		return nil, fmt.Errorf("vsock handshake write: %w", err)
	}
	line, err := readLine(conn, 64)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("vsock handshake read: %w", err)
	}
	if !strings.HasPrefix(line, "OK ") {
		conn.Close()
		return nil, fmt.Errorf("vsock handshake rejected: %q", line)
	}

	if err := conn.SetDeadline(time.Time{}); err != nil {
		conn.Close()
		return nil, err
	}
	return vmrpc.NewClient(conn), nil
}

// readLine reads up to a newline one byte at a time so no protocol bytes
// after the handshake are buffered away from the caller.
func readLine(conn net.Conn, max int) (string, error) {
	buf := make([]byte, 0, 32)
	one := make([]byte, 1)
	for len(buf) < max {
		if _, err := conn.Read(one); err != nil {
			return "", err
		}
		if one[0] == '\n' {
			return string(buf), nil
		}
		buf = append(buf, one[0])
	}
	return "", errors.New("handshake line too long")
}
