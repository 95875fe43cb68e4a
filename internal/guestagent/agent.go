// Package guestagent is the server half of the vmrpc protocol. It runs
// inside the microVM, executes code as a subprocess of the guest's Python
// interpreter, and serves file listing and retrieval from the output
// directory.
package guestagent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/binhtrongg/python-sandbox/internal/vmrpc"
)

// Agent serves one connection at a time. The host opens at most one
// connection per request phase, so serial accept keeps the agent trivial.
type Agent struct {
	outputDir   string
	interpreter string
	logger      *slog.Logger
}

// New creates an agent rooted at outputDir, which is created if missing and
// used as the working directory for executed code.
func New(outputDir, interpreter string, logger *slog.Logger) *Agent {
	if interpreter == "" {
		interpreter = "python3"
	}
	return &Agent{
		outputDir:   outputDir,
		interpreter: interpreter,
		logger:      logger,
	}
}

// Serve accepts connections serially until the listener is closed. Each
// connection is served until the peer closes it or sends an unreadable
// request.
func (a *Agent) Serve(l net.Listener) error {
	if err := os.MkdirAll(a.outputDir, 0o755); err != nil {
		return fmt.Errorf("creating output directory: %w", err)
	}

	for {
		conn, err := l.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accepting connection: %w", err)
		}
		a.logger.Info("connection accepted", slog.String("remote", remoteName(conn)))
		a.serveConn(conn)
	}
}

func remoteName(conn net.Conn) string {
	if addr := conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return "unknown"
}

// serveConn loops reading requests until EOF or a request that cannot be
// parsed. Unknown actions get a JSON error object rather than a closed
// connection, so the peer can keep using the stream.
func (a *Agent) serveConn(conn net.Conn) {
	defer conn.Close()

	for {
		var req vmrpc.Request
		if err := vmrpc.ReadJSON(conn, &req); err != nil {
			if !errors.Is(err, io.EOF) {
				a.logger.Warn("dropping connection", slog.String("error", err.Error()))
			}
			return
		}

		var err error
		switch req.Action {
		case vmrpc.ActionExecute:
			err = vmrpc.WriteJSON(conn, a.execute(req.Code, req.Timeout))
		case vmrpc.ActionListFiles:
			err = vmrpc.WriteJSON(conn, a.listFiles(req.Path))
		case vmrpc.ActionGetFile:
			err = a.sendFile(conn, req.Path)
		default:
			err = vmrpc.WriteJSON(conn, vmrpc.ErrorResponse{Error: "Unknown action: " + req.Action})
		}
		if err != nil {
			a.logger.Warn("writing response failed", slog.String("error", err.Error()))
			return
		}
	}
}

// execute runs the code with the supplied timeout, the output directory as
// working directory, capturing output and exit code. An OS-level timeout
// kill is translated into the same failure shape as a normal non-zero exit.
func (a *Agent) execute(code string, timeout int) *vmrpc.ExecuteResponse {
	if timeout <= 0 {
		timeout = 30
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(timeout)*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, a.interpreter, "-c", code)
	cmd.Dir = a.outputDir

	// The child runs in its own process group and the whole group is
	// killed on timeout. Killing only the direct child would leave any
	// grandchild holding the output pipes, and Wait would block until the
	// grandchild exits, long past the declared deadline. WaitDelay bounds
	// the pipe wait for anything that survives the group kill.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	if err != nil && ctx.Err() == context.DeadlineExceeded {
		return &vmrpc.ExecuteResponse{
			Success:  false,
			Stderr:   fmt.Sprintf("Execution timeout after %d seconds", timeout),
			ExitCode: -1,
		}
	}

	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			// Interpreter missing, fork failure, and the like.
			return &vmrpc.ExecuteResponse{
				Success:  false,
				Stderr:   err.Error(),
				ExitCode: -1,
			}
		}
	}

	return &vmrpc.ExecuteResponse{
		Success:  exitCode == 0,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: exitCode,
	}
}

// listFiles enumerates regular files directly under path, no recursion.
// A missing directory is an empty listing, not an error.
func (a *Agent) listFiles(path string) *vmrpc.ListFilesResponse {
	if path == "" {
		path = a.outputDir
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &vmrpc.ListFilesResponse{Files: []string{}}
		}
		return &vmrpc.ListFilesResponse{Files: []string{}, Error: err.Error()}
	}

	files := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.Type().IsRegular() {
			files = append(files, entry.Name())
		}
	}
	return &vmrpc.ListFilesResponse{Files: files}
}

// sendFile streams raw bytes with the length-prefix convention. A missing or
// unreadable path gets a zero-length prefix rather than a dropped
// connection.
func (a *Agent) sendFile(conn net.Conn, path string) error {
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return vmrpc.WriteFrame(conn, nil)
	}

	content, err := os.ReadFile(path)
	if err != nil {
		a.logger.Warn("reading file failed",
			slog.String("path", filepath.Base(path)), slog.String("error", err.Error()))
		return vmrpc.WriteFrame(conn, nil)
	}
	return vmrpc.WriteFrame(conn, content)
}
