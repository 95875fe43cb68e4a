// The guest agent is baked into the microVM rootfs and started by the guest
// init. It listens on the virtual-socket transport for execution requests
// from the host.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"

	"github.com/mdlayher/vsock"

	"github.com/binhtrongg/python-sandbox/internal/guestagent"
)

func main() {
	listenAddr := flag.String("listen", "vsock:5000",
		"listen address: vsock:<port> inside a VM, unix:<path> for local testing")
	outputDir := flag.String("output-dir", "/tmp/output", "working directory for executed code")
	interpreter := flag.String("python", "python3", "python interpreter to execute code with")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	listener, err := listen(*listenAddr)
	if err != nil {
		logger.Error("failed to listen", slog.String("addr", *listenAddr), slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer listener.Close()

	logger.Info("guest agent listening", slog.String("addr", *listenAddr))

	agent := guestagent.New(*outputDir, *interpreter, logger)
	if err := agent.Serve(listener); err != nil {
		logger.Error("agent error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func listen(addr string) (net.Listener, error) {
	scheme, rest, ok := strings.Cut(addr, ":")
	if !ok {
		return nil, fmt.Errorf("invalid listen address %q", addr)
	}

	switch scheme {
	case "vsock":
		var port uint32
		if _, err := fmt.Sscanf(rest, "%d", &port); err != nil {
			return nil, fmt.Errorf("invalid vsock port %q: %w", rest, err)
		}
		return vsock.Listen(port, nil)
	case "unix":
		return net.Listen("unix", rest)
	default:
		return nil, fmt.Errorf("unsupported listen scheme %q", scheme)
	}
}
