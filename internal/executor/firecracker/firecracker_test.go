package firecracker

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/binhtrongg/python-sandbox/internal/config"
	"github.com/binhtrongg/python-sandbox/internal/storage"
	"github.com/binhtrongg/python-sandbox/internal/vmrpc"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// recordedRequest captures what the control API received.
type recordedRequest struct {
	Method string
	Path   string
	Body   map[string]any
}

// startControlAPI serves an httptest handler on a unix socket, the same
// transport the firecracker process exposes.
func startControlAPI(t *testing.T, status int, body string) (string, *[]recordedRequest) {
	t.Helper()

	var mu sync.Mutex
	var recorded []recordedRequest

	socketPath := filepath.Join(t.TempDir(), "fc.sock")
	listener, err := net.Listen("unix", socketPath)
	require.NoError(t, err)

	server := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var parsed map[string]any
		payload, _ := io.ReadAll(r.Body)
		json.Unmarshal(payload, &parsed)

		mu.Lock()
		recorded = append(recorded, recordedRequest{Method: r.Method, Path: r.URL.Path, Body: parsed})
		mu.Unlock()

		w.WriteHeader(status)
		io.WriteString(w, body)
	}))
	server.Listener = listener
	server.Start()
	t.Cleanup(server.Close)

	return socketPath, &recorded
}

func TestAPIClientConfiguresOverUnixSocket(t *testing.T) {
	socketPath, recorded := startControlAPI(t, http.StatusNoContent, "")
	api := newAPIClient(socketPath)
	ctx := context.Background()

	require.NoError(t, api.SetBootSource(ctx, "/var/firecracker/vmlinux"))
	require.NoError(t, api.SetRootDrive(ctx, "/var/firecracker/rootfs.ext4"))
	require.NoError(t, api.SetMachineConfig(ctx, 2, 256))
	require.NoError(t, api.SetVsock(ctx, "/tmp/fc/vm.vsock"))
	require.NoError(t, api.StartInstance(ctx))

	require.Len(t, *recorded, 5)
	for _, r := range *recorded {
		assert.Equal(t, http.MethodPut, r.Method)
	}

	assert.Equal(t, "/boot-source", (*recorded)[0].Path)
	assert.Equal(t, "/var/firecracker/vmlinux", (*recorded)[0].Body["kernel_image_path"])
	assert.Contains(t, (*recorded)[0].Body["boot_args"], "console=ttyS0")

	assert.Equal(t, "/drives/rootfs", (*recorded)[1].Path)
	assert.Equal(t, true, (*recorded)[1].Body["is_root_device"])

	assert.Equal(t, "/machine-config", (*recorded)[2].Path)
	assert.EqualValues(t, 2, (*recorded)[2].Body["vcpu_count"])
	assert.EqualValues(t, 256, (*recorded)[2].Body["mem_size_mib"])

	assert.Equal(t, "/vsock", (*recorded)[3].Path)
	assert.EqualValues(t, 3, (*recorded)[3].Body["guest_cid"])

	assert.Equal(t, "/actions", (*recorded)[4].Path)
	assert.Equal(t, "InstanceStart", (*recorded)[4].Body["action_type"])
}

func TestAPIClientSurfacesErrorBody(t *testing.T) {
	socketPath, _ := startControlAPI(t, http.StatusBadRequest, `{"fault_message":"bad kernel path"}`)
	api := newAPIClient(socketPath)

	err := api.SetBootSource(context.Background(), "/missing/vmlinux")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 400")
	assert.Contains(t, err.Error(), "bad kernel path")
}

// startGuestMux serves the vsock rendezvous socket the way firecracker's
// multiplexer does: a CONNECT line handshake, then the raw guest stream.
// handle receives the post-handshake connection.
func startGuestMux(t *testing.T, handle func(net.Conn)) string {
	t.Helper()

	vsockPath := filepath.Join(t.TempDir(), "vm.vsock")
	listener, err := net.Listen("unix", vsockPath)
	require.NoError(t, err)
	t.Cleanup(func() { listener.Close() })

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				defer conn.Close()
				line, err := bufio.NewReader(io.LimitReader(conn, 64)).ReadString('\n')
				if err != nil || !strings.HasPrefix(line, "CONNECT ") {
					return
				}
				io.WriteString(conn, "OK 5000\n")
				handle(conn)
			}(conn)
		}
	}()

	return vsockPath
}

func TestDialGuestHandshake(t *testing.T) {
	vsockPath := startGuestMux(t, func(conn net.Conn) {
		var req vmrpc.Request
		if err := vmrpc.ReadJSON(conn, &req); err != nil {
			return
		}
		vmrpc.WriteJSON(conn, vmrpc.ExecuteResponse{
			Success:  true,
			Stdout:   "hi\n",
			ExitCode: 0,
		})
	})

	client, err := dialGuest(vsockPath, vsockExecPort, time.Second)
	require.NoError(t, err)
	defer client.Close()

	resp, err := client.Execute("print('hi')", 5, 5*time.Second)
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, "hi\n", resp.Stdout)
}

func TestDialGuestHandshakeRejected(t *testing.T) {
	vsockPath := filepath.Join(t.TempDir(), "vm.vsock")
	listener, err := net.Listen("unix", vsockPath)
	require.NoError(t, err)
	defer listener.Close()

	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		bufio.NewReader(conn).ReadString('\n')
		io.WriteString(conn, "Connection refused\n")
	}()

	_, err = dialGuest(vsockPath, vsockExecPort, time.Second)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "handshake rejected")
}

// serveGuestFiles scripts the agent half of an extraction exchange.
func serveGuestFiles(t *testing.T, files map[string][]byte, order []string) string {
	t.Helper()

	return startGuestMux(t, func(conn net.Conn) {
		for {
			var req vmrpc.Request
			if err := vmrpc.ReadJSON(conn, &req); err != nil {
				return
			}
			switch req.Action {
			case vmrpc.ActionListFiles:
				vmrpc.WriteJSON(conn, vmrpc.ListFilesResponse{Files: order})
			case vmrpc.ActionGetFile:
				content := files[filepath.Base(req.Path)]
				var header [4]byte
				binary.BigEndian.PutUint32(header[:], uint32(len(content)))
				conn.Write(header[:])
				conn.Write(content)
			default:
				return
			}
		}
	})
}

func newExtractor(t *testing.T, limits config.LimitsConfig) *Executor {
	t.Helper()

	provider, err := storage.NewLocalProvider(t.TempDir(), "http://localhost/files", []byte("test-secret"))
	require.NoError(t, err)

	return &Executor{
		limits:  limits,
		storage: storage.NewManager(provider, testLogger()),
		logger:  testLogger(),
	}
}

func extractionLimits() config.LimitsConfig {
	return config.LimitsConfig{
		MaxOutputSize: 10240,
		MaxFileSize:   1024,
		MaxTotalSize:  4096,
		MaxFileCount:  3,
		URLTTLSeconds: 300,
	}
}

func TestExtractFilesCollectsURLs(t *testing.T) {
	vsockPath := serveGuestFiles(t, map[string][]byte{
		"a.txt": []byte("alpha"),
		"b.txt": []byte("beta"),
	}, []string{"a.txt", "b.txt"})

	e := newExtractor(t, extractionLimits())
	urls := e.extractFiles(context.Background(), &session{vsockPath: vsockPath, logger: testLogger()}, "exec-1")

	require.Len(t, urls, 2)
	assert.Contains(t, urls[0], "exec-1/a.txt")
	assert.Contains(t, urls[1], "exec-1/b.txt")
}

func TestExtractFilesSkipsOversized(t *testing.T) {
	limits := extractionLimits()
	limits.MaxFileSize = 4

	vsockPath := serveGuestFiles(t, map[string][]byte{
		"big.bin": []byte("way too large"),
		"ok.txt":  []byte("ok"),
	}, []string{"big.bin", "ok.txt"})

	e := newExtractor(t, limits)
	urls := e.extractFiles(context.Background(), &session{vsockPath: vsockPath, logger: testLogger()}, "exec-1")

	require.Len(t, urls, 1, "oversized file is skipped, the stream stays usable")
	assert.Contains(t, urls[0], "ok.txt")
}

func TestExtractFilesStopsAtFileCount(t *testing.T) {
	limits := extractionLimits()
	limits.MaxFileCount = 2

	vsockPath := serveGuestFiles(t, map[string][]byte{
		"a": []byte("1"), "b": []byte("2"), "c": []byte("3"),
	}, []string{"a", "b", "c"})

	e := newExtractor(t, limits)
	urls := e.extractFiles(context.Background(), &session{vsockPath: vsockPath, logger: testLogger()}, "exec-1")
	assert.Len(t, urls, 2)
}

func TestExtractFilesStopsAtTotalSize(t *testing.T) {
	limits := extractionLimits()
	limits.MaxTotalSize = 5

	vsockPath := serveGuestFiles(t, map[string][]byte{
		"a": []byte("1234"), "b": []byte("5678"),
	}, []string{"a", "b"})

	e := newExtractor(t, limits)
	urls := e.extractFiles(context.Background(), &session{vsockPath: vsockPath, logger: testLogger()}, "exec-1")
	assert.Len(t, urls, 1)
}

func TestExtractFilesDisabledStorage(t *testing.T) {
	e := &Executor{
		limits:  extractionLimits(),
		storage: storage.NewManager(nil, testLogger()),
		logger:  testLogger(),
	}

	urls := e.extractFiles(context.Background(), &session{vsockPath: "/nonexistent"}, "exec-1")
	assert.Empty(t, urls)
}

func TestFailureClassification(t *testing.T) {
	e := &Executor{logger: testLogger()}

	res := e.failure(time.Now(), context.DeadlineExceeded)
	assert.Equal(t, "Execution timeout", res.Error)
	assert.False(t, res.Success)
	assert.Equal(t, -1, res.ExitCode)

	res = e.failure(time.Now(), io.ErrUnexpectedEOF)
	assert.Equal(t, "Execution failed", res.Error)
}
