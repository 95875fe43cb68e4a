package vmrpc

import (
	"bytes"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, []byte("hello")))

	// 4-byte big-endian prefix then the payload.
	assert.Equal(t, []byte{0, 0, 0, 5}, buf.Bytes()[:4])

	payload, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), payload)
}

func TestZeroLengthFrame(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, nil))
	assert.Equal(t, 4, buf.Len())

	payload, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Empty(t, payload)
}

func TestReadFrameRejectsOversizedLength(t *testing.T) {
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], MaxFrameSize+1)

	_, err := ReadFrame(bytes.NewReader(header[:]))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds limit")
}

func TestJSONRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	req := Request{Action: ActionExecute, Code: "print(1)", Timeout: 10}
	require.NoError(t, WriteJSON(&buf, req))

	var got Request
	require.NoError(t, ReadJSON(&buf, &got))
	assert.Equal(t, req, got)
}

func TestRequestOmitsUnusedFields(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteJSON(&buf, Request{Action: ActionListFiles, Path: "/tmp/output"}))

	payload, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.NotContains(t, string(payload), "code")
	assert.NotContains(t, string(payload), "timeout")
}

// scripted server for client tests: reads one request, replies with a
// prepared frame.
func scriptedPeer(t *testing.T, reply func(conn net.Conn, req Request)) *Client {
	t.Helper()
	host, guest := net.Pipe()
	t.Cleanup(func() { host.Close(); guest.Close() })

	go func() {
		for {
			var req Request
			if err := ReadJSON(guest, &req); err != nil {
				return
			}
			reply(guest, req)
		}
	}()
	return NewClient(host)
}

func TestClientExecute(t *testing.T) {
	client := scriptedPeer(t, func(conn net.Conn, req Request) {
		assert.Equal(t, ActionExecute, req.Action)
		assert.Equal(t, 5, req.Timeout)
		_ = WriteJSON(conn, ExecuteResponse{Success: true, Stdout: "hi\n", ExitCode: 0})
	})

	resp, err := client.Execute("print('hi')", 5, time.Second)
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, "hi\n", resp.Stdout)
	assert.Zero(t, resp.ExitCode)
}

func TestClientListFiles(t *testing.T) {
	client := scriptedPeer(t, func(conn net.Conn, req Request) {
		assert.Equal(t, "/tmp/output", req.Path)
		_ = WriteJSON(conn, ListFilesResponse{Files: []string{"a.csv", "b.png"}})
	})

	files, err := client.ListFiles("/tmp/output", time.Second)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.csv", "b.png"}, files)
}

func TestClientGetFileRawBytes(t *testing.T) {
	content := []byte{0x89, 'P', 'N', 'G', 0x00, 0x01}
	client := scriptedPeer(t, func(conn net.Conn, _ Request) {
		_ = WriteFrame(conn, content)
	})

	got, err := client.GetFile("/tmp/output/b.png", 1024, time.Second)
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestClientGetFileAbsent(t *testing.T) {
	client := scriptedPeer(t, func(conn net.Conn, _ Request) {
		// Zero length prefix signals absent or unreadable.
		_ = WriteFrame(conn, nil)
	})

	got, err := client.GetFile("/tmp/output/missing", 1024, time.Second)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestClientGetFileTooLargeKeepsStreamUsable(t *testing.T) {
	big := bytes.Repeat([]byte{'x'}, 2048)
	client := scriptedPeer(t, func(conn net.Conn, req Request) {
		if req.Path == "/tmp/output/big" {
			_ = WriteFrame(conn, big)
			return
		}
		_ = WriteFrame(conn, []byte("small"))
	})

	_, err := client.GetFile("/tmp/output/big", 1024, time.Second)
	require.ErrorIs(t, err, ErrFileTooLarge)

	// The oversized frame was drained; the next request still works.
	got, err := client.GetFile("/tmp/output/small", 1024, time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte("small"), got)
}

func TestClientReadTimeout(t *testing.T) {
	client := scriptedPeer(t, func(net.Conn, Request) {
		// Never reply.
	})

	_, err := client.Execute("print(1)", 30, 50*time.Millisecond)
	require.Error(t, err, "the host enforces its own deadline independent of the guest timeout")
}
