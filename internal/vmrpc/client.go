package vmrpc

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"time"
)

// ErrFileTooLarge is returned by GetFile when the guest announces a file
// bigger than the caller's ceiling. The oversized frame is drained so the
// connection stays usable for subsequent requests.
var ErrFileTooLarge = errors.New("file exceeds size limit")

// Client is the host side of the protocol. One client per connection; not
// safe for concurrent use; the protocol is strictly request/response.
type Client struct {
	conn net.Conn
}

// NewClient wraps an established connection to the guest agent.
func NewClient(conn net.Conn) *Client {
	return &Client{conn: conn}
}

// Dial connects to the guest rendezvous socket. The host side of a
// Firecracker vsock device is a unix socket on the host filesystem.
func Dial(path string, timeout time.Duration) (*Client, error) {
	conn, err := net.DialTimeout("unix", path, timeout)
	if err != nil {
		return nil, fmt.Errorf("connecting to guest agent: %w", err)
	}
	return &Client{conn: conn}, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}

// Execute runs one request/response exchange carrying the code and timeout.
// readTimeout is the host's own deadline, enforced independently of the
// guest's declared execution timeout.
func (c *Client) Execute(code string, timeout int, readTimeout time.Duration) (*ExecuteResponse, error) {
	if err := c.send(Request{Action: ActionExecute, Code: code, Timeout: timeout}, readTimeout); err != nil {
		return nil, err
	}

	var resp ExecuteResponse
	if err := ReadJSON(c.conn, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListFiles asks the guest for the file names in path.
func (c *Client) ListFiles(path string, readTimeout time.Duration) ([]string, error) {
	if err := c.send(Request{Action: ActionListFiles, Path: path}, readTimeout); err != nil {
		return nil, err
	}

	var resp ListFilesResponse
	if err := ReadJSON(c.conn, &resp); err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("guest error listing files: %s", resp.Error)
	}
	return resp.Files, nil
}

// GetFile fetches raw file content. A zero-length frame (absent or
// unreadable on the guest side) comes back as (nil, nil). Content larger
// than maxSize is drained off the wire and reported as ErrFileTooLarge.
func (c *Client) GetFile(path string, maxSize int, readTimeout time.Duration) ([]byte, error) {
	if err := c.send(Request{Action: ActionGetFile, Path: path}, readTimeout); err != nil {
		return nil, err
	}

	var header [4]byte
	if _, err := io.ReadFull(c.conn, header[:]); err != nil {
		return nil, fmt.Errorf("reading file header: %w", err)
	}
	length := int(binary.BigEndian.Uint32(header[:]))
	if length == 0 {
		return nil, nil
	}
	if length > maxSize {
		if _, err := io.CopyN(io.Discard, c.conn, int64(length)); err != nil {
			return nil, fmt.Errorf("draining oversized file: %w", err)
		}
		return nil, fmt.Errorf("%w: %s is %d bytes", ErrFileTooLarge, path, length)
	}

	content := make([]byte, length)
	if _, err := io.ReadFull(c.conn, content); err != nil {
		return nil, fmt.Errorf("reading file content: %w", err)
	}
	return content, nil
}

func (c *Client) send(req Request, readTimeout time.Duration) error {
	deadline := time.Now().Add(readTimeout)
	if err := c.conn.SetDeadline(deadline); err != nil {
		return fmt.Errorf("setting deadline: %w", err)
	}
	return WriteJSON(c.conn, req)
}
