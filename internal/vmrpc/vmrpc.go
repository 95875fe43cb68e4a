// Package vmrpc implements the private host↔guest RPC protocol spoken over a
// microVM's virtual-socket transport.
//
// Every message is a 4-byte big-endian length prefix followed by a UTF-8 JSON
// payload, in both directions, with one exception: the response to get_file
// is the raw length-prefixed file bytes, not JSON, so binary content is never
// double-encoded. A zero length prefix means "absent or unreadable".
//
// The protocol carries no authentication or integrity check beyond transport
// isolation: the channel is only reachable from the paired host/guest pair.
package vmrpc

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// Actions understood by the guest agent.
const (
	ActionExecute   = "execute"
	ActionListFiles = "list_files"
	ActionGetFile   = "get_file"
)

// MaxFrameSize bounds a single frame. Large enough for any legitimate
// payload (file frames are capped well below this by the extraction
// ceilings), small enough that a corrupt length prefix cannot trigger a
// multi-gigabyte allocation.
const MaxFrameSize = 64 << 20

// Request is the JSON payload sent host → guest. Action-specific fields are
// omitted when empty.
type Request struct {
	Action  string `json:"action"`
	Code    string `json:"code,omitempty"`
	Timeout int    `json:"timeout,omitempty"`
	Path    string `json:"path,omitempty"`
}

// ExecuteResponse is the guest's reply to an execute request.
type ExecuteResponse struct {
	Success  bool   `json:"success"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
	Error    string `json:"error,omitempty"`
}

// ListFilesResponse is the guest's reply to a list_files request.
type ListFilesResponse struct {
	Files []string `json:"files"`
	Error string `json:"error,omitempty"`
}

// ErrorResponse is sent for requests the guest does not understand. The
// connection stays alive afterwards.
type ErrorResponse struct {
	Error string `json:"error"`
}

// WriteFrame writes one length-prefixed frame.
func WriteFrame(w io.Writer, payload []byte) error {
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))
	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("writing frame header: %w", err)
	}
	if len(payload) == 0 {
		return nil
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("writing frame payload: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame. A zero-length frame returns an
// empty (non-nil) slice.
func ReadFrame(r io.Reader) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, fmt.Errorf("reading frame header: %w", err)
	}
	length := binary.BigEndian.Uint32(header[:])
	if length > MaxFrameSize {
		return nil, fmt.Errorf("frame of %d bytes exceeds limit of %d", length, MaxFrameSize)
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("reading frame payload: %w", err)
	}
	return payload, nil
}

// WriteJSON marshals v and writes it as one frame.
func WriteJSON(w io.Writer, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}
	return WriteFrame(w, payload)
}

// ReadJSON reads one frame and unmarshals it into v.
func ReadJSON(r io.Reader, v any) error {
	payload, err := ReadFrame(r)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("decoding message: %w", err)
	}
	return nil
}
