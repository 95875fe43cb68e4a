package storage

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// LocalProvider keeps files on the host filesystem under root/<executionID>/
// and signs its temporary URLs with an HMAC so expiry cannot be tampered
// with by whoever serves them.
type LocalProvider struct {
	root    string
	baseURL string
	secret  []byte
}

var _ Provider = (*LocalProvider)(nil)

// NewLocalProvider creates the root directory if needed. baseURL is the
// public prefix the file server exposes, e.g. "http://localhost:8000/files".
func NewLocalProvider(root, baseURL string, secret []byte) (*LocalProvider, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("creating storage root: %w", err)
	}
	return &LocalProvider{
		root:    root,
		baseURL: strings.TrimRight(baseURL, "/"),
		secret:  secret,
	}, nil
}

func (p *LocalProvider) Save(_ context.Context, content []byte, filename, executionID string, _ Metadata) (string, error) {
	// Reject anything that could escape the execution directory.
	if filename != filepath.Base(filename) || filename == "." || filename == ".." {
		return "", fmt.Errorf("invalid filename %q", filename)
	}

	dir := filepath.Join(p.root, executionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating execution directory: %w", err)
	}

	path := filepath.Join(dir, filename)
	if err := os.WriteFile(path, content, 0o644); err != nil {
		return "", fmt.Errorf("writing file: %w", err)
	}
	return executionID + "/" + filename, nil
}

func (p *LocalProvider) TemporaryURL(_ context.Context, ref string, ttlSeconds int) (string, error) {
	expires := time.Now().Add(time.Duration(ttlSeconds) * time.Second).Unix()
	sig := p.sign(ref, expires)
	return fmt.Sprintf("%s/%s?expires=%d&sig=%s", p.baseURL, ref, expires, sig), nil
}

func (p *LocalProvider) HealthCheck(_ context.Context) bool {
	info, err := os.Stat(p.root)
	return err == nil && info.IsDir()
}

func (p *LocalProvider) Name() string { return "local" }

// VerifyURL checks a signature produced by TemporaryURL. The file-serving
// layer calls this before handing out content.
func (p *LocalProvider) VerifyURL(ref string, expires int64, sig string) bool {
	if time.Now().Unix() > expires {
		return false
	}
	return hmac.Equal([]byte(p.sign(ref, expires)), []byte(sig))
}

// Open returns the stored file path for a verified reference.
func (p *LocalProvider) Open(ref string) (string, error) {
	path := filepath.Join(p.root, filepath.FromSlash(ref))
	rel, err := filepath.Rel(p.root, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("reference %q escapes storage root", ref)
	}
	if _, err := os.Stat(path); err != nil {
		return "", err
	}
	return path, nil
}

func (p *LocalProvider) sign(ref string, expires int64) string {
	mac := hmac.New(sha256.New, p.secret)
	fmt.Fprintf(mac, "%s:%d", ref, expires)
	return hex.EncodeToString(mac.Sum(nil))
}
