package docker

import (
	"archive/tar"
	"context"
	"io"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/docker/docker/client"

	"github.com/binhtrongg/python-sandbox/internal/storage"
)

// extractFiles pulls /tmp/output out of the finished container as a tar
// stream and persists each regular file through the storage manager,
// returning access URLs. Extraction is strictly best-effort: any failure
// degrades to fewer files, never to a failed execution.
func (e *Executor) extractFiles(ctx context.Context, containerID, executionID string) []string {
	if !e.storage.Enabled() {
		return []string{}
	}

	copyCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	reader, _, err := e.cli.CopyFromContainer(copyCtx, containerID, outputDir)
	if err != nil {
		// The code never created the directory. Nothing to extract.
		if !client.IsErrNotFound(err) {
			e.logger.Warn("failed to copy output directory",
				slog.String("id", containerID), slog.String("error", err.Error()))
		}
		return []string{}
	}
	defer reader.Close()

	urls := e.collectTar(ctx, tar.NewReader(reader), executionID)
	return urls
}

// collectTar walks a tar stream under the extraction limits: at most
// MaxFileCount files, each at most MaxFileSize bytes, MaxTotalSize across
// all of them. Oversized files are skipped; hitting the count or total
// ceiling stops the walk.
func (e *Executor) collectTar(ctx context.Context, tr *tar.Reader, executionID string) []string {
	urls := []string{}
	var totalSize int64

	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			e.logger.Warn("corrupt output archive", slog.String("error", err.Error()))
			break
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}

		name := path.Base(hdr.Name)
		if name == "" || strings.HasPrefix(name, ".") {
			continue
		}
		if len(urls) >= e.limits.MaxFileCount {
			e.logger.Warn("file count limit reached, remaining files dropped",
				slog.Int("limit", e.limits.MaxFileCount))
			break
		}
		if hdr.Size > int64(e.limits.MaxFileSize) {
			e.logger.Warn("skipping oversized file",
				slog.String("file", name), slog.Int64("size", hdr.Size))
			continue
		}
		if totalSize+hdr.Size > int64(e.limits.MaxTotalSize) {
			e.logger.Warn("total extraction size limit reached",
				slog.Int("limit", e.limits.MaxTotalSize))
			break
		}

		content, err := io.ReadAll(io.LimitReader(tr, hdr.Size))
		if err != nil {
			e.logger.Warn("failed to read file from archive",
				slog.String("file", name), slog.String("error", err.Error()))
			continue
		}
		if len(content) == 0 {
			continue
		}
		totalSize += int64(len(content))

		url, err := e.persist(ctx, content, name, executionID)
		if err != nil {
			e.logger.Warn("failed to persist extracted file",
				slog.String("file", name), slog.String("error", err.Error()))
			continue
		}
		if url != "" {
			urls = append(urls, url)
		}
	}
	return urls
}

func (e *Executor) persist(ctx context.Context, content []byte, name, executionID string) (string, error) {
	ref, err := e.storage.Save(ctx, content, name, executionID, storage.Metadata{
		"provider": e.Name(),
	})
	if err != nil {
		return "", err
	}
	return e.storage.TemporaryURL(ctx, ref, e.limits.URLTTLSeconds)
}
