package indexing

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/motionmatch/engine/internal/models"
)

// sourceDownloader fetches a remote video into a local temp file before it
// reaches the encoder, with retry on transient failures and a hard size/type
// check so a misbehaving source never reaches the encoder.
type sourceDownloader struct {
	client      *http.Client
	maxRetries  int
	retryDelay  time.Duration
	maxFileSize int64
	tempDir     string
}

// downloaderConfig configures a sourceDownloader.
type downloaderConfig struct {
	MaxRetries  int           // Default: 3
	RetryDelay  time.Duration // Default: 2s
	Timeout     time.Duration // Default: 5min
	MaxFileSize int64         // Default: 5GB
	TempDir     string        // Default: /tmp
}

// newSourceDownloader builds a sourceDownloader, filling in zero fields with
// defaults sized for full-length source videos rather than thumbnails.
func newSourceDownloader(cfg downloaderConfig) *sourceDownloader {
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = 2 * time.Second
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Minute
	}
	if cfg.MaxFileSize == 0 {
		cfg.MaxFileSize = 5 * 1024 * 1024 * 1024
	}
	if cfg.TempDir == "" {
		cfg.TempDir = "/tmp"
	}

	return &sourceDownloader{
		client: &http.Client{
			Timeout: cfg.Timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 10 {
					return fmt.Errorf("too many redirects fetching video source")
				}
				return nil
			},
		},
		maxRetries:  cfg.MaxRetries,
		retryDelay:  cfg.RetryDelay,
		maxFileSize: cfg.MaxFileSize,
		tempDir:     cfg.TempDir,
	}
}

// fetch downloads url into a temp file named after jobID, retrying transient
// failures with linear backoff. A video whose content type or size fails
// validation is a decode error and is never retried.
func (d *sourceDownloader) fetch(ctx context.Context, url, jobID string) (string, error) {
	var lastErr error

	for attempt := 1; attempt <= d.maxRetries; attempt++ {
		path, err := d.fetchOnce(ctx, url, jobID)
		if err == nil {
			return path, nil
		}
		lastErr = err
		if !models.IsRetryable(err) {
			return "", err
		}
		if attempt < d.maxRetries {
			select {
			case <-ctx.Done():
				return "", models.NewError(models.KindCancelled, "download cancelled", ctx.Err())
			case <-time.After(d.retryDelay * time.Duration(attempt)):
			}
		}
	}

	return "", models.NewError(models.KindIOError, fmt.Sprintf("download failed after %d attempts", d.maxRetries), lastErr)
}

func (d *sourceDownloader) fetchOnce(ctx context.Context, url, jobID string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", models.NewError(models.KindDecodeError, "build download request", err)
	}
	req.Header.Set("User-Agent", "motionmatch-indexer/1.0")

	resp, err := d.client.Do(req)
	if err != nil {
		return "", models.NewError(models.KindResourceError, "download request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		kind := models.KindDecodeError
		if resp.StatusCode >= 500 {
			kind = models.KindIOError
		}
		return "", models.NewError(kind, fmt.Sprintf("source returned HTTP %d", resp.StatusCode), nil)
	}

	contentType := resp.Header.Get("Content-Type")
	if !isVideoContentType(contentType) {
		return "", models.NewError(models.KindDecodeError, fmt.Sprintf("unsupported source content type %q, expected video/*", contentType), nil)
	}

	if resp.ContentLength > 0 && resp.ContentLength > d.maxFileSize {
		return "", models.NewError(models.KindDecodeError, fmt.Sprintf("source too large: %d bytes exceeds %d byte limit", resp.ContentLength, d.maxFileSize), nil)
	}

	tempFile, err := d.createTempFile(jobID)
	if err != nil {
		return "", models.NewError(models.KindResourceError, "create temp file for download", err)
	}

	if _, err := copyWithLimit(tempFile, resp.Body, d.maxFileSize); err != nil {
		tempFile.Close()
		os.Remove(tempFile.Name())
		return "", err
	}

	if err := tempFile.Close(); err != nil {
		os.Remove(tempFile.Name())
		return "", models.NewError(models.KindIOError, "close downloaded file", err)
	}

	return tempFile.Name(), nil
}

func (d *sourceDownloader) createTempFile(jobID string) (*os.File, error) {
	if err := os.MkdirAll(d.tempDir, 0755); err != nil {
		return nil, fmt.Errorf("create temp directory: %w", err)
	}
	pattern := fmt.Sprintf("motionmatch-source-%s-*.tmp", jobID)
	return os.CreateTemp(d.tempDir, pattern)
}

// copyWithLimit copies src into dst, failing with a decode error (not
// retryable) once more than limit bytes have been written.
func copyWithLimit(dst io.Writer, src io.Reader, limit int64) (int64, error) {
	limited := io.LimitReader(src, limit+1)
	written, err := io.Copy(dst, limited)
	if err != nil {
		return written, models.NewError(models.KindIOError, "copy download body", err)
	}
	if written > limit {
		return written, models.NewError(models.KindDecodeError, fmt.Sprintf("source exceeded %d byte limit", limit), nil)
	}
	return written, nil
}

func isVideoContentType(contentType string) bool {
	if contentType == "" {
		return true
	}
	return len(contentType) >= 6 && contentType[:6] == "video/"
}

// cleanup removes a downloaded temp file, refusing to touch anything outside
// the configured temp directory.
func (d *sourceDownloader) cleanup(filePath string) error {
	if filePath == "" {
		return nil
	}
	if !filepath.HasPrefix(filePath, d.tempDir) {
		return fmt.Errorf("refusing to delete file outside temp directory: %s", filePath)
	}
	return os.Remove(filePath)
}
