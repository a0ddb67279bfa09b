package media

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

const defaultDownloadTimeout = 10 * time.Minute

// Downloader fetches the submitted source into the job's working directory.
// Plain paths and file:// URLs are copied locally, which is how tests and
// same-host uploads submit sources.
// Fetcher retrieves a source into a local scratch path.
type Fetcher interface {
	Download(ctx context.Context, sourceURL, destPath string) error
}

type Downloader struct {
	Client  *http.Client
	Timeout time.Duration
}

func (d Downloader) client() *http.Client {
	if d.Client != nil {
		return d.Client
	}
	return http.DefaultClient
}

func (d Downloader) Download(ctx context.Context, sourceURL, destPath string) error {
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = defaultDownloadTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	parsed, err := url.Parse(sourceURL)
	if err != nil || parsed.Scheme == "" || parsed.Scheme == "file" {
		localPath := sourceURL
		if parsed != nil && parsed.Scheme == "file" {
			localPath = parsed.Path
		}
		return copyLocal(localPath, destPath)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("unsupported source scheme %q", parsed.Scheme)
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
	if err != nil {
		return fmt.Errorf("create download request: %w", err)
	}
	response, err := d.client().Do(request)
	if err != nil {
		return fmt.Errorf("fetch source %s: %w", sourceURL, err)
	}
	defer func() {
		_ = response.Body.Close()
	}()
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return fmt.Errorf("fetch source %s: unexpected status %d", sourceURL, response.StatusCode)
	}

	return writeStream(response.Body, destPath)
}

func copyLocal(sourcePath, destPath string) error {
	if strings.TrimSpace(sourcePath) == "" {
		return fmt.Errorf("source path is empty")
	}
	file, err := os.Open(sourcePath)
	if err != nil {
		return fmt.Errorf("open source %s: %w", sourcePath, err)
	}
	defer file.Close()
	return writeStream(file, destPath)
}

func writeStream(reader io.Reader, destPath string) error {
	dest, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("create download target: %w", err)
	}
	if _, err := io.Copy(dest, reader); err != nil {
		_ = dest.Close()
		_ = os.Remove(destPath)
		return fmt.Errorf("write source: %w", err)
	}
	if err := dest.Close(); err != nil {
		return fmt.Errorf("close download target: %w", err)
	}
	return nil
}
