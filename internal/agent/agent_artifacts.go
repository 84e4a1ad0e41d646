package agent

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/avast/retry-go/v5"
	"go.uber.org/zap"

	"github.com/krakendeploy-com/kraken-agent/internal/protocol"
)

const artifactDownloadAttempts = 3

// downloadArtifact fetches one SelectArtifact payload into
// <artifactsRoot>/<agentId>/<Name>/<Version>/ and returns the target
// directory. An already-present file skips the download.
func (a *Agent) downloadArtifact(ctx context.Context, agentID string, meta protocol.ArtifactMetadata) (string, error) {
	targetDir := artifactVersionDir(a.artifactsRoot, agentID, meta.Name, meta.Version)
	if err := os.MkdirAll(targetDir, 0o755); err != nil {
		return "", fmt.Errorf("create artifact dir %q: %w", targetDir, err)
	}

	if name := fileNameFromURL(meta.Url); name != "" {
		if _, err := os.Stat(filepath.Join(targetDir, name)); err == nil {
			a.logger.Info("artifact already present, skipping download",
				zap.String("artifact", meta.Name),
				zap.String("version", meta.Version))
			return targetDir, nil
		}
	}

	r := retry.New(
		retry.Context(ctx),
		retry.Attempts(artifactDownloadAttempts),
	)
	err := r.Do(func() error {
		return a.streamArtifact(ctx, meta, targetDir)
	})
	if err != nil {
		return "", fmt.Errorf("download artifact %s %s: %w", meta.Name, meta.Version, err)
	}
	return targetDir, nil
}

// streamArtifact performs one download attempt, streaming the body to disk.
// The client has no overall timeout so large payloads are bounded only by
// the request context.
func (a *Agent) streamArtifact(ctx context.Context, meta protocol.ArtifactMetadata, targetDir string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, meta.Url, nil)
	if err != nil {
		return fmt.Errorf("create artifact request: %w", err)
	}

	resp, err := (&http.Client{}).Do(req)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", meta.Url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4*1024))
		return fmt.Errorf("artifact fetch returned status %d", resp.StatusCode)
	}

	name := fileNameFromDisposition(resp.Header.Get("Content-Disposition"))
	if name == "" {
		name = fileNameFromURL(meta.Url)
	}
	if name == "" {
		name = meta.Name
	}

	target := filepath.Join(targetDir, name)
	if _, err := os.Stat(target); err == nil {
		return nil
	}

	tmp, err := os.CreateTemp(targetDir, ".download-*")
	if err != nil {
		return fmt.Errorf("create download temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close()
		return fmt.Errorf("stream artifact body: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close download temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		return fmt.Errorf("place artifact %q: %w", target, err)
	}
	a.logger.Info("artifact downloaded",
		zap.String("artifact", meta.Name),
		zap.String("version", meta.Version),
		zap.String("file", name))
	return nil
}

func fileNameFromDisposition(disposition string) string {
	if strings.TrimSpace(disposition) == "" {
		return ""
	}
	_, params, err := mime.ParseMediaType(disposition)
	if err != nil {
		return ""
	}
	return sanitizeFileName(params["filename"])
}

func fileNameFromURL(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return sanitizeFileName(path.Base(parsed.Path))
}

func sanitizeFileName(name string) string {
	name = filepath.Base(strings.TrimSpace(name))
	if name == "." || name == "/" || name == string(filepath.Separator) {
		return ""
	}
	return name
}
