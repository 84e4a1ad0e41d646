package agent

import (
	"archive/zip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/avast/retry-go/v5"
	"go.uber.org/zap"
	"golang.org/x/mod/semver"

	"github.com/krakendeploy-com/kraken-agent/internal/protocol"
	"github.com/krakendeploy-com/kraken-agent/internal/version"
)

const installerDownloadAttempts = 3

func installerAssetName() string {
	return fmt.Sprintf("kraken-agent-installer-%s-%s.zip", runtime.GOOS, runtime.GOARCH)
}

func installerBinaryName() string {
	if runtime.GOOS == "windows" {
		return "kraken-installer.exe"
	}
	return "kraken-installer"
}

// handleUpdate downloads the platform installer, spawns it, and returns. The
// installer stops and replaces this process; the agent does not orchestrate
// its own shutdown.
func (a *Agent) handleUpdate(ctx context.Context, payload json.RawMessage) error {
	var task protocol.UpdateTask
	if err := json.Unmarshal(payload, &task); err != nil {
		return fmt.Errorf("decode update payload: %w", err)
	}

	if sameVersion(task.TargetVersion, version.Current()) {
		a.logger.Info("update target matches running version, skipping",
			zap.String("target", task.TargetVersion))
		return nil
	}

	a.setStatus(protocol.AgentStatusUpdating)
	a.logger.Info("agent update starting",
		zap.String("target", task.TargetVersion),
		zap.String("current", version.Current()))

	tmpDir, err := os.MkdirTemp("", "kraken-agent-update-*")
	if err != nil {
		return fmt.Errorf("create update temp dir: %w", err)
	}

	zipPath := filepath.Join(tmpDir, installerAssetName())
	assetURL := strings.TrimRight(strings.TrimSpace(task.PackageBaseUrl), "/") + "/" + installerAssetName()
	r := retry.New(
		retry.Context(ctx),
		retry.Attempts(installerDownloadAttempts),
	)
	if err := r.Do(func() error { return downloadFile(ctx, assetURL, zipPath) }); err != nil {
		return fmt.Errorf("download installer %s: %w", assetURL, err)
	}

	extractDir := filepath.Join(tmpDir, "installer")
	if err := extractZip(zipPath, extractDir); err != nil {
		return fmt.Errorf("extract installer: %w", err)
	}

	installerPath, err := findInstaller(extractDir)
	if err != nil {
		return err
	}
	if runtime.GOOS != "windows" {
		if err := os.Chmod(installerPath, 0o755); err != nil {
			return fmt.Errorf("mark installer executable: %w", err)
		}
	}

	cmd := exec.Command(installerPath,
		"--agentId", a.settings.Agent.Id,
		"--workspaceId", a.settings.Agent.WorkspaceId,
		"--debug",
	)
	cmd.Dir = extractDir
	prepareCommand(cmd)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start installer %s: %w", installerPath, err)
	}
	if err := cmd.Process.Release(); err != nil {
		a.logger.Warn("release installer process failed", zap.Error(err))
	}
	a.logger.Info("installer spawned, awaiting replacement",
		zap.String("installer", installerPath))
	return nil
}

// sameVersion compares semver-ish tags; unparseable tags only match on exact
// string equality.
func sameVersion(target, current string) bool {
	target = strings.TrimSpace(target)
	current = strings.TrimSpace(current)
	if target == "" {
		return false
	}
	if target == current {
		return true
	}
	tv, cv := ensureV(target), ensureV(current)
	if !semver.IsValid(tv) || !semver.IsValid(cv) {
		return false
	}
	return semver.Compare(tv, cv) == 0
}

func ensureV(v string) string {
	if strings.HasPrefix(v, "v") {
		return v
	}
	return "v" + v
}

func downloadFile(ctx context.Context, rawURL, target string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("create download request: %w", err)
	}
	resp, err := (&http.Client{}).Do(req)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("download returned status %d", resp.StatusCode)
	}

	out, err := os.Create(target)
	if err != nil {
		return fmt.Errorf("create %s: %w", target, err)
	}
	if _, err := io.Copy(out, resp.Body); err != nil {
		out.Close()
		return fmt.Errorf("stream download body: %w", err)
	}
	return out.Close()
}

func extractZip(zipPath, targetDir string) error {
	reader, err := zip.OpenReader(zipPath)
	if err != nil {
		return fmt.Errorf("open zip %s: %w", zipPath, err)
	}
	defer reader.Close()

	for _, file := range reader.File {
		if !filepath.IsLocal(filepath.FromSlash(file.Name)) {
			return fmt.Errorf("zip entry %q escapes extraction dir", file.Name)
		}
		target := filepath.Join(targetDir, filepath.FromSlash(file.Name))
		if file.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("create dir %s: %w", target, err)
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return fmt.Errorf("create dir for %s: %w", target, err)
		}
		if err := extractZipFile(file, target); err != nil {
			return err
		}
	}
	return nil
}

func extractZipFile(file *zip.File, target string) error {
	src, err := file.Open()
	if err != nil {
		return fmt.Errorf("open zip entry %q: %w", file.Name, err)
	}
	defer src.Close()

	dst, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, file.Mode().Perm()|0o200)
	if err != nil {
		return fmt.Errorf("create %s: %w", target, err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return fmt.Errorf("extract %q: %w", file.Name, err)
	}
	return dst.Close()
}

func findInstaller(extractDir string) (string, error) {
	wanted := installerBinaryName()
	var found string
	err := filepath.WalkDir(extractDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && d.Name() == wanted {
			found = path
			return filepath.SkipAll
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("scan extracted installer: %w", err)
	}
	if found == "" {
		return "", fmt.Errorf("installer binary %q not found in package", wanted)
	}
	return found, nil
}
