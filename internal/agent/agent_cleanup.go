package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"go.uber.org/zap"

	"github.com/krakendeploy-com/kraken-agent/internal/protocol"
)

// effectiveRetention is the aggregate of every enabled policy: the maximum
// retained-version count and the maximum retained age. The agent serves
// multiple environments at once, so aggregating by maximum guarantees no
// version any single policy would keep gets deleted.
type effectiveRetention struct {
	RetainDeployedVersions int
	RetainDays             int
}

func aggregateRetentionPolicies(policies []protocol.RetentionPolicy) (effectiveRetention, bool) {
	var effective effectiveRetention
	enabled := false
	for _, p := range policies {
		if !p.Enabled {
			continue
		}
		enabled = true
		if p.RetainDeployedVersions > effective.RetainDeployedVersions {
			effective.RetainDeployedVersions = p.RetainDeployedVersions
		}
		if p.RetainDays > effective.RetainDays {
			effective.RetainDays = p.RetainDays
		}
	}
	return effective, enabled
}

// handleCleanup prunes installed versions and downloaded artifacts under the
// aggregated retention policy. Per-directory failures are logged and do not
// stop sibling work.
func (a *Agent) handleCleanup(ctx context.Context, payload json.RawMessage) error {
	var task protocol.CleanupTask
	if err := json.Unmarshal(payload, &task); err != nil {
		return fmt.Errorf("decode cleanup payload: %w", err)
	}

	policy, ok := aggregateRetentionPolicies(task.RetentionPolicies)
	if !ok {
		a.logger.Info("cleanup task had no enabled retention policies")
		return nil
	}
	cutoff := a.now().Add(-time.Duration(policy.RetainDays) * 24 * time.Hour)
	a.logger.Info("cleanup starting",
		zap.Int("retain_versions", policy.RetainDeployedVersions),
		zap.Int("retain_days", policy.RetainDays))

	agentID := a.settings.Agent.Id
	for _, root := range []string{
		filepath.Join(a.artifactsRoot, agentID),
		filepath.Join(a.installRoot, agentID),
	} {
		a.pruneRoot(root, policy.RetainDeployedVersions, cutoff)
	}
	return nil
}

type versionDir struct {
	path    string
	modTime time.Time
}

// pruneRoot walks <root>/<family>/<version> and deletes every version outside
// the union of the top-N most recent and those modified at or after cutoff.
// Emptied family directories and the root itself are removed afterwards.
func (a *Agent) pruneRoot(root string, retainCount int, cutoff time.Time) {
	if _, err := os.Stat(root); err != nil {
		if !os.IsNotExist(err) {
			a.logger.Warn("cleanup root inspection failed", zap.String("root", root), zap.Error(err))
		}
		return
	}

	families, err := doublestar.Glob(os.DirFS(root), "*")
	if err != nil {
		a.logger.Warn("enumerate family dirs failed", zap.String("root", root), zap.Error(err))
		return
	}

	for _, family := range families {
		familyPath := filepath.Join(root, family)
		info, err := os.Stat(familyPath)
		if err != nil || !info.IsDir() {
			continue
		}
		a.pruneFamily(familyPath, retainCount, cutoff)
		removeIfEmpty(familyPath)
	}
	removeIfEmpty(root)
}

func (a *Agent) pruneFamily(familyPath string, retainCount int, cutoff time.Time) {
	entries, err := doublestar.Glob(os.DirFS(familyPath), "*")
	if err != nil {
		a.logger.Warn("enumerate version dirs failed", zap.String("family", familyPath), zap.Error(err))
		return
	}

	versions := make([]versionDir, 0, len(entries))
	for _, entry := range entries {
		versionPath := filepath.Join(familyPath, entry)
		info, err := os.Stat(versionPath)
		if err != nil || !info.IsDir() {
			continue
		}
		versions = append(versions, versionDir{path: versionPath, modTime: info.ModTime()})
	}
	sort.Slice(versions, func(i, j int) bool { return versions[i].modTime.After(versions[j].modTime) })

	for i, v := range versions {
		keepByCount := i < retainCount
		keepByAge := !v.modTime.Before(cutoff)
		if keepByCount || keepByAge {
			continue
		}
		clearReadOnly(v.path)
		if err := os.RemoveAll(v.path); err != nil {
			a.logger.Warn("remove version dir failed", zap.String("path", v.path), zap.Error(err))
			continue
		}
		a.logger.Info("pruned version dir", zap.String("path", v.path))
	}
}

// clearReadOnly best-effort strips read-only bits so RemoveAll succeeds on
// files a deploy script marked immutable.
func clearReadOnly(root string) {
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if info, err := d.Info(); err == nil && info.Mode().Perm()&0o200 == 0 {
			_ = os.Chmod(path, info.Mode().Perm()|0o200)
		}
		return nil
	})
}

func removeIfEmpty(dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil || len(entries) > 0 {
		return
	}
	_ = os.Remove(dir)
}
