package agent

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/krakendeploy-com/kraken-agent/internal/protocol"
)

func TestAggregateRetentionPolicies(t *testing.T) {
	policies := []protocol.RetentionPolicy{
		{Enabled: true, RetainDeployedVersions: 2, RetainDays: 0},
		{Enabled: true, RetainDeployedVersions: 0, RetainDays: 7},
		{Enabled: false, RetainDeployedVersions: 99, RetainDays: 99},
		{Enabled: true, RetainDeployedVersions: -5, RetainDays: -1},
	}
	effective, ok := aggregateRetentionPolicies(policies)
	require.True(t, ok)
	assert.Equal(t, 2, effective.RetainDeployedVersions)
	assert.Equal(t, 7, effective.RetainDays)
}

func TestAggregateRetentionPoliciesAllDisabled(t *testing.T) {
	_, ok := aggregateRetentionPolicies([]protocol.RetentionPolicy{
		{Enabled: false, RetainDeployedVersions: 3, RetainDays: 3},
	})
	assert.False(t, ok)
}

// makeVersionDir creates <family>/<version> with one file and the given age.
func makeVersionDir(t *testing.T, familyPath, name string, age time.Duration) string {
	t.Helper()
	dir := filepath.Join(familyPath, name)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "payload.bin"), []byte(name), 0o644))
	mtime := time.Now().Add(-age)
	require.NoError(t, os.Chtimes(dir, mtime, mtime))
	return dir
}

func cleanupPayload(t *testing.T, policies []protocol.RetentionPolicy) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(protocol.CleanupTask{RetentionPolicies: policies})
	require.NoError(t, err)
	return raw
}

func TestCleanupKeepsUnionOfCountAndAge(t *testing.T) {
	a := newTestAgent(t, "https://api.invalid", "https://auth.invalid")
	family := filepath.Join(a.artifactsRoot, testAgentID, "myapp")

	day := 24 * time.Hour
	keep1 := makeVersionDir(t, family, "v4", 1*day)
	keep5 := makeVersionDir(t, family, "v3", 5*day)
	drop10 := makeVersionDir(t, family, "v2", 10*day)
	drop30 := makeVersionDir(t, family, "v1", 30*day)

	err := a.handleCleanup(context.Background(), cleanupPayload(t, []protocol.RetentionPolicy{
		{Enabled: true, RetainDeployedVersions: 2, RetainDays: 0},
		{Enabled: true, RetainDeployedVersions: 0, RetainDays: 7},
	}))
	require.NoError(t, err)

	assert.DirExists(t, keep1)
	assert.DirExists(t, keep5)
	assert.NoDirExists(t, drop10)
	assert.NoDirExists(t, drop30)
}

func TestCleanupPrunesBothRoots(t *testing.T) {
	a := newTestAgent(t, "https://api.invalid", "https://auth.invalid")
	day := 24 * time.Hour

	artifactOld := makeVersionDir(t, filepath.Join(a.artifactsRoot, testAgentID, "lib"), "0.1", 60*day)
	installOld := makeVersionDir(t, filepath.Join(a.installRoot, testAgentID, "Production"), "0.1", 60*day)

	err := a.handleCleanup(context.Background(), cleanupPayload(t, []protocol.RetentionPolicy{
		{Enabled: true, RetainDeployedVersions: 0, RetainDays: 7},
	}))
	require.NoError(t, err)

	assert.NoDirExists(t, artifactOld)
	assert.NoDirExists(t, installOld)
	// Emptied family and root dirs disappear too.
	assert.NoDirExists(t, filepath.Join(a.artifactsRoot, testAgentID))
	assert.NoDirExists(t, filepath.Join(a.installRoot, testAgentID))
}

func TestCleanupRemovesReadOnlyPayloads(t *testing.T) {
	a := newTestAgent(t, "https://api.invalid", "https://auth.invalid")
	family := filepath.Join(a.artifactsRoot, testAgentID, "locked")
	old := makeVersionDir(t, family, "1.0", 90*24*time.Hour)
	require.NoError(t, os.Chmod(filepath.Join(old, "payload.bin"), 0o444))

	err := a.handleCleanup(context.Background(), cleanupPayload(t, []protocol.RetentionPolicy{
		{Enabled: true, RetainDeployedVersions: 0, RetainDays: 1},
	}))
	require.NoError(t, err)
	assert.NoDirExists(t, old)
}

func TestCleanupIdempotent(t *testing.T) {
	a := newTestAgent(t, "https://api.invalid", "https://auth.invalid")
	family := filepath.Join(a.installRoot, testAgentID, "Staging")
	day := 24 * time.Hour
	kept := makeVersionDir(t, family, "2.0", 1*day)
	makeVersionDir(t, family, "1.0", 30*day)

	payload := cleanupPayload(t, []protocol.RetentionPolicy{
		{Enabled: true, RetainDeployedVersions: 1, RetainDays: 7},
	})
	require.NoError(t, a.handleCleanup(context.Background(), payload))
	require.NoError(t, a.handleCleanup(context.Background(), payload))

	assert.DirExists(t, kept)
	entries, err := os.ReadDir(family)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestCleanupNoEnabledPoliciesIsNoOp(t *testing.T) {
	a := newTestAgent(t, "https://api.invalid", "https://auth.invalid")
	family := filepath.Join(a.artifactsRoot, testAgentID, "app")
	old := makeVersionDir(t, family, "1.0", 365*24*time.Hour)

	err := a.handleCleanup(context.Background(), cleanupPayload(t, []protocol.RetentionPolicy{
		{Enabled: false, RetainDeployedVersions: 0, RetainDays: 0},
	}))
	require.NoError(t, err)
	assert.DirExists(t, old)
}

func TestCleanupMissingRootsTolerated(t *testing.T) {
	a := newTestAgent(t, "https://api.invalid", "https://auth.invalid")
	err := a.handleCleanup(context.Background(), cleanupPayload(t, []protocol.RetentionPolicy{
		{Enabled: true, RetainDeployedVersions: 1, RetainDays: 1},
	}))
	require.NoError(t, err)
}
