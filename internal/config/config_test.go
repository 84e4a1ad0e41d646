package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const baseSettings = `{
  "Agent": {
    "Id": "7b0c9f1e-4a52-4f3a-9c3b-2f1d0e8a6b11",
    "WorkspaceId": "ws-main",
    "OrganizationId": "org-acme"
  },
  "AgentApi": { "Url": "https://agents.kraken.example/" },
  "Auth":     { "Url": "https://auth.kraken.example" }
}`

func writeSettings(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestLoadBaseSettings(t *testing.T) {
	dir := t.TempDir()
	writeSettings(t, dir, "agentsettings.json", baseSettings)

	settings, err := Load(dir, "")
	require.NoError(t, err)

	assert.Equal(t, "7b0c9f1e-4a52-4f3a-9c3b-2f1d0e8a6b11", settings.Agent.Id)
	assert.Equal(t, "ws-main", settings.Agent.WorkspaceId)
	assert.Equal(t, "https://agents.kraken.example", settings.AgentApi.Url, "trailing slash must be stripped")
	assert.Equal(t, "https://auth.kraken.example", settings.Auth.Url)
	assert.Equal(t, 30, settings.Polling.IntervalSeconds)
	assert.Equal(t, 5, settings.Polling.BusyIntervalSeconds)
}

func TestLoadOverlayWins(t *testing.T) {
	dir := t.TempDir()
	writeSettings(t, dir, "agentsettings.json", baseSettings)
	writeSettings(t, dir, "agentsettings.staging.json", `{
  "AgentApi": { "Url": "https://staging-agents.kraken.example" },
  "Polling":  { "IntervalSeconds": 10 }
}`)

	settings, err := Load(dir, "staging")
	require.NoError(t, err)

	assert.Equal(t, "https://staging-agents.kraken.example", settings.AgentApi.Url)
	assert.Equal(t, 10, settings.Polling.IntervalSeconds)
	assert.Equal(t, "https://auth.kraken.example", settings.Auth.Url, "unoverlaid keys keep base values")
}

func TestLoadMissingOverlayIsTolerated(t *testing.T) {
	dir := t.TempDir()
	writeSettings(t, dir, "agentsettings.json", baseSettings)

	_, err := Load(dir, "nonexistent")
	require.NoError(t, err)
}

func TestLoadRejectsBadAgentID(t *testing.T) {
	dir := t.TempDir()
	writeSettings(t, dir, "agentsettings.json", `{
  "Agent": { "Id": "not-a-uuid", "WorkspaceId": "ws", "OrganizationId": "org" },
  "AgentApi": { "Url": "https://a.example" },
  "Auth":     { "Url": "https://b.example" }
}`)

	_, err := Load(dir, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a uuid")
}

func TestLoadRejectsMissingFile(t *testing.T) {
	_, err := Load(t.TempDir(), "")
	require.Error(t, err)
}

func TestLoadRejectsRelativeBase(t *testing.T) {
	dir := t.TempDir()
	writeSettings(t, dir, "agentsettings.json", `{
  "Agent": { "Id": "7b0c9f1e-4a52-4f3a-9c3b-2f1d0e8a6b11", "WorkspaceId": "ws", "OrganizationId": "org" },
  "AgentApi": { "Url": "agents.kraken.example" },
  "Auth":     { "Url": "https://b.example" }
}`)

	_, err := Load(dir, "")
	require.Error(t, err)
}
