package agent

import (
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/krakendeploy-com/kraken-agent/internal/config"
	"github.com/krakendeploy-com/kraken-agent/internal/sysinfo"
)

const (
	testAgentID     = "7b0c9f1e-4a52-4f3a-9c3b-2f1d0e8a6b11"
	testWorkspaceID = "ws-main"
	testOrgID       = "org-acme"
)

func testSettings(apiURL, authURL string) config.Settings {
	return config.Settings{
		Agent: config.AgentSettings{
			Id:             testAgentID,
			WorkspaceId:    testWorkspaceID,
			OrganizationId: testOrgID,
		},
		AgentApi: config.EndpointSettings{Url: apiURL},
		Auth:     config.EndpointSettings{Url: authURL},
		Polling: config.PollingSettings{
			IntervalSeconds:     30,
			BusyIntervalSeconds: 5,
		},
	}
}

// newTestAgent builds an agent against throwaway roots so nothing touches
// /opt/kraken during tests.
func newTestAgent(t *testing.T, apiURL, authURL string) *Agent {
	t.Helper()
	root := t.TempDir()
	t.Setenv("KRAKEN_ROOT", root)
	t.Setenv("KRAKEN_INSTALL_ROOT", filepath.Join(root, "Installations"))
	t.Setenv("KRAKEN_ARTIFACTS_ROOT", filepath.Join(root, "Artifacts"))
	a := New(testSettings(apiURL, authURL), zap.NewNop())
	// Shrink the CPU sampling window so polling tests stay fast.
	a.probe = sysinfo.NewProbeAt(time.Now(), time.Millisecond)
	return a
}

// seedAccessToken installs a long-lived bearer so client calls skip the
// proactive refresh.
func seedAccessToken(a *Agent, token string) {
	a.tokens.mu.Lock()
	a.tokens.state.AccessToken = token
	a.tokens.state.ExpiresAt = time.Now().Add(time.Hour)
	a.tokens.mu.Unlock()
}

func seedRefreshToken(a *Agent, token string) {
	a.tokens.mu.Lock()
	a.tokens.state.RefreshToken = token
	a.tokens.mu.Unlock()
}
