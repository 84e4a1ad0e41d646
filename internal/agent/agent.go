// Package agent implements the Kraken deployment agent: a singleton worker
// that polls the control plane for tasks, executes them on this host, and
// reports results with streamed logs.
package agent

import (
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/krakendeploy-com/kraken-agent/internal/config"
	"github.com/krakendeploy-com/kraken-agent/internal/protocol"
	"github.com/krakendeploy-com/kraken-agent/internal/sysinfo"
	"github.com/krakendeploy-com/kraken-agent/internal/tokenstore"
	"github.com/krakendeploy-com/kraken-agent/internal/version"
)

const (
	shutdownSignalFile = "shutdown.signal"

	maxTranscriptBytes = 512 * 1024
)

type Agent struct {
	settings config.Settings
	logger   *zap.Logger
	probe    *sysinfo.Probe
	tokens   *TokenManager
	client   *Client

	installRoot   string
	artifactsRoot string

	defaultInterval time.Duration
	busyInterval    time.Duration

	mu           sync.Mutex
	status       string
	state        string
	pollInterval time.Duration

	now func() time.Time
}

func New(settings config.Settings, logger *zap.Logger) *Agent {
	if logger == nil {
		logger = zap.NewNop()
	}
	store := tokenstore.New()
	tokens := NewTokenManager(settings, store, logger)
	a := &Agent{
		settings:        settings,
		logger:          logger,
		probe:           sysinfo.NewProbe(),
		tokens:          tokens,
		client:          NewClient(settings, tokens, logger),
		installRoot:     installRoot(),
		artifactsRoot:   artifactsRoot(),
		defaultInterval: settings.Polling.Interval(),
		busyInterval:    settings.Polling.BusyInterval(),
		status:          protocol.AgentStatusHealthy,
		state:           protocol.AgentStateWaiting,
		now:             time.Now,
	}
	a.pollInterval = a.defaultInterval
	return a
}

func (a *Agent) setStatus(status string) {
	a.mu.Lock()
	a.status = status
	a.mu.Unlock()
}

func (a *Agent) setState(state string) {
	a.mu.Lock()
	a.state = state
	a.mu.Unlock()
}

func (a *Agent) snapshotStatus() (status, state string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status, a.state
}

func (a *Agent) setPollInterval(d time.Duration) {
	a.mu.Lock()
	a.pollInterval = d
	a.mu.Unlock()
}

func (a *Agent) currentPollInterval() time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pollInterval
}

func (a *Agent) agentVersion() string {
	return version.Current()
}

func envOrDefault(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func cloneVariables(in map[string]protocol.VariableValue) map[string]protocol.VariableValue {
	out := make(map[string]protocol.VariableValue, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
