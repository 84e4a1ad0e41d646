package agent

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/krakendeploy-com/kraken-agent/internal/protocol"
)

// Run is the agent's polling loop. It never returns on task or network
// failure; only context cancellation (signal or shutdown file) ends it.
func (a *Agent) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	a.logger.Info("kraken agent started",
		zap.String("agent_id", a.settings.Agent.Id),
		zap.String("workspace_id", a.settings.Agent.WorkspaceId),
		zap.String("version", a.agentVersion()),
		zap.Duration("poll_interval", a.defaultInterval))
	defer a.logger.Info("kraken agent stopped")

	if addr := a.settings.Diagnostics.Addr; addr != "" {
		go a.serveDiagnostics(runCtx, addr)
	}
	go a.watchShutdownSignal(runCtx, cancel)

	for {
		select {
		case <-runCtx.Done():
			return nil
		default:
		}

		a.pollOnce(runCtx)

		select {
		case <-runCtx.Done():
			return nil
		case <-time.After(a.sleepInterval()):
		}
	}
}

// pollOnce runs one iteration: token upkeep, next-task fetch with the metrics
// envelope, dispatch. Panics and errors degrade status but never escape.
func (a *Agent) pollOnce(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("poll iteration panicked", zap.Any("panic", r))
			a.setStatus(protocol.AgentStatusUnhealthy)
			a.setState(protocol.AgentStateWaiting)
		}
	}()

	a.tokens.EnsureValid(ctx)

	task, resetInterval, err := a.client.NextTask(ctx, a.buildStatusReport(ctx))
	if err != nil {
		var statusErr *HTTPStatusError
		if errors.As(err, &statusErr) {
			a.setStatus(protocol.AgentStatusOffline)
		} else {
			a.setStatus(protocol.AgentStatusUnhealthy)
		}
		a.setState(protocol.AgentStateWaiting)
		a.logger.Warn("next-task poll failed", zap.Error(err))
		return
	}

	if resetInterval {
		a.setPollInterval(a.defaultInterval)
	}

	if task == nil {
		// Empty poll proves the control plane is reachable again.
		if status, _ := a.snapshotStatus(); status == protocol.AgentStatusOffline {
			a.setStatus(protocol.AgentStatusHealthy)
		}
		return
	}

	a.setState(protocol.AgentStateBusy)
	a.setStatus(protocol.AgentStatusHealthy)

	err = a.dispatch(ctx, *task)

	a.setState(protocol.AgentStateWaiting)
	if err != nil {
		a.logger.Error("task dispatch failed",
			zap.String("task_id", task.Id),
			zap.String("task_type", task.Type),
			zap.Error(err))
		a.setStatus(protocol.AgentStatusUnhealthy)
		return
	}
	if status, _ := a.snapshotStatus(); status != protocol.AgentStatusUpdating {
		a.setStatus(protocol.AgentStatusHealthy)
	}
}

func (a *Agent) dispatch(ctx context.Context, task protocol.AgentTask) error {
	switch protocol.NormalizeTaskType(task.Type) {
	case protocol.TaskTypeDeploy:
		// Tighten polling while a deployment is in flight so subsequent
		// steps arrive promptly.
		a.setPollInterval(a.busyInterval)
		return a.handleDeploy(ctx, task.Payload)
	case protocol.TaskTypeUpdate:
		return a.handleUpdate(ctx, task.Payload)
	case protocol.TaskTypeCleanup:
		return a.handleCleanup(ctx, task.Payload)
	default:
		a.logger.Warn("unknown task type, ignoring",
			zap.String("task_id", task.Id),
			zap.String("task_type", task.Type))
		return nil
	}
}

func (a *Agent) buildStatusReport(ctx context.Context) protocol.AgentStatusReport {
	snap := a.probe.Snapshot(ctx)
	status, state := a.snapshotStatus()
	return protocol.AgentStatusReport{
		AgentVersion:    a.agentVersion(),
		Status:          status,
		State:           state,
		CpuUsagePercent: snap.CpuUsagePercent,
		RamUsageMb:      snap.RamUsageMb,
		RamTotalMb:      snap.RamTotalMb,
		DiskTotalGb:     snap.DiskTotalGb,
		DiskFreeGb:      snap.DiskFreeGb,
		AgentUptime:     snap.Uptime,
		IpAddress:       snap.IpAddress,
		OperatingSystem: snap.OperatingSystem,
		TimestampUtc:    a.now().UTC(),
	}
}

// sleepInterval applies uniform jitter in [-1s, +2s], floored at one second,
// so a fleet of agents does not synchronize against the control plane.
func (a *Agent) sleepInterval() time.Duration {
	jitter := time.Duration(rand.IntN(4)-1) * time.Second
	interval := a.currentPollInterval() + jitter
	if interval < time.Second {
		interval = time.Second
	}
	return interval
}

// watchShutdownSignal polls the working directory at 1 Hz for the sentinel
// file. On detection it removes the file, reports offline, and cancels the
// run context.
func (a *Agent) watchShutdownSignal(ctx context.Context, cancel context.CancelFunc) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := os.Stat(shutdownSignalFile); err != nil {
				continue
			}
			a.logger.Info("shutdown signal file detected")
			if err := os.Remove(shutdownSignalFile); err != nil {
				a.logger.Warn("remove shutdown signal file failed", zap.Error(err))
			}

			offCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
			if err := a.client.SetOffline(offCtx); err != nil {
				a.logger.Warn("set-offline on shutdown failed", zap.Error(err))
			}
			done()

			cancel()
			return
		}
	}
}

// String renders the runtime state for diagnostics.
func (a *Agent) String() string {
	status, state := a.snapshotStatus()
	return fmt.Sprintf("agent %s status=%s state=%s", a.settings.Agent.Id, status, state)
}
