package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/krakendeploy-com/kraken-agent/internal/protocol"
)

const logFlushProbeInterval = 250 * time.Millisecond

// handleDeploy drives one deployment step:
// report-started → download artifacts → resolve + wrap script → run →
// final flush → report-finished. A failing script is reported as a Failed
// step result, not surfaced as a handler error; only reporting failures
// propagate.
func (a *Agent) handleDeploy(ctx context.Context, payload json.RawMessage) error {
	var task protocol.DeploymentStepTask
	if err := json.Unmarshal(payload, &task); err != nil {
		return fmt.Errorf("decode deployment step payload: %w", err)
	}
	agentID := strings.TrimSpace(task.AgentId)
	if agentID == "" {
		agentID = a.settings.Agent.Id
	}

	if err := a.client.ReportStepStarted(ctx, task.DeploymentId, task.StepOrder); err != nil {
		a.logger.Warn("report step started failed",
			zap.String("deployment_id", task.DeploymentId),
			zap.Int("step", task.StepOrder),
			zap.Error(err))
	}

	secrets := task.SecretValues()
	buf := newStepLogBuffer(a.now)
	post := func(ctx context.Context, lines []protocol.ScriptLogLine) error {
		return a.client.PostLogs(ctx, protocol.DeployLogBatch{
			DeploymentId: task.DeploymentId,
			StepId:       task.StepOrder,
			AgentId:      agentID,
			Logs:         redactLines(lines, secrets),
		})
	}
	flush := func(ctx context.Context) {
		if err := buf.Flush(ctx, post); err != nil {
			a.logger.Warn("log batch upload failed, retaining buffer",
				zap.String("deployment_id", task.DeploymentId),
				zap.Int("step", task.StepOrder),
				zap.Error(err))
		}
	}

	runErr := a.executeStep(ctx, task, agentID, buf, flush)

	// Final flush runs on success and failure alike, before the result.
	flush(ctx)

	status := protocol.StepStatusSuccessful
	if runErr != nil {
		status = protocol.StepStatusFailed
		a.logger.Error("deployment step failed",
			zap.String("deployment_id", task.DeploymentId),
			zap.Int("step", task.StepOrder),
			zap.Error(runErr))
	}

	result := protocol.StepResult{
		DeploymentId: task.DeploymentId,
		AgentId:      agentID,
		Status:       status,
		StepId:       task.StepOrder,
		Logs:         redactTranscript(buf.Transcript(), secrets),
	}
	if err := a.client.PostStepResult(ctx, result); err != nil {
		return fmt.Errorf("report step result: %w", err)
	}
	return nil
}

func (a *Agent) executeStep(ctx context.Context, task protocol.DeploymentStepTask, agentID string, buf *stepLogBuffer, flush func(context.Context)) error {
	buf.Append(protocol.LogLevelInfo, fmt.Sprintf(
		"Starting deployment %s step %d (release %s, environment %s)",
		task.DeploymentId, task.StepOrder, task.ReleaseVersion, task.Environment))

	allVariables := cloneVariables(task.Variables)
	env := map[string]string{}
	for k, v := range task.Variables {
		env[k] = v.Value
	}

	for _, param := range task.StepParameters {
		if !param.IsArtifact() {
			key := "Kraken.Step." + param.Name
			allVariables[key] = protocol.VariableValue{Value: param.Value, Type: protocol.VariableTypeText}
			env[key] = param.Value
			continue
		}
		if param.ArtifactMetadata == nil {
			err := fmt.Errorf("artifact parameter %q has no metadata", param.Name)
			buf.Append(protocol.LogLevelError, err.Error())
			return err
		}
		meta := *param.ArtifactMetadata
		targetDir, err := a.downloadArtifact(ctx, agentID, meta)
		if err != nil {
			buf.Append(protocol.LogLevelError, fmt.Sprintf("artifact download failed: %v", err))
			return err
		}
		buf.Append(protocol.LogLevelInfo, fmt.Sprintf("Artifact %s %s ready at %s", meta.Name, meta.Version, targetDir))

		prefix := "Kraken.Step." + param.Name + "."
		for key, value := range map[string]string{
			prefix + "Name":     meta.Name,
			prefix + "Version":  meta.Version,
			prefix + "Url":      meta.Url,
			prefix + "BasePath": targetDir,
		} {
			allVariables[key] = protocol.VariableValue{Value: value, Type: protocol.VariableTypeText}
			env[key] = value
		}
	}

	resolved := ResolveVariables(task.ScriptToExecute, allVariables)
	wrapped := wrapScriptForPlatform(resolved)

	emit := func(level, message string) {
		buf.Append(level, message)
		if buf.countDue() {
			flush(ctx)
		}
	}

	// Periodic flusher covers slow-trickling output between count triggers.
	flusherCtx, stopFlusher := context.WithCancel(ctx)
	flusherDone := make(chan struct{})
	go func() {
		defer close(flusherDone)
		ticker := time.NewTicker(logFlushProbeInterval)
		defer ticker.Stop()
		for {
			select {
			case <-flusherCtx.Done():
				return
			case <-ticker.C:
				if buf.intervalDue() {
					flush(flusherCtx)
				}
			}
		}
	}()

	runner := NewScriptRunner(a.installRoot, a.logger)
	err := runner.Run(ctx, task, wrapped, env, emit)

	stopFlusher()
	<-flusherDone

	if err != nil {
		buf.Append(protocol.LogLevelError, fmt.Sprintf("script execution failed: %v", err))
	}
	return err
}

func wrapScriptForPlatform(script string) string {
	if runtime.GOOS == "windows" {
		return "$ErrorActionPreference = \"Stop\"\ntry {\n" + script +
			"\n} catch { Write-Host 'ERROR: ' + $_.Exception.Message; exit 1 }\nexit 0\n"
	}
	return "#!/bin/bash\nset -euo pipefail\n(\n" + script + "\n)\n"
}

func redactTranscript(transcript string, secrets []string) string {
	for _, secret := range secrets {
		transcript = strings.ReplaceAll(transcript, secret, "***")
	}
	return transcript
}
