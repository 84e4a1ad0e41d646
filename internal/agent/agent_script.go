package agent

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/krakendeploy-com/kraken-agent/internal/protocol"
)

const scannerBufferBytes = 1024 * 1024

// lineEmitter receives one classified output line. Calls are ordered within a
// stream; ordering across streams is unspecified, the shared line counter in
// the buffer still totals them.
type lineEmitter func(level, message string)

// ScriptRunner materializes a step script under the install tree and runs it
// with the step's environment, draining stdout and stderr concurrently.
type ScriptRunner struct {
	installRoot string
	logger      *zap.Logger
}

func NewScriptRunner(installRoot string, logger *zap.Logger) *ScriptRunner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ScriptRunner{installRoot: installRoot, logger: logger}
}

// Run writes the script file if missing, spawns it, and streams output into
// emit. A nonzero exit surfaces as the *exec.ExitError from Wait.
func (r *ScriptRunner) Run(ctx context.Context, task protocol.DeploymentStepTask, scriptBody string, env map[string]string, emit lineEmitter) error {
	scriptPath, err := r.materializeScript(task, scriptBody)
	if err != nil {
		return err
	}

	cmd := commandForPlatform(scriptPath)
	cmd.Dir = filepath.Dir(scriptPath)
	cmd.Env = mergeEnv(os.Environ(), env)
	prepareCommand(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("open stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("open stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start script %s: %w", scriptPath, err)
	}
	r.logger.Debug("script started",
		zap.String("path", scriptPath),
		zap.String("deployment_id", task.DeploymentId),
		zap.Int("step", task.StepOrder))

	var drains sync.WaitGroup
	drains.Add(2)
	go func() {
		defer drains.Done()
		drainStream(stdout, protocol.LogLevelInfo, emit)
	}()
	go func() {
		defer drains.Done()
		drainStream(stderr, protocol.LogLevelError, emit)
	}()

	waitCh := make(chan error, 1)
	go func() {
		drains.Wait()
		waitCh <- cmd.Wait()
	}()

	select {
	case err := <-waitCh:
		if err != nil {
			return fmt.Errorf("script %s: %w", scriptPath, err)
		}
		return nil
	case <-ctx.Done():
		killCommand(cmd)
		if err := <-waitCh; err != nil {
			r.logger.Debug("script terminated after cancellation", zap.Error(err))
		}
		return ctx.Err()
	}
}

// materializeScript writes deploy.sh/deploy.ps1 (UTF-8, no BOM) unless a
// previous attempt already placed it.
func (r *ScriptRunner) materializeScript(task protocol.DeploymentStepTask, scriptBody string) (string, error) {
	dir := stepScriptDir(r.installRoot, task.AgentId, task.Environment, task.ReleaseVersion, task.StepOrder)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create script dir %q: %w", dir, err)
	}

	path := filepath.Join(dir, scriptFileName())
	if _, err := os.Stat(path); err == nil {
		return path, nil
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("stat script %q: %w", path, err)
	}

	if err := os.WriteFile(path, []byte(scriptBody), 0o644); err != nil {
		return "", fmt.Errorf("write script %q: %w", path, err)
	}
	if runtime.GOOS != "windows" {
		if err := os.Chmod(path, 0o755); err != nil {
			return "", fmt.Errorf("mark script executable %q: %w", path, err)
		}
	}
	return path, nil
}

func commandForPlatform(scriptPath string) *exec.Cmd {
	if runtime.GOOS == "windows" {
		return exec.Command("powershell", "-ExecutionPolicy", "Bypass", "-File", scriptPath)
	}
	return exec.Command("bash", scriptPath)
}

func drainStream(stream io.Reader, defaultLevel string, emit lineEmitter) {
	scanner := bufio.NewScanner(stream)
	scanner.Buffer(make([]byte, 64*1024), scannerBufferBytes)
	for scanner.Scan() {
		line := scanner.Text()
		emit(protocol.ClassifyLine(line, defaultLevel), line)
	}
}

func mergeEnv(base []string, extra map[string]string) []string {
	if len(extra) == 0 {
		return base
	}
	out := append([]string(nil), base...)
	index := map[string]int{}
	for i, e := range out {
		if eq := strings.IndexByte(e, '='); eq > 0 {
			index[e[:eq]] = i
		}
	}
	for k, v := range extra {
		entry := k + "=" + v
		if pos, ok := index[k]; ok {
			out[pos] = entry
		} else {
			out = append(out, entry)
		}
	}
	return out
}
