package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/krakendeploy-com/kraken-agent/internal/config"
	"github.com/krakendeploy-com/kraken-agent/internal/protocol"
)

const controlPlaneTimeout = 30 * time.Second

// HTTPStatusError reports a non-2xx control-plane response that is neither
// the benign 409 nor the empty 204. The polling loop maps it to Offline.
type HTTPStatusError struct {
	StatusCode int
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("control plane responded %d: %s", e.StatusCode, e.Body)
}

// Client talks to the control plane. Every call ensures a valid access token
// first and retries exactly once after a 401-triggered reactive refresh.
type Client struct {
	agentBase string
	tokens    *TokenManager
	logger    *zap.Logger
	timeout   time.Duration
}

func NewClient(settings config.Settings, tokens *TokenManager, logger *zap.Logger) *Client {
	return &Client{
		agentBase: fmt.Sprintf("%s/organization/%s/workspaces/%s/agents/%s",
			settings.AgentApi.Url,
			settings.Agent.OrganizationId,
			settings.Agent.WorkspaceId,
			settings.Agent.Id,
		),
		tokens:  tokens,
		logger:  logger,
		timeout: controlPlaneTimeout,
	}
}

func (c *Client) nextTaskURL() string   { return c.agentBase + "/next-task" }
func (c *Client) postLogsURL() string   { return c.agentBase + "/post-logs" }
func (c *Client) stepResultURL() string { return c.agentBase + "/step-result" }
func (c *Client) setOfflineURL() string { return c.agentBase + "/set-offline" }

// stepStartedURL intentionally has no separator between "deployment" and the
// id; the server routes it that way.
func (c *Client) stepStartedURL(deploymentID string, stepOrder int) string {
	return c.agentBase + "/deployment" + deploymentID + "/step/" + strconv.Itoa(stepOrder) + "/started"
}

// do sends one authenticated request, refreshing reactively on 401 and
// retrying once. The caller owns the returned response body.
func (c *Client) do(ctx context.Context, method, url string, payload any) (*http.Response, error) {
	c.tokens.EnsureValid(ctx)

	resp, err := c.send(ctx, method, url, payload)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}

	io.Copy(io.Discard, io.LimitReader(resp.Body, 4*1024))
	resp.Body.Close()
	if !c.tokens.Refresh(ctx) {
		return nil, &HTTPStatusError{StatusCode: http.StatusUnauthorized, Body: "refresh after 401 failed"}
	}
	return c.send(ctx, method, url, payload)
}

func (c *Client) send(ctx context.Context, method, url string, payload any) (*http.Response, error) {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.tokens.AccessToken())
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	client := &http.Client{Timeout: c.timeout}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send %s %s: %w", method, url, err)
	}
	return resp, nil
}

// NextTask polls for work. A nil task with resetInterval=true is an empty
// 204 poll; 409 is the benign "no work" conflict and keeps the interval.
func (c *Client) NextTask(ctx context.Context, report protocol.AgentStatusReport) (task *protocol.AgentTask, resetInterval bool, err error) {
	resp, err := c.do(ctx, http.MethodPost, c.nextTaskURL(), report)
	if err != nil {
		return nil, false, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNoContent:
		return nil, true, nil
	case resp.StatusCode == http.StatusConflict:
		return nil, false, nil
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var decoded protocol.AgentTask
		if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
			return nil, false, fmt.Errorf("decode next-task response: %w", err)
		}
		return &decoded, false, nil
	default:
		return nil, false, statusError(resp)
	}
}

func (c *Client) ReportStepStarted(ctx context.Context, deploymentID string, stepOrder int) error {
	resp, err := c.do(ctx, http.MethodPut, c.stepStartedURL(deploymentID, stepOrder), nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return statusError(resp)
	}
	return nil
}

func (c *Client) PostLogs(ctx context.Context, batch protocol.DeployLogBatch) error {
	resp, err := c.do(ctx, http.MethodPost, c.postLogsURL(), batch)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return statusError(resp)
	}
	return nil
}

func (c *Client) PostStepResult(ctx context.Context, result protocol.StepResult) error {
	resp, err := c.do(ctx, http.MethodPost, c.stepResultURL(), result)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return statusError(resp)
	}
	return nil
}

func (c *Client) SetOffline(ctx context.Context) error {
	resp, err := c.do(ctx, http.MethodPut, c.setOfflineURL(), nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return statusError(resp)
	}
	return nil
}

func statusError(resp *http.Response) error {
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4*1024))
	return &HTTPStatusError{
		StatusCode: resp.StatusCode,
		Body:       string(bytes.TrimSpace(respBody)),
	}
}
