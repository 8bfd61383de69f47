package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/taskgraph/internal/circuitbreaker"
	"github.com/Kocoro-lab/taskgraph/internal/tasks"
	"github.com/Kocoro-lab/taskgraph/internal/tracing"
)

const maxErrorBody = 512

// remoteRequest is the body posted to the agent service
type remoteRequest struct {
	AgentType   tasks.AgentType `json:"agent_type"`
	Description string          `json:"description"`
	Context     Context         `json:"context"`
}

// remoteResponse is what the agent service answers with
type remoteResponse struct {
	Result json.RawMessage `json:"result"`
	Error  string          `json:"error,omitempty"`
}

// HTTPExecutor forwards a task to a remote agent service. Requests go
// through a circuit breaker and carry a W3C traceparent header.
type HTTPExecutor struct {
	url       string
	agentType tasks.AgentType
	client    *circuitbreaker.HTTPWrapper
	logger    *zap.Logger
}

// NewHTTPExecutor creates an executor posting to url for agentType. All
// executors built with the same client share its breaker.
func NewHTTPExecutor(url string, agentType tasks.AgentType, client *circuitbreaker.HTTPWrapper, logger *zap.Logger) *HTTPExecutor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPExecutor{url: url, agentType: agentType, client: client, logger: logger}
}

// Execute posts the task and returns the decoded "result" field
func (h *HTTPExecutor) Execute(ctx context.Context, description string, ec Context) (interface{}, error) {
	body, err := json.Marshal(remoteRequest{AgentType: h.agentType, Description: description, Context: ec})
	if err != nil {
		return nil, fmt.Errorf("failed to encode agent request: %w", err)
	}

	ctx, span := tracing.StartHTTPSpan(ctx, http.MethodPost, h.url)
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build agent request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	tracing.InjectHeaders(ctx, req)

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("agent %s request failed: %w", h.agentType, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read agent response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("agent %s returned %d: %s", h.agentType, resp.StatusCode, truncate(string(data)))
	}

	var out remoteResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to decode agent response: %w", err)
	}
	if out.Error != "" {
		return nil, fmt.Errorf("agent %s: %s", h.agentType, out.Error)
	}

	h.logger.Debug("Remote agent completed task",
		zap.String("agent_type", string(h.agentType)),
		zap.String("task_id", ec.TaskID),
		zap.Int("bytes", len(data)),
	)

	if len(out.Result) == 0 {
		return nil, nil
	}
	var result interface{}
	if err := json.Unmarshal(out.Result, &result); err != nil {
		return nil, fmt.Errorf("failed to decode agent result: %w", err)
	}
	return result, nil
}

func truncate(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= maxErrorBody {
		return s
	}
	cut := maxErrorBody
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
