package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Kocoro-lab/taskgraph/internal/config"
)

func newTestApp(t *testing.T, mutate func(*config.Config)) *app {
	t.Helper()
	mr := miniredis.RunT(t)
	t.Setenv("TASKGRAPH_REDIS_ADDR", mr.Addr())

	cfg, _, err := config.Load("")
	require.NoError(t, err)
	if mutate != nil {
		mutate(cfg)
	}

	a, err := newApp(context.Background(), cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(a.Close)
	return a
}

func runCmd(t *testing.T, a *app, args ...string) map[string]interface{} {
	t.Helper()
	var out bytes.Buffer
	require.NoError(t, dispatch(context.Background(), a, args[0], args[1:], &out))
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(out.Bytes(), &body))
	return body
}

func TestPlanRunStatusDelete(t *testing.T) {
	a := newTestApp(t, nil)

	planned := runCmd(t, a, "plan", "-session", "s1", "Research", "the", "market", "and", "write", "a", "report")
	assert.Equal(t, "s1", planned["session_id"])
	assert.Len(t, planned["tasks"], 2)

	report := runCmd(t, a, "run", "-session", "s1")
	assert.Len(t, report["results"], 2)
	assert.Equal(t, float64(2), report["rounds"])

	status := runCmd(t, a, "status", "-session", "s1")
	assert.Equal(t, map[string]interface{}{"completed": float64(2)}, status["counts"])
	assert.Empty(t, status["stalled"])

	deleted := runCmd(t, a, "delete", "-session", "s1")
	assert.Equal(t, true, deleted["deleted"])

	status = runCmd(t, a, "status", "-session", "s1")
	assert.Empty(t, status["counts"])
}

func TestPlanGeneratesSessionID(t *testing.T) {
	a := newTestApp(t, nil)
	planned := runCmd(t, a, "plan", "say hello")
	assert.NotEmpty(t, planned["session_id"])
	assert.Len(t, planned["tasks"], 1)
}

func TestAppendAndExecute(t *testing.T) {
	a := newTestApp(t, nil)
	path := filepath.Join(t.TempDir(), "nodes.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
- id: task_fetch
  agent_type: web
  description: fetch pricing pages
- id: task_summarize
  agent_type: casual
  description: summarize pricing
  dependencies: [task_fetch]
`), 0o644))

	appended := runCmd(t, a, "append", "-session", "s1", "-file", path)
	assert.Equal(t, float64(2), appended["appended"])

	// Dependent first: only the fetch runs in this pass
	executed := runCmd(t, a, "execute", "-session", "s1", "-tasks", "task_summarize,task_fetch")
	results := executed["results"].(map[string]interface{})
	assert.Contains(t, results, "task_fetch")
	assert.NotContains(t, results, "task_summarize")

	executed = runCmd(t, a, "execute", "-session", "s1")
	assert.Contains(t, executed["results"], "task_summarize")
}

func TestNotesAndSchemas(t *testing.T) {
	a := newTestApp(t, nil)

	notes := runCmd(t, a, "notes", "-session", "s1", "-set", "prefers short reports")
	assert.Equal(t, "prefers short reports", notes["hearing_result"])
	notes = runCmd(t, a, "notes", "-session", "s1")
	assert.Equal(t, "prefers short reports", notes["hearing_result"])

	path := filepath.Join(t.TempDir(), "schemas.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"daily_task_schema":{"type":"object"}}`), 0o644))
	schemas := runCmd(t, a, "schemas", "-session", "s1", "-file", path)
	assert.Equal(t, map[string]interface{}{"type": "object"}, schemas["daily_task_schema"])
}

func TestSetStatus(t *testing.T) {
	a := newTestApp(t, nil)
	runCmd(t, a, "plan", "-session", "s1", "say hello")
	status := runCmd(t, a, "status", "-session", "s1")
	graph := status["graph"].(map[string]interface{})
	taskID := graph["daily_tasks"].([]interface{})[0].(map[string]interface{})["id"].(string)

	n := runCmd(t, a, "set-status", "-session", "s1", "-task", taskID, "-status", "blocked", "-reason", "waiting on approval")
	assert.Equal(t, "blocked", n["status"])
	assert.Equal(t, "waiting on approval", n["blocked_reason"])
}

func TestDispatchErrors(t *testing.T) {
	a := newTestApp(t, nil)
	var out bytes.Buffer
	ctx := context.Background()

	assert.Error(t, dispatch(ctx, a, "status", nil, &out))
	assert.Error(t, dispatch(ctx, a, "plan", []string{"-session", "s1"}, &out))
	assert.Error(t, dispatch(ctx, a, "frobnicate", nil, &out))
	assert.Error(t, dispatch(ctx, a, "set-status", []string{"-session", "s1", "-task", "task_missing", "-status", "completed"}, &out))
}

func TestAgentsAndHealth(t *testing.T) {
	a := newTestApp(t, nil)

	var out bytes.Buffer
	require.NoError(t, dispatch(context.Background(), a, "agents", nil, &out))
	var agents []string
	require.NoError(t, json.Unmarshal(out.Bytes(), &agents))
	assert.Equal(t, []string{"casual", "coder", "file", "web"}, agents)

	report := runCmd(t, a, "health")
	assert.Equal(t, true, report["ready"])
	assert.Contains(t, report["components"], "session_store")
}

func TestSQLiteBackend(t *testing.T) {
	a := newTestApp(t, func(cfg *config.Config) {
		cfg.Store.Backend = config.BackendSQLite
		cfg.SQL.DSN = filepath.Join(t.TempDir(), "taskgraph.db")
	})

	runCmd(t, a, "plan", "-session", "s1", "analyze the sales data")
	report := runCmd(t, a, "run", "-session", "s1")
	assert.NotEmpty(t, report["results"])
}

func TestHealthURL(t *testing.T) {
	assert.Equal(t, "http://agents:8000/health", healthURL("http://agents:8000/v1/execute?x=1"))
}
