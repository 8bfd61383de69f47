package executor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Kocoro-lab/taskgraph/internal/circuitbreaker"
	"github.com/Kocoro-lab/taskgraph/internal/tasks"
)

func TestHTTPExecutor(t *testing.T) {
	var received remoteRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&received))

		w.Header().Set("Content-Type", "application/json")
		switch received.Description {
		case "fail":
			_, _ = w.Write([]byte(`{"error":"model refused"}`))
		case "crash":
			http.Error(w, "upstream exploded", http.StatusBadGateway)
		default:
			_, _ = w.Write([]byte(`{"result":{"summary":"ok","sources":2}}`))
		}
	}))
	defer srv.Close()

	client := circuitbreaker.NewHTTPWrapper(srv.Client(), "agents-test", "agents", circuitbreaker.Settings{FailureThreshold: 10}, zaptest.NewLogger(t))
	exec := NewHTTPExecutor(srv.URL, tasks.AgentWeb, client, zaptest.NewLogger(t))
	ctx := context.Background()

	t.Run("success", func(t *testing.T) {
		ec := Context{SessionID: "s1", TaskID: "info_1", DependenciesUsed: []interface{}{"prior"}}
		out, err := exec.Execute(ctx, "find sources", ec)
		require.NoError(t, err)
		assert.Equal(t, map[string]interface{}{"summary": "ok", "sources": float64(2)}, out)

		assert.Equal(t, tasks.AgentWeb, received.AgentType)
		assert.Equal(t, "info_1", received.Context.TaskID)
		assert.Equal(t, []interface{}{"prior"}, received.Context.DependenciesUsed)
	})

	t.Run("agent reported error", func(t *testing.T) {
		_, err := exec.Execute(ctx, "fail", Context{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "model refused")
	})

	t.Run("server error", func(t *testing.T) {
		_, err := exec.Execute(ctx, "crash", Context{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "502")
		assert.Contains(t, err.Error(), "upstream exploded")
	})
}

func TestTruncateKeepsValidUTF8(t *testing.T) {
	// "é" is two bytes; an odd prefix puts a rune across the limit
	body := "x" + strings.Repeat("é", maxErrorBody)
	got := truncate(body)
	assert.True(t, utf8.ValidString(got))
	assert.True(t, strings.HasSuffix(got, "..."))
	assert.LessOrEqual(t, len(got), maxErrorBody+len("..."))
	assert.Equal(t, "x"+strings.Repeat("é", (maxErrorBody-1)/2)+"...", got)

	assert.Equal(t, "short", truncate("  short \n"))
}
