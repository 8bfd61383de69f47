package executor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Kocoro-lab/taskgraph/internal/tasks"
)

// Result types reported by the built-in agents
const (
	ResultWebSearch     = "web_search"
	ResultCodeExecution = "code_execution"
	ResultCasualWork    = "casual_work"
	ResultFileOperation = "file_operation"
)

// Builtin agents answer locally without calling any provider. HTTPExecutor
// replaces them per agent type when a remote agent service is configured.
type Builtin struct {
	now func() time.Time
}

// NewBuiltin returns the offline agent set
func NewBuiltin() *Builtin {
	return &Builtin{now: func() time.Time { return time.Now().UTC() }}
}

// RegisterAll binds web, coder, casual and file agents on r
func (b *Builtin) RegisterAll(r *Registry) {
	r.Register(tasks.AgentWeb, Func(b.Web))
	r.Register(tasks.AgentCoder, Func(b.Coder))
	r.Register(tasks.AgentCasual, Func(b.Casual))
	r.Register(tasks.AgentFile, Func(b.File))
}

// Web returns placeholder search hits for the description
func (b *Builtin) Web(ctx context.Context, description string, ec Context) (interface{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	results := []map[string]interface{}{
		{"title": "Search result 1: " + description, "url": "https://example.com/search1", "snippet": "Summary of result 1"},
		{"title": "Search result 2: " + description, "url": "https://example.com/search2", "snippet": "Summary of result 2"},
	}
	return b.envelope("WebAgent", description, ResultWebSearch, "results", results), nil
}

// Coder returns a code sketch for the description
func (b *Builtin) Coder(ctx context.Context, description string, ec Context) (interface{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	lower := strings.ToLower(description)

	result := map[string]interface{}{"status": "completed"}
	switch {
	case strings.Contains(lower, "process"):
		result["code"] = "data = [1, 2, 3, 4, 5]\nresult = sum(data)\nprint(f'total: {result}')"
		result["output"] = "total: 15"
	case strings.Contains(lower, "analy"):
		result["code"] = "import statistics\ndata = [1, 2, 3, 4, 5]\nprint(f'mean: {statistics.mean(data)}')"
		result["output"] = "mean: 3.0"
	default:
		result["code"] = fmt.Sprintf("# %s\nprint('done')", description)
		result["output"] = "done"
	}
	result["inputs"] = len(ec.DependenciesUsed)
	return b.envelope("CoderAgent", description, ResultCodeExecution, "result", result), nil
}

// Casual writes a short document, folding in the dependency results it was given
func (b *Builtin) Casual(ctx context.Context, description string, ec Context) (interface{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	lower := strings.ToLower(description)

	var content strings.Builder
	format := "text"
	switch {
	case strings.Contains(lower, "report") || strings.Contains(lower, "document"):
		format = "markdown"
		fmt.Fprintf(&content, "# %s\n\n## Overview\nReport for: %s\n", description, description)
		if len(ec.DependenciesUsed) > 0 {
			fmt.Fprintf(&content, "\n## Sources\nBuilt from %d prior task result(s).\n", len(ec.DependenciesUsed))
		}
		content.WriteString("\n## Conclusion\nDone.\n")
	case strings.Contains(lower, "summar"):
		fmt.Fprintf(&content, "Summary of %s:\n1. Point 1\n2. Point 2\n3. Point 3", description)
	default:
		fmt.Fprintf(&content, "Processed: %s", description)
	}

	result := map[string]interface{}{
		"content": content.String(),
		"format":  format,
		"status":  "completed",
	}
	return b.envelope("CasualAgent", description, ResultCasualWork, "result", result), nil
}

// File describes the file operation the description asks for
func (b *Builtin) File(ctx context.Context, description string, ec Context) (interface{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	lower := strings.ToLower(description)

	operation := "process"
	switch {
	case ec.ReferenceType == tasks.ReferenceFileRead || strings.Contains(lower, "read"):
		operation = "read"
	case strings.Contains(lower, "write") || strings.Contains(lower, "save"):
		operation = "write"
	}

	result := map[string]interface{}{
		"operation": operation,
		"status":    "completed",
	}
	if ec.KVSKey != "" {
		result["kvs_key"] = ec.KVSKey
	}
	return b.envelope("FileAgent", description, ResultFileOperation, "result", result), nil
}

func (b *Builtin) envelope(agent, description, kind, field string, payload interface{}) map[string]interface{} {
	return map[string]interface{}{
		"agent":     agent,
		"task":      description,
		"type":      kind,
		field:       payload,
		"timestamp": b.now().Format(time.RFC3339),
	}
}
