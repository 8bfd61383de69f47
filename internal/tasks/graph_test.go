package tasks

import (
	"encoding/json"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2025, 3, 14, 9, 26, 53, 589793000, time.UTC)

func sampleGraph(t *testing.T) *Graph {
	t.Helper()
	g := NewGraph(fixedNow)

	research := NewReferenceTask(AgentWeb, ReferenceWebSearch, "collect market data")
	research.Tags = []string{"research"}
	research.KVSKey = "docs:market"
	research.Normalize(fixedNow)

	draft := NewWorkTask(AgentCasual, "draft the report", research.ID)
	draft.Tags = []string{"report"}
	draft.Normalize(fixedNow)
	require.NoError(t, draft.Transition(StatusInProgress, fixedNow.Add(time.Second)))
	require.NoError(t, draft.Transition(StatusCompleted, fixedNow.Add(2*time.Second)))
	draft.SetResult(json.RawMessage(`{"content":"# Report","format":"markdown"}`), fixedNow.Add(2*time.Second))

	g.Append(fixedNow, research, draft)
	return g
}

func TestGraphRoundTrip(t *testing.T) {
	g := sampleGraph(t)

	data, err := g.Marshal()
	require.NoError(t, err)

	loaded, err := UnmarshalGraph(data)
	require.NoError(t, err)
	assert.Equal(t, g, loaded)

	again, err := loaded.Marshal()
	require.NoError(t, err)
	assert.JSONEq(t, string(data), string(again))
}

func TestGraphPartitionsByKindButKeepsMergeOrder(t *testing.T) {
	g := NewGraph(fixedNow)
	w1 := NewWorkTask(AgentCoder, "process data")
	r1 := NewReferenceTask(AgentWeb, ReferenceWebSearch, "search")
	w2 := NewWorkTask(AgentCasual, "summarize", w1.ID, r1.ID)

	g.Append(fixedNow, w1, r1, w2)

	assert.Len(t, g.WorkTasks, 2)
	assert.Len(t, g.References, 1)
	assert.Equal(t, 3, g.Len())

	var ids []string
	for _, n := range g.Nodes() {
		ids = append(ids, n.ID)
	}
	assert.Equal(t, []string{w1.ID, r1.ID, w2.ID}, ids)
	assert.Same(t, r1, g.Find(r1.ID))
	assert.Nil(t, g.Find("missing"))
}

func TestGraphNodesFallsBackWithoutOrder(t *testing.T) {
	legacy := []byte(`{
		"daily_tasks": [{"id": "task_1", "agent_type": "casual", "description": "write", "dependencies": ["info_1"], "status": "pending"}],
		"info_references": [{"id": "info_1", "agent_type": "web", "description": "search", "reference_type": "web_search", "status": "pending"}]
	}`)

	g, err := UnmarshalGraph(legacy)
	require.NoError(t, err)

	nodes := g.Nodes()
	require.Len(t, nodes, 2)
	assert.Equal(t, "task_1", nodes[0].ID)
	assert.Equal(t, "info_1", nodes[1].ID)

	// appending to a legacy graph rebuilds the order index first
	extra := NewWorkTask(AgentFile, "save file")
	g.Append(fixedNow, extra)
	assert.Equal(t, []string{"task_1", "info_1", extra.ID}, g.Order)
}

func TestStatusTransitions(t *testing.T) {
	cases := []struct {
		from, to Status
		ok       bool
	}{
		{StatusPending, StatusInProgress, true},
		{StatusPending, StatusBlocked, true},
		{StatusInProgress, StatusCompleted, true},
		{StatusInProgress, StatusFailed, true},
		{StatusPending, StatusCompleted, false},
		{StatusCompleted, StatusPending, false},
		{StatusInProgress, StatusPending, false},
		{StatusFailed, StatusInProgress, false},
		{StatusBlocked, StatusInProgress, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.ok, CanTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}

	n := NewWorkTask(AgentCasual, "x")
	n.Normalize(fixedNow)
	err := n.Transition(StatusCompleted, fixedNow.Add(time.Minute))
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, StatusPending, n.Status)
	assert.Equal(t, fixedNow, n.UpdatedAt, "failed transition must not touch updated_at")
}

func TestNormalizeDefaults(t *testing.T) {
	ref := &TaskNode{ID: "r", AgentType: AgentFile, ReferenceType: ReferenceFileRead}
	ref.Normalize(fixedNow)
	assert.Equal(t, KindReference, ref.Kind)
	assert.Equal(t, SchemaInfoReference, ref.SchemaID)
	assert.Equal(t, StatusPending, ref.Status)
	assert.Equal(t, fixedNow, ref.CreatedAt)
	assert.Equal(t, fixedNow, ref.UpdatedAt)

	work := &TaskNode{ID: "w", AgentType: AgentCoder}
	work.Normalize(fixedNow)
	assert.Equal(t, KindWork, work.Kind)
	assert.Equal(t, SchemaDailyTask, work.SchemaID)
}

func TestNewTaskIDFormat(t *testing.T) {
	re := regexp.MustCompile(`^task_[0-9a-f]{8}$`)
	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		id := NewTaskID("task")
		assert.Regexp(t, re, id)
		assert.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
}

func TestCloneIsDeep(t *testing.T) {
	n := NewWorkTask(AgentCasual, "x", "a", "b")
	n.Tags = []string{"t"}
	n.Result = json.RawMessage(`{"k":1}`)

	c := n.Clone()
	c.Dependencies[0] = "z"
	c.Tags[0] = "u"
	c.Result[2] = 'q'

	assert.Equal(t, []string{"a", "b"}, n.Dependencies)
	assert.Equal(t, []string{"t"}, n.Tags)
	assert.Equal(t, `{"k":1}`, string(n.Result))
}
