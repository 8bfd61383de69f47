package validation

import (
	"testing"

	"github.com/Kocoro-lab/taskgraph/internal/tasks"
)

func node(id string, deps ...string) *tasks.TaskNode {
	return &tasks.TaskNode{
		ID:           id,
		Kind:         tasks.KindWork,
		AgentType:    tasks.AgentCasual,
		Description:  "task " + id,
		Dependencies: deps,
		Status:       tasks.StatusPending,
	}
}

func TestDetectCyclicDependencies_NoCycle(t *testing.T) {
	// Linear chain: A -> B -> C
	nodes := []*tasks.TaskNode{node("A"), node("B", "A"), node("C", "B")}

	result := DetectCyclicDependencies(nodes)

	if result.HasCycle {
		t.Errorf("Expected no cycle, but found cycle: %v", result.CyclePath)
	}
	if len(result.SortedOrder) != 3 {
		t.Fatalf("Expected 3 items in sorted order, got %d", len(result.SortedOrder))
	}
	if result.SortedOrder[0] != "A" || result.SortedOrder[1] != "B" || result.SortedOrder[2] != "C" {
		t.Errorf("Invalid topological order: %v", result.SortedOrder)
	}
}

func TestDetectCyclicDependencies_SimpleCycle(t *testing.T) {
	// Cycle: A -> B -> C -> A
	nodes := []*tasks.TaskNode{node("A", "C"), node("B", "A"), node("C", "B")}

	result := DetectCyclicDependencies(nodes)

	if !result.HasCycle {
		t.Fatal("Expected cycle, but none detected")
	}
	if len(result.CyclePath) != 4 {
		t.Errorf("Expected closed cycle path of 4 ids, got %v", result.CyclePath)
	}
	if result.CyclePath[0] != result.CyclePath[len(result.CyclePath)-1] {
		t.Errorf("Cycle path should start and end at the same node: %v", result.CyclePath)
	}
	if result.ErrorMessage == "" {
		t.Error("Expected error message")
	}
}

func TestDetectCyclicDependencies_SelfDependency(t *testing.T) {
	// A node depending on itself can never run, so it is a cycle here
	nodes := []*tasks.TaskNode{node("A", "A"), node("B", "A")}

	result := DetectCyclicDependencies(nodes)

	if !result.HasCycle {
		t.Fatal("Self-dependency should be reported as a cycle")
	}
	if len(result.Stuck) != 2 {
		t.Errorf("Expected A and its dependent B to be stuck, got %v", result.Stuck)
	}
	if result.CyclePath[0] != "A" || result.CyclePath[1] != "A" {
		t.Errorf("Expected A -> A, got %v", result.CyclePath)
	}
}

func TestDetectCyclicDependencies_DiamondDependency(t *testing.T) {
	//     A
	//    / \
	//   B   C
	//    \ /
	//     D
	nodes := []*tasks.TaskNode{node("A"), node("B", "A"), node("C", "A"), node("D", "B", "C")}

	result := DetectCyclicDependencies(nodes)

	if result.HasCycle {
		t.Errorf("Diamond is not a cycle: %v", result.CyclePath)
	}
	if len(result.SortedOrder) != 4 || result.SortedOrder[3] != "D" {
		t.Errorf("Expected D last, got %v", result.SortedOrder)
	}
}

func TestDetectCyclicDependencies_IgnoresUnknownDependencies(t *testing.T) {
	nodes := []*tasks.TaskNode{node("A", "ghost"), node("B", "A")}

	result := DetectCyclicDependencies(nodes)

	if result.HasCycle {
		t.Errorf("Unknown dependency is not a cycle: %v", result.CyclePath)
	}
}

func TestDetectCyclicDependencies_Empty(t *testing.T) {
	result := DetectCyclicDependencies(nil)
	if result.HasCycle || len(result.SortedOrder) != 0 {
		t.Errorf("Unexpected result for empty input: %+v", result)
	}
}
