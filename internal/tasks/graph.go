package tasks

import (
	"encoding/json"
	"fmt"
	"time"
)

// Graph is the session-scoped collection of task nodes. Nodes are persisted
// partitioned by kind; Order keeps the merge order across both lists so the
// graph can be walked as the single dependency graph it logically is.
type Graph struct {
	WorkTasks  []*TaskNode `json:"daily_tasks"`
	References []*TaskNode `json:"info_references"`
	Order      []string    `json:"order,omitempty"`
	CreatedAt  time.Time   `json:"created_at"`
	UpdatedAt  time.Time   `json:"updated_at"`
}

// NewGraph returns an empty graph stamped with now
func NewGraph(now time.Time) *Graph {
	return &Graph{
		WorkTasks:  []*TaskNode{},
		References: []*TaskNode{},
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// Len returns the number of nodes in the graph
func (g *Graph) Len() int {
	if g == nil {
		return 0
	}
	return len(g.WorkTasks) + len(g.References)
}

// Nodes returns every node in merge order. Graphs written without an order
// index fall back to work nodes followed by reference nodes.
func (g *Graph) Nodes() []*TaskNode {
	if g == nil {
		return nil
	}
	all := make([]*TaskNode, 0, g.Len())
	if len(g.Order) != g.Len() {
		all = append(all, g.WorkTasks...)
		return append(all, g.References...)
	}
	byID := g.index()
	for _, id := range g.Order {
		if n, ok := byID[id]; ok {
			all = append(all, n)
		}
	}
	if len(all) != g.Len() {
		all = all[:0]
		all = append(all, g.WorkTasks...)
		return append(all, g.References...)
	}
	return all
}

// Find returns the node with the given id, or nil
func (g *Graph) Find(id string) *TaskNode {
	if g == nil {
		return nil
	}
	for _, n := range g.WorkTasks {
		if n.ID == id {
			return n
		}
	}
	for _, n := range g.References {
		if n.ID == id {
			return n
		}
	}
	return nil
}

// Contains reports whether a node with the given id exists
func (g *Graph) Contains(id string) bool {
	return g.Find(id) != nil
}

// Append adds nodes to the list matching their kind and records them in the
// merge order. It never touches existing nodes.
func (g *Graph) Append(now time.Time, nodes ...*TaskNode) {
	if len(g.Order) != len(g.WorkTasks)+len(g.References) {
		g.rebuildOrder()
	}
	for _, n := range nodes {
		if n.IsReference() {
			g.References = append(g.References, n)
		} else {
			g.WorkTasks = append(g.WorkTasks, n)
		}
		g.Order = append(g.Order, n.ID)
	}
	g.UpdatedAt = now
}

// Statuses returns the status of every node keyed by id
func (g *Graph) Statuses() map[string]Status {
	out := make(map[string]Status, g.Len())
	for _, n := range g.Nodes() {
		out[n.ID] = n.Status
	}
	return out
}

// CountByStatus tallies nodes per status
func (g *Graph) CountByStatus() map[Status]int {
	out := make(map[Status]int)
	for _, n := range g.Nodes() {
		out[n.Status]++
	}
	return out
}

// Marshal serializes the graph for persistence.
func (g *Graph) Marshal() ([]byte, error) {
	data, err := json.Marshal(g)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal task graph: %w", err)
	}
	return data, nil
}

// UnmarshalGraph decodes a persisted graph document.
func UnmarshalGraph(data []byte) (*Graph, error) {
	var g Graph
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("failed to unmarshal task graph: %w", err)
	}
	if g.WorkTasks == nil {
		g.WorkTasks = []*TaskNode{}
	}
	if g.References == nil {
		g.References = []*TaskNode{}
	}
	return &g, nil
}

func (g *Graph) index() map[string]*TaskNode {
	byID := make(map[string]*TaskNode, g.Len())
	for _, n := range g.WorkTasks {
		byID[n.ID] = n
	}
	for _, n := range g.References {
		byID[n.ID] = n
	}
	return byID
}

func (g *Graph) rebuildOrder() {
	g.Order = make([]string, 0, g.Len())
	for _, n := range g.WorkTasks {
		g.Order = append(g.Order, n.ID)
	}
	for _, n := range g.References {
		g.Order = append(g.Order, n.ID)
	}
}
