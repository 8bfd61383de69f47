// Package interpreter turns a free-text instruction into draft task nodes.
package interpreter

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/taskgraph/internal/tasks"
)

// ErrEmptyInstruction is returned for blank instructions
var ErrEmptyInstruction = errors.New("instruction is empty")

const instructionPlaceholder = "{instruction}"

// KeywordInterpreter matches instructions against an ordered rule set. It
// reads only the instruction; notes and schemas are accepted so richer
// interpreters can be swapped in behind the same contract.
type KeywordInterpreter struct {
	rules  *RuleSet
	logger *zap.Logger
}

// NewKeywordInterpreter creates an interpreter over rules, or over
// DefaultRules when rules is nil.
func NewKeywordInterpreter(rules *RuleSet, logger *zap.Logger) *KeywordInterpreter {
	if rules == nil {
		rules = DefaultRules()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KeywordInterpreter{rules: rules, logger: logger}
}

// Interpret returns fresh pending nodes for the instruction. Dependencies
// only reference nodes returned in the same call.
func (k *KeywordInterpreter) Interpret(ctx context.Context, instruction, notes string, schemas *tasks.Schemas) ([]*tasks.TaskNode, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	instruction = strings.TrimSpace(instruction)
	if instruction == "" {
		return nil, ErrEmptyInstruction
	}

	name, templates := k.match(instruction)
	nodes := build(instruction, templates)

	k.logger.Debug("Interpreted instruction",
		zap.String("rule", name),
		zap.Int("nodes", len(nodes)),
		zap.Bool("has_notes", notes != ""),
	)
	return nodes, nil
}

func (k *KeywordInterpreter) match(instruction string) (string, []NodeTemplate) {
	lower := strings.ToLower(instruction)
	for _, r := range k.rules.Rules {
		if !containsAny(lower, r.Keywords) {
			continue
		}
		for _, v := range r.Variants {
			if containsAny(lower, v.WhenAny) {
				return r.Name, v.Nodes
			}
		}
		return r.Name, r.Nodes
	}
	return "fallback", k.rules.Fallback
}

func build(instruction string, templates []NodeTemplate) []*tasks.TaskNode {
	ids := make(map[string]string, len(templates))
	nodes := make([]*tasks.TaskNode, 0, len(templates))

	for _, tpl := range templates {
		var deps []string
		for _, ref := range tpl.DependsOn {
			deps = append(deps, ids[ref])
		}
		desc := strings.ReplaceAll(tpl.Description, instructionPlaceholder, instruction)

		var n *tasks.TaskNode
		if tpl.ReferenceType != "" {
			n = tasks.NewReferenceTask(tpl.AgentType, tpl.ReferenceType, desc, deps...)
		} else {
			n = tasks.NewWorkTask(tpl.AgentType, desc, deps...)
		}
		if len(tpl.Tags) > 0 {
			n.Tags = append([]string(nil), tpl.Tags...)
		}
		if tpl.Ref != "" {
			ids[tpl.Ref] = n.ID
		}
		nodes = append(nodes, n)
	}
	return nodes
}

func containsAny(lower string, keywords []string) bool {
	for _, kw := range keywords {
		if kw != "" && strings.Contains(lower, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}
