// Package policy decides whether chat actions are allowed, using OPA.
package policy

import (
	"context"
	"fmt"

	"github.com/open-policy-agent/opa/rego"
)

// Actions evaluated by the engine.
const (
	ActionCreateDirectChat = "create_direct_chat"
	ActionSendDirectText   = "send_direct_text"
)

// Decisions returned by the policy.
const (
	DecisionAllow = "allow"
	DecisionBlock = "block"
)

// Input is the document the policy is evaluated against.
type Input struct {
	Action        string `json:"action"`
	Sender        string `json:"sender"`
	Peer          string `json:"peer"`
	TextLength    int    `json:"text_length"`
	MaxTextLength int    `json:"max_text_length"`
}

// Decision is the outcome of an evaluation.
type Decision struct {
	Decision string
	Reasons  []string
}

// Allowed reports whether the action may proceed.
func (d Decision) Allowed() bool {
	return d.Decision == DecisionAllow
}

// Engine is the OPA policy engine.
type Engine struct {
	query rego.PreparedEvalQuery
}

// NewEngine creates a new policy engine with the given policy content.
func NewEngine(ctx context.Context, policyContent string) (*Engine, error) {
	r := rego.New(
		rego.Query("data.chat_policy"),
		rego.Module("chat_policy.rego", policyContent),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare rego: %w", err)
	}

	return &Engine{query: query}, nil
}

// Evaluate checks a chat action against the policy.
func (e *Engine) Evaluate(ctx context.Context, in Input) (Decision, error) {
	input := map[string]interface{}{
		"action":          in.Action,
		"sender":          in.Sender,
		"peer":            in.Peer,
		"text_length":     in.TextLength,
		"max_text_length": in.MaxTextLength,
	}

	results, err := e.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return Decision{}, fmt.Errorf("failed to evaluate policy: %w", err)
	}

	// The policy defines a default decision; no result means an empty package.
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return Decision{Decision: DecisionAllow}, nil
	}

	doc, ok := results[0].Expressions[0].Value.(map[string]interface{})
	if !ok {
		return Decision{}, fmt.Errorf("unexpected policy result type %T", results[0].Expressions[0].Value)
	}

	out := Decision{Decision: DecisionAllow}
	if s, ok := doc["decision"].(string); ok {
		out.Decision = s
	}
	if reasons, ok := doc["reasons"].([]interface{}); ok {
		for _, r := range reasons {
			if s, ok := r.(string); ok {
				out.Reasons = append(out.Reasons, s)
			}
		}
	}
	return out, nil
}

// DefaultPolicy is the default policy content.
const DefaultPolicy = `
package chat_policy

import rego.v1

default decision := "allow"

decision := "block" if {
	count(reasons) > 0
}

reasons contains "peer is required" if {
	input.peer == ""
}

reasons contains "cannot open a direct chat with yourself" if {
	input.peer != ""
	input.peer == input.sender
}

reasons contains "text exceeds maximum length" if {
	input.action == "send_direct_text"
	input.max_text_length > 0
	input.text_length > input.max_text_length
}
`
