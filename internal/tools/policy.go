package tools

import (
	"context"
	"fmt"
	"os"

	"github.com/open-policy-agent/opa/rego"
)

// Policy decisions returned by the rego module.
const (
	DecisionAllow = "allow"
	DecisionBlock = "block"
)

// PolicyInput is the document evaluated for each action.
type PolicyInput struct {
	ToolName string         `json:"tool_name"`
	Args     map[string]any `json:"args"`
	UserID   string         `json:"user_id"`
}

// Policy gates actions with a rego module exposing
// data.tool_policy.decision.
type Policy struct {
	query rego.PreparedEvalQuery
}

// NewPolicy prepares the given rego module.
func NewPolicy(ctx context.Context, module string) (*Policy, error) {
	r := rego.New(
		rego.Query("data.tool_policy.decision"),
		rego.Module("tool_policy.rego", module),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("prepare rego: %w", err)
	}
	return &Policy{query: query}, nil
}

// LoadPolicy reads a rego module from path. An empty path yields
// DefaultPolicy.
func LoadPolicy(ctx context.Context, path string) (*Policy, error) {
	if path == "" {
		return NewPolicy(ctx, DefaultPolicy)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy %s: %w", path, err)
	}
	return NewPolicy(ctx, string(data))
}

// Evaluate returns the decision for input. A module that yields no
// value allows the action.
func (p *Policy) Evaluate(ctx context.Context, input PolicyInput) (string, error) {
	results, err := p.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return "", fmt.Errorf("evaluate policy: %w", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return DecisionAllow, nil
	}
	s, ok := results[0].Expressions[0].Value.(string)
	if !ok {
		return "", fmt.Errorf("policy returned %T, want string", results[0].Expressions[0].Value)
	}
	return s, nil
}

// DefaultPolicy blocks amounts no personal ledger entry should carry.
const DefaultPolicy = `
package tool_policy

default decision = "allow"

decision = "block" {
	input.tool_name == "register_transaction"
	input.args.valor > 10000000
}

decision = "block" {
	input.tool_name == "upsert_goal"
	input.args.meta > 10000000
}
`
