package tools

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/financiia/marill/internal/llm"
)

var amountSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"valor": map[string]any{"type": "number"},
		"categoria": map[string]any{
			"type": "string",
			"enum": []string{"alimentação", "transporte", "outros"},
		},
	},
	"required": []string{"valor", "categoria"},
}

func newTestRegistry(t *testing.T) (*Registry, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	r := NewRegistry(nil)
	r.MustRegister(
		&Tool{
			Name:        "register_transaction",
			Description: "Registra uma transação",
			Parameters:  amountSchema,
			Handler: func(ctx context.Context, args json.RawMessage) Result {
				calls.Add(1)
				var in struct {
					Valor float64 `json:"valor"`
				}
				if err := json.Unmarshal(args, &in); err != nil {
					return Failure(ReasonInvalidArguments, err)
				}
				actx := AgentContextFrom(ctx)
				return Success(map[string]any{"valor": in.Valor, "user": actx.UserID})
			},
		},
		&Tool{
			Name: "get_all_goals",
			Handler: func(ctx context.Context, args json.RawMessage) Result {
				return Failure(ReasonNotFound, errors.New("no goals"))
			},
		},
		&Tool{
			Name:       "delete_goal",
			Parameters: map[string]any{"type": "object"},
			Handler: func(ctx context.Context, args json.RawMessage) Result {
				return Success("success")
			},
		},
	)
	return r, &calls
}

func testContext(t *testing.T) context.Context {
	return WithAgentContext(t.Context(), &AgentContext{UserID: "u1"})
}

func TestRegister_Duplicate(t *testing.T) {
	r, _ := newTestRegistry(t)
	err := r.Register(&Tool{Name: "delete_goal", Handler: func(context.Context, json.RawMessage) Result { return Success(nil) }})
	var dup *ErrDuplicateTool
	if !errors.As(err, &dup) {
		t.Fatalf("Register(duplicate) error = %v, want *ErrDuplicateTool", err)
	}
}

func TestRegister_InvalidSchema(t *testing.T) {
	r := NewRegistry(nil)
	err := r.Register(&Tool{
		Name:       "broken",
		Parameters: map[string]any{"type": 42},
		Handler:    func(context.Context, json.RawMessage) Result { return Success(nil) },
	})
	if err == nil {
		t.Fatal("Register should reject an invalid schema")
	}
}

func TestRegister_MissingHandler(t *testing.T) {
	if err := NewRegistry(nil).Register(&Tool{Name: "x"}); err == nil {
		t.Fatal("Register should reject a tool without a handler")
	}
}

func TestDispatch(t *testing.T) {
	r, calls := newTestRegistry(t)

	tests := []struct {
		name       string
		call       llm.ToolCall
		wantOK     bool
		wantReason Reason
		wantOutput string
	}{
		{
			name:       "valid call",
			call:       llm.ToolCall{ID: "c1", Name: "register_transaction", Arguments: `{"valor":42,"categoria":"alimentação"}`},
			wantOK:     true,
			wantOutput: `{"user":"u1","valor":42}`,
		},
		{
			name:       "category outside enum",
			call:       llm.ToolCall{ID: "c2", Name: "register_transaction", Arguments: `{"valor":42,"categoria":"viagem"}`},
			wantReason: ReasonInvalidArguments,
			wantOutput: FailureOutput,
		},
		{
			name:       "missing required field",
			call:       llm.ToolCall{ID: "c3", Name: "register_transaction", Arguments: `{"categoria":"outros"}`},
			wantReason: ReasonInvalidArguments,
			wantOutput: FailureOutput,
		},
		{
			name:       "malformed JSON",
			call:       llm.ToolCall{ID: "c4", Name: "register_transaction", Arguments: `{"valor":`},
			wantReason: ReasonInvalidArguments,
			wantOutput: FailureOutput,
		},
		{
			name:       "handler failure",
			call:       llm.ToolCall{ID: "c5", Name: "get_all_goals"},
			wantReason: ReasonNotFound,
			wantOutput: FailureOutput,
		},
		{
			name:       "empty arguments",
			call:       llm.ToolCall{ID: "c6", Name: "delete_goal"},
			wantOK:     true,
			wantOutput: "success",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := r.Dispatch(testContext(t), tt.call)
			if err != nil {
				t.Fatalf("Dispatch() error: %v", err)
			}
			if res.OK != tt.wantOK {
				t.Errorf("OK = %v, want %v", res.OK, tt.wantOK)
			}
			if !tt.wantOK && res.Reason != tt.wantReason {
				t.Errorf("Reason = %q, want %q", res.Reason, tt.wantReason)
			}
			if got := res.Output(); got != tt.wantOutput {
				t.Errorf("Output() = %q, want %q", got, tt.wantOutput)
			}
		})
	}

	if got := calls.Load(); got != 1 {
		t.Errorf("handler calls = %d, want 1 (invalid calls must not reach the handler)", got)
	}
}

func TestDispatch_UnknownTool(t *testing.T) {
	r, _ := newTestRegistry(t)
	_, err := r.Dispatch(testContext(t), llm.ToolCall{ID: "c1", Name: "transfer_funds"})

	var unavail *ErrToolUnavailable
	if !errors.As(err, &unavail) {
		t.Fatalf("Dispatch(unknown) error = %v, want *ErrToolUnavailable", err)
	}
	if unavail.ToolName != "transfer_funds" {
		t.Errorf("ToolName = %q, want transfer_funds", unavail.ToolName)
	}
}

func TestDispatch_PolicyBlock(t *testing.T) {
	r, calls := newTestRegistry(t)
	p, err := NewPolicy(t.Context(), DefaultPolicy)
	if err != nil {
		t.Fatalf("NewPolicy: %v", err)
	}
	r.SetPolicy(p)

	res, err := r.Dispatch(testContext(t), llm.ToolCall{
		ID:        "c1",
		Name:      "register_transaction",
		Arguments: `{"valor":99999999,"categoria":"outros"}`,
	})
	if err != nil {
		t.Fatalf("Dispatch() error: %v", err)
	}
	if res.OK || res.Reason != ReasonPolicyBlocked {
		t.Errorf("result = %+v, want policy_blocked failure", res)
	}
	if calls.Load() != 0 {
		t.Error("blocked call reached the handler")
	}
}

func TestSubset(t *testing.T) {
	r, _ := newTestRegistry(t)

	sub, err := r.Subset("delete_goal", "register_transaction")
	if err != nil {
		t.Fatalf("Subset() error: %v", err)
	}
	want := []string{"delete_goal", "register_transaction"}
	got := sub.Names()
	if len(got) != len(want) {
		t.Fatalf("Names() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Names()[%d] = %q, want %q", i, got[i], want[i])
		}
	}

	if _, err := sub.Dispatch(testContext(t), llm.ToolCall{Name: "get_all_goals"}); err == nil {
		t.Error("subset should not dispatch tools outside its view")
	}

	// Schemas carry over.
	res, err := sub.Dispatch(testContext(t), llm.ToolCall{Name: "register_transaction", Arguments: `{"valor":"x"}`})
	if err != nil {
		t.Fatalf("Dispatch() error: %v", err)
	}
	if res.Reason != ReasonInvalidArguments {
		t.Errorf("Reason = %q, want %q", res.Reason, ReasonInvalidArguments)
	}
}

func TestSubset_UnknownName(t *testing.T) {
	r, _ := newTestRegistry(t)
	_, err := r.Subset("delete_goal", "nonexistent")
	var unavail *ErrToolUnavailable
	if !errors.As(err, &unavail) {
		t.Fatalf("Subset() error = %v, want *ErrToolUnavailable", err)
	}
}

func TestSpecs_SortedByName(t *testing.T) {
	r, _ := newTestRegistry(t)
	specs := r.Specs()
	if len(specs) != 3 {
		t.Fatalf("len(Specs()) = %d, want 3", len(specs))
	}
	for i := 1; i < len(specs); i++ {
		if specs[i-1].Name > specs[i].Name {
			t.Errorf("Specs not sorted: %q before %q", specs[i-1].Name, specs[i].Name)
		}
	}
	if specs[2].Description != "Registra uma transação" {
		t.Errorf("Description = %q", specs[2].Description)
	}
}
