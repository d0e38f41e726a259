package agent

import (
	"context"
	"fmt"

	"github.com/financiia/marill/internal/conversation"
	"github.com/financiia/marill/internal/ledger"
	"github.com/financiia/marill/internal/prompts"
	"github.com/financiia/marill/internal/tools"
)

// Agent names, as offered to the router.
const (
	TransactionAgent = "transaction_agent"
	GoalsAgent       = "goals_agent"
	BaseAgent        = "base_agent"
)

// Action names each agent may call.
var (
	TransactionActions = []string{
		"register_transaction",
		"update_transaction",
		"cancel_transaction",
		"update_recurring_transaction",
		"cancel_recurring_transaction",
	}
	GoalActions  = []string{"get_all_goals", "upsert_goal", "delete_goal"}
	QueryActions = []string{"get_latest_transactions", "get_monthly_summary"}
	// BillingActions are offered to the base agent only when registered.
	BillingActions = []string{"get_subscription_details", "cancel_subscription"}
)

// GoalsNoter renders the user's current goal progress.
// *ledger.Actions implements it.
type GoalsNoter interface {
	GoalsNote(ctx context.Context, actx *tools.AgentContext) (string, error)
}

// Definitions builds the specialist agents over reg, keyed by name.
func Definitions(reg *tools.Registry, goals GoalsNoter) (map[string]Definition, error) {
	txTools, err := reg.Subset(TransactionActions...)
	if err != nil {
		return nil, fmt.Errorf("%s tools: %w", TransactionAgent, err)
	}
	goalTools, err := reg.Subset(GoalActions...)
	if err != nil {
		return nil, fmt.Errorf("%s tools: %w", GoalsAgent, err)
	}

	baseNames := append([]string(nil), QueryActions...)
	for _, name := range BillingActions {
		if reg.Get(name) != nil {
			baseNames = append(baseNames, name)
		}
	}
	baseTools, err := reg.Subset(baseNames...)
	if err != nil {
		return nil, fmt.Errorf("%s tools: %w", BaseAgent, err)
	}

	defs := map[string]Definition{
		TransactionAgent: {
			Name:         TransactionAgent,
			Instructions: prompts.TransactionInstructions,
			Tools:        txTools,
		},
		GoalsAgent: {
			Name:         GoalsAgent,
			Instructions: prompts.GoalsInstructions,
			Tools:        goalTools,
		},
		BaseAgent: {
			Name:         BaseAgent,
			Instructions: prompts.BaseInstructions,
			Tools:        baseTools,
		},
	}
	if goals != nil {
		d := defs[GoalsAgent]
		d.Prelude = GoalsPrelude(goals)
		defs[GoalsAgent] = d
	}
	return defs, nil
}

// GoalsPrelude injects the current goal progress as a system note,
// replacing any stale copy already in the window.
func GoalsPrelude(goals GoalsNoter) Prelude {
	return func(ctx context.Context, actx *tools.AgentContext, msgs []conversation.Message) ([]conversation.Message, error) {
		note, err := goals.GoalsNote(ctx, actx)
		if err != nil {
			return nil, err
		}
		return conversation.ReplaceNote(msgs, ledger.GoalsNoteMarker, note), nil
	}
}
