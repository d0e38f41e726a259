package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/financiia/marill/internal/tools"
)

// GoalTools returns the actions of the goals agent.
func (a *Actions) GoalTools() []*tools.Tool {
	return []*tools.Tool{
		{
			Name:        "get_all_goals",
			Description: "Retorna todas as metas do usuário",
			Parameters:  emptySchema,
			Handler:     a.getAllGoals,
		},
		{
			Name:        "upsert_goal",
			Description: "Atualiza ou cria uma meta do usuário",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"categoria": goalCategorySchema,
					"meta": map[string]any{
						"type":             "number",
						"description":      "Valor limite estipulado pelo usuário",
						"exclusiveMinimum": 0,
					},
				},
				"required":             []string{"categoria", "meta"},
				"additionalProperties": false,
			},
			Handler: a.upsertGoal,
		},
		{
			Name:        "delete_goal",
			Description: "Deleta uma meta do usuário",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"categoria": goalCategorySchema,
				},
				"required":             []string{"categoria"},
				"additionalProperties": false,
			},
			Handler: a.deleteGoal,
		},
	}
}

// GoalsNoteMarker starts the goal progress note injected for the goals
// agent.
const GoalsNoteMarker = "Andamento atual das metas"

// GoalsNote renders the user's current goal progress as a system note.
func (a *Actions) GoalsNote(ctx context.Context, actx *tools.AgentContext) (string, error) {
	progress, err := a.store.GoalProgress(ctx, actx.UserID, actx.Now())
	if err != nil {
		return "", err
	}
	b, err := json.Marshal(progress)
	if err != nil {
		return "", fmt.Errorf("marshal goal progress: %w", err)
	}
	return GoalsNoteMarker + ": " + string(b), nil
}

func (a *Actions) getAllGoals(ctx context.Context, _ json.RawMessage) tools.Result {
	actx, fail := userFrom(ctx)
	if fail != nil {
		return *fail
	}
	progress, err := a.store.GoalProgress(ctx, actx.UserID, actx.Now())
	if err != nil {
		return storeFailure(err)
	}
	return tools.Success(progress)
}

type goalArgs struct {
	Category string  `json:"categoria"`
	Limit    float64 `json:"meta"`
}

func (a *Actions) upsertGoal(ctx context.Context, raw json.RawMessage) tools.Result {
	actx, fail := userFrom(ctx)
	if fail != nil {
		return *fail
	}
	var args goalArgs
	if fail := decode(raw, &args); fail != nil {
		return *fail
	}

	prev, err := a.store.UpsertGoal(ctx, actx.UserID, args.Category, args.Limit)
	if err != nil {
		return storeFailure(err)
	}
	a.logger.Info("goal upserted", "user_id", actx.UserID, "category", args.Category, "limit", args.Limit)
	if prev != nil {
		return tools.Success(fmt.Sprintf("A meta que antes era de %s reais foi alterada para %s reais",
			formatAmount(*prev), formatAmount(args.Limit)))
	}
	return tools.Success("Meta inserida com sucesso")
}

func (a *Actions) deleteGoal(ctx context.Context, raw json.RawMessage) tools.Result {
	actx, fail := userFrom(ctx)
	if fail != nil {
		return *fail
	}
	var args goalArgs
	if fail := decode(raw, &args); fail != nil {
		return *fail
	}
	if err := a.store.DeleteGoal(ctx, actx.UserID, args.Category); err != nil {
		return storeFailure(err)
	}
	a.logger.Info("goal deleted", "user_id", actx.UserID, "category", args.Category)
	return tools.Success("Meta deletada com sucesso")
}

// formatAmount prints whole amounts without decimals.
func formatAmount(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
