package ledger

import (
	"context"
	"encoding/json"
	"time"

	"github.com/financiia/marill/internal/tools"
)

// Defaults applied when get_latest_transactions gets neither a count
// nor a time window.
const (
	DefaultLatestCount = 10
	DefaultLatestDays  = 5
)

// QueryTools returns the read-only actions of the base agent.
func (a *Actions) QueryTools() []*tools.Tool {
	return []*tools.Tool{
		{
			Name:        "get_latest_transactions",
			Description: "Pega as últimas transações do usuário",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"count": map[string]any{
						"type":        "integer",
						"description": "Quantidade de transações a serem pegas. Se não informado diretamente, não passe nada.",
						"minimum":     1,
					},
					"time_limit_days": map[string]any{
						"type":        "integer",
						"description": "Limite de tempo para pegar as transações. Se não informado diretamente, não passe nada.",
						"minimum":     1,
					},
					"categoria": categorySchema,
				},
				"additionalProperties": false,
			},
			Handler: a.latestTransactions,
		},
		{
			Name:        "get_monthly_summary",
			Description: "Retorna quanto foi gasto em cada categoria no mês informado",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"month": map[string]any{
						"type":        "string",
						"description": `Mês no formato ISO (exemplo: "2025-04-01")`,
					},
				},
				"required":             []string{"month"},
				"additionalProperties": false,
			},
			Handler: a.monthlySummary,
		},
	}
}

type latestArgs struct {
	Count    int    `json:"count"`
	Days     int    `json:"time_limit_days"`
	Category string `json:"categoria"`
}

func (a *Actions) latestTransactions(ctx context.Context, raw json.RawMessage) tools.Result {
	actx, fail := userFrom(ctx)
	if fail != nil {
		return *fail
	}
	var args latestArgs
	if fail := decode(raw, &args); fail != nil {
		return *fail
	}
	if args.Count == 0 && args.Days == 0 {
		args.Count = DefaultLatestCount
		args.Days = DefaultLatestDays
	}

	q := TransactionQuery{Limit: args.Count, Category: args.Category}
	if args.Days > 0 {
		q.Since = actx.Now().Add(-time.Duration(args.Days) * 24 * time.Hour)
	}
	txs, err := a.store.LatestTransactions(ctx, actx.UserID, q)
	if err != nil {
		return storeFailure(err)
	}
	return tools.Success(txs)
}

type monthArgs struct {
	Month string `json:"month"`
}

func (a *Actions) monthlySummary(ctx context.Context, raw json.RawMessage) tools.Result {
	actx, fail := userFrom(ctx)
	if fail != nil {
		return *fail
	}
	var args monthArgs
	if fail := decode(raw, &args); fail != nil {
		return *fail
	}

	loc := actx.Location
	if loc == nil {
		loc = time.UTC
	}
	month, err := time.ParseInLocation("2006-01", args.Month, loc)
	if err != nil {
		t, perr := parseDate(args.Month, loc)
		if perr != nil {
			return tools.Failure(tools.ReasonInvalidArguments, perr)
		}
		month = t.In(loc)
	}

	sum, err := a.store.MonthSummary(ctx, actx.UserID, month)
	if err != nil {
		return storeFailure(err)
	}
	return tools.Success(sum)
}
