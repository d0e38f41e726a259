package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/financiia/marill/internal/tools"
)

// ChargeScheduler enqueues recurring charges for future firing.
// Scheduling the same charge id twice replaces the pending job.
type ChargeScheduler interface {
	ScheduleCharge(ctx context.Context, c *RecurringCharge) (next *time.Time, err error)
	CancelCharge(ctx context.Context, chargeID string) error
}

// Actions exposes the ledger to agents. Every handler scopes its reads
// and writes to the user in the turn's AgentContext.
type Actions struct {
	store   *Store
	charges ChargeScheduler
	logger  *slog.Logger
}

// NewActions creates the ledger action set. charges may be nil, in
// which case recurring charges are stored but never fire.
func NewActions(store *Store, charges ChargeScheduler, logger *slog.Logger) *Actions {
	if logger == nil {
		logger = slog.Default()
	}
	return &Actions{
		store:   store,
		charges: charges,
		logger:  logger.With("component", "ledger"),
	}
}

// Register adds every ledger action to r.
func (a *Actions) Register(r *tools.Registry) error {
	for _, group := range [][]*tools.Tool{a.TransactionTools(), a.GoalTools(), a.QueryTools()} {
		for _, t := range group {
			if err := r.Register(t); err != nil {
				return err
			}
		}
	}
	return nil
}

// userFrom returns the acting user id, or a failed result when the
// handler runs outside a turn.
func userFrom(ctx context.Context) (*tools.AgentContext, *tools.Result) {
	actx := tools.AgentContextFrom(ctx)
	if actx == nil || actx.UserID == "" {
		res := tools.Failure(tools.ReasonInternal, errors.New("no agent context"))
		return nil, &res
	}
	return actx, nil
}

// storeFailure maps a store error to a failed result.
func storeFailure(err error) tools.Result {
	if errors.Is(err, ErrNotFound) {
		return tools.Failure(tools.ReasonNotFound, err)
	}
	return tools.Failure(tools.ReasonInternal, err)
}

func decode(args json.RawMessage, v any) *tools.Result {
	if err := json.Unmarshal(args, v); err != nil {
		res := tools.Failure(tools.ReasonInvalidArguments, err)
		return &res
	}
	return nil
}

// parseDate accepts RFC 3339 timestamps and plain dates. Dates without
// an offset are read in loc.
func parseDate(s string, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	for _, layout := range []string{"2006-01-02T15:04:05", "2006-01-02T15:04", "2006-01-02"} {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date %q", s)
}

func optionalDate(s *string, loc *time.Location) (*time.Time, error) {
	if s == nil || *s == "" {
		return nil, nil
	}
	t, err := parseDate(*s, loc)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

var (
	kindSchema = map[string]any{
		"type":        "string",
		"description": `Tipo da transação. Pode ser "despesa" (saída de dinheiro) ou "receita" (entrada de dinheiro)`,
		"enum":        []string{string(Expense), string(Income)},
	}
	categorySchema = map[string]any{
		"type":        "string",
		"description": `Categoria da transação. Deve ser uma entre: "alimentação", "transporte", "moradia", "saúde", "lazer", "outros".`,
		"enum":        Categories,
	}
	goalCategorySchema = map[string]any{
		"type":        "string",
		"description": "Categoria da meta",
		"enum":        GoalCategories,
	}
	frequencySchema = map[string]any{
		"type":        "string",
		"description": `Frequência de recorrência da transação. Pode ser "diária", "semanal", "mensal" ou "anual".`,
		"enum":        []string{"diária", "semanal", "mensal", "anual"},
	}
	emptySchema = map[string]any{
		"type":                 "object",
		"properties":           map[string]any{},
		"additionalProperties": false,
	}
)

func idSchema(desc string) map[string]any {
	return map[string]any{"type": "string", "description": desc}
}
