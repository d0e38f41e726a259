package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/financiia/marill/internal/recurrence"
	"github.com/financiia/marill/internal/tools"
)

// TransactionTools returns the actions of the transaction agent.
func (a *Actions) TransactionTools() []*tools.Tool {
	return []*tools.Tool{
		{
			Name:        "register_transaction",
			Description: "Registra uma nova transação financeira do usuário, como uma despesa ou receita",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"tipo": kindSchema,
					"valor": map[string]any{
						"type":             "number",
						"description":      "Valor numérico da transação. Não use símbolos como R$ ou vírgulas.",
						"exclusiveMinimum": 0,
					},
					"categoria": categorySchema,
					"data": map[string]any{
						"type":        "string",
						"description": "Data da transação no formato ISO 8601 (ex: 2025-05-07T14:30:00Z). Use a data atual se nenhuma data for fornecida.",
					},
					"descricao": map[string]any{
						"type":        "string",
						"description": "Descrição curta e clara da transação. Pode ser reescrita a partir da mensagem do usuário.",
					},
					"recorrente": map[string]any{
						"type":        "boolean",
						"description": `Indica se a transação se repete regularmente (ex: mensalmente). Se true, DEVE ser informado o campo "frequencia" e "primeira_cobranca".`,
					},
					"frequencia": frequencySchema,
					"primeira_cobranca": map[string]any{
						"type":        "string",
						"description": "Data da primeira cobrança da transação recorrente, no formato ISO 8601. Se o usuário não informar, use a hora atual.",
					},
				},
				"required":             []string{"tipo", "valor", "categoria", "data", "descricao", "recorrente"},
				"additionalProperties": false,
			},
			Handler: a.registerTransaction,
		},
		{
			Name:        "update_transaction",
			Description: "Atualiza uma transação existente do usuário. O ID deve estar disponível no histórico da conversa.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"id":        idSchema("ID da transação a ser atualizada. Deve ser obtido a partir do histórico."),
					"tipo":      kindSchema,
					"valor":     map[string]any{"type": "number", "description": "Valor atualizado da transação.", "exclusiveMinimum": 0},
					"categoria": categorySchema,
					"data":      map[string]any{"type": "string", "description": "Nova data da transação no formato ISO 8601, se for atualizada."},
					"descricao": map[string]any{"type": "string", "description": "Nova descrição da transação."},
				},
				"required":             []string{"id"},
				"additionalProperties": false,
			},
			Handler: a.updateTransaction,
		},
		{
			Name:        "cancel_transaction",
			Description: "Cancela uma transação existente do usuário com base no ID registrado no histórico.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"id": idSchema("ID da transação a ser cancelada. Deve estar disponível no histórico da conversa."),
				},
				"required":             []string{"id"},
				"additionalProperties": false,
			},
			Handler: a.cancelTransaction,
		},
		{
			Name:        "update_recurring_transaction",
			Description: "Atualiza uma transação recorrente existente do usuário. O ID deve estar disponível no histórico da conversa.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"id":         idSchema("ID da transação recorrente a ser atualizada. Deve estar disponível no histórico da conversa."),
					"valor":      map[string]any{"type": "number", "description": "Valor atualizado da transação.", "exclusiveMinimum": 0},
					"categoria":  categorySchema,
					"data":       map[string]any{"type": "string", "description": "Nova data da próxima cobrança no formato ISO 8601, se for atualizada."},
					"descricao":  map[string]any{"type": "string", "description": "Nova descrição da transação."},
					"frequencia": frequencySchema,
				},
				"required":             []string{"id"},
				"additionalProperties": false,
			},
			Handler: a.updateRecurringCharge,
		},
		{
			Name:        "cancel_recurring_transaction",
			Description: "Cancela uma transação recorrente do usuário. As cobranças já realizadas são mantidas.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"id": idSchema("ID da transação recorrente a ser cancelada."),
				},
				"required":             []string{"id"},
				"additionalProperties": false,
			},
			Handler: a.cancelRecurringCharge,
		},
	}
}

type registerArgs struct {
	Kind          Kind    `json:"tipo"`
	Amount        float64 `json:"valor"`
	Category      string  `json:"categoria"`
	Date          string  `json:"data"`
	Description   string  `json:"descricao"`
	Recurring     bool    `json:"recorrente"`
	Frequency     string  `json:"frequencia"`
	FirstChargeAt *string `json:"primeira_cobranca"`
}

func (a *Actions) registerTransaction(ctx context.Context, raw json.RawMessage) tools.Result {
	actx, fail := userFrom(ctx)
	if fail != nil {
		return *fail
	}
	var args registerArgs
	if fail := decode(raw, &args); fail != nil {
		return *fail
	}

	occurred := actx.Now()
	if args.Date != "" {
		t, err := parseDate(args.Date, actx.Location)
		if err != nil {
			return tools.Failure(tools.ReasonInvalidArguments, err)
		}
		occurred = t
	}

	if args.Recurring {
		return a.registerRecurring(ctx, actx, args, occurred)
	}

	t := &Transaction{
		UserID:      actx.UserID,
		Kind:        args.Kind,
		Amount:      args.Amount,
		Category:    args.Category,
		OccurredAt:  occurred,
		Description: args.Description,
	}
	if err := a.store.AddTransaction(ctx, t); err != nil {
		return storeFailure(err)
	}
	a.logger.Info("transaction registered", "user_id", actx.UserID, "id", t.ID, "amount", t.Amount)
	return tools.Success(t)
}

// recurringPayload is what the agent sees after registering a charge.
type recurringPayload struct {
	Charge *RecurringCharge `json:"transacao_recorrente"`
	First  *Transaction     `json:"primeira_transacao,omitempty"`
}

func (a *Actions) registerRecurring(ctx context.Context, actx *tools.AgentContext, args registerArgs, occurred time.Time) tools.Result {
	if args.Frequency == "" {
		return tools.Failure(tools.ReasonInvalidArguments, errors.New("frequencia is required for recurring transactions"))
	}
	freq, err := recurrence.ParseFrequency(args.Frequency)
	if err != nil {
		return tools.Failure(tools.ReasonInvalidArguments, err)
	}

	var requested *time.Time
	if args.FirstChargeAt != nil && *args.FirstChargeAt != "" {
		t, err := parseDate(*args.FirstChargeAt, actx.Location)
		if err != nil {
			return tools.Failure(tools.ReasonInvalidArguments, err)
		}
		requested = &t
	}

	now := time.Now()
	c := &RecurringCharge{
		UserID:      actx.UserID,
		Kind:        args.Kind,
		Amount:      args.Amount,
		Category:    args.Category,
		Description: args.Description,
		Frequency:   freq,
	}

	payload := recurringPayload{Charge: c}
	first := recurrence.FirstOccurrence(requested, freq, now)
	if first == nil {
		// Due now: record today's charge and anchor the schedule on it.
		// Normalizing may move the anchor later today; that occurrence
		// is the one being recorded.
		base := occurred
		if requested != nil {
			base = *requested
		}
		anchor := recurrence.Normalize(base, freq)
		ref := now
		if anchor.After(ref) {
			ref = anchor
		}
		next := recurrence.After(anchor, freq, ref)
		c.FirstChargeAt = &anchor
		c.NextChargeAt = &next
	} else {
		c.FirstChargeAt = first
		c.NextChargeAt = first
	}

	if err := a.store.AddRecurringCharge(ctx, c); err != nil {
		return storeFailure(err)
	}

	if first == nil {
		t := &Transaction{
			UserID:            actx.UserID,
			Kind:              c.Kind,
			Amount:            c.Amount,
			Category:          c.Category,
			OccurredAt:        now,
			Description:       c.Description,
			RecurringChargeID: c.ID,
		}
		if err := a.store.AddTransaction(ctx, t); err != nil {
			return storeFailure(err)
		}
		payload.First = t
	}

	if err := a.schedule(ctx, c); err != nil {
		return tools.Failure(tools.ReasonInternal, err)
	}

	a.logger.Info("recurring charge registered",
		"user_id", actx.UserID,
		"id", c.ID,
		"frequency", c.Frequency,
		"next", c.NextChargeAt,
	)
	return tools.Success(payload)
}

// schedule enqueues c and records the scheduler's next fire time.
func (a *Actions) schedule(ctx context.Context, c *RecurringCharge) error {
	if a.charges == nil {
		return nil
	}
	next, err := a.charges.ScheduleCharge(ctx, c)
	if err != nil {
		return err
	}
	if next != nil {
		c.NextChargeAt = next
		return a.store.SetNextCharge(ctx, c.ID, next)
	}
	return nil
}

type updateArgs struct {
	ID          string   `json:"id"`
	Kind        *Kind    `json:"tipo"`
	Amount      *float64 `json:"valor"`
	Category    *string  `json:"categoria"`
	Date        *string  `json:"data"`
	Description *string  `json:"descricao"`
}

func (a *Actions) updateTransaction(ctx context.Context, raw json.RawMessage) tools.Result {
	actx, fail := userFrom(ctx)
	if fail != nil {
		return *fail
	}
	var args updateArgs
	if fail := decode(raw, &args); fail != nil {
		return *fail
	}
	date, err := optionalDate(args.Date, actx.Location)
	if err != nil {
		return tools.Failure(tools.ReasonInvalidArguments, err)
	}

	t, err := a.store.UpdateTransaction(ctx, actx.UserID, args.ID, TransactionPatch{
		Kind:        args.Kind,
		Amount:      args.Amount,
		Category:    args.Category,
		OccurredAt:  date,
		Description: args.Description,
	})
	if err != nil {
		return storeFailure(err)
	}
	a.logger.Info("transaction updated", "user_id", actx.UserID, "id", t.ID)
	return tools.Success(t)
}

type idArgs struct {
	ID string `json:"id"`
}

func (a *Actions) cancelTransaction(ctx context.Context, raw json.RawMessage) tools.Result {
	actx, fail := userFrom(ctx)
	if fail != nil {
		return *fail
	}
	var args idArgs
	if fail := decode(raw, &args); fail != nil {
		return *fail
	}
	if err := a.store.DeleteTransaction(ctx, actx.UserID, args.ID); err != nil {
		return storeFailure(err)
	}
	a.logger.Info("transaction cancelled", "user_id", actx.UserID, "id", args.ID)
	return tools.Success("success")
}

type updateChargeArgs struct {
	ID          string   `json:"id"`
	Amount      *float64 `json:"valor"`
	Category    *string  `json:"categoria"`
	Date        *string  `json:"data"`
	Description *string  `json:"descricao"`
	Frequency   *string  `json:"frequencia"`
}

func (a *Actions) updateRecurringCharge(ctx context.Context, raw json.RawMessage) tools.Result {
	actx, fail := userFrom(ctx)
	if fail != nil {
		return *fail
	}
	var args updateChargeArgs
	if fail := decode(raw, &args); fail != nil {
		return *fail
	}

	patch := ChargePatch{
		Amount:      args.Amount,
		Category:    args.Category,
		Description: args.Description,
	}
	if args.Frequency != nil {
		f, err := recurrence.ParseFrequency(*args.Frequency)
		if err != nil {
			return tools.Failure(tools.ReasonInvalidArguments, err)
		}
		patch.Frequency = &f
	}
	date, err := optionalDate(args.Date, actx.Location)
	if err != nil {
		return tools.Failure(tools.ReasonInvalidArguments, err)
	}

	// A new date or frequency moves the anchor; the next occurrence is
	// recomputed from it.
	if date != nil || patch.Frequency != nil {
		current, err := a.store.UserRecurringCharge(ctx, actx.UserID, args.ID)
		if err != nil {
			return storeFailure(err)
		}
		freq := current.Frequency
		if patch.Frequency != nil {
			freq = *patch.Frequency
		}
		anchor := current.FirstChargeAt
		if date != nil {
			anchor = date
		}
		if anchor == nil {
			n := time.Now()
			anchor = &n
		}
		normalized := recurrence.Normalize(*anchor, freq)
		patch.FirstChargeAt = &normalized
	}

	c, err := a.store.UpdateRecurringCharge(ctx, actx.UserID, args.ID, patch)
	if err != nil {
		return storeFailure(err)
	}
	if patch.FirstChargeAt != nil {
		c.NextChargeAt = nil
	}
	if err := a.schedule(ctx, c); err != nil {
		return tools.Failure(tools.ReasonInternal, err)
	}
	a.logger.Info("recurring charge updated", "user_id", actx.UserID, "id", c.ID)
	return tools.Success(c)
}

func (a *Actions) cancelRecurringCharge(ctx context.Context, raw json.RawMessage) tools.Result {
	actx, fail := userFrom(ctx)
	if fail != nil {
		return *fail
	}
	var args idArgs
	if fail := decode(raw, &args); fail != nil {
		return *fail
	}
	c, err := a.store.UserRecurringCharge(ctx, actx.UserID, args.ID)
	if err != nil {
		return storeFailure(err)
	}
	if a.charges != nil {
		if err := a.charges.CancelCharge(ctx, c.ID); err != nil {
			return tools.Failure(tools.ReasonInternal, err)
		}
	}
	if err := a.store.DeleteRecurringCharge(ctx, actx.UserID, c.ID); err != nil {
		return storeFailure(err)
	}
	a.logger.Info("recurring charge cancelled", "user_id", actx.UserID, "id", c.ID)
	return tools.Success("success")
}
