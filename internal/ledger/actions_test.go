package ledger

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/financiia/marill/internal/llm"
	"github.com/financiia/marill/internal/tools"
)

type fakeCharges struct {
	scheduled map[string]*RecurringCharge
	cancelled []string
}

func newFakeCharges() *fakeCharges {
	return &fakeCharges{scheduled: make(map[string]*RecurringCharge)}
}

func (f *fakeCharges) ScheduleCharge(_ context.Context, c *RecurringCharge) (*time.Time, error) {
	cp := *c
	f.scheduled[c.ID] = &cp
	task, err := ChargeTask(c)
	if err != nil {
		return nil, err
	}
	next, ok := task.NextRun(time.Now())
	if !ok {
		return nil, nil
	}
	return &next, nil
}

func (f *fakeCharges) CancelCharge(_ context.Context, id string) error {
	f.cancelled = append(f.cancelled, id)
	delete(f.scheduled, id)
	return nil
}

type harness struct {
	store   *Store
	charges *fakeCharges
	reg     *tools.Registry
	user    *User
	ctx     context.Context
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	s := newTestStore(t)
	charges := newFakeCharges()
	reg := tools.NewRegistry(nil)
	if err := NewActions(s, charges, nil).Register(reg); err != nil {
		t.Fatalf("Register: %v", err)
	}
	u := mustUser(t, s, "5511999990000")
	ctx := tools.WithAgentContext(t.Context(), &tools.AgentContext{
		UserID:   u.ID,
		ChatID:   u.ChatID,
		Location: time.UTC,
	})
	return &harness{store: s, charges: charges, reg: reg, user: u, ctx: ctx}
}

func (h *harness) call(t *testing.T, name string, args any) tools.Result {
	t.Helper()
	b, err := json.Marshal(args)
	if err != nil {
		t.Fatalf("marshal args: %v", err)
	}
	res, err := h.reg.Dispatch(h.ctx, llm.ToolCall{ID: "call_1", Name: name, Arguments: string(b)})
	if err != nil {
		t.Fatalf("Dispatch(%s): %v", name, err)
	}
	return res
}

func TestRegister_AllActions(t *testing.T) {
	h := newHarness(t)
	want := []string{
		"cancel_recurring_transaction",
		"cancel_transaction",
		"delete_goal",
		"get_all_goals",
		"get_latest_transactions",
		"get_monthly_summary",
		"register_transaction",
		"update_recurring_transaction",
		"update_transaction",
		"upsert_goal",
	}
	got := h.reg.Names()
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("Names() = %v, want %v", got, want)
	}
}

func TestRegisterTransaction(t *testing.T) {
	h := newHarness(t)

	res := h.call(t, "register_transaction", map[string]any{
		"tipo":       "despesa",
		"valor":      32.5,
		"categoria":  "alimentação",
		"data":       "2025-03-14T12:30:00Z",
		"descricao":  "Almoço",
		"recorrente": false,
	})
	if !res.OK {
		t.Fatalf("register failed: %v (%s)", res.Err, res.Reason)
	}
	tx, ok := res.Payload.(*Transaction)
	if !ok {
		t.Fatalf("payload = %T, want *Transaction", res.Payload)
	}
	if tx.Amount != 32.5 || tx.Category != "alimentação" {
		t.Errorf("tx = %+v", tx)
	}
	if want := time.Date(2025, 3, 14, 12, 30, 0, 0, time.UTC); !tx.OccurredAt.Equal(want) {
		t.Errorf("OccurredAt = %v, want %v", tx.OccurredAt, want)
	}

	out := res.Output()
	if !strings.Contains(out, `"valor":32.5`) || !strings.Contains(out, `"id":"`+tx.ID+`"`) {
		t.Errorf("Output() = %s", out)
	}
}

func TestRegisterTransaction_InvalidArguments(t *testing.T) {
	h := newHarness(t)

	tests := []struct {
		name string
		args map[string]any
	}{
		{"unknown category", map[string]any{"tipo": "despesa", "valor": 10, "categoria": "viagem", "data": "2025-03-14", "descricao": "x", "recorrente": false}},
		{"negative amount", map[string]any{"tipo": "despesa", "valor": -10, "categoria": "lazer", "data": "2025-03-14", "descricao": "x", "recorrente": false}},
		{"missing required", map[string]any{"tipo": "despesa", "valor": 10}},
		{"bad date", map[string]any{"tipo": "despesa", "valor": 10, "categoria": "lazer", "data": "ontem", "descricao": "x", "recorrente": false}},
		{"recurring without frequency", map[string]any{"tipo": "despesa", "valor": 10, "categoria": "lazer", "data": "2025-03-14", "descricao": "x", "recorrente": true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := h.call(t, "register_transaction", tt.args)
			if res.OK {
				t.Fatal("expected failure")
			}
			if res.Reason != tools.ReasonInvalidArguments {
				t.Errorf("Reason = %q, want %q", res.Reason, tools.ReasonInvalidArguments)
			}
			if res.Output() != tools.FailureOutput {
				t.Errorf("Output() = %q, want %q", res.Output(), tools.FailureOutput)
			}
		})
	}
}

func TestRegisterRecurring_FutureFirstCharge(t *testing.T) {
	h := newHarness(t)
	first := time.Now().AddDate(0, 0, 10).UTC()

	res := h.call(t, "register_transaction", map[string]any{
		"tipo":              "despesa",
		"valor":             39.9,
		"categoria":         "lazer",
		"data":              time.Now().UTC().Format(time.RFC3339),
		"descricao":         "Streaming",
		"recorrente":        true,
		"frequencia":        "mensal",
		"primeira_cobranca": first.Format(time.RFC3339),
	})
	if !res.OK {
		t.Fatalf("register failed: %v", res.Err)
	}
	payload := res.Payload.(recurringPayload)
	if payload.First != nil {
		t.Errorf("First = %+v, want nil for a future charge", payload.First)
	}

	c := payload.Charge
	wantFirst := time.Date(first.Year(), first.Month(), first.Day(), 15, 0, 0, 0, time.UTC)
	if c.FirstChargeAt == nil || !c.FirstChargeAt.Equal(wantFirst) {
		t.Errorf("FirstChargeAt = %v, want %v", c.FirstChargeAt, wantFirst)
	}
	if c.NextChargeAt == nil || !c.NextChargeAt.Equal(wantFirst) {
		t.Errorf("NextChargeAt = %v, want %v", c.NextChargeAt, wantFirst)
	}
	if _, ok := h.charges.scheduled[c.ID]; !ok {
		t.Error("charge was not scheduled")
	}

	txs, err := h.store.LatestTransactions(h.ctx, h.user.ID, TransactionQuery{})
	if err != nil {
		t.Fatalf("LatestTransactions: %v", err)
	}
	if len(txs) != 0 {
		t.Errorf("len(txs) = %d, want 0", len(txs))
	}
}

func TestRegisterRecurring_DueNow(t *testing.T) {
	h := newHarness(t)

	res := h.call(t, "register_transaction", map[string]any{
		"tipo":       "despesa",
		"valor":      1200,
		"categoria":  "moradia",
		"data":       time.Now().UTC().Format(time.RFC3339),
		"descricao":  "Aluguel",
		"recorrente": true,
		"frequencia": "mensal",
	})
	if !res.OK {
		t.Fatalf("register failed: %v", res.Err)
	}
	payload := res.Payload.(recurringPayload)
	if payload.First == nil {
		t.Fatal("First = nil, want today's transaction")
	}
	if payload.First.RecurringChargeID != payload.Charge.ID {
		t.Errorf("RecurringChargeID = %q, want %q", payload.First.RecurringChargeID, payload.Charge.ID)
	}

	c, err := h.store.RecurringCharge(h.ctx, payload.Charge.ID)
	if err != nil {
		t.Fatalf("RecurringCharge: %v", err)
	}
	if c.NextChargeAt == nil || !c.NextChargeAt.After(time.Now()) {
		t.Errorf("NextChargeAt = %v, want a future time", c.NextChargeAt)
	}
	// The charge recorded now must not fire again today.
	if c.NextChargeAt.Sub(*c.FirstChargeAt) < 27*24*time.Hour {
		t.Errorf("next charge %v too close to anchor %v", c.NextChargeAt, c.FirstChargeAt)
	}
}

func TestUpdateAndCancelTransaction(t *testing.T) {
	h := newHarness(t)
	tx := &Transaction{UserID: h.user.ID, Amount: 10, Category: "lazer", OccurredAt: time.Now(), Description: "cinema"}
	if err := h.store.AddTransaction(h.ctx, tx); err != nil {
		t.Fatalf("AddTransaction: %v", err)
	}

	res := h.call(t, "update_transaction", map[string]any{"id": "#" + tx.ID, "valor": 25, "descricao": "cinema + pipoca"})
	if !res.OK {
		t.Fatalf("update failed: %v", res.Err)
	}
	got := res.Payload.(*Transaction)
	if got.Amount != 25 || got.Description != "cinema + pipoca" {
		t.Errorf("updated = %+v", got)
	}

	res = h.call(t, "update_transaction", map[string]any{"id": "NOTREAL1", "valor": 1})
	if res.OK || res.Reason != tools.ReasonNotFound {
		t.Errorf("update unknown = %+v, want not_found", res)
	}

	res = h.call(t, "cancel_transaction", map[string]any{"id": tx.ID})
	if !res.OK || res.Output() != "success" {
		t.Errorf("cancel = %+v, want success", res)
	}
	res = h.call(t, "cancel_transaction", map[string]any{"id": tx.ID})
	if res.OK {
		t.Error("second cancel should fail")
	}
}

func TestUpdateAndCancelRecurring(t *testing.T) {
	h := newHarness(t)
	first := time.Now().AddDate(0, 0, 3).UTC()
	res := h.call(t, "register_transaction", map[string]any{
		"tipo":              "despesa",
		"valor":             50,
		"categoria":         "saúde",
		"data":              first.Format(time.RFC3339),
		"descricao":         "Academia",
		"recorrente":        true,
		"frequencia":        "mensal",
		"primeira_cobranca": first.Format(time.RFC3339),
	})
	if !res.OK {
		t.Fatalf("register failed: %v", res.Err)
	}
	id := res.Payload.(recurringPayload).Charge.ID

	res = h.call(t, "update_recurring_transaction", map[string]any{"id": id, "valor": 60, "frequencia": "semanal"})
	if !res.OK {
		t.Fatalf("update failed: %v", res.Err)
	}
	c := res.Payload.(*RecurringCharge)
	if c.Amount != 60 || c.Frequency != "weekly" {
		t.Errorf("updated = %+v", c)
	}
	if got := h.charges.scheduled[id]; got == nil || got.Frequency != "weekly" {
		t.Errorf("rescheduled = %+v, want weekly", got)
	}

	res = h.call(t, "cancel_recurring_transaction", map[string]any{"id": id})
	if !res.OK {
		t.Fatalf("cancel failed: %v", res.Err)
	}
	if len(h.charges.cancelled) != 1 || h.charges.cancelled[0] != id {
		t.Errorf("cancelled = %v, want [%s]", h.charges.cancelled, id)
	}
	if _, err := h.store.RecurringCharge(h.ctx, id); err == nil {
		t.Error("charge still stored after cancel")
	}
}

func TestGoalActions(t *testing.T) {
	h := newHarness(t)

	res := h.call(t, "upsert_goal", map[string]any{"categoria": "lazer", "meta": 300})
	if got := res.Output(); got != "Meta inserida com sucesso" {
		t.Errorf("first upsert = %q", got)
	}
	res = h.call(t, "upsert_goal", map[string]any{"categoria": "lazer", "meta": 450.5})
	if got, want := res.Output(), "A meta que antes era de 300 reais foi alterada para 450.5 reais"; got != want {
		t.Errorf("second upsert = %q, want %q", got, want)
	}

	res = h.call(t, "get_all_goals", map[string]any{})
	if !res.OK {
		t.Fatalf("get_all_goals failed: %v", res.Err)
	}
	if goals := res.Payload.([]GoalProgress); len(goals) != 1 || goals[0].Limit != 450.5 {
		t.Errorf("goals = %+v", goals)
	}

	note, err := NewActions(h.store, nil, nil).GoalsNote(h.ctx, tools.AgentContextFrom(h.ctx))
	if err != nil {
		t.Fatalf("GoalsNote: %v", err)
	}
	if !strings.HasPrefix(note, GoalsNoteMarker+": [") {
		t.Errorf("GoalsNote = %q", note)
	}

	res = h.call(t, "delete_goal", map[string]any{"categoria": "lazer"})
	if got := res.Output(); got != "Meta deletada com sucesso" {
		t.Errorf("delete = %q", got)
	}
	res = h.call(t, "delete_goal", map[string]any{"categoria": "lazer"})
	if res.OK {
		t.Error("deleting a missing goal should fail")
	}
}

func TestLatestTransactions_Defaults(t *testing.T) {
	h := newHarness(t)
	now := time.Now()
	for i := range 12 {
		tx := &Transaction{UserID: h.user.ID, Amount: float64(i), Category: "outros", OccurredAt: now.Add(-time.Duration(i) * time.Hour)}
		if err := h.store.AddTransaction(h.ctx, tx); err != nil {
			t.Fatalf("AddTransaction: %v", err)
		}
	}
	old := &Transaction{UserID: h.user.ID, Amount: 99, Category: "outros", OccurredAt: now.AddDate(0, 0, -6)}
	if err := h.store.AddTransaction(h.ctx, old); err != nil {
		t.Fatalf("AddTransaction: %v", err)
	}

	res := h.call(t, "get_latest_transactions", map[string]any{})
	if txs := res.Payload.([]Transaction); len(txs) != DefaultLatestCount {
		t.Errorf("default len = %d, want %d", len(txs), DefaultLatestCount)
	}

	res = h.call(t, "get_latest_transactions", map[string]any{"time_limit_days": 7})
	if txs := res.Payload.([]Transaction); len(txs) != 13 {
		t.Errorf("7 day window len = %d, want 13", len(txs))
	}

	res = h.call(t, "get_latest_transactions", map[string]any{"count": 3})
	if txs := res.Payload.([]Transaction); len(txs) != 3 {
		t.Errorf("count len = %d, want 3", len(txs))
	}
}

func TestMonthlySummaryAction(t *testing.T) {
	h := newHarness(t)
	tx := &Transaction{UserID: h.user.ID, Amount: 80, Category: "transporte", OccurredAt: time.Date(2025, 4, 3, 10, 0, 0, 0, time.UTC)}
	if err := h.store.AddTransaction(h.ctx, tx); err != nil {
		t.Fatalf("AddTransaction: %v", err)
	}

	for _, month := range []string{"2025-04", "2025-04-01"} {
		res := h.call(t, "get_monthly_summary", map[string]any{"month": month})
		if !res.OK {
			t.Fatalf("get_monthly_summary(%s) failed: %v", month, res.Err)
		}
		sum := res.Payload.(*MonthSummary)
		if sum.Month != "2025-04" || sum.TotalExpenses != 80 {
			t.Errorf("summary(%s) = %+v", month, sum)
		}
	}
}

func TestActions_RequireAgentContext(t *testing.T) {
	h := newHarness(t)
	res, err := h.reg.Dispatch(t.Context(), llm.ToolCall{ID: "c", Name: "get_all_goals", Arguments: "{}"})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if res.OK {
		t.Error("expected failure without agent context")
	}
}
