package ledger

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/financiia/marill/internal/recurrence"
	"github.com/financiia/marill/internal/scheduler"
)

type sentMessage struct {
	chatID string
	text   string
}

type recordingSender struct {
	mu   sync.Mutex
	sent []sentMessage
}

func (r *recordingSender) SendText(_ context.Context, chatID, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, sentMessage{chatID: chatID, text: text})
	return nil
}

func TestChargeTask(t *testing.T) {
	first := time.Date(2025, 1, 31, 15, 0, 0, 0, time.UTC)

	tests := []struct {
		freq     recurrence.Frequency
		wantKind scheduler.ScheduleKind
	}{
		{recurrence.Daily, scheduler.ScheduleEvery},
		{recurrence.Weekly, scheduler.ScheduleEvery},
		{recurrence.Monthly, scheduler.ScheduleCalendar},
		{recurrence.Yearly, scheduler.ScheduleCalendar},
	}
	for _, tt := range tests {
		t.Run(string(tt.freq), func(t *testing.T) {
			task, err := ChargeTask(&RecurringCharge{ID: "C1", UserID: "U1", Frequency: tt.freq, FirstChargeAt: &first})
			if err != nil {
				t.Fatalf("ChargeTask: %v", err)
			}
			if task.ID != "C1" || task.Payload.Target != "C1" {
				t.Errorf("task keyed by %q/%q, want C1", task.ID, task.Payload.Target)
			}
			if task.Schedule.Kind != tt.wantKind {
				t.Errorf("Kind = %q, want %q", task.Schedule.Kind, tt.wantKind)
			}
		})
	}

	if _, err := ChargeTask(&RecurringCharge{ID: "C2", Frequency: recurrence.Monthly}); err == nil {
		t.Error("expected error without a first charge date")
	}
}

func TestChargeTask_MonthEndSequence(t *testing.T) {
	first := time.Date(2025, 1, 31, 15, 0, 0, 0, time.UTC)
	task, err := ChargeTask(&RecurringCharge{ID: "C1", Frequency: recurrence.Monthly, FirstChargeAt: &first})
	if err != nil {
		t.Fatalf("ChargeTask: %v", err)
	}

	want := []time.Time{
		time.Date(2025, 2, 28, 15, 0, 0, 0, time.UTC),
		time.Date(2025, 3, 31, 15, 0, 0, 0, time.UTC),
		time.Date(2025, 4, 30, 15, 0, 0, 0, time.UTC),
	}
	at := first
	for i, w := range want {
		next, ok := task.NextRun(at)
		if !ok {
			t.Fatalf("step %d: no next run", i)
		}
		if !next.Equal(w) {
			t.Errorf("step %d = %v, want %v", i, next, w)
		}
		at = next
	}
}

func TestChargeRunner_Execute(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()
	u := mustUser(t, s, "5511988887777")
	first := time.Date(2025, 1, 31, 15, 0, 0, 0, time.UTC)

	c := &RecurringCharge{
		UserID:        u.ID,
		Amount:        39.9,
		Category:      "lazer",
		Description:   "Streaming",
		Frequency:     recurrence.Monthly,
		FirstChargeAt: &first,
	}
	if err := s.AddRecurringCharge(ctx, c); err != nil {
		t.Fatalf("AddRecurringCharge: %v", err)
	}
	task, err := ChargeTask(c)
	if err != nil {
		t.Fatalf("ChargeTask: %v", err)
	}

	sender := &recordingSender{}
	runner := NewChargeRunner(s, sender, nil)
	fired := time.Date(2025, 2, 28, 15, 0, 0, 0, time.UTC)
	if err := runner.Execute(ctx, task, &scheduler.Execution{ScheduledAt: fired}); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	txs, err := s.LatestTransactions(ctx, u.ID, TransactionQuery{})
	if err != nil {
		t.Fatalf("LatestTransactions: %v", err)
	}
	if len(txs) != 1 {
		t.Fatalf("len(txs) = %d, want 1", len(txs))
	}
	if txs[0].RecurringChargeID != c.ID || !txs[0].OccurredAt.Equal(fired) {
		t.Errorf("tx = %+v", txs[0])
	}

	stored, err := s.RecurringCharge(ctx, c.ID)
	if err != nil {
		t.Fatalf("RecurringCharge: %v", err)
	}
	wantNext := time.Date(2025, 3, 31, 15, 0, 0, 0, time.UTC)
	if stored.NextChargeAt == nil || !stored.NextChargeAt.Equal(wantNext) {
		t.Errorf("NextChargeAt = %v, want %v", stored.NextChargeAt, wantNext)
	}

	if len(sender.sent) != 1 {
		t.Fatalf("sent %d messages, want 1", len(sender.sent))
	}
	msg := sender.sent[0]
	if msg.chatID != u.ChatID {
		t.Errorf("chatID = %q, want %q", msg.chatID, u.ChatID)
	}
	for _, want := range []string{"Streaming", "R$ 39.90", "mensal", "31/03/2025"} {
		if !strings.Contains(msg.text, want) {
			t.Errorf("notice %q missing %q", msg.text, want)
		}
	}
}

func TestChargeRunner_DeletedCharge(t *testing.T) {
	s := newTestStore(t)
	runner := NewChargeRunner(s, nil, nil)
	task := &scheduler.Task{ID: "GONE", Payload: scheduler.Payload{Kind: scheduler.PayloadRecurringCharge, Target: "GONE"}}

	if err := runner.Execute(t.Context(), task, &scheduler.Execution{ScheduledAt: time.Now()}); err == nil {
		t.Error("expected error for a deleted charge")
	}
}

func TestChargeQueue_ReplacesPendingRun(t *testing.T) {
	store, err := scheduler.NewStore(filepath.Join(t.TempDir(), "scheduler.db"))
	if err != nil {
		t.Fatalf("scheduler.NewStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	sched := scheduler.New(nil, store, nil)
	queue := NewChargeQueue(sched)

	first := time.Now().AddDate(0, 0, 5).UTC()
	c := &RecurringCharge{ID: "C1", UserID: "U1", Frequency: recurrence.Weekly, FirstChargeAt: &first}
	for range 2 {
		next, err := queue.ScheduleCharge(t.Context(), c)
		if err != nil {
			t.Fatalf("ScheduleCharge: %v", err)
		}
		if next == nil || !next.Equal(first) {
			t.Errorf("next = %v, want %v", next, first)
		}
	}

	pending, err := store.GetPendingExecutions()
	if err != nil {
		t.Fatalf("GetPendingExecutions: %v", err)
	}
	if len(pending) != 1 {
		t.Errorf("len(pending) = %d, want 1", len(pending))
	}

	if err := queue.CancelCharge(t.Context(), "C1"); err != nil {
		t.Fatalf("CancelCharge: %v", err)
	}
	if task, _ := sched.GetTask("C1"); task != nil {
		t.Errorf("task still present after cancel: %+v", task)
	}
}
