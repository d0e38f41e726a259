package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/financiia/marill/internal/scheduler"
	"github.com/financiia/marill/internal/tools"
)

// ChargeQueue schedules recurring charges as scheduler tasks keyed by
// the charge id.
type ChargeQueue struct {
	sched *scheduler.Scheduler
}

// NewChargeQueue returns a ChargeScheduler backed by sched.
func NewChargeQueue(sched *scheduler.Scheduler) *ChargeQueue {
	return &ChargeQueue{sched: sched}
}

// ScheduleCharge enqueues c, replacing any pending run for the same id.
func (q *ChargeQueue) ScheduleCharge(_ context.Context, c *RecurringCharge) (*time.Time, error) {
	task, err := ChargeTask(c)
	if err != nil {
		return nil, err
	}
	return q.sched.Enqueue(task)
}

// CancelCharge removes the charge's task. Unknown ids are not an error.
func (q *ChargeQueue) CancelCharge(_ context.Context, chargeID string) error {
	return q.sched.DeleteTask(chargeID)
}

// ChargeTask builds the scheduler task for c. Daily and weekly charges
// run on a fixed interval; monthly and yearly ones step the calendar
// from the first charge.
func ChargeTask(c *RecurringCharge) (*scheduler.Task, error) {
	if c.FirstChargeAt == nil {
		return nil, fmt.Errorf("charge %s has no first charge date", c.ID)
	}
	anchor := *c.FirstChargeAt

	sched := scheduler.Schedule{Anchor: &anchor, NotBefore: c.NextChargeAt}
	if interval, ok := c.Frequency.FixedInterval(); ok {
		sched.Kind = scheduler.ScheduleEvery
		sched.Every = &scheduler.Duration{Duration: interval}
	} else {
		sched.Kind = scheduler.ScheduleCalendar
		sched.Frequency = c.Frequency
	}

	return &scheduler.Task{
		ID:        c.ID,
		Name:      "recurring charge " + c.ID,
		Schedule:  sched,
		Payload:   scheduler.Payload{Kind: scheduler.PayloadRecurringCharge, Target: c.ID},
		Enabled:   true,
		CreatedBy: c.UserID,
	}, nil
}

// ChargeRunner fires recurring charges: it records the transaction and
// tells the user.
type ChargeRunner struct {
	store  *Store
	sender tools.Sender
	logger *slog.Logger
}

// NewChargeRunner creates a runner. sender may be nil, in which case
// charges are recorded silently.
func NewChargeRunner(store *Store, sender tools.Sender, logger *slog.Logger) *ChargeRunner {
	if logger == nil {
		logger = slog.Default()
	}
	return &ChargeRunner{
		store:  store,
		sender: sender,
		logger: logger.With("component", "charges"),
	}
}

// Execute is a scheduler.ExecuteFunc for PayloadRecurringCharge tasks.
func (r *ChargeRunner) Execute(ctx context.Context, task *scheduler.Task, exec *scheduler.Execution) error {
	if task.Payload.Kind != scheduler.PayloadRecurringCharge {
		return fmt.Errorf("unexpected payload kind %q", task.Payload.Kind)
	}

	c, err := r.store.RecurringCharge(ctx, task.Payload.Target)
	if errors.Is(err, ErrNotFound) {
		r.logger.Warn("charge fired after deletion", "charge_id", task.Payload.Target)
		return err
	}
	if err != nil {
		return err
	}

	t := &Transaction{
		UserID:            c.UserID,
		Kind:              c.Kind,
		Amount:            c.Amount,
		Category:          c.Category,
		OccurredAt:        exec.ScheduledAt,
		Description:       c.Description,
		RecurringChargeID: c.ID,
	}
	if err := r.store.AddTransaction(ctx, t); err != nil {
		return err
	}

	var next *time.Time
	if n, ok := task.NextRun(exec.ScheduledAt); ok {
		next = &n
	}
	if err := r.store.SetNextCharge(ctx, c.ID, next); err != nil {
		return err
	}

	r.logger.Info("recurring charge fired",
		"charge_id", c.ID,
		"user_id", c.UserID,
		"transaction_id", t.ID,
		"next", next,
	)
	return r.notify(ctx, c, t, next)
}

func (r *ChargeRunner) notify(ctx context.Context, c *RecurringCharge, t *Transaction, next *time.Time) error {
	if r.sender == nil {
		return nil
	}
	u, err := r.store.UserByID(ctx, c.UserID)
	if err != nil {
		return err
	}
	if u == nil {
		return fmt.Errorf("charge %s: owner %s not found", c.ID, c.UserID)
	}
	return r.sender.SendText(ctx, u.ChatID, ChargeNotice(c, t, next))
}

// ChargeNotice is the message sent when a recurring charge fires.
func ChargeNotice(c *RecurringCharge, t *Transaction, next *time.Time) string {
	msg := fmt.Sprintf("🔁 Transação recorrente registrada: *%s* (%s, %s). ID: %s",
		c.Description, FormatBRL(c.Amount), c.Frequency.Label(), t.ID)
	if next != nil {
		msg += fmt.Sprintf("\nPróxima cobrança: %s", next.Format("02/01/2006"))
	}
	return msg
}
