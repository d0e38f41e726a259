package main

import (
	"context"
	"log/slog"

	"github.com/financiia/marill/internal/scheduler"
)

// chargeExecutor fires recurring charges. Implemented by
// *ledger.ChargeRunner.
type chargeExecutor interface {
	Execute(ctx context.Context, task *scheduler.Task, exec *scheduler.Execution) error
}

// taskExecDeps holds the dependencies of the scheduled task executor.
type taskExecDeps struct {
	charges chargeExecutor
	logger  *slog.Logger
}

// runScheduledTask dispatches a fired task by payload kind. Unsupported
// kinds are logged and ignored so a stale task never wedges the
// scheduler.
func runScheduledTask(ctx context.Context, task *scheduler.Task, exec *scheduler.Execution, deps taskExecDeps) error {
	deps.logger.Debug("task executing",
		"task_id", task.ID,
		"task_name", task.Name,
		"payload_kind", task.Payload.Kind,
		"scheduled_at", exec.ScheduledAt,
	)

	switch task.Payload.Kind {
	case scheduler.PayloadRecurringCharge:
		return deps.charges.Execute(ctx, task, exec)
	default:
		deps.logger.Warn("unsupported task payload kind", "task_id", task.ID, "kind", task.Payload.Kind)
		return nil
	}
}
