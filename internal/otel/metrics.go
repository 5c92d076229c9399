package otel

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/numerus-run/numerus/internal/eventbus"
)

var (
	initMetricsOnce sync.Once

	jobTransitions  metric.Int64Counter
	taskTransitions metric.Int64Counter
	taskRetries     metric.Int64Counter
	claimBlocked    metric.Int64Counter
	claimUnblocked  metric.Int64Counter
	terminalSpawns  metric.Int64Counter
	terminalExits   metric.Int64Counter
)

// InitMetrics creates the meter instruments. Safe to call multiple times;
// only runs once. Call after InitMeterProvider.
func InitMetrics(ctx context.Context) error {
	var err error
	initMetricsOnce.Do(func() {
		m := Meter()
		jobTransitions, err = m.Int64Counter("numerus_job_transitions_total", metric.WithDescription("Job status transitions, labeled by the status reached"))
		if err != nil {
			return
		}
		taskTransitions, err = m.Int64Counter("numerus_task_transitions_total", metric.WithDescription("Task state transitions, labeled by the state reached"))
		if err != nil {
			return
		}
		taskRetries, err = m.Int64Counter("numerus_task_retries_total", metric.WithDescription("Task attempts that failed and were requeued for retry"))
		if err != nil {
			return
		}
		claimBlocked, err = m.Int64Counter("numerus_claim_blocked_total", metric.WithDescription("Claims parked behind a conflicting filesystem lock"))
		if err != nil {
			return
		}
		claimUnblocked, err = m.Int64Counter("numerus_claim_unblocked_total", metric.WithDescription("Parked claims granted once their conflict cleared"))
		if err != nil {
			return
		}
		terminalSpawns, err = m.Int64Counter("numerus_terminal_sessions_total", metric.WithDescription("Agent binary sessions spawned, labeled by outcome"))
		if err != nil {
			return
		}
		terminalExits, err = m.Int64Counter("numerus_terminal_exits_total", metric.WithDescription("Agent binary sessions that exited, labeled by exit code bucket"))
		if err != nil {
			return
		}
	})
	return err
}

// RecordJobStatus records a job reaching status (spec §5 JobStatus).
func RecordJobStatus(ctx context.Context, status string) {
	if jobTransitions != nil {
		jobTransitions.Add(ctx, 1, metric.WithAttributes(AttrJobStatus.String(status)))
	}
}

// RecordTaskState records a task reaching state (spec §5 TaskState).
func RecordTaskState(ctx context.Context, state string) {
	if taskTransitions != nil {
		taskTransitions.Add(ctx, 1, metric.WithAttributes(AttrTaskState.String(state)))
	}
}

// RecordTaskRetry records a failed attempt being requeued, tagged with the
// failure reason from job.task_failed's payload.
func RecordTaskRetry(ctx context.Context, reason string) {
	if taskRetries != nil {
		taskRetries.Add(ctx, 1, metric.WithAttributes(AttrReason.String(reason)))
	}
}

// RecordClaimBlocked records a claim parked by the arbiter.
func RecordClaimBlocked(ctx context.Context, reason string) {
	if claimBlocked != nil {
		claimBlocked.Add(ctx, 1, metric.WithAttributes(AttrReason.String(reason)))
	}
}

// RecordClaimUnblocked records a previously parked claim being granted GO.
func RecordClaimUnblocked(ctx context.Context) {
	if claimUnblocked != nil {
		claimUnblocked.Add(ctx, 1)
	}
}

// RecordTerminalSpawn records one agent binary spawn attempt.
func RecordTerminalSpawn(ctx context.Context, ok bool) {
	if terminalSpawns == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	terminalSpawns.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// RecordTerminalExit records one agent binary session exit, bucketed to
// zero/nonzero rather than the raw code, which would give every distinct
// failure its own label series.
func RecordTerminalExit(ctx context.Context, code int) {
	if terminalExits == nil {
		return
	}
	bucket := "nonzero"
	if code == 0 {
		bucket = "zero"
	}
	terminalExits.Add(ctx, 1, metric.WithAttributes(attribute.String("exit_code", bucket)))
}

// LockCountFunc returns the arbiter's current held lock counts, split by
// mode. Used for the numerus_locks_held gauge.
type LockCountFunc func() (reads, writes int64)

// InitMetricsWithLockCount creates the instruments and, if lockCount is
// non-nil, registers the numerus_locks_held observable gauge against it.
// Call after InitMeterProvider.
func InitMetricsWithLockCount(ctx context.Context, lockCount LockCountFunc) error {
	if err := InitMetrics(ctx); err != nil {
		return err
	}
	if lockCount == nil {
		return nil
	}
	m := Meter()
	locksGauge, err := m.Int64ObservableGauge("numerus_locks_held", metric.WithDescription("Filesystem locks currently held by the arbiter, by mode"))
	if err != nil {
		return err
	}
	_, err = m.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
		reads, writes := lockCount()
		o.ObserveInt64(locksGauge, reads, metric.WithAttributes(AttrLockMode.String("read")))
		o.ObserveInt64(locksGauge, writes, metric.WithAttributes(AttrLockMode.String("write")))
		return nil
	}, locksGauge)
	return err
}

// TerminalActiveFunc returns the terminal manager's current active session
// count. Used for the numerus_terminal_sessions_active gauge.
type TerminalActiveFunc func() int64

// InitMetricsWithTerminalActive creates the instruments and, if active is
// non-nil, registers the numerus_terminal_sessions_active observable gauge
// against it. Call after InitMeterProvider.
func InitMetricsWithTerminalActive(ctx context.Context, active TerminalActiveFunc) error {
	if err := InitMetrics(ctx); err != nil {
		return err
	}
	if active == nil {
		return nil
	}
	m := Meter()
	activeGauge, err := m.Int64ObservableGauge("numerus_terminal_sessions_active", metric.WithDescription("Agent binary sessions currently spawned"))
	if err != nil {
		return err
	}
	_, err = m.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
		o.ObserveInt64(activeGauge, active())
		return nil
	}, activeGauge)
	return err
}

// Subscribe attaches the metrics recorders to bus as a background mirror of
// every job.* and terminal.* event, until ctx is done, so the runner never
// has to call these recorders directly. Mirrors internal/journal.Subscribe's
// shape: one catch-all subscription, one dispatch switch.
func Subscribe(ctx context.Context, bus *eventbus.Bus) {
	sub := bus.Subscribe("*", 0)
	go func() {
		defer sub.Unsubscribe()
		for {
			ev, err := sub.Next(ctx)
			if err != nil {
				return
			}
			recordEvent(ctx, ev)
		}
	}()
}

func recordEvent(ctx context.Context, ev eventbus.Event) {
	switch ev.Topic {
	case "job.started":
		RecordJobStatus(ctx, "planning")
	case "job.planning_failed", "job.claim_failed", "job.failed":
		RecordJobStatus(ctx, "failed")
	case "job.done":
		RecordJobStatus(ctx, "done")
	case "job.cancelled":
		RecordJobStatus(ctx, "cancelled")
	case "job.task_completed":
		RecordTaskState(ctx, "completed")
	case "job.task_failed":
		reason, _ := ev.Payload["reason"].(string)
		RecordTaskRetry(ctx, reason)
	case "job.task_cancelled":
		RecordTaskState(ctx, "cancelled")
	case "job.claim_blocked":
		reason, _ := ev.Payload["reason"].(string)
		RecordClaimBlocked(ctx, reason)
	case "job.claim_unblocked":
		RecordClaimUnblocked(ctx)
	case "terminal.started":
		RecordTerminalSpawn(ctx, true)
	case "terminal.error":
		RecordTerminalSpawn(ctx, false)
	case "terminal.exit":
		if code, ok := ev.Payload["code"].(int); ok {
			RecordTerminalExit(ctx, code)
		}
	}
}
