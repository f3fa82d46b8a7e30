package runstate

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/marcus-qen/decisiongate/internal/dgerr"
)

// RetentionPolicy prunes terminal runs on a cron schedule rather than a
// fixed ticker interval, so pruning can run off-peak ("0 3 * * *")
// instead of at a fixed wall-clock offset from process start.
// Grounded on internal/controlplane/jobs/scheduler.go's use of
// cron.ParseStandard to turn an operator-supplied schedule string into
// a runnable cadence, and on audit.Store.PurgeLoop's retention-sweep
// shape.
type RetentionPolicy struct {
	Schedule  cron.Schedule
	OlderThan time.Duration
}

// NewRetentionPolicy parses a standard 5-field cron expression
// ("0 3 * * *") and pairs it with the minimum age a terminal run must
// reach before a sweep removes it.
func NewRetentionPolicy(schedule string, olderThan time.Duration) (RetentionPolicy, error) {
	sched, err := cron.ParseStandard(schedule)
	if err != nil {
		return RetentionPolicy{}, dgerr.Wrap(dgerr.InvalidParams, "parse retention schedule", err)
	}
	return RetentionPolicy{Schedule: sched, OlderThan: olderThan}, nil
}

// RunPruner runs store.Purge on the policy's cadence until ctx is
// canceled. It is meant to be started once per process in its own
// goroutine.
func RunPruner(ctx context.Context, store Store, policy RetentionPolicy, onError func(error)) {
	now := time.Now()
	next := policy.Schedule.Next(now)

	for {
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			if _, err := store.Purge(ctx, policy.OlderThan); err != nil && onError != nil {
				onError(err)
			}
			next = policy.Schedule.Next(time.Now())
		}
	}
}
