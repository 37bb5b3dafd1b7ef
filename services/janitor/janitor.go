package janitor

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/relayboard/botqueue/internal/domain"
	"github.com/relayboard/botqueue/internal/kafka"
	"github.com/relayboard/botqueue/internal/postgres"
	redisstore "github.com/relayboard/botqueue/internal/redis"
	"github.com/relayboard/botqueue/pkg/telemetry"
)

// LeaderKey is the Redis key janitor instances elect through.
const LeaderKey = "botqueue:janitor:leader"

// staleErrorMessage is written to tasks whose last processing attempt
// never recorded an outcome.
const staleErrorMessage = "processing timed out: no outcome recorded"

// LeaderLease is the election primitive the janitor coordinates through.
// *redis.LeaderLock satisfies it.
type LeaderLease interface {
	AcquireOrRenew(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// Janitor sweeps tasks stuck in processing: a dispatcher that crashed or
// lost its database connection mid-delivery leaves rows behind, and the
// sweep either returns them to pending or fails them for good.
type Janitor struct {
	tasks     postgres.TaskStore
	events    postgres.EventStore
	mirror    redisstore.StateStore
	lease     LeaderLease
	announcer *kafka.Announcer // nil = lifecycle announcements disabled

	schedule   cron.Schedule
	staleAfter time.Duration
	batchSize  int
	logger     *slog.Logger
}

// Option configures a Janitor.
type Option func(*Janitor)

func WithSchedule(s cron.Schedule) Option     { return func(j *Janitor) { j.schedule = s } }
func WithStaleAfter(d time.Duration) Option   { return func(j *Janitor) { j.staleAfter = d } }
func WithBatchSize(n int) Option              { return func(j *Janitor) { j.batchSize = n } }
func WithLogger(l *slog.Logger) Option        { return func(j *Janitor) { j.logger = l } }
func WithAnnouncer(a *kafka.Announcer) Option { return func(j *Janitor) { j.announcer = a } }

// NewJanitor constructs a Janitor with the given dependencies and options.
func NewJanitor(
	tasks postgres.TaskStore,
	events postgres.EventStore,
	mirror redisstore.StateStore,
	lease LeaderLease,
	opts ...Option,
) *Janitor {
	j := &Janitor{
		tasks:      tasks,
		events:     events,
		mirror:     mirror,
		lease:      lease,
		schedule:   cron.Every(time.Minute),
		staleAfter: 10 * time.Minute,
		batchSize:  100,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// Run sweeps once immediately, then follows the schedule. Blocks until
// ctx is cancelled; the leader lease is released on the way out.
func (j *Janitor) Run(ctx context.Context) {
	j.sweep(ctx)

	for {
		timer := time.NewTimer(time.Until(j.schedule.Next(time.Now())))
		select {
		case <-ctx.Done():
			timer.Stop()
			releaseCtx, cancel := context.WithTimeout(context.Background(), time.Second)
			_ = j.lease.Release(releaseCtx)
			cancel()
			return
		case <-timer.C:
			j.sweep(ctx)
		}
	}
}

// sweep runs one pass if this instance holds the leader lease. Both
// halves of the sweep use the same cutoff so a row is settled exactly
// one way.
func (j *Janitor) sweep(ctx context.Context) {
	leader, err := j.lease.AcquireOrRenew(ctx)
	if err != nil {
		j.logger.Error("leader election", slog.String("error", err.Error()))
		return
	}
	if !leader {
		return
	}

	telemetry.JanitorSweepsTotal.Inc()
	cutoff := time.Now().UTC().Add(-j.staleAfter)

	if err := j.requeueStale(ctx, cutoff); err != nil {
		j.logger.Error("requeue stale tasks", slog.String("error", err.Error()))
	}
	if err := j.failStale(ctx, cutoff); err != nil {
		j.logger.Error("fail stale tasks", slog.String("error", err.Error()))
	}
}

// requeueStale returns stuck rows with attempts left to pending, due
// immediately.
func (j *Janitor) requeueStale(ctx context.Context, cutoff time.Time) error {
	requeued, err := j.tasks.RequeueStale(ctx, cutoff, j.batchSize)
	if err != nil {
		return err
	}

	for _, task := range requeued {
		payload := map[string]any{
			"reason":   "processing timed out",
			"attempts": task.Attempts,
		}
		if task.StartedAt != nil {
			payload["stale_started_at"] = task.StartedAt.UTC().Format(time.RFC3339Nano)
		}
		j.appendEvent(ctx, task.ID, domain.EventRequeued, payload)
		j.syncMirror(ctx, task)

		j.logger.Warn("stale task returned to pending",
			slog.String("task_id", task.ID),
			slog.String("task_type", string(task.Type)),
			slog.Int("attempts", task.Attempts),
		)
	}

	if len(requeued) > 0 {
		telemetry.JanitorRequeuedTotal.Add(float64(len(requeued)))
	}
	return nil
}

// failStale settles stuck rows that already used their last attempt.
func (j *Janitor) failStale(ctx context.Context, cutoff time.Time) error {
	failed, err := j.tasks.FailStale(ctx, cutoff, j.batchSize, staleErrorMessage)
	if err != nil {
		return err
	}

	for _, task := range failed {
		j.appendEvent(ctx, task.ID, domain.EventFailed, map[string]any{
			"error_message": staleErrorMessage,
			"attempts":      task.Attempts,
			"max_attempts":  task.MaxAttempts,
		})
		j.syncMirror(ctx, task)
		j.announce(ctx, task)

		j.logger.Error("stale task failed permanently",
			slog.String("task_id", task.ID),
			slog.String("task_type", string(task.Type)),
			slog.Int("attempts", task.Attempts),
		)
	}

	if len(failed) > 0 {
		telemetry.JanitorFailedStaleTotal.Add(float64(len(failed)))
	}
	return nil
}

// appendEvent is single-shot: the sweep re-runs every schedule tick, so
// a failed append is logged and left behind rather than retried.
func (j *Janitor) appendEvent(ctx context.Context, taskID string, eventType domain.EventType, payload map[string]any) {
	body, _ := json.Marshal(payload)
	if err := j.events.Append(ctx, &domain.TaskEvent{TaskID: taskID, Type: eventType, Payload: body}); err != nil {
		j.logger.Error("append task event",
			slog.String("task_id", taskID),
			slog.String("event_type", string(eventType)),
			slog.String("error", err.Error()),
		)
	}
}

func (j *Janitor) syncMirror(ctx context.Context, task *domain.Task) {
	if err := j.mirror.SetStatus(ctx, task.ID, task.Status); err != nil {
		j.logger.Warn("mirror status",
			slog.String("task_id", task.ID),
			slog.String("error", err.Error()),
		)
	}
	if err := j.mirror.SetTaskMeta(ctx, task); err != nil {
		j.logger.Warn("mirror task meta",
			slog.String("task_id", task.ID),
			slog.String("error", err.Error()),
		)
	}
}

// announce publishes terminal failures only. A requeue is internal
// recovery, not an outcome.
func (j *Janitor) announce(ctx context.Context, task *domain.Task) {
	if j.announcer == nil {
		return
	}
	if err := j.announcer.Announce(ctx, task); err != nil {
		j.logger.Warn("announce lifecycle event",
			slog.String("task_id", task.ID),
			slog.String("error", err.Error()),
		)
	}
}
