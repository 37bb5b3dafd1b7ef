package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/relayboard/botqueue/internal/domain"
	"github.com/relayboard/botqueue/internal/kafka"
	"github.com/relayboard/botqueue/internal/postgres"
	redisstore "github.com/relayboard/botqueue/internal/redis"
	"github.com/relayboard/botqueue/internal/webhook"
	"github.com/relayboard/botqueue/pkg/retry"
	"github.com/relayboard/botqueue/pkg/telemetry"
)

// claimFactor sizes a claim batch relative to the delivery pool, keeping
// the pool fed between polls without hoarding rows other instances could
// take.
const claimFactor = 10

// Outcome writes get a short linear retry before the row is abandoned to
// the stale sweep.
const (
	outcomeWriteAttempts = 3
	outcomeWriteDelay    = 500 * time.Millisecond
)

// Dispatcher claims due pending tasks and delivers each one to its bot's
// webhook endpoint, recording every transition in the task event log.
type Dispatcher struct {
	tasks      postgres.TaskStore
	events     postgres.EventStore
	registry   postgres.Registry
	deliverer  webhook.Deliverer
	mirror     redisstore.StateStore
	announcer  *kafka.Announcer // nil = lifecycle announcements disabled
	instanceID string

	pollInterval time.Duration
	concurrency  int
	timeout      time.Duration
	logger       *slog.Logger

	sem chan struct{}
	wg  sync.WaitGroup
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

func WithPollInterval(d time.Duration) Option { return func(dp *Dispatcher) { dp.pollInterval = d } }
func WithConcurrency(n int) Option            { return func(dp *Dispatcher) { dp.concurrency = n } }
func WithTimeout(d time.Duration) Option      { return func(dp *Dispatcher) { dp.timeout = d } }
func WithLogger(l *slog.Logger) Option        { return func(dp *Dispatcher) { dp.logger = l } }
func WithAnnouncer(a *kafka.Announcer) Option { return func(dp *Dispatcher) { dp.announcer = a } }

// NewDispatcher constructs a Dispatcher with the given dependencies and
// options.
func NewDispatcher(
	instanceID string,
	tasks postgres.TaskStore,
	events postgres.EventStore,
	registry postgres.Registry,
	deliverer webhook.Deliverer,
	mirror redisstore.StateStore,
	opts ...Option,
) *Dispatcher {
	d := &Dispatcher{
		instanceID:   instanceID,
		tasks:        tasks,
		events:       events,
		registry:     registry,
		deliverer:    deliverer,
		mirror:       mirror,
		pollInterval: 5 * time.Second,
		concurrency:  4,
		timeout:      10 * time.Second,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.concurrency < 1 {
		d.concurrency = 1
	}
	d.sem = make(chan struct{}, d.concurrency)
	return d
}

// Run is the main polling loop. Blocks until ctx is cancelled. Call Wait
// afterwards to drain deliveries still in flight.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	// Poll once immediately before waiting for the first tick.
	d.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.tick(ctx)
		}
	}
}

// Wait blocks until all in-flight deliveries finish. Call after Run returns.
func (d *Dispatcher) Wait() { d.wg.Wait() }

func (d *Dispatcher) tick(ctx context.Context) {
	claimed, err := d.tasks.Claim(ctx, d.concurrency*claimFactor)
	if err != nil {
		d.logger.Error("claim batch", slog.String("error", err.Error()))
		return
	}
	if len(claimed) == 0 {
		return
	}

	telemetry.DispatcherTasksClaimed.Add(float64(len(claimed)))
	d.logger.Debug("claimed batch", slog.Int("count", len(claimed)))

	for i, task := range claimed {
		select {
		case d.sem <- struct{}{}:
		case <-ctx.Done():
			// Claimed but never started: the rows stay processing and the
			// stale sweep returns them to pending.
			d.logger.Warn("shutdown mid-batch, abandoning claimed tasks",
				slog.Int("abandoned", len(claimed)-i),
			)
			return
		}
		d.wg.Add(1)
		go func(task *domain.Task) {
			defer func() {
				<-d.sem
				d.wg.Done()
			}()
			d.process(task)
		}(task)
	}
}

// process owns one claimed task end to end. It runs on a background
// context so an in-flight delivery and its outcome writes survive loop
// shutdown; Run's caller drains them via Wait.
func (d *Dispatcher) process(task *domain.Task) {
	ctx, span := otel.Tracer("dispatcher").Start(context.Background(), "dispatcher.deliver_task")
	defer span.End()
	span.SetAttributes(
		attribute.String("task.id", task.ID),
		attribute.String("task.type", string(task.Type)),
		attribute.Int("task.attempts", task.Attempts),
	)

	log := d.logger.With(
		slog.String("task_id", task.ID),
		slog.String("task_type", string(task.Type)),
		slog.Int("attempt", task.Attempts),
	)

	telemetry.DispatcherTasksInFlight.Inc()
	defer telemetry.DispatcherTasksInFlight.Dec()

	d.recordPickup(ctx, task, log)

	endpoint, err := d.registry.ResolveEndpoint(ctx, task.ProjectID, task.ParticipantID)
	if err != nil {
		log.Error("resolve endpoint", slog.String("error", err.Error()))
		span.RecordError(err)
		d.finishFailure(ctx, task, err, log, span)
		return
	}

	deliverCtx, cancel := context.WithTimeout(ctx, d.timeout)
	start := time.Now()
	delivery, err := d.deliverer.Deliver(deliverCtx, endpoint, task)
	cancel()

	telemetry.DispatcherDeliveryDuration.WithLabelValues(string(task.Type)).Observe(time.Since(start).Seconds())

	if err != nil {
		span.RecordError(err)
		d.finishFailure(ctx, task, err, log, span)
		return
	}
	d.finishSuccess(ctx, task, delivery, log)
}

// recordPickup appends the picked_up event and refreshes the status
// mirror. Neither failure blocks the delivery: the claim already
// happened.
func (d *Dispatcher) recordPickup(ctx context.Context, task *domain.Task, log *slog.Logger) {
	d.appendEvent(ctx, log, task.ID, domain.EventPickedUp, map[string]any{
		"attempts": task.Attempts,
		"worker":   d.instanceID,
	})
	if err := d.mirror.SetStatus(ctx, task.ID, domain.StatusProcessing); err != nil {
		log.Warn("mirror processing status", slog.String("error", err.Error()))
	}
}

func (d *Dispatcher) finishSuccess(ctx context.Context, task *domain.Task, delivery *domain.WebhookDelivery, log *slog.Logger) {
	result, _ := json.Marshal(map[string]any{
		"response_status": delivery.ResponseStatus,
		"response_body":   delivery.ResponseBody,
	})

	updated := d.writeOutcome(ctx, log, "mark completed", func() (*domain.Task, error) {
		return d.tasks.MarkCompleted(ctx, task.ID, result)
	})
	if updated == nil {
		return
	}

	d.appendEvent(ctx, log, task.ID, domain.EventCompleted, map[string]any{
		"response_status": delivery.ResponseStatus,
		"attempts":        updated.Attempts,
	})
	d.syncMirror(ctx, updated, log)
	d.announce(ctx, updated, log)

	telemetry.DispatcherDeliveries.WithLabelValues(string(task.Type), "completed").Inc()
	log.Info("task completed",
		slog.Int("response_status", delivery.ResponseStatus),
		slog.Int64("duration_ms", delivery.DurationMs),
	)
}

func (d *Dispatcher) finishFailure(ctx context.Context, task *domain.Task, deliverErr error, log *slog.Logger, span trace.Span) {
	errMsg := deliverErr.Error()

	if task.Attempts < task.MaxAttempts {
		nextRetry := domain.NextRetryTime(time.Now().UTC(), task.Attempts)
		updated := d.writeOutcome(ctx, log, "schedule retry", func() (*domain.Task, error) {
			return d.tasks.ScheduleRetry(ctx, task.ID, errMsg, nextRetry)
		})
		if updated == nil {
			return
		}

		d.appendEvent(ctx, log, task.ID, domain.EventRetried, map[string]any{
			"error_message": errMsg,
			"attempts":      updated.Attempts,
			"max_attempts":  updated.MaxAttempts,
			"next_retry_at": nextRetry.Format(time.RFC3339Nano),
		})
		d.syncMirror(ctx, updated, log)
		d.announce(ctx, updated, log)

		telemetry.DispatcherDeliveries.WithLabelValues(string(task.Type), "retried").Inc()
		telemetry.DispatcherRetriesScheduled.WithLabelValues(string(task.Type)).Inc()
		log.Warn("delivery failed, retry scheduled",
			slog.String("error", errMsg),
			slog.Time("next_retry_at", nextRetry),
		)
		return
	}

	span.SetStatus(codes.Error, "attempts exhausted")
	updated := d.writeOutcome(ctx, log, "mark failed", func() (*domain.Task, error) {
		return d.tasks.MarkFailed(ctx, task.ID, errMsg)
	})
	if updated == nil {
		return
	}

	d.appendEvent(ctx, log, task.ID, domain.EventFailed, map[string]any{
		"error_message": errMsg,
		"attempts":      updated.Attempts,
		"max_attempts":  updated.MaxAttempts,
	})
	d.syncMirror(ctx, updated, log)
	d.announce(ctx, updated, log)

	telemetry.DispatcherDeliveries.WithLabelValues(string(task.Type), "failed").Inc()
	telemetry.DispatcherTerminalFailures.WithLabelValues(string(task.Type)).Inc()
	log.Error("task failed permanently",
		slog.String("error", errMsg),
		slog.Int("attempts", updated.Attempts),
	)
}

// writeOutcome persists a retry or terminal transition with a short
// retry. A TaskNotFoundError means the row is no longer processing (the
// stale sweep got there first) and the outcome is dropped. Any other
// persistent failure leaves the row processing for the sweep to settle.
func (d *Dispatcher) writeOutcome(ctx context.Context, log *slog.Logger, op string, write func() (*domain.Task, error)) *domain.Task {
	var updated *domain.Task
	err := retry.Do(ctx, retry.Config{
		MaxAttempts: outcomeWriteAttempts,
		BaseDelay:   outcomeWriteDelay,
		OnRetry: func(attempt int, writeErr error) {
			log.Warn(op+" attempt failed",
				slog.Int("attempt", attempt),
				slog.String("error", writeErr.Error()),
			)
		},
	}, func() error {
		t, err := write()
		var notFound *domain.TaskNotFoundError
		if errors.As(err, &notFound) {
			log.Warn("task no longer processing, dropping outcome", slog.String("op", op))
			return nil
		}
		if err != nil {
			return err
		}
		updated = t
		return nil
	})
	if err != nil {
		log.Error(op+" failed, leaving task to the stale sweep", slog.String("error", err.Error()))
		return nil
	}
	return updated
}

// appendEvent writes one audit event. The log line on failure carries
// enough to reconstruct the event by hand.
func (d *Dispatcher) appendEvent(ctx context.Context, log *slog.Logger, taskID string, eventType domain.EventType, payload map[string]any) {
	body, _ := json.Marshal(payload)
	err := retry.Do(ctx, retry.Config{
		MaxAttempts: outcomeWriteAttempts,
		BaseDelay:   outcomeWriteDelay,
	}, func() error {
		return d.events.Append(ctx, &domain.TaskEvent{TaskID: taskID, Type: eventType, Payload: body})
	})
	if err != nil {
		log.Error("append task event",
			slog.String("event_type", string(eventType)),
			slog.String("payload", string(body)),
			slog.String("error", err.Error()),
		)
	}
}

// syncMirror is a best-effort refresh of the Redis read mirror. Postgres
// stays the source of truth.
func (d *Dispatcher) syncMirror(ctx context.Context, task *domain.Task, log *slog.Logger) {
	if err := d.mirror.SetStatus(ctx, task.ID, task.Status); err != nil {
		log.Warn("mirror status", slog.String("error", err.Error()))
	}
	if err := d.mirror.SetTaskMeta(ctx, task); err != nil {
		log.Warn("mirror task meta", slog.String("error", err.Error()))
	}
}

func (d *Dispatcher) announce(ctx context.Context, task *domain.Task, log *slog.Logger) {
	if d.announcer == nil {
		return
	}
	if err := d.announcer.Announce(ctx, task); err != nil {
		log.Warn("announce lifecycle event", slog.String("error", err.Error()))
	}
}
