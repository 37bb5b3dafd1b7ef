package factory

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/relayboard/botqueue/internal/domain"
	"github.com/relayboard/botqueue/internal/postgres"
)

// Vote fan-out tasks are urgent relative to the default priority 0 and
// give bots a few tries before giving up.
const (
	votePriority    = 5
	voteMaxAttempts = 3
)

// CreateTaskInput describes one task to enqueue.
type CreateTaskInput struct {
	ProjectID      string
	ParticipantID  string
	Type           domain.TaskType
	ReferenceType  domain.ReferenceType
	ReferenceID    string
	Priority       int
	Payload        json.RawMessage
	IdempotencyKey string
	MaxAttempts    int
}

// Factory turns domain triggers into stored tasks, deduplicating on the
// idempotency key.
type Factory struct {
	tasks    postgres.TaskStore
	events   postgres.EventStore
	registry postgres.Registry
	logger   *slog.Logger
	now      func() time.Time
}

// New builds a Factory over the task store, event log and registry.
func New(tasks postgres.TaskStore, events postgres.EventStore, registry postgres.Registry, logger *slog.Logger) *Factory {
	return &Factory{
		tasks:    tasks,
		events:   events,
		registry: registry,
		logger:   logger,
		now:      time.Now,
	}
}

// CreateTask validates and stores one pending task, appending a created
// event. It returns (nil, nil) when a task with the same idempotency key
// already exists: the effect is already queued, and callers must treat
// that as success, not failure.
func (f *Factory) CreateTask(ctx context.Context, input CreateTaskInput) (*domain.Task, error) {
	if !input.Type.Valid() {
		return nil, &domain.UnknownTaskTypeError{TaskType: string(input.Type)}
	}
	if input.ReferenceType != "" && !input.ReferenceType.Valid() {
		return nil, &domain.UnknownReferenceTypeError{ReferenceType: string(input.ReferenceType)}
	}

	maxAttempts := input.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	now := f.now().UTC()
	task := &domain.Task{
		ID:             uuid.New().String(),
		ProjectID:      input.ProjectID,
		ParticipantID:  input.ParticipantID,
		Type:           input.Type,
		ReferenceType:  input.ReferenceType,
		ReferenceID:    input.ReferenceID,
		Status:         domain.StatusPending,
		Priority:       input.Priority,
		Payload:        input.Payload,
		IdempotencyKey: input.IdempotencyKey,
		MaxAttempts:    maxAttempts,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	created, err := f.tasks.Insert(ctx, task)
	if err != nil {
		return nil, err
	}
	if created == nil {
		f.logger.Debug("task deduplicated",
			slog.String("idempotency_key", input.IdempotencyKey),
			slog.String("task_type", string(input.Type)),
		)
		return nil, nil
	}

	payload, err := json.Marshal(map[string]any{
		"task_type":       created.Type,
		"reference_type":  strOrNil(string(created.ReferenceType)),
		"reference_id":    strOrNil(created.ReferenceID),
		"idempotency_key": strOrNil(created.IdempotencyKey),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal created event for task %s: %w", created.ID, err)
	}
	if err := f.events.Append(ctx, &domain.TaskEvent{
		TaskID:  created.ID,
		Type:    domain.EventCreated,
		Payload: payload,
	}); err != nil {
		return nil, err
	}

	f.logger.Info("task created",
		slog.String("task_id", created.ID),
		slog.String("task_type", string(created.Type)),
		slog.String("project_id", created.ProjectID),
		slog.String("participant_id", created.ParticipantID),
	)
	return created, nil
}

// QueueVoteRequested enqueues one vote_requested task per active bot in
// the project, keyed so re-triggering the same proposal stays idempotent
// per participant. Returns how many tasks were actually created after
// deduplication.
func (f *Factory) QueueVoteRequested(ctx context.Context, projectID, proposalID string) (int, error) {
	botIDs, err := f.registry.ListActiveBotIDs(ctx, projectID)
	if err != nil {
		return 0, err
	}

	payload, err := json.Marshal(map[string]string{"proposal_id": proposalID})
	if err != nil {
		return 0, fmt.Errorf("marshal vote payload: %w", err)
	}

	created := 0
	for _, botID := range botIDs {
		task, err := f.CreateTask(ctx, CreateTaskInput{
			ProjectID:      projectID,
			ParticipantID:  botID,
			Type:           domain.TaskVoteRequested,
			ReferenceType:  domain.RefProposal,
			ReferenceID:    proposalID,
			Priority:       votePriority,
			Payload:        payload,
			IdempotencyKey: fmt.Sprintf("vote_requested:%s:%s:%s", projectID, proposalID, botID),
			MaxAttempts:    voteMaxAttempts,
		})
		if err != nil {
			return created, fmt.Errorf("queue vote task for bot %s: %w", botID, err)
		}
		if task != nil {
			created++
		}
	}
	return created, nil
}

func strOrNil(s string) any {
	if s == "" {
		return nil
	}
	return s
}
