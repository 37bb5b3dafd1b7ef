package factory_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relayboard/botqueue/internal/domain"
	"github.com/relayboard/botqueue/internal/factory"
	"github.com/relayboard/botqueue/internal/postgres"
)

// ── fakes ───────────────────────────────────────────────────────────────────

type fakeTaskStore struct {
	inserted  []*domain.Task
	seenKeys  map[string]bool
	insertErr error
}

func newFakeTaskStore() *fakeTaskStore {
	return &fakeTaskStore{seenKeys: make(map[string]bool)}
}

func (s *fakeTaskStore) Insert(_ context.Context, task *domain.Task) (*domain.Task, error) {
	if s.insertErr != nil {
		return nil, s.insertErr
	}
	if task.IdempotencyKey != "" && s.seenKeys[task.IdempotencyKey] {
		return nil, nil
	}
	if task.IdempotencyKey != "" {
		s.seenKeys[task.IdempotencyKey] = true
	}
	s.inserted = append(s.inserted, task)
	return task, nil
}

func (s *fakeTaskStore) Claim(_ context.Context, _ int) ([]*domain.Task, error) { return nil, nil }
func (s *fakeTaskStore) MarkCompleted(_ context.Context, id string, _ json.RawMessage) (*domain.Task, error) {
	return nil, &domain.TaskNotFoundError{TaskID: id}
}
func (s *fakeTaskStore) ScheduleRetry(_ context.Context, id, _ string, _ time.Time) (*domain.Task, error) {
	return nil, &domain.TaskNotFoundError{TaskID: id}
}
func (s *fakeTaskStore) MarkFailed(_ context.Context, id, _ string) (*domain.Task, error) {
	return nil, &domain.TaskNotFoundError{TaskID: id}
}
func (s *fakeTaskStore) RequeueStale(_ context.Context, _ time.Time, _ int) ([]*domain.Task, error) {
	return nil, nil
}
func (s *fakeTaskStore) FailStale(_ context.Context, _ time.Time, _ int, _ string) ([]*domain.Task, error) {
	return nil, nil
}
func (s *fakeTaskStore) GetByID(_ context.Context, id string) (*domain.Task, error) {
	return nil, &domain.TaskNotFoundError{TaskID: id}
}
func (s *fakeTaskStore) ListByProject(_ context.Context, _ string, _ domain.Status, _, _ int) ([]*domain.Task, error) {
	return nil, nil
}

var _ postgres.TaskStore = (*fakeTaskStore)(nil)

type fakeEventStore struct {
	events []*domain.TaskEvent
}

func (s *fakeEventStore) Append(_ context.Context, event *domain.TaskEvent) error {
	s.events = append(s.events, event)
	return nil
}
func (s *fakeEventStore) ListByTask(_ context.Context, _ string) ([]*domain.TaskEvent, error) {
	return nil, nil
}

var _ postgres.EventStore = (*fakeEventStore)(nil)

type fakeRegistry struct {
	bots []string
}

func (r *fakeRegistry) ResolveEndpoint(_ context.Context, projectID, participantID string) (*domain.Endpoint, error) {
	return nil, &domain.NoEndpointError{ProjectID: projectID, ParticipantID: participantID}
}
func (r *fakeRegistry) ListActiveBotIDs(_ context.Context, _ string) ([]string, error) {
	return r.bots, nil
}

var _ postgres.Registry = (*fakeRegistry)(nil)

func newTestFactory(tasks *fakeTaskStore, events *fakeEventStore, reg *fakeRegistry) *factory.Factory {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return factory.New(tasks, events, reg, logger)
}

func validInput() factory.CreateTaskInput {
	return factory.CreateTaskInput{
		ProjectID:      "proj-1",
		ParticipantID:  "bot-1",
		Type:           domain.TaskReviewRequested,
		ReferenceType:  domain.RefWorkItem,
		ReferenceID:    "item-42",
		Priority:       2,
		Payload:        json.RawMessage(`{"hint":"be gentle"}`),
		IdempotencyKey: "review:proj-1:item-42:bot-1",
		MaxAttempts:    3,
	}
}

// ── CreateTask ──────────────────────────────────────────────────────────────

func TestCreateTask_StoresPendingTask(t *testing.T) {
	tasks, events := newFakeTaskStore(), &fakeEventStore{}
	f := newTestFactory(tasks, events, &fakeRegistry{})

	task, err := f.CreateTask(context.Background(), validInput())
	require.NoError(t, err)
	require.NotNil(t, task)

	assert.NotEmpty(t, task.ID)
	assert.Equal(t, domain.StatusPending, task.Status)
	assert.Equal(t, "proj-1", task.ProjectID)
	assert.Equal(t, "bot-1", task.ParticipantID)
	assert.Equal(t, domain.TaskReviewRequested, task.Type)
	assert.Equal(t, 3, task.MaxAttempts)
	assert.Zero(t, task.Attempts)
	assert.False(t, task.CreatedAt.IsZero())
	require.Len(t, tasks.inserted, 1)
}

func TestCreateTask_AppendsCreatedEvent(t *testing.T) {
	tasks, events := newFakeTaskStore(), &fakeEventStore{}
	f := newTestFactory(tasks, events, &fakeRegistry{})

	task, err := f.CreateTask(context.Background(), validInput())
	require.NoError(t, err)

	require.Len(t, events.events, 1)
	evt := events.events[0]
	assert.Equal(t, task.ID, evt.TaskID)
	assert.Equal(t, domain.EventCreated, evt.Type)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(evt.Payload, &payload))
	assert.Equal(t, "review_requested", payload["task_type"])
	assert.Equal(t, "work_item", payload["reference_type"])
	assert.Equal(t, "item-42", payload["reference_id"])
	assert.Equal(t, "review:proj-1:item-42:bot-1", payload["idempotency_key"])
}

func TestCreateTask_RejectsUnknownTaskType(t *testing.T) {
	tasks, events := newFakeTaskStore(), &fakeEventStore{}
	f := newTestFactory(tasks, events, &fakeRegistry{})

	input := validInput()
	input.Type = "deploy_requested"

	task, err := f.CreateTask(context.Background(), input)
	require.Error(t, err)
	assert.Nil(t, task)

	var unknownType *domain.UnknownTaskTypeError
	require.True(t, errors.As(err, &unknownType))
	assert.Equal(t, "deploy_requested", unknownType.TaskType)

	// Nothing may be written on a validation failure.
	assert.Empty(t, tasks.inserted)
	assert.Empty(t, events.events)
}

func TestCreateTask_RejectsUnknownReferenceType(t *testing.T) {
	tasks, events := newFakeTaskStore(), &fakeEventStore{}
	f := newTestFactory(tasks, events, &fakeRegistry{})

	input := validInput()
	input.ReferenceType = "branch"

	_, err := f.CreateTask(context.Background(), input)
	var unknownRef *domain.UnknownReferenceTypeError
	require.True(t, errors.As(err, &unknownRef))
	assert.Empty(t, tasks.inserted)
}

func TestCreateTask_ReferenceIsOptional(t *testing.T) {
	tasks, events := newFakeTaskStore(), &fakeEventStore{}
	f := newTestFactory(tasks, events, &fakeRegistry{})

	input := validInput()
	input.ReferenceType = ""
	input.ReferenceID = ""

	task, err := f.CreateTask(context.Background(), input)
	require.NoError(t, err)
	require.NotNil(t, task)
}

func TestCreateTask_ClampsMaxAttempts(t *testing.T) {
	for _, maxAttempts := range []int{0, -5} {
		tasks, events := newFakeTaskStore(), &fakeEventStore{}
		f := newTestFactory(tasks, events, &fakeRegistry{})

		input := validInput()
		input.MaxAttempts = maxAttempts

		task, err := f.CreateTask(context.Background(), input)
		require.NoError(t, err)
		assert.Equal(t, 1, task.MaxAttempts, "max_attempts=%d must clamp to 1", maxAttempts)
	}
}

func TestCreateTask_DeduplicatesOnIdempotencyKey(t *testing.T) {
	tasks, events := newFakeTaskStore(), &fakeEventStore{}
	f := newTestFactory(tasks, events, &fakeRegistry{})

	first, err := f.CreateTask(context.Background(), validInput())
	require.NoError(t, err)
	require.NotNil(t, first)

	second, err := f.CreateTask(context.Background(), validInput())
	require.NoError(t, err, "a duplicate is not an error")
	assert.Nil(t, second, "the duplicate must create nothing")

	assert.Len(t, tasks.inserted, 1)
	assert.Len(t, events.events, 1, "no event for the deduplicated call")
}

// ── QueueVoteRequested ──────────────────────────────────────────────────────

func TestQueueVoteRequested_FansOutPerBot(t *testing.T) {
	tasks, events := newFakeTaskStore(), &fakeEventStore{}
	reg := &fakeRegistry{bots: []string{"bot-a", "bot-b", "bot-c"}}
	f := newTestFactory(tasks, events, reg)

	created, err := f.QueueVoteRequested(context.Background(), "proj-1", "prop-7")
	require.NoError(t, err)
	assert.Equal(t, 3, created)
	require.Len(t, tasks.inserted, 3)

	for i, bot := range []string{"bot-a", "bot-b", "bot-c"} {
		task := tasks.inserted[i]
		assert.Equal(t, domain.TaskVoteRequested, task.Type)
		assert.Equal(t, domain.RefProposal, task.ReferenceType)
		assert.Equal(t, "prop-7", task.ReferenceID)
		assert.Equal(t, bot, task.ParticipantID)
		assert.Equal(t, 5, task.Priority)
		assert.Equal(t, 3, task.MaxAttempts)
		assert.Equal(t, fmt.Sprintf("vote_requested:proj-1:prop-7:%s", bot), task.IdempotencyKey)
		assert.JSONEq(t, `{"proposal_id":"prop-7"}`, string(task.Payload))
	}
}

func TestQueueVoteRequested_ReTriggerIsIdempotent(t *testing.T) {
	tasks, events := newFakeTaskStore(), &fakeEventStore{}
	reg := &fakeRegistry{bots: []string{"bot-a", "bot-b"}}
	f := newTestFactory(tasks, events, reg)

	created, err := f.QueueVoteRequested(context.Background(), "proj-1", "prop-7")
	require.NoError(t, err)
	assert.Equal(t, 2, created)

	created, err = f.QueueVoteRequested(context.Background(), "proj-1", "prop-7")
	require.NoError(t, err)
	assert.Equal(t, 0, created, "re-trigger must create nothing")
	assert.Len(t, tasks.inserted, 2)
}

func TestQueueVoteRequested_NoActiveBots(t *testing.T) {
	f := newTestFactory(newFakeTaskStore(), &fakeEventStore{}, &fakeRegistry{})

	created, err := f.QueueVoteRequested(context.Background(), "proj-1", "prop-7")
	require.NoError(t, err)
	assert.Zero(t, created)
}
