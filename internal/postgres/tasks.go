package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/relayboard/botqueue/internal/domain"
)

// TaskStore abstracts all database access for task rows. Claim, the
// stale sweeps, and every outcome write are single atomic statements so
// any number of dispatcher replicas can share one table safely.
type TaskStore interface {
	// Insert stores a new pending task. When the task's idempotency key
	// already exists the insert is a no-op and Insert returns (nil, nil).
	Insert(ctx context.Context, task *domain.Task) (*domain.Task, error)
	// Claim atomically moves up to limit due pending tasks to processing,
	// incrementing their attempt counters. Contended rows are skipped, not
	// waited on; an empty result means nothing is due.
	Claim(ctx context.Context, limit int) ([]*domain.Task, error)
	// MarkCompleted finishes a processing task successfully.
	MarkCompleted(ctx context.Context, id string, result json.RawMessage) (*domain.Task, error)
	// ScheduleRetry returns a processing task to pending with a retry time.
	ScheduleRetry(ctx context.Context, id, errorMessage string, nextRetryAt time.Time) (*domain.Task, error)
	// MarkFailed moves a processing task to the terminal failed state.
	MarkFailed(ctx context.Context, id, errorMessage string) (*domain.Task, error)
	// RequeueStale returns processing tasks started before cutoff (and
	// still under their attempt ceiling) to pending.
	RequeueStale(ctx context.Context, cutoff time.Time, limit int) ([]*domain.Task, error)
	// FailStale terminally fails processing tasks started before cutoff
	// that have exhausted their attempt ceiling.
	FailStale(ctx context.Context, cutoff time.Time, limit int, errorMessage string) ([]*domain.Task, error)
	GetByID(ctx context.Context, id string) (*domain.Task, error)
	// ListByProject returns a project's tasks, optionally filtered by
	// status ("" means all), newest first within descending priority.
	ListByProject(ctx context.Context, projectID string, status domain.Status, limit, offset int) ([]*domain.Task, error)
}

type taskStore struct {
	pool *pgxpool.Pool
}

// NewTaskStore wraps a pgxpool with the TaskStore interface.
func NewTaskStore(pool *pgxpool.Pool) TaskStore {
	return &taskStore{pool: pool}
}

// NewPool creates a pgxpool and verifies connectivity.
func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return pool, nil
}

// taskColumns is the canonical select list; scanTask must stay in sync.
const taskColumns = `id, project_id, ai_participant_id, task_type, reference_type, reference_id,
       status, priority, payload, result, error_message, idempotency_key,
       attempts, max_attempts, next_retry_at, started_at, completed_at, created_at, updated_at`

func (s *taskStore) Insert(ctx context.Context, task *domain.Task) (*domain.Task, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO ai_tasks
			(id, project_id, ai_participant_id, task_type, reference_type, reference_id,
			 status, priority, payload, idempotency_key, attempts, max_attempts,
			 created_at, updated_at)
		VALUES
			($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (idempotency_key) DO NOTHING
		RETURNING `+taskColumns,
		task.ID, task.ProjectID, task.ParticipantID, string(task.Type),
		nullable(string(task.ReferenceType)), nullable(task.ReferenceID),
		string(task.Status), task.Priority, task.Payload,
		nullable(task.IdempotencyKey), task.Attempts, task.MaxAttempts,
		task.CreatedAt, task.UpdatedAt,
	)

	created, err := scanTask(row)
	if err != nil {
		var notFound *domain.TaskNotFoundError
		if errors.As(err, &notFound) {
			// The ON CONFLICT clause swallowed the insert: a task with this
			// idempotency key already exists.
			return nil, nil
		}
		return nil, fmt.Errorf("insert task %s: %w", task.ID, err)
	}
	return created, nil
}

func (s *taskStore) Claim(ctx context.Context, limit int) ([]*domain.Task, error) {
	rows, err := s.pool.Query(ctx, `
		WITH candidates AS (
			SELECT id
			FROM ai_tasks
			WHERE status = 'pending'
			  AND (next_retry_at IS NULL OR next_retry_at <= now())
			ORDER BY priority DESC, created_at ASC
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE ai_tasks AS t
		SET status        = 'processing',
		    attempts      = t.attempts + 1,
		    started_at    = now(),
		    next_retry_at = NULL,
		    updated_at    = now()
		FROM candidates AS c
		WHERE t.id = c.id
		RETURNING `+prefixColumns("t."),
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("claim tasks: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

func (s *taskStore) MarkCompleted(ctx context.Context, id string, result json.RawMessage) (*domain.Task, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE ai_tasks
		SET status = 'completed', result = $2, completed_at = now(), updated_at = now()
		WHERE id = $1 AND status = 'processing'
		RETURNING `+taskColumns,
		id, result,
	)
	task, err := scanTask(row)
	if err != nil {
		return nil, outcomeErr("complete", id, err)
	}
	return task, nil
}

func (s *taskStore) ScheduleRetry(ctx context.Context, id, errorMessage string, nextRetryAt time.Time) (*domain.Task, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE ai_tasks
		SET status = 'pending', error_message = $2, next_retry_at = $3, updated_at = now()
		WHERE id = $1 AND status = 'processing'
		RETURNING `+taskColumns,
		id, errorMessage, nextRetryAt,
	)
	task, err := scanTask(row)
	if err != nil {
		return nil, outcomeErr("schedule retry for", id, err)
	}
	return task, nil
}

func (s *taskStore) MarkFailed(ctx context.Context, id, errorMessage string) (*domain.Task, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE ai_tasks
		SET status = 'failed', error_message = $2, completed_at = now(), updated_at = now()
		WHERE id = $1 AND status = 'processing'
		RETURNING `+taskColumns,
		id, errorMessage,
	)
	task, err := scanTask(row)
	if err != nil {
		return nil, outcomeErr("fail", id, err)
	}
	return task, nil
}

func (s *taskStore) RequeueStale(ctx context.Context, cutoff time.Time, limit int) ([]*domain.Task, error) {
	rows, err := s.pool.Query(ctx, `
		WITH stale AS (
			SELECT id
			FROM ai_tasks
			WHERE status = 'processing'
			  AND started_at < $1
			  AND attempts < max_attempts
			ORDER BY started_at ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		UPDATE ai_tasks AS t
		SET status = 'pending', next_retry_at = NULL, updated_at = now()
		FROM stale AS s
		WHERE t.id = s.id
		RETURNING `+prefixColumns("t."),
		cutoff, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("requeue stale tasks: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

func (s *taskStore) FailStale(ctx context.Context, cutoff time.Time, limit int, errorMessage string) ([]*domain.Task, error) {
	rows, err := s.pool.Query(ctx, `
		WITH stale AS (
			SELECT id
			FROM ai_tasks
			WHERE status = 'processing'
			  AND started_at < $1
			  AND attempts >= max_attempts
			ORDER BY started_at ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		UPDATE ai_tasks AS t
		SET status = 'failed', error_message = $3, completed_at = now(), updated_at = now()
		FROM stale AS s
		WHERE t.id = s.id
		RETURNING `+prefixColumns("t."),
		cutoff, limit, errorMessage,
	)
	if err != nil {
		return nil, fmt.Errorf("fail stale tasks: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

func (s *taskStore) GetByID(ctx context.Context, id string) (*domain.Task, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+taskColumns+`
		FROM ai_tasks
		WHERE id = $1
	`, id)

	task, err := scanTask(row)
	if err != nil {
		var notFound *domain.TaskNotFoundError
		if errors.As(err, &notFound) {
			return nil, &domain.TaskNotFoundError{TaskID: id}
		}
		return nil, err
	}
	return task, nil
}

func (s *taskStore) ListByProject(ctx context.Context, projectID string, status domain.Status, limit, offset int) ([]*domain.Task, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+taskColumns+`
		FROM ai_tasks
		WHERE project_id = $1
		  AND ($2::text IS NULL OR status = $2)
		ORDER BY priority DESC, created_at DESC
		LIMIT $3 OFFSET $4
	`, projectID, nullable(string(status)), limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list tasks for project %s: %w", projectID, err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

// outcomeErr maps no-rows on an outcome write to TaskNotFoundError: the
// task either vanished or is no longer in processing.
func outcomeErr(verb, id string, err error) error {
	var notFound *domain.TaskNotFoundError
	if errors.As(err, &notFound) {
		return &domain.TaskNotFoundError{TaskID: id}
	}
	return fmt.Errorf("%s task %s: %w", verb, id, err)
}

func collectTasks(rows pgx.Rows) ([]*domain.Task, error) {
	var tasks []*domain.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// scanTask reads a task row from any pgx row type.
func scanTask(row interface {
	Scan(...any) error
}) (*domain.Task, error) {
	var (
		task                            domain.Task
		taskType, status                string
		refType, refID, errMsg, idemKey *string
	)
	err := row.Scan(
		&task.ID, &task.ProjectID, &task.ParticipantID, &taskType, &refType, &refID,
		&status, &task.Priority, &task.Payload, &task.Result, &errMsg, &idemKey,
		&task.Attempts, &task.MaxAttempts, &task.NextRetryAt, &task.StartedAt,
		&task.CompletedAt, &task.CreatedAt, &task.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &domain.TaskNotFoundError{TaskID: "unknown"}
		}
		return nil, fmt.Errorf("scan task: %w", err)
	}
	task.Type = domain.TaskType(taskType)
	task.Status = domain.Status(status)
	if refType != nil {
		task.ReferenceType = domain.ReferenceType(*refType)
	}
	if refID != nil {
		task.ReferenceID = *refID
	}
	if errMsg != nil {
		task.ErrorMessage = *errMsg
	}
	if idemKey != nil {
		task.IdempotencyKey = *idemKey
	}
	return &task, nil
}

// nullable maps "" to SQL NULL so empty optional fields never collide on
// the idempotency unique constraint.
func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// prefixColumns qualifies the canonical column list for UPDATE ... RETURNING.
func prefixColumns(prefix string) string {
	out := ""
	for i, col := range []string{
		"id", "project_id", "ai_participant_id", "task_type", "reference_type", "reference_id",
		"status", "priority", "payload", "result", "error_message", "idempotency_key",
		"attempts", "max_attempts", "next_retry_at", "started_at", "completed_at", "created_at", "updated_at",
	} {
		if i > 0 {
			out += ", "
		}
		out += prefix + col
	}
	return out
}
