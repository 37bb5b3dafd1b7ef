package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/relayboard/botqueue/internal/domain"
)

// EventStore appends to and reads the append-only task audit log.
type EventStore interface {
	Append(ctx context.Context, event *domain.TaskEvent) error
	ListByTask(ctx context.Context, taskID string) ([]*domain.TaskEvent, error)
}

type eventStore struct {
	pool *pgxpool.Pool
}

// NewEventStore wraps a pgxpool with the EventStore interface.
func NewEventStore(pool *pgxpool.Pool) EventStore {
	return &eventStore{pool: pool}
}

func (s *eventStore) Append(ctx context.Context, event *domain.TaskEvent) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO ai_task_events
			(id, task_id, event_type, payload, created_at)
		VALUES
			($1, $2, $3, $4, $5)
	`,
		event.ID, event.TaskID, string(event.Type), event.Payload, event.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("append %s event for task %s: %w", event.Type, event.TaskID, err)
	}
	return nil
}

func (s *eventStore) ListByTask(ctx context.Context, taskID string) ([]*domain.TaskEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, task_id, event_type, payload, created_at
		FROM ai_task_events
		WHERE task_id = $1
		ORDER BY created_at ASC
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list events for task %s: %w", taskID, err)
	}
	defer rows.Close()

	var events []*domain.TaskEvent
	for rows.Next() {
		var (
			event     domain.TaskEvent
			eventType string
		)
		if err := rows.Scan(&event.ID, &event.TaskID, &eventType, &event.Payload, &event.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan task event: %w", err)
		}
		event.Type = domain.EventType(eventType)
		events = append(events, &event)
	}
	return events, rows.Err()
}
