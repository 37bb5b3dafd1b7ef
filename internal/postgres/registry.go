package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/relayboard/botqueue/internal/domain"
)

// Registry reads the platform-owned webhook and participant tables. The
// queue never writes them, apart from delivery bookkeeping (see DeliveryLog).
type Registry interface {
	// ResolveEndpoint returns the delivery target for a task: the most
	// recently updated active webhook bound to the project's workspace and
	// the participant's bot user. Returns NoEndpointError when none match.
	ResolveEndpoint(ctx context.Context, projectID, participantID string) (*domain.Endpoint, error)
	// ListActiveBotIDs returns the participant IDs of all active bots in a
	// project, in registration order.
	ListActiveBotIDs(ctx context.Context, projectID string) ([]string, error)
}

type registry struct {
	pool *pgxpool.Pool
}

// NewRegistry wraps a pgxpool with the Registry interface.
func NewRegistry(pool *pgxpool.Pool) Registry {
	return &registry{pool: pool}
}

func (r *registry) ResolveEndpoint(ctx context.Context, projectID, participantID string) (*domain.Endpoint, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT w.id, w.workspace_id, w.bot_user_id, w.url, COALESCE(w.secret, '')
		FROM webhooks w
		JOIN projects p ON p.workspace_id = w.workspace_id
		WHERE p.id = $1
		  AND w.bot_user_id = $2
		  AND w.active
		ORDER BY w.updated_at DESC
		LIMIT 1
	`, projectID, participantID)

	var ep domain.Endpoint
	err := row.Scan(&ep.ID, &ep.WorkspaceID, &ep.BotUserID, &ep.URL, &ep.Secret)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &domain.NoEndpointError{ProjectID: projectID, ParticipantID: participantID}
		}
		return nil, fmt.Errorf("resolve endpoint for participant %s: %w", participantID, err)
	}
	return &ep, nil
}

func (r *registry) ListActiveBotIDs(ctx context.Context, projectID string) ([]string, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id
		FROM ai_participants
		WHERE project_id = $1 AND is_active
		ORDER BY created_at ASC
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list active bots for project %s: %w", projectID, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan participant id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
