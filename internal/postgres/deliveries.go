package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/relayboard/botqueue/internal/domain"
)

// DeliveryLog persists webhook delivery attempts and endpoint bookkeeping.
type DeliveryLog interface {
	Record(ctx context.Context, delivery *domain.WebhookDelivery) error
	// TouchEndpoint stamps the webhook's last_triggered_at after a send.
	TouchEndpoint(ctx context.Context, webhookID string, at time.Time) error
}

type deliveryLog struct {
	pool *pgxpool.Pool
}

// NewDeliveryLog wraps a pgxpool with the DeliveryLog interface.
func NewDeliveryLog(pool *pgxpool.Pool) DeliveryLog {
	return &deliveryLog{pool: pool}
}

func (l *deliveryLog) Record(ctx context.Context, delivery *domain.WebhookDelivery) error {
	if delivery.ID == "" {
		delivery.ID = uuid.New().String()
	}
	if delivery.DeliveredAt.IsZero() {
		delivery.DeliveredAt = time.Now().UTC()
	}
	_, err := l.pool.Exec(ctx, `
		INSERT INTO webhook_deliveries
			(id, webhook_id, task_id, event, response_status, response_body,
			 error_message, duration_ms, success, delivered_at)
		VALUES
			($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`,
		delivery.ID, delivery.WebhookID, delivery.TaskID, delivery.Event,
		zeroNull(delivery.ResponseStatus), nullable(delivery.ResponseBody),
		nullable(delivery.ErrorMessage), delivery.DurationMs, delivery.Success,
		delivery.DeliveredAt,
	)
	if err != nil {
		return fmt.Errorf("record delivery for task %s: %w", delivery.TaskID, err)
	}
	return nil
}

func (l *deliveryLog) TouchEndpoint(ctx context.Context, webhookID string, at time.Time) error {
	_, err := l.pool.Exec(ctx, `
		UPDATE webhooks SET last_triggered_at = $2 WHERE id = $1
	`, webhookID, at)
	if err != nil {
		return fmt.Errorf("touch webhook %s: %w", webhookID, err)
	}
	return nil
}

// zeroNull maps 0 to SQL NULL for deliveries that never got a response.
func zeroNull(n int) *int {
	if n == 0 {
		return nil
	}
	return &n
}
