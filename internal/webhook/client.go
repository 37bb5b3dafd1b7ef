package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/relayboard/botqueue/internal/domain"
	"github.com/relayboard/botqueue/internal/postgres"
)

const (
	userAgent = "Relayboard-Webhook/1.0"
	// How much of a response body is kept for diagnostics and audit.
	maxBodyEcho = 4 << 10
)

// deliveryBody is the wire contract POSTed to bot endpoints. Payload is
// the task's payload verbatim; the queue never interprets it.
type deliveryBody struct {
	TaskID        string          `json:"task_id"`
	ProjectID     string          `json:"project_id"`
	ParticipantID string          `json:"ai_participant_id"`
	TaskType      string          `json:"task_type"`
	ReferenceType *string         `json:"reference_type"`
	ReferenceID   *string         `json:"reference_id"`
	Payload       json.RawMessage `json:"payload"`
	Attempts      int             `json:"attempts"`
	MaxAttempts   int             `json:"max_attempts"`
}

// Deliverer POSTs a task to its resolved endpoint. A nil error means the
// endpoint acknowledged with a 2xx.
type Deliverer interface {
	Deliver(ctx context.Context, endpoint *domain.Endpoint, task *domain.Task) (*domain.WebhookDelivery, error)
}

// Client is the production Deliverer: a signed JSON POST with a bounded
// timeout, every attempt audited in webhook_deliveries.
type Client struct {
	http   *http.Client
	audit  postgres.DeliveryLog
	logger *slog.Logger
}

var _ Deliverer = (*Client)(nil)

// NewClient builds a delivery client. timeout bounds each delivery end to
// end; a hung endpoint can never block the dispatcher past it.
func NewClient(timeout time.Duration, audit postgres.DeliveryLog, logger *slog.Logger) *Client {
	return &Client{
		http:   &http.Client{Timeout: timeout},
		audit:  audit,
		logger: logger,
	}
}

func (c *Client) Deliver(ctx context.Context, endpoint *domain.Endpoint, task *domain.Task) (*domain.WebhookDelivery, error) {
	ctx, span := otel.Tracer("webhook").Start(ctx, "webhook.deliver")
	defer span.End()
	span.SetAttributes(
		attribute.String("task.id", task.ID),
		attribute.String("webhook.url", endpoint.URL),
	)

	body, err := json.Marshal(wireBody(task))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "marshal body failed")
		return nil, fmt.Errorf("marshal delivery body for task %s: %w", task.ID, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.URL, bytes.NewReader(body))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "build request failed")
		return nil, fmt.Errorf("build delivery request for task %s: %w", task.ID, err)
	}

	deliveryID := uuid.New().String()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("X-Webhook-Event", string(task.Type))
	req.Header.Set("X-Webhook-Delivery", deliveryID)
	if endpoint.Secret != "" {
		req.Header.Set("X-Webhook-Signature", sign(endpoint.Secret, body))
	}

	record := &domain.WebhookDelivery{
		ID:        deliveryID,
		WebhookID: endpoint.ID,
		TaskID:    task.ID,
		Event:     string(task.Type),
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	record.DurationMs = time.Since(start).Milliseconds()
	record.DeliveredAt = time.Now().UTC()

	if err != nil {
		record.ErrorMessage = err.Error()
		c.record(record)
		span.RecordError(err)
		span.SetStatus(codes.Error, "http call failed")
		return record, fmt.Errorf("deliver task %s to %s: %w", task.ID, endpoint.URL, err)
	}
	defer resp.Body.Close()

	echo, _ := io.ReadAll(io.LimitReader(resp.Body, maxBodyEcho))
	record.ResponseStatus = resp.StatusCode
	record.ResponseBody = string(echo)
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		failErr := &domain.DeliveryFailedError{Status: resp.StatusCode, Body: string(echo)}
		record.ErrorMessage = failErr.Error()
		c.record(record)
		span.SetStatus(codes.Error, "bad status code")
		return record, failErr
	}

	record.Success = true
	c.record(record)
	return record, nil
}

// record writes the audit row and endpoint bookkeeping. Audit failures
// are logged, never allowed to change a delivery outcome. A fresh
// context is used so a delivery timeout can't starve the writes.
func (c *Client) record(rec *domain.WebhookDelivery) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := c.audit.Record(ctx, rec); err != nil {
		c.logger.Error("record delivery",
			slog.String("task_id", rec.TaskID),
			slog.String("error", err.Error()),
		)
	}
	if err := c.audit.TouchEndpoint(ctx, rec.WebhookID, rec.DeliveredAt); err != nil {
		c.logger.Error("touch webhook",
			slog.String("webhook_id", rec.WebhookID),
			slog.String("error", err.Error()),
		)
	}
}

func wireBody(task *domain.Task) deliveryBody {
	return deliveryBody{
		TaskID:        task.ID,
		ProjectID:     task.ProjectID,
		ParticipantID: task.ParticipantID,
		TaskType:      string(task.Type),
		ReferenceType: optional(string(task.ReferenceType)),
		ReferenceID:   optional(task.ReferenceID),
		Payload:       task.Payload,
		Attempts:      task.Attempts,
		MaxAttempts:   task.MaxAttempts,
	}
}

// sign computes the signature bot services verify before trusting a call.
func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
