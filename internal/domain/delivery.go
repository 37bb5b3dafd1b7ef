package domain

import "time"

// WebhookDelivery records a single outbound delivery attempt of a task to
// an endpoint, successful or not.
type WebhookDelivery struct {
	ID             string    `json:"id"`
	WebhookID      string    `json:"webhook_id"`
	TaskID         string    `json:"task_id"`
	Event          string    `json:"event"`
	ResponseStatus int       `json:"response_status,omitempty"`
	ResponseBody   string    `json:"response_body,omitempty"`
	ErrorMessage   string    `json:"error_message,omitempty"`
	DurationMs     int64     `json:"duration_ms"`
	Success        bool      `json:"success"`
	DeliveredAt    time.Time `json:"delivered_at"`
}
