package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"

	"github.com/relayboard/botqueue/internal/domain"
)

// Producer publishes messages to a Kafka topic.
type Producer interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
	Close() error
}

type producer struct {
	writer *kafka.Writer
}

// NewProducer creates a Kafka producer connected to the given brokers.
func NewProducer(brokers []string) Producer {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Balancer:     &kafka.Hash{}, // route by key → deterministic partition
		RequiredAcks: kafka.RequireOne,
		MaxAttempts:  3,
		WriteTimeout: 10 * time.Second,
		ReadTimeout:  10 * time.Second,
		// Auto-create topics if they don't exist
		AllowAutoTopicCreation: true,
	}
	return &producer{writer: w}
}

func (p *producer) Publish(ctx context.Context, topic, key string, value []byte) error {
	// Inject the active trace context into message headers so downstream
	// consumers can extract and continue the trace.
	headers := make(HeaderCarrier, 0)
	otel.GetTextMapPropagator().Inject(ctx, &headers)

	err := p.writer.WriteMessages(ctx, kafka.Message{
		Topic:   topic,
		Key:     []byte(key),
		Value:   value,
		Headers: []kafka.Header(headers),
		Time:    time.Now(),
	})
	if err != nil {
		return fmt.Errorf("kafka publish to %s: %w", topic, err)
	}
	return nil
}

func (p *producer) Close() error {
	return p.writer.Close()
}

// LifecycleEvent is the record published when a task outcome is decided:
// completed, scheduled for retry, or failed for good. External consumers
// (notification fan-out, analytics) subscribe; the queue itself never
// reads this stream.
type LifecycleEvent struct {
	TaskID        string    `json:"task_id"`
	ProjectID     string    `json:"project_id"`
	ParticipantID string    `json:"ai_participant_id"`
	TaskType      string    `json:"task_type"`
	Status        string    `json:"status"`
	ErrorMessage  string    `json:"error_message,omitempty"`
	Attempts      int       `json:"attempts"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// Announcer publishes task lifecycle events keyed by task ID so one
// task's events stay ordered within a partition.
type Announcer struct {
	producer Producer
	topic    string
}

// NewAnnouncer wraps a producer with the lifecycle topic.
func NewAnnouncer(producer Producer, topic string) *Announcer {
	return &Announcer{producer: producer, topic: topic}
}

// Announce publishes the task's current status as a lifecycle record.
func (a *Announcer) Announce(ctx context.Context, task *domain.Task) error {
	evt := LifecycleEvent{
		TaskID:        task.ID,
		ProjectID:     task.ProjectID,
		ParticipantID: task.ParticipantID,
		TaskType:      string(task.Type),
		Status:        string(task.Status),
		ErrorMessage:  task.ErrorMessage,
		Attempts:      task.Attempts,
		OccurredAt:    time.Now().UTC(),
	}
	value, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal lifecycle event for task %s: %w", task.ID, err)
	}
	return a.producer.Publish(ctx, a.topic, task.ID, value)
}
