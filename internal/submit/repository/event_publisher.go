package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"hive/internal/common/mq"
	"hive/pkg/errors"
)

// EventSubmissionCompleted is the type header of completion events.
const EventSubmissionCompleted = "submission.completed"

// CompletionEvent is published once a submission has a stored result.
type CompletionEvent struct {
	SubmissionID string    `json:"submission_id"`
	UserID       int64     `json:"user_id"`
	ProjectID    int64     `json:"project_id"`
	Grade        int       `json:"grade"`
	Stage        string    `json:"stage"`
	CompletedAt  time.Time `json:"completed_at"`
}

// EventPublisher publishes completion events to a message queue.
type EventPublisher struct {
	producer mq.Producer
	topic    string
}

// NewEventPublisher creates a completion event publisher.
func NewEventPublisher(producer mq.Producer, topic string) *EventPublisher {
	return &EventPublisher{producer: producer, topic: topic}
}

// PublishCompleted publishes a completion event keyed by submission id.
func (p *EventPublisher) PublishCompleted(ctx context.Context, event CompletionEvent) error {
	if p == nil || p.producer == nil {
		return errors.New(errors.ServiceUnavailable).WithMessage("event publisher is not configured")
	}
	if p.topic == "" {
		return errors.New(errors.InvalidParams).WithMessage("event topic is required")
	}
	if event.SubmissionID == "" {
		return errors.ValidationError("submission_id", "required")
	}
	if event.CompletedAt.IsZero() {
		event.CompletedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal completion event failed: %w", err)
	}
	message := mq.NewMessage(payload)
	message.ID = event.SubmissionID
	message.SetHeader("type", EventSubmissionCompleted)
	message.SetHeader("project_id", strconv.FormatInt(event.ProjectID, 10))
	if err := p.producer.Publish(ctx, p.topic, message); err != nil {
		return errors.Wrapf(err, errors.ServiceUnavailable, "publish completion event failed")
	}
	return nil
}
