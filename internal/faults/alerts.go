package faults

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Alert is an escalation notification raised for an integration error.
type Alert struct {
	ID        string        `json:"id"`
	ErrorID   string        `json:"error_id"`
	Severity  ErrorSeverity `json:"severity"`
	Source    string        `json:"source"`
	Message   string        `json:"message"`
	CreatedAt time.Time     `json:"created_at"`
}

// newAlert builds an alert for the error with an optional message override.
func newAlert(e *IntegrationError, message string) Alert {
	if message == "" {
		message = e.Message
	}
	return Alert{
		ID:        uuid.NewString(),
		ErrorID:   e.ID,
		Severity:  e.Severity,
		Source:    e.Source,
		Message:   message,
		CreatedAt: time.Now(),
	}
}

// AlertSink delivers alerts to a channel (log, dashboard, message queue).
// Delivery is at-least-once per registered sink; sink failures are logged
// and never propagate to the error path.
type AlertSink interface {
	Deliver(ctx context.Context, alert Alert) error
}

// Listener observes error lifecycle events. Registration replaces the
// implicit event-emitter wiring of older integrations: every registered
// listener is invoked at least once per event.
type Listener interface {
	ErrorOccurred(e *IntegrationError)
	ErrorResolved(e *IntegrationError)
	AlertCreated(a Alert)
}

// LogSink writes alerts to the service log.
type LogSink struct {
	Logger zerolog.Logger
}

// Deliver logs the alert.
func (s *LogSink) Deliver(_ context.Context, alert Alert) error {
	s.Logger.Warn().
		Str("alert_id", alert.ID).
		Str("error_id", alert.ErrorID).
		Str("severity", string(alert.Severity)).
		Str("source", alert.Source).
		Msg(alert.Message)
	return nil
}

// PubSubSink publishes alerts to a Pub/Sub topic for downstream dashboards
// and paging.
type PubSubSink struct {
	publisher *pubsub.Publisher
}

// NewPubSubSink creates a sink publishing to the given topic.
func NewPubSubSink(client *pubsub.Client, topicID string) *PubSubSink {
	return &PubSubSink{publisher: client.Publisher(topicID)}
}

// Deliver publishes the alert as JSON and waits for the server ack.
func (s *PubSubSink) Deliver(ctx context.Context, alert Alert) error {
	data, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}

	result := s.publisher.Publish(ctx, &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"severity": string(alert.Severity),
			"source":   alert.Source,
		},
	})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publish alert: %w", err)
	}
	return nil
}
