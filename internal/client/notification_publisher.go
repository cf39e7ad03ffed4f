package client

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pesio-ai/be-plt-workflows/internal/logger"
)

// Publisher is the subset of *nats.Conn used to publish notifications.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NotificationPublisher publishes workflow notifications to NATS for
// consumption by the notifications service.
//
// Subject convention: <prefix>.<event>, e.g. notifications.workflows.approval_requested
type NotificationPublisher struct {
	conn   Publisher
	prefix string
	log    *logger.Logger
}

// NotificationEvent is the JSON schema published to NATS.
type NotificationEvent struct {
	EventType    string         `json:"event_type"`
	Recipients   []string       `json:"recipients"`
	Subject      string         `json:"subject"`
	Body         string         `json:"body,omitempty"`
	ResourceType string         `json:"resource_type,omitempty"`
	ResourceID   string         `json:"resource_id,omitempty"`
	IsActionable bool           `json:"is_actionable,omitempty"`
	Severity     string         `json:"severity,omitempty"`
	Category     string         `json:"category,omitempty"`
	Payload      map[string]any `json:"payload,omitempty"`
}

// NewNotificationPublisher creates a publisher on conn. prefix defaults to
// "notifications.workflows".
func NewNotificationPublisher(conn Publisher, prefix string, log *logger.Logger) *NotificationPublisher {
	if prefix == "" {
		prefix = "notifications.workflows"
	}
	return &NotificationPublisher{conn: conn, prefix: strings.TrimSuffix(prefix, "."), log: log.Component("notification_publisher")}
}

// Send publishes n. Delivery is fire-and-forget beyond the NATS client buffer.
func (p *NotificationPublisher) Send(ctx context.Context, n Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if n.Recipient == "" {
		return fmt.Errorf("notification %q has no recipient", n.Event)
	}

	eventType := n.Event
	if eventType == "" {
		eventType = "workflow_notify"
	}
	severity := "info"
	if eventType == "approval_escalated" {
		severity = "warning"
	}

	event := &NotificationEvent{
		EventType:    eventType,
		Recipients:   []string{n.Recipient},
		Subject:      n.Subject,
		Body:         n.Body,
		ResourceType: "workflow_execution",
		ResourceID:   n.ExecutionID,
		IsActionable: strings.HasPrefix(eventType, "approval_"),
		Severity:     severity,
		Category:     "workflow",
		Payload:      n.Data,
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	subject := p.prefix + "." + eventType
	if err := p.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}

	p.log.Debug().
		Str("subject", subject).
		Str("recipient", n.Recipient).
		Str("execution_id", n.ExecutionID).
		Msg("Notification published")
	return nil
}

// LogNotifier writes notifications to the log. It is used when no NATS
// server is configured.
type LogNotifier struct {
	log *logger.Logger
}

func NewLogNotifier(log *logger.Logger) *LogNotifier {
	return &LogNotifier{log: log.Component("log_notifier")}
}

func (n *LogNotifier) Send(_ context.Context, note Notification) error {
	n.log.Info().
		Str("event", note.Event).
		Str("recipient", note.Recipient).
		Str("execution_id", note.ExecutionID).
		Str("subject", note.Subject).
		Msg("Notification")
	return nil
}
