package client

import "context"

// Notification is one message for one recipient.
type Notification struct {
	Recipient string
	Subject   string
	Body      string
	// Event classifies the notification: approval_requested, approval_reminder,
	// approval_escalated or workflow_notify.
	Event       string
	ExecutionID string
	Data        map[string]any
}

// Notifier delivers notifications. An error means the notification was not
// handed off; callers log it and carry on.
type Notifier interface {
	Send(ctx context.Context, n Notification) error
}

// EventDispatcher receives external events and reports how many executions
// they started. It is satisfied by the trigger registry.
type EventDispatcher interface {
	DispatchEvent(ctx context.Context, kind string, payload map[string]any) (int, error)
}
