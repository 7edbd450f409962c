// Package notify dispatches fire-and-forget customer notifications. Message
// rendering and delivery live in an external worker; this side only hands
// off (contact, template, payload) over the bus.
package notify

import (
	"context"
	"log/slog"

	"paycore/internal/common/events"
	commonnats "paycore/internal/common/nats"
)

// Request is the dispatch payload handed to the notification worker.
type Request struct {
	Contact    string            `json:"contact"`
	TemplateID string            `json:"template_id"`
	Payload    map[string]string `json:"payload,omitempty"`
}

// Dispatcher publishes notification requests to the bus. Delivery failures
// are logged and dropped; notifications never block or fail the triggering
// operation.
type Dispatcher struct {
	publisher *commonnats.Publisher
	logger    *slog.Logger
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(publisher *commonnats.Publisher, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{publisher: publisher, logger: logger}
}

// Dispatch hands off one notification.
func (d *Dispatcher) Dispatch(ctx context.Context, contact, templateID string, payload map[string]string) {
	if contact == "" || templateID == "" {
		return
	}

	env, err := events.NewEnvelope(events.Type("notify."+templateID), "", &Request{
		Contact:    contact,
		TemplateID: templateID,
		Payload:    payload,
	})
	if err != nil {
		d.logger.Error("building notification", "template_id", templateID, "error", err)
		return
	}

	if err := d.publisher.Publish(ctx, events.SubjectNotify, env); err != nil {
		d.logger.Error("dispatching notification",
			"contact", contact,
			"template_id", templateID,
			"error", err,
		)
	}
}

// Noop is a Dispatcher substitute used when NATS is not configured and in
// tests.
type Noop struct{}

func (Noop) Dispatch(context.Context, string, string, map[string]string) {}
