package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/uztelco/dispatch/internal/domain/notification"
	"github.com/uztelco/dispatch/internal/log"
)

// Transport delivers one rendered intent to its recipient channel.
type Transport interface {
	Deliver(ctx context.Context, intent notification.Intent) error
}

// LogTransport writes deliveries to the structured log. It is the default
// transport when no broker is configured, and never fails.
type LogTransport struct{}

// Deliver logs the intent.
func (LogTransport) Deliver(_ context.Context, intent notification.Intent) error {
	log.Info(log.CatNotify, "notification delivered",
		"kind", intent.Kind, "request_id", intent.RequestID,
		"recipient_role", intent.RecipientRole, "recipient_id", intent.RecipientID)
	return nil
}

// subjectPrefix roots every notification subject.
const subjectPrefix = "dispatch.notify."

// NATSTransport publishes intents as JSON messages on a per-role subject,
// e.g. dispatch.notify.technician. Role group consumers subscribe to their
// subject; client-directed messages carry the recipient id in the payload.
type NATSTransport struct {
	conn *nats.Conn
}

// NewNATSTransport connects to the broker at url.
func NewNATSTransport(url string) (*NATSTransport, error) {
	conn, err := nats.Connect(url,
		nats.Name("dispatch-notify"),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats at %s: %w", url, err)
	}
	return &NATSTransport{conn: conn}, nil
}

// Deliver publishes the intent. NATS publish is fire-and-forget; a flush
// with the context deadline confirms the broker accepted it.
func (t *NATSTransport) Deliver(ctx context.Context, intent notification.Intent) error {
	payload, err := json.Marshal(intent)
	if err != nil {
		return fmt.Errorf("encoding intent: %w", err)
	}
	subject := subjectPrefix + string(intent.RecipientRole)
	if err := t.conn.Publish(subject, payload); err != nil {
		return fmt.Errorf("publishing to %s: %w", subject, err)
	}
	if err := t.conn.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("flushing %s: %w", subject, err)
	}
	return nil
}

// Close drains and closes the connection.
func (t *NATSTransport) Close() {
	if t.conn != nil {
		t.conn.Close()
	}
}
