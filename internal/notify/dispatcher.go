// Package notify delivers notification intents emitted by the workflow
// engine. Delivery is asynchronous but strictly ordered per submission;
// failures land in a persistent retry queue drained with exponential
// backoff, and exhausted entries are flagged for manual review.
package notify

import (
	"context"
	"sync"
	"time"

	"github.com/uztelco/dispatch/internal/domain/notification"
	"github.com/uztelco/dispatch/internal/infrastructure/sqlite"
	"github.com/uztelco/dispatch/internal/log"
)

const defaultQueueSize = 256

// ClientNotifiedMarker stamps the moment a staff-created request's client
// notification actually reached the client.
type ClientNotifiedMarker interface {
	MarkClientNotified(requestID string, at time.Time) error
}

// markClientNotified records a delivered staff-created client notification.
// Other kinds, and deliveries without a marker, are ignored.
func markClientNotified(marker ClientNotifiedMarker, intent notification.Intent, at time.Time) {
	if marker == nil || intent.Kind != notification.KindStaffCreated {
		return
	}
	if err := marker.MarkClientNotified(intent.RequestID, at); err != nil {
		log.ErrorErr(log.CatNotify, "marking client notified", err,
			"request_id", intent.RequestID)
	}
}

// Dispatcher queues intents and delivers them in order on a single worker
// goroutine. A failed delivery is parked in the retry queue instead of
// blocking the intents behind it.
type Dispatcher struct {
	transport Transport
	retries   *sqlite.RetryRepo
	marker    ClientNotifiedMarker

	queue chan notification.Intent
	wg    sync.WaitGroup
	now   func() time.Time
}

// NewDispatcher returns a dispatcher over the transport, persisting failures
// into the retry repo.
func NewDispatcher(transport Transport, retries *sqlite.RetryRepo) *Dispatcher {
	return &Dispatcher{
		transport: transport,
		retries:   retries,
		queue:     make(chan notification.Intent, defaultQueueSize),
		now:       time.Now,
	}
}

// SetClientNotifiedMarker wires the state writer that stamps delivered
// staff-created client notifications. Call before Run.
func (d *Dispatcher) SetClientNotifiedMarker(m ClientNotifiedMarker) {
	d.marker = m
}

// Send enqueues intents in the given order. When the queue is full the
// intent goes straight to the retry queue rather than being dropped.
func (d *Dispatcher) Send(intents ...notification.Intent) {
	for _, intent := range intents {
		select {
		case d.queue <- intent:
		default:
			log.Warn(log.CatNotify, "dispatch queue full, parking intent",
				"kind", intent.Kind, "request_id", intent.RequestID)
			d.park(intent, "dispatch queue full")
		}
	}
}

// Run delivers queued intents until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	d.wg.Add(1)
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case intent := <-d.queue:
			d.deliver(ctx, intent)
		}
	}
}

// Wait blocks until the delivery loop exits.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// QueueLength reports intents awaiting first delivery.
func (d *Dispatcher) QueueLength() int {
	return len(d.queue)
}

func (d *Dispatcher) deliver(ctx context.Context, intent notification.Intent) {
	if err := d.transport.Deliver(ctx, intent); err != nil {
		log.Warn(log.CatNotify, "delivery failed, queueing retry",
			"kind", intent.Kind, "request_id", intent.RequestID, "error", err)
		d.park(intent, err.Error())
		return
	}
	markClientNotified(d.marker, intent, d.now())
}

// park persists a failed intent as a retry entry due after the first
// backoff interval.
func (d *Dispatcher) park(intent notification.Intent, cause string) {
	if d.retries == nil {
		return
	}
	now := d.now()
	entry := &notification.Retry{
		RequestID:     intent.RequestID,
		Kind:          intent.Kind,
		RecipientRole: intent.RecipientRole,
		Payload:       retryPayload(intent),
		RetryCount:    0,
		NextRetryAt:   now.Add(RetryBaseDelay),
		LastError:     cause,
		CreatedAt:     now,
	}
	if err := d.retries.Insert(entry); err != nil {
		log.ErrorErr(log.CatNotify, "parking intent failed", err,
			"request_id", intent.RequestID)
	}
}

// retryPayload folds the intent's addressing into the stored payload so a
// retry entry can be replayed without the original intent.
func retryPayload(intent notification.Intent) map[string]any {
	payload := make(map[string]any, len(intent.Payload)+2)
	for k, v := range intent.Payload {
		payload[k] = v
	}
	payload["recipient_id"] = intent.RecipientID
	payload["language"] = intent.Language
	return payload
}

// intentFromRetry reconstructs a deliverable intent from a stored entry.
func intentFromRetry(e *notification.Retry) notification.Intent {
	intent := notification.Intent{
		Kind:          e.Kind,
		RequestID:     e.RequestID,
		RecipientRole: e.RecipientRole,
		Payload:       make(map[string]any, len(e.Payload)),
	}
	for k, v := range e.Payload {
		switch k {
		case "recipient_id":
			if id, ok := v.(float64); ok {
				intent.RecipientID = int64(id)
			}
			if id, ok := v.(int64); ok {
				intent.RecipientID = id
			}
		case "language":
			intent.Language, _ = v.(string)
		default:
			intent.Payload[k] = v
		}
	}
	return intent
}
