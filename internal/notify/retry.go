package notify

import (
	"context"
	"time"

	"github.com/uztelco/dispatch/internal/domain/notification"
	"github.com/uztelco/dispatch/internal/infrastructure/sqlite"
	"github.com/uztelco/dispatch/internal/log"
)

const (
	// RetryBaseDelay is the wait before the first retry; doubled per attempt.
	RetryBaseDelay = 30 * time.Second
	// RetryMaxDelay caps the backoff.
	RetryMaxDelay = 30 * time.Minute
	// MaxRetryAttempts bounds retries before an entry is flagged for review.
	MaxRetryAttempts = 10
	// DrainInterval is how often the retry queue is scanned for due entries.
	DrainInterval = 15 * time.Second
	// drainBatchSize bounds entries claimed per scan.
	drainBatchSize = 50
)

// BackoffDelay returns the wait before the attempt after retryCount prior
// failures: base 30s, doubled each time, capped at 30 minutes.
func BackoffDelay(retryCount int) time.Duration {
	delay := RetryBaseDelay
	for i := 0; i < retryCount && delay < RetryMaxDelay; i++ {
		delay *= 2
	}
	if delay > RetryMaxDelay {
		delay = RetryMaxDelay
	}
	return delay
}

// RetryWorker drains the persistent retry queue on a fixed interval.
type RetryWorker struct {
	transport Transport
	retries   *sqlite.RetryRepo
	marker    ClientNotifiedMarker
	interval  time.Duration
	now       func() time.Time
}

// NewRetryWorker returns a worker over the transport and retry repo.
func NewRetryWorker(transport Transport, retries *sqlite.RetryRepo) *RetryWorker {
	return &RetryWorker{
		transport: transport,
		retries:   retries,
		interval:  DrainInterval,
		now:       time.Now,
	}
}

// SetInterval overrides the drain interval. Takes effect on the next Run.
func (w *RetryWorker) SetInterval(d time.Duration) {
	if d > 0 {
		w.interval = d
	}
}

// SetClientNotifiedMarker wires the state writer that stamps redelivered
// staff-created client notifications. Call before Run.
func (w *RetryWorker) SetClientNotifiedMarker(m ClientNotifiedMarker) {
	w.marker = m
}

// Run scans for due entries every interval until ctx is cancelled.
func (w *RetryWorker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.DrainOnce(ctx)
		}
	}
}

// DrainOnce attempts every due entry once. Successes leave the queue;
// failures are pushed out by the next backoff step, or flagged for manual
// review after the attempt limit.
func (w *RetryWorker) DrainOnce(ctx context.Context) {
	due, err := w.retries.Due(w.now(), drainBatchSize)
	if err != nil {
		log.ErrorErr(log.CatNotify, "loading due retries", err)
		return
	}
	for _, entry := range due {
		if ctx.Err() != nil {
			return
		}
		w.attempt(ctx, entry)
	}
}

func (w *RetryWorker) attempt(ctx context.Context, entry *notification.Retry) {
	intent := intentFromRetry(entry)
	err := w.transport.Deliver(ctx, intent)
	if err == nil {
		if delErr := w.retries.Delete(entry.ID); delErr != nil {
			log.ErrorErr(log.CatNotify, "removing delivered retry", delErr, "retry_id", entry.ID)
		}
		markClientNotified(w.marker, intent, w.now())
		log.Info(log.CatNotify, "retry delivered",
			"retry_id", entry.ID, "request_id", entry.RequestID,
			"attempts", entry.RetryCount+1)
		return
	}

	count := entry.RetryCount + 1
	if count >= MaxRetryAttempts {
		if flagErr := w.retries.FlagForReview(entry.ID, err.Error()); flagErr != nil {
			log.ErrorErr(log.CatNotify, "flagging exhausted retry", flagErr, "retry_id", entry.ID)
		}
		log.Error(log.CatNotify, "retry exhausted, flagged for review",
			"retry_id", entry.ID, "request_id", entry.RequestID, "attempts", count)
		return
	}

	next := w.now().Add(BackoffDelay(count))
	if rsErr := w.retries.Reschedule(entry.ID, count, next, err.Error()); rsErr != nil {
		log.ErrorErr(log.CatNotify, "rescheduling retry", rsErr, "retry_id", entry.ID)
		return
	}
	log.Warn(log.CatNotify, "retry failed, rescheduled",
		"retry_id", entry.ID, "request_id", entry.RequestID,
		"attempt", count, "next_at", next.Format(time.RFC3339))
}
