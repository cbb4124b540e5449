package sqlite

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/uztelco/dispatch/internal/domain/notification"
)

const retryColumns = `id, request_id, intent_kind, recipient_role, payload,
	retry_count, next_retry_at, last_error, needs_review, created_at`

// RetryRepo persists the notification retry queue. Entries survive restarts;
// the drain loop claims due rows and either deletes them on success or pushes
// their next attempt out.
type RetryRepo struct {
	q Querier
}

// NewRetryRepo returns a repo bound to q.
func NewRetryRepo(q Querier) *RetryRepo {
	return &RetryRepo{q: q}
}

// Insert enqueues one failed delivery and fills in its assigned id.
func (r *RetryRepo) Insert(e *notification.Retry) error {
	payload, err := encodeJSON(e.Payload)
	if err != nil {
		return fmt.Errorf("retry for %s: %w", e.RequestID, err)
	}
	res, err := r.q.Exec(`INSERT INTO notification_retries
		(request_id, intent_kind, recipient_role, payload, retry_count, next_retry_at,
		 last_error, needs_review, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.RequestID, string(e.Kind), string(e.RecipientRole), payload, e.RetryCount,
		e.NextRetryAt.Unix(), e.LastError, e.NeedsReview, e.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("inserting retry for %s: %w", e.RequestID, err)
	}
	e.ID, err = res.LastInsertId()
	return err
}

// Due returns entries whose next attempt is at or before now, oldest first,
// capped at limit. Entries flagged for review are excluded.
func (r *RetryRepo) Due(now time.Time, limit int) ([]*notification.Retry, error) {
	rows, err := r.q.Query(`SELECT `+retryColumns+` FROM notification_retries
		WHERE needs_review = 0 AND next_retry_at <= ?
		ORDER BY next_retry_at ASC, id ASC LIMIT ?`, now.Unix(), limit)
	if err != nil {
		return nil, fmt.Errorf("listing due retries: %w", err)
	}
	return scanRetries(rows)
}

// Reschedule records a failed attempt: bumps the count, sets the next due
// time and the last error.
func (r *RetryRepo) Reschedule(id int64, retryCount int, nextRetryAt time.Time, lastError string) error {
	_, err := r.q.Exec(`UPDATE notification_retries
		SET retry_count = ?, next_retry_at = ?, last_error = ?
		WHERE id = ?`, retryCount, nextRetryAt.Unix(), lastError, id)
	return err
}

// FlagForReview marks an entry exhausted; it leaves the retry rotation and
// waits for an operator.
func (r *RetryRepo) FlagForReview(id int64, lastError string) error {
	_, err := r.q.Exec(`UPDATE notification_retries
		SET needs_review = 1, last_error = ? WHERE id = ?`, lastError, id)
	return err
}

// Delete removes a delivered entry.
func (r *RetryRepo) Delete(id int64) error {
	_, err := r.q.Exec(`DELETE FROM notification_retries WHERE id = ?`, id)
	return err
}

// ListPending returns entries still in rotation, soonest attempt first.
func (r *RetryRepo) ListPending(limit int) ([]*notification.Retry, error) {
	rows, err := r.q.Query(`SELECT `+retryColumns+` FROM notification_retries
		WHERE needs_review = 0 ORDER BY next_retry_at ASC, id ASC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing pending retries: %w", err)
	}
	return scanRetries(rows)
}

// ListFlagged returns entries awaiting manual review, oldest first.
func (r *RetryRepo) ListFlagged() ([]*notification.Retry, error) {
	rows, err := r.q.Query(`SELECT ` + retryColumns + ` FROM notification_retries
		WHERE needs_review = 1 ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("listing flagged retries: %w", err)
	}
	return scanRetries(rows)
}

// CountPending returns the number of entries still in rotation.
func (r *RetryRepo) CountPending() (int, error) {
	var n int
	err := r.q.QueryRow(`SELECT COUNT(*) FROM notification_retries WHERE needs_review = 0`).Scan(&n)
	return n, err
}

func scanRetries(rows *sql.Rows) ([]*notification.Retry, error) {
	defer func() { _ = rows.Close() }()
	var out []*notification.Retry
	for rows.Next() {
		var m retryModel
		if err := rows.Scan(&m.ID, &m.RequestID, &m.IntentKind, &m.RecipientRole,
			&m.Payload, &m.RetryCount, &m.NextRetryAt, &m.LastError,
			&m.NeedsReview, &m.CreatedAt); err != nil {
			return nil, err
		}
		e, err := m.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
