// Package state is the single writer for workflow state. Every mutation of a
// request and its audit trail goes through a Manager transaction: the request
// row update and the transition append either both land or neither does.
package state

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/uztelco/dispatch/internal/domain/request"
	"github.com/uztelco/dispatch/internal/infrastructure/sqlite"
	"github.com/uztelco/dispatch/internal/log"
	"github.com/uztelco/dispatch/internal/pubsub"
)

// ErrTerminalRequest is returned when a mutation targets a completed or
// cancelled request.
var ErrTerminalRequest = errors.New("request is in a terminal status")

// Manager owns all request-state reads and writes.
type Manager struct {
	db     *sql.DB
	broker *pubsub.Broker[*request.Request]
	now    func() time.Time
	begin  func() (*sql.Tx, error)
	sleep  func(time.Duration)
}

// NewManager returns a manager over the database. Request snapshots are
// published on the broker after every committed mutation.
func NewManager(db *sqlite.DB, broker *pubsub.Broker[*request.Request]) *Manager {
	conn := db.Conn()
	return &Manager{
		db:     conn,
		broker: broker,
		now:    time.Now,
		begin:  conn.Begin,
		sleep:  time.Sleep,
	}
}

// CreateRequest persists a new request together with its initiation
// transition row, and the staff audit row when the request was created on
// behalf of a client. One transaction covers all three.
func (m *Manager) CreateRequest(req *request.Request, initiation *request.Transition, audit *request.StaffAudit) error {
	err := m.withTx(func(tx *sql.Tx) error {
		if err := sqlite.NewRequestRepo(tx).Insert(req); err != nil {
			return err
		}
		if err := sqlite.NewTransitionRepo(tx).Insert(initiation); err != nil {
			return err
		}
		if audit != nil {
			if err := sqlite.NewStaffAuditRepo(tx).Insert(audit); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	log.Info(log.CatEngine, "request created",
		"request_id", req.ID, "workflow", req.WorkflowType, "role", req.CurrentRole,
		"staff_created", req.CreatedByStaff)
	m.publish(pubsub.CreatedEvent, req)
	return nil
}

// Update describes one state mutation. Zero-valued fields leave the request
// untouched; StateData entries are merged key by key.
type Update struct {
	Role     request.Role
	Status   request.Status
	Priority request.Priority

	StateData     map[string]any
	AppendedEquip []request.Equipment
	// MarkInventoryUpdated flips the once-only inventory flag.
	MarkInventoryUpdated bool
	CompletionRating     *int
	FeedbackComments     string
	ClientNotifiedAt     *time.Time

	// Transition, when non-nil, is appended in the same transaction.
	Transition *request.Transition
}

// UpdateRequestState loads the request, applies the update and appends the
// transition row atomically. The returned snapshot reflects the committed
// state.
func (m *Manager) UpdateRequestState(id string, up Update) (*request.Request, error) {
	var snapshot *request.Request
	err := m.withTx(func(tx *sql.Tx) error {
		repo := sqlite.NewRequestRepo(tx)
		req, err := repo.Get(id)
		if err != nil {
			return err
		}
		if req.IsTerminal() {
			return fmt.Errorf("request %s: %w", id, ErrTerminalRequest)
		}

		applyUpdate(req, up, m.now())
		if err := repo.Update(req); err != nil {
			return err
		}
		if up.Transition != nil {
			if err := sqlite.NewTransitionRepo(tx).Insert(up.Transition); err != nil {
				return err
			}
		}
		snapshot = req
		return nil
	})
	if err != nil {
		return nil, err
	}
	log.Info(log.CatEngine, "request updated",
		"request_id", id, "role", snapshot.CurrentRole, "status", snapshot.CurrentStatus)
	m.publish(pubsub.UpdatedEvent, snapshot)
	return snapshot, nil
}

func applyUpdate(req *request.Request, up Update, now time.Time) {
	if up.Role != "" {
		req.CurrentRole = up.Role
	}
	if up.Status != "" {
		req.CurrentStatus = up.Status
	}
	if up.Priority != "" {
		req.Priority = up.Priority
	}
	if len(up.StateData) > 0 {
		merged := req.CloneStateData()
		for k, v := range up.StateData {
			merged[k] = v
		}
		req.StateData = merged
	}
	if len(up.AppendedEquip) > 0 {
		req.EquipmentUsed = append(req.EquipmentUsed, up.AppendedEquip...)
	}
	if up.MarkInventoryUpdated {
		req.InventoryUpdated = true
	}
	if up.CompletionRating != nil {
		req.CompletionRating = up.CompletionRating
	}
	if up.FeedbackComments != "" {
		req.FeedbackComments = up.FeedbackComments
	}
	if up.ClientNotifiedAt != nil {
		req.ClientNotifiedAt = up.ClientNotifiedAt
	}
	req.UpdatedAt = now
}

// MarkClientNotified stamps the moment the client heard about their
// staff-created request, on the request row and the staff audit row. The
// stamp is once-only and does not bump UpdatedAt, so it never masks a stuck
// workflow. Already-stamped requests are left alone.
func (m *Manager) MarkClientNotified(id string, at time.Time) error {
	return m.withTx(func(tx *sql.Tx) error {
		repo := sqlite.NewRequestRepo(tx)
		req, err := repo.Get(id)
		if err != nil {
			return err
		}
		if req.ClientNotifiedAt != nil {
			return nil
		}
		req.ClientNotifiedAt = &at
		if err := repo.Update(req); err != nil {
			return err
		}
		if req.CreatedByStaff {
			return sqlite.NewStaffAuditRepo(tx).MarkClientNotified(id)
		}
		return nil
	})
}

// RecordStateTransition appends an audit row without touching the request,
// used for intermediate actions that only leave a trail.
func (m *Manager) RecordStateTransition(t *request.Transition) error {
	return m.withTx(func(tx *sql.Tx) error {
		return sqlite.NewTransitionRepo(tx).Insert(t)
	})
}

// Get returns one request.
func (m *Manager) Get(id string) (*request.Request, error) {
	return sqlite.NewRequestRepo(m.db).Get(id)
}

// ByRole returns a role's active work list, highest priority first, oldest
// first within a priority.
func (m *Manager) ByRole(role request.Role) ([]*request.Request, error) {
	return sqlite.NewRequestRepo(m.db).ListByRole(role)
}

// ByClient returns a client's requests, newest first.
func (m *Manager) ByClient(clientID int64) ([]*request.Request, error) {
	return sqlite.NewRequestRepo(m.db).ListByClient(clientID)
}

// ByStatus returns requests in a lifecycle status.
func (m *Manager) ByStatus(status request.Status) ([]*request.Request, error) {
	return sqlite.NewRequestRepo(m.db).ListByStatus(status)
}

// History returns the full audit trail of a request in applied order.
func (m *Manager) History(id string) ([]*request.Transition, error) {
	return sqlite.NewTransitionRepo(m.db).ListByRequest(id)
}

// StaleBefore returns non-terminal requests untouched since cutoff.
func (m *Manager) StaleBefore(cutoff time.Time) ([]*request.Request, error) {
	return sqlite.NewRequestRepo(m.db).ListStaleBefore(cutoff)
}

// withTx runs fn in a transaction, replaying transient failures (lock
// contention, store timeouts) with exponential backoff. Each attempt starts
// from a fresh transaction, so fn must re-read anything it mutates.
func (m *Manager) withTx(fn func(tx *sql.Tx) error) error {
	var lastErr error
	delay := retryBaseDelay
	for attempt := 1; attempt <= maxCommitAttempts; attempt++ {
		lastErr = m.runTx(fn)
		if lastErr == nil {
			return nil
		}
		if !IsTransient(lastErr) {
			return lastErr
		}
		if attempt < maxCommitAttempts {
			log.Warn(log.CatDB, "state write retry",
				"attempt", attempt, "delay", delay, "error", lastErr.Error())
			m.sleep(delay)
			delay *= 2
		}
	}
	return fmt.Errorf("state write after %d attempts: %w", maxCommitAttempts, lastErr)
}

func (m *Manager) runTx(fn func(tx *sql.Tx) error) error {
	tx, err := m.begin()
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			log.ErrorErr(log.CatDB, "rollback failed", rbErr)
		}
		return err
	}
	return tx.Commit()
}

func (m *Manager) publish(et pubsub.EventType, req *request.Request) {
	if m.broker != nil {
		m.broker.Publish(et, req)
	}
}

// IsTransient reports whether an error looks like lock contention or a
// store timeout worth retrying.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "deadline exceeded")
}
