package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/uztelco/dispatch/internal/domain/request"
)

// ErrNotFound is returned when a row lookup matches nothing.
var ErrNotFound = errors.New("not found")

const requestColumns = `id, workflow_type, client_id, current_role, current_status, priority,
	description, location, contact_info, state_data, equipment_used, inventory_updated,
	completion_rating, feedback_comments, created_by_staff, staff_creator_id,
	staff_creator_role, creation_source, client_notified_at, created_at, updated_at`

// priorityWeight orders work lists: urgent first, then high, medium, low.
const priorityWeight = `CASE priority
	WHEN 'urgent' THEN 4
	WHEN 'high' THEN 3
	WHEN 'medium' THEN 2
	ELSE 1
END`

// RequestRepo persists requests. It runs over whatever Querier it is given,
// so the same repo code serves both direct reads and transactional writes.
type RequestRepo struct {
	q Querier
}

// NewRequestRepo returns a repo bound to q.
func NewRequestRepo(q Querier) *RequestRepo {
	return &RequestRepo{q: q}
}

// Insert stores a new request row.
func (r *RequestRepo) Insert(req *request.Request) error {
	m, err := toRequestModel(req)
	if err != nil {
		return err
	}
	_, err = r.q.Exec(`INSERT INTO requests (`+requestColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.WorkflowType, m.ClientID, m.CurrentRole, m.CurrentStatus, m.Priority,
		m.Description, m.Location, m.ContactInfo, m.StateData, m.EquipmentUsed, m.InventoryUpdated,
		m.CompletionRating, m.FeedbackComments, m.CreatedByStaff, m.StaffCreatorID,
		m.StaffCreatorRole, m.CreationSource, m.ClientNotifiedAt, m.CreatedAt, m.UpdatedAt)
	if err != nil {
		return fmt.Errorf("inserting request %s: %w", req.ID, err)
	}
	return nil
}

// Get fetches one request by id.
func (r *RequestRepo) Get(id string) (*request.Request, error) {
	row := r.q.QueryRow(`SELECT `+requestColumns+` FROM requests WHERE id = ?`, id)
	req, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("request %s: %w", id, ErrNotFound)
	}
	return req, err
}

// Update rewrites the mutable columns of a request row.
func (r *RequestRepo) Update(req *request.Request) error {
	m, err := toRequestModel(req)
	if err != nil {
		return err
	}
	res, err := r.q.Exec(`UPDATE requests SET
		current_role = ?, current_status = ?, priority = ?, description = ?, location = ?,
		contact_info = ?, state_data = ?, equipment_used = ?, inventory_updated = ?,
		completion_rating = ?, feedback_comments = ?, client_notified_at = ?, updated_at = ?
		WHERE id = ?`,
		m.CurrentRole, m.CurrentStatus, m.Priority, m.Description, m.Location,
		m.ContactInfo, m.StateData, m.EquipmentUsed, m.InventoryUpdated,
		m.CompletionRating, m.FeedbackComments, m.ClientNotifiedAt, m.UpdatedAt,
		m.ID)
	if err != nil {
		return fmt.Errorf("updating request %s: %w", req.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("request %s: %w", req.ID, ErrNotFound)
	}
	return nil
}

// MarkInventoryUpdated flips the inventory flag without touching the rest of
// the row. Reconciliation uses it on already-completed requests, which the
// state manager would refuse to update.
func (r *RequestRepo) MarkInventoryUpdated(id string, at time.Time) error {
	res, err := r.q.Exec(`UPDATE requests SET inventory_updated = 1, updated_at = ? WHERE id = ?`,
		at.Unix(), id)
	if err != nil {
		return fmt.Errorf("marking inventory updated for %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("request %s: %w", id, ErrNotFound)
	}
	return nil
}

// ListByRole returns the active work list for a role: non-terminal requests
// routed to the role, highest priority first, oldest first within a priority.
func (r *RequestRepo) ListByRole(role request.Role) ([]*request.Request, error) {
	rows, err := r.q.Query(`SELECT `+requestColumns+` FROM requests
		WHERE current_role = ? AND current_status NOT IN ('completed', 'cancelled')
		ORDER BY `+priorityWeight+` DESC, created_at ASC, id ASC`, string(role))
	if err != nil {
		return nil, fmt.Errorf("listing requests for role %s: %w", role, err)
	}
	return scanRequests(rows)
}

// ListByClient returns every request a client ever filed, newest first.
func (r *RequestRepo) ListByClient(clientID int64) ([]*request.Request, error) {
	rows, err := r.q.Query(`SELECT `+requestColumns+` FROM requests
		WHERE client_id = ? ORDER BY created_at DESC, id DESC`, clientID)
	if err != nil {
		return nil, fmt.Errorf("listing requests for client %d: %w", clientID, err)
	}
	return scanRequests(rows)
}

// ListByStatus returns requests in a lifecycle status, oldest first.
func (r *RequestRepo) ListByStatus(status request.Status) ([]*request.Request, error) {
	rows, err := r.q.Query(`SELECT `+requestColumns+` FROM requests
		WHERE current_status = ? ORDER BY created_at ASC, id ASC`, string(status))
	if err != nil {
		return nil, fmt.Errorf("listing requests with status %s: %w", status, err)
	}
	return scanRequests(rows)
}

// ListStaleBefore returns non-terminal requests not touched since cutoff,
// stalest first. Used by stuck-workflow detection.
func (r *RequestRepo) ListStaleBefore(cutoff time.Time) ([]*request.Request, error) {
	rows, err := r.q.Query(`SELECT `+requestColumns+` FROM requests
		WHERE current_status NOT IN ('completed', 'cancelled') AND updated_at < ?
		ORDER BY updated_at ASC, id ASC`, cutoff.Unix())
	if err != nil {
		return nil, fmt.Errorf("listing stale requests: %w", err)
	}
	return scanRequests(rows)
}

// CountActive returns the number of non-terminal requests.
func (r *RequestRepo) CountActive() (int, error) {
	var n int
	err := r.q.QueryRow(`SELECT COUNT(*) FROM requests
		WHERE current_status NOT IN ('completed', 'cancelled')`).Scan(&n)
	return n, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (*request.Request, error) {
	var m requestModel
	err := row.Scan(&m.ID, &m.WorkflowType, &m.ClientID, &m.CurrentRole, &m.CurrentStatus,
		&m.Priority, &m.Description, &m.Location, &m.ContactInfo, &m.StateData,
		&m.EquipmentUsed, &m.InventoryUpdated, &m.CompletionRating, &m.FeedbackComments,
		&m.CreatedByStaff, &m.StaffCreatorID, &m.StaffCreatorRole, &m.CreationSource,
		&m.ClientNotifiedAt, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return m.toDomain()
}

func scanRequests(rows *sql.Rows) ([]*request.Request, error) {
	defer func() { _ = rows.Close() }()
	var out []*request.Request
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, rows.Err()
}
