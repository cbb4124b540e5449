package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/uztelco/dispatch/internal/domain/request"
)

const auditColumns = `application_id, creator_id, creator_role, client_id, application_type,
	creation_timestamp, client_notified, workflow_initiated, metadata`

// StaffAuditRepo persists the denormalised audit rows kept for requests
// created by staff on behalf of clients. Daily quota counting reads from
// here rather than the requests table so cancelled applications still count.
type StaffAuditRepo struct {
	q Querier
}

// NewStaffAuditRepo returns a repo bound to q.
func NewStaffAuditRepo(q Querier) *StaffAuditRepo {
	return &StaffAuditRepo{q: q}
}

// Insert stores one audit row.
func (r *StaffAuditRepo) Insert(a *request.StaffAudit) error {
	meta, err := encodeJSON(a.Metadata)
	if err != nil {
		return fmt.Errorf("staff audit %s: %w", a.ApplicationID, err)
	}
	_, err = r.q.Exec(`INSERT INTO staff_application_audit (`+auditColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ApplicationID, a.CreatorID, string(a.CreatorRole), a.ClientID,
		string(a.ApplicationType), a.CreationTimestamp.Unix(),
		a.ClientNotified, a.WorkflowInitiated, meta)
	if err != nil {
		return fmt.Errorf("inserting staff audit %s: %w", a.ApplicationID, err)
	}
	return nil
}

// Get fetches the audit row for an application.
func (r *StaffAuditRepo) Get(applicationID string) (*request.StaffAudit, error) {
	row := r.q.QueryRow(`SELECT `+auditColumns+` FROM staff_application_audit
		WHERE application_id = ?`, applicationID)
	var m staffAuditModel
	err := row.Scan(&m.ApplicationID, &m.CreatorID, &m.CreatorRole, &m.ClientID,
		&m.ApplicationType, &m.CreationTimestamp, &m.ClientNotified,
		&m.WorkflowInitiated, &m.Metadata)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("staff audit %s: %w", applicationID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return m.toDomain()
}

// CountForCreatorSince counts applications a creator filed at or after the
// given instant. The quota layer passes local midnight.
func (r *StaffAuditRepo) CountForCreatorSince(creatorID int64, since time.Time) (int, error) {
	var n int
	err := r.q.QueryRow(`SELECT COUNT(*) FROM staff_application_audit
		WHERE creator_id = ? AND creation_timestamp >= ?`,
		creatorID, since.Unix()).Scan(&n)
	return n, err
}

// MarkClientNotified records that the on-behalf client notification went out.
func (r *StaffAuditRepo) MarkClientNotified(applicationID string) error {
	_, err := r.q.Exec(`UPDATE staff_application_audit SET client_notified = 1
		WHERE application_id = ?`, applicationID)
	return err
}

// ListForCreator returns a creator's audit rows, newest first.
func (r *StaffAuditRepo) ListForCreator(creatorID int64) ([]*request.StaffAudit, error) {
	rows, err := r.q.Query(`SELECT `+auditColumns+` FROM staff_application_audit
		WHERE creator_id = ? ORDER BY creation_timestamp DESC`, creatorID)
	if err != nil {
		return nil, fmt.Errorf("listing staff audit for creator %d: %w", creatorID, err)
	}
	defer func() { _ = rows.Close() }()

	var out []*request.StaffAudit
	for rows.Next() {
		var m staffAuditModel
		if err := rows.Scan(&m.ApplicationID, &m.CreatorID, &m.CreatorRole, &m.ClientID,
			&m.ApplicationType, &m.CreationTimestamp, &m.ClientNotified,
			&m.WorkflowInitiated, &m.Metadata); err != nil {
			return nil, err
		}
		a, err := m.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
