package sqlite

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/uztelco/dispatch/internal/domain/fault"
)

const errorColumns = `id, category, severity, message, context, created_at, resolved_at`

// ErrorLogRepo persists classified failures for the health report.
type ErrorLogRepo struct {
	q Querier
}

// NewErrorLogRepo returns a repo bound to q.
func NewErrorLogRepo(q Querier) *ErrorLogRepo {
	return &ErrorLogRepo{q: q}
}

// Insert stores one error record and fills in its assigned id.
func (r *ErrorLogRepo) Insert(rec *fault.Record) error {
	ctx, err := encodeJSON(rec.Context)
	if err != nil {
		return fmt.Errorf("error record: %w", err)
	}
	res, err := r.q.Exec(`INSERT INTO error_records
		(category, severity, message, context, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		string(rec.Category), string(rec.Severity), rec.Message, ctx, rec.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("inserting error record: %w", err)
	}
	rec.ID, err = res.LastInsertId()
	return err
}

// Resolve stamps a record resolved.
func (r *ErrorLogRepo) Resolve(id int64, at time.Time) error {
	_, err := r.q.Exec(`UPDATE error_records SET resolved_at = ? WHERE id = ?`,
		at.Unix(), id)
	return err
}

// ListSince returns records created at or after the instant, newest first.
func (r *ErrorLogRepo) ListSince(since time.Time) ([]*fault.Record, error) {
	rows, err := r.q.Query(`SELECT `+errorColumns+` FROM error_records
		WHERE created_at >= ? ORDER BY created_at DESC, id DESC`, since.Unix())
	if err != nil {
		return nil, fmt.Errorf("listing error records: %w", err)
	}
	return scanErrorRecords(rows)
}

// CountBySeveritySince returns unresolved-record counts per severity since
// the instant. The health report derives its verdict from these.
func (r *ErrorLogRepo) CountBySeveritySince(since time.Time) (map[fault.Severity]int, error) {
	rows, err := r.q.Query(`SELECT severity, COUNT(*) FROM error_records
		WHERE created_at >= ? AND resolved_at IS NULL
		GROUP BY severity`, since.Unix())
	if err != nil {
		return nil, fmt.Errorf("counting error records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[fault.Severity]int)
	for rows.Next() {
		var sev string
		var n int
		if err := rows.Scan(&sev, &n); err != nil {
			return nil, err
		}
		out[fault.Severity(sev)] = n
	}
	return out, rows.Err()
}

func scanErrorRecords(rows *sql.Rows) ([]*fault.Record, error) {
	defer func() { _ = rows.Close() }()
	var out []*fault.Record
	for rows.Next() {
		var m errorModel
		if err := rows.Scan(&m.ID, &m.Category, &m.Severity, &m.Message, &m.Context,
			&m.CreatedAt, &m.ResolvedAt); err != nil {
			return nil, err
		}
		rec, err := m.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
