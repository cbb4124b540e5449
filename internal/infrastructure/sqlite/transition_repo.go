package sqlite

import (
	"database/sql"
	"fmt"

	"github.com/uztelco/dispatch/internal/domain/request"
)

const transitionColumns = `id, request_id, from_role, to_role, action, actor_id,
	transition_data, comments, created_at`

// TransitionRepo persists the append-only transition audit. Rows are never
// updated or deleted.
type TransitionRepo struct {
	q Querier
}

// NewTransitionRepo returns a repo bound to q.
func NewTransitionRepo(q Querier) *TransitionRepo {
	return &TransitionRepo{q: q}
}

// Insert appends one audit row and fills in its assigned id.
func (r *TransitionRepo) Insert(t *request.Transition) error {
	data, err := encodeJSON(t.TransitionData)
	if err != nil {
		return fmt.Errorf("transition for %s: %w", t.RequestID, err)
	}
	var from, to sql.NullString
	if t.FromRole != nil {
		from = sql.NullString{String: string(*t.FromRole), Valid: true}
	}
	if t.ToRole != nil {
		to = sql.NullString{String: string(*t.ToRole), Valid: true}
	}
	res, err := r.q.Exec(`INSERT INTO state_transitions
		(request_id, from_role, to_role, action, actor_id, transition_data, comments, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.RequestID, from, to, string(t.Action), t.ActorID, data, t.Comments, t.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("inserting transition for %s: %w", t.RequestID, err)
	}
	t.ID, err = res.LastInsertId()
	return err
}

// ListByRequest returns the full audit trail of a request in applied order.
// Insertion id breaks created-at ties.
func (r *TransitionRepo) ListByRequest(requestID string) ([]*request.Transition, error) {
	rows, err := r.q.Query(`SELECT `+transitionColumns+` FROM state_transitions
		WHERE request_id = ? ORDER BY created_at ASC, id ASC`, requestID)
	if err != nil {
		return nil, fmt.Errorf("listing transitions for %s: %w", requestID, err)
	}
	defer func() { _ = rows.Close() }()

	var out []*request.Transition
	for rows.Next() {
		var m transitionModel
		if err := rows.Scan(&m.ID, &m.RequestID, &m.FromRole, &m.ToRole, &m.Action,
			&m.ActorID, &m.TransitionData, &m.Comments, &m.CreatedAt); err != nil {
			return nil, err
		}
		t, err := m.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// CountByRequest returns the number of audit rows a request accumulated.
func (r *TransitionRepo) CountByRequest(requestID string) (int, error) {
	var n int
	err := r.q.QueryRow(`SELECT COUNT(*) FROM state_transitions WHERE request_id = ?`,
		requestID).Scan(&n)
	return n, err
}

// Last returns the most recent transition of a request, or ErrNotFound when
// the request has none.
func (r *TransitionRepo) Last(requestID string) (*request.Transition, error) {
	ts, err := r.ListByRequest(requestID)
	if err != nil {
		return nil, err
	}
	if len(ts) == 0 {
		return nil, fmt.Errorf("transitions for %s: %w", requestID, ErrNotFound)
	}
	return ts[len(ts)-1], nil
}
