package state

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uztelco/dispatch/internal/domain/request"
)

func newCoordinator(t *testing.T) (*Manager, *TxnCoordinator) {
	t.Helper()
	m := newManager(t)
	c := NewTxnCoordinator(m)
	c.sleep = func(time.Duration) {}
	return m, c
}

func TestTxnCommitRunsOperationsInOrder(t *testing.T) {
	m, c := newCoordinator(t)
	req := seedRequest(t, m, request.PriorityMedium, time.Now())

	id := c.Begin()
	require.NoError(t, c.AddOperation(id, func(tx *sql.Tx) error {
		_, err := tx.Exec(`UPDATE requests SET current_status = ? WHERE id = ?`,
			string(request.StatusInProgress), req.ID)
		return err
	}))
	require.NoError(t, c.AddOperation(id, func(tx *sql.Tx) error {
		_, err := tx.Exec(`UPDATE requests SET current_role = ? WHERE id = ?`,
			string(request.RoleJuniorManager), req.ID)
		return err
	}))
	require.NoError(t, c.Commit(context.Background(), id))

	got, err := m.Get(req.ID)
	require.NoError(t, err)
	assert.Equal(t, request.StatusInProgress, got.CurrentStatus)
	assert.Equal(t, request.RoleJuniorManager, got.CurrentRole)
}

func TestTxnRollbackLeavesNoTrace(t *testing.T) {
	m, c := newCoordinator(t)
	req := seedRequest(t, m, request.PriorityMedium, time.Now())

	ran := false
	id := c.Begin()
	require.NoError(t, c.AddOperation(id, func(tx *sql.Tx) error {
		ran = true
		_, err := tx.Exec(`UPDATE requests SET current_status = ? WHERE id = ?`,
			string(request.StatusCancelled), req.ID)
		return err
	}))
	require.NoError(t, c.Rollback(id))

	assert.False(t, ran, "queued operations never execute on rollback")
	got, err := m.Get(req.ID)
	require.NoError(t, err)
	assert.Equal(t, request.StatusCreated, got.CurrentStatus)

	assert.ErrorIs(t, c.Commit(context.Background(), id), ErrUnknownTxn)
}

func TestTxnFailingOperationRollsBackEarlierOps(t *testing.T) {
	m, c := newCoordinator(t)
	req := seedRequest(t, m, request.PriorityMedium, time.Now())

	id := c.Begin()
	require.NoError(t, c.AddOperation(id, func(tx *sql.Tx) error {
		_, err := tx.Exec(`UPDATE requests SET current_status = ? WHERE id = ?`,
			string(request.StatusInProgress), req.ID)
		return err
	}))
	boom := errors.New("constraint violated")
	require.NoError(t, c.AddOperation(id, func(*sql.Tx) error { return boom }))

	err := c.Commit(context.Background(), id)
	assert.ErrorIs(t, err, boom)

	got, err := m.Get(req.ID)
	require.NoError(t, err)
	assert.Equal(t, request.StatusCreated, got.CurrentStatus,
		"first operation must not survive the failed commit")
}

func TestTxnTransientCommitIsReplayed(t *testing.T) {
	m, c := newCoordinator(t)
	req := seedRequest(t, m, request.PriorityMedium, time.Now())

	var delays []time.Duration
	c.sleep = func(d time.Duration) { delays = append(delays, d) }

	attempts := 0
	id := c.Begin()
	require.NoError(t, c.AddOperation(id, func(tx *sql.Tx) error {
		attempts++
		if attempts < 3 {
			return errors.New("database is locked (5) (SQLITE_BUSY)")
		}
		_, err := tx.Exec(`UPDATE requests SET current_status = ? WHERE id = ?`,
			string(request.StatusInProgress), req.ID)
		return err
	}))
	require.NoError(t, c.Commit(context.Background(), id))

	assert.Equal(t, 3, attempts)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, delays)

	got, err := m.Get(req.ID)
	require.NoError(t, err)
	assert.Equal(t, request.StatusInProgress, got.CurrentStatus)

	// Exactly one committed write, despite three attempts.
	history, err := m.History(req.ID)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestTxnExhaustsRetries(t *testing.T) {
	_, c := newCoordinator(t)

	id := c.Begin()
	attempts := 0
	require.NoError(t, c.AddOperation(id, func(*sql.Tx) error {
		attempts++
		return errors.New("database is locked")
	}))

	err := c.Commit(context.Background(), id)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 3 attempts")
	assert.Equal(t, 3, attempts)
}

func TestTxnLifecycleErrors(t *testing.T) {
	_, c := newCoordinator(t)

	assert.ErrorIs(t, c.AddOperation("nope", func(*sql.Tx) error { return nil }), ErrUnknownTxn)
	assert.ErrorIs(t, c.Rollback("nope"), ErrUnknownTxn)

	id := c.Begin()
	require.NoError(t, c.Commit(context.Background(), id))
	assert.ErrorIs(t, c.Rollback(id), ErrUnknownTxn)
}

func TestTxnActiveCount(t *testing.T) {
	_, c := newCoordinator(t)
	assert.Zero(t, c.ActiveCount())

	a := c.Begin()
	b := c.Begin()
	assert.Equal(t, 2, c.ActiveCount())

	require.NoError(t, c.Rollback(a))
	assert.Equal(t, 1, c.ActiveCount())
	require.NoError(t, c.Commit(context.Background(), b))
	assert.Zero(t, c.ActiveCount())
}
