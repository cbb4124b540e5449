package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/uztelco/dispatch/internal/log"
)

// Two-phase transaction errors.
var (
	ErrUnknownTxn  = errors.New("unknown transaction id")
	ErrTxnFinished = errors.New("transaction already committed or rolled back")
)

const (
	// maxCommitAttempts bounds retries of a transiently failing commit.
	maxCommitAttempts = 3
	// retryBaseDelay is doubled after each failed attempt.
	retryBaseDelay = time.Second
)

// Operation is one queued mutation. Operations run in queue order inside a
// single database transaction at commit time.
type Operation func(tx *sql.Tx) error

type pendingTxn struct {
	ops      []Operation
	finished bool
}

// TxnCoordinator is the two-phase mutation API: callers begin a logical
// transaction, queue operations and commit. Nothing touches the database
// until Commit, so Rollback is free and a transiently failed commit can be
// replayed wholesale without leaving partial writes behind.
type TxnCoordinator struct {
	db      *sql.DB
	mu      sync.Mutex
	pending map[string]*pendingTxn
	sleep   func(time.Duration)
}

// NewTxnCoordinator returns a coordinator sharing the manager's database.
func NewTxnCoordinator(m *Manager) *TxnCoordinator {
	return &TxnCoordinator{
		db:      m.db,
		pending: make(map[string]*pendingTxn),
		sleep:   time.Sleep,
	}
}

// ActiveCount reports logical transactions begun but not yet committed or
// rolled back.
func (c *TxnCoordinator) ActiveCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, txn := range c.pending {
		if !txn.finished {
			n++
		}
	}
	return n
}

// Begin opens a logical transaction and returns its id.
func (c *TxnCoordinator) Begin() string {
	id := uuid.New().String()
	c.mu.Lock()
	c.pending[id] = &pendingTxn{}
	c.mu.Unlock()
	log.Debug(log.CatDB, "txn begun", "txn_id", id)
	return id
}

// AddOperation queues a mutation on the logical transaction.
func (c *TxnCoordinator) AddOperation(id string, op Operation) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	txn, ok := c.pending[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTxn, id)
	}
	if txn.finished {
		return fmt.Errorf("%w: %s", ErrTxnFinished, id)
	}
	txn.ops = append(txn.ops, op)
	return nil
}

// Commit runs the queued operations inside one database transaction.
// Transient failures (lock contention, store timeouts) are retried with
// exponential backoff up to maxCommitAttempts; each retry replays every
// operation in a fresh transaction. Non-transient failures roll back and
// surface immediately.
func (c *TxnCoordinator) Commit(ctx context.Context, id string) error {
	txn, err := c.take(id)
	if err != nil {
		return err
	}

	delay := retryBaseDelay
	var lastErr error
	for attempt := 1; attempt <= maxCommitAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = c.runOnce(ctx, txn.ops)
		if lastErr == nil {
			log.Debug(log.CatDB, "txn committed", "txn_id", id, "ops", len(txn.ops), "attempt", attempt)
			return nil
		}
		if !IsTransient(lastErr) {
			log.ErrorErr(log.CatDB, "txn failed", lastErr, "txn_id", id)
			return lastErr
		}
		if attempt < maxCommitAttempts {
			log.Warn(log.CatDB, "txn commit retry",
				"txn_id", id, "attempt", attempt, "delay", delay, "error", lastErr)
			c.sleep(delay)
			delay *= 2
		}
	}
	log.ErrorErr(log.CatDB, "txn exhausted retries", lastErr, "txn_id", id)
	return fmt.Errorf("commit of %s after %d attempts: %w", id, maxCommitAttempts, lastErr)
}

// Rollback discards the logical transaction. Queued operations never ran,
// so there is nothing to undo.
func (c *TxnCoordinator) Rollback(id string) error {
	_, err := c.take(id)
	if err != nil {
		return err
	}
	log.Debug(log.CatDB, "txn rolled back", "txn_id", id)
	return nil
}

func (c *TxnCoordinator) take(id string) (*pendingTxn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	txn, ok := c.pending[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTxn, id)
	}
	if txn.finished {
		return nil, fmt.Errorf("%w: %s", ErrTxnFinished, id)
	}
	txn.finished = true
	delete(c.pending, id)
	return txn, nil
}

func (c *TxnCoordinator) runOnce(ctx context.Context, ops []Operation) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	for _, op := range ops {
		if err := op(tx); err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				log.ErrorErr(log.CatDB, "rollback failed", rbErr)
			}
			return err
		}
	}
	return tx.Commit()
}
