package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// StockItem is one warehouse stock level.
type StockItem struct {
	Name      string
	Quantity  int
	UpdatedAt time.Time
}

// StockMovement is one recorded consumption or restock against a request.
// Negative quantities consume stock, positive quantities restock.
type StockMovement struct {
	ID        int64
	ItemName  string
	RequestID string
	Quantity  int
	CreatedAt time.Time
}

// InventoryRepo persists stock levels and the movement ledger.
type InventoryRepo struct {
	q Querier
}

// NewInventoryRepo returns a repo bound to q.
func NewInventoryRepo(q Querier) *InventoryRepo {
	return &InventoryRepo{q: q}
}

// UpsertStock sets the absolute stock level of an item.
func (r *InventoryRepo) UpsertStock(name string, quantity int, at time.Time) error {
	_, err := r.q.Exec(`INSERT INTO stock_items (name, quantity, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET quantity = excluded.quantity, updated_at = excluded.updated_at`,
		name, quantity, at.Unix())
	if err != nil {
		return fmt.Errorf("upserting stock %q: %w", name, err)
	}
	return nil
}

// GetStock returns an item's stock level, or ErrNotFound.
func (r *InventoryRepo) GetStock(name string) (*StockItem, error) {
	var item StockItem
	var updated int64
	err := r.q.QueryRow(`SELECT name, quantity, updated_at FROM stock_items WHERE name = ?`,
		name).Scan(&item.Name, &item.Quantity, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("stock %q: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	item.UpdatedAt = time.Unix(updated, 0)
	return &item, nil
}

// Adjust applies a delta to an item's stock and appends a movement row.
// Consumption passes a negative delta. Missing items start at zero.
func (r *InventoryRepo) Adjust(name, requestID string, delta int, at time.Time) error {
	_, err := r.q.Exec(`INSERT INTO stock_items (name, quantity, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET quantity = quantity + excluded.quantity, updated_at = excluded.updated_at`,
		name, delta, at.Unix())
	if err != nil {
		return fmt.Errorf("adjusting stock %q: %w", name, err)
	}
	_, err = r.q.Exec(`INSERT INTO stock_movements (item_name, request_id, quantity, created_at)
		VALUES (?, ?, ?, ?)`, name, requestID, delta, at.Unix())
	if err != nil {
		return fmt.Errorf("recording movement for %q: %w", name, err)
	}
	return nil
}

// ListStock returns every stock level, alphabetical.
func (r *InventoryRepo) ListStock() ([]*StockItem, error) {
	rows, err := r.q.Query(`SELECT name, quantity, updated_at FROM stock_items ORDER BY name ASC`)
	if err != nil {
		return nil, fmt.Errorf("listing stock: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*StockItem
	for rows.Next() {
		var item StockItem
		var updated int64
		if err := rows.Scan(&item.Name, &item.Quantity, &updated); err != nil {
			return nil, err
		}
		item.UpdatedAt = time.Unix(updated, 0)
		out = append(out, &item)
	}
	return out, rows.Err()
}

// MovementsForRequest returns the movement ledger rows of one request.
func (r *InventoryRepo) MovementsForRequest(requestID string) ([]*StockMovement, error) {
	rows, err := r.q.Query(`SELECT id, item_name, request_id, quantity, created_at
		FROM stock_movements WHERE request_id = ? ORDER BY id ASC`, requestID)
	if err != nil {
		return nil, fmt.Errorf("listing movements for %s: %w", requestID, err)
	}
	defer func() { _ = rows.Close() }()

	var out []*StockMovement
	for rows.Next() {
		var m StockMovement
		var created int64
		if err := rows.Scan(&m.ID, &m.ItemName, &m.RequestID, &m.Quantity, &created); err != nil {
			return nil, err
		}
		m.CreatedAt = time.Unix(created, 0)
		out = append(out, &m)
	}
	return out, rows.Err()
}

// ConsumedByItem sums consumption (negative movements, returned positive)
// per item across the whole ledger. Reconciliation compares these totals
// against what completed requests documented.
func (r *InventoryRepo) ConsumedByItem() (map[string]int, error) {
	rows, err := r.q.Query(`SELECT item_name, -SUM(quantity) FROM stock_movements
		WHERE quantity < 0 GROUP BY item_name`)
	if err != nil {
		return nil, fmt.Errorf("summing consumption: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string]int)
	for rows.Next() {
		var name string
		var n int
		if err := rows.Scan(&name, &n); err != nil {
			return nil, err
		}
		out[name] = n
	}
	return out, rows.Err()
}
