// Package inventory applies documented equipment against warehouse stock
// and reconciles the movement ledger against what completed requests say
// they consumed.
package inventory

import (
	"fmt"
	"time"

	"github.com/uztelco/dispatch/internal/domain/request"
	"github.com/uztelco/dispatch/internal/infrastructure/sqlite"
	"github.com/uztelco/dispatch/internal/log"
)

// Service owns stock consumption and reconciliation.
type Service struct {
	repo *sqlite.InventoryRepo
	now  func() time.Time
}

// NewService returns a service over the database.
func NewService(db *sqlite.DB) *Service {
	return &Service{repo: sqlite.NewInventoryRepo(db.Conn()), now: time.Now}
}

// Consume decrements stock for each documented line and records a movement
// per line. Lines that would drive an item negative are NOT applied; their
// names come back as shortages and the caller escalates. Partial fulfilment
// is deliberate: available items ship, missing ones wait.
func (s *Service) Consume(requestID string, items []request.Equipment) ([]string, error) {
	var shortages []string
	at := s.now()
	for _, item := range items {
		if item.Quantity <= 0 {
			continue
		}
		stock, err := s.repo.GetStock(item.Name)
		if err != nil || stock.Quantity < item.Quantity {
			shortages = append(shortages, item.Name)
			log.Warn(log.CatInventory, "stock shortage",
				"request_id", requestID, "item", item.Name, "wanted", item.Quantity)
			continue
		}
		if err := s.repo.Adjust(item.Name, requestID, -item.Quantity, at); err != nil {
			return shortages, fmt.Errorf("consuming %q: %w", item.Name, err)
		}
		log.Debug(log.CatInventory, "stock consumed",
			"request_id", requestID, "item", item.Name, "quantity", item.Quantity)
	}
	return shortages, nil
}

// Restock raises an item's level and records a positive movement.
func (s *Service) Restock(item string, quantity int) error {
	if quantity <= 0 {
		return fmt.Errorf("restock quantity must be positive, got %d", quantity)
	}
	return s.repo.Adjust(item, "", quantity, s.now())
}

// SetStock sets an item's absolute level, for initial load and corrections.
func (s *Service) SetStock(item string, quantity int) error {
	return s.repo.UpsertStock(item, quantity, s.now())
}

// Stock returns every stock level.
func (s *Service) Stock() ([]*sqlite.StockItem, error) {
	return s.repo.ListStock()
}

// Discrepancy is one item whose ledger disagrees with documented usage.
type Discrepancy struct {
	Item string
	// Documented is the quantity completed requests say they used.
	Documented int
	// Moved is the quantity the movement ledger consumed.
	Moved int
}

// RequestLister supplies completed requests for reconciliation and lets the
// job mark late consumption as applied.
type RequestLister interface {
	ListByStatus(status request.Status) ([]*request.Request, error)
	MarkInventoryUpdated(id string, at time.Time) error
}

// Reconcile walks completed requests. Requests that documented equipment but
// never ran their inventory update get consumption applied now, then the
// documented totals are compared against the movement ledger and per-item
// discrepancies returned. An empty result means the warehouse and the
// workflow agree.
func (s *Service) Reconcile(requests RequestLister) ([]Discrepancy, error) {
	completed, err := requests.ListByStatus(request.StatusCompleted)
	if err != nil {
		return nil, fmt.Errorf("listing completed requests: %w", err)
	}

	for _, req := range completed {
		if req.InventoryUpdated || len(req.EquipmentUsed) == 0 {
			continue
		}
		shortages, err := s.Consume(req.ID, req.EquipmentUsed)
		if err != nil {
			return nil, fmt.Errorf("late consumption for %s: %w", req.ID, err)
		}
		if len(shortages) > 0 {
			log.Warn(log.CatInventory, "late consumption incomplete",
				"request_id", req.ID, "shortages", len(shortages))
		}
		if err := requests.MarkInventoryUpdated(req.ID, s.now()); err != nil {
			return nil, err
		}
		req.InventoryUpdated = true
	}

	documented := make(map[string]int)
	for _, req := range completed {
		if !req.InventoryUpdated {
			continue
		}
		for _, item := range req.EquipmentUsed {
			documented[item.Name] += item.Quantity
		}
	}

	moved, err := s.repo.ConsumedByItem()
	if err != nil {
		return nil, err
	}

	names := make(map[string]struct{})
	for n := range documented {
		names[n] = struct{}{}
	}
	for n := range moved {
		names[n] = struct{}{}
	}

	var out []Discrepancy
	for n := range names {
		if documented[n] != moved[n] {
			out = append(out, Discrepancy{Item: n, Documented: documented[n], Moved: moved[n]})
		}
	}
	if len(out) > 0 {
		log.Warn(log.CatInventory, "reconciliation found discrepancies", "count", len(out))
	} else {
		log.Info(log.CatInventory, "reconciliation clean", "completed_requests", len(completed))
	}
	return out, nil
}
