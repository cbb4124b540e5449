// Package handler implements the engine's command handlers: workflow
// initiation, action transitions, and completion. Handlers hold no state of
// their own; every mutation goes through the state manager and every denial
// through the access checker.
package handler

import (
	"time"

	"github.com/uztelco/dispatch/internal/access"
	"github.com/uztelco/dispatch/internal/domain/client"
	"github.com/uztelco/dispatch/internal/domain/fault"
	"github.com/uztelco/dispatch/internal/domain/notification"
	"github.com/uztelco/dispatch/internal/domain/request"
	"github.com/uztelco/dispatch/internal/registry"
	"github.com/uztelco/dispatch/internal/state"
)

// Notifier queues delivery intents. The dispatcher preserves queue order per
// request and absorbs delivery failures into its retry queue.
type Notifier interface {
	Send(intents ...notification.Intent)
}

// InventoryConsumer applies documented equipment against warehouse stock.
// Shortages are returned by item name, not as errors; the workflow proceeds
// and the shortage is escalated.
type InventoryConsumer interface {
	Consume(requestID string, items []request.Equipment) (shortages []string, err error)
}

// UserGetter resolves actors.
type UserGetter interface {
	Get(id int64) (*client.User, error)
}

// FaultSink records classified failures.
type FaultSink interface {
	Insert(rec *fault.Record) error
}

// Deps bundles the collaborators every handler shares.
type Deps struct {
	States    *state.Manager
	Registry  *registry.Registry
	Checker   *access.Checker
	Users     UserGetter
	Notifier  Notifier
	Inventory InventoryConsumer
	Faults    FaultSink
	Now       func() time.Time
}

func (d *Deps) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

// recordFault persists a classified failure, best effort.
func (d *Deps) recordFault(category fault.Category, severity fault.Severity, msg string, ctx map[string]any) {
	if d.Faults == nil {
		return
	}
	_ = d.Faults.Insert(&fault.Record{
		Category:  category,
		Severity:  severity,
		Message:   msg,
		Context:   ctx,
		CreatedAt: d.now(),
	})
}

// notify queues intents when a notifier is wired.
func (d *Deps) notify(intents ...notification.Intent) {
	if d.Notifier != nil && len(intents) > 0 {
		d.Notifier.Send(intents...)
	}
}

// staffComments appends the staff-creation annotation to a transition
// comment. Every transition of a staff-created request carries it.
func staffComments(req *request.Request, comments string) string {
	annotation := req.StaffAnnotation()
	if annotation == "" {
		return comments
	}
	if comments == "" {
		return annotation
	}
	return comments + " | " + annotation
}

// rolePtr returns a pointer to a copy of the role.
func rolePtr(r request.Role) *request.Role {
	return &r
}
