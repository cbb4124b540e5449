// Package notification defines the delivery intents emitted by the workflow
// engine and the persisted retry entries for failed deliveries. Transports
// and the retry loop live in internal/notify; this package is pure data.
package notification

import (
	"time"

	"github.com/uztelco/dispatch/internal/domain/request"
)

// Kind names the notification template an intent renders.
type Kind string

const (
	// KindWorkflowAssigned tells a role group a request landed in their
	// work list.
	KindWorkflowAssigned Kind = "workflow_assigned"
	// KindWorkflowCompleted tells the client their request is done and asks
	// for a rating.
	KindWorkflowCompleted Kind = "workflow_completed"
	// KindStaffCreated confirms to a client that a staff member opened a
	// request on their behalf.
	KindStaffCreated Kind = "staff_created"
	// KindStaffCreatorConfirm confirms to the staff creator that the
	// application was filed.
	KindStaffCreatorConfirm Kind = "staff_creator_confirm"
	// KindShortageEscalation alerts the warehouse role about an inventory
	// shortage left on a request.
	KindShortageEscalation Kind = "shortage_escalation"
)

// Intent is one notification the engine wants delivered. Intents are
// emitted in order; the dispatcher preserves that order per request.
type Intent struct {
	Kind      Kind
	RequestID string
	// RecipientRole is the role group addressed. For client-directed kinds
	// it is request.RoleClient and RecipientID carries the user id.
	RecipientRole request.Role
	RecipientID   int64
	// Language selects the rendered template for client-directed intents.
	Language string
	// Payload carries template fields (client name, workflow type, rating
	// prompt token and so on).
	Payload map[string]any
}

// Retry is one persisted delivery-failure entry. Entries are retried with
// exponential backoff until MaxAttempts, then flagged for manual review.
type Retry struct {
	ID            int64
	RequestID     string
	Kind          Kind
	RecipientRole request.Role
	Payload       map[string]any
	RetryCount    int
	NextRetryAt   time.Time
	LastError     string
	NeedsReview   bool
	CreatedAt     time.Time
}
