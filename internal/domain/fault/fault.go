// Package fault defines the error taxonomy persisted for observability.
// Every classified failure in the engine is recorded as a Record with a
// category and severity; the recovery subsystem aggregates them for the
// health report.
package fault

import "time"

// Category classifies a recorded error.
type Category string

const (
	// CategoryTransient covers store deadlines, lock contention and
	// transport timeouts; retried, never surfaced on retry success.
	CategoryTransient Category = "transient"
	// CategoryData covers validation failures and inventory shortage.
	CategoryData Category = "data"
	// CategoryBusinessLogic covers permission denials and invalid
	// transitions; returned with a typed reason, never retried.
	CategoryBusinessLogic Category = "business_logic"
	// CategorySystem covers unexpected invariant violations.
	CategorySystem Category = "system"
	// CategoryInventory covers stock shortages escalated to the warehouse.
	CategoryInventory Category = "inventory"
	// CategoryNotification covers delivery failures captured by the retry
	// queue.
	CategoryNotification Category = "notification"
)

// Severity ranks a recorded error.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Record is one persisted error occurrence.
type Record struct {
	ID         int64
	Category   Category
	Severity   Severity
	Message    string
	Context    map[string]any
	CreatedAt  time.Time
	ResolvedAt *time.Time
}
