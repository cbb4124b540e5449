package request

import (
	"time"
)

// StateData keys written by the engine itself. Action payload keys are merged
// alongside these; each key is defined by the transitions that set it.
const (
	KeyCreatedByStaff    = "created_by_staff"
	KeyStaffCreatorID    = "staff_creator_id"
	KeyStaffCreatorRole  = "staff_creator_role"
	KeyClientName        = "client_name"
	KeyIssueType         = "issue_type"
	KeyEquipmentShortage = "equipment_shortage"
)

// Equipment is one equipment line documented against a request.
type Equipment struct {
	Name     string `json:"name"`
	Quantity int    `json:"quantity"`
	Serial   string `json:"serial,omitempty"`
	Type     string `json:"type,omitempty"`
}

// Request is the unit the engine routes between roles.
type Request struct {
	// ID is an opaque unique identifier.
	ID string
	// WorkflowType selects the compiled-in workflow graph.
	WorkflowType WorkflowType
	// ClientID is the client the request is for; resolved before creation.
	ClientID int64
	// CurrentRole is the role whose turn it is.
	CurrentRole Role
	// CurrentStatus is the lifecycle status.
	CurrentStatus Status
	// Priority orders the request within a role's work list.
	Priority Priority

	Description string
	Location    string
	ContactInfo map[string]string

	// StateData carries action-supplied fields across transitions.
	StateData map[string]any

	// EquipmentUsed is appended by the document_equipment step.
	EquipmentUsed []Equipment
	// InventoryUpdated flips true at most once, via update_inventory.
	InventoryUpdated bool

	// CompletionRating is 1..5, set only on completion.
	CompletionRating *int
	FeedbackComments string

	// Staff-creation metadata; immutable once set.
	CreatedByStaff   bool
	StaffCreatorID   *int64
	StaffCreatorRole Role
	// CreationSource is the staff creator's role tag, or "client".
	CreationSource   string
	ClientNotifiedAt *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// IsTerminal reports whether the request reached a terminal status.
func (r *Request) IsTerminal() bool {
	return r.CurrentStatus.IsTerminal()
}

// StaffAnnotation returns the audit comment suffix stamped on every
// transition of a staff-created request, or "" for client-created requests.
// The wording is fixed; auditors and tests match it byte for byte.
func (r *Request) StaffAnnotation() string {
	if !r.CreatedByStaff {
		return ""
	}
	clientName, _ := r.StateData[KeyClientName].(string)
	return "Staff-created request by " + r.StaffCreatorRole.String() + " for " + clientName
}

// CloneStateData returns a shallow copy of StateData, never nil.
func (r *Request) CloneStateData() map[string]any {
	out := make(map[string]any, len(r.StateData))
	for k, v := range r.StateData {
		out[k] = v
	}
	return out
}

// Transition is one append-only audit row per applied action.
type Transition struct {
	// ID is monotonic within the store.
	ID        int64
	RequestID string
	// FromRole is nil for the initiation row.
	FromRole *Role
	// ToRole is nil for the terminal completion row.
	ToRole *Role
	Action Action
	// ActorID is the user who applied the action.
	ActorID int64
	// TransitionData snapshots the action payload.
	TransitionData map[string]any
	Comments       string
	CreatedAt      time.Time
}

// StaffAudit is the denormalised record kept for staff-created requests.
type StaffAudit struct {
	ApplicationID     string
	CreatorID         int64
	CreatorRole       Role
	ClientID          int64
	ApplicationType   WorkflowType
	CreationTimestamp time.Time
	ClientNotified    bool
	WorkflowInitiated bool
	Metadata          map[string]any
}
