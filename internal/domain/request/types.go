// Package request provides the pure domain layer for service requests with no
// infrastructure dependencies. It defines the Request entity routed by the
// workflow engine, the append-only Transition audit row, and the enumerations
// stored by the persistence layer.
package request

// WorkflowType identifies one of the compiled-in request categories.
type WorkflowType string

const (
	// WorkflowConnection is a new connection installation request.
	WorkflowConnection WorkflowType = "connection_request"
	// WorkflowTechnical is a technical repair request.
	WorkflowTechnical WorkflowType = "technical_service"
	// WorkflowCallCenterDirect is a remote support request handled entirely
	// by the call center.
	WorkflowCallCenterDirect WorkflowType = "call_center_direct"
)

// String returns the stored tag for the workflow type.
func (w WorkflowType) String() string { return string(w) }

// IsValid reports whether the workflow type is one of the compiled-in set.
func (w WorkflowType) IsValid() bool {
	switch w {
	case WorkflowConnection, WorkflowTechnical, WorkflowCallCenterDirect:
		return true
	default:
		return false
	}
}

// Role is an organisational position that owns workflow steps.
type Role string

const (
	RoleClient               Role = "client"
	RoleManager              Role = "manager"
	RoleJuniorManager        Role = "junior_manager"
	RoleController           Role = "controller"
	RoleTechnician           Role = "technician"
	RoleWarehouse            Role = "warehouse"
	RoleCallCenter           Role = "call_center"
	RoleCallCenterSupervisor Role = "call_center_supervisor"
	RoleAdmin                Role = "admin"
)

// String returns the stored tag for the role.
func (r Role) String() string { return string(r) }

// IsValid reports whether the role is a recognized organisational role.
func (r Role) IsValid() bool {
	switch r {
	case RoleClient, RoleManager, RoleJuniorManager, RoleController,
		RoleTechnician, RoleWarehouse, RoleCallCenter,
		RoleCallCenterSupervisor, RoleAdmin:
		return true
	default:
		return false
	}
}

// IsStaff reports whether the role belongs to a staff member (any role other
// than client).
func (r Role) IsStaff() bool {
	return r.IsValid() && r != RoleClient
}

// Status is the lifecycle status of a request.
type Status string

const (
	StatusCreated    Status = "created"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
)

// String returns the stored tag for the status.
func (s Status) String() string { return string(s) }

// IsTerminal reports whether the status permits no further transitions.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Priority orders requests within a role's work list.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// String returns the stored tag for the priority.
func (p Priority) String() string { return string(p) }

// Weight maps the priority to a sortable rank; higher sorts first.
func (p Priority) Weight() int {
	switch p {
	case PriorityUrgent:
		return 4
	case PriorityHigh:
		return 3
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 1
	default:
		return 0
	}
}

// IsValid reports whether the priority is a recognized level.
func (p Priority) IsValid() bool {
	return p.Weight() > 0
}

// Action is a named transition trigger.
type Action string

const (
	// Connection request actions.
	ActionSubmitRequest         Action = "submit_request"
	ActionAssignToJuniorManager Action = "assign_to_junior_manager"
	ActionCallClient            Action = "call_client"
	ActionForwardToController   Action = "forward_to_controller"
	ActionAssignToTechnician    Action = "assign_to_technician"
	ActionStartInstallation     Action = "start_installation"
	ActionDocumentEquipment     Action = "document_equipment"
	ActionUpdateInventory       Action = "update_inventory"
	ActionCloseRequest          Action = "close_request"

	// Technical service actions.
	ActionSubmitTechnicalRequest      Action = "submit_technical_request"
	ActionAssignTechnicalToTechnician Action = "assign_technical_to_technician"
	ActionStartDiagnostics            Action = "start_diagnostics"
	ActionDecideWarehouseInvolvement  Action = "decide_warehouse_involvement"
	ActionResolveWithoutWarehouse     Action = "resolve_without_warehouse"
	ActionRequestWarehouseSupport     Action = "request_warehouse_support"
	ActionPrepareEquipment            Action = "prepare_equipment"
	ActionConfirmEquipmentReady       Action = "confirm_equipment_ready"
	ActionCompleteTechnicalService    Action = "complete_technical_service"

	// Call-center direct actions.
	ActionAssignToCallCenterOperator Action = "assign_to_call_center_operator"
	ActionResolveRemotely            Action = "resolve_remotely"

	// Shared completion action.
	ActionRateService Action = "rate_service"

	// Admin recovery action; never declared in the workflow registry.
	ActionAdminForceTransition Action = "admin_force_transition"
)

// String returns the stored tag for the action.
func (a Action) String() string { return string(a) }
