package registry

import (
	"github.com/uztelco/dispatch/internal/domain/request"
)

// connectionDefinition is the installation workflow:
// manager -> junior_manager -> controller -> technician -> warehouse -> client.
func connectionDefinition() *Definition {
	return &Definition{
		Type:             request.WorkflowConnection,
		InitialRole:      request.RoleManager,
		InitiationAction: request.ActionSubmitRequest,
		Steps: map[request.Role]map[request.Action]ActionSpec{
			request.RoleManager: {
				request.ActionAssignToJuniorManager: {
					Required: []string{"junior_manager_id"},
					Next:     request.RoleJuniorManager,
				},
			},
			request.RoleJuniorManager: {
				request.ActionCallClient: {
					Required: []string{"call_notes"},
				},
				request.ActionForwardToController: {
					Next: request.RoleController,
				},
			},
			request.RoleController: {
				request.ActionAssignToTechnician: {
					Required: []string{"technician_id"},
					Next:     request.RoleTechnician,
				},
			},
			request.RoleTechnician: {
				request.ActionStartInstallation: {},
				request.ActionDocumentEquipment: {
					Required: []string{"equipment_used"},
					Next:     request.RoleWarehouse,
				},
			},
			request.RoleWarehouse: {
				request.ActionUpdateInventory: {
					Optional: []string{"inventory_updates"},
				},
				request.ActionCloseRequest: {
					Next: request.RoleClient,
				},
			},
			request.RoleClient: {
				request.ActionRateService: {
					Required: []string{"rating"},
					Optional: []string{"feedback"},
					Terminal: true,
				},
			},
		},
	}
}

// technicalDefinition is the repair workflow. The technician decides whether
// warehouse support is needed; the warehouse loop returns to the technician.
func technicalDefinition() *Definition {
	return &Definition{
		Type:             request.WorkflowTechnical,
		InitialRole:      request.RoleController,
		InitiationAction: request.ActionSubmitTechnicalRequest,
		Steps: map[request.Role]map[request.Action]ActionSpec{
			request.RoleController: {
				request.ActionAssignTechnicalToTechnician: {
					Required: []string{"technician_id"},
					Next:     request.RoleTechnician,
				},
			},
			request.RoleTechnician: {
				request.ActionStartDiagnostics: {},
				request.ActionDecideWarehouseInvolvement: {
					Required: []string{"decision"},
				},
				request.ActionResolveWithoutWarehouse: {},
				request.ActionRequestWarehouseSupport: {
					Next: request.RoleWarehouse,
				},
				request.ActionCompleteTechnicalService: {
					Next: request.RoleClient,
				},
			},
			request.RoleWarehouse: {
				request.ActionPrepareEquipment: {
					Optional: []string{"equipment_list"},
				},
				request.ActionUpdateInventory: {
					Optional: []string{"inventory_updates"},
				},
				request.ActionConfirmEquipmentReady: {
					Next: request.RoleTechnician,
				},
			},
			request.RoleClient: {
				request.ActionRateService: {
					Required: []string{"rating"},
					Optional: []string{"feedback"},
					Terminal: true,
				},
			},
		},
	}
}

// callCenterDefinition is the remote-support workflow handled entirely by
// the call center.
func callCenterDefinition() *Definition {
	return &Definition{
		Type:             request.WorkflowCallCenterDirect,
		InitialRole:      request.RoleCallCenterSupervisor,
		InitiationAction: request.ActionSubmitRequest,
		Steps: map[request.Role]map[request.Action]ActionSpec{
			request.RoleCallCenterSupervisor: {
				request.ActionAssignToCallCenterOperator: {
					Required: []string{"operator_id"},
					Next:     request.RoleCallCenter,
				},
			},
			request.RoleCallCenter: {
				request.ActionResolveRemotely: {
					Optional: []string{"resolution_notes"},
					Next:     request.RoleClient,
				},
			},
			request.RoleClient: {
				request.ActionRateService: {
					Required: []string{"rating"},
					Optional: []string{"feedback"},
					Terminal: true,
				},
			},
		},
	}
}
