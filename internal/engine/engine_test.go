package engine_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uztelco/dispatch/internal/access"
	"github.com/uztelco/dispatch/internal/domain/client"
	"github.com/uztelco/dispatch/internal/domain/notification"
	"github.com/uztelco/dispatch/internal/domain/request"
	"github.com/uztelco/dispatch/internal/engine"
	"github.com/uztelco/dispatch/internal/engine/command"
	"github.com/uztelco/dispatch/internal/engine/handler"
	"github.com/uztelco/dispatch/internal/engine/types"
	"github.com/uztelco/dispatch/internal/infrastructure/sqlite"
	"github.com/uztelco/dispatch/internal/inventory"
	"github.com/uztelco/dispatch/internal/registry"
	"github.com/uztelco/dispatch/internal/state"
	"github.com/uztelco/dispatch/internal/testutil"
)

// captureNotifier records intents instead of delivering them.
type captureNotifier struct {
	mu      sync.Mutex
	intents []notification.Intent
}

func (n *captureNotifier) Send(intents ...notification.Intent) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.intents = append(n.intents, intents...)
}

func (n *captureNotifier) kinds() []notification.Kind {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]notification.Kind, 0, len(n.intents))
	for _, i := range n.intents {
		out = append(out, i.Kind)
	}
	return out
}

type env struct {
	db       *sqlite.DB
	eng      *engine.Engine
	notifier *captureNotifier
	inv      *inventory.Service

	client     *client.User
	manager    *client.User
	junior     *client.User
	controller *client.User
	technician *client.User
	warehouse  *client.User
	admin      *client.User
	operator   *client.User
	supervisor *client.User
}

func newEnv(t *testing.T) *env {
	t.Helper()
	// A short window keeps repeat submissions in different tests from
	// colliding; the dedup behaviour itself is tested with a long window.
	return newEnvTTL(t, time.Millisecond)
}

func newEnvTTL(t *testing.T, dedupTTL time.Duration) *env {
	t.Helper()
	return newEnvConsumer(t, dedupTTL, nil)
}

// newEnvConsumer lets a test swap in its own inventory consumer; nil keeps
// the real inventory service.
func newEnvConsumer(t *testing.T, dedupTTL time.Duration, consumer handler.InventoryConsumer) *env {
	t.Helper()
	db := testutil.NewTestDB(t)

	e := &env{
		db:         db,
		notifier:   &captureNotifier{},
		inv:        inventory.NewService(db),
		client:     testutil.SeedUser(t, db, request.RoleClient, "+998901234567", "Alisher Karimov"),
		manager:    testutil.SeedUser(t, db, request.RoleManager, "+998901234568", "Dilnoza Yusupova"),
		junior:     testutil.SeedUser(t, db, request.RoleJuniorManager, "+998901234569", "Bekzod Rahimov"),
		controller: testutil.SeedUser(t, db, request.RoleController, "+998901234570", "Nigora Azimova"),
		technician: testutil.SeedUser(t, db, request.RoleTechnician, "+998901234571", "Javlon Toshev"),
		warehouse:  testutil.SeedUser(t, db, request.RoleWarehouse, "+998901234572", "Sherzod Nazarov"),
		admin:      testutil.SeedUser(t, db, request.RoleAdmin, "+998901234573", "Admin Adminov"),
		operator:   testutil.SeedUser(t, db, request.RoleCallCenter, "+998901234574", "Madina Sobirova"),
		supervisor: testutil.SeedUser(t, db, request.RoleCallCenterSupervisor, "+998901234575", "Rustam Saidov"),
	}

	if consumer == nil {
		consumer = e.inv
	}
	users := sqlite.NewUserRepo(db.Conn())
	faults := sqlite.NewErrorLogRepo(db.Conn())
	e.eng = engine.New(engine.Options{
		States:    state.NewManager(db, nil),
		Registry:  registry.New(),
		Checker:   access.NewChecker(users, faults),
		Users:     users,
		Notifier:  e.notifier,
		Inventory: consumer,
		Faults:    faults,
		DedupTTL:  dedupTTL,
	})

	go e.eng.Run(context.Background())
	require.NoError(t, e.eng.WaitForReady(context.Background()))
	t.Cleanup(e.eng.Stop)
	return e
}

func (e *env) initiate(t *testing.T, wt request.WorkflowType) *request.Request {
	t.Helper()
	cmd := command.NewInitiateWorkflowCommand(command.SourceClient)
	cmd.WorkflowType = wt
	cmd.ClientID = e.client.ID
	cmd.Description = "no internet at Yunusobod 12"
	cmd.Location = "Yunusobod 12-34"
	req, err := e.eng.InitiateWorkflow(context.Background(), cmd)
	require.NoError(t, err)
	return req
}

func (e *env) apply(t *testing.T, requestID string, actorID int64, action request.Action, payload map[string]any) *request.Request {
	t.Helper()
	cmd := command.NewTransitionWorkflowCommand(command.SourceStaff)
	cmd.RequestID = requestID
	cmd.ActorID = actorID
	cmd.Action = action
	cmd.Payload = payload
	req, err := e.eng.TransitionWorkflow(context.Background(), cmd)
	require.NoError(t, err, "action %s", action)
	return req
}

func TestConnectionWorkflowEndToEnd(t *testing.T) {
	e := newEnv(t)
	require.NoError(t, e.inv.SetStock("router", 10))
	require.NoError(t, e.inv.SetStock("cable_50m", 10))

	req := e.initiate(t, request.WorkflowConnection)
	assert.Equal(t, request.RoleManager, req.CurrentRole)
	assert.Equal(t, request.StatusCreated, req.CurrentStatus)

	e.apply(t, req.ID, e.manager.ID, request.ActionAssignToJuniorManager,
		map[string]any{"junior_manager_id": e.junior.ID})
	e.apply(t, req.ID, e.junior.ID, request.ActionCallClient,
		map[string]any{"call_notes": "confirmed address and time window"})
	e.apply(t, req.ID, e.junior.ID, request.ActionForwardToController, nil)
	e.apply(t, req.ID, e.controller.ID, request.ActionAssignToTechnician,
		map[string]any{"technician_id": e.technician.ID})
	e.apply(t, req.ID, e.technician.ID, request.ActionStartInstallation, nil)
	e.apply(t, req.ID, e.technician.ID, request.ActionDocumentEquipment,
		map[string]any{"equipment_used": []request.Equipment{
			{Name: "router", Quantity: 1, Serial: "RT-7781"},
			{Name: "cable_50m", Quantity: 2},
		}})
	snap := e.apply(t, req.ID, e.warehouse.ID, request.ActionUpdateInventory, nil)
	assert.True(t, snap.InventoryUpdated)
	snap = e.apply(t, req.ID, e.warehouse.ID, request.ActionCloseRequest, nil)
	assert.Equal(t, request.RoleClient, snap.CurrentRole)

	done := command.NewCompleteWorkflowCommand(command.SourceClient)
	done.RequestID = req.ID
	done.ActorID = e.client.ID
	done.Rating = 5
	done.Feedback = "quick and tidy"
	final, err := e.eng.CompleteWorkflow(context.Background(), done)
	require.NoError(t, err)

	assert.Equal(t, request.StatusCompleted, final.CurrentStatus)
	require.NotNil(t, final.CompletionRating)
	assert.Equal(t, 5, *final.CompletionRating)
	assert.Equal(t, "quick and tidy", final.FeedbackComments)

	status, err := e.eng.GetWorkflowStatus(req.ID)
	require.NoError(t, err)
	assert.Equal(t, 10, status.History, "initiation plus nine actions")
	assert.Empty(t, status.AvailableActions, "terminal requests offer no actions")

	// Stock moved exactly once.
	stock, err := sqlite.NewInventoryRepo(e.db.Conn()).GetStock("router")
	require.NoError(t, err)
	assert.Equal(t, 9, stock.Quantity)
	stock, err = sqlite.NewInventoryRepo(e.db.Conn()).GetStock("cable_50m")
	require.NoError(t, err)
	assert.Equal(t, 8, stock.Quantity)
}

func TestStaffCreatedRequestCarriesAudit(t *testing.T) {
	e := newEnv(t)

	cmd := command.NewInitiateWorkflowCommand(command.SourceStaff)
	cmd.WorkflowType = request.WorkflowTechnical
	cmd.ClientID = e.client.ID
	cmd.Description = "intermittent drops in the evening"
	cmd.CreatorID = e.operator.ID
	cmd.CreatorRole = request.RoleCallCenter
	cmd.ClientName = e.client.FullName

	req, err := e.eng.InitiateWorkflow(context.Background(), cmd)
	require.NoError(t, err)

	assert.True(t, req.CreatedByStaff)
	assert.Equal(t, request.RoleController, req.CurrentRole)
	assert.Equal(t, "call_center", req.CreationSource)

	audit, err := sqlite.NewStaffAuditRepo(e.db.Conn()).Get(req.ID)
	require.NoError(t, err)
	assert.Equal(t, e.operator.ID, audit.CreatorID)
	assert.True(t, audit.WorkflowInitiated)

	// Every transition of a staff-created request carries the annotation.
	history, err := state.NewManager(e.db, nil).History(req.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Contains(t, history[0].Comments,
		"Staff-created request by call_center for "+e.client.FullName)

	// Client first, then creator confirmation, then the assigned role.
	kinds := e.notifier.kinds()
	require.Len(t, kinds, 3)
	assert.Equal(t, notification.KindStaffCreated, kinds[0])
	assert.Equal(t, notification.KindStaffCreatorConfirm, kinds[1])
	assert.Equal(t, notification.KindWorkflowAssigned, kinds[2])
}

func TestTechnicalWarehouseLoop(t *testing.T) {
	e := newEnv(t)

	cmd := command.NewInitiateWorkflowCommand(command.SourceClient)
	cmd.WorkflowType = request.WorkflowTechnical
	cmd.ClientID = e.client.ID
	cmd.Description = "line is dead after the storm"
	req, err := e.eng.InitiateWorkflow(context.Background(), cmd)
	require.NoError(t, err)

	e.apply(t, req.ID, e.controller.ID, request.ActionAssignTechnicalToTechnician,
		map[string]any{"technician_id": e.technician.ID})
	e.apply(t, req.ID, e.technician.ID, request.ActionStartDiagnostics, nil)
	e.apply(t, req.ID, e.technician.ID, request.ActionDecideWarehouseInvolvement,
		map[string]any{"decision": "warehouse"})
	snap := e.apply(t, req.ID, e.technician.ID, request.ActionRequestWarehouseSupport, nil)
	assert.Equal(t, request.RoleWarehouse, snap.CurrentRole)

	e.apply(t, req.ID, e.warehouse.ID, request.ActionPrepareEquipment, nil)
	snap = e.apply(t, req.ID, e.warehouse.ID, request.ActionConfirmEquipmentReady, nil)
	assert.Equal(t, request.RoleTechnician, snap.CurrentRole, "warehouse loop returns to the technician")

	snap = e.apply(t, req.ID, e.technician.ID, request.ActionCompleteTechnicalService, nil)
	assert.Equal(t, request.RoleClient, snap.CurrentRole)
}

func TestWrongRoleDenied(t *testing.T) {
	e := newEnv(t)
	req := e.initiate(t, request.WorkflowConnection)

	cmd := command.NewTransitionWorkflowCommand(command.SourceStaff)
	cmd.RequestID = req.ID
	cmd.ActorID = e.technician.ID
	cmd.Action = request.ActionAssignToJuniorManager
	cmd.Payload = map[string]any{"junior_manager_id": e.junior.ID}

	_, err := e.eng.TransitionWorkflow(context.Background(), cmd)
	assert.ErrorIs(t, err, access.ErrWrongTurn)
}

func TestAdminForceTransition(t *testing.T) {
	e := newEnv(t)
	req := e.initiate(t, request.WorkflowConnection)

	cmd := command.NewTransitionWorkflowCommand(command.SourceAdmin)
	cmd.RequestID = req.ID
	cmd.ActorID = e.admin.ID
	cmd.Action = request.ActionAdminForceTransition
	cmd.Payload = map[string]any{"target_role": "controller"}
	cmd.Comments = "manager on leave, skipping ahead"

	snap, err := e.eng.TransitionWorkflow(context.Background(), cmd)
	require.NoError(t, err)
	assert.Equal(t, request.RoleController, snap.CurrentRole)

	// Only admins may force.
	cmd = command.NewTransitionWorkflowCommand(command.SourceStaff)
	cmd.RequestID = req.ID
	cmd.ActorID = e.manager.ID
	cmd.Action = request.ActionAdminForceTransition
	cmd.Payload = map[string]any{"target_role": "technician"}
	_, err = e.eng.TransitionWorkflow(context.Background(), cmd)
	assert.ErrorIs(t, err, access.ErrWrongTurn)
}

func TestCompletionIsIdempotent(t *testing.T) {
	e := newEnv(t)
	req := e.initiate(t, request.WorkflowCallCenterDirect)

	e.apply(t, req.ID, e.supervisor.ID, request.ActionAssignToCallCenterOperator,
		map[string]any{"operator_id": e.operator.ID})
	e.apply(t, req.ID, e.operator.ID, request.ActionResolveRemotely,
		map[string]any{"resolution_notes": "reset the ONT remotely"})

	complete := func(rating int) *request.Request {
		cmd := command.NewCompleteWorkflowCommand(command.SourceClient)
		cmd.RequestID = req.ID
		cmd.ActorID = e.client.ID
		cmd.Rating = rating
		snap, err := e.eng.CompleteWorkflow(context.Background(), cmd)
		require.NoError(t, err)
		return snap
	}

	first := complete(4)
	time.Sleep(5 * time.Millisecond) // let the dedup window lapse
	second := complete(1)

	assert.Equal(t, request.StatusCompleted, second.CurrentStatus)
	require.NotNil(t, second.CompletionRating)
	assert.Equal(t, 4, *second.CompletionRating, "repeat completion must not overwrite the rating")
	assert.Equal(t, first.UpdatedAt.Unix(), second.UpdatedAt.Unix())

	status, err := e.eng.GetWorkflowStatus(req.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, status.History, "repeat completion appends no audit row")
}

func TestDuplicateCommandRejected(t *testing.T) {
	e := newEnvTTL(t, time.Minute)
	req := e.initiate(t, request.WorkflowConnection)

	submit := func() error {
		cmd := command.NewTransitionWorkflowCommand(command.SourceStaff)
		cmd.RequestID = req.ID
		cmd.ActorID = e.manager.ID
		cmd.Action = request.ActionAssignToJuniorManager
		cmd.Payload = map[string]any{"junior_manager_id": e.junior.ID}
		_, err := e.eng.TransitionWorkflow(context.Background(), cmd)
		return err
	}

	require.NoError(t, submit())
	assert.ErrorIs(t, submit(), types.ErrDuplicateCommand)
}

func TestShortageEscalatesButProceeds(t *testing.T) {
	e := newEnv(t)
	require.NoError(t, e.inv.SetStock("router", 0))

	req := e.initiate(t, request.WorkflowConnection)
	e.apply(t, req.ID, e.manager.ID, request.ActionAssignToJuniorManager,
		map[string]any{"junior_manager_id": e.junior.ID})
	e.apply(t, req.ID, e.junior.ID, request.ActionCallClient,
		map[string]any{"call_notes": "ok"})
	e.apply(t, req.ID, e.junior.ID, request.ActionForwardToController, nil)
	e.apply(t, req.ID, e.controller.ID, request.ActionAssignToTechnician,
		map[string]any{"technician_id": e.technician.ID})
	e.apply(t, req.ID, e.technician.ID, request.ActionDocumentEquipment,
		map[string]any{"equipment_used": []request.Equipment{{Name: "router", Quantity: 1}}})

	snap := e.apply(t, req.ID, e.warehouse.ID, request.ActionUpdateInventory, nil)
	assert.True(t, snap.InventoryUpdated, "shortage does not block the workflow")
	assert.NotNil(t, snap.StateData[request.KeyEquipmentShortage])

	found := false
	for _, k := range e.notifier.kinds() {
		if k == notification.KindShortageEscalation {
			found = true
		}
	}
	assert.True(t, found, "shortage must escalate to the warehouse role")
}

// observingConsumer wraps the real inventory service and snapshots the
// request row at the moment stock moves.
type observingConsumer struct {
	db      *sqlite.DB
	service *inventory.Service

	calls            int
	sawCommittedFlag bool
	sawAuditRow      bool
}

func (c *observingConsumer) Consume(requestID string, items []request.Equipment) ([]string, error) {
	c.calls++
	if req, err := sqlite.NewRequestRepo(c.db.Conn()).Get(requestID); err == nil {
		c.sawCommittedFlag = req.InventoryUpdated
	}
	history, err := sqlite.NewTransitionRepo(c.db.Conn()).ListByRequest(requestID)
	if err == nil {
		for _, tr := range history {
			if tr.Action == request.ActionUpdateInventory {
				c.sawAuditRow = true
			}
		}
	}
	return c.service.Consume(requestID, items)
}

func TestInventoryConsumedAfterStateCommit(t *testing.T) {
	oc := &observingConsumer{}
	e := newEnvConsumer(t, time.Millisecond, oc)
	oc.db = e.db
	oc.service = e.inv
	require.NoError(t, e.inv.SetStock("router", 10))

	req := e.initiate(t, request.WorkflowConnection)
	e.apply(t, req.ID, e.manager.ID, request.ActionAssignToJuniorManager,
		map[string]any{"junior_manager_id": e.junior.ID})
	e.apply(t, req.ID, e.junior.ID, request.ActionCallClient,
		map[string]any{"call_notes": "ok"})
	e.apply(t, req.ID, e.junior.ID, request.ActionForwardToController, nil)
	e.apply(t, req.ID, e.controller.ID, request.ActionAssignToTechnician,
		map[string]any{"technician_id": e.technician.ID})
	e.apply(t, req.ID, e.technician.ID, request.ActionDocumentEquipment,
		map[string]any{"equipment_used": []request.Equipment{{Name: "router", Quantity: 1}}})

	snap := e.apply(t, req.ID, e.warehouse.ID, request.ActionUpdateInventory, nil)
	assert.True(t, snap.InventoryUpdated)

	require.Equal(t, 1, oc.calls)
	assert.True(t, oc.sawCommittedFlag,
		"stock moves only after the inventory flag is committed")
	assert.True(t, oc.sawAuditRow,
		"the update_inventory audit row lands before stock moves")

	// A repeat of the action records an audit row but touches no stock.
	time.Sleep(5 * time.Millisecond)
	e.apply(t, req.ID, e.warehouse.ID, request.ActionUpdateInventory, nil)
	assert.Equal(t, 1, oc.calls)

	stock, err := sqlite.NewInventoryRepo(e.db.Conn()).GetStock("router")
	require.NoError(t, err)
	assert.Equal(t, 9, stock.Quantity)
}

func TestValidationRejectsBadCommands(t *testing.T) {
	e := newEnv(t)

	cmd := command.NewInitiateWorkflowCommand(command.SourceClient)
	cmd.WorkflowType = "plumbing"
	cmd.ClientID = e.client.ID
	cmd.Description = "x"
	_, err := e.eng.InitiateWorkflow(context.Background(), cmd)
	assert.ErrorIs(t, err, command.ErrInvalidWorkflow)

	done := command.NewCompleteWorkflowCommand(command.SourceClient)
	done.RequestID = "r"
	done.ActorID = e.client.ID
	done.Rating = 6
	_, err = e.eng.CompleteWorkflow(context.Background(), done)
	assert.ErrorIs(t, err, command.ErrRatingOutOfRange)
}

func TestMissingPayloadFieldRejected(t *testing.T) {
	e := newEnv(t)
	req := e.initiate(t, request.WorkflowConnection)

	cmd := command.NewTransitionWorkflowCommand(command.SourceStaff)
	cmd.RequestID = req.ID
	cmd.ActorID = e.manager.ID
	cmd.Action = request.ActionAssignToJuniorManager

	_, err := e.eng.TransitionWorkflow(context.Background(), cmd)
	var missing *registry.MissingFieldError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, "junior_manager_id", missing.Field)
}

func TestProcessedAndErrorCounts(t *testing.T) {
	e := newEnv(t)
	_ = e.initiate(t, request.WorkflowConnection)

	bad := command.NewTransitionWorkflowCommand(command.SourceStaff)
	bad.RequestID = "missing"
	bad.ActorID = e.manager.ID
	bad.Action = request.ActionCallClient
	_, err := e.eng.TransitionWorkflow(context.Background(), bad)
	assert.ErrorIs(t, err, types.ErrRequestNotFound)

	assert.Equal(t, int64(2), e.eng.ProcessedCount())
	assert.Equal(t, int64(1), e.eng.ErrorCount())
}
