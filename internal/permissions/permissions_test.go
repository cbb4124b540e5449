package permissions

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uztelco/dispatch/internal/domain/request"
)

// countingUsage is a scripted UsageCounter recording how often it was hit.
type countingUsage struct {
	count int
	err   error
	calls int
	since time.Time
}

func (c *countingUsage) CountForCreatorSince(_ int64, since time.Time) (int, error) {
	c.calls++
	c.since = since
	return c.count, c.err
}

func TestMatrixCapabilities(t *testing.T) {
	jm, ok := Lookup(request.RoleJuniorManager)
	require.True(t, ok)
	assert.True(t, jm.CanCreateConnection)
	assert.False(t, jm.CanCreateTechnical)
	require.NotNil(t, jm.MaxApplicationsPerDay)
	assert.Equal(t, 5, *jm.MaxApplicationsPerDay)

	ctrl, ok := Lookup(request.RoleController)
	require.True(t, ok)
	assert.True(t, ctrl.CanAssignDirectly)
	assert.False(t, ctrl.CanCreateClient)
	require.NotNil(t, ctrl.MaxApplicationsPerDay)
	assert.Equal(t, 10, *ctrl.MaxApplicationsPerDay)

	cc, ok := Lookup(request.RoleCallCenter)
	require.True(t, ok)
	require.NotNil(t, cc.MaxApplicationsPerDay)
	assert.Equal(t, 50, *cc.MaxApplicationsPerDay)

	mgr, ok := Lookup(request.RoleManager)
	require.True(t, ok)
	assert.Nil(t, mgr.MaxApplicationsPerDay)

	_, ok = Lookup(request.RoleTechnician)
	assert.False(t, ok)
	_, ok = Lookup(request.RoleClient)
	assert.False(t, ok)
}

func TestCanCreate(t *testing.T) {
	assert.True(t, CanCreate(request.RoleManager, request.WorkflowTechnical))
	assert.False(t, CanCreate(request.RoleJuniorManager, request.WorkflowTechnical))
	assert.True(t, CanCreate(request.RoleJuniorManager, request.WorkflowConnection))
	assert.False(t, CanCreate(request.RoleWarehouse, request.WorkflowConnection))
	assert.False(t, CanCreate(request.RoleManager, "plumbing"))
}

func TestCheckDeniesUnpermittedRole(t *testing.T) {
	qc := NewQuotaChecker(&countingUsage{})
	err := qc.Check(1, request.RoleTechnician, request.WorkflowConnection)
	assert.ErrorIs(t, err, ErrNotPermitted)

	err = qc.Check(1, request.RoleJuniorManager, request.WorkflowTechnical)
	assert.ErrorIs(t, err, ErrNotPermitted)
}

func TestCheckQuotaBoundary(t *testing.T) {
	usage := &countingUsage{count: 4}
	qc := NewQuotaChecker(usage)

	// 4 of 5 used: one left.
	require.NoError(t, qc.Check(7, request.RoleJuniorManager, request.WorkflowConnection))

	// The fifth creation lands; the recount sees the cap reached.
	usage.count = 5
	qc.Consumed(7)
	err := qc.Check(7, request.RoleJuniorManager, request.WorkflowConnection)
	assert.ErrorIs(t, err, ErrQuotaExceeded)
}

func TestCheckCachesUsage(t *testing.T) {
	usage := &countingUsage{count: 0}
	qc := NewQuotaChecker(usage)

	require.NoError(t, qc.Check(3, request.RoleController, request.WorkflowTechnical))
	require.NoError(t, qc.Check(3, request.RoleController, request.WorkflowTechnical))
	assert.Equal(t, 1, usage.calls, "second check should hit the cache")

	qc.Consumed(3)
	require.NoError(t, qc.Check(3, request.RoleController, request.WorkflowTechnical))
	assert.Equal(t, 2, usage.calls, "Consumed should force a recount")
}

func TestCheckUnlimitedRoleSkipsCounting(t *testing.T) {
	usage := &countingUsage{err: errors.New("should not be called")}
	qc := NewQuotaChecker(usage)
	require.NoError(t, qc.Check(9, request.RoleManager, request.WorkflowConnection))
	assert.Zero(t, usage.calls)
}

func TestQuotaResetsAtLocalMidnight(t *testing.T) {
	usage := &countingUsage{count: 50}
	qc := NewQuotaChecker(usage)
	fixed := time.Date(2026, 8, 26, 15, 30, 0, 0, time.Local)
	qc.now = func() time.Time { return fixed }

	err := qc.Check(11, request.RoleCallCenter, request.WorkflowConnection)
	assert.ErrorIs(t, err, ErrQuotaExceeded)
	assert.Equal(t, time.Date(2026, 8, 26, 0, 0, 0, 0, time.Local), usage.since)

	// Next day the counter starts over.
	usage.count = 0
	qc.cache.Delete(11)
	qc.now = func() time.Time { return fixed.Add(24 * time.Hour) }
	require.NoError(t, qc.Check(11, request.RoleCallCenter, request.WorkflowConnection))
	assert.Equal(t, time.Date(2026, 8, 27, 0, 0, 0, 0, time.Local), usage.since)
}

func TestRemaining(t *testing.T) {
	usage := &countingUsage{count: 3}
	qc := NewQuotaChecker(usage)

	left, capped, err := qc.Remaining(5, request.RoleJuniorManager)
	require.NoError(t, err)
	assert.True(t, capped)
	assert.Equal(t, 2, left)

	usage.count = 9
	left, capped, err = qc.Remaining(5, request.RoleJuniorManager)
	require.NoError(t, err)
	assert.True(t, capped)
	assert.Equal(t, 0, left, "remaining never goes negative")

	_, capped, err = qc.Remaining(5, request.RoleAdmin)
	require.NoError(t, err)
	assert.False(t, capped)
}
