// Package permissions holds the staff application-creation capability matrix
// and the daily quota enforcement that rides on it. Capabilities are compiled
// in; quota usage is counted from the staff audit table.
package permissions

import (
	"errors"
	"fmt"
	"time"

	"github.com/uztelco/dispatch/internal/cachemanager"
	"github.com/uztelco/dispatch/internal/domain/request"
	"github.com/uztelco/dispatch/internal/log"
)

// Quota errors.
var (
	// ErrNotPermitted means the role may not create applications of the
	// requested type at all.
	ErrNotPermitted = errors.New("role may not create this application type")
	// ErrQuotaExceeded means the creator hit their daily cap.
	ErrQuotaExceeded = errors.New("daily application quota exceeded")
)

// NotificationLevel selects how chatty creation confirmations are for a
// staff creator.
type NotificationLevel string

const (
	NotificationFull    NotificationLevel = "full"
	NotificationSummary NotificationLevel = "summary"
	NotificationMinimal NotificationLevel = "minimal"
)

// Capability describes what one staff role may do when creating applications
// on behalf of clients.
type Capability struct {
	CanCreateConnection bool
	CanCreateTechnical  bool
	// CanAssignDirectly lets the creator pick the first assignee instead of
	// dropping the request into the initial role's shared list.
	CanAssignDirectly bool
	// CanSelectClient lets the creator search for and pick an existing client.
	CanSelectClient bool
	// CanCreateClient lets the creator register a brand-new client inline.
	CanCreateClient   bool
	NotificationLevel NotificationLevel
	// MaxApplicationsPerDay caps creations per local day; nil means unlimited.
	MaxApplicationsPerDay *int
}

func capInt(n int) *int { return &n }

// matrix is the compiled capability set. Roles absent here cannot create
// applications on behalf of clients.
var matrix = map[request.Role]Capability{
	request.RoleManager: {
		CanCreateConnection: true,
		CanCreateTechnical:  true,
		CanAssignDirectly:   false,
		CanSelectClient:     true,
		CanCreateClient:     true,
		NotificationLevel:   NotificationFull,
	},
	request.RoleJuniorManager: {
		CanCreateConnection:   true,
		CanCreateTechnical:    false,
		CanAssignDirectly:     false,
		CanSelectClient:       true,
		CanCreateClient:       true,
		NotificationLevel:     NotificationSummary,
		MaxApplicationsPerDay: capInt(5),
	},
	request.RoleController: {
		CanCreateConnection:   true,
		CanCreateTechnical:    true,
		CanAssignDirectly:     true,
		CanSelectClient:       true,
		CanCreateClient:       false,
		NotificationLevel:     NotificationSummary,
		MaxApplicationsPerDay: capInt(10),
	},
	request.RoleCallCenter: {
		CanCreateConnection:   true,
		CanCreateTechnical:    true,
		CanAssignDirectly:     false,
		CanSelectClient:       true,
		CanCreateClient:       true,
		NotificationLevel:     NotificationMinimal,
		MaxApplicationsPerDay: capInt(50),
	},
	request.RoleCallCenterSupervisor: {
		CanCreateConnection: true,
		CanCreateTechnical:  true,
		CanAssignDirectly:   true,
		CanSelectClient:     true,
		CanCreateClient:     true,
		NotificationLevel:   NotificationFull,
	},
	request.RoleAdmin: {
		CanCreateConnection: true,
		CanCreateTechnical:  true,
		CanAssignDirectly:   true,
		CanSelectClient:     true,
		CanCreateClient:     true,
		NotificationLevel:   NotificationFull,
	},
}

// Lookup returns the capability row for a role. The second result is false
// for roles that cannot create applications (clients, technicians,
// warehouse).
func Lookup(role request.Role) (Capability, bool) {
	c, ok := matrix[role]
	return c, ok
}

// CanCreate reports whether the role may create the given workflow type.
func CanCreate(role request.Role, wt request.WorkflowType) bool {
	c, ok := matrix[role]
	if !ok {
		return false
	}
	switch wt {
	case request.WorkflowConnection, request.WorkflowCallCenterDirect:
		return c.CanCreateConnection
	case request.WorkflowTechnical:
		return c.CanCreateTechnical
	default:
		return false
	}
}

// UsageCounter counts applications a creator filed since an instant. The
// staff audit repo satisfies this.
type UsageCounter interface {
	CountForCreatorSince(creatorID int64, since time.Time) (int, error)
}

// QuotaChecker enforces per-creator daily caps. Usage counts are cached
// briefly; the cache is invalidated on every successful creation.
type QuotaChecker struct {
	usage UsageCounter
	cache *cachemanager.InMemoryCacheManager[int64, int]
	now   func() time.Time
}

// NewQuotaChecker returns a checker over the given usage counter.
func NewQuotaChecker(usage UsageCounter) *QuotaChecker {
	return &QuotaChecker{
		usage: usage,
		cache: cachemanager.NewInMemoryCacheManager[int64, int](30 * time.Second),
		now:   time.Now,
	}
}

// Check verifies the creator may file one more application of the workflow
// type right now. It returns ErrNotPermitted or ErrQuotaExceeded on denial.
func (qc *QuotaChecker) Check(creatorID int64, role request.Role, wt request.WorkflowType) error {
	c, ok := matrix[role]
	if !ok || !CanCreate(role, wt) {
		return fmt.Errorf("%w: %s creating %s", ErrNotPermitted, role, wt)
	}
	if c.MaxApplicationsPerDay == nil {
		return nil
	}

	used, cached := qc.cache.Get(creatorID)
	if !cached {
		var err error
		used, err = qc.usage.CountForCreatorSince(creatorID, startOfDay(qc.now()))
		if err != nil {
			return fmt.Errorf("counting daily usage for creator %d: %w", creatorID, err)
		}
		qc.cache.Set(creatorID, used)
	}

	if used >= *c.MaxApplicationsPerDay {
		log.Warn(log.CatStaff, "daily quota exhausted",
			"creator_id", creatorID, "role", role, "used", used,
			"cap", *c.MaxApplicationsPerDay)
		return fmt.Errorf("%w: %d of %d used today", ErrQuotaExceeded,
			used, *c.MaxApplicationsPerDay)
	}
	return nil
}

// Consumed invalidates the cached usage after a successful creation so the
// next check recounts.
func (qc *QuotaChecker) Consumed(creatorID int64) {
	qc.cache.Delete(creatorID)
}

// Remaining reports how many applications the creator may still file today;
// the second result is false for unlimited roles.
func (qc *QuotaChecker) Remaining(creatorID int64, role request.Role) (int, bool, error) {
	c, ok := matrix[role]
	if !ok {
		return 0, true, nil
	}
	if c.MaxApplicationsPerDay == nil {
		return 0, false, nil
	}
	used, err := qc.usage.CountForCreatorSince(creatorID, startOfDay(qc.now()))
	if err != nil {
		return 0, true, err
	}
	left := *c.MaxApplicationsPerDay - used
	if left < 0 {
		left = 0
	}
	return left, true, nil
}

// startOfDay returns local midnight; the daily counter resets there.
func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
