package sqlite

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/uztelco/dispatch/internal/domain/client"
	"github.com/uztelco/dispatch/internal/domain/fault"
	"github.com/uztelco/dispatch/internal/domain/notification"
	"github.com/uztelco/dispatch/internal/domain/request"
)

// Row models mirror table layouts: unix-second timestamps, JSON columns as
// strings, nullable columns as sql.Null* wrappers. Conversion to and from
// domain types happens only here.

type requestModel struct {
	ID               string
	WorkflowType     string
	ClientID         int64
	CurrentRole      string
	CurrentStatus    string
	Priority         string
	Description      string
	Location         string
	ContactInfo      sql.NullString
	StateData        sql.NullString
	EquipmentUsed    sql.NullString
	InventoryUpdated bool
	CompletionRating sql.NullInt64
	FeedbackComments string
	CreatedByStaff   bool
	StaffCreatorID   sql.NullInt64
	StaffCreatorRole sql.NullString
	CreationSource   string
	ClientNotifiedAt sql.NullInt64
	CreatedAt        int64
	UpdatedAt        int64
}

func (m *requestModel) toDomain() (*request.Request, error) {
	r := &request.Request{
		ID:               m.ID,
		WorkflowType:     request.WorkflowType(m.WorkflowType),
		ClientID:         m.ClientID,
		CurrentRole:      request.Role(m.CurrentRole),
		CurrentStatus:    request.Status(m.CurrentStatus),
		Priority:         request.Priority(m.Priority),
		Description:      m.Description,
		Location:         m.Location,
		InventoryUpdated: m.InventoryUpdated,
		FeedbackComments: m.FeedbackComments,
		CreatedByStaff:   m.CreatedByStaff,
		CreationSource:   m.CreationSource,
		CreatedAt:        time.Unix(m.CreatedAt, 0),
		UpdatedAt:        time.Unix(m.UpdatedAt, 0),
	}
	if err := decodeJSON(m.ContactInfo, &r.ContactInfo); err != nil {
		return nil, fmt.Errorf("request %s contact_info: %w", m.ID, err)
	}
	if err := decodeJSON(m.StateData, &r.StateData); err != nil {
		return nil, fmt.Errorf("request %s state_data: %w", m.ID, err)
	}
	if err := decodeJSON(m.EquipmentUsed, &r.EquipmentUsed); err != nil {
		return nil, fmt.Errorf("request %s equipment_used: %w", m.ID, err)
	}
	if r.StateData == nil {
		r.StateData = make(map[string]any)
	}
	if m.CompletionRating.Valid {
		rating := int(m.CompletionRating.Int64)
		r.CompletionRating = &rating
	}
	if m.StaffCreatorID.Valid {
		id := m.StaffCreatorID.Int64
		r.StaffCreatorID = &id
	}
	if m.StaffCreatorRole.Valid {
		r.StaffCreatorRole = request.Role(m.StaffCreatorRole.String)
	}
	if m.ClientNotifiedAt.Valid {
		t := time.Unix(m.ClientNotifiedAt.Int64, 0)
		r.ClientNotifiedAt = &t
	}
	return r, nil
}

func toRequestModel(r *request.Request) (*requestModel, error) {
	m := &requestModel{
		ID:               r.ID,
		WorkflowType:     string(r.WorkflowType),
		ClientID:         r.ClientID,
		CurrentRole:      string(r.CurrentRole),
		CurrentStatus:    string(r.CurrentStatus),
		Priority:         string(r.Priority),
		Description:      r.Description,
		Location:         r.Location,
		InventoryUpdated: r.InventoryUpdated,
		FeedbackComments: r.FeedbackComments,
		CreatedByStaff:   r.CreatedByStaff,
		CreationSource:   r.CreationSource,
		CreatedAt:        r.CreatedAt.Unix(),
		UpdatedAt:        r.UpdatedAt.Unix(),
	}
	var err error
	if m.ContactInfo, err = encodeJSON(r.ContactInfo); err != nil {
		return nil, fmt.Errorf("request %s contact_info: %w", r.ID, err)
	}
	if m.StateData, err = encodeJSON(r.StateData); err != nil {
		return nil, fmt.Errorf("request %s state_data: %w", r.ID, err)
	}
	if m.EquipmentUsed, err = encodeJSON(r.EquipmentUsed); err != nil {
		return nil, fmt.Errorf("request %s equipment_used: %w", r.ID, err)
	}
	if r.CompletionRating != nil {
		m.CompletionRating = sql.NullInt64{Int64: int64(*r.CompletionRating), Valid: true}
	}
	if r.StaffCreatorID != nil {
		m.StaffCreatorID = sql.NullInt64{Int64: *r.StaffCreatorID, Valid: true}
	}
	if r.StaffCreatorRole != "" {
		m.StaffCreatorRole = sql.NullString{String: string(r.StaffCreatorRole), Valid: true}
	}
	if r.ClientNotifiedAt != nil {
		m.ClientNotifiedAt = sql.NullInt64{Int64: r.ClientNotifiedAt.Unix(), Valid: true}
	}
	return m, nil
}

type transitionModel struct {
	ID             int64
	RequestID      string
	FromRole       sql.NullString
	ToRole         sql.NullString
	Action         string
	ActorID        int64
	TransitionData sql.NullString
	Comments       string
	CreatedAt      int64
}

func (m *transitionModel) toDomain() (*request.Transition, error) {
	t := &request.Transition{
		ID:        m.ID,
		RequestID: m.RequestID,
		Action:    request.Action(m.Action),
		ActorID:   m.ActorID,
		Comments:  m.Comments,
		CreatedAt: time.Unix(m.CreatedAt, 0),
	}
	if m.FromRole.Valid {
		ro := request.Role(m.FromRole.String)
		t.FromRole = &ro
	}
	if m.ToRole.Valid {
		ro := request.Role(m.ToRole.String)
		t.ToRole = &ro
	}
	if err := decodeJSON(m.TransitionData, &t.TransitionData); err != nil {
		return nil, fmt.Errorf("transition %d transition_data: %w", m.ID, err)
	}
	return t, nil
}

type userModel struct {
	ID              int64
	PhoneNormalised string
	FullName        string
	Role            string
	Language        string
	Address         string
	CreatedAt       int64
	UpdatedAt       int64
}

func (m *userModel) toDomain() *client.User {
	return &client.User{
		ID:              m.ID,
		PhoneNormalised: m.PhoneNormalised,
		FullName:        m.FullName,
		Role:            request.Role(m.Role),
		Language:        client.Language(m.Language),
		Address:         m.Address,
		CreatedAt:       time.Unix(m.CreatedAt, 0),
		UpdatedAt:       time.Unix(m.UpdatedAt, 0),
	}
}

type staffAuditModel struct {
	ApplicationID     string
	CreatorID         int64
	CreatorRole       string
	ClientID          int64
	ApplicationType   string
	CreationTimestamp int64
	ClientNotified    bool
	WorkflowInitiated bool
	Metadata          sql.NullString
}

func (m *staffAuditModel) toDomain() (*request.StaffAudit, error) {
	a := &request.StaffAudit{
		ApplicationID:     m.ApplicationID,
		CreatorID:         m.CreatorID,
		CreatorRole:       request.Role(m.CreatorRole),
		ClientID:          m.ClientID,
		ApplicationType:   request.WorkflowType(m.ApplicationType),
		CreationTimestamp: time.Unix(m.CreationTimestamp, 0),
		ClientNotified:    m.ClientNotified,
		WorkflowInitiated: m.WorkflowInitiated,
	}
	if err := decodeJSON(m.Metadata, &a.Metadata); err != nil {
		return nil, fmt.Errorf("staff audit %s metadata: %w", m.ApplicationID, err)
	}
	return a, nil
}

type retryModel struct {
	ID            int64
	RequestID     string
	IntentKind    string
	RecipientRole string
	Payload       sql.NullString
	RetryCount    int
	NextRetryAt   int64
	LastError     string
	NeedsReview   bool
	CreatedAt     int64
}

func (m *retryModel) toDomain() (*notification.Retry, error) {
	r := &notification.Retry{
		ID:            m.ID,
		RequestID:     m.RequestID,
		Kind:          notification.Kind(m.IntentKind),
		RecipientRole: request.Role(m.RecipientRole),
		RetryCount:    m.RetryCount,
		NextRetryAt:   time.Unix(m.NextRetryAt, 0),
		LastError:     m.LastError,
		NeedsReview:   m.NeedsReview,
		CreatedAt:     time.Unix(m.CreatedAt, 0),
	}
	if err := decodeJSON(m.Payload, &r.Payload); err != nil {
		return nil, fmt.Errorf("notification retry %d payload: %w", m.ID, err)
	}
	return r, nil
}

type errorModel struct {
	ID         int64
	Category   string
	Severity   string
	Message    string
	Context    sql.NullString
	CreatedAt  int64
	ResolvedAt sql.NullInt64
}

func (m *errorModel) toDomain() (*fault.Record, error) {
	rec := &fault.Record{
		ID:        m.ID,
		Category:  fault.Category(m.Category),
		Severity:  fault.Severity(m.Severity),
		Message:   m.Message,
		CreatedAt: time.Unix(m.CreatedAt, 0),
	}
	if err := decodeJSON(m.Context, &rec.Context); err != nil {
		return nil, fmt.Errorf("error record %d context: %w", m.ID, err)
	}
	if m.ResolvedAt.Valid {
		t := time.Unix(m.ResolvedAt.Int64, 0)
		rec.ResolvedAt = &t
	}
	return rec, nil
}

func encodeJSON(v any) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func decodeJSON(src sql.NullString, dst any) error {
	if !src.Valid || src.String == "" {
		return nil
	}
	return json.Unmarshal([]byte(src.String), dst)
}
