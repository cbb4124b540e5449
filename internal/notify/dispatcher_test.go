package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uztelco/dispatch/internal/domain/notification"
	"github.com/uztelco/dispatch/internal/domain/request"
	"github.com/uztelco/dispatch/internal/infrastructure/sqlite"
	"github.com/uztelco/dispatch/internal/testutil"
)

// scriptedTransport records deliveries and fails on demand.
type scriptedTransport struct {
	mu        sync.Mutex
	delivered []notification.Intent
	failWith  error
	failKinds map[notification.Kind]bool
}

func (t *scriptedTransport) Deliver(_ context.Context, intent notification.Intent) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.failWith != nil && (t.failKinds == nil || t.failKinds[intent.Kind]) {
		return t.failWith
	}
	t.delivered = append(t.delivered, intent)
	return nil
}

func (t *scriptedTransport) deliveredKinds() []notification.Kind {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]notification.Kind, 0, len(t.delivered))
	for _, i := range t.delivered {
		out = append(out, i.Kind)
	}
	return out
}

// recordingMarker captures client-notified stamps.
type recordingMarker struct {
	mu     sync.Mutex
	marked []string
	at     []time.Time
}

func (m *recordingMarker) MarkClientNotified(requestID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.marked = append(m.marked, requestID)
	m.at = append(m.at, at)
	return nil
}

func (m *recordingMarker) markedIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.marked...)
}

func newRetryRepo(t *testing.T) *sqlite.RetryRepo {
	t.Helper()
	return sqlite.NewRetryRepo(testutil.NewTestDB(t).Conn())
}

func intent(kind notification.Kind, requestID string) notification.Intent {
	return notification.Intent{
		Kind:          kind,
		RequestID:     requestID,
		RecipientRole: request.RoleClient,
		RecipientID:   100,
		Language:      "uz",
		Payload:       map[string]any{"workflow": "connection_request"},
	}
}

func TestBackoffDelaySchedule(t *testing.T) {
	cases := []struct {
		retryCount int
		want       time.Duration
	}{
		{0, 30 * time.Second},
		{1, time.Minute},
		{2, 2 * time.Minute},
		{5, 16 * time.Minute},
		{6, 30 * time.Minute},
		{10, 30 * time.Minute},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, BackoffDelay(c.retryCount), "retry count %d", c.retryCount)
	}
}

func TestDispatcherDeliversInOrder(t *testing.T) {
	tr := &scriptedTransport{}
	d := NewDispatcher(tr, newRetryRepo(t))

	ctx, cancel := context.WithCancel(context.Background())
	go d.Run(ctx)

	d.Send(
		intent(notification.KindStaffCreated, "r1"),
		intent(notification.KindStaffCreatorConfirm, "r1"),
		intent(notification.KindWorkflowAssigned, "r1"),
	)

	require.Eventually(t, func() bool { return len(tr.deliveredKinds()) == 3 },
		time.Second, 5*time.Millisecond)
	cancel()
	d.Wait()

	assert.Equal(t, []notification.Kind{
		notification.KindStaffCreated,
		notification.KindStaffCreatorConfirm,
		notification.KindWorkflowAssigned,
	}, tr.deliveredKinds())
}

func TestDispatcherParksFailedDelivery(t *testing.T) {
	repo := newRetryRepo(t)
	tr := &scriptedTransport{failWith: errors.New("telegram api timeout")}
	d := NewDispatcher(tr, repo)
	parked := time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return parked }

	ctx, cancel := context.WithCancel(context.Background())
	go d.Run(ctx)
	d.Send(intent(notification.KindWorkflowCompleted, "r1"))

	require.Eventually(t, func() bool {
		n, err := repo.CountPending()
		return err == nil && n == 1
	}, time.Second, 5*time.Millisecond)
	cancel()
	d.Wait()

	pending, err := repo.ListPending(10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	e := pending[0]
	assert.Equal(t, "r1", e.RequestID)
	assert.Equal(t, notification.KindWorkflowCompleted, e.Kind)
	assert.Equal(t, 0, e.RetryCount)
	assert.Equal(t, "telegram api timeout", e.LastError)
	assert.Equal(t, parked.Add(RetryBaseDelay).Unix(), e.NextRetryAt.Unix())
	// Addressing survives in the payload for replay.
	assert.EqualValues(t, 100, e.Payload["recipient_id"])
	assert.Equal(t, "uz", e.Payload["language"])
}

func TestDispatcherMarksClientNotifiedOnDelivery(t *testing.T) {
	tr := &scriptedTransport{}
	marker := &recordingMarker{}
	d := NewDispatcher(tr, newRetryRepo(t))
	d.SetClientNotifiedMarker(marker)
	delivered := time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return delivered }

	ctx, cancel := context.WithCancel(context.Background())
	go d.Run(ctx)

	d.Send(
		intent(notification.KindStaffCreated, "r1"),
		intent(notification.KindWorkflowAssigned, "r1"),
		intent(notification.KindStaffCreatorConfirm, "r1"),
	)

	require.Eventually(t, func() bool { return len(tr.deliveredKinds()) == 3 },
		time.Second, 5*time.Millisecond)
	cancel()
	d.Wait()

	require.Equal(t, []string{"r1"}, marker.markedIDs(),
		"only the staff-created client notification stamps the request")
	assert.Equal(t, delivered, marker.at[0])
}

func TestDispatcherDoesNotMarkFailedDelivery(t *testing.T) {
	repo := newRetryRepo(t)
	tr := &scriptedTransport{failWith: errors.New("telegram api timeout")}
	marker := &recordingMarker{}
	d := NewDispatcher(tr, repo)
	d.SetClientNotifiedMarker(marker)

	ctx, cancel := context.WithCancel(context.Background())
	go d.Run(ctx)
	d.Send(intent(notification.KindStaffCreated, "r1"))

	require.Eventually(t, func() bool {
		n, err := repo.CountPending()
		return err == nil && n == 1
	}, time.Second, 5*time.Millisecond)
	cancel()
	d.Wait()

	assert.Empty(t, marker.markedIDs(), "parked intents are not stamped")
}

func TestSendParksWhenQueueFull(t *testing.T) {
	repo := newRetryRepo(t)
	d := &Dispatcher{
		transport: &scriptedTransport{},
		retries:   repo,
		queue:     make(chan notification.Intent, 1),
		now:       time.Now,
	}

	// No worker running: the first intent fills the queue, the second parks.
	d.Send(intent(notification.KindWorkflowAssigned, "r1"))
	d.Send(intent(notification.KindWorkflowAssigned, "r2"))

	n, err := repo.CountPending()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, d.QueueLength())
}

func TestRetryWorkerRedeliversDueEntries(t *testing.T) {
	repo := newRetryRepo(t)
	tr := &scriptedTransport{}
	w := NewRetryWorker(tr, repo)

	due := &notification.Retry{
		RequestID:     "r1",
		Kind:          notification.KindWorkflowCompleted,
		RecipientRole: request.RoleClient,
		Payload:       map[string]any{"recipient_id": int64(100), "language": "ru", "workflow": "technical_service"},
		NextRetryAt:   time.Now().Add(-time.Minute),
		CreatedAt:     time.Now().Add(-time.Hour),
	}
	require.NoError(t, repo.Insert(due))

	w.DrainOnce(context.Background())

	require.Len(t, tr.delivered, 1)
	got := tr.delivered[0]
	assert.Equal(t, "r1", got.RequestID)
	assert.EqualValues(t, 100, got.RecipientID)
	assert.Equal(t, "ru", got.Language)
	assert.Equal(t, "technical_service", got.Payload["workflow"])

	n, err := repo.CountPending()
	require.NoError(t, err)
	assert.Zero(t, n, "delivered entries leave the queue")
}

func TestRetryWorkerMarksRedeliveredStaffCreated(t *testing.T) {
	repo := newRetryRepo(t)
	tr := &scriptedTransport{}
	marker := &recordingMarker{}
	w := NewRetryWorker(tr, repo)
	w.SetClientNotifiedMarker(marker)

	require.NoError(t, repo.Insert(&notification.Retry{
		RequestID:     "r1",
		Kind:          notification.KindStaffCreated,
		RecipientRole: request.RoleClient,
		Payload:       map[string]any{"recipient_id": int64(100), "language": "uz"},
		NextRetryAt:   time.Now().Add(-time.Minute),
		CreatedAt:     time.Now().Add(-time.Hour),
	}))
	require.NoError(t, repo.Insert(&notification.Retry{
		RequestID:   "r2",
		Kind:        notification.KindWorkflowAssigned,
		NextRetryAt: time.Now().Add(-time.Minute),
		CreatedAt:   time.Now().Add(-time.Hour),
	}))

	w.DrainOnce(context.Background())

	assert.Equal(t, []string{"r1"}, marker.markedIDs(),
		"a late first delivery still stamps the request")
}

func TestRetryWorkerReschedulesWithBackoff(t *testing.T) {
	repo := newRetryRepo(t)
	tr := &scriptedTransport{failWith: errors.New("still down")}
	w := NewRetryWorker(tr, repo)
	now := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)
	w.now = func() time.Time { return now }

	entry := &notification.Retry{
		RequestID:   "r1",
		Kind:        notification.KindWorkflowAssigned,
		RetryCount:  2,
		NextRetryAt: now.Add(-time.Second),
		CreatedAt:   now.Add(-time.Hour),
	}
	require.NoError(t, repo.Insert(entry))

	w.DrainOnce(context.Background())

	pending, err := repo.ListPending(10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, 3, pending[0].RetryCount)
	assert.Equal(t, now.Add(4*time.Minute).Unix(), pending[0].NextRetryAt.Unix())
	assert.Equal(t, "still down", pending[0].LastError)
}

func TestRetryWorkerFlagsExhaustedEntries(t *testing.T) {
	repo := newRetryRepo(t)
	tr := &scriptedTransport{failWith: errors.New("recipient blocked the bot")}
	w := NewRetryWorker(tr, repo)

	entry := &notification.Retry{
		RequestID:   "r1",
		Kind:        notification.KindStaffCreated,
		RetryCount:  MaxRetryAttempts - 1,
		NextRetryAt: time.Now().Add(-time.Second),
		CreatedAt:   time.Now().Add(-24 * time.Hour),
	}
	require.NoError(t, repo.Insert(entry))

	w.DrainOnce(context.Background())

	n, err := repo.CountPending()
	require.NoError(t, err)
	assert.Zero(t, n, "flagged entries leave the rotation")

	flagged, err := repo.ListFlagged()
	require.NoError(t, err)
	require.Len(t, flagged, 1)
	assert.True(t, flagged[0].NeedsReview)
	assert.Equal(t, "recipient blocked the bot", flagged[0].LastError)
}

func TestRetryWorkerSkipsFutureEntries(t *testing.T) {
	repo := newRetryRepo(t)
	tr := &scriptedTransport{}
	w := NewRetryWorker(tr, repo)

	entry := &notification.Retry{
		RequestID:   "r1",
		Kind:        notification.KindWorkflowAssigned,
		NextRetryAt: time.Now().Add(time.Hour),
		CreatedAt:   time.Now(),
	}
	require.NoError(t, repo.Insert(entry))

	w.DrainOnce(context.Background())
	assert.Empty(t, tr.delivered)
}
