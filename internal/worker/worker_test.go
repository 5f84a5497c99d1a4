package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/example/calendar-sync/internal/persistence"
	"github.com/example/calendar-sync/internal/protocol"
	"github.com/example/calendar-sync/internal/queue"
	"github.com/example/calendar-sync/internal/testfixtures"
)

type clientCall struct {
	method string
	uid    string
	url    string
}

// clientStub scripts PutEvent and DeleteResource responses and records the
// calls it receives.
type clientStub struct {
	mu            sync.Mutex
	calls         []clientCall
	putResults    map[string]protocol.SinglePushResult
	putErr        error
	deleteResult  protocol.SinglePushResult
	deleteErr     error
	defaultResult protocol.SinglePushResult
	// onPut, when set, runs while a PutEvent call is outstanding. Tests use
	// it to interleave local mutations with the remote round trip.
	onPut func()
}

func newClientStub() *clientStub {
	return &clientStub{
		putResults:    make(map[string]protocol.SinglePushResult),
		defaultResult: protocol.SinglePushResult{StatusCode: 201, RemoteURL: "/remote/default.ics", VersionTag: `"v1"`},
		deleteResult:  protocol.SinglePushResult{StatusCode: 204},
	}
}

func (c *clientStub) DiscoverPrincipal(ctx context.Context) (protocol.Principal, error) {
	return protocol.Principal{}, errors.New("not scripted")
}

func (c *clientStub) ListChanges(ctx context.Context, collectionPath, syncToken string) (protocol.PullResult, error) {
	return protocol.PullResult{}, errors.New("not scripted")
}

func (c *clientStub) PutEvent(ctx context.Context, req protocol.PutRequest) (protocol.SinglePushResult, error) {
	c.mu.Lock()
	c.calls = append(c.calls, clientCall{method: "put", uid: req.UID, url: req.CollectionPath})
	c.mu.Unlock()
	if c.onPut != nil {
		c.onPut()
	}
	if c.putErr != nil {
		return protocol.SinglePushResult{}, c.putErr
	}
	if result, ok := c.putResults[req.UID]; ok {
		return result, nil
	}
	return c.defaultResult, nil
}

func (c *clientStub) DeleteResource(ctx context.Context, resourceURL, versionTag string) (protocol.SinglePushResult, error) {
	c.mu.Lock()
	c.calls = append(c.calls, clientCall{method: "delete", url: resourceURL})
	c.mu.Unlock()
	if c.deleteErr != nil {
		return protocol.SinglePushResult{}, c.deleteErr
	}
	return c.deleteResult, nil
}

func (c *clientStub) recorded() []clientCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]clientCall, len(c.calls))
	copy(out, c.calls)
	return out
}

type workerHarness struct {
	worker *Worker
	store  *testfixtures.MemoryStore
	clock  *testfixtures.Clock
	queue  *queue.Queue
	client *clientStub
}

func newWorkerHarness(t *testing.T) *workerHarness {
	t.Helper()
	store := testfixtures.NewMemoryStore()
	clock := testfixtures.NewClock(time.Time{})
	gen := testfixtures.NewIDGenerator("op")
	q := queue.NewQueue(store, queue.DefaultBackoffConfig(), 3, gen.NextFunc(), clock.NowFunc(), nil)
	client := newClientStub()
	w := New(Config{
		Transactor:  store,
		Events:      store,
		Occurrences: store,
		Calendars:   store,
		Queue:       q,
		Client:      client,
		Concurrency: 2,
		Now:         clock.NowFunc(),
	})
	return &workerHarness{worker: w, store: store, clock: clock, queue: q, client: client}
}

func (h *workerHarness) seedCalendar(t *testing.T) persistence.Calendar {
	t.Helper()
	calendar := testfixtures.NewCalendarFixture()
	if err := h.store.UpsertCalendar(context.Background(), calendar); err != nil {
		t.Fatalf("UpsertCalendar returned error: %v", err)
	}
	return calendar
}

func (h *workerHarness) seedEvent(t *testing.T, calendarID string, opts ...testfixtures.EventOption) persistence.Event {
	t.Helper()
	event := testfixtures.NewEventFixture(calendarID, opts...)
	if err := h.store.CreateEvent(context.Background(), event); err != nil {
		t.Fatalf("CreateEvent returned error: %v", err)
	}
	return event
}

func (h *workerHarness) enqueue(t *testing.T, eventID string, kind persistence.OperationKind) persistence.PendingOperation {
	t.Helper()
	op, err := h.queue.Enqueue(context.Background(), queue.EnqueueInput{EventID: eventID, Operation: kind})
	if err != nil {
		t.Fatalf("Enqueue returned error: %v", err)
	}
	return op
}

func TestRunPass_AppliesCreateAndStoresRemoteIdentity(t *testing.T) {
	t.Parallel()

	h := newWorkerHarness(t)
	ctx := context.Background()
	calendar := h.seedCalendar(t)
	event := h.seedEvent(t, calendar.ID)
	op := h.enqueue(t, event.ID, persistence.OperationCreate)

	h.client.putResults[event.UID] = protocol.SinglePushResult{
		StatusCode: 201,
		RemoteURL:  "/remote/" + event.ID + ".ics",
		VersionTag: `"etag-1"`,
	}

	stats, err := h.worker.RunPass(ctx)
	if err != nil {
		t.Fatalf("RunPass returned error: %v", err)
	}
	if stats.Applied != 1 {
		t.Fatalf("expected 1 applied, got %+v", stats)
	}

	stored, err := h.store.GetEvent(ctx, event.ID)
	if err != nil {
		t.Fatalf("GetEvent returned error: %v", err)
	}
	if stored.SyncStatus != persistence.SyncStatusSynced {
		t.Fatalf("expected SYNCED, got %s", stored.SyncStatus)
	}
	if stored.RemoteURL == nil || *stored.RemoteURL != "/remote/"+event.ID+".ics" {
		t.Fatalf("expected stored remote URL, got %v", stored.RemoteURL)
	}
	if stored.RemoteVersionTag == nil || *stored.RemoteVersionTag != `"etag-1"` {
		t.Fatalf("expected stored version tag, got %v", stored.RemoteVersionTag)
	}

	if _, err := h.store.GetOperation(ctx, op.ID); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("expected operation removed after success, got %v", err)
	}
}

func TestRunPass_EditDuringPushSurvivesSettle(t *testing.T) {
	t.Parallel()

	h := newWorkerHarness(t)
	ctx := context.Background()
	calendar := h.seedCalendar(t)
	event := h.seedEvent(t, calendar.ID)
	op := h.enqueue(t, event.ID, persistence.OperationCreate)

	h.client.putResults[event.UID] = protocol.SinglePushResult{
		StatusCode: 201,
		RemoteURL:  "/remote/" + event.ID + ".ics",
		VersionTag: `"etag-1"`,
	}

	// A local edit lands while the upload is outstanding. The upload carried
	// the pre-edit state, so the settle must keep the edit, hold the row out
	// of SYNCED, and queue a follow-up push for it.
	h.client.onPut = func() {
		h.clock.Advance(time.Second)
		edited, err := h.store.GetEvent(ctx, event.ID)
		if err != nil {
			t.Errorf("GetEvent returned error: %v", err)
			return
		}
		edited.Title = "edited while uploading"
		edited.UpdatedAt = h.clock.Now()
		if err := h.store.UpdateEvent(ctx, edited); err != nil {
			t.Errorf("UpdateEvent returned error: %v", err)
		}
	}

	stats, err := h.worker.RunPass(ctx)
	if err != nil {
		t.Fatalf("RunPass returned error: %v", err)
	}
	if stats.Applied != 1 {
		t.Fatalf("expected 1 applied, got %+v", stats)
	}

	stored, err := h.store.GetEvent(ctx, event.ID)
	if err != nil {
		t.Fatalf("GetEvent returned error: %v", err)
	}
	if stored.Title != "edited while uploading" {
		t.Fatalf("expected the interleaved edit to survive, got title %q", stored.Title)
	}
	if stored.SyncStatus != persistence.SyncStatusPendingUpdate {
		t.Fatalf("expected PENDING_UPDATE for the unsynced edit, got %s", stored.SyncStatus)
	}
	if stored.RemoteURL == nil || *stored.RemoteURL != "/remote/"+event.ID+".ics" {
		t.Fatalf("expected remote identity from the push, got %v", stored.RemoteURL)
	}

	if _, err := h.store.GetOperation(ctx, op.ID); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("expected the settled CREATE removed, got %v", err)
	}
	pending, err := h.queue.PendingForEvent(ctx, event.ID)
	if err != nil {
		t.Fatalf("PendingForEvent returned error: %v", err)
	}
	if len(pending) != 1 || pending[0].Operation != persistence.OperationUpdate {
		t.Fatalf("expected exactly one follow-up UPDATE, got %v", pending)
	}
	if pending[0].Status != persistence.OperationPending {
		t.Fatalf("expected the follow-up ready to run, got %s", pending[0].Status)
	}
}

func TestRunPass_EditDuringPushDoesNotDuplicateQueuedUpdate(t *testing.T) {
	t.Parallel()

	h := newWorkerHarness(t)
	ctx := context.Background()
	calendar := h.seedCalendar(t)
	event := h.seedEvent(t, calendar.ID, testfixtures.WithSynced("/remote/a.ics", `"v1"`))
	if _, err := h.queue.Enqueue(ctx, queue.EnqueueInput{
		EventID:          event.ID,
		Operation:        persistence.OperationMove,
		TargetCalendarID: &calendar.ID,
	}); err != nil {
		t.Fatalf("Enqueue returned error: %v", err)
	}

	var queuedUpdate persistence.PendingOperation
	h.client.onPut = func() {
		h.clock.Advance(time.Second)
		edited, err := h.store.GetEvent(ctx, event.ID)
		if err != nil {
			t.Errorf("GetEvent returned error: %v", err)
			return
		}
		edited.UpdatedAt = h.clock.Now()
		if err := h.store.UpdateEvent(ctx, edited); err != nil {
			t.Errorf("UpdateEvent returned error: %v", err)
			return
		}
		// The edit's own UPDATE is already in the queue; the settle must not
		// add a second one.
		queuedUpdate, err = h.queue.Enqueue(ctx, queue.EnqueueInput{
			EventID:   event.ID,
			Operation: persistence.OperationUpdate,
		})
		if err != nil {
			t.Errorf("Enqueue returned error: %v", err)
		}
	}

	if _, err := h.worker.RunPass(ctx); err != nil {
		t.Fatalf("RunPass returned error: %v", err)
	}

	pending, err := h.queue.PendingForEvent(ctx, event.ID)
	if err != nil {
		t.Fatalf("PendingForEvent returned error: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != queuedUpdate.ID {
		t.Fatalf("expected only the edit's own UPDATE, got %v", pending)
	}
}

func TestRunPass_DropsOperationForMissingEvent(t *testing.T) {
	t.Parallel()

	h := newWorkerHarness(t)
	ctx := context.Background()
	op := h.enqueue(t, "vanished-event", persistence.OperationUpdate)

	stats, err := h.worker.RunPass(ctx)
	if err != nil {
		t.Fatalf("RunPass returned error: %v", err)
	}
	if stats.Dropped != 1 || stats.Applied != 0 {
		t.Fatalf("expected 1 dropped, got %+v", stats)
	}
	if _, err := h.store.GetOperation(ctx, op.ID); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("expected stale operation removed, got %v", err)
	}
	if len(h.client.recorded()) != 0 {
		t.Fatalf("expected no remote calls for a missing event, got %v", h.client.recorded())
	}
}

func TestRunPass_RetryableFailureRequeuesAndStopsGroup(t *testing.T) {
	t.Parallel()

	h := newWorkerHarness(t)
	ctx := context.Background()
	calendar := h.seedCalendar(t)
	event := h.seedEvent(t, calendar.ID)

	first := h.enqueue(t, event.ID, persistence.OperationCreate)
	second := h.enqueue(t, event.ID, persistence.OperationUpdate)

	h.client.putResults[event.UID] = protocol.SinglePushResult{StatusCode: 503, Message: "maintenance"}

	stats, err := h.worker.RunPass(ctx)
	if err != nil {
		t.Fatalf("RunPass returned error: %v", err)
	}
	if stats.Requeued != 1 {
		t.Fatalf("expected 1 requeued, got %+v", stats)
	}

	// The later operation must not overtake the failed one.
	calls := h.client.recorded()
	if len(calls) != 1 {
		t.Fatalf("expected the group to stop after the failure, got %d calls", len(calls))
	}

	storedFirst, err := h.store.GetOperation(ctx, first.ID)
	if err != nil {
		t.Fatalf("GetOperation returned error: %v", err)
	}
	if storedFirst.Status != persistence.OperationPending {
		t.Fatalf("expected PENDING after retryable failure, got %s", storedFirst.Status)
	}
	if storedFirst.RetryCount != 1 {
		t.Fatalf("expected retry count 1, got %d", storedFirst.RetryCount)
	}
	storedSecond, err := h.store.GetOperation(ctx, second.ID)
	if err != nil {
		t.Fatalf("GetOperation returned error: %v", err)
	}
	if storedSecond.Status != persistence.OperationPending || storedSecond.RetryCount != 0 {
		t.Fatalf("expected untouched second operation, got %+v", storedSecond)
	}
}

func TestRunPass_NonRetryableFailureMarksFailed(t *testing.T) {
	t.Parallel()

	h := newWorkerHarness(t)
	ctx := context.Background()
	calendar := h.seedCalendar(t)
	event := h.seedEvent(t, calendar.ID)
	op := h.enqueue(t, event.ID, persistence.OperationCreate)

	h.client.putResults[event.UID] = protocol.SinglePushResult{StatusCode: 401, Message: "bad credentials"}

	stats, err := h.worker.RunPass(ctx)
	if err != nil {
		t.Fatalf("RunPass returned error: %v", err)
	}
	if stats.Failed != 1 {
		t.Fatalf("expected 1 failed, got %+v", stats)
	}

	stored, err := h.store.GetOperation(ctx, op.ID)
	if err != nil {
		t.Fatalf("GetOperation returned error: %v", err)
	}
	if stored.Status != persistence.OperationFailed {
		t.Fatalf("expected FAILED, got %s", stored.Status)
	}
	if stored.LastError == nil {
		t.Fatal("expected recorded cause")
	}
}

func TestRunPass_FIFOPerEvent(t *testing.T) {
	t.Parallel()

	h := newWorkerHarness(t)
	ctx := context.Background()
	calendar := h.seedCalendar(t)
	event := h.seedEvent(t, calendar.ID, testfixtures.WithSynced("/remote/a.ics", `"v1"`))

	h.enqueue(t, event.ID, persistence.OperationUpdate)
	h.enqueue(t, event.ID, persistence.OperationDelete)

	stats, err := h.worker.RunPass(ctx)
	if err != nil {
		t.Fatalf("RunPass returned error: %v", err)
	}
	if stats.Applied != 2 {
		t.Fatalf("expected both operations applied, got %+v", stats)
	}

	calls := h.client.recorded()
	if len(calls) != 2 {
		t.Fatalf("expected 2 remote calls, got %d", len(calls))
	}
	if calls[0].method != "put" || calls[1].method != "delete" {
		t.Fatalf("expected put then delete, got %v", calls)
	}
}

func TestRunPass_DeleteSettlesLocally(t *testing.T) {
	t.Parallel()

	h := newWorkerHarness(t)
	ctx := context.Background()
	calendar := h.seedCalendar(t)
	event := h.seedEvent(t, calendar.ID,
		testfixtures.WithSynced("/remote/gone.ics", `"v1"`),
		testfixtures.WithSyncStatus(persistence.SyncStatusPendingDelete))
	op := h.enqueue(t, event.ID, persistence.OperationDelete)

	stats, err := h.worker.RunPass(ctx)
	if err != nil {
		t.Fatalf("RunPass returned error: %v", err)
	}
	if stats.Applied != 1 {
		t.Fatalf("expected 1 applied, got %+v", stats)
	}

	if _, err := h.store.GetEvent(ctx, event.ID); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("expected tombstone removed after remote delete, got %v", err)
	}
	if _, err := h.store.GetOperation(ctx, op.ID); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("expected operation removed, got %v", err)
	}
}

func TestRunPass_DeleteTreats404AsApplied(t *testing.T) {
	t.Parallel()

	h := newWorkerHarness(t)
	ctx := context.Background()
	calendar := h.seedCalendar(t)
	event := h.seedEvent(t, calendar.ID,
		testfixtures.WithSynced("/remote/gone.ics", `"v1"`),
		testfixtures.WithSyncStatus(persistence.SyncStatusPendingDelete))
	h.enqueue(t, event.ID, persistence.OperationDelete)

	h.client.deleteResult = protocol.SinglePushResult{StatusCode: 404, Message: "already gone"}

	stats, err := h.worker.RunPass(ctx)
	if err != nil {
		t.Fatalf("RunPass returned error: %v", err)
	}
	if stats.Applied != 1 {
		t.Fatalf("expected 404 to count as applied, got %+v", stats)
	}
	if _, err := h.store.GetEvent(ctx, event.ID); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("expected tombstone removed, got %v", err)
	}
}

func TestRunPass_MoveReuploadsThenDeletesOldResource(t *testing.T) {
	t.Parallel()

	h := newWorkerHarness(t)
	ctx := context.Background()
	source := h.seedCalendar(t)
	target := h.seedCalendar(t)

	// The writer has already flipped the row to the target calendar and
	// cleared the remote identity; the MOVE operation carries the old URL.
	event := h.seedEvent(t, target.ID, testfixtures.WithSyncStatus(persistence.SyncStatusPendingUpdate))
	oldURL := "/calendars/" + source.ID + "/event.ics"
	op, err := h.queue.Enqueue(ctx, queue.EnqueueInput{
		EventID:          event.ID,
		Operation:        persistence.OperationMove,
		TargetURL:        &oldURL,
		TargetCalendarID: &target.ID,
	})
	if err != nil {
		t.Fatalf("Enqueue returned error: %v", err)
	}

	h.client.putResults[event.UID] = protocol.SinglePushResult{
		StatusCode: 201,
		RemoteURL:  "/calendars/" + target.ID + "/event.ics",
		VersionTag: `"v2"`,
	}

	stats, err := h.worker.RunPass(ctx)
	if err != nil {
		t.Fatalf("RunPass returned error: %v", err)
	}
	if stats.Applied != 1 {
		t.Fatalf("expected 1 applied, got %+v", stats)
	}

	calls := h.client.recorded()
	if len(calls) != 2 || calls[0].method != "put" || calls[1].method != "delete" {
		t.Fatalf("expected upload then old-resource delete, got %v", calls)
	}
	if calls[0].url != target.RemotePath {
		t.Fatalf("expected upload to target collection %q, got %q", target.RemotePath, calls[0].url)
	}
	if calls[1].url != oldURL {
		t.Fatalf("expected delete of old resource %q, got %q", oldURL, calls[1].url)
	}

	stored, err := h.store.GetEvent(ctx, event.ID)
	if err != nil {
		t.Fatalf("GetEvent returned error: %v", err)
	}
	if stored.SyncStatus != persistence.SyncStatusSynced {
		t.Fatalf("expected SYNCED after move, got %s", stored.SyncStatus)
	}
	if stored.RemoteURL == nil || *stored.RemoteURL != "/calendars/"+target.ID+"/event.ics" {
		t.Fatalf("expected new remote URL, got %v", stored.RemoteURL)
	}
	if _, err := h.store.GetOperation(ctx, op.ID); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("expected MOVE removed after success, got %v", err)
	}
}

func TestRunPass_RecoversStaleInProgress(t *testing.T) {
	t.Parallel()

	h := newWorkerHarness(t)
	ctx := context.Background()
	calendar := h.seedCalendar(t)
	event := h.seedEvent(t, calendar.ID)

	op := h.enqueue(t, event.ID, persistence.OperationCreate)
	if _, err := h.queue.Claim(ctx, op); err != nil {
		t.Fatalf("Claim returned error: %v", err)
	}

	// A crashed pass left the claim behind; two hours later the sweep must
	// recover and apply it in the same pass.
	h.clock.Advance(2 * time.Hour)

	stats, err := h.worker.RunPass(ctx)
	if err != nil {
		t.Fatalf("RunPass returned error: %v", err)
	}
	if stats.Recovered != 1 {
		t.Fatalf("expected 1 recovered, got %+v", stats)
	}
	if stats.Applied != 1 {
		t.Fatalf("expected the recovered operation applied, got %+v", stats)
	}
}

func TestRunPass_TransportErrorClassifiesRetryable(t *testing.T) {
	t.Parallel()

	h := newWorkerHarness(t)
	ctx := context.Background()
	calendar := h.seedCalendar(t)
	event := h.seedEvent(t, calendar.ID)
	op := h.enqueue(t, event.ID, persistence.OperationCreate)

	h.client.putErr = errors.New("dial tcp: connection refused")

	stats, err := h.worker.RunPass(ctx)
	if err != nil {
		t.Fatalf("RunPass returned error: %v", err)
	}
	if stats.Requeued != 1 {
		t.Fatalf("expected 1 requeued, got %+v", stats)
	}

	stored, err := h.store.GetOperation(ctx, op.ID)
	if err != nil {
		t.Fatalf("GetOperation returned error: %v", err)
	}
	if stored.Status != persistence.OperationPending {
		t.Fatalf("expected PENDING for retryable transport failure, got %s", stored.Status)
	}
}

func TestRunPass_CancelledContextLeavesWorkPending(t *testing.T) {
	t.Parallel()

	h := newWorkerHarness(t)
	calendar := h.seedCalendar(t)
	event := h.seedEvent(t, calendar.ID)
	op := h.enqueue(t, event.ID, persistence.OperationCreate)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := h.worker.RunPass(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	stored, err := h.store.GetOperation(context.Background(), op.ID)
	if err != nil {
		t.Fatalf("GetOperation returned error: %v", err)
	}
	if stored.Status != persistence.OperationPending {
		t.Fatalf("expected untouched PENDING operation, got %s", stored.Status)
	}
}
