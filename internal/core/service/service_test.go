package service

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/yndnr/mailsync-go/internal/core/domain"
	"github.com/yndnr/mailsync-go/internal/remote/memsource"
	"github.com/yndnr/mailsync-go/internal/storage"
	"github.com/yndnr/mailsync-go/internal/storage/eventlog"
	"github.com/yndnr/mailsync-go/internal/storage/snapshot"
)

// ============================================================================
// Fixtures
// ============================================================================

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

type fixture struct {
	clock     *clock
	events    EventLog
	snapshots SnapshotStore
	remote    *memsource.Source
	engine    *SyncEngine
	mailbox   *MailboxService
}

type fixtureOption func(f *fixture)

func withEvents(wrap func(EventLog) EventLog) fixtureOption {
	return func(f *fixture) { f.events = wrap(f.events) }
}

func withSnapshots(wrap func(SnapshotStore) SnapshotStore) fixtureOption {
	return func(f *fixture) { f.snapshots = wrap(f.snapshots) }
}

func newFixture(t *testing.T, policy Policy, opts ...fixtureOption) *fixture {
	t.Helper()

	kv, err := storage.NewBadgerEngine(storage.KVConfig{InMemory: true, Badger: storage.DefaultBadgerConfig()}, slog.Default())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { kv.Close() })

	f := &fixture{
		clock:  &clock{now: time.Now()},
		remote: memsource.New(),
	}
	f.events = eventlog.New(kv, eventlog.Options{Now: f.clock.Now})
	f.snapshots = snapshot.New(kv, snapshot.Options{Now: f.clock.Now})
	for _, opt := range opts {
		opt(f)
	}

	f.engine = NewSyncEngine(f.events, f.snapshots, f.remote, EngineOptions{Policy: policy})
	mutations := NewMutationService(f.events, f.snapshots, f.remote, MutationOptions{})
	f.mailbox = NewMailboxService(f.engine, mutations, f.events, f.snapshots, f.remote, nil)
	return f
}

// deliver adds n unread messages to folder on the remote source.
func (f *fixture) deliver(folder string, n int) {
	for i := 0; i < n; i++ {
		f.remote.Deliver(folder, domain.MailItem{Subject: "hello", From: "alice@example.com"})
	}
}

func (f *fixture) active(t *testing.T, folder string) *domain.Snapshot {
	t.Helper()
	snap, err := f.snapshots.LoadActive(context.Background(), folder)
	if err != nil {
		t.Fatal(err)
	}
	if snap == nil {
		t.Fatalf("no active snapshot for %s", folder)
	}
	return snap
}

func find(items []domain.MailItem, subjectID string) (domain.MailItem, bool) {
	for _, it := range items {
		if it.SubjectID == subjectID {
			return it, true
		}
	}
	return domain.MailItem{}, false
}

// quietPolicy only compacts on the event threshold.
var quietPolicy = Policy{EventThreshold: 50}

type faultyEvents struct {
	EventLog
	appendErr error
	listErr   error
}

func (f *faultyEvents) Append(ctx context.Context, subjectID, partition string, payload domain.Payload) (uint64, error) {
	if f.appendErr != nil {
		return 0, f.appendErr
	}
	return f.EventLog.Append(ctx, subjectID, partition, payload)
}

func (f *faultyEvents) ListSince(ctx context.Context, after uint64) ([]domain.Event, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.EventLog.ListSince(ctx, after)
}

type faultySnapshots struct {
	SnapshotStore
	loadErr error
}

func (f *faultySnapshots) LoadActive(ctx context.Context, partition string) (*domain.Snapshot, error) {
	if f.loadErr != nil {
		return nil, f.loadErr
	}
	return f.SnapshotStore.LoadActive(ctx, partition)
}

// ============================================================================
// SyncEngine
// ============================================================================

func TestSyncEngine_FirstLoadOfEmptyFolder(t *testing.T) {
	f := newFixture(t, DefaultPolicy())
	ctx := context.Background()

	res, err := f.engine.Load(ctx, "INBOX")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if res.Source != SourceInitial || len(res.Items) != 0 || res.SnapshotID == "" {
		t.Errorf("Load() = %+v", res)
	}

	snap := f.active(t, "INBOX")
	if snap.ItemCount != 0 || snap.BoundaryID != "" || snap.Kind != domain.SnapshotFull {
		t.Errorf("snapshot = %+v", snap.Header())
	}

	counts, _ := f.events.CountsByType(ctx)
	if counts[domain.EventSnapshotCreated] != 1 {
		t.Errorf("snapshot_created events = %d, want 1", counts[domain.EventSnapshotCreated])
	}
}

func TestSyncEngine_ReplaysEventsOntoSnapshot(t *testing.T) {
	f := newFixture(t, quietPolicy)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := f.events.Append(ctx, "x", "Other", domain.Read{}); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := f.snapshots.Save(ctx, "INBOX", items("INBOX", "1", "2", "3", "4", "5", "6", "7", "8", "9", "10"), "10", 5, domain.SnapshotFull); err != nil {
		t.Fatal(err)
	}

	appends := []struct {
		subjectID string
		payload   domain.Payload
	}{
		{"3", domain.Read{}},
		{"4", domain.Deleted{}},
		{"11", domain.Received{Item: domain.MailItem{Subject: "late", Folder: "INBOX"}}},
	}
	for i, a := range appends {
		seq, err := f.events.Append(ctx, a.subjectID, "INBOX", a.payload)
		if err != nil {
			t.Fatal(err)
		}
		if seq != uint64(6+i) {
			t.Fatalf("sequence = %d, want %d", seq, 6+i)
		}
	}

	res, err := f.engine.Load(ctx, "INBOX")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(res.Items) != 10 || res.EventsApplied != 3 || res.Source != SourceSnapshot {
		t.Fatalf("Load() = %d items, %d applied, source %s", len(res.Items), res.EventsApplied, res.Source)
	}
	if it, _ := find(res.Items, "3"); !it.Flags.Read {
		t.Error("item 3 should be read")
	}
	if _, ok := find(res.Items, "4"); ok {
		t.Error("item 4 should be removed")
	}
	if it, ok := find(res.Items, "11"); !ok || it.Subject != "late" {
		t.Error("item 11 should be merged")
	}
	if res.Items[0].SubjectID != "11" || res.Items[len(res.Items)-1].SubjectID != "1" {
		t.Errorf("order = %s..%s, want newest first", res.Items[0].SubjectID, res.Items[len(res.Items)-1].SubjectID)
	}
}

func TestSyncEngine_CompactsAfterEventThreshold(t *testing.T) {
	f := newFixture(t, quietPolicy)
	ctx := context.Background()
	f.deliver("INBOX", 3)

	if _, err := f.engine.Load(ctx, "INBOX"); err != nil {
		t.Fatal(err)
	}
	first := f.active(t, "INBOX")

	for i := 0; i < 51; i++ {
		var p domain.Payload = domain.Read{}
		if i%2 == 1 {
			p = domain.Unread{}
		}
		if _, err := f.events.Append(ctx, "1", "INBOX", p); err != nil {
			t.Fatal(err)
		}
	}
	tail, _ := f.events.CurrentSequence(ctx)

	res, err := f.engine.Load(ctx, "INBOX")
	if err != nil {
		t.Fatal(err)
	}
	if !res.Compacted || res.CompactReason != ReasonEvents || res.EventsApplied != 51 {
		t.Fatalf("Load() = compacted %v reason %q applied %d", res.Compacted, res.CompactReason, res.EventsApplied)
	}

	snap := f.active(t, "INBOX")
	if snap.ID == first.ID || snap.Kind != domain.SnapshotCompacted {
		t.Errorf("active snapshot = %+v", snap.Header())
	}
	if snap.BoundarySequence != tail {
		t.Errorf("BoundarySequence = %d, want %d", snap.BoundarySequence, tail)
	}
	if it, _ := find(snap.Items, "1"); !it.Flags.Read {
		t.Error("compacted item 1 should be read")
	}

	res, err = f.engine.Load(ctx, "INBOX")
	if err != nil {
		t.Fatal(err)
	}
	if res.Compacted || res.EventsApplied != 0 {
		t.Errorf("second Load() = compacted %v applied %d", res.Compacted, res.EventsApplied)
	}
}

func TestSyncEngine_DeltaIsRecordedOnce(t *testing.T) {
	f := newFixture(t, quietPolicy)
	ctx := context.Background()
	f.deliver("INBOX", 3)

	if _, err := f.engine.Load(ctx, "INBOX"); err != nil {
		t.Fatal(err)
	}
	f.deliver("INBOX", 2)

	res, err := f.engine.Load(ctx, "INBOX")
	if err != nil {
		t.Fatal(err)
	}
	if res.DeltaCount != 2 || len(res.Items) != 5 {
		t.Errorf("Load() = delta %d, %d items", res.DeltaCount, len(res.Items))
	}

	res, err = f.engine.Load(ctx, "INBOX")
	if err != nil {
		t.Fatal(err)
	}
	if res.DeltaCount != 0 || len(res.Items) != 5 {
		t.Errorf("repeated Load() = delta %d, %d items", res.DeltaCount, len(res.Items))
	}

	counts, _ := f.events.CountsByType(ctx)
	if counts[domain.EventReceived] != 2 {
		t.Errorf("received events = %d, want 2", counts[domain.EventReceived])
	}
}

func TestSyncEngine_LocalDeleteSurvivesRemoteListing(t *testing.T) {
	setup := func(t *testing.T) *fixture {
		f := newFixture(t, quietPolicy)
		ctx := context.Background()
		f.deliver("INBOX", 10)
		if _, err := f.engine.Load(ctx, "INBOX"); err != nil {
			t.Fatal(err)
		}
		f.deliver("INBOX", 1)
		if res, err := f.engine.Load(ctx, "INBOX"); err != nil || res.DeltaCount != 1 {
			t.Fatalf("Load() = %+v, %v", res, err)
		}

		f.remote.SetRefuse(true)
		if _, err := f.mailbox.Delete(ctx, "INBOX", "11"); err != nil {
			t.Fatalf("Delete() error = %v", err)
		}
		f.remote.SetRefuse(false)
		if _, ok := f.remote.Get("INBOX", "11"); !ok {
			t.Fatal("remote should still hold item 11")
		}
		return f
	}

	t.Run("repeated loads", func(t *testing.T) {
		f := setup(t)
		for i := 0; i < 2; i++ {
			res, err := f.engine.Load(context.Background(), "INBOX")
			if err != nil {
				t.Fatal(err)
			}
			if _, ok := find(res.Items, "11"); ok || len(res.Items) != 10 || res.DeltaCount != 0 {
				t.Errorf("load %d: %d items, delta %d, item 11 present %v", i+1, len(res.Items), res.DeltaCount, ok)
			}
		}

		counts, _ := f.events.CountsByType(context.Background())
		if counts[domain.EventReceived] != 1 {
			t.Errorf("received events = %d, want 1", counts[domain.EventReceived])
		}
	})

	t.Run("after compaction", func(t *testing.T) {
		f := setup(t)
		ctx := context.Background()
		if _, err := f.engine.ForceSnapshot(ctx, "INBOX"); err != nil {
			t.Fatal(err)
		}
		if snap := f.active(t, "INBOX"); snap.BoundaryID != "11" {
			t.Errorf("BoundaryID = %q, want 11", snap.BoundaryID)
		}

		res, err := f.engine.Load(ctx, "INBOX")
		if err != nil {
			t.Fatal(err)
		}
		if _, ok := find(res.Items, "11"); ok || len(res.Items) != 10 {
			t.Errorf("Load() = %d items, item 11 present %v", len(res.Items), ok)
		}
	})
}

func TestSyncEngine_RemoteFaultDuringDelta(t *testing.T) {
	f := newFixture(t, quietPolicy)
	ctx := context.Background()
	f.deliver("INBOX", 3)

	if _, err := f.engine.Load(ctx, "INBOX"); err != nil {
		t.Fatal(err)
	}
	f.remote.SetFault(errors.New("connection reset"))

	res, err := f.engine.Load(ctx, "INBOX")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !res.Partial || res.Source != SourceSnapshot || len(res.Items) != 3 {
		t.Errorf("Load() = partial %v source %s, %d items", res.Partial, res.Source, len(res.Items))
	}

	st, ok := f.engine.Status().Get("INBOX")
	if !ok || !st.Partial || st.Loads != 2 {
		t.Errorf("status = %+v", st)
	}
}

func TestSyncEngine_InitialFetchFailure(t *testing.T) {
	f := newFixture(t, quietPolicy)
	f.remote.SetFault(errors.New("dial tcp: refused"))

	_, err := f.engine.Load(context.Background(), "INBOX")
	if !errors.Is(err, domain.ErrRemoteSource) {
		t.Fatalf("Load() error = %v, want remote source fault", err)
	}
	if st, _ := f.engine.Status().Get("INBOX"); st.Error == "" {
		t.Error("status should record the error")
	}
}

func TestSyncEngine_Bypass(t *testing.T) {
	storageErr := domain.ErrStorage.WithDetails("disk unavailable")

	t.Run("snapshot read fault", func(t *testing.T) {
		f := newFixture(t, quietPolicy, withSnapshots(func(s SnapshotStore) SnapshotStore {
			return &faultySnapshots{SnapshotStore: s, loadErr: storageErr}
		}))
		f.deliver("INBOX", 4)

		res, err := f.engine.Load(context.Background(), "INBOX")
		if err != nil {
			t.Fatalf("Load() error = %v", err)
		}
		if res.Source != SourceBypass || len(res.Items) != 4 || res.SnapshotID == "" {
			t.Errorf("Load() = source %s, %d items, snapshot %q", res.Source, len(res.Items), res.SnapshotID)
		}
	})

	t.Run("event read fault", func(t *testing.T) {
		var faulty *faultyEvents
		f := newFixture(t, quietPolicy, withEvents(func(l EventLog) EventLog {
			faulty = &faultyEvents{EventLog: l}
			return faulty
		}))
		f.deliver("INBOX", 2)
		if _, err := f.engine.Load(context.Background(), "INBOX"); err != nil {
			t.Fatal(err)
		}

		faulty.listErr = errors.New("read failed")
		res, err := f.engine.Load(context.Background(), "INBOX")
		if err != nil {
			t.Fatalf("Load() error = %v", err)
		}
		if res.Source != SourceBypass || len(res.Items) != 2 {
			t.Errorf("Load() = source %s, %d items", res.Source, len(res.Items))
		}
	})

	t.Run("later load replays local mutations", func(t *testing.T) {
		var faulty *faultySnapshots
		f := newFixture(t, quietPolicy, withSnapshots(func(s SnapshotStore) SnapshotStore {
			faulty = &faultySnapshots{SnapshotStore: s}
			return faulty
		}))
		ctx := context.Background()
		f.deliver("INBOX", 3)
		if _, err := f.engine.Load(ctx, "INBOX"); err != nil {
			t.Fatal(err)
		}

		f.remote.SetRefuse(true)
		if _, err := f.mailbox.MarkRead(ctx, "INBOX", "2"); err != nil {
			t.Fatal(err)
		}
		f.remote.SetRefuse(false)

		faulty.loadErr = storageErr
		res, err := f.engine.Load(ctx, "INBOX")
		if err != nil || res.Source != SourceBypass || res.SnapshotID == "" {
			t.Fatalf("bypass Load() = %+v, %v", res, err)
		}
		faulty.loadErr = nil

		snap := f.active(t, "INBOX")
		if snap.BoundarySequence != 0 || !snap.Stale {
			t.Errorf("bypass snapshot boundary %d stale %v, want 0 and stale", snap.BoundarySequence, snap.Stale)
		}

		res, err = f.engine.Load(ctx, "INBOX")
		if err != nil {
			t.Fatal(err)
		}
		if it, _ := find(res.Items, "2"); !it.Flags.Read {
			t.Error("item 2 should stay read after the bypass")
		}
		if !res.Compacted || res.CompactReason != ReasonStale {
			t.Errorf("Load() = compacted %v reason %q, want stale compaction", res.Compacted, res.CompactReason)
		}
	})

	t.Run("remote also down", func(t *testing.T) {
		f := newFixture(t, quietPolicy, withSnapshots(func(s SnapshotStore) SnapshotStore {
			return &faultySnapshots{SnapshotStore: s, loadErr: storageErr}
		}))
		f.remote.SetFault(errors.New("timeout"))

		if _, err := f.engine.Load(context.Background(), "INBOX"); !errors.Is(err, domain.ErrRemoteSource) {
			t.Errorf("Load() error = %v, want remote source fault", err)
		}
	})
}

func TestSyncEngine_Cancelled(t *testing.T) {
	f := newFixture(t, quietPolicy)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := f.engine.Load(ctx, "INBOX"); err == nil {
		t.Error("Load() with cancelled context should fail")
	}
	if f.remote.Calls("list_recent") != 0 {
		t.Error("remote should not be contacted after cancellation")
	}
}

func TestSyncEngine_InvalidPartition(t *testing.T) {
	f := newFixture(t, quietPolicy)
	if _, err := f.engine.Load(context.Background(), ""); !errors.Is(err, domain.ErrMissingArgument) && !errors.Is(err, domain.ErrInvalidArgument) {
		t.Errorf("Load(\"\") error = %v", err)
	}
}

func TestSyncEngine_ConcurrentLoads(t *testing.T) {
	f := newFixture(t, quietPolicy)
	ctx := context.Background()
	f.deliver("INBOX", 5)

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.engine.Load(ctx, "INBOX")
			if err == nil && len(res.Items) != 5 {
				err = errors.New("wrong item count")
			}
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Errorf("Load() error = %v", err)
		}
	}

	snaps, err := f.snapshots.List(ctx, "INBOX")
	if err != nil {
		t.Fatal(err)
	}
	active := 0
	for _, s := range snaps {
		if s.Active {
			active++
		}
	}
	if active != 1 {
		t.Errorf("active snapshots = %d, want 1", active)
	}
}

func TestSyncEngine_SetPolicy(t *testing.T) {
	f := newFixture(t, quietPolicy)
	f.engine.SetPolicy(Policy{EventThreshold: 3})
	if got := f.engine.Policy().EventThreshold; got != 3 {
		t.Errorf("EventThreshold = %d, want 3", got)
	}
}

// ============================================================================
// StatusTracker
// ============================================================================

func TestStatusTracker_LastSuccess(t *testing.T) {
	tr := NewStatusTracker()
	first := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	tr.record("INBOX", first, nil, domain.ErrRemoteSource)
	st, _ := tr.Get("INBOX")
	if st.LastSuccess != nil {
		t.Errorf("LastSuccess = %v before any success", st.LastSuccess)
	}
	raw, err := json.Marshal(st)
	if err != nil {
		t.Fatal(err)
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		t.Fatal(err)
	}
	if _, ok := fields["last_success"]; ok {
		t.Errorf("last_success present in %s", raw)
	}

	tr.record("INBOX", first.Add(time.Minute), &LoadResult{Source: SourceSnapshot}, nil)
	tr.record("INBOX", first.Add(2*time.Minute), nil, domain.ErrRemoteSource)
	st, _ = tr.Get("INBOX")
	if st.LastSuccess == nil || !st.LastSuccess.Equal(first.Add(time.Minute)) {
		t.Errorf("LastSuccess = %v, want %v", st.LastSuccess, first.Add(time.Minute))
	}
	if st.Loads != 3 || st.Error == "" {
		t.Errorf("status = %+v", st)
	}
}
