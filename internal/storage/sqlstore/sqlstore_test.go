package sqlstore

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/yndnr/mailsync-go/internal/core/domain"
	"github.com/yndnr/mailsync-go/pkg/crypto/adaptive"
)

// newTestDB creates an in-memory database with all migrations applied.
func newTestDB(t *testing.T, opts Options) *DB {
	t.Helper()

	db, err := Open(":memory:", opts)
	if err != nil {
		t.Fatalf("creating test db: %v", err)
	}
	t.Cleanup(func() {
		if err := db.Close(); err != nil {
			t.Errorf("closing test db: %v", err)
		}
	})
	return db
}

func TestEventLog_AppendAndList(t *testing.T) {
	log := newTestDB(t, Options{}).Events()
	ctx := context.Background()

	payloads := []domain.Payload{
		domain.Received{Item: domain.MailItem{SubjectID: "1", Subject: "caf\xe9", Folder: "INBOX"}},
		domain.Read{},
		domain.Moved{From: "INBOX", To: "Archive"},
		domain.SnapshotCreated{SnapshotID: "snap-1", ItemCount: 1, BoundarySequence: 3},
	}
	for i, p := range payloads {
		seq, err := log.Append(ctx, "1", "INBOX", p)
		if err != nil {
			t.Fatalf("Append() error = %v", err)
		}
		if seq != uint64(i+1) {
			t.Errorf("Append() sequence = %d, want %d", seq, i+1)
		}
	}

	events, err := log.ListSince(ctx, 1)
	if err != nil {
		t.Fatalf("ListSince() error = %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("ListSince(1) returned %d events, want 3", len(events))
	}
	if events[0].Type() != domain.EventRead || events[1].Payload.(domain.Moved).To != "Archive" {
		t.Errorf("unexpected events: %+v", events)
	}

	all, _ := log.ListSince(ctx, 0)
	if got := all[0].Payload.(domain.Received).Item.Subject; got != "café" {
		t.Errorf("received item subject = %q, want encoded café", got)
	}

	if seq, _ := log.CurrentSequence(ctx); seq != 4 {
		t.Errorf("CurrentSequence() = %d, want 4", seq)
	}
	counts, err := log.CountsByType(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if counts[domain.EventRead] != 1 || counts[domain.EventSnapshotCreated] != 1 {
		t.Errorf("CountsByType() = %v", counts)
	}
}

func TestEventLog_ConcurrentAppendsAreDense(t *testing.T) {
	log := newTestDB(t, Options{}).Events()
	ctx := context.Background()

	const n = 32
	seqs := make(chan uint64, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			seq, err := log.Append(ctx, "7", "INBOX", domain.Read{})
			if err != nil {
				t.Errorf("Append() error = %v", err)
				return
			}
			seqs <- seq
		}()
	}
	wg.Wait()
	close(seqs)

	seen := make(map[uint64]bool)
	for s := range seqs {
		if seen[s] {
			t.Errorf("sequence %d handed out twice", s)
		}
		seen[s] = true
	}
	for i := uint64(1); i <= n; i++ {
		if !seen[i] {
			t.Errorf("sequence %d missing", i)
		}
	}
}

func TestEventLog_Retain(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := now.Add(-10 * 24 * time.Hour)
	db := newTestDB(t, Options{Now: func() time.Time { return clock }})
	log := db.Events()
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		if _, err := log.Append(ctx, "1", "INBOX", domain.Read{}); err != nil {
			t.Fatal(err)
		}
	}
	clock = now
	if _, err := log.Append(ctx, "1", "INBOX", domain.Unread{}); err != nil {
		t.Fatal(err)
	}

	if n, _ := log.Retain(ctx, 7, 0); n != 0 {
		t.Errorf("Retain() without snapshot deleted %d", n)
	}
	n, err := log.Retain(ctx, 7, 2)
	if err != nil || n != 2 {
		t.Fatalf("Retain(7, 2) = %d, %v; want 2", n, err)
	}
	events, _ := log.ListSince(ctx, 0)
	if len(events) != 3 || events[0].Sequence != 3 {
		t.Errorf("remaining events = %+v", events)
	}
}

func TestEventLog_Sealed(t *testing.T) {
	cipher, err := adaptive.New(make([]byte, adaptive.KeySize))
	if err != nil {
		t.Fatal(err)
	}
	log := newTestDB(t, Options{Cipher: cipher}).Events()
	ctx := context.Background()

	if _, err := log.Append(ctx, "1", "INBOX", domain.Moved{From: "INBOX", To: "Secret"}); err != nil {
		t.Fatal(err)
	}
	events, err := log.ListSince(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if events[0].Payload.(domain.Moved).To != "Secret" {
		t.Errorf("payload = %+v", events[0].Payload)
	}
}

func TestSnapshotStore_SaveLoadAndInvariant(t *testing.T) {
	store := newTestDB(t, Options{}).Snapshots()
	ctx := context.Background()

	if snap, err := store.LoadActive(ctx, "INBOX"); err != nil || snap != nil {
		t.Fatalf("LoadActive() on empty db = %v, %v", snap, err)
	}

	items := []domain.MailItem{
		{SubjectID: "1", Subject: "one", Folder: "INBOX"},
		{SubjectID: "2", Subject: "two\x00", Folder: "INBOX"},
	}
	first, err := store.Save(ctx, "INBOX", items, "2", 0, domain.SnapshotFull)
	if err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	second, err := store.Save(ctx, "INBOX", items[:1], "2", 3, domain.SnapshotCompacted)
	if err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	got, err := store.LoadActive(ctx, "INBOX")
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != second.ID || got.ItemCount != 1 || !got.Active {
		t.Errorf("LoadActive() = %+v", got.Header())
	}

	list, _ := store.List(ctx, "INBOX")
	if len(list) != 2 || list[0].ID != first.ID || list[0].Active || !list[1].Active {
		t.Errorf("List() = %+v", list)
	}
	if !first.Degraded {
		t.Error("control characters should mark the first snapshot degraded")
	}

	_, err = store.Save(ctx, "INBOX", items, "2", 2, domain.SnapshotCompacted)
	if !errors.Is(err, domain.ErrConsistencyAnomaly) {
		t.Errorf("regressing Save() error = %v, want ErrConsistencyAnomaly", err)
	}
	if n, _ := store.Count(ctx, "INBOX"); n != 2 {
		t.Errorf("Count() = %d, want 2", n)
	}
}

func TestSnapshotStore_UpdateAndStale(t *testing.T) {
	store := newTestDB(t, Options{}).Snapshots()
	ctx := context.Background()

	items := []domain.MailItem{{SubjectID: "1", Folder: "INBOX"}, {SubjectID: "2", Folder: "INBOX"}}
	if _, err := store.Save(ctx, "INBOX", items, "2", 0, domain.SnapshotFull); err != nil {
		t.Fatal(err)
	}

	read := true
	if ok, err := store.UpdateItemFields(ctx, "INBOX", "1", domain.ItemPatch{Read: &read}); err != nil || !ok {
		t.Fatalf("UpdateItemFields() = %v, %v", ok, err)
	}
	if ok, _ := store.UpdateItemFields(ctx, "INBOX", "2", domain.ItemPatch{Remove: true}); !ok {
		t.Error("remove should update the snapshot")
	}
	if ok, _ := store.UpdateItemFields(ctx, "INBOX", "9", domain.ItemPatch{Read: &read}); ok {
		t.Error("missing subject should be a no-op")
	}
	if ok, _ := store.UpdateItemFields(ctx, "Other", "1", domain.ItemPatch{Read: &read}); ok {
		t.Error("missing snapshot should be a no-op")
	}

	if ok, err := store.MarkStale(ctx, "INBOX"); err != nil || !ok {
		t.Fatalf("MarkStale() = %v, %v", ok, err)
	}

	got, _ := store.LoadActive(ctx, "INBOX")
	if len(got.Items) != 1 || !got.Items[0].Flags.Read || got.ItemCount != 1 || !got.Stale {
		t.Errorf("after update: %+v", got)
	}
}

func TestSnapshotStore_PruneAndBoundary(t *testing.T) {
	store := newTestDB(t, Options{}).Snapshots()
	ctx := context.Background()

	if _, ok, _ := store.OldestBoundarySequence(ctx); ok {
		t.Error("empty db should report no boundary")
	}

	for i := 1; i <= 5; i++ {
		if _, err := store.Save(ctx, "INBOX", nil, "", uint64(i*10), domain.SnapshotCompacted); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := store.Save(ctx, "Sent", nil, "", 5, domain.SnapshotFull); err != nil {
		t.Fatal(err)
	}

	deleted, err := store.Prune(ctx, 1)
	if err != nil || deleted != 3 {
		t.Fatalf("Prune(1) = %d, %v; want 3", deleted, err)
	}
	list, _ := store.List(ctx, "INBOX")
	if len(list) != 2 || list[0].BoundarySequence != 40 || !list[1].Active {
		t.Errorf("INBOX after prune = %+v", list)
	}

	oldest, ok, err := store.OldestBoundarySequence(ctx)
	if err != nil || !ok || oldest != 5 {
		t.Errorf("OldestBoundarySequence() = %d, %v, %v; want 5", oldest, ok, err)
	}
	parts, _ := store.Partitions(ctx)
	if len(parts) != 2 || parts[0] != "INBOX" || parts[1] != "Sent" {
		t.Errorf("Partitions() = %v", parts)
	}
}

func TestOpen_ReopenKeepsState(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mailsync.db")
	ctx := context.Background()

	db, err := Open(path, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Events().Append(ctx, "1", "INBOX", domain.Read{}); err != nil {
		t.Fatal(err)
	}
	if _, err := db.Snapshots().Save(ctx, "INBOX", nil, "", 1, domain.SnapshotFull); err != nil {
		t.Fatal(err)
	}
	db.Close()

	db, err = Open(path, Options{})
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer db.Close()

	if seq, _ := db.Events().CurrentSequence(ctx); seq != 1 {
		t.Errorf("CurrentSequence() after reopen = %d, want 1", seq)
	}
	if snap, _ := db.Snapshots().LoadActive(ctx, "INBOX"); snap == nil || snap.BoundarySequence != 1 {
		t.Errorf("LoadActive() after reopen = %v", snap)
	}
}
