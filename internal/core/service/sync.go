package service

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/yndnr/mailsync-go/internal/core/domain"
)

// Load sources reported in LoadResult.Source.
const (
	SourceInitial  = "initial"
	SourceSnapshot = "snapshot"
	SourceBypass   = "bypass"
)

// Default page sizes for remote fetches.
const (
	DefaultInitialPageSize = 200
	DefaultDeltaPageSize   = 500
)

// ============================================================================
// Request/Response Types
// ============================================================================

// LoadResult is the current view of one folder.
type LoadResult struct {
	// Items are ordered by subject id, newest first. Items moved to
	// another folder are not included.
	Items []domain.MailItem

	// SnapshotID is the snapshot the view was built from or persisted as.
	// Empty when a bypass fetch could not be persisted.
	SnapshotID string

	Source string

	// Degraded is set when any item lost content while encoding.
	Degraded bool

	// Partial is set when the remote delta could not be fetched.
	Partial bool

	EventsApplied int
	Anomalies     int
	DeltaCount    int

	Compacted     bool
	CompactReason string
}

// EngineOptions configures a SyncEngine.
type EngineOptions struct {
	Policy          Policy
	InitialPageSize int
	DeltaPageSize   int

	Logger  *slog.Logger
	Metrics Metrics
	Status  *StatusTracker

	// Now overrides the clock (tests).
	Now func() time.Time
}

// ============================================================================
// SyncEngine
// ============================================================================

// SyncEngine reconciles the active snapshot, the event log and the remote
// delta into the current view of a folder. Loads of the same folder may run
// concurrently; the snapshot store resolves racing compactions.
type SyncEngine struct {
	events    EventLog
	snapshots SnapshotStore
	remote    RemoteMailSource

	mu     sync.RWMutex
	policy Policy

	initialPage int
	deltaPage   int

	logger  *slog.Logger
	metrics Metrics
	status  *StatusTracker
	now     func() time.Time
}

// NewSyncEngine creates a sync engine.
func NewSyncEngine(events EventLog, snapshots SnapshotStore, remote RemoteMailSource, opts EngineOptions) *SyncEngine {
	if opts.InitialPageSize <= 0 {
		opts.InitialPageSize = DefaultInitialPageSize
	}
	if opts.DeltaPageSize <= 0 {
		opts.DeltaPageSize = DefaultDeltaPageSize
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = nopMetrics{}
	}
	if opts.Status == nil {
		opts.Status = NewStatusTracker()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &SyncEngine{
		events:      events,
		snapshots:   snapshots,
		remote:      remote,
		policy:      opts.Policy,
		initialPage: opts.InitialPageSize,
		deltaPage:   opts.DeltaPageSize,
		logger:      opts.Logger,
		metrics:     opts.Metrics,
		status:      opts.Status,
		now:         opts.Now,
	}
}

// SetPolicy replaces the compaction policy. Safe to call while loads run.
func (e *SyncEngine) SetPolicy(p Policy) {
	e.mu.Lock()
	e.policy = p
	e.mu.Unlock()
}

// Policy returns the current compaction policy.
func (e *SyncEngine) Policy() Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.policy
}

// Status returns the tracker the engine records loads into.
func (e *SyncEngine) Status() *StatusTracker {
	return e.status
}

// Load returns the current view of partition.
//
// A remote fault during the delta fetch returns the snapshot and replay
// result with Partial set. A storage fault on read falls back to a direct
// remote fetch (bypass mode); only when that fails too is an error
// returned.
func (e *SyncEngine) Load(ctx context.Context, partition string) (*LoadResult, error) {
	return e.load(ctx, partition, false)
}

// ForceSnapshot loads partition and materializes a new snapshot regardless
// of the compaction policy.
func (e *SyncEngine) ForceSnapshot(ctx context.Context, partition string) (*LoadResult, error) {
	return e.load(ctx, partition, true)
}

func (e *SyncEngine) load(ctx context.Context, partition string, force bool) (*LoadResult, error) {
	if err := domain.ValidatePartition(partition); err != nil {
		return nil, err
	}

	start := e.now()
	res, err := e.reconcile(ctx, partition, force)
	if err != nil && errors.Is(err, domain.ErrStorage) && ctx.Err() == nil {
		res, err = e.bypass(ctx, partition, err)
	}

	e.status.record(partition, start, res, err)
	if err != nil {
		return nil, err
	}
	e.metrics.LoadCompleted(res.Source, res.Degraded, e.now().Sub(start))
	return res, nil
}

func (e *SyncEngine) reconcile(ctx context.Context, partition string, force bool) (*LoadResult, error) {
	// 1. Load the active snapshot
	snap, err := e.snapshots.LoadActive(ctx, partition)
	if err != nil {
		return nil, storageFault("load snapshot", err)
	}
	if snap == nil {
		return e.initial(ctx, partition)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// 2. Fetch the remote delta
	res := &LoadResult{SnapshotID: snap.ID, Source: SourceSnapshot}
	delta, err := e.remote.ListSince(ctx, partition, snap.BoundaryID, e.deltaPage)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		e.metrics.RemoteFetchFailed("list_since")
		e.logger.Warn("delta fetch failed, serving snapshot",
			"partition", partition,
			"boundary_id", snap.BoundaryID,
			"error", err)
		res.Partial = true
		delta = nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// 3. Fetch events past the snapshot boundary
	events, err := e.events.ListSince(ctx, snap.BoundarySequence)
	if err != nil {
		return nil, storageFault("list events", err)
	}

	// 4. Replay events of this partition
	w := newWorkingSet(partition, snap.Items)
	rr := w.replay(events)
	e.reportAnomalies(partition, rr.Anomalies)
	res.EventsApplied = rr.Applied
	res.Anomalies = len(rr.Anomalies)

	// 5. Record and merge newly discovered items
	for _, item := range delta {
		if w.has(item.SubjectID) {
			continue
		}
		res.DeltaCount++
		if _, err := e.events.Append(ctx, item.SubjectID, partition, domain.Received{Item: item}); err != nil {
			e.logger.Warn("failed to record received item",
				"partition", partition,
				"subject_id", item.SubjectID,
				"error", err)
			continue
		}
		e.metrics.EventAppended(domain.EventReceived)
	}
	w.merge(delta)

	items := w.resident()
	res.Items = items
	res.Degraded = snap.Degraded || anyDegraded(items)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// 6. Evaluate the compaction policy
	decision := e.Policy().Evaluate(snap, len(items), rr.Applied, e.now())
	kind := domain.SnapshotCompacted
	if force {
		decision = Decision{Trigger: true, Reason: ReasonForced}
		kind = domain.SnapshotForced
	}
	if decision.Trigger {
		boundaryID := maxSubjectID(snap.BoundaryID, domain.MaxSubjectID(w.sorted()), domain.MaxSubjectID(delta), w.lastRemoved())
		boundarySeq := snap.BoundarySequence
		if rr.MaxSequence > boundarySeq {
			boundarySeq = rr.MaxSequence
		}

		saved, err := e.persist(ctx, partition, items, boundaryID, boundarySeq, kind)
		switch {
		case err == nil:
			res.SnapshotID = saved.ID
			res.Items = sortNewestFirst(saved.Items)
			res.Degraded = saved.Degraded
			res.Compacted = true
			res.CompactReason = decision.Reason
		case errors.Is(err, domain.ErrConsistencyAnomaly):
			e.logger.Info("compaction superseded by a newer snapshot",
				"partition", partition,
				"boundary_sequence", boundarySeq)
		default:
			if force {
				return nil, err
			}
			e.logger.Warn("compaction failed",
				"partition", partition,
				"reason", decision.Reason,
				"error", err)
		}
	}

	// 7. Return the merged view
	return res, nil
}

// initial builds the first snapshot of a partition from a bounded remote
// page. Events already recorded for the partition are replayed onto it.
func (e *SyncEngine) initial(ctx context.Context, partition string) (*LoadResult, error) {
	tail, err := e.events.CurrentSequence(ctx)
	if err != nil {
		return nil, storageFault("read sequence", err)
	}
	events, err := e.events.ListSince(ctx, 0)
	if err != nil {
		return nil, storageFault("list events", err)
	}

	page, err := e.remote.ListRecent(ctx, partition, e.initialPage)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		e.metrics.RemoteFetchFailed("list_recent")
		return nil, domain.ErrRemoteSource.WithDetails("initial fetch").WithCause(err)
	}

	w := newWorkingSet(partition, page)
	rr := w.replay(events)
	e.reportAnomalies(partition, rr.Anomalies)
	if rr.MaxSequence > tail {
		tail = rr.MaxSequence
	}

	items := w.resident()
	res := &LoadResult{
		Items:         items,
		Source:        SourceInitial,
		EventsApplied: rr.Applied,
		Anomalies:     len(rr.Anomalies),
		DeltaCount:    len(page),
		Degraded:      anyDegraded(items),
		CompactReason: ReasonNoSnapshot,
	}

	saved, err := e.persist(ctx, partition, items, maxSubjectID(domain.MaxSubjectID(w.sorted()), w.lastRemoved()), tail, domain.SnapshotFull)
	if err != nil {
		e.logger.Warn("failed to persist initial snapshot",
			"partition", partition,
			"error", err)
		res.Source = SourceBypass
		return res, nil
	}
	res.SnapshotID = saved.ID
	res.Items = sortNewestFirst(saved.Items)
	res.Degraded = saved.Degraded
	res.Compacted = true
	return res, nil
}

// bypass serves a direct remote fetch when storage cannot be read, and
// tries to persist it as a fresh snapshot. No events were replayed onto the
// page, so the snapshot is saved at sequence zero and marked stale: the
// next healthy load replays the whole log on top of it and compacts.
func (e *SyncEngine) bypass(ctx context.Context, partition string, cause error) (*LoadResult, error) {
	e.logger.Warn("storage unavailable, bypassing to remote",
		"partition", partition,
		"error", cause)

	page, err := e.remote.ListRecent(ctx, partition, e.initialPage)
	if err != nil {
		e.metrics.RemoteFetchFailed("list_recent")
		return nil, domain.ErrRemoteSource.WithDetailsf("bypass fetch after: %v", cause).WithCause(err)
	}

	res := &LoadResult{
		Items:      sortNewestFirst(page),
		Source:     SourceBypass,
		DeltaCount: len(page),
		Degraded:   anyDegraded(page),
	}

	saved, err := e.persist(ctx, partition, page, domain.MaxSubjectID(page), 0, domain.SnapshotBypass)
	if err != nil {
		if errors.Is(err, domain.ErrConsistencyAnomaly) {
			e.logger.Info("bypass snapshot not persisted, active snapshot kept",
				"partition", partition)
		} else {
			e.logger.Warn("bypass snapshot not persisted",
				"partition", partition,
				"error", err)
		}
		return res, nil
	}
	if _, err := e.snapshots.MarkStale(ctx, partition); err != nil {
		e.logger.Warn("failed to mark bypass snapshot stale",
			"partition", partition,
			"snapshot_id", saved.ID,
			"error", err)
	}
	res.SnapshotID = saved.ID
	res.Items = sortNewestFirst(saved.Items)
	res.Degraded = saved.Degraded
	return res, nil
}

// persist saves a snapshot and records a SnapshotCreated event for it.
func (e *SyncEngine) persist(ctx context.Context, partition string, items []domain.MailItem, boundaryID string, boundarySeq uint64, kind domain.SnapshotKind) (*domain.Snapshot, error) {
	snap, err := e.snapshots.Save(ctx, partition, items, boundaryID, boundarySeq, kind)
	if err != nil {
		return nil, err
	}
	e.metrics.SnapshotSaved(kind)
	e.logger.Info("snapshot saved",
		"partition", partition,
		"snapshot_id", snap.ID,
		"kind", kind,
		"item_count", snap.ItemCount,
		"boundary_sequence", boundarySeq)

	created := domain.SnapshotCreated{
		SnapshotID:       snap.ID,
		ItemCount:        snap.ItemCount,
		BoundarySequence: boundarySeq,
	}
	if _, err := e.events.Append(ctx, snap.ID, partition, created); err != nil {
		e.logger.Warn("failed to record snapshot creation",
			"snapshot_id", snap.ID,
			"error", err)
	} else {
		e.metrics.EventAppended(domain.EventSnapshotCreated)
	}
	return snap, nil
}

func (e *SyncEngine) reportAnomalies(partition string, anomalies []domain.Event) {
	for _, ev := range anomalies {
		e.metrics.ReplayAnomaly(partition)
		e.logger.Debug("event references unknown subject",
			"partition", partition,
			"sequence", ev.Sequence,
			"type", ev.Type().String(),
			"subject_id", ev.SubjectID)
	}
}

// storageFault converts a storage read error into a StorageFault, keeping
// coded errors as they are.
func storageFault(op string, err error) error {
	if domain.IsDomainError(err, "") {
		return err
	}
	return domain.ErrStorage.WithDetails(op).WithCause(err)
}

func anyDegraded(items []domain.MailItem) bool {
	for i := range items {
		if items[i].Quality.Degraded() {
			return true
		}
	}
	return false
}

func maxSubjectID(ids ...string) string {
	maxID := ""
	for _, id := range ids {
		if domain.CompareSubjectIDs(id, maxID) > 0 {
			maxID = id
		}
	}
	return maxID
}

func sortNewestFirst(items []domain.MailItem) []domain.MailItem {
	out := append([]domain.MailItem(nil), items...)
	sort.SliceStable(out, func(i, j int) bool {
		return domain.CompareSubjectIDs(out[i].SubjectID, out[j].SubjectID) > 0
	})
	return out
}
