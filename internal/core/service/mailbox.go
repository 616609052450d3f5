package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/yndnr/mailsync-go/internal/core/domain"
)

// ============================================================================
// Request/Response Types
// ============================================================================

// View is the current state of a folder as served to callers.
type View struct {
	Folder        string            `json:"folder"`
	Items         []domain.MailItem `json:"items"`
	Unread        int               `json:"unread"`
	SnapshotID    string            `json:"snapshot_id,omitempty"`
	Source        string            `json:"source"`
	Degraded      bool              `json:"degraded"`
	Partial       bool              `json:"partial"`
	EventsApplied int               `json:"events_applied"`
	DeltaCount    int               `json:"delta_count"`
	Compacted     bool              `json:"compacted"`
	CompactReason string            `json:"compact_reason,omitempty"`
}

// SnapshotInfo describes a materialized snapshot.
type SnapshotInfo struct {
	Folder    string `json:"folder"`
	ID        string `json:"snapshot_id"`
	ItemCount int    `json:"item_count"`
	Degraded  bool   `json:"degraded"`
}

// Stats summarizes the synchronization state of a folder.
type Stats struct {
	Folder            string         `json:"folder"`
	EventCountsByType map[string]int `json:"event_counts_by_type"`
	SnapshotCount     int            `json:"snapshot_count"`
	LastSnapshotAt    *time.Time     `json:"last_snapshot_at,omitempty"`
	CurrentSequence   uint64         `json:"current_sequence"`

	// RemoteUnread is -1 when the remote store could not be reached.
	RemoteUnread int    `json:"remote_unread"`
	RemoteError  string `json:"remote_error,omitempty"`

	LastSync *SyncStatus `json:"last_sync,omitempty"`
}

// CleanupRequest configures a retention run.
type CleanupRequest struct {
	// DaysToKeepEvents; zero or negative keeps events regardless of age.
	DaysToKeepEvents int `json:"days_to_keep_events"`

	// SnapshotsToKeep is the number of inactive snapshots kept per folder.
	SnapshotsToKeep int `json:"snapshots_to_keep"`
}

// CleanupResult reports what a retention run deleted.
type CleanupResult struct {
	EventsDeleted    int    `json:"events_deleted"`
	SnapshotsDeleted int    `json:"snapshots_deleted"`
	FloorSequence    uint64 `json:"floor_sequence"`
}

// ============================================================================
// MailboxService
// ============================================================================

// MailboxService is the facade over the sync engine, the mutation service
// and retention.
type MailboxService struct {
	engine    *SyncEngine
	mutations *MutationService
	events    EventLog
	snapshots SnapshotStore
	remote    RemoteMailSource
	logger    *slog.Logger
}

// NewMailboxService creates the facade.
func NewMailboxService(engine *SyncEngine, mutations *MutationService, events EventLog, snapshots SnapshotStore, remote RemoteMailSource, logger *slog.Logger) *MailboxService {
	if logger == nil {
		logger = slog.Default()
	}
	return &MailboxService{
		engine:    engine,
		mutations: mutations,
		events:    events,
		snapshots: snapshots,
		remote:    remote,
		logger:    logger,
	}
}

// Engine returns the underlying sync engine.
func (s *MailboxService) Engine() *SyncEngine {
	return s.engine
}

// GetView loads the current view of folder.
func (s *MailboxService) GetView(ctx context.Context, folder string) (*View, error) {
	res, err := s.engine.Load(ctx, folder)
	if err != nil {
		return nil, err
	}
	return newView(folder, res), nil
}

func newView(folder string, res *LoadResult) *View {
	v := &View{
		Folder:        folder,
		Items:         res.Items,
		SnapshotID:    res.SnapshotID,
		Source:        res.Source,
		Degraded:      res.Degraded,
		Partial:       res.Partial,
		EventsApplied: res.EventsApplied,
		DeltaCount:    res.DeltaCount,
		Compacted:     res.Compacted,
		CompactReason: res.CompactReason,
	}
	if v.Items == nil {
		v.Items = []domain.MailItem{}
	}
	for i := range v.Items {
		if v.Items[i].Flags.Unread() {
			v.Unread++
		}
	}
	return v
}

// MarkRead marks an item as read.
func (s *MailboxService) MarkRead(ctx context.Context, folder, subjectID string) (*MutationResult, error) {
	return s.mutations.MarkRead(ctx, folder, subjectID)
}

// MarkUnread marks an item as unread.
func (s *MailboxService) MarkUnread(ctx context.Context, folder, subjectID string) (*MutationResult, error) {
	return s.mutations.MarkUnread(ctx, folder, subjectID)
}

// Delete removes an item.
func (s *MailboxService) Delete(ctx context.Context, folder, subjectID string) (*MutationResult, error) {
	return s.mutations.Delete(ctx, folder, subjectID)
}

// Move moves an item to target.
func (s *MailboxService) Move(ctx context.Context, folder, subjectID, target string) (*MutationResult, error) {
	return s.mutations.Move(ctx, folder, subjectID, target)
}

// ForceSnapshot materializes a fresh snapshot of folder.
func (s *MailboxService) ForceSnapshot(ctx context.Context, folder string) (*SnapshotInfo, error) {
	res, err := s.engine.ForceSnapshot(ctx, folder)
	if err != nil {
		return nil, err
	}
	if res.SnapshotID == "" || (!res.Compacted && res.Source != SourceBypass) {
		return nil, domain.ErrConsistencyAnomaly.WithDetails("a newer snapshot was saved concurrently")
	}
	return &SnapshotInfo{
		Folder:    folder,
		ID:        res.SnapshotID,
		ItemCount: len(res.Items),
		Degraded:  res.Degraded,
	}, nil
}

// Invalidate marks the active snapshot of folder stale so the next load
// compacts. It reports whether a snapshot was marked.
func (s *MailboxService) Invalidate(ctx context.Context, folder string) (bool, error) {
	ok, err := s.snapshots.MarkStale(ctx, folder)
	if err != nil {
		return false, storageFault("mark stale", err)
	}
	if ok {
		s.logger.Info("snapshot invalidated", "partition", folder)
	}
	return ok, nil
}

// Stats returns the synchronization statistics of folder.
func (s *MailboxService) Stats(ctx context.Context, folder string) (*Stats, error) {
	if err := domain.ValidatePartition(folder); err != nil {
		return nil, err
	}

	counts, err := s.events.CountsByType(ctx)
	if err != nil {
		return nil, storageFault("count events", err)
	}
	seq, err := s.events.CurrentSequence(ctx)
	if err != nil {
		return nil, storageFault("read sequence", err)
	}
	snaps, err := s.snapshots.List(ctx, folder)
	if err != nil {
		return nil, storageFault("list snapshots", err)
	}

	st := &Stats{
		Folder:            folder,
		EventCountsByType: make(map[string]int, len(counts)),
		SnapshotCount:     len(snaps),
		CurrentSequence:   seq,
	}
	for _, t := range domain.EventTypes() {
		st.EventCountsByType[t.String()] = counts[t]
	}
	if n := len(snaps); n > 0 {
		at := snaps[n-1].CreatedAt
		st.LastSnapshotAt = &at
	}

	unread, err := s.remote.UnreadCount(ctx, folder)
	if err != nil {
		st.RemoteUnread = -1
		st.RemoteError = err.Error()
	} else {
		st.RemoteUnread = unread
	}

	if last, ok := s.engine.Status().Get(folder); ok {
		st.LastSync = &last
	}
	return st, nil
}

// Cleanup prunes inactive snapshots, then deletes events older than the
// cutoff that no retained snapshot still needs.
func (s *MailboxService) Cleanup(ctx context.Context, req CleanupRequest) (*CleanupResult, error) {
	// 1. Validate input
	if req.SnapshotsToKeep < 0 {
		return nil, domain.ErrInvalidArgument.WithDetails("snapshots_to_keep must not be negative")
	}

	// 2. Prune snapshots
	pruned, err := s.snapshots.Prune(ctx, req.SnapshotsToKeep)
	if err != nil {
		return nil, storageFault("prune snapshots", err)
	}

	// 3. Compute the retention floor from what is left
	floor, ok, err := s.snapshots.OldestBoundarySequence(ctx)
	if err != nil {
		return nil, storageFault("read retention floor", err)
	}
	if !ok {
		floor = 0
	}

	// 4. Delete events
	deleted, err := s.events.Retain(ctx, req.DaysToKeepEvents, floor)
	if err != nil {
		return nil, storageFault("retain events", err)
	}

	s.logger.Info("cleanup finished",
		"snapshots_deleted", pruned,
		"events_deleted", deleted,
		"floor_sequence", floor)
	return &CleanupResult{
		EventsDeleted:    deleted,
		SnapshotsDeleted: pruned,
		FloorSequence:    floor,
	}, nil
}

// Folders returns the folders that have snapshots.
func (s *MailboxService) Folders(ctx context.Context) ([]string, error) {
	folders, err := s.snapshots.Partitions(ctx)
	if err != nil {
		return nil, storageFault("list partitions", err)
	}
	return folders, nil
}

// SyncStatuses returns the last sync outcome of every loaded folder.
func (s *MailboxService) SyncStatuses() []SyncStatus {
	return s.engine.Status().All()
}
