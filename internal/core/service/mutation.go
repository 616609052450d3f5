package service

import (
	"context"
	"log/slog"

	"github.com/yndnr/mailsync-go/internal/core/domain"
)

// ============================================================================
// Request/Response Types
// ============================================================================

// MutationResult is the outcome of a mutation.
type MutationResult struct {
	// Sequence is the event sequence the mutation was recorded under.
	Sequence uint64 `json:"sequence"`

	// RemoteApplied reports whether the remote store confirmed the command.
	RemoteApplied bool `json:"remote_applied"`
}

// MutationOptions configures a MutationService.
type MutationOptions struct {
	Logger  *slog.Logger
	Metrics Metrics
}

// mutation describes one operation for MutationService.apply.
type mutation struct {
	op        string
	folder    string
	subjectID string
	payload   domain.Payload
	patch     domain.ItemPatch
	remote    func(ctx context.Context) (bool, error)
}

// ============================================================================
// MutationService
// ============================================================================

// MutationService applies user actions with immediate local consistency.
// The event is appended first and is the source of truth; the snapshot is
// patched next, and the remote command is issued last and never rolled
// back.
type MutationService struct {
	events    EventLog
	snapshots SnapshotStore
	remote    RemoteMailSource
	logger    *slog.Logger
	metrics   Metrics
}

// NewMutationService creates a mutation service.
func NewMutationService(events EventLog, snapshots SnapshotStore, remote RemoteMailSource, opts MutationOptions) *MutationService {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = nopMetrics{}
	}
	return &MutationService{
		events:    events,
		snapshots: snapshots,
		remote:    remote,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
	}
}

// MarkRead marks an item as read.
func (s *MutationService) MarkRead(ctx context.Context, folder, subjectID string) (*MutationResult, error) {
	return s.setRead(ctx, folder, subjectID, true)
}

// MarkUnread marks an item as unread.
func (s *MutationService) MarkUnread(ctx context.Context, folder, subjectID string) (*MutationResult, error) {
	return s.setRead(ctx, folder, subjectID, false)
}

func (s *MutationService) setRead(ctx context.Context, folder, subjectID string, read bool) (*MutationResult, error) {
	m := mutation{
		op:        "mark_read",
		folder:    folder,
		subjectID: subjectID,
		payload:   domain.Read{},
		patch:     domain.ItemPatch{Read: &read},
	}
	if !read {
		m.op = "mark_unread"
		m.payload = domain.Unread{}
	}
	m.remote = func(ctx context.Context) (bool, error) {
		return s.remote.SetFlag(ctx, folder, subjectID, domain.FlagRead, read)
	}
	return s.apply(ctx, m)
}

// Delete removes an item.
func (s *MutationService) Delete(ctx context.Context, folder, subjectID string) (*MutationResult, error) {
	return s.apply(ctx, mutation{
		op:        "delete",
		folder:    folder,
		subjectID: subjectID,
		payload:   domain.Deleted{},
		patch:     domain.ItemPatch{Remove: true},
		remote: func(ctx context.Context) (bool, error) {
			return s.remote.Remove(ctx, folder, subjectID)
		},
	})
}

// Move moves an item to target. The item leaves the folder's view at once;
// it shows up in target once the remote store reports it there.
func (s *MutationService) Move(ctx context.Context, folder, subjectID, target string) (*MutationResult, error) {
	if err := domain.ValidatePartition(target); err != nil {
		return nil, err
	}
	if target == folder {
		return nil, domain.ErrInvalidArgument.WithDetails("target folder equals source folder")
	}
	return s.apply(ctx, mutation{
		op:        "move",
		folder:    folder,
		subjectID: subjectID,
		payload:   domain.Moved{From: folder, To: target},
		patch:     domain.ItemPatch{Folder: &target},
		remote: func(ctx context.Context) (bool, error) {
			return s.remote.Move(ctx, folder, subjectID, target)
		},
	})
}

func (s *MutationService) apply(ctx context.Context, m mutation) (*MutationResult, error) {
	// 1. Validate input
	if err := domain.ValidatePartition(m.folder); err != nil {
		return nil, err
	}
	if err := domain.ValidateAppend(m.subjectID, m.payload); err != nil {
		return nil, err
	}

	// 2. Record the event
	seq, err := s.events.Append(ctx, m.subjectID, m.folder, m.payload)
	if err != nil {
		return nil, storageFault("append "+m.op, err)
	}
	s.metrics.EventAppended(m.payload.Type())

	// 3. Patch the active snapshot
	if _, err := s.snapshots.UpdateItemFields(ctx, m.folder, m.subjectID, m.patch); err != nil {
		return nil, storageFault("patch snapshot", err)
	}

	result := &MutationResult{Sequence: seq}

	// 4. Issue the remote command
	applied, err := m.remote(ctx)
	switch {
	case err != nil:
		s.metrics.RemoteCommandFailed(m.op)
		s.logger.Warn("remote command failed, local state kept",
			"op", m.op,
			"partition", m.folder,
			"subject_id", m.subjectID,
			"sequence", seq,
			"error", err)
	case !applied:
		s.metrics.RemoteCommandFailed(m.op)
		s.logger.Warn("remote command not applied, local state kept",
			"op", m.op,
			"partition", m.folder,
			"subject_id", m.subjectID,
			"sequence", seq)
	default:
		result.RemoteApplied = true
	}

	s.logger.Debug("mutation applied",
		"op", m.op,
		"partition", m.folder,
		"subject_id", m.subjectID,
		"sequence", seq,
		"remote_applied", result.RemoteApplied)
	return result, nil
}
