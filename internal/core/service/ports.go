package service

import (
	"context"
	"time"

	"github.com/yndnr/mailsync-go/internal/core/domain"
)

// ============================================================================
// Storage
// ============================================================================

// EventLog is the durable, globally ordered event log.
type EventLog interface {
	Append(ctx context.Context, subjectID, partition string, payload domain.Payload) (uint64, error)
	ListSince(ctx context.Context, after uint64) ([]domain.Event, error)
	CurrentSequence(ctx context.Context) (uint64, error)
	CountsByType(ctx context.Context) (map[domain.EventType]int, error)
	Retain(ctx context.Context, daysToKeep int, floor uint64) (int, error)
}

// SnapshotStore persists materialized partition views.
type SnapshotStore interface {
	Save(ctx context.Context, partition string, items []domain.MailItem, boundaryID string, boundarySequence uint64, kind domain.SnapshotKind) (*domain.Snapshot, error)
	LoadActive(ctx context.Context, partition string) (*domain.Snapshot, error)
	UpdateItemFields(ctx context.Context, partition, subjectID string, patch domain.ItemPatch) (bool, error)
	MarkStale(ctx context.Context, partition string) (bool, error)
	List(ctx context.Context, partition string) ([]domain.Snapshot, error)
	Count(ctx context.Context, partition string) (int, error)
	Prune(ctx context.Context, keep int) (int, error)
	OldestBoundarySequence(ctx context.Context) (uint64, bool, error)
	Partitions(ctx context.Context) ([]string, error)
}

// ============================================================================
// Remote
// ============================================================================

// RemoteMailSource is the remote mail store. Subject ids are scoped to a
// folder. Commands report false when the server did not apply them.
type RemoteMailSource interface {
	ListRecent(ctx context.Context, folder string, limit int) ([]domain.MailItem, error)
	ListSince(ctx context.Context, folder, lastID string, limit int) ([]domain.MailItem, error)
	SetFlag(ctx context.Context, folder, subjectID string, flag domain.Flag, value bool) (bool, error)
	Remove(ctx context.Context, folder, subjectID string) (bool, error)
	Move(ctx context.Context, folder, subjectID, target string) (bool, error)
	UnreadCount(ctx context.Context, folder string) (int, error)
}

// ============================================================================
// Metrics
// ============================================================================

// Metrics receives service-level measurements.
type Metrics interface {
	EventAppended(t domain.EventType)
	SnapshotSaved(kind domain.SnapshotKind)
	LoadCompleted(source string, degraded bool, d time.Duration)
	ReplayAnomaly(partition string)
	RemoteCommandFailed(op string)
	RemoteFetchFailed(op string)
}

type nopMetrics struct{}

func (nopMetrics) EventAppended(domain.EventType)            {}
func (nopMetrics) SnapshotSaved(domain.SnapshotKind)         {}
func (nopMetrics) LoadCompleted(string, bool, time.Duration) {}
func (nopMetrics) ReplayAnomaly(string)                      {}
func (nopMetrics) RemoteCommandFailed(string)                {}
func (nopMetrics) RemoteFetchFailed(string)                  {}
