package domain

import (
	"crypto/rand"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// SnapshotIDPrefix is the prefix for snapshot IDs.
const SnapshotIDPrefix = "snap-"

// SnapshotKind records why a snapshot was materialized.
type SnapshotKind string

const (
	// SnapshotFull is created from an initial remote page.
	SnapshotFull SnapshotKind = "full"
	// SnapshotCompacted folds replayed events into a fresh view.
	SnapshotCompacted SnapshotKind = "compacted"
	// SnapshotBypass is persisted from an unsynchronized remote fetch.
	SnapshotBypass SnapshotKind = "bypass"
	// SnapshotForced is created on explicit request.
	SnapshotForced SnapshotKind = "forced"
)

// Snapshot is a materialized view of one partition.
//
// BoundaryID and BoundarySequence mark exactly what the snapshot reflects:
// every remote item up to BoundaryID and every event up to BoundarySequence.
type Snapshot struct {
	ID               string       `json:"id"`
	PartitionKey     string       `json:"partition_key"`
	Kind             SnapshotKind `json:"kind"`
	Items            []MailItem   `json:"items,omitempty"`
	ItemCount        int          `json:"item_count"`
	BoundaryID       string       `json:"boundary_id"`
	BoundarySequence uint64       `json:"boundary_sequence"`
	CreatedAt        time.Time    `json:"created_at"`
	Active           bool         `json:"active"`

	// Stale marks the snapshot as invalidated; the next load compacts.
	Stale bool `json:"stale"`

	// Degraded is set when any item lost content while encoding.
	Degraded bool `json:"degraded"`
}

// Age returns how long ago the snapshot was created.
func (s *Snapshot) Age(now time.Time) time.Duration {
	return now.Sub(s.CreatedAt)
}

// Header returns a copy of the snapshot without its items.
func (s *Snapshot) Header() Snapshot {
	h := *s
	h.Items = nil
	return h
}

// CloneItems returns a deep copy of the snapshot's items.
func (s *Snapshot) CloneItems() []MailItem {
	out := make([]MailItem, len(s.Items))
	for i := range s.Items {
		out[i] = s.Items[i].Clone()
	}
	return out
}

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// GenerateSnapshotID generates a new snapshot ID.
// Format: snap-{ulid_lowercase}. IDs generated by one process sort strictly
// by creation order, including within the same millisecond.
func GenerateSnapshotID() (string, error) {
	entropyMu.Lock()
	defer entropyMu.Unlock()

	id, err := ulid.New(ulid.Timestamp(time.Now()), entropy)
	if err != nil {
		return "", err
	}
	return SnapshotIDPrefix + strings.ToLower(id.String()), nil
}

// ValidateSnapshotID checks the snapshot ID format.
func ValidateSnapshotID(id string) error {
	if !strings.HasPrefix(id, SnapshotIDPrefix) {
		return ErrInvalidArgument.WithDetails("snapshot id must start with " + SnapshotIDPrefix)
	}
	if _, err := ulid.ParseStrict(strings.ToUpper(strings.TrimPrefix(id, SnapshotIDPrefix))); err != nil {
		return ErrInvalidArgument.WithDetails("snapshot id is not a valid ulid").WithCause(err)
	}
	return nil
}

// ValidatePartition checks a partition key (folder name).
func ValidatePartition(partition string) error {
	if strings.TrimSpace(partition) == "" {
		return ErrMissingArgument.WithDetails("folder is required")
	}
	if len(partition) > MaxPartitionLength {
		return ErrInvalidArgument.WithDetails("folder name too long")
	}
	return nil
}

// MaxPartitionLength bounds folder names.
const MaxPartitionLength = 512
