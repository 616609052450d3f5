package snapshot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/yndnr/mailsync-go/internal/core/domain"
	"github.com/yndnr/mailsync-go/internal/storage"
	"github.com/yndnr/mailsync-go/internal/storage/safeenc"
	"github.com/yndnr/mailsync-go/pkg/crypto/adaptive"
)

// DefaultRetentionCount is the number of inactive snapshots kept per
// partition when no explicit count is given.
const DefaultRetentionCount = 5

// Options configures a Store.
type Options struct {
	// Cipher seals item data at rest. Nil stores it in clear.
	Cipher adaptive.Cipher

	// Encoder sanitizes items before they are persisted.
	Encoder *safeenc.Encoder

	Logger *slog.Logger

	// Now overrides the clock (tests).
	Now func() time.Time
}

// Store is the KV-backed snapshot store.
type Store struct {
	kv      storage.KVEngine
	cipher  adaptive.Cipher
	encoder *safeenc.Encoder
	logger  *slog.Logger
	now     func() time.Time
}

// New creates a snapshot store over kv.
func New(kv storage.KVEngine, opts Options) *Store {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Encoder == nil {
		opts.Encoder = safeenc.New(safeenc.DefaultOptions())
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Store{
		kv:      kv,
		cipher:  opts.Cipher,
		encoder: opts.Encoder,
		logger:  opts.Logger,
		now:     opts.Now,
	}
}

// Save encodes items and persists them as the partition's new active
// snapshot. The previous active snapshot is deactivated in the same
// transaction. A boundarySequence lower than the active snapshot's is
// rejected with ErrConsistencyAnomaly and nothing is written.
//
// The returned snapshot holds the items as stored.
func (s *Store) Save(ctx context.Context, partition string, items []domain.MailItem, boundaryID string, boundarySequence uint64, kind domain.SnapshotKind) (*domain.Snapshot, error) {
	if err := domain.ValidatePartition(partition); err != nil {
		return nil, err
	}

	id, err := domain.GenerateSnapshotID()
	if err != nil {
		return nil, domain.ErrInternal.WithDetails("generate snapshot id").WithCause(err)
	}

	encoded, degraded := s.encoder.Items(items)
	snap := &domain.Snapshot{
		ID:               id,
		PartitionKey:     partition,
		Kind:             kind,
		Items:            encoded,
		ItemCount:        len(encoded),
		BoundaryID:       boundaryID,
		BoundarySequence: boundarySequence,
		CreatedAt:        s.now().UTC().Truncate(time.Millisecond),
		Active:           true,
		Degraded:         degraded,
	}
	blob, err := encodeSnapshot(snap, s.cipher)
	if err != nil {
		return nil, domain.ErrInternal.WithDetails("encode snapshot").WithCause(err)
	}

	var previous string
	err = s.kv.Update(ctx, func(txn storage.KVTxn) error {
		previous = ""
		activeID, err := txn.Get(storage.ActiveKey(partition))
		if err != nil && !errors.Is(err, storage.ErrKeyNotFound) {
			return err
		}
		if err == nil {
			if err := s.deactivate(txn, partition, string(activeID), boundarySequence); err != nil {
				return err
			}
			previous = string(activeID)
		} else if err := s.clearOrphans(txn, partition); err != nil {
			return err
		}
		if err := txn.Set(storage.SnapshotKey(partition, id), blob); err != nil {
			return err
		}
		return txn.Set(storage.ActiveKey(partition), []byte(id))
	})
	if err != nil {
		if errors.Is(err, domain.ErrConsistencyAnomaly) {
			return nil, err
		}
		return nil, domain.ErrStorage.WithDetails("save snapshot").WithCause(err)
	}

	s.logger.Info("snapshot saved",
		"snapshot_id", id,
		"partition", partition,
		"kind", string(kind),
		"items", snap.ItemCount,
		"boundary_id", boundaryID,
		"boundary_sequence", boundarySequence,
		"replaced", previous,
		"degraded", degraded)
	return snap, nil
}

// deactivate clears the active flag of the current active record after
// checking the boundary does not move backwards. A dangling pointer is
// tolerated: the new snapshot simply replaces it.
func (s *Store) deactivate(txn storage.KVTxn, partition, activeID string, boundarySequence uint64) error {
	key := storage.SnapshotKey(partition, activeID)
	blob, err := txn.Get(key)
	if errors.Is(err, storage.ErrKeyNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	h, _, err := readHeader(blob)
	if err != nil {
		s.logger.Warn("active snapshot unreadable, replacing",
			"snapshot_id", activeID,
			"partition", partition,
			"error", err)
		return txn.Delete(key)
	}
	if boundarySequence < h.BoundarySequence {
		return domain.ErrConsistencyAnomaly.WithDetailsf(
			"boundary sequence %d is behind active snapshot %s at %d",
			boundarySequence, activeID, h.BoundarySequence)
	}

	updated, err := rewriteHeader(blob, func(h *header) { h.Active = false })
	if err != nil {
		s.logger.Warn("active snapshot failed verification, replacing",
			"snapshot_id", activeID,
			"partition", partition,
			"error", err)
		return txn.Delete(key)
	}
	return txn.Set(key, updated)
}

// clearOrphans deactivates records still flagged active when the partition
// has no active pointer, which only happens after a torn write. Records
// that fail verification are removed.
func (s *Store) clearOrphans(txn storage.KVTxn, partition string) error {
	orphans := make(map[string][]byte)
	err := txn.Iterate(storage.SnapshotPrefix(partition), false, func(key, value []byte) (bool, error) {
		h, _, err := readHeader(value)
		if err != nil || (h.Active && h.PartitionKey == partition) {
			orphans[string(key)] = value
		}
		return true, nil
	})
	if err != nil {
		return err
	}

	for key, blob := range orphans {
		updated, err := rewriteHeader(blob, func(h *header) { h.Active = false })
		if err != nil {
			s.logger.Warn("removing unreadable snapshot",
				"key", key,
				"partition", partition,
				"error", err)
			if err := txn.Delete([]byte(key)); err != nil {
				return err
			}
			continue
		}
		if err := txn.Set([]byte(key), updated); err != nil {
			return err
		}
	}
	return nil
}

// LoadActive returns the partition's active snapshot, or nil when the
// partition has none.
//
// If the active pointer is missing or its record cannot be decoded, the
// newest inactive snapshot that decodes is returned with Stale set, so the
// caller replays events onto it and persists a fresh active snapshot.
func (s *Store) LoadActive(ctx context.Context, partition string) (*domain.Snapshot, error) {
	if err := domain.ValidatePartition(partition); err != nil {
		return nil, err
	}

	var (
		snap      *domain.Snapshot
		recovered bool
		cause     error
	)
	err := s.kv.View(ctx, func(txn storage.KVTxn) error {
		snap, recovered, cause = nil, false, nil

		activeID, err := txn.Get(storage.ActiveKey(partition))
		switch {
		case err == nil:
			blob, err := txn.Get(storage.SnapshotKey(partition, string(activeID)))
			if err == nil {
				snap, cause = decodeSnapshot(blob, s.cipher)
				if cause == nil && snap.PartitionKey == partition {
					return nil
				}
			} else if !errors.Is(err, storage.ErrKeyNotFound) {
				return err
			} else {
				cause = fmt.Errorf("active snapshot %s missing", activeID)
			}
		case errors.Is(err, storage.ErrKeyNotFound):
		default:
			return err
		}

		snap = nil
		return txn.Iterate(storage.SnapshotPrefix(partition), true, func(key, value []byte) (bool, error) {
			candidate, err := decodeSnapshot(value, s.cipher)
			if err != nil {
				s.logger.Warn("skipping unreadable snapshot",
					"key", string(key),
					"error", err)
				return true, nil
			}
			if candidate.PartitionKey != partition {
				return true, nil
			}
			candidate.Active = false
			candidate.Stale = true
			snap, recovered = candidate, true
			return false, nil
		})
	})
	if err != nil {
		return nil, domain.ErrStorage.WithDetails("load snapshot").WithCause(err)
	}

	if recovered {
		s.logger.Warn("recovered from inactive snapshot",
			"snapshot_id", snap.ID,
			"partition", partition,
			"boundary_sequence", snap.BoundarySequence,
			"cause", cause)
	} else if snap == nil && cause != nil {
		s.logger.Error("no readable snapshot for partition",
			"partition", partition,
			"cause", cause)
	}
	return snap, nil
}

// UpdateItemFields patches one item inside the active snapshot. A missing
// active snapshot or subject is a logged no-op; the return value reports
// whether a record was rewritten.
func (s *Store) UpdateItemFields(ctx context.Context, partition, subjectID string, patch domain.ItemPatch) (bool, error) {
	if err := domain.ValidatePartition(partition); err != nil {
		return false, err
	}
	if subjectID == "" {
		return false, domain.ErrMissingArgument.WithDetails("subject_id is required")
	}

	var (
		updated bool
		reason  string
	)
	err := s.kv.Update(ctx, func(txn storage.KVTxn) error {
		updated, reason = false, ""

		activeID, err := txn.Get(storage.ActiveKey(partition))
		if errors.Is(err, storage.ErrKeyNotFound) {
			reason = "no active snapshot"
			return nil
		}
		if err != nil {
			return err
		}

		key := storage.SnapshotKey(partition, string(activeID))
		blob, err := txn.Get(key)
		if errors.Is(err, storage.ErrKeyNotFound) {
			reason = "active snapshot missing"
			return nil
		}
		if err != nil {
			return err
		}
		snap, err := decodeSnapshot(blob, s.cipher)
		if err != nil {
			return err
		}

		idx := -1
		for i := range snap.Items {
			if snap.Items[i].SubjectID == subjectID {
				idx = i
				break
			}
		}
		if idx < 0 {
			reason = "subject not in snapshot"
			return nil
		}

		if patch.Apply(&snap.Items[idx]) {
			snap.Items[idx] = s.encoder.Item(snap.Items[idx])
			if snap.Items[idx].Quality.Degraded() {
				snap.Degraded = true
			}
		} else {
			snap.Items = append(snap.Items[:idx], snap.Items[idx+1:]...)
		}
		snap.ItemCount = len(snap.Items)

		out, err := encodeSnapshot(snap, s.cipher)
		if err != nil {
			return err
		}
		updated = true
		return txn.Set(key, out)
	})
	if err != nil {
		return false, domain.ErrStorage.WithDetails("update snapshot item").WithCause(err)
	}

	if !updated {
		s.logger.Debug("snapshot item update skipped",
			"partition", partition,
			"subject_id", subjectID,
			"reason", reason)
	}
	return updated, nil
}

// MarkStale flags the active snapshot so the next load compacts. It reports
// whether an active snapshot existed.
func (s *Store) MarkStale(ctx context.Context, partition string) (bool, error) {
	if err := domain.ValidatePartition(partition); err != nil {
		return false, err
	}

	var marked bool
	err := s.kv.Update(ctx, func(txn storage.KVTxn) error {
		marked = false
		activeID, err := txn.Get(storage.ActiveKey(partition))
		if errors.Is(err, storage.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		key := storage.SnapshotKey(partition, string(activeID))
		blob, err := txn.Get(key)
		if errors.Is(err, storage.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		out, err := rewriteHeader(blob, func(h *header) { h.Stale = true })
		if err != nil {
			return err
		}
		marked = true
		return txn.Set(key, out)
	})
	if err != nil {
		return false, domain.ErrStorage.WithDetails("mark snapshot stale").WithCause(err)
	}
	if marked {
		s.logger.Info("snapshot marked stale", "partition", partition)
	}
	return marked, nil
}

// List returns the headers (no items) of a partition's snapshots, oldest
// first.
func (s *Store) List(ctx context.Context, partition string) ([]domain.Snapshot, error) {
	if err := domain.ValidatePartition(partition); err != nil {
		return nil, err
	}

	var out []domain.Snapshot
	err := s.kv.View(ctx, func(txn storage.KVTxn) error {
		return txn.Iterate(storage.SnapshotPrefix(partition), false, func(key, value []byte) (bool, error) {
			h, _, err := readHeader(value)
			if err != nil {
				s.logger.Warn("skipping unreadable snapshot header", "key", string(key), "error", err)
				return true, nil
			}
			if h.PartitionKey == partition {
				out = append(out, h.snapshot())
			}
			return true, nil
		})
	})
	if err != nil {
		return nil, domain.ErrStorage.WithDetails("list snapshots").WithCause(err)
	}
	return out, nil
}

// Count returns the number of stored snapshots of a partition.
func (s *Store) Count(ctx context.Context, partition string) (int, error) {
	list, err := s.List(ctx, partition)
	if err != nil {
		return 0, err
	}
	return len(list), nil
}

// headers returns every snapshot header grouped by partition.
func (s *Store) headers(ctx context.Context) (map[string][]header, error) {
	groups := make(map[string][]header)
	err := s.kv.View(ctx, func(txn storage.KVTxn) error {
		return txn.Iterate(storage.PrefixSnapshot, false, func(key, value []byte) (bool, error) {
			h, _, err := readHeader(value)
			if err != nil {
				s.logger.Warn("skipping unreadable snapshot header", "key", string(key), "error", err)
				return true, nil
			}
			groups[h.PartitionKey] = append(groups[h.PartitionKey], h)
			return true, nil
		})
	})
	return groups, err
}

// Prune deletes old inactive snapshots, keeping the newest keep inactive
// ones of every partition. The active snapshot is never deleted.
func (s *Store) Prune(ctx context.Context, keep int) (int, error) {
	if keep < 0 {
		keep = 0
	}
	groups, err := s.headers(ctx)
	if err != nil {
		return 0, domain.ErrStorage.WithDetails("scan snapshots").WithCause(err)
	}

	var victims [][]byte
	for partition, list := range groups {
		sort.Slice(list, func(i, j int) bool { return list[i].ID > list[j].ID })
		kept := 0
		for _, h := range list {
			if h.Active {
				continue
			}
			if kept < keep {
				kept++
				continue
			}
			victims = append(victims, storage.SnapshotKey(partition, h.ID))
		}
	}
	if len(victims) == 0 {
		return 0, nil
	}

	err = s.kv.Update(ctx, func(txn storage.KVTxn) error {
		for _, key := range victims {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, domain.ErrStorage.WithDetails("prune snapshots").WithCause(err)
	}

	s.logger.Info("snapshots pruned", "deleted", len(victims), "keep", keep)
	return len(victims), nil
}

// OldestBoundarySequence returns the smallest boundary sequence among all
// retained snapshots of every partition. ok is false when none exist.
func (s *Store) OldestBoundarySequence(ctx context.Context) (uint64, bool, error) {
	groups, err := s.headers(ctx)
	if err != nil {
		return 0, false, domain.ErrStorage.WithDetails("scan snapshots").WithCause(err)
	}

	var (
		oldest uint64
		found  bool
	)
	for _, list := range groups {
		for _, h := range list {
			if !found || h.BoundarySequence < oldest {
				oldest, found = h.BoundarySequence, true
			}
		}
	}
	return oldest, found, nil
}

// Partitions returns the names of every partition that has snapshots.
func (s *Store) Partitions(ctx context.Context) ([]string, error) {
	groups, err := s.headers(ctx)
	if err != nil {
		return nil, domain.ErrStorage.WithDetails("scan snapshots").WithCause(err)
	}
	out := make([]string, 0, len(groups))
	for p := range groups {
		out = append(out, p)
	}
	sort.Strings(out)
	return out, nil
}
