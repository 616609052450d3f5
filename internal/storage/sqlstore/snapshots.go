package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/yndnr/mailsync-go/internal/core/domain"
)

// SnapshotStore is the SQLite snapshot store. A partial unique index
// guarantees at most one active row per partition.
type SnapshotStore struct {
	d *DB
}

const headerColumns = `id, partition_key, kind, item_count, boundary_id, boundary_sequence,
	created_at, active, stale, degraded`

type snapshotRow struct {
	ID               string `db:"id"`
	PartitionKey     string `db:"partition_key"`
	Kind             string `db:"kind"`
	Items            []byte `db:"items"`
	Encrypted        bool   `db:"encrypted"`
	ItemCount        int    `db:"item_count"`
	BoundaryID       string `db:"boundary_id"`
	BoundarySequence uint64 `db:"boundary_sequence"`
	CreatedAt        int64  `db:"created_at"`
	Active           bool   `db:"active"`
	Stale            bool   `db:"stale"`
	Degraded         bool   `db:"degraded"`
}

func (r snapshotRow) header() domain.Snapshot {
	return domain.Snapshot{
		ID:               r.ID,
		PartitionKey:     r.PartitionKey,
		Kind:             domain.SnapshotKind(r.Kind),
		ItemCount:        r.ItemCount,
		BoundaryID:       r.BoundaryID,
		BoundarySequence: r.BoundarySequence,
		CreatedAt:        time.UnixMilli(r.CreatedAt).UTC(),
		Active:           r.Active,
		Stale:            r.Stale,
		Degraded:         r.Degraded,
	}
}

func (s *SnapshotStore) encodeItems(id string, items []domain.MailItem) ([]byte, bool, error) {
	if items == nil {
		items = []domain.MailItem{}
	}
	data, err := json.Marshal(items)
	if err != nil {
		return nil, false, fmt.Errorf("marshaling items: %w", err)
	}
	if s.d.cipher == nil {
		return data, false, nil
	}
	sealed, err := s.d.cipher.Seal(data, []byte(id))
	if err != nil {
		return nil, false, fmt.Errorf("sealing items: %w", err)
	}
	return sealed, true, nil
}

func (s *SnapshotStore) decode(r snapshotRow) (*domain.Snapshot, error) {
	data := r.Items
	if r.Encrypted {
		if s.d.cipher == nil {
			return nil, errors.New("snapshot is encrypted but no key is configured")
		}
		plain, err := s.d.cipher.Open(data, []byte(r.ID))
		if err != nil {
			return nil, fmt.Errorf("opening items: %w", err)
		}
		data = plain
	}
	var items []domain.MailItem
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("decoding items: %w", err)
	}
	snap := r.header()
	snap.Items = items
	return &snap, nil
}

// Save persists items as the partition's new active snapshot, deactivating
// the previous one in the same transaction. A boundarySequence lower than
// the active snapshot's is rejected with ErrConsistencyAnomaly.
func (s *SnapshotStore) Save(ctx context.Context, partition string, items []domain.MailItem, boundaryID string, boundarySequence uint64, kind domain.SnapshotKind) (*domain.Snapshot, error) {
	if err := domain.ValidatePartition(partition); err != nil {
		return nil, err
	}

	id, err := domain.GenerateSnapshotID()
	if err != nil {
		return nil, domain.ErrInternal.WithDetails("generate snapshot id").WithCause(err)
	}

	encoded, degraded := s.d.encoder.Items(items)
	snap := &domain.Snapshot{
		ID:               id,
		PartitionKey:     partition,
		Kind:             kind,
		Items:            encoded,
		ItemCount:        len(encoded),
		BoundaryID:       boundaryID,
		BoundarySequence: boundarySequence,
		CreatedAt:        s.d.now().UTC().Truncate(time.Millisecond),
		Active:           true,
		Degraded:         degraded,
	}
	data, encrypted, err := s.encodeItems(id, encoded)
	if err != nil {
		return nil, domain.ErrInternal.WithDetails("encode snapshot").WithCause(err)
	}

	if err := s.save(ctx, snap, data, encrypted); err != nil {
		if errors.Is(err, domain.ErrConsistencyAnomaly) {
			return nil, err
		}
		return nil, domain.ErrStorage.WithDetails("save snapshot").WithCause(err)
	}

	s.d.logger.Info("snapshot saved",
		"snapshot_id", id,
		"partition", partition,
		"kind", string(kind),
		"items", snap.ItemCount,
		"boundary_id", boundaryID,
		"boundary_sequence", boundarySequence,
		"degraded", degraded)
	return snap, nil
}

func (s *SnapshotStore) save(ctx context.Context, snap *domain.Snapshot, data []byte, encrypted bool) error {
	tx, err := s.d.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var current struct {
		ID               string `db:"id"`
		BoundarySequence uint64 `db:"boundary_sequence"`
	}
	err = tx.GetContext(ctx, &current,
		"SELECT id, boundary_sequence FROM snapshots WHERE partition_key = ? AND active = 1",
		snap.PartitionKey)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return fmt.Errorf("reading active snapshot: %w", err)
	case snap.BoundarySequence < current.BoundarySequence:
		return domain.ErrConsistencyAnomaly.WithDetailsf(
			"boundary sequence %d is behind active snapshot %s at %d",
			snap.BoundarySequence, current.ID, current.BoundarySequence)
	}

	if _, err := tx.ExecContext(ctx,
		"UPDATE snapshots SET active = 0 WHERE partition_key = ? AND active = 1",
		snap.PartitionKey); err != nil {
		return fmt.Errorf("deactivating snapshot: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO snapshots (
			id, partition_key, kind, items, encrypted, item_count,
			boundary_id, boundary_sequence, created_at, active, stale, degraded
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 1, 0, ?)`,
		snap.ID, snap.PartitionKey, string(snap.Kind), data, boolToInt(encrypted), snap.ItemCount,
		snap.BoundaryID, snap.BoundarySequence, snap.CreatedAt.UnixMilli(), boolToInt(snap.Degraded),
	)
	if err != nil {
		return fmt.Errorf("inserting snapshot %s: %w", snap.ID, err)
	}

	return tx.Commit()
}

// LoadActive returns the partition's active snapshot, or nil when the
// partition has none. If the active row cannot be decoded, the newest
// decodable inactive row is returned with Stale set.
func (s *SnapshotStore) LoadActive(ctx context.Context, partition string) (*domain.Snapshot, error) {
	if err := domain.ValidatePartition(partition); err != nil {
		return nil, err
	}

	var rows []snapshotRow
	err := s.d.db.SelectContext(ctx, &rows, `
		SELECT id, partition_key, kind, items, encrypted, item_count, boundary_id,
			boundary_sequence, created_at, active, stale, degraded
		FROM snapshots WHERE partition_key = ?
		ORDER BY active DESC, id DESC`, partition)
	if err != nil {
		return nil, domain.ErrStorage.WithDetails("load snapshot").WithCause(err)
	}

	var cause error
	for i, r := range rows {
		snap, err := s.decode(r)
		if err != nil {
			s.d.logger.Warn("skipping unreadable snapshot", "snapshot_id", r.ID, "error", err)
			cause = err
			continue
		}
		if i == 0 && r.Active {
			return snap, nil
		}
		snap.Active = false
		snap.Stale = true
		s.d.logger.Warn("recovered from inactive snapshot",
			"snapshot_id", snap.ID,
			"partition", partition,
			"boundary_sequence", snap.BoundarySequence,
			"cause", cause)
		return snap, nil
	}

	if cause != nil {
		s.d.logger.Error("no readable snapshot for partition", "partition", partition, "cause", cause)
	}
	return nil, nil
}

// UpdateItemFields patches one item inside the active snapshot. A missing
// active snapshot or subject is a logged no-op.
func (s *SnapshotStore) UpdateItemFields(ctx context.Context, partition, subjectID string, patch domain.ItemPatch) (bool, error) {
	if err := domain.ValidatePartition(partition); err != nil {
		return false, err
	}
	if subjectID == "" {
		return false, domain.ErrMissingArgument.WithDetails("subject_id is required")
	}

	updated, reason, err := s.updateItem(ctx, partition, subjectID, patch)
	if err != nil {
		return false, domain.ErrStorage.WithDetails("update snapshot item").WithCause(err)
	}
	if !updated {
		s.d.logger.Debug("snapshot item update skipped",
			"partition", partition,
			"subject_id", subjectID,
			"reason", reason)
	}
	return updated, nil
}

func (s *SnapshotStore) updateItem(ctx context.Context, partition, subjectID string, patch domain.ItemPatch) (bool, string, error) {
	tx, err := s.d.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, "", fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var row snapshotRow
	err = tx.GetContext(ctx, &row, `
		SELECT id, partition_key, kind, items, encrypted, item_count, boundary_id,
			boundary_sequence, created_at, active, stale, degraded
		FROM snapshots WHERE partition_key = ? AND active = 1`, partition)
	if errors.Is(err, sql.ErrNoRows) {
		return false, "no active snapshot", nil
	}
	if err != nil {
		return false, "", fmt.Errorf("reading active snapshot: %w", err)
	}

	snap, err := s.decode(row)
	if err != nil {
		return false, "", err
	}

	idx := -1
	for i := range snap.Items {
		if snap.Items[i].SubjectID == subjectID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return false, "subject not in snapshot", nil
	}

	if patch.Apply(&snap.Items[idx]) {
		snap.Items[idx] = s.d.encoder.Item(snap.Items[idx])
		if snap.Items[idx].Quality.Degraded() {
			snap.Degraded = true
		}
	} else {
		snap.Items = append(snap.Items[:idx], snap.Items[idx+1:]...)
	}

	data, encrypted, err := s.encodeItems(snap.ID, snap.Items)
	if err != nil {
		return false, "", err
	}
	if _, err := tx.ExecContext(ctx,
		"UPDATE snapshots SET items = ?, encrypted = ?, item_count = ?, degraded = ? WHERE id = ?",
		data, boolToInt(encrypted), len(snap.Items), boolToInt(snap.Degraded), snap.ID); err != nil {
		return false, "", fmt.Errorf("updating snapshot %s: %w", snap.ID, err)
	}
	return true, "", tx.Commit()
}

// MarkStale flags the active snapshot so the next load compacts.
func (s *SnapshotStore) MarkStale(ctx context.Context, partition string) (bool, error) {
	if err := domain.ValidatePartition(partition); err != nil {
		return false, err
	}
	res, err := s.d.db.ExecContext(ctx,
		"UPDATE snapshots SET stale = 1 WHERE partition_key = ? AND active = 1", partition)
	if err != nil {
		return false, domain.ErrStorage.WithDetails("mark snapshot stale").WithCause(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, domain.ErrStorage.WithDetails("mark snapshot stale").WithCause(err)
	}
	if n > 0 {
		s.d.logger.Info("snapshot marked stale", "partition", partition)
	}
	return n > 0, nil
}

// List returns snapshot headers of a partition, oldest first.
func (s *SnapshotStore) List(ctx context.Context, partition string) ([]domain.Snapshot, error) {
	if err := domain.ValidatePartition(partition); err != nil {
		return nil, err
	}
	var rows []snapshotRow
	err := s.d.db.SelectContext(ctx, &rows,
		"SELECT "+headerColumns+" FROM snapshots WHERE partition_key = ? ORDER BY id ASC", partition)
	if err != nil {
		return nil, domain.ErrStorage.WithDetails("list snapshots").WithCause(err)
	}
	out := make([]domain.Snapshot, len(rows))
	for i, r := range rows {
		out[i] = r.header()
	}
	return out, nil
}

// Count returns the number of stored snapshots of a partition.
func (s *SnapshotStore) Count(ctx context.Context, partition string) (int, error) {
	if err := domain.ValidatePartition(partition); err != nil {
		return 0, err
	}
	var n int
	if err := s.d.db.GetContext(ctx, &n, "SELECT COUNT(*) FROM snapshots WHERE partition_key = ?", partition); err != nil {
		return 0, domain.ErrStorage.WithDetails("count snapshots").WithCause(err)
	}
	return n, nil
}

// Prune deletes old inactive snapshots, keeping the newest keep inactive
// ones of every partition. The active snapshot is never deleted.
func (s *SnapshotStore) Prune(ctx context.Context, keep int) (int, error) {
	if keep < 0 {
		keep = 0
	}

	deleted, err := s.prune(ctx, keep)
	if err != nil {
		return 0, domain.ErrStorage.WithDetails("prune snapshots").WithCause(err)
	}
	if deleted > 0 {
		s.d.logger.Info("snapshots pruned", "deleted", deleted, "keep", keep)
	}
	return deleted, nil
}

func (s *SnapshotStore) prune(ctx context.Context, keep int) (int, error) {
	tx, err := s.d.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var partitions []string
	if err := tx.SelectContext(ctx, &partitions, "SELECT DISTINCT partition_key FROM snapshots"); err != nil {
		return 0, fmt.Errorf("listing partitions: %w", err)
	}

	total := 0
	for _, p := range partitions {
		n, err := pruneOne(ctx, tx, p, keep)
		if err != nil {
			return 0, err
		}
		total += n
	}
	return total, tx.Commit()
}

func pruneOne(ctx context.Context, tx *sqlx.Tx, partition string, keep int) (int, error) {
	res, err := tx.ExecContext(ctx, `
		DELETE FROM snapshots
		WHERE partition_key = ? AND active = 0 AND id NOT IN (
			SELECT id FROM snapshots
			WHERE partition_key = ? AND active = 0
			ORDER BY id DESC LIMIT ?
		)`, partition, partition, keep)
	if err != nil {
		return 0, fmt.Errorf("pruning %s: %w", partition, err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// OldestBoundarySequence returns the smallest boundary sequence among all
// retained snapshots. ok is false when none exist.
func (s *SnapshotStore) OldestBoundarySequence(ctx context.Context) (uint64, bool, error) {
	var row struct {
		Oldest sql.NullInt64 `db:"oldest"`
	}
	if err := s.d.db.GetContext(ctx, &row, "SELECT MIN(boundary_sequence) AS oldest FROM snapshots"); err != nil {
		return 0, false, domain.ErrStorage.WithDetails("scan snapshots").WithCause(err)
	}
	if !row.Oldest.Valid {
		return 0, false, nil
	}
	return uint64(row.Oldest.Int64), true, nil
}

// Partitions returns the names of every partition that has snapshots.
func (s *SnapshotStore) Partitions(ctx context.Context) ([]string, error) {
	var out []string
	if err := s.d.db.SelectContext(ctx, &out, "SELECT DISTINCT partition_key FROM snapshots ORDER BY partition_key"); err != nil {
		return nil, domain.ErrStorage.WithDetails("scan snapshots").WithCause(err)
	}
	return out, nil
}
