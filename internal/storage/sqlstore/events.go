package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/yndnr/mailsync-go/internal/core/domain"
	"github.com/yndnr/mailsync-go/internal/storage"
)

// EventLog is the SQLite event log.
type EventLog struct {
	d *DB
}

type eventRow struct {
	Sequence  uint64 `db:"sequence"`
	Type      string `db:"type"`
	SubjectID string `db:"subject_id"`
	Partition string `db:"partition_key"`
	Payload   []byte `db:"payload"`
	Sealed    bool   `db:"sealed"`
	Timestamp int64  `db:"timestamp"`
}

// Append records an event and returns its sequence. The counter row and the
// event row are written in one transaction.
func (l *EventLog) Append(ctx context.Context, subjectID, partition string, payload domain.Payload) (uint64, error) {
	if err := domain.ValidateAppend(subjectID, payload); err != nil {
		return 0, err
	}
	if r, ok := payload.(domain.Received); ok {
		r.Item = l.d.encoder.Item(r.Item)
		payload = r
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return 0, domain.ErrInternal.WithDetails("marshal event payload").WithCause(err)
	}

	seq, err := l.insert(ctx, subjectID, partition, payload.Type(), data)
	if err != nil {
		return 0, domain.ErrStorage.WithDetails("append event").WithCause(err)
	}

	l.d.logger.Debug("event appended",
		"sequence", seq,
		"type", payload.Type().String(),
		"subject_id", subjectID,
		"partition", partition)
	return seq, nil
}

func (l *EventLog) insert(ctx context.Context, subjectID, partition string, t domain.EventType, data []byte) (uint64, error) {
	tx, err := l.d.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "UPDATE sequence_counter SET value = value + 1 WHERE id = 1"); err != nil {
		return 0, fmt.Errorf("advancing sequence: %w", err)
	}
	var seq uint64
	if err := tx.GetContext(ctx, &seq, "SELECT value FROM sequence_counter WHERE id = 1"); err != nil {
		return 0, fmt.Errorf("reading sequence: %w", err)
	}

	sealed := false
	if l.d.cipher != nil {
		data, err = l.d.cipher.Seal(data, storage.EventKey(seq))
		if err != nil {
			return 0, fmt.Errorf("sealing payload: %w", err)
		}
		sealed = true
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO events (sequence, type, subject_id, partition_key, payload, sealed, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		seq, t.String(), subjectID, partition, data, boolToInt(sealed), l.d.now().UTC().UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("inserting event %d: %w", seq, err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing event %d: %w", seq, err)
	}
	return seq, nil
}

// ListSince returns every event with a sequence greater than after, in
// ascending order.
func (l *EventLog) ListSince(ctx context.Context, after uint64) ([]domain.Event, error) {
	var rows []eventRow
	err := l.d.db.SelectContext(ctx, &rows, `
		SELECT sequence, type, subject_id, partition_key, payload, sealed, timestamp
		FROM events WHERE sequence > ? ORDER BY sequence ASC`, after)
	if err != nil {
		return nil, domain.ErrStorage.WithDetails("list events").WithCause(err)
	}

	events := make([]domain.Event, 0, len(rows))
	for _, r := range rows {
		ev, err := l.decode(r)
		if err != nil {
			return nil, domain.ErrStorage.WithDetailsf("decode event %d", r.Sequence).WithCause(err)
		}
		events = append(events, ev)
	}
	return events, nil
}

func (l *EventLog) decode(r eventRow) (domain.Event, error) {
	t, err := domain.ParseEventType(r.Type)
	if err != nil {
		return domain.Event{}, err
	}
	data := r.Payload
	if r.Sealed {
		if l.d.cipher == nil {
			return domain.Event{}, fmt.Errorf("payload is sealed but no key is configured")
		}
		data, err = l.d.cipher.Open(data, storage.EventKey(r.Sequence))
		if err != nil {
			return domain.Event{}, fmt.Errorf("opening payload: %w", err)
		}
	}
	payload, err := domain.DecodePayload(t, data)
	if err != nil {
		return domain.Event{}, err
	}
	return domain.Event{
		Sequence:  r.Sequence,
		SubjectID: r.SubjectID,
		Partition: r.Partition,
		Timestamp: time.UnixMilli(r.Timestamp).UTC(),
		Payload:   payload,
	}, nil
}

// CurrentSequence returns the highest sequence handed out, or 0.
func (l *EventLog) CurrentSequence(ctx context.Context) (uint64, error) {
	var seq uint64
	err := l.d.db.GetContext(ctx, &seq, "SELECT value FROM sequence_counter WHERE id = 1")
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, domain.ErrStorage.WithDetails("read sequence").WithCause(err)
	}
	return seq, nil
}

// CountsByType counts retained events per type.
func (l *EventLog) CountsByType(ctx context.Context) (map[domain.EventType]int, error) {
	var rows []struct {
		Type  string `db:"type"`
		Count int    `db:"n"`
	}
	if err := l.d.db.SelectContext(ctx, &rows, "SELECT type, COUNT(*) AS n FROM events GROUP BY type"); err != nil {
		return nil, domain.ErrStorage.WithDetails("count events").WithCause(err)
	}

	counts := make(map[domain.EventType]int, len(rows))
	for _, r := range rows {
		t, err := domain.ParseEventType(r.Type)
		if err != nil {
			l.d.logger.Warn("unknown event type in log", "type", r.Type, "count", r.Count)
			continue
		}
		counts[t] = r.Count
	}
	return counts, nil
}

// Retain deletes events older than daysToKeep days whose sequence is at or
// below floor. floor 0 (no snapshot) and daysToKeep <= 0 delete nothing.
func (l *EventLog) Retain(ctx context.Context, daysToKeep int, floor uint64) (int, error) {
	if daysToKeep <= 0 || floor == 0 {
		return 0, nil
	}
	cutoff := l.d.now().Add(-time.Duration(daysToKeep) * 24 * time.Hour).UnixMilli()

	res, err := l.d.db.ExecContext(ctx,
		"DELETE FROM events WHERE sequence <= ? AND timestamp < ?", floor, cutoff)
	if err != nil {
		return 0, domain.ErrStorage.WithDetails("delete expired events").WithCause(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, domain.ErrStorage.WithDetails("delete expired events").WithCause(err)
	}

	if n > 0 {
		l.d.logger.Info("event retention completed",
			"deleted", n,
			"floor_sequence", floor,
			"days_to_keep", daysToKeep)
	}
	return int(n), nil
}
