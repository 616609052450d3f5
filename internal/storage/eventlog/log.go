// Package eventlog implements the durable, globally ordered event log on
// top of the embedded KV engine.
//
// Every event is stored under ev/<sequence> as a checksummed frame. A
// single counter under meta/seq is advanced in the same transaction as the
// event write, so a sequence is only ever observed together with its event.
package eventlog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/yndnr/mailsync-go/internal/core/domain"
	"github.com/yndnr/mailsync-go/internal/storage"
	"github.com/yndnr/mailsync-go/internal/storage/safeenc"
	"github.com/yndnr/mailsync-go/pkg/crypto/adaptive"
)

// deleteBatchSize bounds the keys deleted per transaction during retention.
const deleteBatchSize = 500

// Options configures a Log.
type Options struct {
	// Cipher seals event payloads at rest. Nil stores them in clear.
	Cipher adaptive.Cipher

	// Encoder sanitizes items carried by Received events.
	Encoder *safeenc.Encoder

	Logger *slog.Logger

	// Now overrides the clock (tests).
	Now func() time.Time
}

// Log is the Badger-backed event log.
type Log struct {
	kv      storage.KVEngine
	cipher  adaptive.Cipher
	encoder *safeenc.Encoder
	logger  *slog.Logger
	now     func() time.Time

	// mu serializes appends so counter reads never conflict.
	mu sync.Mutex
}

// New creates an event log over kv.
func New(kv storage.KVEngine, opts Options) *Log {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Encoder == nil {
		opts.Encoder = safeenc.New(safeenc.DefaultOptions())
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Log{
		kv:      kv,
		cipher:  opts.Cipher,
		encoder: opts.Encoder,
		logger:  opts.Logger,
		now:     opts.Now,
	}
}

// Append records an event and returns its sequence.
func (l *Log) Append(ctx context.Context, subjectID, partition string, payload domain.Payload) (uint64, error) {
	if err := domain.ValidateAppend(subjectID, payload); err != nil {
		return 0, err
	}
	if r, ok := payload.(domain.Received); ok {
		r.Item = l.encoder.Item(r.Item)
		payload = r
	}

	ev := domain.Event{
		SubjectID: subjectID,
		Partition: partition,
		Timestamp: l.now().UTC(),
		Payload:   payload,
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	var seq uint64
	err := l.kv.Update(ctx, func(txn storage.KVTxn) error {
		raw, err := txn.Get(storage.KeySequence)
		if err != nil && !errors.Is(err, storage.ErrKeyNotFound) {
			return err
		}
		seq = storage.DecodeUint64(raw) + 1

		key := storage.EventKey(seq)
		frame, err := encodeFrame(key, ev, l.cipher)
		if err != nil {
			return err
		}
		if err := txn.Set(key, frame); err != nil {
			return err
		}
		return txn.Set(storage.KeySequence, storage.EncodeUint64(seq))
	})
	if err != nil {
		return 0, domain.ErrStorage.WithDetails("append event").WithCause(err)
	}

	l.logger.Debug("event appended",
		"sequence", seq,
		"type", payload.Type().String(),
		"subject_id", subjectID,
		"partition", partition)
	return seq, nil
}

// ListSince returns every event with a sequence greater than after, in
// ascending order.
func (l *Log) ListSince(ctx context.Context, after uint64) ([]domain.Event, error) {
	var events []domain.Event
	err := l.kv.View(ctx, func(txn storage.KVTxn) error {
		return txn.IterateFrom(storage.PrefixEvent, storage.EventKey(after+1), func(key, value []byte) (bool, error) {
			seq, ok := storage.EventSequence(key)
			if !ok {
				return true, nil
			}
			ev, err := decodeFrame(key, seq, value, l.cipher)
			if err != nil {
				return false, fmt.Errorf("event %d: %w", seq, err)
			}
			events = append(events, ev)
			return true, nil
		})
	})
	if err != nil {
		return nil, domain.ErrStorage.WithDetails("list events").WithCause(err)
	}
	return events, nil
}

// CurrentSequence returns the highest sequence handed out, or 0.
func (l *Log) CurrentSequence(ctx context.Context) (uint64, error) {
	raw, err := l.kv.Get(ctx, storage.KeySequence)
	if errors.Is(err, storage.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, domain.ErrStorage.WithDetails("read sequence").WithCause(err)
	}
	return storage.DecodeUint64(raw), nil
}

// CountsByType counts retained events per type.
func (l *Log) CountsByType(ctx context.Context) (map[domain.EventType]int, error) {
	counts := make(map[domain.EventType]int)
	err := l.kv.View(ctx, func(txn storage.KVTxn) error {
		return txn.Iterate(storage.PrefixEvent, false, func(_, value []byte) (bool, error) {
			t, err := frameType(value)
			if err != nil {
				return false, err
			}
			counts[t]++
			return true, nil
		})
	})
	if err != nil {
		return nil, domain.ErrStorage.WithDetails("count events").WithCause(err)
	}
	return counts, nil
}

// Retain deletes events older than daysToKeep days. Events with a sequence
// above floor are never deleted; floor is the oldest retained snapshot's
// boundary sequence, and 0 (no snapshot) deletes nothing. daysToKeep <= 0
// disables age-based deletion.
func (l *Log) Retain(ctx context.Context, daysToKeep int, floor uint64) (int, error) {
	if daysToKeep <= 0 || floor == 0 {
		return 0, nil
	}
	cutoff := l.now().Add(-time.Duration(daysToKeep) * 24 * time.Hour)

	var expired [][]byte
	err := l.kv.View(ctx, func(txn storage.KVTxn) error {
		return txn.Iterate(storage.PrefixEvent, false, func(key, value []byte) (bool, error) {
			seq, ok := storage.EventSequence(key)
			if !ok {
				return true, nil
			}
			if seq > floor {
				return false, nil
			}
			ev, err := decodeFrame(key, seq, value, l.cipher)
			if err != nil {
				return false, fmt.Errorf("event %d: %w", seq, err)
			}
			if !ev.Timestamp.Before(cutoff) {
				return false, nil
			}
			expired = append(expired, key)
			return true, nil
		})
	})
	if err != nil {
		return 0, domain.ErrStorage.WithDetails("scan expired events").WithCause(err)
	}

	deleted := 0
	for len(expired) > 0 {
		n := min(len(expired), deleteBatchSize)
		batch := expired[:n]
		err := l.kv.Update(ctx, func(txn storage.KVTxn) error {
			for _, key := range batch {
				if err := txn.Delete(key); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return deleted, domain.ErrStorage.WithDetails("delete expired events").WithCause(err)
		}
		deleted += n
		expired = expired[n:]
	}

	if deleted > 0 {
		l.logger.Info("event retention completed",
			"deleted", deleted,
			"floor_sequence", floor,
			"days_to_keep", daysToKeep)
	}
	return deleted, nil
}
