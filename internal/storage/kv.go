package storage

import (
	"context"
	"errors"
)

// Common errors.
var (
	ErrKeyNotFound = errors.New("key not found")
	ErrClosed      = errors.New("kv engine closed")
)

// KVEngine defines the embedded key-value storage used by the event log and
// the snapshot store.
//
// Implementations must be safe for concurrent use. Update runs fn inside a
// read-write transaction that commits atomically; conflicting transactions
// are retried a bounded number of times before the conflict is returned.
type KVEngine interface {
	// Get retrieves a value by key.
	// Returns ErrKeyNotFound if key doesn't exist.
	Get(ctx context.Context, key []byte) ([]byte, error)

	// Set stores a key-value pair.
	Set(ctx context.Context, key, value []byte) error

	// Delete removes a key.
	Delete(ctx context.Context, key []byte) error

	// Scan iterates over keys with a given prefix in ascending order.
	// Callback returns false to stop iteration.
	Scan(ctx context.Context, prefix []byte, fn func(key, value []byte) bool) error

	// Update runs fn in a read-write transaction.
	Update(ctx context.Context, fn func(txn KVTxn) error) error

	// View runs fn in a read-only transaction.
	View(ctx context.Context, fn func(txn KVTxn) error) error

	// GC triggers garbage collection (for LSM-based engines like Badger).
	// Returns bytes reclaimed.
	GC(ctx context.Context) (uint64, error)

	// Stats returns storage statistics.
	Stats(ctx context.Context) (*KVStats, error)

	// Close gracefully shuts down the KV engine.
	Close() error
}

// KVTxn is a transaction handle passed to Update and View.
type KVTxn interface {
	// Get returns a copy of the value or ErrKeyNotFound.
	Get(key []byte) ([]byte, error)

	// Set stores a key-value pair. Fails in read-only transactions.
	Set(key, value []byte) error

	// Delete removes a key. Fails in read-only transactions.
	Delete(key []byte) error

	// Iterate walks keys with the given prefix. When reverse is true keys
	// are visited in descending order. fn returns false to stop.
	Iterate(prefix []byte, reverse bool, fn func(key, value []byte) (bool, error)) error

	// IterateFrom walks keys with the given prefix in ascending order,
	// starting at the first key >= start.
	IterateFrom(prefix, start []byte, fn func(key, value []byte) (bool, error)) error
}

// KVStats contains storage engine statistics.
type KVStats struct {
	// TotalSize is the total disk usage in bytes.
	TotalSize uint64

	// LSMSize is the LSM tree size.
	LSMSize uint64

	// ValueLogSize is the value log size.
	ValueLogSize uint64

	// LastGCTime is the last GC run timestamp (Unix milliseconds).
	LastGCTime int64

	// GCBytesReclaimed is the total bytes reclaimed by GC.
	GCBytesReclaimed uint64
}

// KVConfig configures an embedded KV engine.
type KVConfig struct {
	// Dir is the storage directory. Ignored when InMemory is set.
	Dir string

	// InMemory keeps all data in memory (tests and demo mode).
	InMemory bool

	// Badger-specific configuration
	Badger BadgerConfig
}

// BadgerConfig contains Badger-specific tuning parameters.
type BadgerConfig struct {
	// GCInterval is the interval between automatic GC runs.
	// Default: 10m
	GCInterval string

	// GCThreshold is the GC discard ratio threshold (0.0-1.0).
	// Default: 0.5
	GCThreshold float64

	// CacheSize is the block cache size in bytes.
	// Default: 64MB
	CacheSize int64

	// ValueLogFileSize is the max value log file size in bytes.
	// Default: 256MB
	ValueLogFileSize int64

	// NumMemtables is the number of memtables.
	// Default: 2
	NumMemtables int

	// SyncWrites enables fsync after each commit.
	// Default: true (the event log is the source of truth)
	SyncWrites bool

	// ConflictRetries bounds how often Update retries on a write conflict.
	// Default: 5
	ConflictRetries int
}

// DefaultKVConfig returns the default KV configuration.
func DefaultKVConfig(dir string) KVConfig {
	return KVConfig{
		Dir:    dir,
		Badger: DefaultBadgerConfig(),
	}
}

// DefaultBadgerConfig returns the default Badger configuration.
func DefaultBadgerConfig() BadgerConfig {
	return BadgerConfig{
		GCInterval:       "10m",
		GCThreshold:      0.5,
		CacheSize:        64 << 20,  // 64MB
		ValueLogFileSize: 256 << 20, // 256MB
		NumMemtables:     2,
		SyncWrites:       true,
		ConflictRetries:  5,
	}
}
