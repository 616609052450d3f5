// Package storage provides the embedded key-value engine MailSync persists
// its event log and snapshots in.
//
// Layout:
//
//   - kv.go: the KVEngine/KVTxn abstraction
//   - badger.go: the Badger v3 implementation with GC and metrics
//   - keys.go: the key layout shared by the event log and snapshot store
//
// Subpackages build the domain stores on top of it (eventlog, snapshot),
// provide the SQLite alternative (sqlstore) and the text encoder applied to
// every persisted field (safeenc).
package storage
