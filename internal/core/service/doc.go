// Package service provides the mailbox synchronization services.
//
// The package contains:
//
//   - SyncEngine: reconciles the active snapshot, event replay and the
//     remote delta into a current view of one folder
//   - MutationService: read/unread/delete/move with immediate local
//     consistency
//   - Policy: decides when a fresh snapshot is materialized
//   - MailboxService: the facade used by the HTTP API and the server's
//     maintenance loop
//
// Storage and the remote mail store are reached through the EventLog,
// SnapshotStore and RemoteMailSource interfaces, so both storage backends
// and both remote sources plug in unchanged. Services hold no per-request
// state and are safe for concurrent use.
package service
