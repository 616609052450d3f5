// Package domain defines the core domain models for MailSync.
//
// Domain models are plain values without IO dependencies:
//
//   - Event: an immutable, sequenced record of a mailbox state change
//   - MailItem: a materialized mail entry that lives inside a Snapshot
//   - Snapshot: a per-folder materialized view with its replay boundary
//   - Errors: coded domain errors shared by every layer
package domain
