// Package main provides the entry point for mailsync-server.
//
// The server keeps a local, event-sourced replica of a remote mailbox and
// serves it over HTTP:
//
//   - folder views reconciled from the active snapshot, the event log and
//     the remote delta
//   - read, unread, delete and move with immediate local consistency
//   - snapshot compaction, invalidation and retention
//   - Prometheus metrics and an admin API restricted by IP allowlist
//
// Usage:
//
//	mailsync-server [flags]
//	mailsync-server --config /etc/mailsync/server.yaml
//
// Settings come from defaults, the config file and MAILSYNC_ environment
// variables, in that order. A .env file in the working directory is read
// first. SIGHUP and config file changes reload the log level, the
// compaction policy and retention.
package main
