// Package main provides the entry point for mailsync-cli.
//
// The CLI talks to mailsync-server over its HTTP API:
//
//	mailsync-cli folders
//	mailsync-cli view INBOX --unread
//	mailsync-cli read INBOX 12 13
//	mailsync-cli move INBOX 12 --to Archive
//	mailsync-cli admin cleanup --days 30 --keep 5
//
// Connection profiles live in ~/.mailsync/cli.yaml.
package main
