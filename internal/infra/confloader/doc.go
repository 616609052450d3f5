// Package confloader loads layered configuration and watches the
// configuration file for changes.
//
// Sources, later ones overriding earlier ones:
//
//  1. Defaults (the target struct as passed in)
//  2. YAML configuration file
//  3. Environment variables (MAILSYNC_ prefix)
//  4. Explicit maps, typically command-line flags
//
// Environment variables separate nesting levels with a double underscore so
// that keys may contain single underscores:
//
//	MAILSYNC_SYNC__EVENT_THRESHOLD=100   ->  sync.event_threshold
//	MAILSYNC_REMOTE__IMAP__PASSWORD=...  ->  remote.imap.password
package confloader
