// Package logger builds the process *slog.Logger of mailsync-server.
//
// Every logger New returns shares one level, which SetLevel changes at
// runtime when log.level is reloaded. Attributes pass through redaction
// before they are encoded: IMAP credentials, the storage encryption key
// and PEM material never reach the output.
//
// Components take a plain *slog.Logger. Component tags one with the
// component name; request handlers get theirs from the context with L.
package logger
