// Package tlsroots builds the TLS configurations of mailsync.
//
// Pool assembles the trust roots used when dialing the IMAP server: system
// roots plus an optional private CA file. Watcher serves the HTTP API
// certificate and reloads it when the certificate or key file changes, so
// rotated certificates take effect without a restart.
package tlsroots
