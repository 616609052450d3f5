// Package connection is the mailsync-cli client for the mailsync-server
// HTTP API. It unwraps the response envelope and turns error envelopes
// into *APIError values.
package connection
