// Package handler implements the HTTP API of mailsync-server.
//
// Every JSON response uses the envelope {code, message, request_id,
// timestamp, data}. Domain error codes map to HTTP status codes through
// their numeric suffix (MS-SYNC-4090 -> 409).
package handler
