// Package httpserver provides the HTTP/HTTPS server for mailsync-server.
//
// It uses the Go standard library net/http mux with per-route middleware
// chains; the endpoints themselves live in the handler package.
package httpserver
