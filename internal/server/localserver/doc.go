// Package localserver serves the HTTP API on a Unix domain socket for
// local management.
//
// The socket file is created with mode 0600, so access is limited to the
// server's user. Requests over the socket skip the admin IP allowlist and
// rate limiting; file permissions take their place.
package localserver
