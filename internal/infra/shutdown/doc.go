// Package shutdown coordinates process signals for the server.
//
// SIGINT and SIGTERM run the registered shutdown hooks in reverse order of
// registration under a shared timeout. SIGHUP runs the reload hooks, which
// the server uses to re-read its configuration file.
package shutdown
