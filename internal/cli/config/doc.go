// Package config holds the mailsync-cli settings file (~/.mailsync/cli.yaml).
//
// The file names connection profiles; command-line flags and MAILSYNC_*
// environment variables override the selected profile.
package config
