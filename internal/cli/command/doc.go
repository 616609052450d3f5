// Package command defines the mailsync-cli commands using urfave/cli/v2.
//
// Every command that talks to the server resolves its connection from the
// global flags and the selected profile, calls one API endpoint and prints
// the result with the --output formatter.
package command
