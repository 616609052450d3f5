// Package buildinfo exposes the version of the mailsync binaries.
//
// Values are injected at build time via ldflags:
//
//	go build -ldflags "-X github.com/yndnr/mailsync-go/internal/infra/buildinfo.Version=v1.0.0"
//
// Without ldflags the module version and VCS revision recorded by the Go
// toolchain are used when available.
package buildinfo
