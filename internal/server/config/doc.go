// Package config defines the configuration of mailsync-server.
//
//   - spec.go: ServerConfig struct definition
//   - default.go: Default configuration values
//   - verify.go: Validation (addresses, files, enumerations, ranges)
//   - sanitize.go: Masking of secrets for logging
//   - reload.go: Which keys apply without a restart
//
// Configuration is loaded via internal/infra/confloader from defaults, a
// YAML file and MAILSYNC_ environment variables.
package config
