package config

import "time"

// CLIConfig is the configuration for mailsync-cli.
type CLIConfig struct {
	DefaultOutput  string `yaml:"default_output"` // table, json, yaml
	CurrentProfile string `yaml:"current_profile"`

	Profiles map[string]Profile `yaml:"profiles"`
}

// Profile stores the details of one server connection.
type Profile struct {
	Server  string        `yaml:"server"`
	CAFile  string        `yaml:"ca_file,omitempty"`
	Timeout time.Duration `yaml:"timeout,omitempty"`
}

// DefaultServer is used when no profile or flag names a server.
const DefaultServer = "http://127.0.0.1:5080"

// Default returns the default CLI configuration.
func Default() *CLIConfig {
	return &CLIConfig{
		DefaultOutput: "table",
		Profiles:      make(map[string]Profile),
	}
}

// Active returns the current profile, or a profile for DefaultServer when
// none is selected.
func (c *CLIConfig) Active() Profile {
	if p, ok := c.Profiles[c.CurrentProfile]; ok {
		if p.Server == "" {
			p.Server = DefaultServer
		}
		return p
	}
	return Profile{Server: DefaultServer}
}
