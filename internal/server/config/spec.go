package config

import "time"

// ServerConfig is the root configuration for mailsync-server.
type ServerConfig struct {
	Server    ServerSection    `koanf:"server" json:"server"`
	Log       LogSection       `koanf:"log" json:"log"`
	Storage   StorageSection   `koanf:"storage" json:"storage"`
	Sync      SyncSection      `koanf:"sync" json:"sync"`
	Retention RetentionSection `koanf:"retention" json:"retention"`
	Remote    RemoteSection    `koanf:"remote" json:"remote"`
	Metrics   MetricsSection   `koanf:"metrics" json:"metrics"`
}

// ServerSection configures the process and its HTTP endpoint.
type ServerSection struct {
	HTTP HTTPConfig `koanf:"http" json:"http"`

	// LocalSocket is a Unix socket path serving the API for local
	// management without the admin allowlist. Empty disables it.
	LocalSocket string `koanf:"local_socket" json:"local_socket"`

	// MaintenanceInterval is the period of the background load, cleanup
	// and value-log GC pass. Zero disables it.
	MaintenanceInterval time.Duration `koanf:"maintenance_interval" json:"maintenance_interval"`

	// ShutdownTimeout bounds the shutdown hooks.
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout" json:"shutdown_timeout"`
}

// HTTPConfig configures the HTTP server. TLS is enabled when both files are
// set; the certificate is reloaded when the files change.
type HTTPConfig struct {
	Addr        string `koanf:"addr" json:"addr"`
	TLSCertFile string `koanf:"tls_cert_file" json:"tls_cert_file"`
	TLSKeyFile  string `koanf:"tls_key_file" json:"tls_key_file"`

	// RateLimit is requests per second per client IP; zero disables it.
	RateLimit      float64  `koanf:"rate_limit" json:"rate_limit"`
	RateBurst      int      `koanf:"rate_burst" json:"rate_burst"`
	AdminAllowList []string `koanf:"admin_allow_list" json:"admin_allow_list"`
}

// LogSection configures logging.
type LogSection struct {
	Level  string `koanf:"level" json:"level"`
	Format string `koanf:"format" json:"format"`
}

// StorageSection selects and tunes the storage backend.
type StorageSection struct {
	// Engine is badger or sqlite.
	Engine string `koanf:"engine" json:"engine"`

	DataDir string `koanf:"data_dir" json:"data_dir"`

	// InMemory keeps everything in memory (demo mode and tests).
	InMemory bool `koanf:"in_memory" json:"in_memory"`

	// EncryptionKey seals event payloads and snapshot items at rest: 64 hex
	// characters or base64 of 32 bytes. Empty disables encryption.
	EncryptionKey string `koanf:"encryption_key" json:"encryption_key"`

	// SyncWrites fsyncs every Badger commit.
	SyncWrites bool `koanf:"sync_writes" json:"sync_writes"`

	// GCInterval is the Badger value-log GC period.
	GCInterval string `koanf:"gc_interval" json:"gc_interval"`
}

// SyncSection configures the sync engine and compaction policy.
type SyncSection struct {
	// Folders are loaded by the maintenance loop.
	Folders []string `koanf:"folders" json:"folders"`

	InitialPageSize int `koanf:"initial_page_size" json:"initial_page_size"`
	DeltaPageSize   int `koanf:"delta_page_size" json:"delta_page_size"`

	// EventThreshold, MaxAge and GrowthRatio drive compaction; zero
	// disables the rule.
	EventThreshold int           `koanf:"event_threshold" json:"event_threshold"`
	MaxAge         time.Duration `koanf:"max_age" json:"max_age"`
	GrowthRatio    float64       `koanf:"growth_ratio" json:"growth_ratio"`
}

// RetentionSection configures cleanup.
type RetentionSection struct {
	// DaysToKeepEvents; zero keeps events regardless of age.
	DaysToKeepEvents int `koanf:"days_to_keep_events" json:"days_to_keep_events"`

	// SnapshotsToKeep is the number of inactive snapshots kept per folder.
	SnapshotsToKeep int `koanf:"snapshots_to_keep" json:"snapshots_to_keep"`
}

// RemoteSection selects the remote mail source.
type RemoteSection struct {
	// Kind is imap or memory.
	Kind string `koanf:"kind" json:"kind"`

	IMAP IMAPConfig `koanf:"imap" json:"imap"`
	Demo DemoConfig `koanf:"demo" json:"demo"`
}

// IMAPConfig configures the IMAP source.
type IMAPConfig struct {
	Host     string `koanf:"host" json:"host"`
	Port     int    `koanf:"port" json:"port"`
	Username string `koanf:"username" json:"username"`
	Password string `koanf:"password" json:"password"`

	// TLSMode is tls, starttls or insecure.
	TLSMode string `koanf:"tls_mode" json:"tls_mode"`
	CAFile  string `koanf:"ca_file" json:"ca_file"`

	// ConnectRate bounds new connections per second.
	ConnectRate float64 `koanf:"connect_rate" json:"connect_rate"`
	Burst       int     `koanf:"burst" json:"burst"`
}

// DemoConfig seeds the in-memory source.
type DemoConfig struct {
	ItemsPerFolder int `koanf:"items_per_folder" json:"items_per_folder"`
}

// MetricsSection configures the Prometheus endpoint.
type MetricsSection struct {
	Enabled bool   `koanf:"enabled" json:"enabled"`
	Path    string `koanf:"path" json:"path"`
}
