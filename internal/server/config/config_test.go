package config

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/yndnr/mailsync-go/internal/infra/confloader"
)

// validConfig returns a configuration that passes Verify.
func validConfig(t *testing.T) *ServerConfig {
	t.Helper()
	cfg := Default()
	cfg.Storage.DataDir = t.TempDir()
	cfg.Remote.IMAP.Host = "imap.example.com"
	cfg.Remote.IMAP.Username = "user"
	cfg.Remote.IMAP.Password = "hunter2hunter2"
	return cfg
}

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Server.HTTP.Addr != DefaultHTTPAddr {
		t.Errorf("HTTP.Addr = %q, want %q", cfg.Server.HTTP.Addr, DefaultHTTPAddr)
	}
	if cfg.Storage.Engine != EngineBadger || cfg.Storage.DataDir != DefaultDataDir {
		t.Errorf("Storage = %+v", cfg.Storage)
	}
	if cfg.Sync.EventThreshold != 50 || cfg.Sync.MaxAge != time.Hour || cfg.Sync.GrowthRatio != 0.2 {
		t.Errorf("compaction defaults = %+v", cfg.Sync)
	}
	if cfg.Sync.InitialPageSize != 200 || cfg.Sync.DeltaPageSize != 500 {
		t.Errorf("page sizes = %d/%d", cfg.Sync.InitialPageSize, cfg.Sync.DeltaPageSize)
	}
	if !reflect.DeepEqual(cfg.Sync.Folders, []string{"INBOX"}) {
		t.Errorf("Folders = %v", cfg.Sync.Folders)
	}
	if cfg.Log.Level != DefaultLogLevel || cfg.Log.Format != DefaultLogFormat {
		t.Errorf("Log = %+v", cfg.Log)
	}

	// Default must not share the package-level folder slice.
	cfg.Sync.Folders[0] = "changed"
	if DefaultFolders[0] != "INBOX" {
		t.Error("Default() aliases DefaultFolders")
	}
}

func TestVerify_ValidConfig(t *testing.T) {
	if err := Verify(validConfig(t)); err != nil {
		t.Errorf("Verify failed: %v", err)
	}

	demo := Default()
	demo.Storage.InMemory = true
	demo.Storage.DataDir = ""
	demo.Remote.Kind = RemoteMemory
	if err := Verify(demo); err != nil {
		t.Errorf("Verify(demo) failed: %v", err)
	}
}

func TestVerify_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*ServerConfig)
		want   string
	}{
		{"bad addr", func(c *ServerConfig) { c.Server.HTTP.Addr = "nope" }, "server.http.addr"},
		{"half tls", func(c *ServerConfig) { c.Server.HTTP.TLSCertFile = "/x.pem" }, "set together"},
		{"missing tls files", func(c *ServerConfig) {
			c.Server.HTTP.TLSCertFile = "/nonexistent/cert.pem"
			c.Server.HTTP.TLSKeyFile = "/nonexistent/key.pem"
		}, "tls file"},
		{"negative rate", func(c *ServerConfig) { c.Server.HTTP.RateLimit = -1 }, "rate_limit"},
		{"allow list", func(c *ServerConfig) { c.Server.HTTP.AdminAllowList = []string{"10.0.0.0/33"} }, "admin_allow_list"},
		{"socket dir", func(c *ServerConfig) { c.Server.LocalSocket = "/nonexistent/dir/ms.sock" }, "local_socket"},
		{"socket length", func(c *ServerConfig) { c.Server.LocalSocket = "/tmp/" + strings.Repeat("s", 120) }, "local_socket"},
		{"negative interval", func(c *ServerConfig) { c.Server.MaintenanceInterval = -time.Second }, "maintenance_interval"},
		{"log level", func(c *ServerConfig) { c.Log.Level = "verbose" }, "log.level"},
		{"log format", func(c *ServerConfig) { c.Log.Format = "xml" }, "log.format"},
		{"engine", func(c *ServerConfig) { c.Storage.Engine = "postgres" }, "storage.engine"},
		{"empty data dir", func(c *ServerConfig) { c.Storage.DataDir = "" }, "data_dir"},
		{"bad key", func(c *ServerConfig) { c.Storage.EncryptionKey = "short" }, "encryption_key"},
		{"bad gc interval", func(c *ServerConfig) { c.Storage.GCInterval = "often" }, "gc_interval"},
		{"no folders", func(c *ServerConfig) { c.Sync.Folders = nil }, "sync.folders"},
		{"empty folder", func(c *ServerConfig) { c.Sync.Folders = []string{""} }, "sync.folders"},
		{"page size", func(c *ServerConfig) { c.Sync.InitialPageSize = 0 }, "initial_page_size"},
		{"negative threshold", func(c *ServerConfig) { c.Sync.EventThreshold = -1 }, "thresholds"},
		{"negative keep", func(c *ServerConfig) { c.Retention.SnapshotsToKeep = -1 }, "snapshots_to_keep"},
		{"remote kind", func(c *ServerConfig) { c.Remote.Kind = "pop3" }, "remote.kind"},
		{"imap host", func(c *ServerConfig) { c.Remote.IMAP.Host = "" }, "remote.imap.host"},
		{"imap port", func(c *ServerConfig) { c.Remote.IMAP.Port = 70000 }, "remote.imap.port"},
		{"imap tls", func(c *ServerConfig) { c.Remote.IMAP.TLSMode = "ssl" }, "tls_mode"},
		{"imap ca", func(c *ServerConfig) { c.Remote.IMAP.CAFile = "/nonexistent/ca.pem" }, "ca_file"},
		{"metrics path", func(c *ServerConfig) { c.Metrics.Path = "metrics" }, "metrics.path"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig(t)
			tt.mutate(cfg)
			err := Verify(cfg)
			if err == nil {
				t.Fatal("Verify() expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Verify() = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestVerify_ReportsAllProblems(t *testing.T) {
	cfg := validConfig(t)
	cfg.Log.Level = "loud"
	cfg.Storage.Engine = "csv"

	err := Verify(cfg)
	if err == nil || !strings.Contains(err.Error(), "log.level") || !strings.Contains(err.Error(), "storage.engine") {
		t.Errorf("Verify() = %v, want both problems", err)
	}
}

func TestVerify_CreateDataDir(t *testing.T) {
	cfg := validConfig(t)
	cfg.Storage.DataDir = filepath.Join(t.TempDir(), "subdir", "data")

	if err := Verify(cfg); err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if _, err := os.Stat(cfg.Storage.DataDir); err != nil {
		t.Error("Data directory should have been created")
	}
}

func TestCheck_LeavesDataDir(t *testing.T) {
	cfg := validConfig(t)
	cfg.Storage.DataDir = filepath.Join(t.TempDir(), "absent")

	if err := Check(cfg); err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if _, err := os.Stat(cfg.Storage.DataDir); !os.IsNotExist(err) {
		t.Error("Check should not create the data directory")
	}
}

func TestSanitize(t *testing.T) {
	cfg := validConfig(t)
	cfg.Storage.EncryptionKey = "super-secret-key-1234567890"

	sanitized := Sanitize(cfg)

	if cfg.Storage.EncryptionKey != "super-secret-key-1234567890" || cfg.Remote.IMAP.Password != "hunter2hunter2" {
		t.Error("Original config should not be modified")
	}
	if sanitized.Storage.EncryptionKey != "su***********************90" {
		t.Errorf("EncryptionKey = %q", sanitized.Storage.EncryptionKey)
	}
	if sanitized.Remote.IMAP.Password != "hu**********r2" {
		t.Errorf("Password = %q", sanitized.Remote.IMAP.Password)
	}

	sanitized.Sync.Folders[0] = "changed"
	if cfg.Sync.Folders[0] != "INBOX" {
		t.Error("Sanitize() must copy the folder list")
	}

	empty := Sanitize(&ServerConfig{})
	if empty.Storage.EncryptionKey != "" || empty.Remote.IMAP.Password != "" {
		t.Error("Empty secrets should remain empty")
	}
}

func TestMaskSecret(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"a", "****"},
		{"abcd", "****"},
		{"abcde", "ab*de"},
		{"1234567890", "12******90"},
	}

	for _, tt := range tests {
		if got := maskSecret(tt.input); got != tt.expected {
			t.Errorf("maskSecret(%q) = %q, want %q", tt.input, got, tt.expected)
		}
	}
}

func TestHotReloadable(t *testing.T) {
	for _, key := range []string{"log.level", "sync.event_threshold", "sync.max_age", "retention.snapshots_to_keep"} {
		if !HotReloadable(key) {
			t.Errorf("HotReloadable(%q) = false", key)
		}
	}
	for _, key := range []string{"server.http.addr", "storage.engine", "remote.imap.password", "log.format"} {
		if HotReloadable(key) {
			t.Errorf("HotReloadable(%q) = true", key)
		}
	}

	got := RequiresRestart([]string{"log.level", "storage.data_dir", "sync.growth_ratio", "remote.kind"})
	if !reflect.DeepEqual(got, []string{"storage.data_dir", "remote.kind"}) {
		t.Errorf("RequiresRestart() = %v", got)
	}
}

func TestLoadThroughConfloader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mailsync.yaml")
	content := `
server:
  maintenance_interval: 90s
storage:
  engine: sqlite
sync:
  folders: [INBOX, Archive]
  max_age: 2h
remote:
  kind: memory
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("MAILSYNC_SYNC__EVENT_THRESHOLD", "75")
	t.Setenv("MAILSYNC_REMOTE__IMAP__PASSWORD", "from-env")

	cfg := Default()
	if err := confloader.NewLoader(confloader.WithConfigFile(path)).Load(cfg); err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.MaintenanceInterval != 90*time.Second {
		t.Errorf("MaintenanceInterval = %v", cfg.Server.MaintenanceInterval)
	}
	if cfg.Storage.Engine != EngineSQLite {
		t.Errorf("Engine = %q", cfg.Storage.Engine)
	}
	if !reflect.DeepEqual(cfg.Sync.Folders, []string{"INBOX", "Archive"}) {
		t.Errorf("Folders = %v", cfg.Sync.Folders)
	}
	if cfg.Sync.MaxAge != 2*time.Hour || cfg.Sync.EventThreshold != 75 {
		t.Errorf("Sync = %+v", cfg.Sync)
	}
	if cfg.Sync.DeltaPageSize != DefaultDeltaPageSize {
		t.Errorf("DeltaPageSize default lost: %d", cfg.Sync.DeltaPageSize)
	}
	if cfg.Remote.IMAP.Password != "from-env" {
		t.Errorf("Password = %q", cfg.Remote.IMAP.Password)
	}
}
