package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/yndnr/mailsync-go/internal/core/domain"
	"github.com/yndnr/mailsync-go/pkg/crypto/adaptive"
)

// maxSocketPath is the portable limit on Unix socket paths.
const maxSocketPath = 104

// Verify validates the configuration. It reports every problem found and
// creates the data directory when it is missing.
func Verify(cfg *ServerConfig) error {
	return verify(cfg, true)
}

// Check validates the configuration like Verify but leaves the data
// directory alone.
func Check(cfg *ServerConfig) error {
	return verify(cfg, false)
}

func verify(cfg *ServerConfig, createDataDir bool) error {
	return errors.Join(
		verifyServer(&cfg.Server),
		verifyLog(&cfg.Log),
		verifyStorage(&cfg.Storage, createDataDir),
		verifySync(&cfg.Sync),
		verifyRetention(&cfg.Retention),
		verifyRemote(&cfg.Remote),
		verifyMetrics(&cfg.Metrics),
	)
}

func verifyServer(cfg *ServerSection) error {
	var errs []error
	if _, _, err := net.SplitHostPort(cfg.HTTP.Addr); err != nil {
		errs = append(errs, fmt.Errorf("server.http.addr %q: %w", cfg.HTTP.Addr, err))
	}
	if (cfg.HTTP.TLSCertFile == "") != (cfg.HTTP.TLSKeyFile == "") {
		errs = append(errs, errors.New("server.http.tls_cert_file and tls_key_file must be set together"))
	}
	for _, f := range []string{cfg.HTTP.TLSCertFile, cfg.HTTP.TLSKeyFile} {
		if f == "" {
			continue
		}
		if _, err := os.Stat(f); err != nil {
			errs = append(errs, fmt.Errorf("server.http tls file: %w", err))
		}
	}
	if cfg.HTTP.RateLimit < 0 || cfg.HTTP.RateBurst < 0 {
		errs = append(errs, errors.New("server.http.rate_limit and rate_burst must not be negative"))
	}
	for _, entry := range cfg.HTTP.AdminAllowList {
		if !validAllowEntry(entry) {
			errs = append(errs, fmt.Errorf("server.http.admin_allow_list: invalid entry %q", entry))
		}
	}
	if cfg.LocalSocket != "" {
		if len(cfg.LocalSocket) > maxSocketPath {
			errs = append(errs, fmt.Errorf("server.local_socket: path longer than %d bytes", maxSocketPath))
		}
		if _, err := os.Stat(filepath.Dir(cfg.LocalSocket)); err != nil {
			errs = append(errs, fmt.Errorf("server.local_socket: %w", err))
		}
	}
	if cfg.MaintenanceInterval < 0 {
		errs = append(errs, errors.New("server.maintenance_interval must not be negative"))
	}
	if cfg.ShutdownTimeout <= 0 {
		errs = append(errs, errors.New("server.shutdown_timeout must be positive"))
	}
	return errors.Join(errs...)
}

func verifyLog(cfg *LogSection) error {
	var errs []error
	switch strings.ToLower(cfg.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level %q: want debug, info, warn or error", cfg.Level))
	}
	switch strings.ToLower(cfg.Format) {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("log.format %q: want json or text", cfg.Format))
	}
	return errors.Join(errs...)
}

func verifyStorage(cfg *StorageSection, createDataDir bool) error {
	var errs []error
	switch cfg.Engine {
	case EngineBadger, EngineSQLite:
	default:
		errs = append(errs, fmt.Errorf("storage.engine %q: want badger or sqlite", cfg.Engine))
	}

	if !cfg.InMemory {
		if cfg.DataDir == "" {
			errs = append(errs, errors.New("storage.data_dir is required"))
		} else if createDataDir {
			if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
				errs = append(errs, fmt.Errorf("cannot create data directory: %w", err))
			}
		}
	}

	if cfg.EncryptionKey != "" {
		if _, err := adaptive.ParseKey(cfg.EncryptionKey); err != nil {
			errs = append(errs, fmt.Errorf("storage.encryption_key: %w", err))
		}
	}
	if cfg.GCInterval != "" {
		if _, err := time.ParseDuration(cfg.GCInterval); err != nil {
			errs = append(errs, fmt.Errorf("storage.gc_interval: %w", err))
		}
	}
	return errors.Join(errs...)
}

func verifySync(cfg *SyncSection) error {
	var errs []error
	if len(cfg.Folders) == 0 {
		errs = append(errs, errors.New("sync.folders must list at least one folder"))
	}
	for _, f := range cfg.Folders {
		if err := domain.ValidatePartition(f); err != nil {
			errs = append(errs, fmt.Errorf("sync.folders: %w", err))
		}
	}
	if cfg.InitialPageSize <= 0 {
		errs = append(errs, errors.New("sync.initial_page_size must be positive"))
	}
	if cfg.DeltaPageSize <= 0 {
		errs = append(errs, errors.New("sync.delta_page_size must be positive"))
	}
	if cfg.EventThreshold < 0 || cfg.MaxAge < 0 || cfg.GrowthRatio < 0 {
		errs = append(errs, errors.New("sync compaction thresholds must not be negative"))
	}
	return errors.Join(errs...)
}

func verifyRetention(cfg *RetentionSection) error {
	if cfg.SnapshotsToKeep < 0 {
		return errors.New("retention.snapshots_to_keep must not be negative")
	}
	return nil
}

func verifyRemote(cfg *RemoteSection) error {
	switch cfg.Kind {
	case RemoteMemory:
		if cfg.Demo.ItemsPerFolder < 0 {
			return errors.New("remote.demo.items_per_folder must not be negative")
		}
		return nil
	case RemoteIMAP:
	default:
		return fmt.Errorf("remote.kind %q: want imap or memory", cfg.Kind)
	}

	var errs []error
	imap := cfg.IMAP
	if imap.Host == "" {
		errs = append(errs, errors.New("remote.imap.host is required"))
	}
	if imap.Port <= 0 || imap.Port > 65535 {
		errs = append(errs, fmt.Errorf("remote.imap.port %d out of range", imap.Port))
	}
	switch imap.TLSMode {
	case "tls", "starttls", "insecure":
	default:
		errs = append(errs, fmt.Errorf("remote.imap.tls_mode %q: want tls, starttls or insecure", imap.TLSMode))
	}
	if imap.CAFile != "" {
		if _, err := os.Stat(imap.CAFile); err != nil {
			errs = append(errs, fmt.Errorf("remote.imap.ca_file: %w", err))
		}
	}
	if imap.ConnectRate <= 0 || imap.Burst <= 0 {
		errs = append(errs, errors.New("remote.imap.connect_rate and burst must be positive"))
	}
	return errors.Join(errs...)
}

func verifyMetrics(cfg *MetricsSection) error {
	if cfg.Enabled && !strings.HasPrefix(cfg.Path, "/") {
		return fmt.Errorf("metrics.path %q must start with /", cfg.Path)
	}
	return nil
}

func validAllowEntry(entry string) bool {
	if strings.Contains(entry, "/") {
		_, _, err := net.ParseCIDR(entry)
		return err == nil
	}
	return net.ParseIP(entry) != nil
}
