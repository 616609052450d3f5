package config

import "time"

// Default configuration values.
const (
	DefaultHTTPAddr            = "127.0.0.1:5080"
	DefaultMaintenanceInterval = 5 * time.Minute
	DefaultShutdownTimeout     = 30 * time.Second
	DefaultRateLimit           = 50.0
	DefaultRateBurst           = 100

	DefaultLogLevel  = "info"
	DefaultLogFormat = "json"

	EngineBadger = "badger"
	EngineSQLite = "sqlite"

	DefaultEngine     = EngineBadger
	DefaultDataDir    = "/var/lib/mailsync-server/data"
	DefaultGCInterval = "10m"

	DefaultInitialPageSize = 200
	DefaultDeltaPageSize   = 500
	DefaultEventThreshold  = 50
	DefaultMaxAge          = time.Hour
	DefaultGrowthRatio     = 0.2

	DefaultDaysToKeepEvents = 30
	DefaultSnapshotsToKeep  = 5

	RemoteIMAP   = "imap"
	RemoteMemory = "memory"

	DefaultIMAPPort        = 993
	DefaultIMAPTLSMode     = "tls"
	DefaultIMAPConnectRate = 2.0
	DefaultIMAPBurst       = 4
	DefaultDemoItems       = 25

	DefaultMetricsPath = "/metrics"
)

// DefaultFolders are synchronized when none are configured.
var DefaultFolders = []string{"INBOX"}

// Default returns the default server configuration.
func Default() *ServerConfig {
	return &ServerConfig{
		Server: ServerSection{
			HTTP: HTTPConfig{
				Addr:      DefaultHTTPAddr,
				RateLimit: DefaultRateLimit,
				RateBurst: DefaultRateBurst,
			},
			MaintenanceInterval: DefaultMaintenanceInterval,
			ShutdownTimeout:     DefaultShutdownTimeout,
		},
		Log: LogSection{
			Level:  DefaultLogLevel,
			Format: DefaultLogFormat,
		},
		Storage: StorageSection{
			Engine:     DefaultEngine,
			DataDir:    DefaultDataDir,
			SyncWrites: true,
			GCInterval: DefaultGCInterval,
		},
		Sync: SyncSection{
			Folders:         append([]string(nil), DefaultFolders...),
			InitialPageSize: DefaultInitialPageSize,
			DeltaPageSize:   DefaultDeltaPageSize,
			EventThreshold:  DefaultEventThreshold,
			MaxAge:          DefaultMaxAge,
			GrowthRatio:     DefaultGrowthRatio,
		},
		Retention: RetentionSection{
			DaysToKeepEvents: DefaultDaysToKeepEvents,
			SnapshotsToKeep:  DefaultSnapshotsToKeep,
		},
		Remote: RemoteSection{
			Kind: RemoteIMAP,
			IMAP: IMAPConfig{
				Port:        DefaultIMAPPort,
				TLSMode:     DefaultIMAPTLSMode,
				ConnectRate: DefaultIMAPConnectRate,
				Burst:       DefaultIMAPBurst,
			},
			Demo: DemoConfig{ItemsPerFolder: DefaultDemoItems},
		},
		Metrics: MetricsSection{
			Enabled: true,
			Path:    DefaultMetricsPath,
		},
	}
}
