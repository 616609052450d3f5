package httpserver

import (
	"log/slog"
	"net/http"

	"github.com/yndnr/mailsync-go/internal/server/httpserver/handler"
	"github.com/yndnr/mailsync-go/internal/telemetry/logger"
)

// RouterConfig holds configuration for the HTTP router.
type RouterConfig struct {
	Mailbox handler.Mailbox
	Ready   handler.ReadyFunc

	Logger *slog.Logger

	// MetricsHandler is served at MetricsPath when set.
	MetricsHandler http.Handler
	MetricsPath    string

	// Recorder receives per-route request metrics.
	Recorder RequestRecorder

	// RateLimit is requests per second per client IP; zero disables it.
	RateLimit float64
	RateBurst int

	// AdminAllowList is the IP/CIDR allowlist for admin API (empty = no restriction).
	AdminAllowList []string
}

// NewRouter creates and configures the HTTP router with all routes and middleware.
//
// Order per route: Recover -> RequestID -> AccessLog -> Instrument ->
// [NetworkACL] -> RateLimit -> Handler. Health probes skip rate limiting.
func NewRouter(cfg RouterConfig) (http.Handler, error) {
	log := cfg.Logger
	if log == nil {
		log = logger.Component(nil, "http")
	}

	acl, err := NetworkACL(cfg.AdminAllowList, log)
	if err != nil {
		return nil, err
	}

	var limiter *RateLimiter
	if cfg.RateLimit > 0 {
		limiter = NewRateLimiter(cfg.RateLimit, cfg.RateBurst)
	}

	h := handler.New(cfg.Mailbox, cfg.Ready, log)
	mux := http.NewServeMux()

	for _, rt := range h.Routes() {
		mws := []Middleware{
			Recover(),
			RequestID(log),
			AccessLog(),
			Instrument(rt.Pattern, cfg.Recorder),
		}
		if rt.Admin {
			mws = append(mws, acl)
		}
		if rt.Pattern != "GET /health" && rt.Pattern != "GET /ready" {
			mws = append(mws, RateLimit(limiter))
		}
		mux.Handle(rt.Pattern, Chain(rt.Handler, mws...))
	}

	if cfg.MetricsHandler != nil {
		path := cfg.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		mux.Handle("GET "+path, Chain(cfg.MetricsHandler, Recover()))
	}

	return mux, nil
}
