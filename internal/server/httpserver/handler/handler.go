package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/yndnr/mailsync-go/internal/core/domain"
	"github.com/yndnr/mailsync-go/internal/core/service"
	"github.com/yndnr/mailsync-go/internal/telemetry/logger"
)

// Mailbox is the service surface served over HTTP.
type Mailbox interface {
	GetView(ctx context.Context, folder string) (*service.View, error)
	MarkRead(ctx context.Context, folder, subjectID string) (*service.MutationResult, error)
	MarkUnread(ctx context.Context, folder, subjectID string) (*service.MutationResult, error)
	Delete(ctx context.Context, folder, subjectID string) (*service.MutationResult, error)
	Move(ctx context.Context, folder, subjectID, target string) (*service.MutationResult, error)
	ForceSnapshot(ctx context.Context, folder string) (*service.SnapshotInfo, error)
	Invalidate(ctx context.Context, folder string) (bool, error)
	Stats(ctx context.Context, folder string) (*service.Stats, error)
	Cleanup(ctx context.Context, req service.CleanupRequest) (*service.CleanupResult, error)
	Folders(ctx context.Context) ([]string, error)
	SyncStatuses() []service.SyncStatus
}

// ReadyFunc reports whether the server can serve traffic.
type ReadyFunc func(ctx context.Context) error

// maxBodyBytes bounds JSON request bodies.
const maxBodyBytes = 64 << 10

// Handler serves the mailsync API.
type Handler struct {
	mailbox Mailbox
	ready   ReadyFunc
	logger  *slog.Logger
	started time.Time
}

// New creates a handler. ready may be nil.
func New(mailbox Mailbox, ready ReadyFunc, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		mailbox: mailbox,
		ready:   ready,
		logger:  logger,
		started: time.Now(),
	}
}

// Route is one API endpoint.
type Route struct {
	Pattern string
	Handler http.HandlerFunc
	Admin   bool
}

// Routes returns the API endpoints. The caller registers them on a mux and
// wraps them with middleware.
func (h *Handler) Routes() []Route {
	return []Route{
		{Pattern: "GET /health", Handler: h.handleHealth},
		{Pattern: "GET /ready", Handler: h.handleReady},

		{Pattern: "GET /v1/folders", Handler: h.handleFolders},
		{Pattern: "GET /v1/folders/{folder}/items", Handler: h.handleView},
		{Pattern: "POST /v1/folders/{folder}/items/{id}/read", Handler: h.handleMarkRead},
		{Pattern: "POST /v1/folders/{folder}/items/{id}/unread", Handler: h.handleMarkUnread},
		{Pattern: "POST /v1/folders/{folder}/items/{id}/delete", Handler: h.handleDelete},
		{Pattern: "POST /v1/folders/{folder}/items/{id}/move", Handler: h.handleMove},
		{Pattern: "POST /v1/folders/{folder}/snapshot", Handler: h.handleSnapshot},
		{Pattern: "POST /v1/folders/{folder}/invalidate", Handler: h.handleInvalidate},
		{Pattern: "GET /v1/folders/{folder}/stats", Handler: h.handleStats},

		{Pattern: "POST /admin/v1/cleanup", Handler: h.handleCleanup, Admin: true},
		{Pattern: "GET /admin/v1/status", Handler: h.handleStatus, Admin: true},
	}
}

// writeJSON writes a JSON response with standard envelope format.
func (h *Handler) writeJSON(w http.ResponseWriter, r *http.Request, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(NewResponse(logger.RequestIDFromContext(r.Context()), data)); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

// writeError writes an error response with standard envelope format.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Error-Code", code)
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(NewErrorResponse(logger.RequestIDFromContext(r.Context()), code, message))
}

// handleServiceError converts service errors to HTTP responses.
func (h *Handler) handleServiceError(w http.ResponseWriter, r *http.Request, err error) {
	if domain.IsDomainError(err, "") {
		code := domain.GetErrorCode(err)
		status := StatusForCode(code)
		if status >= 500 {
			logger.L(r.Context()).Error("request failed", "code", code, "error", err)
		}
		h.writeError(w, r, status, code, err.Error())
		return
	}

	if r.Context().Err() != nil {
		h.writeError(w, r, http.StatusServiceUnavailable, domain.ErrInternal.Code, "request cancelled")
		return
	}
	logger.L(r.Context()).Error("internal error", "error", err)
	h.writeError(w, r, http.StatusInternalServerError, domain.ErrInternal.Code, "internal server error")
}

// StatusForCode maps a MS-<AREA>-<NNNN> code to an HTTP status: a suffix
// in 4000..5999 divided by ten is the status, argument errors are 400 and
// anything else is 500.
func StatusForCode(code string) int {
	i := strings.LastIndexByte(code, '-')
	if i >= 0 {
		if n, err := strconv.Atoi(code[i+1:]); err == nil && n >= 4000 && n < 6000 {
			return n / 10
		}
	}
	if strings.HasPrefix(code, "MS-ARG-") {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// decode reads a JSON body into v. An empty body leaves v unchanged.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		h.writeError(w, r, http.StatusBadRequest, domain.ErrBadRequest.Code, "invalid request body: "+err.Error())
		return false
	}
	return true
}
