package handler

import (
	"net/http"
	"time"

	"github.com/yndnr/mailsync-go/internal/core/service"
	"github.com/yndnr/mailsync-go/internal/infra/buildinfo"
)

// handleCleanup handles POST /admin/v1/cleanup.
func (h *Handler) handleCleanup(w http.ResponseWriter, r *http.Request) {
	var req service.CleanupRequest
	if !h.decode(w, r, &req) {
		return
	}

	res, err := h.mailbox.Cleanup(r.Context(), req)
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, res)
}

// handleStatus handles GET /admin/v1/status.
func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, r, http.StatusOK, StatusResponse{
		Build:   buildinfo.Get(),
		Uptime:  time.Since(h.started).Truncate(time.Second).String(),
		Folders: h.mailbox.SyncStatuses(),
	})
}
