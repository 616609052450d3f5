package handler

import (
	"net/http"

	"github.com/yndnr/mailsync-go/internal/core/domain"
)

// handleFolders handles GET /v1/folders.
func (h *Handler) handleFolders(w http.ResponseWriter, r *http.Request) {
	folders, err := h.mailbox.Folders(r.Context())
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}
	if folders == nil {
		folders = []string{}
	}
	h.writeJSON(w, r, http.StatusOK, FoldersResponse{Folders: folders})
}

// handleView handles GET /v1/folders/{folder}/items.
func (h *Handler) handleView(w http.ResponseWriter, r *http.Request) {
	view, err := h.mailbox.GetView(r.Context(), r.PathValue("folder"))
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, view)
}

// handleMarkRead handles POST /v1/folders/{folder}/items/{id}/read.
func (h *Handler) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	res, err := h.mailbox.MarkRead(r.Context(), r.PathValue("folder"), r.PathValue("id"))
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, res)
}

// handleMarkUnread handles POST /v1/folders/{folder}/items/{id}/unread.
func (h *Handler) handleMarkUnread(w http.ResponseWriter, r *http.Request) {
	res, err := h.mailbox.MarkUnread(r.Context(), r.PathValue("folder"), r.PathValue("id"))
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, res)
}

// handleDelete handles POST /v1/folders/{folder}/items/{id}/delete.
func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	res, err := h.mailbox.Delete(r.Context(), r.PathValue("folder"), r.PathValue("id"))
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, res)
}

// handleMove handles POST /v1/folders/{folder}/items/{id}/move.
func (h *Handler) handleMove(w http.ResponseWriter, r *http.Request) {
	var req MoveRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.Target == "" {
		h.handleServiceError(w, r, domain.ErrMissingArgument.WithDetails("target is required"))
		return
	}

	res, err := h.mailbox.Move(r.Context(), r.PathValue("folder"), r.PathValue("id"), req.Target)
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, res)
}

// handleSnapshot handles POST /v1/folders/{folder}/snapshot.
func (h *Handler) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	info, err := h.mailbox.ForceSnapshot(r.Context(), r.PathValue("folder"))
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusCreated, info)
}

// handleInvalidate handles POST /v1/folders/{folder}/invalidate.
func (h *Handler) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	folder := r.PathValue("folder")
	ok, err := h.mailbox.Invalidate(r.Context(), folder)
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, InvalidateResponse{Folder: folder, Invalidated: ok})
}

// handleStats handles GET /v1/folders/{folder}/stats.
func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := h.mailbox.Stats(r.Context(), r.PathValue("folder"))
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, st)
}
