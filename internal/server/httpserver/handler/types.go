package handler

import (
	"time"

	"github.com/yndnr/mailsync-go/internal/core/service"
	"github.com/yndnr/mailsync-go/internal/infra/buildinfo"
)

// Response is the standard API response envelope.
// All JSON responses use this format (except /metrics which uses Prometheus format).
type Response struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id"`
	Timestamp int64  `json:"timestamp"`
	Data      any    `json:"data,omitempty"`
}

// NewResponse creates a success response.
func NewResponse(requestID string, data any) *Response {
	return &Response{
		Code:      "OK",
		Message:   "Success",
		RequestID: requestID,
		Timestamp: time.Now().UnixMilli(),
		Data:      data,
	}
}

// NewErrorResponse creates an error response.
func NewErrorResponse(requestID, code, message string) *Response {
	return &Response{
		Code:      code,
		Message:   message,
		RequestID: requestID,
		Timestamp: time.Now().UnixMilli(),
	}
}

// MoveRequest is the request body for POST /v1/folders/{folder}/items/{id}/move.
type MoveRequest struct {
	Target string `json:"target"`
}

// InvalidateResponse is the response body for POST /v1/folders/{folder}/invalidate.
type InvalidateResponse struct {
	Folder      string `json:"folder"`
	Invalidated bool   `json:"invalidated"`
}

// FoldersResponse is the response body for GET /v1/folders.
type FoldersResponse struct {
	Folders []string `json:"folders"`
}

// StatusResponse is the response body for GET /admin/v1/status.
type StatusResponse struct {
	Build   buildinfo.Info       `json:"build"`
	Uptime  string               `json:"uptime"`
	Folders []service.SyncStatus `json:"folders"`
}
