package api

import (
	"errors"
	"net/http"

	"github.com/marmos91/syncdeck/internal/logger"
	"github.com/marmos91/syncdeck/pkg/syncerr"
)

// errorBody is the JSON error payload clients display.
type errorBody struct {
	Err string `json:"err"`
}

// httpStatus maps the engine error codes onto the wire statuses the clients
// key their behavior on: 400 makes the desktop show its credential dialog,
// 403 drops the stored session, 409 retries later, 501 prompts an upgrade.
func httpStatus(code syncerr.Code) int {
	switch code {
	case syncerr.CodeAuthRequired, syncerr.CodeBadRequest:
		return http.StatusBadRequest
	case syncerr.CodeUnauthorized:
		return http.StatusForbidden
	case syncerr.CodeBusy, syncerr.CodeConflict:
		return http.StatusConflict
	case syncerr.CodeObsoleteClient:
		return http.StatusNotImplemented
	case syncerr.CodeTemporary:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeError maps an engine error to its HTTP shape. Clients display the
// message verbatim, so the wire carries the bare message without the code
// prefix. Internal errors are logged with detail but reported opaquely.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, hdr syncHeader, err error) {
	code := syncerr.CodeOf(err)
	status := httpStatus(code)

	msg := err.Error()
	var se *syncerr.Error
	if errors.As(err, &se) {
		msg = se.Message
	}
	if code == syncerr.CodeInternal {
		logger.Error("request failed",
			logger.KeyOp, r.URL.Path,
			logger.KeyError, err)
		msg = "internal server error"
	}
	h.codec.writeJSON(w, hdr, status, errorBody{Err: msg})
}
