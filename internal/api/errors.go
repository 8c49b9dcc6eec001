package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/xtrntr/cryptodesk/internal/ledger"
)

// ErrorResponse is the body of every non-2xx response
type ErrorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, ErrorResponse{Error: msg})
}

// statusFor maps the ledger error taxonomy onto HTTP. The message of a
// domain error is safe to return; anything else is reported generically.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, ledger.ErrUnauthenticated):
		return http.StatusUnauthorized, "Unauthorized"
	case errors.Is(err, ledger.ErrNotFound):
		return http.StatusNotFound, err.Error()
	case errors.Is(err, ledger.ErrInvalidInput),
		errors.Is(err, ledger.ErrInvalidQuantity),
		errors.Is(err, ledger.ErrInsufficientBalance):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, ledger.ErrAlreadySold),
		errors.Is(err, ledger.ErrConflict):
		return http.StatusConflict, err.Error()
	case errors.Is(err, ledger.ErrDataIntegrity):
		return http.StatusInternalServerError, "Ledger data is inconsistent for this request"
	case errors.Is(err, ledger.ErrTransient):
		return http.StatusServiceUnavailable, "Temporary failure, try again"
	}
	return http.StatusInternalServerError, "Internal server error"
}

// fail writes the mapped error response, logging anything that is not a client mistake
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	code, msg := statusFor(err)
	if code >= http.StatusInternalServerError {
		h.log.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", code),
			zap.Error(err),
		)
	}
	writeError(w, code, msg)
}
