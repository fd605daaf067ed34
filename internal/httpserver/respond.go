package httpserver

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gpudevservers/resctl/internal/coreerr"
)

// Respond writes a JSON response with the given status code.
func Respond(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if data == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("encoding response", "error", err)
	}
}

// ErrorResponse is the standard JSON error envelope.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// RespondError writes a JSON error response.
func RespondError(w http.ResponseWriter, status int, err string, message string) {
	Respond(w, status, ErrorResponse{
		Error:   err,
		Message: message,
	})
}

// RespondDomainError maps a coreerr.Kind to an HTTP status and writes it,
// the shared translation every internal handler uses instead of each
// re-deriving its own status table.
func RespondDomainError(w http.ResponseWriter, err error) {
	var ce *coreerr.Error
	status, code := http.StatusInternalServerError, "internal_error"

	if errors.As(err, &ce) {
		code = string(ce.Kind)
		switch ce.Kind {
		case coreerr.KindNotFound:
			status = http.StatusNotFound
		case coreerr.KindValidation:
			status = http.StatusUnprocessableEntity
		case coreerr.KindConflict:
			status = http.StatusConflict
		case coreerr.KindCapacityExhausted:
			status = http.StatusConflict
		case coreerr.KindAuthz:
			status = http.StatusForbidden
		case coreerr.KindDeadlineExceeded:
			status = http.StatusGatewayTimeout
		case coreerr.KindProviderThrottled, coreerr.KindProviderTransient, coreerr.KindOrchestratorTransient:
			status = http.StatusServiceUnavailable
		default:
			status = http.StatusInternalServerError
		}
	}

	RespondError(w, status, code, err.Error())
}
