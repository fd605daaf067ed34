package audit

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gpudevservers/resctl/internal/httpserver"
)

// Handler exposes the audit log over the thin internal HTTP surface used by
// tests; it is not part of the external REST API (spec.md §1 Out of scope).
type Handler struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewHandler creates an audit log Handler.
func NewHandler(pool *pgxpool.Pool, logger *slog.Logger) *Handler {
	return &Handler{pool: pool, logger: logger}
}

// Routes returns a chi.Router with audit log routes mounted.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.handleList)
	return r
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	rows, err := h.pool.Query(r.Context(), `
		SELECT event_id, user_id, username, event_type, resource_type, resource_id, action, details, ip, user_agent, created_at
		FROM audit_log ORDER BY created_at DESC LIMIT $1
	`, limit)
	if err != nil {
		h.logger.Error("listing audit log", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to list audit log")
		return
	}
	defer rows.Close()

	type row struct {
		EventID      string  `json:"event_id"`
		UserID       string  `json:"user_id"`
		Username     string  `json:"username"`
		EventType    string  `json:"event_type"`
		ResourceType string  `json:"resource_type"`
		ResourceID   string  `json:"resource_id"`
		Action       string  `json:"action"`
		Details      []byte  `json:"details"`
		IP           *string `json:"ip"`
		UserAgent    *string `json:"user_agent"`
		CreatedAt    string  `json:"created_at"`
	}

	var out []row
	for rows.Next() {
		var rr row
		if err := rows.Scan(&rr.EventID, &rr.UserID, &rr.Username, &rr.EventType, &rr.ResourceType, &rr.ResourceID, &rr.Action, &rr.Details, &rr.IP, &rr.UserAgent, &rr.CreatedAt); err != nil {
			h.logger.Error("scanning audit log row", "error", err)
			httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to list audit log")
			return
		}
		out = append(out, rr)
	}

	httpserver.Respond(w, http.StatusOK, out)
}
