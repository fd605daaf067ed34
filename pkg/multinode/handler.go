package multinode

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gpudevservers/resctl/internal/httpserver"
	"github.com/gpudevservers/resctl/pkg/gputype"
)

// Handler exposes multinode group creation over the internal HTTP surface
// used by tests (spec.md §1 Out of scope: no external REST API).
type Handler struct {
	pool  *pgxpool.Pool
	types *gputype.Store
	queue Enqueuer
}

// NewHandler builds a multinode Handler.
func NewHandler(pool *pgxpool.Pool, types *gputype.Store, q Enqueuer) *Handler {
	return &Handler{pool: pool, types: types, queue: q}
}

// Routes returns a chi.Router with multinode routes mounted.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.handleCreate)
	return r
}

// createRequest is the body of a create-multinode-group request.
type createRequest struct {
	UserID         string  `json:"user_id"`
	GPUType        string  `json:"gpu_type"`
	TotalNodes     int     `json:"total_nodes"`
	DurationHours  float64 `json:"duration_hours"`
	Name           string  `json:"name"`
	DiskName       string  `json:"disk_name,omitempty"`
	ImageReference string  `json:"image_reference"`
	CLIVersion     string  `json:"cli_version"`
}

// Validate implements httpserver.Validatable.
func (req createRequest) Validate() []httpserver.ValidationError {
	var errs []httpserver.ValidationError
	if req.UserID == "" {
		errs = append(errs, httpserver.ValidationError{Field: "user_id", Message: "is required"})
	}
	if req.GPUType == "" {
		errs = append(errs, httpserver.ValidationError{Field: "gpu_type", Message: "is required"})
	}
	if req.TotalNodes < 2 {
		errs = append(errs, httpserver.ValidationError{Field: "total_nodes", Message: "must be at least 2"})
	}
	if req.DurationHours <= 0 {
		errs = append(errs, httpserver.ValidationError{Field: "duration_hours", Message: "must be greater than zero"})
	}
	return errs
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	t, err := h.types.Get(r.Context(), req.GPUType)
	if err != nil {
		httpserver.RespondDomainError(w, err)
		return
	}

	group, err := Create(r.Context(), h.pool, CreateRequest{
		UserID:         req.UserID,
		GPUType:        req.GPUType,
		TotalNodes:     req.TotalNodes,
		DurationHours:  req.DurationHours,
		Name:           req.Name,
		DiskName:       req.DiskName,
		ImageReference: req.ImageReference,
		CLIVersion:     req.CLIVersion,
	}, *t)
	if err != nil {
		httpserver.RespondDomainError(w, err)
		return
	}

	if err := EnqueueAll(r.Context(), h.queue, group); err != nil {
		httpserver.RespondDomainError(w, err)
		return
	}

	httpserver.Respond(w, http.StatusAccepted, group)
}
