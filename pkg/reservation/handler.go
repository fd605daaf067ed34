package reservation

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/gpudevservers/resctl/internal/httpserver"
	"github.com/gpudevservers/resctl/pkg/gputype"
)

// Enqueuer schedules one reservation worker message. Implemented outside
// this package (by internal/app, wrapping the durable queue store) so this
// package never imports internal/queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, msg Message) (int64, error)
}

// Handler exposes reservation actions over the internal HTTP surface used
// by tests (spec.md §1 Out of scope: no external REST API).
type Handler struct {
	store *Store
	types *gputype.Store
	queue Enqueuer
}

// NewHandler builds a reservation Handler.
func NewHandler(store *Store, types *gputype.Store, q Enqueuer) *Handler {
	return &Handler{store: store, types: types, queue: q}
}

// Routes returns a chi.Router with reservation routes mounted.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.handleCreate)
	r.Get("/", h.handleList)
	r.Get("/{id}", h.handleGet)
	r.Post("/{id}/cancel", h.handleCancel)
	r.Post("/{id}/extend", h.handleExtend)
	r.Post("/{id}/collaborators", h.handleAddCollaborator)
	return r
}

// CreateRequest is the body of a create-reservation request.
type CreateRequest struct {
	UserID         string  `json:"user_id"`
	GPUType        string  `json:"gpu_type"`
	GPUCount       int32   `json:"gpu_count"`
	DurationHours  float64 `json:"duration_hours"`
	Name           string  `json:"name"`
	DiskName       string  `json:"disk_name,omitempty"`
	ImageReference string  `json:"image_reference"`
	CLIVersion     string  `json:"cli_version"`
	NotebookEnabled bool   `json:"notebook_enabled,omitempty"`
}

// Validate implements httpserver.Validatable.
func (req CreateRequest) Validate() []httpserver.ValidationError {
	var errs []httpserver.ValidationError
	if req.UserID == "" {
		errs = append(errs, httpserver.ValidationError{Field: "user_id", Message: "is required"})
	}
	if req.GPUType == "" {
		errs = append(errs, httpserver.ValidationError{Field: "gpu_type", Message: "is required"})
	}
	if req.DurationHours <= 0 {
		errs = append(errs, httpserver.ValidationError{Field: "duration_hours", Message: "must be greater than zero"})
	}
	if req.ImageReference == "" {
		errs = append(errs, httpserver.ValidationError{Field: "image_reference", Message: "is required"})
	}
	return errs
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req CreateRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	if _, err := h.types.Get(r.Context(), req.GPUType); err != nil {
		httpserver.RespondDomainError(w, err)
		return
	}

	res := &Reservation{
		ReservationID:  uuid.New(),
		UserID:         req.UserID,
		GPUType:        req.GPUType,
		GPUCount:       req.GPUCount,
		DurationHours:  req.DurationHours,
		Name:           req.Name,
		DiskName:       req.DiskName,
		ImageReference: req.ImageReference,
		CLIVersion:     req.CLIVersion,
		Notebook:       Notebook{Enabled: req.NotebookEnabled},
	}
	if err := h.store.Create(r.Context(), res); err != nil {
		httpserver.RespondDomainError(w, err)
		return
	}

	if _, err := h.queue.Enqueue(r.Context(), Message{Kind: MessageCreate, ReservationID: res.ReservationID}); err != nil {
		httpserver.RespondDomainError(w, err)
		return
	}

	httpserver.Respond(w, http.StatusAccepted, res)
}

// handleList returns one user's reservations, newest first, cursor-paginated
// by (created_at, reservation_id) so a caller can page through a long
// history without an offset scan.
func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "user_id is required")
		return
	}

	params, err := httpserver.ParseCursorParams(r)
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	reservations, err := h.store.ListByUser(r.Context(), userID, params.After, params.Limit+1)
	if err != nil {
		httpserver.RespondDomainError(w, err)
		return
	}

	page := httpserver.NewCursorPage(reservations, params.Limit, func(res Reservation) httpserver.Cursor {
		return httpserver.Cursor{CreatedAt: res.CreatedAt, ID: res.ReservationID}
	})
	httpserver.Respond(w, http.StatusOK, page)
}

func (h *Handler) parseID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "invalid reservation id")
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r)
	if !ok {
		return
	}
	res, err := h.store.Get(r.Context(), id)
	if err != nil {
		httpserver.RespondDomainError(w, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, res)
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r)
	if !ok {
		return
	}
	if _, err := h.store.Get(r.Context(), id); err != nil {
		httpserver.RespondDomainError(w, err)
		return
	}
	if _, err := h.queue.Enqueue(r.Context(), Message{Kind: MessageCancel, ReservationID: id}); err != nil {
		httpserver.RespondDomainError(w, err)
		return
	}
	httpserver.Respond(w, http.StatusAccepted, nil)
}

// ExtendRequest is the body of an extend-reservation request.
type ExtendRequest struct {
	Hours float64 `json:"hours"`
}

// Validate implements httpserver.Validatable.
func (req ExtendRequest) Validate() []httpserver.ValidationError {
	if req.Hours <= 0 {
		return []httpserver.ValidationError{{Field: "hours", Message: "must be greater than zero"}}
	}
	return nil
}

func (h *Handler) handleExtend(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r)
	if !ok {
		return
	}
	var req ExtendRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	if _, err := h.queue.Enqueue(r.Context(), Message{Kind: MessageExtend, ReservationID: id, ExtendHours: req.Hours}); err != nil {
		httpserver.RespondDomainError(w, err)
		return
	}
	httpserver.Respond(w, http.StatusAccepted, nil)
}

// CollaboratorRequest is the body of an add-collaborator request.
type CollaboratorRequest struct {
	Handle string `json:"handle"`
}

// Validate implements httpserver.Validatable.
func (req CollaboratorRequest) Validate() []httpserver.ValidationError {
	if req.Handle == "" {
		return []httpserver.ValidationError{{Field: "handle", Message: "is required"}}
	}
	return nil
}

func (h *Handler) handleAddCollaborator(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r)
	if !ok {
		return
	}
	var req CollaboratorRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	if _, err := h.queue.Enqueue(r.Context(), Message{Kind: MessageAddCollaborator, ReservationID: id, CollaboratorHandle: req.Handle}); err != nil {
		httpserver.RespondDomainError(w, err)
		return
	}
	httpserver.Respond(w, http.StatusAccepted, nil)
}
