package disk

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/gpudevservers/resctl/internal/httpserver"
	"github.com/gpudevservers/resctl/pkg/provider"
)

// parseObjectURI splits the "s3://bucket/key" form recorded by the snapshot
// engine's UploadObject call back into its parts.
func parseObjectURI(uri string) (bucket, key string, err error) {
	rest, ok := strings.CutPrefix(uri, "s3://")
	if !ok {
		return "", "", fmt.Errorf("content uri %q is not an s3:// object reference", uri)
	}
	bucket, key, ok = strings.Cut(rest, "/")
	if !ok {
		return "", "", fmt.Errorf("content uri %q is missing an object key", uri)
	}
	return bucket, key, nil
}

// Enqueuer schedules one disk worker message. Implemented outside this
// package (by internal/app, wrapping the durable queue store) so this
// package never imports internal/queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, msg Message) (int64, error)
}

// Handler exposes disk lifecycle actions over the internal HTTP surface
// used by tests (spec.md §1 Out of scope: no external REST API).
type Handler struct {
	store    *Store
	queue    Enqueuer
	provider provider.Provider
}

// NewHandler builds a disk Handler. provider is used only for the
// read-mostly content-listing route; the lifecycle-mutating routes go
// through queue.
func NewHandler(store *Store, q Enqueuer, p provider.Provider) *Handler {
	return &Handler{store: store, queue: q, provider: p}
}

// Routes returns a chi.Router with disk routes mounted.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.handleCreate)
	r.Get("/{name}", h.handleGet)
	r.Delete("/{name}", h.handleDelete)
	r.Post("/{name}/rename", h.handleRename)
	r.Get("/{name}/content", h.handleContent)
	return r
}

// CreateRequest is the body of a create-disk request.
type CreateRequest struct {
	UserID   string `json:"user_id"`
	DiskName string `json:"disk_name"`
	SizeGB   int32  `json:"size_gb,omitempty"`
}

// Validate implements httpserver.Validatable.
func (req CreateRequest) Validate() []httpserver.ValidationError {
	var errs []httpserver.ValidationError
	if req.UserID == "" {
		errs = append(errs, httpserver.ValidationError{Field: "user_id", Message: "is required"})
	}
	if err := ValidateName(req.DiskName); err != nil {
		errs = append(errs, httpserver.ValidationError{Field: "disk_name", Message: err.Error()})
	}
	return errs
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req CreateRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	if _, err := h.queue.Enqueue(r.Context(), Message{Kind: MessageCreate, UserID: req.UserID, DiskName: req.DiskName, SizeGB: req.SizeGB}); err != nil {
		httpserver.RespondDomainError(w, err)
		return
	}
	httpserver.Respond(w, http.StatusAccepted, nil)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "user_id query parameter is required")
		return
	}
	d, err := h.store.GetByName(r.Context(), userID, chi.URLParam(r, "name"))
	if err != nil {
		httpserver.RespondDomainError(w, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, d)
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "user_id query parameter is required")
		return
	}
	if _, err := h.queue.Enqueue(r.Context(), Message{Kind: MessageDelete, UserID: userID, DiskName: chi.URLParam(r, "name")}); err != nil {
		httpserver.RespondDomainError(w, err)
		return
	}
	httpserver.Respond(w, http.StatusAccepted, nil)
}

// RenameRequest is the body of a rename-disk request.
type RenameRequest struct {
	NewDiskName string `json:"new_disk_name"`
}

// Validate implements httpserver.Validatable.
func (req RenameRequest) Validate() []httpserver.ValidationError {
	if err := ValidateName(req.NewDiskName); err != nil {
		return []httpserver.ValidationError{{Field: "new_disk_name", Message: err.Error()}}
	}
	return nil
}

func (h *Handler) handleRename(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "user_id query parameter is required")
		return
	}
	var req RenameRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	if _, err := h.queue.Enqueue(r.Context(), Message{
		Kind: MessageRename, UserID: userID, DiskName: chi.URLParam(r, "name"), NewDiskName: req.NewDiskName,
	}); err != nil {
		httpserver.RespondDomainError(w, err)
		return
	}
	httpserver.Respond(w, http.StatusAccepted, nil)
}

// ContentResponse is the last recorded object-storage listing for a disk.
type ContentResponse struct {
	DiskName string `json:"disk_name"`
	Listing  string `json:"listing"`
}

// handleContent fetches the object-storage listing recorded by the disk's
// last snapshot (§4.8): it never talks to the pod, only to the bucket
// location the snapshot engine wrote at capture time.
func (h *Handler) handleContent(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "user_id query parameter is required")
		return
	}
	d, err := h.store.GetByName(r.Context(), userID, chi.URLParam(r, "name"))
	if err != nil {
		httpserver.RespondDomainError(w, err)
		return
	}
	if d.LatestSnapshotContent == "" {
		httpserver.RespondError(w, http.StatusNotFound, "not_found", "disk has no recorded content listing")
		return
	}

	bucket, key, err := parseObjectURI(d.LatestSnapshotContent)
	if err != nil {
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	body, err := h.provider.DownloadObject(r.Context(), bucket, key)
	if err != nil {
		httpserver.RespondDomainError(w, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, ContentResponse{DiskName: d.DiskName, Listing: string(body)})
}
