package reservation

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gpudevservers/resctl/internal/coreerr"
	"github.com/gpudevservers/resctl/internal/telemetry"
	"github.com/gpudevservers/resctl/pkg/disk"
	"github.com/gpudevservers/resctl/pkg/domainmapping"
	"github.com/gpudevservers/resctl/pkg/gputype"
	"github.com/gpudevservers/resctl/pkg/orchestrator"
	"github.com/gpudevservers/resctl/pkg/provider"
	"github.com/gpudevservers/resctl/pkg/snapshot"
)

// MessageKind selects the action a queued message asks the worker to take.
type MessageKind string

const (
	MessageCreate          MessageKind = "create"
	MessageCancel          MessageKind = "cancel"
	MessageExtend          MessageKind = "extend"
	MessageAddCollaborator MessageKind = "add_collaborator"
	MessageEnableNotebook  MessageKind = "enable_notebook"
	MessageDisableNotebook MessageKind = "disable_notebook"
)

// Message is the body of one queue message dispatched to a reservation
// worker (§3 queue payload, §4.3).
type Message struct {
	Kind               MessageKind `json:"kind"`
	ReservationID      uuid.UUID   `json:"reservation_id"`
	ExtendHours        float64     `json:"extend_hours,omitempty"`
	CollaboratorHandle string      `json:"collaborator_handle,omitempty"`
}

// WorkerConfig holds the bounds and defaults the worker applies during
// admission and storage allocation (spec.md §6).
type WorkerConfig struct {
	Namespace           string
	MinCLIVersion       string
	MaxReservationHours float64
	DefaultDiskSizeGB   int32
	DevicePath          string
	ReadyTimeout        time.Duration
	ContentBucket       string
}

// defaultDevicePath is the fixed attach point used for every reservation's
// disk, mirroring the single-EBS-per-instance layout the original processor
// assumed.
const defaultDevicePath = "/dev/sdf"

// Cascader propagates a cancel to every other member of a reservation's
// multinode group (§4.6: a child's cancel/failure cancels the master and
// all siblings; the master's cancel cascades to all children). Implemented
// outside this package, by internal/app, which wires pkg/multinode's
// coordinator logic together with the queue — pkg/multinode already imports
// pkg/reservation, so this package cannot import pkg/multinode back without
// a cycle.
type Cascader interface {
	Cascade(ctx context.Context, masterReservationID uuid.UUID, reason string) error
}

// Worker turns one queued message into reservation state transitions,
// storage allocation, and workload lifecycle calls (C5).
type Worker struct {
	pool     *pgxpool.Pool
	types    *gputype.Store
	provider provider.Provider
	orch     *orchestrator.Client
	logger   *slog.Logger
	cfg      WorkerConfig
	cascade  Cascader
}

// NewWorker builds a Worker.
func NewWorker(pool *pgxpool.Pool, types *gputype.Store, p provider.Provider, orch *orchestrator.Client, logger *slog.Logger, cfg WorkerConfig) *Worker {
	if cfg.DevicePath == "" {
		cfg.DevicePath = defaultDevicePath
	}
	return &Worker{pool: pool, types: types, provider: p, orch: orch, logger: logger, cfg: cfg}
}

// WithCascader attaches the multinode cascade hook and returns the Worker
// for chaining. Only the entrypoint processing cancel/create messages needs
// one; callers that only ever drive Teardown directly (the expiry engine)
// can leave it unset.
func (w *Worker) WithCascader(c Cascader) *Worker {
	w.cascade = c
	return w
}

// Process dispatches one message to the matching handler.
func (w *Worker) Process(ctx context.Context, msg Message) error {
	switch msg.Kind {
	case MessageCreate:
		return w.create(ctx, msg.ReservationID)
	case MessageCancel:
		return w.cancel(ctx, msg.ReservationID)
	case MessageExtend:
		return w.extend(ctx, msg.ReservationID, msg.ExtendHours)
	case MessageAddCollaborator:
		return w.addCollaborator(ctx, msg.ReservationID, msg.CollaboratorHandle)
	case MessageEnableNotebook:
		return w.setNotebook(ctx, msg.ReservationID, true)
	case MessageDisableNotebook:
		return w.setNotebook(ctx, msg.ReservationID, false)
	default:
		return coreerr.New(coreerr.KindValidation, "unknown message kind "+string(msg.Kind), nil)
	}
}

// ValidateAdmission checks a reservation against the bounds from §4.4 step
// 1: active gpu_type, gpu_count within the type's per-node limit (multinode
// groups validate their own total elsewhere), duration within the
// configured maximum, and a CLI version at or above the configured minimum.
func ValidateAdmission(r *Reservation, t gputype.GPUType, cfg WorkerConfig) error {
	if !t.IsActive {
		return coreerr.New(coreerr.KindValidation, "gpu type "+t.Name+" is not active", nil)
	}
	if !r.Multinode.IsMultinode {
		if t.MaxPerNode == 0 {
			// CPU-only type: gpu_count is fixed at 0 (§3, §8 boundary rule).
			if r.GPUCount != 0 {
				return coreerr.New(coreerr.KindValidation, fmt.Sprintf("gpu_count %d not allowed for CPU-only type %s", r.GPUCount, t.Name), nil)
			}
		} else if r.GPUCount < 1 || int(r.GPUCount) > t.MaxPerNode {
			return coreerr.New(coreerr.KindValidation, fmt.Sprintf("gpu_count %d out of range for type %s", r.GPUCount, t.Name), nil)
		}
	}
	if r.DurationHours <= 0 || r.DurationHours > cfg.MaxReservationHours {
		return coreerr.New(coreerr.KindValidation, fmt.Sprintf("duration_hours %.2f out of range (0, %.2f]", r.DurationHours, cfg.MaxReservationHours), nil)
	}
	if cfg.MinCLIVersion != "" && versionLess(r.CLIVersion, cfg.MinCLIVersion) {
		return coreerr.New(coreerr.KindValidation, fmt.Sprintf("cli version %q below minimum %q", r.CLIVersion, cfg.MinCLIVersion), nil)
	}
	return nil
}

// versionLess compares dotted numeric version strings (e.g. "0.2.1"),
// treating a missing or malformed component as 0. No third-party semver
// library is used for this single, bounded comparison.
func versionLess(a, b string) bool {
	as, bs := strings.Split(a, "."), strings.Split(b, ".")
	for i := 0; i < len(as) || i < len(bs); i++ {
		var av, bv int
		if i < len(as) {
			av, _ = strconv.Atoi(as[i])
		}
		if i < len(bs) {
			bv, _ = strconv.Atoi(bs[i])
		}
		if av != bv {
			return av < bv
		}
	}
	return false
}

func (w *Worker) create(ctx context.Context, id uuid.UUID) error {
	store := NewStore(w.pool)
	r, err := store.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("fetching reservation %s: %w", id, err)
	}
	if r.Status != StatusQueued {
		return nil // already claimed by a prior delivery of this message
	}

	if err := store.Transition(ctx, id, StatusPending, "claimed by worker", ""); err != nil {
		return fmt.Errorf("claiming reservation %s: %w", id, err)
	}

	t, err := w.types.Get(ctx, r.GPUType)
	if err != nil {
		return w.fail(ctx, store, r, fmt.Errorf("fetching gpu type %s: %w", r.GPUType, err))
	}
	if err := ValidateAdmission(r, *t, w.cfg); err != nil {
		return w.fail(ctx, store, r, err)
	}
	// §4.4: "reject if available_gpus < gpu_count" — single-node admission
	// checks the type's single-node free capacity, not max_reservable (which
	// can aggregate several full nodes for multinode-eligible types and so
	// overstate what any one node can actually satisfy).
	if !r.Multinode.IsMultinode && t.AvailableGPUs < int(r.GPUCount) {
		return w.fail(ctx, store, r, coreerr.New(coreerr.KindCapacityExhausted, fmt.Sprintf("only %d gpus available for type %s", t.AvailableGPUs, r.GPUType), nil))
	}

	if err := store.Transition(ctx, id, StatusPreparing, "admission passed", ""); err != nil {
		return fmt.Errorf("transitioning reservation %s to preparing: %w", id, err)
	}
	telemetry.ReservationTransitionsTotal.WithLabelValues(string(StatusPreparing)).Inc()

	placement, err := w.prepare(ctx, r, *t)
	if err != nil {
		return w.fail(ctx, store, r, err)
	}

	expiresAt := time.Now().Add(time.Duration(r.DurationHours * float64(time.Hour)))
	if err := store.MarkActive(ctx, id, *placement, expiresAt); err != nil {
		return fmt.Errorf("marking reservation %s active: %w", id, err)
	}
	telemetry.ReservationTransitionsTotal.WithLabelValues(string(StatusActive)).Inc()
	return nil
}

// prepare performs storage allocation and workload creation (§4.4 steps
// 2-4), returning the placement info recorded on activation.
func (w *Worker) prepare(ctx context.Context, r *Reservation, t gputype.GPUType) (*Placement, error) {
	diskStore := disk.NewStore(w.pool)
	d, err := w.allocateDisk(ctx, diskStore, r)
	if err != nil {
		return nil, fmt.Errorf("allocating storage: %w", err)
	}

	nodes, err := w.orch.ListNodes(ctx, "GpuType")
	if err != nil {
		return nil, fmt.Errorf("listing nodes: %w", err)
	}
	node := pickNode(nodes, r.GPUType, r.GPUCount)
	if node == nil {
		return nil, coreerr.New(coreerr.KindCapacityExhausted, "no node with sufficient capacity for "+r.GPUType, nil)
	}

	devicePath := ""
	volumeID := ""
	if d != nil {
		volumeID = d.ProviderVolumeID
		instanceID, err := w.orch.InstanceIDForNode(ctx, node.Name)
		if err != nil {
			return nil, fmt.Errorf("resolving instance id for node %s: %w", node.Name, err)
		}
		if err := w.provider.AttachVolume(ctx, volumeID, instanceID, w.cfg.DevicePath); err != nil {
			return nil, fmt.Errorf("attaching volume %s to %s: %w", volumeID, instanceID, err)
		}
		devicePath = w.cfg.DevicePath
	}

	spec := orchestrator.WorkloadSpec{
		ReservationID:   r.ReservationID.String(),
		UserID:          r.UserID,
		GPUType:         r.GPUType,
		GPUCount:        r.GPUCount,
		CPUCores:        t.CPUPerGPU() * float64(r.GPUCount),
		MemoryGB:        t.MemoryGBPerGPU() * float64(r.GPUCount),
		ImageReference:  r.ImageReference,
		NodeName:        node.Name,
		DevicePath:      devicePath,
		DiskName:        r.DiskName,
		NotebookEnabled: r.Notebook.Enabled,
	}
	if r.Multinode.IsMultinode {
		spec.Multinode = &orchestrator.MultinodeCoordinates{
			MasterReservationID: r.Multinode.MasterReservationID.String(),
			NodeIndex:           r.Multinode.NodeIndex,
			TotalNodes:          r.Multinode.TotalNodes,
		}
	}

	if _, err := w.orch.CreateReservationWorkload(ctx, spec); err != nil {
		return nil, fmt.Errorf("creating workload: %w", err)
	}

	readyTimeout := w.cfg.ReadyTimeout
	if readyTimeout == 0 {
		readyTimeout = 15 * time.Minute
	}
	pod, err := w.orch.WaitReservationReady(ctx, r.ReservationID.String(), readyTimeout)
	if err != nil {
		return nil, fmt.Errorf("waiting for workload readiness: %w", err)
	}

	return &Placement{
		PodName:      pod.Name,
		Namespace:    pod.Namespace,
		NodeIP:       pod.Status.HostIP,
		InstanceType: t.InstanceType,
		VolumeID:     volumeID,
	}, nil
}

// allocateDisk resolves the reservation's requested disk, creating a new
// disk row and cloud volume on first use, or attaching an existing one
// (§4.4 storage allocation, §4.8 disk lifecycle). A disk_name of "" means no
// persistent disk is attached.
func (w *Worker) allocateDisk(ctx context.Context, store *disk.Store, r *Reservation) (*disk.Disk, error) {
	if r.DiskName == "" {
		return nil, nil
	}

	d, err := store.GetByName(ctx, r.UserID, r.DiskName)
	if err != nil {
		if !coreerr.Is(err, coreerr.KindNotFound) {
			return nil, fmt.Errorf("looking up disk %s/%s: %w", r.UserID, r.DiskName, err)
		}
		d = &disk.Disk{UserID: r.UserID, DiskName: r.DiskName, SizeGB: w.cfg.DefaultDiskSizeGB}
		if err := store.Create(ctx, d); err != nil {
			return nil, fmt.Errorf("creating disk %s/%s: %w", r.UserID, r.DiskName, err)
		}
	}

	if d.ProviderVolumeID == "" {
		vol, err := w.provider.CreateVolume(ctx, provider.CreateVolumeParams{
			SizeGB: d.SizeGB,
			Tags:   map[string]string{"gpu-dev-user": r.UserID, "disk_name": r.DiskName},
		})
		if err != nil {
			return nil, fmt.Errorf("creating volume for disk %s/%s: %w", r.UserID, r.DiskName, err)
		}
		d.ProviderVolumeID = vol.VolumeID
	}

	if err := store.Attach(ctx, d.DiskID, r.ReservationID, d.ProviderVolumeID); err != nil {
		return nil, fmt.Errorf("attaching disk %s: %w", d.DiskID, err)
	}
	return d, nil
}

// pickNode returns the first node of the requested gpu type with enough
// allocatable GPUs; a full node-usage accounting pass is left to the
// availability engine (C6) and re-checked here only at the granularity
// needed to avoid double-booking within this message's processing.
func pickNode(nodes []orchestrator.Node, gpuType string, gpuCount int32) *orchestrator.Node {
	for i := range nodes {
		n := nodes[i]
		if n.GPUType != gpuType || n.Unschedulable {
			continue
		}
		if n.GPUCapacity >= int64(gpuCount) {
			return &n
		}
	}
	return nil
}

// fail transitions a reservation to failed and, per §4.4's workload-creation
// failure semantics and §7's "teardown of any partial state", releases any
// disk that prepare() attached and deletes any partially created workload.
// Both cleanup calls are safe no-ops when prepare() never reached that step.
func (w *Worker) fail(ctx context.Context, store *Store, r *Reservation, cause error) error {
	if r.DiskName != "" {
		diskStore := disk.NewStore(w.pool)
		if d, err := diskStore.GetByName(ctx, r.UserID, r.DiskName); err == nil && d.AttachedToReservation != nil && *d.AttachedToReservation == r.ReservationID {
			if err := diskStore.Release(ctx, d.DiskID); err != nil {
				w.logger.Error("releasing disk after failure", "disk_id", d.DiskID, "error", err)
			}
			if d.ProviderVolumeID != "" {
				if err := w.provider.DetachVolume(ctx, d.ProviderVolumeID); err != nil {
					w.logger.Error("detaching volume after failure", "volume_id", d.ProviderVolumeID, "error", err)
				}
			}
		} else if err != nil && !coreerr.Is(err, coreerr.KindNotFound) {
			w.logger.Error("looking up disk during failure cleanup", "reservation_id", r.ReservationID, "error", err)
		}
	}
	if err := w.orch.DeleteReservationWorkload(ctx, r.ReservationID.String()); err != nil {
		w.logger.Error("deleting partial workload after failure", "reservation_id", r.ReservationID, "error", err)
	}

	if err := store.Transition(ctx, r.ReservationID, StatusFailed, "admission or preparation failed", cause.Error()); err != nil {
		return fmt.Errorf("transitioning reservation %s to failed: %w", r.ReservationID, err)
	}
	telemetry.ReservationTransitionsTotal.WithLabelValues(string(StatusFailed)).Inc()
	w.logger.Error("reservation failed", "reservation_id", r.ReservationID, "error", cause)

	if r.Multinode.IsMultinode && w.cascade != nil {
		if err := w.cascade.Cascade(ctx, r.Multinode.MasterReservationID, "sibling failed: "+cause.Error()); err != nil {
			w.logger.Error("cascading multinode failure", "reservation_id", r.ReservationID, "error", err)
		}
	}
	return nil
}

func (w *Worker) cancel(ctx context.Context, id uuid.UUID) error {
	store := NewStore(w.pool)
	r, err := store.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("fetching reservation %s: %w", id, err)
	}
	if r.Status.Terminal() {
		return nil
	}

	if err := store.Transition(ctx, id, StatusCancelling, "user cancel", ""); err != nil {
		return fmt.Errorf("transitioning reservation %s to cancelling: %w", id, err)
	}
	if r.Multinode.IsMultinode && w.cascade != nil {
		if err := w.cascade.Cascade(ctx, r.Multinode.MasterReservationID, "sibling cancelled"); err != nil {
			w.logger.Error("cascading multinode cancel", "reservation_id", id, "error", err)
		}
	}
	if err := w.Teardown(ctx, r, "cancelled"); err != nil {
		w.logger.Error("teardown during cancel", "reservation_id", id, "error", err)
	}
	if err := store.Transition(ctx, id, StatusCancelled, "teardown complete", ""); err != nil {
		return fmt.Errorf("completing cancel of %s: %w", id, err)
	}
	telemetry.ReservationTransitionsTotal.WithLabelValues(string(StatusCancelled)).Inc()
	return nil
}

// Teardown implements the fixed-order cleanup from §4.10: shutdown snapshot,
// content-listing capture, workload deletion, disk release, and domain
// mapping cleanup. Each step is best-effort: a failure is logged and later
// steps still run.
func (w *Worker) Teardown(ctx context.Context, r *Reservation, reason string) error {
	diskStore := disk.NewStore(w.pool)
	var d *disk.Disk
	if r.DiskName != "" {
		if found, err := diskStore.GetByName(ctx, r.UserID, r.DiskName); err == nil {
			d = found
		}
	}

	snapEngine := snapshot.NewEngine(w.provider, w.pool)

	// Step 1: shutdown snapshot.
	if d != nil && d.ProviderVolumeID != "" {
		if _, err := snapEngine.Create(ctx, d.ProviderVolumeID, r.UserID, snapshot.KindShutdown, &d.DiskID, d.DiskName); err != nil {
			w.logger.Error("creating shutdown snapshot", "reservation_id", r.ReservationID, "error", err)
		} else {
			telemetry.SnapshotsCreatedTotal.WithLabelValues(string(snapshot.KindShutdown)).Inc()
		}
	}

	// Step 2: content listing, captured from the still-running workload
	// before it is deleted.
	if d != nil {
		if listing, err := w.orch.CaptureContentListing(ctx, r.ReservationID.String()); err != nil {
			w.logger.Warn("capturing content listing", "reservation_id", r.ReservationID, "error", err)
		} else {
			key := fmt.Sprintf("%s/%s/%s.txt", r.UserID, d.DiskName, r.ReservationID)
			meta := map[string]string{"reservation_id": r.ReservationID.String(), "reason": reason}
			if uri, err := snapEngine.CaptureContent(ctx, w.cfg.ContentBucket, key, []byte(listing), meta); err != nil {
				w.logger.Warn("uploading content listing", "reservation_id", r.ReservationID, "error", err)
			} else if err := snapEngine.Complete(ctx, d.DiskID, uri, "", 0); err != nil {
				w.logger.Error("recording content listing uri", "disk_id", d.DiskID, "error", err)
			}
		}
	}

	// Step 3: delete the workload. Step 4 (delete service) is N/A on this
	// platform.
	if err := w.orch.DeleteReservationWorkload(ctx, r.ReservationID.String()); err != nil {
		w.logger.Error("deleting workload", "reservation_id", r.ReservationID, "error", err)
	}

	// Step 6: release the disk.
	if d != nil {
		if err := diskStore.Release(ctx, d.DiskID); err != nil {
			w.logger.Error("releasing disk", "disk_id", d.DiskID, "error", err)
		}
		if d.ProviderVolumeID != "" {
			if err := w.provider.DetachVolume(ctx, d.ProviderVolumeID); err != nil {
				w.logger.Error("detaching volume", "volume_id", d.ProviderVolumeID, "error", err)
			}
		}
	}

	// Step 7: drop the domain mapping.
	if err := domainmapping.NewStore(w.pool).DeleteByReservation(ctx, r.ReservationID); err != nil {
		w.logger.Error("deleting domain mapping", "reservation_id", r.ReservationID, "error", err)
	}

	return nil
}

func (w *Worker) extend(ctx context.Context, id uuid.UUID, hours float64) error {
	store := NewStore(w.pool)
	if err := store.Extend(ctx, id, hours, w.cfg.MaxReservationHours); err != nil {
		return fmt.Errorf("extending reservation %s: %w", id, err)
	}
	return nil
}

func (w *Worker) addCollaborator(ctx context.Context, id uuid.UUID, handle string) error {
	store := NewStore(w.pool)
	if err := store.AddCollaborator(ctx, id, handle); err != nil {
		return fmt.Errorf("adding collaborator to %s: %w", id, err)
	}
	return nil
}

func (w *Worker) setNotebook(ctx context.Context, id uuid.UUID, enabled bool) error {
	store := NewStore(w.pool)
	r, err := store.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("fetching reservation %s: %w", id, err)
	}
	if err := store.SetNotebook(ctx, id, enabled, r.Notebook.URL, r.Notebook.Port, r.Notebook.Token); err != nil {
		return fmt.Errorf("setting notebook state on %s: %w", id, err)
	}
	return nil
}
