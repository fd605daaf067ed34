package disk

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gpudevservers/resctl/internal/coreerr"
	"github.com/gpudevservers/resctl/pkg/provider"
)

// DefaultSoftDeleteGraceDays is the grace period before a soft-deleted disk
// becomes eligible for hard deletion (§3 Disk lifecycle).
const DefaultSoftDeleteGraceDays = 30

// MessageKind selects the disk lifecycle operation a queue message asks the
// worker to take (spec.md §6: disk.create, disk.delete).
type MessageKind string

const (
	MessageCreate MessageKind = "create"
	MessageDelete MessageKind = "delete"
	MessageRename MessageKind = "rename"
)

// Message is the body of one disk-lifecycle queue message.
type Message struct {
	Kind        MessageKind `json:"kind"`
	UserID      string      `json:"user_id"`
	DiskName    string      `json:"disk_name"`
	SizeGB      int32       `json:"size_gb,omitempty"`
	NewDiskName string      `json:"new_disk_name,omitempty"`
}

// WorkerConfig bounds the defaults the disk worker applies.
type WorkerConfig struct {
	DefaultDiskSizeGB   int32
	SoftDeleteGraceDays int
}

// Worker turns one disk-lifecycle queue message into a single-transaction
// store operation (§4.8 disk lifecycle operations).
type Worker struct {
	store    *Store
	pool     *pgxpool.Pool
	provider provider.Provider
	cfg      WorkerConfig
}

// NewWorker builds a Worker. pool backs both the ordinary single-statement
// operations (via the Store built over it) and the multi-statement rename,
// which needs its own transaction.
func NewWorker(pool *pgxpool.Pool, p provider.Provider, cfg WorkerConfig) *Worker {
	if cfg.SoftDeleteGraceDays == 0 {
		cfg.SoftDeleteGraceDays = DefaultSoftDeleteGraceDays
	}
	return &Worker{store: NewStore(pool), pool: pool, provider: p, cfg: cfg}
}

// Process dispatches one message to the matching handler.
func (w *Worker) Process(ctx context.Context, msg Message) error {
	switch msg.Kind {
	case MessageCreate:
		return w.create(ctx, msg)
	case MessageDelete:
		return w.delete(ctx, msg)
	case MessageRename:
		return w.rename(ctx, msg)
	default:
		return coreerr.New(coreerr.KindValidation, "unknown disk message kind "+string(msg.Kind), nil)
	}
}

func (w *Worker) create(ctx context.Context, msg Message) error {
	if _, err := w.store.GetByName(ctx, msg.UserID, msg.DiskName); err == nil {
		return coreerr.New(coreerr.KindConflict, "disk "+msg.UserID+"/"+msg.DiskName+" already exists", nil)
	} else if !coreerr.Is(err, coreerr.KindNotFound) {
		return fmt.Errorf("checking for existing disk %s/%s: %w", msg.UserID, msg.DiskName, err)
	}

	sizeGB := msg.SizeGB
	if sizeGB <= 0 {
		sizeGB = w.cfg.DefaultDiskSizeGB
	}

	d := &Disk{UserID: msg.UserID, DiskName: msg.DiskName, SizeGB: sizeGB}
	if err := w.store.Create(ctx, d); err != nil {
		return fmt.Errorf("creating disk %s/%s: %w", msg.UserID, msg.DiskName, err)
	}
	return nil
}

func (w *Worker) delete(ctx context.Context, msg Message) error {
	d, err := w.store.GetByName(ctx, msg.UserID, msg.DiskName)
	if err != nil {
		return fmt.Errorf("fetching disk %s/%s: %w", msg.UserID, msg.DiskName, err)
	}
	if err := w.store.SoftDelete(ctx, d.DiskID, w.cfg.SoftDeleteGraceDays); err != nil {
		return fmt.Errorf("soft-deleting disk %s/%s: %w", msg.UserID, msg.DiskName, err)
	}
	return nil
}

func (w *Worker) rename(ctx context.Context, msg Message) error {
	if err := ValidateName(msg.NewDiskName); err != nil {
		return err
	}
	if err := RenameWithRetag(ctx, w.pool, w.provider, msg.UserID, msg.DiskName, msg.NewDiskName); err != nil {
		return fmt.Errorf("renaming disk %s/%s to %s: %w", msg.UserID, msg.DiskName, msg.NewDiskName, err)
	}
	return nil
}
