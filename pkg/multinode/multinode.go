// Package multinode implements the coordinator (C7) that creates linked
// single-node reservations as one atomic group and cascades their lifecycle.
package multinode

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gpudevservers/resctl/internal/coreerr"
	"github.com/gpudevservers/resctl/pkg/gputype"
	"github.com/gpudevservers/resctl/pkg/reservation"
)

// defaultMaxNodes is the fallback cap when a gpu_types row leaves
// max_multinode_nodes unset (§4.6).
const defaultMaxNodes = 4

// allowList mirrors the hard-coded multinode-eligible type set (§4.5 step 4,
// §10 open question: not promoted to configuration beyond the gpu_types
// columns already carrying allow_multinode/max_multinode_nodes per type).
var allowList = map[string]bool{"h100": true, "h200": true, "b200": true, "a100": true}

// CreateRequest describes a multinode group to create.
type CreateRequest struct {
	UserID         string
	GPUType        string
	TotalNodes     int
	DurationHours  float64
	Name           string
	DiskName       string
	ImageReference string
	CLIVersion     string
}

// Validate checks the request against §4.6's admission rule. t must be the
// current gpu_types row for req.GPUType.
func Validate(req CreateRequest, t gputype.GPUType) error {
	if req.TotalNodes < 2 {
		return coreerr.New(coreerr.KindValidation, "multinode reservations require at least 2 nodes", nil)
	}
	if !allowList[req.GPUType] || !t.AllowMultinode {
		return coreerr.New(coreerr.KindValidation, "gpu type "+req.GPUType+" does not support multinode", nil)
	}
	if t.MaxPerNode != 8 {
		return coreerr.New(coreerr.KindValidation, "gpu type "+req.GPUType+" is not a full-node multinode type", nil)
	}

	maxNodes := t.MaxMultinodeNodes
	if maxNodes <= 0 {
		maxNodes = defaultMaxNodes
	}
	if req.TotalNodes > maxNodes {
		return coreerr.New(coreerr.KindValidation, fmt.Sprintf("requested %d nodes exceeds max_multinode_nodes %d", req.TotalNodes, maxNodes), nil)
	}
	if t.FullNodesAvailable < req.TotalNodes {
		return coreerr.New(coreerr.KindCapacityExhausted, fmt.Sprintf("only %d full nodes available, need %d", t.FullNodesAvailable, req.TotalNodes), nil)
	}
	return nil
}

// Group is the set of reservation IDs created for one multinode request, in
// node_index order (index 0 is the master).
type Group struct {
	MasterID uuid.UUID
	NodeIDs  []uuid.UUID
}

// Create builds N linked reservation rows in a single transaction: one
// master (node_index 0, master_reservation_id = its own id) and N-1 children
// (§4.6 creation). Each record's gpu_count is the type's max_per_node, since
// a multinode reservation claims whole nodes.
func Create(ctx context.Context, pool *pgxpool.Pool, req CreateRequest, t gputype.GPUType) (*Group, error) {
	if err := Validate(req, t); err != nil {
		return nil, err
	}

	masterID := uuid.New()
	group := &Group{MasterID: masterID, NodeIDs: make([]uuid.UUID, req.TotalNodes)}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("beginning multinode create transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	store := reservation.NewStore(tx)
	for i := 0; i < req.TotalNodes; i++ {
		id := masterID
		if i > 0 {
			id = uuid.New()
		}
		group.NodeIDs[i] = id

		r := &reservation.Reservation{
			ReservationID:  id,
			UserID:         req.UserID,
			GPUType:        req.GPUType,
			GPUCount:       int32(t.MaxPerNode),
			DurationHours:  req.DurationHours,
			Name:           req.Name,
			DiskName:       req.DiskName,
			ImageReference: req.ImageReference,
			CLIVersion:     req.CLIVersion,
			Multinode: reservation.Multinode{
				IsMultinode:         true,
				MasterReservationID: masterID,
				NodeIndex:           i,
				TotalNodes:          req.TotalNodes,
			},
		}
		if err := store.Create(ctx, r); err != nil {
			return nil, fmt.Errorf("creating multinode member %d/%d: %w", i, req.TotalNodes, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing multinode group: %w", err)
	}
	return group, nil
}

// Enqueuer schedules a create message for one reservation member by ID (the
// member's multinode coordinates are read from its row); implemented by
// internal/app over the queue store so this package never imports
// internal/queue.
type Enqueuer interface {
	EnqueueCreate(ctx context.Context, reservationID uuid.UUID) error
}

// EnqueueAll enqueues an independent create message per group member, per
// §4.6's "all N are enqueued as independent create messages".
func EnqueueAll(ctx context.Context, q Enqueuer, g *Group) error {
	for _, id := range g.NodeIDs {
		if err := q.EnqueueCreate(ctx, id); err != nil {
			return fmt.Errorf("enqueuing multinode member %s: %w", id, err)
		}
	}
	return nil
}

// CascadeCancel implements the joint-lifecycle rule: a child's cancel or
// failure cancels the master and every sibling, and the master's cancel
// cascades to every child (§4.6). It transitions every non-terminal member
// of the group to cancelling, leaving actual teardown to the caller (worker
// invokes §4.10 per member).
func CascadeCancel(ctx context.Context, store *reservation.Store, masterID uuid.UUID, reason string) ([]reservation.Reservation, error) {
	members, err := store.ListByMaster(ctx, masterID)
	if err != nil {
		return nil, fmt.Errorf("listing multinode group %s: %w", masterID, err)
	}

	var cancelled []reservation.Reservation
	for _, m := range members {
		if m.Status.Terminal() || m.Status == reservation.StatusCancelling {
			continue
		}
		if err := store.Transition(ctx, m.ReservationID, reservation.StatusCancelling, "multinode cascade", reason); err != nil {
			return nil, fmt.Errorf("cascading cancel to %s: %w", m.ReservationID, err)
		}
		cancelled = append(cancelled, m)
	}
	return cancelled, nil
}

// AllActive reports whether every member of the group is individually
// active, the condition under which the group as a whole is reported active
// to external views (§4.6).
func AllActive(members []reservation.Reservation) bool {
	if len(members) == 0 {
		return false
	}
	for _, m := range members {
		if m.Status != reservation.StatusActive {
			return false
		}
	}
	return true
}
