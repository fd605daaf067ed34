// Package availability implements the periodic aggregator (C6) that derives
// per-GPU-type schedulable capacity from the orchestrator API and node-pool
// sizes, and persists it to the gpu_types table.
package availability

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gpudevservers/resctl/internal/telemetry"
	"github.com/gpudevservers/resctl/pkg/gputype"
	"github.com/gpudevservers/resctl/pkg/orchestrator"
)

// slotsPerNode is the fixed CPU-only "slot" density used to derive
// available capacity for max_per_node == 0 types (§4.5 step 5).
const slotsPerNode = 3

// gpuTypeLabel is the node label the orchestrator client filters on.
const gpuTypeLabel = "GpuType"

// Engine aggregates cluster capacity into the gpu_types table on a fixed
// schedule. It is best-effort eventually-consistent: the reservation
// worker rechecks at admission, and the orchestrator's scheduler remains
// the final arbiter (§4.5).
type Engine struct {
	orch      *orchestrator.Client
	types     *gputype.Store
	logger    *slog.Logger
	updaterID string
	interval  time.Duration
}

// NewEngine builds an Engine. updaterID is the provenance tag recorded as
// last_availability_updated_by (e.g. a hostname or pod name).
func NewEngine(orch *orchestrator.Client, types *gputype.Store, logger *slog.Logger, updaterID string, interval time.Duration) *Engine {
	return &Engine{orch: orch, types: types, logger: logger, updaterID: updaterID, interval: interval}
}

// Run ticks once immediately, then every e.interval, until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	e.logger.Info("availability engine started", "interval", e.interval)

	if err := e.Tick(ctx); err != nil {
		e.logger.Error("availability tick", "error", err)
	}

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("availability engine stopped")
			return
		case <-ticker.C:
			if err := e.Tick(ctx); err != nil {
				e.logger.Error("availability tick", "error", err)
			}
		}
	}
}

// Tick computes and persists availability for every active GPU type.
func (e *Engine) Tick(ctx context.Context) error {
	types, err := e.types.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("listing active gpu types: %w", err)
	}

	for _, t := range types {
		if err := e.updateType(ctx, t); err != nil {
			e.logger.Error("updating availability", "gpu_type", t.Name, "error", err)
		}
	}
	return nil
}

func (e *Engine) updateType(ctx context.Context, t gputype.GPUType) error {
	nodes, err := e.orch.ListNodes(ctx, gpuTypeLabel)
	if err != nil {
		return fmt.Errorf("listing nodes for %s: %w", t.Name, err)
	}
	matching := filterNodes(nodes, t.Name)

	var a gputype.Availability
	if t.MaxPerNode == 0 {
		a = cpuSlotAvailability(matching)
	} else {
		a, err = e.gpuAvailability(ctx, t, matching)
		if err != nil {
			return err
		}
	}
	a.UpdatedBy = e.updaterID

	if err := e.types.UpdateAvailability(ctx, t.Name, a); err != nil {
		return fmt.Errorf("persisting availability for %s: %w", t.Name, err)
	}

	telemetry.AvailableGPUs.WithLabelValues(t.Name).Set(float64(a.AvailableGPUs))
	telemetry.MaxReservable.WithLabelValues(t.Name).Set(float64(a.MaxReservable))
	return nil
}

// gpuAvailability implements §4.5 steps 2-4 for GPU-bearing types: per-node
// available = allocatable - sum(gpu requests of Running|Pending pods), a
// node is "full" when nothing is requested on it, and max_reservable uses
// the multinode allow-list formula when the type qualifies.
func (e *Engine) gpuAvailability(ctx context.Context, t gputype.GPUType, nodes []orchestrator.Node) (gputype.Availability, error) {
	var singleNodeMax int64
	var fullNodes, running, desired int

	for _, n := range nodes {
		desired++
		if n.Unschedulable {
			continue
		}
		running++

		pods, err := e.orch.ListPodsByNode(ctx, n.Name)
		if err != nil {
			return gputype.Availability{}, fmt.Errorf("listing pods on node %s: %w", n.Name, err)
		}

		var requested int64
		for _, p := range pods {
			requested += orchestrator.PodGPURequest(p)
		}

		availOnNode := n.GPUCapacity - requested
		if availOnNode < 0 {
			availOnNode = 0
		}
		if availOnNode > singleNodeMax {
			singleNodeMax = availOnNode
		}
		if availOnNode == n.GPUCapacity && n.GPUCapacity > 0 {
			fullNodes++
		}
	}

	return gputype.Availability{
		AvailableGPUs:      int(singleNodeMax),
		MaxReservable:      maxReservable(t, fullNodes, int(singleNodeMax)),
		FullNodesAvailable: fullNodes,
		RunningInstances:   running,
		DesiredCapacity:    desired,
	}, nil
}

// maxReservable implements the §4.5 step 4 / spec.md §3 gpu_types invariant
// formula: multinode-eligible types (H100/H200/B200/A100-class, max_per_node
// == 8) get min(max_multinode_nodes, full_nodes_available) * max_per_node,
// falling back to the single-node max when no full nodes are free; every
// other type is simply its single-node max.
func maxReservable(t gputype.GPUType, fullNodes, singleNodeMax int) int {
	if !t.AllowMultinode || t.MaxPerNode != 8 {
		return singleNodeMax
	}
	if fullNodes == 0 {
		return singleNodeMax
	}

	nodesToUse := t.MaxMultinodeNodes
	if nodesToUse <= 0 || nodesToUse > 4 {
		nodesToUse = 4
	}
	n := fullNodes
	if n > nodesToUse {
		n = nodesToUse
	}
	return n * t.MaxPerNode
}

// cpuSlotAvailability implements §4.5 step 5 for max_per_node == 0 types:
// slots = running_instances * slotsPerNode. Pods already running on those
// nodes are not counted, so the result is the total slot capacity, not the
// free slots.
func cpuSlotAvailability(nodes []orchestrator.Node) gputype.Availability {
	running := 0
	for _, n := range nodes {
		if !n.Unschedulable {
			running++
		}
	}

	totalSlots := running * slotsPerNode
	return gputype.Availability{
		AvailableGPUs:      totalSlots,
		MaxReservable:      totalSlots,
		FullNodesAvailable: running,
		RunningInstances:   running,
		DesiredCapacity:    running,
	}
}

func filterNodes(nodes []orchestrator.Node, gpuType string) []orchestrator.Node {
	var out []orchestrator.Node
	for _, n := range nodes {
		if n.GPUType == gpuType {
			out = append(out, n)
		}
	}
	return out
}
