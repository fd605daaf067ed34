// Package gputype manages the catalog of GPU types the cluster can hand out
// (C-GPUTYPE): static hardware facts plus the dynamic cluster capacity used
// by the availability aggregator.
package gputype

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gpudevservers/resctl/internal/coreerr"
	"github.com/gpudevservers/resctl/internal/db"
)

// GPUType is one row of the gpu_types table.
type GPUType struct {
	Name              string
	InstanceType      string
	MaxGPUs           int
	CPUs              int
	MemoryGB          int
	TotalClusterGPUs  int
	MaxPerNode        int
	Description       string
	IsActive          bool
	AllowMultinode    bool
	MaxMultinodeNodes int

	// Dynamic, writer-exclusive to the availability engine (C6).
	AvailableGPUs          int
	MaxReservable          int
	FullNodesAvailable     int
	RunningInstances       int
	DesiredCapacity        int
	LastAvailabilityUpdate *time.Time
	LastUpdatedBy          string
}

// CPUPerGPU returns the CPU share attributed to one GPU on this instance
// type, used to size workload CPU requests proportionally (§4.4).
func (g GPUType) CPUPerGPU() float64 {
	if g.MaxGPUs == 0 {
		return 0
	}
	return float64(g.CPUs) / float64(g.MaxGPUs)
}

// MemoryGBPerGPU returns the memory share attributed to one GPU.
func (g GPUType) MemoryGBPerGPU() float64 {
	if g.MaxGPUs == 0 {
		return 0
	}
	return float64(g.MemoryGB) / float64(g.MaxGPUs)
}

// Store provides CRUD access to the gpu_types table.
type Store struct {
	db db.DBTX
}

// NewStore builds a Store over any DBTX (pool or transaction).
func NewStore(conn db.DBTX) *Store {
	return &Store{db: conn}
}

const gpuTypeSelect = `
	SELECT name, instance_type, max_gpus, cpus, memory_gb, total_cluster_gpus,
	       max_per_node, description, is_active, allow_multinode, max_multinode_nodes,
	       available_gpus, max_reservable, full_nodes_available, running_instances,
	       desired_capacity, last_availability_update, last_availability_updated_by
	FROM gpu_types
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanGPUType(row rowScanner) (*GPUType, error) {
	var g GPUType
	var updatedBy *string
	err := row.Scan(&g.Name, &g.InstanceType, &g.MaxGPUs, &g.CPUs, &g.MemoryGB,
		&g.TotalClusterGPUs, &g.MaxPerNode, &g.Description, &g.IsActive, &g.AllowMultinode, &g.MaxMultinodeNodes,
		&g.AvailableGPUs, &g.MaxReservable, &g.FullNodesAvailable, &g.RunningInstances,
		&g.DesiredCapacity, &g.LastAvailabilityUpdate, &updatedBy)
	if err != nil {
		return nil, err
	}
	if updatedBy != nil {
		g.LastUpdatedBy = *updatedBy
	}
	return &g, nil
}

// Get fetches a single GPU type by name.
func (s *Store) Get(ctx context.Context, name string) (*GPUType, error) {
	g, err := scanGPUType(s.db.QueryRow(ctx, gpuTypeSelect+` WHERE name = $1`, name))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, coreerr.New(coreerr.KindNotFound, "gpu type "+name, nil)
		}
		return nil, fmt.Errorf("fetching gpu type %q: %w", name, err)
	}
	return g, nil
}

// List returns every configured GPU type, ordered by name.
func (s *Store) List(ctx context.Context) ([]GPUType, error) {
	rows, err := s.db.Query(ctx, gpuTypeSelect+` ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("listing gpu types: %w", err)
	}
	defer rows.Close()

	var out []GPUType
	for rows.Next() {
		g, err := scanGPUType(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning gpu type: %w", err)
		}
		out = append(out, *g)
	}
	return out, rows.Err()
}

// ListActive returns every active GPU type, the set the availability engine
// aggregates over (§4.5).
func (s *Store) ListActive(ctx context.Context) ([]GPUType, error) {
	rows, err := s.db.Query(ctx, gpuTypeSelect+` WHERE is_active = true ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("listing active gpu types: %w", err)
	}
	defer rows.Close()

	var out []GPUType
	for rows.Next() {
		g, err := scanGPUType(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning gpu type: %w", err)
		}
		out = append(out, *g)
	}
	return out, rows.Err()
}

// Availability is the set of dynamic columns the availability engine (C6)
// writes each pass.
type Availability struct {
	AvailableGPUs      int
	MaxReservable      int
	FullNodesAvailable int
	RunningInstances   int
	DesiredCapacity    int
	UpdatedBy          string
}

// UpdateAvailability overwrites the dynamic columns for one GPU type,
// stamping provenance and timestamp in the same statement (§4.5 step 6).
// These columns are writer-exclusive to the availability engine; all other
// components only read them.
func (s *Store) UpdateAvailability(ctx context.Context, name string, a Availability) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE gpu_types
		SET available_gpus = $2, max_reservable = $3, full_nodes_available = $4,
		    running_instances = $5, desired_capacity = $6,
		    last_availability_update = now(), last_availability_updated_by = $7
		WHERE name = $1
	`, name, a.AvailableGPUs, a.MaxReservable, a.FullNodesAvailable, a.RunningInstances, a.DesiredCapacity, a.UpdatedBy)
	if err != nil {
		return fmt.Errorf("updating availability for gpu type %q: %w", name, err)
	}
	if tag.RowsAffected() == 0 {
		return coreerr.New(coreerr.KindNotFound, "gpu type "+name, nil)
	}
	return nil
}

// seedRows mirrors the GPU_TYPES_CONFIG table from the original populate
// script: name, instance_type, max_gpus, cpus, memory_gb, total_cluster_gpus,
// max_per_node, allow_multinode, max_multinode_nodes, description.
var seedRows = []GPUType{
	{Name: "t4", InstanceType: "g4dn.xlarge", MaxGPUs: 1, CPUs: 4, MemoryGB: 16, TotalClusterGPUs: 8, MaxPerNode: 1, AllowMultinode: false, Description: "NVIDIA T4, general purpose inference"},
	{Name: "t4-small", InstanceType: "g4dn.large", MaxGPUs: 1, CPUs: 2, MemoryGB: 8, TotalClusterGPUs: 8, MaxPerNode: 1, AllowMultinode: false, Description: "NVIDIA T4, small footprint"},
	{Name: "l4", InstanceType: "g6.xlarge", MaxGPUs: 1, CPUs: 4, MemoryGB: 16, TotalClusterGPUs: 16, MaxPerNode: 1, AllowMultinode: false, Description: "NVIDIA L4, inference and light training"},
	{Name: "a10g", InstanceType: "g5.2xlarge", MaxGPUs: 1, CPUs: 8, MemoryGB: 32, TotalClusterGPUs: 16, MaxPerNode: 1, AllowMultinode: false, Description: "NVIDIA A10G"},
	{Name: "a100", InstanceType: "p4d.24xlarge", MaxGPUs: 8, CPUs: 96, MemoryGB: 1152, TotalClusterGPUs: 64, MaxPerNode: 8, AllowMultinode: true, MaxMultinodeNodes: 4, Description: "NVIDIA A100 80GB"},
	{Name: "h100", InstanceType: "p5.48xlarge", MaxGPUs: 8, CPUs: 192, MemoryGB: 2048, TotalClusterGPUs: 64, MaxPerNode: 8, AllowMultinode: true, MaxMultinodeNodes: 4, Description: "NVIDIA H100 80GB"},
	{Name: "h200", InstanceType: "p5e.48xlarge", MaxGPUs: 8, CPUs: 192, MemoryGB: 2048, TotalClusterGPUs: 32, MaxPerNode: 8, AllowMultinode: true, MaxMultinodeNodes: 2, Description: "NVIDIA H200 141GB"},
	{Name: "b200", InstanceType: "p6-b200.48xlarge", MaxGPUs: 8, CPUs: 224, MemoryGB: 2048, TotalClusterGPUs: 16, MaxPerNode: 8, AllowMultinode: true, MaxMultinodeNodes: 2, Description: "NVIDIA B200"},
	{Name: "cpu-arm", InstanceType: "c7g.4xlarge", MaxGPUs: 0, CPUs: 16, MemoryGB: 32, TotalClusterGPUs: 0, MaxPerNode: 0, AllowMultinode: false, Description: "Graviton CPU-only notebook"},
	{Name: "cpu-x86", InstanceType: "c6i.4xlarge", MaxGPUs: 0, CPUs: 16, MemoryGB: 32, TotalClusterGPUs: 0, MaxPerNode: 0, AllowMultinode: false, Description: "x86 CPU-only notebook"},
}

// Seed populates gpu_types with the known cluster configuration,
// upserting so re-running the seed mode is idempotent.
func Seed(ctx context.Context, pool *pgxpool.Pool) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning seed transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, g := range seedRows {
		if err := upsert(ctx, tx, g); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing gpu type seed: %w", err)
	}
	return nil
}

func upsert(ctx context.Context, tx pgx.Tx, g GPUType) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO gpu_types (name, instance_type, max_gpus, cpus, memory_gb, total_cluster_gpus,
		                       max_per_node, description, is_active, allow_multinode, max_multinode_nodes)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, true, $9, $10)
		ON CONFLICT (name) DO UPDATE SET
			instance_type = EXCLUDED.instance_type,
			max_gpus = EXCLUDED.max_gpus,
			cpus = EXCLUDED.cpus,
			memory_gb = EXCLUDED.memory_gb,
			total_cluster_gpus = EXCLUDED.total_cluster_gpus,
			max_per_node = EXCLUDED.max_per_node,
			description = EXCLUDED.description,
			is_active = true,
			allow_multinode = EXCLUDED.allow_multinode,
			max_multinode_nodes = EXCLUDED.max_multinode_nodes
	`, g.Name, g.InstanceType, g.MaxGPUs, g.CPUs, g.MemoryGB, g.TotalClusterGPUs,
		g.MaxPerNode, g.Description, g.AllowMultinode, g.MaxMultinodeNodes)
	if err != nil {
		return fmt.Errorf("upserting gpu type %q: %w", g.Name, err)
	}
	return nil
}
