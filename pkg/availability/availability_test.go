package availability

import (
	"testing"

	"github.com/gpudevservers/resctl/pkg/gputype"
	"github.com/gpudevservers/resctl/pkg/orchestrator"
)

func TestMaxReservable(t *testing.T) {
	tests := []struct {
		name          string
		t             gputype.GPUType
		fullNodes     int
		singleNodeMax int
		want          int
	}{
		{
			name:          "single-node type ignores full node count",
			t:             gputype.GPUType{Name: "a10g", MaxPerNode: 1, AllowMultinode: false},
			fullNodes:     3,
			singleNodeMax: 1,
			want:          1,
		},
		{
			name:          "multinode type with no full nodes falls back to single-node max",
			t:             gputype.GPUType{Name: "h100", MaxPerNode: 8, AllowMultinode: true, MaxMultinodeNodes: 4},
			fullNodes:     0,
			singleNodeMax: 5,
			want:          5,
		},
		{
			name:          "multinode type capped at configured max_multinode_nodes",
			t:             gputype.GPUType{Name: "h100", MaxPerNode: 8, AllowMultinode: true, MaxMultinodeNodes: 4},
			fullNodes:     6,
			singleNodeMax: 8,
			want:          32,
		},
		{
			name:          "multinode type with fewer full nodes than the cap",
			t:             gputype.GPUType{Name: "h200", MaxPerNode: 8, AllowMultinode: true, MaxMultinodeNodes: 2},
			fullNodes:     1,
			singleNodeMax: 8,
			want:          8,
		},
		{
			name:          "multinode-eligible max_per_node but allow flag off behaves like single-node",
			t:             gputype.GPUType{Name: "a100", MaxPerNode: 8, AllowMultinode: false},
			fullNodes:     4,
			singleNodeMax: 8,
			want:          8,
		},
		{
			name:          "zero max_multinode_nodes falls back to default cap of 4",
			t:             gputype.GPUType{Name: "b200", MaxPerNode: 8, AllowMultinode: true, MaxMultinodeNodes: 0},
			fullNodes:     5,
			singleNodeMax: 8,
			want:          32,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := maxReservable(tt.t, tt.fullNodes, tt.singleNodeMax)
			if got != tt.want {
				t.Errorf("maxReservable() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestCpuSlotAvailability(t *testing.T) {
	nodes := []orchestrator.Node{
		{Name: "n1", Unschedulable: false},
		{Name: "n2", Unschedulable: false},
		{Name: "n3", Unschedulable: true},
	}

	a := cpuSlotAvailability(nodes)

	if a.RunningInstances != 2 {
		t.Errorf("RunningInstances = %d, want 2", a.RunningInstances)
	}
	if a.AvailableGPUs != 2*slotsPerNode {
		t.Errorf("AvailableGPUs = %d, want %d", a.AvailableGPUs, 2*slotsPerNode)
	}
	if a.MaxReservable != a.AvailableGPUs {
		t.Errorf("MaxReservable = %d, want equal to AvailableGPUs %d", a.MaxReservable, a.AvailableGPUs)
	}
	if a.FullNodesAvailable != 2 {
		t.Errorf("FullNodesAvailable = %d, want 2", a.FullNodesAvailable)
	}
}

func TestFilterNodes(t *testing.T) {
	nodes := []orchestrator.Node{
		{Name: "n1", GPUType: "h100"},
		{Name: "n2", GPUType: "a100"},
		{Name: "n3", GPUType: "h100"},
	}

	got := filterNodes(nodes, "h100")
	if len(got) != 2 {
		t.Fatalf("filterNodes() returned %d nodes, want 2", len(got))
	}
	for _, n := range got {
		if n.GPUType != "h100" {
			t.Errorf("filterNodes() returned node with GPUType %q", n.GPUType)
		}
	}
}
