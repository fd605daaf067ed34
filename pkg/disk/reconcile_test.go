package disk

import (
	"testing"

	"github.com/gpudevservers/resctl/pkg/provider"
)

func TestHeuristicChoice(t *testing.T) {
	group := []provider.Volume{
		{VolumeID: "vol-b", SizeGB: 100},
		{VolumeID: "vol-a", SizeGB: 200},
		{VolumeID: "vol-c", SizeGB: 200},
	}

	got := heuristicChoice(group)
	if got.VolumeID != "vol-a" {
		t.Errorf("heuristicChoice() = %s, want vol-a (largest size, then smallest id)", got.VolumeID)
	}
}

func TestGroupByUserName(t *testing.T) {
	volumes := []provider.Volume{
		{VolumeID: "vol-1", Tags: map[string]string{"gpu-dev-user": "alice", "disk_name": "work"}},
		{VolumeID: "vol-2", Tags: map[string]string{"gpu-dev-user": "alice", "disk_name": "work"}},
		{VolumeID: "vol-3", Tags: map[string]string{"gpu-dev-user": "bob", "disk_name": "scratch"}},
	}

	groups := groupByUserName(volumes)
	if len(groups["alice/work"]) != 2 {
		t.Errorf("alice/work group = %d, want 2", len(groups["alice/work"]))
	}
	if len(groups["bob/scratch"]) != 1 {
		t.Errorf("bob/scratch group = %d, want 1", len(groups["bob/scratch"]))
	}
}

func TestFilterTagged(t *testing.T) {
	volumes := []provider.Volume{
		{VolumeID: "vol-1", Tags: map[string]string{"gpu-dev-user": "alice"}},
		{VolumeID: "vol-2", Tags: map[string]string{}},
		{VolumeID: "vol-3", Tags: map[string]string{"gpu-dev-user": "bob", quarantineTag: "2020-01-01T00:00:00Z"}},
	}

	got := filterTagged(volumes, "gpu-dev-user")
	if len(got) != 1 {
		t.Fatalf("filterTagged() returned %d volumes, want 1", len(got))
	}
	if got[0].VolumeID != "vol-1" {
		t.Errorf("filterTagged() returned %s, want vol-1", got[0].VolumeID)
	}
}

func TestSplitKey(t *testing.T) {
	tests := []struct {
		key      string
		wantUser string
		wantDisk string
	}{
		{key: "alice/work", wantUser: "alice", wantDisk: "work"},
		{key: "alice/my-disk", wantUser: "alice", wantDisk: "my-disk"},
		{key: "", wantUser: "", wantDisk: ""},
	}

	for _, tt := range tests {
		user, diskName := splitKey(tt.key)
		if user != tt.wantUser || diskName != tt.wantDisk {
			t.Errorf("splitKey(%q) = (%q, %q), want (%q, %q)", tt.key, user, diskName, tt.wantUser, tt.wantDisk)
		}
	}
}

func TestAttachedVolumes(t *testing.T) {
	group := []provider.Volume{
		{VolumeID: "vol-1", Status: "available"},
		{VolumeID: "vol-2", Status: "in-use"},
	}

	got := attachedVolumes(group)
	if len(got) != 1 || got[0].VolumeID != "vol-2" {
		t.Errorf("attachedVolumes() = %v, want [vol-2]", got)
	}
}
