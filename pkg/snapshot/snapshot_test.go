package snapshot

import (
	"testing"
	"time"

	"github.com/gpudevservers/resctl/pkg/provider"
)

func TestSelectForDeletionKeepsNewestWithinAge(t *testing.T) {
	now := time.Now()
	snaps := []provider.Snapshot{
		{SnapshotID: "s1", CreatedAt: now.Add(-1 * time.Hour)},
		{SnapshotID: "s2", CreatedAt: now.Add(-2 * time.Hour)},
		{SnapshotID: "s3", CreatedAt: now.Add(-3 * time.Hour)},
		{SnapshotID: "s4", CreatedAt: now.Add(-4 * time.Hour)},
	}
	cfg := RetentionConfig{KeepNewest: 3, MaxAge: 24 * time.Hour}

	deleted := selectForDeletion(snaps, cfg)
	if len(deleted) != 1 || deleted[0] != "s4" {
		t.Fatalf("expected only s4 deleted, got %v", deleted)
	}
}

func TestSelectForDeletionAgeOverridesKeepNewest(t *testing.T) {
	now := time.Now()
	snaps := []provider.Snapshot{
		{SnapshotID: "s1", CreatedAt: now.Add(-1 * time.Hour)},
		{SnapshotID: "s2", CreatedAt: now.Add(-8 * 24 * time.Hour)},
	}
	cfg := RetentionConfig{KeepNewest: 3, MaxAge: 7 * 24 * time.Hour}

	deleted := selectForDeletion(snaps, cfg)
	if len(deleted) != 1 || deleted[0] != "s2" {
		t.Fatalf("expected the 8-day-old snapshot deleted despite being within keep-newest count, got %v", deleted)
	}
}

func TestSelectForDeletionEmptyWhenWithinBounds(t *testing.T) {
	now := time.Now()
	snaps := []provider.Snapshot{
		{SnapshotID: "s1", CreatedAt: now.Add(-1 * time.Hour)},
		{SnapshotID: "s2", CreatedAt: now.Add(-2 * time.Hour)},
	}
	cfg := DefaultRetention

	if deleted := selectForDeletion(snaps, cfg); len(deleted) != 0 {
		t.Fatalf("expected nothing deleted, got %v", deleted)
	}
}
