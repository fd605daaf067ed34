// Package snapshot implements the de-duplicated snapshot engine (C10):
// creation tied atomically to disk counters, content-listing capture, and
// retention.
package snapshot

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/gpudevservers/resctl/internal/coreerr"
	"github.com/gpudevservers/resctl/internal/db"
	"github.com/gpudevservers/resctl/pkg/provider"
)

// Kind tags why a snapshot was taken.
type Kind string

const (
	KindManual     Kind = "manual"
	KindShutdown   Kind = "shutdown"
	KindScheduled  Kind = "scheduled"
	KindQuarantine Kind = "quarantine_backup"
)

// Engine creates and retires snapshots, keeping each disk's counters
// consistent with the cloud side.
type Engine struct {
	provider provider.Provider
	db       db.DBTX
}

// NewEngine builds an Engine bound to a provider backend and a DB handle
// (pool or transaction, so callers needing cross-entity atomicity can pass
// a pgx.Tx).
func NewEngine(p provider.Provider, conn db.DBTX) *Engine {
	return &Engine{provider: p, db: conn}
}

// CreateResult reports whether a new cloud snapshot was actually created or
// an existing pending one was reused.
type CreateResult struct {
	SnapshotID string
	WasCreated bool
}

// Create implements the dedup-then-create flow from §4.9 step 1-2: if a
// pending snapshot already exists for the volume, it is reused; otherwise a
// new one is created and tagged.
func (e *Engine) Create(ctx context.Context, volumeID, userID string, kind Kind, diskID *uuid.UUID, diskName string) (*CreateResult, error) {
	pending, err := e.provider.ListSnapshots(ctx, provider.SnapshotFilter{VolumeID: volumeID, Status: []string{"pending"}})
	if err != nil {
		return nil, fmt.Errorf("checking pending snapshots for volume %s: %w", volumeID, err)
	}
	if len(pending) > 0 {
		newest := pending[0]
		for _, p := range pending[1:] {
			if p.CreatedAt.After(newest.CreatedAt) {
				newest = p
			}
		}
		return &CreateResult{SnapshotID: newest.SnapshotID, WasCreated: false}, nil
	}

	tags := map[string]string{
		"gpu-dev-user": userID,
		"SnapshotType": string(kind),
		"created_at":   time.Now().UTC().Format(time.RFC3339),
	}
	if diskName != "" {
		tags["disk_name"] = diskName
	}

	snap, err := e.provider.CreateSnapshot(ctx, provider.CreateSnapshotParams{VolumeID: volumeID, Tags: tags})
	if err != nil {
		return nil, fmt.Errorf("creating snapshot of volume %s: %w", volumeID, err)
	}

	if diskID != nil {
		if err := e.markPending(ctx, *diskID); err != nil {
			// Roll back the cloud snapshot so no orphaned resource or
			// counter drift survives (§8 scenario 6).
			_ = e.provider.DeleteSnapshot(ctx, snap.SnapshotID)
			return nil, fmt.Errorf("marking disk %s backing up, snapshot rolled back: %w", diskID, err)
		}
	}

	return &CreateResult{SnapshotID: snap.SnapshotID, WasCreated: true}, nil
}

func (e *Engine) markPending(ctx context.Context, diskID uuid.UUID) error {
	_, err := e.db.Exec(ctx, `
		UPDATE disks SET pending_snapshot_count = pending_snapshot_count + 1, is_backing_up = true
		WHERE disk_id = $1
	`, diskID)
	return err
}

// Complete records a snapshot's completion: increments snapshot_count,
// clamps pending_snapshot_count at zero, and clears is_backing_up once the
// clamp reaches zero, all in one statement (§4.9).
func (e *Engine) Complete(ctx context.Context, diskID uuid.UUID, contentURI, diskSize string, sizeGB int32) error {
	_, err := e.db.Exec(ctx, `
		UPDATE disks
		SET snapshot_count = snapshot_count + 1,
		    pending_snapshot_count = GREATEST(pending_snapshot_count - 1, 0),
		    is_backing_up = (GREATEST(pending_snapshot_count - 1, 0) > 0),
		    last_used = now(),
		    last_snapshot_at = now(),
		    latest_snapshot_content_s3 = COALESCE(NULLIF($2, ''), latest_snapshot_content_s3),
		    disk_size = COALESCE(NULLIF($3, ''), disk_size),
		    size_gb = CASE WHEN $4 > 0 THEN $4 ELSE size_gb END
		WHERE disk_id = $1
	`, diskID, contentURI, diskSize, sizeGB)
	if err != nil {
		return fmt.Errorf("completing snapshot for disk %s: %w", diskID, err)
	}
	return nil
}

// CaptureContent uploads an already captured disk-content listing, prefixed
// with a "# key: value" header per metadata entry, as a text object and
// returns its URI (§4.9 content capture). Failures never block
// snapshot creation; callers should log and continue.
func (e *Engine) CaptureContent(ctx context.Context, bucket, key string, listing []byte, metadata map[string]string) (string, error) {
	var header strings.Builder
	for _, k := range sortedKeys(metadata) {
		fmt.Fprintf(&header, "# %s: %s\n", k, metadata[k])
	}
	body := append([]byte(header.String()), listing...)

	uri, err := e.provider.UploadObject(ctx, bucket, key, body, "text/plain")
	if err != nil {
		return "", fmt.Errorf("uploading content listing: %w", err)
	}
	return uri, nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// RetentionConfig bounds per-run retention work (§4.9 Retention).
type RetentionConfig struct {
	KeepNewest     int
	MaxAge         time.Duration
	MaxPerUser     int
	MaxUsersPerRun int
}

// DefaultRetention matches the spec's stated defaults.
var DefaultRetention = RetentionConfig{KeepNewest: 3, MaxAge: 7 * 24 * time.Hour, MaxPerUser: 10, MaxUsersPerRun: 20}

// ApplyRetention deletes snapshots beyond the newest N or older than MaxAge,
// per user, capped per run to bound wall-clock time.
func (e *Engine) ApplyRetention(ctx context.Context, users []string, cfg RetentionConfig) (deleted int, err error) {
	if len(users) > cfg.MaxUsersPerRun {
		users = users[:cfg.MaxUsersPerRun]
	}

	for _, userID := range users {
		snaps, err := e.provider.ListSnapshots(ctx, provider.SnapshotFilter{
			Tags:   map[string]string{"gpu-dev-user": userID},
			Status: []string{"completed"},
		})
		if err != nil {
			return deleted, fmt.Errorf("listing snapshots for retention, user %s: %w", userID, err)
		}

		toDelete := selectForDeletion(snaps, cfg)
		for i, snapID := range toDelete {
			if i >= cfg.MaxPerUser {
				break
			}
			if err := e.provider.DeleteSnapshot(ctx, snapID); err != nil {
				if coreerr.Is(err, coreerr.KindNotFound) {
					continue
				}
				return deleted, fmt.Errorf("deleting snapshot %s for user %s: %w", snapID, userID, err)
			}
			deleted++
		}
	}
	return deleted, nil
}

func selectForDeletion(snaps []provider.Snapshot, cfg RetentionConfig) []string {
	newestFirst := make([]provider.Snapshot, len(snaps))
	copy(newestFirst, snaps)
	for i := 1; i < len(newestFirst); i++ {
		for j := i; j > 0 && newestFirst[j].CreatedAt.After(newestFirst[j-1].CreatedAt); j-- {
			newestFirst[j], newestFirst[j-1] = newestFirst[j-1], newestFirst[j]
		}
	}

	cutoff := time.Now().Add(-cfg.MaxAge)
	var toDelete []string
	for i, s := range newestFirst {
		if i < cfg.KeepNewest && s.CreatedAt.After(cutoff) {
			continue
		}
		toDelete = append(toDelete, s.SnapshotID)
	}
	return toDelete
}
