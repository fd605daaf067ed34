package disk

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/gpudevservers/resctl/internal/coreerr"
	"github.com/gpudevservers/resctl/internal/queue"
	"github.com/gpudevservers/resctl/internal/telemetry"
	"github.com/gpudevservers/resctl/pkg/provider"
)

// advisoryLockKey is the Postgres advisory lock key guarding single-run
// exclusion for the reconciliation loop (§4.8).
const advisoryLockKey = 987654321

// quarantineTag is set on a cloud volume's tags when it is removed from
// active candidacy pending manual review or cleanup (§4.8 step 4/7).
const quarantineTag = "gpu-dev-quarantined"
const quarantineReasonTag = "gpu-dev-quarantine-reason"
const quarantineBackupTag = "gpu-dev-quarantine-backup"

// quarantineAge is how long a volume sits tagged before cleanup deletes it.
const quarantineAge = 30 * 24 * time.Hour

// reconcileHeartbeatKey is the Redis key a running reconciler holds for the
// duration of one pass, checked before the Postgres advisory lock to cut
// lock contention across replicas when a run is already in flight.
const reconcileHeartbeatKey = "reconcile:heartbeat"

// Reconciler periodically syncs disk rows against cloud volume inventory.
type Reconciler struct {
	pool     *pgxpool.Pool
	provider provider.Provider
	rdb      *redis.Client
	logger   *slog.Logger
	interval time.Duration
}

// NewReconciler builds a Reconciler. rdb may be nil, in which case every
// pass falls straight through to the Postgres advisory lock.
func NewReconciler(pool *pgxpool.Pool, p provider.Provider, rdb *redis.Client, logger *slog.Logger, interval time.Duration) *Reconciler {
	return &Reconciler{pool: pool, provider: p, rdb: rdb, logger: logger, interval: interval}
}

// Run ticks once immediately, then every r.interval, until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	r.logger.Info("disk reconciler started", "interval", r.interval)

	if err := r.Tick(ctx); err != nil {
		r.logger.Error("reconcile tick", "error", err)
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("disk reconciler stopped")
			return
		case <-ticker.C:
			if err := r.Tick(ctx); err != nil {
				r.logger.Error("reconcile tick", "error", err)
			}
		}
	}
}

// Tick runs one reconciliation pass, protected by an advisory lock so at
// most one reconciler instance runs at a time (§4.8).
func (r *Reconciler) Tick(ctx context.Context) error {
	if r.rdb != nil {
		ok, err := r.rdb.SetNX(ctx, reconcileHeartbeatKey, "1", r.interval).Result()
		if err != nil {
			r.logger.Warn("redis heartbeat check failed, falling through to advisory lock", "error", err)
		} else if !ok {
			r.logger.Info("reconcile skipped, heartbeat cache shows a run in flight")
			return nil
		} else {
			defer r.rdb.Del(context.WithoutCancel(ctx), reconcileHeartbeatKey)
		}
	}

	acquired, release, err := queue.TryAdvisoryLock(ctx, r.pool, advisoryLockKey)
	if err != nil {
		return fmt.Errorf("acquiring reconciler lock: %w", err)
	}
	defer release()
	if !acquired {
		r.logger.Info("reconcile skipped, another run holds the lock")
		return nil
	}

	volumes, err := r.provider.ListVolumes(ctx, map[string]string{"gpu-dev-user": ""})
	if err != nil {
		return fmt.Errorf("fetching cloud volumes: %w", err)
	}
	tagged := filterTagged(volumes, "gpu-dev-user")
	if len(tagged) == 0 {
		return fmt.Errorf("cloud volume inventory empty or fetch incomplete, aborting to avoid false-orphaning")
	}

	store := NewStore(r.pool)
	disks, err := store.List(ctx)
	if err != nil {
		return fmt.Errorf("fetching disk rows: %w", err)
	}

	conflicts := groupByUserName(tagged)
	resolved := make(map[string]provider.Volume, len(conflicts))
	for key, group := range conflicts {
		chosen, err := r.resolveConflict(ctx, key, group, disks)
		if err != nil {
			r.logger.Error("resolving volume conflict", "key", key, "error", err)
			continue
		}
		if chosen != nil {
			resolved[key] = *chosen
		}
	}

	if err := r.syncResolved(ctx, store, resolved); err != nil {
		return fmt.Errorf("syncing resolved volumes: %w", err)
	}
	if err := r.clearOrphaned(ctx, store, disks, tagged); err != nil {
		return fmt.Errorf("clearing orphaned disks: %w", err)
	}
	return nil
}

func filterTagged(volumes []provider.Volume, requiredTag string) []provider.Volume {
	var out []provider.Volume
	for _, v := range volumes {
		if _, ok := v.Tags[requiredTag]; ok {
			if _, quarantined := v.Tags[quarantineTag]; quarantined {
				continue
			}
			out = append(out, v)
		}
	}
	return out
}

func userNameKey(v provider.Volume) string {
	return v.Tags["gpu-dev-user"] + "/" + v.Tags["disk_name"]
}

func groupByUserName(volumes []provider.Volume) map[string][]provider.Volume {
	groups := make(map[string][]provider.Volume)
	for _, v := range volumes {
		key := userNameKey(v)
		groups[key] = append(groups[key], v)
	}
	return groups
}

// resolveConflict implements §4.8 step 4: for a single-volume group there is
// nothing to resolve; for a multi-volume group, prefer the attached one (or
// the DB-referenced one, or a size/snapshot/age/id heuristic), and quarantine
// the rest.
func (r *Reconciler) resolveConflict(ctx context.Context, key string, group []provider.Volume, disks []Disk) (*provider.Volume, error) {
	if len(group) == 1 {
		return &group[0], nil
	}

	attached := attachedVolumes(group)
	if len(attached) > 1 {
		return nil, fmt.Errorf("multiple volumes attached for %s, manual intervention required", key)
	}

	var chosen provider.Volume
	if len(attached) == 1 {
		chosen = attached[0]
	} else if dbVol := dbReferencedVolume(key, group, disks); dbVol != nil {
		chosen = *dbVol
	} else {
		chosen = heuristicChoice(group)
	}

	var quarantined []provider.Volume
	for _, v := range group {
		if v.VolumeID == chosen.VolumeID {
			continue
		}
		fresh, err := r.provider.GetVolume(ctx, v.VolumeID)
		if err != nil {
			if coreerr.Is(err, coreerr.KindNotFound) {
				continue
			}
			r.rollbackQuarantine(ctx, quarantined)
			return nil, fmt.Errorf("re-verifying volume %s before quarantine: %w", v.VolumeID, err)
		}
		if fresh.Status == "in-use" {
			continue
		}
		if err := r.provider.TagVolume(ctx, v.VolumeID, map[string]string{
			quarantineTag:       time.Now().UTC().Format(time.RFC3339),
			quarantineReasonTag: "duplicate volume for " + key,
		}); err != nil {
			r.rollbackQuarantine(ctx, quarantined)
			return nil, fmt.Errorf("quarantining volume %s: %w", v.VolumeID, err)
		}
		quarantined = append(quarantined, v)
		telemetry.ReconcileConflictsTotal.WithLabelValues("quarantined").Inc()
	}
	return &chosen, nil
}

func (r *Reconciler) rollbackQuarantine(ctx context.Context, quarantined []provider.Volume) {
	for _, v := range quarantined {
		if err := r.provider.UntagVolume(ctx, v.VolumeID, []string{quarantineTag, quarantineReasonTag}); err != nil {
			r.logger.Error("rolling back quarantine tag", "volume_id", v.VolumeID, "error", err)
		}
	}
}

func attachedVolumes(group []provider.Volume) []provider.Volume {
	var out []provider.Volume
	for _, v := range group {
		if v.Status == "in-use" {
			out = append(out, v)
		}
	}
	return out
}

func dbReferencedVolume(key string, group []provider.Volume, disks []Disk) *provider.Volume {
	for _, d := range disks {
		if d.ProviderVolumeID == "" {
			continue
		}
		if d.UserID+"/"+d.DiskName != key {
			continue
		}
		for _, v := range group {
			if v.VolumeID == d.ProviderVolumeID {
				chosen := v
				return &chosen
			}
		}
	}
	return nil
}

// heuristicChoice is the fallback for §4.8 step 4: largest size, then
// smallest volume id. Snapshot count and volume age are not considered;
// Volume carries neither.
func heuristicChoice(group []provider.Volume) provider.Volume {
	sorted := make([]provider.Volume, len(group))
	copy(sorted, group)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].SizeGB != sorted[j].SizeGB {
			return sorted[i].SizeGB > sorted[j].SizeGB
		}
		return sorted[i].VolumeID < sorted[j].VolumeID
	})
	return sorted[0]
}

// syncResolved upserts every resolved (non-duplicate) volume into the disks
// table, syncing the fields cloud truth owns (§4.8 step 5).
func (r *Reconciler) syncResolved(ctx context.Context, store *Store, resolved map[string]provider.Volume) error {
	for key, v := range resolved {
		userID, diskName := splitKey(key)
		if userID == "" || diskName == "" {
			continue
		}
		inUse := v.Status == "in-use"

		snaps, err := r.provider.ListSnapshots(ctx, provider.SnapshotFilter{VolumeID: v.VolumeID, Status: []string{"completed"}})
		if err != nil {
			return fmt.Errorf("listing snapshots for volume %s: %w", v.VolumeID, err)
		}
		pending, err := r.provider.ListSnapshots(ctx, provider.SnapshotFilter{VolumeID: v.VolumeID, Status: []string{"pending"}})
		if err != nil {
			return fmt.Errorf("listing pending snapshots for volume %s: %w", v.VolumeID, err)
		}

		var lastSnapshotAt *time.Time
		for i := range snaps {
			if lastSnapshotAt == nil || snaps[i].CreatedAt.After(*lastSnapshotAt) {
				t := snaps[i].CreatedAt
				lastSnapshotAt = &t
			}
		}

		if err := store.UpsertFromCloud(ctx, userID, diskName, v.VolumeID, v.SizeGB, inUse, int32(len(snaps)), len(pending) > 0, lastSnapshotAt); err != nil {
			return fmt.Errorf("upserting disk %s: %w", key, err)
		}
	}
	return nil
}

func splitKey(key string) (userID, diskName string) {
	for i := 0; i < len(key); i++ {
		if key[i] == '/' {
			return key[:i], key[i+1:]
		}
	}
	return "", ""
}

// clearOrphaned implements §4.8 step 6: any non-deleted disk row whose
// provider_volume_id no longer appears in the observed cloud inventory has
// its in_use flag cleared, preserving attached_to_reservation for audit.
func (r *Reconciler) clearOrphaned(ctx context.Context, store *Store, disks []Disk, cloudVolumes []provider.Volume) error {
	present := make(map[string]bool, len(cloudVolumes))
	for _, v := range cloudVolumes {
		present[v.VolumeID] = true
	}

	for _, d := range disks {
		if d.IsDeleted || d.ProviderVolumeID == "" {
			continue
		}
		if present[d.ProviderVolumeID] {
			continue
		}
		if err := store.ClearOrphanedInUse(ctx, d.DiskID); err != nil {
			return fmt.Errorf("clearing orphaned disk %s: %w", d.DiskID, err)
		}
	}
	return nil
}

// CleanupQuarantined implements §4.8 step 7: volumes tagged quarantined for
// longer than quarantineAge are snapshotted as a safety backup (tagged
// retention_days=90; the snapshot retention pass selects by gpu-dev-user and
// does not act on these backups) then deleted.
// Currently-attached volumes are never deleted even if tagged.
func (r *Reconciler) CleanupQuarantined(ctx context.Context) error {
	volumes, err := r.provider.ListVolumes(ctx, map[string]string{quarantineTag: ""})
	if err != nil {
		return fmt.Errorf("listing quarantined volumes: %w", err)
	}

	for _, v := range volumes {
		taggedAt, err := time.Parse(time.RFC3339, v.Tags[quarantineTag])
		if err != nil {
			r.logger.Error("parsing quarantine tag timestamp", "volume_id", v.VolumeID, "error", err)
			continue
		}
		if time.Since(taggedAt) < quarantineAge {
			continue
		}
		if v.Status == "in-use" {
			continue
		}

		if _, err := r.provider.CreateSnapshot(ctx, provider.CreateSnapshotParams{
			VolumeID: v.VolumeID,
			Tags: map[string]string{
				quarantineBackupTag: "true",
				"retention_days":    "90",
			},
		}); err != nil {
			r.logger.Error("creating quarantine safety snapshot", "volume_id", v.VolumeID, "error", err)
			continue
		}

		if err := r.provider.DeleteVolume(ctx, v.VolumeID); err != nil {
			r.logger.Error("deleting quarantined volume", "volume_id", v.VolumeID, "error", err)
			continue
		}
		telemetry.ReconcileConflictsTotal.WithLabelValues("quarantine_deleted").Inc()
	}
	return nil
}
