// Package disk implements the persistent-disk lifecycle (C9): named
// per-user block volumes with a snapshot-first workflow, the exactly-one
// active-attachment invariant, and reconciliation against cloud truth.
package disk

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gpudevservers/resctl/internal/coreerr"
	"github.com/gpudevservers/resctl/internal/db"
	"github.com/gpudevservers/resctl/pkg/provider"
)

// Disk is a named persistent block volume (§3).
type Disk struct {
	DiskID                uuid.UUID
	UserID                string
	DiskName              string
	SizeGB                int32
	ProviderVolumeID      string
	DiskSize              string
	LatestSnapshotContent string

	CreatedAt              time.Time
	LastUsed               time.Time
	InUse                  bool
	AttachedToReservation  *uuid.UUID
	IsBackingUp            bool
	IsDeleted              bool
	DeleteDate             *time.Time
	OperationID            string
	OperationStatus        string
	OperationError         string
	SnapshotCount          int32
	PendingSnapshotCount   int32
	LastSnapshotAt         *time.Time
}

var nameRE = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ValidateName checks the disk-name grammar from §8.
func ValidateName(name string) error {
	if !nameRE.MatchString(name) {
		return coreerr.New(coreerr.KindValidation, "disk name must match ^[A-Za-z0-9_-]+$", nil)
	}
	return nil
}

// Store provides CRUD over the disks table.
type Store struct {
	db db.DBTX
}

// NewStore builds a Store over any DBTX (pool or transaction).
func NewStore(conn db.DBTX) *Store {
	return &Store{db: conn}
}

// Create inserts a new disk row, rejecting a duplicate (user_id, disk_name).
func (s *Store) Create(ctx context.Context, d *Disk) error {
	if err := ValidateName(d.DiskName); err != nil {
		return err
	}
	d.DiskID = uuid.New()
	d.CreatedAt = time.Now().UTC()
	d.LastUsed = d.CreatedAt

	_, err := s.db.Exec(ctx, `
		INSERT INTO disks (disk_id, user_id, disk_name, size_gb, created_at, last_used, in_use)
		VALUES ($1,$2,$3,$4,$5,$6,false)
	`, d.DiskID, d.UserID, d.DiskName, d.SizeGB, d.CreatedAt, d.LastUsed)
	if err != nil {
		return fmt.Errorf("inserting disk %s/%s: %w", d.UserID, d.DiskName, err)
	}
	return nil
}

const diskSelect = `
	SELECT disk_id, user_id, disk_name, size_gb, provider_volume_id, disk_size,
	       latest_snapshot_content_s3, created_at, last_used, in_use, attached_to_reservation,
	       is_backing_up, is_deleted, delete_date, operation_id, operation_status, operation_error,
	       snapshot_count, pending_snapshot_count, last_snapshot_at
	FROM disks
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDisk(row rowScanner) (*Disk, error) {
	var d Disk
	var volumeID, diskSize, latestContent, opID, opStatus, opError *string
	var attachedTo *uuid.UUID
	var deleteDate, lastSnapshotAt *time.Time

	err := row.Scan(
		&d.DiskID, &d.UserID, &d.DiskName, &d.SizeGB, &volumeID, &diskSize,
		&latestContent, &d.CreatedAt, &d.LastUsed, &d.InUse, &attachedTo,
		&d.IsBackingUp, &d.IsDeleted, &deleteDate, &opID, &opStatus, &opError,
		&d.SnapshotCount, &d.PendingSnapshotCount, &lastSnapshotAt,
	)
	if err != nil {
		return nil, err
	}

	if volumeID != nil {
		d.ProviderVolumeID = *volumeID
	}
	if diskSize != nil {
		d.DiskSize = *diskSize
	}
	if latestContent != nil {
		d.LatestSnapshotContent = *latestContent
	}
	if opID != nil {
		d.OperationID = *opID
	}
	if opStatus != nil {
		d.OperationStatus = *opStatus
	}
	if opError != nil {
		d.OperationError = *opError
	}
	d.AttachedToReservation = attachedTo
	d.DeleteDate = deleteDate
	d.LastSnapshotAt = lastSnapshotAt
	return &d, nil
}

// GetByName fetches a non-deleted disk by (user_id, disk_name).
func (s *Store) GetByName(ctx context.Context, userID, diskName string) (*Disk, error) {
	row := s.db.QueryRow(ctx, diskSelect+` WHERE user_id = $1 AND disk_name = $2 AND is_deleted = false`, userID, diskName)
	d, err := scanDisk(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, coreerr.New(coreerr.KindNotFound, "disk "+userID+"/"+diskName, nil)
		}
		return nil, fmt.Errorf("fetching disk %s/%s: %w", userID, diskName, err)
	}
	return d, nil
}

// GetByVolumeID fetches a disk by its cloud volume ID.
func (s *Store) GetByVolumeID(ctx context.Context, volumeID string) (*Disk, error) {
	row := s.db.QueryRow(ctx, diskSelect+` WHERE provider_volume_id = $1`, volumeID)
	d, err := scanDisk(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, coreerr.New(coreerr.KindNotFound, "disk volume "+volumeID, nil)
		}
		return nil, fmt.Errorf("fetching disk by volume %s: %w", volumeID, err)
	}
	return d, nil
}

// List returns every non-deleted disk, used by reconciliation.
func (s *Store) List(ctx context.Context) ([]Disk, error) {
	rows, err := s.db.Query(ctx, diskSelect+` WHERE is_deleted = false`)
	if err != nil {
		return nil, fmt.Errorf("listing disks: %w", err)
	}
	defer rows.Close()

	var out []Disk
	for rows.Next() {
		d, err := scanDisk(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

// DistinctUsers returns every user_id with at least one non-deleted disk,
// the population the snapshot retention pass (C10) iterates over.
func (s *Store) DistinctUsers(ctx context.Context) ([]string, error) {
	rows, err := s.db.Query(ctx, `SELECT DISTINCT user_id FROM disks WHERE is_deleted = false ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("listing distinct disk users: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			return nil, fmt.Errorf("scanning user_id: %w", err)
		}
		out = append(out, userID)
	}
	return out, rows.Err()
}

// Quarantine state lives on the cloud volume's tags (see Reconciler), not in
// this table, so the store has no quarantine queries.

// Attach marks a disk in-use by a reservation, setting provider_volume_id if
// this is the first materialization.
func (s *Store) Attach(ctx context.Context, diskID uuid.UUID, reservationID uuid.UUID, volumeID string) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE disks
		SET in_use = true, attached_to_reservation = $2, last_used = now(),
		    provider_volume_id = COALESCE(NULLIF(provider_volume_id, ''), $3)
		WHERE disk_id = $1 AND in_use = false
	`, diskID, reservationID, volumeID)
	if err != nil {
		return fmt.Errorf("attaching disk %s: %w", diskID, err)
	}
	if tag.RowsAffected() == 0 {
		return coreerr.New(coreerr.KindConflict, "disk "+diskID.String()+" already in use", nil)
	}
	return nil
}

// Release clears the in-use/attachment fields, the counterpart to Attach,
// invoked from teardown and from reconciliation repair.
func (s *Store) Release(ctx context.Context, diskID uuid.UUID) error {
	_, err := s.db.Exec(ctx, `
		UPDATE disks SET in_use = false, attached_to_reservation = NULL, last_used = now()
		WHERE disk_id = $1
	`, diskID)
	if err != nil {
		return fmt.Errorf("releasing disk %s: %w", diskID, err)
	}
	return nil
}

// SoftDelete marks a disk deleted with a grace period, refusing if attached.
func (s *Store) SoftDelete(ctx context.Context, diskID uuid.UUID, graceDays int) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE disks
		SET is_deleted = true, delete_date = now() + make_interval(days => $2), in_use = false
		WHERE disk_id = $1 AND in_use = false
	`, diskID, graceDays)
	if err != nil {
		return fmt.Errorf("soft-deleting disk %s: %w", diskID, err)
	}
	if tag.RowsAffected() == 0 {
		return coreerr.New(coreerr.KindConflict, "disk "+diskID.String()+" is in use, cannot delete", nil)
	}
	return nil
}

// Rename updates a disk's name, refusing if attached. Called by
// RenameWithRetag inside its transaction; not meant to be called alone
// outside a snapshot-retag flow.
func (s *Store) Rename(ctx context.Context, diskID uuid.UUID, newName string) error {
	if err := ValidateName(newName); err != nil {
		return err
	}
	tag, err := s.db.Exec(ctx, `UPDATE disks SET disk_name = $2 WHERE disk_id = $1 AND in_use = false`, diskID, newName)
	if err != nil {
		return fmt.Errorf("renaming disk %s: %w", diskID, err)
	}
	if tag.RowsAffected() == 0 {
		return coreerr.New(coreerr.KindConflict, "disk "+diskID.String()+" is in use, cannot rename", nil)
	}
	return nil
}

// RenameWithRetag renames a disk and re-tags every cloud snapshot taken of
// it in a single transaction (§4.8): if the snapshot retag fails, the name
// change is rolled back so the store and cloud tags never disagree on which
// disk_name a snapshot belongs to.
func RenameWithRetag(ctx context.Context, pool *pgxpool.Pool, p provider.Provider, userID, oldName, newName string) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning rename transaction for disk %s/%s: %w", userID, oldName, err)
	}
	defer tx.Rollback(ctx)

	store := NewStore(tx)
	d, err := store.GetByName(ctx, userID, oldName)
	if err != nil {
		return err
	}
	if err := store.Rename(ctx, d.DiskID, newName); err != nil {
		return err
	}

	if d.ProviderVolumeID != "" {
		snaps, err := p.ListSnapshots(ctx, provider.SnapshotFilter{VolumeID: d.ProviderVolumeID})
		if err != nil {
			return fmt.Errorf("listing snapshots of disk %s for retag: %w", d.DiskID, err)
		}
		for _, snap := range snaps {
			if err := p.TagSnapshot(ctx, snap.SnapshotID, map[string]string{"disk_name": newName}); err != nil {
				return fmt.Errorf("retagging snapshot %s of disk %s: %w", snap.SnapshotID, d.DiskID, err)
			}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing rename of disk %s/%s: %w", userID, oldName, err)
	}
	return nil
}

// UpsertFromCloud syncs the recorded fields to observed cloud truth during
// reconciliation (step 5 of §4.8).
func (s *Store) UpsertFromCloud(ctx context.Context, userID, diskName, volumeID string, sizeGB int32, inUse bool, snapshotCount int32, isBackingUp bool, lastSnapshotAt *time.Time) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO disks (disk_id, user_id, disk_name, size_gb, provider_volume_id, in_use,
		                    snapshot_count, is_backing_up, last_snapshot_at, created_at, last_used)
		VALUES (gen_random_uuid(), $1, $2, $3, $4, $5, $6, $7, $8, now(), now())
		ON CONFLICT (user_id, disk_name) DO UPDATE SET
			size_gb = EXCLUDED.size_gb,
			provider_volume_id = EXCLUDED.provider_volume_id,
			in_use = EXCLUDED.in_use,
			snapshot_count = EXCLUDED.snapshot_count,
			is_backing_up = EXCLUDED.is_backing_up,
			last_snapshot_at = EXCLUDED.last_snapshot_at
	`, userID, diskName, sizeGB, volumeID, inUse, snapshotCount, isBackingUp, lastSnapshotAt)
	if err != nil {
		return fmt.Errorf("upserting disk %s/%s from cloud: %w", userID, diskName, err)
	}
	return nil
}

// ClearOrphanedInUse clears in_use on a recorded disk whose volume no longer
// exists in cloud inventory, preserving attached_to_reservation for audit
// (step 6 of §4.8).
func (s *Store) ClearOrphanedInUse(ctx context.Context, diskID uuid.UUID) error {
	_, err := s.db.Exec(ctx, `UPDATE disks SET in_use = false WHERE disk_id = $1 AND is_deleted = false`, diskID)
	if err != nil {
		return fmt.Errorf("clearing orphaned in_use on disk %s: %w", diskID, err)
	}
	return nil
}

// UpdateSnapshotContent records the last content listing object URI.
func (s *Store) UpdateSnapshotContent(ctx context.Context, diskID uuid.UUID, contentURI, diskSize string) error {
	_, err := s.db.Exec(ctx, `
		UPDATE disks SET latest_snapshot_content_s3 = $2, disk_size = $3 WHERE disk_id = $1
	`, diskID, contentURI, diskSize)
	if err != nil {
		return fmt.Errorf("updating snapshot content for disk %s: %w", diskID, err)
	}
	return nil
}
