// Package provider abstracts block storage, snapshot, and compute inventory
// operations across cloud backends (C1), so the rest of the control plane
// never imports a cloud SDK directly.
package provider

import (
	"context"
	"time"

	"github.com/gpudevservers/resctl/internal/coreerr"
)

// Volume is cloud-neutral block storage metadata.
type Volume struct {
	VolumeID         string
	SizeGB           int32
	AvailabilityZone string
	Status           string // available, in-use, creating, deleting
	Tags             map[string]string
}

// Snapshot is cloud-neutral snapshot metadata.
type Snapshot struct {
	SnapshotID string
	VolumeID   string
	Status     string // pending, completed, error
	SizeGB     int32
	CreatedAt  time.Time
	Tags       map[string]string
}

// Node is cloud-neutral compute node/instance metadata.
type Node struct {
	NodeID           string
	Name             string
	InstanceType     string
	AvailabilityZone string
	GPUType          string
	GPUCount         int32
	Status           string // running, stopped, terminated
	Labels           map[string]string
}

// CreateVolumeParams configures a new block volume.
type CreateVolumeParams struct {
	SizeGB           int32
	AvailabilityZone string
	VolumeType       string
	Tags             map[string]string
	SnapshotID       string // optional: restore from snapshot
}

// CreateSnapshotParams configures a new snapshot.
type CreateSnapshotParams struct {
	VolumeID    string
	Description string
	Tags        map[string]string
}

// SnapshotFilter narrows a ListSnapshots call.
type SnapshotFilter struct {
	Tags     map[string]string
	VolumeID string
	Status   []string
}

// Provider is the cloud abstraction every backend must implement (C1).
// Errors returned use coreerr.Kind values (KindProviderThrottled,
// KindProviderTransient, KindProviderPermanent, KindNotFound) so callers can
// branch on retryability without importing a cloud SDK's error types.
type Provider interface {
	Name() string

	CreateVolume(ctx context.Context, p CreateVolumeParams) (*Volume, error)
	DeleteVolume(ctx context.Context, volumeID string) error
	AttachVolume(ctx context.Context, volumeID, instanceID, devicePath string) error
	DetachVolume(ctx context.Context, volumeID string) error
	GetVolume(ctx context.Context, volumeID string) (*Volume, error)
	ListVolumes(ctx context.Context, tagFilter map[string]string) ([]Volume, error)
	TagVolume(ctx context.Context, volumeID string, tags map[string]string) error
	UntagVolume(ctx context.Context, volumeID string, keys []string) error

	CreateSnapshot(ctx context.Context, p CreateSnapshotParams) (*Snapshot, error)
	DeleteSnapshot(ctx context.Context, snapshotID string) error
	GetSnapshot(ctx context.Context, snapshotID string) (*Snapshot, error)
	ListSnapshots(ctx context.Context, f SnapshotFilter) ([]Snapshot, error)
	WaitForSnapshot(ctx context.Context, snapshotID string, timeout time.Duration) error
	TagSnapshot(ctx context.Context, snapshotID string, tags map[string]string) error

	NodesByGPUType(ctx context.Context, gpuType string) ([]Node, error)

	UploadObject(ctx context.Context, bucket, key string, content []byte, contentType string) (string, error)
	DownloadObject(ctx context.Context, bucket, key string) ([]byte, error)
}

// notFound is a convenience constructor used by backends when a lookup
// returns zero results instead of an SDK-level not-found error.
func notFound(provider, op, id string) error {
	return coreerr.New(coreerr.KindNotFound, provider+": "+op+": "+id, nil)
}
