// Package reservation implements the state machine and worker body (C5)
// that turns a queued reservation intent into a running workload and drives
// it through its lifecycle.
package reservation

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Status is a reservation lifecycle state.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusPending    Status = "pending"
	StatusPreparing  Status = "preparing"
	StatusActive     Status = "active"
	StatusCancelling Status = "cancelling"
	StatusCancelled  Status = "cancelled"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether a status is a sink.
func (s Status) Terminal() bool {
	switch s {
	case StatusCancelled, StatusCompleted, StatusFailed:
		return true
	default:
		return false
	}
}

// HistoryEntry is one append-only status transition record.
type HistoryEntry struct {
	Status        Status    `json:"status"`
	Timestamp     time.Time `json:"timestamp"`
	Message       string    `json:"message,omitempty"`
	FailureReason string    `json:"failure_reason,omitempty"`
}

// Notebook holds the optional notebook service state.
type Notebook struct {
	Enabled  bool   `json:"enabled"`
	URL      string `json:"url,omitempty"`
	Port     int32  `json:"port,omitempty"`
	Token    string `json:"token,omitempty"`
	ErrorMsg string `json:"error,omitempty"`
}

// Multinode holds the group-linkage fields.
type Multinode struct {
	IsMultinode          bool      `json:"is_multinode"`
	MasterReservationID  uuid.UUID `json:"master_reservation_id,omitempty"`
	NodeIndex            int       `json:"node_index"`
	TotalNodes           int       `json:"total_nodes"`
}

// Reservation is the central record (§3).
type Reservation struct {
	ReservationID  uuid.UUID
	UserID         string
	GPUType        string
	GPUCount       int32
	DurationHours  float64
	Name           string
	DiskName       string
	ImageReference string
	Collaborators  []string

	Status                Status
	CurrentDetailedStatus string
	StatusHistory         []HistoryEntry
	FailureReason         string

	PodName      string
	Namespace    string
	NodeIP       string
	NodePort     int32
	SSHCommand   string
	VolumeID     string
	InstanceType string

	Notebook  Notebook
	Multinode Multinode

	CreatedAt  time.Time
	LaunchedAt *time.Time
	ExpiresAt  *time.Time
	Warned30   bool
	Warned15   bool
	Warned5    bool

	CLIVersion string
}

// Master reports whether this record is the master of its multinode group
// (true for non-multinode reservations too, as a degenerate group of one).
func (r *Reservation) Master() bool {
	return !r.Multinode.IsMultinode || r.Multinode.MasterReservationID == r.ReservationID
}

// transitionLocal appends a history entry and updates status in one step, the Go
// equivalent of the single-statement JSON-array concatenation the store
// performs at the SQL layer (see Store.Transition).
func (r *Reservation) transitionLocal(status Status, message, failureReason string) {
	r.Status = status
	r.StatusHistory = append(r.StatusHistory, HistoryEntry{
		Status:        status,
		Timestamp:     time.Now().UTC(),
		Message:       message,
		FailureReason: failureReason,
	})
	if failureReason != "" {
		r.FailureReason = failureReason
	}
}

func marshalHistory(h []HistoryEntry) (json.RawMessage, error) {
	return json.Marshal(h)
}
