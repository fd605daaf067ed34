package reservation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/gpudevservers/resctl/internal/coreerr"
	"github.com/gpudevservers/resctl/internal/db"
	"github.com/gpudevservers/resctl/internal/httpserver"
)

// Store provides transactional CRUD over the reservations table.
type Store struct {
	db db.DBTX
}

// NewStore builds a Store over any DBTX (pool or transaction), so callers
// that need multi-statement atomicity can pass a pgx.Tx.
func NewStore(conn db.DBTX) *Store {
	return &Store{db: conn}
}

// Create inserts a new reservation in the queued state.
func (s *Store) Create(ctx context.Context, r *Reservation) error {
	r.Status = StatusQueued
	r.CreatedAt = time.Now().UTC()
	r.StatusHistory = []HistoryEntry{{Status: StatusQueued, Timestamp: r.CreatedAt}}

	history, err := marshalHistory(r.StatusHistory)
	if err != nil {
		return fmt.Errorf("marshaling status history: %w", err)
	}
	collaborators, err := json.Marshal(r.Collaborators)
	if err != nil {
		return fmt.Errorf("marshaling collaborators: %w", err)
	}

	_, err = s.db.Exec(ctx, `
		INSERT INTO reservations (
			reservation_id, user_id, gpu_type, gpu_count, duration_hours, name, disk_name,
			image_reference, secondary_users, status, status_history, created_at,
			is_multinode, master_reservation_id, node_index, total_nodes, cli_version,
			notebook_enabled
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)
	`, r.ReservationID, r.UserID, r.GPUType, r.GPUCount, r.DurationHours, r.Name, r.DiskName,
		r.ImageReference, collaborators, r.Status, history, r.CreatedAt,
		r.Multinode.IsMultinode, nullUUID(r.Multinode.MasterReservationID), r.Multinode.NodeIndex,
		r.Multinode.TotalNodes, r.CLIVersion, r.Notebook.Enabled)
	if err != nil {
		return fmt.Errorf("inserting reservation %s: %w", r.ReservationID, err)
	}
	return nil
}

func nullUUID(id uuid.UUID) *uuid.UUID {
	if id == uuid.Nil {
		return nil
	}
	return &id
}

// Get fetches a reservation by ID.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*Reservation, error) {
	row := s.db.QueryRow(ctx, reservationSelect+` WHERE reservation_id = $1`, id)
	r, err := scanReservation(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, coreerr.New(coreerr.KindNotFound, "reservation "+id.String(), nil)
		}
		return nil, fmt.Errorf("fetching reservation %s: %w", id, err)
	}
	return r, nil
}

// ListNonTerminal returns all reservations not in a sink status, used by the
// expiry scan.
func (s *Store) ListNonTerminal(ctx context.Context) ([]Reservation, error) {
	rows, err := s.db.Query(ctx, reservationSelect+`
		WHERE status NOT IN ('cancelled', 'completed', 'failed')
	`)
	if err != nil {
		return nil, fmt.Errorf("listing non-terminal reservations: %w", err)
	}
	defer rows.Close()

	var out []Reservation
	for rows.Next() {
		r, err := scanReservationRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// ListByMaster returns every reservation (master + children) sharing a
// master_reservation_id.
func (s *Store) ListByMaster(ctx context.Context, masterID uuid.UUID) ([]Reservation, error) {
	rows, err := s.db.Query(ctx, reservationSelect+` WHERE master_reservation_id = $1 ORDER BY node_index`, masterID)
	if err != nil {
		return nil, fmt.Errorf("listing multinode group %s: %w", masterID, err)
	}
	defer rows.Close()

	var out []Reservation
	for rows.Next() {
		r, err := scanReservationRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// ListByUser returns one user's reservations newest-first, keyset-paginated
// on (created_at, reservation_id) so the internal listing surface can page
// through a user's full history without an offset scan. after is nil for the
// first page. limit+1 rows are fetched so the caller can detect HasMore.
func (s *Store) ListByUser(ctx context.Context, userID string, after *httpserver.Cursor, limit int) ([]Reservation, error) {
	var rows pgx.Rows
	var err error
	if after != nil {
		rows, err = s.db.Query(ctx, reservationSelect+`
			WHERE user_id = $1 AND (created_at, reservation_id) < ($2, $3)
			ORDER BY created_at DESC, reservation_id DESC
			LIMIT $4
		`, userID, after.CreatedAt, after.ID, limit)
	} else {
		rows, err = s.db.Query(ctx, reservationSelect+`
			WHERE user_id = $1
			ORDER BY created_at DESC, reservation_id DESC
			LIMIT $2
		`, userID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("listing reservations for user %s: %w", userID, err)
	}
	defer rows.Close()

	var out []Reservation
	for rows.Next() {
		r, err := scanReservationRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// Transition appends a history entry and updates status in a single
// statement, matching the store contract in §4.1: JSON-array concatenation
// keeps history consistent with current status without a read-modify-write
// race.
func (s *Store) Transition(ctx context.Context, id uuid.UUID, status Status, message, failureReason string) error {
	entry, err := json.Marshal(HistoryEntry{
		Status: status, Timestamp: time.Now().UTC(), Message: message, FailureReason: failureReason,
	})
	if err != nil {
		return fmt.Errorf("marshaling history entry: %w", err)
	}

	tag, err := s.db.Exec(ctx, `
		UPDATE reservations
		SET status = $2,
		    status_history = status_history || $3::jsonb,
		    failure_reason = CASE WHEN $4 <> '' THEN $4 ELSE failure_reason END
		WHERE reservation_id = $1
	`, id, status, entry, failureReason)
	if err != nil {
		return fmt.Errorf("transitioning reservation %s to %s: %w", id, status, err)
	}
	if tag.RowsAffected() == 0 {
		return coreerr.New(coreerr.KindNotFound, "reservation "+id.String(), nil)
	}
	return nil
}

// MarkActive records placement/connection info and sets expires_at in one
// update, the admission side of preparing→active.
func (s *Store) MarkActive(ctx context.Context, id uuid.UUID, placement Placement, expiresAt time.Time) error {
	entry, err := json.Marshal(HistoryEntry{Status: StatusActive, Timestamp: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("marshaling history entry: %w", err)
	}

	tag, err := s.db.Exec(ctx, `
		UPDATE reservations
		SET status = 'active',
		    status_history = status_history || $2::jsonb,
		    pod_name = $3, namespace = $4, node_ip = $5, node_port = $6,
		    ssh_command = $7, ebs_volume_id = $8, instance_type = $9,
		    notebook_url = $10, notebook_port = $11, notebook_token = $12,
		    launched_at = now(), expires_at = $13
		WHERE reservation_id = $1
	`, id, entry, placement.PodName, placement.Namespace, placement.NodeIP, placement.NodePort,
		placement.SSHCommand, placement.VolumeID, placement.InstanceType,
		placement.NotebookURL, placement.NotebookPort, placement.NotebookToken, expiresAt)
	if err != nil {
		return fmt.Errorf("marking reservation %s active: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return coreerr.New(coreerr.KindNotFound, "reservation "+id.String(), nil)
	}
	return nil
}

// Extend updates expires_at and clears warning flags that no longer apply,
// rejecting extension past created_at + maxReservationHours.
func (s *Store) Extend(ctx context.Context, id uuid.UUID, hours float64, maxReservationHours float64) error {
	r, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if r.ExpiresAt == nil {
		return coreerr.New(coreerr.KindValidation, "reservation has no active expiry to extend", nil)
	}

	newExpiry := r.ExpiresAt.Add(time.Duration(hours * float64(time.Hour)))
	maxExpiry := r.CreatedAt.Add(time.Duration(maxReservationHours * float64(time.Hour)))
	if newExpiry.After(maxExpiry) {
		return coreerr.New(coreerr.KindValidation, "extension exceeds max_reservation_hours", nil)
	}

	warned30, warned15, warned5 := r.Warned30, r.Warned15, r.Warned5
	remaining := time.Until(newExpiry)
	if remaining > 30*time.Minute {
		warned30, warned15, warned5 = false, false, false
	} else if remaining > 15*time.Minute {
		warned15, warned5 = false, false
	} else if remaining > 5*time.Minute {
		warned5 = false
	}

	_, err = s.db.Exec(ctx, `
		UPDATE reservations SET expires_at = $2, warned_30 = $3, warned_15 = $4, warned_5 = $5
		WHERE reservation_id = $1
	`, id, newExpiry, warned30, warned15, warned5)
	if err != nil {
		return fmt.Errorf("extending reservation %s: %w", id, err)
	}
	return nil
}

// SetWarned flips exactly one warning-tier flag.
func (s *Store) SetWarned(ctx context.Context, id uuid.UUID, tier int) error {
	col := map[int]string{30: "warned_30", 15: "warned_15", 5: "warned_5"}[tier]
	if col == "" {
		return fmt.Errorf("invalid warning tier %d", tier)
	}
	_, err := s.db.Exec(ctx, fmt.Sprintf(`UPDATE reservations SET %s = true WHERE reservation_id = $1`, col), id)
	if err != nil {
		return fmt.Errorf("setting warning tier %d on %s: %w", tier, id, err)
	}
	return nil
}

// SetNotebook toggles the notebook flag and optionally its connection info.
func (s *Store) SetNotebook(ctx context.Context, id uuid.UUID, enabled bool, url string, port int32, token string) error {
	_, err := s.db.Exec(ctx, `
		UPDATE reservations SET notebook_enabled = $2, notebook_url = $3, notebook_port = $4, notebook_token = $5
		WHERE reservation_id = $1
	`, id, enabled, url, port, token)
	if err != nil {
		return fmt.Errorf("setting notebook state on %s: %w", id, err)
	}
	return nil
}

// AddCollaborator appends a handle to the collaborator set.
func (s *Store) AddCollaborator(ctx context.Context, id uuid.UUID, handle string) error {
	_, err := s.db.Exec(ctx, `
		UPDATE reservations SET secondary_users = secondary_users || to_jsonb($2::text)
		WHERE reservation_id = $1 AND NOT (secondary_users @> to_jsonb($2::text))
	`, id, handle)
	if err != nil {
		return fmt.Errorf("adding collaborator to %s: %w", id, err)
	}
	return nil
}

// Placement holds the workload connection info recorded on activation.
type Placement struct {
	PodName       string
	Namespace     string
	NodeIP        string
	NodePort      int32
	SSHCommand    string
	VolumeID      string
	InstanceType  string
	NotebookURL   string
	NotebookPort  int32
	NotebookToken string
}

const reservationSelect = `
	SELECT reservation_id, user_id, gpu_type, gpu_count, duration_hours, name, disk_name,
	       image_reference, secondary_users, status, current_detailed_status, status_history,
	       failure_reason, pod_name, namespace, node_ip, node_port, ssh_command, ebs_volume_id,
	       instance_type, notebook_enabled, notebook_url, notebook_port, notebook_token,
	       is_multinode, master_reservation_id, node_index, total_nodes,
	       created_at, launched_at, expires_at, warned_30, warned_15, warned_5, cli_version
	FROM reservations
`

// rowScanner is satisfied by both pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanReservation(row rowScanner) (*Reservation, error) {
	return scanReservationRows(row)
}

func scanReservationRows(row rowScanner) (*Reservation, error) {
	var r Reservation
	var collaborators, history []byte
	var masterID *uuid.UUID
	var currentDetailed, sshCmd, podName, ns, nodeIP, volumeID, instanceType, notebookURL, notebookToken *string
	var nodePort, notebookPort *int32
	var launchedAt, expiresAt *time.Time

	err := row.Scan(
		&r.ReservationID, &r.UserID, &r.GPUType, &r.GPUCount, &r.DurationHours, &r.Name, &r.DiskName,
		&r.ImageReference, &collaborators, &r.Status, &currentDetailed, &history,
		&r.FailureReason, &podName, &ns, &nodeIP, &nodePort, &sshCmd, &volumeID,
		&instanceType, &r.Notebook.Enabled, &notebookURL, &notebookPort, &notebookToken,
		&r.Multinode.IsMultinode, &masterID, &r.Multinode.NodeIndex, &r.Multinode.TotalNodes,
		&r.CreatedAt, &launchedAt, &expiresAt, &r.Warned30, &r.Warned15, &r.Warned5, &r.CLIVersion,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(collaborators, &r.Collaborators); err != nil {
		return nil, fmt.Errorf("unmarshaling collaborators: %w", err)
	}
	if err := json.Unmarshal(history, &r.StatusHistory); err != nil {
		return nil, fmt.Errorf("unmarshaling status history: %w", err)
	}
	if currentDetailed != nil {
		r.CurrentDetailedStatus = *currentDetailed
	}
	if podName != nil {
		r.PodName = *podName
	}
	if ns != nil {
		r.Namespace = *ns
	}
	if nodeIP != nil {
		r.NodeIP = *nodeIP
	}
	if nodePort != nil {
		r.NodePort = *nodePort
	}
	if sshCmd != nil {
		r.SSHCommand = *sshCmd
	}
	if volumeID != nil {
		r.VolumeID = *volumeID
	}
	if instanceType != nil {
		r.InstanceType = *instanceType
	}
	if notebookURL != nil {
		r.Notebook.URL = *notebookURL
	}
	if notebookPort != nil {
		r.Notebook.Port = *notebookPort
	}
	if notebookToken != nil {
		r.Notebook.Token = *notebookToken
	}
	if masterID != nil {
		r.Multinode.MasterReservationID = *masterID
	}
	r.LaunchedAt = launchedAt
	r.ExpiresAt = expiresAt

	return &r, nil
}
