// Package domainmapping tracks the subdomain -> node_ip:node_port mapping
// recorded against a reservation (spec.md §3), so teardown can clear it in
// the same fixed order as the rest of the reservation's resources (§4.10
// step 7). Grounded on shared/dns_utils.py's store_domain_mapping /
// delete_domain_mapping pair.
package domainmapping

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/gpudevservers/resctl/internal/coreerr"
	"github.com/gpudevservers/resctl/internal/db"
)

// Mapping is one row of the domain_mappings table.
type Mapping struct {
	DomainName    string
	NodeIP        string
	NodePort      int32
	ReservationID uuid.UUID
	ExpiresAt     time.Time
}

// Store provides CRUD over the domain_mappings table.
type Store struct {
	db db.DBTX
}

// NewStore builds a Store over any DBTX (pool or transaction).
func NewStore(conn db.DBTX) *Store {
	return &Store{db: conn}
}

// Upsert records (or refreshes) the mapping for a subdomain, matching the
// original's ON CONFLICT (domain_name) DO UPDATE.
func (s *Store) Upsert(ctx context.Context, m Mapping) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO domain_mappings (domain_name, node_ip, node_port, reservation_id, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (domain_name) DO UPDATE SET
			node_ip = EXCLUDED.node_ip,
			node_port = EXCLUDED.node_port,
			reservation_id = EXCLUDED.reservation_id,
			expires_at = EXCLUDED.expires_at
	`, m.DomainName, m.NodeIP, m.NodePort, m.ReservationID, m.ExpiresAt)
	if err != nil {
		return fmt.Errorf("upserting domain mapping %s: %w", m.DomainName, err)
	}
	return nil
}

// DeleteByReservation removes every mapping tied to a reservation, the
// teardown-time cleanup from §4.10 step 7. Most reservations have at most
// one mapping, but nothing in the schema prevents more.
func (s *Store) DeleteByReservation(ctx context.Context, reservationID uuid.UUID) error {
	_, err := s.db.Exec(ctx, `DELETE FROM domain_mappings WHERE reservation_id = $1`, reservationID)
	if err != nil {
		return fmt.Errorf("deleting domain mappings for reservation %s: %w", reservationID, err)
	}
	return nil
}

// GetByReservation fetches the mapping for a reservation, if any.
func (s *Store) GetByReservation(ctx context.Context, reservationID uuid.UUID) (*Mapping, error) {
	row := s.db.QueryRow(ctx, `
		SELECT domain_name, node_ip, node_port, reservation_id, expires_at
		FROM domain_mappings WHERE reservation_id = $1
	`, reservationID)

	var m Mapping
	if err := row.Scan(&m.DomainName, &m.NodeIP, &m.NodePort, &m.ReservationID, &m.ExpiresAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, coreerr.New(coreerr.KindNotFound, "domain mapping for reservation "+reservationID.String(), nil)
		}
		return nil, fmt.Errorf("fetching domain mapping for reservation %s: %w", reservationID, err)
	}
	return &m, nil
}
