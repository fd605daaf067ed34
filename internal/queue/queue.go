// Package queue implements the durable, table-backed message queue (C3) and
// the poller/worker runtime (C4) that dequeues and dispatches messages.
//
// The queue table is a hand-rolled analogue of PGMQ: read() hides a batch of
// messages for a visibility window and increments read_ct, delete() hard-
// acknowledges, archive() moves a message to the dead-letter table.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Envelope wraps a domain-specific message body with a discriminator so one
// queue_messages table can carry both reservation and disk lifecycle
// traffic; the queue package stays ignorant of either message shape to
// avoid importing pkg/reservation or pkg/disk.
type Envelope struct {
	Domain string          `json:"domain"`
	Body   json.RawMessage `json:"body"`
}

// Message is a single queued unit of work.
type Message struct {
	MsgID      int64
	ReadCt     int32
	EnqueuedAt time.Time
	VT         time.Time
	Body       json.RawMessage
}

// Store is the persistence-layer half of the queue (C3).
type Store struct {
	pool *pgxpool.Pool
	name string
}

// NewStore creates a Store bound to the named queue.
func NewStore(pool *pgxpool.Pool, queueName string) *Store {
	return &Store{pool: pool, name: queueName}
}

// Enqueue inserts a new message, immediately visible.
func (s *Store) Enqueue(ctx context.Context, body any) (int64, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return 0, fmt.Errorf("marshaling message body: %w", err)
	}

	var msgID int64
	err = s.pool.QueryRow(ctx, `
		INSERT INTO queue_messages (queue_name, message, vt, enqueued_at, read_ct)
		VALUES ($1, $2, now(), now(), 0)
		RETURNING msg_id
	`, s.name, raw).Scan(&msgID)
	if err != nil {
		return 0, fmt.Errorf("enqueuing message: %w", err)
	}
	return msgID, nil
}

// Read pulls up to limit messages, hiding them for visibilitySeconds and
// incrementing read_ct, matching PGMQ's read() semantics.
func (s *Store) Read(ctx context.Context, visibilitySeconds, limit int) ([]Message, error) {
	rows, err := s.pool.Query(ctx, `
		WITH candidates AS (
			SELECT msg_id FROM queue_messages
			WHERE queue_name = $1 AND vt <= now() AND archived_at IS NULL
			ORDER BY msg_id
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		UPDATE queue_messages
		SET vt = now() + make_interval(secs => $3), read_ct = read_ct + 1
		FROM candidates
		WHERE queue_messages.msg_id = candidates.msg_id
		RETURNING queue_messages.msg_id, queue_messages.read_ct, queue_messages.enqueued_at, queue_messages.vt, queue_messages.message
	`, s.name, limit, visibilitySeconds)
	if err != nil {
		return nil, fmt.Errorf("reading messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.MsgID, &m.ReadCt, &m.EnqueuedAt, &m.VT, &m.Body); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Delete hard-acknowledges a message.
func (s *Store) Delete(ctx context.Context, msgID int64) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM queue_messages WHERE queue_name = $1 AND msg_id = $2`, s.name, msgID)
	if err != nil {
		return fmt.Errorf("deleting message %d: %w", msgID, err)
	}
	return nil
}

// Archive moves a message to the dead-letter state rather than deleting it.
func (s *Store) Archive(ctx context.Context, msgID int64) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE queue_messages SET archived_at = now() WHERE queue_name = $1 AND msg_id = $2
	`, s.name, msgID)
	if err != nil {
		return fmt.Errorf("archiving message %d: %w", msgID, err)
	}
	return nil
}

// Depth returns the number of currently visible (unhidden) messages.
func (s *Store) Depth(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
		SELECT count(*) FROM queue_messages WHERE queue_name = $1 AND vt <= now() AND archived_at IS NULL
	`, s.name).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting queue depth: %w", err)
	}
	return n, nil
}

// TryAdvisoryLock attempts to acquire a Postgres advisory lock keyed by key,
// used by the disk reconciler (C9) for single-run exclusion. The returned
// release function must be called (even on failure to acquire, it is a
// no-op) once the caller is done.
func TryAdvisoryLock(ctx context.Context, pool *pgxpool.Pool, key int64) (acquired bool, release func(), err error) {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return false, func() {}, fmt.Errorf("acquiring connection for advisory lock: %w", err)
	}

	var ok bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, key).Scan(&ok); err != nil {
		conn.Release()
		return false, func() {}, fmt.Errorf("acquiring advisory lock: %w", err)
	}
	if !ok {
		conn.Release()
		return false, func() {}, nil
	}

	release = func() {
		_, _ = conn.Exec(context.Background(), `SELECT pg_advisory_unlock($1)`, key)
		conn.Release()
	}
	return true, release, nil
}
