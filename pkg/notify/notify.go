// Package notify defines the opaque notification sink used by expiry
// warnings and disk quarantine notices (spec.md §6), with a Slack-backed
// implementation and a Redis pub/sub implementation.
package notify

import "context"

// Sink is the interface every notification channel implements. It is kept
// deliberately small: spec.md treats notification delivery as an external
// collaborator, not a core concern.
type Sink interface {
	// Name returns the sink identifier ("slack", "redis").
	Name() string

	// Warn delivers a graduated expiry warning to the reservation's owner.
	Warn(ctx context.Context, msg WarningMessage) error

	// Quarantine notifies a user that one of their disk's cloud volumes was
	// quarantined during reconciliation.
	Quarantine(ctx context.Context, msg QuarantineMessage) error
}

// WarningMessage is delivered ahead of reservation expiry.
type WarningMessage struct {
	UserID        string
	ReservationID string
	Name          string
	MinutesLeft   int
	ExpiresAt     string
}

// QuarantineMessage is delivered when a duplicate cloud volume is quarantined.
type QuarantineMessage struct {
	UserID     string
	DiskName   string
	VolumeID   string
	Reason     string
	QuarantinedAt string
}

// Registry holds the sinks available to a process, keyed by Name; this repo
// wires the Slack sink and, when a Redis client is available, the Redis
// sink. Additional sinks can be registered without touching callers.
type Registry struct {
	sinks map[string]Sink
}

// NewRegistry creates an empty sink registry.
func NewRegistry() *Registry {
	return &Registry{sinks: make(map[string]Sink)}
}

// Register adds a sink to the registry.
func (r *Registry) Register(s Sink) {
	r.sinks[s.Name()] = s
}

// All returns every registered sink; Warn/Quarantine calls fan out to all of
// them so every configured channel gets the notice.
func (r *Registry) All() []Sink {
	out := make([]Sink, 0, len(r.sinks))
	for _, s := range r.sinks {
		out = append(out, s)
	}
	return out
}

// Warn fans a warning out to every registered sink, collecting the first error.
func (r *Registry) Warn(ctx context.Context, msg WarningMessage) error {
	var firstErr error
	for _, s := range r.All() {
		if err := s.Warn(ctx, msg); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Quarantine fans a quarantine notice out to every registered sink.
func (r *Registry) Quarantine(ctx context.Context, msg QuarantineMessage) error {
	var firstErr error
	for _, s := range r.All() {
		if err := s.Quarantine(ctx, msg); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
