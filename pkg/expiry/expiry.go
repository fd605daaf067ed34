// Package expiry implements the periodic scheduler (C8) that transitions
// reservations past their expiry, delivers graduated warnings, and sweeps
// stale queued/pending records.
package expiry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gpudevservers/resctl/internal/telemetry"
	"github.com/gpudevservers/resctl/pkg/notify"
	"github.com/gpudevservers/resctl/pkg/reservation"
)

// staleAfter is the age threshold past which a reservation stuck in
// queued/pending is swept to failed (§4.7).
const staleAfter = 7 * 24 * time.Hour

// warningTiers are the minutes-before-expiry thresholds; each is checked
// against a (tier-5, tier] window so a single tick only fires the tier whose
// window the remaining time currently falls in.
var warningTiers = []int{30, 15, 5}

// Teardowner performs the §4.10 teardown sequence for one reservation. It is
// implemented by the reservation worker package; defined here as an
// interface to avoid an import cycle.
type Teardowner interface {
	Teardown(ctx context.Context, r *reservation.Reservation, reason string) error
}

// Engine scans non-terminal reservations on a fixed interval.
type Engine struct {
	store    *reservation.Store
	notifier *notify.Registry
	teardown Teardowner
	logger   *slog.Logger
	interval time.Duration
}

// NewEngine builds an Engine.
func NewEngine(store *reservation.Store, notifier *notify.Registry, teardown Teardowner, logger *slog.Logger, interval time.Duration) *Engine {
	return &Engine{store: store, notifier: notifier, teardown: teardown, logger: logger, interval: interval}
}

// Run ticks once immediately, then every e.interval, until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	e.logger.Info("expiry engine started", "interval", e.interval)

	if err := e.Tick(ctx); err != nil {
		e.logger.Error("expiry tick", "error", err)
	}

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("expiry engine stopped")
			return
		case <-ticker.C:
			if err := e.Tick(ctx); err != nil {
				e.logger.Error("expiry tick", "error", err)
			}
		}
	}
}

// Tick processes every non-terminal reservation once.
func (e *Engine) Tick(ctx context.Context) error {
	reservations, err := e.store.ListNonTerminal(ctx)
	if err != nil {
		return fmt.Errorf("listing non-terminal reservations: %w", err)
	}

	now := time.Now()
	for i := range reservations {
		r := reservations[i]
		if err := e.processOne(ctx, &r, now); err != nil {
			e.logger.Error("processing reservation expiry", "reservation_id", r.ReservationID, "error", err)
		}
	}
	return nil
}

func (e *Engine) processOne(ctx context.Context, r *reservation.Reservation, now time.Time) error {
	if r.ExpiresAt == nil {
		return e.checkStale(ctx, r, now)
	}

	remaining := r.ExpiresAt.Sub(now)
	if remaining <= 0 {
		return e.expire(ctx, r)
	}
	return e.maybeWarn(ctx, r, remaining)
}

func (e *Engine) checkStale(ctx context.Context, r *reservation.Reservation, now time.Time) error {
	if r.Status != reservation.StatusQueued && r.Status != reservation.StatusPending {
		return nil
	}
	if now.Sub(r.CreatedAt) < staleAfter {
		return nil
	}
	if err := e.store.Transition(ctx, r.ReservationID, reservation.StatusFailed, "stale-pending sweep", "stale"); err != nil {
		return fmt.Errorf("sweeping stale reservation %s: %w", r.ReservationID, err)
	}
	telemetry.ReservationTransitionsTotal.WithLabelValues(string(reservation.StatusFailed)).Inc()
	return nil
}

func (e *Engine) expire(ctx context.Context, r *reservation.Reservation) error {
	if err := e.teardown.Teardown(ctx, r, "expired"); err != nil {
		e.logger.Error("teardown on expiry", "reservation_id", r.ReservationID, "error", err)
	}
	if err := e.store.Transition(ctx, r.ReservationID, reservation.StatusCompleted, "expired", ""); err != nil {
		return fmt.Errorf("completing expired reservation %s: %w", r.ReservationID, err)
	}
	telemetry.ReservationTransitionsTotal.WithLabelValues(string(reservation.StatusCompleted)).Inc()
	return nil
}

func (e *Engine) maybeWarn(ctx context.Context, r *reservation.Reservation, remaining time.Duration) error {
	minutesLeft := int(remaining / time.Minute)

	for _, tier := range warningTiers {
		if !inWarningWindow(remaining, tier) {
			continue
		}
		if warned(r, tier) {
			return nil
		}

		msg := notify.WarningMessage{
			UserID:        r.UserID,
			ReservationID: r.ReservationID.String(),
			Name:          r.Name,
			MinutesLeft:   minutesLeft,
			ExpiresAt:     r.ExpiresAt.Format(time.RFC3339),
		}
		if err := e.notifier.Warn(ctx, msg); err != nil {
			e.logger.Error("delivering expiry warning", "reservation_id", r.ReservationID, "tier", tier, "error", err)
		}
		if err := e.store.SetWarned(ctx, r.ReservationID, tier); err != nil {
			return fmt.Errorf("marking warning tier %d on %s: %w", tier, r.ReservationID, err)
		}
		telemetry.ExpiryWarningsTotal.WithLabelValues(fmt.Sprintf("%d", tier)).Inc()
		return nil
	}
	return nil
}

// inWarningWindow reports whether remaining falls in (tier-5, tier] minutes,
// matching §4.7's "(25, 30] min" style window so each tier fires exactly once
// as the tick interval sweeps past it.
func inWarningWindow(remaining time.Duration, tierMinutes int) bool {
	upper := time.Duration(tierMinutes) * time.Minute
	lower := time.Duration(tierMinutes-5) * time.Minute
	return remaining > lower && remaining <= upper
}

func warned(r *reservation.Reservation, tier int) bool {
	switch tier {
	case 30:
		return r.Warned30
	case 15:
		return r.Warned15
	case 5:
		return r.Warned5
	default:
		return true
	}
}
