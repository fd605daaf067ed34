package expiry

import (
	"testing"
	"time"

	"github.com/gpudevservers/resctl/pkg/reservation"
)

func TestInWarningWindow(t *testing.T) {
	tests := []struct {
		name      string
		remaining time.Duration
		tier      int
		want      bool
	}{
		{name: "exactly at 30 minute boundary", remaining: 30 * time.Minute, tier: 30, want: true},
		{name: "just above 30 minutes", remaining: 31 * time.Minute, tier: 30, want: false},
		{name: "just above lower bound 25", remaining: 26 * time.Minute, tier: 30, want: true},
		{name: "at lower bound 25 excluded", remaining: 25 * time.Minute, tier: 30, want: false},
		{name: "15 minute tier mid-window", remaining: 12 * time.Minute, tier: 15, want: true},
		{name: "5 minute tier mid-window", remaining: 3 * time.Minute, tier: 5, want: true},
		{name: "5 minute tier negative lower bound never matches below zero remaining", remaining: -1 * time.Minute, tier: 5, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := inWarningWindow(tt.remaining, tt.tier)
			if got != tt.want {
				t.Errorf("inWarningWindow(%v, %d) = %v, want %v", tt.remaining, tt.tier, got, tt.want)
			}
		})
	}
}

func TestWarned(t *testing.T) {
	r := &reservation.Reservation{Warned30: true, Warned15: false, Warned5: false}

	if !warned(r, 30) {
		t.Error("expected warned(30) true")
	}
	if warned(r, 15) {
		t.Error("expected warned(15) false")
	}
	if warned(r, 5) {
		t.Error("expected warned(5) false")
	}
	if !warned(r, 999) {
		t.Error("unknown tier should default to already-warned to avoid spurious sends")
	}
}
