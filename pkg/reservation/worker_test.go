package reservation

import (
	"testing"

	"github.com/gpudevservers/resctl/internal/coreerr"
	"github.com/gpudevservers/resctl/pkg/gputype"
)

func TestValidateAdmission(t *testing.T) {
	h100 := gputype.GPUType{Name: "h100", MaxPerNode: 8, IsActive: true}
	cpu := gputype.GPUType{Name: "cpu-x86", MaxPerNode: 0, IsActive: true}
	cfg := WorkerConfig{MaxReservationHours: 48, MinCLIVersion: "0.2.0"}

	tests := []struct {
		name     string
		r        Reservation
		t        gputype.GPUType
		wantErr  bool
		wantKind coreerr.Kind
	}{
		{
			name:    "valid gpu request",
			r:       Reservation{GPUCount: 1, DurationHours: 1, CLIVersion: "0.2.0"},
			t:       h100,
			wantErr: false,
		},
		{
			name:     "gpu_count zero rejected for gpu type",
			r:        Reservation{GPUCount: 0, DurationHours: 1, CLIVersion: "0.2.0"},
			t:        h100,
			wantErr:  true,
			wantKind: coreerr.KindValidation,
		},
		{
			name:     "gpu_count exceeds max_per_node",
			r:        Reservation{GPUCount: 9, DurationHours: 1, CLIVersion: "0.2.0"},
			t:        h100,
			wantErr:  true,
			wantKind: coreerr.KindValidation,
		},
		{
			name:    "gpu_count zero accepted for cpu-only type",
			r:       Reservation{GPUCount: 0, DurationHours: 1, CLIVersion: "0.2.0"},
			t:       cpu,
			wantErr: false,
		},
		{
			name:     "gpu_count nonzero rejected for cpu-only type",
			r:        Reservation{GPUCount: 1, DurationHours: 1, CLIVersion: "0.2.0"},
			t:        cpu,
			wantErr:  true,
			wantKind: coreerr.KindValidation,
		},
		{
			name:     "inactive gpu type",
			r:        Reservation{GPUCount: 1, DurationHours: 1, CLIVersion: "0.2.0"},
			t:        gputype.GPUType{Name: "h100", MaxPerNode: 8, IsActive: false},
			wantErr:  true,
			wantKind: coreerr.KindValidation,
		},
		{
			name:     "duration zero rejected",
			r:        Reservation{GPUCount: 1, DurationHours: 0, CLIVersion: "0.2.0"},
			t:        h100,
			wantErr:  true,
			wantKind: coreerr.KindValidation,
		},
		{
			name:     "duration exceeds max",
			r:        Reservation{GPUCount: 1, DurationHours: 49, CLIVersion: "0.2.0"},
			t:        h100,
			wantErr:  true,
			wantKind: coreerr.KindValidation,
		},
		{
			name:     "cli version below minimum",
			r:        Reservation{GPUCount: 1, DurationHours: 1, CLIVersion: "0.1.9"},
			t:        h100,
			wantErr:  true,
			wantKind: coreerr.KindValidation,
		},
		{
			name:    "multinode request skips per-node gpu_count bound",
			r:       Reservation{GPUCount: 16, DurationHours: 1, CLIVersion: "0.2.0", Multinode: Multinode{IsMultinode: true}},
			t:       h100,
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateAdmission(&tt.r, tt.t, cfg)
			if tt.wantErr && err == nil {
				t.Fatal("expected error, got nil")
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("expected no error, got %v", err)
			}
			if tt.wantErr && !coreerr.Is(err, tt.wantKind) {
				t.Errorf("error kind mismatch, got %v, want %v", err, tt.wantKind)
			}
		})
	}
}

func TestVersionLess(t *testing.T) {
	cases := []struct {
		a, b string
		want bool
	}{
		{"0.2.0", "0.2.0", false},
		{"0.1.9", "0.2.0", true},
		{"0.2.1", "0.2.0", false},
		{"0.2", "0.2.0", false},
		{"", "0.1.0", true},
		{"1.0.0", "0.9.9", false},
	}
	for _, c := range cases {
		if got := versionLess(c.a, c.b); got != c.want {
			t.Errorf("versionLess(%q, %q) = %v, want %v", c.a, c.b, got, c.want)
		}
	}
}
