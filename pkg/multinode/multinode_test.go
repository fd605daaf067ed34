package multinode

import (
	"testing"

	"github.com/gpudevservers/resctl/internal/coreerr"
	"github.com/gpudevservers/resctl/pkg/gputype"
	"github.com/gpudevservers/resctl/pkg/reservation"
)

func TestValidate(t *testing.T) {
	h100 := gputype.GPUType{
		Name: "h100", MaxPerNode: 8, AllowMultinode: true, MaxMultinodeNodes: 4, FullNodesAvailable: 4,
	}

	tests := []struct {
		name     string
		req      CreateRequest
		t        gputype.GPUType
		wantKind coreerr.Kind
		wantErr  bool
	}{
		{
			name:    "valid 2-node group",
			req:     CreateRequest{GPUType: "h100", TotalNodes: 2},
			t:       h100,
			wantErr: false,
		},
		{
			name:     "single node rejected",
			req:      CreateRequest{GPUType: "h100", TotalNodes: 1},
			t:        h100,
			wantErr:  true,
			wantKind: coreerr.KindValidation,
		},
		{
			name:     "type not in allow list",
			req:      CreateRequest{GPUType: "t4", TotalNodes: 2},
			t:        gputype.GPUType{Name: "t4", MaxPerNode: 1, AllowMultinode: false},
			wantErr:  true,
			wantKind: coreerr.KindValidation,
		},
		{
			name:     "exceeds max_multinode_nodes",
			req:      CreateRequest{GPUType: "h100", TotalNodes: 5},
			t:        h100,
			wantErr:  true,
			wantKind: coreerr.KindValidation,
		},
		{
			name:     "insufficient full nodes",
			req:      CreateRequest{GPUType: "h100", TotalNodes: 3},
			t:        gputype.GPUType{Name: "h100", MaxPerNode: 8, AllowMultinode: true, MaxMultinodeNodes: 4, FullNodesAvailable: 2},
			wantErr:  true,
			wantKind: coreerr.KindCapacityExhausted,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.req, tt.t)
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

func TestAllActive(t *testing.T) {
	active := reservation.Reservation{Status: reservation.StatusActive}
	pending := reservation.Reservation{Status: reservation.StatusPending}

	if AllActive(nil) {
		t.Error("empty group should not be reported active")
	}
	if !AllActive([]reservation.Reservation{active, active}) {
		t.Error("all-active group should be reported active")
	}
	if AllActive([]reservation.Reservation{active, pending}) {
		t.Error("partially active group should not be reported active")
	}
}
