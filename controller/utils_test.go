package controller

import (
	"testing"

	csi "github.com/container-storage-interface/spec/lib/go/csi"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestPaginate(t *testing.T) {
	entries := []string{"a", "b", "c", "d", "e"}

	t.Run("no limit returns everything", func(t *testing.T) {
		page, next, err := paginate(entries, "", 0)
		if err != nil {
			t.Fatalf("paginate() error: %v", err)
		}
		if len(page) != 5 || next != "" {
			t.Errorf("got %d entries, next %q, want 5 entries and no token", len(page), next)
		}
	})

	t.Run("first page", func(t *testing.T) {
		page, next, err := paginate(entries, "", 2)
		if err != nil {
			t.Fatalf("paginate() error: %v", err)
		}
		if len(page) != 2 || page[0] != "a" {
			t.Errorf("got %v, want [a b]", page)
		}
		if next != "2" {
			t.Errorf("next = %q, want 2", next)
		}
	})

	t.Run("resume from token", func(t *testing.T) {
		page, next, err := paginate(entries, "2", 2)
		if err != nil {
			t.Fatalf("paginate() error: %v", err)
		}
		if len(page) != 2 || page[0] != "c" {
			t.Errorf("got %v, want [c d]", page)
		}
		if next != "4" {
			t.Errorf("next = %q, want 4", next)
		}
	})

	t.Run("last partial page", func(t *testing.T) {
		page, next, err := paginate(entries, "4", 2)
		if err != nil {
			t.Fatalf("paginate() error: %v", err)
		}
		if len(page) != 1 || page[0] != "e" {
			t.Errorf("got %v, want [e]", page)
		}
		if next != "" {
			t.Errorf("next = %q, want no token", next)
		}
	})

	t.Run("token past the end", func(t *testing.T) {
		page, next, err := paginate(entries, "99", 2)
		if err != nil {
			t.Fatalf("paginate() error: %v", err)
		}
		if len(page) != 0 || next != "" {
			t.Errorf("got %d entries, next %q, want empty page", len(page), next)
		}
	})

	t.Run("garbage token", func(t *testing.T) {
		_, _, err := paginate(entries, "not-a-number", 2)
		if err == nil {
			t.Fatal("paginate() should reject a non-numeric token")
		}
		if status.Code(err) != codes.Aborted {
			t.Errorf("code = %v, want Aborted", status.Code(err))
		}
	})
}

func TestParseDropletID(t *testing.T) {
	tests := []struct {
		nodeID  string
		want    int
		wantErr bool
	}{
		{"1001", 1001, false},
		{"1", 1, false},
		{"0", 0, true},
		{"-5", 0, true},
		{"", 0, true},
		{"droplet-1001", 0, true},
	}

	for _, tt := range tests {
		got, err := parseDropletID(tt.nodeID)
		if tt.wantErr {
			if err == nil {
				t.Errorf("parseDropletID(%q) should fail", tt.nodeID)
			}
			continue
		}
		if err != nil {
			t.Errorf("parseDropletID(%q) error: %v", tt.nodeID, err)
			continue
		}
		if got != tt.want {
			t.Errorf("parseDropletID(%q) = %d, want %d", tt.nodeID, got, tt.want)
		}
	}
}

func TestSizeFromCapacityRange(t *testing.T) {
	tests := []struct {
		name    string
		cr      *csi.CapacityRange
		want    int64
		wantErr bool
	}{
		{"nil range uses default", nil, 16, false},
		{"zero range uses default", &csi.CapacityRange{}, 16, false},
		{"exact GiB", &csi.CapacityRange{RequiredBytes: 10 * giB}, 10, false},
		{"single byte rounds to 1 GiB", &csi.CapacityRange{RequiredBytes: 1}, 1, false},
		{"partial GiB rounds up", &csi.CapacityRange{RequiredBytes: 10*giB + 1}, 11, false},
		{"limit only", &csi.CapacityRange{LimitBytes: 20 * giB}, 20, false},
		{"required within limit", &csi.CapacityRange{RequiredBytes: 4 * giB, LimitBytes: 8 * giB}, 4, false},
		{"rounding breaks limit", &csi.CapacityRange{RequiredBytes: giB + 1, LimitBytes: giB}, 0, true},
		{"limit below 1 GiB", &csi.CapacityRange{LimitBytes: giB / 2}, 0, true},
		{"negative required", &csi.CapacityRange{RequiredBytes: -1}, 0, true},
		{"above maximum", &csi.CapacityRange{RequiredBytes: (maxSizeGiB + 1) * giB}, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := sizeFromCapacityRange(tt.cr)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("sizeFromCapacityRange() = %d, want error", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("sizeFromCapacityRange() error: %v", err)
			}
			if got != tt.want {
				t.Errorf("sizeFromCapacityRange() = %d GiB, want %d", got, tt.want)
			}
		})
	}
}

func TestBytesToGiBCeil(t *testing.T) {
	tests := []struct {
		in   int64
		want int64
	}{
		{0, 0},
		{1, 1},
		{giB, 1},
		{giB + 1, 2},
		{5 * giB, 5},
	}

	for _, tt := range tests {
		if got := bytesToGiBCeil(tt.in); got != tt.want {
			t.Errorf("bytesToGiBCeil(%d) = %d, want %d", tt.in, got, tt.want)
		}
	}
}
