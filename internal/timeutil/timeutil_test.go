package timeutil

import (
	"testing"
	"time"
)

func ptr(s string) *string {
	return &s
}

func TestPtr(t *testing.T) {
	tests := []struct {
		name string
		in   time.Time
		want *string
	}{
		{
			name: "zero time returns nil",
			in:   time.Time{},
			want: nil,
		},
		{
			name: "non-zero returns RFC3339Nano UTC",
			in:   time.Date(2024, 6, 15, 12, 30, 45, 123000000, time.UTC),
			want: ptr("2024-06-15T12:30:45.123Z"),
		},
		{
			name: "converts to UTC",
			in:   time.Date(2024, 6, 15, 7, 30, 0, 0, time.FixedZone("EST", -5*60*60)),
			want: ptr("2024-06-15T12:30:00Z"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Ptr(tt.in)
			if tt.want == nil {
				if got != nil {
					t.Errorf("Ptr() = %v, want nil", *got)
				}
				return
			}
			if got == nil {
				t.Fatalf("Ptr() returned nil, want %q", *tt.want)
			}
			if *got != *tt.want {
				t.Errorf("Ptr() = %q, want %q", *got, *tt.want)
			}
		})
	}
}

func TestFormat(t *testing.T) {
	tests := []struct {
		name string
		in   time.Time
		want string
	}{
		{"zero time returns empty", time.Time{}, ""},
		{"non-zero returns RFC3339Nano UTC", time.Date(2024, 6, 15, 12, 30, 45, 0, time.UTC), "2024-06-15T12:30:45Z"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Format(tt.in); got != tt.want {
				t.Errorf("Format() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestStore(t *testing.T) {
	tests := []struct {
		name string
		in   time.Time
		want string
	}{
		{"fixed millis", time.Date(2024, 6, 15, 12, 30, 45, 0, time.UTC), "2024-06-15T12:30:45.000Z"},
		{"converts to UTC", time.Date(2024, 6, 15, 7, 30, 0, 5e6, time.FixedZone("EST", -5*60*60)), "2024-06-15T12:30:00.005Z"},
		{"zero time kept", time.Time{}, "0001-01-01T00:00:00.000Z"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Store(tt.in); got != tt.want {
				t.Errorf("Store() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestParse(t *testing.T) {
	want := time.Date(2024, 6, 15, 12, 30, 45, 0, time.UTC)
	tests := []struct {
		name       string
		in         string
		want       time.Time
		wantLegacy bool
		wantOK     bool
	}{
		{"rfc3339", "2024-06-15T12:30:45Z", want, false, true},
		{"offset", "2024-06-15T14:30:45+02:00", want, false, true},
		{"stored", "2024-06-15T12:30:45.000Z", want, false, true},
		{"mysql", "2024-06-15 12:30:45", want, false, true},
		{"zero date", "0000-00-00 00:00:00", time.Time{}, true, true},
		{"zero month", "2019-00-10 00:00:00", time.Time{}, true, true},
		{"empty", "", time.Time{}, false, false},
		{"garbage", "yesterday", time.Time{}, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, legacy, ok := Parse(tt.in)
			if ok != tt.wantOK {
				t.Fatalf("Parse(%q) ok = %v, want %v", tt.in, ok, tt.wantOK)
			}
			if legacy != tt.wantLegacy {
				t.Errorf("Parse(%q) legacy = %v, want %v", tt.in, legacy, tt.wantLegacy)
			}
			if !got.Equal(tt.want) {
				t.Errorf("Parse(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}
