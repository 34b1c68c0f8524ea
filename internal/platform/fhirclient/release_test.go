package fhirclient

import "testing"

func TestParseRelease(t *testing.T) {
	tests := []struct {
		version string
		want    Release
		wantErr bool
	}{
		{"1.0.2", ReleaseDSTU2, false},
		{"3.0.1", ReleaseSTU3, false},
		{"3.0.2", ReleaseSTU3, false},
		{"4.0.0", ReleaseR4, false},
		{"4.0.1", ReleaseR4, false},
		{"4.3.0", ReleaseR4, false},
		{"5.0.0", ReleaseR5, false},
		{"5.0.0-snapshot1", ReleaseR5, false},
		{"1.4.0", ReleaseUnknown, true},
		{"6.0.0", ReleaseUnknown, true},
		{"not-a-version", ReleaseUnknown, true},
		{"", ReleaseUnknown, true},
	}
	for _, tt := range tests {
		got, err := ParseRelease(tt.version)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseRelease(%q) error = %v, wantErr %v", tt.version, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseRelease(%q) = %s, want %s", tt.version, got, tt.want)
		}
	}
}

func TestReleaseString(t *testing.T) {
	if ReleaseUnknown.String() != "unknown" || ReleaseR4.String() != "R4" {
		t.Fatalf("unexpected strings %q %q", ReleaseUnknown, ReleaseR4)
	}
}
