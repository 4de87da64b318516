package resolve

import "testing"

func TestNormalizeID(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"1f2e3d4c5b6a79881f2e3d4c5b6a7988", "1f2e3d4c5b6a79881f2e3d4c5b6a7988"},
		{"1F2E3D4C-5B6A-7988-1F2E-3D4C5B6A7988", "1f2e3d4c5b6a79881f2e3d4c5b6a7988"},
		{"  1f2e3d4c5b6a79881f2e3d4c5b6a7988 ", "1f2e3d4c5b6a79881f2e3d4c5b6a7988"},
		{"about-us", "about-us"},
		{"1f2e3d4c5b6a79881f2e3d4c5b6a798", "1f2e3d4c5b6a79881f2e3d4c5b6a798"},
		{"", ""},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := NormalizeID(tt.in); got != tt.want {
				t.Errorf("NormalizeID(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestIsValidID(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"1f2e3d4c5b6a79881f2e3d4c5b6a7988", true},
		{"1f2e3d4c-5b6a-7988-1f2e-3d4c5b6a7988", true},
		{"1f2e3d4c5b6a79881f2e3d4c5b6a798g", false},
		{"about", false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := IsValidID(tt.in); got != tt.want {
				t.Errorf("IsValidID(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestSplitIDs(t *testing.T) {
	const id = "1f2e3d4c5b6a79881f2e3d4c5b6a7988"
	other := "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"

	valid, invalid := SplitIDs([]string{
		id,
		id,
		"1F2E3D4C-5B6A-7988-1F2E-3D4C5B6A7988",
		"not-an-id",
		other,
	})

	if len(valid) != 2 || valid[0] != id || valid[1] != other {
		t.Errorf("valid = %v, want [%s %s]", valid, id, other)
	}
	if len(invalid) != 1 || invalid[0] != "not-an-id" {
		t.Errorf("invalid = %v, want [not-an-id]", invalid)
	}
}
