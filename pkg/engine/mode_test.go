package engine

import (
	"io/fs"
	"testing"
)

func TestParseMode(t *testing.T) {
	tests := []struct {
		mode    string
		want    fs.FileMode
		wantErr bool
	}{
		{"-rw-r--r--", 0o644, false},
		{"-rwxr--r--", 0o744, false},
		{"-r--r-----", 0o440, false},
		{"-r-xr--r--", 0o544, false},
		{"-rw-------", 0o600, false},
		{"drwxr-xr-x", 0o755, false},
		{"----------", 0, false},
		// Any character other than '-' sets the bit.
		{"?xxxxxxxxx", 0o777, false},
		{"-rw-r--r-", 0, true},
		{"-rw-r--r--x", 0, true},
		{"", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.mode, func(t *testing.T) {
			got, err := ParseMode(tt.mode)
			if tt.wantErr {
				if !IsCode(err, ErrCodeValidation) {
					t.Fatalf("ParseMode(%q) error = %v, want %s", tt.mode, err, ErrCodeValidation)
				}
				if IsFatal(err) {
					t.Errorf("ParseMode(%q) error is fatal, want resource-level", tt.mode)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseMode(%q) unexpected error: %v", tt.mode, err)
			}
			if got != tt.want {
				t.Errorf("ParseMode(%q) = %o, want %o", tt.mode, got, tt.want)
			}
		})
	}
}

func TestModeRoundTrip(t *testing.T) {
	for _, mode := range []string{"-rw-r--r--", "-rwxr--r--", "-r--r-----", "-r-xr--r--", "-rw-------", "-rwxrwxrwx", "----------"} {
		perm, err := ParseMode(mode)
		if err != nil {
			t.Fatalf("ParseMode(%q) error: %v", mode, err)
		}
		if got := RenderMode(perm, false); got != mode {
			t.Errorf("RenderMode(ParseMode(%q)) = %q", mode, got)
		}
	}

	for perm := fs.FileMode(0); perm <= 0o777; perm++ {
		back, err := ParseMode(RenderMode(perm, false))
		if err != nil || back != perm {
			t.Fatalf("round trip of %o = %o, %v", perm, back, err)
		}
	}
}

func TestValidateMode(t *testing.T) {
	if err := ValidateMode(""); err != nil {
		t.Errorf("ValidateMode(\"\") = %v, want nil", err)
	}
	if err := ValidateMode("-rw"); err == nil {
		t.Errorf("ValidateMode(\"-rw\") = nil, want error")
	}
}
