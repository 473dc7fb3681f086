package engine

import (
	"testing"
)

func TestPathResolverResolve(t *testing.T) {
	principals := &fakePrincipals{
		homes: map[string]string{
			"alice": "/home/alice",
			"root":  "/root",
		},
	}

	tests := []struct {
		name       string
		root       string
		dest       string
		owner      string
		wantAbs    string
		wantReal   string
		wantSource string
		wantCode   string
	}{
		{
			name:       "absolute",
			root:       "/",
			dest:       "/etc/demo.conf",
			wantAbs:    "/etc/demo.conf",
			wantReal:   "/etc/demo.conf",
			wantSource: "root/etc/demo.conf",
		},
		{
			name:       "absolute under image root",
			root:       "/mnt/image",
			dest:       "/etc//demo.conf",
			wantAbs:    "/etc/demo.conf",
			wantReal:   "/mnt/image/etc/demo.conf",
			wantSource: "root/etc/demo.conf",
		},
		{
			name:       "tilde uses owner",
			root:       "/",
			dest:       "~/.bashrc",
			owner:      "alice",
			wantAbs:    "/home/alice/.bashrc",
			wantReal:   "/home/alice/.bashrc",
			wantSource: "user/.bashrc",
		},
		{
			name:       "tilde with explicit user",
			root:       "/srv",
			dest:       "~root/.ssh/config",
			owner:      "alice",
			wantAbs:    "/root/.ssh/config",
			wantReal:   "/srv/root/.ssh/config",
			wantSource: "user/.ssh/config",
		},
		{
			name:     "unknown tilde user",
			root:     "/",
			dest:     "~bob/.profile",
			wantCode: ErrCodeUnknownPrincipal,
		},
		{
			name:     "tilde without owner",
			root:     "/",
			dest:     "~/.profile",
			wantCode: ErrCodeInvalidArgument,
		},
		{
			name:     "relative",
			root:     "/",
			dest:     "etc/demo.conf",
			wantCode: ErrCodeInvalidArgument,
		},
		{
			name:     "empty",
			root:     "/",
			dest:     "",
			wantCode: ErrCodeInvalidArgument,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewPathResolver(tt.root, principals)
			loc, source, err := r.Resolve(tt.dest, tt.owner)
			if tt.wantCode != "" {
				if !IsCode(err, tt.wantCode) || !IsFatal(err) {
					t.Fatalf("Resolve() error = %v, want fatal %s", err, tt.wantCode)
				}
				return
			}
			if err != nil {
				t.Fatalf("Resolve() unexpected error: %v", err)
			}
			if loc.Logical != tt.dest {
				t.Errorf("Logical = %q, want %q", loc.Logical, tt.dest)
			}
			if loc.Absolute != tt.wantAbs {
				t.Errorf("Absolute = %q, want %q", loc.Absolute, tt.wantAbs)
			}
			if loc.Real != tt.wantReal {
				t.Errorf("Real = %q, want %q", loc.Real, tt.wantReal)
			}
			if source != tt.wantSource {
				t.Errorf("source = %q, want %q", source, tt.wantSource)
			}
		})
	}
}

func TestResolveOwnership(t *testing.T) {
	principals := &fakePrincipals{
		users:  map[string]int{"root": 0, "www": 33},
		groups: map[string]int{"root": 0, "www": 33},
	}

	own, err := resolveOwnership(principals, "www", "")
	if err != nil {
		t.Fatalf("resolveOwnership() error: %v", err)
	}
	if own.UID != 33 || own.GID != -1 {
		t.Errorf("resolveOwnership() = %+v, want uid 33 and gid untouched", own)
	}

	own, err = resolveOwnership(principals, "", "")
	if err != nil || !own.Keep() {
		t.Errorf("resolveOwnership(\"\", \"\") = %+v, %v; want Keep", own, err)
	}

	if _, err := resolveOwnership(principals, "root", "nogroup"); !IsCode(err, ErrCodeUnknownPrincipal) {
		t.Errorf("resolveOwnership(nogroup) error = %v, want %s", err, ErrCodeUnknownPrincipal)
	}
}
