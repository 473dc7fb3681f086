package policy

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/openfroyo/converge/pkg/engine"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	eng, err := NewEngine(nil, true)
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	return eng
}

func TestNewEngine(t *testing.T) {
	eng := newTestEngine(t)

	policies := eng.ListPolicies()
	if len(policies) != 2 {
		t.Fatalf("Expected 2 built-in policies, got %d", len(policies))
	}
	for i, want := range []string{"protected-paths", "world-writable"} {
		if policies[i].Name != want {
			t.Errorf("policies[%d] = %s, want %s", i, policies[i].Name, want)
		}
		if !policies[i].Builtin {
			t.Errorf("%s not marked built-in", want)
		}
	}

	bare, err := NewEngine(nil, false)
	if err != nil {
		t.Fatalf("NewEngine() error: %v", err)
	}
	if n := len(bare.ListPolicies()); n != 0 {
		t.Errorf("engine without built-ins has %d policies", n)
	}
}

func TestCheck_BuiltinPolicies(t *testing.T) {
	eng := newTestEngine(t)

	tests := []struct {
		name        string
		req         engine.GuardRequest
		wantAllowed bool
		wantPolicy  string
	}{
		{
			name:        "regular file",
			req:         engine.GuardRequest{Kind: engine.KindFile, Operation: "edit", Path: "/etc/demo.conf", Mode: "-rw-r--r--"},
			wantAllowed: true,
		},
		{
			name:       "under /proc",
			req:        engine.GuardRequest{Kind: engine.KindFile, Operation: "edit", Path: "/proc/sys/vm/swappiness", Mode: "-rw-r--r--"},
			wantPolicy: "protected-paths",
		},
		{
			name:       "/dev itself",
			req:        engine.GuardRequest{Kind: engine.KindDirectory, Operation: "mkdir", Path: "/dev", Mode: "drwxr-xr-x"},
			wantPolicy: "protected-paths",
		},
		{
			name:        "prefix is not a parent",
			req:         engine.GuardRequest{Kind: engine.KindDirectory, Operation: "mkdir", Path: "/devel", Mode: "drwxr-xr-x"},
			wantAllowed: true,
		},
		{
			name:       "world-writable file",
			req:        engine.GuardRequest{Kind: engine.KindFile, Operation: "edit", Path: "/etc/motd", Mode: "-rw-rw-rw-"},
			wantPolicy: "world-writable",
		},
		{
			name:       "any set character counts as world-writable",
			req:        engine.GuardRequest{Kind: engine.KindFile, Operation: "edit", Path: "/etc/motd", Mode: "-rw-rw-rW-"},
			wantPolicy: "world-writable",
		},
		{
			name:       "digit in the other-write position",
			req:        engine.GuardRequest{Kind: engine.KindFile, Operation: "edit", Path: "/etc/motd", Mode: "-rw-rw-r1-"},
			wantPolicy: "world-writable",
		},
		{
			name:        "world-writable directory is allowed",
			req:         engine.GuardRequest{Kind: engine.KindDirectory, Operation: "mkdir", Path: "/srv/drop", Mode: "drwxrwxrwx"},
			wantAllowed: true,
		},
		{
			name:       "world-writable sudoers",
			req:        engine.GuardRequest{Kind: engine.KindSudoers, Operation: "visudo", Path: "/etc/sudoers.d/x", Mode: "-rw-rw-rw-"},
			wantPolicy: "world-writable",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			decision, err := eng.Check(context.Background(), tt.req)
			if err != nil {
				t.Fatalf("Check() error: %v", err)
			}
			if decision.Allowed != tt.wantAllowed {
				t.Errorf("Allowed = %v, want %v (violations %v)", decision.Allowed, tt.wantAllowed, decision.Violations)
			}
			if tt.wantPolicy != "" {
				if len(decision.Violations) == 0 || !strings.HasPrefix(decision.Violations[0], tt.wantPolicy+":") {
					t.Errorf("Violations = %v, want one from %s", decision.Violations, tt.wantPolicy)
				}
			}
		})
	}
}

func TestSetEnabled(t *testing.T) {
	eng := newTestEngine(t)
	req := engine.GuardRequest{Kind: engine.KindFile, Path: "/sys/kernel/mm/ksm/run", Mode: "-rw-r--r--"}

	if err := eng.SetEnabled("protected-paths", false); err != nil {
		t.Fatalf("SetEnabled() error: %v", err)
	}
	decision, err := eng.Check(context.Background(), req)
	if err != nil {
		t.Fatalf("Check() error: %v", err)
	}
	if !decision.Allowed {
		t.Errorf("disabled policy still denies: %v", decision.Violations)
	}

	if err := eng.SetEnabled("protected-paths", true); err != nil {
		t.Fatalf("SetEnabled() error: %v", err)
	}
	decision, _ = eng.Check(context.Background(), req)
	if decision.Allowed {
		t.Error("re-enabled policy does not deny")
	}

	if err := eng.SetEnabled("missing", true); err == nil {
		t.Error("SetEnabled() expected error for unknown policy")
	}
}

func TestLoadPolicies(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "no-home-keys.rego"), `# Forbids managing ssh host keys.
# severity: error
package site.no_home_keys

import rego.v1

deny contains msg if {
	startswith(input.resource.path, "/etc/ssh/ssh_host_")
	msg := sprintf("%s is a host key", [input.resource.path])
}
`)
	writeFile(t, filepath.Join(dir, "advice.rego"), `package site.advice

deny[msg] {
	input.resource.kind == "symlink"
	msg := "prefer copies over symlinks"
}
`)

	eng := newTestEngine(t)
	if err := eng.LoadPolicies(context.Background(), []string{dir}); err != nil {
		t.Fatalf("LoadPolicies() error: %v", err)
	}
	if n := len(eng.ListPolicies()); n != 4 {
		t.Fatalf("ListPolicies() = %d policies, want 4", n)
	}

	decision, err := eng.Check(context.Background(), engine.GuardRequest{Kind: engine.KindFile, Path: "/etc/ssh/ssh_host_rsa_key", Mode: "-rw-------"})
	if err != nil {
		t.Fatalf("Check() error: %v", err)
	}
	if decision.Allowed {
		t.Error("host key edit allowed")
	}

	// Warnings never block.
	result, err := eng.Evaluate(context.Background(), Input{Resource: ResourceInput{Kind: "symlink", Path: "/usr/local/bin/vi"}})
	if err != nil {
		t.Fatalf("Evaluate() error: %v", err)
	}
	if !result.Allowed || len(result.Warnings) != 1 || result.Warnings[0].Policy != "advice" {
		t.Errorf("Evaluate() = %+v, want allowed with one advice warning", result)
	}

	// Reloading replaces file-backed policies only.
	if err := os.Remove(filepath.Join(dir, "advice.rego")); err != nil {
		t.Fatal(err)
	}
	if err := eng.LoadPolicies(context.Background(), []string{dir}); err != nil {
		t.Fatalf("LoadPolicies() error: %v", err)
	}
	if n := len(eng.ListPolicies()); n != 3 {
		t.Errorf("ListPolicies() after reload = %d, want 3", n)
	}
}

func TestLoadPolicies_Invalid(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "broken.rego"), "package broken\n\ndeny contains if {\n")

	eng := newTestEngine(t)
	if err := eng.LoadPolicies(context.Background(), []string{dir}); err == nil {
		t.Fatal("LoadPolicies() expected compile error")
	}
	if n := len(eng.ListPolicies()); n != 2 {
		t.Errorf("failed load changed the policy set: %d policies", n)
	}

	shadow := t.TempDir()
	writeFile(t, filepath.Join(shadow, "world-writable.rego"), "package shadow\n\ndeny[msg] { false; msg := \"\" }\n")
	if err := eng.LoadPolicies(context.Background(), []string{shadow}); err == nil {
		t.Error("LoadPolicies() expected error for a policy shadowing a built-in")
	}
}

func TestWatch(t *testing.T) {
	dir := t.TempDir()
	eng := newTestEngine(t)
	if err := eng.LoadPolicies(context.Background(), []string{dir}); err != nil {
		t.Fatalf("LoadPolicies() error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := eng.Watch(ctx, []string{dir}); err != nil {
		t.Fatalf("Watch() error: %v", err)
	}

	writeFile(t, filepath.Join(dir, "deny-tmp.rego"), `# severity: error
package site.deny_tmp

deny[msg] {
	startswith(input.resource.path, "/tmp/")
	msg := "no /tmp"
}
`)

	req := engine.GuardRequest{Kind: engine.KindFile, Path: "/tmp/x", Mode: "-rw-r--r--"}
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		decision, err := eng.Check(context.Background(), req)
		if err != nil {
			t.Fatalf("Check() error: %v", err)
		}
		if !decision.Allowed {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("watched policy was not loaded")
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write %s: %v", path, err)
	}
}
