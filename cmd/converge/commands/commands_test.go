package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/openfroyo/converge/pkg/stores"
)

// sandbox is a work directory and a filesystem root for one test.
type sandbox struct {
	workDir string
	root    string
}

func newSandbox(t *testing.T) *sandbox {
	t.Helper()
	base := t.TempDir()
	sb := &sandbox{
		workDir: filepath.Join(base, "work"),
		root:    filepath.Join(base, "root"),
	}
	for _, dir := range []string{
		filepath.Join(sb.workDir, "files", "root", "etc"),
		filepath.Join(sb.root, "etc"),
		filepath.Join(sb.root, "srv"),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatal(err)
		}
	}

	t.Setenv("XDG_CONFIG_HOME", filepath.Join(base, "config"))
	t.Setenv("LOG_LEVEL", "error")
	t.Setenv("CONVERGE_JOURNAL_ENABLED", "true")
	t.Setenv("CONVERGE_JOURNAL_PATH", filepath.Join(base, "journal.db"))
	return sb
}

func (sb *sandbox) write(t *testing.T, rel, content string) {
	t.Helper()
	path := filepath.Join(sb.workDir, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func (sb *sandbox) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand(buildInfo{version: "test", commit: "abc", buildDate: "today"})
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append(args, "--workdir", sb.workDir, "--root", sb.root))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

const testManifest = `
mkdir("/srv/app", "", "", "drwxr-xr-x")
edit("", "/etc/motd", "", "", "-rw-r--r--")
edit("", "/etc/app.conf", "", "", "-rw-r--r--", vars={"port": 8080})
symlink("/etc/motd", "/etc/motd.link")
`

func TestApply(t *testing.T) {
	sb := newSandbox(t)
	sb.write(t, "main.star", testManifest)
	sb.write(t, "files/root/etc/motd", "welcome\n")
	sb.write(t, "files/root/etc/app.conf", "port = {{ .port }}\n")

	out, err := sb.run(t, "apply", "main.star", "--json")
	if err != nil {
		t.Fatalf("apply failed: %v\n%s", err, out)
	}

	var summary struct {
		Calls     int `json:"calls"`
		Changed   int `json:"changed"`
		Unchanged int `json:"unchanged"`
		Aborted   int `json:"aborted"`
	}
	if err := json.Unmarshal([]byte(out), &summary); err != nil {
		t.Fatalf("invalid JSON report: %v\n%s", err, out)
	}
	if summary.Calls != 4 || summary.Changed != 4 || summary.Aborted != 0 {
		t.Errorf("summary = %+v, want 4 calls all changed", summary)
	}

	data, err := os.ReadFile(filepath.Join(sb.root, "etc", "app.conf"))
	if err != nil {
		t.Fatalf("app.conf not written: %v", err)
	}
	if string(data) != "port = 8080\n" {
		t.Errorf("app.conf = %q", data)
	}
	if target, err := os.Readlink(filepath.Join(sb.root, "etc", "motd.link")); err != nil || target != "/etc/motd" {
		t.Errorf("motd.link -> %q, %v", target, err)
	}

	// A second run converges to nothing.
	out, err = sb.run(t, "apply", "main.star", "--json")
	if err != nil {
		t.Fatalf("second apply failed: %v\n%s", err, out)
	}
	if err := json.Unmarshal([]byte(out), &summary); err != nil {
		t.Fatalf("invalid JSON report: %v", err)
	}
	if summary.Changed != 0 || summary.Unchanged != 4 {
		t.Errorf("second summary = %+v, want nothing changed", summary)
	}

	out, err = sb.run(t, "history", "--json")
	if err != nil {
		t.Fatalf("history failed: %v", err)
	}
	var runs []stores.Run
	if err := json.Unmarshal([]byte(out), &runs); err != nil {
		t.Fatalf("invalid history JSON: %v\n%s", err, out)
	}
	if len(runs) != 2 {
		t.Fatalf("history has %d runs, want 2", len(runs))
	}
	if runs[1].Counts.Changed != 4 || runs[1].Status != stores.RunStatusCompleted {
		t.Errorf("first run = %+v", runs[1])
	}

	out, err = sb.run(t, "history", runs[1].ID)
	if err != nil {
		t.Fatalf("history <id> failed: %v", err)
	}
	if !strings.Contains(out, "path: /etc/app.conf") {
		t.Errorf("run details missing results:\n%s", out)
	}
}

func TestCheckDoesNotModify(t *testing.T) {
	sb := newSandbox(t)
	sb.write(t, "main.star", `edit("", "/etc/motd", "", "", "-rw-r--r--")`)
	sb.write(t, "files/root/etc/motd", "welcome\n")

	out, err := sb.run(t, "check", "main.star")
	if err != nil {
		t.Fatalf("check failed: %v\n%s", err, out)
	}
	if !strings.Contains(out, "(dry-run)") || !strings.Contains(out, "changed: 1") {
		t.Errorf("unexpected report:\n%s", out)
	}
	if _, err := os.Stat(filepath.Join(sb.root, "etc", "motd")); !os.IsNotExist(err) {
		t.Errorf("check wrote the destination: %v", err)
	}
}

func TestApplyAbortedExitCode(t *testing.T) {
	sb := newSandbox(t)
	sb.write(t, "main.star", `edit("", "/etc/motd", "", "", "-rw-r--r--")`)
	sb.write(t, "files/root/etc/motd", "welcome\n")
	if err := os.Symlink("/etc/issue", filepath.Join(sb.root, "etc", "motd")); err != nil {
		t.Fatal(err)
	}

	out, err := sb.run(t, "apply", "main.star")
	if err == nil {
		t.Fatalf("expected aborted run to fail\n%s", out)
	}
	if code := ExitCode(err); code != 2 {
		t.Errorf("ExitCode() = %d, want 2", code)
	}
	if !strings.Contains(out, "aborted file") {
		t.Errorf("report does not list the abort:\n%s", out)
	}
}

func TestResourceCommands(t *testing.T) {
	sb := newSandbox(t)
	sb.write(t, "files/root/etc/greeting", "hello {{ .name }}\n")

	out, err := sb.run(t, "mkdir", "/etc/tool", "--mode", "0750")
	if err != nil {
		t.Fatalf("mkdir failed: %v\n%s", err, out)
	}
	info, err := os.Stat(filepath.Join(sb.root, "etc", "tool"))
	if err != nil {
		t.Fatalf("directory not created: %v", err)
	}
	if info.Mode().Perm() != 0o750 {
		t.Errorf("mode = %o, want 750", info.Mode().Perm())
	}

	out, err = sb.run(t, "edit", "/etc/greeting", "--mode=-rw-r-----", "--set", "name=world")
	if err != nil {
		t.Fatalf("edit failed: %v\n%s", err, out)
	}
	if !strings.Contains(out, "file") || !strings.Contains(out, "changed") {
		t.Errorf("unexpected output: %s", out)
	}
	data, err := os.ReadFile(filepath.Join(sb.root, "etc", "greeting"))
	if err != nil || string(data) != "hello world\n" {
		t.Errorf("greeting = %q, %v", data, err)
	}

	if _, err := sb.run(t, "edit", "/etc/greeting", "--set", "novalue"); err == nil {
		t.Error("expected error for malformed --set")
	}

	out, err = sb.run(t, "symlink", "/etc/greeting", "/etc/hello", "--json")
	if err != nil {
		t.Fatalf("symlink failed: %v\n%s", err, out)
	}
	var result struct {
		Outcome string `json:"outcome"`
	}
	if err := json.Unmarshal([]byte(out), &result); err != nil || result.Outcome != "changed" {
		t.Errorf("symlink result = %s, %v", out, err)
	}
}

func TestPolicyEval(t *testing.T) {
	sb := newSandbox(t)

	out, err := sb.run(t, "policy", "eval", "/proc/sys/vm/swappiness")
	if ExitCode(err) != 2 {
		t.Errorf("ExitCode() = %d, want 2 (%v)", ExitCode(err), err)
	}
	if !strings.Contains(out, "denied") || !strings.Contains(out, "protected-paths") {
		t.Errorf("unexpected output:\n%s", out)
	}

	out, err = sb.run(t, "policy", "list")
	if err != nil {
		t.Fatalf("policy list failed: %v", err)
	}
	if !strings.Contains(out, "world-writable") || !strings.Contains(out, "built-in") {
		t.Errorf("unexpected output:\n%s", out)
	}
}

func TestNormalizeMode(t *testing.T) {
	tests := []struct {
		mode    string
		dir     bool
		want    string
		wantErr bool
	}{
		{"", false, "", false},
		{"-rw-r--r--", false, "-rw-r--r--", false},
		{"0644", false, "-rw-r--r--", false},
		{"755", true, "drwxr-xr-x", false},
		{"0440", false, "-r--r-----", false},
		{"0999", false, "", true},
		{"rw", false, "", true},
	}

	for _, tt := range tests {
		got, err := normalizeMode(tt.mode, tt.dir)
		if (err != nil) != tt.wantErr {
			t.Errorf("normalizeMode(%q) error = %v, wantErr %v", tt.mode, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("normalizeMode(%q) = %q, want %q", tt.mode, got, tt.want)
		}
	}
}

func TestExitCode(t *testing.T) {
	if code := ExitCode(errors.New("boom")); code != 1 {
		t.Errorf("ExitCode(plain) = %d, want 1", code)
	}
	wrapped := errors.Join(&exitError{code: 2, err: errors.New("aborted")})
	if code := ExitCode(wrapped); code != 2 {
		t.Errorf("ExitCode(wrapped) = %d, want 2", code)
	}
}
