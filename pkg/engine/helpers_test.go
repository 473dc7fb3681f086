package engine

import (
	"context"
	"io/fs"
	"os"
	"os/user"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"
)

// testEnv is a sandboxed host: destinations live under root, sources under
// workdir/files.
type testEnv struct {
	root    string
	workdir string
	user    string
	group   string
	now     time.Time
}

var fixedNow = time.Date(2024, 3, 9, 14, 5, 7, 0, time.UTC)

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	u, err := user.Current()
	if err != nil {
		t.Fatalf("user.Current() error: %v", err)
	}
	g, err := user.LookupGroupId(u.Gid)
	if err != nil {
		t.Fatalf("LookupGroupId() error: %v", err)
	}

	env := &testEnv{
		root:    t.TempDir(),
		workdir: t.TempDir(),
		user:    u.Username,
		group:   g.Name,
		now:     fixedNow,
	}
	for _, dir := range []string{"etc", "etc/sudoers.d"} {
		if err := os.MkdirAll(filepath.Join(env.root, dir), 0o755); err != nil {
			t.Fatalf("MkdirAll() error: %v", err)
		}
	}
	if err := os.MkdirAll(filepath.Join(env.workdir, "files"), 0o755); err != nil {
		t.Fatalf("MkdirAll() error: %v", err)
	}
	return env
}

func (e *testEnv) options() Options {
	return Options{
		WorkDir:      e.workdir,
		Root:         e.root,
		BackupLayout: BackupSibling,
		SudoersDir:   "/etc/sudoers.d",
		SudoersOwner: e.user,
		SudoersGroup: e.group,
		Now:          func() time.Time { return e.now },
	}
}

func (e *testEnv) converger(t *testing.T, mutate func(*Options, *Dependencies)) *Converger {
	t.Helper()
	opts := e.options()
	deps := Dependencies{Checker: &fakeChecker{ok: true}}
	if mutate != nil {
		mutate(&opts, &deps)
	}
	return NewConverger(opts, deps)
}

func (e *testEnv) writeSource(t *testing.T, name, content string) {
	t.Helper()
	p := filepath.Join(e.workdir, "files", name)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		t.Fatalf("MkdirAll() error: %v", err)
	}
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile() error: %v", err)
	}
}

func (e *testEnv) real(p string) string {
	return filepath.Join(e.root, p)
}

func (e *testEnv) writeHost(t *testing.T, p, content string, perm fs.FileMode) {
	t.Helper()
	if err := os.WriteFile(e.real(p), []byte(content), perm); err != nil {
		t.Fatalf("WriteFile() error: %v", err)
	}
	if err := os.Chmod(e.real(p), perm); err != nil {
		t.Fatalf("Chmod() error: %v", err)
	}
}

func (e *testEnv) readHost(t *testing.T, p string) string {
	t.Helper()
	b, err := os.ReadFile(e.real(p))
	if err != nil {
		t.Fatalf("ReadFile(%s) error: %v", p, err)
	}
	return string(b)
}

func (e *testEnv) permOf(t *testing.T, p string) fs.FileMode {
	t.Helper()
	info, err := os.Lstat(e.real(p))
	if err != nil {
		t.Fatalf("Lstat(%s) error: %v", p, err)
	}
	return info.Mode().Perm()
}

// snapshot records every entry under dir with its type, permissions, target
// and content, so that two snapshots are equal only if nothing was mutated.
func snapshot(t *testing.T, dir string) string {
	t.Helper()
	var entries []string
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, _ := filepath.Rel(dir, p)
		line := rel + " " + info.Mode().String() + " " + info.ModTime().Format(time.RFC3339Nano)
		switch {
		case info.Mode()&fs.ModeSymlink != 0:
			target, _ := os.Readlink(p)
			line += " -> " + target
		case info.Mode().IsRegular():
			b, err := os.ReadFile(p)
			if err == nil {
				line += " " + string(b)
			}
		}
		entries = append(entries, line)
		return nil
	})
	if err != nil {
		t.Fatalf("WalkDir() error: %v", err)
	}
	sort.Strings(entries)
	return strings.Join(entries, "\n")
}

// fakeChecker stands in for visudo.
type fakeChecker struct {
	ok     bool
	output string
	calls  int
}

func (f *fakeChecker) Check(_ context.Context, _ []byte) (bool, string, error) {
	f.calls++
	return f.ok, f.output, nil
}

// fakeGuard denies every path under a prefix.
type fakeGuard struct {
	deny string
}

func (g *fakeGuard) Check(_ context.Context, req GuardRequest) (*GuardDecision, error) {
	if strings.HasPrefix(req.Path, g.deny) {
		return &GuardDecision{Allowed: false, Violations: []string{"protected path " + req.Path}}, nil
	}
	return &GuardDecision{Allowed: true}, nil
}

// fakePrincipals is a static user database.
type fakePrincipals struct {
	users  map[string]int
	groups map[string]int
	homes  map[string]string
}

func (f *fakePrincipals) UserID(name string) (int, error) {
	if id, ok := f.users[name]; ok {
		return id, nil
	}
	return 0, user.UnknownUserError(name)
}

func (f *fakePrincipals) GroupID(name string) (int, error) {
	if id, ok := f.groups[name]; ok {
		return id, nil
	}
	return 0, user.UnknownGroupError(name)
}

func (f *fakePrincipals) HomeDir(name string) (string, error) {
	if home, ok := f.homes[name]; ok {
		return home, nil
	}
	return "", user.UnknownUserError(name)
}

// mountpointFS reports every path in mounts as a mountpoint.
type mountpointFS struct {
	OSFS
	mounts map[string]bool
}

func (m mountpointFS) Lstat(path string) (EntryState, error) {
	state, err := m.OSFS.Lstat(path)
	if err == nil && m.mounts[path] {
		state.IsMountpoint = true
	}
	return state, err
}
