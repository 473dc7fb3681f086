package manifest

import (
	"context"
	"testing"

	"github.com/spf13/afero"

	"github.com/openfroyo/converge/pkg/system"
)

func TestLoadVars(t *testing.T) {
	files := map[string]string{
		"vars/web.cue": `
#Port: int & >0 & <65536
port: #Port & 8080
name: "web"
tags: ["a", "b"]
`,
		"vars/open.cue": `port: int`,
		"vars/db.yaml": `
port: 5432
replicas:
  - db1
  - db2
`,
		"vars/notes.txt": "port=1",
	}

	tests := []struct {
		name    string
		file    string
		check   func(*testing.T, map[string]any)
		wantErr bool
	}{
		{
			name: "cue",
			file: "web.cue",
			check: func(t *testing.T, vars map[string]any) {
				if vars["name"] != "web" {
					t.Errorf("name = %v", vars["name"])
				}
				tags, ok := vars["tags"].([]interface{})
				if !ok || len(tags) != 2 {
					t.Errorf("tags = %#v", vars["tags"])
				}
				if _, ok := vars["port"]; !ok {
					t.Error("port missing")
				}
			},
		},
		{name: "cue not concrete", file: "open.cue", wantErr: true},
		{
			name: "yaml",
			file: "db.yaml",
			check: func(t *testing.T, vars map[string]any) {
				if vars["port"] != 5432 {
					t.Errorf("port = %#v", vars["port"])
				}
			},
		},
		{name: "unsupported", file: "notes.txt", wantErr: true},
		{name: "missing", file: "nope.yaml", wantErr: true},
	}

	eval, _ := newEvaluator(t, Host{Agent: newFakeAgent()}, files)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			vars, err := eval.LoadVars(tt.file)
			if (err != nil) != tt.wantErr {
				t.Fatalf("LoadVars() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.check != nil {
				tt.check(t, vars)
			}
		})
	}
}

func TestLoadVarsFromManifest(t *testing.T) {
	agent := newFakeAgent()
	eval, _ := newEvaluator(t, Host{Agent: agent}, map[string]string{
		"vars/demo.yaml": "port: 8080\n",
		"site.star":      `edit("demo.conf.tmpl", "/etc/demo.conf", "root", "root", "-rw-r--r--", load_vars("demo.yaml"))`,
	})
	if _, err := eval.Run(context.Background(), "site.star"); err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	// yaml ints round-trip through Starlark as int64.
	if got := agent.edits[0].Vars["port"]; got != int64(8080) {
		t.Errorf("port = %#v, want int64(8080)", got)
	}
}

func TestTemplateFuncs(t *testing.T) {
	runner := &fakeRunner{result: &system.Result{Stdout: "deadbeef\n"}}
	fsys := afero.NewMemMapFs()
	host := Host{
		Agent:  newFakeAgent(),
		Runner: runner,
		Facts:  system.NewFacts(fsys, "/work", false),
	}
	eval := NewEvaluator(host, Options{WorkDir: "/work", FS: fsys})
	funcs := eval.TemplateFuncs(context.Background())

	if _, ok := funcs["install"]; ok {
		t.Error("install exposed without a package manager")
	}
	run, ok := funcs["run"].(func(string) (string, error))
	if !ok {
		t.Fatalf("run has type %T", funcs["run"])
	}
	out, err := run("cat /etc/machine-id")
	if err != nil || out != "deadbeef\n" {
		t.Errorf("run() = %q, %v", out, err)
	}
	if _, ok := funcs["is_just_installed"]; !ok {
		t.Error("is_just_installed missing")
	}
}
