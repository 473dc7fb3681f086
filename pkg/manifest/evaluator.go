package manifest

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"github.com/spf13/afero"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
	"go.starlark.net/syntax"

	"github.com/openfroyo/converge/pkg/engine"
	"github.com/openfroyo/converge/pkg/system"
	"github.com/openfroyo/converge/pkg/telemetry"
)

// Extension is the file extension of manifests and includes.
const Extension = ".star"

// Modes is the symbolic mode table exposed to manifests as MODES.
var Modes = map[string]int64{
	"-rw-r--r--": 0o644,
	"-rwxr--r--": 0o744,
	"-r--r-----": 0o440,
	"-r-xr--r--": 0o544,
	"-rw-------": 0o600,
}

// Host bundles the collaborators manifests drive. Only Agent is required;
// builtins backed by a nil collaborator fail when called.
type Host struct {
	Agent    engine.Agent
	Runner   system.Runner
	Packages *system.Packages
	Services *system.Services
	Accounts *system.Accounts
	Facts    *system.Facts
}

// Options configures an Evaluator.
type Options struct {
	// WorkDir holds manifests, includes and vars/.
	WorkDir string
	DryRun  bool
	// Timeout bounds a whole run. Zero means no limit.
	Timeout time.Duration
	// FS reads manifests and vars. Defaults to the OS filesystem.
	FS     afero.Fs
	Logger *telemetry.Logger
}

// Abort describes a resource that was skipped with a recoverable error.
type Abort struct {
	Kind    string `json:"kind"`
	Path    string `json:"path"`
	Reason  string `json:"reason"`
	Message string `json:"message"`
}

// Summary counts what a run did.
type Summary struct {
	Manifest string        `json:"manifest"`
	DryRun   bool          `json:"dry_run"`
	Calls    int           `json:"calls"`
	Changed  int           `json:"changed"`
	Aborted  int           `json:"aborted"`
	Aborts   []Abort       `json:"aborts,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Evaluator executes Starlark manifests against a Host.
type Evaluator struct {
	host    Host
	opts    Options
	fs      afero.Fs
	logger  *telemetry.Logger
	cue     *cue.Context
	summary *Summary
	loaded  map[string]*loadEntry
	active  map[string]bool
}

type loadEntry struct {
	globals starlark.StringDict
	err     error
}

const contextKey = "converge.context"

// fileOptions allows top-level if and for statements and the set type,
// which manifests branch on.
var fileOptions = &syntax.FileOptions{
	Set:             true,
	While:           true,
	TopLevelControl: true,
	GlobalReassign:  true,
}

// NewEvaluator creates an evaluator for host.
func NewEvaluator(host Host, opts Options) *Evaluator {
	if opts.FS == nil {
		opts.FS = afero.NewOsFs()
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}
	return &Evaluator{
		host:   host,
		opts:   opts,
		fs:     opts.FS,
		logger: logger.NewComponentLogger("manifest"),
		cue:    cuecontext.New(),
	}
}

// Run executes the manifest at path, relative to the work directory unless
// absolute. A manifest error or a fatal engine error fails the run; aborted
// resources are counted in the Summary.
func (e *Evaluator) Run(ctx context.Context, path string) (*Summary, error) {
	start := time.Now()
	path = e.resolve(path)

	e.summary = &Summary{Manifest: path, DryRun: e.opts.DryRun}
	e.loaded = make(map[string]*loadEntry)
	e.active = make(map[string]bool)

	if e.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.opts.Timeout)
		defer cancel()
	}

	thread := e.newThread(ctx, path)
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			thread.Cancel(ctx.Err().Error())
		case <-done:
		}
	}()

	e.logger.WithFields(map[string]interface{}{
		"manifest": path,
		"dry_run":  e.opts.DryRun,
	}).Info("applying manifest")

	_, err := e.exec(thread, path)
	e.summary.Duration = time.Since(start)
	if err != nil {
		return e.summary, err
	}

	e.logger.WithFields(map[string]interface{}{
		"calls":   e.summary.Calls,
		"changed": e.summary.Changed,
		"aborted": e.summary.Aborted,
	}).Info("manifest applied")
	return e.summary, nil
}

func (e *Evaluator) newThread(ctx context.Context, name string) *starlark.Thread {
	thread := &starlark.Thread{
		Name: name,
		Print: func(_ *starlark.Thread, msg string) {
			e.logger.Info(msg)
		},
		Load: e.load,
	}
	thread.SetLocal(contextKey, ctx)
	return thread
}

func (e *Evaluator) resolve(path string) string {
	if filepath.IsAbs(path) {
		return filepath.Clean(path)
	}
	return filepath.Join(e.opts.WorkDir, path)
}

// exec runs one file with a fresh copy of the predeclared builtins.
func (e *Evaluator) exec(thread *starlark.Thread, path string) (starlark.StringDict, error) {
	if e.active[path] {
		return nil, fmt.Errorf("include cycle through %s", path)
	}
	e.active[path] = true
	defer delete(e.active, path)

	src, err := afero.ReadFile(e.fs, path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	globals, err := starlark.ExecFileOptions(fileOptions, thread, path, src, e.predeclared())
	if err != nil {
		return nil, unwrapEvalError(err)
	}
	return globals, nil
}

// load implements the Starlark load statement for files under the work
// directory. Each module is executed once per run.
func (e *Evaluator) load(thread *starlark.Thread, module string) (starlark.StringDict, error) {
	path := e.resolve(module)
	if entry, ok := e.loaded[path]; ok {
		return entry.globals, entry.err
	}
	globals, err := e.exec(thread, path)
	e.loaded[path] = &loadEntry{globals: globals, err: err}
	return globals, err
}

// unwrapEvalError keeps fatal engine errors reachable with errors.As while
// still carrying the Starlark backtrace in the message.
func unwrapEvalError(err error) error {
	if evalErr, ok := err.(*starlark.EvalError); ok && evalErr.Unwrap() != nil {
		return fmt.Errorf("%s: %w", strings.TrimSpace(evalErr.Backtrace()), evalErr.Unwrap())
	}
	return err
}

func (e *Evaluator) predeclared() starlark.StringDict {
	modes := starlark.NewDict(len(Modes))
	for mode, perm := range Modes {
		_ = modes.SetKey(starlark.String(mode), starlark.MakeInt64(perm))
	}
	modes.Freeze()

	return starlark.StringDict{
		"struct":             starlarkstruct.Default,
		"MODES":              modes,
		"DRYRUN":             starlark.Bool(e.opts.DryRun),
		"edit":               starlark.NewBuiltin("edit", e.builtinEdit),
		"mkdir":              starlark.NewBuiltin("mkdir", e.builtinMkdir),
		"symlink":            starlark.NewBuiltin("symlink", e.builtinSymlink),
		"visudo":             starlark.NewBuiltin("visudo", e.builtinVisudo),
		"install":            starlark.NewBuiltin("install", e.builtinInstall),
		"purge":              starlark.NewBuiltin("purge", e.builtinPurge),
		"run":                starlark.NewBuiltin("run", e.builtinRun),
		"service":            starlark.NewBuiltin("service", e.builtinService),
		"group":              starlark.NewBuiltin("group", e.builtinGroup),
		"user":               starlark.NewBuiltin("user", e.builtinUser),
		"include":            starlark.NewBuiltin("include", e.builtinInclude),
		"load_vars":          starlark.NewBuiltin("load_vars", e.builtinLoadVars),
		"is_just_installed":  starlark.NewBuiltin("is_just_installed", e.builtinIsJustInstalled),
		"not_just_installed": starlark.NewBuiltin("not_just_installed", e.builtinNotJustInstalled),
		"is_laptop":          starlark.NewBuiltin("is_laptop", e.builtinIsLaptop),
	}
}

func threadContext(thread *starlark.Thread) context.Context {
	if ctx, ok := thread.Local(contextKey).(context.Context); ok {
		return ctx
	}
	return context.Background()
}

// record counts one engine call and converts it to the manifest's return value.
func (e *Evaluator) record(result *engine.ChangeResult, err error) (starlark.Value, error) {
	e.summary.Calls++
	if err != nil {
		return nil, err
	}
	switch result.Outcome {
	case engine.OutcomeChanged:
		e.summary.Changed++
	case engine.OutcomeAborted:
		e.summary.Aborted++
		e.summary.Aborts = append(e.summary.Aborts, Abort{
			Kind:    string(result.Kind),
			Path:    result.Path,
			Reason:  result.Reason,
			Message: result.Message,
		})
	}
	return starlark.Bool(result.Changed), nil
}

// count records a non-engine call.
func (e *Evaluator) count(changed bool, err error) (starlark.Value, error) {
	e.summary.Calls++
	if err != nil {
		return nil, err
	}
	if changed {
		e.summary.Changed++
	}
	return starlark.Bool(changed), nil
}

func (e *Evaluator) builtinEdit(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var req engine.EditRequest
	var vars starlark.Value = starlark.None
	if err := starlark.UnpackArgs(b.Name(), args, kwargs,
		"src", &req.Source, "dest", &req.Dest, "owner", &req.Owner, "group", &req.Group, "mode", &req.Mode,
		"vars?", &vars); err != nil {
		return nil, err
	}
	v, err := toVars(vars)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	req.Vars = v
	return e.record(e.host.Agent.Edit(threadContext(thread), req))
}

func (e *Evaluator) builtinMkdir(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var req engine.MkdirRequest
	if err := starlark.UnpackArgs(b.Name(), args, kwargs,
		"dest", &req.Dest, "owner", &req.Owner, "group", &req.Group, "mode?", &req.Mode); err != nil {
		return nil, err
	}
	return e.record(e.host.Agent.Mkdir(threadContext(thread), req))
}

func (e *Evaluator) builtinSymlink(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var req engine.SymlinkRequest
	if err := starlark.UnpackArgs(b.Name(), args, kwargs,
		"target", &req.Target, "dest", &req.Dest, "owner?", &req.Owner, "group?", &req.Group); err != nil {
		return nil, err
	}
	return e.record(e.host.Agent.Symlink(threadContext(thread), req))
}

func (e *Evaluator) builtinVisudo(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var req engine.VisudoRequest
	var vars starlark.Value = starlark.None
	if err := starlark.UnpackArgs(b.Name(), args, kwargs,
		"src", &req.Source, "filename", &req.Filename, "vars?", &vars); err != nil {
		return nil, err
	}
	v, err := toVars(vars)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	req.Vars = v
	return e.record(e.host.Agent.Visudo(threadContext(thread), req))
}

func (e *Evaluator) builtinInstall(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	names, err := packageArgs(b, args, kwargs)
	if err != nil {
		return nil, err
	}
	if e.host.Packages == nil {
		return nil, fmt.Errorf("%s: packages are not available", b.Name())
	}
	return e.count(e.host.Packages.Install(threadContext(thread), names...))
}

func (e *Evaluator) builtinPurge(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	names, err := packageArgs(b, args, kwargs)
	if err != nil {
		return nil, err
	}
	if e.host.Packages == nil {
		return nil, fmt.Errorf("%s: packages are not available", b.Name())
	}
	return e.count(e.host.Packages.Purge(threadContext(thread), names...))
}

func packageArgs(b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) ([]string, error) {
	if len(kwargs) > 0 {
		return nil, fmt.Errorf("%s: unexpected keyword arguments", b.Name())
	}
	names := make([]string, 0, len(args))
	for i, arg := range args {
		name, ok := starlark.AsString(arg)
		if !ok {
			return nil, fmt.Errorf("%s: argument %d is %s, want string", b.Name(), i+1, arg.Type())
		}
		names = append(names, name)
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("%s: at least one package is required", b.Name())
	}
	return names, nil
}

// builtinRun runs a shell string or an argv list. It returns a struct with
// code, stdout, stderr and skipped; check=True fails the manifest on a
// non-zero exit.
func (e *Evaluator) builtinRun(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var command starlark.Value
	var check bool
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "command", &command, "check?", &check); err != nil {
		return nil, err
	}
	if e.host.Runner == nil {
		return nil, fmt.Errorf("%s: command runner is not available", b.Name())
	}

	cmd := system.Command{Mutating: true}
	if s, ok := command.(starlark.String); ok {
		cmd.Name = string(s)
		cmd.Shell = true
	} else {
		argv, err := toStrings(command)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", b.Name(), err)
		}
		if len(argv) == 0 {
			return nil, fmt.Errorf("%s: empty command", b.Name())
		}
		cmd.Name, cmd.Args = argv[0], argv[1:]
	}

	e.logger.WithField("command", cmd.String()).Info("running")
	res, err := e.host.Runner.Run(threadContext(thread), cmd)
	e.summary.Calls++
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	if check && !res.Success() {
		return nil, fmt.Errorf("%s: %q exited with %d", b.Name(), cmd.String(), res.ExitCode)
	}
	if !res.Skipped {
		e.summary.Changed++
	}

	return starlarkstruct.FromStringDict(starlarkstruct.Default, starlark.StringDict{
		"code":    starlark.MakeInt(res.ExitCode),
		"stdout":  starlark.String(res.Stdout),
		"stderr":  starlark.String(res.Stderr),
		"skipped": starlark.Bool(res.Skipped),
		"ok":      starlark.Bool(res.Success()),
	}), nil
}

func (e *Evaluator) builtinService(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var name, action string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "name", &name, "action", &action); err != nil {
		return nil, err
	}
	if e.host.Services == nil {
		return nil, fmt.Errorf("%s: services are not available", b.Name())
	}
	return e.count(e.host.Services.Ensure(threadContext(thread), name, system.ServiceAction(action)))
}

func (e *Evaluator) builtinGroup(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var name string
	var sys bool
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "name", &name, "system?", &sys); err != nil {
		return nil, err
	}
	if e.host.Accounts == nil {
		return nil, fmt.Errorf("%s: accounts are not available", b.Name())
	}
	return e.count(e.host.Accounts.EnsureGroup(threadContext(thread), name, sys))
}

func (e *Evaluator) builtinUser(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var name string
	var opts system.UserOptions
	var groups starlark.Value = starlark.None
	if err := starlark.UnpackArgs(b.Name(), args, kwargs,
		"name", &name, "home?", &opts.Home, "shell?", &opts.Shell, "system?", &opts.System, "groups?", &groups); err != nil {
		return nil, err
	}
	g, err := toStrings(groups)
	if err != nil {
		return nil, fmt.Errorf("%s: groups: %w", b.Name(), err)
	}
	opts.Groups = g
	if e.host.Accounts == nil {
		return nil, fmt.Errorf("%s: accounts are not available", b.Name())
	}
	return e.count(e.host.Accounts.EnsureUser(threadContext(thread), name, opts))
}

// builtinInclude executes <workdir>/<name>.star with the builtins. Unlike
// load, an include runs every time it is called.
func (e *Evaluator) builtinInclude(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var name string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "name", &name); err != nil {
		return nil, err
	}
	if !strings.HasSuffix(name, Extension) {
		name += Extension
	}
	if _, err := e.exec(thread, e.resolve(name)); err != nil {
		return nil, err
	}
	return starlark.None, nil
}

func (e *Evaluator) builtinLoadVars(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var name string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "path", &name); err != nil {
		return nil, err
	}
	vars, err := e.LoadVars(name)
	if err != nil {
		return nil, err
	}
	return toStarlarkValue(vars)
}

func (e *Evaluator) facts(b *starlark.Builtin) (*system.Facts, error) {
	if e.host.Facts == nil {
		return nil, fmt.Errorf("%s: host facts are not available", b.Name())
	}
	return e.host.Facts, nil
}

func (e *Evaluator) builtinIsJustInstalled(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := starlark.UnpackArgs(b.Name(), args, kwargs); err != nil {
		return nil, err
	}
	f, err := e.facts(b)
	if err != nil {
		return nil, err
	}
	ok, err := f.IsJustInstalled()
	if err != nil {
		return nil, err
	}
	return starlark.Bool(ok), nil
}

func (e *Evaluator) builtinNotJustInstalled(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := starlark.UnpackArgs(b.Name(), args, kwargs); err != nil {
		return nil, err
	}
	f, err := e.facts(b)
	if err != nil {
		return nil, err
	}
	return e.count(f.MarkNotJustInstalled())
}

func (e *Evaluator) builtinIsLaptop(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := starlark.UnpackArgs(b.Name(), args, kwargs); err != nil {
		return nil, err
	}
	f, err := e.facts(b)
	if err != nil {
		return nil, err
	}
	ok, err := f.IsLaptop()
	if err != nil {
		return nil, err
	}
	return starlark.Bool(ok), nil
}
