package commands

import (
	"context"
	"fmt"
	"io/fs"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/openfroyo/converge/pkg/engine"
)

// resourceFlags are shared by the one-shot resource commands.
type resourceFlags struct {
	source string
	owner  string
	group  string
	mode   string
	vars   string
	set    []string
}

func (rf *resourceFlags) bindAttributes(cmd *cobra.Command, withMode bool) {
	cmd.Flags().StringVar(&rf.owner, "owner", "", "owning user (empty leaves it alone)")
	cmd.Flags().StringVar(&rf.group, "group", "", "owning group (empty leaves it alone)")
	if withMode {
		cmd.Flags().StringVar(&rf.mode, "mode", "", "symbolic (-rw-r--r--) or octal (0644) mode")
	}
}

func (rf *resourceFlags) bindTemplate(cmd *cobra.Command) {
	cmd.Flags().StringVar(&rf.source, "src", "", "source path under <workdir>/files (default: derived from the destination)")
	cmd.Flags().StringVar(&rf.vars, "vars", "", "vars file under <workdir>/vars; renders the source as a template")
	cmd.Flags().StringArrayVar(&rf.set, "set", nil, "template variable as key=value; renders the source as a template")
}

// resourceCall runs one reconciliation against a wired app.
type resourceCall func(ctx context.Context, a *app, rf *resourceFlags, args []string, vars map[string]any) (*engine.ChangeResult, error)

func runResource(cmd *cobra.Command, flags *globalFlags, info buildInfo, rf *resourceFlags, args []string, call resourceCall) error {
	ctx := cmd.Context()
	cfg, err := loadConfig(cmd, flags)
	if err != nil {
		return err
	}
	a, err := newApp(ctx, cfg, info, false)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := a.close(ctx); cerr != nil {
			a.logger.WithError(cerr).Warn("failed to flush telemetry")
		}
	}()

	ev := a.evaluator()
	var vars map[string]any
	if rf.vars != "" {
		if vars, err = ev.LoadVars(rf.vars); err != nil {
			return err
		}
	}
	if len(rf.set) > 0 {
		if vars == nil {
			vars = make(map[string]any)
		}
		for _, kv := range rf.set {
			key, value, ok := strings.Cut(kv, "=")
			if !ok || key == "" {
				return fmt.Errorf("invalid --set %q: want key=value", kv)
			}
			vars[key] = value
		}
	}

	ctx = a.tel.WithContext(ctx)
	result, err := call(ctx, a, rf, args, vars)
	if err != nil {
		return err
	}
	if err := printResult(cmd.OutOrStdout(), result, flags.jsonOutput); err != nil {
		return err
	}
	if result.Outcome == engine.OutcomeAborted {
		return &exitError{code: 2, err: fmt.Errorf("%s %s aborted: %s", result.Kind, result.Path, result.Reason)}
	}
	return nil
}

// normalizeMode accepts an octal mode and renders it symbolically.
func normalizeMode(mode string, dir bool) (string, error) {
	if mode == "" || len(mode) == 10 {
		return mode, nil
	}
	perm, err := strconv.ParseUint(mode, 8, 32)
	if err != nil || perm > 0o777 {
		return "", fmt.Errorf("invalid mode %q", mode)
	}
	return engine.RenderMode(fs.FileMode(perm), dir), nil
}

func newEditCommand(flags *globalFlags, info buildInfo) *cobra.Command {
	rf := &resourceFlags{}
	cmd := &cobra.Command{
		Use:   "edit <dest>",
		Short: "Make one file hold its source content",
		Long: `Compile the source file (a verbatim copy, or a template when --vars or
--set is given) and make dest hold it with the given owner, group and mode.
An existing, different file is backed up first.`,
		Example: `  converge edit /etc/motd --owner root --group root --mode 0644
  converge edit ~alice/.gitconfig --owner alice --group alice --mode -rw-r--r-- --set email=alice@example.com`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runResource(cmd, flags, info, rf, args, func(ctx context.Context, a *app, rf *resourceFlags, args []string, vars map[string]any) (*engine.ChangeResult, error) {
				mode, err := normalizeMode(rf.mode, false)
				if err != nil {
					return nil, err
				}
				return a.converger.Edit(ctx, engine.EditRequest{
					Source: rf.source,
					Dest:   args[0],
					Owner:  rf.owner,
					Group:  rf.group,
					Mode:   mode,
					Vars:   vars,
				})
			})
		},
	}
	rf.bindAttributes(cmd, true)
	rf.bindTemplate(cmd)
	return cmd
}

func newMkdirCommand(flags *globalFlags, info buildInfo) *cobra.Command {
	rf := &resourceFlags{}
	cmd := &cobra.Command{
		Use:   "mkdir <dest>",
		Short: "Make one directory exist",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runResource(cmd, flags, info, rf, args, func(ctx context.Context, a *app, rf *resourceFlags, args []string, _ map[string]any) (*engine.ChangeResult, error) {
				mode, err := normalizeMode(rf.mode, true)
				if err != nil {
					return nil, err
				}
				return a.converger.Mkdir(ctx, engine.MkdirRequest{
					Dest:  args[0],
					Owner: rf.owner,
					Group: rf.group,
					Mode:  mode,
				})
			})
		},
	}
	rf.bindAttributes(cmd, true)
	return cmd
}

func newSymlinkCommand(flags *globalFlags, info buildInfo) *cobra.Command {
	rf := &resourceFlags{}
	cmd := &cobra.Command{
		Use:   "symlink <target> <dest>",
		Short: "Make dest a symbolic link to target",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runResource(cmd, flags, info, rf, args, func(ctx context.Context, a *app, rf *resourceFlags, args []string, _ map[string]any) (*engine.ChangeResult, error) {
				return a.converger.Symlink(ctx, engine.SymlinkRequest{
					Target: args[0],
					Dest:   args[1],
					Owner:  rf.owner,
					Group:  rf.group,
				})
			})
		},
	}
	rf.bindAttributes(cmd, false)
	return cmd
}

func newVisudoCommand(flags *globalFlags, info buildInfo) *cobra.Command {
	rf := &resourceFlags{}
	cmd := &cobra.Command{
		Use:   "visudo <filename>",
		Short: "Install one sudoers drop-in after a syntax check",
		Long: `Compile the source, validate it with visudo and install it as
<sudoers dir>/<filename>, owned by root with mode -r--r-----. Content that
fails validation is never written.`,
		Example: `  converge visudo 10-deploy --src sudoers/deploy`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runResource(cmd, flags, info, rf, args, func(ctx context.Context, a *app, rf *resourceFlags, args []string, vars map[string]any) (*engine.ChangeResult, error) {
				return a.converger.Visudo(ctx, engine.VisudoRequest{
					Source:   rf.source,
					Filename: args[0],
					Vars:     vars,
				})
			})
		},
	}
	rf.bindTemplate(cmd)
	return cmd
}
