package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

// globalFlags are the persistent flags shared by every command.
type globalFlags struct {
	configPath string
	workDir    string
	root       string
	dryRun     bool
	verbose    bool
	jsonOutput bool
}

type buildInfo struct {
	version   string
	commit    string
	buildDate string
}

// exitError carries a process exit code other than 1.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

// ExitCode maps an error returned by Execute to a process exit code.
func ExitCode(err error) int {
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return 1
}

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(buildInfo{version: version, commit: commit, buildDate: buildDate})
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(info buildInfo) *cobra.Command {
	flags := &globalFlags{}

	rootCmd := &cobra.Command{
		Use:   "converge",
		Short: "converge - single-host configuration convergence",
		Long: `converge brings one host to the state described by a Starlark manifest.

Each call in a manifest (edit, mkdir, symlink, visudo, install, service, ...)
observes the current state, compares it with the desired state and changes
only what differs. Files are backed up before they are overwritten and
sudoers drop-ins are validated with visudo before they are installed.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", info.version, info.commit, info.buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&flags.configPath, "config", "c", "", "config file path")
	pf.StringVarP(&flags.workDir, "workdir", "w", "", "directory holding manifests, files/ and vars/")
	pf.StringVar(&flags.root, "root", "", "filesystem root prefixed to every destination")
	pf.BoolVarP(&flags.dryRun, "dry-run", "n", false, "report changes without making them")
	pf.BoolVarP(&flags.verbose, "verbose", "v", false, "log unified diffs")
	pf.BoolVar(&flags.jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newApplyCommand(flags, info))
	rootCmd.AddCommand(newCheckCommand(flags, info))
	rootCmd.AddCommand(newEditCommand(flags, info))
	rootCmd.AddCommand(newMkdirCommand(flags, info))
	rootCmd.AddCommand(newSymlinkCommand(flags, info))
	rootCmd.AddCommand(newVisudoCommand(flags, info))
	rootCmd.AddCommand(newHistoryCommand(flags, info))
	rootCmd.AddCommand(newPolicyCommand(flags, info))
	rootCmd.AddCommand(newVersionCommand(info))

	return rootCmd
}
