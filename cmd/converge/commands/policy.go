package commands

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/openfroyo/converge/pkg/policy"
)

func newPolicyCommand(flags *globalFlags, info buildInfo) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Inspect the policies that guard every resource",
	}
	cmd.AddCommand(newPolicyListCommand(flags, info))
	cmd.AddCommand(newPolicyEvalCommand(flags, info))
	return cmd
}

func loadGuard(cmd *cobra.Command, flags *globalFlags) (*policy.Engine, error) {
	cfg, err := loadConfig(cmd, flags)
	if err != nil {
		return nil, err
	}
	guard, err := policy.NewEngine(nil, cfg.Policy.Builtins)
	if err != nil {
		return nil, err
	}
	if len(cfg.Policy.Dirs) > 0 {
		if err := guard.LoadPolicies(cmd.Context(), cfg.Policy.Dirs); err != nil {
			return nil, err
		}
	}
	return guard, nil
}

func newPolicyListCommand(flags *globalFlags, _ buildInfo) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List loaded policies",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			guard, err := loadGuard(cmd, flags)
			if err != nil {
				return err
			}
			policies := guard.ListPolicies()
			if flags.jsonOutput {
				for i := range policies {
					policies[i].Rego = ""
				}
				return printJSON(cmd.OutOrStdout(), policies)
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tSEVERITY\tSOURCE\tDESCRIPTION")
			for _, p := range policies {
				source := p.Source
				if p.Builtin {
					source = "built-in"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", p.Name, p.Severity, source, p.Description)
			}
			return tw.Flush()
		},
	}
}

func newPolicyEvalCommand(flags *globalFlags, _ buildInfo) *cobra.Command {
	var input policy.Input

	cmd := &cobra.Command{
		Use:   "eval <path>",
		Short: "Evaluate the policies against one resource",
		Example: `  converge policy eval /etc/motd --kind file --mode -rw-rw-rw-
  converge policy eval /proc/sys/vm/swappiness`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			guard, err := loadGuard(cmd, flags)
			if err != nil {
				return err
			}
			input.Resource.Path = args[0]
			result, err := guard.Evaluate(cmd.Context(), input)
			if err != nil {
				return err
			}
			if flags.jsonOutput {
				return printJSON(cmd.OutOrStdout(), result)
			}

			out := cmd.OutOrStdout()
			verdict := "allowed"
			if !result.Allowed {
				verdict = "denied"
			}
			fmt.Fprintf(out, "%s: %s\n", args[0], verdict)
			for _, v := range result.Violations {
				fmt.Fprintf(out, "  [%s] %s: %s\n", v.Severity, v.Policy, v.Message)
			}
			for _, v := range result.Warnings {
				fmt.Fprintf(out, "  [%s] %s: %s\n", v.Severity, v.Policy, v.Message)
			}
			if !result.Allowed {
				return &exitError{code: 2, err: fmt.Errorf("%s is denied by policy", args[0])}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&input.Resource.Kind, "kind", "file", "resource kind (file, directory, symlink, sudoers)")
	cmd.Flags().StringVar(&input.Resource.Mode, "mode", "", "symbolic mode")
	cmd.Flags().StringVar(&input.Resource.Owner, "owner", "", "owning user")
	cmd.Flags().StringVar(&input.Resource.Group, "group", "", "owning group")
	cmd.Flags().StringVar(&input.Operation, "operation", "edit", "operation (edit, mkdir, symlink, visudo)")
	return cmd
}
