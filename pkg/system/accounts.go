package system

import (
	"context"
	"fmt"
	"os/user"
	"slices"
	"strings"

	"github.com/openfroyo/converge/pkg/telemetry"
)

// UserOptions are the attributes EnsureUser manages.
type UserOptions struct {
	Home   string
	Shell  string
	System bool
	// Groups are supplementary groups; membership is only ever added.
	Groups []string
}

// Lookup is the user database used to decide idempotence.
type Lookup interface {
	LookupUser(name string) (*user.User, error)
	LookupGroup(name string) (*user.Group, error)
	GroupIDs(u *user.User) ([]string, error)
}

// SystemLookup reads the system user database.
type SystemLookup struct{}

// LookupUser implements Lookup.
func (SystemLookup) LookupUser(name string) (*user.User, error) { return user.Lookup(name) }

// LookupGroup implements Lookup.
func (SystemLookup) LookupGroup(name string) (*user.Group, error) { return user.LookupGroup(name) }

// GroupIDs implements Lookup.
func (SystemLookup) GroupIDs(u *user.User) ([]string, error) { return u.GroupIds() }

// Accounts creates users and groups with the shadow utilities.
type Accounts struct {
	runner Runner
	lookup Lookup
	logger *telemetry.Logger
}

// NewAccounts creates an account manager driving runner.
func NewAccounts(runner Runner, lookup Lookup, logger *telemetry.Logger) *Accounts {
	if lookup == nil {
		lookup = SystemLookup{}
	}
	return &Accounts{runner: runner, lookup: lookup, logger: component(logger, "accounts")}
}

// EnsureGroup creates the group if it does not exist.
func (a *Accounts) EnsureGroup(ctx context.Context, name string, system bool) (bool, error) {
	if name == "" {
		return false, fmt.Errorf("group name is required")
	}
	if _, err := a.lookup.LookupGroup(name); err == nil {
		return false, nil
	}

	args := []string{}
	if system {
		args = append(args, "--system")
	}
	args = append(args, name)
	a.logger.WithField("group", name).Info("adding group")
	return true, a.mutate(ctx, "groupadd", args)
}

// EnsureUser creates the user if missing and adds any missing supplementary
// groups. It reports whether anything changed.
func (a *Accounts) EnsureUser(ctx context.Context, name string, opts UserOptions) (bool, error) {
	if name == "" {
		return false, fmt.Errorf("user name is required")
	}

	u, err := a.lookup.LookupUser(name)
	if err != nil {
		args := []string{"--create-home"}
		if opts.System {
			args = []string{"--system"}
		}
		if opts.Home != "" {
			args = append(args, "--home-dir", opts.Home)
		}
		if opts.Shell != "" {
			args = append(args, "--shell", opts.Shell)
		}
		if len(opts.Groups) > 0 {
			args = append(args, "--groups", strings.Join(opts.Groups, ","))
		}
		args = append(args, name)
		a.logger.WithField("user", name).Info("adding user")
		return true, a.mutate(ctx, "useradd", args)
	}

	missing, err := a.missingGroups(u, opts.Groups)
	if err != nil {
		return false, err
	}
	if len(missing) == 0 {
		return false, nil
	}
	a.logger.WithFields(map[string]interface{}{
		"user":   name,
		"groups": missing,
	}).Info("adding user to groups")
	return true, a.mutate(ctx, "usermod", []string{"--append", "--groups", strings.Join(missing, ","), name})
}

func (a *Accounts) missingGroups(u *user.User, groups []string) ([]string, error) {
	if len(groups) == 0 {
		return nil, nil
	}
	have, err := a.lookup.GroupIDs(u)
	if err != nil {
		return nil, fmt.Errorf("failed to list groups of %s: %w", u.Username, err)
	}
	var missing []string
	for _, name := range groups {
		g, err := a.lookup.LookupGroup(name)
		if err != nil {
			return nil, fmt.Errorf("unknown group %q: %w", name, err)
		}
		if !slices.Contains(have, g.Gid) {
			missing = append(missing, name)
		}
	}
	return missing, nil
}

func (a *Accounts) mutate(ctx context.Context, name string, args []string) error {
	res, err := a.runner.Run(ctx, Command{Name: name, Args: args, Mutating: true})
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	if !res.Success() {
		return fmt.Errorf("%s %s exited with %d: %s",
			name, strings.Join(args, " "), res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return nil
}
