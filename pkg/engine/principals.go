package engine

import (
	"fmt"
	"os/user"
	"strconv"
)

// PrincipalResolver maps user and group names to numeric ids and homes.
type PrincipalResolver interface {
	// UserID returns the uid of the named user.
	UserID(name string) (int, error)
	// GroupID returns the gid of the named group.
	GroupID(name string) (int, error)
	// HomeDir returns the home directory of the named user.
	HomeDir(name string) (string, error)
}

// SystemPrincipals resolves principals through the system user database.
type SystemPrincipals struct{}

// UserID implements PrincipalResolver.
func (SystemPrincipals) UserID(name string) (int, error) {
	u, err := user.Lookup(name)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(u.Uid)
}

// GroupID implements PrincipalResolver.
func (SystemPrincipals) GroupID(name string) (int, error) {
	g, err := user.LookupGroup(name)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(g.Gid)
}

// HomeDir implements PrincipalResolver.
func (SystemPrincipals) HomeDir(name string) (string, error) {
	u, err := user.Lookup(name)
	if err != nil {
		return "", err
	}
	return u.HomeDir, nil
}

// Ownership is a resolved owner/group pair. -1 leaves the id untouched.
type Ownership struct {
	UID int
	GID int
}

// Keep reports whether neither id is managed.
func (o Ownership) Keep() bool {
	return o.UID < 0 && o.GID < 0
}

// resolveOwnership turns names into ids before anything is touched.
func resolveOwnership(p PrincipalResolver, owner, group string) (Ownership, error) {
	own := Ownership{UID: -1, GID: -1}
	if owner != "" {
		uid, err := p.UserID(owner)
		if err != nil {
			return own, NewFatalError(ErrCodeUnknownPrincipal,
				fmt.Sprintf("unknown user %q", owner), err).WithDetail("user", owner)
		}
		own.UID = uid
	}
	if group != "" {
		gid, err := p.GroupID(group)
		if err != nil {
			return own, NewFatalError(ErrCodeUnknownPrincipal,
				fmt.Sprintf("unknown group %q", group), err).WithDetail("group", group)
		}
		own.GID = gid
	}
	return own, nil
}
