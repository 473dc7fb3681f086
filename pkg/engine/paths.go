package engine

import (
	"fmt"
	"path"
	"path/filepath"
	"strings"
)

// PathResolver maps logical destinations to real paths and source locators.
type PathResolver struct {
	root       string
	principals PrincipalResolver
}

// NewPathResolver creates a resolver joining real paths under root.
func NewPathResolver(root string, principals PrincipalResolver) *PathResolver {
	if root == "" {
		root = "/"
	}
	return &PathResolver{root: root, principals: principals}
}

// Resolve expands dest for owner and returns its location together with the
// source locator derived by convention: "root/<abs path>" for absolute
// destinations, "user/<home-relative path>" for tilde destinations.
func (r *PathResolver) Resolve(dest, owner string) (Location, string, error) {
	if dest == "" {
		return Location{}, "", NewFatalError(ErrCodeInvalidArgument, "destination is empty", nil)
	}

	var abs, source string
	switch {
	case strings.HasPrefix(dest, "~"):
		name, rest, _ := strings.Cut(dest[1:], "/")
		if name == "" {
			name = owner
		}
		if name == "" {
			return Location{}, "", NewFatalError(ErrCodeInvalidArgument,
				fmt.Sprintf("cannot expand %q without an owner", dest), nil)
		}
		home, err := r.principals.HomeDir(name)
		if err != nil {
			return Location{}, "", NewFatalError(ErrCodeUnknownPrincipal,
				fmt.Sprintf("unknown user %q", name), err).WithPath(dest)
		}
		abs = path.Join(home, rest)
		source = path.Join("user", rest)
	case path.IsAbs(dest):
		abs = path.Clean(dest)
		source = path.Join("root", abs)
	default:
		return Location{}, "", NewFatalError(ErrCodeInvalidArgument,
			fmt.Sprintf("destination %q must be absolute or start with ~", dest), nil)
	}

	return Location{
		Logical:  dest,
		Absolute: abs,
		Real:     r.Real(abs),
	}, source, nil
}

// Real joins an absolute path under the configured root.
func (r *PathResolver) Real(abs string) string {
	if r.root == "/" {
		return filepath.Clean(abs)
	}
	return filepath.Join(r.root, abs)
}
