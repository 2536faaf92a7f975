// Package isolation confines the processes started by shell tasks: which
// directories they may run in and how their process tree is torn down.
package isolation

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// ErrDirDenied is returned by CheckDir when a directory is outside the policy.
var ErrDirDenied = errors.New("directory not allowed")

// Policy restricts the working directory of shell tasks. Empty AllowedDirs
// means any directory outside DeniedDirs is allowed.
type Policy struct {
	AllowedDirs []string `json:"allowed_dirs,omitempty"`
	DeniedDirs  []string `json:"denied_dirs,omitempty"`
}

// CheckDir reports whether a task may run in dir. Denials wrap ErrDirDenied;
// a denied entry always wins over an allowed one.
func (p Policy) CheckDir(dir string) error {
	if dir == "" {
		return nil
	}
	clean, err := resolve(dir)
	if err != nil {
		return denied("invalid directory %q: %v", dir, err)
	}
	for _, d := range p.DeniedDirs {
		base, err := resolve(d)
		if err != nil {
			// Unreadable deny rule: fail closed.
			return denied("directory %q denied: invalid rule %q: %v", dir, d, err)
		}
		if within(clean, base) {
			return denied("directory %q is denied", dir)
		}
	}
	if len(p.AllowedDirs) == 0 {
		return nil
	}
	for _, a := range p.AllowedDirs {
		base, err := resolve(a)
		if err != nil {
			continue
		}
		if within(clean, base) {
			return nil
		}
	}
	return denied("directory %q is not under an allowed directory", dir)
}

func denied(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrDirDenied, fmt.Sprintf(format, args...))
}

// resolve makes path absolute and resolves symlinks on its longest existing
// prefix, so a directory that does not exist yet still compares correctly.
func resolve(path string) (string, error) {
	if strings.ContainsRune(path, 0) {
		return "", fmt.Errorf("path contains null byte")
	}
	abs, err := filepath.Abs(filepath.Clean(path))
	if err != nil {
		return "", err
	}
	if real, err := filepath.EvalSymlinks(abs); err == nil {
		return real, nil
	}
	for dir := abs; ; {
		parent := filepath.Dir(dir)
		if parent == dir {
			return abs, nil
		}
		if real, err := filepath.EvalSymlinks(parent); err == nil {
			rel, err := filepath.Rel(parent, abs)
			if err != nil {
				return abs, nil
			}
			return filepath.Join(real, rel), nil
		}
		dir = parent
	}
}

// within reports whether path is base or below it. /tmp does not contain
// /tmpevil.
func within(path, base string) bool {
	if path == base {
		return true
	}
	rel, err := filepath.Rel(base, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
