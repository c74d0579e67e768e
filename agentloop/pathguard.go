package agentloop

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// PathGuard confines file system paths to a single root directory. The root
// is made absolute once at construction and never changes.
type PathGuard struct {
	root string
}

// NewPathGuard returns a guard rooted at root.
func NewPathGuard(root string) (*PathGuard, error) {
	if root == "" {
		return nil, errors.New("path guard: root must not be empty")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("path guard: resolve root %q: %w", root, err)
	}
	return &PathGuard{root: filepath.Clean(abs)}, nil
}

// Root returns the absolute root directory.
func (g *PathGuard) Root() string {
	return g.root
}

// Resolve returns the absolute form of path. Relative paths are joined to the
// root; absolute paths are taken as-is. The result must be the root itself or
// lie below it, otherwise the returned error wraps ErrOutsideRoot. Symlinks
// are not followed.
func (g *PathGuard) Resolve(path string) (string, error) {
	target := path
	if !filepath.IsAbs(target) {
		target = filepath.Join(g.root, target)
	}
	target = filepath.Clean(target)

	if !hasPathPrefix(g.root, target) {
		return "", fmt.Errorf("%w: %q", ErrOutsideRoot, path)
	}
	return target, nil
}

// hasPathPrefix reports whether candidate equals root or lies below it by
// whole path segments, so /work does not contain /work-other.
func hasPathPrefix(root, candidate string) bool {
	rel, err := filepath.Rel(root, candidate)
	if err != nil {
		return false
	}
	if rel == "." {
		return true
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
