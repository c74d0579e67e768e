package agentloop

import (
	"errors"
	"path/filepath"
	"testing"
)

func TestPathGuardResolve(t *testing.T) {
	root := filepath.Join(t.TempDir(), "work")
	guard, err := NewPathGuard(root)
	if err != nil {
		t.Fatalf("NewPathGuard: %v", err)
	}

	tests := []struct {
		name   string
		path   string
		want   string
		reject bool
	}{
		{name: "empty is root", path: "", want: root},
		{name: "dot is root", path: ".", want: root},
		{name: "child", path: "pkg/calc.py", want: filepath.Join(root, "pkg", "calc.py")},
		{name: "inner dotdot stays inside", path: "pkg/../main.py", want: filepath.Join(root, "main.py")},
		{name: "dotdot prefix in name", path: "..hidden", want: filepath.Join(root, "..hidden")},
		{name: "absolute inside", path: filepath.Join(root, "a.txt"), want: filepath.Join(root, "a.txt")},
		{name: "parent", path: "..", reject: true},
		{name: "escape", path: "../../etc/passwd", reject: true},
		{name: "sibling with shared prefix", path: "../work-other/x", reject: true},
		{name: "absolute outside", path: "/bin", reject: true},
		{name: "absolute sibling", path: root + "-evil", reject: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := guard.Resolve(tt.path)
			if tt.reject {
				if !errors.Is(err, ErrOutsideRoot) {
					t.Fatalf("Resolve(%q) error = %v, want ErrOutsideRoot", tt.path, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Resolve(%q): %v", tt.path, err)
			}
			if got != tt.want {
				t.Errorf("Resolve(%q) = %q, want %q", tt.path, got, tt.want)
			}
		})
	}
}

func TestNewPathGuardRelativeRoot(t *testing.T) {
	guard, err := NewPathGuard(".")
	if err != nil {
		t.Fatalf("NewPathGuard: %v", err)
	}
	if !filepath.IsAbs(guard.Root()) {
		t.Errorf("expected absolute root, got %q", guard.Root())
	}
}

func TestNewPathGuardEmptyRoot(t *testing.T) {
	if _, err := NewPathGuard(""); err == nil {
		t.Fatal("expected error for empty root")
	}
}
