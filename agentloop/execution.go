package agentloop

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"time"
	"unicode/utf8"

	"golang.org/x/sys/unix"
)

// DefaultScriptTimeout bounds the wall-clock time of one script run.
const DefaultScriptTimeout = 5 * time.Second

// DefaultInterpreter runs scripts handed to RunScript.
const DefaultInterpreter = "python3"

// ExecResult holds the result of a script execution.
type ExecResult struct {
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	ExitCode   int    `json:"exit_code"`
	TimedOut   bool   `json:"timed_out"`
	DurationMs int64  `json:"duration_ms"`
}

// DirEntry represents a filesystem directory entry.
type DirEntry struct {
	Name  string `json:"name"`
	IsDir bool   `json:"is_dir"`
	Size  int64  `json:"size"`
}

// ExecutionEnvironment abstracts where tool operations run. Every path
// argument is relative to the working directory; implementations reject
// paths that escape it with an error wrapping ErrOutsideRoot.
type ExecutionEnvironment interface {
	// ListDirectory returns the direct children of dir in enumeration order.
	ListDirectory(dir string) ([]DirEntry, error)
	// ReadFile returns at most maxChars characters of path and whether more remain.
	ReadFile(path string, maxChars int) (content string, truncated bool, err error)
	// WriteFile replaces path with content, creating parent directories,
	// and returns the number of characters written.
	WriteFile(path, content string) (int, error)
	// RunScript runs the script at path under the configured interpreter.
	RunScript(ctx context.Context, path string, args []string) (*ExecResult, error)

	WorkingDirectory() string
	Platform() string
	OSVersion() string
}

// sensitiveEnvPatterns are case-insensitive suffixes for environment variables
// that should be excluded by default.
var sensitiveEnvPatterns = []string{
	"_API_KEY",
	"_SECRET",
	"_TOKEN",
	"_PASSWORD",
	"_CREDENTIAL",
}

// safeEnvVars are always included regardless of filtering.
var safeEnvVars = map[string]bool{
	"PATH": true, "HOME": true, "USER": true, "SHELL": true,
	"LANG": true, "TERM": true, "TMPDIR": true,
	"PYENV_ROOT": true, "VIRTUAL_ENV": true, "PYTHONPATH": true,
}

func isSensitiveEnvVar(name string) bool {
	upper := strings.ToUpper(name)
	for _, pattern := range sensitiveEnvPatterns {
		if strings.HasSuffix(upper, pattern) {
			return true
		}
	}
	return false
}

// filterEnvironment returns environ without sensitive variables.
func filterEnvironment(environ []string) []string {
	var filtered []string
	for _, env := range environ {
		name, _, ok := strings.Cut(env, "=")
		if !ok {
			continue
		}
		if safeEnvVars[name] || !isSensitiveEnvVar(name) {
			filtered = append(filtered, env)
		}
	}
	return filtered
}

// LocalExecutionEnvironment runs tools on the local machine inside one root.
type LocalExecutionEnvironment struct {
	guard         *PathGuard
	interpreter   string
	scriptTimeout time.Duration
	platform      string
	osVersion     string
}

// LocalEnvOption configures a LocalExecutionEnvironment.
type LocalEnvOption func(*LocalExecutionEnvironment)

// WithInterpreter sets the program used to run scripts.
func WithInterpreter(interpreter string) LocalEnvOption {
	return func(e *LocalExecutionEnvironment) {
		if interpreter != "" {
			e.interpreter = interpreter
		}
	}
}

// WithScriptTimeout sets the hard timeout for script runs.
func WithScriptTimeout(d time.Duration) LocalEnvOption {
	return func(e *LocalExecutionEnvironment) {
		if d > 0 {
			e.scriptTimeout = d
		}
	}
}

// NewLocalExecutionEnvironment creates a local execution environment rooted
// at root, which must be an existing directory.
func NewLocalExecutionEnvironment(root string, opts ...LocalEnvOption) (*LocalExecutionEnvironment, error) {
	guard, err := NewPathGuard(root)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(guard.Root())
	if err != nil {
		return nil, fmt.Errorf("working directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("working directory %s: %w", guard.Root(), ErrNotADirectory)
	}

	e := &LocalExecutionEnvironment{
		guard:         guard,
		interpreter:   DefaultInterpreter,
		scriptTimeout: DefaultScriptTimeout,
		platform:      runtime.GOOS,
		osVersion:     runtime.GOOS + "/" + runtime.GOARCH,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

func (e *LocalExecutionEnvironment) WorkingDirectory() string {
	return e.guard.Root()
}

func (e *LocalExecutionEnvironment) Platform() string {
	return e.platform
}

func (e *LocalExecutionEnvironment) OSVersion() string {
	return e.osVersion
}

func (e *LocalExecutionEnvironment) ListDirectory(dir string) ([]DirEntry, error) {
	resolved, err := e.guard.Resolve(dir)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(resolved)
	if err != nil || !info.IsDir() {
		return nil, fmt.Errorf("list %q: %w", dir, ErrNotADirectory)
	}

	f, err := os.Open(resolved)
	if err != nil {
		return nil, fmt.Errorf("list %q: %w", dir, err)
	}
	defer f.Close()

	// File.ReadDir keeps the order the platform returns; os.ReadDir sorts.
	entries, err := f.ReadDir(-1)
	if err != nil {
		return nil, fmt.Errorf("list %q: %w", dir, err)
	}

	result := make([]DirEntry, 0, len(entries))
	for _, entry := range entries {
		info, err := os.Stat(filepath.Join(resolved, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("list %q: %w", dir, err)
		}
		result = append(result, DirEntry{
			Name:  entry.Name(),
			IsDir: info.IsDir(),
			Size:  info.Size(),
		})
	}
	return result, nil
}

func (e *LocalExecutionEnvironment) ReadFile(path string, maxChars int) (string, bool, error) {
	resolved, err := e.guard.Resolve(path)
	if err != nil {
		return "", false, err
	}
	info, err := os.Stat(resolved)
	if err != nil || !info.Mode().IsRegular() {
		return "", false, fmt.Errorf("read %q: %w", path, ErrNotAFile)
	}

	f, err := os.Open(resolved)
	if err != nil {
		return "", false, fmt.Errorf("read %q: %w", path, err)
	}
	defer f.Close()

	if maxChars <= 0 {
		data, err := io.ReadAll(f)
		if err != nil {
			return "", false, fmt.Errorf("read %q: %w", path, err)
		}
		if !utf8.Valid(data) {
			return "", false, fmt.Errorf("read %q: %w", path, ErrNotUTF8)
		}
		return string(data), false, nil
	}

	r := bufio.NewReader(f)
	var sb strings.Builder
	for n := 0; n < maxChars; n++ {
		ch, size, err := r.ReadRune()
		if errors.Is(err, io.EOF) {
			return sb.String(), false, nil
		}
		if err != nil {
			return "", false, fmt.Errorf("read %q: %w", path, err)
		}
		if ch == utf8.RuneError && size == 1 {
			return "", false, fmt.Errorf("read %q: %w", path, ErrNotUTF8)
		}
		sb.WriteRune(ch)
	}

	ch, size, err := r.ReadRune()
	switch {
	case err == nil && ch == utf8.RuneError && size == 1:
		return "", false, fmt.Errorf("read %q: %w", path, ErrNotUTF8)
	case err == nil:
		return sb.String(), true, nil
	case errors.Is(err, io.EOF):
		return sb.String(), false, nil
	default:
		return "", false, fmt.Errorf("read %q: %w", path, err)
	}
}

func (e *LocalExecutionEnvironment) WriteFile(path, content string) (int, error) {
	resolved, err := e.guard.Resolve(path)
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return 0, fmt.Errorf("write %q: create directory: %w", path, err)
	}
	if err := os.WriteFile(resolved, []byte(content), 0o644); err != nil {
		return 0, fmt.Errorf("write %q: %w", path, err)
	}
	return utf8.RuneCountInString(content), nil
}

func (e *LocalExecutionEnvironment) RunScript(ctx context.Context, path string, args []string) (*ExecResult, error) {
	resolved, err := e.guard.Resolve(path)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(resolved); err != nil {
		return nil, fmt.Errorf("run %q: %w", path, ErrNotFound)
	}
	if !strings.HasSuffix(resolved, ".py") {
		return nil, fmt.Errorf("run %q: %w", path, ErrWrongType)
	}

	runCtx, cancel := context.WithTimeout(ctx, e.scriptTimeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, e.interpreter, append([]string{resolved}, args...)...)
	cmd.Dir = e.guard.Root()
	cmd.Env = filterEnvironment(os.Environ())

	// Run in its own process group so a timeout takes down any children.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
	}
	cmd.WaitDelay = time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err = cmd.Run()

	result := &ExecResult{
		Stdout:     stdout.String(),
		Stderr:     stderr.String(),
		DurationMs: time.Since(start).Milliseconds(),
	}

	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("run %q: %w", path, ctx.Err())
		}
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			result.TimedOut = true
			result.ExitCode = -1
			return result, fmt.Errorf("run %q: %w after %s", path, ErrScriptTimeout, e.scriptTimeout)
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitCode(exitErr)
			return result, nil
		}
		return nil, fmt.Errorf("run %q: %w", path, err)
	}

	return result, nil
}

// exitCode reports a signal-terminated process as the negated signal number.
func exitCode(exitErr *exec.ExitError) int {
	if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
		return -int(status.Signal())
	}
	return exitErr.ExitCode()
}
