package agentloop

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func dispatchTool(t *testing.T, d *Dispatcher, name, args string) Outcome {
	t.Helper()
	result := d.Dispatch(context.Background(), ToolCallRequest{ID: "call_1", Name: name, Arguments: json.RawMessage(args)})
	if err := result.Validate(); err != nil {
		t.Fatalf("Dispatch(%s) returned malformed result: %v", name, err)
	}
	if result.CallID != "call_1" || result.Name != name {
		t.Errorf("result not paired with its call: %+v", result)
	}
	return *result.Response
}

func newCoreDispatcher(t *testing.T, opts ...LocalEnvOption) (*Dispatcher, string) {
	t.Helper()
	env, root := newTestEnv(t, opts...)
	registry, err := NewCoreToolRegistry()
	if err != nil {
		t.Fatalf("NewCoreToolRegistry: %v", err)
	}
	return NewDispatcher(registry, env), root
}

func TestGetFilesInfoTool(t *testing.T) {
	d, root := newCoreDispatcher(t)
	writeTestFile(t, filepath.Join(root, "main.py"), "print('hi')\n")
	if err := os.Mkdir(filepath.Join(root, "pkg"), 0o755); err != nil {
		t.Fatal(err)
	}

	out := dispatchTool(t, d, ToolGetFilesInfo, `{}`)
	if out.Failed() {
		t.Fatalf("unexpected failure %+v", out)
	}
	lines := strings.Split(strings.TrimSuffix(out.Text, "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected one line per child, got %q", out.Text)
	}
	if !strings.Contains(out.Text, "- main.py: file_size=12 bytes, is_dir=False\n") {
		t.Errorf("missing file line in %q", out.Text)
	}
	if !strings.Contains(out.Text, "- pkg: file_size=") || !strings.Contains(out.Text, "is_dir=True") {
		t.Errorf("missing directory line in %q", out.Text)
	}
}

func TestGetFilesInfoToolFailures(t *testing.T) {
	d, root := newCoreDispatcher(t)
	writeTestFile(t, filepath.Join(root, "main.py"), "")

	tests := []struct {
		args string
		kind FailureKind
		text string
	}{
		{`{"directory": "../"}`, FailureOutsideRoot, `Error: Cannot list "../" as it is outside the permitted working directory`},
		{`{"directory": "/bin"}`, FailureOutsideRoot, `Error: Cannot list "/bin" as it is outside the permitted working directory`},
		{`{"directory": "main.py"}`, FailureNotADirectory, `Error: "main.py" is not a directory`},
		{`{"directory": 7}`, FailureInvalidArguments, `Error: invalid arguments for get_files_info`},
	}
	for _, tt := range tests {
		t.Run(tt.args, func(t *testing.T) {
			out := dispatchTool(t, d, ToolGetFilesInfo, tt.args)
			if out.Failure != tt.kind {
				t.Errorf("failure = %q, want %q", out.Failure, tt.kind)
			}
			if !strings.HasPrefix(out.Text, tt.text) {
				t.Errorf("text = %q, want prefix %q", out.Text, tt.text)
			}
		})
	}
}

func TestGetFileContentTool(t *testing.T) {
	d, root := newCoreDispatcher(t)
	writeTestFile(t, filepath.Join(root, "small.txt"), "hello world")
	writeTestFile(t, filepath.Join(root, "lorem.txt"), strings.Repeat("x", 20000))

	out := dispatchTool(t, d, ToolGetFileContent, `{"file_path": "small.txt"}`)
	if out.Text != "hello world" || out.Failed() {
		t.Errorf("unexpected outcome %+v", out)
	}

	out = dispatchTool(t, d, ToolGetFileContent, `{"file_path": "lorem.txt"}`)
	marker := `[...File "lorem.txt" truncated at 10000 characters]`
	if !strings.HasSuffix(out.Text, marker) {
		t.Fatalf("expected truncation marker, got suffix %q", out.Text[len(out.Text)-80:])
	}
	if got := len(strings.TrimSuffix(out.Text, marker)); got != DefaultMaxReadChars {
		t.Errorf("expected %d characters before the marker, got %d", DefaultMaxReadChars, got)
	}
}

func TestGetFileContentToolFailures(t *testing.T) {
	d, root := newCoreDispatcher(t)
	if err := os.Mkdir(filepath.Join(root, "pkg"), 0o755); err != nil {
		t.Fatal(err)
	}

	out := dispatchTool(t, d, ToolGetFileContent, `{"file_path": "/etc/passwd"}`)
	if out.Failure != FailureOutsideRoot || out.Text != `Error: Cannot read "/etc/passwd" as it is outside the permitted working directory` {
		t.Errorf("unexpected outcome %+v", out)
	}

	out = dispatchTool(t, d, ToolGetFileContent, `{"file_path": "pkg"}`)
	if out.Failure != FailureNotAFile || out.Text != `Error: File not found or is not a regular file: "pkg"` {
		t.Errorf("unexpected outcome %+v", out)
	}

	writeTestFile(t, filepath.Join(root, "blob.bin"), string([]byte{0xff, 0xfe, 0x00, 0x80}))
	out = dispatchTool(t, d, ToolGetFileContent, `{"file_path": "blob.bin"}`)
	if out.Failure != FailureIO || !strings.HasPrefix(out.Text, "Error: ") || !strings.Contains(out.Text, "not valid UTF-8") {
		t.Errorf("unexpected outcome %+v", out)
	}

	out = dispatchTool(t, d, ToolGetFileContent, `{}`)
	if out.Failure != FailureInvalidArguments {
		t.Errorf("expected invalid_arguments, got %+v", out)
	}
}

func TestWriteFileTool(t *testing.T) {
	d, root := newCoreDispatcher(t)

	out := dispatchTool(t, d, ToolWriteFile, `{"file_path": "pkg/morelorem.txt", "content": "lorem ipsum"}`)
	if out.Failed() || out.Text != `Successfully wrote to "pkg/morelorem.txt" (11 characters written)` {
		t.Errorf("unexpected outcome %+v", out)
	}
	data, err := os.ReadFile(filepath.Join(root, "pkg", "morelorem.txt"))
	if err != nil || string(data) != "lorem ipsum" {
		t.Errorf("file not written: %q (%v)", data, err)
	}

	out = dispatchTool(t, d, ToolWriteFile, `{"file_path": "empty.txt", "content": ""}`)
	if out.Failed() || out.Text != `Successfully wrote to "empty.txt" (0 characters written)` {
		t.Errorf("empty content should be allowed, got %+v", out)
	}

	out = dispatchTool(t, d, ToolWriteFile, `{"file_path": "nocontent.txt"}`)
	if out.Failure != FailureInvalidArguments || out.Text != "Error: content is required" {
		t.Errorf("unexpected outcome %+v", out)
	}

	out = dispatchTool(t, d, ToolWriteFile, `{"file_path": "/tmp/temp.txt", "content": "this should not be allowed"}`)
	if out.Failure != FailureOutsideRoot || out.Text != `Error: Cannot write to "/tmp/temp.txt" as it is outside the permitted working directory` {
		t.Errorf("unexpected outcome %+v", out)
	}
}

func TestRunPythonFileToolValidation(t *testing.T) {
	d, root := newCoreDispatcher(t)
	writeTestFile(t, filepath.Join(root, "lorem.txt"), "")

	tests := []struct {
		args string
		kind FailureKind
		text string
	}{
		{`{"file_path": "../main.py"}`, FailureOutsideRoot, `Error: Cannot execute "../main.py" as it is outside the permitted working directory`},
		{`{"file_path": "nonexistent.py"}`, FailureNotFound, `Error: File "nonexistent.py" not found.`},
		{`{"file_path": "lorem.txt"}`, FailureWrongType, `Error: "lorem.txt" is not a Python file.`},
	}
	for _, tt := range tests {
		t.Run(tt.args, func(t *testing.T) {
			out := dispatchTool(t, d, ToolRunPythonFile, tt.args)
			if out.Failure != tt.kind || out.Text != tt.text {
				t.Errorf("got %+v, want %q %q", out, tt.kind, tt.text)
			}
		})
	}
}

func TestRunPythonFileTool(t *testing.T) {
	requirePython(t)
	d, root := newCoreDispatcher(t)
	writeTestFile(t, filepath.Join(root, "quiet.py"), "pass\n")
	writeTestFile(t, filepath.Join(root, "main.py"), "import sys\nprint(' '.join(sys.argv[1:]))\n")
	writeTestFile(t, filepath.Join(root, "fail.py"), "import sys\nprint('bad', file=sys.stderr)\nsys.exit(2)\n")

	out := dispatchTool(t, d, ToolRunPythonFile, `{"file_path": "quiet.py"}`)
	if out.Failed() || out.Text != "No output produced." {
		t.Errorf("unexpected outcome %+v", out)
	}

	out = dispatchTool(t, d, ToolRunPythonFile, `{"file_path": "main.py", "args": ["3", "+", 5]}`)
	if out.Failed() || out.Text != "STDOUT: 3 + 5\n\nSTDERR: " {
		t.Errorf("unexpected outcome %+v", out)
	}

	out = dispatchTool(t, d, ToolRunPythonFile, `{"file_path": "main.py", "args": "single"}`)
	if out.Text != "STDOUT: single\n\nSTDERR: " {
		t.Errorf("single string args not accepted: %+v", out)
	}

	out = dispatchTool(t, d, ToolRunPythonFile, `{"file_path": "fail.py"}`)
	if out.Failure != FailureExitStatus {
		t.Errorf("expected exit_status failure, got %q", out.Failure)
	}
	if out.Text != "STDOUT: \nSTDERR: bad\n\nProcess exited with code 2" {
		t.Errorf("unexpected text %q", out.Text)
	}

	writeTestFile(t, filepath.Join(root, "term.py"), "import os, signal\nos.kill(os.getpid(), signal.SIGTERM)\n")
	out = dispatchTool(t, d, ToolRunPythonFile, `{"file_path": "term.py"}`)
	if out.Failure != FailureExitStatus || out.Text != "No output produced.\nProcess exited with code -15" {
		t.Errorf("unexpected outcome %+v", out)
	}
}

func TestRunPythonFileToolTimeout(t *testing.T) {
	requirePython(t)
	d, root := newCoreDispatcher(t, WithScriptTimeout(100*time.Millisecond))
	writeTestFile(t, filepath.Join(root, "loop.py"), "while True:\n    pass\n")

	out := dispatchTool(t, d, ToolRunPythonFile, `{"file_path": "loop.py"}`)
	if out.Failure != FailureTimeout {
		t.Fatalf("expected timeout failure, got %+v", out)
	}
	if !strings.HasPrefix(out.Text, "Error: executing Python file: ") {
		t.Errorf("unexpected text %q", out.Text)
	}
}

func TestStringListUnmarshal(t *testing.T) {
	tests := []struct {
		input   string
		want    []string
		wantErr bool
	}{
		{`["a", "b"]`, []string{"a", "b"}, false},
		{`["3", 2, true, 1.5, null]`, []string{"3", "2", "true", "1.5", ""}, false},
		{`"single"`, []string{"single"}, false},
		{`[]`, []string{}, false},
		{`null`, nil, false},
		{`{"a": 1}`, nil, true},
		{`[["nested"]]`, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			var got stringList
			err := json.Unmarshal([]byte(tt.input), &got)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %v", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if strings.Join(got, "|") != strings.Join(tt.want, "|") || len(got) != len(tt.want) {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRunPythonFileArgsNull(t *testing.T) {
	var args runPythonFileArgs
	if err := decodeArguments(json.RawMessage(`{"file_path": "main.py", "args": null}`), &args); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if args.Args != nil {
		t.Errorf("null args should decode as no arguments, got %q (len %d)", args.Args, len(args.Args))
	}
}

func TestFormatScriptOutput(t *testing.T) {
	tests := []struct {
		name   string
		result ExecResult
		want   string
	}{
		{"no output", ExecResult{}, "No output produced."},
		{"no output nonzero", ExecResult{ExitCode: 1}, "No output produced.\nProcess exited with code 1"},
		{"stdout only", ExecResult{Stdout: "8\n"}, "STDOUT: 8\n\nSTDERR: "},
		{"both", ExecResult{Stdout: "a", Stderr: "b", ExitCode: 4}, "STDOUT: a\nSTDERR: b\nProcess exited with code 4"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := formatScriptOutput(&tt.result); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}
