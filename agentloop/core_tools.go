package agentloop

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/invopop/jsonschema"
)

// Core tool names advertised to the model.
const (
	ToolGetFilesInfo   = "get_files_info"
	ToolGetFileContent = "get_file_content"
	ToolWriteFile      = "write_file"
	ToolRunPythonFile  = "run_python_file"
)

// NewCoreToolRegistry returns a registry holding the four core tools.
func NewCoreToolRegistry() (*ToolRegistry, error) {
	return NewToolRegistry(CoreTools()...)
}

// CoreTools returns the core tools in advertisement order.
func CoreTools() []RegisteredTool {
	return []RegisteredTool{
		getFilesInfoTool(),
		getFileContentTool(),
		runPythonFileTool(),
		writeFileTool(),
	}
}

type getFilesInfoArgs struct {
	Directory string `json:"directory,omitempty" jsonschema_description:"The directory to list files from, relative to the working directory. If not provided, lists files in the working directory itself."`
}

func getFilesInfoTool() RegisteredTool {
	return NewTool(ToolGetFilesInfo,
		"Lists files in the specified directory along with their sizes, constrained to the working directory.",
		func(_ context.Context, args getFilesInfoArgs, env ExecutionEnvironment) (string, error) {
			dir := args.Directory
			if dir == "" {
				dir = "."
			}
			entries, err := env.ListDirectory(dir)
			switch {
			case errors.Is(err, ErrOutsideRoot):
				return "", toolErrorf(FailureOutsideRoot, err, "Error: Cannot list \"%s\" as it is outside the permitted working directory", dir)
			case errors.Is(err, ErrNotADirectory):
				return "", toolErrorf(FailureNotADirectory, err, "Error: \"%s\" is not a directory", dir)
			case err != nil:
				return "", err
			}

			var sb strings.Builder
			for _, entry := range entries {
				fmt.Fprintf(&sb, "- %s: file_size=%d bytes, is_dir=%s\n", entry.Name, entry.Size, pythonBool(entry.IsDir))
			}
			return sb.String(), nil
		})
}

// pythonBool renders booleans as True or False.
func pythonBool(b bool) string {
	if b {
		return "True"
	}
	return "False"
}

type getFileContentArgs struct {
	FilePath string `json:"file_path" jsonschema_description:"The path to the file the content is read from, relative to the working directory. Content will be truncated to 10000 characters."`
}

func getFileContentTool() RegisteredTool {
	return NewTool(ToolGetFileContent,
		"Returns the content of the given file as a string, constrained to the working directory.",
		func(_ context.Context, args getFileContentArgs, env ExecutionEnvironment) (string, error) {
			if args.FilePath == "" {
				return "", toolErrorf(FailureInvalidArguments, nil, "Error: file_path is required")
			}
			content, truncated, err := env.ReadFile(args.FilePath, DefaultMaxReadChars)
			switch {
			case errors.Is(err, ErrOutsideRoot):
				return "", toolErrorf(FailureOutsideRoot, err, "Error: Cannot read \"%s\" as it is outside the permitted working directory", args.FilePath)
			case errors.Is(err, ErrNotAFile):
				return "", toolErrorf(FailureNotAFile, err, "Error: File not found or is not a regular file: \"%s\"", args.FilePath)
			case err != nil:
				return "", err
			}
			if truncated {
				content += readTruncationNotice(args.FilePath, DefaultMaxReadChars)
			}
			return content, nil
		})
}

type writeFileArgs struct {
	FilePath string  `json:"file_path" jsonschema_description:"The path of the file to write, relative to the working directory. Missing parent directories are created."`
	Content  *string `json:"content" jsonschema_description:"The full content to write. Any existing file is overwritten."`
}

func writeFileTool() RegisteredTool {
	return NewTool(ToolWriteFile,
		"Writes content to a file, creating or overwriting it, constrained to the working directory.",
		func(_ context.Context, args writeFileArgs, env ExecutionEnvironment) (string, error) {
			if args.FilePath == "" {
				return "", toolErrorf(FailureInvalidArguments, nil, "Error: file_path is required")
			}
			if args.Content == nil {
				return "", toolErrorf(FailureInvalidArguments, nil, "Error: content is required")
			}
			n, err := env.WriteFile(args.FilePath, *args.Content)
			switch {
			case errors.Is(err, ErrOutsideRoot):
				return "", toolErrorf(FailureOutsideRoot, err, "Error: Cannot write to \"%s\" as it is outside the permitted working directory", args.FilePath)
			case err != nil:
				return "", err
			}
			return fmt.Sprintf("Successfully wrote to \"%s\" (%d characters written)", args.FilePath, n), nil
		})
}

// stringList accepts either a JSON array of scalars or a single string.
type stringList []string

func (l *stringList) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*l = nil
		return nil
	}

	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*l = stringList{single}
		return nil
	}

	var items []json.RawMessage
	if err := json.Unmarshal(data, &items); err != nil {
		return fmt.Errorf("args must be a list of strings: %w", err)
	}
	out := make(stringList, 0, len(items))
	for _, item := range items {
		s, err := scalarString(item)
		if err != nil {
			return err
		}
		out = append(out, s)
	}
	*l = out
	return nil
}

// JSONSchema advertises stringList as a plain array of strings.
func (stringList) JSONSchema() *jsonschema.Schema {
	return &jsonschema.Schema{
		Type:  "array",
		Items: &jsonschema.Schema{Type: "string"},
	}
}

func scalarString(raw json.RawMessage) (string, error) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return "", err
	}
	switch s := v.(type) {
	case string:
		return s, nil
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64), nil
	case bool:
		return strconv.FormatBool(s), nil
	case nil:
		return "", nil
	default:
		return "", fmt.Errorf("args entries must be scalars, got %s", string(raw))
	}
}

type runPythonFileArgs struct {
	FilePath string     `json:"file_path" jsonschema_description:"The path of the Python file to execute, relative to the working directory."`
	Args     stringList `json:"args,omitempty" jsonschema_description:"Optional command-line arguments passed to the script."`
}

func runPythonFileTool() RegisteredTool {
	return NewTool(ToolRunPythonFile,
		"Executes a Python file with optional arguments, constrained to the working directory.",
		func(ctx context.Context, args runPythonFileArgs, env ExecutionEnvironment) (string, error) {
			if args.FilePath == "" {
				return "", toolErrorf(FailureInvalidArguments, nil, "Error: file_path is required")
			}
			result, err := env.RunScript(ctx, args.FilePath, args.Args)
			switch {
			case errors.Is(err, ErrOutsideRoot):
				return "", toolErrorf(FailureOutsideRoot, err, "Error: Cannot execute \"%s\" as it is outside the permitted working directory", args.FilePath)
			case errors.Is(err, ErrNotFound):
				return "", toolErrorf(FailureNotFound, err, "Error: File \"%s\" not found.", args.FilePath)
			case errors.Is(err, ErrWrongType):
				return "", toolErrorf(FailureWrongType, err, "Error: \"%s\" is not a Python file.", args.FilePath)
			case errors.Is(err, ErrScriptTimeout):
				return "", toolErrorf(FailureTimeout, err, "Error: executing Python file: %v", err)
			case err != nil:
				return "", toolErrorf(FailureIO, err, "Error: executing Python file: %v", err)
			}

			output := formatScriptOutput(result)
			if result.ExitCode != 0 {
				return "", toolErrorf(FailureExitStatus, nil, "%s", output)
			}
			return output, nil
		})
}

// formatScriptOutput composes the text the model sees for a finished run.
func formatScriptOutput(r *ExecResult) string {
	var sb strings.Builder
	if r.Stdout == "" && r.Stderr == "" {
		sb.WriteString("No output produced.")
	} else {
		fmt.Fprintf(&sb, "STDOUT: %s\nSTDERR: %s", r.Stdout, r.Stderr)
	}
	if r.ExitCode != 0 {
		fmt.Fprintf(&sb, "\nProcess exited with code %d", r.ExitCode)
	}
	return sb.String()
}
