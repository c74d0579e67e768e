package agentloop

import (
	"errors"
	"fmt"
)

// FailureKind classifies a recoverable tool failure. The zero value means
// the tool succeeded.
type FailureKind string

const (
	FailureNone             FailureKind = ""
	FailureOutsideRoot      FailureKind = "outside_root"
	FailureNotADirectory    FailureKind = "not_a_directory"
	FailureNotAFile         FailureKind = "not_a_file"
	FailureNotFound         FailureKind = "not_found"
	FailureWrongType        FailureKind = "wrong_type"
	FailureTimeout          FailureKind = "timeout"
	FailureExitStatus       FailureKind = "exit_status"
	FailureIO               FailureKind = "io"
	FailureInvalidArguments FailureKind = "invalid_arguments"
	FailureUnknownTool      FailureKind = "unknown_tool"
)

// Outcome is the tagged result of one tool invocation. Text is what the
// model sees, whether or not the invocation failed.
type Outcome struct {
	Failure FailureKind `json:"failure,omitempty"`
	Text    string      `json:"text"`
}

// Failed reports whether the outcome carries a failure kind.
func (o Outcome) Failed() bool {
	return o.Failure != FailureNone
}

// ToolError is a recoverable failure returned by a tool executor. Message is
// shown to the model verbatim; Err keeps the underlying cause for errors.Is.
type ToolError struct {
	Kind    FailureKind
	Message string
	Err     error
}

func (e *ToolError) Error() string {
	return e.Message
}

func (e *ToolError) Unwrap() error {
	return e.Err
}

func toolErrorf(kind FailureKind, cause error, format string, args ...any) *ToolError {
	return &ToolError{Kind: kind, Message: fmt.Sprintf(format, args...), Err: cause}
}

// renderOutcome turns an executor's return values into the outcome handed
// back to the model.
func renderOutcome(output string, err error) Outcome {
	if err == nil {
		return Outcome{Text: output}
	}
	var te *ToolError
	if errors.As(err, &te) {
		return Outcome{Failure: te.Kind, Text: te.Message}
	}
	return Outcome{Failure: classifyFailure(err), Text: "Error: " + err.Error()}
}

// classifyFailure maps a sentinel-wrapped error to its failure kind.
func classifyFailure(err error) FailureKind {
	switch {
	case errors.Is(err, ErrOutsideRoot):
		return FailureOutsideRoot
	case errors.Is(err, ErrNotADirectory):
		return FailureNotADirectory
	case errors.Is(err, ErrNotAFile):
		return FailureNotAFile
	case errors.Is(err, ErrNotFound):
		return FailureNotFound
	case errors.Is(err, ErrWrongType):
		return FailureWrongType
	case errors.Is(err, ErrScriptTimeout):
		return FailureTimeout
	default:
		return FailureIO
	}
}
