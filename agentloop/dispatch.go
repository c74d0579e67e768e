package agentloop

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
)

// ToolCallRequest is one structured call issued by the model.
type ToolCallRequest struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolCallResult pairs a call with its outcome. A nil Response marks the
// result as malformed.
type ToolCallResult struct {
	CallID   string   `json:"call_id"`
	Name     string   `json:"name"`
	Response *Outcome `json:"response"`
}

// Payload returns the text returned to the model.
func (r ToolCallResult) Payload() string {
	if r.Response == nil {
		return ""
	}
	return r.Response.Text
}

// Validate reports ErrMalformedResult when the result lacks its response.
func (r ToolCallResult) Validate() error {
	if r.Response == nil {
		return fmt.Errorf("%w: call %q (%s) has no response", ErrMalformedResult, r.CallID, r.Name)
	}
	return nil
}

// ToolDispatcher resolves and runs one tool call.
type ToolDispatcher interface {
	Dispatch(ctx context.Context, call ToolCallRequest) ToolCallResult
}

// Dispatcher runs tool calls from a registry against a fixed environment.
type Dispatcher struct {
	registry *ToolRegistry
	env      ExecutionEnvironment
	trace    io.Writer
	verbose  bool
	logger   *slog.Logger
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithDispatchTrace writes one line per call to w before the tool runs.
// Verbose traces include the call arguments.
func WithDispatchTrace(w io.Writer, verbose bool) DispatcherOption {
	return func(d *Dispatcher) {
		d.trace = w
		d.verbose = verbose
	}
}

// WithDispatchLogger sets the logger for per-call debug records.
func WithDispatchLogger(logger *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// NewDispatcher creates a dispatcher over registry and env.
func NewDispatcher(registry *ToolRegistry, env ExecutionEnvironment, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		registry: registry,
		env:      env,
		trace:    io.Discard,
		logger:   slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch looks up the named tool and runs it. Unknown tools produce an
// unknown_tool outcome without touching the environment. Dispatch never
// returns a malformed result.
func (d *Dispatcher) Dispatch(ctx context.Context, call ToolCallRequest) ToolCallResult {
	if d.verbose {
		fmt.Fprintf(d.trace, "Calling function: %s(%s)\n", call.Name, string(call.Arguments))
	} else {
		fmt.Fprintf(d.trace, " - Calling function: %s\n", call.Name)
	}

	tool := d.registry.Get(call.Name)
	if tool == nil {
		d.logger.WarnContext(ctx, "unknown tool", slog.String("tool", call.Name), slog.String("call_id", call.ID))
		return ToolCallResult{
			CallID:   call.ID,
			Name:     call.Name,
			Response: &Outcome{Failure: FailureUnknownTool, Text: "Error: Unknown function: " + call.Name},
		}
	}

	d.logger.DebugContext(ctx, "calling tool",
		slog.String("tool", call.Name),
		slog.String("call_id", call.ID),
		slog.String("arguments", string(call.Arguments)),
	)

	outcome := renderOutcome(tool.Executor(ctx, call.Arguments, d.env))

	d.logger.DebugContext(ctx, "tool finished",
		slog.String("tool", call.Name),
		slog.String("call_id", call.ID),
		slog.String("failure", string(outcome.Failure)),
		slog.String("output", logPreview(outcome.Text)),
	)

	return ToolCallResult{CallID: call.ID, Name: call.Name, Response: &outcome}
}
