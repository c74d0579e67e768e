package agentloop

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/martinemde/aiagent/unifiedllm"
)

// DefaultMaxCalls bounds the model calls made for one prompt.
const DefaultMaxCalls = 10

// Completer is the model-service boundary used by a Session.
// *unifiedllm.Client satisfies it.
type Completer interface {
	Complete(ctx context.Context, req unifiedllm.Request) (*unifiedllm.Response, error)
}

// SessionState represents the current lifecycle state of a session.
type SessionState string

const (
	StateIdle       SessionState = "idle"
	StateProcessing SessionState = "processing"
	StateClosed     SessionState = "closed"
)

// SessionConfig holds configuration for a session.
type SessionConfig struct {
	Model            string   `json:"model"`
	Provider         string   `json:"provider,omitempty"`
	MaxCalls         int      `json:"max_calls"` // model calls per prompt
	Temperature      *float64 `json:"temperature,omitempty"`
	UserInstructions string   `json:"user_instructions,omitempty"` // appended last to system prompt
	Verbose          bool     `json:"verbose"`
}

// DefaultSessionConfig returns the default configuration.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		MaxCalls: DefaultMaxCalls,
	}
}

// RunStatus reports how a run ended.
type RunStatus string

const (
	// RunCompleted means the model produced a final text answer.
	RunCompleted RunStatus = "completed"
	// RunIncomplete means the call budget ran out first.
	RunIncomplete RunStatus = "incomplete"
)

// RunResult describes one finished Submit.
type RunResult struct {
	SessionID  string           `json:"session_id"`
	Prompt     string           `json:"prompt"`
	Status     RunStatus        `json:"status"`
	FinalText  string           `json:"final_text,omitempty"`
	Iterations int              `json:"iterations"`
	Usage      unifiedllm.Usage `json:"usage"`
	Turns      []Turn           `json:"turns"`
}

var errNilResponse = errors.New("model returned no response")

// Session drives the conversation loop for one working directory. It is not
// safe for concurrent use.
type Session struct {
	id           string
	client       Completer
	env          ExecutionEnvironment
	registry     *ToolRegistry
	dispatcher   ToolDispatcher
	conversation *Conversation
	emitter      *EventEmitter
	config       SessionConfig
	state        SessionState
	logger       *slog.Logger
	trace        io.Writer
	now          func() time.Time
}

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithLogger sets the session logger.
func WithLogger(logger *slog.Logger) SessionOption {
	return func(s *Session) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithTraceWriter sets where the per-call trace lines go.
func WithTraceWriter(w io.Writer) SessionOption {
	return func(s *Session) {
		if w != nil {
			s.trace = w
		}
	}
}

// WithDispatcher replaces the registry-backed dispatcher.
func WithDispatcher(d ToolDispatcher) SessionOption {
	return func(s *Session) {
		s.dispatcher = d
	}
}

// WithClock sets the time source used for the environment block.
func WithClock(now func() time.Time) SessionOption {
	return func(s *Session) {
		if now != nil {
			s.now = now
		}
	}
}

// NewSession creates a session over client, env and registry. A nil config
// uses DefaultSessionConfig.
func NewSession(client Completer, env ExecutionEnvironment, registry *ToolRegistry, config *SessionConfig, opts ...SessionOption) *Session {
	sessionID := uuid.New().String()

	cfg := DefaultSessionConfig()
	if config != nil {
		cfg = *config
	}
	if cfg.MaxCalls <= 0 {
		cfg.MaxCalls = DefaultMaxCalls
	}

	s := &Session{
		id:           sessionID,
		client:       client,
		env:          env,
		registry:     registry,
		conversation: NewConversation(),
		emitter:      NewEventEmitter(sessionID, 256),
		config:       cfg,
		state:        StateIdle,
		logger:       slog.New(slog.DiscardHandler),
		trace:        io.Discard,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(slog.String("session_id", sessionID))
	if s.dispatcher == nil {
		s.dispatcher = NewDispatcher(registry, env,
			WithDispatchTrace(s.trace, cfg.Verbose),
			WithDispatchLogger(s.logger),
		)
	}

	s.emitter.Emit(EventSessionStart, map[string]interface{}{
		"working_directory": env.WorkingDirectory(),
		"model":             cfg.Model,
	})
	return s
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// State returns the current session state.
func (s *Session) State() SessionState { return s.state }

// History returns a copy of the conversation history.
func (s *Session) History() []Turn { return s.conversation.Turns() }

// Events returns the event channel for the host application.
func (s *Session) Events() <-chan SessionEvent { return s.emitter.Events() }

// Emitter returns the session's event emitter.
func (s *Session) Emitter() *EventEmitter { return s.emitter }

// Close terminates the session.
func (s *Session) Close() {
	if s.state == StateClosed {
		return
	}
	s.state = StateClosed
	s.emitter.Emit(EventSessionEnd, map[string]interface{}{
		"state": string(StateClosed),
	})
	s.emitter.Close()
}

// Submit runs the conversation loop for prompt until the model answers with
// text, the call budget runs out, or the model service fails. Running out of
// budget is not an error: the result has status RunIncomplete.
func (s *Session) Submit(ctx context.Context, prompt string) (*RunResult, error) {
	if s.state == StateClosed {
		return nil, errors.New("session is closed")
	}
	s.state = StateProcessing
	defer func() {
		if s.state == StateProcessing {
			s.state = StateIdle
		}
	}()

	s.conversation.Append(NewUserTurn(prompt))
	s.emitter.Emit(EventUserInput, map[string]interface{}{
		"content": prompt,
	})

	systemPrompt := BuildSystemPrompt(s.env, s.registry, s.config.Model, s.config.UserInstructions, s.now())
	toolDefs := s.registry.ToUnifiedLLMToolDefs()

	result := &RunResult{
		SessionID: s.id,
		Prompt:    prompt,
		Status:    RunIncomplete,
	}

	for i := 1; i <= s.config.MaxCalls; i++ {
		if err := ctx.Err(); err != nil {
			s.fail(ctx, i, err)
			return nil, fmt.Errorf("iteration %d: %w", i, err)
		}

		request := unifiedllm.Request{
			Model:       s.config.Model,
			Provider:    s.config.Provider,
			Messages:    append([]unifiedllm.Message{unifiedllm.SystemMessage(systemPrompt)}, s.conversation.Messages()...),
			ToolDefs:    toolDefs,
			ToolChoice:  &unifiedllm.ToolChoice{Mode: "auto"},
			Temperature: s.config.Temperature,
		}

		response, err := s.client.Complete(ctx, request)
		if err == nil && response == nil {
			err = errNilResponse
		}
		if err != nil {
			s.fail(ctx, i, err)
			return nil, fmt.Errorf("model call %d: %w", i, err)
		}

		result.Iterations = i
		result.Usage = result.Usage.Add(response.Usage)

		text := response.Text()
		calls := callRequestsFrom(response.ToolCallsFromResponse())
		s.conversation.Append(NewResponderTurn(text, calls, response.Usage))

		if text != "" {
			s.emitter.Emit(EventAssistantText, map[string]interface{}{
				"iteration": i,
				"text":      text,
			})
		}

		if len(calls) > 0 {
			s.dispatchBatch(ctx, i, calls)
			continue
		}

		if text != "" {
			result.Status = RunCompleted
			result.FinalText = text
			result.Turns = s.conversation.Turns()
			s.logger.InfoContext(ctx, "run completed",
				slog.Int("iterations", i),
				slog.Int("input_tokens", result.Usage.InputTokens),
				slog.Int("output_tokens", result.Usage.OutputTokens),
			)
			return result, nil
		}

		s.logger.DebugContext(ctx, "model returned neither text nor tool calls", slog.Int("iteration", i))
	}

	result.Turns = s.conversation.Turns()
	s.emitter.Emit(EventTurnLimit, map[string]interface{}{
		"max_calls": s.config.MaxCalls,
	})
	s.logger.WarnContext(ctx, "call budget exhausted without a final answer",
		slog.Int("max_calls", s.config.MaxCalls),
	)
	return result, nil
}

// dispatchBatch runs calls in order, appending one requester turn per result.
// A malformed result abandons the rest of the batch.
func (s *Session) dispatchBatch(ctx context.Context, iteration int, calls []ToolCallRequest) {
	for idx, call := range calls {
		s.emitter.Emit(EventToolCallStart, map[string]interface{}{
			"tool_name": call.Name,
			"call_id":   call.ID,
		})

		result := s.dispatcher.Dispatch(ctx, call)
		if err := result.Validate(); err != nil {
			s.emitter.Emit(EventError, map[string]interface{}{
				"error":     err.Error(),
				"call_id":   call.ID,
				"iteration": iteration,
			})
			s.logger.ErrorContext(ctx, "aborting tool batch",
				slog.Int("iteration", iteration),
				slog.Int("skipped", len(calls)-idx-1),
				slog.Any("error", err),
			)
			return
		}

		s.emitter.Emit(EventToolCallEnd, map[string]interface{}{
			"call_id": call.ID,
			"failure": string(result.Response.Failure),
			"output":  result.Payload(),
		})
		s.conversation.Append(NewToolResultTurn(result))
	}
}

func (s *Session) fail(ctx context.Context, iteration int, err error) {
	s.emitter.Emit(EventError, map[string]interface{}{
		"error":     err.Error(),
		"iteration": iteration,
	})
	s.logger.ErrorContext(ctx, "run failed", slog.Int("iteration", iteration), slog.Any("error", err))
}

func callRequestsFrom(calls []unifiedllm.ToolCall) []ToolCallRequest {
	if len(calls) == 0 {
		return nil
	}
	out := make([]ToolCallRequest, len(calls))
	for i, c := range calls {
		out[i] = ToolCallRequest{ID: c.ID, Name: c.Name, Arguments: c.Arguments}
	}
	return out
}
