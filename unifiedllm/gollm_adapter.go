package unifiedllm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/teilomillet/gollm"
	"github.com/teilomillet/gollm/utils"
)

// GollmAdapter wraps a gollm.LLM instance and implements ProviderAdapter.
// gollm exposes a single prompt/response text exchange, so the adapter
// flattens the conversation into one prompt and recovers tool calls from
// JSON emitted in the reply.
type GollmAdapter struct {
	provider string
	llm      gollm.LLM
	model    string
	counter  TokenCounter
}

// GollmAdapterOption configures a GollmAdapter.
type GollmAdapterOption func(*gollmAdapterConfig)

type gollmAdapterConfig struct {
	model       string
	maxTokens   int
	temperature float64
	counter     TokenCounter
	extraOpts   []gollm.ConfigOption
}

// WithModel sets the default model for the adapter.
func WithModel(model string) GollmAdapterOption {
	return func(c *gollmAdapterConfig) {
		c.model = model
	}
}

// WithMaxTokens sets the default max tokens.
func WithMaxTokens(n int) GollmAdapterOption {
	return func(c *gollmAdapterConfig) {
		c.maxTokens = n
	}
}

// WithTemperature sets the default temperature.
func WithTemperature(t float64) GollmAdapterOption {
	return func(c *gollmAdapterConfig) {
		c.temperature = t
	}
}

// WithTokenCounter overrides the counter used to estimate usage.
func WithTokenCounter(counter TokenCounter) GollmAdapterOption {
	return func(c *gollmAdapterConfig) {
		c.counter = counter
	}
}

// WithGollmOptions adds extra gollm configuration options.
func WithGollmOptions(opts ...gollm.ConfigOption) GollmAdapterOption {
	return func(c *gollmAdapterConfig) {
		c.extraOpts = append(c.extraOpts, opts...)
	}
}

// NewGollmAdapter creates a new GollmAdapter for the given provider.
// If apiKey is empty, gollm will attempt to read it from environment variables.
func NewGollmAdapter(provider string, apiKey string, opts ...GollmAdapterOption) (*GollmAdapter, error) {
	cfg := &gollmAdapterConfig{
		model:       "gemini-2.0-flash-001",
		maxTokens:   4096,
		temperature: 0.2,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	gollmOpts := []gollm.ConfigOption{
		gollm.SetProvider(provider),
		gollm.SetModel(cfg.model),
		gollm.SetMaxTokens(cfg.maxTokens),
		gollm.SetTemperature(cfg.temperature),
		gollm.SetMaxRetries(0), // RetryMiddleware owns retries.
		gollm.SetLogLevel(gollm.LogLevelWarn),
	}
	if apiKey != "" {
		gollmOpts = append(gollmOpts, gollm.SetAPIKey(apiKey))
	}
	gollmOpts = append(gollmOpts, cfg.extraOpts...)

	llm, err := gollm.NewLLM(gollmOpts...)
	if err != nil {
		return nil, &ConfigurationError{SDKError: SDKError{
			Message: fmt.Sprintf("create gollm LLM for provider %s", provider),
			Cause:   err,
		}}
	}

	return &GollmAdapter{
		provider: provider,
		llm:      llm,
		model:    cfg.model,
		counter:  cfg.counter,
	}, nil
}

// NewGollmAdapterFromLLM wraps an existing gollm.LLM instance.
func NewGollmAdapterFromLLM(provider, model string, llm gollm.LLM) *GollmAdapter {
	return &GollmAdapter{
		provider: provider,
		llm:      llm,
		model:    model,
	}
}

// Name returns the provider identifier.
func (a *GollmAdapter) Name() string {
	return a.provider
}

// Complete sends a blocking request and returns the full response.
func (a *GollmAdapter) Complete(ctx context.Context, req Request) (*Response, error) {
	prompt := a.translateRequest(req)
	a.applyRequestOptions(req)

	text, err := a.llm.Generate(ctx, prompt)
	if err != nil {
		return nil, a.translateError(err)
	}

	return a.buildResponse(req, text), nil
}

const toolCallInstructions = `# Calling tools

To call one or more tools, reply with a JSON array and nothing before it:
[{"name": "<tool name>", "arguments": {"<argument>": <value>}}]
Tool results are returned to you as "[Tool Result] <tool name>: <output>" lines.
When you have the final answer, reply with plain text and no JSON array.`

// translateRequest converts a unified Request into a gollm Prompt.
func (a *GollmAdapter) translateRequest(req Request) *gollm.Prompt {
	systemPrompt := req.SystemPrompt()
	var lines []string

	for _, msg := range req.Messages {
		switch msg.Role {
		case RoleUser:
			lines = append(lines, msg.TextContent())
		case RoleAssistant:
			if text := msg.TextContent(); text != "" {
				lines = append(lines, "[Assistant]: "+text)
			}
			for _, tc := range msg.ToolCalls() {
				lines = append(lines, fmt.Sprintf("[Tool Call] %s(%s)", tc.Name, string(tc.Arguments)))
			}
		case RoleTool:
			for _, part := range msg.Content {
				if part.Kind != ContentToolResult || part.ToolResult == nil {
					continue
				}
				prefix := "[Tool Result]"
				if part.ToolResult.IsError {
					prefix = "[Tool Error]"
				}
				lines = append(lines, fmt.Sprintf("%s %s: %s", prefix, part.ToolResult.Name, part.ToolResult.Content))
			}
		}
	}

	promptText := strings.Join(lines, "\n")
	if promptText == "" {
		promptText = "Hello"
	}

	var promptOpts []gollm.PromptOption

	if len(req.ToolDefs) > 0 {
		systemPrompt = strings.TrimSpace(systemPrompt + "\n\n" + toolCallInstructions)

		tools := make([]gollm.Tool, 0, len(req.ToolDefs))
		for _, t := range req.ToolDefs {
			tools = append(tools, gollm.Tool{
				Type: "function",
				Function: gollm.Function{
					Name:        t.Name,
					Description: t.Description,
					Parameters:  t.Parameters,
				},
			})
		}
		promptOpts = append(promptOpts, gollm.WithTools(tools))
	}

	if systemPrompt != "" {
		promptOpts = append(promptOpts, gollm.WithSystemPrompt(systemPrompt, gollm.CacheTypeEphemeral))
	}
	if req.MaxTokens != nil {
		promptOpts = append(promptOpts, gollm.WithMaxLength(*req.MaxTokens))
	}
	if req.ToolChoice != nil {
		promptOpts = append(promptOpts, gollm.WithToolChoice(req.ToolChoice.Mode))
	}

	return gollm.NewPrompt(promptText, promptOpts...)
}

// applyRequestOptions applies request-level parameters to the gollm LLM.
func (a *GollmAdapter) applyRequestOptions(req Request) {
	if req.Model != "" {
		a.llm.SetOption("model", req.Model)
	}
	if req.Temperature != nil {
		a.llm.SetOption("temperature", *req.Temperature)
	}
	if req.MaxTokens != nil {
		a.llm.SetOption("max_tokens", *req.MaxTokens)
	}
}

// buildResponse constructs a unified Response from the generated text.
func (a *GollmAdapter) buildResponse(req Request, text string) *Response {
	model := req.Model
	if model == "" {
		model = a.model
	}

	calls, remaining := parseToolCalls(text)

	var parts []ContentPart
	if remaining != "" {
		parts = append(parts, TextPart(remaining))
	}
	for i := range calls {
		parts = append(parts, ContentPart{Kind: ContentToolCall, ToolCall: &calls[i]})
	}

	finishReason := FinishReason{Reason: "stop", Raw: "stop"}
	if len(calls) > 0 {
		finishReason = FinishReason{Reason: "tool_calls", Raw: "tool_calls"}
	}

	return &Response{
		ID:       "resp_" + uuid.New().String()[:8],
		Model:    model,
		Provider: a.provider,
		Message: Message{
			Role:    RoleAssistant,
			Content: parts,
		},
		FinishReason: finishReason,
		Usage:        EstimateUsage(a.tokenCounter(), req, text),
	}
}

func (a *GollmAdapter) tokenCounter() TokenCounter {
	if a.counter != nil {
		return a.counter
	}
	return DefaultTokenCounter()
}

type rawToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// parseToolCalls extracts tool calls from the reply text and returns them
// with the text that is not part of a call. gollm renders native function
// calls as <function_call>{...}</function_call> blocks; replies without such
// blocks are searched for the first JSON array of calls or {"tool_calls": [...]}
// object.
func parseToolCalls(text string) ([]ToolCallData, string) {
	if calls, remaining, ok := parseFunctionCallBlocks(text); ok {
		return calls, remaining
	}

	for start := 0; start < len(text); start++ {
		if text[start] != '[' && text[start] != '{' {
			continue
		}
		var value json.RawMessage
		if err := json.NewDecoder(strings.NewReader(text[start:])).Decode(&value); err != nil {
			continue
		}
		raw, ok := decodeToolCallJSON(value)
		if !ok {
			continue
		}
		return buildToolCalls(raw), trimFence(text[:start])
	}
	return nil, strings.TrimSpace(text)
}

// parseFunctionCallBlocks handles gollm's native function call rendering.
func parseFunctionCallBlocks(text string) ([]ToolCallData, string, bool) {
	if !strings.Contains(text, "<function_call>") {
		return nil, "", false
	}
	cleaned, blocks, err := utils.CleanResponse(text)
	if err != nil || len(blocks) == 0 {
		return nil, "", false
	}

	raw := make([]rawToolCall, 0, len(blocks))
	for _, block := range blocks {
		var rc rawToolCall
		if err := json.Unmarshal([]byte(block), &rc); err != nil || rc.Name == "" {
			return nil, "", false
		}
		raw = append(raw, rc)
	}
	return buildToolCalls(raw), strings.TrimSpace(cleaned), true
}

// decodeToolCallJSON accepts an array of call objects or an object with a
// tool_calls array. Every call must carry a name.
func decodeToolCallJSON(value json.RawMessage) ([]rawToolCall, bool) {
	var raw []rawToolCall
	switch value[0] {
	case '[':
		if err := json.Unmarshal(value, &raw); err != nil {
			return nil, false
		}
	case '{':
		var envelope struct {
			ToolCalls *[]rawToolCall `json:"tool_calls"`
		}
		if err := json.Unmarshal(value, &envelope); err != nil || envelope.ToolCalls == nil {
			return nil, false
		}
		raw = *envelope.ToolCalls
	default:
		return nil, false
	}
	if len(raw) == 0 {
		return nil, false
	}
	for _, rc := range raw {
		if rc.Name == "" {
			return nil, false
		}
	}
	return raw, true
}

func buildToolCalls(raw []rawToolCall) []ToolCallData {
	calls := make([]ToolCallData, 0, len(raw))
	for _, rc := range raw {
		id := rc.ID
		if id == "" {
			id = "call_" + uuid.New().String()[:8]
		}
		calls = append(calls, ToolCallData{ID: id, Name: rc.Name, Arguments: normalizeArguments(rc.Arguments)})
	}
	return calls
}

// normalizeArguments defaults missing arguments to {} and unwraps arguments
// sent as a JSON-encoded string.
func normalizeArguments(args json.RawMessage) json.RawMessage {
	trimmed := bytes.TrimSpace(args)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return json.RawMessage("{}")
	}
	if trimmed[0] == '"' {
		var inner string
		if err := json.Unmarshal(trimmed, &inner); err == nil && json.Valid([]byte(inner)) {
			return json.RawMessage(inner)
		}
	}
	return trimmed
}

// trimFence drops an unclosed markdown code fence left in front of a JSON block.
func trimFence(text string) string {
	text = strings.TrimSpace(text)
	text = strings.TrimSuffix(text, "```json")
	text = strings.TrimSuffix(text, "```")
	return strings.TrimSpace(text)
}

var statusCodes = []int{401, 403, 404, 408, 413, 422, 429, 500, 502, 503, 504}

// translateError converts a gollm error into the unified error hierarchy.
func (a *GollmAdapter) translateError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return &AbortError{SDKError: SDKError{Message: "model call aborted", Cause: err}}
	}

	msg := err.Error()
	for _, code := range statusCodes {
		if strings.Contains(msg, strconv.Itoa(code)) {
			return ErrorFromStatusCode(code, msg, a.provider, err, nil)
		}
	}

	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "unauthorized") || strings.Contains(lower, "invalid api key"):
		return ErrorFromStatusCode(401, msg, a.provider, err, nil)
	case strings.Contains(lower, "forbidden"):
		return ErrorFromStatusCode(403, msg, a.provider, err, nil)
	case strings.Contains(lower, "rate limit"):
		return ErrorFromStatusCode(429, msg, a.provider, err, nil)
	case strings.Contains(lower, "context length") || strings.Contains(lower, "too many tokens"):
		return ErrorFromStatusCode(413, msg, a.provider, err, nil)
	case strings.Contains(lower, "timeout"):
		return &RequestTimeoutError{SDKError: SDKError{Message: msg, Cause: err}}
	case strings.Contains(lower, "connection refused") || strings.Contains(lower, "no such host"):
		return &NetworkError{SDKError: SDKError{Message: msg, Cause: err}}
	case strings.Contains(lower, "content filter") || strings.Contains(lower, "safety"):
		return &ContentFilterError{ProviderError: ProviderError{
			SDKError: SDKError{Message: msg, Cause: err}, Provider: a.provider,
		}}
	default:
		return &ProviderError{
			SDKError:  SDKError{Message: msg, Cause: err},
			Provider:  a.provider,
			Retryable: true,
		}
	}
}
