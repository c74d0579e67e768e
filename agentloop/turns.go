package agentloop

import (
	"strings"
	"time"

	"github.com/martinemde/aiagent/unifiedllm"
)

// TurnRole identifies which side of the exchange produced a turn. Tool
// results are sent back on the requester side.
type TurnRole string

const (
	RoleRequester TurnRole = "requester"
	RoleResponder TurnRole = "responder"
)

// ItemKind discriminates between the items of a turn.
type ItemKind string

const (
	ItemText        ItemKind = "text"
	ItemCallRequest ItemKind = "call_request"
	ItemCallResult  ItemKind = "call_result"
)

// TurnItem is a tagged union of the things a turn can carry.
type TurnItem struct {
	Kind    ItemKind         `json:"kind"`
	Text    string           `json:"text,omitempty"`
	Request *ToolCallRequest `json:"request,omitempty"`
	Result  *ToolCallResult  `json:"result,omitempty"`
}

// Turn is a single entry in the conversation history.
type Turn struct {
	Role      TurnRole         `json:"role"`
	Timestamp time.Time        `json:"timestamp"`
	Items     []TurnItem       `json:"items"`
	Usage     unifiedllm.Usage `json:"usage"`
}

// NewUserTurn creates a requester turn holding the user's prompt.
func NewUserTurn(content string) Turn {
	return Turn{
		Role:      RoleRequester,
		Timestamp: time.Now(),
		Items:     []TurnItem{{Kind: ItemText, Text: content}},
	}
}

// NewResponderTurn creates a turn for a model reply. Text and call requests
// are both kept.
func NewResponderTurn(text string, calls []ToolCallRequest, usage unifiedllm.Usage) Turn {
	items := make([]TurnItem, 0, len(calls)+1)
	if text != "" {
		items = append(items, TurnItem{Kind: ItemText, Text: text})
	}
	for i := range calls {
		call := calls[i]
		call.Arguments = append([]byte(nil), call.Arguments...)
		items = append(items, TurnItem{Kind: ItemCallRequest, Request: &call})
	}
	return Turn{
		Role:      RoleResponder,
		Timestamp: time.Now(),
		Items:     items,
		Usage:     usage,
	}
}

// NewToolResultTurn creates a requester turn carrying one tool result.
func NewToolResultTurn(result ToolCallResult) Turn {
	return Turn{
		Role:      RoleRequester,
		Timestamp: time.Now(),
		Items:     []TurnItem{{Kind: ItemCallResult, Result: &result}},
	}
}

// TextContent returns the concatenated text items of the turn.
func (t Turn) TextContent() string {
	var parts []string
	for _, item := range t.Items {
		if item.Kind == ItemText {
			parts = append(parts, item.Text)
		}
	}
	return strings.Join(parts, "")
}

// CallRequests returns the call requests carried by the turn.
func (t Turn) CallRequests() []ToolCallRequest {
	var calls []ToolCallRequest
	for _, item := range t.Items {
		if item.Kind == ItemCallRequest && item.Request != nil {
			calls = append(calls, *item.Request)
		}
	}
	return calls
}

// Conversation is an append-only sequence of turns.
type Conversation struct {
	turns []Turn
}

// NewConversation returns an empty conversation.
func NewConversation() *Conversation {
	return &Conversation{}
}

// Append adds a turn at the end.
func (c *Conversation) Append(turn Turn) {
	c.turns = append(c.turns, turn)
}

// Turns returns a copy of the history.
func (c *Conversation) Turns() []Turn {
	h := make([]Turn, len(c.turns))
	copy(h, c.turns)
	return h
}

// Len returns the number of turns.
func (c *Conversation) Len() int {
	return len(c.turns)
}

// Messages converts the history into model-service messages.
func (c *Conversation) Messages() []unifiedllm.Message {
	return ConvertHistoryToMessages(c.turns)
}

// ConvertHistoryToMessages converts the turn-based history into LLM messages.
func ConvertHistoryToMessages(history []Turn) []unifiedllm.Message {
	var messages []unifiedllm.Message
	for _, turn := range history {
		switch turn.Role {
		case RoleResponder:
			msg := unifiedllm.AssistantMessage(turn.TextContent())
			for _, call := range turn.CallRequests() {
				msg.Content = append(msg.Content, unifiedllm.ToolCallPart(call.ID, call.Name, call.Arguments))
			}
			messages = append(messages, msg)
		case RoleRequester:
			var text []string
			for _, item := range turn.Items {
				switch {
				case item.Kind == ItemText:
					text = append(text, item.Text)
				case item.Kind == ItemCallResult && item.Result != nil:
					r := item.Result
					isErr := r.Response != nil && r.Response.Failed()
					messages = append(messages, unifiedllm.ToolResultMessage(r.CallID, r.Name, r.Payload(), isErr))
				}
			}
			if len(text) > 0 {
				messages = append(messages, unifiedllm.UserMessage(strings.Join(text, "")))
			}
		}
	}
	return messages
}
