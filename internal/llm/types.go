// Package llm provides the completion service client.
package llm

import (
	"encoding/json"
)

// Role identifies the author of a conversation message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	// RoleDeveloper carries synthetic notes (current date, goal
	// progress) that are not part of the user-visible chat.
	RoleDeveloper Role = "developer"
)

// Message is a single conversation message.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// ToolCall is a structured request from the model to perform a named
// action. Arguments is the raw JSON object the model produced.
type ToolCall struct {
	ID        string `json:"call_id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// DecodeArguments unmarshals the call's JSON arguments into v.
func (c ToolCall) DecodeArguments(v any) error {
	args := c.Arguments
	if args == "" {
		args = "{}"
	}
	return json.Unmarshal([]byte(args), v)
}

// ToolResult is the string output returned to the model for a call.
type ToolResult struct {
	CallID string `json:"call_id"`
	Output string `json:"output"`
}

// Item is one element of a request's input: either a message or the
// result of a previous tool call. Exactly one field is set.
type Item struct {
	Message *Message    `json:"message,omitempty"`
	Result  *ToolResult `json:"result,omitempty"`
}

// MessageItems wraps messages as input items.
func MessageItems(msgs []Message) []Item {
	items := make([]Item, 0, len(msgs))
	for i := range msgs {
		m := msgs[i]
		items = append(items, Item{Message: &m})
	}
	return items
}

// ResultItems wraps tool results as input items.
func ResultItems(results []ToolResult) []Item {
	items := make([]Item, 0, len(results))
	for i := range results {
		r := results[i]
		items = append(items, Item{Result: &r})
	}
	return items
}

// ToolSpec describes an action the model may request.
type ToolSpec struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
	Strict      bool           `json:"strict"`
}

// ToolChoice controls whether the model must call a tool.
type ToolChoice string

const (
	ToolChoiceAuto     ToolChoice = "auto"
	ToolChoiceRequired ToolChoice = "required"
)

// Request is a single completion call.
type Request struct {
	Model        string
	Instructions string
	Input        []Item
	Tools        []ToolSpec
	ToolChoice   ToolChoice
	// PreviousResponseID continues a server-side chain. Empty starts a
	// fresh one.
	PreviousResponseID string
}

// OutputKind distinguishes output items.
type OutputKind string

const (
	OutputText     OutputKind = "text"
	OutputToolCall OutputKind = "tool_call"
)

// Output is one item the model produced, in order.
type Output struct {
	Kind OutputKind `json:"kind"`
	Text string     `json:"text,omitempty"`
	Call *ToolCall  `json:"call,omitempty"`
}

// Key returns a canonical serialization used to detect duplicate
// outputs. The call id is excluded: duplicates differ only by id.
// Arguments are re-marshalled so key order and whitespace do not matter.
func (o Output) Key() string {
	switch o.Kind {
	case OutputToolCall:
		if o.Call == nil {
			return string(o.Kind)
		}
		args := o.Call.Arguments
		var v any
		if err := json.Unmarshal([]byte(args), &v); err == nil {
			if b, err := json.Marshal(v); err == nil {
				args = string(b)
			}
		}
		return string(o.Kind) + "\x00" + o.Call.Name + "\x00" + args
	default:
		return string(o.Kind) + "\x00" + o.Text
	}
}

// Response is the provider-neutral result of a completion call.
type Response struct {
	ID           string
	Model        string
	Output       []Output
	InputTokens  int
	OutputTokens int
	TotalTokens  int
}

// ToolCalls returns the tool call outputs in order.
func (r *Response) ToolCalls() []ToolCall {
	var calls []ToolCall
	for _, o := range r.Output {
		if o.Kind == OutputToolCall && o.Call != nil {
			calls = append(calls, *o.Call)
		}
	}
	return calls
}
