package tools

import (
	"context"
	"time"
)

// Sender delivers a text message to a chat.
type Sender interface {
	SendText(ctx context.Context, chatID, text string) error
}

// AgentContext identifies whose turn is running. Handlers scope every
// read and write by UserID; the record store and billing handles are
// bound when the handler set is built.
type AgentContext struct {
	UserID    string
	ChatID    string
	Nickname  string
	Location  *time.Location
	Transport Sender
}

// Now returns the current time in the user's location.
func (a *AgentContext) Now() time.Time {
	if a == nil || a.Location == nil {
		return time.Now()
	}
	return time.Now().In(a.Location)
}

type contextKey string

const agentContextKey contextKey = "agent_context"

// WithAgentContext attaches the per-turn agent context to ctx.
func WithAgentContext(ctx context.Context, actx *AgentContext) context.Context {
	return context.WithValue(ctx, agentContextKey, actx)
}

// AgentContextFrom extracts the agent context. Returns nil if unset.
func AgentContextFrom(ctx context.Context) *AgentContext {
	actx, _ := ctx.Value(agentContextKey).(*AgentContext)
	return actx
}
