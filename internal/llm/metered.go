package llm

import (
	"context"
	"log/slog"

	"github.com/financiia/marill/internal/usage"
)

// UsageRecorder persists token usage. *usage.Store implements it.
type UsageRecorder interface {
	Record(ctx context.Context, rec usage.Record) error
}

// CallInfo attributes a completion call to a user and agent.
type CallInfo struct {
	UserID string
	TurnID string
	Agent  string
}

type callInfoKey struct{}

// WithCallInfo attaches attribution to ctx for MeteredClient.
func WithCallInfo(ctx context.Context, info CallInfo) context.Context {
	return context.WithValue(ctx, callInfoKey{}, info)
}

// CallInfoFrom returns the attribution in ctx, if any.
func CallInfoFrom(ctx context.Context) CallInfo {
	info, _ := ctx.Value(callInfoKey{}).(CallInfo)
	return info
}

// WithAgent returns ctx with the agent name replaced.
func WithAgent(ctx context.Context, agent string) context.Context {
	info := CallInfoFrom(ctx)
	info.Agent = agent
	return WithCallInfo(ctx, info)
}

// MeteredClient wraps a Client and records the usage of every
// successful call. Recording failures are logged, never returned.
type MeteredClient struct {
	next     Client
	recorder UsageRecorder
	logger   *slog.Logger
}

// NewMeteredClient wraps next.
func NewMeteredClient(next Client, recorder UsageRecorder, logger *slog.Logger) *MeteredClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &MeteredClient{
		next:     next,
		recorder: recorder,
		logger:   logger.With("component", "llm_usage"),
	}
}

// Respond implements Client.
func (m *MeteredClient) Respond(ctx context.Context, req *Request) (*Response, error) {
	resp, err := m.next.Respond(ctx, req)
	if err != nil || m.recorder == nil {
		return resp, err
	}

	info := CallInfoFrom(ctx)
	model := resp.Model
	if model == "" {
		model = req.Model
	}
	rec := usage.Record{
		UserID:       info.UserID,
		TurnID:       info.TurnID,
		Agent:        info.Agent,
		Model:        model,
		ResponseID:   resp.ID,
		InputTokens:  resp.InputTokens,
		OutputTokens: resp.OutputTokens,
		TotalTokens:  resp.TotalTokens,
	}
	if rerr := m.recorder.Record(ctx, rec); rerr != nil {
		m.logger.Warn("failed to record usage", "agent", info.Agent, "user_id", info.UserID, "error", rerr)
	}
	return resp, nil
}
