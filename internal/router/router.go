// Package router classifies each turn and delegates it to a specialist
// agent.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/financiia/marill/internal/agent"
	"github.com/financiia/marill/internal/conversation"
	"github.com/financiia/marill/internal/llm"
	"github.com/financiia/marill/internal/prompts"
	"github.com/financiia/marill/internal/session"
	"github.com/financiia/marill/internal/tools"
)

// ErrNoDecision is returned when the model answers the classification
// call with anything other than a delegation.
var ErrNoDecision = errors.New("router: model made no delegation")

// DelegateAction is the single action offered to the model.
const DelegateAction = "delegate_message"

// DefaultHistorySize is how many trailing messages the router sees.
const DefaultHistorySize = 4

// Decision records one routing outcome.
type Decision struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
	UserID    string    `json:"user_id,omitempty"`

	Messages int    `json:"messages"`
	Agent    string `json:"agent"`
	Tokens   int    `json:"tokens"`

	// Post-execution (filled in later)
	LatencyMs   int64 `json:"latency_ms,omitempty"`
	AgentTokens int   `json:"agent_tokens,omitempty"`
	Success     *bool `json:"success,omitempty"`
}

// Config holds router configuration.
type Config struct {
	Model string
	// Agents is the enum offered to the model. Defaults to the three
	// specialist agents.
	Agents      []string
	HistorySize int
	MaxAuditLog int // How many decisions to keep in memory
}

// Runner executes an agent definition. *agent.Executor implements it.
type Runner interface {
	Run(ctx context.Context, def agent.Definition, window conversation.Window, sess *session.Session) (agent.Result, error)
}

// Router picks an agent for each turn and runs it.
type Router struct {
	client llm.Client
	runner Runner
	agents map[string]agent.Definition
	logger *slog.Logger
	config Config
	tracer trace.Tracer

	mu       sync.RWMutex
	auditLog []Decision
	stats    Stats
}

// Stats tracks routing statistics.
type Stats struct {
	TotalRequests int64            `json:"total_requests"`
	AgentCounts   map[string]int64 `json:"agent_counts"`
	AvgLatencyMs  map[string]int64 `json:"avg_latency_ms"`
	Failures      int64            `json:"failures"`
}

// NewRouter creates a router delegating to agents, keyed by name.
func NewRouter(logger *slog.Logger, client llm.Client, runner Runner, agents map[string]agent.Definition, config Config) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	if config.MaxAuditLog <= 0 {
		config.MaxAuditLog = 1000
	}
	if config.HistorySize <= 0 {
		config.HistorySize = DefaultHistorySize
	}
	if len(config.Agents) == 0 {
		config.Agents = []string{agent.TransactionAgent, agent.GoalsAgent, agent.BaseAgent}
	}
	return &Router{
		client:   client,
		runner:   runner,
		agents:   agents,
		logger:   logger.With("component", "router"),
		config:   config,
		tracer:   otel.Tracer("github.com/financiia/marill/internal/router"),
		auditLog: make([]Decision, 0, config.MaxAuditLog),
		stats: Stats{
			AgentCounts:  make(map[string]int64),
			AvgLatencyMs: make(map[string]int64),
		},
	}
}

// delegateSpec describes the forced-choice action.
func (r *Router) delegateSpec() llm.ToolSpec {
	return llm.ToolSpec{
		Name:        DelegateAction,
		Description: "Delega a mensagem para outro agente",
		Strict:      true,
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"agent": map[string]any{
					"type":        "string",
					"description": "O agente a ser delegado",
					"enum":        r.config.Agents,
				},
			},
			"required":             []string{"agent"},
			"additionalProperties": false,
		},
	}
}

// Route makes one forced-choice completion call over the last few
// messages of history and returns the chosen agent.
func (r *Router) Route(ctx context.Context, history []conversation.Message) (*Decision, error) {
	msgs := conversation.Last(history, r.config.HistorySize)
	decision := &Decision{
		RequestID: uuid.NewString(),
		Timestamp: time.Now(),
		Messages:  len(msgs),
	}
	if actx := tools.AgentContextFrom(ctx); actx != nil {
		decision.UserID = actx.UserID
	}

	ctx, span := r.tracer.Start(ctx, "router.route",
		trace.WithAttributes(
			attribute.String("user.id", decision.UserID),
			attribute.Int("router.messages", len(msgs)),
		),
	)
	defer span.End()

	resp, err := r.client.Respond(llm.WithAgent(ctx, "router"), &llm.Request{
		Model:        r.config.Model,
		Instructions: prompts.RouterInstructions,
		Input:        llm.MessageItems(msgs),
		Tools:        []llm.ToolSpec{r.delegateSpec()},
		ToolChoice:   llm.ToolChoiceRequired,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "completion failed")
		return nil, fmt.Errorf("route: %w", err)
	}
	decision.Tokens = resp.TotalTokens

	name, err := parseDecision(resp)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "no decision")
		return decision, err
	}
	decision.Agent = name
	span.SetAttributes(attribute.String("router.agent", name))

	r.recordDecision(*decision)

	r.logger.Info("message routed",
		"request_id", decision.RequestID,
		"user_id", decision.UserID,
		"agent", name,
		"tokens", decision.Tokens,
	)
	return decision, nil
}

// parseDecision requires the first output to be a delegation.
func parseDecision(resp *llm.Response) (string, error) {
	if len(resp.Output) == 0 {
		return "", ErrNoDecision
	}
	first := resp.Output[0]
	if first.Kind != llm.OutputToolCall || first.Call == nil || first.Call.Name != DelegateAction {
		return "", ErrNoDecision
	}
	var args struct {
		Agent string `json:"agent"`
	}
	if err := first.Call.DecodeArguments(&args); err != nil {
		return "", fmt.Errorf("%w: decode arguments: %v", ErrNoDecision, err)
	}
	if args.Agent == "" {
		return "", ErrNoDecision
	}
	return args.Agent, nil
}

// Turn is one inbound message ready for delegation.
type Turn struct {
	// History is the chat history, oldest first, ending with the
	// message being answered.
	History []conversation.Message
	Now     time.Time
	Session *session.Session
}

// Delegate routes the turn and runs the chosen agent over the
// conversation window. It returns the tokens spent by the router and
// the agent together. An agent that is not wired gets a notice to the
// user instead of an error.
func (r *Router) Delegate(ctx context.Context, turn Turn) (int, error) {
	decision, err := r.Route(ctx, turn.History)
	if err != nil {
		tokens := 0
		if decision != nil {
			tokens = decision.Tokens
		}
		r.recordFailure()
		return tokens, err
	}
	tokens := decision.Tokens

	def, ok := r.agents[decision.Agent]
	if !ok {
		r.logger.Error("agent not implemented", "agent", decision.Agent, "user_id", decision.UserID)
		actx := tools.AgentContextFrom(ctx)
		if actx != nil && actx.Transport != nil {
			if err := actx.Transport.SendText(ctx, actx.ChatID, prompts.AgentUnavailable(decision.Agent)); err != nil {
				return tokens, fmt.Errorf("send agent notice: %w", err)
			}
		}
		return tokens, nil
	}

	now := turn.Now
	if now.IsZero() {
		now = time.Now()
	}
	window := conversation.Build(turn.History, now)

	start := time.Now()
	res, err := r.runner.Run(ctx, def, window, turn.Session)
	tokens += res.Tokens
	r.RecordOutcome(decision.RequestID, time.Since(start).Milliseconds(), res.Tokens, err == nil)
	if err != nil {
		return tokens, fmt.Errorf("delegate to %s: %w", decision.Agent, err)
	}
	return tokens, nil
}

// RecordOutcome updates a decision with execution results.
func (r *Router) RecordOutcome(requestID string, latencyMs int64, tokensUsed int, success bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := len(r.auditLog) - 1; i >= 0; i-- {
		if r.auditLog[i].RequestID == requestID {
			r.auditLog[i].LatencyMs = latencyMs
			r.auditLog[i].AgentTokens = tokensUsed
			r.auditLog[i].Success = &success

			name := r.auditLog[i].Agent
			if prev, ok := r.stats.AvgLatencyMs[name]; ok {
				r.stats.AvgLatencyMs[name] = (prev + latencyMs) / 2
			} else {
				r.stats.AvgLatencyMs[name] = latencyMs
			}
			if !success {
				r.stats.Failures++
			}
			break
		}
	}
}

// recordDecision adds a decision to the audit log.
func (r *Router) recordDecision(d Decision) {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Trim if over capacity
	if len(r.auditLog) >= r.config.MaxAuditLog {
		r.auditLog = r.auditLog[1:]
	}

	r.auditLog = append(r.auditLog, d)

	r.stats.TotalRequests++
	r.stats.AgentCounts[d.Agent]++
}

func (r *Router) recordFailure() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stats.TotalRequests++
	r.stats.Failures++
}

// GetAuditLog returns recent routing decisions, oldest first.
func (r *Router) GetAuditLog(limit int) []Decision {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if limit <= 0 || limit > len(r.auditLog) {
		limit = len(r.auditLog)
	}

	start := len(r.auditLog) - limit
	result := make([]Decision, limit)
	copy(result, r.auditLog[start:])
	return result
}

// GetStats returns a copy of the routing statistics.
func (r *Router) GetStats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s := Stats{
		TotalRequests: r.stats.TotalRequests,
		Failures:      r.stats.Failures,
		AgentCounts:   make(map[string]int64, len(r.stats.AgentCounts)),
		AvgLatencyMs:  make(map[string]int64, len(r.stats.AvgLatencyMs)),
	}
	for k, v := range r.stats.AgentCounts {
		s.AgentCounts[k] = v
	}
	for k, v := range r.stats.AvgLatencyMs {
		s.AvgLatencyMs[k] = v
	}
	return s
}

// Explain returns the decision recorded for requestID, or nil.
func (r *Router) Explain(requestID string) *Decision {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for i := len(r.auditLog) - 1; i >= 0; i-- {
		if r.auditLog[i].RequestID == requestID {
			d := r.auditLog[i]
			return &d
		}
	}
	return nil
}
