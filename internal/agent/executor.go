// Package agent runs specialist agents: the iterative loop that sends a
// conversation window to the completion service, relays the model's
// text to the user and performs the actions it requests until it stops
// asking for any.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/financiia/marill/internal/conversation"
	"github.com/financiia/marill/internal/llm"
	"github.com/financiia/marill/internal/prompts"
	"github.com/financiia/marill/internal/session"
	"github.com/financiia/marill/internal/tools"
)

// ErrBudgetExceeded is returned when an agent is still requesting
// actions after the iteration budget is spent.
var ErrBudgetExceeded = errors.New("agent iteration budget exceeded")

// Defaults applied by NewExecutor to zero Config fields.
const (
	DefaultMaxIterations = 8
	DefaultTurnTimeout   = 2 * time.Minute
	DefaultPacing        = 5 * time.Second
)

// Prelude rewrites the window before the first completion call of a
// run, typically to inject a fresh system note.
type Prelude func(ctx context.Context, actx *tools.AgentContext, msgs []conversation.Message) ([]conversation.Message, error)

// Definition describes one specialist agent.
type Definition struct {
	Name         string
	Model        string // empty uses the executor default
	Instructions string
	Tools        *tools.Registry
	Prelude      Prelude
}

// SessionSaver persists chain state. *session.Store implements it.
type SessionSaver interface {
	Save(ctx context.Context, userID string, sess *session.Session) error
}

// Config bounds a run.
type Config struct {
	Model         string
	MaxIterations int
	TurnTimeout   time.Duration
	// Pacing is the pause after each text sent to the user. Negative
	// disables it.
	Pacing time.Duration
}

// Result summarizes a run.
type Result struct {
	Tokens     int
	Iterations int
	Texts      int
	Actions    int
}

// Executor runs agent definitions against the completion service.
type Executor struct {
	client   llm.Client
	sessions SessionSaver
	cfg      Config
	logger   *slog.Logger
	tracer   trace.Tracer
}

// NewExecutor creates an executor.
func NewExecutor(client llm.Client, sessions SessionSaver, cfg Config, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultMaxIterations
	}
	if cfg.TurnTimeout <= 0 {
		cfg.TurnTimeout = DefaultTurnTimeout
	}
	if cfg.Pacing == 0 {
		cfg.Pacing = DefaultPacing
	}
	return &Executor{
		client:   client,
		sessions: sessions,
		cfg:      cfg,
		logger:   logger.With("component", "agent"),
		tracer:   otel.Tracer("github.com/financiia/marill/internal/agent"),
	}
}

// Run executes def for the turn described by the AgentContext in ctx.
// sess is updated in place and saved after every completion call so a
// failure later in the run never loses the chain. A run that aborts
// while requested actions still lack delivered results marks the
// session for reset, since the service will not continue from a
// response with unanswered calls.
func (e *Executor) Run(ctx context.Context, def Definition, window conversation.Window, sess *session.Session) (res Result, err error) {

	actx := tools.AgentContextFrom(ctx)
	if actx == nil || actx.UserID == "" {
		return res, fmt.Errorf("run %s: no agent context", def.Name)
	}
	if actx.Transport == nil {
		return res, fmt.Errorf("run %s: no transport", def.Name)
	}
	if sess == nil {
		sess = &session.Session{}
	}
	if window.ShouldReset {
		sess.ShouldReset = true
	}

	// pending is set while the last response has calls whose results
	// have not reached the service.
	pending := false
	defer func() {
		if err != nil && pending {
			e.abandonChain(ctx, actx.UserID, sess)
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, e.cfg.TurnTimeout)
	defer cancel()
	ctx = llm.WithAgent(ctx, def.Name)

	ctx, span := e.tracer.Start(ctx, "agent.run",
		trace.WithAttributes(
			attribute.String("agent.name", def.Name),
			attribute.String("user.id", actx.UserID),
			attribute.Bool("session.reset", sess.ShouldReset),
		),
	)
	defer span.End()

	log := e.logger.With("agent", def.Name, "user_id", actx.UserID)

	msgs := window.Messages
	if def.Prelude != nil {
		msgs, err = def.Prelude(ctx, actx, msgs)
		if err != nil {
			return res, e.failed(span, fmt.Errorf("run %s: prelude: %w", def.Name, err))
		}
	}

	model := def.Model
	if model == "" {
		model = e.cfg.Model
	}
	var specs []llm.ToolSpec
	if def.Tools != nil {
		specs = def.Tools.Specs()
	}
	instructions := prompts.WithNickname(def.Instructions, actx.Nickname)

	input := llm.MessageItems(msgs)
	for {
		if res.Iterations >= e.cfg.MaxIterations {
			log.Warn("iteration budget exceeded", "iterations", res.Iterations, "tokens", res.Tokens)
			return res, e.failed(span, fmt.Errorf("run %s: %w", def.Name, ErrBudgetExceeded))
		}
		res.Iterations++

		resp, err := e.client.Respond(ctx, &llm.Request{
			Model:              model,
			Instructions:       instructions,
			Input:              input,
			Tools:              specs,
			ToolChoice:         llm.ToolChoiceAuto,
			PreviousResponseID: sess.Continuation(),
		})
		if err != nil {
			return res, e.failed(span, fmt.Errorf("run %s: completion: %w", def.Name, err))
		}
		res.Tokens += resp.TotalTokens
		pending = hasCalls(resp.Output)

		sess.LastCompletionID = resp.ID
		sess.ShouldReset = false
		if e.sessions != nil {
			if err := e.sessions.Save(ctx, actx.UserID, sess); err != nil {
				log.Warn("failed to save session", "response_id", resp.ID, "error", err)
			}
		}

		log.Debug("completion received",
			"iteration", res.Iterations,
			"response_id", resp.ID,
			"outputs", len(resp.Output),
			"tokens", resp.TotalTokens,
		)

		results, err := e.handleOutputs(ctx, def, actx, resp.Output, &res)
		if err != nil {
			return res, e.failed(span, fmt.Errorf("run %s: %w", def.Name, err))
		}
		if len(results) == 0 {
			break
		}
		input = llm.ResultItems(results)
	}

	span.SetAttributes(
		attribute.Int("agent.iterations", res.Iterations),
		attribute.Int("agent.tokens", res.Tokens),
	)
	log.Info("agent finished",
		"iterations", res.Iterations,
		"texts", res.Texts,
		"actions", res.Actions,
		"tokens", res.Tokens,
	)
	return res, nil
}

// abandonChain forces the next run to start a fresh chain. It runs on a
// context detached from the turn, which may already be past its deadline.
func (e *Executor) abandonChain(ctx context.Context, userID string, sess *session.Session) {
	sess.ShouldReset = true
	if e.sessions == nil {
		return
	}
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := e.sessions.Save(saveCtx, userID, sess); err != nil {
		e.logger.Error("failed to reset session after aborted run", "user_id", userID, "error", err)
		return
	}
	e.logger.Warn("session reset after aborted run", "user_id", userID, "response_id", sess.LastCompletionID)
}

func hasCalls(outputs []llm.Output) bool {
	for _, out := range outputs {
		if out.Kind == llm.OutputToolCall && out.Call != nil {
			return true
		}
	}
	return false
}

// handleOutputs relays texts and performs actions in the order the
// model produced them. Structurally identical outputs are handled once;
// a duplicated action still yields one result per call id, each a copy
// of the single execution's output.
func (e *Executor) handleOutputs(ctx context.Context, def Definition, actx *tools.AgentContext, outputs []llm.Output, res *Result) ([]llm.ToolResult, error) {
	var results []llm.ToolResult
	texts := make(map[string]bool)
	done := make(map[string]string)

	for _, out := range outputs {
		key := out.Key()
		switch out.Kind {
		case llm.OutputText:
			if out.Text == "" || texts[key] {
				continue
			}
			texts[key] = true
			if err := actx.Transport.SendText(ctx, actx.ChatID, out.Text); err != nil {
				return nil, fmt.Errorf("send text: %w", err)
			}
			res.Texts++
			if err := e.pace(ctx); err != nil {
				return nil, err
			}

		case llm.OutputToolCall:
			if out.Call == nil {
				continue
			}
			if prev, ok := done[key]; ok {
				results = append(results, llm.ToolResult{CallID: out.Call.ID, Output: prev})
				continue
			}
			if def.Tools == nil {
				return nil, &tools.ErrToolUnavailable{ToolName: out.Call.Name}
			}
			r, err := def.Tools.Dispatch(ctx, *out.Call)
			if err != nil {
				return nil, fmt.Errorf("dispatch %s: %w", out.Call.Name, err)
			}
			res.Actions++
			output := r.Output()
			done[key] = output
			results = append(results, llm.ToolResult{CallID: out.Call.ID, Output: output})
		}
	}
	return results, nil
}

func (e *Executor) pace(ctx context.Context) error {
	if e.cfg.Pacing <= 0 {
		return nil
	}
	t := time.NewTimer(e.cfg.Pacing)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (e *Executor) failed(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}
