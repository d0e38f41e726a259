package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/financiia/marill/internal/llm"
)

// Handler performs one action. Arguments have already been validated
// against the tool's schema. Expected failures (not found, bad input)
// are returned as a failed Result, never as a panic.
type Handler func(ctx context.Context, args json.RawMessage) Result

// Tool is a callable action.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
	Handler     Handler        `json:"-"`
}

// Registry holds available tools.
type Registry struct {
	tools   map[string]*Tool
	schemas map[string]*jsonschema.Schema
	policy  *Policy
	logger  *slog.Logger
	tracer  trace.Tracer
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		tools:   make(map[string]*Tool),
		schemas: make(map[string]*jsonschema.Schema),
		logger:  logger.With("component", "tools"),
		tracer:  otel.Tracer("github.com/financiia/marill/internal/tools"),
	}
}

// SetPolicy installs the pre-dispatch policy gate. Nil disables it.
func (r *Registry) SetPolicy(p *Policy) {
	r.policy = p
}

// Register adds a tool and compiles its parameter schema.
func (r *Registry) Register(t *Tool) error {
	if t == nil || t.Name == "" {
		return fmt.Errorf("register tool: name is required")
	}
	if _, ok := r.tools[t.Name]; ok {
		return &ErrDuplicateTool{ToolName: t.Name}
	}
	if t.Handler == nil {
		return fmt.Errorf("register tool %q: handler is required", t.Name)
	}

	if t.Parameters != nil {
		schema, err := compileSchema(t.Name, t.Parameters)
		if err != nil {
			return fmt.Errorf("register tool %q: %w", t.Name, err)
		}
		r.schemas[t.Name] = schema
	}
	r.tools[t.Name] = t
	return nil
}

// MustRegister is Register for wiring code that cannot recover.
func (r *Registry) MustRegister(tools ...*Tool) {
	for _, t := range tools {
		if err := r.Register(t); err != nil {
			panic(err)
		}
	}
}

// Get retrieves a tool by name.
func (r *Registry) Get(name string) *Tool {
	return r.tools[name]
}

// Names returns the registered tool names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Subset returns a registry exposing only the named tools. Every name
// must be registered: an agent advertising a tool nobody handles is a
// wiring error and is reported here rather than mid-conversation.
func (r *Registry) Subset(names ...string) (*Registry, error) {
	sub := &Registry{
		tools:   make(map[string]*Tool, len(names)),
		schemas: make(map[string]*jsonschema.Schema, len(names)),
		policy:  r.policy,
		logger:  r.logger,
		tracer:  r.tracer,
	}
	for _, name := range names {
		t, ok := r.tools[name]
		if !ok {
			return nil, &ErrToolUnavailable{ToolName: name}
		}
		sub.tools[name] = t
		if s, ok := r.schemas[name]; ok {
			sub.schemas[name] = s
		}
	}
	return sub, nil
}

// Specs returns the tool descriptions sent to the completion service,
// sorted by name so prompts stay cache friendly.
func (r *Registry) Specs() []llm.ToolSpec {
	specs := make([]llm.ToolSpec, 0, len(r.tools))
	for _, name := range r.Names() {
		t := r.tools[name]
		specs = append(specs, llm.ToolSpec{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Parameters,
		})
	}
	return specs
}

// Dispatch executes one tool call. Only an unknown tool name produces an
// error; every other outcome, including handler failures, is a Result.
func (r *Registry) Dispatch(ctx context.Context, call llm.ToolCall) (Result, error) {
	actx := AgentContextFrom(ctx)
	userID := ""
	if actx != nil {
		userID = actx.UserID
	}

	ctx, span := r.tracer.Start(ctx, "tools.dispatch",
		trace.WithAttributes(
			attribute.String("tool.name", call.Name),
			attribute.String("tool.call_id", call.ID),
			attribute.String("user.id", userID),
		),
	)
	defer span.End()

	tool := r.tools[call.Name]
	if tool == nil {
		err := &ErrToolUnavailable{ToolName: call.Name}
		span.RecordError(err)
		span.SetStatus(codes.Error, "unknown tool")
		return Result{}, err
	}

	log := r.logger.With("tool", call.Name, "call_id", call.ID, "user_id", userID)

	raw := call.Arguments
	if raw == "" {
		raw = "{}"
	}
	var args any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return r.fail(span, log, call, Failure(ReasonInvalidArguments, fmt.Errorf("decode arguments: %w", err))), nil
	}

	if schema, ok := r.schemas[call.Name]; ok {
		if err := schema.Validate(args); err != nil {
			return r.fail(span, log, call, Failure(ReasonInvalidArguments, err)), nil
		}
	}

	if r.policy != nil {
		argMap, _ := args.(map[string]any)
		decision, err := r.policy.Evaluate(ctx, PolicyInput{ToolName: call.Name, Args: argMap, UserID: userID})
		if err != nil {
			return r.fail(span, log, call, Failure(ReasonInternal, err)), nil
		}
		if decision == DecisionBlock {
			return r.fail(span, log, call, Failure(ReasonPolicyBlocked, fmt.Errorf("blocked by policy"))), nil
		}
	}

	res := tool.Handler(ctx, json.RawMessage(raw))
	if !res.OK {
		return r.fail(span, log, call, res), nil
	}

	log.Debug("tool executed")
	span.SetAttributes(attribute.Bool("tool.ok", true))
	return res, nil
}

func (r *Registry) fail(span trace.Span, log *slog.Logger, call llm.ToolCall, res Result) Result {
	if res.Reason == "" {
		res.Reason = ReasonInternal
	}
	span.SetAttributes(attribute.Bool("tool.ok", false), attribute.String("tool.reason", string(res.Reason)))
	if res.Err != nil {
		span.RecordError(res.Err)
	}
	span.SetStatus(codes.Error, string(res.Reason))
	log.Warn("tool failed",
		"reason", res.Reason,
		"arguments", call.Arguments,
		"error", res.Err,
	)
	return res
}

func compileSchema(name string, params map[string]any) (*jsonschema.Schema, error) {
	// Round-trip through JSON so Go slices and ints become the generic
	// types the compiler expects.
	b, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	var doc any
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}

	c := jsonschema.NewCompiler()
	url := name + ".json"
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return schema, nil
}
