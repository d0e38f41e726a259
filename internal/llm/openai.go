package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/responses"
	"github.com/openai/openai-go/shared"

	"github.com/financiia/marill/internal/config"
)

// OpenAIConfig configures an OpenAIClient.
type OpenAIConfig struct {
	APIKey     string
	BaseURL    string       // optional, for proxies and tests
	HTTPClient *http.Client // optional
	MaxRetries int
}

// OpenAIClient talks to the OpenAI Responses API. The server keeps the
// conversation chain; callers continue it with PreviousResponseID.
type OpenAIClient struct {
	client openai.Client
	logger *slog.Logger
}

// NewOpenAIClient creates a Responses API client.
func NewOpenAIClient(cfg OpenAIConfig, logger *slog.Logger) *OpenAIClient {
	if logger == nil {
		logger = slog.Default()
	}
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(cfg.MaxRetries),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(cfg.HTTPClient))
	}
	return &OpenAIClient{
		client: openai.NewClient(opts...),
		logger: logger.With("provider", "openai"),
	}
}

// Respond implements Client.
func (c *OpenAIClient) Respond(ctx context.Context, req *Request) (*Response, error) {
	params := buildParams(req)

	if c.logger.Enabled(ctx, config.LevelTrace) {
		if b, err := json.Marshal(params); err == nil {
			c.logger.Log(ctx, config.LevelTrace, "openai request", "payload", string(b))
		}
	}

	resp, err := c.client.Responses.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai responses: %w", err)
	}

	if c.logger.Enabled(ctx, config.LevelTrace) {
		c.logger.Log(ctx, config.LevelTrace, "openai response", "payload", resp.RawJSON())
	}

	out := convertResponse(resp)
	c.logger.Debug("openai response received",
		"model", out.Model,
		"response_id", out.ID,
		"outputs", len(out.Output),
		"total_tokens", out.TotalTokens,
	)
	return out, nil
}

func buildParams(req *Request) responses.ResponseNewParams {
	input := make(responses.ResponseInputParam, 0, len(req.Input))
	for _, it := range req.Input {
		switch {
		case it.Message != nil:
			input = append(input, responses.ResponseInputItemParamOfMessage(it.Message.Content, inputRole(it.Message.Role)))
		case it.Result != nil:
			input = append(input, responses.ResponseInputItemParamOfFunctionCallOutput(it.Result.CallID, it.Result.Output))
		}
	}

	params := responses.ResponseNewParams{
		Model: shared.ResponsesModel(req.Model),
		Input: responses.ResponseNewParamsInputUnion{OfInputItemList: input},
	}
	if req.Instructions != "" {
		params.Instructions = openai.String(req.Instructions)
	}
	if req.PreviousResponseID != "" {
		params.PreviousResponseID = openai.String(req.PreviousResponseID)
	}

	for _, t := range req.Tools {
		tool := responses.ToolParamOfFunction(t.Name, t.Parameters, t.Strict)
		if tool.OfFunction != nil && t.Description != "" {
			tool.OfFunction.Description = openai.String(t.Description)
		}
		params.Tools = append(params.Tools, tool)
	}

	if len(req.Tools) > 0 {
		mode := responses.ToolChoiceOptionsAuto
		if req.ToolChoice == ToolChoiceRequired {
			mode = responses.ToolChoiceOptionsRequired
		}
		params.ToolChoice = responses.ResponseNewParamsToolChoiceUnion{
			OfToolChoiceMode: openai.Opt(mode),
		}
	}

	return params
}

func inputRole(r Role) responses.EasyInputMessageRole {
	switch r {
	case RoleAssistant:
		return responses.EasyInputMessageRoleAssistant
	case RoleDeveloper:
		return responses.EasyInputMessageRoleDeveloper
	default:
		return responses.EasyInputMessageRoleUser
	}
}

func convertResponse(resp *responses.Response) *Response {
	out := &Response{
		ID:           resp.ID,
		Model:        string(resp.Model),
		InputTokens:  int(resp.Usage.InputTokens),
		OutputTokens: int(resp.Usage.OutputTokens),
		TotalTokens:  int(resp.Usage.TotalTokens),
	}

	for _, item := range resp.Output {
		switch item.Type {
		case "function_call":
			fc := item.AsFunctionCall()
			out.Output = append(out.Output, Output{
				Kind: OutputToolCall,
				Call: &ToolCall{ID: fc.CallID, Name: fc.Name, Arguments: fc.Arguments},
			})
		case "message":
			msg := item.AsMessage()
			for _, content := range msg.Content {
				if content.Type == "output_text" {
					out.Output = append(out.Output, Output{Kind: OutputText, Text: content.Text})
				}
			}
		}
	}
	return out
}
