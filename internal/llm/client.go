package llm

import "context"

// Client is implemented by completion service providers.
type Client interface {
	// Respond sends one request and returns the model's output items.
	Respond(ctx context.Context, req *Request) (*Response, error)
}
