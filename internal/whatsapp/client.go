// Package whatsapp connects Marill to WhatsApp through a WAHA gateway:
// the REST client, inbound payloads, reply formatting and the bridge
// that turns each inbound message into an agent turn.
package whatsapp

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/financiia/marill/internal/httpkit"
)

// ClientConfig configures a gateway client.
type ClientConfig struct {
	// URL is the gateway root, e.g. "https://waha.example.com".
	URL     string
	APIKey  string
	Session string
	Logger  *slog.Logger
	// HTTPClient overrides the default retrying client.
	HTTPClient *http.Client
}

// Client talks to the WAHA REST API.
type Client struct {
	http    *http.Client
	baseURL string
	apiKey  string
	session string
	logger  *slog.Logger
}

// NewClient creates a gateway client.
func NewClient(cfg ClientConfig) *Client {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = httpkit.NewClient(
			httpkit.WithTimeout(30*time.Second),
			httpkit.WithRetry(2, time.Second),
			httpkit.WithLogger(logger),
		)
	}
	return &Client{
		http:    hc,
		baseURL: strings.TrimRight(cfg.URL, "/"),
		apiKey:  cfg.APIKey,
		session: cfg.Session,
		logger:  logger.With("component", "waha"),
	}
}

// Session returns the gateway session name.
func (c *Client) Session() string {
	return c.session
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	u := c.baseURL + "/api" + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	h := http.Header{}
	if c.apiKey != "" {
		h.Set("X-API-KEY", c.apiKey)
	}
	return httpkit.DoJSON(ctx, c.http, httpkit.Request{Method: method, URL: u, Header: h, Body: body}, out)
}

type chatRequest struct {
	ChatID    string `json:"chatId"`
	Session   string `json:"session"`
	MessageID string `json:"messageId,omitempty"`
	Text      string `json:"text,omitempty"`
}

// SendSeen marks messageID in chatID as read.
func (c *Client) SendSeen(ctx context.Context, chatID, messageID string) error {
	if err := c.do(ctx, http.MethodPost, "/sendSeen", nil,
		chatRequest{ChatID: chatID, Session: c.session, MessageID: messageID}, nil); err != nil {
		return fmt.Errorf("send seen: %w", err)
	}
	return nil
}

// StartTyping shows the typing indicator in chatID.
func (c *Client) StartTyping(ctx context.Context, chatID string) error {
	if err := c.do(ctx, http.MethodPost, "/startTyping", nil,
		chatRequest{ChatID: chatID, Session: c.session}, nil); err != nil {
		return fmt.Errorf("start typing: %w", err)
	}
	return nil
}

// StopTyping hides the typing indicator in chatID.
func (c *Client) StopTyping(ctx context.Context, chatID string) error {
	if err := c.do(ctx, http.MethodPost, "/stopTyping", nil,
		chatRequest{ChatID: chatID, Session: c.session}, nil); err != nil {
		return fmt.Errorf("stop typing: %w", err)
	}
	return nil
}

// sendResult covers both shapes the gateway engines return.
type sendResult struct {
	ID  string `json:"id"`
	Key *struct {
		ID string `json:"id"`
	} `json:"key"`
}

// SendText sends text to chatID and returns the new message id, when
// the gateway reports one.
func (c *Client) SendText(ctx context.Context, chatID, text string) (string, error) {
	var res sendResult
	if err := c.do(ctx, http.MethodPost, "/sendText", nil,
		chatRequest{ChatID: chatID, Session: c.session, Text: text}, &res); err != nil {
		return "", fmt.Errorf("send text: %w", err)
	}
	if res.Key != nil && res.Key.ID != "" {
		return res.Key.ID, nil
	}
	return res.ID, nil
}

// GetMessages returns up to limit recent messages of chatID in the
// order the gateway engine reports them.
func (c *Client) GetMessages(ctx context.Context, chatID string, limit int) ([]Message, error) {
	q := url.Values{}
	q.Set("downloadMedia", "false")
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/" + url.PathEscape(c.session) + "/chats/" + url.PathEscape(chatID) + "/messages"

	var msgs []Message
	if err := c.do(ctx, http.MethodGet, path, q, nil, &msgs); err != nil {
		return nil, fmt.Errorf("get messages: %w", err)
	}
	return msgs, nil
}

// GetContact returns the contact details for contactID.
func (c *Client) GetContact(ctx context.Context, contactID string) (*Contact, error) {
	q := url.Values{}
	q.Set("contactId", contactID)
	q.Set("session", c.session)

	var contact Contact
	if err := c.do(ctx, http.MethodGet, "/contacts", q, nil, &contact); err != nil {
		return nil, fmt.Errorf("get contact: %w", err)
	}
	return &contact, nil
}
