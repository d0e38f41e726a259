package whatsapp

import (
	"strings"
	"time"
)

// Event is the envelope WAHA posts to the webhook and streams over the
// websocket.
type Event struct {
	ID      string   `json:"id,omitempty"`
	Event   string   `json:"event"`
	Session string   `json:"session"`
	Payload *Message `json:"payload"`
}

// EventMessage is the event type carrying an inbound chat message.
const EventMessage = "message"

// Message is a chat message, inbound or from history.
type Message struct {
	ID        string   `json:"id"`
	Body      string   `json:"body"`
	From      string   `json:"from"`
	FromMe    bool     `json:"fromMe"`
	HasMedia  bool     `json:"hasMedia"`
	Media     *Media   `json:"media,omitempty"`
	ReplyTo   *ReplyTo `json:"replyTo,omitempty"`
	Timestamp int64    `json:"timestamp"`
}

// Media describes an attachment.
type Media struct {
	URL      string `json:"url"`
	Mimetype string `json:"mimetype"`
}

// ReplyTo is the message being quoted.
type ReplyTo struct {
	ID   string `json:"id"`
	Body string `json:"body"`
}

// IsAudio reports whether the message carries an audio attachment.
func (m *Message) IsAudio() bool {
	return m.HasMedia && m.Media != nil && strings.HasPrefix(m.Media.Mimetype, "audio/")
}

// Time returns the message timestamp.
func (m *Message) Time() time.Time {
	return time.Unix(m.Timestamp, 0)
}

// Contact is the gateway's view of a WhatsApp contact.
type Contact struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	PushName string `json:"pushname"`
}

// DisplayName returns the name the contact chose, falling back to the
// name saved on the gateway's phone.
func (c *Contact) DisplayName() string {
	if c == nil {
		return ""
	}
	if c.PushName != "" {
		return c.PushName
	}
	return c.Name
}

// PhoneFromChatID strips the server suffix from a chat id:
// "5511999999999@c.us" becomes "5511999999999".
func PhoneFromChatID(chatID string) string {
	if i := strings.IndexByte(chatID, '@'); i >= 0 {
		return chatID[:i]
	}
	return chatID
}
