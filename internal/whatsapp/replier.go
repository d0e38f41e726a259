package whatsapp

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Gateway is the subset of the WAHA API the bridge uses. *Client
// implements it.
type Gateway interface {
	SendSeen(ctx context.Context, chatID, messageID string) error
	StartTyping(ctx context.Context, chatID string) error
	StopTyping(ctx context.Context, chatID string) error
	SendText(ctx context.Context, chatID, text string) (string, error)
	GetMessages(ctx context.Context, chatID string, limit int) ([]Message, error)
	GetContact(ctx context.Context, contactID string) (*Contact, error)
}

// Replier delivers agent replies the way a person would type them: the
// reply is split on PartSeparator and each part is rendered to WhatsApp
// markup, announced with the typing indicator and sent. The inbound
// message is marked seen before the first part only.
type Replier struct {
	gw          Gateway
	messageID   string
	typingDelay time.Duration
	logger      *slog.Logger

	mu   sync.Mutex
	seen bool
	ids  []string
}

// NewReplier creates a replier answering messageID. An empty messageID
// sends without a read receipt, for notices not prompted by a message.
func NewReplier(gw Gateway, messageID string, typingDelay time.Duration, logger *slog.Logger) *Replier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Replier{
		gw:          gw,
		messageID:   messageID,
		typingDelay: typingDelay,
		logger:      logger,
	}
}

// SendText implements tools.Sender.
func (r *Replier) SendText(ctx context.Context, chatID, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, part := range SplitParts(text) {
		if !r.seen && r.messageID != "" {
			if err := r.gw.SendSeen(ctx, chatID, r.messageID); err != nil {
				r.logger.Debug("send seen failed", "chat_id", chatID, "error", err)
			}
		}
		r.seen = true

		if err := r.gw.StartTyping(ctx, chatID); err != nil {
			r.logger.Debug("typing indicator failed", "chat_id", chatID, "error", err)
		}
		if err := sleepCtx(ctx, r.typingDelay); err != nil {
			return err
		}

		id, err := r.gw.SendText(ctx, chatID, Format(part))

		// Stop typing regardless of outcome, even if ctx is done.
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		if typErr := r.gw.StopTyping(stopCtx, chatID); typErr != nil {
			r.logger.Debug("typing stop failed", "chat_id", chatID, "error", typErr)
		}
		cancel()

		if err != nil {
			return fmt.Errorf("reply to %s: %w", chatID, err)
		}
		r.ids = append(r.ids, id)
	}
	return nil
}

// Sent returns the ids of the messages sent so far.
func (r *Replier) Sent() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ids...)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
