package whatsapp

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/financiia/marill/internal/conversation"
	"github.com/financiia/marill/internal/ledger"
	"github.com/financiia/marill/internal/llm"
	"github.com/financiia/marill/internal/prompts"
	"github.com/financiia/marill/internal/router"
	"github.com/financiia/marill/internal/session"
	"github.com/financiia/marill/internal/tools"
)

// DefaultHandleTimeout bounds how long a single inbound message may be
// processed, lock wait included.
const DefaultHandleTimeout = 5 * time.Minute

// cleanupInterval controls how often idle rate limiters are evicted.
const cleanupInterval = 10 * time.Minute

// DefaultMinConfidence is the transcription confidence below which an
// audio message is rejected.
const DefaultMinConfidence = 0.8

// Accounts looks up and registers users. *ledger.Store implements it.
type Accounts interface {
	UserByPhone(ctx context.Context, phone string) (*ledger.User, error)
	CreateUser(ctx context.Context, u *ledger.User) error
}

// Checkout creates the payment link sent to new users.
// *billing.StripeProvider implements it.
type Checkout interface {
	CheckoutURL(ctx context.Context, userID string) (string, error)
}

// Transcriber converts an audio attachment to text.
type Transcriber interface {
	Transcribe(ctx context.Context, audioURL string) (transcript string, confidence float64, err error)
}

// Delegator routes a turn to an agent. *router.Router implements it.
type Delegator interface {
	Delegate(ctx context.Context, turn router.Turn) (int, error)
}

// Sessions loads chain state. *session.Store implements it.
type Sessions interface {
	Load(ctx context.Context, userID string) (*session.Session, error)
}

// BridgeConfig holds the dependencies for a Bridge.
type BridgeConfig struct {
	Gateway     Gateway
	Accounts    Accounts
	Checkout    Checkout    // nil registers new users without a payment link
	Transcriber Transcriber // nil rejects audio messages
	Router      Delegator
	Sessions    Sessions
	Locker      session.Locker // nil uses an in-process locker
	Logger      *slog.Logger

	Location      *time.Location
	RateLimit     int // per sender per minute; 0 = unlimited
	IgnoreSenders []string
	MinConfidence float64
	HistoryLimit  int
	TypingDelay   time.Duration
	// HandleTimeout is the budget of one inbound message, lock wait
	// included. A shared lock must outlive it.
	HandleTimeout time.Duration
}

// Bridge turns inbound WhatsApp messages into agent turns and is the
// outermost error boundary: any failure is logged with the user and
// message context and answered with a generic notice.
type Bridge struct {
	cfg    BridgeConfig
	logger *slog.Logger
	wg     sync.WaitGroup

	mu          sync.Mutex
	limiters    map[string]*senderLimit
	lastCleanup time.Time
}

type senderLimit struct {
	limiter  *rate.Limiter
	lastSeen time.Time
	notified bool
}

// NewBridge creates a WhatsApp message bridge.
func NewBridge(cfg BridgeConfig) *Bridge {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Locker == nil {
		cfg.Locker = session.NewLocalLocker()
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.MinConfidence <= 0 {
		cfg.MinConfidence = DefaultMinConfidence
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 20
	}
	if cfg.HandleTimeout <= 0 {
		cfg.HandleTimeout = DefaultHandleTimeout
	}
	return &Bridge{
		cfg:      cfg,
		logger:   logger.With("component", "whatsapp"),
		limiters: make(map[string]*senderLimit),
	}
}

// HandleEvent accepts one gateway event. Chat messages that pass the
// sender filters are processed in their own goroutine; HandleEvent
// returns immediately so the webhook can acknowledge delivery.
func (b *Bridge) HandleEvent(ctx context.Context, ev *Event) {
	if ev == nil || ev.Payload == nil {
		return
	}
	if ev.Event != "" && ev.Event != EventMessage {
		b.logger.Debug("ignoring event", "event", ev.Event)
		return
	}
	b.Accept(ctx, ev.Payload)
}

// Accept filters msg and starts its turn. It reports whether a turn was
// started.
func (b *Bridge) Accept(ctx context.Context, msg *Message) bool {
	switch {
	case msg.FromMe:
		return false
	case msg.From == "" || strings.HasSuffix(msg.From, "@g.us"):
		b.logger.Debug("ignoring message without a direct sender", "from", msg.From)
		return false
	case slices.Contains(b.cfg.IgnoreSenders, msg.From):
		b.logger.Debug("ignoring configured sender", "from", msg.From)
		return false
	case msg.Body == "" && !msg.IsAudio():
		b.logger.Debug("ignoring message without text", "from", msg.From, "message_id", msg.ID)
		return false
	}

	allowed, notify := b.allowSender(msg.From)
	if !allowed {
		b.logger.Warn("message rate-limited", "from", msg.From, "message_id", msg.ID)
		if notify {
			b.goTurn(ctx, func(ctx context.Context) {
				b.notify(ctx, msg, prompts.RateLimited)
			})
		}
		return false
	}

	b.goTurn(ctx, func(ctx context.Context) {
		b.handleMessage(ctx, msg)
	})
	return true
}

func (b *Bridge) goTurn(ctx context.Context, fn func(context.Context)) {
	ctx = context.WithoutCancel(ctx)
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		fn(ctx)
	}()
}

// Wait blocks until every accepted message has been handled.
func (b *Bridge) Wait() {
	b.wg.Wait()
}

// handleMessage runs one turn: resolve the user, serialize on the
// user's lock, transcribe audio, rebuild the history and delegate.
func (b *Bridge) handleMessage(ctx context.Context, msg *Message) {
	ctx, cancel := context.WithTimeout(ctx, b.cfg.HandleTimeout)
	defer cancel()

	log := b.logger.With("chat_id", msg.From, "message_id", msg.ID)
	start := time.Now()

	user, err := b.cfg.Accounts.UserByPhone(ctx, PhoneFromChatID(msg.From))
	if err != nil {
		b.fail(ctx, log, msg, fmt.Errorf("look up sender: %w", err))
		return
	}
	if user == nil {
		user, err = b.onboard(ctx, log, msg)
		if err != nil {
			b.fail(ctx, log, msg, fmt.Errorf("onboard: %w", err))
			return
		}
		if user == nil {
			return
		}
	}
	log = log.With("user_id", user.ID)

	unlock, err := b.cfg.Locker.Lock(ctx, user.ID)
	if err != nil {
		b.fail(ctx, log, msg, fmt.Errorf("acquire turn lock: %w", err))
		return
	}
	defer unlock()

	replier := NewReplier(b.cfg.Gateway, msg.ID, b.cfg.TypingDelay, log)

	content := msg.Body
	if msg.IsAudio() {
		text, ok, err := b.transcribe(ctx, msg)
		if err != nil {
			b.fail(ctx, log, msg, fmt.Errorf("transcribe: %w", err))
			return
		}
		if !ok {
			log.Info("transcription below confidence threshold")
			if err := replier.SendText(ctx, msg.From, prompts.TranscriptionRetry); err != nil {
				log.Error("retry notice failed", "error", err)
			}
			return
		}
		content = text
	}

	history := b.history(ctx, log, msg, content)

	sess, err := b.cfg.Sessions.Load(ctx, user.ID)
	if err != nil {
		b.fail(ctx, log, msg, fmt.Errorf("load session: %w", err))
		return
	}

	actx := &tools.AgentContext{
		UserID:    user.ID,
		ChatID:    msg.From,
		Nickname:  user.Nickname,
		Location:  b.cfg.Location,
		Transport: replier,
	}
	turnCtx := tools.WithAgentContext(ctx, actx)
	turnCtx = llm.WithCallInfo(turnCtx, llm.CallInfo{UserID: user.ID, TurnID: msg.ID})

	log.Info("message received", "history", len(history), "audio", msg.IsAudio())

	tokens, err := b.cfg.Router.Delegate(turnCtx, router.Turn{
		History: history,
		Now:     actx.Now(),
		Session: sess,
	})
	if err != nil {
		b.fail(ctx, log, msg, err)
		return
	}

	log.Info("turn completed",
		"tokens", tokens,
		"replies", len(replier.Sent()),
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
}

// onboard registers an unknown sender. With a checkout configured the
// sender gets the welcome message and a nil user, ending the turn;
// without one the new user proceeds straight to the agents.
func (b *Bridge) onboard(ctx context.Context, log *slog.Logger, msg *Message) (*ledger.User, error) {
	u := &ledger.User{
		Phone:  PhoneFromChatID(msg.From),
		ChatID: msg.From,
	}
	contact, err := b.cfg.Gateway.GetContact(ctx, msg.From)
	if err != nil {
		log.Warn("contact lookup failed", "error", err)
	} else {
		u.Nickname = contact.DisplayName()
	}

	if err := b.cfg.Accounts.CreateUser(ctx, u); err != nil {
		return nil, err
	}
	log.Info("user registered", "user_id", u.ID, "nickname", u.Nickname)

	if b.cfg.Checkout == nil {
		return u, nil
	}

	link, err := b.cfg.Checkout.CheckoutURL(ctx, u.ID)
	if err != nil {
		return nil, fmt.Errorf("checkout link: %w", err)
	}
	if err := NewReplier(b.cfg.Gateway, "", b.cfg.TypingDelay, log).SendText(ctx, msg.From, prompts.Welcome(link)); err != nil {
		return nil, fmt.Errorf("send welcome: %w", err)
	}
	return nil, nil
}

// transcribe returns the transcript of an audio message and whether its
// confidence reached the threshold.
func (b *Bridge) transcribe(ctx context.Context, msg *Message) (string, bool, error) {
	if b.cfg.Transcriber == nil {
		return "", false, nil
	}
	text, confidence, err := b.cfg.Transcriber.Transcribe(ctx, msg.Media.URL)
	if err != nil {
		return "", false, err
	}
	if confidence < b.cfg.MinConfidence || strings.TrimSpace(text) == "" {
		return "", false, nil
	}
	return text, true, nil
}

// history returns the chat history oldest first, ending with the
// inbound message carrying content. A history that cannot be fetched
// degrades to the inbound message alone.
func (b *Bridge) history(ctx context.Context, log *slog.Logger, msg *Message, content string) []conversation.Message {
	current := conversation.Message{Role: conversation.User, Content: withQuote(content, msg.ReplyTo)}

	msgs, err := b.cfg.Gateway.GetMessages(ctx, msg.From, b.cfg.HistoryLimit)
	if err != nil {
		log.Warn("history unavailable, using the inbound message only", "error", err)
		return []conversation.Message{current}
	}
	return historyFrom(msgs, msg.ID, current)
}

// historyFrom orders gateway messages by time, maps them to
// conversation roles and appends current in place of the inbound
// message.
func historyFrom(msgs []Message, inboundID string, current conversation.Message) []conversation.Message {
	sorted := make([]Message, len(msgs))
	copy(sorted, msgs)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Timestamp < sorted[j].Timestamp })

	out := make([]conversation.Message, 0, len(sorted)+1)
	for _, m := range sorted {
		if m.ID == inboundID || strings.TrimSpace(m.Body) == "" {
			continue
		}
		role := conversation.User
		if m.FromMe {
			role = conversation.Assistant
		}
		out = append(out, conversation.Message{Role: role, Content: m.Body})
	}
	return append(out, current)
}

// withQuote prefixes content with the message it replies to.
func withQuote(content string, reply *ReplyTo) string {
	if reply == nil || strings.TrimSpace(reply.Body) == "" {
		return content
	}
	return fmt.Sprintf("[Em resposta a: %q]\n%s", reply.Body, content)
}

// fail logs err and sends the generic failure notice. The user never
// sees err itself.
func (b *Bridge) fail(ctx context.Context, log *slog.Logger, msg *Message, err error) {
	log.Error("turn failed", "error", err)
	b.notify(ctx, msg, prompts.GenericError)
}

func (b *Bridge) notify(ctx context.Context, msg *Message, text string) {
	// The turn context may be the one that expired.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := NewReplier(b.cfg.Gateway, msg.ID, b.cfg.TypingDelay, b.logger).SendText(ctx, msg.From, text); err != nil {
		b.logger.Error("notice failed", "chat_id", msg.From, "message_id", msg.ID, "error", err)
	}
}

// allowSender applies the per-sender token bucket. notify is true the
// first time a sender is refused since it was last allowed.
func (b *Bridge) allowSender(sender string) (allowed, notify bool) {
	if b.cfg.RateLimit <= 0 {
		return true, false
	}

	now := time.Now()
	b.mu.Lock()
	defer b.mu.Unlock()

	b.maybeCleanupLocked(now)

	sl, ok := b.limiters[sender]
	if !ok {
		every := time.Minute / time.Duration(b.cfg.RateLimit)
		sl = &senderLimit{limiter: rate.NewLimiter(rate.Every(every), b.cfg.RateLimit)}
		b.limiters[sender] = sl
	}
	sl.lastSeen = now

	if sl.limiter.AllowN(now, 1) {
		sl.notified = false
		return true, false
	}
	notify = !sl.notified
	sl.notified = true
	return false, notify
}

// maybeCleanupLocked evicts limiters idle long enough to be full again.
// Must be called with b.mu held.
func (b *Bridge) maybeCleanupLocked(now time.Time) {
	if now.Sub(b.lastCleanup) < cleanupInterval {
		return
	}
	b.lastCleanup = now

	cutoff := now.Add(-2 * time.Minute)
	for sender, sl := range b.limiters {
		if sl.lastSeen.Before(cutoff) {
			delete(b.limiters, sender)
		}
	}
}
