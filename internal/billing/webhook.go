package billing

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/webhook"

	"github.com/financiia/marill/internal/tools"
)

// WelcomeMessage is sent once checkout completes.
const WelcomeMessage = "Cadastro concluido! Agora você pode começar a usar a Marill.IA!"

const maxWebhookBody = 64 * 1024

// WebhookHandler receives Stripe events. On checkout completion it
// links the customer and subscription to the user named by the
// session's client reference and greets them.
type WebhookHandler struct {
	secret   string
	accounts Accounts
	sender   tools.Sender
	logger   *slog.Logger
}

// NewWebhookHandler creates the handler. sender may be nil.
func NewWebhookHandler(secret string, accounts Accounts, sender tools.Sender, logger *slog.Logger) *WebhookHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookHandler{
		secret:   secret,
		accounts: accounts,
		sender:   sender,
		logger:   logger.With("component", "stripe_webhook"),
	}
}

func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}

	event, err := webhook.ConstructEventWithOptions(payload, r.Header.Get("Stripe-Signature"), h.secret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		h.logger.Warn("rejected webhook", "error", err)
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	switch event.Type {
	case "checkout.session.completed":
		var sess stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
			http.Error(w, "invalid session", http.StatusBadRequest)
			return
		}
		status, err := h.checkoutCompleted(r.Context(), &sess)
		if err != nil {
			h.logger.Error("checkout completion failed", "session_id", sess.ID, "error", err)
			http.Error(w, http.StatusText(status), status)
			return
		}
	default:
		h.logger.Debug("unhandled event type", "type", event.Type)
	}

	w.WriteHeader(http.StatusOK)
}

func (h *WebhookHandler) checkoutCompleted(ctx context.Context, sess *stripe.CheckoutSession) (int, error) {
	if sess.ClientReferenceID == "" {
		return http.StatusBadRequest, errMissingReference
	}
	var customerID, subscriptionID string
	if sess.Customer != nil {
		customerID = sess.Customer.ID
	}
	if sess.Subscription != nil {
		subscriptionID = sess.Subscription.ID
	}

	if err := h.accounts.SetBilling(ctx, sess.ClientReferenceID, customerID, subscriptionID); err != nil {
		return http.StatusNotFound, err
	}
	h.logger.Info("checkout completed",
		"user_id", sess.ClientReferenceID,
		"customer_id", customerID,
		"subscription_id", subscriptionID,
	)

	if h.sender == nil {
		return http.StatusOK, nil
	}
	u, err := h.accounts.UserByID(ctx, sess.ClientReferenceID)
	if err != nil || u == nil {
		return http.StatusOK, nil
	}
	if err := h.sender.SendText(ctx, u.ChatID, WelcomeMessage); err != nil {
		h.logger.Warn("failed to send welcome", "user_id", u.ID, "error", err)
	}
	return http.StatusOK, nil
}

var errMissingReference = errors.New("session has no client reference")
