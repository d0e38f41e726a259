// Package billing manages user subscriptions through Stripe and
// exposes them to the base agent.
package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
)

// ErrNoSubscription is returned when the user has no subscription on
// record.
var ErrNoSubscription = errors.New("billing: no subscription")

// Subscription is the provider-neutral view of a subscription.
type Subscription struct {
	ID                string     `json:"id"`
	Status            string     `json:"status"`
	Amount            float64    `json:"valor"`
	Currency          string     `json:"moeda"`
	Interval          string     `json:"intervalo"`
	CurrentPeriodEnd  time.Time  `json:"proxima_cobranca"`
	CancelAtPeriodEnd bool       `json:"cancelada_ao_fim_do_periodo"`
	TrialEnd          *time.Time `json:"fim_do_teste,omitempty"`
}

// Provider is a subscription backend.
type Provider interface {
	Subscription(ctx context.Context, id string) (*Subscription, error)
	CancelSubscription(ctx context.Context, id string) (*Subscription, error)
	CheckoutURL(ctx context.Context, userID string) (string, error)
}

// StripeConfig configures a StripeProvider.
type StripeConfig struct {
	SecretKey  string
	PriceID    string
	TrialDays  int64
	SuccessURL string
	CancelURL  string
	// Backends overrides the API endpoints. Tests point it at an
	// httptest server.
	Backends *stripe.Backends
}

// StripeProvider implements Provider on the Stripe API.
type StripeProvider struct {
	sc  *client.API
	cfg StripeConfig
}

// NewStripeProvider creates a Stripe-backed provider.
func NewStripeProvider(cfg StripeConfig) *StripeProvider {
	return &StripeProvider{
		sc:  client.New(cfg.SecretKey, cfg.Backends),
		cfg: cfg,
	}
}

// Subscription fetches a subscription by id.
func (p *StripeProvider) Subscription(ctx context.Context, id string) (*Subscription, error) {
	params := &stripe.SubscriptionParams{}
	params.Context = ctx
	sub, err := p.sc.Subscriptions.Get(id, params)
	if err != nil {
		return nil, fmt.Errorf("get subscription %s: %w", id, err)
	}
	return convertSubscription(sub), nil
}

// CancelSubscription stops renewal at the end of the paid period.
func (p *StripeProvider) CancelSubscription(ctx context.Context, id string) (*Subscription, error) {
	params := &stripe.SubscriptionParams{CancelAtPeriodEnd: stripe.Bool(true)}
	params.Context = ctx
	sub, err := p.sc.Subscriptions.Update(id, params)
	if err != nil {
		return nil, fmt.Errorf("cancel subscription %s: %w", id, err)
	}
	return convertSubscription(sub), nil
}

// CheckoutURL creates a subscription checkout session with a free
// trial and returns its URL. The user id travels as the client
// reference so the webhook can link the resulting subscription.
func (p *StripeProvider) CheckoutURL(ctx context.Context, userID string) (string, error) {
	params := &stripe.CheckoutSessionParams{
		ClientReferenceID:        stripe.String(userID),
		BillingAddressCollection: stripe.String(string(stripe.CheckoutSessionBillingAddressCollectionAuto)),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{Price: stripe.String(p.cfg.PriceID), Quantity: stripe.Int64(1)},
		},
		Mode:       stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		SuccessURL: stripe.String(p.cfg.SuccessURL),
		CancelURL:  stripe.String(p.cfg.CancelURL),
		Locale:     stripe.String("pt-BR"),
	}
	if p.cfg.TrialDays > 0 {
		params.SubscriptionData = &stripe.CheckoutSessionSubscriptionDataParams{
			TrialPeriodDays: stripe.Int64(p.cfg.TrialDays),
			TrialSettings: &stripe.CheckoutSessionSubscriptionDataTrialSettingsParams{
				EndBehavior: &stripe.CheckoutSessionSubscriptionDataTrialSettingsEndBehaviorParams{
					MissingPaymentMethod: stripe.String("cancel"),
				},
			},
		}
	}
	params.Context = ctx

	sess, err := p.sc.CheckoutSessions.New(params)
	if err != nil {
		return "", fmt.Errorf("create checkout session: %w", err)
	}
	return sess.URL, nil
}

func convertSubscription(sub *stripe.Subscription) *Subscription {
	out := &Subscription{
		ID:                sub.ID,
		Status:            string(sub.Status),
		CurrentPeriodEnd:  time.Unix(sub.CurrentPeriodEnd, 0).UTC(),
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
	}
	if sub.TrialEnd > 0 {
		t := time.Unix(sub.TrialEnd, 0).UTC()
		out.TrialEnd = &t
	}
	if sub.Items != nil && len(sub.Items.Data) > 0 {
		if price := sub.Items.Data[0].Price; price != nil {
			out.Amount = float64(price.UnitAmount) / 100
			out.Currency = string(price.Currency)
			if price.Recurring != nil {
				out.Interval = string(price.Recurring.Interval)
			}
		}
	}
	return out
}
