package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/financiia/marill/internal/ledger"
	"github.com/financiia/marill/internal/tools"
)

// Accounts looks up and updates users' billing ids. *ledger.Store
// implements it.
type Accounts interface {
	UserByID(ctx context.Context, id string) (*ledger.User, error)
	SetBilling(ctx context.Context, userID, customerID, subscriptionID string) error
}

// Actions exposes subscription management to the base agent.
type Actions struct {
	provider Provider
	accounts Accounts
	logger   *slog.Logger
}

// NewActions creates the billing action set.
func NewActions(provider Provider, accounts Accounts, logger *slog.Logger) *Actions {
	if logger == nil {
		logger = slog.Default()
	}
	return &Actions{
		provider: provider,
		accounts: accounts,
		logger:   logger.With("component", "billing"),
	}
}

var noArgs = map[string]any{
	"type":                 "object",
	"properties":           map[string]any{},
	"additionalProperties": false,
}

// Tools returns the subscription actions.
func (a *Actions) Tools() []*tools.Tool {
	return []*tools.Tool{
		{
			Name:        "get_subscription_details",
			Description: "Busca os detalhes da assinatura atual do usuário",
			Parameters:  noArgs,
			Handler:     a.details,
		},
		{
			Name:        "cancel_subscription",
			Description: "Cancela a assinatura atual do usuário",
			Parameters:  noArgs,
			Handler:     a.cancel,
		},
	}
}

// Register adds the subscription actions to r.
func (a *Actions) Register(r *tools.Registry) error {
	for _, t := range a.Tools() {
		if err := r.Register(t); err != nil {
			return err
		}
	}
	return nil
}

func (a *Actions) subscriptionID(ctx context.Context) (string, *tools.Result) {
	actx := tools.AgentContextFrom(ctx)
	if actx == nil || actx.UserID == "" {
		res := tools.Failure(tools.ReasonInternal, errors.New("no agent context"))
		return "", &res
	}
	u, err := a.accounts.UserByID(ctx, actx.UserID)
	if err != nil {
		res := tools.Failure(tools.ReasonInternal, err)
		return "", &res
	}
	if u == nil || u.StripeSubscriptionID == "" {
		res := tools.Failure(tools.ReasonNotFound, ErrNoSubscription)
		return "", &res
	}
	return u.StripeSubscriptionID, nil
}

func (a *Actions) details(ctx context.Context, _ json.RawMessage) tools.Result {
	id, fail := a.subscriptionID(ctx)
	if fail != nil {
		return *fail
	}
	sub, err := a.provider.Subscription(ctx, id)
	if err != nil {
		return tools.Failure(tools.ReasonUnavailable, err)
	}
	return tools.Success(sub)
}

func (a *Actions) cancel(ctx context.Context, _ json.RawMessage) tools.Result {
	id, fail := a.subscriptionID(ctx)
	if fail != nil {
		return *fail
	}
	sub, err := a.provider.CancelSubscription(ctx, id)
	if err != nil {
		return tools.Failure(tools.ReasonUnavailable, err)
	}
	a.logger.Info("subscription cancelled", "subscription_id", id, "period_end", sub.CurrentPeriodEnd)
	return tools.Success(fmt.Sprintf("Assinatura cancelada. O acesso continua até %s.",
		sub.CurrentPeriodEnd.Format("02/01/2006")))
}
