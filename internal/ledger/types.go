// Package ledger stores users, transactions, recurring charges and
// spending goals, and exposes them to the agents as actions.
package ledger

import (
	"errors"
	"fmt"
	"time"

	"github.com/financiia/marill/internal/recurrence"
)

// ErrNotFound is returned when a record does not exist or belongs to
// another user.
var ErrNotFound = errors.New("ledger: not found")

// Kind distinguishes money out from money in.
type Kind string

const (
	Expense Kind = "despesa"
	Income  Kind = "receita"
)

// Categories are the closed set of transaction categories.
var Categories = []string{"alimentação", "transporte", "moradia", "saúde", "lazer", "outros"}

// GlobalGoal is the goal category that limits all spending.
const GlobalGoal = "global"

// GoalCategories are the categories a goal may target.
var GoalCategories = append([]string{GlobalGoal}, Categories...)

// User is a registered account, keyed by WhatsApp phone.
type User struct {
	ID                   string    `json:"id"`
	Phone                string    `json:"phone"`
	ChatID               string    `json:"chat_id"`
	Nickname             string    `json:"nickname,omitempty"`
	StripeCustomerID     string    `json:"stripe_customer_id,omitempty"`
	StripeSubscriptionID string    `json:"stripe_subscription_id,omitempty"`
	CreatedAt            time.Time `json:"created_at"`
}

// Transaction is a single ledger entry. JSON field names are the ones
// the agents are prompted with.
type Transaction struct {
	ID                string    `json:"id"`
	UserID            string    `json:"-"`
	Kind              Kind      `json:"tipo"`
	Amount            float64   `json:"valor"`
	Category          string    `json:"categoria"`
	OccurredAt        time.Time `json:"data"`
	Description       string    `json:"descricao"`
	RecurringChargeID string    `json:"recurring_transaction_id,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
}

// TransactionPatch holds the fields an update may change. Nil fields
// are left untouched.
type TransactionPatch struct {
	Kind        *Kind
	Amount      *float64
	Category    *string
	OccurredAt  *time.Time
	Description *string
}

// RecurringCharge is a transaction template that fires on a calendar
// recurrence.
type RecurringCharge struct {
	ID            string               `json:"id"`
	UserID        string               `json:"-"`
	Kind          Kind                 `json:"tipo"`
	Amount        float64              `json:"valor"`
	Category      string               `json:"categoria"`
	Description   string               `json:"descricao"`
	Frequency     recurrence.Frequency `json:"frequencia"`
	FirstChargeAt *time.Time           `json:"primeira_cobranca"`
	NextChargeAt  *time.Time           `json:"proxima_cobranca,omitempty"`
	CreatedAt     time.Time            `json:"created_at"`
}

// ChargePatch holds the fields an update may change on a recurring
// charge. FirstChargeAt moves the anchor of the recurrence.
type ChargePatch struct {
	Amount        *float64
	Category      *string
	Description   *string
	Frequency     *recurrence.Frequency
	FirstChargeAt *time.Time
}

// Goal is a monthly spending limit for a category, or for all spending
// when Category is GlobalGoal.
type Goal struct {
	UserID    string    `json:"-"`
	Category  string    `json:"categoria"`
	Limit     float64   `json:"meta"`
	CreatedAt time.Time `json:"created_at"`
}

// GoalProgress is a goal with this month's spending against it.
type GoalProgress struct {
	Category string  `json:"categoria"`
	Limit    float64 `json:"meta"`
	Spent    float64 `json:"total_gasto"`
	Percent  string  `json:"percentual_gasto"`
}

// CategorySummary totals one category's spending in a month.
type CategorySummary struct {
	Category string   `json:"categoria"`
	Total    float64  `json:"total_gasto"`
	Count    int      `json:"quantidade_transacoes"`
	Limit    *float64 `json:"meta,omitempty"`
}

// MonthSummary totals a month of transactions.
type MonthSummary struct {
	Month         string            `json:"mes"`
	Categories    []CategorySummary `json:"categorias"`
	TotalExpenses float64           `json:"total_despesas"`
	TotalIncome   float64           `json:"total_receitas"`
}

// FormatBRL renders an amount the way replies quote it.
func FormatBRL(v float64) string {
	return fmt.Sprintf("R$ %.2f", v)
}

// percentOf renders spent/limit as a whole percentage.
func percentOf(spent, limit float64) string {
	if limit == 0 {
		limit = 1
	}
	return fmt.Sprintf("%.0f", 100*spent/limit)
}
