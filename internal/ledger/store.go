package ledger

import (
	"context"
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// timeFormat is fixed width so stored timestamps compare correctly as
// strings.
const timeFormat = "2006-01-02T15:04:05.000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeFormat, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTimePtr(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t := parseTime(ns.String)
	return &t
}

// Store persists ledger records in SQLite. It shares the caller's
// database handle.
type Store struct {
	db *sql.DB
}

// NewStore creates a ledger store, running migrations on first use.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate ledger: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS users (
		id                     TEXT PRIMARY KEY,
		phone                  TEXT NOT NULL UNIQUE,
		chat_id                TEXT NOT NULL,
		nickname               TEXT NOT NULL DEFAULT '',
		stripe_customer_id     TEXT NOT NULL DEFAULT '',
		stripe_subscription_id TEXT NOT NULL DEFAULT '',
		created_at             TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS recurring_charges (
		id              TEXT PRIMARY KEY,
		user_id         TEXT NOT NULL,
		kind            TEXT NOT NULL,
		amount          REAL NOT NULL,
		category        TEXT NOT NULL,
		description     TEXT NOT NULL,
		frequency       TEXT NOT NULL,
		first_charge_at TEXT,
		next_charge_at  TEXT,
		created_at      TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS transactions (
		id                  TEXT PRIMARY KEY,
		user_id             TEXT NOT NULL,
		kind                TEXT NOT NULL,
		amount              REAL NOT NULL,
		category            TEXT NOT NULL,
		occurred_at         TEXT NOT NULL,
		description         TEXT NOT NULL,
		recurring_charge_id TEXT,
		created_at          TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_transactions_user_time ON transactions(user_id, occurred_at);

	CREATE TABLE IF NOT EXISTS goals (
		user_id    TEXT NOT NULL,
		category   TEXT NOT NULL,
		amount     REAL NOT NULL,
		created_at TEXT NOT NULL,
		PRIMARY KEY (user_id, category)
	);
	`)
	return err
}

const idAlphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ"

// maxUnbiased is the largest multiple of len(idAlphabet) that fits in a
// byte. Random bytes at or above it are redrawn.
const maxUnbiased = 256 - 256%len(idAlphabet)

// NewShortID returns an 8 character uppercase base-36 code, short
// enough for the agent to quote in chat.
func NewShortID() string {
	var out [8]byte
	var buf [16]byte
	n := 0
	for n < len(out) {
		_, _ = rand.Read(buf[:])
		for _, b := range buf {
			if int(b) >= maxUnbiased {
				continue
			}
			out[n] = idAlphabet[int(b)%len(idAlphabet)]
			n++
			if n == len(out) {
				break
			}
		}
	}
	return string(out[:])
}

// newID draws record ids; tests replace it to force collisions.
var newID = NewShortID

// insertWithShortID runs insert, assigning a fresh id through setID when
// the record has none. A generated id that is already taken is redrawn
// once.
func insertWithShortID(id string, setID func(string), insert func() error) error {
	if id != "" {
		return insert()
	}
	setID(newID())
	err := insert()
	if err != nil && isUniqueViolation(err) {
		setID(newID())
		err = insert()
	}
	return err
}

// isUniqueViolation matches the constraint error text both SQLite
// drivers report.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// normalizeID accepts ids as quoted in chat ("#5O18S19U").
func normalizeID(id string) string {
	return strings.ToUpper(strings.TrimPrefix(strings.TrimSpace(id), "#"))
}

// --- Users ---

// CreateUser registers a phone number.
func (s *Store) CreateUser(ctx context.Context, u *User) error {
	if u.ID == "" {
		u.ID = NewShortID()
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, phone, chat_id, nickname, stripe_customer_id, stripe_subscription_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		u.ID, u.Phone, u.ChatID, u.Nickname, u.StripeCustomerID, u.StripeSubscriptionID, formatTime(u.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("create user %s: %w", u.Phone, err)
	}
	return nil
}

const userColumns = `id, phone, chat_id, nickname, stripe_customer_id, stripe_subscription_id, created_at`

func scanUser(row *sql.Row) (*User, error) {
	var u User
	var createdAt string
	err := row.Scan(&u.ID, &u.Phone, &u.ChatID, &u.Nickname, &u.StripeCustomerID, &u.StripeSubscriptionID, &createdAt)
	if err != nil {
		return nil, err
	}
	u.CreatedAt = parseTime(createdAt)
	return &u, nil
}

// UserByPhone returns the user registered with phone. Returns nil, nil
// when the phone is unknown.
func (s *Store) UserByPhone(ctx context.Context, phone string) (*User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE phone = ?`, phone))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("user by phone: %w", err)
	}
	return u, nil
}

// UserByID returns the user with id. Returns nil, nil when unknown.
func (s *Store) UserByID(ctx context.Context, id string) (*User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("user by id: %w", err)
	}
	return u, nil
}

// SetBilling records the user's billing customer and subscription.
func (s *Store) SetBilling(ctx context.Context, userID, customerID, subscriptionID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET stripe_customer_id = ?, stripe_subscription_id = ? WHERE id = ?`,
		customerID, subscriptionID, userID,
	)
	if err != nil {
		return fmt.Errorf("set billing %s: %w", userID, err)
	}
	return requireAffected(res)
}

// --- Transactions ---

// AddTransaction inserts t, assigning a short id when empty.
func (s *Store) AddTransaction(ctx context.Context, t *Transaction) error {
	if t.Kind == "" {
		t.Kind = Expense
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	var chargeID any
	if t.RecurringChargeID != "" {
		chargeID = t.RecurringChargeID
	}
	err := insertWithShortID(t.ID, func(id string) { t.ID = id }, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO transactions (id, user_id, kind, amount, category, occurred_at, description, recurring_charge_id, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			t.ID, t.UserID, t.Kind, t.Amount, t.Category, formatTime(t.OccurredAt), t.Description, chargeID, formatTime(t.CreatedAt),
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("add transaction: %w", err)
	}
	return nil
}

const transactionColumns = `id, user_id, kind, amount, category, occurred_at, description, recurring_charge_id, created_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row scanner) (*Transaction, error) {
	var t Transaction
	var occurredAt, createdAt string
	var chargeID sql.NullString
	err := row.Scan(&t.ID, &t.UserID, &t.Kind, &t.Amount, &t.Category, &occurredAt, &t.Description, &chargeID, &createdAt)
	if err != nil {
		return nil, err
	}
	t.OccurredAt = parseTime(occurredAt)
	t.CreatedAt = parseTime(createdAt)
	t.RecurringChargeID = chargeID.String
	return &t, nil
}

// Transaction returns one of the user's transactions.
func (s *Store) Transaction(ctx context.Context, userID, id string) (*Transaction, error) {
	t, err := scanTransaction(s.db.QueryRowContext(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE id = ? AND user_id = ?`,
		normalizeID(id), userID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get transaction %s: %w", id, err)
	}
	return t, nil
}

// UpdateTransaction applies patch to one of the user's transactions and
// returns the updated row.
func (s *Store) UpdateTransaction(ctx context.Context, userID, id string, patch TransactionPatch) (*Transaction, error) {
	t, err := s.Transaction(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	if patch.Kind != nil {
		t.Kind = *patch.Kind
	}
	if patch.Amount != nil {
		t.Amount = *patch.Amount
	}
	if patch.Category != nil {
		t.Category = *patch.Category
	}
	if patch.OccurredAt != nil {
		t.OccurredAt = *patch.OccurredAt
	}
	if patch.Description != nil {
		t.Description = *patch.Description
	}

	_, err = s.db.ExecContext(ctx,
		`UPDATE transactions SET kind = ?, amount = ?, category = ?, occurred_at = ?, description = ?
		 WHERE id = ? AND user_id = ?`,
		t.Kind, t.Amount, t.Category, formatTime(t.OccurredAt), t.Description, t.ID, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("update transaction %s: %w", t.ID, err)
	}
	return t, nil
}

// DeleteTransaction removes one of the user's transactions.
func (s *Store) DeleteTransaction(ctx context.Context, userID, id string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM transactions WHERE id = ? AND user_id = ?`, normalizeID(id), userID)
	if err != nil {
		return fmt.Errorf("delete transaction %s: %w", id, err)
	}
	return requireAffected(res)
}

// TransactionQuery filters LatestTransactions. Zero fields do not
// filter.
type TransactionQuery struct {
	Limit    int
	Since    time.Time
	Category string
}

// LatestTransactions returns the user's transactions, newest first.
func (s *Store) LatestTransactions(ctx context.Context, userID string, q TransactionQuery) ([]Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE user_id = ?`
	args := []any{userID}
	if !q.Since.IsZero() {
		query += ` AND occurred_at >= ?`
		args = append(args, formatTime(q.Since))
	}
	if q.Category != "" {
		query += ` AND category = ?`
		args = append(args, q.Category)
	}
	query += ` ORDER BY occurred_at DESC`
	if q.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("latest transactions: %w", err)
	}
	defer rows.Close()

	out := []Transaction{}
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// MonthSummary totals the user's transactions in the calendar month
// containing month, interpreted in month's location.
func (s *Store) MonthSummary(ctx context.Context, userID string, month time.Time) (*MonthSummary, error) {
	start := time.Date(month.Year(), month.Month(), 1, 0, 0, 0, 0, month.Location())
	end := start.AddDate(0, 1, 0)

	rows, err := s.db.QueryContext(ctx,
		`SELECT t.kind, t.category, SUM(t.amount), COUNT(*), g.amount
		 FROM transactions t
		 LEFT JOIN goals g ON g.user_id = t.user_id AND g.category = t.category
		 WHERE t.user_id = ? AND t.occurred_at >= ? AND t.occurred_at < ?
		 GROUP BY t.kind, t.category
		 ORDER BY t.category`,
		userID, formatTime(start), formatTime(end),
	)
	if err != nil {
		return nil, fmt.Errorf("month summary: %w", err)
	}
	defer rows.Close()

	sum := &MonthSummary{Month: start.Format("2006-01"), Categories: []CategorySummary{}}
	for rows.Next() {
		var (
			kind  Kind
			cs    CategorySummary
			limit sql.NullFloat64
		)
		if err := rows.Scan(&kind, &cs.Category, &cs.Total, &cs.Count, &limit); err != nil {
			return nil, fmt.Errorf("scan month summary: %w", err)
		}
		if kind == Income {
			sum.TotalIncome += cs.Total
			continue
		}
		if limit.Valid {
			l := limit.Float64
			cs.Limit = &l
		}
		sum.TotalExpenses += cs.Total
		sum.Categories = append(sum.Categories, cs)
	}
	return sum, rows.Err()
}

// --- Recurring charges ---

// AddRecurringCharge inserts c, assigning a short id when empty.
func (s *Store) AddRecurringCharge(ctx context.Context, c *RecurringCharge) error {
	if c.Kind == "" {
		c.Kind = Expense
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	err := insertWithShortID(c.ID, func(id string) { c.ID = id }, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO recurring_charges (id, user_id, kind, amount, category, description, frequency, first_charge_at, next_charge_at, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			c.ID, c.UserID, c.Kind, c.Amount, c.Category, c.Description, c.Frequency,
			formatTimePtr(c.FirstChargeAt), formatTimePtr(c.NextChargeAt), formatTime(c.CreatedAt),
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("add recurring charge: %w", err)
	}
	return nil
}

const chargeColumns = `id, user_id, kind, amount, category, description, frequency, first_charge_at, next_charge_at, created_at`

func scanCharge(row scanner) (*RecurringCharge, error) {
	var c RecurringCharge
	var first, next sql.NullString
	var createdAt string
	err := row.Scan(&c.ID, &c.UserID, &c.Kind, &c.Amount, &c.Category, &c.Description, &c.Frequency, &first, &next, &createdAt)
	if err != nil {
		return nil, err
	}
	c.FirstChargeAt = parseTimePtr(first)
	c.NextChargeAt = parseTimePtr(next)
	c.CreatedAt = parseTime(createdAt)
	return &c, nil
}

// RecurringCharge returns a charge by id regardless of owner. The
// scheduler uses it when a charge fires.
func (s *Store) RecurringCharge(ctx context.Context, id string) (*RecurringCharge, error) {
	c, err := scanCharge(s.db.QueryRowContext(ctx,
		`SELECT `+chargeColumns+` FROM recurring_charges WHERE id = ?`, normalizeID(id)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get recurring charge %s: %w", id, err)
	}
	return c, nil
}

// UserRecurringCharge returns one of the user's charges.
func (s *Store) UserRecurringCharge(ctx context.Context, userID, id string) (*RecurringCharge, error) {
	c, err := s.RecurringCharge(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.UserID != userID {
		return nil, ErrNotFound
	}
	return c, nil
}

// RecurringCharges lists the user's charges, oldest first.
func (s *Store) RecurringCharges(ctx context.Context, userID string) ([]RecurringCharge, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+chargeColumns+` FROM recurring_charges WHERE user_id = ? ORDER BY created_at`, userID)
	if err != nil {
		return nil, fmt.Errorf("list recurring charges: %w", err)
	}
	defer rows.Close()

	out := []RecurringCharge{}
	for rows.Next() {
		c, err := scanCharge(rows)
		if err != nil {
			return nil, fmt.Errorf("scan recurring charge: %w", err)
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// UpdateRecurringCharge applies patch to one of the user's charges.
func (s *Store) UpdateRecurringCharge(ctx context.Context, userID, id string, patch ChargePatch) (*RecurringCharge, error) {
	c, err := s.UserRecurringCharge(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	if patch.Amount != nil {
		c.Amount = *patch.Amount
	}
	if patch.Category != nil {
		c.Category = *patch.Category
	}
	if patch.Description != nil {
		c.Description = *patch.Description
	}
	if patch.Frequency != nil {
		c.Frequency = *patch.Frequency
	}
	if patch.FirstChargeAt != nil {
		c.FirstChargeAt = patch.FirstChargeAt
	}

	_, err = s.db.ExecContext(ctx,
		`UPDATE recurring_charges SET amount = ?, category = ?, description = ?, frequency = ?, first_charge_at = ?
		 WHERE id = ?`,
		c.Amount, c.Category, c.Description, c.Frequency, formatTimePtr(c.FirstChargeAt), c.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("update recurring charge %s: %w", c.ID, err)
	}
	return c, nil
}

// SetNextCharge records when the charge fires next. Nil clears it.
func (s *Store) SetNextCharge(ctx context.Context, id string, next *time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE recurring_charges SET next_charge_at = ? WHERE id = ?`, formatTimePtr(next), id)
	if err != nil {
		return fmt.Errorf("set next charge %s: %w", id, err)
	}
	return requireAffected(res)
}

// DeleteRecurringCharge removes one of the user's charges. Transactions
// it already produced are kept.
func (s *Store) DeleteRecurringCharge(ctx context.Context, userID, id string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM recurring_charges WHERE id = ? AND user_id = ?`, normalizeID(id), userID)
	if err != nil {
		return fmt.Errorf("delete recurring charge %s: %w", id, err)
	}
	return requireAffected(res)
}

// --- Goals ---

// UpsertGoal sets the user's limit for category. It returns the
// previous limit, or nil when the goal is new.
func (s *Store) UpsertGoal(ctx context.Context, userID, category string, limit float64) (*float64, error) {
	var prev sql.NullFloat64
	err := s.db.QueryRowContext(ctx,
		`SELECT amount FROM goals WHERE user_id = ? AND category = ?`, userID, category,
	).Scan(&prev)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get goal %s: %w", category, err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO goals (user_id, category, amount, created_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (user_id, category) DO UPDATE SET amount = excluded.amount`,
		userID, category, limit, formatTime(time.Now()),
	)
	if err != nil {
		return nil, fmt.Errorf("upsert goal %s: %w", category, err)
	}
	if !prev.Valid {
		return nil, nil
	}
	return &prev.Float64, nil
}

// DeleteGoal removes the user's goal for category.
func (s *Store) DeleteGoal(ctx context.Context, userID, category string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM goals WHERE user_id = ? AND category = ?`, userID, category)
	if err != nil {
		return fmt.Errorf("delete goal %s: %w", category, err)
	}
	return requireAffected(res)
}

// GoalProgress reports each of the user's goals against spending in
// the month containing now. The global goal counts every expense.
func (s *Store) GoalProgress(ctx context.Context, userID string, now time.Time) ([]GoalProgress, error) {
	start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())
	end := start.AddDate(0, 1, 0)

	rows, err := s.db.QueryContext(ctx,
		`SELECT g.category, g.amount,
		        COALESCE((SELECT SUM(t.amount) FROM transactions t
		                  WHERE t.user_id = g.user_id
		                    AND t.kind = ?
		                    AND (g.category = ? OR t.category = g.category)
		                    AND t.occurred_at >= ? AND t.occurred_at < ?), 0)
		 FROM goals g
		 WHERE g.user_id = ?
		 ORDER BY g.category`,
		Expense, GlobalGoal, formatTime(start), formatTime(end), userID,
	)
	if err != nil {
		return nil, fmt.Errorf("goal progress: %w", err)
	}
	defer rows.Close()

	out := []GoalProgress{}
	for rows.Next() {
		var gp GoalProgress
		if err := rows.Scan(&gp.Category, &gp.Limit, &gp.Spent); err != nil {
			return nil, fmt.Errorf("scan goal progress: %w", err)
		}
		gp.Percent = percentOf(gp.Spent, gp.Limit)
		out = append(out, gp)
	}
	return out, rows.Err()
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
