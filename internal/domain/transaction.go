package domain

import (
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// ErrConflictingAmounts is returned when a transaction carries both a
// deposit and a withdrawal amount.
var ErrConflictingAmounts = errors.New("transaction cannot be both deposit and withdrawal")

// TransactionKind is the direction of a submitted transaction.
type TransactionKind string

const (
	KindDeposit    TransactionKind = "deposit"
	KindWithdrawal TransactionKind = "withdrawal"
)

// Transaction is a user-submitted deposit or withdrawal.
//
// ValidatedAt is nil until an external validation authority approves the
// transaction; it is set exactly once and never cleared. NotificationDelivered
// flips false->true exactly once, locally, when the validation is first
// observed.
type Transaction struct {
	ID                    string          `json:"id"`
	UserID                string          `json:"user_id"`
	Deposit               decimal.Decimal `json:"deposit"`
	Withdrawal            decimal.Decimal `json:"withdrawal"`
	EffectiveAt           time.Time       `json:"effective_at"`
	ValidatedAt           *time.Time      `json:"validated_at,omitempty"`
	NotificationDelivered bool            `json:"notification_delivered"`
}

// Validated reports whether the validation authority has approved the
// transaction.
func (t *Transaction) Validated() bool {
	return t.ValidatedAt != nil
}

// Effective reports whether the transaction takes economic effect at the
// given instant. Future-dated transactions are not effective yet.
func (t *Transaction) Effective(now time.Time) bool {
	return !t.EffectiveAt.After(now)
}

// Amount returns the signed amount of the transaction: positive for
// deposits, negative for withdrawals.
func (t *Transaction) Amount() decimal.Decimal {
	return t.Deposit.Sub(t.Withdrawal)
}

// Validate checks the per-record invariants.
func (t *Transaction) Validate() error {
	if t.Deposit.IsNegative() || t.Withdrawal.IsNegative() {
		return errors.New("transaction amounts must be non-negative")
	}
	if t.Deposit.IsPositive() && t.Withdrawal.IsPositive() {
		return ErrConflictingAmounts
	}
	return nil
}
