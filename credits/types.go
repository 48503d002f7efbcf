/*
Package credits provides the prepaid credit ledger for the task marketplace.

PURPOSE:
  Clients buy (or are granted) credits up front. Creating a task earmarks
  its cost against the client's balance; closing the task consumes the
  earmark and cancelling it gives the credits back. Every balance mutation
  is paired with exactly one immutable ledger transaction.

KEY CONCEPTS IN THIS FILE (types.go):
  - Amount: A credit quantity in integer hundredths (minor units)
  - Balance: The per-client total / available / held triple
  - Transaction: An immutable ledger entry recording one balance change

DESIGN PRINCIPLES:
  1. Integer arithmetic: Amounts are hundredths, never floats. Decimal text
     only appears at the boundary (JSON, TOML, CLI flags).
  2. Conservation: total == available + held after every operation
  3. Immutability: Transactions are never modified or deleted
  4. Auditability: Every transaction names its actor, task and reason

USAGE:
  amt, _ := credits.ParseAmount("30")
  bal, err := svc.Hold(ctx, "client-1", amt, "task-9", "client-1")

SEE ALSO:
  - ledger.go: The five ledger primitives
  - store.go: Persistence interface
  - replay.go: Reconciliation of the log against the balance row
*/
package credits

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// AMOUNT - Credit quantity in hundredths
// =============================================================================

// Amount is a credit quantity expressed in hundredths of a credit.
type Amount int64

// Scale is the number of minor units per whole credit.
const Scale = 100

// MaxAmount bounds any single amount so balance sums stay inside int64,
// the range of a SQLite INTEGER column.
const MaxAmount Amount = 1_000_000_000 * Scale

// MaxBalance caps a user's total so repeated grants cannot overflow.
const MaxBalance Amount = 1000 * MaxAmount

var (
	scaleDecimal     = decimal.NewFromInt(Scale)
	maxAmountDecimal = decimal.NewFromInt(int64(MaxAmount))
)

// Credits returns n whole credits.
func Credits(n int64) Amount { return Amount(n * Scale) }

// ParseAmount parses decimal text such as "30", "12.5" or "0.25".
// More than two significant fractional digits is a validation error.
func ParseAmount(s string) (Amount, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return 0, &ValidationError{Field: "amount", Reason: fmt.Sprintf("not a number: %q", s)}
	}
	return AmountFromDecimal(d)
}

// AmountFromDecimal converts a decimal credit value into minor units.
func AmountFromDecimal(d decimal.Decimal) (Amount, error) {
	minor := d.Mul(scaleDecimal)
	if !minor.Equal(minor.Truncate(0)) {
		return 0, &ValidationError{Field: "amount", Reason: "at most two decimal places allowed"}
	}
	if minor.Abs().GreaterThan(maxAmountDecimal) {
		return 0, &ValidationError{Field: "amount", Reason: fmt.Sprintf("out of range, at most %s", MaxAmount)}
	}
	return Amount(minor.IntPart()), nil
}

// Decimal returns the amount as a decimal number of credits.
func (a Amount) Decimal() decimal.Decimal { return decimal.New(int64(a), -2) }

func (a Amount) String() string { return a.Decimal().StringFixed(2) }

func (a Amount) Neg() Amount      { return -a }
func (a Amount) IsPositive() bool { return a > 0 }
func (a Amount) IsNegative() bool { return a < 0 }

func (a Amount) Min(b Amount) Amount {
	if a < b {
		return a
	}
	return b
}

// MarshalJSON renders the amount as a JSON number with two decimals.
func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalJSON accepts either a JSON number or a quoted decimal string.
func (a *Amount) UnmarshalJSON(data []byte) error {
	parsed, err := ParseAmount(strings.Trim(string(data), `"`))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// UnmarshalText lets config decoders (TOML) read amounts directly.
func (a *Amount) UnmarshalText(text []byte) error {
	parsed, err := ParseAmount(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// =============================================================================
// BALANCE - One row per client
// =============================================================================

// Balance is a client's credit position.
//
// INVARIANTS:
//   - Total == Available + Held
//   - Available >= 0, Held >= 0
type Balance struct {
	UserID    string    `json:"user_id"`
	Total     Amount    `json:"total_credits"`
	Available Amount    `json:"available_credits"`
	Held      Amount    `json:"held_credits"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Conserved reports whether the balance satisfies total == available + held.
func (b Balance) Conserved() bool { return b.Total == b.Available+b.Held }

// =============================================================================
// TRANSACTION - Immutable ledger entry
// =============================================================================

type TransactionType string

const (
	TxPurchase    TransactionType = "purchase"     // Credit pack bought (payment stub)
	TxAdminGrant  TransactionType = "admin_grant"  // Credits granted by an admin
	TxTaskHold    TransactionType = "task_hold"    // Task cost earmarked at creation
	TxTaskDeduct  TransactionType = "task_deduct"  // Hold consumed when the task closes
	TxTaskRelease TransactionType = "task_release" // Hold returned when the task is cancelled
)

// Valid reports whether t is a known transaction type.
func (t TransactionType) Valid() bool {
	switch t {
	case TxPurchase, TxAdminGrant, TxTaskHold, TxTaskDeduct, TxTaskRelease:
		return true
	}
	return false
}

// Transaction is one ledger row. Seq is assigned by the store and reflects
// commit order; BalanceAfter is the available credits after the mutation.
type Transaction struct {
	Seq          int64           `json:"seq"`
	ID           string          `json:"id"`
	UserID       string          `json:"user_id"`
	Type         TransactionType `json:"type"`
	Amount       Amount          `json:"amount"`
	BalanceAfter Amount          `json:"balance_after"`
	TaskID       string          `json:"task_id,omitempty"`
	PackID       string          `json:"pack_id,omitempty"`
	Description  string          `json:"description,omitempty"`
	ActorID      string          `json:"actor_id"`
	CreatedAt    time.Time       `json:"created_at"`
}
