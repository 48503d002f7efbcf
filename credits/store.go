/*
store.go - Persistence interface for balances and the transaction log

APPEND-ONLY CONTRACT:
  Transactions are inserted, never updated or deleted. The balance row is
  the only mutable record and it is only touched through ApplyDelta, which
  the ledger primitives call together with AppendTransaction inside one
  store transaction.

CONDITIONAL UPDATES:
  ApplyDelta must refuse (applied == false) any delta that would drive
  available or held below zero. This turns the hold precondition into a
  single check-and-write statement, so two concurrent holds can never both
  pass against a stale read.

IMPLEMENTATIONS:
  - store/sqlite: SQLite, one connection, BEGIN/COMMIT per WithTx
*/
package credits

import "context"

// Delta is a signed change to the three balance columns.
type Delta struct {
	Total     Amount
	Available Amount
	Held      Amount
}

// Store persists balances and ledger transactions.
type Store interface {
	// EnsureBalance returns the user's balance, creating an all-zero row if absent.
	EnsureBalance(ctx context.Context, userID string) (Balance, error)

	// ApplyDelta adds d to the user's balance row. It reports applied == false,
	// without writing, when the result would make available or held negative.
	// The returned balance is the row after the attempt.
	ApplyDelta(ctx context.Context, userID string, d Delta) (Balance, bool, error)

	// AppendTransaction inserts a ledger row and returns it with Seq set.
	AppendTransaction(ctx context.Context, tx Transaction) (Transaction, error)

	// ListTransactions returns up to limit transactions, newest first.
	ListTransactions(ctx context.Context, userID string, limit int) ([]Transaction, error)

	// LoadTransactions returns every transaction for the user in commit order.
	LoadTransactions(ctx context.Context, userID string) ([]Transaction, error)
}

// TxStore wraps Store with transaction support.
// If fn returns an error the transaction is rolled back, otherwise committed.
type TxStore interface {
	Store
	WithTx(ctx context.Context, fn func(Store) error) error
}
