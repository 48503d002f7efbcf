package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/warp/campfire-engine/credits"
)

// =============================================================================
// CREDIT STORE (credits.Store interface)
// =============================================================================

// EnsureBalance returns the user's balance, creating a zero row if absent.
func (s *Store) EnsureBalance(ctx context.Context, userID string) (credits.Balance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ensureBalance(ctx, s.db, userID)
}

// ApplyDelta adds d to the balance row unless the result would be negative.
func (s *Store) ApplyDelta(ctx context.Context, userID string, d credits.Delta) (credits.Balance, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return applyDelta(ctx, s.db, userID, d)
}

// AppendTransaction inserts an immutable ledger row.
func (s *Store) AppendTransaction(ctx context.Context, tx credits.Transaction) (credits.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return appendTransaction(ctx, s.db, tx)
}

// ListTransactions returns the newest transactions first.
func (s *Store) ListTransactions(ctx context.Context, userID string, limit int) ([]credits.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listTransactions(ctx, s.db, userID, limit)
}

// LoadTransactions returns every transaction of the user in commit order.
func (s *Store) LoadTransactions(ctx context.Context, userID string) ([]credits.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return loadTransactions(ctx, s.db, userID)
}

func (ts *txStore) EnsureBalance(ctx context.Context, userID string) (credits.Balance, error) {
	return ensureBalance(ctx, ts.tx, userID)
}

func (ts *txStore) ApplyDelta(ctx context.Context, userID string, d credits.Delta) (credits.Balance, bool, error) {
	return applyDelta(ctx, ts.tx, userID, d)
}

func (ts *txStore) AppendTransaction(ctx context.Context, tx credits.Transaction) (credits.Transaction, error) {
	return appendTransaction(ctx, ts.tx, tx)
}

func (ts *txStore) ListTransactions(ctx context.Context, userID string, limit int) ([]credits.Transaction, error) {
	return listTransactions(ctx, ts.tx, userID, limit)
}

func (ts *txStore) LoadTransactions(ctx context.Context, userID string) ([]credits.Transaction, error) {
	return loadTransactions(ctx, ts.tx, userID)
}

// ListBalances returns every balance row ordered by user (admin sweep).
func (s *Store) ListBalances(ctx context.Context) ([]credits.Balance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, total, available, held, updated_at
		FROM credit_balances
		ORDER BY user_id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query balances: %w", err)
	}
	defer rows.Close()

	var out []credits.Balance
	for rows.Next() {
		var (
			b         credits.Balance
			updatedAt string
		)
		if err := rows.Scan(&b.UserID, &b.Total, &b.Available, &b.Held, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan balance: %w", err)
		}
		b.UpdatedAt = parseTime(updatedAt)
		out = append(out, b)
	}
	return out, rows.Err()
}

// =============================================================================
// QUERIES
// =============================================================================

func getBalance(ctx context.Context, q querier, userID string) (credits.Balance, error) {
	var (
		b         = credits.Balance{UserID: userID}
		updatedAt string
	)
	err := q.QueryRowContext(ctx,
		"SELECT total, available, held, updated_at FROM credit_balances WHERE user_id = ?",
		userID,
	).Scan(&b.Total, &b.Available, &b.Held, &updatedAt)
	if err != nil {
		return credits.Balance{}, err
	}
	b.UpdatedAt = parseTime(updatedAt)
	return b, nil
}

func ensureBalance(ctx context.Context, q querier, userID string) (credits.Balance, error) {
	_, err := q.ExecContext(ctx, `
		INSERT INTO credit_balances (user_id, total, available, held, updated_at)
		VALUES (?, 0, 0, 0, ?)
		ON CONFLICT(user_id) DO NOTHING
	`, userID, formatTime(time.Now()))
	if err != nil {
		return credits.Balance{}, fmt.Errorf("failed to create balance: %w", err)
	}
	b, err := getBalance(ctx, q, userID)
	if err != nil {
		return credits.Balance{}, fmt.Errorf("failed to load balance: %w", err)
	}
	return b, nil
}

// applyDelta is a single conditional UPDATE: the guard and the write are
// one statement, so no concurrent writer can slip between them.
func applyDelta(ctx context.Context, q querier, userID string, d credits.Delta) (credits.Balance, bool, error) {
	res, err := q.ExecContext(ctx, `
		UPDATE credit_balances
		SET total = total + ?, available = available + ?, held = held + ?, updated_at = ?
		WHERE user_id = ? AND available + ? >= 0 AND held + ? >= 0
	`, d.Total, d.Available, d.Held, formatTime(time.Now()), userID, d.Available, d.Held)
	if err != nil {
		return credits.Balance{}, false, fmt.Errorf("failed to apply balance delta: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return credits.Balance{}, false, err
	}

	b, err := getBalance(ctx, q, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return credits.Balance{UserID: userID}, false, nil
	}
	if err != nil {
		return credits.Balance{}, false, fmt.Errorf("failed to load balance: %w", err)
	}
	return b, n == 1, nil
}

func appendTransaction(ctx context.Context, q querier, tx credits.Transaction) (credits.Transaction, error) {
	if !tx.Type.Valid() {
		return credits.Transaction{}, fmt.Errorf("unknown transaction type %q", tx.Type)
	}
	res, err := q.ExecContext(ctx, `
		INSERT INTO credit_transactions
		(id, user_id, tx_type, amount, balance_after, task_id, pack_id, description, actor_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		tx.ID,
		tx.UserID,
		string(tx.Type),
		tx.Amount,
		tx.BalanceAfter,
		nullString(tx.TaskID),
		nullString(tx.PackID),
		tx.Description,
		tx.ActorID,
		formatTime(tx.CreatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return credits.Transaction{}, fmt.Errorf("duplicate transaction id %s: %w", tx.ID, err)
		}
		return credits.Transaction{}, fmt.Errorf("failed to append transaction: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return credits.Transaction{}, err
	}
	tx.Seq = seq
	return tx, nil
}

const transactionColumns = `seq, id, user_id, tx_type, amount, balance_after, task_id, pack_id, description, actor_id, created_at`

func listTransactions(ctx context.Context, q querier, userID string, limit int) ([]credits.Transaction, error) {
	return queryTransactions(ctx, q, `
		SELECT `+transactionColumns+`
		FROM credit_transactions
		WHERE user_id = ?
		ORDER BY seq DESC
		LIMIT ?
	`, userID, limit)
}

func loadTransactions(ctx context.Context, q querier, userID string) ([]credits.Transaction, error) {
	return queryTransactions(ctx, q, `
		SELECT `+transactionColumns+`
		FROM credit_transactions
		WHERE user_id = ?
		ORDER BY seq ASC
	`, userID)
}

func queryTransactions(ctx context.Context, q querier, query string, args ...any) ([]credits.Transaction, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	transactions := []credits.Transaction{}
	for rows.Next() {
		var (
			tx        credits.Transaction
			txType    string
			taskID    sql.NullString
			packID    sql.NullString
			createdAt string
		)
		err := rows.Scan(
			&tx.Seq, &tx.ID, &tx.UserID, &txType, &tx.Amount, &tx.BalanceAfter,
			&taskID, &packID, &tx.Description, &tx.ActorID, &createdAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		tx.Type = credits.TransactionType(txType)
		tx.TaskID = taskID.String
		tx.PackID = packID.String
		tx.CreatedAt = parseTime(createdAt)
		transactions = append(transactions, tx)
	}
	return transactions, rows.Err()
}
