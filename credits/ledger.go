/*
ledger.go - The five credit ledger primitives

PURPOSE:
  Every change to a client's credits goes through one of these operations.
  Each one performs exactly one balance mutation and appends exactly one
  transaction; the pair is written in a single store transaction so the
  log and the balance row can never disagree.

OPERATIONS:
  ┌──────────┬─────────────┬───────────┬──────────┬──────────────┐
  │ Op       │ Total       │ Available │ Held     │ Tx amount    │
  ├──────────┼─────────────┼───────────┼──────────┼──────────────┤
  │ Hold     │ 0           │ -a        │ +a       │ -a           │
  │ Finalize │ -a'         │ 0         │ -a'      │ -a'          │
  │ Release  │ 0           │ +a'       │ -a'      │ +a'          │
  │ Grant    │ +a          │ +a        │ 0        │ +a           │
  │ Purchase │ +a          │ +a        │ 0        │ +a           │
  └──────────┴─────────────┴───────────┴──────────┴──────────────┘
  a' = min(a, held): finalize and release clamp instead of failing,
  because they only ever follow a successful hold for the same task.

  Finalize lowers Total together with Held so total == available + held
  keeps holding once consumed credits leave the client's position.

FAILURE SEMANTICS:
  Only Hold has a business precondition (available >= amount). It is
  enforced by the conditional ApplyDelta, not by a separate read.

TWO ENTRY POINTS:
  Ledger:  Operates on whatever Store it is given. The task controller
           builds one on its own transaction so task writes and ledger
           writes commit together.
  Service: Wraps each primitive in its own TxStore transaction for
           standalone callers (HTTP credit endpoints, CLI).
*/
package credits

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/warp/campfire-engine/metrics"
)

// =============================================================================
// LEDGER - Primitives over a single Store
// =============================================================================

type Ledger struct {
	store Store
	now   func() time.Time
}

// NewLedger returns a ledger writing through store. When store is a
// transaction-scoped view, all writes belong to that transaction.
func NewLedger(store Store) *Ledger {
	return &Ledger{store: store, now: func() time.Time { return time.Now().UTC() }}
}

// WithClock overrides the timestamp source (tests).
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	l.now = now
	return l
}

// posting is one balance mutation plus the transaction describing it.
type posting struct {
	userID      string
	txType      TransactionType
	delta       Delta
	amount      Amount
	taskID      string
	packID      string
	description string
	actorID     string
}

// Hold moves amount from available to held for taskID.
func (l *Ledger) Hold(ctx context.Context, userID string, amount Amount, taskID, actorID string) (Balance, error) {
	if err := requirePositive(amount); err != nil {
		return Balance{}, err
	}
	current, err := l.store.EnsureBalance(ctx, userID)
	if err != nil {
		return Balance{}, err
	}
	bal, _, err := l.post(ctx, posting{
		userID:      userID,
		txType:      TxTaskHold,
		delta:       Delta{Available: -amount, Held: amount},
		amount:      -amount,
		taskID:      taskID,
		description: "credits held for task",
		actorID:     actorID,
	})
	if err == errNotApplied {
		return Balance{}, &InsufficientCreditsError{UserID: userID, Available: current.Available, Needed: amount}
	}
	return bal, err
}

// Finalize consumes up to amount of the held credits for a closed task.
func (l *Ledger) Finalize(ctx context.Context, userID string, amount Amount, taskID, actorID string) (Balance, error) {
	if err := requirePositive(amount); err != nil {
		return Balance{}, err
	}
	current, err := l.store.EnsureBalance(ctx, userID)
	if err != nil {
		return Balance{}, err
	}
	consumed := amount.Min(current.Held)
	bal, _, err := l.post(ctx, posting{
		userID:      userID,
		txType:      TxTaskDeduct,
		delta:       Delta{Total: -consumed, Held: -consumed},
		amount:      -consumed,
		taskID:      taskID,
		description: "credits deducted for completed task",
		actorID:     actorID,
	})
	return bal, l.unexpected(err)
}

// Release returns up to amount of the held credits to available for a cancelled task.
func (l *Ledger) Release(ctx context.Context, userID string, amount Amount, taskID, actorID string) (Balance, error) {
	if err := requirePositive(amount); err != nil {
		return Balance{}, err
	}
	current, err := l.store.EnsureBalance(ctx, userID)
	if err != nil {
		return Balance{}, err
	}
	released := amount.Min(current.Held)
	bal, _, err := l.post(ctx, posting{
		userID:      userID,
		txType:      TxTaskRelease,
		delta:       Delta{Available: released, Held: -released},
		amount:      released,
		taskID:      taskID,
		description: "credits released from cancelled task",
		actorID:     actorID,
	})
	return bal, l.unexpected(err)
}

// Grant adds credits on an admin's behalf.
func (l *Ledger) Grant(ctx context.Context, userID string, amount Amount, description, actorID string) (Balance, error) {
	if err := requirePositive(amount); err != nil {
		return Balance{}, err
	}
	if description == "" {
		description = "credits granted by admin"
	}
	current, err := l.store.EnsureBalance(ctx, userID)
	if err != nil {
		return Balance{}, err
	}
	if err := requireHeadroom(current, amount); err != nil {
		return Balance{}, err
	}
	bal, _, err := l.post(ctx, posting{
		userID:      userID,
		txType:      TxAdminGrant,
		delta:       Delta{Total: amount, Available: amount},
		amount:      amount,
		description: description,
		actorID:     actorID,
	})
	return bal, l.unexpected(err)
}

// Purchase adds the credits of pack. There is no payment capture; the
// purchase is recorded as if the payment had succeeded.
func (l *Ledger) Purchase(ctx context.Context, userID string, pack Pack, actorID string) (Balance, error) {
	if err := requirePositive(pack.Credits); err != nil {
		return Balance{}, err
	}
	current, err := l.store.EnsureBalance(ctx, userID)
	if err != nil {
		return Balance{}, err
	}
	if err := requireHeadroom(current, pack.Credits); err != nil {
		return Balance{}, err
	}
	bal, _, err := l.post(ctx, posting{
		userID:      userID,
		txType:      TxPurchase,
		delta:       Delta{Total: pack.Credits, Available: pack.Credits},
		amount:      pack.Credits,
		packID:      pack.ID,
		description: fmt.Sprintf("purchased %s", pack.Name),
		actorID:     actorID,
	})
	return bal, l.unexpected(err)
}

var errNotApplied = errors.New("balance delta not applied")

func (l *Ledger) post(ctx context.Context, p posting) (Balance, Transaction, error) {
	bal, applied, err := l.store.ApplyDelta(ctx, p.userID, p.delta)
	if err != nil {
		return Balance{}, Transaction{}, fmt.Errorf("failed to update balance: %w", err)
	}
	if !applied {
		return bal, Transaction{}, errNotApplied
	}

	tx, err := l.store.AppendTransaction(ctx, Transaction{
		ID:           uuid.NewString(),
		UserID:       p.userID,
		Type:         p.txType,
		Amount:       p.amount,
		BalanceAfter: bal.Available,
		TaskID:       p.taskID,
		PackID:       p.packID,
		Description:  p.description,
		ActorID:      p.actorID,
		CreatedAt:    l.now(),
	})
	if err != nil {
		return Balance{}, Transaction{}, fmt.Errorf("failed to record transaction: %w", err)
	}
	return bal, tx, nil
}

// unexpected maps a refused delta on a clamped operation to an error.
// Clamping keeps these deltas in range, so a refusal means the row moved
// under us or is already inconsistent.
func (l *Ledger) unexpected(err error) error {
	if err == errNotApplied {
		return fmt.Errorf("balance delta refused for clamped operation: %w", ErrReconciliation)
	}
	return err
}

func requirePositive(a Amount) error {
	if !a.IsPositive() {
		return &ValidationError{Field: "amount", Reason: "must be greater than zero"}
	}
	if a > MaxAmount {
		return &ValidationError{Field: "amount", Reason: fmt.Sprintf("must be at most %s", MaxAmount)}
	}
	return nil
}

func requireHeadroom(current Balance, a Amount) error {
	if current.Total > MaxBalance-a {
		return &ValidationError{Field: "amount", Reason: fmt.Sprintf("balance would exceed %s", MaxBalance)}
	}
	return nil
}

// =============================================================================
// SERVICE - One store transaction per primitive
// =============================================================================

// DefaultTransactionLimit and MaxTransactionLimit bound ListTransactions.
const (
	DefaultTransactionLimit = 50
	MaxTransactionLimit     = 500
)

type Service struct {
	store   TxStore
	catalog *Catalog
	log     *slog.Logger
}

// NewService creates a credit service. A nil catalog uses DefaultCatalog.
func NewService(store TxStore, catalog *Catalog, log *slog.Logger) *Service {
	if catalog == nil {
		catalog = DefaultCatalog()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Service{store: store, catalog: catalog, log: log}
}

// Catalog returns the pack and pricing catalog.
func (s *Service) Catalog() *Catalog { return s.catalog }

// Balance returns the user's balance, creating a zero balance on first reference.
func (s *Service) Balance(ctx context.Context, userID string) (Balance, error) {
	var bal Balance
	err := s.store.WithTx(ctx, func(tx Store) error {
		var err error
		bal, err = tx.EnsureBalance(ctx, userID)
		return err
	})
	return bal, err
}

// Transactions returns the user's newest transactions first.
func (s *Service) Transactions(ctx context.Context, userID string, limit int) ([]Transaction, error) {
	if limit <= 0 {
		limit = DefaultTransactionLimit
	}
	if limit > MaxTransactionLimit {
		limit = MaxTransactionLimit
	}
	return s.store.ListTransactions(ctx, userID, limit)
}

func (s *Service) Hold(ctx context.Context, userID string, amount Amount, taskID, actorID string) (Balance, error) {
	return s.run(ctx, TxTaskHold, amount, func(l *Ledger) (Balance, error) {
		return l.Hold(ctx, userID, amount, taskID, actorID)
	})
}

func (s *Service) Finalize(ctx context.Context, userID string, amount Amount, taskID, actorID string) (Balance, error) {
	return s.run(ctx, TxTaskDeduct, amount, func(l *Ledger) (Balance, error) {
		return l.Finalize(ctx, userID, amount, taskID, actorID)
	})
}

func (s *Service) Release(ctx context.Context, userID string, amount Amount, taskID, actorID string) (Balance, error) {
	return s.run(ctx, TxTaskRelease, amount, func(l *Ledger) (Balance, error) {
		return l.Release(ctx, userID, amount, taskID, actorID)
	})
}

// Grant adds credits to targetUserID on behalf of the admin actorID.
func (s *Service) Grant(ctx context.Context, targetUserID string, amount Amount, description, actorID string) (Balance, error) {
	bal, err := s.run(ctx, TxAdminGrant, amount, func(l *Ledger) (Balance, error) {
		return l.Grant(ctx, targetUserID, amount, description, actorID)
	})
	if err == nil {
		s.log.Info("credits granted", "user_id", targetUserID, "amount", amount.String(), "actor_id", actorID)
	}
	return bal, err
}

// Purchase resolves packID in the catalog and credits the user with it.
func (s *Service) Purchase(ctx context.Context, userID, packID, actorID string) (Balance, error) {
	pack, err := s.catalog.Pack(packID)
	if err != nil {
		return Balance{}, err
	}
	return s.run(ctx, TxPurchase, pack.Credits, func(l *Ledger) (Balance, error) {
		return l.Purchase(ctx, userID, pack, actorID)
	})
}

func (s *Service) run(ctx context.Context, txType TransactionType, amount Amount, op func(*Ledger) (Balance, error)) (Balance, error) {
	var bal Balance
	err := s.store.WithTx(ctx, func(tx Store) error {
		var err error
		bal, err = op(NewLedger(tx))
		return err
	})
	if err != nil {
		if errors.Is(err, ErrInsufficientCredits) {
			metrics.HoldRejections.Inc()
		}
		return Balance{}, err
	}
	metrics.RecordLedgerOperation(string(txType), amount.Decimal().InexactFloat64())
	return bal, nil
}

// Reconcile replays the user's log and compares it with the stored balance.
// A mismatch is returned as *ReconciliationError together with the report.
func (s *Service) Reconcile(ctx context.Context, userID string) (ReconciliationReport, error) {
	var report ReconciliationReport
	err := s.store.WithTx(ctx, func(tx Store) error {
		stored, err := tx.EnsureBalance(ctx, userID)
		if err != nil {
			return err
		}
		txs, err := tx.LoadTransactions(ctx, userID)
		if err != nil {
			return err
		}
		report = Reconcile(stored, txs)
		return nil
	})
	if err != nil {
		return ReconciliationReport{}, err
	}
	if !report.OK {
		s.log.Error("ledger reconciliation failed", "user_id", userID,
			"stored_available", report.Stored.Available.String(),
			"replayed_available", report.Replayed.Available.String())
		return report, &ReconciliationError{Report: report}
	}
	return report, nil
}
