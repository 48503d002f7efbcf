package credits

// =============================================================================
// REPLAY - Rebuild a balance from its transaction log
// =============================================================================

// Effect returns what a transaction did to each balance column.
// The signed Amount of hold, release, grant and purchase rows is exactly
// their effect on available credits; deduct rows move held (and total) only.
func Effect(tx Transaction) Delta {
	switch tx.Type {
	case TxPurchase, TxAdminGrant:
		return Delta{Total: tx.Amount, Available: tx.Amount}
	case TxTaskHold:
		return Delta{Available: tx.Amount, Held: -tx.Amount}
	case TxTaskRelease:
		return Delta{Available: tx.Amount, Held: -tx.Amount}
	case TxTaskDeduct:
		return Delta{Total: tx.Amount, Held: tx.Amount}
	}
	return Delta{}
}

// AffectsAvailable reports whether the transaction's amount moved available credits.
func AffectsAvailable(t TransactionType) bool {
	return t != TxTaskDeduct
}

// Replay applies txs in order to a zero balance.
func Replay(userID string, txs []Transaction) Balance {
	b := Balance{UserID: userID}
	for _, tx := range txs {
		d := Effect(tx)
		b.Total += d.Total
		b.Available += d.Available
		b.Held += d.Held
		if tx.CreatedAt.After(b.UpdatedAt) {
			b.UpdatedAt = tx.CreatedAt
		}
	}
	return b
}

// ReconciliationReport compares a stored balance with its replayed log.
type ReconciliationReport struct {
	UserID       string  `json:"user_id"`
	Stored       Balance `json:"stored"`
	Replayed     Balance `json:"replayed"`
	AvailableSum Amount  `json:"available_sum"`
	Transactions int     `json:"transactions"`

	// FirstBadSeq is the first transaction whose BalanceAfter disagrees
	// with the running available total, or 0.
	FirstBadSeq int64 `json:"first_bad_seq,omitempty"`
	OK          bool  `json:"ok"`
}

// Reconcile checks that txs (in commit order) reproduce stored: every
// column matches, the signed amounts of available-moving rows sum to the
// stored available credits, and each BalanceAfter snapshot is consistent.
func Reconcile(stored Balance, txs []Transaction) ReconciliationReport {
	report := ReconciliationReport{
		UserID:       stored.UserID,
		Stored:       stored,
		Replayed:     Replay(stored.UserID, txs),
		Transactions: len(txs),
	}

	var running Amount
	for _, tx := range txs {
		if AffectsAvailable(tx.Type) {
			running += tx.Amount
		}
		if tx.BalanceAfter != running && report.FirstBadSeq == 0 {
			report.FirstBadSeq = tx.Seq
		}
	}
	report.AvailableSum = running

	report.OK = report.FirstBadSeq == 0 &&
		running == stored.Available &&
		report.Replayed.Total == stored.Total &&
		report.Replayed.Available == stored.Available &&
		report.Replayed.Held == stored.Held &&
		stored.Conserved()
	return report
}
