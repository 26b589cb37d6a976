// Package ledger implements the credit ledger (C1): atomic debit/credit of a
// per-user integer balance with an append-only transaction log. It is a thin
// layer over docstore.UserStore/TransactionStore that translates storage
// errors into the classifier's taxonomy and records metrics.
package ledger

import (
	"context"
	"errors"

	"github.com/meshforge/orchestrator/internal/classify"
	"github.com/meshforge/orchestrator/internal/docstore"
	"github.com/meshforge/orchestrator/internal/metrics"
)

// Ledger is the credit ledger's public operations.
type Ledger struct {
	store   docstore.DocStore
	metrics *metrics.Registry
}

// New builds a Ledger over store, recording optional metrics.
func New(store docstore.DocStore, m *metrics.Registry) *Ledger {
	return &Ledger{store: store, metrics: m}
}

// HasCredits is a read-only balance check.
func (l *Ledger) HasCredits(ctx context.Context, userID string, amount int64) (bool, error) {
	u, err := l.store.Users().Get(ctx, userID)
	if err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return false, classify.NotFound("user not found")
		}
		return false, classify.Internal("load user balance", err)
	}
	return u.Credits >= amount, nil
}

// DeductCredits atomically verifies the balance and appends a consume row.
func (l *Ledger) DeductCredits(ctx context.Context, userID string, amount int64, jobID string) error {
	err := l.store.Users().DeductCredits(ctx, userID, amount, jobID)
	if err != nil {
		if errors.Is(err, docstore.ErrInsufficientCredits) {
			return classify.ResourceExhausted("insufficient credits")
		}
		if errors.Is(err, docstore.ErrNotFound) {
			return classify.NotFound("user not found")
		}
		return classify.Internal("debit credits", err)
	}
	if l.metrics != nil {
		l.metrics.LedgerTransactions.WithLabelValues(string(docstore.TxConsume)).Inc()
	}
	return nil
}

// RefundCredits atomically increments the balance and appends a refund row.
// Idempotency of not double-refunding the same stage is the caller's
// responsibility (the pipeline state machine only refunds once per debit,
// tracked by zeroing creditsCharged.*).
func (l *Ledger) RefundCredits(ctx context.Context, userID string, amount int64, jobID string) error {
	if amount <= 0 {
		return nil
	}
	err := l.store.Users().RefundCredits(ctx, userID, amount, jobID)
	if err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return classify.NotFound("user not found")
		}
		return classify.Internal("refund credits", err)
	}
	if l.metrics != nil {
		l.metrics.LedgerTransactions.WithLabelValues(string(docstore.TxRefund)).Inc()
	}
	return nil
}

// IncrementGenerationCount bumps the analytics-only counter.
func (l *Ledger) IncrementGenerationCount(ctx context.Context, userID string) error {
	if err := l.store.Users().IncrementGenerationCount(ctx, userID); err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return classify.NotFound("user not found")
		}
		return classify.Internal("increment generation count", err)
	}
	return nil
}

// TransactionsForJob lists every ledger row tagged with jobID, used by tests
// asserting P1 (credit conservation).
func (l *Ledger) TransactionsForJob(ctx context.Context, jobID string) ([]docstore.Transaction, error) {
	rows, err := l.store.Transactions().ListByJob(ctx, jobID)
	if err != nil {
		return nil, classify.Internal("list transactions", err)
	}
	return rows, nil
}
