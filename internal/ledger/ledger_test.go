package ledger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshforge/orchestrator/internal/classify"
	"github.com/meshforge/orchestrator/internal/docstore"
)

func newTestLedger(t *testing.T) (*Ledger, *docstore.MockStore) {
	t.Helper()
	store := docstore.NewMockStore()
	store.SeedUser(&docstore.User{ID: "u1", Credits: 100})
	return New(store, nil), store
}

func TestLedgerDeductInsufficientCredits(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	err := l.DeductCredits(ctx, "u1", 1000, "job-1")
	require.Error(t, err)
	se := classify.GetServiceError(err)
	require.NotNil(t, se)
	assert.Equal(t, classify.CodeResourceExhausted, se.Code)
}

func TestLedgerConservationAcrossDebitAndRefund(t *testing.T) {
	l, store := newTestLedger(t)
	ctx := context.Background()

	require.NoError(t, l.DeductCredits(ctx, "u1", 5, "job-1"))
	require.NoError(t, l.RefundCredits(ctx, "u1", 5, "job-1"))

	u, err := store.Users().Get(ctx, "u1")
	require.NoError(t, err)
	assert.EqualValues(t, 100, u.Credits)

	txs, err := l.TransactionsForJob(ctx, "job-1")
	require.NoError(t, err)
	require.Len(t, txs, 2)

	var sum int64
	for _, tx := range txs {
		sum += tx.Amount
	}
	assert.EqualValues(t, 0, sum)
}

func TestLedgerRefundZeroIsNoop(t *testing.T) {
	l, _ := newTestLedger(t)
	assert.NoError(t, l.RefundCredits(context.Background(), "u1", 0, "job-1"))
}
