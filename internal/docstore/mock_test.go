package docstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockStoreDeductAndRefund(t *testing.T) {
	store := NewMockStore()
	store.SeedUser(&User{ID: "u1", Credits: 100})
	ctx := context.Background()

	require.NoError(t, store.Users().DeductCredits(ctx, "u1", 30, "job-1"))
	u, err := store.Users().Get(ctx, "u1")
	require.NoError(t, err)
	assert.EqualValues(t, 70, u.Credits)

	err = store.Users().DeductCredits(ctx, "u1", 1000, "job-1")
	assert.ErrorIs(t, err, ErrInsufficientCredits)

	require.NoError(t, store.Users().RefundCredits(ctx, "u1", 30, "job-1"))
	u, err = store.Users().Get(ctx, "u1")
	require.NoError(t, err)
	assert.EqualValues(t, 100, u.Credits)

	txs, err := store.Transactions().ListByJob(ctx, "job-1")
	require.NoError(t, err)
	require.Len(t, txs, 2)
	assert.Equal(t, TxConsume, txs[0].Type)
	assert.EqualValues(t, -30, txs[0].Amount)
	assert.Equal(t, TxRefund, txs[1].Type)
	assert.EqualValues(t, 30, txs[1].Amount)
}

func TestMockStorePipelineCRUD(t *testing.T) {
	store := NewMockStore()
	ctx := context.Background()

	p := &Pipeline{UserID: "u1", Status: StatusDraft, ProcessingMode: ProcessingRealtime, MeshImages: map[Angle]ProcessedImage{}}
	require.NoError(t, store.Pipelines().Create(ctx, p))
	assert.NotEmpty(t, p.ID)

	got, err := store.Pipelines().Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusDraft, got.Status)

	got.Status = StatusImagesReady
	require.NoError(t, store.Pipelines().Update(ctx, got))

	listed, err := store.Pipelines().List(ctx, "u1", nil, 10)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, StatusImagesReady, listed[0].Status)

	_, err = store.Pipelines().Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}
