package docstore

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get-style calls when no row matches.
var ErrNotFound = errors.New("docstore: not found")

// ErrInsufficientCredits is returned by DeductCredits when the user's
// balance is below the requested amount.
var ErrInsufficientCredits = errors.New("docstore: insufficient credits")

// UserStore is the users/{userId} collection.
type UserStore interface {
	Get(ctx context.Context, userID string) (*User, error)
	// DeductCredits atomically verifies balance >= amount, decrements it,
	// and appends a consume transaction row, all inside one transaction.
	DeductCredits(ctx context.Context, userID string, amount int64, jobID string) error
	// RefundCredits atomically increments balance and appends a refund row.
	RefundCredits(ctx context.Context, userID string, amount int64, jobID string) error
	IncrementGenerationCount(ctx context.Context, userID string) error
}

// TransactionStore is the transactions/{autoId} collection.
type TransactionStore interface {
	ListByJob(ctx context.Context, jobID string) ([]Transaction, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]Transaction, error)
}

// PipelineStore is the pipelines/{pipelineId} collection.
type PipelineStore interface {
	Create(ctx context.Context, p *Pipeline) error
	Get(ctx context.Context, id string) (*Pipeline, error)
	// Update persists the full record and bumps UpdatedAt.
	Update(ctx context.Context, p *Pipeline) error
	List(ctx context.Context, userID string, status *Status, limit int) ([]*Pipeline, error)
	// ListActive returns every pipeline currently in generating-mesh or
	// generating-texture, across all users, for the background poll worker
	// (A9).
	ListActive(ctx context.Context, limit int) ([]*Pipeline, error)
}

// DocStore bundles the three collections behind one handle, matching the
// persistence layout in full.
type DocStore interface {
	Users() UserStore
	Transactions() TransactionStore
	Pipelines() PipelineStore
	Close() error
}
