package docstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MockStore is an in-memory DocStore for unit tests that exercise C1/C5/C7
// logic without a real Postgres instance.
type MockStore struct {
	mu           sync.Mutex
	users        map[string]*User
	transactions map[string]Transaction
	pipelines    map[string]*Pipeline
}

// NewMockStore returns an empty MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		users:        make(map[string]*User),
		transactions: make(map[string]Transaction),
		pipelines:    make(map[string]*Pipeline),
	}
}

// SeedUser inserts or overwrites a user balance for test setup.
func (m *MockStore) SeedUser(u *User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *u
	m.users[u.ID] = &cp
}

func (m *MockStore) Close() error { return nil }

func (m *MockStore) Users() UserStore               { return (*mockUsers)(m) }
func (m *MockStore) Transactions() TransactionStore { return (*mockTransactions)(m) }
func (m *MockStore) Pipelines() PipelineStore       { return (*mockPipelines)(m) }

type mockUsers MockStore

func (u *mockUsers) Get(ctx context.Context, userID string) (*User, error) {
	m := (*MockStore)(u)
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.users[userID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *row
	return &cp, nil
}

func (u *mockUsers) DeductCredits(ctx context.Context, userID string, amount int64, jobID string) error {
	m := (*MockStore)(u)
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.users[userID]
	if !ok {
		return ErrNotFound
	}
	if row.Credits < amount {
		return ErrInsufficientCredits
	}
	row.Credits -= amount
	row.UpdatedAt = time.Now().UTC()
	id := uuid.NewString()
	m.transactions[id] = Transaction{ID: id, UserID: userID, Type: TxConsume, Amount: -amount, JobID: jobID, CreatedAt: time.Now().UTC()}
	return nil
}

func (u *mockUsers) RefundCredits(ctx context.Context, userID string, amount int64, jobID string) error {
	m := (*MockStore)(u)
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.users[userID]
	if !ok {
		return ErrNotFound
	}
	row.Credits += amount
	row.UpdatedAt = time.Now().UTC()
	id := uuid.NewString()
	m.transactions[id] = Transaction{ID: id, UserID: userID, Type: TxRefund, Amount: amount, JobID: jobID, CreatedAt: time.Now().UTC()}
	return nil
}

func (u *mockUsers) IncrementGenerationCount(ctx context.Context, userID string) error {
	m := (*MockStore)(u)
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.users[userID]
	if !ok {
		return ErrNotFound
	}
	row.TotalGenerated++
	row.UpdatedAt = time.Now().UTC()
	return nil
}

type mockTransactions MockStore

func (t *mockTransactions) ListByJob(ctx context.Context, jobID string) ([]Transaction, error) {
	m := (*MockStore)(t)
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Transaction
	for _, tx := range m.transactions {
		if tx.JobID == jobID {
			out = append(out, tx)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (t *mockTransactions) ListByUser(ctx context.Context, userID string, limit int) ([]Transaction, error) {
	m := (*MockStore)(t)
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Transaction
	for _, tx := range m.transactions {
		if tx.UserID == userID {
			out = append(out, tx)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

type mockPipelines MockStore

func (p *mockPipelines) Create(ctx context.Context, pipe *Pipeline) error {
	m := (*MockStore)(p)
	m.mu.Lock()
	defer m.mu.Unlock()
	if pipe.ID == "" {
		pipe.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	pipe.CreatedAt, pipe.UpdatedAt = now, now
	m.pipelines[pipe.ID] = pipe.Clone()
	return nil
}

func (p *mockPipelines) Get(ctx context.Context, id string) (*Pipeline, error) {
	m := (*MockStore)(p)
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.pipelines[id]
	if !ok {
		return nil, ErrNotFound
	}
	return row.Clone(), nil
}

func (p *mockPipelines) Update(ctx context.Context, pipe *Pipeline) error {
	m := (*MockStore)(p)
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.pipelines[pipe.ID]; !ok {
		return ErrNotFound
	}
	pipe.UpdatedAt = time.Now().UTC()
	m.pipelines[pipe.ID] = pipe.Clone()
	return nil
}

func (p *mockPipelines) List(ctx context.Context, userID string, status *Status, limit int) ([]*Pipeline, error) {
	m := (*MockStore)(p)
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Pipeline
	for _, row := range m.pipelines {
		if row.UserID != userID {
			continue
		}
		if status != nil && row.Status != *status {
			continue
		}
		out = append(out, row.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (p *mockPipelines) ListActive(ctx context.Context, limit int) ([]*Pipeline, error) {
	m := (*MockStore)(p)
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Pipeline
	for _, row := range m.pipelines {
		if row.Status == StatusGeneratingMesh || row.Status == StatusGeneratingTexture {
			out = append(out, row.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

var _ DocStore = (*MockStore)(nil)
var _ DocStore = (*PostgresStore)(nil)
