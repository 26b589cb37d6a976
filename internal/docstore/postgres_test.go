package docstore

import (
	"context"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newMockedStore wires a PostgresStore over a go-sqlmock-faked *sql.DB, so
// the FOR UPDATE locking and transaction discipline in pgUsers' ledger
// methods run against real SQL rather than the hand-rolled MockStore used
// elsewhere in this package's tests.
func newMockedStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return &PostgresStore{db: sqlx.NewDb(db, "postgres")}, mock
}

func TestPostgresDeductCreditsLocksAndDebits(t *testing.T) {
	store, mock := newMockedStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT credits FROM users WHERE id = $1 FOR UPDATE`)).
		WithArgs("user-1").
		WillReturnRows(sqlmock.NewRows([]string{"credits"}).AddRow(int64(100)))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE users SET credits = credits - $1, updated_at = now() WHERE id = $2`)).
		WithArgs(int64(8), "user-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO transactions (id, user_id, type, amount, job_id, created_at) VALUES ($1,$2,$3,$4,$5,$6)`)).
		WithArgs(sqlmock.AnyArg(), "user-1", TxConsume, int64(-8), "pipeline-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := store.Users().DeductCredits(context.Background(), "user-1", 8, "pipeline-1")
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresDeductCreditsInsufficientBalanceRollsBack(t *testing.T) {
	store, mock := newMockedStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT credits FROM users WHERE id = $1 FOR UPDATE`)).
		WithArgs("user-1").
		WillReturnRows(sqlmock.NewRows([]string{"credits"}).AddRow(int64(3)))
	mock.ExpectRollback()

	err := store.Users().DeductCredits(context.Background(), "user-1", 8, "pipeline-1")
	assert.ErrorIs(t, err, ErrInsufficientCredits)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRefundCreditsCreditsBalanceAndAppendsRow(t *testing.T) {
	store, mock := newMockedStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE users SET credits = credits + $1, updated_at = now() WHERE id = $2`)).
		WithArgs(int64(8), "user-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO transactions (id, user_id, type, amount, job_id, created_at) VALUES ($1,$2,$3,$4,$5,$6)`)).
		WithArgs(sqlmock.AnyArg(), "user-1", TxRefund, int64(8), "pipeline-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := store.Users().RefundCredits(context.Background(), "user-1", 8, "pipeline-1")
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRefundCreditsUnknownUserRollsBack(t *testing.T) {
	store, mock := newMockedStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE users SET credits = credits + $1, updated_at = now() WHERE id = $2`)).
		WithArgs(int64(8), "ghost").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := store.Users().RefundCredits(context.Background(), "ghost", 8, "pipeline-1")
	assert.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}
