package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	pgxmock "github.com/pashagolub/pgxmock/v3"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/and161185/airchainpay/internal/errs"
)

func TestLedgerRepo_GetBalance(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewLedgerRepo(db)
	ctx := context.Background()

	mock.ExpectQuery(`SELECT known::text, offline_spent::text, updated_at FROM offline_ledger WHERE chain_id=\$1 AND token=\$2`).
		WithArgs("base_sepolia", "USDC").
		WillReturnRows(pgxmock.NewRows([]string{"known", "offline_spent", "updated_at"}).AddRow("100.25", "0.25", time.Now()))
	b, err := r.GetBalance(ctx, "base_sepolia", "USDC")
	require.NoError(t, err)
	require.True(t, b.Available().Equal(decimal.NewFromInt(100)))

	mock.ExpectQuery(`FROM offline_ledger WHERE chain_id=\$1 AND token=\$2`).
		WithArgs("base_sepolia", "ETH").
		WillReturnError(pgx.ErrNoRows)
	_, err = r.GetBalance(ctx, "base_sepolia", "ETH")
	require.ErrorIs(t, err, errs.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLedgerRepo_SetKnownBalance_RecomputesSpend(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewLedgerRepo(db)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT COALESCE\(SUM\(amount\), 0\)::text FROM queued_transactions`).
		WithArgs("core_testnet", "TCORE2").
		WillReturnRows(pgxmock.NewRows([]string{"sum"}).AddRow("3.5"))
	mock.ExpectQuery(`INSERT INTO offline_ledger`).
		WithArgs("core_testnet", "TCORE2", "20", "3.5").
		WillReturnRows(pgxmock.NewRows([]string{"updated_at"}).AddRow(time.Now()))
	mock.ExpectCommit()

	b, err := r.SetKnownBalance(context.Background(), "core_testnet", "TCORE2", decimal.NewFromInt(20))
	require.NoError(t, err)
	require.Equal(t, "3.5", b.OfflineSpent.String())
	require.Equal(t, "16.5", b.Available().String())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLedgerRepo_Nonces(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewLedgerRepo(db)
	ctx := context.Background()
	addr := "0xf39fd6e51aad88f6f4ce6ab8827279cfffb92266"

	mock.ExpectQuery(`SELECT next_nonce FROM offline_nonces WHERE chain_id=\$1 AND address=\$2`).
		WithArgs("core_testnet", addr).
		WillReturnError(pgx.ErrNoRows)
	_, err := r.PeekNonce(ctx, "core_testnet", addr)
	require.ErrorIs(t, err, errs.ErrNotFound)

	mock.ExpectQuery(`INSERT INTO offline_nonces`).
		WithArgs("core_testnet", addr, int64(3)).
		WillReturnRows(pgxmock.NewRows([]string{"next_nonce"}).AddRow(int64(9)))
	next, err := r.SetKnownNonce(ctx, "core_testnet", addr, 3)
	require.NoError(t, err)
	require.Equal(t, uint64(9), next)
	require.NoError(t, mock.ExpectationsWereMet())
}
