package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	pgxmock "github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/require"

	"github.com/and161185/airchainpay/internal/errs"
	"github.com/and161185/airchainpay/internal/model"
)

func newDB(t *testing.T) (*DB, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	return &DB{Pool: mock}, mock
}

func anyArgs(n int) []any {
	out := make([]any, n)
	for i := range out {
		out[i] = pgxmock.AnyArg()
	}
	return out
}

func queued() *model.QueuedTransaction {
	return &model.QueuedTransaction{
		ID:               uuid.Must(uuid.NewV4()),
		To:               "0xabc0000000000000000000000000000000000abc",
		Amount:           "1.5",
		ChainID:          "core_testnet",
		TokenSymbol:      "TCORE2",
		Status:           model.TxPending,
		Timestamp:        time.Now(),
		SignedTx:         "0xf86b",
		TxHash:           "0x01",
		From:             "0xf39fd6e51aad88f6f4ce6ab8827279cfffb92266",
		Nonce:            4,
		Transport:        model.TransportOffline,
		PaymentReference: "ref-1",
		IdempotencyKey:   "ref-1",
	}
}

func TestQueueRepo_Enqueue_OK(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewQueueRepo(db)
	q := queued()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT known::text, offline_spent::text FROM offline_ledger WHERE chain_id=\$1 AND token=\$2 FOR UPDATE`).
		WithArgs(q.ChainID, q.TokenSymbol).
		WillReturnRows(pgxmock.NewRows([]string{"known", "offline_spent"}).AddRow("10", "2"))
	mock.ExpectQuery(`SELECT next_nonce FROM offline_nonces WHERE chain_id=\$1 AND address=\$2 FOR UPDATE`).
		WithArgs(q.ChainID, q.From).
		WillReturnRows(pgxmock.NewRows([]string{"next_nonce"}).AddRow(int64(4)))
	mock.ExpectExec(`UPDATE offline_ledger SET offline_spent = offline_spent \+ \$3::numeric`).
		WithArgs(q.ChainID, q.TokenSymbol, q.Amount).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`UPDATE offline_nonces SET next_nonce = next_nonce \+ 1`).
		WithArgs(q.ChainID, q.From).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectQuery(`INSERT INTO queued_transactions`).
		WithArgs(anyArgs(16)...).
		WillReturnRows(pgxmock.NewRows([]string{"seq", "updated_at"}).AddRow(int64(7), time.Now()))
	mock.ExpectCommit()

	require.NoError(t, r.Enqueue(context.Background(), q))
	require.Equal(t, int64(7), q.Seq)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestQueueRepo_Enqueue_InsufficientBalance(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewQueueRepo(db)
	q := queued()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT known::text, offline_spent::text FROM offline_ledger`).
		WithArgs(q.ChainID, q.TokenSymbol).
		WillReturnRows(pgxmock.NewRows([]string{"known", "offline_spent"}).AddRow("2", "1"))
	mock.ExpectRollback()

	err := r.Enqueue(context.Background(), q)
	require.ErrorIs(t, err, errs.ErrInsufficientBalance)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestQueueRepo_Enqueue_NoLedgerEntry(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewQueueRepo(db)
	q := queued()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT known::text, offline_spent::text FROM offline_ledger`).
		WithArgs(q.ChainID, q.TokenSymbol).
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectRollback()

	require.ErrorIs(t, r.Enqueue(context.Background(), q), errs.ErrNotFound)
}

func TestQueueRepo_Enqueue_NonceMoved(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewQueueRepo(db)
	q := queued()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT known::text, offline_spent::text FROM offline_ledger`).
		WithArgs(q.ChainID, q.TokenSymbol).
		WillReturnRows(pgxmock.NewRows([]string{"known", "offline_spent"}).AddRow("10", "0"))
	mock.ExpectQuery(`SELECT next_nonce FROM offline_nonces`).
		WithArgs(q.ChainID, q.From).
		WillReturnRows(pgxmock.NewRows([]string{"next_nonce"}).AddRow(int64(5)))
	mock.ExpectRollback()

	require.ErrorIs(t, r.Enqueue(context.Background(), q), errs.ErrVersionConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestQueueRepo_Enqueue_DuplicateKey(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewQueueRepo(db)
	q := queued()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT known::text, offline_spent::text FROM offline_ledger`).
		WithArgs(q.ChainID, q.TokenSymbol).
		WillReturnRows(pgxmock.NewRows([]string{"known", "offline_spent"}).AddRow("10", "0"))
	mock.ExpectQuery(`SELECT next_nonce FROM offline_nonces`).
		WithArgs(q.ChainID, q.From).
		WillReturnRows(pgxmock.NewRows([]string{"next_nonce"}).AddRow(int64(4)))
	mock.ExpectExec(`UPDATE offline_ledger`).WithArgs(anyArgs(3)...).WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`UPDATE offline_nonces`).WithArgs(anyArgs(2)...).WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectQuery(`INSERT INTO queued_transactions`).
		WithArgs(anyArgs(16)...).
		WillReturnError(&pgconn.PgError{Code: "23505"})
	mock.ExpectRollback()

	require.ErrorIs(t, r.Enqueue(context.Background(), q), errs.ErrAlreadyExists)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestQueueRepo_UpdateStatus(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewQueueRepo(db)
	ctx := context.Background()
	id := uuid.Must(uuid.NewV4())
	cols := []string{"status", "amount", "chain_id", "token_symbol"}
	sel := `SELECT status, amount::text, chain_id, token_symbol FROM queued_transactions WHERE id=\$1 FOR UPDATE`

	// pending -> confirmed
	mock.ExpectBegin()
	mock.ExpectQuery(sel).WithArgs(id).
		WillReturnRows(pgxmock.NewRows(cols).AddRow("pending", "1.5", "core_testnet", "TCORE2"))
	mock.ExpectExec(`UPDATE queued_transactions SET status=\$2`).
		WithArgs(id, "confirmed", "0xhash", "").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`UPDATE offline_ledger SET known = GREATEST\(known - \$3::numeric, 0\)`).
		WithArgs("core_testnet", "TCORE2", "1.5").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()
	require.NoError(t, r.UpdateStatus(ctx, id, model.TxConfirmed, "0xhash", ""))

	// confirmed -> confirmed is a no-op
	mock.ExpectBegin()
	mock.ExpectQuery(sel).WithArgs(id).
		WillReturnRows(pgxmock.NewRows(cols).AddRow("confirmed", "1.5", "core_testnet", "TCORE2"))
	mock.ExpectCommit()
	require.NoError(t, r.UpdateStatus(ctx, id, model.TxConfirmed, "0xhash", ""))

	// confirmed -> failed is rejected
	mock.ExpectBegin()
	mock.ExpectQuery(sel).WithArgs(id).
		WillReturnRows(pgxmock.NewRows(cols).AddRow("confirmed", "1.5", "core_testnet", "TCORE2"))
	mock.ExpectRollback()
	require.ErrorIs(t, r.UpdateStatus(ctx, id, model.TxFailed, "", "late"), errs.ErrVersionConflict)

	// pending -> failed releases the offline spend only
	mock.ExpectBegin()
	mock.ExpectQuery(sel).WithArgs(id).
		WillReturnRows(pgxmock.NewRows(cols).AddRow("pending", "1.5", "core_testnet", "TCORE2"))
	mock.ExpectExec(`UPDATE queued_transactions SET status=\$2`).
		WithArgs(id, "failed", "", "rejected").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`UPDATE offline_ledger SET offline_spent = GREATEST\(offline_spent - \$3::numeric, 0\)`).
		WithArgs("core_testnet", "TCORE2", "1.5").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()
	require.NoError(t, r.UpdateStatus(ctx, id, model.TxFailed, "", "rejected"))

	// missing
	mock.ExpectBegin()
	mock.ExpectQuery(sel).WithArgs(id).WillReturnError(pgx.ErrNoRows)
	mock.ExpectRollback()
	require.ErrorIs(t, r.UpdateStatus(ctx, id, model.TxFailed, "", ""), errs.ErrNotFound)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestQueueRepo_Claim(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewQueueRepo(db)
	ctx := context.Background()
	id := uuid.Must(uuid.NewV4())
	now := time.Now()
	until := now.Add(time.Minute)

	mock.ExpectExec(`UPDATE queued_transactions SET claimed_by=\$2, claimed_until=\$4`).
		WithArgs(id, "drainer-a", now, until).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	ok, err := r.Claim(ctx, id, "drainer-a", now, until)
	require.NoError(t, err)
	require.True(t, ok)

	mock.ExpectExec(`UPDATE queued_transactions SET claimed_by=\$2, claimed_until=\$4`).
		WithArgs(id, "drainer-b", now, until).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	ok, err = r.Claim(ctx, id, "drainer-b", now, until)
	require.NoError(t, err)
	require.False(t, ok)

	mock.ExpectExec(`UPDATE queued_transactions SET claimed_by='', claimed_until=NULL WHERE id=\$1 AND claimed_by=\$2`).
		WithArgs(id, "drainer-a").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	require.NoError(t, r.Release(ctx, id, "drainer-a"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestQueueRepo_HasRecent(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewQueueRepo(db)
	since := time.Now().Add(-5 * time.Minute)

	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs("0xabc", "1.5", "core_testnet", since).
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))
	ok, err := r.HasRecent(context.Background(), "0xabc", "1.5", "core_testnet", since)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestQueueRepo_ListAndGet(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewQueueRepo(db)
	ctx := context.Background()
	q := queued()
	cols := []string{"id", "seq", "to_address", "amount", "chain_id", "token_symbol", "token_address", "status",
		"created_at", "signed_tx", "tx_hash", "from_address", "nonce", "transport", "payment_reference", "metadata",
		"idempotency_key", "failure_reason", "claimed_by", "claimed_until", "updated_at"}
	row := func() *pgxmock.Rows {
		return pgxmock.NewRows(cols).AddRow(q.ID, int64(3), q.To, q.Amount, q.ChainID, q.TokenSymbol, "", "pending",
			q.Timestamp, q.SignedTx, q.TxHash, q.From, int64(q.Nonce), q.Transport, q.PaymentReference,
			`{"merchant":"Cafe"}`, q.IdempotencyKey, "", "", (*time.Time)(nil), q.Timestamp)
	}

	mock.ExpectQuery(`FROM queued_transactions WHERE \(\$1 = '' OR status = \$1\) ORDER BY seq LIMIT \$2`).
		WithArgs("pending", 10).
		WillReturnRows(row())
	items, err := r.ListPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, q.ID, items[0].ID)
	require.Equal(t, uint64(4), items[0].Nonce)
	require.Equal(t, model.TxPending, items[0].Status)
	require.Equal(t, "Cafe", items[0].Metadata.Merchant)

	mock.ExpectQuery(`FROM queued_transactions WHERE idempotency_key=\$1`).
		WithArgs("ref-1").
		WillReturnRows(row())
	got, err := r.GetByIdempotencyKey(ctx, "ref-1")
	require.NoError(t, err)
	require.Equal(t, int64(3), got.Seq)

	mock.ExpectQuery(`FROM queued_transactions WHERE id=\$1`).
		WithArgs(q.ID).
		WillReturnError(pgx.ErrNoRows)
	_, err = r.GetByID(ctx, q.ID)
	require.ErrorIs(t, err, errs.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}
