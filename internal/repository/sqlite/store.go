// Package sqlite is the on-device repository.Store backed by mattn/go-sqlite3.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/and161185/airchainpay/internal/errs"
	"github.com/and161185/airchainpay/internal/migrate"
	"github.com/and161185/airchainpay/internal/model"
	"github.com/and161185/airchainpay/internal/repository"
)

// Store implements repository.Store on a single SQLite file.
type Store struct{ db *sql.DB }

var _ repository.Store = (*Store)(nil)

// Open opens (or creates) the database at path and applies migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	// one writer; also keeps ":memory:" databases on a single connection
	db.SetMaxOpenConns(1)
	if err := migrate.UpDB(ctx, db, migrate.DriverSQLite); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

const queuedCols = `id, seq, to_address, amount, chain_id, token_symbol, token_address, status,
created_at, signed_tx, tx_hash, from_address, nonce, transport, payment_reference, metadata,
COALESCE(idempotency_key, ''), failure_reason, claimed_by, claimed_until, updated_at`

func ms(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMS(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.UnixMilli(v).UTC()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func normalize(amount string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return decimal.Zero, fmt.Errorf("amount: %w", err)
	}
	return d, nil
}

func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) && se.ExtendedCode == sqlite3.ErrConstraintUnique
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return errs.ErrNotFound
	}
	return err
}

func scanQueued(row interface{ Scan(...any) error }) (*model.QueuedTransaction, error) {
	var (
		q                             model.QueuedTransaction
		id, status, meta              string
		nonce                         int64
		created, claimedUntil, update int64
	)
	err := row.Scan(&id, &q.Seq, &q.To, &q.Amount, &q.ChainID, &q.TokenSymbol, &q.TokenAddress, &status,
		&created, &q.SignedTx, &q.TxHash, &q.From, &nonce, &q.Transport, &q.PaymentReference, &meta,
		&q.IdempotencyKey, &q.FailureReason, &q.ClaimedBy, &claimedUntil, &update)
	if err != nil {
		return nil, err
	}
	if q.ID, err = uuid.FromString(id); err != nil {
		return nil, fmt.Errorf("id %q: %w", id, err)
	}
	q.Status = model.TxStatus(status)
	q.Nonce = uint64(nonce)
	q.Timestamp = fromMS(created)
	q.ClaimedUntil = fromMS(claimedUntil)
	q.UpdatedAt = fromMS(update)
	if q.Metadata, err = repository.DecodeMetadata(meta); err != nil {
		return nil, fmt.Errorf("metadata of %s: %w", id, err)
	}
	return &q, nil
}

func balanceTx(ctx context.Context, tx *sql.Tx, chainID, token string) (known, spent decimal.Decimal, err error) {
	const q = `SELECT known, offline_spent FROM offline_ledger WHERE chain_id=? AND token=?`
	var k, sp string
	if err = tx.QueryRowContext(ctx, q, chainID, token).Scan(&k, &sp); err != nil {
		return known, spent, notFound(err)
	}
	if known, err = decimal.NewFromString(k); err != nil {
		return known, spent, fmt.Errorf("known balance: %w", err)
	}
	if spent, err = decimal.NewFromString(sp); err != nil {
		return known, spent, fmt.Errorf("offline spend: %w", err)
	}
	return known, spent, nil
}

func setBalanceTx(ctx context.Context, tx *sql.Tx, chainID, token string, known, spent decimal.Decimal, now time.Time) error {
	const q = `
INSERT INTO offline_ledger (chain_id, token, known, offline_spent, updated_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT (chain_id, token)
DO UPDATE SET known=excluded.known, offline_spent=excluded.offline_spent, updated_at=excluded.updated_at`
	_, err := tx.ExecContext(ctx, q, chainID, token, known.String(), spent.String(), ms(now))
	return err
}

// Enqueue stores q with its ledger and nonce effects.
func (s *Store) Enqueue(ctx context.Context, q *model.QueuedTransaction) (err error) {
	amount, err := normalize(q.Amount)
	if err != nil {
		return err
	}
	meta, err := repository.EncodeMetadata(q.Metadata)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
			return
		}
		if e := tx.Commit(); e != nil {
			err = e
		}
	}()

	known, spent, err := balanceTx(ctx, tx, q.ChainID, q.TokenSymbol)
	if err != nil {
		return err
	}
	if amount.GreaterThan(known.Sub(spent)) {
		return fmt.Errorf("%w: available %s", errs.ErrInsufficientBalance, known.Sub(spent))
	}
	var next int64
	const selNonce = `SELECT next_nonce FROM offline_nonces WHERE chain_id=? AND address=?`
	if err = tx.QueryRowContext(ctx, selNonce, q.ChainID, q.From).Scan(&next); err != nil {
		return notFound(err)
	}
	if uint64(next) != q.Nonce {
		return fmt.Errorf("%w: next nonce is %d", errs.ErrVersionConflict, next)
	}

	now := time.Now()
	if err = setBalanceTx(ctx, tx, q.ChainID, q.TokenSymbol, known, spent.Add(amount), now); err != nil {
		return err
	}
	const updNonce = `UPDATE offline_nonces SET next_nonce = next_nonce + 1, updated_at = ? WHERE chain_id=? AND address=?`
	if _, err = tx.ExecContext(ctx, updNonce, ms(now), q.ChainID, q.From); err != nil {
		return err
	}

	const ins = `
INSERT INTO queued_transactions (id, to_address, amount, chain_id, token_symbol, token_address, status,
  created_at, signed_tx, tx_hash, from_address, nonce, transport, payment_reference, metadata, idempotency_key, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	res, err := tx.ExecContext(ctx, ins, q.ID.String(), q.To, amount.String(), q.ChainID, q.TokenSymbol, q.TokenAddress,
		string(q.Status), ms(q.Timestamp), q.SignedTx, q.TxHash, q.From, int64(q.Nonce), q.Transport,
		q.PaymentReference, meta, nullable(q.IdempotencyKey), ms(now))
	if err != nil {
		if isUniqueViolation(err) {
			return errs.ErrAlreadyExists
		}
		return err
	}
	if q.Seq, err = res.LastInsertId(); err != nil {
		return err
	}
	q.UpdatedAt = now
	return nil
}

// GetByID selects a queued transaction by ID.
func (s *Store) GetByID(ctx context.Context, id uuid.UUID) (*model.QueuedTransaction, error) {
	q, err := scanQueued(s.db.QueryRowContext(ctx, `SELECT `+queuedCols+` FROM queued_transactions WHERE id=?`, id.String()))
	if err != nil {
		return nil, notFound(err)
	}
	return q, nil
}

// GetByIdempotencyKey selects the transaction queued under key.
func (s *Store) GetByIdempotencyKey(ctx context.Context, key string) (*model.QueuedTransaction, error) {
	q, err := scanQueued(s.db.QueryRowContext(ctx, `SELECT `+queuedCols+` FROM queued_transactions WHERE idempotency_key=?`, key))
	if err != nil {
		return nil, notFound(err)
	}
	return q, nil
}

// HasRecent reports whether an equivalent non-failed transfer was queued since the given time.
func (s *Store) HasRecent(ctx context.Context, to, amount, chainID string, since time.Time) (bool, error) {
	d, err := normalize(amount)
	if err != nil {
		return false, err
	}
	const q = `
SELECT EXISTS (
  SELECT 1 FROM queued_transactions
  WHERE lower(to_address)=lower(?) AND amount=? AND chain_id=? AND created_at >= ? AND status <> 'failed'
)`
	var ok bool
	err = s.db.QueryRowContext(ctx, q, to, d.String(), chainID, ms(since)).Scan(&ok)
	return ok, err
}

// ListPending returns pending transactions in insertion order.
func (s *Store) ListPending(ctx context.Context, limit int) ([]model.QueuedTransaction, error) {
	return s.List(ctx, model.TxPending, limit)
}

// List returns transactions in insertion order, optionally filtered by status.
func (s *Store) List(ctx context.Context, status model.TxStatus, limit int) ([]model.QueuedTransaction, error) {
	if limit <= 0 {
		limit = -1
	}
	const q = `SELECT ` + queuedCols + ` FROM queued_transactions WHERE (?1 = '' OR status = ?1) ORDER BY seq LIMIT ?2`
	rows, err := s.db.QueryContext(ctx, q, string(status), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.QueuedTransaction
	for rows.Next() {
		item, err := scanQueued(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *item)
	}
	return out, rows.Err()
}

// Claim leases a pending transaction to owner.
func (s *Store) Claim(ctx context.Context, id uuid.UUID, owner string, now, until time.Time) (bool, error) {
	const q = `
UPDATE queued_transactions
SET claimed_by=?2, claimed_until=?4, updated_at=?3
WHERE id=?1 AND status='pending'
  AND (claimed_by='' OR claimed_by=?2 OR claimed_until < ?3)`
	res, err := s.db.ExecContext(ctx, q, id.String(), owner, ms(now), ms(until))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// Release drops owner's lease.
func (s *Store) Release(ctx context.Context, id uuid.UUID, owner string) error {
	const q = `UPDATE queued_transactions SET claimed_by='', claimed_until=0 WHERE id=? AND claimed_by=?`
	_, err := s.db.ExecContext(ctx, q, id.String(), owner)
	return err
}

// UpdateStatus moves a transaction to status and applies its ledger effect.
func (s *Store) UpdateStatus(ctx context.Context, id uuid.UUID, status model.TxStatus, txHash, reason string) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
			return
		}
		if e := tx.Commit(); e != nil {
			err = e
		}
	}()

	const sel = `SELECT status, amount, chain_id, token_symbol FROM queued_transactions WHERE id=?`
	var cur, amountS, chainID, token string
	if err = tx.QueryRowContext(ctx, sel, id.String()).Scan(&cur, &amountS, &chainID, &token); err != nil {
		return notFound(err)
	}
	switch from := model.TxStatus(cur); {
	case from == status:
		return nil
	case from.Terminal():
		return fmt.Errorf("%w: %s is %s", errs.ErrVersionConflict, id, from)
	}
	amount, err := normalize(amountS)
	if err != nil {
		return err
	}

	now := time.Now()
	const upd = `
UPDATE queued_transactions
SET status=?, tx_hash=COALESCE(NULLIF(?, ''), tx_hash), failure_reason=?, claimed_by='', claimed_until=0, updated_at=?
WHERE id=?`
	if _, err = tx.ExecContext(ctx, upd, string(status), txHash, reason, ms(now), id.String()); err != nil {
		return err
	}

	known, spent, err := balanceTx(ctx, tx, chainID, token)
	if errors.Is(err, errs.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	switch status {
	case model.TxConfirmed:
		known = decimal.Max(known.Sub(amount), decimal.Zero)
		spent = decimal.Max(spent.Sub(amount), decimal.Zero)
	case model.TxFailed:
		spent = decimal.Max(spent.Sub(amount), decimal.Zero)
	default:
		return nil
	}
	return setBalanceTx(ctx, tx, chainID, token, known, spent, now)
}

// GetBalance selects the ledger entry for a chain and token.
func (s *Store) GetBalance(ctx context.Context, chainID, token string) (*model.BalanceSnapshot, error) {
	const q = `SELECT known, offline_spent, updated_at FROM offline_ledger WHERE chain_id=? AND token=?`
	var known, spent string
	var updated int64
	if err := s.db.QueryRowContext(ctx, q, chainID, token).Scan(&known, &spent, &updated); err != nil {
		return nil, notFound(err)
	}
	b := model.BalanceSnapshot{ChainID: chainID, Token: token, UpdatedAt: fromMS(updated)}
	var err error
	if b.Known, err = decimal.NewFromString(known); err != nil {
		return nil, fmt.Errorf("known balance: %w", err)
	}
	if b.OfflineSpent, err = decimal.NewFromString(spent); err != nil {
		return nil, fmt.Errorf("offline spend: %w", err)
	}
	return &b, nil
}

// SetKnownBalance records an observed balance and recomputes offline spend from pending items.
func (s *Store) SetKnownBalance(
	ctx context.Context, chainID, token string, known decimal.Decimal,
) (snap *model.BalanceSnapshot, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
			return
		}
		if e := tx.Commit(); e != nil {
			err = e
		}
	}()

	// SUM over TEXT amounts would yield REAL
	const q = `SELECT amount FROM queued_transactions WHERE chain_id=? AND token_symbol=? AND status='pending'`
	rows, err := tx.QueryContext(ctx, q, chainID, token)
	if err != nil {
		return nil, err
	}
	spent := decimal.Zero
	for rows.Next() {
		var a string
		if err = rows.Scan(&a); err != nil {
			rows.Close()
			return nil, err
		}
		d, perr := normalize(a)
		if perr != nil {
			rows.Close()
			return nil, perr
		}
		spent = spent.Add(d)
	}
	rows.Close()
	if err = rows.Err(); err != nil {
		return nil, err
	}

	now := time.Now()
	if err = setBalanceTx(ctx, tx, chainID, token, known, spent, now); err != nil {
		return nil, err
	}
	return &model.BalanceSnapshot{ChainID: chainID, Token: token, Known: known, OfflineSpent: spent, UpdatedAt: now}, nil
}

// PeekNonce selects the next nonce for an address.
func (s *Store) PeekNonce(ctx context.Context, chainID, address string) (uint64, error) {
	const q = `SELECT next_nonce FROM offline_nonces WHERE chain_id=? AND address=?`
	var next int64
	if err := s.db.QueryRowContext(ctx, q, chainID, address).Scan(&next); err != nil {
		return 0, notFound(err)
	}
	return uint64(next), nil
}

// SetKnownNonce records an observed nonce without lowering the stored one.
func (s *Store) SetKnownNonce(ctx context.Context, chainID, address string, nonce uint64) (uint64, error) {
	const q = `
INSERT INTO offline_nonces (chain_id, address, next_nonce, updated_at)
VALUES (?, ?, ?, ?)
ON CONFLICT (chain_id, address)
DO UPDATE SET next_nonce=MAX(offline_nonces.next_nonce, excluded.next_nonce), updated_at=excluded.updated_at
RETURNING next_nonce`
	var next int64
	if err := s.db.QueryRowContext(ctx, q, chainID, address, int64(nonce), ms(time.Now())).Scan(&next); err != nil {
		return 0, err
	}
	return uint64(next), nil
}
