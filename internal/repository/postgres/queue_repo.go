package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/and161185/airchainpay/internal/errs"
	"github.com/and161185/airchainpay/internal/model"
	"github.com/and161185/airchainpay/internal/repository"
)

// QueueRepo implements QueueRepository using PostgreSQL.
type QueueRepo struct{ db *DB }

var _ repository.QueueRepository = (*QueueRepo)(nil)

// NewQueueRepo constructs a queue repository.
func NewQueueRepo(db *DB) *QueueRepo { return &QueueRepo{db: db} }

const queuedCols = `id, seq, to_address, amount::text, chain_id, token_symbol, token_address, status,
created_at, signed_tx, tx_hash, from_address, nonce, transport, payment_reference, metadata,
COALESCE(idempotency_key, ''), failure_reason, claimed_by, claimed_until, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanQueued(row scanner) (*model.QueuedTransaction, error) {
	var (
		q       model.QueuedTransaction
		status  string
		nonce   int64
		meta    string
		claimed *time.Time
	)
	err := row.Scan(&q.ID, &q.Seq, &q.To, &q.Amount, &q.ChainID, &q.TokenSymbol, &q.TokenAddress, &status,
		&q.Timestamp, &q.SignedTx, &q.TxHash, &q.From, &nonce, &q.Transport, &q.PaymentReference, &meta,
		&q.IdempotencyKey, &q.FailureReason, &q.ClaimedBy, &claimed, &q.UpdatedAt)
	if err != nil {
		return nil, err
	}
	q.Status = model.TxStatus(status)
	q.Nonce = uint64(nonce)
	if claimed != nil {
		q.ClaimedUntil = *claimed
	}
	if q.Metadata, err = repository.DecodeMetadata(meta); err != nil {
		return nil, fmt.Errorf("metadata of %s: %w", q.ID, err)
	}
	return &q, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Enqueue stores q together with its ledger and nonce effects.
func (r *QueueRepo) Enqueue(ctx context.Context, q *model.QueuedTransaction) (err error) {
	amount, err := decimal.NewFromString(q.Amount)
	if err != nil {
		return fmt.Errorf("amount: %w", err)
	}
	meta, err := repository.EncodeMetadata(q.Metadata)
	if err != nil {
		return err
	}

	tx, err := r.db.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
			return
		}
		if e := tx.Commit(ctx); e != nil {
			err = e
		}
	}()

	const selLedger = `SELECT known::text, offline_spent::text FROM offline_ledger WHERE chain_id=$1 AND token=$2 FOR UPDATE`
	var knownS, spentS string
	if err = tx.QueryRow(ctx, selLedger, q.ChainID, q.TokenSymbol).Scan(&knownS, &spentS); err != nil {
		return notFound(err)
	}
	avail, err := available(knownS, spentS)
	if err != nil {
		return err
	}
	if amount.GreaterThan(avail) {
		return fmt.Errorf("%w: available %s", errs.ErrInsufficientBalance, avail)
	}

	const selNonce = `SELECT next_nonce FROM offline_nonces WHERE chain_id=$1 AND address=$2 FOR UPDATE`
	var next int64
	if err = tx.QueryRow(ctx, selNonce, q.ChainID, q.From).Scan(&next); err != nil {
		return notFound(err)
	}
	if uint64(next) != q.Nonce {
		return fmt.Errorf("%w: next nonce is %d", errs.ErrVersionConflict, next)
	}

	const updLedger = `UPDATE offline_ledger SET offline_spent = offline_spent + $3::numeric, updated_at = now() WHERE chain_id=$1 AND token=$2`
	if _, err = tx.Exec(ctx, updLedger, q.ChainID, q.TokenSymbol, q.Amount); err != nil {
		return err
	}
	const updNonce = `UPDATE offline_nonces SET next_nonce = next_nonce + 1, updated_at = now() WHERE chain_id=$1 AND address=$2`
	if _, err = tx.Exec(ctx, updNonce, q.ChainID, q.From); err != nil {
		return err
	}

	const ins = `
INSERT INTO queued_transactions (id, to_address, amount, chain_id, token_symbol, token_address, status,
  created_at, signed_tx, tx_hash, from_address, nonce, transport, payment_reference, metadata, idempotency_key)
VALUES ($1, $2, $3::numeric, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
RETURNING seq, updated_at`
	err = tx.QueryRow(ctx, ins, q.ID, q.To, q.Amount, q.ChainID, q.TokenSymbol, q.TokenAddress, string(q.Status),
		q.Timestamp, q.SignedTx, q.TxHash, q.From, int64(q.Nonce), q.Transport, q.PaymentReference, meta,
		nullable(q.IdempotencyKey)).Scan(&q.Seq, &q.UpdatedAt)
	if isUniqueViolation(err) {
		return errs.ErrAlreadyExists
	}
	return err
}

// GetByID selects a queued transaction by ID.
func (r *QueueRepo) GetByID(ctx context.Context, id uuid.UUID) (*model.QueuedTransaction, error) {
	q, err := scanQueued(r.db.Pool.QueryRow(ctx, `SELECT `+queuedCols+` FROM queued_transactions WHERE id=$1`, id))
	if err != nil {
		return nil, notFound(err)
	}
	return q, nil
}

// GetByIdempotencyKey selects the transaction queued under key.
func (r *QueueRepo) GetByIdempotencyKey(ctx context.Context, key string) (*model.QueuedTransaction, error) {
	q, err := scanQueued(r.db.Pool.QueryRow(ctx, `SELECT `+queuedCols+` FROM queued_transactions WHERE idempotency_key=$1`, key))
	if err != nil {
		return nil, notFound(err)
	}
	return q, nil
}

// HasRecent reports whether an equivalent non-failed transfer was queued since the given time.
func (r *QueueRepo) HasRecent(ctx context.Context, to, amount, chainID string, since time.Time) (bool, error) {
	const q = `
SELECT EXISTS (
  SELECT 1 FROM queued_transactions
  WHERE lower(to_address)=lower($1) AND amount=$2::numeric AND chain_id=$3 AND created_at >= $4 AND status <> 'failed'
)`
	var ok bool
	err := r.db.Pool.QueryRow(ctx, q, to, amount, chainID, since).Scan(&ok)
	return ok, err
}

// ListPending returns pending transactions in insertion order.
func (r *QueueRepo) ListPending(ctx context.Context, limit int) ([]model.QueuedTransaction, error) {
	return r.List(ctx, model.TxPending, limit)
}

// List returns transactions in insertion order, optionally filtered by status.
func (r *QueueRepo) List(ctx context.Context, status model.TxStatus, limit int) ([]model.QueuedTransaction, error) {
	const q = `SELECT ` + queuedCols + ` FROM queued_transactions WHERE ($1 = '' OR status = $1) ORDER BY seq LIMIT $2`
	rows, err := r.db.Pool.Query(ctx, q, string(status), limit)
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
func (r *QueueRepo) Claim(ctx context.Context, id uuid.UUID, owner string, now, until time.Time) (bool, error) {
	const q = `
UPDATE queued_transactions
SET claimed_by=$2, claimed_until=$4, updated_at=$3
WHERE id=$1 AND status='pending'
  AND (claimed_by='' OR claimed_by=$2 OR claimed_until IS NULL OR claimed_until < $3)`
	tag, err := r.db.Pool.Exec(ctx, q, id, owner, now, until)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// Release drops owner's lease.
func (r *QueueRepo) Release(ctx context.Context, id uuid.UUID, owner string) error {
	const q = `UPDATE queued_transactions SET claimed_by='', claimed_until=NULL WHERE id=$1 AND claimed_by=$2`
	_, err := r.db.Pool.Exec(ctx, q, id, owner)
	return err
}

// UpdateStatus moves a transaction to status and applies its ledger effect.
func (r *QueueRepo) UpdateStatus(
	ctx context.Context, id uuid.UUID, status model.TxStatus, txHash, reason string,
) (err error) {
	tx, err := r.db.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
			return
		}
		if e := tx.Commit(ctx); e != nil {
			err = e
		}
	}()

	const sel = `SELECT status, amount::text, chain_id, token_symbol FROM queued_transactions WHERE id=$1 FOR UPDATE`
	var cur, amount, chainID, token string
	if err = tx.QueryRow(ctx, sel, id).Scan(&cur, &amount, &chainID, &token); err != nil {
		return notFound(err)
	}
	switch from := model.TxStatus(cur); {
	case from == status:
		return nil
	case from.Terminal():
		return fmt.Errorf("%w: %s is %s", errs.ErrVersionConflict, id, from)
	}

	const upd = `
UPDATE queued_transactions
SET status=$2, tx_hash=COALESCE(NULLIF($3, ''), tx_hash), failure_reason=$4,
    claimed_by='', claimed_until=NULL, updated_at=now()
WHERE id=$1`
	if _, err = tx.Exec(ctx, upd, id, string(status), txHash, reason); err != nil {
		return err
	}

	switch status {
	case model.TxConfirmed:
		const confirmed = `
UPDATE offline_ledger
SET known = GREATEST(known - $3::numeric, 0), offline_spent = GREATEST(offline_spent - $3::numeric, 0), updated_at = now()
WHERE chain_id=$1 AND token=$2`
		_, err = tx.Exec(ctx, confirmed, chainID, token, amount)
	case model.TxFailed:
		const failed = `
UPDATE offline_ledger
SET offline_spent = GREATEST(offline_spent - $3::numeric, 0), updated_at = now()
WHERE chain_id=$1 AND token=$2`
		_, err = tx.Exec(ctx, failed, chainID, token, amount)
	}
	return err
}

func available(known, spent string) (decimal.Decimal, error) {
	k, err := decimal.NewFromString(known)
	if err != nil {
		return decimal.Zero, fmt.Errorf("known balance: %w", err)
	}
	s, err := decimal.NewFromString(spent)
	if err != nil {
		return decimal.Zero, fmt.Errorf("offline spend: %w", err)
	}
	return k.Sub(s), nil
}
