package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/and161185/airchainpay/internal/model"
	"github.com/and161185/airchainpay/internal/repository"
)

// LedgerRepo implements LedgerRepository using PostgreSQL.
type LedgerRepo struct{ db *DB }

var _ repository.LedgerRepository = (*LedgerRepo)(nil)

// NewLedgerRepo constructs a ledger repository.
func NewLedgerRepo(db *DB) *LedgerRepo { return &LedgerRepo{db: db} }

// GetBalance selects the ledger entry for a chain and token.
func (r *LedgerRepo) GetBalance(ctx context.Context, chainID, token string) (*model.BalanceSnapshot, error) {
	const q = `SELECT known::text, offline_spent::text, updated_at FROM offline_ledger WHERE chain_id=$1 AND token=$2`
	b := model.BalanceSnapshot{ChainID: chainID, Token: token}
	var known, spent string
	if err := r.db.Pool.QueryRow(ctx, q, chainID, token).Scan(&known, &spent, &b.UpdatedAt); err != nil {
		return nil, notFound(err)
	}
	var err error
	if b.Known, err = decimal.NewFromString(known); err != nil {
		return nil, fmt.Errorf("known balance: %w", err)
	}
	if b.OfflineSpent, err = decimal.NewFromString(spent); err != nil {
		return nil, fmt.Errorf("offline spend: %w", err)
	}
	return &b, nil
}

// SetKnownBalance upserts the observed balance and recomputes offline spend from pending items.
func (r *LedgerRepo) SetKnownBalance(
	ctx context.Context, chainID, token string, known decimal.Decimal,
) (snap *model.BalanceSnapshot, err error) {
	tx, err := r.db.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
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

	const sum = `
SELECT COALESCE(SUM(amount), 0)::text FROM queued_transactions
WHERE chain_id=$1 AND token_symbol=$2 AND status='pending'`
	var spentS string
	if err = tx.QueryRow(ctx, sum, chainID, token).Scan(&spentS); err != nil {
		return nil, err
	}
	spent, err := decimal.NewFromString(spentS)
	if err != nil {
		return nil, fmt.Errorf("offline spend: %w", err)
	}

	const upsert = `
INSERT INTO offline_ledger (chain_id, token, known, offline_spent, updated_at)
VALUES ($1, $2, $3::numeric, $4::numeric, now())
ON CONFLICT (chain_id, token)
DO UPDATE SET known=EXCLUDED.known, offline_spent=EXCLUDED.offline_spent, updated_at=EXCLUDED.updated_at
RETURNING updated_at`
	snap = &model.BalanceSnapshot{ChainID: chainID, Token: token, Known: known, OfflineSpent: spent}
	if err = tx.QueryRow(ctx, upsert, chainID, token, known.String(), spent.String()).Scan(&snap.UpdatedAt); err != nil {
		return nil, err
	}
	return snap, nil
}

// PeekNonce selects the next nonce for an address.
func (r *LedgerRepo) PeekNonce(ctx context.Context, chainID, address string) (uint64, error) {
	const q = `SELECT next_nonce FROM offline_nonces WHERE chain_id=$1 AND address=$2`
	var next int64
	if err := r.db.Pool.QueryRow(ctx, q, chainID, address).Scan(&next); err != nil {
		return 0, notFound(err)
	}
	return uint64(next), nil
}

// SetKnownNonce upserts the observed nonce without ever lowering the stored one.
func (r *LedgerRepo) SetKnownNonce(ctx context.Context, chainID, address string, nonce uint64) (uint64, error) {
	const q = `
INSERT INTO offline_nonces (chain_id, address, next_nonce, updated_at)
VALUES ($1, $2, $3, now())
ON CONFLICT (chain_id, address)
DO UPDATE SET next_nonce=GREATEST(offline_nonces.next_nonce, EXCLUDED.next_nonce), updated_at=now()
RETURNING next_nonce`
	var next int64
	if err := r.db.Pool.QueryRow(ctx, q, chainID, address, int64(nonce)).Scan(&next); err != nil {
		return 0, err
	}
	return uint64(next), nil
}
