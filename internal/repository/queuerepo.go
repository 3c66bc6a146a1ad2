package repository

import (
	"context"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/airchainpay/internal/model"
)

// QueueRepository stores offline-signed transactions until they are broadcast.
type QueueRepository interface {
	// Enqueue stores q in one transaction with its ledger effects: the ledger
	// for (q.ChainID, q.TokenSymbol) must cover q.Amount, the stored next nonce
	// for (q.ChainID, q.From) must equal q.Nonce, then spent grows by q.Amount
	// and the nonce advances. Seq is assigned by the store.
	//
	// Errors: ErrNotFound (no ledger or nonce entry), ErrInsufficientBalance,
	// ErrVersionConflict (nonce moved), ErrAlreadyExists (idempotency key taken).
	Enqueue(ctx context.Context, q *model.QueuedTransaction) error

	// GetByID returns a queued transaction or ErrNotFound.
	GetByID(ctx context.Context, id uuid.UUID) (*model.QueuedTransaction, error)

	// GetByIdempotencyKey returns the transaction queued under key or ErrNotFound.
	GetByIdempotencyKey(ctx context.Context, key string) (*model.QueuedTransaction, error)

	// HasRecent reports whether a non-failed transaction paying amount to the
	// address on chainID was queued at or after since.
	HasRecent(ctx context.Context, to, amount, chainID string, since time.Time) (bool, error)

	// ListPending returns up to limit pending transactions in insertion order.
	ListPending(ctx context.Context, limit int) ([]model.QueuedTransaction, error)

	// List returns up to limit transactions in insertion order. An empty status matches all.
	List(ctx context.Context, status model.TxStatus, limit int) ([]model.QueuedTransaction, error)

	// Claim leases a pending transaction to owner until until. It reports false
	// when another owner holds an unexpired lease or the item is no longer pending.
	Claim(ctx context.Context, id uuid.UUID, owner string, now, until time.Time) (bool, error)

	// Release drops owner's lease on id. Releasing a lease held by someone else is a no-op.
	Release(ctx context.Context, id uuid.UUID, owner string) error

	// UpdateStatus moves id to status and applies the ledger effect: confirmed
	// lowers both known balance and offline spend, failed lowers offline spend.
	// Repeating the current status is a no-op; leaving a terminal status is ErrVersionConflict.
	UpdateStatus(ctx context.Context, id uuid.UUID, status model.TxStatus, txHash, reason string) error
}
