package repository

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/and161185/airchainpay/internal/model"
)

// LedgerRepository keeps the last known on-chain balances and nonces used offline.
type LedgerRepository interface {
	// GetBalance returns the ledger entry for (chainID, token) or ErrNotFound.
	GetBalance(ctx context.Context, chainID, token string) (*model.BalanceSnapshot, error)

	// SetKnownBalance records an observed on-chain balance. Offline spend is
	// recomputed from the transactions still pending for the pair.
	SetKnownBalance(ctx context.Context, chainID, token string, known decimal.Decimal) (*model.BalanceSnapshot, error)

	// PeekNonce returns the next nonce to use for address on chainID or ErrNotFound.
	PeekNonce(ctx context.Context, chainID, address string) (uint64, error)

	// SetKnownNonce records an observed on-chain nonce and returns the effective
	// next nonce. A stored value is never lowered.
	SetKnownNonce(ctx context.Context, chainID, address string, nonce uint64) (uint64, error)
}

// Store is a complete offline queue backend.
type Store interface {
	QueueRepository
	LedgerRepository
	Close() error
}
