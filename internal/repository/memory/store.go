// Package memory is an in-process repository.Store for tests and ephemeral devices.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/shopspring/decimal"

	"github.com/and161185/airchainpay/internal/errs"
	"github.com/and161185/airchainpay/internal/model"
	"github.com/and161185/airchainpay/internal/repository"
)

type pair struct{ chain, key string }

// Store keeps the queue, ledger and nonces in maps guarded by one mutex.
type Store struct {
	mu       sync.Mutex
	seq      int64
	items    map[uuid.UUID]*model.QueuedTransaction
	byKey    map[string]uuid.UUID
	balances map[pair]*model.BalanceSnapshot
	nonces   map[pair]uint64
	now      func() time.Time
}

var _ repository.Store = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{
		items:    make(map[uuid.UUID]*model.QueuedTransaction),
		byKey:    make(map[string]uuid.UUID),
		balances: make(map[pair]*model.BalanceSnapshot),
		nonces:   make(map[pair]uint64),
		now:      time.Now,
	}
}

// Close is a no-op.
func (s *Store) Close() error { return nil }

// Enqueue stores q with its ledger and nonce effects.
func (s *Store) Enqueue(_ context.Context, q *model.QueuedTransaction) error {
	amount, err := decimal.NewFromString(q.Amount)
	if err != nil {
		return fmt.Errorf("amount: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.balances[pair{q.ChainID, q.TokenSymbol}]
	if !ok {
		return errs.ErrNotFound
	}
	if amount.GreaterThan(b.Available()) {
		return fmt.Errorf("%w: available %s", errs.ErrInsufficientBalance, b.Available())
	}
	np := pair{q.ChainID, q.From}
	next, ok := s.nonces[np]
	if !ok {
		return errs.ErrNotFound
	}
	if next != q.Nonce {
		return fmt.Errorf("%w: next nonce is %d", errs.ErrVersionConflict, next)
	}
	if q.IdempotencyKey != "" {
		if _, taken := s.byKey[q.IdempotencyKey]; taken {
			return errs.ErrAlreadyExists
		}
	}
	if _, taken := s.items[q.ID]; taken {
		return errs.ErrAlreadyExists
	}

	now := s.now()
	b.OfflineSpent = b.OfflineSpent.Add(amount)
	b.UpdatedAt = now
	s.nonces[np] = next + 1

	s.seq++
	q.Seq = s.seq
	q.UpdatedAt = now
	cp := *q
	s.items[q.ID] = &cp
	if q.IdempotencyKey != "" {
		s.byKey[q.IdempotencyKey] = q.ID
	}
	return nil
}

// GetByID returns a copy of the transaction.
func (s *Store) GetByID(_ context.Context, id uuid.UUID) (*model.QueuedTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.items[id]
	if !ok {
		return nil, errs.ErrNotFound
	}
	cp := *q
	return &cp, nil
}

// GetByIdempotencyKey returns a copy of the transaction queued under key.
func (s *Store) GetByIdempotencyKey(ctx context.Context, key string) (*model.QueuedTransaction, error) {
	s.mu.Lock()
	id, ok := s.byKey[key]
	s.mu.Unlock()
	if !ok {
		return nil, errs.ErrNotFound
	}
	return s.GetByID(ctx, id)
}

// HasRecent reports whether an equivalent non-failed transfer was queued since the given time.
func (s *Store) HasRecent(_ context.Context, to, amount, chainID string, since time.Time) (bool, error) {
	want, err := decimal.NewFromString(amount)
	if err != nil {
		return false, fmt.Errorf("amount: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, q := range s.items {
		if q.Status == model.TxFailed || q.ChainID != chainID || !strings.EqualFold(q.To, to) || q.Timestamp.Before(since) {
			continue
		}
		if got, err := decimal.NewFromString(q.Amount); err == nil && got.Equal(want) {
			return true, nil
		}
	}
	return false, nil
}

// ListPending returns pending transactions in insertion order.
func (s *Store) ListPending(ctx context.Context, limit int) ([]model.QueuedTransaction, error) {
	return s.List(ctx, model.TxPending, limit)
}

// List returns transactions in insertion order, optionally filtered by status.
func (s *Store) List(_ context.Context, status model.TxStatus, limit int) ([]model.QueuedTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.QueuedTransaction, 0, len(s.items))
	for _, q := range s.items {
		if status == "" || q.Status == status {
			out = append(out, *q)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Claim leases a pending transaction to owner.
func (s *Store) Claim(_ context.Context, id uuid.UUID, owner string, now, until time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.items[id]
	if !ok || q.Status != model.TxPending {
		return false, nil
	}
	if q.ClaimedBy != "" && q.ClaimedBy != owner && !q.ClaimedUntil.Before(now) {
		return false, nil
	}
	q.ClaimedBy = owner
	q.ClaimedUntil = until
	q.UpdatedAt = now
	return true, nil
}

// Release drops owner's lease.
func (s *Store) Release(_ context.Context, id uuid.UUID, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if q, ok := s.items[id]; ok && q.ClaimedBy == owner {
		q.ClaimedBy = ""
		q.ClaimedUntil = time.Time{}
	}
	return nil
}

// UpdateStatus moves a transaction to status and applies its ledger effect.
func (s *Store) UpdateStatus(_ context.Context, id uuid.UUID, status model.TxStatus, txHash, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.items[id]
	if !ok {
		return errs.ErrNotFound
	}
	switch {
	case q.Status == status:
		return nil
	case q.Status.Terminal():
		return fmt.Errorf("%w: %s is %s", errs.ErrVersionConflict, id, q.Status)
	}
	amount, err := decimal.NewFromString(q.Amount)
	if err != nil {
		return fmt.Errorf("amount: %w", err)
	}

	now := s.now()
	q.Status = status
	if txHash != "" {
		q.TxHash = txHash
	}
	q.FailureReason = reason
	q.ClaimedBy = ""
	q.ClaimedUntil = time.Time{}
	q.UpdatedAt = now

	b, ok := s.balances[pair{q.ChainID, q.TokenSymbol}]
	if !ok {
		return nil
	}
	switch status {
	case model.TxConfirmed:
		b.Known = decimal.Max(b.Known.Sub(amount), decimal.Zero)
		b.OfflineSpent = decimal.Max(b.OfflineSpent.Sub(amount), decimal.Zero)
	case model.TxFailed:
		b.OfflineSpent = decimal.Max(b.OfflineSpent.Sub(amount), decimal.Zero)
	}
	b.UpdatedAt = now
	return nil
}

// GetBalance returns a copy of the ledger entry.
func (s *Store) GetBalance(_ context.Context, chainID, token string) (*model.BalanceSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.balances[pair{chainID, token}]
	if !ok {
		return nil, errs.ErrNotFound
	}
	cp := *b
	return &cp, nil
}

// SetKnownBalance records an observed balance and recomputes offline spend from pending items.
func (s *Store) SetKnownBalance(_ context.Context, chainID, token string, known decimal.Decimal) (*model.BalanceSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	spent := decimal.Zero
	for _, q := range s.items {
		if q.Status != model.TxPending || q.ChainID != chainID || q.TokenSymbol != token {
			continue
		}
		amount, err := decimal.NewFromString(q.Amount)
		if err != nil {
			return nil, fmt.Errorf("amount of %s: %w", q.ID, err)
		}
		spent = spent.Add(amount)
	}
	b := &model.BalanceSnapshot{ChainID: chainID, Token: token, Known: known, OfflineSpent: spent, UpdatedAt: s.now()}
	s.balances[pair{chainID, token}] = b
	cp := *b
	return &cp, nil
}

// PeekNonce returns the next nonce for an address.
func (s *Store) PeekNonce(_ context.Context, chainID, address string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nonces[pair{chainID, address}]
	if !ok {
		return 0, errs.ErrNotFound
	}
	return n, nil
}

// SetKnownNonce records an observed nonce without lowering the stored one.
func (s *Store) SetKnownNonce(_ context.Context, chainID, address string, nonce uint64) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := pair{chainID, address}
	if cur, ok := s.nonces[p]; !ok || nonce > cur {
		s.nonces[p] = nonce
	}
	return s.nonces[p], nil
}
