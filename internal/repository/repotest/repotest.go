// Package repotest holds behaviour tests shared by repository.Store implementations.
package repotest

import (
	"context"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/and161185/airchainpay/internal/errs"
	"github.com/and161185/airchainpay/internal/model"
	"github.com/and161185/airchainpay/internal/repository"
)

const (
	chainID = "core_testnet"
	token   = "TCORE2"
	from    = "0xf39fd6e51aad88f6f4ce6ab8827279cfffb92266"
	to      = "0xabc0000000000000000000000000000000000abc"
)

// Run exercises s through the queue and ledger contracts. newStore must return an empty store.
func Run(t *testing.T, newStore func(t *testing.T) repository.Store) {
	t.Run("EnqueueAppliesLedgerAndNonce", func(t *testing.T) { enqueueAppliesLedgerAndNonce(t, newStore(t)) })
	t.Run("EnqueueRejects", func(t *testing.T) { enqueueRejects(t, newStore(t)) })
	t.Run("StatusTransitions", func(t *testing.T) { statusTransitions(t, newStore(t)) })
	t.Run("ClaimLease", func(t *testing.T) { claimLease(t, newStore(t)) })
	t.Run("RecentAndList", func(t *testing.T) { recentAndList(t, newStore(t)) })
	t.Run("Nonces", func(t *testing.T) { nonces(t, newStore(t)) })
}

func item(nonce uint64, amount, key string) *model.QueuedTransaction {
	return &model.QueuedTransaction{
		ID:               uuid.Must(uuid.NewV4()),
		To:               to,
		Amount:           amount,
		ChainID:          chainID,
		TokenSymbol:      token,
		Status:           model.TxPending,
		Timestamp:        time.Now().UTC().Truncate(time.Millisecond),
		SignedTx:         "0xf86b",
		TxHash:           "0x01",
		From:             from,
		Nonce:            nonce,
		Transport:        model.TransportOffline,
		PaymentReference: key,
		IdempotencyKey:   key,
		Metadata:         &model.Metadata{Merchant: "Cafe"},
	}
}

func seed(t *testing.T, s repository.Store, balance string, nonce uint64) {
	t.Helper()
	ctx := context.Background()
	_, err := s.SetKnownBalance(ctx, chainID, token, decimal.RequireFromString(balance))
	require.NoError(t, err)
	_, err = s.SetKnownNonce(ctx, chainID, from, nonce)
	require.NoError(t, err)
}

func enqueueAppliesLedgerAndNonce(t *testing.T, s repository.Store) {
	ctx := context.Background()
	seed(t, s, "10", 4)

	q := item(4, "2.5", "ref-1")
	require.NoError(t, s.Enqueue(ctx, q))
	require.NotZero(t, q.Seq)

	b, err := s.GetBalance(ctx, chainID, token)
	require.NoError(t, err)
	require.Equal(t, "2.5", b.OfflineSpent.String())
	require.Equal(t, "7.5", b.Available().String())

	n, err := s.PeekNonce(ctx, chainID, from)
	require.NoError(t, err)
	require.Equal(t, uint64(5), n)

	got, err := s.GetByIdempotencyKey(ctx, "ref-1")
	require.NoError(t, err)
	require.Equal(t, q.ID, got.ID)
	require.Equal(t, "Cafe", got.Metadata.Merchant)
	require.Equal(t, uint64(4), got.Nonce)

	// a new observation keeps the pending spend
	b, err = s.SetKnownBalance(ctx, chainID, token, decimal.RequireFromString("12"))
	require.NoError(t, err)
	require.Equal(t, "9.5", b.Available().String())
}

func enqueueRejects(t *testing.T, s repository.Store) {
	ctx := context.Background()

	require.ErrorIs(t, s.Enqueue(ctx, item(0, "1", "")), errs.ErrNotFound)

	seed(t, s, "3", 1)
	require.ErrorIs(t, s.Enqueue(ctx, item(1, "3.01", "")), errs.ErrInsufficientBalance)
	require.ErrorIs(t, s.Enqueue(ctx, item(0, "1", "")), errs.ErrVersionConflict)

	require.NoError(t, s.Enqueue(ctx, item(1, "1", "ref-dup")))
	require.ErrorIs(t, s.Enqueue(ctx, item(2, "1", "ref-dup")), errs.ErrAlreadyExists)

	// rejected attempts leave no trace
	b, err := s.GetBalance(ctx, chainID, token)
	require.NoError(t, err)
	require.Equal(t, "2", b.Available().String())
	n, err := s.PeekNonce(ctx, chainID, from)
	require.NoError(t, err)
	require.Equal(t, uint64(2), n)
}

func statusTransitions(t *testing.T, s repository.Store) {
	ctx := context.Background()
	seed(t, s, "10", 0)
	a, b := item(0, "2", ""), item(1, "3", "")
	require.NoError(t, s.Enqueue(ctx, a))
	require.NoError(t, s.Enqueue(ctx, b))

	require.NoError(t, s.UpdateStatus(ctx, a.ID, model.TxConfirmed, "0xaaa", ""))
	require.NoError(t, s.UpdateStatus(ctx, a.ID, model.TxConfirmed, "0xaaa", ""))
	require.ErrorIs(t, s.UpdateStatus(ctx, a.ID, model.TxFailed, "", "late"), errs.ErrVersionConflict)

	require.NoError(t, s.UpdateStatus(ctx, b.ID, model.TxFailed, "", "rejected"))

	bal, err := s.GetBalance(ctx, chainID, token)
	require.NoError(t, err)
	require.Equal(t, "8", bal.Known.String())
	require.Equal(t, "0", bal.OfflineSpent.String())

	got, err := s.GetByID(ctx, a.ID)
	require.NoError(t, err)
	require.Equal(t, model.TxConfirmed, got.Status)
	require.Equal(t, "0xaaa", got.TxHash)

	got, err = s.GetByID(ctx, b.ID)
	require.NoError(t, err)
	require.Equal(t, "rejected", got.FailureReason)

	require.ErrorIs(t, s.UpdateStatus(ctx, uuid.Must(uuid.NewV4()), model.TxFailed, "", ""), errs.ErrNotFound)
}

func claimLease(t *testing.T, s repository.Store) {
	ctx := context.Background()
	seed(t, s, "10", 0)
	q := item(0, "1", "")
	require.NoError(t, s.Enqueue(ctx, q))
	now := time.Now().UTC().Truncate(time.Millisecond)

	ok, err := s.Claim(ctx, q.ID, "a", now, now.Add(time.Minute))
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.Claim(ctx, q.ID, "b", now.Add(time.Second), now.Add(time.Minute))
	require.NoError(t, err)
	require.False(t, ok)

	// an expired lease can be taken over
	ok, err = s.Claim(ctx, q.ID, "b", now.Add(2*time.Minute), now.Add(3*time.Minute))
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, s.Release(ctx, q.ID, "a"))
	ok, err = s.Claim(ctx, q.ID, "a", now.Add(2*time.Minute), now.Add(3*time.Minute))
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, s.Release(ctx, q.ID, "b"))
	ok, err = s.Claim(ctx, q.ID, "a", now.Add(2*time.Minute), now.Add(3*time.Minute))
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, s.UpdateStatus(ctx, q.ID, model.TxConfirmed, "0x1", ""))
	ok, err = s.Claim(ctx, q.ID, "a", now.Add(2*time.Minute), now.Add(3*time.Minute))
	require.NoError(t, err)
	require.False(t, ok)
}

func recentAndList(t *testing.T, s repository.Store) {
	ctx := context.Background()
	seed(t, s, "10", 0)
	first, second := item(0, "1.50", ""), item(1, "2", "")
	require.NoError(t, s.Enqueue(ctx, first))
	require.NoError(t, s.Enqueue(ctx, second))

	since := first.Timestamp.Add(-time.Minute)
	ok, err := s.HasRecent(ctx, to, "1.5", chainID, since)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.HasRecent(ctx, to, "1.5", "base_sepolia", since)
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = s.HasRecent(ctx, to, "1.5", chainID, first.Timestamp.Add(time.Minute))
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, s.UpdateStatus(ctx, first.ID, model.TxFailed, "", "x"))
	ok, err = s.HasRecent(ctx, to, "1.5", chainID, since)
	require.NoError(t, err)
	require.False(t, ok)

	pending, err := s.ListPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, second.ID, pending[0].ID)

	all, err := s.List(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Equal(t, first.ID, all[0].ID)
	require.Less(t, all[0].Seq, all[1].Seq)
}

func nonces(t *testing.T, s repository.Store) {
	ctx := context.Background()
	_, err := s.PeekNonce(ctx, chainID, from)
	require.ErrorIs(t, err, errs.ErrNotFound)

	n, err := s.SetKnownNonce(ctx, chainID, from, 7)
	require.NoError(t, err)
	require.Equal(t, uint64(7), n)

	n, err = s.SetKnownNonce(ctx, chainID, from, 3)
	require.NoError(t, err)
	require.Equal(t, uint64(7), n)

	_, err = s.GetBalance(ctx, chainID, token)
	require.ErrorIs(t, err, errs.ErrNotFound)
}
