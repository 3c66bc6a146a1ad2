package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/and161185/airchainpay/internal/chain"
	"github.com/and161185/airchainpay/internal/errs"
	"github.com/and161185/airchainpay/internal/model"
	"github.com/and161185/airchainpay/internal/repository"
)

// DefaultDedupWindow is how long an identical transfer counts as a duplicate.
const DefaultDedupWindow = 5 * time.Minute

// OfflineOptions tune OfflineService.
type OfflineOptions struct {
	DedupWindow time.Duration
	Logger      *zap.Logger
}

// OfflineService signs payments locally and queues them while the chain is unreachable.
type OfflineService struct {
	store  repository.Store
	chains *chain.Registry
	signer *chain.Signer
	window time.Duration
	log    *zap.Logger
	now    func() time.Time

	mu sync.Mutex
}

// NewOfflineService constructs OfflineService. signer may be nil, which makes Queue fail.
func NewOfflineService(store repository.Store, reg *chain.Registry, signer *chain.Signer, opts OfflineOptions) *OfflineService {
	if opts.DedupWindow <= 0 {
		opts.DedupWindow = DefaultDedupWindow
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &OfflineService{store: store, chains: reg, signer: signer, window: opts.DedupWindow, log: log, now: time.Now}
}

// plan is a request that passed every offline check.
type plan struct {
	chain  chain.Chain
	token  model.Token
	amount decimal.Decimal
	from   string
	nonce  uint64
}

// Validate runs the offline security checks without committing anything.
func (s *OfflineService) Validate(ctx context.Context, req model.PaymentRequest) error {
	_, err := s.check(ctx, req)
	return err
}

// Queue signs req once and stores it. A request whose payment reference was
// already queued returns the stored item without touching the ledger.
func (s *OfflineService) Queue(ctx context.Context, req model.PaymentRequest, transport string) (*model.QueuedTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if req.PaymentReference != "" {
		existing, err := s.store.GetByIdempotencyKey(ctx, req.PaymentReference)
		switch {
		case err == nil:
			s.log.Info("payment already queued", zap.String("id", existing.ID.String()), zap.String("ref", req.PaymentReference))
			return existing, nil
		case !errors.Is(err, errs.ErrNotFound):
			return nil, err
		}
	}

	p, err := s.check(ctx, req)
	if err != nil {
		return nil, err
	}
	stx, err := s.signer.Sign(p.chain, req, p.nonce)
	if err != nil {
		return nil, err
	}
	id, err := uuid.NewV4()
	if err != nil {
		return nil, err
	}

	q := &model.QueuedTransaction{
		ID:               id,
		To:               req.To,
		Amount:           p.amount.String(),
		ChainID:          p.chain.Key,
		TokenSymbol:      tokenKey(p.chain, p.token),
		Status:           model.TxPending,
		Timestamp:        s.now(),
		SignedTx:         stx.Raw,
		TxHash:           stx.Hash,
		From:             p.from,
		Nonce:            p.nonce,
		Transport:        transport,
		PaymentReference: req.PaymentReference,
		Metadata:         req.Metadata,
		IdempotencyKey:   req.PaymentReference,
	}
	if !p.token.IsNative {
		q.TokenAddress = p.token.Address
	}

	if err := s.store.Enqueue(ctx, q); err != nil {
		switch {
		case errors.Is(err, errs.ErrAlreadyExists) && q.IdempotencyKey != "":
			return s.store.GetByIdempotencyKey(ctx, q.IdempotencyKey)
		case errors.Is(err, errs.ErrVersionConflict):
			return nil, errs.Newf(errs.ErrOfflineSecurity, errs.ErrNonceConflict, "%v", err)
		case errors.Is(err, errs.ErrInsufficientBalance):
			return nil, errs.Newf(errs.ErrOfflineSecurity, errs.ErrInsufficientBalance, "%v", err)
		case errors.Is(err, errs.ErrNotFound):
			return nil, errs.Newf(errs.ErrOfflineSecurity, errs.ErrUnknownBalance, "%s %s", q.ChainID, q.TokenSymbol)
		}
		return nil, err
	}
	s.log.Info("transaction queued offline",
		zap.String("id", q.ID.String()), zap.String("chain", q.ChainID), zap.Uint64("nonce", q.Nonce), zap.String("transport", transport))
	return q, nil
}

// check runs validation, balance, duplicate and nonce checks in that order.
func (s *OfflineService) check(ctx context.Context, req model.PaymentRequest) (plan, error) {
	if s.signer == nil {
		return plan{}, errs.Newf(errs.ErrOfflineSecurity, errs.ErrNonceUnavailable, "no signing key configured")
	}
	c, err := s.chains.Lookup(req.ChainID)
	if err != nil {
		return plan{}, err
	}
	tok, err := c.ResolveToken(req.Token)
	if err != nil {
		return plan{}, err
	}
	if err := req.Validate(tok.Decimals); err != nil {
		return plan{}, err
	}
	amount, err := model.ParseAmount(req.Amount, tok.Decimals)
	if err != nil {
		return plan{}, err
	}
	key := tokenKey(c, tok)

	b, err := s.store.GetBalance(ctx, c.Key, key)
	if errors.Is(err, errs.ErrNotFound) {
		return plan{}, errs.Newf(errs.ErrOfflineSecurity, errs.ErrUnknownBalance, "%s %s", c.Key, key)
	}
	if err != nil {
		return plan{}, err
	}
	if amount.GreaterThan(b.Available()) {
		return plan{}, errs.Newf(errs.ErrOfflineSecurity, errs.ErrInsufficientBalance,
			"need %s %s, available %s", amount, key, b.Available())
	}

	dup, err := s.store.HasRecent(ctx, req.To, amount.String(), c.Key, s.now().Add(-s.window))
	if err != nil {
		return plan{}, err
	}
	if dup {
		return plan{}, errs.Newf(errs.ErrOfflineSecurity, errs.ErrDuplicateTransaction,
			"%s %s to %s within %s", amount, key, req.To, s.window)
	}

	from := strings.ToLower(s.signer.Address())
	nonce, err := s.store.PeekNonce(ctx, c.Key, from)
	if errors.Is(err, errs.ErrNotFound) {
		return plan{}, errs.Newf(errs.ErrOfflineSecurity, errs.ErrNonceUnavailable, "%s on %s", from, c.Key)
	}
	if err != nil {
		return plan{}, err
	}
	return plan{chain: c, token: tok, amount: amount, from: from, nonce: nonce}, nil
}

// RecordBalance stores an observed on-chain balance for a chain and token symbol.
func (s *OfflineService) RecordBalance(ctx context.Context, chainID, token, balance string) (*model.BalanceSnapshot, error) {
	c, err := s.chains.Lookup(chainID)
	if err != nil {
		return nil, err
	}
	tok, err := c.ResolveToken(&model.Token{Symbol: token})
	if err != nil {
		return nil, err
	}
	d, err := decimal.NewFromString(strings.TrimSpace(balance))
	if err != nil || d.IsNegative() {
		return nil, errs.Newf(errs.ErrValidation, errs.ErrBadAmount, "balance %q", balance)
	}
	b, err := s.store.SetKnownBalance(ctx, c.Key, tokenKey(c, tok), d)
	if err != nil {
		return nil, err
	}
	s.log.Info("balance recorded", zap.String("chain", c.Key), zap.String("token", b.Token), zap.String("known", d.String()))
	return b, nil
}

// RecordNonce stores an observed next nonce for address and returns the effective one.
func (s *OfflineService) RecordNonce(ctx context.Context, chainID, address string, nonce uint64) (uint64, error) {
	c, err := s.chains.Lookup(chainID)
	if err != nil {
		return 0, err
	}
	if !model.IsAddress(address) {
		return 0, errs.Newf(errs.ErrValidation, errs.ErrBadAddress, "%q", address)
	}
	return s.store.SetKnownNonce(ctx, c.Key, strings.ToLower(address), nonce)
}

// List returns queued transactions, optionally filtered by status.
func (s *OfflineService) List(ctx context.Context, status model.TxStatus, limit int) ([]model.QueuedTransaction, error) {
	switch status {
	case "", model.TxPending, model.TxConfirmed, model.TxFailed:
	default:
		return nil, fmt.Errorf("%w: unknown status %q", errs.ErrValidation, status)
	}
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	return s.store.List(ctx, status, limit)
}

// ChainState reads balances and nonces from a live node.
type ChainState interface {
	Balance(ctx context.Context, key, address string, tok *model.Token) (decimal.Decimal, error)
	PendingNonce(ctx context.Context, key, address string) (uint64, error)
}

// Sync records the signer's live balances and next nonce for chainID while online.
func (s *OfflineService) Sync(ctx context.Context, src ChainState, chainID string) error {
	if s.signer == nil {
		return errors.New("sync: no signing key configured")
	}
	c, err := s.chains.Lookup(chainID)
	if err != nil {
		return err
	}
	from := s.signer.Address()

	tokens := append([]model.Token{c.NativeToken()}, c.Tokens...)
	for i := range tokens {
		tok := tokens[i]
		bal, err := src.Balance(ctx, c.Key, from, &tok)
		if err != nil {
			return err
		}
		if _, err := s.store.SetKnownBalance(ctx, c.Key, tokenKey(c, tok), bal); err != nil {
			return err
		}
	}
	nonce, err := src.PendingNonce(ctx, c.Key, from)
	if err != nil {
		return err
	}
	if _, err := s.store.SetKnownNonce(ctx, c.Key, strings.ToLower(from), nonce); err != nil {
		return err
	}
	s.log.Info("offline ledger synced", zap.String("chain", c.Key), zap.Uint64("nonce", nonce))
	return nil
}

// tokenKey is the ledger key of tok on c.
func tokenKey(c chain.Chain, tok model.Token) string {
	if tok.IsNative {
		return c.NativeSymbol
	}
	return strings.ToUpper(tok.Symbol)
}
