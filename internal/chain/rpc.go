package chain

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/and161185/airchainpay/internal/errs"
	"github.com/and161185/airchainpay/internal/model"
)

var balanceOfSelector = ethcrypto.Keccak256([]byte("balanceOf(address)"))[:4]

// RPC reads chain state over JSON-RPC when the device is online.
type RPC struct {
	reg     *Registry
	timeout time.Duration
	log     *zap.Logger
}

// NewRPC returns an RPC reader over reg. timeout bounds every call.
func NewRPC(reg *Registry, timeout time.Duration, log *zap.Logger) *RPC {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &RPC{reg: reg, timeout: timeout, log: log}
}

func (r *RPC) dial(ctx context.Context, key string) (*ethclient.Client, Chain, error) {
	c, err := r.reg.Lookup(key)
	if err != nil {
		return nil, Chain{}, err
	}
	cl, err := ethclient.DialContext(ctx, c.RPCURL)
	if err != nil {
		return nil, Chain{}, errs.Newf(errs.ErrConnection, errs.ErrChainUnreachable, "%s: %v", key, err)
	}
	return cl, c, nil
}

// Reachable reports whether the chain's RPC answers with the expected chain id.
func (r *RPC) Reachable(ctx context.Context, key string) bool {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	cl, c, err := r.dial(ctx, key)
	if err != nil {
		return false
	}
	defer cl.Close()
	id, err := cl.ChainID(ctx)
	if err != nil {
		r.log.Debug("chain unreachable", zap.String("chain", key), zap.Error(err))
		return false
	}
	return id.Int64() == c.ID
}

// PendingNonce returns the next nonce for address.
func (r *RPC) PendingNonce(ctx context.Context, key, address string) (uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	cl, _, err := r.dial(ctx, key)
	if err != nil {
		return 0, err
	}
	defer cl.Close()
	n, err := cl.PendingNonceAt(ctx, common.HexToAddress(address))
	if err != nil {
		return 0, errs.Newf(errs.ErrConnection, errs.ErrChainUnreachable, "nonce: %v", err)
	}
	return n, nil
}

// Balance returns the balance of address in token (native when tok is nil) as a decimal amount.
func (r *RPC) Balance(ctx context.Context, key, address string, tok *model.Token) (decimal.Decimal, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	cl, c, err := r.dial(ctx, key)
	if err != nil {
		return decimal.Zero, err
	}
	defer cl.Close()
	t, err := c.ResolveToken(tok)
	if err != nil {
		return decimal.Zero, err
	}
	owner := common.HexToAddress(address)

	if t.IsNative {
		v, err := cl.BalanceAt(ctx, owner, nil)
		if err != nil {
			return decimal.Zero, errs.Newf(errs.ErrConnection, errs.ErrChainUnreachable, "balance: %v", err)
		}
		return FromBaseUnits(v, t.Decimals), nil
	}

	contract := common.HexToAddress(t.Address)
	data := append(append([]byte{}, balanceOfSelector...), common.LeftPadBytes(owner.Bytes(), 32)...)
	out, err := cl.CallContract(ctx, ethereum.CallMsg{To: &contract, Data: data}, nil)
	if err != nil {
		return decimal.Zero, errs.Newf(errs.ErrConnection, errs.ErrChainUnreachable, "balanceOf: %v", err)
	}
	return FromBaseUnits(new(big.Int).SetBytes(out), t.Decimals), nil
}
