// Package chain holds the supported chain registry, amount conversion and offline transaction signing.
package chain

import (
	"math/big"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/and161185/airchainpay/internal/errs"
	"github.com/and161185/airchainpay/internal/model"
)

// Chain describes one supported network.
type Chain struct {
	Key            string
	ID             int64
	Name           string
	RPCURL         string
	NativeSymbol   string
	NativeDecimals int
	GasPrice       *big.Int // wei
	GasLimit       uint64   // native transfer
	TokenGasLimit  uint64   // ERC-20 transfer
	Tokens         []model.Token
}

// NativeToken returns the chain's native currency as a token.
func (c Chain) NativeToken() model.Token {
	return model.Token{Symbol: c.NativeSymbol, Decimals: c.NativeDecimals, IsNative: true}
}

// ResolveToken maps a request token to a configured one. nil means native.
func (c Chain) ResolveToken(t *model.Token) (model.Token, error) {
	if t == nil || t.IsNative || (t.Address == "" && strings.EqualFold(t.Symbol, c.NativeSymbol)) {
		return c.NativeToken(), nil
	}
	for _, k := range c.Tokens {
		if t.Address != "" && strings.EqualFold(k.Address, t.Address) {
			return k, nil
		}
		if t.Address == "" && strings.EqualFold(k.Symbol, t.Symbol) {
			return k, nil
		}
	}
	return model.Token{}, errs.Newf(errs.ErrValidation, errs.ErrUnsupportedToken, "%s on %s", t.Symbol, c.Key)
}

// Registry is a read-only set of chains keyed by chain id string.
type Registry struct {
	chains map[string]Chain
}

// NewRegistry builds a registry from chains.
func NewRegistry(chains ...Chain) *Registry {
	r := &Registry{chains: make(map[string]Chain, len(chains))}
	for _, c := range chains {
		r.chains[c.Key] = c
	}
	return r
}

// DefaultRegistry returns the testnets the wallet ships with.
func DefaultRegistry() *Registry {
	return NewRegistry(
		Chain{
			Key:            "core_testnet",
			ID:             1114,
			Name:           "Core Testnet2",
			RPCURL:         "https://rpc.test2.btcs.network",
			NativeSymbol:   "TCORE2",
			NativeDecimals: 18,
			GasPrice:       big.NewInt(30_000_000_000),
			GasLimit:       21_000,
			TokenGasLimit:  65_000,
		},
		Chain{
			Key:            "base_sepolia",
			ID:             84532,
			Name:           "Base Sepolia",
			RPCURL:         "https://sepolia.base.org",
			NativeSymbol:   "ETH",
			NativeDecimals: 18,
			GasPrice:       big.NewInt(1_500_000_000),
			GasLimit:       21_000,
			TokenGasLimit:  65_000,
			Tokens: []model.Token{
				{Symbol: "USDC", Address: "0x036CbD53842c5426634e7929541eC2318f3dCF7e", Decimals: 6},
			},
		},
	)
}

// Lookup returns the chain for key.
func (r *Registry) Lookup(key string) (Chain, error) {
	c, ok := r.chains[key]
	if !ok {
		return Chain{}, errs.Newf(errs.ErrValidation, errs.ErrUnsupportedChain, "%q", key)
	}
	return c, nil
}

// Keys lists registered chain keys in order.
func (r *Registry) Keys() []string {
	out := make([]string, 0, len(r.chains))
	for k := range r.chains {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Symbols lists every token symbol known to any chain, native currencies included.
func (r *Registry) Symbols() []string {
	seen := map[string]bool{}
	for _, c := range r.chains {
		seen[strings.ToUpper(c.NativeSymbol)] = true
		for _, t := range c.Tokens {
			seen[strings.ToUpper(t.Symbol)] = true
		}
	}
	out := make([]string, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Decimals returns the decimals that apply to req: the token's when resolvable, native otherwise.
func (r *Registry) Decimals(req model.PaymentRequest) (int, error) {
	c, err := r.Lookup(req.ChainID)
	if err != nil {
		return 0, err
	}
	if req.Token == nil {
		return c.NativeDecimals, nil
	}
	t, err := c.ResolveToken(req.Token)
	if err != nil {
		return 0, err
	}
	return t.Decimals, nil
}

// ToBaseUnits converts a decimal amount string to integer base units.
func ToBaseUnits(amount string, decimals int) (*big.Int, error) {
	d, err := model.ParseAmount(amount, decimals)
	if err != nil {
		return nil, err
	}
	return d.Shift(int32(decimals)).BigInt(), nil
}

// FromBaseUnits converts integer base units back to a decimal amount.
func FromBaseUnits(v *big.Int, decimals int) decimal.Decimal {
	return decimal.NewFromBigInt(v, -int32(decimals))
}

// SetRPC overrides the RPC endpoint of a registered chain.
func (r *Registry) SetRPC(key, url string) error {
	c, err := r.Lookup(key)
	if err != nil {
		return err
	}
	c.RPCURL = url
	r.chains[key] = c
	return nil
}
