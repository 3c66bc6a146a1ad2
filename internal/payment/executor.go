package payment

import (
	"bytes"
	"context"
	"errors"

	"github.com/ethereum/go-ethereum/common"

	"github.com/and161185/airchainpay/internal/chain"
	"github.com/and161185/airchainpay/internal/errs"
	"github.com/and161185/airchainpay/internal/model"
	"github.com/and161185/airchainpay/internal/protocol"
)

// Broadcaster submits a signed transaction to a chain.
type Broadcaster interface {
	SendTx(ctx context.Context, signedTx, rpcURL string, chainID int64) (string, error)
}

// RelayExecutor executes a payment by broadcasting the payer's pre-signed transaction.
// The transaction must pay exactly what the request describes.
type RelayExecutor struct {
	relay  Broadcaster
	chains *chain.Registry
}

var _ Executor = (*RelayExecutor)(nil)

// NewRelayExecutor returns an executor broadcasting through b.
func NewRelayExecutor(b Broadcaster, reg *chain.Registry) *RelayExecutor {
	return &RelayExecutor{relay: b, chains: reg}
}

// Execute checks req.SignedTx against req and broadcasts it.
func (e *RelayExecutor) Execute(ctx context.Context, _ string, req model.PaymentRequest) (Execution, error) {
	if req.SignedTx == "" {
		return Execution{}, errs.Newf(errs.ErrValidation, errs.ErrMissingField, "signedTx")
	}
	c, err := e.chains.Lookup(req.ChainID)
	if err != nil {
		return Execution{}, err
	}
	if err := matches(c, req); err != nil {
		return Execution{}, err
	}

	id, err := e.relay.SendTx(ctx, req.SignedTx, c.RPCURL, c.ID)
	if err != nil {
		if errors.Is(err, errs.ErrRelayRejected) {
			return Execution{}, err
		}
		return Execution{}, errs.Newf(errs.ErrConnection, errs.ErrChainUnreachable, "%v", err)
	}
	return Execution{TxHash: id, Status: protocol.StatusConfirmed}, nil
}

// matches verifies that the signed transaction targets c and pays req.To the requested amount.
func matches(c chain.Chain, req model.PaymentRequest) error {
	tx, _, err := chain.DecodeSigned(req.SignedTx)
	if err != nil {
		return errs.Newf(errs.ErrValidation, errs.ErrMalformedEnvelope, "signed transaction: %v", err)
	}
	if tx.ChainId().Int64() != c.ID {
		return errs.Newf(errs.ErrValidation, errs.ErrUnsupportedChain, "signed for chain %s, request says %s", tx.ChainId(), c.Key)
	}
	tok, err := c.ResolveToken(req.Token)
	if err != nil {
		return err
	}
	amount, err := chain.ToBaseUnits(req.Amount, tok.Decimals)
	if err != nil {
		return err
	}
	to := common.HexToAddress(req.To)
	if tx.To() == nil {
		return errs.Newf(errs.ErrValidation, errs.ErrBadAddress, "signed transaction has no recipient")
	}

	if tok.IsNative {
		if *tx.To() != to || tx.Value().Cmp(amount) != 0 {
			return errs.Newf(errs.ErrValidation, errs.ErrBadAmount, "signed transaction does not match request")
		}
		return nil
	}
	if *tx.To() != common.HexToAddress(tok.Address) || !bytes.Equal(tx.Data(), chain.TransferData(to, amount)) {
		return errs.Newf(errs.ErrValidation, errs.ErrBadAmount, "signed token transfer does not match request")
	}
	return nil
}
