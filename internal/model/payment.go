package model

import (
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/and161185/airchainpay/internal/errs"
)

// PaymentRequest is the instruction carried by a payment_request envelope.
type PaymentRequest struct {
	To               string    `json:"to"`
	Amount           string    `json:"amount"`
	ChainID          string    `json:"chainId"`
	Token            *Token    `json:"token,omitempty"`
	PaymentReference string    `json:"paymentReference,omitempty"`
	Metadata         *Metadata `json:"metadata,omitempty"`
	SignedTx         string    `json:"signedTx,omitempty"` // optional pre-signed blob for the receiver's executor
}

// Validate checks mandatory fields, the recipient address and the amount.
// nativeDecimals applies when the request carries no token.
func (r PaymentRequest) Validate(nativeDecimals int) error {
	switch {
	case strings.TrimSpace(r.To) == "":
		return errs.Newf(errs.ErrValidation, errs.ErrMissingField, "to")
	case strings.TrimSpace(r.Amount) == "":
		return errs.Newf(errs.ErrValidation, errs.ErrMissingField, "amount")
	case strings.TrimSpace(r.ChainID) == "":
		return errs.Newf(errs.ErrValidation, errs.ErrMissingField, "chainId")
	}
	if !IsAddress(r.To) {
		return errs.Newf(errs.ErrValidation, errs.ErrBadAddress, "%q", r.To)
	}
	decimals := nativeDecimals
	if r.Token != nil {
		if r.Token.Decimals < 0 {
			return errs.Newf(errs.ErrValidation, errs.ErrUnsupportedToken, "negative decimals for %s", r.Token.Symbol)
		}
		if !r.Token.IsNative && !IsAddress(r.Token.Address) {
			return errs.Newf(errs.ErrValidation, errs.ErrBadAddress, "token %q", r.Token.Address)
		}
		decimals = r.Token.Decimals
	}
	if _, err := ParseAmount(r.Amount, decimals); err != nil {
		return err
	}
	return nil
}

// TokenSymbol returns the token symbol, or native when the request has no token.
func (r PaymentRequest) TokenSymbol(native string) string {
	if r.Token == nil || r.Token.IsNative || r.Token.Symbol == "" {
		return native
	}
	return strings.ToUpper(r.Token.Symbol)
}

// IsAddress reports whether s is a 0x-prefixed 20-byte hex address.
func IsAddress(s string) bool {
	return len(s) == 42 && (strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X")) && common.IsHexAddress(s)
}

// ParseAmount parses a positive decimal with at most decimals fractional digits.
func ParseAmount(s string, decimals int) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Zero, errs.Newf(errs.ErrValidation, errs.ErrBadAmount, "%q", s)
	}
	if !d.IsPositive() {
		return decimal.Zero, errs.Newf(errs.ErrValidation, errs.ErrBadAmount, "%q must be positive", s)
	}
	if !d.Equal(d.Truncate(int32(decimals))) {
		return decimal.Zero, errs.Newf(errs.ErrValidation, errs.ErrBadAmount, "%q has more than %d decimal places", s, decimals)
	}
	return d, nil
}
