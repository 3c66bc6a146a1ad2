package model

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/and161185/airchainpay/internal/errs"
)

const testAddr = "0x1111111111111111111111111111111111111111"

func TestPaymentRequest_Validate(t *testing.T) {
	t.Parallel()

	usdc := &Token{Address: "0x036CbD53842c5426634e7929541eC2318f3dCF7e", Symbol: "USDC", Decimals: 6}

	cases := []struct {
		name   string
		req    PaymentRequest
		reason error
	}{
		{"ok native", PaymentRequest{To: testAddr, Amount: "1.5", ChainID: "core_testnet"}, nil},
		{"ok token", PaymentRequest{To: testAddr, Amount: "10.123456", ChainID: "base_sepolia", Token: usdc}, nil},
		{"trailing zeros allowed", PaymentRequest{To: testAddr, Amount: "1.1000000", ChainID: "base_sepolia", Token: usdc}, nil},
		{"missing to", PaymentRequest{Amount: "1", ChainID: "c"}, errs.ErrMissingField},
		{"missing amount", PaymentRequest{To: testAddr, ChainID: "c"}, errs.ErrMissingField},
		{"missing chain", PaymentRequest{To: testAddr, Amount: "1"}, errs.ErrMissingField},
		{"short address", PaymentRequest{To: "0x1234", Amount: "1", ChainID: "c"}, errs.ErrBadAddress},
		{"no 0x prefix", PaymentRequest{To: "1111111111111111111111111111111111111111", Amount: "1", ChainID: "c"}, errs.ErrBadAddress},
		{"zero amount", PaymentRequest{To: testAddr, Amount: "0", ChainID: "c"}, errs.ErrBadAmount},
		{"negative amount", PaymentRequest{To: testAddr, Amount: "-2", ChainID: "c"}, errs.ErrBadAmount},
		{"not a number", PaymentRequest{To: testAddr, Amount: "abc", ChainID: "c"}, errs.ErrBadAmount},
		{"too many places", PaymentRequest{To: testAddr, Amount: "1.1234567", ChainID: "base_sepolia", Token: usdc}, errs.ErrBadAmount},
		{"bad token address", PaymentRequest{To: testAddr, Amount: "1", ChainID: "c", Token: &Token{Address: "nope", Symbol: "X", Decimals: 2}}, errs.ErrBadAddress},
	}

	for _, tc := range cases {
		err := tc.req.Validate(18)
		if tc.reason == nil {
			if err != nil {
				t.Fatalf("%s: unexpected error %v", tc.name, err)
			}
			continue
		}
		if !errors.Is(err, tc.reason) || !errors.Is(err, errs.ErrValidation) {
			t.Fatalf("%s: want %v under ErrValidation, got %v", tc.name, tc.reason, err)
		}
	}
}

func TestPaymentRequest_TokenSymbol(t *testing.T) {
	t.Parallel()
	r := PaymentRequest{}
	if got := r.TokenSymbol("TCORE2"); got != "TCORE2" {
		t.Fatalf("native: got %q", got)
	}
	r.Token = &Token{Symbol: "usdc", Address: testAddr, Decimals: 6}
	if got := r.TokenSymbol("TCORE2"); got != "USDC" {
		t.Fatalf("token: got %q", got)
	}
}

func TestBalanceSnapshot_Available(t *testing.T) {
	t.Parallel()
	b := BalanceSnapshot{Known: decimal.RequireFromString("10"), OfflineSpent: decimal.RequireFromString("2.5")}
	if !b.Available().Equal(decimal.RequireFromString("7.5")) {
		t.Fatalf("available = %s", b.Available())
	}
}

func TestTxStatus_Terminal(t *testing.T) {
	t.Parallel()
	if TxPending.Terminal() || !TxConfirmed.Terminal() || !TxFailed.Terminal() {
		t.Fatalf("terminal mismatch")
	}
}
