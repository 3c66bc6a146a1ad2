package protocol

import (
	"encoding/json"
	"errors"
	"reflect"
	"testing"

	"github.com/and161185/airchainpay/internal/errs"
	"github.com/and161185/airchainpay/internal/model"
)

func TestEnvelopeRoundTrip_PaymentRequest(t *testing.T) {
	t.Parallel()

	reqs := []model.PaymentRequest{
		{To: "0x1111111111111111111111111111111111111111", Amount: "1.5", ChainID: "core_testnet"},
		{
			To:               "0x2222222222222222222222222222222222222222",
			Amount:           "0.000001",
			ChainID:          "base_sepolia",
			Token:            &model.Token{Address: "0x036CbD53842c5426634e7929541eC2318f3dCF7e", Symbol: "USDC", Decimals: 6},
			PaymentReference: "inv-42",
			Metadata:         &model.Metadata{Merchant: "Cafe", Location: "Lisbon", Expiry: 1700000600, Timestamp: 1700000000},
		},
	}

	for _, r := range reqs {
		b, err := Encode(TypePaymentRequest, r, "sess-1", "7", "mac")
		if err != nil {
			t.Fatalf("Encode: %v", err)
		}
		env, err := Decode(b)
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		if env.Type != TypePaymentRequest || env.SessionID != "sess-1" || env.Nonce != "7" || env.HMAC != "mac" {
			t.Fatalf("header mismatch: %+v", env)
		}
		var got model.PaymentRequest
		if err := env.DecodePayload(&got); err != nil {
			t.Fatalf("DecodePayload: %v", err)
		}
		if !reflect.DeepEqual(got, r) {
			t.Fatalf("round trip mismatch:\n got=%+v\nwant=%+v", got, r)
		}
	}
}

func TestDecode_VersionMismatchAlwaysRejected(t *testing.T) {
	t.Parallel()

	for _, v := range []string{"0.9.0", "1.0.1", "2.0.0", "", "1.0"} {
		raw := []byte(`{"type":"payment_request","version":"` + v + `","sessionId":"s","nonce":"1","hmac":"h","payload":{"to":"x"}}`)
		env, err := Decode(raw)
		if env != nil || !errors.Is(err, errs.ErrUnsupportedVersion) {
			t.Fatalf("version %q: want ErrUnsupportedVersion, got env=%v err=%v", v, env, err)
		}
		if !errors.Is(err, errs.ErrAuthentication) {
			t.Fatalf("version %q: want ErrAuthentication category", v)
		}
	}

	if _, err := Decode([]byte(`{"type":"error","payload":{}}`)); !errors.Is(err, errs.ErrUnsupportedVersion) {
		t.Fatalf("absent version: got %v", err)
	}
}

func TestDecode_InvalidTypeAndMalformed(t *testing.T) {
	t.Parallel()

	if _, err := Decode([]byte(`{"type":"hello","version":"1.0.0","payload":{}}`)); !errors.Is(err, errs.ErrInvalidType) {
		t.Fatalf("want ErrInvalidType, got %v", err)
	}
	if _, err := Decode([]byte(`{"version":"1.0.0","payload":{}}`)); !errors.Is(err, errs.ErrInvalidType) {
		t.Fatalf("absent type: want ErrInvalidType, got %v", err)
	}
	if _, err := Decode([]byte(`{"type":"error","version":"1.0.0"}`)); !errors.Is(err, errs.ErrMalformedEnvelope) {
		t.Fatalf("absent payload: want ErrMalformedEnvelope, got %v", err)
	}
	if _, err := Decode([]byte(`{"type":"error","version":"1.0.0","payload":null}`)); !errors.Is(err, errs.ErrMalformedEnvelope) {
		t.Fatalf("null payload: want ErrMalformedEnvelope, got %v", err)
	}
	if _, err := Decode([]byte(`not json`)); !errors.Is(err, errs.ErrMalformedEnvelope) {
		t.Fatalf("garbage: want ErrMalformedEnvelope, got %v", err)
	}
}

func TestDecode_LegacyDefaults(t *testing.T) {
	t.Parallel()

	env, err := Decode([]byte(`{"type":"transaction_confirmation","version":"1.0.0","payload":{"transactionHash":"0xabc","status":"confirmed"}}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if env.SessionID != NoSession || env.Nonce != ZeroNonce || env.HMAC != "" {
		t.Fatalf("defaults not applied: %+v", env)
	}
	if env.Authenticated() {
		t.Fatalf("legacy envelope must not be authenticated")
	}
	var c TransactionConfirmation
	if err := env.DecodePayload(&c); err != nil || c.TransactionHash != "0xabc" {
		t.Fatalf("payload: %+v err=%v", c, err)
	}
}

func TestEncode_Validation(t *testing.T) {
	t.Parallel()

	if _, err := Encode("bogus", map[string]string{}, "", "", ""); !errors.Is(err, errs.ErrInvalidType) {
		t.Fatalf("want ErrInvalidType, got %v", err)
	}
	if _, err := Encode(TypeError, nil, "", "", ""); !errors.Is(err, errs.ErrMalformedEnvelope) {
		t.Fatalf("want ErrMalformedEnvelope, got %v", err)
	}

	b, err := Encode(TypeError, json.RawMessage(`{"code":"x"}`), "", "", "")
	if err != nil {
		t.Fatalf("Encode raw: %v", err)
	}
	env, err := Decode(b)
	if err != nil || env.SessionID != NoSession || env.Nonce != ZeroNonce {
		t.Fatalf("defaults on encode: %+v err=%v", env, err)
	}
}

func TestWireAndSniff(t *testing.T) {
	t.Parallel()

	msg := []byte(`{"type":"error","version":"1.0.0","payload":{"code":"x"}}`)
	back, err := FromWire(ToWire(msg))
	if err != nil || string(back) != string(msg) {
		t.Fatalf("wire round trip: %q err=%v", back, err)
	}
	if _, err := FromWire([]byte("***")); err == nil {
		t.Fatalf("want base64 error")
	}

	if tp, err := Sniff(msg); err != nil || tp != "" {
		t.Fatalf("envelope sniff: %q %v", tp, err)
	}
	if tp, _ := Sniff([]byte(`{"t":"chunk","id":"a","i":0,"n":1,"d":"x"}`)); tp != FrameChunk {
		t.Fatalf("chunk sniff: %q", tp)
	}
}

func TestKeyExchangeFrames(t *testing.T) {
	t.Parallel()

	b, err := EncodeKeyExchange(KeyExchange{Step: KXInit, SessionID: "s1", PublicKey: "pk", Nonce: "n"})
	if err != nil {
		t.Fatalf("EncodeKeyExchange: %v", err)
	}
	if tp, _ := Sniff(b); tp != FrameKeyExchange {
		t.Fatalf("sniff: %q", tp)
	}
	kx, err := DecodeKeyExchange(b)
	if err != nil || kx.Step != KXInit || kx.SessionID != "s1" || kx.PublicKey != "pk" {
		t.Fatalf("decode: %+v err=%v", kx, err)
	}

	if _, err := DecodeKeyExchange([]byte(`{"t":"kx","step":"bogus","sessionId":"s"}`)); err == nil {
		t.Fatalf("want error on bad step")
	}
	if _, err := DecodeKeyExchange([]byte(`{"t":"kx","step":"init"}`)); err == nil {
		t.Fatalf("want error on missing session id")
	}
}
