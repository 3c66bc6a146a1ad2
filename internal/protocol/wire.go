package protocol

import (
	"bytes"
	"encoding/base64"
	"encoding/json"

	"github.com/and161185/airchainpay/internal/errs"
)

// Frame discriminators. Envelopes carry no "t" field.
const (
	FrameChunk       = "chunk"
	FrameEnd         = "end"
	FrameKeyExchange = "kx"
)

// ToWire encodes a message as the base64 text written to the characteristic.
func ToWire(b []byte) []byte {
	out := make([]byte, base64.StdEncoding.EncodedLen(len(b)))
	base64.StdEncoding.Encode(out, b)
	return out
}

// FromWire decodes base64 characteristic text.
func FromWire(b []byte) ([]byte, error) {
	b = bytes.TrimSpace(b)
	out := make([]byte, base64.StdEncoding.DecodedLen(len(b)))
	n, err := base64.StdEncoding.Decode(out, b)
	if err != nil {
		return nil, errs.Newf(errs.ErrValidation, errs.ErrMalformedEnvelope, "base64: %v", err)
	}
	return out[:n], nil
}

// Sniff returns the frame discriminator of a decoded message, or "" for an envelope.
func Sniff(raw []byte) (string, error) {
	var hdr struct {
		T string `json:"t"`
	}
	if err := json.Unmarshal(raw, &hdr); err != nil {
		return "", errs.Newf(errs.ErrValidation, errs.ErrMalformedEnvelope, "%v", err)
	}
	return hdr.T, nil
}

// Key exchange steps.
const (
	KXInit     = "init"
	KXResponse = "response"
	KXConfirm  = "confirm"
)

// KeyExchange is a session handshake frame.
type KeyExchange struct {
	T         string `json:"t"`
	Step      string `json:"step"`
	SessionID string `json:"sessionId"`
	PublicKey string `json:"publicKey,omitempty"` // base64 X25519 public key
	Nonce     string `json:"nonce,omitempty"`     // base64 handshake nonce
	MAC       string `json:"mac,omitempty"`       // base64 key confirmation
	DeviceID  string `json:"deviceId,omitempty"`
}

// EncodeKeyExchange serializes a handshake frame.
func EncodeKeyExchange(kx KeyExchange) ([]byte, error) {
	kx.T = FrameKeyExchange
	return json.Marshal(kx)
}

// DecodeKeyExchange parses a handshake frame.
func DecodeKeyExchange(raw []byte) (KeyExchange, error) {
	var kx KeyExchange
	if err := json.Unmarshal(raw, &kx); err != nil {
		return KeyExchange{}, errs.Newf(errs.ErrValidation, errs.ErrMalformedEnvelope, "key exchange: %v", err)
	}
	if kx.T != FrameKeyExchange || kx.SessionID == "" {
		return KeyExchange{}, errs.Newf(errs.ErrValidation, errs.ErrMalformedEnvelope, "key exchange frame")
	}
	switch kx.Step {
	case KXInit, KXResponse, KXConfirm:
	default:
		return KeyExchange{}, errs.Newf(errs.ErrValidation, errs.ErrMalformedEnvelope, "key exchange step %q", kx.Step)
	}
	return kx, nil
}
