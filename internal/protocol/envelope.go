// Package protocol implements the versioned envelope wire format exchanged over the payment characteristic.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/and161185/airchainpay/internal/errs"
)

// Version is the only protocol version this build accepts.
const Version = "1.0.0"

// Defaults applied to envelopes written before session security existed.
const (
	NoSession = "no-session"
	ZeroNonce = "0"
)

// MessageType discriminates envelope payloads.
type MessageType string

const (
	TypePaymentRequest          MessageType = "payment_request"
	TypeTransactionConfirmation MessageType = "transaction_confirmation"
	TypeAdvertiserConfirmation  MessageType = "advertiser_confirmation"
	TypeError                   MessageType = "error"
)

// Valid reports whether t is one of the known message types.
func (t MessageType) Valid() bool {
	switch t {
	case TypePaymentRequest, TypeTransactionConfirmation, TypeAdvertiserConfirmation, TypeError:
		return true
	}
	return false
}

// Envelope is the wire wrapper around every message.
type Envelope struct {
	Type      MessageType     `json:"type"`
	Version   string          `json:"version"`
	SessionID string          `json:"sessionId"`
	Nonce     string          `json:"nonce"`
	HMAC      string          `json:"hmac"`
	Payload   json.RawMessage `json:"payload"`
}

// Authenticated reports whether the envelope claims session authentication.
// Claims are verified by the session manager, not here.
func (e *Envelope) Authenticated() bool {
	return e.SessionID != "" && e.SessionID != NoSession && e.HMAC != ""
}

// DecodePayload unmarshals the payload into v.
func (e *Envelope) DecodePayload(v any) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return errs.Newf(errs.ErrValidation, errs.ErrMalformedEnvelope, "payload: %v", err)
	}
	return nil
}

// wireEnvelope uses pointers so absent fields can be told apart from empty ones.
type wireEnvelope struct {
	Type      *string         `json:"type"`
	Version   *string         `json:"version"`
	SessionID *string         `json:"sessionId"`
	Nonce     *string         `json:"nonce"`
	HMAC      *string         `json:"hmac"`
	Payload   json.RawMessage `json:"payload"`
}

// Encode serializes an envelope. payload may be a json.RawMessage or any JSON-marshalable value.
func Encode(t MessageType, payload any, sessionID, nonce, hmac string) ([]byte, error) {
	if !t.Valid() {
		return nil, errs.Newf(errs.ErrValidation, errs.ErrInvalidType, "%q", t)
	}
	var raw json.RawMessage
	switch p := payload.(type) {
	case nil:
		return nil, errs.Newf(errs.ErrValidation, errs.ErrMalformedEnvelope, "nil payload")
	case json.RawMessage:
		raw = p
	default:
		b, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}
		raw = b
	}
	if sessionID == "" {
		sessionID = NoSession
	}
	if nonce == "" {
		nonce = ZeroNonce
	}
	return json.Marshal(Envelope{
		Type:      t,
		Version:   Version,
		SessionID: sessionID,
		Nonce:     nonce,
		HMAC:      hmac,
		Payload:   raw,
	})
}

// Decode parses and validates an envelope.
// Version is checked first: an envelope from an unknown version is never parsed further.
func Decode(b []byte) (*Envelope, error) {
	var w wireEnvelope
	if err := json.Unmarshal(b, &w); err != nil {
		return nil, errs.Newf(errs.ErrValidation, errs.ErrMalformedEnvelope, "%v", err)
	}
	if w.Version == nil || *w.Version != Version {
		got := "<absent>"
		if w.Version != nil {
			got = *w.Version
		}
		return nil, errs.Newf(errs.ErrAuthentication, errs.ErrUnsupportedVersion, "got %s, want %s", got, Version)
	}
	if w.Type == nil || !MessageType(*w.Type).Valid() {
		got := "<absent>"
		if w.Type != nil {
			got = *w.Type
		}
		return nil, errs.Newf(errs.ErrValidation, errs.ErrInvalidType, "%q", got)
	}
	if len(w.Payload) == 0 || string(w.Payload) == "null" {
		return nil, errs.Newf(errs.ErrValidation, errs.ErrMalformedEnvelope, "payload absent")
	}

	env := &Envelope{
		Type:      MessageType(*w.Type),
		Version:   *w.Version,
		SessionID: NoSession,
		Nonce:     ZeroNonce,
		Payload:   w.Payload,
	}
	if w.SessionID != nil && *w.SessionID != "" {
		env.SessionID = *w.SessionID
	}
	if w.Nonce != nil && *w.Nonce != "" {
		env.Nonce = *w.Nonce
	}
	if w.HMAC != nil {
		env.HMAC = *w.HMAC
	}
	return env, nil
}
