// Package errs contains sentinel errors used across layers for stable error mapping.
//
// Errors come in two layers. A category (ErrAvailability, ErrSend, ...) tells
// the caller how the failure must be handled; a reason (ErrRadioOff,
// ErrReplayedNonce, ...) tells the user what exactly went wrong. New joins
// both so errors.Is matches either of them.
package errs

import (
	"errors"
	"fmt"
)

// Storage sentinels shared by repository implementations.
var (
	// ErrNotFound indicates the requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrVersionConflict indicates an illegal or concurrent state transition.
	ErrVersionConflict = errors.New("version conflict")

	// ErrAlreadyExists indicates a unique constraint violation.
	ErrAlreadyExists = errors.New("already exists")

	// ErrRateLimited indicates a peer is temporarily blocked.
	ErrRateLimited = errors.New("rate limited")

	// ErrUnauthorized indicates a missing or invalid operator token.
	ErrUnauthorized = errors.New("unauthorized")
)

// Failure categories.
var (
	// ErrAvailability: radio off, unsupported or permission denied. Fatal, no retry.
	ErrAvailability = errors.New("radio unavailable")

	// ErrConnection: connect or service discovery failure. Fatal per attempt.
	ErrConnection = errors.New("connection failed")

	// ErrSend: write failure after retries. Fatal for the current flow.
	ErrSend = errors.New("send failed")

	// ErrAuthentication: HMAC, nonce or version mismatch. The message is dropped.
	ErrAuthentication = errors.New("authentication failed")

	// ErrValidation: malformed payment fields. Rejected before signing or writing.
	ErrValidation = errors.New("validation failed")

	// ErrOfflineSecurity: balance, duplicate or nonce check failed. Nothing is queued.
	ErrOfflineSecurity = errors.New("offline security check failed")

	// ErrConfirmation: the peer never produced a definitive outcome.
	ErrConfirmation = errors.New("payment not confirmed")
)

// Specific reasons.
var (
	ErrUnsupportedVersion = errors.New("unsupported protocol version")
	ErrInvalidType        = errors.New("invalid message type")
	ErrMalformedEnvelope  = errors.New("malformed envelope")

	ErrRadioOff               = errors.New("bluetooth is powered off")
	ErrRadioUnsupported       = errors.New("bluetooth is not supported")
	ErrPermissionDenied       = errors.New("bluetooth permission denied")
	ErrAdvertisingUnsupported = errors.New("advertising is not supported on this device")
	ErrAdvertiseFailed        = errors.New("advertising could not be started")

	ErrConnectTimeout   = errors.New("connect timed out")
	ErrConnectFailed    = errors.New("peer refused or unreachable")
	ErrServiceDiscovery = errors.New("payment service not found on peer")
	ErrWriteFailed      = errors.New("characteristic write failed")
	ErrLinkLost         = errors.New("link to peer lost")

	ErrSessionNotFound = errors.New("session not found")
	ErrSessionExpired  = errors.New("session expired")
	ErrBadMAC          = errors.New("hmac mismatch")
	ErrReplayedNonce   = errors.New("replayed nonce")
	ErrKeyExchange     = errors.New("key exchange failed")

	ErrMissingField         = errors.New("missing required field")
	ErrBadAddress           = errors.New("invalid address")
	ErrBadAmount            = errors.New("invalid amount")
	ErrUnsupportedToken     = errors.New("unsupported token")
	ErrUnsupportedChain     = errors.New("unsupported chain")
	ErrUnknownBalance       = errors.New("no known balance for chain and token")
	ErrInsufficientBalance  = errors.New("insufficient offline balance")
	ErrDuplicateTransaction = errors.New("duplicate transaction")
	ErrNonceUnavailable     = errors.New("next nonce is not known offline")
	ErrNonceConflict        = errors.New("nonce already used")

	ErrConfirmationTimeout = errors.New("transaction confirmation timed out")
	ErrPeerRejected        = errors.New("peer rejected payment")
	ErrChainUnreachable    = errors.New("chain unreachable")
	ErrRelayRejected       = errors.New("relay rejected transaction")
)

var categories = []error{
	ErrAvailability,
	ErrConnection,
	ErrSend,
	ErrAuthentication,
	ErrValidation,
	ErrOfflineSecurity,
	ErrConfirmation,
}

// New joins a category with a specific reason.
func New(kind, reason error) error {
	return fmt.Errorf("%w: %w", kind, reason)
}

// Newf is New with additional detail appended to the message.
func Newf(kind, reason error, format string, args ...any) error {
	return fmt.Errorf("%w: %w: %s", kind, reason, fmt.Sprintf(format, args...))
}

// Kind returns the failure category of err, or nil if it has none.
func Kind(err error) error {
	for _, c := range categories {
		if errors.Is(err, c) {
			return c
		}
	}
	return nil
}
