package model

import "github.com/gofrs/uuid/v5"

// FlowState is a step of the outbound payment state machine.
type FlowState string

const (
	FlowIdle                   FlowState = "idle"
	FlowCheckingAvailability   FlowState = "checking_availability"
	FlowConnecting             FlowState = "connecting"
	FlowKeyExchange            FlowState = "key_exchange"
	FlowSending                FlowState = "sending"
	FlowAwaitingTxConfirmation FlowState = "awaiting_tx_confirmation"
	FlowAwaitingReceiptAck     FlowState = "awaiting_receipt_ack"
	FlowCompleted              FlowState = "completed"
	FlowFailed                 FlowState = "failed"

	// offline branch
	FlowSecurityValidation FlowState = "security_validation"
	FlowSigning            FlowState = "signing"
	FlowQueued             FlowState = "queued"
)

// FlowStatus is the terminal outcome of a payment flow.
type FlowStatus string

const (
	FlowStatusCompleted FlowStatus = "completed"
	FlowStatusQueued    FlowStatus = "queued"
	FlowStatusFailed    FlowStatus = "failed"
)

// FlowResult reports how a payment flow ended.
type FlowResult struct {
	Status                FlowStatus
	TransactionHash       string
	PaymentReference      string // matched against the peer's confirmation
	PaymentConfirmed      bool
	AdvertiserAdvertising bool
	Encrypted             bool      // false means the degraded, unauthenticated path was used
	QueuedID              uuid.UUID // set for the offline branch
	Reason                string    // user-facing failure reason
}
