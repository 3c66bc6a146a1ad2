// Package model defines domain entities used by services, the radio layer and repositories.
package model

import (
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/shopspring/decimal"
)

// Device is a peer seen during a scan session. It is ephemeral and never persisted.
type Device struct {
	ID               string       // platform-assigned peer identifier
	Name             string       // advertised name, may embed payment metadata
	RSSI             int          // signal strength, dBm
	DiscoveredAt     time.Time    // last time the advertisement was seen
	ManufacturerData []byte       // optional backup identifier
	Payment          *PaymentData // nil when the name carries no payment data
}

// PaymentData is the payment metadata parsed out of an advertised name.
type PaymentData struct {
	WalletAddress string `json:"walletAddress"`
	Token         string `json:"token"`
	Amount        string `json:"amount"`
}

// Token describes the asset being transferred. A nil token means the chain's native asset.
type Token struct {
	Address  string `json:"address"`
	Symbol   string `json:"symbol"`
	Decimals int    `json:"decimals"`
	IsNative bool   `json:"isNative"`
}

// Metadata is optional merchant context attached to a payment.
type Metadata struct {
	Merchant  string `json:"merchant,omitempty"`
	Location  string `json:"location,omitempty"`
	Expiry    int64  `json:"expiry,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// TxStatus is the lifecycle state of a queued transaction.
type TxStatus string

const (
	TxPending   TxStatus = "pending"
	TxConfirmed TxStatus = "confirmed"
	TxFailed    TxStatus = "failed"
)

// Terminal reports whether no further transition is allowed.
func (s TxStatus) Terminal() bool { return s == TxConfirmed || s == TxFailed }

// Transport origins of a queued transaction.
const (
	TransportBLE     = "ble"
	TransportOffline = "offline"
)

// QueuedTransaction is a locally signed transaction awaiting broadcast.
type QueuedTransaction struct {
	ID               uuid.UUID // client-generated PK
	Seq              int64     // insertion order, assigned by the store
	To               string
	Amount           string // normalized decimal string
	ChainID          string
	TokenSymbol      string
	TokenAddress     string // empty for native transfers
	Status           TxStatus
	Timestamp        time.Time
	SignedTx         string // 0x-prefixed raw transaction
	TxHash           string // hash of SignedTx, then the broadcast id once confirmed
	From             string
	Nonce            uint64
	Transport        string
	PaymentReference string
	Metadata         *Metadata
	IdempotencyKey   string // empty when the payment has no reference
	FailureReason    string
	ClaimedBy        string    // current broadcaster, single owner per id
	ClaimedUntil     time.Time // lease expiry
	UpdatedAt        time.Time
}

// BalanceSnapshot is the offline ledger entry for one (chain, token) pair.
type BalanceSnapshot struct {
	ChainID      string
	Token        string
	Known        decimal.Decimal // last balance observed on-chain
	OfflineSpent decimal.Decimal // committed offline, not yet reflected in Known
	UpdatedAt    time.Time
}

// Available returns the amount that may still be spent offline.
func (b BalanceSnapshot) Available() decimal.Decimal {
	return b.Known.Sub(b.OfflineSpent)
}
