package protocol

// SecurePayload is the payload of an encrypted payment_request.
type SecurePayload struct {
	Ciphertext string `json:"ciphertext"` // base64 nonce||sealed box
}

// Confirmation statuses reported by the receiver.
const (
	StatusConfirmed = "confirmed"
	StatusQueued    = "queued"
	StatusFailed    = "failed"
)

// TransactionConfirmation tells the payer how the payment was executed.
type TransactionConfirmation struct {
	TransactionHash  string `json:"transactionHash"`
	Status           string `json:"status"`
	PaymentReference string `json:"paymentReference,omitempty"`
	ChainID          string `json:"chainId,omitempty"`
	Timestamp        int64  `json:"timestamp"`
}

// AdvertiserConfirmation is the best-effort receipt acknowledgement.
type AdvertiserConfirmation struct {
	Advertising bool   `json:"advertising"`
	DeviceName  string `json:"deviceName,omitempty"`
	Timestamp   int64  `json:"timestamp"`
}

// Error codes carried by error envelopes.
const (
	CodeInvalidRequest   = "invalid_request"
	CodeUnauthenticated  = "unauthenticated"
	CodeExecutionFailed  = "execution_failed"
	CodeChainUnreachable = "chain_unreachable"
	CodeRateLimited      = "rate_limited"
	CodeChunkTimeout     = "chunk_timeout"
)

// ErrorPayload is the payload of an error envelope.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Ref     string `json:"ref,omitempty"` // chunk id or payment reference the error refers to
}
