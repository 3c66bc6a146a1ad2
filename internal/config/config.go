// Package config loads runtime settings from AIRPAY_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/joho/godotenv"
)

// Store drivers.
const (
	StoreMemory   = "memory"
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
)

// Radio drivers.
const (
	RadioQUIC     = "quic"
	RadioLoopback = "loopback"
)

// Default GATT identifiers, derived from stable names so every build agrees.
var (
	DefaultServiceUUID        = uuid.NewV5(uuid.NamespaceDNS, "payment.airchainpay").String()
	DefaultCharacteristicUUID = uuid.NewV5(uuid.NamespaceDNS, "envelope.payment.airchainpay").String()
)

// Config holds all application configuration.
type Config struct {
	Device  DeviceConfig
	Radio   RadioConfig
	Payment PaymentConfig
	Session SessionConfig
	Offline OfflineConfig
	Store   StoreConfig
	Relay   RelayConfig
	Chain   ChainConfig
	Link    LinkConfig
	Admin   AdminConfig
	Limiter LimiterConfig
	Log     LogConfig
}

// DeviceConfig identifies this device on the radio.
type DeviceConfig struct {
	ID            string
	NamePrefix    string
	WalletAddress string // advertised as payee address
	Token         string // advertised token symbol
}

// RadioConfig tunes the radio manager.
type RadioConfig struct {
	Driver             string
	ServiceUUID        string
	CharacteristicUUID string
	ConnectTimeout     time.Duration
	AdvertiseAttempts  int
	SettleDelay        time.Duration
	AdvertiseAutoStop  time.Duration
	DeviceTTL          time.Duration
	WriteAttempts      int
	WriteBackoff       time.Duration
	WriteTimeout       time.Duration
	SupportedTokens    []string
}

// PaymentConfig tunes payment flows on both sides.
type PaymentConfig struct {
	ChunkThreshold        int
	PartSize              int
	ChunkTimeout          time.Duration
	KeyExchangeTimeout    time.Duration
	ConfirmationTimeout   time.Duration
	ReceiptAckTimeout     time.Duration
	Encrypt               bool
	AcceptUnauthenticated bool
}

// SessionConfig tunes secure sessions.
type SessionConfig struct {
	Lifetime      time.Duration
	SweepInterval time.Duration
}

// OfflineConfig tunes the offline queue and its drainer.
type OfflineConfig struct {
	DedupWindow      time.Duration
	SignerKey        string // hex secp256k1 key, or a wrapped key when SignerPassphrase is set; empty disables offline signing
	SignerPassphrase string
	DrainInterval    time.Duration
	DrainBatch       int
	DrainLease       time.Duration
}

// StoreConfig selects the queue store.
type StoreConfig struct {
	Driver string
	DSN    string // file path for sqlite, connection string for postgres
}

// RelayConfig points at the broadcast relay.
type RelayConfig struct {
	URL        string
	Timeout    time.Duration
	Attempts   int
	Backoff    time.Duration
	SigningKey string
	RateLimit  float64 // send_tx requests per second, 0 for no limit
}

// ChainConfig tunes direct node access.
type ChainConfig struct {
	RPCTimeout time.Duration
	RPC        map[string]string // chain key to RPC URL overrides
}

// LinkConfig configures the QUIC development link.
type LinkConfig struct {
	ListenAddr   string
	Peers        []string
	ScanInterval time.Duration
}

// AdminConfig configures the operator gRPC API.
type AdminConfig struct {
	Addr        string // empty disables the admin server
	OperatorKey string
	TokenTTL    time.Duration
	Reflection  bool
}

// LimiterConfig bounds failed handshakes and operator logins per peer.
type LimiterConfig struct {
	Window   time.Duration
	MaxFails int
	BlockFor time.Duration
}

// LogConfig selects log verbosity.
type LogConfig struct {
	Level string
	Dev   bool
}

// Load loads configuration from the environment. A .env file is read first when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Device: DeviceConfig{
			ID:            getEnv("AIRPAY_DEVICE_ID", ""),
			NamePrefix:    getEnv("AIRPAY_DEVICE_PREFIX", "AirChainPay"),
			WalletAddress: getEnv("AIRPAY_WALLET_ADDRESS", ""),
			Token:         getEnv("AIRPAY_ADVERTISED_TOKEN", ""),
		},
		Radio: RadioConfig{
			Driver:             getEnv("AIRPAY_RADIO_DRIVER", RadioQUIC),
			ServiceUUID:        getEnv("AIRPAY_SERVICE_UUID", DefaultServiceUUID),
			CharacteristicUUID: getEnv("AIRPAY_CHARACTERISTIC_UUID", DefaultCharacteristicUUID),
			ConnectTimeout:     parseDuration(getEnv("AIRPAY_CONNECT_TIMEOUT", "10s"), 10*time.Second),
			AdvertiseAttempts:  parseInt(getEnv("AIRPAY_ADVERTISE_ATTEMPTS", "3"), 3),
			SettleDelay:        parseDuration(getEnv("AIRPAY_SETTLE_DELAY", "500ms"), 500*time.Millisecond),
			AdvertiseAutoStop:  parseDuration(getEnv("AIRPAY_ADVERTISE_AUTOSTOP", "60s"), 60*time.Second),
			DeviceTTL:          parseDuration(getEnv("AIRPAY_DEVICE_TTL", "60s"), 60*time.Second),
			WriteAttempts:      parseInt(getEnv("AIRPAY_WRITE_ATTEMPTS", "3"), 3),
			WriteBackoff:       parseDuration(getEnv("AIRPAY_WRITE_BACKOFF", "200ms"), 200*time.Millisecond),
			WriteTimeout:       parseDuration(getEnv("AIRPAY_WRITE_TIMEOUT", "5s"), 5*time.Second),
			SupportedTokens:    parseList(getEnv("AIRPAY_SUPPORTED_TOKENS", "")),
		},
		Payment: PaymentConfig{
			ChunkThreshold:        parseInt(getEnv("AIRPAY_CHUNK_THRESHOLD", "4096"), 4096),
			PartSize:              parseInt(getEnv("AIRPAY_CHUNK_PART_SIZE", "160"), 160),
			ChunkTimeout:          parseDuration(getEnv("AIRPAY_CHUNK_TIMEOUT", "30s"), 30*time.Second),
			KeyExchangeTimeout:    parseDuration(getEnv("AIRPAY_KEY_EXCHANGE_TIMEOUT", "30s"), 30*time.Second),
			ConfirmationTimeout:   parseDuration(getEnv("AIRPAY_CONFIRMATION_TIMEOUT", "60s"), 60*time.Second),
			ReceiptAckTimeout:     parseDuration(getEnv("AIRPAY_RECEIPT_ACK_TIMEOUT", "30s"), 30*time.Second),
			Encrypt:               parseBool(getEnv("AIRPAY_ENCRYPT", "true"), true),
			AcceptUnauthenticated: parseBool(getEnv("AIRPAY_ACCEPT_UNAUTHENTICATED", "false"), false),
		},
		Session: SessionConfig{
			Lifetime:      parseDuration(getEnv("AIRPAY_SESSION_LIFETIME", "10m"), 10*time.Minute),
			SweepInterval: parseDuration(getEnv("AIRPAY_SESSION_SWEEP", "1m"), time.Minute),
		},
		Offline: OfflineConfig{
			DedupWindow:      parseDuration(getEnv("AIRPAY_DEDUP_WINDOW", "5m"), 5*time.Minute),
			SignerKey:        getEnv("AIRPAY_SIGNER_KEY", ""),
			SignerPassphrase: getEnv("AIRPAY_SIGNER_PASSPHRASE", ""),
			DrainInterval:    parseDuration(getEnv("AIRPAY_DRAIN_INTERVAL", "30s"), 30*time.Second),
			DrainBatch:       parseInt(getEnv("AIRPAY_DRAIN_BATCH", "100"), 100),
			DrainLease:       parseDuration(getEnv("AIRPAY_DRAIN_LEASE", "2m"), 2*time.Minute),
		},
		Store: StoreConfig{
			Driver: strings.ToLower(getEnv("AIRPAY_STORE", StoreMemory)),
			DSN:    getEnv("AIRPAY_STORE_DSN", ""),
		},
		Relay: RelayConfig{
			URL:        getEnv("AIRPAY_RELAY_URL", ""),
			Timeout:    parseDuration(getEnv("AIRPAY_RELAY_TIMEOUT", "10s"), 10*time.Second),
			Attempts:   parseInt(getEnv("AIRPAY_RELAY_ATTEMPTS", "3"), 3),
			Backoff:    parseDuration(getEnv("AIRPAY_RELAY_BACKOFF", "1s"), time.Second),
			SigningKey: getEnv("AIRPAY_RELAY_JWT_KEY", ""),
			RateLimit:  parseFloat(getEnv("AIRPAY_RELAY_RATE", "0"), 0),
		},
		Chain: ChainConfig{
			RPCTimeout: parseDuration(getEnv("AIRPAY_RPC_TIMEOUT", "5s"), 5*time.Second),
			RPC:        parsePairs(getEnv("AIRPAY_CHAIN_RPC", "")),
		},
		Link: LinkConfig{
			ListenAddr:   getEnv("AIRPAY_LINK_LISTEN", "127.0.0.1:7420"),
			Peers:        parseList(getEnv("AIRPAY_LINK_PEERS", "")),
			ScanInterval: parseDuration(getEnv("AIRPAY_LINK_SCAN_INTERVAL", "2s"), 2*time.Second),
		},
		Admin: AdminConfig{
			Addr:        getEnv("AIRPAY_ADMIN_ADDR", ""),
			OperatorKey: getEnv("AIRPAY_OPERATOR_KEY", ""),
			TokenTTL:    parseDuration(getEnv("AIRPAY_OPERATOR_TOKEN_TTL", "1h"), time.Hour),
			Reflection:  parseBool(getEnv("AIRPAY_ADMIN_REFLECTION", "false"), false),
		},
		Limiter: LimiterConfig{
			Window:   parseDuration(getEnv("AIRPAY_LIMIT_WINDOW", "15m"), 15*time.Minute),
			MaxFails: parseInt(getEnv("AIRPAY_LIMIT_MAX_FAILS", "5"), 5),
			BlockFor: parseDuration(getEnv("AIRPAY_LIMIT_BLOCK", "15m"), 15*time.Minute),
		},
		Log: LogConfig{
			Level: getEnv("AIRPAY_LOG_LEVEL", "info"),
			Dev:   parseBool(getEnv("AIRPAY_LOG_DEV", "false"), false),
		},
	}
	return cfg, nil
}

// Validate rejects settings no component can run with.
func (c *Config) Validate() error {
	var problems []error
	positive := map[string]time.Duration{
		"connect timeout":      c.Radio.ConnectTimeout,
		"write timeout":        c.Radio.WriteTimeout,
		"chunk timeout":        c.Payment.ChunkTimeout,
		"key exchange timeout": c.Payment.KeyExchangeTimeout,
		"confirmation timeout": c.Payment.ConfirmationTimeout,
		"receipt ack timeout":  c.Payment.ReceiptAckTimeout,
		"session lifetime":     c.Session.Lifetime,
		"session sweep":        c.Session.SweepInterval,
		"dedup window":         c.Offline.DedupWindow,
		"drain interval":       c.Offline.DrainInterval,
		"drain lease":          c.Offline.DrainLease,
		"relay timeout":        c.Relay.Timeout,
		"rpc timeout":          c.Chain.RPCTimeout,
		"operator token ttl":   c.Admin.TokenTTL,
		"limiter window":       c.Limiter.Window,
		"limiter block":        c.Limiter.BlockFor,
		"link scan interval":   c.Link.ScanInterval,
		"advertise auto-stop":  c.Radio.AdvertiseAutoStop,
		"device ttl":           c.Radio.DeviceTTL,
	}
	for name, d := range positive {
		if d <= 0 {
			problems = append(problems, fmt.Errorf("%s must be positive", name))
		}
	}
	if c.Payment.PartSize <= 0 {
		problems = append(problems, errors.New("chunk part size must be positive"))
	}
	if c.Payment.ChunkThreshold <= 0 {
		problems = append(problems, errors.New("chunk threshold must be positive"))
	}
	if c.Radio.WriteAttempts <= 0 || c.Radio.AdvertiseAttempts <= 0 || c.Relay.Attempts <= 0 {
		problems = append(problems, errors.New("attempt counts must be positive"))
	}
	if c.Relay.RateLimit < 0 {
		problems = append(problems, errors.New("relay rate limit must not be negative"))
	}
	if c.Limiter.MaxFails <= 0 {
		problems = append(problems, errors.New("limiter max fails must be positive"))
	}
	switch c.Store.Driver {
	case StoreMemory:
	case StoreSQLite, StorePostgres:
		if c.Store.DSN == "" {
			problems = append(problems, fmt.Errorf("store %s needs AIRPAY_STORE_DSN", c.Store.Driver))
		}
	default:
		problems = append(problems, fmt.Errorf("unknown store driver %q", c.Store.Driver))
	}
	switch c.Radio.Driver {
	case RadioQUIC, RadioLoopback:
	default:
		problems = append(problems, fmt.Errorf("unknown radio driver %q", c.Radio.Driver))
	}
	if c.Admin.Addr != "" && c.Admin.OperatorKey == "" {
		problems = append(problems, errors.New("admin server needs AIRPAY_OPERATOR_KEY"))
	}
	return errors.Join(problems...)
}

// getEnv gets environment variable with default value
func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// parseInt parses string to int with default value
func parseInt(value string, defaultValue int) int {
	if value == "" {
		return defaultValue
	}
	intValue, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return intValue
}

// parseDuration parses string to time.Duration with default value
func parseFloat(value string, defaultValue float64) float64 {
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return defaultValue
	}
	return f
}

func parseDuration(value string, defaultValue time.Duration) time.Duration {
	if value == "" {
		return defaultValue
	}
	duration, err := time.ParseDuration(value)
	if err != nil {
		return defaultValue
	}
	return duration
}

func parseBool(value string, defaultValue bool) bool {
	b, err := strconv.ParseBool(value)
	if err != nil {
		return defaultValue
	}
	return b
}

// parseList parses comma-separated string to slice
func parseList(value string) []string {
	if value == "" {
		return []string{}
	}
	parts := strings.Split(value, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

// parsePairs parses "k1=v1,k2=v2". Entries without '=' are skipped.
func parsePairs(value string) map[string]string {
	out := make(map[string]string)
	for _, part := range parseList(value) {
		k, v, ok := strings.Cut(part, "=")
		if !ok || strings.TrimSpace(k) == "" {
			continue
		}
		out[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return out
}
