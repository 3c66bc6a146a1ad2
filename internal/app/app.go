// Package app assembles configured components for the airpay binaries.
package app

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/airchainpay/internal/chain"
	"github.com/and161185/airchainpay/internal/config"
	"github.com/and161185/airchainpay/internal/crypto"
	"github.com/and161185/airchainpay/internal/limiter"
	"github.com/and161185/airchainpay/internal/migrate"
	"github.com/and161185/airchainpay/internal/model"
	"github.com/and161185/airchainpay/internal/payment"
	"github.com/and161185/airchainpay/internal/radio"
	"github.com/and161185/airchainpay/internal/radio/loopback"
	"github.com/and161185/airchainpay/internal/radio/quiclink"
	"github.com/and161185/airchainpay/internal/relay"
	"github.com/and161185/airchainpay/internal/repository"
	"github.com/and161185/airchainpay/internal/repository/memory"
	"github.com/and161185/airchainpay/internal/repository/postgres"
	"github.com/and161185/airchainpay/internal/repository/sqlite"
	"github.com/and161185/airchainpay/internal/service"
	"github.com/and161185/airchainpay/internal/session"
)

// Runtime holds the components shared by the daemon and the CLI.
type Runtime struct {
	Cfg      *config.Config
	Log      *zap.Logger
	DeviceID string
	Chains   *chain.Registry
	Store    repository.Store
	Limiter  limiter.Limiter
	Signer   *chain.Signer // nil without a signing key
	RPC      *chain.RPC
	Relay    *relay.Client // nil without a relay URL
	Offline  *service.OfflineService
	Sessions *session.Manager

	closers []func() error
}

// openSigner loads the signing key, unwrapping it first when a passphrase is configured.
func openSigner(cfg config.OfflineConfig) (*chain.Signer, error) {
	if cfg.SignerPassphrase == "" {
		return chain.NewSigner(cfg.SignerKey)
	}
	raw, err := crypto.UnwrapKey([]byte(cfg.SignerPassphrase), cfg.SignerKey)
	if err != nil {
		return nil, fmt.Errorf("unwrap: %w", err)
	}
	defer crypto.Zero(raw)
	return chain.NewSigner(hex.EncodeToString(raw))
}

// Build opens the store and constructs every component that needs no radio.
func Build(ctx context.Context, cfg *config.Config, log *zap.Logger) (_ *Runtime, err error) {
	if log == nil {
		log = zap.NewNop()
	}
	rt := &Runtime{Cfg: cfg, Log: log, DeviceID: cfg.Device.ID}
	defer func() {
		if err != nil {
			_ = rt.Close()
		}
	}()
	if rt.DeviceID == "" {
		rt.DeviceID = uuid.Must(uuid.NewV4()).String()
	}

	rt.Chains = chain.DefaultRegistry()
	for key, url := range cfg.Chain.RPC {
		if err := rt.Chains.SetRPC(key, url); err != nil {
			return nil, fmt.Errorf("rpc override: %w", err)
		}
	}
	rt.RPC = chain.NewRPC(rt.Chains, cfg.Chain.RPCTimeout, log.Named("rpc"))

	if err := rt.openStore(ctx); err != nil {
		return nil, err
	}

	if cfg.Offline.SignerKey != "" {
		if rt.Signer, err = openSigner(cfg.Offline); err != nil {
			return nil, fmt.Errorf("signer: %w", err)
		}
	}
	if cfg.Relay.URL != "" {
		rt.Relay, err = relay.New(relay.Options{
			BaseURL:    cfg.Relay.URL,
			Timeout:    cfg.Relay.Timeout,
			Attempts:   cfg.Relay.Attempts,
			Backoff:    cfg.Relay.Backoff,
			SigningKey: []byte(cfg.Relay.SigningKey),
			RateLimit:  cfg.Relay.RateLimit,
			Logger:     log.Named("relay"),
		})
		if err != nil {
			return nil, err
		}
	}

	rt.Offline = service.NewOfflineService(rt.Store, rt.Chains, rt.Signer, service.OfflineOptions{
		DedupWindow: cfg.Offline.DedupWindow,
		Logger:      log.Named("offline"),
	})
	rt.Sessions = session.NewManager(session.Options{
		Lifetime: cfg.Session.Lifetime,
		DeviceID: rt.DeviceID,
		Logger:   log.Named("session"),
	})
	return rt, nil
}

func (rt *Runtime) openStore(ctx context.Context) error {
	cfg := rt.Cfg
	memLimiter := func() limiter.Limiter {
		return limiter.NewMemory(cfg.Limiter.Window, cfg.Limiter.MaxFails, cfg.Limiter.BlockFor)
	}
	switch cfg.Store.Driver {
	case config.StoreMemory:
		rt.Store = memory.New()
		rt.Limiter = memLimiter()
	case config.StoreSQLite:
		s, err := sqlite.Open(ctx, cfg.Store.DSN)
		if err != nil {
			return fmt.Errorf("sqlite: %w", err)
		}
		rt.Store = s
		rt.Limiter = memLimiter()
	case config.StorePostgres:
		if err := migrate.Up(ctx, migrate.DriverPostgres, cfg.Store.DSN); err != nil {
			return fmt.Errorf("migrate up: %w", err)
		}
		db, err := postgres.New(ctx, cfg.Store.DSN)
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		rt.Store = postgres.NewStore(db)
		rt.Limiter = limiter.NewPG(db.Pool, cfg.Limiter.Window, cfg.Limiter.MaxFails, cfg.Limiter.BlockFor)
	default:
		return fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
	rt.closers = append(rt.closers, rt.Store.Close)
	rt.Log.Info("queue store opened", zap.String("driver", cfg.Store.Driver))
	return nil
}

// Radio creates the configured radio driver and its manager.
func (rt *Runtime) Radio() (*radio.Manager, error) {
	cfg := rt.Cfg
	var drv radio.Driver
	switch cfg.Radio.Driver {
	case config.RadioQUIC:
		d, err := quiclink.New(quiclink.Options{
			DeviceID:     rt.DeviceID,
			ListenAddr:   cfg.Link.ListenAddr,
			Peers:        cfg.Link.Peers,
			ScanInterval: cfg.Link.ScanInterval,
			Logger:       rt.Log.Named("quiclink"),
		})
		if err != nil {
			return nil, err
		}
		rt.closers = append(rt.closers, d.Close)
		drv = d
	case config.RadioLoopback:
		drv = loopback.NewAir().NewRadio(rt.DeviceID)
	default:
		return nil, fmt.Errorf("unknown radio driver %q", cfg.Radio.Driver)
	}

	rm := radio.NewManager(drv, radio.Config{
		ServiceUUID:        cfg.Radio.ServiceUUID,
		CharacteristicUUID: cfg.Radio.CharacteristicUUID,
		DevicePrefix:       cfg.Device.NamePrefix,
		SupportedTokens:    rt.supportedTokens(),
		SettleDelay:        cfg.Radio.SettleDelay,
		AdvertiseAttempts:  cfg.Radio.AdvertiseAttempts,
		AdvertiseAutoStop:  cfg.Radio.AdvertiseAutoStop,
		ConnectTimeout:     cfg.Radio.ConnectTimeout,
		DeviceTTL:          cfg.Radio.DeviceTTL,
		Write: radio.WriteConfig{
			Attempts: cfg.Radio.WriteAttempts,
			Backoff:  cfg.Radio.WriteBackoff,
			Timeout:  cfg.Radio.WriteTimeout,
		},
	}, rt.Log.Named("radio"))
	// closed before the driver
	rt.closers = append(rt.closers, rm.Close)
	return rm, nil
}

func (rt *Runtime) supportedTokens() []string {
	if len(rt.Cfg.Radio.SupportedTokens) > 0 {
		return rt.Cfg.Radio.SupportedTokens
	}
	return rt.Chains.Symbols()
}

// AdvertisedName is the radio name announcing this device as a payee.
func (rt *Runtime) AdvertisedName() string {
	return radio.AdvertisedName(rt.Cfg.Device.NamePrefix, rt.Cfg.Device.WalletAddress, rt.Cfg.Device.Token)
}

// Receiver builds the payee side. It needs a relay to execute payments.
func (rt *Runtime) Receiver(rm *radio.Manager) (*payment.Receiver, error) {
	if rt.Relay == nil {
		return nil, errors.New("receiver needs AIRPAY_RELAY_URL")
	}
	p := rt.Cfg.Payment
	return payment.NewReceiver(rt.Sessions, rt.Chains, payment.NewRelayExecutor(rt.Relay, rt.Chains), rt.Limiter, rm,
		payment.ReceiverOptions{
			Threshold:             p.ChunkThreshold,
			PartSize:              p.PartSize,
			ChunkTimeout:          p.ChunkTimeout,
			AcceptUnauthenticated: p.AcceptUnauthenticated,
			DeviceName:            rt.AdvertisedName(),
			Logger:                rt.Log.Named("receiver"),
		}), nil
}

// Orchestrator builds the payer side. Payments go to the offline queue when the chain is unreachable.
func (rt *Runtime) Orchestrator(rm *radio.Manager, onState func(deviceID string, s model.FlowState)) *payment.Orchestrator {
	p := rt.Cfg.Payment
	opts := payment.Options{
		Threshold:           p.ChunkThreshold,
		PartSize:            p.PartSize,
		ChunkTimeout:        p.ChunkTimeout,
		KeyExchangeTimeout:  p.KeyExchangeTimeout,
		ConfirmationTimeout: p.ConfirmationTimeout,
		ReceiptAckTimeout:   p.ReceiptAckTimeout,
		Encrypt:             p.Encrypt,
		OnState:             onState,
		Logger:              rt.Log.Named("payment"),
	}
	var probe payment.ChainProbe = rt.RPC
	if rt.Relay != nil {
		probe = rt.Relay
	}
	return payment.NewOrchestrator(rm, rt.Sessions, rt.Chains, probe, rt.Offline, opts)
}

// Drainer builds the queue drainer over the relay.
func (rt *Runtime) Drainer() (*service.Drainer, error) {
	if rt.Relay == nil {
		return nil, errors.New("drainer needs AIRPAY_RELAY_URL")
	}
	o := rt.Cfg.Offline
	return service.NewDrainer(rt.Store, rt.Chains, rt.Relay, service.DrainerOptions{
		Batch:    o.DrainBatch,
		Lease:    o.DrainLease,
		Interval: o.DrainInterval,
		Logger:   rt.Log.Named("drainer"),
	}), nil
}

// OperatorAuth verifies admin bearer tokens, limited per remote address.
func (rt *Runtime) OperatorAuth() (*service.OperatorAuth, error) {
	if rt.Cfg.Admin.OperatorKey == "" {
		return nil, errors.New("operator key is not configured")
	}
	return service.NewOperatorAuth([]byte(rt.Cfg.Admin.OperatorKey), rt.Cfg.Admin.TokenTTL, rt.Limiter), nil
}

// Close releases everything Build and Radio opened, newest first.
func (rt *Runtime) Close() error {
	var err error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		err = errors.Join(err, rt.closers[i]())
	}
	rt.closers = nil
	return err
}
