// Command airpayd runs the payee side of AirChainPay: it advertises, serves
// inbound payment flows, drains the offline queue and exposes the admin API.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/and161185/airchainpay/internal/app"
	"github.com/and161185/airchainpay/internal/config"
	"github.com/and161185/airchainpay/internal/logging"
	"github.com/and161185/airchainpay/internal/radio"
	grpcserver "github.com/and161185/airchainpay/internal/server/grpc"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

// main loads configuration, applies flag overrides and runs until SIGINT or SIGTERM.
func main() {
	cfg, err := config.Load()
	if err != nil {
		_, _ = os.Stderr.WriteString(err.Error() + "\n")
		os.Exit(2)
	}

	// Flags override the environment
	flag.StringVar(&cfg.Admin.Addr, "admin-addr", cfg.Admin.Addr, "admin gRPC listen address, empty disables it")
	flag.StringVar(&cfg.Store.Driver, "store", cfg.Store.Driver, "queue store: memory, sqlite or postgres")
	flag.StringVar(&cfg.Store.DSN, "dsn", cfg.Store.DSN, "sqlite path or PostgreSQL DSN")
	flag.StringVar(&cfg.Relay.URL, "relay", cfg.Relay.URL, "relay base URL")
	flag.StringVar(&cfg.Link.ListenAddr, "listen", cfg.Link.ListenAddr, "QUIC link listen address")
	flag.StringVar(&cfg.Log.Level, "log-level", cfg.Log.Level, "log level")
	flag.BoolVar(&cfg.Log.Dev, "dev", cfg.Log.Dev, "console logging")
	flag.BoolVar(&cfg.Admin.Reflection, "reflection", cfg.Admin.Reflection, "enable server reflection (dev only)")
	advertise := flag.Bool("advertise", true, "keep advertising as a payee")
	certFile := flag.String("tls-cert", "", "admin TLS certificate (PEM), plaintext when empty")
	keyFile := flag.String("tls-key", "", "admin TLS private key (PEM)")
	flag.Parse()

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Dev)
	if err != nil {
		_, _ = os.Stderr.WriteString(err.Error() + "\n")
		os.Exit(2)
	}
	defer func() { _ = logger.Sync() }()
	logger.Info("starting",
		zap.String("version", version),
		zap.String("buildDate", buildDate),
		zap.String("store", cfg.Store.Driver),
		zap.String("radio", cfg.Radio.Driver),
	)

	if err := cfg.Validate(); err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}

	// Context with OS signals
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var opts []grpc.ServerOption
	if *certFile != "" {
		creds, err := credentials.NewServerTLSFromFile(*certFile, *keyFile)
		if err != nil {
			logger.Fatal("failed to load TLS cert/key", zap.Error(err))
		}
		opts = append(opts, grpc.Creds(creds))
	}

	if err := run(ctx, cfg, logger, *advertise, opts); err != nil {
		logger.Error("exit", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger, advertise bool, serverOpts []grpc.ServerOption) error {
	rt, err := app.Build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := rt.Close(); err != nil {
			logger.Warn("close", zap.Error(err))
		}
	}()

	rm, err := rt.Radio()
	if err != nil {
		return err
	}
	receiver, err := rt.Receiver(rm)
	if err != nil {
		return err
	}
	drainer, err := rt.Drainer()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	errCh := make(chan error, 4)
	var wg sync.WaitGroup
	spawn := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil {
				select {
				case errCh <- fmt.Errorf("%s: %w", name, err):
				default:
				}
			}
		}()
	}

	spawn("sessions", func(ctx context.Context) error {
		rt.Sessions.Run(ctx, cfg.Session.SweepInterval)
		return nil
	})
	spawn("receiver", func(ctx context.Context) error { return receiver.Run(ctx, rm) })
	spawn("drainer", drainer.Run)
	if advertise {
		spawn("advertiser", func(ctx context.Context) error {
			return keepAdvertising(ctx, rm, rt.AdvertisedName(), rt.DeviceID, logger)
		})
	}

	if cfg.Admin.Addr != "" {
		s, err := adminServer(rt, drainer, cfg.Admin.Reflection, logger, serverOpts...)
		if err != nil {
			return err
		}
		lis, err := net.Listen("tcp", cfg.Admin.Addr)
		if err != nil {
			return err
		}
		go func() {
			logger.Info("admin listening", zap.String("addr", lis.Addr().String()))
			if err := s.Serve(lis); err != nil {
				select {
				case errCh <- fmt.Errorf("admin: %w", err):
				default:
				}
			}
		}()
		defer gracefulStop(s)
	}

	select {
	case <-ctx.Done():
	case err = <-errCh:
	}
	cancel()
	wg.Wait()
	return err
}

func adminServer(rt *app.Runtime, drainer grpcserver.Drainer, withReflection bool, logger *zap.Logger, opts ...grpc.ServerOption) (*grpc.Server, error) {
	auth, err := rt.OperatorAuth()
	if err != nil {
		return nil, err
	}
	opts = append(opts, grpc.ChainUnaryInterceptor(
		grpcserver.RecoverUnary(logger),
		grpcserver.LoggingUnary(logger),
		grpcserver.AuthUnary(auth),
	))
	s := grpc.NewServer(opts...)
	grpcserver.RegisterQueueAdminServer(s, grpcserver.New(rt.Offline, drainer))

	// Health & reflection (dev)
	hs := health.NewServer()
	healthpb.RegisterHealthServer(s, hs)
	hs.SetServingStatus(grpcserver.ServiceName, healthpb.HealthCheckResponse_SERVING)
	if withReflection {
		reflection.Register(s)
	}
	return s, nil
}

func gracefulStop(s *grpc.Server) {
	done := make(chan struct{})
	go func() {
		s.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		s.Stop()
	}
}

// keepAdvertising restarts advertising whenever the auto-stop timer ends it.
func keepAdvertising(ctx context.Context, rm *radio.Manager, name, backupID string, logger *zap.Logger) error {
	sub := rm.Subscribe(4, radio.AdvertisingStopped)
	defer sub.Unsubscribe()
	for {
		if err := rm.StartAdvertising(ctx, name, backupID); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		logger.Info("advertising", zap.String("name", name))
		select {
		case <-ctx.Done():
			return nil
		case <-sub.C:
		}
	}
}
