package main

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/and161185/airchainpay/internal/app"
	"github.com/and161185/airchainpay/internal/config"
	"github.com/and161185/airchainpay/internal/radio"
	"github.com/and161185/airchainpay/internal/radio/loopback"
	grpcserver "github.com/and161185/airchainpay/internal/server/grpc"
)

func TestAdminServer_HealthWithoutToken(t *testing.T) {
	t.Parallel()
	log := zaptest.NewLogger(t)
	cfg := &config.Config{
		Store:   config.StoreConfig{Driver: config.StoreMemory},
		Admin:   config.AdminConfig{OperatorKey: "k", TokenTTL: time.Minute},
		Limiter: config.LimiterConfig{Window: time.Minute, MaxFails: 3, BlockFor: time.Minute},
	}
	rt, err := app.Build(context.Background(), cfg, log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt.Close() })

	s, err := adminServer(rt, nil, true, log)
	require.NoError(t, err)
	lis := bufconn.Listen(1 << 20)
	go func() { _ = s.Serve(lis) }()
	t.Cleanup(s.Stop)

	cc, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(context.Context, string) (net.Conn, error) { return lis.Dial() }),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = cc.Close() })

	resp, err := healthpb.NewHealthClient(cc).Check(context.Background(), &healthpb.HealthCheckRequest{Service: grpcserver.ServiceName})
	require.NoError(t, err)
	require.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.GetStatus())

	_, err = grpcserver.NewQueueAdminClient(cc).ListQueued(context.Background(), nil)
	require.Equal(t, codes.Unauthenticated, status.Code(err))
}

func TestKeepAdvertising_RestartsAfterAutoStop(t *testing.T) {
	t.Parallel()
	log := zaptest.NewLogger(t)
	drv := loopback.NewAir().NewRadio("payee")
	rm := radio.NewManager(drv, radio.Config{
		ServiceUUID:       config.DefaultServiceUUID,
		SettleDelay:       time.Millisecond,
		AdvertiseAutoStop: 20 * time.Millisecond,
	}, log)
	t.Cleanup(func() { _ = rm.Close() })

	sub := rm.Subscribe(16, radio.AdvertisingStarted)
	defer sub.Unsubscribe()
	var starts atomic.Int32
	go func() {
		for range sub.C {
			starts.Add(1)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- keepAdvertising(ctx, rm, "AirChainPay", "payee", log) }()

	require.Eventually(t, func() bool { return starts.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("keepAdvertising did not stop")
	}
}
