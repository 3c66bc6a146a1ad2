package radio_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/and161185/airchainpay/internal/errs"
	"github.com/and161185/airchainpay/internal/model"
	"github.com/and161185/airchainpay/internal/radio"
	"github.com/and161185/airchainpay/internal/radio/loopback"
)

const (
	svc    = "0000abcd-0000-1000-8000-00805f9b34fb"
	char   = "0000abce-0000-1000-8000-00805f9b34fb"
	prefix = "AirChainPay"
	wallet = "0x1111111111111111111111111111111111111111"
)

func testConfig() radio.Config {
	return radio.Config{
		ServiceUUID:        svc,
		CharacteristicUUID: char,
		DevicePrefix:       prefix,
		SupportedTokens:    []string{"USDC", "USDT"},
		SettleDelay:        time.Millisecond,
		ConnectTimeout:     100 * time.Millisecond,
		Write:              radio.WriteConfig{Backoff: time.Millisecond, Timeout: 50 * time.Millisecond},
	}
}

func newPair(t *testing.T) (payer, payee *radio.Manager, payerRadio, payeeRadio *loopback.Radio) {
	t.Helper()
	air := loopback.NewAir()
	payerRadio = air.NewRadio("payer-1")
	payeeRadio = air.NewRadio("payee-1")
	payer = radio.NewManager(payerRadio, testConfig(), zaptest.NewLogger(t))
	payee = radio.NewManager(payeeRadio, testConfig(), zaptest.NewLogger(t))
	t.Cleanup(func() {
		_ = payer.Close()
		_ = payee.Close()
	})
	return
}

func TestCheckAvailability(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	air := loopback.NewAir()
	r := air.NewRadio("r")
	m := radio.NewManager(r, testConfig(), nil)

	require.NoError(t, m.CheckAvailability(ctx))

	r.SetState(radio.StatePoweredOff, true)
	err := m.CheckAvailability(ctx)
	require.ErrorIs(t, err, errs.ErrAvailability)
	require.ErrorIs(t, err, errs.ErrRadioOff)

	r.SetState(radio.StateUnsupported, true)
	require.ErrorIs(t, m.CheckAvailability(ctx), errs.ErrRadioUnsupported)

	r.SetState(radio.StateUnauthorized, false)
	require.ErrorIs(t, m.CheckAvailability(ctx), errs.ErrPermissionDenied)
	require.Equal(t, 1, r.PermissionRequests())

	r.SetState(radio.StateUnauthorized, true)
	require.NoError(t, m.CheckAvailability(ctx))
	require.Equal(t, 2, r.PermissionRequests())

	r.SetState(radio.StatePoweredOff, true)
	require.ErrorIs(t, m.StartScan(ctx), errs.ErrRadioOff)
	require.False(t, m.IsScanning())
}

func TestScan_DiscoversAdvertisedPaymentData(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	payer, payee, _, payeeRadio := newPair(t)
	payeeRadio.SetRSSI(-71)

	name := radio.AdvertisedName(prefix, wallet, "USDC")
	require.NoError(t, payee.StartAdvertising(ctx, name, "payee-1"))
	require.True(t, payee.IsAdvertising())

	sub := payer.Subscribe(8, radio.DeviceDiscovered)
	defer sub.Unsubscribe()
	require.NoError(t, payer.StartScan(ctx))

	select {
	case ev := <-sub.C:
		require.Equal(t, "payee-1", ev.DeviceID)
		require.Equal(t, -71, ev.Device.RSSI)
		require.Equal(t, &model.PaymentData{WalletAddress: wallet, Token: "USDC", Amount: "0"}, ev.Device.Payment)
	case <-time.After(time.Second):
		t.Fatal("device not discovered")
	}

	dev, ok := payer.Device("payee-1")
	require.True(t, ok)
	require.Equal(t, name, dev.Name)
	require.Len(t, payer.Devices(), 1)

	// restarting while scanning force-stops first
	require.NoError(t, payer.StartScan(ctx))
	require.True(t, payer.IsScanning())

	require.NoError(t, payer.StopScan())
	require.Empty(t, payer.Devices())
}

func TestScan_MalformedNameStillDiscovered(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	payer, payee, _, _ := newPair(t)

	require.NoError(t, payee.StartAdvertising(ctx, prefix+"_garbage", ""))
	sub := payer.Subscribe(8, radio.DeviceDiscovered)
	defer sub.Unsubscribe()
	require.NoError(t, payer.StartScan(ctx))

	select {
	case ev := <-sub.C:
		require.Nil(t, ev.Device.Payment)
	case <-time.After(time.Second):
		t.Fatal("device not discovered")
	}
}

func TestAdvertising_RetriesAndCapability(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	_, payee, _, payeeRadio := newPair(t)

	payeeRadio.FailAdvertise(2)
	require.NoError(t, payee.StartAdvertising(ctx, prefix, ""))
	require.NoError(t, payee.StopAdvertising())
	require.False(t, payee.IsAdvertising())

	payeeRadio.FailAdvertise(3)
	err := payee.StartAdvertising(ctx, prefix, "")
	require.ErrorIs(t, err, errs.ErrAdvertiseFailed)
	require.False(t, payee.IsAdvertising())

	payeeRadio.SetCapability(radio.CapabilityUnsupported)
	require.ErrorIs(t, payee.StartAdvertising(ctx, prefix, ""), errs.ErrAdvertisingUnsupported)

	payeeRadio.SetCapability(radio.CapabilityUnknown)
	require.NoError(t, payee.StartAdvertising(ctx, prefix, ""))
}

func TestAdvertising_NoSettleAfterLastAttempt(t *testing.T) {
	t.Parallel()
	air := loopback.NewAir()
	r := air.NewRadio("p")
	cfg := testConfig()
	cfg.SettleDelay = 200 * time.Millisecond
	cfg.AdvertiseAttempts = 1
	m := radio.NewManager(r, cfg, zaptest.NewLogger(t))

	r.FailAdvertise(1)
	start := time.Now()
	err := m.StartAdvertising(context.Background(), prefix, "")
	elapsed := time.Since(start)
	require.ErrorIs(t, err, errs.ErrAdvertiseFailed)
	// one settle before the attempt, none after it
	require.GreaterOrEqual(t, elapsed, cfg.SettleDelay)
	require.Less(t, elapsed, cfg.SettleDelay+cfg.SettleDelay/2)
}

func TestAdvertising_AutoStop(t *testing.T) {
	t.Parallel()
	air := loopback.NewAir()
	cfg := testConfig()
	cfg.AdvertiseAutoStop = 20 * time.Millisecond
	m := radio.NewManager(air.NewRadio("p"), cfg, nil)

	sub := m.Subscribe(4, radio.AdvertisingStopped)
	defer sub.Unsubscribe()
	require.NoError(t, m.StartAdvertising(context.Background(), prefix, ""))

	select {
	case <-sub.C:
	case <-time.After(time.Second):
		t.Fatal("advertising did not auto-stop")
	}
	require.False(t, m.IsAdvertising())
}

func TestConnect_IdempotentAndFailures(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	payer, payee, _, payeeRadio := newPair(t)

	_, err := payer.Connect(ctx, "payee-1")
	require.ErrorIs(t, err, errs.ErrConnection, "not advertising yet")
	require.ErrorIs(t, err, errs.ErrConnectFailed)
	require.Equal(t, errs.ErrConnection, errs.Kind(err))

	require.NoError(t, payee.StartAdvertising(ctx, prefix, ""))
	c1, err := payer.Connect(ctx, "payee-1")
	require.NoError(t, err)
	c2, err := payer.Connect(ctx, "payee-1")
	require.NoError(t, err)
	require.Same(t, c1, c2)

	in, err := payee.Accept(ctx)
	require.NoError(t, err)
	require.Equal(t, "payer-1", in.Peer())

	require.NoError(t, c1.Write(ctx, []byte("frame-1")))
	require.Equal(t, "frame-1", string(<-in.Frames()))

	require.NoError(t, c1.Close())
	require.Eventually(t, func() bool { return !in.Alive() }, time.Second, time.Millisecond)

	payeeRadio.FailDiscovery(true)
	_, err = payer.Connect(ctx, "payee-1")
	require.ErrorIs(t, err, errs.ErrServiceDiscovery)
	payeeRadio.FailDiscovery(false)

	payeeRadio.BlockConnect(true)
	start := time.Now()
	_, err = payer.Connect(ctx, "payee-1")
	require.ErrorIs(t, err, errs.ErrConnectTimeout)
	require.Less(t, time.Since(start), time.Second)
}

func TestConn_WriteRetries(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	payer, payee, payerRadio, _ := newPair(t)

	require.NoError(t, payee.StartAdvertising(ctx, prefix, ""))
	c, err := payer.Connect(ctx, "payee-1")
	require.NoError(t, err)

	payerRadio.FailWrites(2)
	require.NoError(t, c.Write(ctx, []byte("x")))
	require.Equal(t, 3, payerRadio.WriteAttempts())

	payerRadio.FailWrites(-1)
	err = c.Write(ctx, []byte("y"))
	require.ErrorIs(t, err, errs.ErrSend)
	require.ErrorIs(t, err, errs.ErrWriteFailed)
	require.Equal(t, 6, payerRadio.WriteAttempts())
}
