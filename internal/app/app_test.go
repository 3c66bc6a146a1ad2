package app

import (
	"context"
	"encoding/hex"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/and161185/airchainpay/internal/chain"
	"github.com/and161185/airchainpay/internal/config"
	"github.com/and161185/airchainpay/internal/crypto"
)

const devKey = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

func testConfig() *config.Config {
	return &config.Config{
		Device:  config.DeviceConfig{ID: "dev-1", NamePrefix: "AirChainPay"},
		Radio:   config.RadioConfig{Driver: config.RadioLoopback, ServiceUUID: config.DefaultServiceUUID, CharacteristicUUID: config.DefaultCharacteristicUUID},
		Session: config.SessionConfig{Lifetime: time.Minute},
		Offline: config.OfflineConfig{DedupWindow: time.Minute},
		Store:   config.StoreConfig{Driver: config.StoreMemory},
		Chain:   config.ChainConfig{RPCTimeout: time.Second},
		Admin:   config.AdminConfig{TokenTTL: time.Minute},
		Limiter: config.LimiterConfig{Window: time.Minute, MaxFails: 3, BlockFor: time.Minute},
	}
}

func TestBuild_Memory(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	rt, err := Build(ctx, testConfig(), zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt.Close() })

	require.Equal(t, "dev-1", rt.DeviceID)
	require.Nil(t, rt.Signer)
	require.Nil(t, rt.Relay)
	require.NotNil(t, rt.Offline)
	require.Equal(t, "AirChainPay", rt.AdvertisedName())

	rm, err := rt.Radio()
	require.NoError(t, err)
	require.NoError(t, rm.CheckAvailability(ctx))
	require.NotNil(t, rt.Orchestrator(rm, nil))

	_, err = rt.Receiver(rm)
	require.Error(t, err)
	_, err = rt.Drainer()
	require.Error(t, err)
	_, err = rt.OperatorAuth()
	require.Error(t, err)
}

func TestBuild_WiredWithRelayAndSigner(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Device.ID = ""
	cfg.Device.WalletAddress = "0x1111111111111111111111111111111111111111"
	cfg.Device.Token = "usdc"
	cfg.Offline.SignerKey = devKey
	cfg.Relay.URL = "http://127.0.0.1:1"
	cfg.Admin.OperatorKey = "k"
	cfg.Chain.RPC = map[string]string{"core_testnet": "http://127.0.0.1:2"}
	cfg.Store = config.StoreConfig{Driver: config.StoreSQLite, DSN: filepath.Join(t.TempDir(), "queue.db")}

	rt, err := Build(context.Background(), cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt.Close() })

	require.NotEmpty(t, rt.DeviceID)
	require.NotNil(t, rt.Signer)
	require.Equal(t, "AirChainPay_0x1111111111111111111111111111111111111111_USDC", rt.AdvertisedName())
	c, err := rt.Chains.Lookup("core_testnet")
	require.NoError(t, err)
	require.Equal(t, "http://127.0.0.1:2", c.RPCURL)

	rm, err := rt.Radio()
	require.NoError(t, err)
	_, err = rt.Receiver(rm)
	require.NoError(t, err)
	_, err = rt.Drainer()
	require.NoError(t, err)
	auth, err := rt.OperatorAuth()
	require.NoError(t, err)
	_, _, err = auth.Issue("ops")
	require.NoError(t, err)
}

func TestBuild_Rejects(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Chain.RPC = map[string]string{"mainnet": "http://x"}
	_, err := Build(context.Background(), cfg, nil)
	require.Error(t, err)

	cfg = testConfig()
	cfg.Offline.SignerKey = "zz"
	_, err = Build(context.Background(), cfg, nil)
	require.Error(t, err)
}

func TestBuild_WrappedSignerKey(t *testing.T) {
	t.Parallel()
	raw, err := hex.DecodeString(devKey)
	require.NoError(t, err)
	wrapped, err := crypto.WrapKey([]byte("pw"), raw)
	require.NoError(t, err)
	want, err := chain.NewSigner(devKey)
	require.NoError(t, err)

	cfg := testConfig()
	cfg.Offline.SignerKey = wrapped
	cfg.Offline.SignerPassphrase = "pw"
	rt, err := Build(context.Background(), cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt.Close() })
	require.Equal(t, want.Address(), rt.Signer.Address())

	cfg = testConfig()
	cfg.Offline.SignerKey = wrapped
	cfg.Offline.SignerPassphrase = "wrong"
	_, err = Build(context.Background(), cfg, nil)
	require.Error(t, err)
}
