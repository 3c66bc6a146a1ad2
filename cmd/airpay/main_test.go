package main

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"

	"github.com/and161185/airchainpay/internal/chain"
	"github.com/and161185/airchainpay/internal/crypto"
	"github.com/and161185/airchainpay/internal/repository/memory"
	grpcserver "github.com/and161185/airchainpay/internal/server/grpc"
	"github.com/and161185/airchainpay/internal/service"
)

func withTmpConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	return filepath.Join(dir, "airchainpay")
}

func Test_cfgDir_And_Paths(t *testing.T) {
	base := withTmpConfig(t)
	if got := cfgDir(); got != base {
		t.Fatalf("cfgDir=%q, want %q", got, base)
	}
	if !strings.HasPrefix(tokenPath(), base) || !strings.HasSuffix(tokenPath(), "token.json") {
		t.Fatalf("tokenPath unexpected: %s", tokenPath())
	}
}

func Test_token_SaveLoad(t *testing.T) {
	_ = withTmpConfig(t)

	if _, err := loadToken(); err == nil {
		t.Fatalf("expected error when token file missing")
	}
	if err := saveToken("tok", time.Now().Add(time.Minute)); err != nil {
		t.Fatalf("saveToken: %v", err)
	}
	tok, err := loadToken()
	if err != nil || tok != "tok" {
		t.Fatalf("loadToken: tok=%q err=%v", tok, err)
	}
	st, err := os.Stat(tokenPath())
	if err != nil || st.Mode().Perm() != 0o600 {
		t.Fatalf("token file mode: %v %v", st, err)
	}
	if err := saveToken("tok2", time.Now().Add(-time.Minute)); err != nil {
		t.Fatalf("saveToken expired: %v", err)
	}
	if _, err := loadToken(); err == nil {
		t.Fatalf("want error for expired token")
	}
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd(&out)
	root.SetArgs(args)
	root.SetErr(&bytes.Buffer{})
	err := root.Execute()
	return out.String(), err
}

func TestVersion(t *testing.T) {
	out, err := runCLI(t, "version")
	require.NoError(t, err)
	require.Contains(t, out, "airpay dev")
}

func TestTokenIssue(t *testing.T) {
	_ = withTmpConfig(t)
	t.Setenv("AIRPAY_OPERATOR_KEY", "")
	_, err := runCLI(t, "token", "issue")
	require.Error(t, err)

	t.Setenv("AIRPAY_OPERATOR_KEY", "secret")
	out, err := runCLI(t, "token", "issue", "--save")
	require.NoError(t, err)
	require.Contains(t, out, "saved to")

	tok, err := loadToken()
	require.NoError(t, err)
	sub, err := service.NewOperatorAuth([]byte("secret"), time.Minute, nil).Verify(context.Background(), tok, "test")
	require.NoError(t, err)
	require.Equal(t, "operator", sub)
}

// startAdmin serves the admin API on a loopback port over a memory store.
func startAdmin(t *testing.T, key string) (addr string, offline *service.OfflineService) {
	t.Helper()
	store := memory.New()
	offline = service.NewOfflineService(store, chain.DefaultRegistry(), nil, service.OfflineOptions{})
	auth := service.NewOperatorAuth([]byte(key), time.Minute, nil)

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	gs := grpc.NewServer(grpc.ChainUnaryInterceptor(grpcserver.AuthUnary(auth)))
	grpcserver.RegisterQueueAdminServer(gs, grpcserver.New(offline, nil))
	go func() { _ = gs.Serve(lis) }()
	t.Cleanup(gs.Stop)
	return lis.Addr().String(), offline
}

func TestLedgerAndQueueOverAdmin(t *testing.T) {
	_ = withTmpConfig(t)
	t.Setenv("AIRPAY_OPERATOR_KEY", "secret")
	addr, _ := startAdmin(t, "secret")

	_, err := runCLI(t, "token", "issue", "--save")
	require.NoError(t, err)

	out, err := runCLI(t, "--addr", addr, "ledger", "balance", "core_testnet", "tcore2", "12.5")
	require.NoError(t, err)
	require.Contains(t, out, `"available": "12.5"`)
	require.Contains(t, out, `"token": "TCORE2"`)

	out, err = runCLI(t, "--addr", addr, "ledger", "nonce", "core_testnet", "0x1111111111111111111111111111111111111111", "9")
	require.NoError(t, err)
	require.Contains(t, out, `"nextNonce": 9`)

	out, err = runCLI(t, "--addr", addr, "queue", "list", "--status", "pending")
	require.NoError(t, err)
	require.Equal(t, "[]\n", out)

	_, err = runCLI(t, "--addr", addr, "queue", "drain")
	require.Error(t, err)

	_, err = runCLI(t, "--addr", addr, "--token", "forged", "queue", "list")
	require.Error(t, err)
}

func TestLocalLedger(t *testing.T) {
	_ = withTmpConfig(t)
	dsn := filepath.Join(t.TempDir(), "q.db")

	out, err := runCLI(t, "--store", "sqlite", "--dsn", dsn, "ledger", "balance", "--local", "base_sepolia", "usdc", "3")
	require.NoError(t, err)
	require.Contains(t, out, `"token": "USDC"`)

	out, err = runCLI(t, "--store", "sqlite", "--dsn", dsn, "queue", "list", "--local")
	require.NoError(t, err)
	require.Equal(t, "[]\n", out)
}

func TestKeyWrap(t *testing.T) {
	_ = withTmpConfig(t)
	t.Setenv("AIRPAY_SIGNER_KEY", "")
	t.Setenv("AIRPAY_SIGNER_PASSPHRASE", "")
	const key = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

	_, err := runCLI(t, "key", "wrap", "--key", key)
	require.Error(t, err)

	out, err := runCLI(t, "key", "wrap", "--key", key, "--passphrase", "pw")
	require.NoError(t, err)
	var got map[string]string
	require.NoError(t, json.Unmarshal([]byte(out), &got))

	signer, err := chain.NewSigner(key)
	require.NoError(t, err)
	require.Equal(t, signer.Address(), got["address"])
	raw, err := crypto.UnwrapKey([]byte("pw"), got["wrapped"])
	require.NoError(t, err)
	require.Equal(t, key, hex.EncodeToString(raw))
}
