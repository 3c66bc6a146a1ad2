package chain

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/and161185/airchainpay/internal/model"
)

// fakeNode answers the handful of JSON-RPC methods RPC uses.
func fakeNode(t *testing.T, chainID string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     json.RawMessage `json:"id"`
			Method string          `json:"method"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		var result string
		switch req.Method {
		case "eth_chainId":
			result = chainID
		case "eth_getTransactionCount":
			result = "0x7"
		case "eth_getBalance":
			result = "0xde0b6b3a7640000"
		case "eth_call":
			result = fmt.Sprintf("0x%064x", 2_500_000)
		default:
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%s,"result":%q}`, req.ID, result)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testRegistry(url string) *Registry {
	return NewRegistry(Chain{
		Key:            "base_sepolia",
		ID:             84532,
		RPCURL:         url,
		NativeSymbol:   "ETH",
		NativeDecimals: 18,
		Tokens: []model.Token{
			{Symbol: "USDC", Address: "0x036CbD53842c5426634e7929541eC2318f3dCF7e", Decimals: 6},
		},
	})
}

func TestRPC_ReadsState(t *testing.T) {
	t.Parallel()
	srv := fakeNode(t, "0x14a34")
	r := NewRPC(testRegistry(srv.URL), time.Second, nil)
	ctx := context.Background()
	addr := "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"

	require.True(t, r.Reachable(ctx, "base_sepolia"))

	n, err := r.PendingNonce(ctx, "base_sepolia", addr)
	require.NoError(t, err)
	require.EqualValues(t, 7, n)

	bal, err := r.Balance(ctx, "base_sepolia", addr, nil)
	require.NoError(t, err)
	require.Equal(t, "1", bal.String())

	bal, err = r.Balance(ctx, "base_sepolia", addr, &model.Token{Symbol: "USDC"})
	require.NoError(t, err)
	require.Equal(t, "2.5", bal.String())
}

func TestRPC_WrongChainIsUnreachable(t *testing.T) {
	t.Parallel()
	srv := fakeNode(t, "0x1")
	r := NewRPC(testRegistry(srv.URL), time.Second, nil)
	require.False(t, r.Reachable(context.Background(), "base_sepolia"))
	require.False(t, r.Reachable(context.Background(), "unknown"))
}
