package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/and161185/airchainpay/internal/errs"
)

func newClient(t *testing.T, h http.Handler, opts Options) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	opts.BaseURL = srv.URL + "/"
	c, err := New(opts)
	require.NoError(t, err)
	c.sleep = func(context.Context, time.Duration) error { return nil }
	return c
}

func TestSendTx_Success(t *testing.T) {
	t.Parallel()
	key := []byte("relay-secret")
	var got sendTxRequest
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	mux.HandleFunc("/api/send_tx", func(w http.ResponseWriter, r *http.Request) {
		auth := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		_, err := jwt.Parse(auth, func(*jwt.Token) (any, error) { return key, nil },
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
		if err != nil {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(`{"transactionId":"0xabc"}`))
	})
	c := newClient(t, mux, Options{SigningKey: key})

	id, err := c.SendTx(context.Background(), "0xdead", "https://rpc", 84532)
	require.NoError(t, err)
	require.Equal(t, "0xabc", id)
	require.Equal(t, sendTxRequest{SignedTx: "0xdead", RPCURL: "https://rpc", ChainID: 84532}, got)
}

func TestSendTx_RetriesThenSucceeds(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/send_tx" {
			return
		}
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"transaction_id":"0x1"}`))
	}), Options{})

	id, err := c.SendTx(context.Background(), "0xdead", "", 1114)
	require.NoError(t, err)
	require.Equal(t, "0x1", id)
	require.EqualValues(t, 3, calls.Load())
}

func TestSendTx_RejectedIsPermanent(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/send_tx" {
			return
		}
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"nonce too low"}`))
	}), Options{})

	_, err := c.SendTx(context.Background(), "0xdead", "", 1114)
	require.ErrorIs(t, err, errs.ErrRelayRejected)
	require.Contains(t, err.Error(), "nonce too low")
	require.EqualValues(t, 1, calls.Load())
}

func TestSendTx_ExhaustsAttempts(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/send_tx" {
			calls.Add(1)
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	}), Options{Attempts: 2})

	_, err := c.SendTx(context.Background(), "0xdead", "", 1114)
	require.Error(t, err)
	require.NotErrorIs(t, err, errs.ErrRelayRejected)
	require.EqualValues(t, 2, calls.Load())
}

func TestReachable(t *testing.T) {
	t.Parallel()
	var healthy atomic.Bool
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if healthy.Load() {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
	}), Options{ProbeTimeout: time.Second})

	require.False(t, c.Reachable(context.Background(), "core_testnet"))
	healthy.Store(true)
	require.True(t, c.Reachable(context.Background(), "core_testnet"))
}

func TestSendTx_RateLimited(t *testing.T) {
	t.Parallel()
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"transaction_id": "0x1"})
	}), Options{RateLimit: 20})

	start := time.Now()
	for i := 0; i < 3; i++ {
		_, err := c.SendTx(context.Background(), "0xdead", "", 1114)
		require.NoError(t, err)
	}
	require.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.SendTx(ctx, "0xdead", "", 1114)
	require.Error(t, err)
}

func TestNew_RequiresURL(t *testing.T) {
	t.Parallel()
	_, err := New(Options{BaseURL: "  "})
	require.Error(t, err)
}
