// Package relay is the HTTP client for the broadcast relay that submits queued transactions on-chain.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/and161185/airchainpay/internal/errs"
)

// Options configure a Client.
type Options struct {
	BaseURL      string
	Timeout      time.Duration // per request
	ProbeTimeout time.Duration // health probe
	Attempts     int
	Backoff      time.Duration // doubled per retry
	SigningKey   []byte        // optional HS256 bearer key
	TokenTTL     time.Duration
	RateLimit    float64 // send_tx requests per second, 0 means unlimited
	HTTPClient   *http.Client
	Logger       *zap.Logger
}

// Client talks to the relay.
type Client struct {
	base  string
	http  *http.Client
	opts  Options
	log   *zap.Logger
	limit *rate.Limiter
	sleep func(ctx context.Context, d time.Duration) error
}

// New returns a relay client for opts.BaseURL.
func New(opts Options) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if base == "" {
		return nil, errors.New("relay: empty base url")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = 2 * time.Second
	}
	if opts.Attempts <= 0 {
		opts.Attempts = 3
	}
	if opts.Backoff <= 0 {
		opts.Backoff = time.Second
	}
	if opts.TokenTTL <= 0 {
		opts.TokenTTL = 5 * time.Minute
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: opts.Timeout}
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	c := &Client{base: base, http: hc, opts: opts, log: log, sleep: sleepCtx}
	if opts.RateLimit > 0 {
		c.limit = rate.NewLimiter(rate.Limit(opts.RateLimit), 1)
	}
	return c, nil
}

// Health returns nil when GET /health answers 2xx.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return errs.Newf(errs.ErrConnection, errs.ErrChainUnreachable, "%v", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode/100 != 2 {
		return errs.Newf(errs.ErrConnection, errs.ErrChainUnreachable, "health: %s", resp.Status)
	}
	return nil
}

// Reachable probes the relay with a short timeout. chainID is accepted for the probe contract;
// one relay serves every chain.
func (c *Client) Reachable(ctx context.Context, chainID string) bool {
	pctx, cancel := context.WithTimeout(ctx, c.opts.ProbeTimeout)
	defer cancel()
	if err := c.Health(pctx); err != nil {
		c.log.Debug("relay unreachable", zap.String("chain", chainID), zap.Error(err))
		return false
	}
	return true
}

type sendTxRequest struct {
	SignedTx string `json:"signed_tx"`
	RPCURL   string `json:"rpc_url"`
	ChainID  int64  `json:"chain_id"`
}

type sendTxResponse struct {
	TransactionID      string `json:"transaction_id"`
	TransactionIDCamel string `json:"transactionId"`
	Error              string `json:"error"`
}

// SendTx submits a signed transaction and returns the relay's transaction id.
// A 4xx answer is permanent and wraps errs.ErrRelayRejected; anything else is retried.
func (c *Client) SendTx(ctx context.Context, signedTx, rpcURL string, chainID int64) (string, error) {
	if err := c.Health(ctx); err != nil {
		c.log.Warn("relay health probe failed, sending anyway", zap.Error(err))
	}

	body, err := json.Marshal(sendTxRequest{SignedTx: signedTx, RPCURL: rpcURL, ChainID: chainID})
	if err != nil {
		return "", err
	}

	var last error
	for attempt := 0; attempt < c.opts.Attempts; attempt++ {
		if attempt > 0 {
			backoff := c.opts.Backoff << (attempt - 1)
			c.log.Warn("retrying send_tx", zap.Int("attempt", attempt+1), zap.Duration("backoff", backoff))
			if err := c.sleep(ctx, backoff); err != nil {
				return "", err
			}
		}
		id, err := c.send(ctx, body)
		if err == nil {
			return id, nil
		}
		if errors.Is(err, errs.ErrRelayRejected) {
			return "", err
		}
		last = err
		c.log.Warn("send_tx failed", zap.Int("attempt", attempt+1), zap.Error(err))
	}
	return "", fmt.Errorf("send_tx failed after %d attempts: %w", c.opts.Attempts, last)
}

func (c *Client) send(ctx context.Context, body []byte) (string, error) {
	if c.limit != nil {
		if err := c.limit.Wait(ctx); err != nil {
			return "", err
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/api/send_tx", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if len(c.opts.SigningKey) > 0 {
		tok, err := c.bearer()
		if err != nil {
			return "", err
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", errs.Newf(errs.ErrConnection, errs.ErrChainUnreachable, "%v", err)
	}
	defer resp.Body.Close()

	var out sendTxResponse
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	_ = json.Unmarshal(raw, &out)

	switch {
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		msg := out.Error
		if msg == "" {
			msg = resp.Status
		}
		return "", fmt.Errorf("%w: %s", errs.ErrRelayRejected, msg)
	case resp.StatusCode/100 != 2:
		return "", fmt.Errorf("relay status %s", resp.Status)
	}

	id := out.TransactionID
	if id == "" {
		id = out.TransactionIDCamel
	}
	if id == "" {
		return "", errors.New("relay response without transaction id")
	}
	return id, nil
}

func (c *Client) bearer() (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   "airchainpay",
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(c.opts.TokenTTL)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.opts.SigningKey)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
