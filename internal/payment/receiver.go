package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/airchainpay/internal/chunk"
	"github.com/and161185/airchainpay/internal/crypto"
	"github.com/and161185/airchainpay/internal/errs"
	"github.com/and161185/airchainpay/internal/limiter"
	"github.com/and161185/airchainpay/internal/model"
	"github.com/and161185/airchainpay/internal/protocol"
	"github.com/and161185/airchainpay/internal/radio"
	"github.com/and161185/airchainpay/internal/session"
)

// Execution is the result of executing a received payment.
type Execution struct {
	TxHash string
	Status string // protocol.StatusConfirmed or protocol.StatusQueued
}

// Executor carries out a validated payment request received from peer.
type Executor interface {
	Execute(ctx context.Context, peer string, req model.PaymentRequest) (Execution, error)
}

// Advertiser reports the local broadcast state for receipt acknowledgements.
type Advertiser interface {
	IsAdvertising() bool
}

// ReceiverOptions tune the payee side.
type ReceiverOptions struct {
	Threshold             int
	PartSize              int
	ChunkTimeout          time.Duration
	AcceptUnauthenticated bool
	DeviceName            string
	Logger                *zap.Logger
}

// Receiver answers payment flows started by payers.
type Receiver struct {
	sessions *session.Manager
	chains   Chains
	exec     Executor
	lim      limiter.Limiter
	adv      Advertiser
	opts     ReceiverOptions
	log      *zap.Logger
}

// NewReceiver wires the payee side. lim and adv may be nil.
func NewReceiver(sm *session.Manager, chains Chains, exec Executor, lim limiter.Limiter, adv Advertiser, opts ReceiverOptions) *Receiver {
	if opts.Threshold <= 0 {
		opts.Threshold = chunk.DefaultThreshold
	}
	if opts.PartSize <= 0 {
		opts.PartSize = chunk.DefaultPartSize
	}
	if opts.ChunkTimeout <= 0 {
		opts.ChunkTimeout = chunk.DefaultTimeout
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Receiver{sessions: sm, chains: chains, exec: exec, lim: lim, adv: adv, opts: opts, log: log}
}

// Run accepts inbound links on rm and serves each in its own goroutine until ctx ends.
func (r *Receiver) Run(ctx context.Context, rm *radio.Manager) error {
	for {
		conn, err := rm.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go func() {
			if err := r.Serve(ctx, conn); err != nil {
				r.log.Warn("serve", zap.String("peer", conn.Peer()), zap.Error(err))
			}
		}()
	}
}

// Serve handles one link until it drops or ctx ends. Sessions established on the link end with it.
func (r *Receiver) Serve(ctx context.Context, conn *radio.Conn) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	log := r.log.With(zap.String("peer", conn.Peer()))

	re := chunk.NewReassembler(chunk.Options{
		Timeout: r.opts.ChunkTimeout,
		Logger:  log,
		OnDrop: func(id string, received, total int) {
			r.reject(ctx, conn, "", protocol.CodeChunkTimeout, fmt.Sprintf("received %d of %d parts", received, total), id)
		},
	})
	defer re.Close()

	established := make(map[string]struct{})
	defer func() {
		for sid := range established {
			r.sessions.End(sid)
		}
	}()

	for msg := range readLoop(ctx, conn, re) {
		switch {
		case msg.err != nil:
			log.Debug("bad frame", zap.Error(msg.err))
			r.reject(ctx, conn, "", protocol.CodeInvalidRequest, msg.err.Error(), "")
		case msg.kx != nil:
			if sid, ok := r.onKeyExchange(ctx, conn, *msg.kx); ok {
				established[sid] = struct{}{}
			}
		case msg.env.Type == protocol.TypePaymentRequest:
			r.onPayment(ctx, conn, msg.env)
		default:
			log.Debug("ignored envelope", zap.String("type", string(msg.env.Type)))
		}
	}
	return nil
}

// onKeyExchange answers handshake frames. ok is true once a session became active.
func (r *Receiver) onKeyExchange(ctx context.Context, conn *radio.Conn, kx protocol.KeyExchange) (string, bool) {
	peer := conn.Peer()
	switch kx.Step {
	case protocol.KXInit:
		if !r.allowed(ctx, peer) {
			r.reject(ctx, conn, "", protocol.CodeRateLimited, errs.ErrRateLimited.Error(), "")
			return "", false
		}
		// the session is bound to the link's peer, not to what the frame claims
		kx.DeviceID = peer
		resp, err := r.sessions.RespondKeyExchange(kx)
		if err != nil {
			r.authFailed(ctx, peer, err)
			return "", false
		}
		if err := writeKX(ctx, conn, resp); err != nil {
			r.log.Warn("key exchange response not sent", zap.String("peer", peer), zap.Error(err))
			r.sessions.End(kx.SessionID)
		}
	case protocol.KXConfirm:
		if err := r.sessions.ConfirmKeyExchange(kx); err != nil {
			r.authFailed(ctx, peer, err)
			return "", false
		}
		return kx.SessionID, true
	}
	return "", false
}

func (r *Receiver) onPayment(ctx context.Context, conn *radio.Conn, env *protocol.Envelope) {
	peer := conn.Peer()
	if !r.allowed(ctx, peer) {
		r.reject(ctx, conn, "", protocol.CodeRateLimited, errs.ErrRateLimited.Error(), "")
		return
	}

	req, sid, err := r.open(env, peer)
	if err != nil {
		if errors.Is(err, errs.ErrAuthentication) {
			r.authFailed(ctx, peer, err)
			r.reject(ctx, conn, "", protocol.CodeUnauthenticated, err.Error(), "")
			return
		}
		r.reject(ctx, conn, sid, protocol.CodeInvalidRequest, err.Error(), "")
		return
	}
	if sid != "" && r.lim != nil {
		if err := r.lim.Success(ctx, peer); err != nil {
			r.log.Debug("limiter reset", zap.Error(err))
		}
	}

	decimals, err := r.chains.Decimals(req)
	if err == nil {
		err = req.Validate(decimals)
	}
	if err != nil {
		r.reject(ctx, conn, sid, protocol.CodeInvalidRequest, err.Error(), req.PaymentReference)
		return
	}

	x, err := r.exec.Execute(ctx, peer, req)
	if err != nil {
		code := protocol.CodeExecutionFailed
		if errors.Is(err, errs.ErrChainUnreachable) {
			code = protocol.CodeChainUnreachable
		}
		r.log.Warn("payment execution failed", zap.String("peer", peer), zap.Error(err))
		r.reject(ctx, conn, sid, code, err.Error(), req.PaymentReference)
		return
	}
	if x.Status == "" {
		x.Status = protocol.StatusConfirmed
	}
	r.log.Info("payment executed",
		zap.String("peer", peer), zap.String("tx", x.TxHash), zap.String("status", x.Status), zap.Bool("encrypted", sid != ""))

	now := time.Now().UnixMilli()
	conf := protocol.TransactionConfirmation{
		TransactionHash:  x.TxHash,
		Status:           x.Status,
		PaymentReference: req.PaymentReference,
		ChainID:          req.ChainID,
		Timestamp:        now,
	}
	if err := r.send(ctx, conn, sid, protocol.TypeTransactionConfirmation, conf); err != nil {
		r.log.Warn("transaction confirmation not sent", zap.String("peer", peer), zap.Error(err))
		return
	}
	ack := protocol.AdvertiserConfirmation{
		Advertising: r.adv != nil && r.adv.IsAdvertising(),
		DeviceName:  r.opts.DeviceName,
		Timestamp:   now,
	}
	if err := r.send(ctx, conn, sid, protocol.TypeAdvertiserConfirmation, ack); err != nil {
		r.log.Warn("advertiser confirmation not sent", zap.String("peer", peer), zap.Error(err))
	}
}

// open extracts the payment request from env, decrypting it when it arrived inside a session.
func (r *Receiver) open(env *protocol.Envelope, peer string) (model.PaymentRequest, string, error) {
	var req model.PaymentRequest
	if !env.Authenticated() {
		if !r.opts.AcceptUnauthenticated {
			return req, "", errs.Newf(errs.ErrAuthentication, errs.ErrSessionNotFound, "unauthenticated payment request")
		}
		r.log.Warn("accepting unauthenticated payment request", zap.String("peer", peer))
		err := env.DecodePayload(&req)
		return req, "", err
	}

	if owner, ok := r.sessions.Peer(env.SessionID); ok && owner != peer {
		return req, "", errs.Newf(errs.ErrAuthentication, errs.ErrSessionNotFound, "session belongs to another peer")
	}
	var sp protocol.SecurePayload
	if err := env.DecodePayload(&sp); err != nil {
		return req, "", err
	}
	if sp.Ciphertext == "" {
		return req, "", errs.Newf(errs.ErrValidation, errs.ErrMalformedEnvelope, "ciphertext absent")
	}
	pt, err := r.sessions.DecryptPaymentData(env.SessionID, env.Nonce, env.HMAC, sp.Ciphertext)
	if err != nil {
		return req, "", err
	}
	defer crypto.Zero(pt)
	if err := json.Unmarshal(pt, &req); err != nil {
		return req, env.SessionID, errs.Newf(errs.ErrValidation, errs.ErrMalformedEnvelope, "payment request: %v", err)
	}
	return req, env.SessionID, nil
}

func (r *Receiver) allowed(ctx context.Context, peer string) bool {
	if r.lim == nil {
		return true
	}
	ok, retry, err := r.lim.Allow(ctx, peer)
	if err != nil {
		r.log.Warn("limiter", zap.Error(err))
		return false
	}
	if !ok {
		r.log.Info("peer blocked", zap.String("peer", peer), zap.Duration("retry_after", retry))
	}
	return ok
}

func (r *Receiver) authFailed(ctx context.Context, peer string, cause error) {
	r.log.Warn("authentication failed", zap.String("peer", peer), zap.Error(cause))
	if r.lim == nil {
		return
	}
	if blocked, d, err := r.lim.Failure(ctx, peer); err == nil && blocked {
		r.log.Warn("peer blocked", zap.String("peer", peer), zap.Duration("for", d))
	}
}

func (r *Receiver) send(ctx context.Context, conn *radio.Conn, sid string, t protocol.MessageType, payload any) error {
	return sendEnvelope(ctx, conn, r.sessions, sid, t, payload, r.opts.Threshold, r.opts.PartSize)
}

func (r *Receiver) reject(ctx context.Context, conn *radio.Conn, sid, code, message, ref string) {
	p := protocol.ErrorPayload{Code: code, Message: message, Ref: ref}
	if err := r.send(ctx, conn, sid, protocol.TypeError, p); err != nil {
		r.log.Debug("error envelope not sent", zap.String("code", code), zap.Error(err))
	}
}
