// Package payment runs the payment flow over a radio link: the payer's orchestrator and the payee's receiver.
package payment

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/airchainpay/internal/chunk"
	"github.com/and161185/airchainpay/internal/crypto"
	"github.com/and161185/airchainpay/internal/errs"
	"github.com/and161185/airchainpay/internal/model"
	"github.com/and161185/airchainpay/internal/protocol"
	"github.com/and161185/airchainpay/internal/radio"
	"github.com/and161185/airchainpay/internal/session"
)

// Chains resolves the decimals that apply to a request.
type Chains interface {
	Decimals(req model.PaymentRequest) (int, error)
}

// ChainProbe tells whether a chain can be reached right now.
type ChainProbe interface {
	Reachable(ctx context.Context, chainID string) bool
}

// OfflineQueue signs and queues payments while the chain is unreachable.
type OfflineQueue interface {
	// Validate runs the offline security checks without committing anything.
	Validate(ctx context.Context, req model.PaymentRequest) error
	// Queue signs req and stores it for later broadcast.
	Queue(ctx context.Context, req model.PaymentRequest, transport string) (*model.QueuedTransaction, error)
}

// Options tune the orchestrator. Zero durations take the defaults below.
type Options struct {
	Threshold           int           // chunk.DefaultThreshold
	PartSize            int           // chunk.DefaultPartSize
	ChunkTimeout        time.Duration // chunk.DefaultTimeout
	KeyExchangeTimeout  time.Duration // 30s
	ConfirmationTimeout time.Duration // 60s
	ReceiptAckTimeout   time.Duration // 30s
	Encrypt             bool
	OnState             func(deviceID string, s model.FlowState)
	Logger              *zap.Logger
}

func (o Options) withDefaults() Options {
	if o.Threshold <= 0 {
		o.Threshold = chunk.DefaultThreshold
	}
	if o.PartSize <= 0 {
		o.PartSize = chunk.DefaultPartSize
	}
	if o.ChunkTimeout <= 0 {
		o.ChunkTimeout = chunk.DefaultTimeout
	}
	if o.KeyExchangeTimeout <= 0 {
		o.KeyExchangeTimeout = 30 * time.Second
	}
	if o.ConfirmationTimeout <= 0 {
		o.ConfirmationTimeout = 60 * time.Second
	}
	if o.ReceiptAckTimeout <= 0 {
		o.ReceiptAckTimeout = 30 * time.Second
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

// Orchestrator drives outbound payments. One flow at a time runs per device.
type Orchestrator struct {
	radio    *radio.Manager
	sessions *session.Manager
	chains   Chains
	probe    ChainProbe
	offline  OfflineQueue
	opts     Options
	log      *zap.Logger

	mu   sync.Mutex
	busy map[string]chan struct{}
}

// NewOrchestrator wires the payer side. probe and offline may be nil, which disables the offline branch.
func NewOrchestrator(rm *radio.Manager, sm *session.Manager, chains Chains, probe ChainProbe, offline OfflineQueue, opts Options) *Orchestrator {
	opts = opts.withDefaults()
	return &Orchestrator{
		radio:    rm,
		sessions: sm,
		chains:   chains,
		probe:    probe,
		offline:  offline,
		opts:     opts,
		log:      opts.Logger,
		busy:     make(map[string]chan struct{}),
	}
}

var errWaitTimeout = errors.New("wait timed out")

// Pay sends req to deviceID and waits for the outcome. The returned result is never nil;
// on failure its status is failed and err carries the category and reason.
func (o *Orchestrator) Pay(ctx context.Context, deviceID string, req model.PaymentRequest) (*model.FlowResult, error) {
	res, err := o.pay(ctx, deviceID, req)
	if err != nil {
		o.set(deviceID, model.FlowFailed)
		o.log.Warn("payment failed", zap.String("device", deviceID), zap.Error(err))
		if res == nil {
			res = &model.FlowResult{}
		}
		res.Status = model.FlowStatusFailed
		res.Reason = err.Error()
		return res, err
	}
	return res, nil
}

func (o *Orchestrator) pay(ctx context.Context, deviceID string, req model.PaymentRequest) (*model.FlowResult, error) {
	decimals, err := o.chains.Decimals(req)
	if err != nil {
		return nil, err
	}
	if err := req.Validate(decimals); err != nil {
		return nil, err
	}

	if o.offline != nil && o.probe != nil && !o.probe.Reachable(ctx, req.ChainID) {
		return o.queue(ctx, deviceID, req)
	}

	if req.PaymentReference == "" {
		id, err := uuid.NewV4()
		if err != nil {
			return nil, err
		}
		req.PaymentReference = id.String()
	}

	o.set(deviceID, model.FlowCheckingAvailability)
	if err := o.radio.CheckAvailability(ctx); err != nil {
		return nil, err
	}

	release, err := o.acquire(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	defer release()

	o.set(deviceID, model.FlowConnecting)
	conn, err := o.radio.Connect(ctx, deviceID)
	if err != nil {
		return nil, err
	}

	fctx, cancel := context.WithCancel(ctx)
	re := chunk.NewReassembler(chunk.Options{Timeout: o.opts.ChunkTimeout, Logger: o.log})
	defer re.Close()
	in := readLoop(fctx, conn, re)
	defer func() {
		// the reader must be gone before the next flow on this link starts
		cancel()
		for range in {
		}
	}()

	res := &model.FlowResult{PaymentReference: req.PaymentReference}
	out := outcome{ref: req.PaymentReference}
	var sid string
	if o.opts.Encrypt {
		o.set(deviceID, model.FlowKeyExchange)
		sid, err = o.keyExchange(fctx, conn, in, deviceID, &out)
		switch {
		case err == nil:
			defer o.sessions.End(sid)
			res.Encrypted = true
		case errors.Is(err, errs.ErrSend), errors.Is(err, errs.ErrLinkLost), errors.Is(err, errs.ErrPeerRejected), fctx.Err() != nil:
			return res, err
		default:
			o.log.Warn("key exchange failed, sending unencrypted", zap.String("device", deviceID), zap.Error(err))
		}
	}

	o.set(deviceID, model.FlowSending)
	msg, err := o.encodeRequest(sid, req)
	if err != nil {
		return res, err
	}
	var frames int
	out.chunkID, frames, err = writeMessage(fctx, conn, msg, o.opts.Threshold, o.opts.PartSize)
	if err != nil {
		return res, err
	}
	o.log.Info("payment request sent", zap.String("device", deviceID), zap.String("ref", req.PaymentReference),
		zap.Int("frames", frames), zap.Bool("encrypted", sid != ""))

	o.set(deviceID, model.FlowAwaitingTxConfirmation)
	if err := o.await(fctx, in, sid, o.opts.ConfirmationTimeout, protocol.TypeTransactionConfirmation, &out); err != nil {
		if errors.Is(err, errWaitTimeout) {
			err = errs.Newf(errs.ErrConfirmation, errs.ErrConfirmationTimeout, "no confirmation within %s", o.opts.ConfirmationTimeout)
			// a late reply must not reach the next flow on this link
			if derr := o.radio.Disconnect(deviceID); derr != nil {
				o.log.Debug("disconnect after timeout", zap.String("device", deviceID), zap.Error(derr))
			}
		}
		return res, err
	}
	res.TransactionHash = out.tx.TransactionHash
	res.PaymentConfirmed = true

	o.set(deviceID, model.FlowAwaitingReceiptAck)
	err = o.await(fctx, in, sid, o.opts.ReceiptAckTimeout, protocol.TypeAdvertiserConfirmation, &out)
	switch {
	case err == nil:
		res.AdvertiserAdvertising = out.adv.Advertising
	case fctx.Err() != nil:
		return res, err
	default:
		// the payment is already confirmed; only the acknowledgement is missing
		o.log.Info("no receipt acknowledgement", zap.String("device", deviceID), zap.Error(err))
	}

	o.set(deviceID, model.FlowCompleted)
	res.Status = model.FlowStatusCompleted
	return res, nil
}

func (o *Orchestrator) queue(ctx context.Context, deviceID string, req model.PaymentRequest) (*model.FlowResult, error) {
	o.log.Info("chain unreachable, queueing offline", zap.String("chain", req.ChainID))
	o.set(deviceID, model.FlowSecurityValidation)
	if err := o.offline.Validate(ctx, req); err != nil {
		return nil, err
	}
	o.set(deviceID, model.FlowSigning)
	q, err := o.offline.Queue(ctx, req, model.TransportBLE)
	if err != nil {
		return nil, err
	}
	o.set(deviceID, model.FlowQueued)
	return &model.FlowResult{Status: model.FlowStatusQueued, TransactionHash: q.TxHash, QueuedID: q.ID}, nil
}

// acquire takes the per-device slot, giving up when ctx ends.
func (o *Orchestrator) acquire(ctx context.Context, deviceID string) (func(), error) {
	o.mu.Lock()
	sem, ok := o.busy[deviceID]
	if !ok {
		sem = make(chan struct{}, 1)
		o.busy[deviceID] = sem
	}
	o.mu.Unlock()

	select {
	case sem <- struct{}{}:
		return func() { <-sem }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (o *Orchestrator) set(deviceID string, s model.FlowState) {
	o.log.Debug("flow state", zap.String("device", deviceID), zap.String("state", string(s)))
	if o.opts.OnState != nil {
		o.opts.OnState(deviceID, s)
	}
}

func (o *Orchestrator) keyExchange(ctx context.Context, conn *radio.Conn, in <-chan inbound, deviceID string, out *outcome) (string, error) {
	init, err := o.sessions.InitiateKeyExchange(deviceID)
	if err != nil {
		return "", err
	}
	sid := init.SessionID
	if err := writeKX(ctx, conn, init); err != nil {
		o.sessions.End(sid)
		return "", err
	}

	timer := time.NewTimer(o.opts.KeyExchangeTimeout)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			o.sessions.End(sid)
			return "", ctx.Err()
		case <-timer.C:
			o.sessions.End(sid)
			return "", errs.Newf(errs.ErrAuthentication, errs.ErrKeyExchange, "no response within %s", o.opts.KeyExchangeTimeout)
		case msg, ok := <-in:
			if !ok {
				o.sessions.End(sid)
				return "", errs.New(errs.ErrConnection, errs.ErrLinkLost)
			}
			if msg.env != nil && msg.env.Type == protocol.TypeError {
				if err := o.record(msg.env, out); err != nil {
					o.sessions.End(sid)
					return "", err
				}
				continue
			}
			if msg.kx == nil || msg.kx.SessionID != sid || msg.kx.Step != protocol.KXResponse {
				o.log.Debug("unexpected message during key exchange", zap.String("device", deviceID))
				continue
			}
			confirm, err := o.sessions.CompleteKeyExchange(*msg.kx)
			if err != nil {
				o.sessions.End(sid)
				return "", err
			}
			if err := writeKX(ctx, conn, confirm); err != nil {
				o.sessions.End(sid)
				return "", err
			}
			return sid, nil
		}
	}
}

func (o *Orchestrator) encodeRequest(sid string, req model.PaymentRequest) ([]byte, error) {
	if sid == "" {
		return protocol.Encode(protocol.TypePaymentRequest, req, "", "", "")
	}
	pt, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	defer crypto.Zero(pt)
	sp, err := o.sessions.EncryptPaymentData(sid, pt)
	if err != nil {
		return nil, err
	}
	return protocol.Encode(protocol.TypePaymentRequest, protocol.SecurePayload{Ciphertext: sp.Ciphertext}, sid, sp.Nonce, sp.MAC)
}

// outcome collects the peer's replies to one flow. ref and chunkID identify the flow's request;
// replies naming anything else belong to an earlier flow on the same link.
type outcome struct {
	ref     string
	chunkID string
	tx      *protocol.TransactionConfirmation
	adv     *protocol.AdvertiserConfirmation
}

func (o *outcome) has(t protocol.MessageType) bool {
	switch t {
	case protocol.TypeTransactionConfirmation:
		return o.tx != nil
	case protocol.TypeAdvertiserConfirmation:
		return o.adv != nil
	}
	return false
}

// await consumes peer messages until one of type want was recorded, the peer reports an error, or d elapses.
func (o *Orchestrator) await(ctx context.Context, in <-chan inbound, sid string, d time.Duration, want protocol.MessageType, out *outcome) error {
	if out.has(want) {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return errWaitTimeout
		case msg, ok := <-in:
			if !ok {
				return errs.New(errs.ErrConfirmation, errs.ErrLinkLost)
			}
			if msg.err != nil {
				o.log.Debug("peer frame dropped", zap.Error(msg.err))
				continue
			}
			if msg.env == nil || !o.trusted(msg.env, sid) {
				continue
			}
			if err := o.record(msg.env, out); err != nil {
				return err
			}
			if out.has(want) {
				return nil
			}
		}
	}
}

// trusted reports whether env may be acted on. Error envelopes always pass; other
// envelopes must verify against the flow's session when one exists.
func (o *Orchestrator) trusted(env *protocol.Envelope, sid string) bool {
	if env.Type == protocol.TypeError || sid == "" {
		return true
	}
	if env.SessionID != sid {
		o.log.Warn("envelope outside session dropped", zap.String("type", string(env.Type)))
		return false
	}
	if err := o.sessions.VerifyEnvelope(env); err != nil {
		o.log.Warn("envelope failed verification", zap.String("type", string(env.Type)), zap.Error(err))
		return false
	}
	return true
}

func (o *Orchestrator) record(env *protocol.Envelope, out *outcome) error {
	switch env.Type {
	case protocol.TypeError:
		var p protocol.ErrorPayload
		if err := env.DecodePayload(&p); err != nil {
			return errs.Newf(errs.ErrConfirmation, errs.ErrPeerRejected, "unreadable error payload")
		}
		if p.Ref != "" && p.Ref != out.ref && p.Ref != out.chunkID {
			o.log.Warn("stale error dropped", zap.String("ref", p.Ref), zap.String("code", p.Code))
			return nil
		}
		return errs.Newf(errs.ErrConfirmation, errs.ErrPeerRejected, "%s: %s", p.Code, p.Message)
	case protocol.TypeTransactionConfirmation:
		var c protocol.TransactionConfirmation
		if err := env.DecodePayload(&c); err != nil {
			o.log.Warn("bad transaction confirmation", zap.Error(err))
			return nil
		}
		if c.PaymentReference != out.ref {
			o.log.Warn("stale transaction confirmation dropped",
				zap.String("ref", c.PaymentReference), zap.String("tx", c.TransactionHash))
			return nil
		}
		if c.Status == protocol.StatusFailed {
			return errs.Newf(errs.ErrConfirmation, errs.ErrPeerRejected, "transaction %s failed", c.TransactionHash)
		}
		out.tx = &c
	case protocol.TypeAdvertiserConfirmation:
		var c protocol.AdvertiserConfirmation
		if err := env.DecodePayload(&c); err != nil {
			o.log.Warn("bad advertiser confirmation", zap.Error(err))
			return nil
		}
		if out.tx == nil {
			o.log.Debug("advertiser confirmation before transaction confirmation dropped")
			return nil
		}
		out.adv = &c
	}
	return nil
}
