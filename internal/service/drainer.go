package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/airchainpay/internal/chain"
	"github.com/and161185/airchainpay/internal/errs"
	"github.com/and161185/airchainpay/internal/model"
	"github.com/and161185/airchainpay/internal/repository"
)

// Broadcaster submits a signed transaction to a chain and returns its id.
// Permanent rejections wrap errs.ErrRelayRejected.
type Broadcaster interface {
	SendTx(ctx context.Context, signedTx, rpcURL string, chainID int64) (string, error)
}

// DrainerOptions tune Drainer.
type DrainerOptions struct {
	Batch    int           // items fetched per round, default 100
	Lease    time.Duration // claim lease, default 2m
	Interval time.Duration // Run period, default 30s
	Owner    string        // lease owner id, random when empty
	Logger   *zap.Logger
}

// DrainReport counts the outcomes of one round.
type DrainReport struct {
	Confirmed int
	Failed    int
	Deferred  int
}

// Drainer broadcasts queued transactions once the chain is reachable again.
type Drainer struct {
	store  repository.QueueRepository
	chains *chain.Registry
	relay  Broadcaster
	opts   DrainerOptions
	log    *zap.Logger
	now    func() time.Time

	mu sync.Mutex
}

// NewDrainer constructs a Drainer.
func NewDrainer(store repository.QueueRepository, reg *chain.Registry, relay Broadcaster, opts DrainerOptions) *Drainer {
	if opts.Batch <= 0 {
		opts.Batch = 100
	}
	if opts.Lease <= 0 {
		opts.Lease = 2 * time.Minute
	}
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}
	if opts.Owner == "" {
		opts.Owner = "drainer-" + uuid.Must(uuid.NewV4()).String()
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Drainer{store: store, chains: reg, relay: relay, opts: opts, log: log.With(zap.String("owner", opts.Owner)), now: time.Now}
}

// DrainOnce walks pending transactions in insertion order. A transient failure
// or a lease held elsewhere stops that chain for the round so nonces go out in order.
func (d *Drainer) DrainOnce(ctx context.Context) (DrainReport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var rep DrainReport
	items, err := d.store.ListPending(ctx, d.opts.Batch)
	if err != nil {
		return rep, err
	}
	blocked := make(map[string]bool)

	for _, q := range items {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		if blocked[q.ChainID] {
			rep.Deferred++
			continue
		}
		now := d.now()
		ok, err := d.store.Claim(ctx, q.ID, d.opts.Owner, now, now.Add(d.opts.Lease))
		if err != nil {
			return rep, err
		}
		if !ok {
			blocked[q.ChainID] = true
			rep.Deferred++
			continue
		}

		switch outcome, err := d.broadcast(ctx, q); outcome {
		case model.TxConfirmed:
			rep.Confirmed++
		case model.TxFailed:
			rep.Failed++
		default:
			if rerr := d.store.Release(ctx, q.ID, d.opts.Owner); rerr != nil {
				d.log.Warn("release", zap.String("id", q.ID.String()), zap.Error(rerr))
			}
			d.log.Warn("broadcast deferred", zap.String("id", q.ID.String()), zap.String("chain", q.ChainID), zap.Error(err))
			blocked[q.ChainID] = true
			rep.Deferred++
		}
	}
	if rep != (DrainReport{}) {
		d.log.Info("queue drained", zap.Int("confirmed", rep.Confirmed), zap.Int("failed", rep.Failed), zap.Int("deferred", rep.Deferred))
	}
	return rep, nil
}

// broadcast sends q and records a definitive outcome. An empty status means try again later.
func (d *Drainer) broadcast(ctx context.Context, q model.QueuedTransaction) (model.TxStatus, error) {
	log := d.log.With(zap.String("id", q.ID.String()), zap.String("chain", q.ChainID), zap.Uint64("nonce", q.Nonce))

	c, err := d.chains.Lookup(q.ChainID)
	if err != nil {
		return d.settle(ctx, q, model.TxFailed, "", err.Error(), log)
	}
	hash, err := d.relay.SendTx(ctx, q.SignedTx, c.RPCURL, c.ID)
	switch {
	case err == nil:
		if hash == "" {
			hash = q.TxHash
		}
		return d.settle(ctx, q, model.TxConfirmed, hash, "", log)
	case errors.Is(err, errs.ErrRelayRejected):
		return d.settle(ctx, q, model.TxFailed, "", err.Error(), log)
	default:
		return "", err
	}
}

func (d *Drainer) settle(ctx context.Context, q model.QueuedTransaction, status model.TxStatus, hash, reason string, log *zap.Logger) (model.TxStatus, error) {
	if err := d.store.UpdateStatus(ctx, q.ID, status, hash, reason); err != nil {
		// a later round broadcasts again; delivery is at-least-once
		return "", err
	}
	if status == model.TxFailed {
		log.Warn("queued transaction failed", zap.String("reason", reason))
	} else {
		log.Info("queued transaction broadcast", zap.String("tx", hash))
	}
	return status, nil
}

// Run drains immediately and then every Interval until ctx ends.
func (d *Drainer) Run(ctx context.Context) error {
	t := time.NewTicker(d.opts.Interval)
	defer t.Stop()
	for {
		if _, err := d.DrainOnce(ctx); err != nil && ctx.Err() == nil {
			d.log.Warn("drain", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}
