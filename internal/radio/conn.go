package radio

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/airchainpay/internal/errs"
)

// WriteConfig bounds a single characteristic write.
type WriteConfig struct {
	Attempts int
	Backoff  time.Duration // doubled after each failed attempt
	Timeout  time.Duration // per attempt
}

func (w WriteConfig) withDefaults() WriteConfig {
	if w.Attempts <= 0 {
		w.Attempts = 3
	}
	if w.Backoff <= 0 {
		w.Backoff = 200 * time.Millisecond
	}
	if w.Timeout <= 0 {
		w.Timeout = 5 * time.Second
	}
	return w
}

// Conn is a usable connection to a peer. Writes are strictly ordered.
type Conn struct {
	peer    string
	ch      Channel
	cfg     WriteConfig
	log     *zap.Logger
	closeFn func() error

	wmu       sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

func newConn(peer string, ch Channel, cfg WriteConfig, log *zap.Logger, closeFn func() error) *Conn {
	return &Conn{peer: peer, ch: ch, cfg: cfg.withDefaults(), log: log, closeFn: closeFn}
}

// Peer returns the remote device id.
func (c *Conn) Peer() string { return c.peer }

// Frames delivers inbound frames in arrival order.
func (c *Conn) Frames() <-chan []byte { return c.ch.Receive() }

// Done is closed when the link drops.
func (c *Conn) Done() <-chan struct{} { return c.ch.Done() }

// Alive reports whether the link is still up.
func (c *Conn) Alive() bool {
	select {
	case <-c.ch.Done():
		return false
	default:
		return true
	}
}

// Write sends one frame. The next write starts only after this one returned.
func (c *Conn) Write(ctx context.Context, frame []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	var last error
	for attempt := 0; attempt < c.cfg.Attempts; attempt++ {
		wctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
		last = c.ch.Write(wctx, frame)
		cancel()
		if last == nil {
			return nil
		}
		if ctx.Err() != nil {
			return errs.Newf(errs.ErrSend, errs.ErrWriteFailed, "%v", ctx.Err())
		}
		c.log.Debug("write failed",
			zap.String("peer", c.peer), zap.Int("attempt", attempt+1), zap.Error(last))
		if attempt == c.cfg.Attempts-1 {
			break
		}
		if err := sleep(ctx, c.cfg.Backoff<<attempt); err != nil {
			return errs.Newf(errs.ErrSend, errs.ErrWriteFailed, "%v", err)
		}
	}
	return errs.Newf(errs.ErrSend, errs.ErrWriteFailed, "after %d attempts: %v", c.cfg.Attempts, last)
}

// Close disconnects the peer.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		if c.closeFn != nil {
			c.closeErr = c.closeFn()
		}
	})
	return c.closeErr
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
