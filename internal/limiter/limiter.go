// Package limiter throttles peers that repeatedly fail session authentication.
package limiter

import (
	"context"
	"crypto/sha256"
	"sync"
	"time"
)

// Limiter controls authentication attempts per peer device and temporary lockouts.
type Limiter interface {
	// Allow reports whether the peer may be served now and an optional retry-after.
	Allow(ctx context.Context, peer string) (bool, time.Duration, error)
	// Success resets counters after an authenticated message.
	Success(ctx context.Context, peer string) error
	// Failure records a failed authentication; may place a temporary block.
	Failure(ctx context.Context, peer string) (bool, time.Duration, error)
}

// HashPeer returns a stable hash for a peer device id to avoid storing raw identifiers.
func HashPeer(peer string) []byte {
	h := sha256.Sum256([]byte(peer))
	return h[:]
}

type entry struct {
	fails        int
	updatedAt    time.Time
	blockedUntil time.Time
}

// Memory is an in-process limiter with a sliding window and lockout.
type Memory struct {
	mu       sync.Mutex
	peers    map[string]*entry
	window   time.Duration
	maxFails int
	blockFor time.Duration
	now      func() time.Time
}

var _ Limiter = (*Memory)(nil)

// NewMemory constructs an in-process limiter.
func NewMemory(window time.Duration, maxFails int, blockFor time.Duration) *Memory {
	return &Memory{
		peers:    make(map[string]*entry),
		window:   window,
		maxFails: maxFails,
		blockFor: blockFor,
		now:      time.Now,
	}
}

// Allow reports whether the peer is currently unblocked.
func (l *Memory) Allow(_ context.Context, peer string) (bool, time.Duration, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.peers[peer]
	if !ok {
		return true, 0, nil
	}
	now := l.now()
	if e.blockedUntil.After(now) {
		return false, e.blockedUntil.Sub(now), nil
	}
	return true, 0, nil
}

// Success forgets the peer.
func (l *Memory) Success(_ context.Context, peer string) error {
	l.mu.Lock()
	delete(l.peers, peer)
	l.mu.Unlock()
	return nil
}

// Failure records a failed attempt and blocks the peer at the threshold.
func (l *Memory) Failure(_ context.Context, peer string) (bool, time.Duration, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	e, ok := l.peers[peer]
	if !ok || now.Sub(e.updatedAt) > l.window {
		e = &entry{}
		l.peers[peer] = e
	}
	e.fails++
	e.updatedAt = now
	if e.fails >= l.maxFails {
		e.blockedUntil = now.Add(l.blockFor)
		return true, l.blockFor, nil
	}
	return false, 0, nil
}
