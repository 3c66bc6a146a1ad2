package limiter

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Querier is the subset of pgxpool.Pool the limiter uses.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PG keeps peer failure counters in the peer_limiter table so every
// receiver sharing the database sees the same lockouts.
type PG struct {
	db       Querier
	window   time.Duration
	maxFails int
	blockFor time.Duration
	now      func() time.Time
}

var _ Limiter = (*PG)(nil)

// NewPG constructs a PostgreSQL-backed limiter over db (usually a *pgxpool.Pool).
func NewPG(db Querier, window time.Duration, maxFails int, blockFor time.Duration) *PG {
	return &PG{db: db, window: window, maxFails: maxFails, blockFor: blockFor, now: time.Now}
}

const selectBlock = `SELECT blocked_until FROM peer_limiter WHERE peer_hash=$1`

// Allow reports whether the peer is currently unblocked.
func (l *PG) Allow(ctx context.Context, peer string) (bool, time.Duration, error) {
	var until time.Time
	err := l.db.QueryRow(ctx, selectBlock, HashPeer(peer)).Scan(&until)
	if errors.Is(err, pgx.ErrNoRows) {
		return true, 0, nil
	}
	if err != nil {
		return false, 0, err
	}
	if left := until.Sub(l.now()); left > 0 {
		return false, left, nil
	}
	return true, 0, nil
}

const resetPeer = `DELETE FROM peer_limiter WHERE peer_hash=$1`

// Success forgets the peer.
func (l *PG) Success(ctx context.Context, peer string) error {
	_, err := l.db.Exec(ctx, resetPeer, HashPeer(peer))
	return err
}

// recordFailure restarts the counter once the window has passed and sets
// blocked_until when the counter reaches the threshold.
const recordFailure = `
INSERT INTO peer_limiter AS p (peer_hash, fail_count, blocked_until, updated_at)
VALUES ($1, 1, CASE WHEN $3::int <= 1 THEN $5::timestamptz ELSE 'epoch' END, $4)
ON CONFLICT (peer_hash) DO UPDATE SET
  fail_count    = CASE WHEN $4::timestamptz - p.updated_at > $2::interval THEN 1 ELSE p.fail_count + 1 END,
  blocked_until = CASE
    WHEN (CASE WHEN $4::timestamptz - p.updated_at > $2::interval THEN 1 ELSE p.fail_count + 1 END) >= $3::int THEN $5::timestamptz
    ELSE p.blocked_until END,
  updated_at    = $4
RETURNING fail_count`

// Failure records a failed authentication and reports whether the peer is now blocked.
func (l *PG) Failure(ctx context.Context, peer string) (bool, time.Duration, error) {
	now := l.now()
	var fails int
	err := l.db.QueryRow(ctx, recordFailure, HashPeer(peer), l.window, l.maxFails, now, now.Add(l.blockFor)).Scan(&fails)
	if err != nil {
		return false, 0, err
	}
	if fails >= l.maxFails {
		return true, l.blockFor, nil
	}
	return false, 0, nil
}
