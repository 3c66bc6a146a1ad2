package limiter

import (
	"context"
	"testing"
	"time"
)

func TestHashPeer_Determinism(t *testing.T) {
	t.Parallel()
	a := HashPeer("payer-1")
	b := HashPeer("payer-1")
	c := HashPeer("payer-2")
	if string(a) != string(b) || string(a) == string(c) || len(a) != 32 {
		t.Fatalf("hash mismatch/len: %d", len(a))
	}
}

func TestMemory_BlocksAndResets(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)
	l := NewMemory(time.Minute, 3, 10*time.Minute)
	l.now = func() time.Time { return now }

	for i := 0; i < 2; i++ {
		if blocked, _, _ := l.Failure(ctx, "p"); blocked {
			t.Fatalf("blocked too early at %d", i)
		}
	}
	blocked, dur, err := l.Failure(ctx, "p")
	if err != nil || !blocked || dur != 10*time.Minute {
		t.Fatalf("want block: blocked=%v dur=%v err=%v", blocked, dur, err)
	}
	if ok, retry, _ := l.Allow(ctx, "p"); ok || retry != 10*time.Minute {
		t.Fatalf("Allow while blocked: ok=%v retry=%v", ok, retry)
	}
	if ok, _, _ := l.Allow(ctx, "other"); !ok {
		t.Fatalf("other peer must be allowed")
	}

	now = now.Add(11 * time.Minute)
	if ok, _, _ := l.Allow(ctx, "p"); !ok {
		t.Fatalf("block must expire")
	}
	if blocked, _, _ := l.Failure(ctx, "p"); blocked {
		t.Fatalf("window elapsed, counter must restart")
	}
	_ = l.Success(ctx, "p")
	if _, ok := l.peers["p"]; ok {
		t.Fatalf("Success must forget the peer")
	}
}
