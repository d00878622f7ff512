package ratelimit

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func testLimiter(t *testing.T, rps float64, burst int) (*Limiter, *int64) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	l := New(client, rps, burst)
	now := int64(1_700_000_000_000_000)
	l.now = func() int64 { return now }
	return l, &now
}

func TestBurstThenDeny(t *testing.T) {
	ctx := context.Background()
	l, _ := testLimiter(t, 10, 5)

	for i := 0; i < 5; i++ {
		res, err := l.Allow(ctx, "s1")
		if err != nil {
			t.Fatalf("allow %d: %v", i, err)
		}
		if !res.Allowed {
			t.Fatalf("request %d within burst denied", i)
		}
	}

	res, err := l.Allow(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if res.Allowed {
		t.Fatal("request past burst should be denied")
	}
}

func TestRefillUsesSixtySecondWindow(t *testing.T) {
	ctx := context.Background()
	l, now := testLimiter(t, 10, 5)

	// Drain the bucket.
	for i := 0; i < 5; i++ {
		l.Allow(ctx, "s1")
	}
	if res, _ := l.Allow(ctx, "s1"); res.Allowed {
		t.Fatal("bucket should be empty")
	}

	// rps=10 over a 60s window refills 1 token every 6 seconds.
	*now += 6_500_000
	res, err := l.Allow(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if !res.Allowed {
		t.Fatal("one token should have refilled after 6.5s")
	}
	if res2, _ := l.Allow(ctx, "s1"); res2.Allowed {
		t.Fatal("only one token should have refilled")
	}
}

func TestRefillCapsAtBurst(t *testing.T) {
	ctx := context.Background()
	l, now := testLimiter(t, 10, 3)

	l.Allow(ctx, "ip:10.0.0.1")
	*now += 3_600_000_000 // an hour: far more refill than burst

	for i := 0; i < 3; i++ {
		res, _ := l.Allow(ctx, "ip:10.0.0.1")
		if !res.Allowed {
			t.Fatalf("request %d within burst denied after refill", i)
		}
	}
	if res, _ := l.Allow(ctx, "ip:10.0.0.1"); res.Allowed {
		t.Fatal("refill exceeded burst cap")
	}
}

func TestIdentitiesAreIndependent(t *testing.T) {
	ctx := context.Background()
	l, _ := testLimiter(t, 10, 1)

	if res, _ := l.Allow(ctx, "a"); !res.Allowed {
		t.Fatal("first identity denied")
	}
	if res, _ := l.Allow(ctx, "b"); !res.Allowed {
		t.Fatal("second identity shares a bucket with the first")
	}
}

func TestErrorWhenBackendDown(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	l := New(client, 10, 20)
	mr.Close()
	client.Close()

	if _, err := l.Allow(context.Background(), "s1"); err == nil {
		t.Fatal("expected error with backend down; middleware decides fail-open")
	}
}
