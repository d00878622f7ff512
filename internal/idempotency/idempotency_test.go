package idempotency

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/oriys/chronicle/internal/store"
)

func testStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return New(store.NewKVStoreFromClient(client, 0), 0), mr
}

func TestLookupMissReturnsNil(t *testing.T) {
	s, _ := testStore(t)
	rec, err := s.Lookup(context.Background(), "k1")
	if err != nil {
		t.Fatal(err)
	}
	if rec != nil {
		t.Fatalf("expected nil on miss, got %+v", rec)
	}
}

func TestStoreThenLookup(t *testing.T) {
	ctx := context.Background()
	s, _ := testStore(t)

	in := &Record{
		Key:       "k1",
		Operation: "trustCheckIn",
		LogID:     "log-1",
		SessionID: "s1",
		Stores:    []string{"rel", "kv"},
		CreatedAt: time.Now().UTC(),
	}
	if _, err := s.Store(ctx, in); err != nil {
		t.Fatal(err)
	}

	got, err := s.Lookup(ctx, "k1")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.LogID != "log-1" || got.Operation != "trustCheckIn" {
		t.Fatalf("lookup mismatch: %+v", got)
	}
}

func TestRacingWritersObserveWinner(t *testing.T) {
	ctx := context.Background()
	s, _ := testStore(t)

	winner := &Record{Key: "k1", LogID: "log-first", SessionID: "s1"}
	loser := &Record{Key: "k1", LogID: "log-second", SessionID: "s1"}

	if got, _ := s.Store(ctx, winner); got.LogID != "log-first" {
		t.Fatalf("winner got %q", got.LogID)
	}
	got, err := s.Store(ctx, loser)
	if err != nil {
		t.Fatal(err)
	}
	if got.LogID != "log-first" {
		t.Fatalf("loser must observe winner's record, got %q", got.LogID)
	}
}

func TestTTLFloor(t *testing.T) {
	s, mr := testStore(t)
	ctx := context.Background()

	if _, err := s.Store(ctx, &Record{Key: "k1", LogID: "log-1"}); err != nil {
		t.Fatal(err)
	}
	ttl := mr.TTL("idempotency:k1")
	if ttl < 24*time.Hour {
		t.Fatalf("ttl = %v, want >= 24h", ttl)
	}
}

func TestStoreFailureIsSoft(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := New(store.NewKVStoreFromClient(client, 0), 0)
	mr.Close()
	client.Close()

	got, err := s.Store(context.Background(), &Record{Key: "k1", LogID: "log-1"})
	if err != nil {
		t.Fatalf("store failure must be soft, got %v", err)
	}
	if got.LogID != "log-1" {
		t.Fatalf("caller's record should be returned on soft failure, got %q", got.LogID)
	}
}
