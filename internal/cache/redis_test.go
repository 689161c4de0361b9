package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

// newTestRedis starts a miniredis server and returns a RedisStore backed by it.
func newTestRedis(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)

	s, err := NewRedisStoreFromURL(context.Background(), "redis://"+mr.Addr())
	if err != nil {
		t.Fatalf("NewRedisStoreFromURL: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	return s, mr
}

func TestRedis_GetMiss(t *testing.T) {
	s, _ := newTestRedis(t)

	data, ok := s.Get(context.Background(), "absent")
	if ok {
		t.Fatal("expected miss")
	}
	if data != nil {
		t.Fatalf("expected nil data on miss, got %v", data)
	}
}

func TestRedis_SetGet(t *testing.T) {
	s, _ := newTestRedis(t)

	want := []byte(`{"answer":42}`)
	if err := s.Set(context.Background(), "k", want, time.Hour); err != nil {
		t.Fatalf("Set: %v", err)
	}

	got, ok := s.Get(context.Background(), "k")
	if !ok || string(got) != string(want) {
		t.Fatalf("Get = (%q, %v), want (%q, true)", got, ok, want)
	}
}

func TestRedis_TTL(t *testing.T) {
	s, mr := newTestRedis(t)

	ttl := 10 * time.Second
	_ = s.Set(context.Background(), "k", []byte("v"), ttl)

	if _, ok := s.Get(context.Background(), "k"); !ok {
		t.Fatal("key should exist before expiry")
	}

	mr.FastForward(ttl + time.Second)

	if _, ok := s.Get(context.Background(), "k"); ok {
		t.Fatal("key should have expired")
	}
}

func TestRedis_GracefulDegradationWhenDown(t *testing.T) {
	s, mr := newTestRedis(t)
	mr.Close()

	// A dead backend must read as a miss and write as a no-op, not an error.
	if _, ok := s.Get(context.Background(), "k"); ok {
		t.Fatal("expected miss when redis is down")
	}
	if err := s.Set(context.Background(), "k", []byte("v"), time.Hour); err != nil {
		t.Fatalf("Set should degrade gracefully, got %v", err)
	}
}

func TestRedis_InvalidURL(t *testing.T) {
	if _, err := NewRedisStoreFromURL(context.Background(), "not-a-url"); err == nil {
		t.Fatal("expected error for invalid redis url")
	}
}
