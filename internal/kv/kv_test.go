package kv

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"PulseNebula/internal/storage"
)

// exerciseStore runs the shared Store contract against s.
func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	if _, ok, err := s.Get(ctx, "missing"); err != nil || ok {
		t.Fatalf("Get(missing) = %v, %v; want miss", ok, err)
	}

	if err := s.Set(ctx, "__pulse_fhe_pubkey__:0xabc", []byte(`{"publicKey":"AA=="}`)); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	got, ok, err := s.Get(ctx, "__pulse_fhe_pubkey__:0xabc")
	if err != nil || !ok {
		t.Fatalf("Get failed: %v %v", ok, err)
	}
	if !bytes.Equal(got, []byte(`{"publicKey":"AA=="}`)) {
		t.Fatalf("Get = %q", got)
	}

	if err := s.Set(ctx, "__pulse_fhe_pubkey__:0xabc", []byte("v2")); err != nil {
		t.Fatalf("overwrite failed: %v", err)
	}
	got, _, _ = s.Get(ctx, "__pulse_fhe_pubkey__:0xabc")
	if string(got) != "v2" {
		t.Fatalf("overwrite not visible: %q", got)
	}

	if err := s.Delete(ctx, "__pulse_fhe_pubkey__:0xabc"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, ok, _ := s.Get(ctx, "__pulse_fhe_pubkey__:0xabc"); ok {
		t.Fatal("key survived Delete")
	}
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemory())
}

func TestMemoryStoreCopies(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	v := []byte("abc")
	_ = m.Set(ctx, "k", v)
	v[0] = 'x'

	got, _, _ := m.Get(ctx, "k")
	if string(got) != "abc" {
		t.Fatalf("stored value aliased caller slice: %q", got)
	}
	got[1] = 'y'

	again, _, _ := m.Get(ctx, "k")
	if string(again) != "abc" {
		t.Fatalf("returned value aliased store: %q", again)
	}
}

func TestPebbleStore(t *testing.T) {
	db, err := storage.NewInMemory()
	if err != nil {
		t.Fatalf("NewInMemory failed: %v", err)
	}
	defer db.Close()

	exerciseStore(t, NewPebble(db, "c:"))
}

func TestPebbleStoreEmptyValue(t *testing.T) {
	db, err := storage.NewInMemory()
	if err != nil {
		t.Fatalf("NewInMemory failed: %v", err)
	}
	defer db.Close()

	s := NewPebble(db, "c:")
	if err := s.Set(context.Background(), "empty", nil); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	_, ok, err := s.Get(context.Background(), "empty")
	if err != nil || !ok {
		t.Fatalf("empty value reported as miss: %v %v", ok, err)
	}
}

func TestPebbleStorePrefixIsolation(t *testing.T) {
	db, err := storage.NewInMemory()
	if err != nil {
		t.Fatalf("NewInMemory failed: %v", err)
	}
	defer db.Close()

	a := NewPebble(db, "a:")
	b := NewPebble(db, "b:")
	ctx := context.Background()

	_ = a.Set(ctx, "k", []byte("1"))

	if _, ok, _ := b.Get(ctx, "k"); ok {
		t.Fatal("prefixes share keys")
	}
}

func TestRedisStore(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := NewRedis(client, "pulse:", 0)
	defer s.Close()

	exerciseStore(t, s)
}

func TestRedisStoreTTL(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	s, err := DialRedis(context.Background(), mr.Addr(), "pulse:", time.Minute)
	if err != nil {
		t.Fatalf("DialRedis failed: %v", err)
	}
	defer s.Close()

	if err := s.Set(context.Background(), "tok", []byte("x")); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if !mr.Exists("pulse:tok") {
		t.Fatal("key not written with prefix")
	}

	mr.FastForward(2 * time.Minute)

	if _, ok, _ := s.Get(context.Background(), "tok"); ok {
		t.Fatal("key survived its ttl")
	}
}

func TestDialRedisUnreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if _, err := DialRedis(ctx, "127.0.0.1:1", "", 0); err == nil {
		t.Fatal("expected dial error")
	}
}
