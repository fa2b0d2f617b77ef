package storage

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

// newTestStorage creates a temporary on-disk storage for testing.
func newTestStorage(t *testing.T) (*Storage, func()) {
	t.Helper()

	dir, err := os.MkdirTemp("", "storage-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}

	s, err := New(filepath.Join(dir, "db"))
	if err != nil {
		os.RemoveAll(dir)
		t.Fatalf("failed to create storage: %v", err)
	}

	cleanup := func() {
		s.Close()
		os.RemoveAll(dir)
	}

	return s, cleanup
}

func TestSetAndGet(t *testing.T) {
	s, cleanup := newTestStorage(t)
	defer cleanup()

	key := []byte("s:\x00\x00\x00\x00\x00\x00\x00\x01")
	value := []byte("sample")

	if err := s.Set(key, value); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	got, err := s.Get(key)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}

	if !bytes.Equal(got, value) {
		t.Errorf("Get returned %q, want %q", got, value)
	}

	ok, err := s.Has(key)
	if err != nil || !ok {
		t.Fatalf("Has = %v, %v; want true", ok, err)
	}
}

func TestGetNonExistent(t *testing.T) {
	s, cleanup := newTestStorage(t)
	defer cleanup()

	got, err := s.Get([]byte("missing"))
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got != nil {
		t.Errorf("Get returned %q, want nil", got)
	}

	ok, err := s.Has([]byte("missing"))
	if err != nil || ok {
		t.Fatalf("Has = %v, %v; want false", ok, err)
	}
}

func TestDelete(t *testing.T) {
	s, cleanup := newTestStorage(t)
	defer cleanup()

	key := []byte("to-delete")

	if err := s.Set(key, []byte("value")); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if err := s.Delete(key); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	got, err := s.Get(key)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got != nil {
		t.Errorf("Get after Delete returned %q, want nil", got)
	}
}

func TestBatchMixedWrites(t *testing.T) {
	s, cleanup := newTestStorage(t)
	defer cleanup()

	if err := s.Set([]byte("stale"), []byte("x")); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	b := s.NewBatch()
	b.Set([]byte("a"), []byte("1"))
	b.Set([]byte("b"), []byte("2"))
	b.Delete([]byte("stale"))

	if b.Len() != 3 {
		t.Fatalf("Len = %d, want 3", b.Len())
	}

	// Nothing is visible before commit.
	if got, _ := s.Get([]byte("a")); got != nil {
		t.Fatalf("uncommitted write visible: %q", got)
	}

	if err := b.Commit(); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	b.Close()

	if got, _ := s.Get([]byte("b")); !bytes.Equal(got, []byte("2")) {
		t.Errorf("Get(b) = %q, want 2", got)
	}
	if got, _ := s.Get([]byte("stale")); got != nil {
		t.Errorf("stale key survived batch delete: %q", got)
	}
}

func TestBatchDiscardedOnClose(t *testing.T) {
	s, err := NewInMemory()
	if err != nil {
		t.Fatalf("NewInMemory failed: %v", err)
	}
	defer s.Close()

	b := s.NewBatch()
	b.Set([]byte("k"), []byte("v"))
	b.Close()

	if got, _ := s.Get([]byte("k")); got != nil {
		t.Fatalf("discarded batch applied: %q", got)
	}
}

func TestSetBatch(t *testing.T) {
	s, cleanup := newTestStorage(t)
	defer cleanup()

	pairs := []KeyValue{
		{Key: []byte("batch-1"), Value: []byte("value-1")},
		{Key: []byte("batch-2"), Value: []byte("value-2")},
		{Key: []byte("batch-3"), Value: []byte("value-3")},
	}

	if err := s.SetBatch(pairs); err != nil {
		t.Fatalf("SetBatch failed: %v", err)
	}

	for _, kv := range pairs {
		got, err := s.Get(kv.Key)
		if err != nil {
			t.Fatalf("Get failed for %q: %v", kv.Key, err)
		}
		if !bytes.Equal(got, kv.Value) {
			t.Errorf("Get(%q) = %q, want %q", kv.Key, got, kv.Value)
		}
	}
}

func TestIteratePrefix(t *testing.T) {
	s, err := NewInMemory()
	if err != nil {
		t.Fatalf("NewInMemory failed: %v", err)
	}
	defer s.Close()

	for _, k := range []string{"o:alice:2", "o:alice:1", "o:bob:1", "p:other"} {
		if err := s.Set([]byte(k), []byte(k)); err != nil {
			t.Fatalf("Set failed: %v", err)
		}
	}

	var keys []string
	err = s.IteratePrefix([]byte("o:alice:"), func(key, _ []byte) error {
		keys = append(keys, string(key))
		return nil
	})
	if err != nil {
		t.Fatalf("IteratePrefix failed: %v", err)
	}

	if len(keys) != 2 || keys[0] != "o:alice:1" || keys[1] != "o:alice:2" {
		t.Fatalf("keys = %v", keys)
	}
}

func TestIteratePrefixStopsOnError(t *testing.T) {
	s, err := NewInMemory()
	if err != nil {
		t.Fatalf("NewInMemory failed: %v", err)
	}
	defer s.Close()

	for _, k := range []string{"x:1", "x:2", "x:3"} {
		_ = s.Set([]byte(k), nil)
	}

	stop := errors.New("stop")
	calls := 0
	err = s.IteratePrefix([]byte("x:"), func(_, _ []byte) error {
		calls++
		return stop
	})

	if !errors.Is(err, stop) || calls != 1 {
		t.Fatalf("err = %v calls = %d", err, calls)
	}
}

func TestPrefixUpperBound(t *testing.T) {
	tests := []struct {
		in, want []byte
	}{
		{[]byte("s:"), []byte("s;")},
		{[]byte{0x01, 0xFF}, []byte{0x02}},
		{[]byte{0xFF, 0xFF}, nil},
	}

	for _, tt := range tests {
		if got := prefixUpperBound(tt.in); !bytes.Equal(got, tt.want) {
			t.Errorf("prefixUpperBound(%x) = %x, want %x", tt.in, got, tt.want)
		}
	}
}

func TestReopenPersists(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "db")

	s, err := New(path)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := s.Set([]byte("m:nextId"), []byte{0x02}); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := s.Close(); !errors.Is(err, ErrClosed) {
		t.Fatalf("second Close = %v, want ErrClosed", err)
	}

	s, err = New(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer s.Close()

	got, err := s.Get([]byte("m:nextId"))
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !bytes.Equal(got, []byte{0x02}) {
		t.Fatalf("Get = %x, want 02", got)
	}
}
