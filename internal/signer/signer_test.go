package signer

import (
	"context"
	"crypto/ed25519"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"PulseNebula/internal/fhe"
)

func TestWalletSignsStatement(t *testing.T) {
	w, err := NewWallet()
	if err != nil {
		t.Fatalf("NewWallet failed: %v", err)
	}

	kp, _ := fhe.GenerateKeypair()
	stmt := fhe.NewStatement(kp.Public, []fhe.Address{fhe.ContractAddress("ledger")}, 100, 365)

	sig, err := w.SignStatement(context.Background(), stmt)
	if err != nil {
		t.Fatalf("SignStatement failed: %v", err)
	}

	addr, _ := w.Address(context.Background())
	auth := fhe.Authorization{User: addr, Keypair: kp, Signature: sig, Statement: stmt}
	if err := auth.Verify(time.Unix(stmt.StartTimestamp, 0)); err != nil {
		t.Fatalf("signature does not verify: %v", err)
	}
}

func TestEmptyWallet(t *testing.T) {
	var w *Wallet
	if _, err := w.Address(context.Background()); !errors.Is(err, ErrNoKey) {
		t.Fatalf("Address = %v", err)
	}
	if _, err := w.Seal(struct{}{}); !errors.Is(err, ErrNoKey) {
		t.Fatalf("Seal = %v", err)
	}
}

func TestSignStatementCancelled(t *testing.T) {
	w, _ := NewWallet()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := w.SignStatement(ctx, fhe.Statement{}); !errors.Is(err, context.Canceled) {
		t.Fatalf("SignStatement = %v", err)
	}
}

func TestEnvelopeRoundTrip(t *testing.T) {
	w, _ := NewWallet()

	type grant struct {
		Grantee fhe.Address `json:"grantee"`
	}
	want := grant{Grantee: fhe.ContractAddress("bob")}

	env, err := w.Seal(want)
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}

	var got grant
	if err := env.Open(&got); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if got != want || env.Sender != w.Pubkey() {
		t.Fatalf("got %+v from %s", got, env.Sender)
	}

	other, _ := NewWallet()
	forged := *env
	forged.Sender = other.Pubkey()
	if err := forged.Open(&got); !errors.Is(err, ErrBadEnvelope) {
		t.Fatalf("forged sender = %v", err)
	}

	tampered := *env
	tampered.Body = []byte(`{"grantee":"0x00"}`)
	if err := tampered.Open(&got); !errors.Is(err, ErrBadEnvelope) {
		t.Fatalf("tampered body = %v", err)
	}

	badNonce := *env
	badNonce.Nonce = "1"
	if err := badNonce.Open(&got); !errors.Is(err, ErrBadEnvelope) {
		t.Fatalf("bad nonce = %v", err)
	}
}

func TestLoadOrGenerateKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wallet.key")

	first, err := LoadOrGenerateKey(path)
	if err != nil {
		t.Fatalf("LoadOrGenerateKey failed: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("key not saved: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Fatalf("key mode = %v", info.Mode().Perm())
	}

	second, err := LoadOrGenerateKey(path)
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if !first.Equal(second) {
		t.Fatal("reloaded key differs")
	}

	if err := os.WriteFile(path, []byte("short"), 0600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	if _, err := LoadOrGenerateKey(path); err == nil {
		t.Fatal("expected invalid size error")
	}

	eph, err := LoadOrGenerateKey("")
	if err != nil || len(eph) != ed25519.PrivateKeySize {
		t.Fatalf("ephemeral key = %d bytes, %v", len(eph), err)
	}
}
