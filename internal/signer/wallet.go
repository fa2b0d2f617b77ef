// Package signer is the Ed25519 signing provider: it signs decryption
// statements and wraps ledger requests in signed envelopes.
package signer

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"os"

	"PulseNebula/internal/fhe"
)

// ErrNoKey is returned by a Wallet without a private key.
var ErrNoKey = errors.New("wallet has no key")

// Wallet holds an Ed25519 keypair. Its public key is the user's address.
type Wallet struct {
	privKey ed25519.PrivateKey // privKey is the Ed25519 private key
	pubKey  ed25519.PublicKey  // pubKey is the Ed25519 public key
}

// NewWallet creates a wallet with a random keypair.
func NewWallet() (*Wallet, error) {
	priv, err := generateNewKey()
	if err != nil {
		return nil, err
	}
	return FromPrivateKey(priv), nil
}

// FromPrivateKey wraps an existing key.
func FromPrivateKey(priv ed25519.PrivateKey) *Wallet {
	return &Wallet{privKey: priv, pubKey: priv.Public().(ed25519.PublicKey)}
}

// Pubkey returns the wallet's address.
func (w *Wallet) Pubkey() fhe.Address {
	var a fhe.Address
	copy(a[:], w.pubKey)
	return a
}

// Address implements authz.Signer.
func (w *Wallet) Address(context.Context) (fhe.Address, error) {
	if w == nil || len(w.privKey) != ed25519.PrivateKeySize {
		return fhe.Address{}, ErrNoKey
	}
	return w.Pubkey(), nil
}

// SignStatement signs the statement digest.
func (w *Wallet) SignStatement(ctx context.Context, stmt fhe.Statement) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if w == nil || len(w.privKey) != ed25519.PrivateKeySize {
		return nil, ErrNoKey
	}

	digest := stmt.Digest()

	return ed25519.Sign(w.privKey, digest[:]), nil
}

// LoadOrGenerateKey loads a private key from keyPath, creating the file
// when missing. An empty path yields an ephemeral key.
func LoadOrGenerateKey(keyPath string) (ed25519.PrivateKey, error) {
	if keyPath == "" {
		return generateNewKey()
	}

	data, err := os.ReadFile(keyPath)
	if os.IsNotExist(err) {
		return generateAndSaveKey(keyPath)
	}

	if err != nil {
		return nil, fmt.Errorf("read key file:\n%w", err)
	}

	if len(data) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid key size: got %d, want %d", len(data), ed25519.PrivateKeySize)
	}

	return ed25519.PrivateKey(data), nil
}

// generateNewKey creates a new Ed25519 private key.
func generateNewKey() (ed25519.PrivateKey, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key:\n%w", err)
	}

	return priv, nil
}

// generateAndSaveKey creates a new key and saves it to the given path.
func generateAndSaveKey(path string) (ed25519.PrivateKey, error) {
	priv, err := generateNewKey()
	if err != nil {
		return nil, err
	}

	if err := os.WriteFile(path, priv, 0600); err != nil {
		return nil, fmt.Errorf("save key to %s:\n%w", path, err)
	}

	return priv, nil
}
