package signer

import (
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"

	"PulseNebula/internal/fhe"
)

// ErrBadEnvelope is returned when an envelope's signature does not verify.
var ErrBadEnvelope = errors.New("invalid request signature")

// Envelope is a signed ledger request. The signature covers
// blake3("pulse-envelope-v1" || sender || nonce || body).
type Envelope struct {
	Sender    fhe.Address     `json:"sender"`
	Nonce     string          `json:"nonce"`
	Body      json.RawMessage `json:"body"`
	Signature []byte          `json:"signature"`
}

// Seal marshals body and signs it with a fresh nonce.
func (w *Wallet) Seal(body any) (*Envelope, error) {
	if w == nil || len(w.privKey) != ed25519.PrivateKeySize {
		return nil, ErrNoKey
	}

	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal body:\n%w", err)
	}

	env := &Envelope{Sender: w.Pubkey(), Nonce: uuid.NewString(), Body: raw}
	digest := env.Digest()
	env.Signature = ed25519.Sign(w.privKey, digest[:])

	return env, nil
}

// Digest returns the signed hash of the envelope.
func (e *Envelope) Digest() [32]byte {
	h := blake3.New()
	h.Write([]byte("pulse-envelope-v1"))
	h.Write(e.Sender[:])
	h.Write([]byte(e.Nonce))
	h.Write(e.Body)

	var out [32]byte
	h.Sum(out[:0])

	return out
}

// Open verifies the signature and decodes the body into dst.
func (e *Envelope) Open(dst any) error {
	if _, err := uuid.Parse(e.Nonce); err != nil {
		return fmt.Errorf("%w: nonce: %v", ErrBadEnvelope, err)
	}
	if len(e.Signature) != ed25519.SignatureSize {
		return fmt.Errorf("%w: signature size %d", ErrBadEnvelope, len(e.Signature))
	}

	digest := e.Digest()
	if !ed25519.Verify(ed25519.PublicKey(e.Sender[:]), digest[:], e.Signature) {
		return ErrBadEnvelope
	}

	if err := json.Unmarshal(e.Body, dst); err != nil {
		return fmt.Errorf("decode body:\n%w", err)
	}

	return nil
}

// Sealer wraps request bodies in signed envelopes.
type Sealer interface {
	Seal(body any) (*Envelope, error)
}
