// Package fhe defines the boundary between PulseNebula and a homomorphic
// encryption engine: client-side input encryption and user decryption,
// ledger-side ciphertext arithmetic, and the ACL query engines consult
// before releasing plaintext.
package fhe

import (
	"context"
	"errors"
)

var (
	// ErrNotAuthorized is returned when the requester holds no grant on a handle.
	ErrNotAuthorized = errors.New("not authorized")

	// ErrProofInvalid is returned when an input proof does not verify.
	ErrProofInvalid = errors.New("invalid input proof")

	// ErrUnknownHandle is returned for handles the coprocessor never produced.
	ErrUnknownHandle = errors.New("unknown handle")

	// ErrEmptyInput is returned when Encrypt is called with no values.
	ErrEmptyInput = errors.New("encrypted input has no values")
)

// Kind names the engine family.
type Kind string

const (
	KindMock  Kind = "mock"  // deterministic cleartext engine for test networks
	KindRelay Kind = "relay" // lattice engine served by a relay
)

// EncryptedInput is the result of encrypting a batch of values for one
// (target, user) pair.
type EncryptedInput struct {
	Handles []Handle // Handles holds one handle per added value, in order
	Proof   []byte   // Proof binds the handles to target and user
}

// HandleContractPair names a handle and the contract that owns it.
type HandleContractPair struct {
	Handle   Handle  `json:"handle"`
	Contract Address `json:"contractAddress"`
}

// Engine is the client-side capability used by sessions.
type Engine interface {
	// Kind reports which engine family this is.
	Kind() Kind

	// CreateEncryptedInput starts an input bound to target and user.
	CreateEncryptedInput(target, user Address) *InputBuilder

	// UserDecrypt decrypts every pair the authorization allows.
	// Any pair outside the scope or without a grant fails the whole call.
	UserDecrypt(ctx context.Context, pairs []HandleContractPair, auth Authorization) (map[Handle]uint64, error)

	// GenerateKeypair creates an ephemeral keypair for a decryption authorization.
	GenerateKeypair() (Keypair, error)

	// CreateStatement builds the scope statement the user signs.
	CreateStatement(pub Key, contracts []Address, start, durationDays int64) Statement

	// PublicKey returns the network encryption key, empty for the mock engine.
	PublicKey() []byte

	// PublicParams returns the public parameters for the given size, empty if none.
	PublicParams(size int) []byte
}

// Coprocessor is the ledger-side capability: verify inputs and combine ciphertexts.
type Coprocessor interface {
	// VerifyInput checks that proof binds handle to ledger and user.
	VerifyInput(ctx context.Context, handle Handle, proof []byte, ledger, user Address) error

	// Add returns a handle for the encrypted sum of a and b.
	Add(ctx context.Context, a, b Handle) (Handle, error)

	// TrivialEncrypt returns a handle for a public constant.
	TrivialEncrypt(ctx context.Context, v uint32) (Handle, error)
}

// ACL answers whether who may decrypt handle.
type ACL interface {
	Allowed(ctx context.Context, handle Handle, who Address) (bool, error)
}

// EncryptFunc performs the engine-specific encryption of an input batch.
type EncryptFunc func(ctx context.Context, target, user Address, values []uint32) (*EncryptedInput, error)

// InputBuilder accumulates 32-bit plaintexts for one encrypted input.
type InputBuilder struct {
	target  Address
	user    Address
	values  []uint32
	encrypt EncryptFunc
}

// NewInputBuilder creates a builder that hands its values to fn.
func NewInputBuilder(target, user Address, fn EncryptFunc) *InputBuilder {
	return &InputBuilder{target: target, user: user, encrypt: fn}
}

// Add32 appends a 32-bit value.
func (b *InputBuilder) Add32(v uint32) *InputBuilder {
	b.values = append(b.values, v)
	return b
}

// Encrypt encrypts every added value.
func (b *InputBuilder) Encrypt(ctx context.Context) (*EncryptedInput, error) {
	if len(b.values) == 0 {
		return nil, ErrEmptyInput
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	return b.encrypt(ctx, b.target, b.user, b.values)
}
