package mock

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"

	"PulseNebula/internal/fhe"
)

// InputRequest registers the plaintexts behind a freshly encrypted input.
type InputRequest struct {
	Ledger  fhe.Address  `json:"ledger"`
	User    fhe.Address  `json:"user"`
	Handles []fhe.Handle `json:"handles"`
	Values  []uint32     `json:"values"`
	Proof   []byte       `json:"proof"`
}

// Backend is the node-side half of the mock engine.
type Backend interface {
	RegisterInput(ctx context.Context, req InputRequest) error
	Decrypt(ctx context.Context, pairs []fhe.HandleContractPair, auth fhe.Authorization) (map[fhe.Handle]uint64, error)
}

// Engine implements fhe.Engine against a Backend.
type Engine struct {
	meta    Metadata
	backend Backend
}

// NewEngine creates an engine for the network described by meta.
func NewEngine(meta Metadata, backend Backend) *Engine {
	return &Engine{meta: meta, backend: backend}
}

// Metadata returns the network parameters the engine was built from.
func (e *Engine) Metadata() Metadata { return e.meta }

// Kind reports fhe.KindMock.
func (e *Engine) Kind() fhe.Kind { return fhe.KindMock }

// CreateEncryptedInput starts an input bound to target and user.
func (e *Engine) CreateEncryptedInput(target, user fhe.Address) *fhe.InputBuilder {
	return fhe.NewInputBuilder(target, user, e.encrypt)
}

// encrypt derives handles, signs them with the verifier key and registers
// the plaintexts with the backend.
func (e *Engine) encrypt(ctx context.Context, target, user fhe.Address, values []uint32) (*fhe.EncryptedInput, error) {
	if len(values) > fhe.MaxInputHandles {
		return nil, fmt.Errorf("too many values: %d", len(values))
	}

	nonce := uuid.New()
	handles := make([]fhe.Handle, len(values))

	for i, v := range values {
		handles[i] = inputHandle(target, user, nonce, i, v)
	}

	tag, err := proofTag(e.meta.InputVerifierAddress, fhe.InputDigest(target, user, handles))
	if err != nil {
		return nil, err
	}
	proof := fhe.EncodeInputProof(handles, tag)

	req := InputRequest{Ledger: target, User: user, Handles: handles, Values: values, Proof: proof}
	if err := e.backend.RegisterInput(ctx, req); err != nil {
		return nil, fmt.Errorf("register mock input:\n%w", err)
	}

	return &fhe.EncryptedInput{Handles: handles, Proof: proof}, nil
}

// UserDecrypt asks the backend for plaintexts after checking scope locally.
func (e *Engine) UserDecrypt(ctx context.Context, pairs []fhe.HandleContractPair, auth fhe.Authorization) (map[fhe.Handle]uint64, error) {
	if err := auth.CheckScope(pairs); err != nil {
		return nil, err
	}

	return e.backend.Decrypt(ctx, pairs, auth)
}

// GenerateKeypair creates an ephemeral keypair.
func (e *Engine) GenerateKeypair() (fhe.Keypair, error) { return fhe.GenerateKeypair() }

// CreateStatement builds the scope statement for a decryption authorization.
func (e *Engine) CreateStatement(pub fhe.Key, contracts []fhe.Address, start, durationDays int64) fhe.Statement {
	return fhe.NewStatement(pub, contracts, start, durationDays)
}

// PublicKey is empty: the mock has no network key.
func (e *Engine) PublicKey() []byte { return nil }

// PublicParams is empty for every size.
func (e *Engine) PublicParams(int) []byte { return nil }

// inputHandle derives a handle for the i-th value of an input.
func inputHandle(target, user fhe.Address, nonce uuid.UUID, i int, v uint32) fhe.Handle {
	h := blake3.New()
	h.Write([]byte("pulse-mock-input"))
	h.Write(target[:])
	h.Write(user[:])
	h.Write(nonce[:])

	var buf [8]byte
	binary.BigEndian.PutUint32(buf[0:4], uint32(i))
	binary.BigEndian.PutUint32(buf[4:8], v)
	h.Write(buf[:])

	var out fhe.Handle
	h.Sum(out[:0])

	return out
}

// proofTag computes the verifier MAC over digest.
func proofTag(verifier fhe.Address, digest [32]byte) ([]byte, error) {
	h, err := blake3.NewKeyed(verifier[:])
	if err != nil {
		return nil, fmt.Errorf("keyed hash:\n%w", err)
	}
	h.Write(digest[:])

	return h.Sum(nil), nil
}
