package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/nacl/box"

	"PulseNebula/internal/fhe"
	"PulseNebula/internal/fhe/lattice"
	"PulseNebula/internal/logger"
)

var (
	// ErrSealedResult is returned when a decryption result cannot be opened.
	ErrSealedResult = errors.New("cannot open sealed decryption result")

	// ErrCommitteeMismatch is returned when the published committee keys do
	// not hash to the digest in the relay certificate.
	ErrCommitteeMismatch = errors.New("relay committee does not match certificate")
)

// committeeBound is a Caller that knows the committee its relay certified.
type committeeBound interface {
	CommitteeDigest() []byte
}

// KeyMaterial is the network key material a client caches between sessions.
type KeyMaterial struct {
	PublicKey    []byte `json:"publicKey"`
	PublicParams []byte `json:"publicParams"`
}

// Empty reports whether either part is missing.
func (k KeyMaterial) Empty() bool {
	return len(k.PublicKey) == 0 || len(k.PublicParams) == 0
}

// Engine implements fhe.Engine against a relay.
type Engine struct {
	caller Caller
	keys   KeyMaterial
	enc    *lattice.Encryptor
}

// NewEngine creates an engine. Key material is fetched from the relay when
// cached is empty.
func NewEngine(ctx context.Context, caller Caller, cached KeyMaterial) (*Engine, error) {
	keys := cached

	if keys.Empty() {
		var resp KeysResponse
		if err := caller.Call(ctx, OpKeys, struct{}{}, &resp); err != nil {
			return nil, fmt.Errorf("fetch relay keys:\n%w", err)
		}
		if b, ok := caller.(committeeBound); ok && b.CommitteeDigest() != nil {
			if !bytes.Equal(CommitteeDigest(resp.Committee), b.CommitteeDigest()) {
				return nil, ErrCommitteeMismatch
			}
		}
		keys = KeyMaterial{PublicKey: resp.PublicKey, PublicParams: resp.PublicParams}
		logger.Debug("relay keys fetched", "committee", len(resp.Committee))
	}

	enc, err := lattice.NewEncryptor(keys.PublicParams, keys.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("relay encryptor:\n%w", err)
	}

	return &Engine{caller: caller, keys: keys, enc: enc}, nil
}

// Kind reports fhe.KindRelay.
func (e *Engine) Kind() fhe.Kind { return fhe.KindRelay }

// CreateEncryptedInput starts an input bound to target and user.
func (e *Engine) CreateEncryptedInput(target, user fhe.Address) *fhe.InputBuilder {
	return fhe.NewInputBuilder(target, user, e.encrypt)
}

// encrypt encrypts locally and has the relay ingest and sign the input.
func (e *Engine) encrypt(ctx context.Context, target, user fhe.Address, values []uint32) (*fhe.EncryptedInput, error) {
	cts := make([][]byte, len(values))
	for i, v := range values {
		ct, err := e.enc.Encrypt(v)
		if err != nil {
			return nil, err
		}
		cts[i] = ct
	}

	var resp InputResponse
	req := InputRequest{Ledger: target, User: user, Ciphertexts: cts}
	if err := e.caller.Call(ctx, OpInput, req, &resp); err != nil {
		return nil, fmt.Errorf("relay input:\n%w", err)
	}
	if len(resp.Handles) != len(values) {
		return nil, fmt.Errorf("relay returned %d handles for %d values", len(resp.Handles), len(values))
	}

	return &fhe.EncryptedInput{Handles: resp.Handles, Proof: resp.Proof}, nil
}

// UserDecrypt asks the relay to decrypt and opens the sealed result.
func (e *Engine) UserDecrypt(ctx context.Context, pairs []fhe.HandleContractPair, auth fhe.Authorization) (map[fhe.Handle]uint64, error) {
	if err := auth.CheckScope(pairs); err != nil {
		return nil, err
	}

	var resp DecryptResponse
	if err := e.caller.Call(ctx, OpDecrypt, DecryptRequest{Pairs: pairs, Authorization: auth}, &resp); err != nil {
		return nil, fmt.Errorf("relay decrypt:\n%w", err)
	}

	pub := [32]byte(auth.Keypair.Public)
	priv := [32]byte(auth.Keypair.Private)

	plain, ok := box.OpenAnonymous(nil, resp.Sealed, &pub, &priv)
	if !ok {
		return nil, ErrSealedResult
	}

	var out map[fhe.Handle]uint64
	if err := json.Unmarshal(plain, &out); err != nil {
		return nil, fmt.Errorf("decode plaintexts:\n%w", err)
	}

	return out, nil
}

// GenerateKeypair creates an ephemeral keypair.
func (e *Engine) GenerateKeypair() (fhe.Keypair, error) { return fhe.GenerateKeypair() }

// CreateStatement builds the scope statement for a decryption authorization.
func (e *Engine) CreateStatement(pub fhe.Key, contracts []fhe.Address, start, durationDays int64) fhe.Statement {
	return fhe.NewStatement(pub, contracts, start, durationDays)
}

// PublicKey returns the network public key.
func (e *Engine) PublicKey() []byte { return e.keys.PublicKey }

// PublicParams returns the encryption parameters. One parameter set serves
// every input size.
func (e *Engine) PublicParams(int) []byte { return e.keys.PublicParams }

// KeyMaterial returns what a client should cache.
func (e *Engine) KeyMaterial() KeyMaterial { return e.keys }

// Close releases the relay connection when the caller owns one.
func (e *Engine) Close() error {
	if c, ok := e.caller.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
