package lattice

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tuneinsight/lattigo/v6/core/rlwe"
	"github.com/tuneinsight/lattigo/v6/schemes/bgv"
	"github.com/zeebo/blake3"

	"PulseNebula/internal/fhe"
	"PulseNebula/internal/storage"
)

var (
	prefixCiphertext = []byte("lc:") // prefixCiphertext + handle -> serialized ciphertext
	prefixBinding    = []byte("lb:") // prefixBinding + handle -> ledger || user
)

// ProofVerifier checks the verifier signature carried by an input proof.
type ProofVerifier interface {
	VerifyInputProof(digest [32]byte, tag []byte) bool
}

// Coprocessor stores ciphertexts by handle and evaluates on them. It
// implements fhe.Coprocessor for the ledger and serves relay decryption.
type Coprocessor struct {
	keys     *KeySet
	db       *storage.Storage
	verifier ProofVerifier

	// Lattigo encoders and evaluators are not safe for concurrent use.
	cryptoMu  sync.Mutex
	encoder   *bgv.Encoder
	encryptor *rlwe.Encryptor
	decryptor *rlwe.Decryptor
	evaluator *bgv.Evaluator

	aclMu sync.RWMutex
	acl   fhe.ACL

	now func() time.Time
}

// NewCoprocessor creates a coprocessor over keys, persisting ciphertexts in db.
func NewCoprocessor(keys *KeySet, db *storage.Storage, verifier ProofVerifier) *Coprocessor {
	return &Coprocessor{
		keys:      keys,
		db:        db,
		verifier:  verifier,
		encoder:   bgv.NewEncoder(keys.Params),
		encryptor: bgv.NewEncryptor(keys.Params, keys.Public),
		decryptor: bgv.NewDecryptor(keys.Params, keys.Secret),
		evaluator: bgv.NewEvaluator(keys.Params, nil),
		now:       time.Now,
	}
}

// SetACL installs the ACL consulted by Decrypt.
func (c *Coprocessor) SetACL(acl fhe.ACL) {
	c.aclMu.Lock()
	defer c.aclMu.Unlock()

	c.acl = acl
}

// Ingest validates client ciphertexts and stores them bound to ledger and
// user. The returned handles are in input order.
func (c *Coprocessor) Ingest(_ context.Context, ledger, user fhe.Address, ciphertexts [][]byte) ([]fhe.Handle, error) {
	if len(ciphertexts) == 0 {
		return nil, fhe.ErrEmptyInput
	}
	if len(ciphertexts) > fhe.MaxInputHandles {
		return nil, fmt.Errorf("too many ciphertexts: %d", len(ciphertexts))
	}

	handles := make([]fhe.Handle, len(ciphertexts))

	b := c.db.NewBatch()
	defer b.Close()

	for i, raw := range ciphertexts {
		if _, err := decodeCiphertext(c.keys.Params, raw); err != nil {
			return nil, fmt.Errorf("%w: ciphertext %d: %v", fhe.ErrProofInvalid, i, err)
		}

		h := deriveHandle("input", raw)

		exists, err := c.db.Has(makeCiphertextKey(h))
		if err != nil {
			return nil, fmt.Errorf("check ciphertext:\n%w", err)
		}
		if exists {
			return nil, fmt.Errorf("%w: ciphertext %d already ingested", fhe.ErrProofInvalid, i)
		}

		b.Set(makeCiphertextKey(h), raw)
		b.Set(makeBindingKey(h), append(ledger[:], user[:]...))
		handles[i] = h
	}

	if err := b.Commit(); err != nil {
		return nil, fmt.Errorf("persist ciphertexts:\n%w", err)
	}

	return handles, nil
}

// VerifyInput checks that proof carries a valid verifier signature for
// handle, ledger and user, and that the handle was ingested for them.
func (c *Coprocessor) VerifyInput(_ context.Context, handle fhe.Handle, proof []byte, ledger, user fhe.Address) error {
	p, err := fhe.DecodeInputProof(proof)
	if err != nil {
		return err
	}
	if !p.Contains(handle) {
		return fmt.Errorf("%w: handle not covered", fhe.ErrProofInvalid)
	}
	if c.verifier == nil || !c.verifier.VerifyInputProof(fhe.InputDigest(ledger, user, p.Handles), p.Tag) {
		return fmt.Errorf("%w: bad verifier signature", fhe.ErrProofInvalid)
	}

	bound, err := c.db.Get(makeBindingKey(handle))
	if err != nil {
		return fmt.Errorf("read binding:\n%w", err)
	}
	if len(bound) != 64 || fhe.Address(bound[:32]) != ledger || fhe.Address(bound[32:]) != user {
		return fmt.Errorf("%w: handle not ingested for caller", fhe.ErrProofInvalid)
	}

	return nil
}

// Add returns a handle for the encrypted sum of a and b.
func (c *Coprocessor) Add(_ context.Context, a, b fhe.Handle) (fhe.Handle, error) {
	cta, err := c.load(a)
	if err != nil {
		return fhe.Handle{}, err
	}
	ctb, err := c.load(b)
	if err != nil {
		return fhe.Handle{}, err
	}

	c.cryptoMu.Lock()
	sum, err := c.evaluator.AddNew(cta, ctb)
	c.cryptoMu.Unlock()
	if err != nil {
		return fhe.Handle{}, fmt.Errorf("add ciphertexts:\n%w", err)
	}

	return c.store("add", sum)
}

// TrivialEncrypt returns a handle for v encrypted under the network key.
func (c *Coprocessor) TrivialEncrypt(_ context.Context, v uint32) (fhe.Handle, error) {
	c.cryptoMu.Lock()
	raw, err := encryptValue(c.keys.Params, c.encoder, c.encryptor, uint64(v))
	c.cryptoMu.Unlock()
	if err != nil {
		return fhe.Handle{}, err
	}

	h := deriveHandle("trivial", raw)
	if err := c.db.Set(makeCiphertextKey(h), raw); err != nil {
		return fhe.Handle{}, fmt.Errorf("persist ciphertext:\n%w", err)
	}

	return h, nil
}

// Has reports whether handle refers to a stored ciphertext.
func (c *Coprocessor) Has(handle fhe.Handle) (bool, error) {
	return c.db.Has(makeCiphertextKey(handle))
}

// Decrypt returns plaintexts for pairs the authorization and ACL allow.
func (c *Coprocessor) Decrypt(ctx context.Context, pairs []fhe.HandleContractPair, auth fhe.Authorization) (map[fhe.Handle]uint64, error) {
	if err := auth.Verify(c.now()); err != nil {
		return nil, err
	}
	if err := auth.CheckScope(pairs); err != nil {
		return nil, err
	}

	c.aclMu.RLock()
	acl := c.acl
	c.aclMu.RUnlock()

	if acl == nil {
		return nil, fhe.ErrNotAuthorized
	}

	out := make(map[fhe.Handle]uint64, len(pairs))

	for _, p := range pairs {
		ok, err := acl.Allowed(ctx, p.Handle, auth.User)
		if err != nil {
			return nil, fmt.Errorf("acl lookup:\n%w", err)
		}
		if !ok {
			return nil, fmt.Errorf("%w: %s", fhe.ErrNotAuthorized, p.Handle)
		}

		v, err := c.decrypt(p.Handle)
		if err != nil {
			return nil, err
		}
		out[p.Handle] = v
	}

	return out, nil
}

// decrypt opens one ciphertext with the secret key.
func (c *Coprocessor) decrypt(h fhe.Handle) (uint64, error) {
	ct, err := c.load(h)
	if err != nil {
		return 0, err
	}

	c.cryptoMu.Lock()
	defer c.cryptoMu.Unlock()

	pt := c.decryptor.DecryptNew(ct)

	values := make([]uint64, 1)
	if err := c.encoder.Decode(pt, values); err != nil {
		return 0, fmt.Errorf("decode plaintext:\n%w", err)
	}

	return values[0], nil
}

// load reads and decodes the ciphertext behind h.
func (c *Coprocessor) load(h fhe.Handle) (*rlwe.Ciphertext, error) {
	raw, err := c.db.Get(makeCiphertextKey(h))
	if err != nil {
		return nil, fmt.Errorf("read ciphertext:\n%w", err)
	}
	if raw == nil {
		return nil, fmt.Errorf("%w: %s", fhe.ErrUnknownHandle, h)
	}

	return decodeCiphertext(c.keys.Params, raw)
}

// store persists a derived ciphertext under a fresh handle.
func (c *Coprocessor) store(op string, ct *rlwe.Ciphertext) (fhe.Handle, error) {
	raw, err := ct.MarshalBinary()
	if err != nil {
		return fhe.Handle{}, fmt.Errorf("encode ciphertext:\n%w", err)
	}

	h := deriveHandle(op, raw)
	if err := c.db.Set(makeCiphertextKey(h), raw); err != nil {
		return fhe.Handle{}, fmt.Errorf("persist ciphertext:\n%w", err)
	}

	return h, nil
}

// deriveHandle names a ciphertext by its content.
func deriveHandle(op string, raw []byte) fhe.Handle {
	h := blake3.New()
	h.Write([]byte("pulse-bgv:" + op))
	h.Write(raw)

	var out fhe.Handle
	h.Sum(out[:0])

	return out
}

// makeCiphertextKey creates a key for a handle's ciphertext.
func makeCiphertextKey(h fhe.Handle) []byte {
	return append(append([]byte(nil), prefixCiphertext...), h[:]...)
}

// makeBindingKey creates a key for an input handle's binding.
func makeBindingKey(h fhe.Handle) []byte {
	return append(append([]byte(nil), prefixBinding...), h[:]...)
}
