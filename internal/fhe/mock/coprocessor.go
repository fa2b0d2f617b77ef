package mock

import (
	"context"
	"crypto/subtle"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/zeebo/blake3"

	"PulseNebula/internal/fhe"
	"PulseNebula/internal/storage"
)

var (
	prefixValue = []byte("xv:") // prefixValue + handle -> u32 plaintext
	prefixInput = []byte("xi:") // prefixInput + handle -> ledger || user
	keySeq      = []byte("xs:") // keySeq -> u64 derivation counter
)

// binding records which (ledger, user) an input handle was issued for.
type binding struct {
	ledger fhe.Address
	user   fhe.Address
}

// Coprocessor holds the plaintext behind every mock handle. It implements
// fhe.Coprocessor for the ledger and Backend for the engine.
// Arithmetic wraps modulo 2^32.
type Coprocessor struct {
	meta Metadata

	mu     sync.RWMutex
	values map[fhe.Handle]uint32  // values maps handles to plaintexts
	inputs map[fhe.Handle]binding // inputs tracks client-provided handles
	seq    uint64                 // seq makes derived handles unique
	acl    fhe.ACL
	db     *storage.Storage // db persists plaintexts when non-nil

	now func() time.Time
}

// NewCoprocessor creates an empty in-memory coprocessor for the network meta.
func NewCoprocessor(meta Metadata) *Coprocessor {
	return &Coprocessor{
		meta:   meta,
		values: make(map[fhe.Handle]uint32),
		inputs: make(map[fhe.Handle]binding),
		now:    time.Now,
	}
}

// OpenCoprocessor creates a coprocessor persisted in db and loads its state.
func OpenCoprocessor(meta Metadata, db *storage.Storage) (*Coprocessor, error) {
	c := NewCoprocessor(meta)
	c.db = db

	err := db.IteratePrefix(prefixValue, func(key, value []byte) error {
		if len(key) != len(prefixValue)+32 || len(value) != 4 {
			return fmt.Errorf("corrupt value entry %x", key)
		}
		var h fhe.Handle
		copy(h[:], key[len(prefixValue):])
		c.values[h] = binary.BigEndian.Uint32(value)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load mock values:\n%w", err)
	}

	err = db.IteratePrefix(prefixInput, func(key, value []byte) error {
		if len(key) != len(prefixInput)+32 || len(value) != 64 {
			return fmt.Errorf("corrupt input entry %x", key)
		}
		var h fhe.Handle
		var b binding
		copy(h[:], key[len(prefixInput):])
		copy(b.ledger[:], value[:32])
		copy(b.user[:], value[32:])
		c.inputs[h] = b
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load mock inputs:\n%w", err)
	}

	seq, err := db.Get(keySeq)
	if err != nil {
		return nil, fmt.Errorf("load mock seq:\n%w", err)
	}
	if len(seq) == 8 {
		c.seq = binary.BigEndian.Uint64(seq)
	}

	return c, nil
}

// Metadata returns the network parameters.
func (c *Coprocessor) Metadata() Metadata { return c.meta }

// SetACL installs the ACL consulted by Decrypt.
func (c *Coprocessor) SetACL(acl fhe.ACL) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.acl = acl
}

// RegisterInput stores the plaintexts of an input after checking its proof.
func (c *Coprocessor) RegisterInput(_ context.Context, req InputRequest) error {
	if len(req.Handles) == 0 || len(req.Handles) != len(req.Values) {
		return fmt.Errorf("%w: %d handles for %d values", fhe.ErrProofInvalid, len(req.Handles), len(req.Values))
	}

	p, err := fhe.DecodeInputProof(req.Proof)
	if err != nil {
		return err
	}
	if len(p.Handles) != len(req.Handles) {
		return fmt.Errorf("%w: proof covers %d handles", fhe.ErrProofInvalid, len(p.Handles))
	}
	for i, h := range req.Handles {
		if p.Handles[i] != h {
			return fmt.Errorf("%w: handle %d mismatch", fhe.ErrProofInvalid, i)
		}
	}
	if err := c.checkTag(p, req.Ledger, req.User); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, h := range req.Handles {
		if _, exists := c.values[h]; exists {
			return fmt.Errorf("%w: handle %s already registered", fhe.ErrProofInvalid, h)
		}
	}

	if c.db != nil {
		b := c.db.NewBatch()
		defer b.Close()

		for i, h := range req.Handles {
			b.Set(makeValueKey(h), encodeValue(req.Values[i]))
			b.Set(makeInputKey(h), append(req.Ledger[:], req.User[:]...))
		}
		if err := b.Commit(); err != nil {
			return fmt.Errorf("persist mock input:\n%w", err)
		}
	}

	for i, h := range req.Handles {
		c.values[h] = req.Values[i]
		c.inputs[h] = binding{ledger: req.Ledger, user: req.User}
	}

	return nil
}

// VerifyInput checks that proof was issued for handle, ledger and user.
func (c *Coprocessor) VerifyInput(_ context.Context, handle fhe.Handle, proof []byte, ledger, user fhe.Address) error {
	p, err := fhe.DecodeInputProof(proof)
	if err != nil {
		return err
	}
	if !p.Contains(handle) {
		return fmt.Errorf("%w: handle not covered", fhe.ErrProofInvalid)
	}
	if err := c.checkTag(p, ledger, user); err != nil {
		return err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	b, ok := c.inputs[handle]
	if !ok || b.ledger != ledger || b.user != user {
		return fmt.Errorf("%w: handle not registered for caller", fhe.ErrProofInvalid)
	}

	return nil
}

// checkTag recomputes the verifier MAC.
func (c *Coprocessor) checkTag(p fhe.InputProof, ledger, user fhe.Address) error {
	want, err := proofTag(c.meta.InputVerifierAddress, fhe.InputDigest(ledger, user, p.Handles))
	if err != nil {
		return err
	}
	if subtle.ConstantTimeCompare(want, p.Tag) != 1 {
		return fhe.ErrProofInvalid
	}
	return nil
}

// Add returns a new handle for a+b.
func (c *Coprocessor) Add(_ context.Context, a, b fhe.Handle) (fhe.Handle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	va, ok := c.values[a]
	if !ok {
		return fhe.Handle{}, fmt.Errorf("%w: %s", fhe.ErrUnknownHandle, a)
	}
	vb, ok := c.values[b]
	if !ok {
		return fhe.Handle{}, fmt.Errorf("%w: %s", fhe.ErrUnknownHandle, b)
	}

	h := c.deriveLocked("add", a[:], b[:])
	if err := c.storeLocked(h, va+vb); err != nil {
		return fhe.Handle{}, err
	}

	return h, nil
}

// TrivialEncrypt returns a new handle for the constant v.
func (c *Coprocessor) TrivialEncrypt(_ context.Context, v uint32) (fhe.Handle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)

	h := c.deriveLocked("trivial", buf[:])
	if err := c.storeLocked(h, v); err != nil {
		return fhe.Handle{}, err
	}

	return h, nil
}

// Decrypt returns plaintexts for pairs the authorization and ACL allow.
func (c *Coprocessor) Decrypt(ctx context.Context, pairs []fhe.HandleContractPair, auth fhe.Authorization) (map[fhe.Handle]uint64, error) {
	if err := auth.Verify(c.now()); err != nil {
		return nil, err
	}
	if err := auth.CheckScope(pairs); err != nil {
		return nil, err
	}

	c.mu.RLock()
	acl := c.acl
	c.mu.RUnlock()

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

		c.mu.RLock()
		v, known := c.values[p.Handle]
		c.mu.RUnlock()

		if !known {
			return nil, fmt.Errorf("%w: %s", fhe.ErrUnknownHandle, p.Handle)
		}
		out[p.Handle] = uint64(v)
	}

	return out, nil
}

// deriveLocked creates a fresh handle for an operation. Callers hold c.mu.
func (c *Coprocessor) deriveLocked(op string, parts ...[]byte) fhe.Handle {
	c.seq++

	h := blake3.New()
	h.Write([]byte("pulse-mock-op:" + op))

	var seq [8]byte
	binary.BigEndian.PutUint64(seq[:], c.seq)
	h.Write(seq[:])

	for _, p := range parts {
		h.Write(p)
	}

	var out fhe.Handle
	h.Sum(out[:0])

	return out
}

// storeLocked records a derived plaintext and the counter. Callers hold c.mu.
func (c *Coprocessor) storeLocked(h fhe.Handle, v uint32) error {
	if c.db != nil {
		var seq [8]byte
		binary.BigEndian.PutUint64(seq[:], c.seq)

		err := c.db.SetBatch([]storage.KeyValue{
			{Key: makeValueKey(h), Value: encodeValue(v)},
			{Key: keySeq, Value: seq[:]},
		})
		if err != nil {
			return fmt.Errorf("persist mock value:\n%w", err)
		}
	}

	c.values[h] = v

	return nil
}

// makeValueKey creates a key for a handle's plaintext.
func makeValueKey(h fhe.Handle) []byte {
	return append(append([]byte(nil), prefixValue...), h[:]...)
}

// makeInputKey creates a key for an input handle's binding.
func makeInputKey(h fhe.Handle) []byte {
	return append(append([]byte(nil), prefixInput...), h[:]...)
}

// encodeValue encodes a plaintext as big-endian u32.
func encodeValue(v uint32) []byte {
	return binary.BigEndian.AppendUint32(nil, v)
}
