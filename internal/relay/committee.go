package relay

import (
	"crypto/ed25519"
	"encoding/binary"
	"errors"
	"fmt"

	blst "github.com/supranational/blst/bindings/go"
	"github.com/zeebo/blake3"
)

const (
	// BLSPublicKeySize is the size of a BLS public key in bytes.
	BLSPublicKeySize = 48

	// BLSSignatureSize is the size of a BLS signature in bytes.
	BLSSignatureSize = 96
)

// ErrEmptyCommittee is returned when a committee has no members.
var ErrEmptyCommittee = errors.New("empty verifier committee")

// blsDST is the domain separation tag for BLS signatures.
var blsDST = []byte("BLS_SIG_BLS12381G2_XMD:SHA-256_SSWU_RO_NUL_")

// BLSKeyPair holds a BLS private/public key pair.
type BLSKeyPair struct {
	secret *blst.SecretKey // secret is the private key
	public *blst.P1Affine  // public is the public key
}

// GenerateBLSKeyFromSeed creates a BLS key pair from a deterministic seed.
// The seed must be at least 32 bytes.
func GenerateBLSKeyFromSeed(seed []byte) (*BLSKeyPair, error) {
	if len(seed) < 32 {
		return nil, fmt.Errorf("seed must be at least 32 bytes")
	}

	secret := blst.KeyGen(seed)
	if secret == nil {
		return nil, fmt.Errorf("failed to generate BLS key")
	}

	return &BLSKeyPair{
		secret: secret,
		public: new(blst.P1Affine).From(secret),
	}, nil
}

// Sign creates a BLS signature over the message.
func (k *BLSKeyPair) Sign(message []byte) []byte {
	return new(blst.P2Affine).Sign(k.secret, message, blsDST).Compress()
}

// PublicKeyBytes returns the compressed public key bytes.
func (k *BLSKeyPair) PublicKeyBytes() []byte {
	return k.public.Compress()
}

// AggregateSignatures combines BLS signatures over the same message.
func AggregateSignatures(signatures [][]byte) ([]byte, error) {
	if len(signatures) == 0 {
		return nil, fmt.Errorf("no signatures to aggregate")
	}

	sigs := make([]*blst.P2Affine, len(signatures))

	for i, sigBytes := range signatures {
		if len(sigBytes) != BLSSignatureSize {
			return nil, fmt.Errorf("invalid signature size at index %d", i)
		}

		sig := new(blst.P2Affine).Uncompress(sigBytes)
		if sig == nil {
			return nil, fmt.Errorf("invalid signature at index %d", i)
		}

		sigs[i] = sig
	}

	agg := new(blst.P2Aggregate)
	if !agg.Aggregate(sigs, true) {
		return nil, fmt.Errorf("signature aggregation failed")
	}

	return agg.ToAffine().Compress(), nil
}

// VerifyAggregated verifies an aggregated signature against a message and
// the public keys of every signer.
func VerifyAggregated(signature, message []byte, publicKeys [][]byte) bool {
	if len(signature) != BLSSignatureSize || len(publicKeys) == 0 {
		return false
	}

	sig := new(blst.P2Affine).Uncompress(signature)
	if sig == nil {
		return false
	}

	pks := make([]*blst.P1Affine, len(publicKeys))

	for i, pkBytes := range publicKeys {
		if len(pkBytes) != BLSPublicKeySize {
			return false
		}

		pk := new(blst.P1Affine).Uncompress(pkBytes)
		if pk == nil {
			return false
		}

		pks[i] = pk
	}

	aggPk := new(blst.P1Aggregate)
	if !aggPk.Aggregate(pks, true) {
		return false
	}

	return sig.Verify(true, aggPk.ToAffine(), true, message, blsDST)
}

// Committee is the set of input verifiers. Every member signs each input
// digest and the proof carries the aggregate.
type Committee struct {
	members    []*BLSKeyPair
	publicKeys [][]byte
}

// NewCommittee creates a committee from key pairs.
func NewCommittee(members ...*BLSKeyPair) (*Committee, error) {
	if len(members) == 0 {
		return nil, ErrEmptyCommittee
	}

	c := &Committee{members: members, publicKeys: make([][]byte, len(members))}
	for i, m := range members {
		c.publicKeys[i] = m.PublicKeyBytes()
	}

	return c, nil
}

// DeriveCommittee derives size deterministic members from the relay's
// Ed25519 identity: member i uses BLAKE3("pulse-bls-keygen" || seed || i).
func DeriveCommittee(privKey ed25519.PrivateKey, size int) (*Committee, error) {
	if size <= 0 {
		return nil, ErrEmptyCommittee
	}

	seed := privKey.Seed()
	members := make([]*BLSKeyPair, size)

	for i := range members {
		h := blake3.New()
		h.Write([]byte("pulse-bls-keygen"))
		h.Write(seed)
		h.Write(binary.BigEndian.AppendUint32(nil, uint32(i)))

		var derived [32]byte
		h.Sum(derived[:0])

		kp, err := GenerateBLSKeyFromSeed(derived[:])
		if err != nil {
			return nil, fmt.Errorf("derive member %d:\n%w", i, err)
		}
		members[i] = kp
	}

	return NewCommittee(members...)
}

// Size returns the number of members.
func (c *Committee) Size() int { return len(c.members) }

// PublicKeys returns the members' compressed public keys.
func (c *Committee) PublicKeys() [][]byte { return c.publicKeys }

const committeeDigestSize = 32

// Digest identifies the committee by its ordered member keys.
func (c *Committee) Digest() []byte { return CommitteeDigest(c.publicKeys) }

// CommitteeDigest is BLAKE3("pulse-committee" || len || pk_0 || ... || pk_n).
func CommitteeDigest(publicKeys [][]byte) []byte {
	h := blake3.New()
	h.Write([]byte("pulse-committee"))
	h.Write(binary.BigEndian.AppendUint32(nil, uint32(len(publicKeys))))
	for _, pk := range publicKeys {
		h.Write(pk)
	}

	return h.Sum(nil)
}

// SignInput returns the aggregate signature of every member over digest.
func (c *Committee) SignInput(digest [32]byte) ([]byte, error) {
	sigs := make([][]byte, len(c.members))
	for i, m := range c.members {
		sigs[i] = m.Sign(digest[:])
	}

	return AggregateSignatures(sigs)
}

// VerifyInputProof checks an aggregate signature over digest.
func (c *Committee) VerifyInputProof(digest [32]byte, tag []byte) bool {
	return VerifyAggregated(tag, digest[:], c.publicKeys)
}

// VerifierSet checks input proofs against published committee keys.
type VerifierSet [][]byte

// VerifyInputProof checks an aggregate signature over digest.
func (v VerifierSet) VerifyInputProof(digest [32]byte, tag []byte) bool {
	return VerifyAggregated(tag, digest[:], v)
}
