package fhe

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/nacl/box"
)

var (
	// ErrAuthorizationInvalid is returned when the statement signature does not verify.
	ErrAuthorizationInvalid = errors.New("invalid decryption authorization")

	// ErrAuthorizationExpired is returned outside the statement's validity window.
	ErrAuthorizationExpired = errors.New("decryption authorization expired")

	// ErrOutOfScope is returned when a contract is not covered by the statement.
	ErrOutOfScope = errors.New("contract not in authorization scope")
)

const (
	statementDomain = "pulse-user-decrypt-v1"
	secondsPerDay   = 24 * 60 * 60
)

// Keypair is an ephemeral X25519 keypair. Decryption results are sealed to
// Public and opened with Private.
type Keypair struct {
	Public  Key `json:"publicKey"`
	Private Key `json:"privateKey"`
}

// GenerateKeypair creates a fresh keypair from crypto/rand.
func GenerateKeypair() (Keypair, error) {
	pub, priv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return Keypair{}, fmt.Errorf("generate keypair:\n%w", err)
	}

	return Keypair{Public: Key(*pub), Private: Key(*priv)}, nil
}

// Statement is the scope a user signs to authorize decryption: the
// ephemeral public key, the contracts it covers and a validity window.
type Statement struct {
	PublicKey      Key       `json:"publicKey"`
	Contracts      []Address `json:"contractAddresses"`
	StartTimestamp int64     `json:"startTimestamp"`
	DurationDays   int64     `json:"durationDays"`
}

// NewStatement builds a statement. Contracts are copied.
func NewStatement(pub Key, contracts []Address, start, durationDays int64) Statement {
	return Statement{
		PublicKey:      pub,
		Contracts:      append([]Address(nil), contracts...),
		StartTimestamp: start,
		DurationDays:   durationDays,
	}
}

// Encode returns the canonical encoding of s.
// Format: u32 len + domain, [u8; 32] key, u32 count + count*[u8; 32], i64 start, i64 days
// (all integers little-endian).
func (s Statement) Encode() []byte {
	buf := make([]byte, 0, 4+len(statementDomain)+32+4+32*len(s.Contracts)+16)

	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(statementDomain)))
	buf = append(buf, statementDomain...)
	buf = append(buf, s.PublicKey[:]...)

	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(s.Contracts)))
	for _, c := range s.Contracts {
		buf = append(buf, c[:]...)
	}

	buf = binary.LittleEndian.AppendUint64(buf, uint64(s.StartTimestamp))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(s.DurationDays))

	return buf
}

// Digest returns the 32-byte hash that the user signs.
func (s Statement) Digest() [32]byte {
	return blake3.Sum256(s.Encode())
}

// Covers reports whether contract is in scope.
func (s Statement) Covers(contract Address) bool {
	for _, c := range s.Contracts {
		if c == contract {
			return true
		}
	}
	return false
}

// ActiveAt reports whether now falls in [start, start+duration).
func (s Statement) ActiveAt(now time.Time) bool {
	t := now.Unix()
	return t >= s.StartTimestamp && t < s.StartTimestamp+s.DurationDays*secondsPerDay
}

// Authorization is what an engine needs to perform a user decryption:
// the signed statement, the user's identity and the ephemeral keypair.
// Only the public half of the keypair leaves the client.
type Authorization struct {
	User      Address   `json:"userAddress"`
	Keypair   Keypair   `json:"-"`
	Signature []byte    `json:"signature"`
	Statement Statement `json:"statement"`
}

// Verify checks the signature over the statement under the user's Ed25519
// key and the validity window. The keypair is not consulted.
func (a Authorization) Verify(now time.Time) error {
	if len(a.Signature) != ed25519.SignatureSize {
		return fmt.Errorf("%w: signature size %d", ErrAuthorizationInvalid, len(a.Signature))
	}

	digest := a.Statement.Digest()
	if !ed25519.Verify(ed25519.PublicKey(a.User[:]), digest[:], a.Signature) {
		return ErrAuthorizationInvalid
	}

	if !a.Statement.ActiveAt(now) {
		return ErrAuthorizationExpired
	}

	return nil
}

// CheckScope verifies every pair's contract is covered by the statement.
func (a Authorization) CheckScope(pairs []HandleContractPair) error {
	for _, p := range pairs {
		if !a.Statement.Covers(p.Contract) {
			return fmt.Errorf("%w: %s", ErrOutOfScope, p.Contract)
		}
	}
	return nil
}
