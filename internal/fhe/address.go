package fhe

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/zeebo/blake3"
)

// ErrMalformedHex is returned when a textual address, handle or key cannot be parsed.
var ErrMalformedHex = errors.New("malformed 0x hex value")

// Address identifies a user (Ed25519 public key) or a contract
// (ledger, ACL, verifiers). Textual form is 0x + 64 lowercase hex digits.
type Address [32]byte

// ContractAddress derives a deterministic contract address from a name.
func ContractAddress(name string) Address {
	return blake3.Sum256([]byte("pulse-contract:" + name))
}

// ParseAddress parses 0x-prefixed hex, case-insensitively.
func ParseAddress(s string) (Address, error) {
	var a Address
	err := parseHex32(s, (*[32]byte)(&a))
	return a, err
}

// String returns the lowercase 0x form.
func (a Address) String() string { return "0x" + hex.EncodeToString(a[:]) }

// IsZero reports whether a is the zero address.
func (a Address) IsZero() bool { return a == Address{} }

// MarshalText implements encoding.TextMarshaler.
func (a Address) MarshalText() ([]byte, error) { return []byte(a.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Address) UnmarshalText(b []byte) error {
	return parseHex32(string(b), (*[32]byte)(a))
}

// Handle is an opaque ciphertext reference. The zero handle means "absent".
type Handle [32]byte

// ParseHandle parses 0x-prefixed hex.
func ParseHandle(s string) (Handle, error) {
	var h Handle
	err := parseHex32(s, (*[32]byte)(&h))
	return h, err
}

// String returns the lowercase 0x form.
func (h Handle) String() string { return "0x" + hex.EncodeToString(h[:]) }

// IsZero reports whether h is the zero handle.
func (h Handle) IsZero() bool { return h == Handle{} }

// MarshalText implements encoding.TextMarshaler.
func (h Handle) MarshalText() ([]byte, error) { return []byte(h.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (h *Handle) UnmarshalText(b []byte) error {
	return parseHex32(string(b), (*[32]byte)(h))
}

// Key is a 32-byte X25519 key of an ephemeral decryption keypair.
type Key [32]byte

// String returns the lowercase 0x form.
func (k Key) String() string { return "0x" + hex.EncodeToString(k[:]) }

// MarshalText implements encoding.TextMarshaler.
func (k Key) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Key) UnmarshalText(b []byte) error {
	return parseHex32(string(b), (*[32]byte)(k))
}

// parseHex32 decodes "0x" + 64 hex digits into dst.
func parseHex32(s string, dst *[32]byte) error {
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		return fmt.Errorf("%w: missing 0x prefix in %q", ErrMalformedHex, s)
	}

	raw, err := hex.DecodeString(s[2:])
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedHex, err)
	}
	if len(raw) != 32 {
		return fmt.Errorf("%w: want 32 bytes, got %d", ErrMalformedHex, len(raw))
	}

	copy(dst[:], raw)

	return nil
}
