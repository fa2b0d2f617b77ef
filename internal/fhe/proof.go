package fhe

import (
	"fmt"

	"github.com/zeebo/blake3"
)

// MaxInputHandles bounds the number of values in one encrypted input.
const MaxInputHandles = 255

// InputProof is the decoded form of an input proof: the handles it covers
// and an engine-specific tag (MAC or aggregate signature) over InputDigest.
type InputProof struct {
	Handles []Handle
	Tag     []byte
}

// EncodeInputProof serializes handles and tag.
// Format: u8 count + count*[u8; 32] + tag
func EncodeInputProof(handles []Handle, tag []byte) []byte {
	buf := make([]byte, 0, 1+32*len(handles)+len(tag))
	buf = append(buf, byte(len(handles)))

	for _, h := range handles {
		buf = append(buf, h[:]...)
	}

	return append(buf, tag...)
}

// DecodeInputProof parses an encoded proof.
func DecodeInputProof(data []byte) (InputProof, error) {
	if len(data) < 1 {
		return InputProof{}, fmt.Errorf("%w: empty proof", ErrProofInvalid)
	}

	n := int(data[0])
	if n == 0 || len(data) < 1+32*n {
		return InputProof{}, fmt.Errorf("%w: truncated proof", ErrProofInvalid)
	}

	p := InputProof{Handles: make([]Handle, n)}
	for i := range n {
		copy(p.Handles[i][:], data[1+32*i:1+32*(i+1)])
	}
	p.Tag = append([]byte(nil), data[1+32*n:]...)

	return p, nil
}

// Contains reports whether h is one of the proof's handles.
func (p InputProof) Contains(h Handle) bool {
	for _, x := range p.Handles {
		if x == h {
			return true
		}
	}
	return false
}

// InputDigest is the message an input proof authenticates.
func InputDigest(ledger, user Address, handles []Handle) [32]byte {
	h := blake3.New()
	h.Write([]byte("pulse-input-v1"))
	h.Write(ledger[:])
	h.Write(user[:])

	for _, x := range handles {
		h.Write(x[:])
	}

	var out [32]byte
	h.Sum(out[:0])

	return out
}
