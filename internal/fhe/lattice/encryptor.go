package lattice

import (
	"fmt"
	"sync"

	"github.com/tuneinsight/lattigo/v6/core/rlwe"
	"github.com/tuneinsight/lattigo/v6/schemes/bgv"
)

// Encryptor encrypts 32-bit values under a relay's public key.
type Encryptor struct {
	params  bgv.Parameters
	encoder *bgv.Encoder
	enc     *rlwe.Encryptor
	mu      sync.Mutex
}

// NewEncryptor builds an encryptor from published parameters and key.
func NewEncryptor(paramsJSON, publicKey []byte) (*Encryptor, error) {
	params, err := ParseParameters(paramsJSON)
	if err != nil {
		return nil, err
	}

	pk := new(rlwe.PublicKey)
	if err := pk.UnmarshalBinary(publicKey); err != nil {
		return nil, fmt.Errorf("decode public key:\n%w", err)
	}

	return &Encryptor{
		params:  params,
		encoder: bgv.NewEncoder(params),
		enc:     bgv.NewEncryptor(params, pk),
	}, nil
}

// Encrypt returns the serialized ciphertext of v in slot 0.
func (e *Encryptor) Encrypt(v uint32) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	return encryptValue(e.params, e.encoder, e.enc, uint64(v))
}

func encryptValue(params bgv.Parameters, encoder *bgv.Encoder, enc *rlwe.Encryptor, v uint64) ([]byte, error) {
	pt := bgv.NewPlaintext(params, params.MaxLevel())
	if err := encoder.Encode([]uint64{v}, pt); err != nil {
		return nil, fmt.Errorf("encode plaintext:\n%w", err)
	}

	ct, err := enc.EncryptNew(pt)
	if err != nil {
		return nil, fmt.Errorf("encrypt:\n%w", err)
	}

	return ct.MarshalBinary()
}
