// Package lattice is the BGV engine behind relay mode: key material,
// client-side encryption with the network key, and a ciphertext
// coprocessor that verifies inputs, adds ciphertexts and decrypts for
// authorized users.
package lattice

import (
	"fmt"

	"github.com/tuneinsight/lattigo/v6/core/rlwe"
	"github.com/tuneinsight/lattigo/v6/schemes/bgv"
)

// PlaintextModulus is the BGV plaintext modulus. Sums wrap modulo it.
const PlaintextModulus = 0x3ee0001

// DefaultLiteral are the parameters a relay network runs with.
var DefaultLiteral = bgv.ParametersLiteral{
	LogN:             12,
	LogQ:             []int{54},
	LogP:             []int{55},
	PlaintextModulus: PlaintextModulus,
}

// DefaultParameters builds the parameters from DefaultLiteral.
func DefaultParameters() (bgv.Parameters, error) {
	params, err := bgv.NewParametersFromLiteral(DefaultLiteral)
	if err != nil {
		return bgv.Parameters{}, fmt.Errorf("bgv parameters:\n%w", err)
	}
	return params, nil
}

// ParseParameters decodes parameters published by a relay.
func ParseParameters(data []byte) (bgv.Parameters, error) {
	var params bgv.Parameters
	if err := params.UnmarshalJSON(data); err != nil {
		return bgv.Parameters{}, fmt.Errorf("decode bgv parameters:\n%w", err)
	}
	return params, nil
}

// decodeCiphertext unmarshals data and checks it is a fresh-shape
// ciphertext for params.
func decodeCiphertext(params bgv.Parameters, data []byte) (ct *rlwe.Ciphertext, err error) {
	// Untrusted bytes can trip index checks inside the decoder.
	defer func() {
		if r := recover(); r != nil {
			ct, err = nil, fmt.Errorf("decode ciphertext: %v", r)
		}
	}()

	ct = new(rlwe.Ciphertext)
	if err := ct.UnmarshalBinary(data); err != nil {
		return nil, fmt.Errorf("decode ciphertext:\n%w", err)
	}

	if ct.Degree() != 1 {
		return nil, fmt.Errorf("ciphertext degree %d, want 1", ct.Degree())
	}
	if ct.Level() > params.MaxLevel() {
		return nil, fmt.Errorf("ciphertext level %d above %d", ct.Level(), params.MaxLevel())
	}
	if len(ct.Value[0].Coeffs) == 0 || len(ct.Value[0].Coeffs[0]) != params.N() {
		return nil, fmt.Errorf("ciphertext ring degree mismatch")
	}

	return ct, nil
}
