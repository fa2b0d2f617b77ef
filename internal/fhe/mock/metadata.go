// Package mock is a deterministic cleartext engine for test networks.
// Handles reference plaintexts held by a Coprocessor, and input proofs are
// MACs keyed by the network's input-verifier address.
package mock

import (
	"errors"
	"fmt"

	"PulseNebula/internal/fhe"
)

// ErrInvalidMetadata is returned when relayer metadata lacks a valid address.
var ErrInvalidMetadata = errors.New("invalid mock relayer metadata")

// Metadata keys as published by a mock node.
const (
	KeyACL           = "ACLAddress"
	KeyInputVerifier = "InputVerifierAddress"
	KeyKMSVerifier   = "KMSVerifierAddress"
)

// Metadata are the domain parameters of a mock network.
type Metadata struct {
	ACLAddress           fhe.Address
	InputVerifierAddress fhe.Address
	KMSVerifierAddress   fhe.Address
}

// DefaultMetadata derives the parameters a mock node publishes for chainID.
func DefaultMetadata(chainID uint64) Metadata {
	suffix := fmt.Sprintf(":%d", chainID)

	return Metadata{
		ACLAddress:           fhe.ContractAddress("mock-acl" + suffix),
		InputVerifierAddress: fhe.ContractAddress("mock-input-verifier" + suffix),
		KMSVerifierAddress:   fhe.ContractAddress("mock-kms-verifier" + suffix),
	}
}

// ParseMetadata validates the three addresses in raw.
func ParseMetadata(raw map[string]string) (Metadata, error) {
	var m Metadata

	fields := []struct {
		key string
		dst *fhe.Address
	}{
		{KeyACL, &m.ACLAddress},
		{KeyInputVerifier, &m.InputVerifierAddress},
		{KeyKMSVerifier, &m.KMSVerifierAddress},
	}

	for _, f := range fields {
		v, ok := raw[f.key]
		if !ok {
			return Metadata{}, fmt.Errorf("%w: missing %s", ErrInvalidMetadata, f.key)
		}

		a, err := fhe.ParseAddress(v)
		if err != nil {
			return Metadata{}, fmt.Errorf("%w: %s: %v", ErrInvalidMetadata, f.key, err)
		}
		*f.dst = a
	}

	return m, nil
}

// Map returns the wire form of m.
func (m Metadata) Map() map[string]string {
	return map[string]string{
		KeyACL:           m.ACLAddress.String(),
		KeyInputVerifier: m.InputVerifierAddress.String(),
		KeyKMSVerifier:   m.KMSVerifierAddress.String(),
	}
}
