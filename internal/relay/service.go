package relay

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"

	"golang.org/x/crypto/nacl/box"

	"PulseNebula/internal/fhe"
	"PulseNebula/internal/fhe/lattice"
)

// Service serves the relay operations over a lattice coprocessor.
type Service struct {
	keys      *lattice.KeySet
	cop       *lattice.Coprocessor
	committee *Committee
}

// NewService creates the relay service. The coprocessor must be built with
// committee as its proof verifier.
func NewService(keys *lattice.KeySet, cop *lattice.Coprocessor, committee *Committee) *Service {
	return &Service{keys: keys, cop: cop, committee: committee}
}

// Register installs the service's handlers on srv.
func (s *Service) Register(srv *Server) {
	srv.Handle(OpKeys, s.handleKeys)
	srv.Handle(OpInput, s.handleInput)
	srv.Handle(OpDecrypt, s.handleDecrypt)
}

// Keys returns the published key material.
func (s *Service) Keys() (*KeysResponse, error) {
	pk, err := s.keys.PublicKeyBytes()
	if err != nil {
		return nil, fmt.Errorf("encode public key:\n%w", err)
	}
	params, err := s.keys.ParamsBytes()
	if err != nil {
		return nil, fmt.Errorf("encode params:\n%w", err)
	}

	return &KeysResponse{PublicKey: pk, PublicParams: params, Committee: s.committee.PublicKeys()}, nil
}

// Input ingests ciphertexts and returns handles with a committee proof.
func (s *Service) Input(ctx context.Context, req InputRequest) (*InputResponse, error) {
	handles, err := s.cop.Ingest(ctx, req.Ledger, req.User, req.Ciphertexts)
	if err != nil {
		return nil, err
	}

	sig, err := s.committee.SignInput(fhe.InputDigest(req.Ledger, req.User, handles))
	if err != nil {
		return nil, fmt.Errorf("sign input:\n%w", err)
	}

	return &InputResponse{Handles: handles, Proof: fhe.EncodeInputProof(handles, sig)}, nil
}

// Decrypt decrypts the pairs and seals the result to the statement key.
func (s *Service) Decrypt(ctx context.Context, req DecryptRequest) (*DecryptResponse, error) {
	values, err := s.cop.Decrypt(ctx, req.Pairs, req.Authorization)
	if err != nil {
		return nil, err
	}

	plain, err := json.Marshal(values)
	if err != nil {
		return nil, fmt.Errorf("encode plaintexts:\n%w", err)
	}

	recipient := [32]byte(req.Authorization.Statement.PublicKey)

	sealed, err := box.SealAnonymous(nil, plain, &recipient, rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("seal plaintexts:\n%w", err)
	}

	return &DecryptResponse{Sealed: sealed}, nil
}

func (s *Service) handleKeys(_ context.Context, _ json.RawMessage) (any, error) {
	return s.Keys()
}

func (s *Service) handleInput(ctx context.Context, body json.RawMessage) (any, error) {
	var req InputRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("%w: %v", fhe.ErrProofInvalid, err)
	}
	return s.Input(ctx, req)
}

func (s *Service) handleDecrypt(ctx context.Context, body json.RawMessage) (any, error) {
	var req DecryptRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("%w: %v", fhe.ErrAuthorizationInvalid, err)
	}
	return s.Decrypt(ctx, req)
}
