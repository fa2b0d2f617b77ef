package api

import (
	"net/http"

	"PulseNebula/internal/fhe"
	"PulseNebula/internal/signer"
)

// openEnvelope decodes a signed envelope, verifies it, refuses replayed
// nonces and decodes its body into dst. It returns the verified sender.
func (s *Server) openEnvelope(w http.ResponseWriter, r *http.Request, dst any) (fhe.Address, error) {
	var env signer.Envelope
	if err := decodeJSON(w, r, &env); err != nil {
		return fhe.Address{}, err
	}

	if err := env.Open(dst); err != nil {
		return fhe.Address{}, err
	}

	key := make([]byte, 0, len(env.Sender)+len(env.Nonce))
	key = append(key, env.Sender[:]...)
	key = append(key, env.Nonce...)

	if !s.nonces.Check(key) {
		return fhe.Address{}, ErrReplayed
	}

	return env.Sender, nil
}
