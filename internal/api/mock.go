package api

import (
	"net/http"

	"PulseNebula/internal/fhe/mock"
)

// handleMockInput handles POST /mock/input.
func (s *Server) handleMockInput(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Mock == nil {
		writeError(w, ErrNotMock)
		return
	}

	var req mock.InputRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}

	if err := s.cfg.Mock.Backend.RegisterInput(r.Context(), req); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]int{"registered": len(req.Handles)})
}

// handleMockDecrypt handles POST /mock/decrypt. The backend verifies the
// authorization and consults the ledger ACL.
func (s *Server) handleMockDecrypt(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Mock == nil {
		writeError(w, ErrNotMock)
		return
	}

	var req MockDecryptRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}

	values, err := s.cfg.Mock.Backend.Decrypt(r.Context(), req.Pairs, req.Authorization)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, MockDecryptResponse{Values: values})
}
