package api

import (
	"fmt"
	"net/http"
	"strconv"

	"PulseNebula/internal/fhe"
	"PulseNebula/internal/ledger"
	"PulseNebula/internal/logger"
)

// handleSubmitSample handles POST /ledger/samples.
func (s *Server) handleSubmitSample(w http.ResponseWriter, r *http.Request) {
	var sub ledger.Submission

	caller, err := s.openEnvelope(w, r, &sub)
	if err != nil {
		writeError(w, err)
		return
	}

	id, err := s.cfg.Ledger.SubmitSample(r.Context(), caller, sub)
	if err != nil {
		writeError(w, err)
		return
	}

	logger.Debug("sample submitted", "id", id, "owner", caller)

	writeJSON(w, http.StatusCreated, SubmitResponse{ID: id})
}

// handleGrant handles POST /ledger/samples/{id}/grants.
func (s *Server) handleGrant(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var req GrantRequest

	caller, err := s.openEnvelope(w, r, &req)
	if err != nil {
		writeError(w, err)
		return
	}
	if req.SampleID != id {
		writeError(w, fmt.Errorf("%w: signed grant is for sample %d", ErrBadRequest, req.SampleID))
		return
	}

	if err := s.cfg.Ledger.GrantAccess(r.Context(), caller, id, req.Grantee); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "granted"})
}

// handleAuthorizeCollective handles POST /ledger/collective/authorize.
func (s *Server) handleAuthorizeCollective(w http.ResponseWriter, r *http.Request) {
	var req CollectiveRequest

	caller, err := s.openEnvelope(w, r, &req)
	if err != nil {
		writeError(w, err)
		return
	}
	if req.Ledger != s.cfg.Ledger.Address() {
		writeError(w, fmt.Errorf("%w: authorization signed for ledger %s", ErrBadRequest, req.Ledger))
		return
	}

	if err := s.cfg.Ledger.AuthorizeCollectiveAccess(r.Context(), caller); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "authorized"})
}

// handleRetrieveSample handles GET /ledger/samples/{id}.
func (s *Server) handleRetrieveSample(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}

	sample, err := s.cfg.Ledger.RetrieveSample(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, sample)
}

// handleSynopsis handles GET /ledger/samples/{id}/synopsis.
func (s *Server) handleSynopsis(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}

	syn, err := s.cfg.Ledger.SampleSynopsis(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, syn)
}

// handleListSamples handles GET /ledger/owners/{addr}/samples.
func (s *Server) handleListSamples(w http.ResponseWriter, r *http.Request) {
	owner, err := fhe.ParseAddress(r.PathValue("addr"))
	if err != nil {
		writeError(w, fmt.Errorf("%w: owner: %v", ErrBadRequest, err))
		return
	}

	ids, err := s.cfg.Ledger.ListSamplesForOwner(r.Context(), owner)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, SamplesResponse{IDs: ids})
}

// handleAggregate handles GET /ledger/aggregate.
func (s *Server) handleAggregate(w http.ResponseWriter, r *http.Request) {
	sum, count, err := s.cfg.Ledger.AggregateHandles(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, AggregateResponse{Sum: sum, Count: count})
}

// handleTotal handles GET /ledger/total.
func (s *Server) handleTotal(w http.ResponseWriter, r *http.Request) {
	total, err := s.cfg.Ledger.TotalSamples(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, TotalResponse{Total: total})
}

// pathID parses the {id} path segment.
func pathID(r *http.Request) (uint64, error) {
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: sample id %q", ErrBadRequest, r.PathValue("id"))
	}
	return id, nil
}
