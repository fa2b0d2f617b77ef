// Package api is the ledger node's HTTP surface: signed ledger writes,
// ledger reads, the engine discovery endpoints, the mock coprocessor
// routes and a websocket stream of SampleLogged events.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"PulseNebula/internal/dedup"
	"PulseNebula/internal/events"
	"PulseNebula/internal/fhe"
	"PulseNebula/internal/fhe/mock"
	"PulseNebula/internal/ledger"
	"PulseNebula/internal/logger"
)

const (
	// maxBodySize is the maximum request body size in bytes.
	maxBodySize = 1 << 20 // 1 MB

	// DefaultReplayWindow is how long envelope nonces are remembered.
	DefaultReplayWindow = 10 * time.Minute
)

// Ledger is the ledger as served over HTTP.
type Ledger interface {
	Address() fhe.Address
	SubmitSample(ctx context.Context, caller fhe.Address, sub ledger.Submission) (uint64, error)
	GrantAccess(ctx context.Context, caller fhe.Address, id uint64, grantee fhe.Address) error
	AuthorizeCollectiveAccess(ctx context.Context, caller fhe.Address) error
	RetrieveSample(ctx context.Context, id uint64) (*ledger.Sample, error)
	SampleSynopsis(ctx context.Context, id uint64) (*ledger.Synopsis, error)
	ListSamplesForOwner(ctx context.Context, owner fhe.Address) ([]uint64, error)
	AggregateHandles(ctx context.Context) (fhe.Handle, fhe.Handle, error)
	TotalSamples(ctx context.Context) (uint64, error)
}

// MockNetwork is the mock coprocessor a mock-mode node exposes.
type MockNetwork struct {
	Metadata mock.Metadata
	Backend  mock.Backend
}

// Config configures a Server.
type Config struct {
	Addr          string
	ChainID       uint64
	ClientVersion string
	Ledger        Ledger
	Mock          *MockNetwork // Mock is nil in relay mode
	RelayAddress  string       // RelayAddress is published in relay mode
	Module        []byte       // Module is the SDK module served at /sdk/module.wasm
	Hub           *events.Hub  // Hub feeds /events, may be nil
	ReplayWindow  time.Duration
}

// Server is the HTTP API server.
type Server struct {
	cfg    Config
	nonces *dedup.Dedup  // nonces rejects replayed envelopes
	server *http.Server  // server is the underlying HTTP server
	ln     net.Listener // ln is set by Start
}

// New creates a new HTTP API server.
func New(cfg Config) *Server {
	if cfg.ReplayWindow <= 0 {
		cfg.ReplayWindow = DefaultReplayWindow
	}

	return &Server{cfg: cfg, nonces: dedup.New(cfg.ReplayWindow)}
}

// Handler returns the routing mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /fhe/metadata", s.handleMetadata)
	mux.HandleFunc("GET /sdk/module.wasm", s.handleModule)

	mux.HandleFunc("POST /ledger/samples", s.handleSubmitSample)
	mux.HandleFunc("POST /ledger/samples/{id}/grants", s.handleGrant)
	mux.HandleFunc("POST /ledger/collective/authorize", s.handleAuthorizeCollective)
	mux.HandleFunc("GET /ledger/samples/{id}", s.handleRetrieveSample)
	mux.HandleFunc("GET /ledger/samples/{id}/synopsis", s.handleSynopsis)
	mux.HandleFunc("GET /ledger/owners/{addr}/samples", s.handleListSamples)
	mux.HandleFunc("GET /ledger/aggregate", s.handleAggregate)
	mux.HandleFunc("GET /ledger/total", s.handleTotal)

	mux.HandleFunc("POST /mock/input", s.handleMockInput)
	mux.HandleFunc("POST /mock/decrypt", s.handleMockDecrypt)

	mux.HandleFunc("GET /events", s.handleEvents)

	return mux
}

// Start listens on the configured address and serves in a goroutine.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s:\n%w", s.cfg.Addr, err)
	}
	s.ln = ln

	s.server = &http.Server{
		Handler:     s.Handler(),
		ReadTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("http api started", "addr", ln.Addr().String())

		if err := s.server.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
		}
	}()

	return nil
}

// Addr returns the bound address once started.
func (s *Server) Addr() string {
	if s.ln == nil {
		return s.cfg.Addr
	}
	return s.ln.Addr().String()
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop() error {
	s.nonces.Close()

	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}

// handleHealth handles GET /health requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// handleStatus handles GET /status requests.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{
		ChainID:       s.cfg.ChainID,
		ClientVersion: s.cfg.ClientVersion,
		Ledger:        s.cfg.Ledger.Address(),
		Mode:          ModeRelay,
		RelayAddress:  s.cfg.RelayAddress,
	}
	if s.cfg.Mock != nil {
		resp.Mode = ModeMock
		resp.RelayAddress = ""
	}

	writeJSON(w, http.StatusOK, resp)
}

// handleMetadata handles GET /fhe/metadata, answering 404 outside mock mode.
func (s *Server) handleMetadata(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Mock == nil {
		writeError(w, ErrNotMock)
		return
	}

	writeJSON(w, http.StatusOK, s.cfg.Mock.Metadata.Map())
}

// handleModule serves the SDK module bytes.
func (s *Server) handleModule(w http.ResponseWriter, r *http.Request) {
	if len(s.cfg.Module) == 0 {
		writeError(w, fmt.Errorf("%w: no sdk module", ledger.ErrNotFound))
		return
	}

	w.Header().Set("Content-Type", "application/wasm")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(s.cfg.Module)
}

// decodeJSON reads a bounded JSON body into dst.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	return nil
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError writes the coded error response for err.
func writeError(w http.ResponseWriter, err error) {
	code, status := codeFor(err)
	if status == http.StatusInternalServerError {
		logger.Warn("request failed", "error", err)
	}

	writeJSON(w, status, ErrorResponse{Error: err.Error(), Code: code})
}
