package relay

import (
	"context"
	"crypto/ed25519"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/quic-go/quic-go"

	"PulseNebula/internal/dedup"
	"PulseNebula/internal/logger"
)

const (
	// alpnProtocol is the ALPN protocol identifier.
	alpnProtocol = "pulse-relay/1"

	// defaultRequestTimeout bounds one request on either side.
	defaultRequestTimeout = 30 * time.Second

	// requestDedupTTL is how long request ids are remembered.
	requestDedupTTL = 5 * time.Minute
)

// Handler serves one operation. The returned value is JSON-encoded.
type Handler func(ctx context.Context, body json.RawMessage) (any, error)

// ServerConfig holds the configuration for a Server.
type ServerConfig struct {
	PrivateKey ed25519.PrivateKey // PrivateKey is the relay's ed25519 identity
	ListenAddr string             // ListenAddr is the UDP address to listen on (e.g., ":9443")
	Committee  *Committee         // Committee is bound into the certificate when set
}

// Server accepts QUIC connections and answers request streams.
type Server struct {
	publicKey  ed25519.PublicKey
	listenAddr string
	tlsConfig  *tls.Config
	quicConfig *quic.Config

	listener *quic.Listener

	handlers   map[string]Handler
	handlersMu sync.RWMutex

	dedup *dedup.Dedup // dedup rejects replayed request ids

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer creates a relay server.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.PrivateKey == nil {
		return nil, fmt.Errorf("private key is required")
	}
	if cfg.ListenAddr == "" {
		return nil, fmt.Errorf("listen address is required")
	}

	var digest []byte
	if cfg.Committee != nil {
		digest = cfg.Committee.Digest()
	}

	cert, err := relayCertificate(cfg.PrivateKey, digest)
	if err != nil {
		return nil, fmt.Errorf("generate certificate:\n%w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		publicKey:  cfg.PrivateKey.Public().(ed25519.PublicKey),
		listenAddr: cfg.ListenAddr,
		tlsConfig: &tls.Config{
			Certificates: []tls.Certificate{cert},
			NextProtos:   []string{alpnProtocol},
		},
		quicConfig: &quic.Config{
			MaxIdleTimeout:  30 * time.Second,
			KeepAlivePeriod: 10 * time.Second,
		},
		handlers: make(map[string]Handler),
		dedup:    dedup.New(requestDedupTTL),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// PublicKey returns the relay's identity key.
func (s *Server) PublicKey() ed25519.PublicKey { return s.publicKey }

// Handle registers h for op.
func (s *Server) Handle(op string, h Handler) {
	s.handlersMu.Lock()
	s.handlers[op] = h
	s.handlersMu.Unlock()
}

// Addr returns the listener's address. Returns empty string if not started.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Start begins accepting connections.
func (s *Server) Start() error {
	listener, err := quic.ListenAddr(s.listenAddr, s.tlsConfig, s.quicConfig)
	if err != nil {
		return fmt.Errorf("listen:\n%w", err)
	}
	s.listener = listener

	s.wg.Add(1)
	go s.acceptLoop()

	logger.Info("relay listening", "addr", s.Addr())

	return nil
}

// Close stops the server and waits for in-flight requests.
func (s *Server) Close() error {
	s.cancel()

	if s.listener != nil {
		s.listener.Close()
	}

	s.wg.Wait()
	s.dedup.Close()

	return nil
}

// acceptLoop accepts incoming connections.
func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept(s.ctx)
		if err != nil {
			return // Listener closed
		}

		s.wg.Add(1)
		go s.serveConn(conn)
	}
}

// serveConn accepts request streams until the connection ends.
func (s *Server) serveConn(conn *quic.Conn) {
	defer s.wg.Done()
	defer conn.CloseWithError(0, "closed")

	for {
		stream, err := conn.AcceptStream(s.ctx)
		if err != nil {
			logger.Debug("relay connection ended", "remote", conn.RemoteAddr().String(), "error", err)
			return
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleStream(stream)
		}()
	}
}

// handleStream answers one request frame.
func (s *Server) handleStream(stream *quic.Stream) {
	defer stream.Close()

	stream.SetDeadline(time.Now().Add(defaultRequestTimeout))

	data, err := readMessage(stream)
	if err != nil {
		logger.Debug("relay read failed", "error", err)
		return
	}

	resp := s.dispatch(data)

	out, err := json.Marshal(resp)
	if err != nil {
		logger.Warn("relay encode failed", "id", resp.ID, "error", err)
		return
	}

	if err := writeMessage(stream, out); err != nil {
		logger.Debug("relay write failed", "error", err)
	}
}

// dispatch decodes a request and runs its handler.
func (s *Server) dispatch(data []byte) response {
	var req request
	if err := json.Unmarshal(data, &req); err != nil {
		return response{Code: "bad_request", Error: err.Error()}
	}

	fail := func(err error) response {
		return response{ID: req.ID, Code: codeFor(err), Error: err.Error()}
	}

	if req.ID == "" {
		return response{Code: "bad_request", Error: "missing request id"}
	}
	if !s.dedup.Check([]byte(req.ID)) {
		return fail(ErrDuplicateRequest)
	}

	s.handlersMu.RLock()
	h, ok := s.handlers[req.Op]
	s.handlersMu.RUnlock()

	if !ok {
		return fail(fmt.Errorf("%w: %q", ErrUnknownOp, req.Op))
	}

	ctx, cancel := context.WithTimeout(s.ctx, defaultRequestTimeout)
	defer cancel()

	start := time.Now()

	result, err := h(ctx, req.Body)
	if err != nil {
		logger.Debug("relay op failed", "op", req.Op, "error", err)
		return fail(err)
	}

	body, err := json.Marshal(result)
	if err != nil {
		return fail(err)
	}

	logger.Debug("relay op served", "op", req.Op, logger.Timed(start))

	return response{ID: req.ID, Body: body}
}
