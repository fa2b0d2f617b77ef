package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"PulseNebula/internal/authz"
	"PulseNebula/internal/contentstore"
	"PulseNebula/internal/fhe"
	"PulseNebula/internal/fhe/mock"
	"PulseNebula/internal/kv"
	"PulseNebula/internal/ledger"
	"PulseNebula/internal/resolver"
	"PulseNebula/internal/signer"
	"PulseNebula/internal/storage"
)

// localLedger serves the session against an in-process ledger, opening
// envelopes the way the API does.
type localLedger struct {
	l *ledger.Ledger
}

type grantBody struct {
	ID      uint64      `json:"sampleId"`
	Grantee fhe.Address `json:"grantee"`
}

func (a *localLedger) LedgerAddress(context.Context) (fhe.Address, error) { return a.l.Address(), nil }

func (a *localLedger) SubmitSample(ctx context.Context, s signer.Sealer, sub ledger.Submission) (uint64, error) {
	env, err := s.Seal(sub)
	if err != nil {
		return 0, err
	}

	var got ledger.Submission
	if err := env.Open(&got); err != nil {
		return 0, err
	}

	return a.l.SubmitSample(ctx, env.Sender, got)
}

func (a *localLedger) GrantAccess(ctx context.Context, s signer.Sealer, id uint64, grantee fhe.Address) error {
	env, err := s.Seal(grantBody{ID: id, Grantee: grantee})
	if err != nil {
		return err
	}

	var got grantBody
	if err := env.Open(&got); err != nil {
		return err
	}

	return a.l.GrantAccess(ctx, env.Sender, got.ID, got.Grantee)
}

func (a *localLedger) AuthorizeCollectiveAccess(ctx context.Context, s signer.Sealer) error {
	env, err := s.Seal(struct{}{})
	if err != nil {
		return err
	}

	var got struct{}
	if err := env.Open(&got); err != nil {
		return err
	}

	return a.l.AuthorizeCollectiveAccess(ctx, env.Sender)
}

func (a *localLedger) RetrieveSample(ctx context.Context, id uint64) (*ledger.Sample, error) {
	return a.l.RetrieveSample(ctx, id)
}

func (a *localLedger) SampleSynopsis(ctx context.Context, id uint64) (*ledger.Synopsis, error) {
	return a.l.SampleSynopsis(ctx, id)
}

func (a *localLedger) ListSamplesForOwner(ctx context.Context, owner fhe.Address) ([]uint64, error) {
	return a.l.ListSamplesForOwner(ctx, owner)
}

func (a *localLedger) AggregateHandles(ctx context.Context) (fhe.Handle, fhe.Handle, error) {
	return a.l.AggregateHandles(ctx)
}

// hookBackend runs onRegister before forwarding input registration and
// onDecrypt before forwarding a decrypt.
type hookBackend struct {
	mock.Backend
	onRegister func()
	onDecrypt  func()
}

func (h *hookBackend) Decrypt(ctx context.Context, pairs []fhe.HandleContractPair, auth fhe.Authorization) (map[fhe.Handle]uint64, error) {
	if h.onDecrypt != nil {
		h.onDecrypt()
	}
	return h.Backend.Decrypt(ctx, pairs, auth)
}

func (h *hookBackend) RegisterInput(ctx context.Context, req mock.InputRequest) error {
	if h.onRegister != nil {
		h.onRegister()
	}
	return h.Backend.RegisterInput(ctx, req)
}

// mockNode is a mock-mode endpoint backed by the in-process coprocessor.
type mockNode struct {
	chainID atomic.Uint64
	meta    mock.Metadata
	backend *hookBackend
}

func (n *mockNode) URL() string { return "inproc://node" }

func (n *mockNode) ChainID(context.Context) (uint64, error) { return n.chainID.Load(), nil }

func (n *mockNode) ClientVersion(context.Context) (string, error) { return "pulse-node/test (mock)", nil }

func (n *mockNode) RelayerMetadata(context.Context) (map[string]string, error) {
	return n.meta.Map(), nil
}

func (n *mockNode) MockBackend() mock.Backend { return n.backend }

// slowSigner runs onSign before signing a statement, like a wallet prompt
// during which other identities keep submitting.
type slowSigner struct {
	*countingSigner
	onSign func()
}

func (s *slowSigner) SignStatement(ctx context.Context, stmt fhe.Statement) ([]byte, error) {
	if s.onSign != nil {
		s.onSign()
	}
	return s.countingSigner.SignStatement(ctx, stmt)
}

// countingSigner counts statement signatures.
type countingSigner struct {
	*signer.Wallet
	mu    sync.Mutex
	signs int
}

func (c *countingSigner) SignStatement(ctx context.Context, stmt fhe.Statement) ([]byte, error) {
	c.mu.Lock()
	c.signs++
	c.mu.Unlock()

	return c.Wallet.SignStatement(ctx, stmt)
}

type testEnv struct {
	ledger *ledger.Ledger
	node   *mockNode
	shared kv.Store // shared is the content backend of every session
}

func newTestEnv(t *testing.T) (*testEnv, func()) {
	t.Helper()

	db, err := storage.NewInMemory()
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}

	meta := mock.DefaultMetadata(resolver.MockChainID)
	cop, err := mock.OpenCoprocessor(meta, db)
	if err != nil {
		db.Close()
		t.Fatalf("OpenCoprocessor failed: %v", err)
	}

	l, err := ledger.Open(context.Background(), db, cop, ledger.Config{Address: fhe.ContractAddress("pulse-ledger")})
	if err != nil {
		db.Close()
		t.Fatalf("ledger Open failed: %v", err)
	}
	cop.SetACL(l)

	node := &mockNode{meta: meta, backend: &hookBackend{Backend: cop}}
	node.chainID.Store(resolver.MockChainID)

	env := &testEnv{ledger: l, node: node, shared: kv.NewMemory()}

	return env, func() { db.Close() }
}

func newWallet(t *testing.T) *countingSigner {
	t.Helper()

	w, err := signer.NewWallet()
	if err != nil {
		t.Fatalf("NewWallet failed: %v", err)
	}
	return &countingSigner{Wallet: w}
}

func (e *testEnv) newSession(t *testing.T, sg Signer) *Session {
	t.Helper()

	content, err := contentstore.New(e.shared)
	if err != nil {
		t.Fatalf("contentstore New failed: %v", err)
	}
	t.Cleanup(content.Close)

	return New(Config{
		Endpoint: e.node,
		Resolver: resolver.New(resolver.Config{}),
		Ledger:   &localLedger{l: e.ledger},
		Tokens:   authz.NewManager(kv.NewMemory()),
		Content:  content,
		Signer:   sg,
	})
}

func privatePayload(rate uint32) Payload {
	return Payload{AvgRate: rate, ContentID: "bafy-test", MeasurementCount: 1, MinBpm: rate, MaxBpm: rate}
}

func publicPayload(rate uint32) Payload {
	p := privatePayload(rate)
	p.IsPublic = true
	return p
}

func TestSubmitPrivateAndDecrypt(t *testing.T) {
	env, cleanup := newTestEnv(t)
	defer cleanup()

	s := env.newSession(t, newWallet(t))
	ctx := context.Background()

	id, err := s.Submit(ctx, privatePayload(72))
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if id != 1 {
		t.Fatalf("id = %d, want 1", id)
	}

	views := s.Samples()
	if len(views) != 1 || views[0].IsPublic || views[0].DeclaredPublicAverage != 0 {
		t.Fatalf("views = %+v", views)
	}
	if views[0].Handle.IsZero() {
		t.Fatal("view has no handle")
	}

	v, err := s.DecryptSample(ctx, id)
	if err != nil {
		t.Fatalf("DecryptSample failed: %v", err)
	}
	if v != 72 {
		t.Fatalf("decrypted %d, want 72", v)
	}
	if s.Message() != msgDecrypted {
		t.Fatalf("message = %q", s.Message())
	}

	views = s.Samples()
	if !views[0].Decrypted || views[0].AvgRate != 72 {
		t.Fatalf("view not updated: %+v", views[0])
	}

	// A refresh keeps the decrypted value.
	if err := s.Refresh(ctx); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	if !s.Samples()[0].Decrypted {
		t.Fatal("Refresh dropped the decrypted value")
	}
}

func TestCollectiveAverage(t *testing.T) {
	env, cleanup := newTestEnv(t)
	defer cleanup()

	ctx := context.Background()
	alice := env.newSession(t, newWallet(t))
	bob := env.newSession(t, newWallet(t))

	if _, err := alice.Submit(ctx, publicPayload(70)); err != nil {
		t.Fatalf("Submit 70 failed: %v", err)
	}
	if _, err := bob.Submit(ctx, publicPayload(80)); err != nil {
		t.Fatalf("Submit 80 failed: %v", err)
	}

	c, err := alice.DecryptCollective(ctx)
	if err != nil {
		t.Fatalf("DecryptCollective failed: %v", err)
	}
	if !c.HasAverage || c.Average != 75.0 || c.Samples != 2 {
		t.Fatalf("collective = %+v, want average 75.0 over 2", c)
	}
	if alice.Message() != msgStatsDecrypted {
		t.Fatalf("message = %q", alice.Message())
	}
	if alice.Collective() != c {
		t.Fatal("collective view not stored")
	}
}

func TestCollectiveSubmissionDuringSigning(t *testing.T) {
	env, cleanup := newTestEnv(t)
	defer cleanup()

	ctx := context.Background()
	bob := env.newSession(t, newWallet(t))

	var bobErr error
	aliceSigner := &slowSigner{countingSigner: newWallet(t)}
	aliceSigner.onSign = func() {
		_, bobErr = bob.Submit(ctx, publicPayload(80))
	}
	alice := env.newSession(t, aliceSigner)

	if _, err := alice.Submit(ctx, publicPayload(70)); err != nil {
		t.Fatalf("Submit 70 failed: %v", err)
	}

	c, err := alice.DecryptCollective(ctx)
	if err != nil {
		t.Fatalf("DecryptCollective failed: %v", err)
	}
	if bobErr != nil {
		t.Fatalf("Submit 80 during signing failed: %v", bobErr)
	}
	if c.Samples != 2 || c.Average != 75.0 {
		t.Fatalf("collective = %+v, want average 75.0 over 2", c)
	}
}

func TestCollectiveSubmissionDuringDecrypt(t *testing.T) {
	env, cleanup := newTestEnv(t)
	defer cleanup()

	ctx := context.Background()
	alice := env.newSession(t, newWallet(t))
	bob := env.newSession(t, newWallet(t))

	if _, err := alice.Submit(ctx, publicPayload(70)); err != nil {
		t.Fatalf("Submit 70 failed: %v", err)
	}

	var fired bool
	var bobErr error
	env.node.backend.onDecrypt = func() {
		if fired {
			return
		}
		fired = true
		_, bobErr = bob.Submit(ctx, publicPayload(80))
	}

	c, err := alice.DecryptCollective(ctx)
	if err != nil {
		t.Fatalf("DecryptCollective failed: %v", err)
	}
	if bobErr != nil {
		t.Fatalf("Submit 80 during decrypt failed: %v", bobErr)
	}
	if c.Samples != 2 || c.Average != 75.0 {
		t.Fatalf("collective = %+v, want average 75.0 over 2", c)
	}
}

// partialBackend decrypts nothing.
type partialBackend struct {
	mock.Backend
}

func (partialBackend) Decrypt(context.Context, []fhe.HandleContractPair, fhe.Authorization) (map[fhe.Handle]uint64, error) {
	return map[fhe.Handle]uint64{}, nil
}

func TestDecryptMissingHandle(t *testing.T) {
	env, cleanup := newTestEnv(t)
	defer cleanup()

	ctx := context.Background()
	s := env.newSession(t, newWallet(t))

	id, err := s.Submit(ctx, publicPayload(72))
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	env.node.backend.Backend = partialBackend{Backend: env.node.backend.Backend}

	if _, err := s.DecryptSample(ctx, id); !errors.Is(err, ErrDecryptIncomplete) {
		t.Fatalf("DecryptSample = %v, want ErrDecryptIncomplete", err)
	}
	if s.Message() != msgDecryptFailed {
		t.Fatalf("message = %q", s.Message())
	}
	if s.Samples()[0].Decrypted {
		t.Fatal("view marked decrypted")
	}
	if _, err := s.DecryptCollective(ctx); !errors.Is(err, ErrDecryptIncomplete) {
		t.Fatalf("DecryptCollective = %v, want ErrDecryptIncomplete", err)
	}
}

func TestCollectiveRoundsToTenth(t *testing.T) {
	env, cleanup := newTestEnv(t)
	defer cleanup()

	ctx := context.Background()
	s := env.newSession(t, newWallet(t))

	for _, rate := range []uint32{70, 71, 71} {
		if _, err := s.Submit(ctx, publicPayload(rate)); err != nil {
			t.Fatalf("Submit %d failed: %v", rate, err)
		}
	}

	// A private sample stays out of the aggregate.
	if _, err := s.Submit(ctx, privatePayload(200)); err != nil {
		t.Fatalf("Submit private failed: %v", err)
	}

	c, err := s.DecryptCollective(ctx)
	if err != nil {
		t.Fatalf("DecryptCollective failed: %v", err)
	}
	if c.Average != 70.7 || c.Samples != 3 {
		t.Fatalf("collective = %+v, want 70.7 over 3", c)
	}
}

func TestCollectiveWithoutSamples(t *testing.T) {
	env, cleanup := newTestEnv(t)
	defer cleanup()

	s := env.newSession(t, newWallet(t))

	c, err := s.DecryptCollective(context.Background())
	if err != nil {
		t.Fatalf("DecryptCollective failed: %v", err)
	}
	if c.HasAverage || c.Samples != 0 {
		t.Fatalf("collective = %+v, want no average", c)
	}
	if s.Message() != msgNoSamples {
		t.Fatalf("message = %q", s.Message())
	}
}

// zeroAggregate reports absent aggregate handles.
type zeroAggregate struct {
	*localLedger
}

func (zeroAggregate) AggregateHandles(context.Context) (fhe.Handle, fhe.Handle, error) {
	return fhe.Handle{}, fhe.Handle{}, nil
}

func TestCollectiveWithoutHandles(t *testing.T) {
	env, cleanup := newTestEnv(t)
	defer cleanup()

	s := env.newSession(t, newWallet(t))
	s.ledger = zeroAggregate{&localLedger{l: env.ledger}}

	if _, err := s.DecryptCollective(context.Background()); !errors.Is(err, ErrNoCollective) {
		t.Fatalf("DecryptCollective = %v, want ErrNoCollective", err)
	}
	if s.Message() != msgNoCollective {
		t.Fatalf("message = %q", s.Message())
	}
}

func TestGrantThenDecrypt(t *testing.T) {
	env, cleanup := newTestEnv(t)
	defer cleanup()

	ctx := context.Background()
	ownerWallet, readerWallet := newWallet(t), newWallet(t)
	owner := env.newSession(t, ownerWallet)
	reader := env.newSession(t, readerWallet)

	id, err := owner.Submit(ctx, privatePayload(72))
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	if _, err := reader.DecryptSample(ctx, id); !errors.Is(err, fhe.ErrNotAuthorized) {
		t.Fatalf("DecryptSample before grant = %v, want ErrNotAuthorized", err)
	}
	if reader.Message() != msgDecryptFailed {
		t.Fatalf("message = %q", reader.Message())
	}

	if err := reader.Grant(ctx, id, readerWallet.Pubkey()); !errors.Is(err, ledger.ErrNotAuthorized) {
		t.Fatalf("self grant by non-owner = %v, want ErrNotAuthorized", err)
	}

	if err := owner.Grant(ctx, id, readerWallet.Pubkey()); err != nil {
		t.Fatalf("Grant failed: %v", err)
	}

	v, err := reader.DecryptSample(ctx, id)
	if err != nil {
		t.Fatalf("DecryptSample after grant failed: %v", err)
	}
	if v != 72 {
		t.Fatalf("decrypted %d, want 72", v)
	}
}

func TestTokenSignedOnce(t *testing.T) {
	env, cleanup := newTestEnv(t)
	defer cleanup()

	ctx := context.Background()
	w := newWallet(t)
	s := env.newSession(t, w)

	id, err := s.Submit(ctx, publicPayload(90))
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	for i := 0; i < 2; i++ {
		if _, err := s.DecryptSample(ctx, id); err != nil {
			t.Fatalf("DecryptSample failed: %v", err)
		}
	}
	if _, err := s.DecryptCollective(ctx); err != nil {
		t.Fatalf("DecryptCollective failed: %v", err)
	}

	if w.signs != 1 {
		t.Fatalf("signed %d statements, want 1", w.signs)
	}
}

func TestSubmitRejectsOutOfRange(t *testing.T) {
	env, cleanup := newTestEnv(t)
	defer cleanup()

	s := env.newSession(t, newWallet(t))

	for _, rate := range []uint32{0, 29, 221} {
		if _, err := s.Submit(context.Background(), privatePayload(rate)); !errors.Is(err, ErrRateOutOfRange) {
			t.Fatalf("Submit(%d) = %v, want ErrRateOutOfRange", rate, err)
		}
		if s.Message() != "Average pulse must be between 30 and 220" {
			t.Fatalf("message = %q", s.Message())
		}
	}

	total, _ := env.ledger.TotalSamples(context.Background())
	if total != 0 {
		t.Fatalf("total = %d, want 0", total)
	}
}

func TestSubmitLedgerValidation(t *testing.T) {
	env, cleanup := newTestEnv(t)
	defer cleanup()

	s := env.newSession(t, newWallet(t))

	p := publicPayload(72)
	p.PublicAvgRate = 10

	if _, err := s.Submit(context.Background(), p); !errors.Is(err, ledger.ErrValueOutOfRange) {
		t.Fatalf("Submit = %v, want ErrValueOutOfRange", err)
	}
	if s.Message() != msgSubmitFailed {
		t.Fatalf("message = %q", s.Message())
	}
}

func TestSubmitAbortsOnSignerChange(t *testing.T) {
	env, cleanup := newTestEnv(t)
	defer cleanup()

	s := env.newSession(t, newWallet(t))
	other := newWallet(t)
	env.node.backend.onRegister = func() { s.SetSigner(other) }

	_, err := s.Submit(context.Background(), privatePayload(72))
	if !errors.Is(err, ErrEnvironmentChanged) {
		t.Fatalf("Submit = %v, want ErrEnvironmentChanged", err)
	}
	if s.Message() != "Chain or signer changed. Aborting submission." {
		t.Fatalf("message = %q", s.Message())
	}

	total, _ := env.ledger.TotalSamples(context.Background())
	if total != 0 {
		t.Fatalf("sample logged after abort: total %d", total)
	}
}

func TestSubmitAbortsOnChainChange(t *testing.T) {
	env, cleanup := newTestEnv(t)
	defer cleanup()

	s := env.newSession(t, newWallet(t))
	env.node.backend.onRegister = func() { env.node.chainID.Store(1) }

	if _, err := s.Submit(context.Background(), privatePayload(72)); !errors.Is(err, ErrEnvironmentChanged) {
		t.Fatalf("Submit = %v, want ErrEnvironmentChanged", err)
	}
}

func TestSubmitStoresMeasurements(t *testing.T) {
	env, cleanup := newTestEnv(t)
	defer cleanup()

	ctx := context.Background()
	s := env.newSession(t, newWallet(t))

	series := []contentstore.Measurement{
		{Timestamp: "2026-10-14T08:00:00Z", Bpm: 64},
		{Timestamp: "2026-10-14T08:01:00Z", Bpm: 70},
		{Timestamp: "2026-10-14T08:02:00Z", Bpm: 76},
	}

	id, err := s.Submit(ctx, Payload{AvgRate: 70, IsPublic: true, Measurements: series})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	syn, err := env.ledger.SampleSynopsis(ctx, id)
	if err != nil {
		t.Fatalf("SampleSynopsis failed: %v", err)
	}
	if !strings.HasPrefix(syn.ContentID, "bafy") {
		t.Fatalf("content id = %q", syn.ContentID)
	}
	if syn.MeasurementCount != 3 || syn.MinBpm != 64 || syn.MaxBpm != 76 || syn.DeclaredPublicAverage != 70 {
		t.Fatalf("synopsis = %+v", syn)
	}

	views := s.Samples()
	if len(views) != 1 || len(views[0].Measurements) != 3 || views[0].Measurements[2].Bpm != 76 {
		t.Fatalf("views = %+v", views)
	}
}

func TestRefreshInFlightIsNoop(t *testing.T) {
	env, cleanup := newTestEnv(t)
	defer cleanup()

	ctx := context.Background()
	s := env.newSession(t, newWallet(t))

	if _, err := s.Submit(ctx, privatePayload(72)); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	s.mu.Lock()
	s.samples = nil
	s.mu.Unlock()

	s.loading.Store(true)
	if err := s.Refresh(ctx); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	if len(s.Samples()) != 0 {
		t.Fatal("Refresh ran while another was in flight")
	}

	s.loading.Store(false)
	if err := s.Refresh(ctx); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	if len(s.Samples()) != 1 || s.Message() != msgSynced {
		t.Fatalf("samples = %d message = %q", len(s.Samples()), s.Message())
	}
}

func TestWithoutSigner(t *testing.T) {
	env, cleanup := newTestEnv(t)
	defer cleanup()

	ctx := context.Background()
	s := env.newSession(t, nil)

	if _, err := s.Submit(ctx, privatePayload(72)); !errors.Is(err, ErrIncomplete) {
		t.Fatalf("Submit = %v, want ErrIncomplete", err)
	}
	if _, err := s.DecryptSample(ctx, 1); !errors.Is(err, ErrIncomplete) {
		t.Fatalf("DecryptSample = %v, want ErrIncomplete", err)
	}
	if _, err := s.DecryptCollective(ctx); !errors.Is(err, ErrIncomplete) {
		t.Fatalf("DecryptCollective = %v, want ErrIncomplete", err)
	}
	if err := s.Grant(ctx, 1, fhe.Address{}); !errors.Is(err, ErrIncomplete) {
		t.Fatalf("Grant = %v, want ErrIncomplete", err)
	}
	if err := s.Refresh(ctx); err != nil {
		t.Fatalf("Refresh without signer = %v", err)
	}
}

func TestDecryptUnknownSample(t *testing.T) {
	env, cleanup := newTestEnv(t)
	defer cleanup()

	s := env.newSession(t, newWallet(t))

	if _, err := s.DecryptSample(context.Background(), 9); !errors.Is(err, ledger.ErrNotFound) {
		t.Fatalf("DecryptSample = %v, want ErrNotFound", err)
	}
}

func TestRoundTenth(t *testing.T) {
	tests := []struct {
		in, want float64
	}{
		{75, 75},
		{70.666, 70.7},
		{70.64, 70.6},
		{72.25, 72.3},
	}

	for _, tt := range tests {
		if got := roundTenth(tt.in); got != tt.want {
			t.Errorf("roundTenth(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
