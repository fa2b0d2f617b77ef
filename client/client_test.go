package client

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"PulseNebula/internal/api"
	"PulseNebula/internal/authz"
	"PulseNebula/internal/events"
	"PulseNebula/internal/fhe"
	"PulseNebula/internal/fhe/mock"
	"PulseNebula/internal/kv"
	"PulseNebula/internal/ledger"
	"PulseNebula/internal/resolver"
	"PulseNebula/internal/sdkmodule"
	"PulseNebula/internal/session"
	"PulseNebula/internal/signer"
	"PulseNebula/internal/storage"
)

type testNode struct {
	client *Client
	ledger *ledger.Ledger
	hub    *events.Hub
	module []byte
}

// newTestNode serves a mock-mode node over a real HTTP listener.
func newTestNode(t *testing.T) (*testNode, func()) {
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

	hub := events.NewHub()

	l, err := ledger.Open(context.Background(), db, cop, ledger.Config{
		Address: fhe.ContractAddress("pulse-ledger"),
		Events:  hub,
	})
	if err != nil {
		db.Close()
		t.Fatalf("ledger Open failed: %v", err)
	}
	cop.SetACL(l)

	module, err := sdkmodule.Build(sdkmodule.Network{
		ChainID:      resolver.MockChainID,
		ACLAddress:   meta.ACLAddress,
		RelayAddress: "127.0.0.1:9443",
	})
	if err != nil {
		db.Close()
		t.Fatalf("sdkmodule Build failed: %v", err)
	}

	srv := api.New(api.Config{
		ChainID:       resolver.MockChainID,
		ClientVersion: "pulse-node/test (mock)",
		Ledger:        l,
		Mock:          &api.MockNetwork{Metadata: meta, Backend: cop},
		Module:        module,
		Hub:           hub,
	})
	ts := httptest.NewServer(srv.Handler())

	n := &testNode{client: New(ts.URL), ledger: l, hub: hub, module: module}

	return n, func() {
		ts.Close()
		srv.Stop()
		db.Close()
	}
}

func newWallet(t *testing.T) *signer.Wallet {
	t.Helper()

	w, err := signer.NewWallet()
	if err != nil {
		t.Fatalf("NewWallet failed: %v", err)
	}
	return w
}

func (n *testNode) newSession(w *signer.Wallet) *session.Session {
	return session.New(session.Config{
		Endpoint: n.client,
		Resolver: resolver.New(resolver.Config{}),
		Ledger:   n.client,
		Tokens:   authz.NewManager(kv.NewMemory()),
		Signer:   w,
	})
}

func payload(rate uint32, public bool) session.Payload {
	return session.Payload{
		AvgRate:          rate,
		ContentID:        "bafy-client",
		IsPublic:         public,
		MeasurementCount: 1,
		MinBpm:           rate,
		MaxBpm:           rate,
	}
}

func TestNewAddsScheme(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"127.0.0.1:8080", "http://127.0.0.1:8080"},
		{"http://node:8080/", "http://node:8080"},
		{"https://node.example", "https://node.example"},
	}

	for _, tt := range tests {
		if got := New(tt.in).URL(); got != tt.want {
			t.Errorf("New(%q).URL() = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestStatusAndHealth(t *testing.T) {
	n, cleanup := newTestNode(t)
	defer cleanup()

	ctx := context.Background()

	if err := n.client.Health(ctx); err != nil {
		t.Fatalf("Health failed: %v", err)
	}

	st, err := n.client.Status(ctx)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if st.ChainID != resolver.MockChainID || st.Mode != api.ModeMock {
		t.Fatalf("status = %+v", st)
	}

	addr, err := n.client.LedgerAddress(ctx)
	if err != nil || addr != n.ledger.Address() {
		t.Fatalf("LedgerAddress = %s, %v", addr, err)
	}

	meta, err := n.client.RelayerMetadata(ctx)
	if err != nil {
		t.Fatalf("RelayerMetadata failed: %v", err)
	}
	if _, err := mock.ParseMetadata(meta); err != nil {
		t.Fatalf("ParseMetadata failed: %v", err)
	}
}

func TestSessionOverHTTP(t *testing.T) {
	n, cleanup := newTestNode(t)
	defer cleanup()

	ctx := context.Background()
	alice, bob := newWallet(t), newWallet(t)
	as, bs := n.newSession(alice), n.newSession(bob)

	private, err := as.Submit(ctx, payload(72, false))
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if _, err := as.Submit(ctx, payload(70, true)); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if _, err := bs.Submit(ctx, payload(80, true)); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	got, err := as.DecryptSample(ctx, private)
	if err != nil {
		t.Fatalf("DecryptSample failed: %v", err)
	}
	if got != 72 {
		t.Fatalf("decrypted %d, want 72", got)
	}

	if _, err := bs.DecryptSample(ctx, private); !errors.Is(err, ledger.ErrNotAuthorized) {
		t.Fatalf("DecryptSample by stranger = %v, want ErrNotAuthorized", err)
	}

	coll, err := bs.DecryptCollective(ctx)
	if err != nil {
		t.Fatalf("DecryptCollective failed: %v", err)
	}
	if !coll.HasAverage || coll.Samples != 2 || coll.Average != 75.0 {
		t.Fatalf("collective = %+v", coll)
	}

	if err := as.Grant(ctx, private, bob.Pubkey()); err != nil {
		t.Fatalf("Grant failed: %v", err)
	}

	got, err = bs.DecryptSample(ctx, private)
	if err != nil {
		t.Fatalf("DecryptSample after grant failed: %v", err)
	}
	if got != 72 {
		t.Fatalf("granted decrypt %d, want 72", got)
	}

	if len(as.Samples()) != 2 {
		t.Fatalf("alice sees %d samples, want 2", len(as.Samples()))
	}
}

func TestErrorMapping(t *testing.T) {
	n, cleanup := newTestNode(t)
	defer cleanup()

	ctx := context.Background()
	alice, mallory := newWallet(t), newWallet(t)

	if _, err := n.client.RetrieveSample(ctx, 42); !errors.Is(err, ledger.ErrNotFound) {
		t.Fatalf("RetrieveSample = %v, want ErrNotFound", err)
	}

	id, err := n.newSession(alice).Submit(ctx, payload(64, false))
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	err = n.client.GrantAccess(ctx, mallory, id, mallory.Pubkey())
	if !errors.Is(err, ledger.ErrNotAuthorized) {
		t.Fatalf("GrantAccess by stranger = %v, want ErrNotAuthorized", err)
	}

	_, err = n.client.SubmitSample(ctx, alice, ledger.Submission{
		Handle:           fhe.Handle{7},
		MeasurementCount: 1,
		MinBpm:           10,
		MaxBpm:           10,
	})
	if !errors.Is(err, ledger.ErrValueOutOfRange) {
		t.Fatalf("SubmitSample = %v, want ErrValueOutOfRange", err)
	}

	total, err := n.client.TotalSamples(ctx)
	if err != nil || total != 1 {
		t.Fatalf("TotalSamples = %d, %v", total, err)
	}

	ids, err := n.client.ListSamplesForOwner(ctx, alice.Pubkey())
	if err != nil || len(ids) != 1 || ids[0] != id {
		t.Fatalf("ListSamplesForOwner = %v, %v", ids, err)
	}
}

func TestSubscribe(t *testing.T) {
	n, cleanup := newTestNode(t)
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, err := n.client.Subscribe(ctx)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	for n.hub.Subscribers() == 0 {
		if ctx.Err() != nil {
			t.Fatal("stream never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	alice := newWallet(t)
	if _, err := n.newSession(alice).Submit(ctx, payload(90, true)); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	select {
	case evt := <-stream:
		if evt.ID != 1 || evt.Owner != alice.Pubkey() || evt.DeclaredPublicAverage != 90 {
			t.Fatalf("event = %+v", evt)
		}
	case <-ctx.Done():
		t.Fatal("no event received")
	}

	cancel()
	for range stream {
	}
}

func TestModuleSource(t *testing.T) {
	n, cleanup := newTestNode(t)
	defer cleanup()

	src := n.client.ModuleSource()

	data, err := src.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if string(data) != string(n.module) {
		t.Fatalf("fetched %d bytes, want %d", len(data), len(n.module))
	}
}
