package sdkmodule

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"PulseNebula/internal/fhe"
)

func testNetwork() Network {
	return Network{
		ChainID:              11155111,
		ACLAddress:           fhe.ContractAddress("acl"),
		KMSVerifierAddress:   fhe.ContractAddress("kms"),
		InputVerifierAddress: fhe.ContractAddress("input-verifier"),
		GatewayURL:           "http://gateway.local",
		RelayAddress:         "127.0.0.1:9443",
	}
}

func buildTestModule(t *testing.T) []byte {
	t.Helper()

	data, err := Build(testNetwork())
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	return data
}

func TestLoadBuiltModule(t *testing.T) {
	ctx := context.Background()
	l := NewLoader([]Source{BytesSource{Label: "embedded", Data: buildTestModule(t)}}, nil)
	defer l.Unload(ctx)

	mod, err := l.Load(ctx)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if mod.Network() != testNetwork() {
		t.Fatalf("network = %+v", mod.Network())
	}
	if mod.Source() != "embedded" || mod.ID() == [32]byte{} {
		t.Fatalf("source = %q", mod.Source())
	}

	again, err := l.Load(ctx)
	if err != nil || again != mod {
		t.Fatalf("second Load returned a different module: %v", err)
	}
	if l.Loaded() != mod {
		t.Fatal("Loaded mismatch")
	}
}

func TestLoadFallsThroughSources(t *testing.T) {
	ctx := context.Background()

	dir := t.TempDir()
	path := filepath.Join(dir, "sdk.wasm")
	if err := os.WriteFile(path, buildTestModule(t), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer down.Close()

	sources := []Source{
		HTTPSource{URL: down.URL + "/sdk/module.wasm"},
		BytesSource{Label: "garbage", Data: []byte("not wasm")},
		FileSource{Path: path},
	}

	l := NewLoader(sources, nil)
	defer l.Unload(ctx)

	mod, err := l.Load(ctx)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if mod.Source() != path {
		t.Fatalf("loaded from %q, want %q", mod.Source(), path)
	}
}

func TestLoadFromHTTP(t *testing.T) {
	data := buildTestModule(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/wasm")
		w.Write(data)
	}))
	defer srv.Close()

	l := NewLoader([]Source{HTTPSource{URL: srv.URL}}, nil)
	defer l.Unload(context.Background())

	if _, err := l.Load(context.Background()); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
}

func TestLoadFailures(t *testing.T) {
	net := testNetwork()
	cfg := []byte(`{"aclContractAddress":"` + net.ACLAddress.String() + `"}`)

	tests := []struct {
		name string
		data []byte
	}{
		{"not wasm", []byte("hello")},
		{"missing export", assemble(mustJSON(t, net), "start", 1)},
		{"missing section", assemble(nil, InitExport, 1)},
		{"bad config json", assemble([]byte("{"), InitExport, 1)},
		{"incomplete config", assemble(cfg, InitExport, 1)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := NewLoader([]Source{BytesSource{Label: tt.name, Data: tt.data}}, nil)

			_, err := l.Load(context.Background())
			if !errors.Is(err, ErrLoadFailed) {
				t.Fatalf("Load = %v, want ErrLoadFailed", err)
			}
			if tt.name != "not wasm" && !errors.Is(err, ErrInvalidModule) {
				t.Fatalf("Load = %v, want ErrInvalidModule inside", err)
			}
		})
	}

	if _, err := NewLoader(nil, nil).Load(context.Background()); !errors.Is(err, ErrLoadFailed) {
		t.Fatalf("Load(no sources) = %v", err)
	}
}

func TestLoadStopsOnInvalidNetwork(t *testing.T) {
	zeroKMS := testNetwork()
	zeroKMS.KMSVerifierAddress = fhe.Address{}

	badHex := []byte(`{"aclContractAddress":"0xzz","kmsContractAddress":"0x00","inputVerifierContractAddress":"0x00","relayAddress":"x"}`)

	tests := []struct {
		name string
		data []byte
	}{
		{"zero kms address", assemble(mustJSON(t, zeroKMS), InitExport, 1)},
		{"malformed acl address", assemble(badHex, InitExport, 1)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sources := []Source{
				BytesSource{Label: tt.name, Data: tt.data},
				BytesSource{Label: "good", Data: buildTestModule(t)},
			}
			l := NewLoader(sources, nil)
			defer l.Unload(context.Background())

			_, err := l.Load(context.Background())
			if !errors.Is(err, ErrInvalidNetwork) || !errors.Is(err, ErrLoadFailed) {
				t.Fatalf("Load = %v, want ErrInvalidNetwork", err)
			}
			if l.Loaded() != nil {
				t.Fatal("loader fell through to the good source")
			}
		})
	}
}

func TestLoadCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	l := NewLoader([]Source{BytesSource{Label: "embedded", Data: buildTestModule(t)}}, nil)
	if _, err := l.Load(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Load = %v, want context.Canceled", err)
	}
	if l.Loaded() != nil {
		t.Fatal("module kept after cancelled load")
	}
}

func TestInit(t *testing.T) {
	ctx := context.Background()

	var probed []string
	probe := func(_ context.Context, gw string) error {
		probed = append(probed, gw)
		if strings.Contains(gw, "down") {
			return errors.New("connection refused")
		}
		return nil
	}

	l := NewLoader([]Source{BytesSource{Label: "embedded", Data: buildTestModule(t)}}, probe)
	defer l.Unload(ctx)

	mod, err := l.Load(ctx)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if err := mod.Init(ctx, InitOptions{GatewayURL: "http://down.local"}); !errors.Is(err, ErrGatewayUnreachable) {
		t.Fatalf("Init(down) = %v, want ErrGatewayUnreachable", err)
	}
	if mod.Initialized() {
		t.Fatal("initialized after failed probe")
	}

	if err := mod.Init(ctx, InitOptions{}); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	if !mod.Initialized() || mod.Gateway() != testNetwork().GatewayURL {
		t.Fatalf("gateway = %q", mod.Gateway())
	}

	if err := mod.Init(ctx, InitOptions{GatewayURL: "http://down.local"}); err != nil {
		t.Fatalf("repeated Init = %v", err)
	}
	if len(probed) != 2 {
		t.Fatalf("probes = %v, want 2", probed)
	}
}

func TestInitRejected(t *testing.T) {
	ctx := context.Background()
	data := assemble(mustJSON(t, testNetwork()), InitExport, 0)

	l := NewLoader([]Source{BytesSource{Label: "rejecting", Data: data}}, nil)
	defer l.Unload(ctx)

	mod, err := l.Load(ctx)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if err := mod.Init(ctx, InitOptions{}); !errors.Is(err, ErrInitRejected) {
		t.Fatalf("Init = %v, want ErrInitRejected", err)
	}
}

func TestHTTPProber(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	probe := HTTPProber(nil)
	if err := probe(context.Background(), srv.URL+"/"); err != nil {
		t.Fatalf("probe failed: %v", err)
	}
	if err := probe(context.Background(), srv.URL+"/nested"); err == nil {
		t.Fatal("expected probe failure")
	}
}

func TestAppendULEB(t *testing.T) {
	tests := []struct {
		in   uint32
		want []byte
	}{
		{0, []byte{0x00}},
		{127, []byte{0x7f}},
		{128, []byte{0x80, 0x01}},
		{624485, []byte{0xe5, 0x8e, 0x26}},
	}

	for _, tt := range tests {
		got := appendULEB(nil, tt.in)
		if string(got) != string(tt.want) {
			t.Errorf("appendULEB(%d) = %x, want %x", tt.in, got, tt.want)
		}
	}
}

func mustJSON(t *testing.T, n Network) []byte {
	t.Helper()

	data, err := json.Marshal(n)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	return data
}
