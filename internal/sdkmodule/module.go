// Package sdkmodule loads the engine SDK: a WebAssembly module carrying
// the relay network defaults and an init entry point. Modules are fetched
// from ordered sources, validated, compiled once with wazero and
// initialised against a gateway.
package sdkmodule

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/zeebo/blake3"

	"PulseNebula/internal/fhe"
)

var (
	// ErrInvalidModule is returned when a module lacks the SDK shape.
	ErrInvalidModule = errors.New("invalid sdk module")

	// ErrInvalidNetwork is returned when the config section carries
	// missing or malformed contract addresses.
	ErrInvalidNetwork = errors.New("invalid sdk network parameters")

	// ErrInitRejected is returned when the module's init export reports failure.
	ErrInitRejected = errors.New("sdk init rejected")

	// ErrGatewayUnreachable is returned when the gateway health probe fails.
	ErrGatewayUnreachable = errors.New("gateway unreachable")
)

const (
	// ConfigSection is the custom section holding the Network JSON.
	ConfigSection = "pulse.sdk.config"

	// InitExport is the exported () -> i32 init function; 1 means success.
	InitExport = "init_sdk"
)

// Network are the relay network defaults carried by a module.
type Network struct {
	ChainID              uint64      `json:"chainId"`
	ACLAddress           fhe.Address `json:"aclContractAddress"`
	KMSVerifierAddress   fhe.Address `json:"kmsContractAddress"`
	InputVerifierAddress fhe.Address `json:"inputVerifierContractAddress"`
	GatewayURL           string      `json:"gatewayUrl"`
	RelayAddress         string      `json:"relayAddress"`
}

// InitOptions override module defaults for one init attempt.
type InitOptions struct {
	GatewayURL string // GatewayURL replaces Network.GatewayURL when set
}

// Prober checks that a gateway is reachable.
type Prober func(ctx context.Context, gatewayURL string) error

// Module is a validated, compiled SDK module.
type Module struct {
	runtime  wazero.Runtime
	compiled wazero.CompiledModule
	network  Network
	id       [32]byte // id is the blake3 hash of the module bytes
	source   string   // source names where the bytes came from
	probe    Prober

	mu          sync.Mutex
	initialized bool
	gateway     string
}

// compile validates and compiles data.
func compile(ctx context.Context, data []byte, source string, probe Prober) (*Module, error) {
	runtime := wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfig().WithCustomSections(true))

	compiled, err := runtime.CompileModule(ctx, data)
	if err != nil {
		_ = runtime.Close(ctx)
		return nil, fmt.Errorf("%w: compile: %v", ErrInvalidModule, err)
	}

	network, err := validate(compiled)
	if err != nil {
		_ = runtime.Close(ctx)
		return nil, err
	}

	return &Module{
		runtime:  runtime,
		compiled: compiled,
		network:  network,
		id:       blake3.Sum256(data),
		source:   source,
		probe:    probe,
	}, nil
}

// validate checks the init export signature and decodes the config section.
func validate(compiled wazero.CompiledModule) (Network, error) {
	fn, ok := compiled.ExportedFunctions()[InitExport]
	if !ok {
		return Network{}, fmt.Errorf("%w: missing %s export", ErrInvalidModule, InitExport)
	}
	if len(fn.ParamTypes()) != 0 || len(fn.ResultTypes()) != 1 {
		return Network{}, fmt.Errorf("%w: %s must be () -> i32", ErrInvalidModule, InitExport)
	}

	var raw []byte
	found := false
	for _, s := range compiled.CustomSections() {
		if s.Name() == ConfigSection {
			raw = s.Data()
			found = true
			break
		}
	}
	if !found {
		return Network{}, fmt.Errorf("%w: missing %s section", ErrInvalidModule, ConfigSection)
	}

	var n Network
	if err := json.Unmarshal(raw, &n); err != nil {
		if errors.Is(err, fhe.ErrMalformedHex) {
			return Network{}, fmt.Errorf("%w: %w: config address: %v", ErrInvalidModule, ErrInvalidNetwork, err)
		}
		return Network{}, fmt.Errorf("%w: config: %v", ErrInvalidModule, err)
	}
	if n.ACLAddress.IsZero() || n.KMSVerifierAddress.IsZero() || n.InputVerifierAddress.IsZero() {
		return Network{}, fmt.Errorf("%w: %w: config lacks contract addresses", ErrInvalidModule, ErrInvalidNetwork)
	}
	if n.RelayAddress == "" {
		return Network{}, fmt.Errorf("%w: config lacks relay address", ErrInvalidModule)
	}

	return n, nil
}

// Network returns the module's network defaults.
func (m *Module) Network() Network { return m.network }

// ID returns the blake3 hash of the module bytes.
func (m *Module) ID() [32]byte { return m.id }

// Source names where the module was loaded from.
func (m *Module) Source() string { return m.source }

// Initialized reports whether Init has succeeded.
func (m *Module) Initialized() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.initialized
}

// Gateway returns the gateway chosen by the successful Init.
func (m *Module) Gateway() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.gateway
}

// Init runs the module's init export and probes the gateway.
// Once it has succeeded, further calls return nil without doing work.
func (m *Module) Init(ctx context.Context, opts InitOptions) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.initialized {
		return nil
	}

	instance, err := m.runtime.InstantiateModule(ctx, m.compiled, wazero.NewModuleConfig().WithName(""))
	if err != nil {
		return fmt.Errorf("instantiate sdk:\n%w", err)
	}
	defer instance.Close(ctx)

	res, err := instance.ExportedFunction(InitExport).Call(ctx)
	if err != nil {
		return fmt.Errorf("call %s:\n%w", InitExport, err)
	}
	if len(res) != 1 || uint32(res[0]) != 1 {
		return ErrInitRejected
	}

	gateway := opts.GatewayURL
	if gateway == "" {
		gateway = m.network.GatewayURL
	}

	if m.probe != nil {
		if err := m.probe(ctx, gateway); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w: %s: %v", ErrGatewayUnreachable, gateway, err)
		}
	}

	m.initialized = true
	m.gateway = gateway

	return nil
}

// Close releases the compiled module and its runtime.
func (m *Module) Close(ctx context.Context) error {
	return m.runtime.Close(ctx)
}

// HTTPProber returns a Prober that GETs gatewayURL/health.
func HTTPProber(client *http.Client) Prober {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}

	return func(ctx context.Context, gatewayURL string) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(gatewayURL, "/")+"/health", nil)
		if err != nil {
			return err
		}

		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("health status %d", resp.StatusCode)
		}

		return nil
	}
}
