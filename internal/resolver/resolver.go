// Package resolver decides which homomorphic-encryption engine a session
// uses and brings it up: a mock engine on test networks that publish
// relayer metadata, otherwise the relay engine from the SDK module.
package resolver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"

	"PulseNebula/internal/fhe"
	"PulseNebula/internal/fhe/mock"
	"PulseNebula/internal/kv"
	"PulseNebula/internal/logger"
	"PulseNebula/internal/relay"
	"PulseNebula/internal/sdkmodule"
)

var (
	// ErrEnvironmentUnreachable is returned when the endpoint cannot be queried.
	ErrEnvironmentUnreachable = errors.New("environment unreachable")

	// ErrEngineLoadFailed is returned when the SDK module cannot be loaded.
	ErrEngineLoadFailed = errors.New("engine load failed")

	// ErrEngineInitFailed is returned when the SDK or the engine cannot start.
	ErrEngineInitFailed = errors.New("engine init failed")

	// ErrInvalidDomainParameters is returned when network addresses are unusable.
	ErrInvalidDomainParameters = errors.New("invalid domain parameters")

	// ErrCancelled is returned when the context ends during resolution.
	ErrCancelled = errors.New("engine resolution cancelled")
)

const (
	// MockChainID is the chain id always treated as a mock network.
	MockChainID = 31337

	// DefaultFallbackGateway is tried when init with the caller's options fails.
	DefaultFallbackGateway = "https://gateway.testnet.pulsenebula.io"

	// mockMarker must appear in a mock node's client version.
	mockMarker = "mock"

	// keyCachePrefix prefixes cached key material, keyed by lowercase ACL address.
	keyCachePrefix = "__pulse_fhe_pubkey__:"

	// publicParamsSize is the input size whose parameters are cached.
	publicParamsSize = 2048
)

// State is the resolver's lifecycle position.
type State int32

const (
	Uninitialized State = iota
	ResolvingEnvironment
	LoadingEngine
	InitializingEngine
	Ready
	Error
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case ResolvingEnvironment:
		return "resolving-environment"
	case LoadingEngine:
		return "loading-engine"
	case InitializingEngine:
		return "initializing-engine"
	case Ready:
		return "ready"
	case Error:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Status is reported to Config.OnStatus as resolution progresses.
type Status string

const (
	StatusSDKLoading      Status = "sdk-loading"
	StatusSDKLoaded       Status = "sdk-loaded"
	StatusSDKInitializing Status = "sdk-initializing"
	StatusSDKInitialized  Status = "sdk-initialized"
	StatusCreating        Status = "creating"
)

// Endpoint is the ledger node a session talks to.
type Endpoint interface {
	URL() string
	ChainID(ctx context.Context) (uint64, error)
	ClientVersion(ctx context.Context) (string, error)
	RelayerMetadata(ctx context.Context) (map[string]string, error)
	MockBackend() mock.Backend
}

// RelayConfig is what a RelayFactory builds an engine from.
type RelayConfig struct {
	Network sdkmodule.Network
	Gateway string
	Keys    relay.KeyMaterial // Keys is empty on a cache miss
}

// RelayFactory constructs the relay engine.
type RelayFactory func(ctx context.Context, cfg RelayConfig) (fhe.Engine, error)

// DialRelay connects to the network's relay over QUIC.
func DialRelay(ctx context.Context, cfg RelayConfig) (fhe.Engine, error) {
	client, err := relay.Dial(ctx, cfg.Network.RelayAddress, nil)
	if err != nil {
		return nil, err
	}

	engine, err := relay.NewEngine(ctx, client, cfg.Keys)
	if err != nil {
		client.Close()
		return nil, err
	}

	return engine, nil
}

// Config configures a Resolver.
type Config struct {
	Loader          *sdkmodule.Loader     // Loader provides the SDK module
	Init            sdkmodule.InitOptions // Init is the first init attempt
	FallbackGateway string                // FallbackGateway is the second attempt; DefaultFallbackGateway if empty
	MockChains      []uint64              // MockChains extends the mock set beyond MockChainID
	Cache           kv.Store              // Cache holds key material; may be nil
	Relay           RelayFactory          // Relay defaults to DialRelay
	OnStatus        func(Status)
}

// EngineHandle is a resolved engine and the environment it was resolved for.
type EngineHandle struct {
	Engine   fhe.Engine
	ChainID  uint64
	Endpoint string
	Network  sdkmodule.Network // Network is zero for mock engines
	Mock     mock.Metadata     // Mock is zero for relay engines
}

// ACLAddress returns the ACL contract of the engine's network.
func (h *EngineHandle) ACLAddress() fhe.Address {
	if h.Engine.Kind() == fhe.KindMock {
		return h.Mock.ACLAddress
	}
	return h.Network.ACLAddress
}

// Resolver owns the single engine of a session.
type Resolver struct {
	cfg        Config
	mockChains map[uint64]bool

	mu     sync.Mutex // mu serializes Resolve and Reset
	state  atomic.Int32
	handle *EngineHandle
}

// New creates a resolver.
func New(cfg Config) *Resolver {
	if cfg.FallbackGateway == "" {
		cfg.FallbackGateway = DefaultFallbackGateway
	}
	if cfg.Relay == nil {
		cfg.Relay = DialRelay
	}

	chains := map[uint64]bool{MockChainID: true}
	for _, id := range cfg.MockChains {
		chains[id] = true
	}

	return &Resolver{cfg: cfg, mockChains: chains}
}

// State returns the current lifecycle state.
func (r *Resolver) State() State {
	return State(r.state.Load())
}

// Handle returns the resolved engine, or nil.
func (r *Resolver) Handle() *EngineHandle {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.handle
}

// Reset drops the engine and returns to Uninitialized. The SDK module
// stays loaded.
func (r *Resolver) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.dropLocked()
	r.setState(Uninitialized)
}

// Resolve returns an engine for ep. While Ready for the same endpoint and
// chain it returns the existing handle without loading or initialising.
func (r *Resolver) Resolve(ctx context.Context, ep Endpoint) (*EngineHandle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, r.cancelled(err)
	}

	if r.handle != nil && r.handle.Endpoint == ep.URL() {
		chainID, err := ep.ChainID(ctx)
		if err != nil {
			return nil, r.fail(ctx, fmt.Errorf("%w: chain id:\n%w", ErrEnvironmentUnreachable, err))
		}
		if chainID == r.handle.ChainID && r.State() == Ready {
			return r.handle, nil
		}
		logger.Info("environment changed, resolving again", "endpoint", ep.URL(), "chain", chainID)
	}

	r.dropLocked()
	r.setState(ResolvingEnvironment)

	chainID, err := ep.ChainID(ctx)
	if err != nil {
		return nil, r.fail(ctx, fmt.Errorf("%w: chain id:\n%w", ErrEnvironmentUnreachable, err))
	}
	if err := ctx.Err(); err != nil {
		return nil, r.cancelled(err)
	}

	if r.mockChains[chainID] {
		handle, err := r.resolveMock(ctx, ep, chainID)
		if err != nil {
			return nil, r.fail(ctx, err)
		}
		if handle != nil {
			return r.ready(handle), nil
		}
	}

	handle, err := r.resolveRelay(ctx, ep, chainID)
	if err != nil {
		return nil, r.fail(ctx, err)
	}

	return r.ready(handle), nil
}

// resolveMock returns nil with no error when ep is not a mock node.
func (r *Resolver) resolveMock(ctx context.Context, ep Endpoint, chainID uint64) (*EngineHandle, error) {
	version, err := ep.ClientVersion(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: client version:\n%w", ErrEnvironmentUnreachable, err)
	}
	if !strings.Contains(strings.ToLower(version), mockMarker) {
		return nil, nil
	}

	raw, err := ep.RelayerMetadata(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		logger.Debug("no relayer metadata", "endpoint", ep.URL(), "error", err)
		return nil, nil
	}

	meta, err := mock.ParseMetadata(raw)
	if err != nil {
		logger.Debug("unusable relayer metadata", "endpoint", ep.URL(), "error", err)
		return nil, nil
	}

	backend := ep.MockBackend()
	if backend == nil {
		return nil, nil
	}

	r.notify(StatusCreating)

	engine := mock.NewEngine(meta, backend)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	return &EngineHandle{Engine: engine, ChainID: chainID, Endpoint: ep.URL(), Mock: meta}, nil
}

// resolveRelay loads and initialises the SDK and builds the relay engine.
func (r *Resolver) resolveRelay(ctx context.Context, ep Endpoint, chainID uint64) (*EngineHandle, error) {
	r.setState(LoadingEngine)

	if r.cfg.Loader == nil {
		return nil, fmt.Errorf("%w: no sdk sources configured", ErrEngineLoadFailed)
	}

	mod := r.cfg.Loader.Loaded()
	if mod == nil {
		r.notify(StatusSDKLoading)

		var err error
		if mod, err = r.cfg.Loader.Load(ctx); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if errors.Is(err, sdkmodule.ErrInvalidNetwork) {
				return nil, fmt.Errorf("%w:\n%w", ErrInvalidDomainParameters, err)
			}
			return nil, fmt.Errorf("%w:\n%w", ErrEngineLoadFailed, err)
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		r.notify(StatusSDKLoaded)
	}

	r.setState(InitializingEngine)

	if !mod.Initialized() {
		r.notify(StatusSDKInitializing)

		if err := r.initModule(ctx, mod); err != nil {
			return nil, err
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		r.notify(StatusSDKInitialized)
	}

	network := mod.Network()

	keys := r.loadKeys(ctx, network.ACLAddress)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.notify(StatusCreating)

	engine, err := r.cfg.Relay(ctx, RelayConfig{Network: network, Gateway: mod.Gateway(), Keys: keys})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: create engine:\n%w", ErrEngineInitFailed, err)
	}

	r.storeKeys(ctx, network.ACLAddress, engine)

	if err := ctx.Err(); err != nil {
		closeEngine(engine)
		return nil, err
	}

	return &EngineHandle{Engine: engine, ChainID: chainID, Endpoint: ep.URL(), Network: network}, nil
}

// initModule tries the caller's options, then the fallback gateway.
func (r *Resolver) initModule(ctx context.Context, mod *sdkmodule.Module) error {
	attempts := []sdkmodule.InitOptions{r.cfg.Init, {GatewayURL: r.cfg.FallbackGateway}}

	var errs []error

	for i, opts := range attempts {
		err := mod.Init(ctx, opts)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		logger.Warn("sdk init attempt failed", "attempt", i+1, "error", err)
		errs = append(errs, err)
	}

	return fmt.Errorf("%w:\n%w", ErrEngineInitFailed, errors.Join(errs...))
}

// loadKeys reads cached key material. Misses and corrupt entries yield empty material.
func (r *Resolver) loadKeys(ctx context.Context, acl fhe.Address) relay.KeyMaterial {
	if r.cfg.Cache == nil {
		return relay.KeyMaterial{}
	}

	raw, ok, err := r.cfg.Cache.Get(ctx, keyCacheKey(acl))
	if err != nil || !ok {
		if err != nil {
			logger.Debug("key cache read failed", "error", err)
		}
		return relay.KeyMaterial{}
	}

	var keys relay.KeyMaterial
	if err := json.Unmarshal(raw, &keys); err != nil {
		logger.Debug("key cache entry unreadable", "error", err)
		return relay.KeyMaterial{}
	}

	return keys
}

// storeKeys persists the engine's exported key material.
func (r *Resolver) storeKeys(ctx context.Context, acl fhe.Address, engine fhe.Engine) {
	if r.cfg.Cache == nil {
		return
	}

	keys := relay.KeyMaterial{PublicKey: engine.PublicKey(), PublicParams: engine.PublicParams(publicParamsSize)}
	if keys.Empty() {
		return
	}

	raw, err := json.Marshal(keys)
	if err != nil {
		return
	}

	if err := r.cfg.Cache.Set(ctx, keyCacheKey(acl), raw); err != nil {
		logger.Warn("key cache write failed", "error", err)
	}
}

// ready installs handle.
func (r *Resolver) ready(h *EngineHandle) *EngineHandle {
	r.handle = h
	r.setState(Ready)

	logger.Info("engine ready", "kind", h.Engine.Kind(), "chain", h.ChainID, "endpoint", h.Endpoint)

	return h
}

// fail records a failed resolution. A done context counts as cancellation.
func (r *Resolver) fail(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return r.cancelled(ctx.Err())
	}

	r.setState(Error)
	logger.Warn("engine resolution failed", "error", err)

	return err
}

// cancelled returns to Uninitialized.
func (r *Resolver) cancelled(cause error) error {
	r.dropLocked()
	r.setState(Uninitialized)

	logger.Info("engine resolution cancelled", "cause", cause)

	return fmt.Errorf("%w:\n%w", ErrCancelled, cause)
}

// dropLocked closes and forgets the current handle. Callers hold r.mu.
func (r *Resolver) dropLocked() {
	if r.handle != nil {
		closeEngine(r.handle.Engine)
		r.handle = nil
	}
}

func (r *Resolver) setState(s State) {
	r.state.Store(int32(s))
}

func (r *Resolver) notify(s Status) {
	if r.cfg.OnStatus != nil {
		r.cfg.OnStatus(s)
	}
}

func closeEngine(e fhe.Engine) {
	if c, ok := e.(io.Closer); ok {
		_ = c.Close()
	}
}

// keyCacheKey is the cache key for key material of an ACL contract.
func keyCacheKey(acl fhe.Address) string {
	return keyCachePrefix + strings.ToLower(acl.String())
}
