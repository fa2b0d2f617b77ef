// Package client talks to a PulseNebula node over HTTP. A Client is the
// endpoint a resolver inspects, the ledger a session drives, and the
// backend of the mock engine on mock-mode nodes.
package client

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"PulseNebula/internal/api"
	"PulseNebula/internal/fhe"
	"PulseNebula/internal/fhe/mock"
	"PulseNebula/internal/sdkmodule"
)

// Client connects to a node via HTTP.
type Client struct {
	baseURL string       // baseURL is the node's HTTP root, e.g. "http://127.0.0.1:8080"
	http    *http.Client // http performs every request

	addrMu     sync.Mutex
	ledgerAddr fhe.Address // ledgerAddr caches the node's ledger address
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// New creates a client for the node at baseURL. A bare host:port is
// treated as http.
func New(baseURL string, opts ...Option) *Client {
	if !strings.Contains(baseURL, "://") {
		baseURL = "http://" + baseURL
	}

	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}

	return c
}

// URL returns the node's base URL.
func (c *Client) URL() string { return c.baseURL }

// Status fetches GET /status.
func (c *Client) Status(ctx context.Context) (*api.StatusResponse, error) {
	var st api.StatusResponse
	if err := c.getJSON(ctx, "/status", &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// Health reports whether the node answers GET /health.
func (c *Client) Health(ctx context.Context) error {
	var resp map[string]string
	if err := c.getJSON(ctx, "/health", &resp); err != nil {
		return err
	}
	if resp["status"] != "ok" {
		return fmt.Errorf("node unhealthy: %q", resp["status"])
	}
	return nil
}

// ChainID returns the node's chain id.
func (c *Client) ChainID(ctx context.Context) (uint64, error) {
	st, err := c.Status(ctx)
	if err != nil {
		return 0, err
	}
	return st.ChainID, nil
}

// ClientVersion returns the node's version string.
func (c *Client) ClientVersion(ctx context.Context) (string, error) {
	st, err := c.Status(ctx)
	if err != nil {
		return "", err
	}
	return st.ClientVersion, nil
}

// RelayerMetadata fetches the mock domain parameters. Relay-mode nodes
// answer with an error.
func (c *Client) RelayerMetadata(ctx context.Context) (map[string]string, error) {
	var meta map[string]string
	if err := c.getJSON(ctx, "/fhe/metadata", &meta); err != nil {
		return nil, err
	}
	return meta, nil
}

// MockBackend returns the client itself: mock inputs and decryptions go
// to the node's /mock routes.
func (c *Client) MockBackend() mock.Backend { return c }

// ModuleSource returns the node's SDK module as a loader source.
func (c *Client) ModuleSource() sdkmodule.Source {
	return sdkmodule.HTTPSource{URL: c.baseURL + "/sdk/module.wasm", Client: c.http}
}

// RegisterInput implements mock.Backend.
func (c *Client) RegisterInput(ctx context.Context, req mock.InputRequest) error {
	return c.postJSON(ctx, "/mock/input", req, nil)
}

// Decrypt implements mock.Backend. Only the public half of the
// authorization's keypair is sent.
func (c *Client) Decrypt(ctx context.Context, pairs []fhe.HandleContractPair, auth fhe.Authorization) (map[fhe.Handle]uint64, error) {
	var resp api.MockDecryptResponse

	req := api.MockDecryptRequest{Pairs: pairs, Authorization: auth}
	if err := c.postJSON(ctx, "/mock/decrypt", req, &resp); err != nil {
		return nil, err
	}

	return resp.Values, nil
}
