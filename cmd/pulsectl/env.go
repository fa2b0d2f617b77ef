package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"PulseNebula/client"
	"PulseNebula/internal/authz"
	"PulseNebula/internal/contentstore"
	"PulseNebula/internal/logger"
	"PulseNebula/internal/resolver"
	"PulseNebula/internal/sdkmodule"
	"PulseNebula/internal/session"
	"PulseNebula/internal/signer"
)

// env is everything a command needs.
type env struct {
	out      io.Writer
	client   *client.Client
	wallet   *signer.Wallet
	resolver *resolver.Resolver
	loader   *sdkmodule.Loader
	content  *contentstore.Store
	session  *session.Session

	closeStore func()
}

// newEnv opens the wallet and the cache, and wires a session to the node.
func newEnv(ctx context.Context, cfg *Config) (*env, error) {
	priv, err := signer.LoadOrGenerateKey(cfg.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("load wallet:\n%w", err)
	}
	wallet := signer.FromPrivateKey(priv)

	store, closeStore, err := openStore(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}

	content, err := contentstore.New(store)
	if err != nil {
		closeStore()
		return nil, fmt.Errorf("open content store:\n%w", err)
	}

	c := client.New(cfg.NodeURL)

	sources := []sdkmodule.Source{c.ModuleSource()}
	if cfg.SDKFile != "" {
		sources = append(sources, sdkmodule.FileSource{Path: cfg.SDKFile})
	}
	loader := sdkmodule.NewLoader(sources, sdkmodule.HTTPProber(nil))

	res := resolver.New(resolver.Config{
		Loader: loader,
		Cache:  store,
		OnStatus: func(s resolver.Status) {
			logger.Info("engine status", "status", string(s))
		},
	})

	e := &env{
		out:        os.Stdout,
		client:     c,
		wallet:     wallet,
		resolver:   res,
		loader:     loader,
		content:    content,
		closeStore: closeStore,
	}

	e.session = session.New(session.Config{
		Endpoint: c,
		Resolver: res,
		Ledger:   c,
		Tokens:   authz.NewManager(store),
		Content:  content,
		Signer:   wallet,
	})

	return e, nil
}

// Close releases the engine, the module and the cache.
func (e *env) Close() {
	e.resolver.Reset()
	e.loader.Unload(context.Background())
	e.content.Close()
	e.closeStore()
}
