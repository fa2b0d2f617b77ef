package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"PulseNebula/internal/api"
	"PulseNebula/internal/events"
	"PulseNebula/internal/fhe"
	"PulseNebula/internal/fhe/lattice"
	"PulseNebula/internal/fhe/mock"
	"PulseNebula/internal/ledger"
	"PulseNebula/internal/logger"
	"PulseNebula/internal/relay"
	"PulseNebula/internal/sdkmodule"
	"PulseNebula/internal/storage"
)

// coprocessor is what both backends offer the node.
type coprocessor interface {
	fhe.Coprocessor
	SetACL(acl fhe.ACL)
}

// Node represents a running PulseNebula ledger node.
type Node struct {
	cfg     *Config
	storage *storage.Storage
	hub     *events.Hub
	kafka   *events.KafkaPublisher // kafka is nil unless brokers are configured
	cop     coprocessor
	ledger  *ledger.Ledger
	network sdkmodule.Network

	mockCop *mock.Coprocessor // mockCop is set in mock mode

	keys      *lattice.KeySet   // keys is set in relay mode
	lattice   *lattice.Coprocessor
	committee *relay.Committee
	relay     *relay.Server

	api *api.Server
}

// NewNode creates and initializes a new node.
func NewNode(cfg *Config) (*Node, error) {
	n := &Node{cfg: cfg}

	if err := n.initStorage(); err != nil {
		return nil, err
	}

	if err := n.initEvents(); err != nil {
		n.Close()
		return nil, err
	}

	if err := n.initCoprocessor(); err != nil {
		n.Close()
		return nil, err
	}

	if err := n.initLedger(); err != nil {
		n.Close()
		return nil, err
	}

	return n, nil
}

// initStorage initializes the Pebble storage.
func (n *Node) initStorage() error {
	dbPath := n.cfg.DataPath + "/db"

	if err := os.MkdirAll(n.cfg.DataPath, 0755); err != nil {
		return fmt.Errorf("create data directory:\n%w", err)
	}

	db, err := storage.New(dbPath)
	if err != nil {
		return fmt.Errorf("init storage:\n%w", err)
	}

	n.storage = db

	return nil
}

// initEvents creates the websocket hub and, when configured, the Kafka publisher.
func (n *Node) initEvents() error {
	n.hub = events.NewHub()

	brokers := n.cfg.kafkaBrokers()
	if len(brokers) == 0 {
		return nil
	}

	pub, err := events.NewKafkaPublisher(events.KafkaConfig{Brokers: brokers, Topic: n.cfg.KafkaTopic})
	if err != nil {
		return fmt.Errorf("init kafka publisher:\n%w", err)
	}
	n.kafka = pub

	logger.Info("publishing events to kafka", "brokers", len(brokers), "topic", n.cfg.KafkaTopic)

	return nil
}

// initCoprocessor opens the backend selected by the mode flag.
func (n *Node) initCoprocessor() error {
	if n.cfg.Mode == modeMock {
		return n.initMock()
	}
	return n.initLattice()
}

// initMock opens the persisted cleartext coprocessor.
func (n *Node) initMock() error {
	meta := mock.DefaultMetadata(n.cfg.ChainID)

	cop, err := mock.OpenCoprocessor(meta, n.storage)
	if err != nil {
		return fmt.Errorf("init mock coprocessor:\n%w", err)
	}

	n.cop = cop
	n.mockCop = cop
	n.network = sdkmodule.Network{
		ChainID:              n.cfg.ChainID,
		ACLAddress:           meta.ACLAddress,
		KMSVerifierAddress:   meta.KMSVerifierAddress,
		InputVerifierAddress: meta.InputVerifierAddress,
		GatewayURL:           n.cfg.gatewayURL(),
	}

	return nil
}

// initLattice loads the BGV keys and the verifier committee.
func (n *Node) initLattice() error {
	keys, err := lattice.LoadOrGenerateKeySet(n.storage)
	if err != nil {
		return fmt.Errorf("init lattice keys:\n%w", err)
	}

	committee, err := relay.DeriveCommittee(n.cfg.PrivateKey, n.cfg.CommitteeSize)
	if err != nil {
		return fmt.Errorf("derive committee:\n%w", err)
	}
	n.keys = keys
	n.committee = committee
	n.lattice = lattice.NewCoprocessor(keys, n.storage, committee)
	n.cop = n.lattice

	suffix := fmt.Sprintf(":%d", n.cfg.ChainID)
	n.network = sdkmodule.Network{
		ChainID:              n.cfg.ChainID,
		ACLAddress:           fhe.ContractAddress("pulse-acl" + suffix),
		KMSVerifierAddress:   fhe.ContractAddress("pulse-kms-verifier" + suffix),
		InputVerifierAddress: fhe.ContractAddress("pulse-input-verifier" + suffix),
		GatewayURL:           n.cfg.gatewayURL(),
		RelayAddress:         advertise(n.cfg.RelayAddress),
	}

	return nil
}

// initLedger opens the ledger and installs it as the coprocessor's ACL.
func (n *Node) initLedger() error {
	var pub events.Publisher = n.hub
	if n.kafka != nil {
		pub = events.Multi{n.hub, n.kafka}
	}

	l, err := ledger.Open(context.Background(), n.storage, n.cop, ledger.Config{
		Address: fhe.ContractAddress(fmt.Sprintf("pulse-ledger:%d", n.cfg.ChainID)),
		Events:  pub,
	})
	if err != nil {
		return fmt.Errorf("open ledger:\n%w", err)
	}

	n.cop.SetACL(l)
	n.ledger = l

	total, _ := l.TotalSamples(context.Background())
	logger.Info("ledger opened", "address", l.Address(), "samples", total)

	return nil
}

// Run starts the node and blocks until shutdown signal.
func (n *Node) Run() error {
	if n.cfg.Mode == modeRelay {
		if err := n.startRelay(); err != nil {
			n.Close()
			return err
		}
	}

	module, err := sdkmodule.Build(n.network)
	if err != nil {
		n.Close()
		return fmt.Errorf("build sdk module:\n%w", err)
	}

	apiCfg := api.Config{
		Addr:          n.cfg.HTTPAddress,
		ChainID:       n.cfg.ChainID,
		ClientVersion: n.clientVersion(),
		Ledger:        n.ledger,
		RelayAddress:  n.network.RelayAddress,
		Module:        module,
		Hub:           n.hub,
	}
	if n.mockCop != nil {
		apiCfg.Mock = &api.MockNetwork{Metadata: n.mockCop.Metadata(), Backend: n.mockCop}
	}

	n.api = api.New(apiCfg)
	if err := n.api.Start(); err != nil {
		n.Close()
		return fmt.Errorf("start api:\n%w", err)
	}

	return n.waitForShutdown()
}

// startRelay serves the keys, input and decrypt operations over QUIC.
func (n *Node) startRelay() error {
	srv, err := relay.NewServer(relay.ServerConfig{
		PrivateKey: n.cfg.PrivateKey,
		ListenAddr: n.cfg.RelayAddress,
		Committee:  n.committee,
	})
	if err != nil {
		return fmt.Errorf("create relay:\n%w", err)
	}

	relay.NewService(n.keys, n.lattice, n.committee).Register(srv)

	if err := srv.Start(); err != nil {
		return fmt.Errorf("start relay:\n%w", err)
	}
	n.relay = srv

	return nil
}

// clientVersion is reported by /status. Mock nodes carry the marker the
// resolver looks for.
func (n *Node) clientVersion() string {
	if n.cfg.Mode == modeMock {
		return "pulse-node/v1 (mock)"
	}
	return "pulse-node/v1"
}

// waitForShutdown blocks until SIGINT or SIGTERM is received.
func (n *Node) waitForShutdown() error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("shutting down", "signal", sig.String())

	return n.Close()
}

// Close shuts down all node components gracefully.
func (n *Node) Close() error {
	if n.api != nil {
		n.api.Stop()
	}

	if n.relay != nil {
		n.relay.Close()
	}

	if n.kafka != nil {
		if err := n.kafka.Close(); err != nil {
			logger.Warn("close kafka publisher", "error", err)
		}
	}

	if n.storage != nil {
		n.storage.Close()
	}

	return nil
}

// advertise turns a listen address into one clients can dial.
func advertise(addr string) string {
	if strings.HasPrefix(addr, ":") {
		return "127.0.0.1" + addr
	}
	return addr
}
