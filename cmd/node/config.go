package main

import (
	"crypto/ed25519"
	"flag"
	"fmt"
	"strings"

	"PulseNebula/internal/resolver"
)

// Coprocessor backends a node can run.
const (
	modeMock  = "mock"
	modeRelay = "relay"
)

// Config holds the node configuration.
type Config struct {
	// DataPath is the directory for persistent storage.
	DataPath string

	// HTTPAddress is the HTTP API listen address.
	HTTPAddress string

	// PublicURL is the HTTP root clients reach, published as the gateway.
	PublicURL string

	// RelayAddress is the QUIC relay listen address (relay mode).
	RelayAddress string

	// KeyPath is the path to the Ed25519 private key file.
	KeyPath string

	// PrivateKey is the node's Ed25519 identity.
	PrivateKey ed25519.PrivateKey

	// Mode selects the coprocessor: mock or relay.
	Mode string

	// ChainID is reported by /status.
	ChainID uint64

	// CommitteeSize is the number of BLS input verifiers (relay mode).
	CommitteeSize int

	// KafkaBrokers and KafkaTopic enable the Kafka event publisher.
	KafkaBrokers string
	KafkaTopic   string

	// LogLevel is the minimum level written (debug, info, warn, error).
	LogLevel string
}

// parseFlags parses command-line flags into Config.
func parseFlags() *Config {
	cfg := &Config{}

	flag.StringVar(&cfg.DataPath, "data", "./data", "Data directory path")
	flag.StringVar(&cfg.HTTPAddress, "http", ":8080", "HTTP API address")
	flag.StringVar(&cfg.PublicURL, "public-url", "", "HTTP root advertised to clients (default http://<http>)")
	flag.StringVar(&cfg.RelayAddress, "relay", ":9443", "QUIC relay address (relay mode)")
	flag.StringVar(&cfg.KeyPath, "key", "", "Ed25519 private key path (generates new if missing)")
	flag.StringVar(&cfg.Mode, "mode", modeMock, "Coprocessor backend: mock or relay")
	flag.Uint64Var(&cfg.ChainID, "chain-id", resolver.MockChainID, "Chain id reported to clients")
	flag.IntVar(&cfg.CommitteeSize, "committee", 3, "Input verifier committee size (relay mode)")
	flag.StringVar(&cfg.KafkaBrokers, "kafka-brokers", "", "Comma-separated Kafka brokers for SampleLogged events")
	flag.StringVar(&cfg.KafkaTopic, "kafka-topic", "pulse.samples", "Kafka topic for SampleLogged events")
	flag.StringVar(&cfg.LogLevel, "log-level", "info", "Log level: debug, info, warn, error")
	flag.Parse()

	return cfg
}

// validate checks flag combinations.
func (c *Config) validate() error {
	switch c.Mode {
	case modeMock, modeRelay:
	default:
		return fmt.Errorf("unknown mode %q (want %s or %s)", c.Mode, modeMock, modeRelay)
	}

	if c.Mode == modeRelay && c.CommitteeSize <= 0 {
		return fmt.Errorf("committee size must be positive, got %d", c.CommitteeSize)
	}

	return nil
}

// gatewayURL returns the advertised HTTP root.
func (c *Config) gatewayURL() string {
	if c.PublicURL != "" {
		return strings.TrimRight(c.PublicURL, "/")
	}

	return "http://" + advertise(c.HTTPAddress)
}

// kafkaBrokers splits the broker list, returning nil when Kafka is off.
func (c *Config) kafkaBrokers() []string {
	if strings.TrimSpace(c.KafkaBrokers) == "" {
		return nil
	}
	return strings.Split(c.KafkaBrokers, ",")
}
