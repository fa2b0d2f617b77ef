package main

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"os"

	"PulseNebula/internal/logger"
	"PulseNebula/internal/signer"
)

func main() {
	logger.Init()

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// run is the main entry point with error handling.
func run() error {
	cfg := parseFlags()

	if err := cfg.validate(); err != nil {
		return err
	}

	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logger.SetLevel(level)

	cfg.PrivateKey, err = signer.LoadOrGenerateKey(cfg.KeyPath)
	if err != nil {
		return fmt.Errorf("load key:\n%w", err)
	}

	node, err := NewNode(cfg)
	if err != nil {
		return fmt.Errorf("create node:\n%w", err)
	}

	printStartupInfo(cfg)

	return node.Run()
}

// printStartupInfo displays node configuration at startup.
func printStartupInfo(cfg *Config) {
	pubKey := cfg.PrivateKey.Public().(ed25519.PublicKey)

	logger.Info("starting PulseNebula node",
		"pubkey", hex.EncodeToString(pubKey),
		"mode", cfg.Mode,
		"chain", cfg.ChainID,
		"http", cfg.HTTPAddress,
		"data", cfg.DataPath,
	)

	if cfg.Mode == modeRelay {
		logger.Info("relay configuration", "relay", cfg.RelayAddress, "committee", cfg.CommitteeSize)
	}
}
