package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"PulseNebula/internal/kv"
	"PulseNebula/internal/storage"
)

// Config holds the global CLI flags.
type Config struct {
	// NodeURL is the HTTP root of the ledger node.
	NodeURL string

	// KeyPath is the wallet's Ed25519 key file (generated if missing).
	KeyPath string

	// Store selects the cache backend: memory, pebble:<dir> or redis:<addr>.
	Store string

	// SDKFile is a local SDK module tried after the node's copy.
	SDKFile string

	// Timeout bounds each command.
	Timeout time.Duration

	// LogLevel is the minimum level written.
	LogLevel string
}

// parseGlobal parses the flags that precede the subcommand.
func parseGlobal(args []string) (*Config, []string, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("pulsectl", flag.ContinueOnError)
	fs.StringVar(&cfg.NodeURL, "node", "http://127.0.0.1:8080", "Ledger node HTTP URL")
	fs.StringVar(&cfg.KeyPath, "key", "pulsectl.key", "Wallet key path (generates new if missing)")
	fs.StringVar(&cfg.Store, "store", "pebble:./pulsectl-data", "Cache backend: memory, pebble:<dir> or redis:<addr>")
	fs.StringVar(&cfg.SDKFile, "sdk-file", "", "Local SDK module used when the node's copy is unavailable")
	fs.DurationVar(&cfg.Timeout, "timeout", 2*time.Minute, "Per-command timeout")
	fs.StringVar(&cfg.LogLevel, "log-level", "warn", "Log level: debug, info, warn, error")
	fs.Usage = func() { usage(fs) }

	if err := fs.Parse(args); err != nil {
		return nil, nil, err
	}

	return cfg, fs.Args(), nil
}

// openStore opens the cache backend named by backend. The returned closer
// releases it.
func openStore(ctx context.Context, backend string) (kv.Store, func(), error) {
	kind, arg, _ := strings.Cut(backend, ":")

	switch kind {
	case "memory":
		return kv.NewMemory(), func() {}, nil

	case "pebble":
		if arg == "" {
			return nil, nil, fmt.Errorf("pebble store needs a directory")
		}
		if err := os.MkdirAll(arg, 0755); err != nil {
			return nil, nil, fmt.Errorf("create store directory:\n%w", err)
		}

		db, err := storage.New(arg + "/db")
		if err != nil {
			return nil, nil, fmt.Errorf("open pebble store:\n%w", err)
		}
		return kv.NewPebble(db, "pulsectl:"), func() { db.Close() }, nil

	case "redis":
		if arg == "" {
			return nil, nil, fmt.Errorf("redis store needs an address")
		}

		r, err := kv.DialRedis(ctx, arg, "pulsectl:", 0)
		if err != nil {
			return nil, nil, fmt.Errorf("open redis store:\n%w", err)
		}
		return r, func() { r.Close() }, nil

	default:
		return nil, nil, fmt.Errorf("unknown store %q", backend)
	}
}

func usage(fs *flag.FlagSet) {
	out := fs.Output()
	fmt.Fprintf(out, "usage: pulsectl [flags] <command> [args]\n\ncommands:\n")
	for _, c := range commands {
		fmt.Fprintf(out, "  %-11s %s\n", c.name, c.summary)
	}
	fmt.Fprintf(out, "\nflags:\n")
	fs.PrintDefaults()
}
