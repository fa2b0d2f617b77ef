package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"PulseNebula/internal/logger"
)

func main() {
	logger.Init()

	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(2)
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// run parses the global flags and dispatches the subcommand.
func run(args []string) error {
	cfg, rest, err := parseGlobal(args)
	if err != nil {
		return err
	}

	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logger.SetLevel(level)

	if len(rest) == 0 {
		return fmt.Errorf("no command given (try: %s)", commandNames())
	}

	cmd, ok := lookup(rest[0])
	if !ok {
		return fmt.Errorf("unknown command %q (try: %s)", rest[0], commandNames())
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cmd.name != "watch" {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	env, err := newEnv(ctx, cfg)
	if err != nil {
		return err
	}
	defer env.Close()

	return cmd.run(ctx, env, rest[1:])
}
