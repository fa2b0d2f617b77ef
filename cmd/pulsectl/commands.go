package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"PulseNebula/internal/contentstore"
	"PulseNebula/internal/fhe"
	"PulseNebula/internal/session"
)

// command is one pulsectl subcommand.
type command struct {
	name    string
	summary string
	run     func(ctx context.Context, e *env, args []string) error
}

var commands []command

func init() {
	commands = []command{
		{"status", "show the node's chain, mode and ledger", cmdStatus},
		{"whoami", "print the wallet address", cmdWhoami},
		{"submit", "encrypt and log a pulse sample", cmdSubmit},
		{"list", "list the wallet's samples", cmdList},
		{"decrypt", "decrypt one sample's average", cmdDecrypt},
		{"grant", "let another address decrypt a sample", cmdGrant},
		{"collective", "decrypt the collective average of public samples", cmdCollective},
		{"watch", "stream SampleLogged events", cmdWatch},
	}
}

func lookup(name string) (command, bool) {
	for _, c := range commands {
		if c.name == name {
			return c, true
		}
	}
	return command{}, false
}

func commandNames() string {
	names := make([]string, len(commands))
	for i, c := range commands {
		names[i] = c.name
	}
	return strings.Join(names, ", ")
}

func cmdStatus(ctx context.Context, e *env, _ []string) error {
	st, err := e.client.Status(ctx)
	if err != nil {
		return fmt.Errorf("fetch status:\n%w", err)
	}

	total, err := e.client.TotalSamples(ctx)
	if err != nil {
		return fmt.Errorf("fetch total:\n%w", err)
	}

	fmt.Fprintf(e.out, "node:     %s\n", e.client.URL())
	fmt.Fprintf(e.out, "chain:    %d\n", st.ChainID)
	fmt.Fprintf(e.out, "version:  %s\n", st.ClientVersion)
	fmt.Fprintf(e.out, "mode:     %s\n", st.Mode)
	fmt.Fprintf(e.out, "ledger:   %s\n", st.Ledger)
	if st.RelayAddress != "" {
		fmt.Fprintf(e.out, "relay:    %s\n", st.RelayAddress)
	}
	fmt.Fprintf(e.out, "samples:  %d\n", total)

	return nil
}

func cmdWhoami(_ context.Context, e *env, _ []string) error {
	fmt.Fprintln(e.out, e.wallet.Pubkey())
	return nil
}

func cmdSubmit(ctx context.Context, e *env, args []string) error {
	fs := flag.NewFlagSet("submit", flag.ContinueOnError)
	rate := fs.Uint("rate", 0, "Average pulse in bpm (30-220)")
	public := fs.Bool("public", false, "Contribute the sample to the collective average")
	publicRate := fs.Uint("public-rate", 0, "Declared public average (defaults to -rate)")
	series := fs.String("series", "", "Comma-separated bpm readings, one per second")
	seriesFile := fs.String("series-file", "", "JSON file of {timestamp, bpm} readings")
	if err := fs.Parse(args); err != nil {
		return err
	}

	measurements, err := readSeries(*series, *seriesFile)
	if err != nil {
		return err
	}

	p := session.Payload{
		AvgRate:       uint32(*rate),
		IsPublic:      *public,
		PublicAvgRate: uint32(*publicRate),
		Measurements:  measurements,
	}
	if p.AvgRate == 0 {
		if sum, ok := contentstore.Summarize(measurements); ok {
			p.AvgRate = sum.Average
		}
	}
	if len(measurements) == 0 {
		p.MeasurementCount, p.MinBpm, p.MaxBpm = 1, p.AvgRate, p.AvgRate
		p.ContentID = contentstore.ContentID(fmt.Appendf(nil, "%d@%d", p.AvgRate, time.Now().UnixNano()))
	}

	id, err := e.session.Submit(ctx, p)
	if err != nil {
		return fmt.Errorf("%s:\n%w", e.session.Message(), err)
	}

	fmt.Fprintf(e.out, "%s: sample %d\n", e.session.Message(), id)

	return nil
}

// readSeries parses readings from a flag value or a JSON file.
func readSeries(inline, path string) ([]contentstore.Measurement, error) {
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read series:\n%w", err)
		}

		var out []contentstore.Measurement
		if err := json.Unmarshal(data, &out); err != nil {
			return nil, fmt.Errorf("parse series %s:\n%w", path, err)
		}
		return out, nil
	}

	if inline == "" {
		return nil, nil
	}

	start := time.Now().UTC()
	parts := strings.Split(inline, ",")
	out := make([]contentstore.Measurement, 0, len(parts))

	for i, p := range parts {
		bpm, err := strconv.ParseUint(strings.TrimSpace(p), 10, 32)
		if err != nil {
			return nil, fmt.Errorf("reading %d: %w", i+1, err)
		}
		out = append(out, contentstore.Measurement{
			Timestamp: start.Add(time.Duration(i) * time.Second).Format(time.RFC3339),
			Bpm:       uint32(bpm),
		})
	}

	return out, nil
}

func cmdList(ctx context.Context, e *env, _ []string) error {
	if err := e.session.Refresh(ctx); err != nil {
		return fmt.Errorf("%s:\n%w", e.session.Message(), err)
	}

	samples := e.session.Samples()
	if len(samples) == 0 {
		fmt.Fprintln(e.out, "no samples")
		return nil
	}

	for _, s := range samples {
		visibility := "private"
		if s.IsPublic {
			visibility = fmt.Sprintf("public avg=%d", s.DeclaredPublicAverage)
		}

		fmt.Fprintf(e.out, "#%d  %s  n=%d  min=%d  max=%d  %s  cid=%s\n",
			s.ID, time.Unix(s.Timestamp, 0).UTC().Format(time.RFC3339),
			s.MeasurementCount, s.MinBpm, s.MaxBpm, visibility, s.ContentID)
	}

	return nil
}

func cmdDecrypt(ctx context.Context, e *env, args []string) error {
	id, err := sampleArg("decrypt", args)
	if err != nil {
		return err
	}

	v, err := e.session.DecryptSample(ctx, id)
	if err != nil {
		return fmt.Errorf("%s:\n%w", e.session.Message(), err)
	}

	fmt.Fprintf(e.out, "sample %d: %d bpm\n", id, v)

	return nil
}

func cmdGrant(ctx context.Context, e *env, args []string) error {
	fs := flag.NewFlagSet("grant", flag.ContinueOnError)
	id := fs.Uint64("id", 0, "Sample id")
	to := fs.String("to", "", "Grantee address (0x...)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	grantee, err := fhe.ParseAddress(*to)
	if err != nil {
		return fmt.Errorf("grantee:\n%w", err)
	}

	if err := e.session.Grant(ctx, *id, grantee); err != nil {
		return fmt.Errorf("%s:\n%w", e.session.Message(), err)
	}

	fmt.Fprintf(e.out, "%s: sample %d to %s\n", e.session.Message(), *id, grantee)

	return nil
}

func cmdCollective(ctx context.Context, e *env, _ []string) error {
	coll, err := e.session.DecryptCollective(ctx)
	if err != nil {
		return fmt.Errorf("%s:\n%w", e.session.Message(), err)
	}

	if !coll.HasAverage {
		fmt.Fprintln(e.out, e.session.Message())
		return nil
	}

	fmt.Fprintf(e.out, "collective average: %.1f bpm over %d samples\n", coll.Average, coll.Samples)

	return nil
}

func cmdWatch(ctx context.Context, e *env, _ []string) error {
	stream, err := e.client.Subscribe(ctx)
	if err != nil {
		return err
	}

	for evt := range stream {
		visibility := "private"
		if evt.IsPublic {
			visibility = fmt.Sprintf("public avg=%d", evt.DeclaredPublicAverage)
		}
		fmt.Fprintf(e.out, "sample %d by %s  n=%d  %s\n", evt.ID, evt.Owner, evt.MeasurementCount, visibility)
	}

	return nil
}

// sampleArg reads a single positional sample id.
func sampleArg(cmd string, args []string) (uint64, error) {
	if len(args) != 1 {
		return 0, fmt.Errorf("usage: pulsectl %s <sample-id>", cmd)
	}

	id, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("sample id %q: %w", args[0], err)
	}

	return id, nil
}
