// Harrier - Trade anomaly and reputation evaluation for agent-driven trading.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

// Command harrier-eval evaluates a single trade and prints its decision
// record. It reads a TradeInput JSON document from -in or stdin.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/opensource-finance/harrier/internal/attestation"
	"github.com/opensource-finance/harrier/internal/config"
	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/opensource-finance/harrier/internal/evaluator"
	"github.com/opensource-finance/harrier/internal/oracle"
	"github.com/opensource-finance/harrier/internal/pipeline"
)

func main() {
	var (
		configPath = flag.String("config", os.Getenv("HARRIER_CONFIG"), "path to a config file")
		inPath     = flag.String("in", "", "TradeInput JSON file (default stdin)")
		outPath    = flag.String("out", "", "write the decision to this file (default stdout)")
		tenantID   = flag.String("tenant", "cli", "tenant to evaluate under")
		full       = flag.Bool("full", false, "print the full evaluation instead of the decision record")
		attest     = flag.Bool("attest", false, "deliver the decision to the configured attestation sinks")
	)
	flag.Parse()

	if err := run(*configPath, *inPath, *outPath, *tenantID, *full, *attest); err != nil {
		fmt.Fprintf(os.Stderr, "harrier-eval: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, inPath, outPath, tenantID string, full, attest bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	// Logs go to stderr so stdout carries only the decision.
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})))

	in, err := readInput(inPath)
	if err != nil {
		return err
	}

	scoringOracle, err := oracle.New(cfg.Oracle)
	if err != nil {
		return err
	}

	var opts []evaluator.Option
	var dispatcher *attestation.Dispatcher
	if attest {
		sink, err := attestation.New(withoutBusSink(cfg.Attestation), nil)
		if err != nil {
			return fmt.Errorf("attestation: %w", err)
		}
		dispatcher = attestation.NewDispatcher(sink, cfg.Attestation.Timeout, nil)
		opts = append(opts, evaluator.WithAttestor(dispatcher))
	}

	ev := evaluator.New(scoringOracle, evaluator.ConfigFrom(cfg), opts...)
	eval, err := pipeline.New(ev).Submit(context.Background(), tenantID, "", in)
	if err != nil {
		return err
	}
	if dispatcher != nil {
		dispatcher.Wait()
	}

	var out interface{} = eval.Decision
	if full {
		out = eval
	}
	return writeOutput(outPath, out)
}

// withoutBusSink drops the bus sink, which needs a running service.
func withoutBusSink(cfg domain.AttestationConfig) domain.AttestationConfig {
	sinks := make([]string, 0, len(cfg.Sinks))
	for _, s := range cfg.Sinks {
		if s != "bus" {
			sinks = append(sinks, s)
		}
	}
	cfg.Sinks = sinks
	return cfg
}

func readInput(path string) (*domain.TradeInput, error) {
	var r io.Reader = os.Stdin
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		r = f
	}

	var in domain.TradeInput
	if err := json.NewDecoder(r).Decode(&in); err != nil {
		return nil, fmt.Errorf("invalid trade input: %w", err)
	}
	return &in, nil
}

func writeOutput(path string, v interface{}) error {
	w := os.Stdout
	if path != "" {
		f, err := os.Create(path)
		if err != nil {
			return err
		}
		defer f.Close()
		w = f
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
