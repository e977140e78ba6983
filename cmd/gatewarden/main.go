package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Quillon-Labs/gatewarden/pkg/arbiter"
	"github.com/Quillon-Labs/gatewarden/pkg/audit"
	"github.com/Quillon-Labs/gatewarden/pkg/config"
	"github.com/Quillon-Labs/gatewarden/pkg/ledger"
	"github.com/Quillon-Labs/gatewarden/pkg/observability"
	"github.com/Quillon-Labs/gatewarden/pkg/policy"
	"github.com/Quillon-Labs/gatewarden/pkg/risk"
	"github.com/Quillon-Labs/gatewarden/pkg/supervisor"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint, split out for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stdout)
		return 0
	}

	switch args[1] {
	case "vet":
		return runVetCmd(args[2:], stdout, stderr)
	case "arbitrate":
		return runArbitrateCmd(args[2:], stdout, stderr)
	case "verify":
		return runVerifyCmd(args[2:], stdout, stderr)
	case "seal":
		return runSealCmd(args[2:], stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "gatewarden - governed text arbitration")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Usage:")
	fmt.Fprintln(w, "  gatewarden vet [-pack <id>] [-locale <code>] <text|->   Vet text against the active policy pack")
	fmt.Fprintln(w, "  gatewarden arbitrate -primary <text> -fallback <text>   Run one arbitration with literal candidates")
	fmt.Fprintln(w, "  gatewarden verify                                       Verify the sealed ledger end to end")
	fmt.Fprintln(w, "  gatewarden seal                                         Print the ledger checkpoint hash")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Environment: POLICY_DIR, LEDGER_PATH, LEDGER_DRIVER, LEDGER_DSN, GENESIS_SEED, LOG_LEVEL")
	fmt.Fprintln(w, "")
}

func setupLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToUpper(cfg.LogLevel) {
	case "DEBUG":
		level = slog.LevelDebug
	case "WARN":
		level = slog.LevelWarn
	case "ERROR":
		level = slog.LevelError
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return logger
}

func loadPacks(cfg *config.Config) (*policy.Loader, error) {
	loader, err := policy.NewLoader()
	if err != nil {
		return nil, err
	}
	if err := loader.LoadDir(cfg.PolicyDir); err != nil {
		return nil, fmt.Errorf("loading policy packs from %s: %w", cfg.PolicyDir, err)
	}
	if len(loader.All()) == 0 {
		return nil, fmt.Errorf("no policy packs found in %s", cfg.PolicyDir)
	}
	return loader, nil
}

// activePack picks the named pack, or the only pack when unnamed.
func activePack(loader *policy.Loader, id string) (*policy.Pack, error) {
	if id != "" {
		pack, ok := loader.Get(id)
		if !ok {
			return nil, fmt.Errorf("policy pack %q not loaded", id)
		}
		return pack, nil
	}
	packs := loader.All()
	if len(packs) != 1 {
		return nil, fmt.Errorf("multiple policy packs loaded; select one with -pack")
	}
	return packs[0], nil
}

func openLedger(ctx context.Context, cfg *config.Config) (*ledger.Sealed, error) {
	seed := os.Getenv("GENESIS_SEED")
	if seed == "" {
		return nil, fmt.Errorf("GENESIS_SEED must be set: the ledger's original key is rebuilt from it on every start")
	}
	key, err := ledger.DeriveGenesisKey([]byte(seed), nil, "gatewarden")
	if err != nil {
		return nil, err
	}

	var store ledger.BlockStore
	switch cfg.LedgerDriver {
	case "file":
		if err := os.MkdirAll(filepath.Dir(cfg.LedgerPath), 0o750); err != nil {
			return nil, err
		}
		store, err = ledger.NewFileStore(cfg.LedgerPath)
		if err != nil {
			return nil, err
		}
	case "sqlite":
		store, err = ledger.OpenSQLStore(ctx, "sqlite", cfg.LedgerDSN)
		if err != nil {
			return nil, err
		}
	case "postgres":
		store, err = ledger.OpenSQLStore(ctx, "postgres", cfg.LedgerDSN)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown ledger driver %q", cfg.LedgerDriver)
	}

	return ledger.Open(ctx, key, ledger.WithStore(store))
}

func runVetCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("vet", flag.ContinueOnError)
	fs.SetOutput(stderr)
	packID := fs.String("pack", "", "policy pack id")
	locale := fs.String("locale", "", "input locale")
	usePrefilter := fs.Bool("prefilter", false, "short-circuit inputs with no hot keyword (skips decode scanning)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() < 1 {
		_, _ = fmt.Fprintln(stderr, "vet: missing text argument (use - for stdin)")
		return 2
	}

	text := fs.Arg(0)
	if text == "-" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "vet: reading stdin: %v\n", err)
			return 1
		}
		text = string(data)
	}

	cfg := config.Load()
	setupLogger(cfg)

	loader, err := loadPacks(cfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "vet: %v\n", err)
		return 1
	}
	pack, err := activePack(loader, *packID)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "vet: %v\n", err)
		return 1
	}

	// The prefilter sees raw input only, so it lets encoded evasions
	// through; it stays opt-in.
	var prefilter *risk.Prefilter
	if *usePrefilter {
		prefilter = risk.NewPrefilter(risk.DefaultHotKeywords)
	}

	scorer := risk.NewScorer()
	assessment := scorer.Vet(text, pack, "cli", *locale, prefilter)

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(assessment); err != nil {
		_, _ = fmt.Fprintf(stderr, "vet: %v\n", err)
		return 1
	}
	if assessment.Decision == risk.DecisionVeto {
		return 3
	}
	return 0
}

func runArbitrateCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("arbitrate", flag.ContinueOnError)
	fs.SetOutput(stderr)
	primary := fs.String("primary", "", "primary candidate text")
	fallback := fs.String("fallback", "", "fallback candidate text")
	prompt := fs.String("prompt", "", "originating prompt (hashed into provenance)")
	packID := fs.String("pack", "", "policy pack id")
	locale := fs.String("locale", "", "input locale")
	usePrefilter := fs.Bool("prefilter", false, "short-circuit inputs with no hot keyword (skips decode scanning)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *primary == "" || *fallback == "" {
		_, _ = fmt.Fprintln(stderr, "arbitrate: -primary and -fallback are required")
		return 2
	}

	cfg := config.Load()
	logger := setupLogger(cfg)
	ctx := context.Background()

	loader, err := loadPacks(cfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "arbitrate: %v\n", err)
		return 1
	}
	pack, err := activePack(loader, *packID)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "arbitrate: %v\n", err)
		return 1
	}

	ldg, err := openLedger(ctx, cfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "arbitrate: %v\n", err)
		return 1
	}

	sup := supervisor.New(supervisor.WithLogger(logger))
	poolOpts := []supervisor.PoolOption{supervisor.WithPoolLogger(logger)}
	if cfg.RedisURL != "" {
		gate := supervisor.NewRedisGate(cfg.RedisURL, "", 0, float64(cfg.MaxConcurrent), cfg.MaxConcurrent)
		defer gate.Close()
		poolOpts = append(poolOpts, supervisor.WithGate(gate, "arbitrate"))
	}
	pool := supervisor.NewPool(sup, int64(cfg.MaxConcurrent), poolOpts...)
	defer pool.Shutdown(5 * time.Second)

	opts := []arbiter.ArbiterOption{
		arbiter.WithPool(pool),
		arbiter.WithAuditor(audit.NewLoggerWithWriter(os.Stderr)),
		arbiter.WithDeadlines(cfg.PrimaryDeadline, cfg.FallbackDeadline),
		arbiter.WithRetryPolicy(cfg.MaxRetries, cfg.BaseBackoff),
		arbiter.WithLogger(logger),
	}
	// The prefilter sees raw input only, so it lets encoded evasions
	// through; it stays opt-in.
	if *usePrefilter {
		opts = append(opts, arbiter.WithPrefilter(risk.NewPrefilter(risk.DefaultHotKeywords)))
	}
	if cfg.OTLPEndpoint != "" {
		obsCfg := observability.DefaultConfig()
		obsCfg.OTLPEndpoint = cfg.OTLPEndpoint
		obs, err := observability.New(ctx, obsCfg)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "arbitrate: %v\n", err)
			return 1
		}
		defer func() { _ = obs.Shutdown(ctx) }()
		opts = append(opts, arbiter.WithObservability(obs))
	}

	a := arbiter.New(risk.NewScorer(), sup, ldg, func() *policy.Pack { return pack }, opts...)

	primaryText, fallbackText := *primary, *fallback
	res, err := a.Arbitrate(ctx, arbiter.Request{
		Primary:  func(ctx context.Context) (string, error) { return primaryText, nil },
		Fallback: func(ctx context.Context) (string, error) { return fallbackText, nil },
		Prompt:   *prompt,
		Locale:   *locale,
	})
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "arbitrate: decision could not be sealed: %v\n", err)
		return 1
	}

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(res); err != nil {
		_, _ = fmt.Fprintf(stderr, "arbitrate: %v\n", err)
		return 1
	}
	if res.Decision != arbiter.DecisionApproved {
		return 3
	}
	return 0
}

func runVerifyCmd(args []string, stdout, stderr io.Writer) int {
	cfg := config.Load()
	setupLogger(cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	ldg, err := openLedger(ctx, cfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "verify: %v\n", err)
		return 1
	}

	valid, detail := ldg.VerifyAll()
	if !valid {
		_, _ = fmt.Fprintf(stderr, "verify: FAILED: %s\n", detail)
		return 1
	}
	_, _ = fmt.Fprintf(stdout, "verify: OK (%d blocks)\n", ldg.Len())
	return 0
}

func runSealCmd(args []string, stdout, stderr io.Writer) int {
	cfg := config.Load()
	setupLogger(cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	ldg, err := openLedger(ctx, cfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "seal: %v\n", err)
		return 1
	}

	checkpoint, err := ldg.Seal()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "seal: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintf(stdout, "%s\n", checkpoint)
	return 0
}
