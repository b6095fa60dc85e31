package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"registry-scorer/internal/cfg"
	"registry-scorer/internal/common"
	"registry-scorer/internal/identity"
	"registry-scorer/internal/registry"
	"registry-scorer/internal/replay"
	"registry-scorer/internal/scoring"
	"registry-scorer/internal/storage"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const usage = `usage: scorectl <command> [flags]

commands:
  score     score a request file against the configured models
  resolve   resolve a models:/ reference against the registry
  captures  list or prune captured requests
  replay    re-score captured requests and report changed predictions
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "score":
		err = runScore(os.Args[2:])
	case "resolve":
		err = runResolve(os.Args[2:])
	case "captures":
		err = runCaptures(os.Args[2:])
	case "replay":
		err = runReplay(os.Args[2:])
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil {
		log.Fatal().Err(err).Msg(os.Args[1] + " failed")
	}
}

func setupLogging(level string) {
	l, err := zerolog.ParseLevel(level)
	if err != nil {
		l = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(l)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
}

func runScore(args []string) error {
	fs := flag.NewFlagSet("score", flag.ExitOnError)
	var (
		requestPath = fs.String("request", "-", "Request body file, - for stdin")
		threshold   = fs.Int("threshold", -1, "Row threshold (overrides config)")
		logLevel    = fs.String("log-level", "info", "Log level: debug, info, warn, error")
	)
	_ = fs.Parse(args)
	setupLogging(*logLevel)

	body, err := readInput(*requestPath)
	if err != nil {
		return err
	}

	c, err := cfg.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if *threshold >= 0 {
		c.RowThreshold = *threshold
	}
	// Disable caching for one-shot runs.
	c.CacheSize = 0

	ctx := context.Background()
	svc, err := scoring.NewInitializer(c).Init(ctx)
	if err != nil {
		return err
	}
	defer svc.Close()

	res, err := svc.Handle(ctx, body)
	if err != nil {
		return err
	}

	log.Info().
		Str("role", res.Role).
		Str("model", res.Model.URI()).
		Int("rows", res.Rows).
		Msg("scored")
	return printJSON(res.Prediction)
}

func runResolve(args []string) error {
	fs := flag.NewFlagSet("resolve", flag.ExitOnError)
	logLevel := fs.String("log-level", "warn", "Log level: debug, info, warn, error")
	_ = fs.Parse(args)
	setupLogging(*logLevel)

	if fs.NArg() == 0 {
		return fmt.Errorf("resolve needs at least one models:/ reference")
	}

	c, err := cfg.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	tokens, err := identity.New(c.RegistryAuth, c.ClientID, c.RegistryToken, c.TokenScope)
	if err != nil {
		return err
	}
	client, err := registry.New(c.TrackingURI, tokens, c.RegistryTimeout)
	if err != nil {
		return err
	}

	ctx := context.Background()
	versions := make([]*registry.ModelVersion, 0, fs.NArg())
	for _, uri := range fs.Args() {
		mv, err := client.ResolveURI(ctx, uri)
		if err != nil {
			return err
		}
		versions = append(versions, mv)
	}
	return printJSON(versions)
}

func runCaptures(args []string) error {
	fs := flag.NewFlagSet("captures", flag.ExitOnError)
	var (
		dataPath = fs.String("data", "", "Capture store directory (defaults to DATA_PATH)")
		since    = fs.Duration("since", time.Hour, "List captures newer than this")
		prune    = fs.Duration("prune", 0, "Delete captures older than this instead of listing")
		logLevel = fs.String("log-level", "info", "Log level: debug, info, warn, error")
	)
	_ = fs.Parse(args)
	setupLogging(*logLevel)

	if *dataPath == "" {
		*dataPath = os.Getenv(common.EnvDataPath)
	}
	if *dataPath == "" {
		return fmt.Errorf("no capture store: pass -data or set DATA_PATH")
	}

	if *prune > 0 {
		store, err := storage.New(*dataPath)
		if err != nil {
			return err
		}
		defer store.Close()
		n, err := store.Prune(time.Now().Add(-*prune))
		if err != nil {
			return err
		}
		log.Info().Int("deleted", n).Dur("older_than", *prune).Msg("captures pruned")
		return nil
	}

	store, err := storage.OpenReadOnly(*dataPath)
	if err != nil {
		return err
	}
	defer store.Close()

	now := time.Now()
	captures, err := store.Range(now.Add(-*since), now)
	if err != nil {
		return err
	}
	log.Info().Int("count", len(captures)).Dur("since", *since).Msg("captures loaded")
	return printJSON(captures)
}

func runReplay(args []string) error {
	fs := flag.NewFlagSet("replay", flag.ExitOnError)
	var (
		dataPath   = fs.String("data", "", "Capture store directory (defaults to DATA_PATH)")
		since      = fs.Duration("since", 24*time.Hour, "Replay captures newer than this")
		outputPath = fs.String("output", "", "Directory for replay reports")
		baseline   = fs.Duration("baseline", 0, "Compare inputs against the window of this length preceding -since (0 disables drift detection)")
		threshold  = fs.Float64("drift-threshold", replay.DefaultDriftConfig().Threshold, "Drift score above which an alert is raised")
		logLevel   = fs.String("log-level", "info", "Log level: debug, info, warn, error")
	)
	_ = fs.Parse(args)
	setupLogging(*logLevel)

	c, err := cfg.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if *dataPath == "" {
		*dataPath = c.DataPath
	}
	if *dataPath == "" {
		return fmt.Errorf("no capture store: pass -data or set DATA_PATH")
	}

	store, err := storage.OpenReadOnly(*dataPath)
	if err != nil {
		return err
	}
	now := time.Now()
	captures, err := store.Range(now.Add(-*since), now)
	if err != nil {
		store.Close()
		return err
	}
	var reference []storage.Capture
	if *baseline > 0 {
		start := now.Add(-*since)
		reference, err = store.Range(start.Add(-*baseline), start.Add(-time.Nanosecond))
		if err != nil {
			store.Close()
			return err
		}
	}
	store.Close()

	c.CacheSize = 0
	ctx := context.Background()
	svc, err := scoring.NewInitializer(c).Init(ctx)
	if err != nil {
		return err
	}
	defer svc.Close()

	results, err := replay.NewEngine(svc).Run(ctx, captures)
	if err != nil {
		return err
	}
	if *baseline > 0 {
		detector := replay.NewDriftDetector(replay.DriftConfig{Threshold: *threshold})
		results.Drift = detector.Compare(reference, captures)
	}

	reporter := replay.NewReporter(results, *outputPath)
	if *outputPath != "" {
		if err := reporter.GenerateReport(); err != nil {
			return err
		}
	}
	reporter.PrintSummary(os.Stdout)
	return nil
}

func readInput(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
