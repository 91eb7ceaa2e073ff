// Command seasonfetch archives a single season's scoreboards and
// win-probability documents, then exits. The archiver runs it as a child
// process when fetch isolation is wanted; it also works standalone for
// targeted backfills.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/psycho789/bball-sub002/internal/archive"
	"github.com/psycho789/bball-sub002/internal/client"
	"github.com/psycho789/bball-sub002/internal/config"
	"github.com/psycho789/bball-sub002/internal/fetch"
	"github.com/psycho789/bball-sub002/internal/orchestrate"
	"github.com/psycho789/bball-sub002/internal/season"
)

func main() {
	var (
		fSeason      = flag.String("season", "", "season label to archive, e.g. 2023-24")
		fOverwrite   = flag.Bool("overwrite", false, "re-fetch documents that are already archived")
		fMaxWrites   = flag.Int("max-writes", 0, "stop after this many archive writes, 0 for no cap")
		fWorkers     = flag.Int("workers", 0, "probability fetch workers, 0 uses FETCH_WORKERS")
		fStopOnError = flag.Bool("stop-on-error", false, "halt on the first fetch failure")
	)
	flag.Parse()

	setupLogger()

	if *fSeason == "" {
		log.Fatal().Msg("-season is required")
	}
	s, err := season.Parse(*fSeason)
	if err != nil {
		log.Fatal().Err(err).Str("season", *fSeason).Msg("Invalid season label")
	}

	cfg := config.MustLoad()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		log.Info().Msg("Received shutdown signal, gracefully shutting down...")
		cancel()
	}()

	espn := client.New(cfg.ScoreboardBaseURL, cfg.ProbabilitiesBaseURL, client.Options{
		Timeout:       cfg.SourceTimeout,
		MaxAttempts:   cfg.SourceMaxAttempts,
		RetryBase:     cfg.SourceRetryBase,
		RetryDeadline: cfg.SourceRetryDeadline,
		RatePerSec:    cfg.SourceRateLimit,
		Burst:         cfg.SourceBurstLimit,
		RequestSleep:  cfg.SourceRequestSleep,
	})
	store := archive.NewStore(cfg.ArchiveRoot)

	workers := cfg.FetchWorkers
	if *fWorkers > 0 {
		workers = *fWorkers
	}

	params := fetch.Params{
		Workers:        workers,
		MaxWrites:      *fMaxWrites,
		Overwrite:      *fOverwrite,
		StopOnError:    *fStopOnError,
		HeartbeatEvery: cfg.FetchHeartbeat,
		ProgressEvery:  cfg.FetchProgressEvery,
		Throttle:       espn.Throttle(),
	}
	paths := orchestrate.Paths{
		LedgerTemplate: cfg.LedgerTemplate,
		ReportTemplate: cfg.ReportTemplate,
	}

	runner := orchestrate.NewLocalFetchRunner(espn, store, params, cfg.SeasonStartOffset, cfg.SeasonEndOffset, paths)

	res, err := runner.FetchSeason(ctx, s)
	if err != nil {
		log.Error().Err(err).Str("season", s.Label()).Msg("Season fetch failed")
		os.Exit(orchestrate.ExitFailure)
	}

	log.Info().
		Str("season", s.Label()).
		Int("archived", res.Archived).
		Int("failed", res.Failed).
		Int("unsupported", res.Unsupported).
		Bool("cap_reached", res.CapReached).
		Msg("Season fetch finished")
}

// setupLogger configures the zerolog logger
func setupLogger() {
	// Pretty console logging in development
	if os.Getenv("APP_ENV") == "development" {
		log.Logger = log.Output(zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		})
	}

	// Set log level
	level := zerolog.InfoLevel
	if lvl := os.Getenv("LOG_LEVEL"); lvl != "" {
		parsedLevel, err := zerolog.ParseLevel(lvl)
		if err == nil {
			level = parsedLevel
		}
	}
	zerolog.SetGlobalLevel(level)
}
