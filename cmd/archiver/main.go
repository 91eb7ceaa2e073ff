// Command archiver drives multi-season archive runs of daily scoreboards and
// win-probability documents, with optional completeness checking and a
// terminal database load.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/psycho789/bball-sub002/internal/archive"
	"github.com/psycho789/bball-sub002/internal/client"
	"github.com/psycho789/bball-sub002/internal/config"
	"github.com/psycho789/bball-sub002/internal/fetch"
	"github.com/psycho789/bball-sub002/internal/loader"
	"github.com/psycho789/bball-sub002/internal/orchestrate"
	"github.com/psycho789/bball-sub002/internal/repository"
	"github.com/psycho789/bball-sub002/internal/scheduler"
	"github.com/psycho789/bball-sub002/internal/season"
)

func main() {
	var (
		fFrom           = flag.String("from", "", "first season label, e.g. 2018-19")
		fTo             = flag.String("to", "", "last season label, inclusive")
		fSeasons        = flag.String("seasons", "", "comma-separated season labels, overrides -from/-to")
		fLookback       = flag.Int("lookback", 0, "archive the N seasons before the current one")
		fIncludeCurrent = flag.Bool("include-current", false, "count the current season as part of -lookback")
		fExclude        = flag.String("exclude", "", "comma-separated season labels to skip")
		fCheck          = flag.Bool("check", true, "verify completeness after each season")
		fStopIncomplete = flag.Bool("stop-if-incomplete", false, "halt the run when a season's archive is incomplete")
		fOverwrite      = flag.Bool("overwrite", false, "re-fetch documents that are already archived")
		fMaxWrites      = flag.Int("max-writes", 0, "stop a season after this many archive writes, 0 for no cap")
		fWorkers        = flag.Int("workers", 0, "probability fetch workers, 0 uses FETCH_WORKERS")
		fStopOnError    = flag.Bool("stop-on-error", false, "halt a season on its first fetch failure")
		fLoad           = flag.Bool("load", false, "migrate and load the archive into Postgres after all seasons")
		fFetchBin       = flag.String("fetch-bin", "", "archive each season via this child binary instead of in process")
		fCheckBin       = flag.String("check-bin", "", "check each season via this child binary instead of in process")
		fDaemon         = flag.Bool("daemon", false, "keep running and archive the current season nightly")
	)
	flag.Parse()

	// Setup logger
	setupLogger()

	log.Info().Msg("Starting win-probability archiver")

	// Load configuration
	cfg := config.MustLoad()
	log.Info().
		Str("env", cfg.AppEnv).
		Str("log_level", cfg.LogLevel).
		Msg("Configuration loaded")

	// Create context that listens for cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Setup graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		log.Info().Msg("Received shutdown signal, gracefully shutting down...")
		cancel()
	}()

	// Initialize source client and archive store
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
	log.Info().Str("root", store.Root()).Msg("Archive store initialized")

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

	// Assemble the season pipeline, in process by default, per-season child
	// processes when the binaries are given
	var fetchRunner orchestrate.SeasonFetchRunner = orchestrate.NewLocalFetchRunner(
		espn, store, params, cfg.SeasonStartOffset, cfg.SeasonEndOffset, paths)
	if *fFetchBin != "" {
		fetchRunner = orchestrate.NewExecFetchRunner(*fFetchBin, fetchChildArgs(*fOverwrite, *fMaxWrites, *fWorkers, *fStopOnError)...)
	}

	var checker orchestrate.CompletenessChecker
	if *fCheck {
		checker = orchestrate.NewLocalChecker(store, cfg.SeasonStartOffset, cfg.SeasonEndOffset, paths)
		if *fCheckBin != "" {
			checker = orchestrate.NewExecChecker(*fCheckBin, paths)
		}
	}

	// Initialize database connection, only needed for the terminal load
	var db *repository.Database
	var archiveLoader orchestrate.ArchiveLoader
	if *fLoad {
		if err := cfg.ValidateDatabase(); err != nil {
			log.Fatal().Err(err).Msg("Invalid database configuration")
		}

		var err error
		db, err = repository.NewDatabase(ctx, repository.Config{
			Host:     cfg.DatabaseHost,
			Port:     strconv.Itoa(cfg.DatabasePort),
			User:     cfg.DatabaseUser,
			Password: cfg.DatabasePassword,
			Database: cfg.DatabaseName,
			SSLMode:  cfg.DatabaseSSLMode,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to database")
		}
		defer db.Close()

		archiveLoader = loader.New(store, db.Scoreboards, db.Probabilities,
			cfg.MigrationsPath, cfg.DatabaseURL(), cfg.SeasonStartOffset, cfg.SeasonEndOffset)
	}

	orch := orchestrate.New(fetchRunner, checker, archiveLoader, orchestrate.Options{
		Check:            *fCheck,
		StopIfIncomplete: *fStopIncomplete,
		LoadAfter:        *fLoad,
	})

	// Start metrics HTTP server
	if cfg.EnableMetrics {
		go startMetricsServer(strconv.Itoa(cfg.MetricsPort))
	}

	if *fDaemon {
		runDaemon(ctx, orch, cfg)
		return
	}

	seasons, err := selectSeasons(time.Now(), *fSeasons, *fFrom, *fTo, *fLookback, *fIncludeCurrent, *fExclude)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid season selection")
	}

	outcome := orch.Run(ctx, seasons)
	if db != nil {
		db.Close()
	}
	os.Exit(outcome.ExitCode)
}

// runDaemon keeps the archiver alive, re-archiving the current season on the
// nightly schedule
func runDaemon(ctx context.Context, orch *orchestrate.Orchestrator, cfg *config.Config) {
	sched := scheduler.NewScheduler(&nightlyRunner{orch: orch}, cfg.NightlyCron)
	if err := sched.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to start scheduler")
	}

	// Keep running until context is cancelled
	<-ctx.Done()

	// Graceful shutdown
	log.Info().Msg("Shutting down scheduler...")
	sched.Stop()

	log.Info().Msg("Archiver shutdown complete")
}

// nightlyRunner adapts the orchestrator to the scheduler's per-season hook
type nightlyRunner struct {
	orch *orchestrate.Orchestrator
}

func (r *nightlyRunner) RunOnce(ctx context.Context, s season.Season) error {
	outcome := r.orch.Run(ctx, []season.Season{s})
	return outcome.Err
}

// selectSeasons resolves the flag combinations into an ordered season list
// Precedence: -seasons, then -from/-to, then -lookback; with nothing given
// the current season is archived
func selectSeasons(now time.Time, seasonsCSV, from, to string, lookback int, includeCurrent bool, excludeCSV string) ([]season.Season, error) {
	var (
		selected []season.Season
		err      error
	)

	switch {
	case seasonsCSV != "":
		for _, label := range strings.Split(seasonsCSV, ",") {
			s, perr := season.Parse(strings.TrimSpace(label))
			if perr != nil {
				return nil, perr
			}
			selected = append(selected, s)
		}
	case from != "" || to != "":
		if from == "" || to == "" {
			return nil, fmt.Errorf("-from and -to must be given together")
		}
		selected, err = season.Range(from, to)
		if err != nil {
			return nil, err
		}
	case lookback != 0:
		selected, err = season.Lookback(season.Current(now).Label(), lookback, includeCurrent)
		if err != nil {
			return nil, err
		}
	default:
		selected = []season.Season{season.Current(now)}
	}

	if excludeCSV != "" {
		excluded := strings.Split(excludeCSV, ",")
		for i := range excluded {
			excluded[i] = strings.TrimSpace(excluded[i])
		}
		selected, err = season.Exclude(selected, excluded)
		if err != nil {
			return nil, err
		}
	}

	return selected, nil
}

// fetchChildArgs forwards the per-run fetch flags to a child season fetcher
func fetchChildArgs(overwrite bool, maxWrites, workers int, stopOnError bool) []string {
	var args []string
	if overwrite {
		args = append(args, "-overwrite")
	}
	if maxWrites > 0 {
		args = append(args, "-max-writes", strconv.Itoa(maxWrites))
	}
	if workers > 0 {
		args = append(args, "-workers", strconv.Itoa(workers))
	}
	if stopOnError {
		args = append(args, "-stop-on-error")
	}
	return args
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

	log.Info().
		Str("level", level.String()).
		Msg("Logger initialized")
}

// startMetricsServer starts the Prometheus metrics HTTP server
func startMetricsServer(port string) {
	http.Handle("/metrics", promhttp.Handler())

	// Health check endpoint
	http.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	})

	addr := fmt.Sprintf(":%s", port)
	log.Info().Str("port", port).Msg("Starting metrics server")

	if err := http.ListenAndServe(addr, nil); err != nil {
		log.Error().Err(err).Msg("Metrics server failed")
	}
}
