// Command checkarchive proves a season's archive complete or reports what is
// missing. It exits 2 when the archive has gaps, so scripted runs can tell
// an incomplete season from a broken check.
package main

import (
	"context"
	"flag"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/psycho789/bball-sub002/internal/archive"
	"github.com/psycho789/bball-sub002/internal/config"
	"github.com/psycho789/bball-sub002/internal/orchestrate"
	"github.com/psycho789/bball-sub002/internal/season"
)

func main() {
	fSeason := flag.String("season", "", "season label to check, e.g. 2023-24")
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

	store := archive.NewStore(cfg.ArchiveRoot)
	paths := orchestrate.Paths{
		LedgerTemplate: cfg.LedgerTemplate,
		ReportTemplate: cfg.ReportTemplate,
	}
	checker := orchestrate.NewLocalChecker(store, cfg.SeasonStartOffset, cfg.SeasonEndOffset, paths)

	res, err := checker.CheckSeason(context.Background(), s)
	if err != nil {
		log.Error().Err(err).Str("season", s.Label()).Msg("Completeness check failed")
		os.Exit(orchestrate.ExitFailure)
	}

	if !res.Complete {
		log.Warn().
			Str("season", s.Label()).
			Str("report", res.ReportPath).
			Msg("Season archive is incomplete")
		os.Exit(orchestrate.ExitIncomplete)
	}

	log.Info().
		Str("season", s.Label()).
		Str("report", res.ReportPath).
		Msg("Season archive is complete")
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
