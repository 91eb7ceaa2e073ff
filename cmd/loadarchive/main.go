// Command loadarchive migrates the staging schema and loads archived seasons
// into Postgres. It exits 3 when migration fails and 4 when the load itself
// fails, matching the archiver's -load step.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/psycho789/bball-sub002/internal/archive"
	"github.com/psycho789/bball-sub002/internal/config"
	"github.com/psycho789/bball-sub002/internal/loader"
	"github.com/psycho789/bball-sub002/internal/orchestrate"
	"github.com/psycho789/bball-sub002/internal/repository"
	"github.com/psycho789/bball-sub002/internal/season"
)

func main() {
	var (
		fSeasons = flag.String("seasons", "", "comma-separated season labels to load, e.g. 2021-22,2022-23")
		fFrom    = flag.String("from", "", "first season label, used with -to")
		fTo      = flag.String("to", "", "last season label, inclusive")
	)
	flag.Parse()

	ctx := context.Background()

	// Load configuration
	cfg := config.MustLoad()

	if err := cfg.ValidateDatabase(); err != nil {
		log.Fatal().Err(err).Msg("Invalid database configuration")
	}

	seasons, err := selectSeasons(*fSeasons, *fFrom, *fTo)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid season selection")
	}

	// Connect to database
	db, err := repository.NewDatabase(ctx, repository.Config{
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

	store := archive.NewStore(cfg.ArchiveRoot)
	ld := loader.New(store, db.Scoreboards, db.Probabilities,
		cfg.MigrationsPath, cfg.DatabaseURL(), cfg.SeasonStartOffset, cfg.SeasonEndOffset)

	if err := ld.Load(ctx, seasons); err != nil {
		log.Error().Err(err).Msg("Archive load failed")
		db.Close()
		os.Exit(orchestrate.LoadExitCode(err))
	}

	boards, err := db.Scoreboards.Count(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to count staged scoreboards")
	}
	probs, err := db.Probabilities.Count(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to count staged probabilities")
	}

	log.Info().
		Int("seasons", len(seasons)).
		Int("scoreboard_rows", boards).
		Int("probability_rows", probs).
		Msg("Archive load complete")
}

// selectSeasons resolves -seasons or -from/-to into an ordered season list
func selectSeasons(seasonsCSV, from, to string) ([]season.Season, error) {
	switch {
	case seasonsCSV != "":
		var out []season.Season
		for _, label := range strings.Split(seasonsCSV, ",") {
			s, err := season.Parse(strings.TrimSpace(label))
			if err != nil {
				return nil, err
			}
			out = append(out, s)
		}
		return out, nil
	case from != "" && to != "":
		return season.Range(from, to)
	default:
		return nil, fmt.Errorf("-seasons or -from/-to is required")
	}
}
