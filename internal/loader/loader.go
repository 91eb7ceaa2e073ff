package loader

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/rs/zerolog/log"

	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"

	"github.com/psycho789/bball-sub002/internal/archive"
	"github.com/psycho789/bball-sub002/internal/models"
	"github.com/psycho789/bball-sub002/internal/season"
)

// Step names the part of the terminal load that failed
type Step string

const (
	StepMigrate Step = "migrate"
	StepLoad    Step = "load"
)

// SubStepError marks a migrate-or-load failure so callers can exit with the
// failed sub-step's own code
type SubStepError struct {
	Step Step
	Err  error
}

func (e *SubStepError) Error() string {
	return fmt.Sprintf("%s step failed: %v", e.Step, e.Err)
}

func (e *SubStepError) Unwrap() error {
	return e.Err
}

// ScoreboardStore persists archived daily scoreboards
type ScoreboardStore interface {
	Upsert(ctx context.Context, sb *models.ArchivedScoreboard) error
}

// ProbabilityStore persists archived win-probability documents
type ProbabilityStore interface {
	Upsert(ctx context.Context, p *models.ArchivedProbability) error
}

// Loader stages the on-disk archive into Postgres
// It only reads the archive; the filesystem stays the source of truth
type Loader struct {
	store          *archive.Store
	scoreboards    ScoreboardStore
	probabilities  ProbabilityStore
	migrationsPath string
	databaseURL    string
	startOffset    string
	endOffset      string
}

// New creates a loader
// An empty migrationsPath skips schema migration, for deployments that
// manage the schema out of band
func New(store *archive.Store, scoreboards ScoreboardStore, probabilities ProbabilityStore, migrationsPath, databaseURL, startOffset, endOffset string) *Loader {
	return &Loader{
		store:          store,
		scoreboards:    scoreboards,
		probabilities:  probabilities,
		migrationsPath: migrationsPath,
		databaseURL:    databaseURL,
		startOffset:    startOffset,
		endOffset:      endOffset,
	}
}

// Load migrates the schema, then upserts every archived document for the
// given seasons
// Both sub-steps are idempotent; rerunning after a failure converges
func (l *Loader) Load(ctx context.Context, seasons []season.Season) error {
	if l.migrationsPath != "" {
		if err := l.migrate(); err != nil {
			return &SubStepError{Step: StepMigrate, Err: err}
		}
	}
	if err := l.load(ctx, seasons); err != nil {
		return &SubStepError{Step: StepLoad, Err: err}
	}
	return nil
}

func (l *Loader) migrate() error {
	m, err := migrate.New("file://"+l.migrationsPath, l.databaseURL)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}
	defer func() { _, _ = m.Close() }()

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			log.Info().Str("path", l.migrationsPath).Msg("No pending migrations")
			return nil
		}
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	log.Info().Str("path", l.migrationsPath).Msg("Migrations applied")
	return nil
}

func (l *Loader) load(ctx context.Context, seasons []season.Season) error {
	started := time.Now()
	var boards, probs int

	for _, s := range seasons {
		w, err := season.NewWindow(s, l.startOffset, l.endOffset)
		if err != nil {
			return fmt.Errorf("failed to build season window: %w", err)
		}

		b, p, err := l.loadSeason(ctx, w)
		boards += b
		probs += p
		if err != nil {
			return err
		}
	}

	log.Info().
		Int("scoreboards", boards).
		Int("probabilities", probs).
		Dur("took", time.Since(started)).
		Msg("Archive load finished")
	return nil
}

// loadSeason walks one season's window and stages every archived document
// A document that is not valid JSON is logged and skipped rather than
// failing the load
func (l *Loader) loadSeason(ctx context.Context, w season.Window) (int, int, error) {
	label := w.Season.Label()
	seen := make(map[models.EventKey]struct{})
	var boards, probs int

	for _, day := range w.Days() {
		if err := ctx.Err(); err != nil {
			return boards, probs, err
		}

		rel := archive.ScoreboardPath(day)
		if !l.store.Exists(rel) {
			continue
		}

		payload, manifest, err := l.readDocument(rel)
		if err != nil {
			return boards, probs, err
		}

		sb, err := models.ParseScoreboard(payload)
		if err != nil {
			log.Warn().Str("path", rel).Err(err).Msg("Scoreboard payload not parseable, skipping day")
			continue
		}
		keys := sb.EventKeys()

		row := &models.ArchivedScoreboard{
			Day:        day,
			Season:     label,
			SHA256:     manifest.SHA256,
			Bytes:      manifest.Bytes,
			FetchedAt:  manifest.FetchedAt,
			SourceURL:  manifest.SourceURL,
			EventCount: len(keys),
			Payload:    payload,
		}
		if err := l.scoreboards.Upsert(ctx, row); err != nil {
			return boards, probs, err
		}
		boards++

		for _, key := range keys {
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}

			n, err := l.loadProbability(ctx, key, label, day)
			probs += n
			if err != nil {
				return boards, probs, err
			}
		}
	}

	log.Info().
		Str("season", label).
		Int("scoreboards", boards).
		Int("probabilities", probs).
		Msg("Season loaded")
	return boards, probs, nil
}

func (l *Loader) loadProbability(ctx context.Context, key models.EventKey, label string, firstSeen time.Time) (int, error) {
	rel := archive.ProbabilityPath(key)
	if !l.store.Exists(rel) {
		return 0, nil
	}

	payload, manifest, err := l.readDocument(rel)
	if err != nil {
		return 0, err
	}
	if !json.Valid(payload) {
		log.Warn().Str("path", rel).Msg("Probability payload not valid JSON, skipping")
		return 0, nil
	}

	row := &models.ArchivedProbability{
		EventID:       key.EventID,
		CompetitionID: key.CompetitionID,
		Season:        label,
		FirstSeen:     firstSeen,
		SHA256:        manifest.SHA256,
		Bytes:         manifest.Bytes,
		FetchedAt:     manifest.FetchedAt,
		SourceURL:     manifest.SourceURL,
		Payload:       payload,
	}
	if err := l.probabilities.Upsert(ctx, row); err != nil {
		return 0, err
	}
	return 1, nil
}

func (l *Loader) readDocument(rel string) ([]byte, archive.Manifest, error) {
	payload, err := l.store.ReadPayload(rel)
	if err != nil {
		return nil, archive.Manifest{}, fmt.Errorf("failed to read %s: %w", rel, err)
	}
	manifest, err := l.store.ReadManifest(rel)
	if err != nil {
		return nil, archive.Manifest{}, fmt.Errorf("failed to read manifest for %s: %w", rel, err)
	}
	return payload, manifest, nil
}
