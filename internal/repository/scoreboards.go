package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/psycho789/bball-sub002/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog/log"
)

// ScoreboardRepository handles archived daily scoreboard database operations
type ScoreboardRepository struct {
	db *Database
}

// Upsert inserts or updates a daily scoreboard document
// The archive on disk stays the source of truth; loading the same day twice
// converges on the latest payload
func (r *ScoreboardRepository) Upsert(ctx context.Context, sb *models.ArchivedScoreboard) error {
	query := `
		INSERT INTO archived_scoreboards (
			day, season, sha256, bytes, fetched_at, source_url, event_count, payload
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (day) DO UPDATE SET
			season = EXCLUDED.season,
			sha256 = EXCLUDED.sha256,
			bytes = EXCLUDED.bytes,
			fetched_at = EXCLUDED.fetched_at,
			source_url = EXCLUDED.source_url,
			event_count = EXCLUDED.event_count,
			payload = EXCLUDED.payload,
			updated_at = NOW()
		RETURNING id, created_at, updated_at
	`

	err := r.db.Pool.QueryRow(
		ctx, query,
		sb.Day, sb.Season, sb.SHA256, sb.Bytes, sb.FetchedAt, sb.SourceURL, sb.EventCount, sb.Payload,
	).Scan(&sb.ID, &sb.CreatedAt, &sb.UpdatedAt)

	if err != nil {
		return fmt.Errorf("failed to upsert scoreboard: %w", err)
	}

	log.Debug().
		Int("id", sb.ID).
		Str("day", sb.Day.Format("2006-01-02")).
		Str("season", sb.Season).
		Int("events", sb.EventCount).
		Msg("Scoreboard upserted")

	return nil
}

// GetByDay retrieves the scoreboard archived for one calendar day
func (r *ScoreboardRepository) GetByDay(ctx context.Context, day time.Time) (*models.ArchivedScoreboard, error) {
	query := `
		SELECT id, day, season, sha256, bytes, fetched_at, source_url, event_count, payload, created_at, updated_at
		FROM archived_scoreboards
		WHERE day = $1
	`

	var sb models.ArchivedScoreboard
	err := r.db.Pool.QueryRow(ctx, query, day).Scan(
		&sb.ID, &sb.Day, &sb.Season, &sb.SHA256, &sb.Bytes, &sb.FetchedAt,
		&sb.SourceURL, &sb.EventCount, &sb.Payload, &sb.CreatedAt, &sb.UpdatedAt,
	)

	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("scoreboard not found: day=%s", day.Format("2006-01-02"))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get scoreboard: %w", err)
	}

	return &sb, nil
}

// GetBySeason retrieves every scoreboard loaded for a season, oldest first
func (r *ScoreboardRepository) GetBySeason(ctx context.Context, season string) ([]*models.ArchivedScoreboard, error) {
	query := `
		SELECT id, day, season, sha256, bytes, fetched_at, source_url, event_count, payload, created_at, updated_at
		FROM archived_scoreboards
		WHERE season = $1
		ORDER BY day
	`

	rows, err := r.db.Pool.Query(ctx, query, season)
	if err != nil {
		return nil, fmt.Errorf("failed to get scoreboards by season: %w", err)
	}
	defer rows.Close()

	var boards []*models.ArchivedScoreboard
	for rows.Next() {
		var sb models.ArchivedScoreboard
		err := rows.Scan(
			&sb.ID, &sb.Day, &sb.Season, &sb.SHA256, &sb.Bytes, &sb.FetchedAt,
			&sb.SourceURL, &sb.EventCount, &sb.Payload, &sb.CreatedAt, &sb.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan scoreboard: %w", err)
		}
		boards = append(boards, &sb)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating scoreboards: %w", err)
	}

	return boards, nil
}

// Count returns the total number of loaded scoreboards
func (r *ScoreboardRepository) Count(ctx context.Context) (int, error) {
	query := `SELECT COUNT(*) FROM archived_scoreboards`

	var count int
	err := r.db.Pool.QueryRow(ctx, query).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count scoreboards: %w", err)
	}

	return count, nil
}

// CountBySeason returns the number of loaded scoreboards for one season
func (r *ScoreboardRepository) CountBySeason(ctx context.Context, season string) (int, error) {
	query := `SELECT COUNT(*) FROM archived_scoreboards WHERE season = $1`

	var count int
	err := r.db.Pool.QueryRow(ctx, query, season).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count scoreboards by season: %w", err)
	}

	return count, nil
}
