package repository

import (
	"context"
	"fmt"

	"github.com/psycho789/bball-sub002/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog/log"
)

// ProbabilityRepository handles archived win-probability database operations
type ProbabilityRepository struct {
	db *Database
}

// Upsert inserts or updates one game's win-probability document
func (r *ProbabilityRepository) Upsert(ctx context.Context, p *models.ArchivedProbability) error {
	query := `
		INSERT INTO archived_probabilities (
			event_id, competition_id, season, first_seen, sha256, bytes, fetched_at, source_url, payload
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (event_id, competition_id) DO UPDATE SET
			season = EXCLUDED.season,
			first_seen = EXCLUDED.first_seen,
			sha256 = EXCLUDED.sha256,
			bytes = EXCLUDED.bytes,
			fetched_at = EXCLUDED.fetched_at,
			source_url = EXCLUDED.source_url,
			payload = EXCLUDED.payload,
			updated_at = NOW()
		RETURNING id, created_at, updated_at
	`

	err := r.db.Pool.QueryRow(
		ctx, query,
		p.EventID, p.CompetitionID, p.Season, p.FirstSeen, p.SHA256, p.Bytes, p.FetchedAt, p.SourceURL, p.Payload,
	).Scan(&p.ID, &p.CreatedAt, &p.UpdatedAt)

	if err != nil {
		return fmt.Errorf("failed to upsert probability: %w", err)
	}

	log.Debug().
		Int("id", p.ID).
		Str("event_id", p.EventID).
		Str("competition_id", p.CompetitionID).
		Str("season", p.Season).
		Msg("Probability upserted")

	return nil
}

// GetByKey retrieves the probability document for one event and competition
func (r *ProbabilityRepository) GetByKey(ctx context.Context, eventID, competitionID string) (*models.ArchivedProbability, error) {
	query := `
		SELECT id, event_id, competition_id, season, first_seen, sha256, bytes, fetched_at, source_url, payload, created_at, updated_at
		FROM archived_probabilities
		WHERE event_id = $1 AND competition_id = $2
	`

	var p models.ArchivedProbability
	err := r.db.Pool.QueryRow(ctx, query, eventID, competitionID).Scan(
		&p.ID, &p.EventID, &p.CompetitionID, &p.Season, &p.FirstSeen, &p.SHA256,
		&p.Bytes, &p.FetchedAt, &p.SourceURL, &p.Payload, &p.CreatedAt, &p.UpdatedAt,
	)

	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("probability not found: event_id=%s competition_id=%s", eventID, competitionID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get probability: %w", err)
	}

	return &p, nil
}

// GetBySeason retrieves every probability document loaded for a season
func (r *ProbabilityRepository) GetBySeason(ctx context.Context, season string) ([]*models.ArchivedProbability, error) {
	query := `
		SELECT id, event_id, competition_id, season, first_seen, sha256, bytes, fetched_at, source_url, payload, created_at, updated_at
		FROM archived_probabilities
		WHERE season = $1
		ORDER BY first_seen, event_id
	`

	rows, err := r.db.Pool.Query(ctx, query, season)
	if err != nil {
		return nil, fmt.Errorf("failed to get probabilities by season: %w", err)
	}
	defer rows.Close()

	var probs []*models.ArchivedProbability
	for rows.Next() {
		var p models.ArchivedProbability
		err := rows.Scan(
			&p.ID, &p.EventID, &p.CompetitionID, &p.Season, &p.FirstSeen, &p.SHA256,
			&p.Bytes, &p.FetchedAt, &p.SourceURL, &p.Payload, &p.CreatedAt, &p.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan probability: %w", err)
		}
		probs = append(probs, &p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating probabilities: %w", err)
	}

	return probs, nil
}

// Count returns the total number of loaded probability documents
func (r *ProbabilityRepository) Count(ctx context.Context) (int, error) {
	query := `SELECT COUNT(*) FROM archived_probabilities`

	var count int
	err := r.db.Pool.QueryRow(ctx, query).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count probabilities: %w", err)
	}

	return count, nil
}

// CountBySeason returns the number of loaded probability documents for one season
func (r *ProbabilityRepository) CountBySeason(ctx context.Context, season string) (int, error) {
	query := `SELECT COUNT(*) FROM archived_probabilities WHERE season = $1`

	var count int
	err := r.db.Pool.QueryRow(ctx, query, season).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count probabilities by season: %w", err)
	}

	return count, nil
}
