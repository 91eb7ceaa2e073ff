package check

import (
	"time"

	"github.com/rs/zerolog/log"

	"github.com/psycho789/bball-sub002/internal/archive"
	"github.com/psycho789/bball-sub002/internal/ledger"
	"github.com/psycho789/bball-sub002/internal/metrics"
	"github.com/psycho789/bball-sub002/internal/models"
	"github.com/psycho789/bball-sub002/internal/season"
)

// MissingGame is an expected game with no payload and no accounting record
type MissingGame struct {
	EventID       string `json:"event_id"`
	CompetitionID string `json:"competition_id"`
	FirstSeen     string `json:"first_seen"`
}

// Report is the completeness verdict for one season window
// It is derived entirely from the archive and the error ledgers, so it can
// be deleted and recomputed at any time
type Report struct {
	Season               string        `json:"season"`
	WindowStart          string        `json:"window_start"`
	WindowEnd            string        `json:"window_end"`
	ExpectedGames        int           `json:"expected_games"`
	Present              int           `json:"present"`
	AccountedUnsupported int           `json:"accounted_unsupported"`
	Missing              []MissingGame `json:"missing"`
	MissingIndexDays     []string      `json:"missing_index_days"`
	Complete             bool          `json:"complete"`
	AccountedFraction    float64       `json:"accounted_fraction"`
	GeneratedAt          time.Time     `json:"generated_at"`
}

// Checker reconciles archived payloads against the archive's own
// scoreboards, without touching the source
type Checker struct {
	store *archive.Store
}

// New creates a checker over the store
func New(store *archive.Store) *Checker {
	return &Checker{store: store}
}

// Run builds the completeness report for the window
// Days without an archived, parseable scoreboard contribute no expectations
// and are listed as missing index days; an incomplete verdict is a report
// outcome, not an error
func (c *Checker) Run(w season.Window, ledgerPaths []string) (*Report, error) {
	report := &Report{
		Season:           w.Season.Label(),
		WindowStart:      w.Start.Format("2006-01-02"),
		WindowEnd:        w.End.Format("2006-01-02"),
		Missing:          []MissingGame{},
		MissingIndexDays: []string{},
		GeneratedAt:      time.Now().UTC(),
	}

	expected := c.expectedKeys(w, report)
	report.ExpectedGames = len(expected)

	records, err := ledger.ReadFiles(ledgerPaths...)
	if err != nil {
		return nil, err
	}
	unsupported := ledger.UnsupportedKeys(records)

	for _, exp := range expected {
		switch {
		case c.store.Exists(archive.ProbabilityPath(exp.key)):
			report.Present++
		case hasKey(unsupported, exp.key):
			report.AccountedUnsupported++
		default:
			report.Missing = append(report.Missing, MissingGame{
				EventID:       exp.key.EventID,
				CompetitionID: exp.key.CompetitionID,
				FirstSeen:     exp.firstSeen,
			})
		}
	}

	report.Complete = len(report.Missing) == 0 && len(report.MissingIndexDays) == 0
	if report.ExpectedGames > 0 {
		report.AccountedFraction = float64(report.Present+report.AccountedUnsupported) / float64(report.ExpectedGames)
	}

	metrics.RecordCompleteness(report.Season, report.AccountedFraction, len(report.Missing))

	log.Info().
		Str("season", report.Season).
		Int("expected", report.ExpectedGames).
		Int("present", report.Present).
		Int("accounted_unsupported", report.AccountedUnsupported).
		Int("missing", len(report.Missing)).
		Int("missing_index_days", len(report.MissingIndexDays)).
		Bool("complete", report.Complete).
		Msg("Completeness check finished")

	return report, nil
}

type expectedKey struct {
	key       models.EventKey
	firstSeen string
}

// expectedKeys unions the keys of every usable scoreboard in the window,
// keeping the first date each key was seen
func (c *Checker) expectedKeys(w season.Window, report *Report) []expectedKey {
	seen := make(map[models.EventKey]struct{})
	var expected []expectedKey

	for _, day := range w.Days() {
		date := day.Format("2006-01-02")
		rel := archive.ScoreboardPath(day)

		if !c.store.Exists(rel) {
			report.MissingIndexDays = append(report.MissingIndexDays, date)
			continue
		}

		body, err := c.store.ReadPayload(rel)
		if err != nil {
			log.Warn().Str("date", date).Err(err).Msg("Archived scoreboard unreadable, counting day as missing")
			report.MissingIndexDays = append(report.MissingIndexDays, date)
			continue
		}

		sb, err := models.ParseScoreboard(body)
		if err != nil {
			log.Warn().Str("date", date).Err(err).Msg("Archived scoreboard is not valid JSON, counting day as missing")
			report.MissingIndexDays = append(report.MissingIndexDays, date)
			continue
		}

		for _, key := range sb.EventKeys() {
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			expected = append(expected, expectedKey{key: key, firstSeen: date})
		}
	}
	return expected
}

func hasKey(set map[models.EventKey]struct{}, key models.EventKey) bool {
	_, ok := set[key]
	return ok
}
