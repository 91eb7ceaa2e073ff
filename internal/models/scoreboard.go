package models

import (
	"encoding/json"
	"errors"
	"fmt"
)

// EventKey identifies one game in the archive
// Both ids are opaque strings even when they look numeric
type EventKey struct {
	EventID       string `json:"event_id"`
	CompetitionID string `json:"competition_id"`
}

// String returns the stable stem used in filenames and logs
func (k EventKey) String() string {
	return k.EventID + "_" + k.CompetitionID
}

// Scoreboard is the slice of the daily index document we depend on
// Everything else in the document is ignored
type Scoreboard struct {
	Events []Event `json:"events"`
}

// Event is one scheduled game in a daily index document
type Event struct {
	ID           string        `json:"id"`
	Competitions []Competition `json:"competitions"`
}

// Competition is the per-event competition entry carrying the second id
type Competition struct {
	ID string `json:"id"`
}

// ParseScoreboard decodes a daily index document
// Shape mismatches degrade to whatever fields did decode, so a document
// that is valid JSON but not the expected layout yields zero keys rather
// than an error; only undecodable JSON is reported
func ParseScoreboard(data []byte) (*Scoreboard, error) {
	var sb Scoreboard
	if err := json.Unmarshal(data, &sb); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			return &sb, nil
		}
		return nil, fmt.Errorf("failed to parse scoreboard: %w", err)
	}
	return &sb, nil
}

// EventKeys extracts the identity of every event carrying both ids
// Events missing either id are skipped rather than guessed at
func (s *Scoreboard) EventKeys() []EventKey {
	keys := make([]EventKey, 0, len(s.Events))
	for _, ev := range s.Events {
		if ev.ID == "" || len(ev.Competitions) == 0 || ev.Competitions[0].ID == "" {
			continue
		}
		keys = append(keys, EventKey{EventID: ev.ID, CompetitionID: ev.Competitions[0].ID})
	}
	return keys
}
