package models

import "time"

// ArchivedScoreboard is one daily index document staged into Postgres by
// the terminal load step
type ArchivedScoreboard struct {
	ID         int
	Day        time.Time
	Season     string
	SHA256     string
	Bytes      int
	FetchedAt  time.Time
	SourceURL  string
	EventCount int
	Payload    []byte
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// ArchivedProbability is one win-probability payload staged into Postgres
type ArchivedProbability struct {
	ID            int
	EventID       string
	CompetitionID string
	Season        string
	FirstSeen     time.Time
	SHA256        string
	Bytes         int
	FetchedAt     time.Time
	SourceURL     string
	Payload       []byte
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Key returns the archive identity of the probability row
func (p *ArchivedProbability) Key() EventKey {
	return EventKey{EventID: p.EventID, CompetitionID: p.CompetitionID}
}
