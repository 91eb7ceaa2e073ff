package season

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Selection and window errors surfaced before any fetch work starts
var (
	ErrBadLabel       = errors.New("malformed season label")
	ErrInvalidRange   = errors.New("invalid season range")
	ErrInvalidCount   = errors.New("invalid lookback count")
	ErrInvalidOffset  = errors.New("invalid window offset")
	ErrEmptySelection = errors.New("empty season selection")
)

// Default window offsets, wide enough to cover preseason through the finals
// for every league calendar we archive
const (
	DefaultStartOffset = "08-01"
	DefaultEndOffset   = "07-31"
)

// Season identifies one league season by its start year
// The canonical label form is "2015-16"
type Season struct {
	StartYear int
}

// Parse parses a canonical season label
// The two-digit suffix must be the start year plus one
func Parse(label string) (Season, error) {
	parts := strings.Split(label, "-")
	if len(parts) != 2 || len(parts[0]) != 4 || len(parts[1]) != 2 {
		return Season{}, fmt.Errorf("%w: %q", ErrBadLabel, label)
	}

	start, err := strconv.Atoi(parts[0])
	if err != nil {
		return Season{}, fmt.Errorf("%w: %q", ErrBadLabel, label)
	}

	suffix, err := strconv.Atoi(parts[1])
	if err != nil {
		return Season{}, fmt.Errorf("%w: %q", ErrBadLabel, label)
	}

	if suffix != (start+1)%100 {
		return Season{}, fmt.Errorf("%w: %q does not end in the year after %d", ErrBadLabel, label, start)
	}

	return Season{StartYear: start}, nil
}

// Label returns the canonical label, e.g. "2015-16"
func (s Season) Label() string {
	return fmt.Sprintf("%d-%02d", s.StartYear, (s.StartYear+1)%100)
}

// String implements fmt.Stringer
func (s Season) String() string {
	return s.Label()
}

// Next returns the following season
func (s Season) Next() Season {
	return Season{StartYear: s.StartYear + 1}
}

// Current returns the season in progress at now
// July 1 is treated as the boundary between seasons
func Current(now time.Time) Season {
	year := now.Year()
	if now.Month() < time.July {
		year--
	}
	return Season{StartYear: year}
}

// Range returns every season from from through to, inclusive and ascending
func Range(from, to string) ([]Season, error) {
	first, err := Parse(from)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRange, err)
	}

	last, err := Parse(to)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRange, err)
	}

	if last.StartYear < first.StartYear {
		return nil, fmt.Errorf("%w: %s is after %s", ErrInvalidRange, from, to)
	}

	seasons := make([]Season, 0, last.StartYear-first.StartYear+1)
	for year := first.StartYear; year <= last.StartYear; year++ {
		seasons = append(seasons, Season{StartYear: year})
	}
	return seasons, nil
}

// Lookback returns the count seasons immediately preceding end, in ascending
// order, optionally including end itself as the last entry
func Lookback(end string, count int, includeEnd bool) ([]Season, error) {
	if count <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidCount, count)
	}

	last, err := Parse(end)
	if err != nil {
		return nil, err
	}
	if !includeEnd {
		last.StartYear--
	}

	seasons := make([]Season, 0, count)
	for year := last.StartYear - count + 1; year <= last.StartYear; year++ {
		seasons = append(seasons, Season{StartYear: year})
	}
	return seasons, nil
}

// Exclude filters out the seasons whose labels appear in excluded
// An exclusion that empties the selection is an error, not a silent no-op
func Exclude(seasons []Season, excluded []string) ([]Season, error) {
	if len(excluded) == 0 {
		if len(seasons) == 0 {
			return nil, ErrEmptySelection
		}
		return seasons, nil
	}

	drop := make(map[string]struct{}, len(excluded))
	for _, label := range excluded {
		drop[label] = struct{}{}
	}

	kept := make([]Season, 0, len(seasons))
	for _, s := range seasons {
		if _, ok := drop[s.Label()]; ok {
			continue
		}
		kept = append(kept, s)
	}

	if len(kept) == 0 {
		return nil, fmt.Errorf("%w: all %d seasons excluded", ErrEmptySelection, len(seasons))
	}
	return kept, nil
}

// Labels returns the canonical labels of seasons, for logs and flags
func Labels(seasons []Season) []string {
	labels := make([]string, len(seasons))
	for i, s := range seasons {
		labels[i] = s.Label()
	}
	return labels
}

// Window is the inclusive calendar span covering one season
// Start falls in the season's start year, End in the following year
type Window struct {
	Season Season
	Start  time.Time
	End    time.Time
}

// NewWindow builds the window for a season from MM-DD offsets
// The start offset is applied in the start year and the end offset in the
// following year, so defaults deliberately over-cover the real schedule
func NewWindow(s Season, startOffset, endOffset string) (Window, error) {
	startMonth, startDay, err := parseOffset(startOffset)
	if err != nil {
		return Window{}, err
	}

	endMonth, endDay, err := parseOffset(endOffset)
	if err != nil {
		return Window{}, err
	}

	return Window{
		Season: s,
		Start:  time.Date(s.StartYear, startMonth, startDay, 0, 0, 0, 0, time.UTC),
		End:    time.Date(s.StartYear+1, endMonth, endDay, 0, 0, 0, 0, time.UTC),
	}, nil
}

// Days enumerates every calendar date in the window, inclusive
func (w Window) Days() []time.Time {
	var days []time.Time
	for d := w.Start; !d.After(w.End); d = d.AddDate(0, 0, 1) {
		days = append(days, d)
	}
	return days
}

// Contains reports whether the date falls inside the window
func (w Window) Contains(t time.Time) bool {
	day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	return !day.Before(w.Start) && !day.After(w.End)
}

// parseOffset parses an "MM-DD" offset and rejects dates that do not exist
// in any year the offset can land in
func parseOffset(offset string) (time.Month, int, error) {
	parts := strings.Split(offset, "-")
	if len(parts) != 2 || len(parts[0]) != 2 || len(parts[1]) != 2 {
		return 0, 0, fmt.Errorf("%w: %q is not MM-DD", ErrInvalidOffset, offset)
	}

	month, err := strconv.Atoi(parts[0])
	if err != nil || month < 1 || month > 12 {
		return 0, 0, fmt.Errorf("%w: %q has no month %s", ErrInvalidOffset, offset, parts[0])
	}

	day, err := strconv.Atoi(parts[1])
	if err != nil || day < 1 || day > 31 {
		return 0, 0, fmt.Errorf("%w: %q has no day %s", ErrInvalidOffset, offset, parts[1])
	}

	// Reject offsets like 02-30 that normalize into the next month
	// 2000 is a leap year, so 02-29 stays valid
	probe := time.Date(2000, time.Month(month), day, 0, 0, 0, 0, time.UTC)
	if probe.Month() != time.Month(month) || probe.Day() != day {
		return 0, 0, fmt.Errorf("%w: %q is not a calendar date", ErrInvalidOffset, offset)
	}

	return time.Month(month), day, nil
}
