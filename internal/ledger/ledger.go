package ledger

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/psycho789/bball-sub002/internal/models"
)

// The source rejects games that never had win-probability data with a fixed
// status and body. Both must match for a record to count as permanently
// unsupported; a bare 404 stays an ordinary failure
const (
	UnsupportedStatus = http.StatusNotFound
	UnsupportedMarker = "resource is not available"
)

// Record is one line of the append-only fetch-error ledger
// BodyPrefix holds the start of the response body; Message carries transport
// errors that produced no response at all
type Record struct {
	EventID       string    `json:"event_id"`
	CompetitionID string    `json:"competition_id"`
	Date          string    `json:"date,omitempty"`
	URL           string    `json:"url"`
	HTTPStatus    int       `json:"http_status"`
	BodyPrefix    string    `json:"body_prefix,omitempty"`
	Message       string    `json:"message,omitempty"`
	RecordedAt    time.Time `json:"recorded_at"`
}

// Key returns the archive identity the record accounts for
func (r Record) Key() models.EventKey {
	return models.EventKey{EventID: r.EventID, CompetitionID: r.CompetitionID}
}

// PermanentlyUnsupported reports whether the record is the source's fixed
// "no data exists for this game" rejection
func (r Record) PermanentlyUnsupported() bool {
	return r.HTTPStatus == UnsupportedStatus && strings.Contains(r.BodyPrefix, UnsupportedMarker)
}

// Writer appends records to a ledger file, one JSON line per record
// Each line goes out in a single unbuffered write so records survive the
// process dying right after the append
type Writer struct {
	path string

	mu   sync.Mutex
	file *os.File
}

// NewWriter returns a writer for path
// The file and its directory are created on first append
func NewWriter(path string) *Writer {
	return &Writer{path: path}
}

// Path returns the ledger file location
func (w *Writer) Path() string {
	return w.path
}

// Append writes one record as a single line
func (w *Writer) Append(r Record) error {
	if r.RecordedAt.IsZero() {
		r.RecordedAt = time.Now().UTC()
	}

	line, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to marshal ledger record: %w", err)
	}
	line = append(line, '\n')

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		if err := os.MkdirAll(filepath.Dir(w.path), 0o755); err != nil {
			return fmt.Errorf("failed to create ledger directory: %w", err)
		}
		f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("failed to open ledger %s: %w", w.path, err)
		}
		w.file = f
	}

	if _, err := w.file.Write(line); err != nil {
		return fmt.Errorf("failed to append to ledger %s: %w", w.path, err)
	}
	return nil
}

// Close closes the underlying file if one was opened
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}

// ReadFile loads every parseable record from one ledger file
// A missing file is an empty ledger; malformed lines are skipped so one
// mangled append never hides the rest of the history
func ReadFile(path string) ([]Record, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger %s: %w", path, err)
	}
	defer f.Close()

	var records []Record
	skipped := 0

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var r Record
		if err := json.Unmarshal([]byte(line), &r); err != nil {
			skipped++
			continue
		}
		records = append(records, r)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read ledger %s: %w", path, err)
	}

	if skipped > 0 {
		log.Warn().
			Str("path", path).
			Int("skipped", skipped).
			Int("kept", len(records)).
			Msg("Skipped malformed ledger lines")
	}
	return records, nil
}

// ReadFiles loads and concatenates several ledgers
// Duplicate records are preserved; callers de-duplicate by key
func ReadFiles(paths ...string) ([]Record, error) {
	var records []Record
	for _, path := range paths {
		recs, err := ReadFile(path)
		if err != nil {
			return nil, err
		}
		records = append(records, recs...)
	}
	return records, nil
}

// UnsupportedKeys returns the keys having at least one permanently
// unsupported record
func UnsupportedKeys(records []Record) map[models.EventKey]struct{} {
	keys := make(map[models.EventKey]struct{})
	for _, r := range records {
		if r.PermanentlyUnsupported() {
			keys[r.Key()] = struct{}{}
		}
	}
	return keys
}
