package archive

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/psycho789/bball-sub002/internal/models"
)

// ManifestSuffix replaces a payload's .json suffix to name its sidecar
const ManifestSuffix = ".manifest.json"

// Throttle records the fetch tuning that was in force when a payload was
// archived, for incident review
type Throttle struct {
	MaxAttempts    int     `json:"max_attempts"`
	RatePerSec     float64 `json:"rate_per_sec"`
	RequestSleepMS int64   `json:"request_sleep_ms"`
}

// Manifest is the sidecar written next to every archived payload
// A payload without its manifest does not count as archived
type Manifest struct {
	SHA256    string    `json:"sha256"`
	Bytes     int       `json:"bytes"`
	FetchedAt time.Time `json:"fetched_at"`
	SourceURL string    `json:"source_url"`
	Throttle  Throttle  `json:"throttle"`
}

// NewManifest describes a payload fetched from sourceURL at fetchedAt
func NewManifest(payload []byte, sourceURL string, fetchedAt time.Time, throttle Throttle) Manifest {
	sum := sha256.Sum256(payload)
	return Manifest{
		SHA256:    hex.EncodeToString(sum[:]),
		Bytes:     len(payload),
		FetchedAt: fetchedAt.UTC(),
		SourceURL: sourceURL,
		Throttle:  throttle,
	}
}

// Store is the on-disk archive rooted at a single directory
// Payload and manifest are each written to a temp file and renamed into
// place, so readers never observe a partial object and a killed writer
// leaves at most a stray .part file that the store ignores
type Store struct {
	root string
}

// NewStore returns a store rooted at dir
// The directory is created on first write, not here
func NewStore(dir string) *Store {
	return &Store{root: dir}
}

// Root returns the store's root directory
func (s *Store) Root() string {
	return s.root
}

// ScoreboardPath returns the store-relative path of a daily index document
func ScoreboardPath(date time.Time) string {
	return filepath.Join("scoreboards", date.Format("20060102")+".json")
}

// ProbabilityPath returns the store-relative path of a game's payload
func ProbabilityPath(key models.EventKey) string {
	return filepath.Join("probabilities", key.String()+".json")
}

// ManifestPath returns the sidecar path for a payload path
func ManifestPath(rel string) string {
	return strings.TrimSuffix(rel, ".json") + ManifestSuffix
}

// Exists reports whether the object is archived
// Both the payload and its manifest must be present; an orphan payload left
// by a crash between the two writes reads as absent
func (s *Store) Exists(rel string) bool {
	if _, err := os.Stat(filepath.Join(s.root, rel)); err != nil {
		return false
	}
	if _, err := os.Stat(filepath.Join(s.root, ManifestPath(rel))); err != nil {
		return false
	}
	return true
}

// Put archives a payload and its manifest, payload first
// Existing files are replaced via rename; callers gate re-archiving with
// their own overwrite flag
func (s *Store) Put(rel string, payload []byte, m Manifest) error {
	if err := writeFileAtomic(filepath.Join(s.root, rel), payload); err != nil {
		return fmt.Errorf("failed to write payload %s: %w", rel, err)
	}

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal manifest for %s: %w", rel, err)
	}
	if err := writeFileAtomic(filepath.Join(s.root, ManifestPath(rel)), data); err != nil {
		return fmt.Errorf("failed to write manifest %s: %w", ManifestPath(rel), err)
	}
	return nil
}

// ReadPayload reads an archived payload
func (s *Store) ReadPayload(rel string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(s.root, rel))
	if err != nil {
		return nil, fmt.Errorf("failed to read payload %s: %w", rel, err)
	}
	return data, nil
}

// ReadManifest reads an archived payload's sidecar
func (s *Store) ReadManifest(rel string) (Manifest, error) {
	data, err := os.ReadFile(filepath.Join(s.root, ManifestPath(rel)))
	if err != nil {
		return Manifest{}, fmt.Errorf("failed to read manifest for %s: %w", rel, err)
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("failed to parse manifest for %s: %w", rel, err)
	}
	return m, nil
}

// WriteJSONAtomic marshals v and writes it with the same temp-then-rename
// discipline, for report files living outside a store root
func WriteJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", path, err)
	}
	if err := writeFileAtomic(path, data); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

// writeFileAtomic writes data to a .part temp file in the destination
// directory and renames it into place
func writeFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	tmp := path + ".part"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}
