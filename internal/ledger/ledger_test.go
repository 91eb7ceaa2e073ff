package ledger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psycho789/bball-sub002/internal/models"
)

func TestWriterAppend(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "errors_2023-24.ndjson")
	w := NewWriter(path)
	defer w.Close()

	recs := []Record{
		{EventID: "e1", CompetitionID: "c1", Date: "2024-01-15", URL: "https://example.test/e1", HTTPStatus: 404, BodyPrefix: "the requested resource is not available"},
		{EventID: "e2", CompetitionID: "c2", Date: "2024-01-15", URL: "https://example.test/e2", HTTPStatus: 503, BodyPrefix: "upstream timeout"},
	}
	for _, r := range recs {
		require.NoError(t, w.Append(r))
	}

	// Every append is one complete line on disk immediately
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	assert.Len(t, lines, 2)

	loaded, err := ReadFile(path)
	require.NoError(t, err)
	require.Len(t, loaded, 2)
	assert.Equal(t, "e1", loaded[0].EventID)
	assert.Equal(t, 503, loaded[1].HTTPStatus)
	assert.False(t, loaded[0].RecordedAt.IsZero(), "Append should stamp recorded_at")
}

func TestReadFile_Missing(t *testing.T) {
	records, err := ReadFile(filepath.Join(t.TempDir(), "nope.ndjson"))
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestReadFile_MalformedLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "errors.ndjson")
	content := `{"event_id":"e1","competition_id":"c1","http_status":404,"body_prefix":"resource is not available"}
{"event_id":"e2","competition_id"
not json at all

{"event_id":"e3","competition_id":"c3","http_status":500}
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	records, err := ReadFile(path)
	require.NoError(t, err)
	require.Len(t, records, 2, "Malformed and blank lines are skipped")
	assert.Equal(t, "e1", records[0].EventID)
	assert.Equal(t, "e3", records[1].EventID)
}

func TestReadFiles_DuplicatesPreserved(t *testing.T) {
	dir := t.TempDir()
	first := filepath.Join(dir, "run1.ndjson")
	second := filepath.Join(dir, "run2.ndjson")

	rec := Record{EventID: "e1", CompetitionID: "c1", HTTPStatus: 404, BodyPrefix: "resource is not available", RecordedAt: time.Now().UTC()}
	w1 := NewWriter(first)
	require.NoError(t, w1.Append(rec))
	require.NoError(t, w1.Append(rec))
	require.NoError(t, w1.Close())

	w2 := NewWriter(second)
	require.NoError(t, w2.Append(rec))
	require.NoError(t, w2.Close())

	records, err := ReadFiles(first, second, filepath.Join(dir, "missing.ndjson"))
	require.NoError(t, err)
	assert.Len(t, records, 3, "Re-runs may append duplicates; readers keep them")

	keys := UnsupportedKeys(records)
	assert.Len(t, keys, 1, "De-duplication happens at the key level")
}

func TestPermanentlyUnsupported(t *testing.T) {
	marker := Record{HTTPStatus: 404, BodyPrefix: "The requested resource is not available for this event"}
	assert.True(t, marker.PermanentlyUnsupported())

	// Status alone is not enough
	bare404 := Record{HTTPStatus: 404, BodyPrefix: "not found"}
	assert.False(t, bare404.PermanentlyUnsupported())

	// Marker alone is not enough either
	wrongStatus := Record{HTTPStatus: 500, BodyPrefix: "resource is not available"}
	assert.False(t, wrongStatus.PermanentlyUnsupported())

	transport := Record{HTTPStatus: 0, Message: "connection refused"}
	assert.False(t, transport.PermanentlyUnsupported())
}

func TestUnsupportedKeys(t *testing.T) {
	records := []Record{
		{EventID: "a", CompetitionID: "1", HTTPStatus: 404, BodyPrefix: "resource is not available"},
		{EventID: "b", CompetitionID: "2", HTTPStatus: 404, BodyPrefix: "gone"},
		{EventID: "c", CompetitionID: "3", HTTPStatus: 503, BodyPrefix: "flaky"},
		{EventID: "a", CompetitionID: "1", HTTPStatus: 404, BodyPrefix: "resource is not available"},
	}

	keys := UnsupportedKeys(records)
	require.Len(t, keys, 1)
	_, ok := keys[models.EventKey{EventID: "a", CompetitionID: "1"}]
	assert.True(t, ok)
}
