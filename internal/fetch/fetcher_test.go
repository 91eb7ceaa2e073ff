package fetch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psycho789/bball-sub002/internal/archive"
	"github.com/psycho789/bball-sub002/internal/client"
	"github.com/psycho789/bball-sub002/internal/ledger"
	"github.com/psycho789/bball-sub002/internal/models"
	"github.com/psycho789/bball-sub002/internal/season"
)

// fakeSource serves scripted documents keyed by date and event
type fakeSource struct {
	mu            sync.Mutex
	scoreboards   map[string][]byte
	scoreboardErr map[string]error
	probabilities map[string][]byte
	probErrs      map[string]error
	sbCalls       int
	probCalls     int
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		scoreboards:   make(map[string][]byte),
		scoreboardErr: make(map[string]error),
		probabilities: make(map[string][]byte),
		probErrs:      make(map[string]error),
	}
}

func (s *fakeSource) FetchScoreboard(ctx context.Context, date time.Time) ([]byte, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sbCalls++

	day := date.Format("20060102")
	url := "https://fake.test/scoreboard?dates=" + day
	if err, ok := s.scoreboardErr[day]; ok {
		return nil, url, err
	}
	if doc, ok := s.scoreboards[day]; ok {
		return doc, url, nil
	}
	return []byte(`{"events": []}`), url, nil
}

func (s *fakeSource) FetchProbabilities(ctx context.Context, key models.EventKey) ([]byte, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.probCalls++

	url := "https://fake.test/probabilities/" + key.String()
	if err, ok := s.probErrs[key.String()]; ok {
		return nil, url, err
	}
	if doc, ok := s.probabilities[key.String()]; ok {
		return doc, url, nil
	}
	return nil, url, &client.StatusError{Status: http.StatusNotFound, URL: url, BodyPrefix: "not found"}
}

func scoreboardDoc(ids ...string) []byte {
	doc := `{"events": [`
	for i, id := range ids {
		if i > 0 {
			doc += ","
		}
		doc += fmt.Sprintf(`{"id": %q, "competitions": [{"id": %q}]}`, id, "c"+id)
	}
	return []byte(doc + `]}`)
}

func key(id string) models.EventKey {
	return models.EventKey{EventID: id, CompetitionID: "c" + id}
}

// testWindow spans 2023-12-30 through 2024-01-02
func testWindow(t *testing.T) season.Window {
	s, err := season.Parse("2023-24")
	require.NoError(t, err)
	w, err := season.NewWindow(s, "12-30", "01-02")
	require.NoError(t, err)
	return w
}

func testFetcher(t *testing.T, src Source, params Params) (*Fetcher, *archive.Store, string) {
	dir := t.TempDir()
	store := archive.NewStore(filepath.Join(dir, "archive"))
	ledgerPath := filepath.Join(dir, "errors.ndjson")
	lw := ledger.NewWriter(ledgerPath)
	t.Cleanup(func() { lw.Close() })

	return New(src, store, lw, params), store, ledgerPath
}

func TestFetcherRun_ArchivesSeason(t *testing.T) {
	src := newFakeSource()
	src.scoreboards["20231230"] = scoreboardDoc("a", "b")
	src.scoreboards["20231231"] = scoreboardDoc("c", "a") // a repeats across days
	src.probabilities[key("a").String()] = []byte(`{"items": [{"homeWinPercentage": 0.5}]}`)
	src.probabilities[key("b").String()] = []byte(`{"items": [{"homeWinPercentage": 0.6}]}`)
	src.probabilities[key("c").String()] = []byte(`{"items": [{"homeWinPercentage": 0.7}]}`)

	f, store, _ := testFetcher(t, src, Params{Workers: 2})

	res, err := f.Run(context.Background(), testWindow(t))
	require.NoError(t, err)

	assert.Equal(t, "2023-24", res.Season)
	assert.Equal(t, 4, res.Days)
	assert.Equal(t, 4, res.IndexFetched)
	assert.Equal(t, 3, res.KeysDiscovered, "Duplicate listings collapse to one key")
	assert.Equal(t, 3, res.Archived)
	assert.Equal(t, 0, res.Failed)
	assert.Equal(t, 7, res.Writes, "Four scoreboards plus three payloads")
	assert.False(t, res.CapReached)

	for _, id := range []string{"a", "b", "c"} {
		assert.True(t, store.Exists(archive.ProbabilityPath(key(id))), "payload %s should be archived", id)
	}
}

func TestFetcherRun_SecondRunWritesNothing(t *testing.T) {
	src := newFakeSource()
	src.scoreboards["20231230"] = scoreboardDoc("a", "b")
	src.probabilities[key("a").String()] = []byte(`{"items": []}`)
	src.probabilities[key("b").String()] = []byte(`{"items": []}`)

	f, _, _ := testFetcher(t, src, Params{Workers: 2})

	_, err := f.Run(context.Background(), testWindow(t))
	require.NoError(t, err)
	probCallsAfterFirst := src.probCalls

	res, err := f.Run(context.Background(), testWindow(t))
	require.NoError(t, err)

	assert.Equal(t, 0, res.Writes, "Second run should be a no-op")
	assert.Equal(t, 0, res.Archived)
	assert.Equal(t, 4, res.IndexSkipped)
	assert.Equal(t, 2, res.Skipped)
	assert.Equal(t, probCallsAfterFirst, src.probCalls, "Archived games must not be re-fetched")
}

func TestFetcherRun_UnsupportedRecorded(t *testing.T) {
	src := newFakeSource()
	src.scoreboards["20231230"] = scoreboardDoc("a", "b", "c")
	src.probabilities[key("a").String()] = []byte(`{"items": []}`)
	src.probabilities[key("c").String()] = []byte(`{"items": []}`)
	src.probErrs[key("b").String()] = &client.StatusError{
		Status:     http.StatusNotFound,
		URL:        "https://fake.test/probabilities/b_cb",
		BodyPrefix: `{"error": {"message": "The requested resource is not available"}}`,
	}

	f, store, ledgerPath := testFetcher(t, src, Params{Workers: 1})

	res, err := f.Run(context.Background(), testWindow(t))
	require.NoError(t, err, "A permanent rejection is accounting, not failure")

	assert.Equal(t, 2, res.Archived)
	assert.Equal(t, 1, res.Unsupported)
	assert.Equal(t, 0, res.Failed)
	assert.False(t, store.Exists(archive.ProbabilityPath(key("b"))))

	records, err := ledger.ReadFile(ledgerPath)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "b", records[0].EventID)
	assert.Equal(t, http.StatusNotFound, records[0].HTTPStatus)
	assert.True(t, records[0].PermanentlyUnsupported())
}

func TestFetcherRun_TransientFailureLedgered(t *testing.T) {
	src := newFakeSource()
	src.scoreboards["20231230"] = scoreboardDoc("a", "b")
	src.probabilities[key("a").String()] = []byte(`{"items": []}`)
	src.probErrs[key("b").String()] = errors.New("dial tcp: connection refused")

	f, store, ledgerPath := testFetcher(t, src, Params{Workers: 1})

	res, err := f.Run(context.Background(), testWindow(t))
	require.NoError(t, err, "Per-game failures are counted, not fatal")

	assert.Equal(t, 1, res.Archived)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 0, res.Unsupported)
	assert.False(t, store.Exists(archive.ProbabilityPath(key("b"))))

	records, err := ledger.ReadFile(ledgerPath)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, 0, records[0].HTTPStatus)
	assert.Contains(t, records[0].Message, "connection refused")
	assert.False(t, records[0].PermanentlyUnsupported())
}

func TestFetcherRun_StopOnError(t *testing.T) {
	src := newFakeSource()
	src.scoreboards["20231230"] = scoreboardDoc("a")
	src.probErrs[key("a").String()] = &client.StatusError{Status: http.StatusForbidden, URL: "u", BodyPrefix: "blocked"}

	f, _, ledgerPath := testFetcher(t, src, Params{Workers: 1, StopOnError: true})

	_, err := f.Run(context.Background(), testWindow(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "a_ca")

	// The failure is still ledgered before the stop
	records, lerr := ledger.ReadFile(ledgerPath)
	require.NoError(t, lerr)
	assert.Len(t, records, 1)
}

func TestFetcherRun_StopOnError_Scoreboard(t *testing.T) {
	src := newFakeSource()
	src.scoreboardErr["20231231"] = errors.New("boom")

	f, _, _ := testFetcher(t, src, Params{Workers: 1, StopOnError: true})

	_, err := f.Run(context.Background(), testWindow(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "2023-12-31")
}

func TestFetcherRun_IndexFailureIsCounted(t *testing.T) {
	src := newFakeSource()
	src.scoreboards["20231230"] = scoreboardDoc("a")
	src.scoreboardErr["20231231"] = errors.New("source request failed after 4 attempts")
	src.probabilities[key("a").String()] = []byte(`{"items": []}`)

	f, store, _ := testFetcher(t, src, Params{Workers: 1})

	res, err := f.Run(context.Background(), testWindow(t))
	require.NoError(t, err, "A failed day degrades to a missing index day")

	assert.Equal(t, 3, res.IndexFetched)
	assert.Equal(t, 1, res.IndexFailed)
	assert.Equal(t, 1, res.KeysDiscovered)
	assert.False(t, store.Exists(archive.ScoreboardPath(time.Date(2023, time.December, 31, 0, 0, 0, 0, time.UTC))))
}

func TestFetcherRun_MaxWritesScoreboardPhase(t *testing.T) {
	src := newFakeSource()

	f, _, _ := testFetcher(t, src, Params{Workers: 1, MaxWrites: 2})

	res, err := f.Run(context.Background(), testWindow(t))
	require.NoError(t, err, "Hitting the cap is a clean stop")

	assert.True(t, res.CapReached)
	assert.Equal(t, 2, res.Writes)
	assert.Equal(t, 2, res.IndexFetched)
}

func TestFetcherRun_MaxWritesProbabilityPhase(t *testing.T) {
	src := newFakeSource()
	src.scoreboards["20231230"] = scoreboardDoc("a", "b", "c")
	for _, id := range []string{"a", "b", "c"} {
		src.probabilities[key(id).String()] = []byte(`{"items": []}`)
	}

	// Four scoreboard days plus one payload
	f, store, _ := testFetcher(t, src, Params{Workers: 1, MaxWrites: 5})

	res, err := f.Run(context.Background(), testWindow(t))
	require.NoError(t, err)

	assert.True(t, res.CapReached)
	assert.Equal(t, 5, res.Writes)
	assert.Equal(t, 1, res.Archived)
	assert.True(t, store.Exists(archive.ProbabilityPath(key("a"))), "Keys are processed in discovery order")
}

func TestFetcherRun_ResumesAfterPartialRun(t *testing.T) {
	src := newFakeSource()
	src.scoreboards["20231230"] = scoreboardDoc("a", "b")
	src.probabilities[key("a").String()] = []byte(`{"items": []}`)
	src.probabilities[key("b").String()] = []byte(`{"items": [2]}`)

	f, store, _ := testFetcher(t, src, Params{Workers: 1})

	// A previous run archived a's payload and left an orphan payload for b
	payload := []byte(`{"items": []}`)
	m := archive.NewManifest(payload, "https://fake.test/a", time.Now(), archive.Throttle{})
	require.NoError(t, store.Put(archive.ProbabilityPath(key("a")), payload, m))

	orphan := filepath.Join(store.Root(), archive.ProbabilityPath(key("b")))
	require.NoError(t, os.MkdirAll(filepath.Dir(orphan), 0o755))
	require.NoError(t, os.WriteFile(orphan, []byte(`{"items": ["stale"]}`), 0o644))

	res, err := f.Run(context.Background(), testWindow(t))
	require.NoError(t, err)

	assert.Equal(t, 1, res.Skipped, "Fully archived payload is skipped")
	assert.Equal(t, 1, res.Archived, "Orphan payload reads as absent and is re-archived")
	assert.True(t, store.Exists(archive.ProbabilityPath(key("b"))))
}

func TestFetcherRun_Overwrite(t *testing.T) {
	src := newFakeSource()
	src.scoreboards["20231230"] = scoreboardDoc("a")
	src.probabilities[key("a").String()] = []byte(`{"items": ["fresh"]}`)

	f, store, _ := testFetcher(t, src, Params{Workers: 1})
	_, err := f.Run(context.Background(), testWindow(t))
	require.NoError(t, err)

	lw := ledger.NewWriter(filepath.Join(t.TempDir(), "errors.ndjson"))
	defer lw.Close()

	over := New(src, store, lw, Params{Workers: 1, Overwrite: true})
	res, err := over.Run(context.Background(), testWindow(t))
	require.NoError(t, err)

	assert.Equal(t, 4, res.IndexFetched, "Overwrite re-fetches scoreboards")
	assert.Equal(t, 1, res.Archived, "Overwrite re-fetches payloads")
	assert.Equal(t, 0, res.Skipped)
}
