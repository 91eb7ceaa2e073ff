package fetch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/psycho789/bball-sub002/internal/archive"
	"github.com/psycho789/bball-sub002/internal/client"
	"github.com/psycho789/bball-sub002/internal/ledger"
	"github.com/psycho789/bball-sub002/internal/metrics"
	"github.com/psycho789/bball-sub002/internal/models"
	"github.com/psycho789/bball-sub002/internal/season"
)

// Source is the slice of the HTTP client the fetcher needs
type Source interface {
	FetchScoreboard(ctx context.Context, date time.Time) ([]byte, string, error)
	FetchProbabilities(ctx context.Context, key models.EventKey) ([]byte, string, error)
}

// Params tunes one season fetch run
// MaxWrites caps total archive writes across scoreboards and probabilities;
// zero means no cap
type Params struct {
	Workers        int
	MaxWrites      int
	Overwrite      bool
	StopOnError    bool
	HeartbeatEvery time.Duration
	ProgressEvery  int
	Throttle       archive.Throttle
}

// Result summarizes one season fetch run
type Result struct {
	Season         string
	Days           int
	IndexFetched   int
	IndexSkipped   int
	IndexFailed    int
	KeysDiscovered int
	Archived       int
	Skipped        int
	Unsupported    int
	Failed         int
	Writes         int
	CapReached     bool
}

// Fetcher archives one season window: daily scoreboards first, then the
// win-probability payload of every game they list
// Already-archived objects are skipped, so a killed run resumes by simply
// running again
type Fetcher struct {
	source Source
	store  *archive.Store
	ledger *ledger.Writer
	params Params

	mu      sync.Mutex
	writes  int
	res     Result
	started time.Time
}

// New creates a fetcher
// Each Run call archives one window; a Fetcher is not safe for concurrent
// Run calls
func New(source Source, store *archive.Store, lw *ledger.Writer, params Params) *Fetcher {
	if params.Workers < 1 {
		params.Workers = 1
	}
	return &Fetcher{
		source: source,
		store:  store,
		ledger: lw,
		params: params,
	}
}

// Run archives the window and reports what happened
// Fetch failures for individual days or games are counted and ledgered, not
// fatal; the returned error is reserved for configuration problems, store
// I/O failures, cancellation and stop-on-error
func (f *Fetcher) Run(ctx context.Context, w season.Window) (*Result, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	days := w.Days()

	f.mu.Lock()
	f.writes = 0
	f.res = Result{Season: w.Season.Label(), Days: len(days)}
	f.started = time.Now()
	f.mu.Unlock()

	log.Info().
		Str("season", w.Season.Label()).
		Str("start", w.Start.Format("2006-01-02")).
		Str("end", w.End.Format("2006-01-02")).
		Int("days", len(days)).
		Int("workers", f.params.Workers).
		Bool("overwrite", f.params.Overwrite).
		Msg("Season fetch starting")

	stopHeartbeat := f.startHeartbeat(ctx)
	defer stopHeartbeat()

	if err := f.archiveScoreboards(ctx, days); err != nil {
		return f.snapshot(), err
	}
	if f.snapshot().CapReached {
		res := f.snapshot()
		log.Warn().Str("season", res.Season).Int("writes", res.Writes).Msg("Write cap reached, stopping season fetch")
		return res, nil
	}

	keys, err := f.collectKeys(days)
	if err != nil {
		return f.snapshot(), err
	}
	f.update(func(r *Result) { r.KeysDiscovered = len(keys) })

	if err := f.archiveProbabilities(ctx, keys); err != nil {
		return f.snapshot(), err
	}

	res := f.snapshot()
	log.Info().
		Str("season", res.Season).
		Int("index_fetched", res.IndexFetched).
		Int("index_skipped", res.IndexSkipped).
		Int("index_failed", res.IndexFailed).
		Int("keys", res.KeysDiscovered).
		Int("archived", res.Archived).
		Int("skipped", res.Skipped).
		Int("unsupported", res.Unsupported).
		Int("failed", res.Failed).
		Int("writes", res.Writes).
		Bool("cap_reached", res.CapReached).
		Msg("Season fetch finished")
	return res, nil
}

// archiveScoreboards walks the window day by day
// A day that fails after retries is logged and counted; the checker will
// surface it as a missing index day
func (f *Fetcher) archiveScoreboards(ctx context.Context, days []time.Time) error {
	for _, day := range days {
		if err := ctx.Err(); err != nil {
			return err
		}

		rel := archive.ScoreboardPath(day)
		if !f.params.Overwrite && f.store.Exists(rel) {
			f.update(func(r *Result) { r.IndexSkipped++ })
			metrics.RecordArchiveSkip("scoreboard")
			continue
		}

		if !f.reserveWrite() {
			f.update(func(r *Result) { r.CapReached = true })
			return nil
		}

		body, url, err := f.source.FetchScoreboard(ctx, day)
		if err != nil {
			f.releaseWrite()
			if ctx.Err() != nil {
				return ctx.Err()
			}
			f.update(func(r *Result) { r.IndexFailed++ })
			log.Warn().
				Str("date", day.Format("2006-01-02")).
				Err(err).
				Msg("Scoreboard fetch failed, day will read as missing index")
			if f.params.StopOnError {
				return fmt.Errorf("scoreboard fetch for %s failed: %w", day.Format("2006-01-02"), err)
			}
			continue
		}

		m := archive.NewManifest(body, url, time.Now(), f.params.Throttle)
		if err := f.store.Put(rel, body, m); err != nil {
			f.releaseWrite()
			return err
		}
		f.update(func(r *Result) { r.IndexFetched++ })
		metrics.RecordArchiveWrite("scoreboard")
	}
	return nil
}

// seenKey pairs a game with the first scoreboard date that listed it
type seenKey struct {
	key       models.EventKey
	firstSeen time.Time
}

// collectKeys enumerates game keys from every archived scoreboard in the
// window, including ones archived by earlier runs
// A scoreboard that no longer parses yields no keys for its day
func (f *Fetcher) collectKeys(days []time.Time) ([]seenKey, error) {
	seen := make(map[models.EventKey]struct{})
	var keys []seenKey

	for _, day := range days {
		rel := archive.ScoreboardPath(day)
		if !f.store.Exists(rel) {
			continue
		}

		body, err := f.store.ReadPayload(rel)
		if err != nil {
			return nil, err
		}

		sb, err := models.ParseScoreboard(body)
		if err != nil {
			log.Warn().
				Str("date", day.Format("2006-01-02")).
				Err(err).
				Msg("Archived scoreboard is not valid JSON, skipping its day")
			continue
		}

		for _, key := range sb.EventKeys() {
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			keys = append(keys, seenKey{key: key, firstSeen: day})
		}
	}
	return keys, nil
}

type outcomeKind int

const (
	outcomeArchived outcomeKind = iota
	outcomeSkipped
	outcomeUnsupported
	outcomeFailed
	outcomeCap
	outcomeCanceled
)

type outcome struct {
	kind  outcomeKind
	fatal error
}

// archiveProbabilities fans the keys out over a bounded worker pool
// The shared client enforces the global request ceiling, so workers only
// bound concurrency
func (f *Fetcher) archiveProbabilities(ctx context.Context, keys []seenKey) error {
	if len(keys) == 0 {
		return nil
	}

	parent := ctx
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	jobs := make(chan seenKey)
	outcomes := make(chan outcome)

	var wg sync.WaitGroup
	for i := 0; i < f.params.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for sk := range jobs {
				select {
				case outcomes <- f.archiveOne(ctx, sk):
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	go func() {
		defer close(jobs)
		for _, sk := range keys {
			select {
			case jobs <- sk:
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		wg.Wait()
		close(outcomes)
	}()

	var firstErr error
	done := 0
	for oc := range outcomes {
		done++

		switch oc.kind {
		case outcomeArchived:
			f.update(func(r *Result) { r.Archived++ })
			metrics.RecordArchiveWrite("probabilities")
		case outcomeSkipped:
			f.update(func(r *Result) { r.Skipped++ })
			metrics.RecordArchiveSkip("probabilities")
		case outcomeUnsupported:
			f.update(func(r *Result) { r.Unsupported++ })
			metrics.RecordLedgerRecord("unsupported")
		case outcomeFailed:
			f.update(func(r *Result) { r.Failed++ })
			metrics.RecordLedgerRecord("failed")
		case outcomeCap:
			f.update(func(r *Result) { r.CapReached = true })
			cancel()
		case outcomeCanceled:
			// In-flight work cut short by the stop above; nothing to count
		}

		if oc.fatal != nil {
			if firstErr == nil {
				firstErr = oc.fatal
			}
			cancel()
		}

		if f.params.ProgressEvery > 0 && done%f.params.ProgressEvery == 0 {
			snap := f.snapshot()
			log.Info().
				Str("season", snap.Season).
				Int("done", done).
				Int("total", len(keys)).
				Int("archived", snap.Archived).
				Int("failed", snap.Failed).
				Msg("Season fetch progress")
		}
	}

	if firstErr != nil {
		return firstErr
	}
	return parent.Err()
}

// archiveOne fetches and archives a single game's payload
func (f *Fetcher) archiveOne(ctx context.Context, sk seenKey) outcome {
	rel := archive.ProbabilityPath(sk.key)
	if !f.params.Overwrite && f.store.Exists(rel) {
		return outcome{kind: outcomeSkipped}
	}

	if !f.reserveWrite() {
		return outcome{kind: outcomeCap}
	}

	body, url, err := f.source.FetchProbabilities(ctx, sk.key)
	if err != nil {
		f.releaseWrite()
		if ctx.Err() != nil {
			return outcome{kind: outcomeCanceled}
		}
		return f.recordFailure(sk, url, err)
	}

	m := archive.NewManifest(body, url, time.Now(), f.params.Throttle)
	if err := f.store.Put(rel, body, m); err != nil {
		f.releaseWrite()
		return outcome{fatal: err}
	}
	return outcome{kind: outcomeArchived}
}

// recordFailure ledgers a terminal fetch failure and classifies it
// A permanent rejection counts the game as accounted for; anything else
// leaves it missing for a later run
func (f *Fetcher) recordFailure(sk seenKey, url string, err error) outcome {
	rec := ledger.Record{
		EventID:       sk.key.EventID,
		CompetitionID: sk.key.CompetitionID,
		Date:          sk.firstSeen.Format("2006-01-02"),
		URL:           url,
	}

	var se *client.StatusError
	if errors.As(err, &se) {
		rec.HTTPStatus = se.Status
		rec.BodyPrefix = se.BodyPrefix
		rec.URL = se.URL
	} else {
		rec.Message = err.Error()
	}

	if aerr := f.ledger.Append(rec); aerr != nil {
		return outcome{fatal: aerr}
	}

	if rec.PermanentlyUnsupported() {
		log.Info().
			Str("event", sk.key.String()).
			Str("date", rec.Date).
			Msg("Game has no win-probability data at the source")
		return outcome{kind: outcomeUnsupported}
	}

	log.Warn().
		Str("event", sk.key.String()).
		Int("status", rec.HTTPStatus).
		Err(err).
		Msg("Probability fetch failed")

	if f.params.StopOnError {
		return outcome{kind: outcomeFailed, fatal: fmt.Errorf("probability fetch for %s failed: %w", sk.key, err)}
	}
	return outcome{kind: outcomeFailed}
}

// startHeartbeat emits a liveness line until the run ends
func (f *Fetcher) startHeartbeat(ctx context.Context) func() {
	if f.params.HeartbeatEvery <= 0 {
		return func() {}
	}

	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(f.params.HeartbeatEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case <-ticker.C:
				snap := f.snapshot()
				f.mu.Lock()
				elapsed := time.Since(f.started)
				f.mu.Unlock()
				log.Info().
					Str("season", snap.Season).
					Dur("elapsed", elapsed).
					Int("archived", snap.Archived).
					Int("skipped", snap.Skipped).
					Int("unsupported", snap.Unsupported).
					Int("failed", snap.Failed).
					Int("writes", snap.Writes).
					Msg("Season fetch heartbeat")
			}
		}
	}()
	return func() { close(done) }
}

// reserveWrite claims one archive write against the cap
func (f *Fetcher) reserveWrite() bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.params.MaxWrites > 0 && f.writes >= f.params.MaxWrites {
		return false
	}
	f.writes++
	return true
}

// releaseWrite returns an unused reservation
func (f *Fetcher) releaseWrite() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes--
}

func (f *Fetcher) update(fn func(r *Result)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(&f.res)
}

func (f *Fetcher) snapshot() *Result {
	f.mu.Lock()
	defer f.mu.Unlock()

	res := f.res
	res.Writes = f.writes
	return &res
}
