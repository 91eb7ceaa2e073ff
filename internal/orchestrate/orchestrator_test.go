package orchestrate

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psycho789/bball-sub002/internal/loader"
	"github.com/psycho789/bball-sub002/internal/season"
)

type stubFetcher struct {
	failOn map[string]error
	codes  map[string]int
	calls  []string
}

func (s *stubFetcher) FetchSeason(ctx context.Context, se season.Season) (FetchResult, error) {
	s.calls = append(s.calls, se.Label())
	if err, ok := s.failOn[se.Label()]; ok {
		code := ExitFailure
		if c, ok := s.codes[se.Label()]; ok {
			code = c
		}
		return FetchResult{ExitCode: code}, err
	}
	return FetchResult{Archived: 3}, nil
}

type stubChecker struct {
	incompleteOn map[string]bool
	failOn       map[string]error
	calls        []string
}

func (s *stubChecker) CheckSeason(ctx context.Context, se season.Season) (CheckResult, error) {
	s.calls = append(s.calls, se.Label())
	if err, ok := s.failOn[se.Label()]; ok {
		return CheckResult{ExitCode: ExitFailure}, err
	}
	if s.incompleteOn[se.Label()] {
		return CheckResult{ExitCode: ExitIncomplete, ReportPath: "/tmp/report.json"}, nil
	}
	return CheckResult{Complete: true}, nil
}

type stubLoader struct {
	err   error
	calls [][]season.Season
}

func (s *stubLoader) Load(ctx context.Context, seasons []season.Season) error {
	s.calls = append(s.calls, seasons)
	return s.err
}

func threeSeasons(t *testing.T) []season.Season {
	t.Helper()
	seasons, err := season.Range("2021-22", "2023-24")
	require.NoError(t, err)
	return seasons
}

func states(outcome RunOutcome) []SeasonState {
	out := make([]SeasonState, len(outcome.Seasons))
	for i, st := range outcome.Seasons {
		out[i] = st.State
	}
	return out
}

func TestOrchestrator_AllSeasonsDone(t *testing.T) {
	fetcher := &stubFetcher{}
	checker := &stubChecker{}
	o := New(fetcher, checker, nil, Options{Check: true})

	outcome := o.Run(context.Background(), threeSeasons(t))

	assert.Equal(t, ExitOK, outcome.ExitCode)
	assert.NoError(t, outcome.Err)
	assert.Equal(t, []SeasonState{StateDone, StateDone, StateDone}, states(outcome))
	assert.Equal(t, []string{"2021-22", "2022-23", "2023-24"}, fetcher.calls)
	assert.Equal(t, []string{"2021-22", "2022-23", "2023-24"}, checker.calls)

	require.NotNil(t, outcome.Seasons[0].Fetch)
	assert.Equal(t, 3, outcome.Seasons[0].Fetch.Archived)
	require.NotNil(t, outcome.Seasons[0].Check)
	assert.True(t, outcome.Seasons[0].Check.Complete)
}

func TestOrchestrator_FetchFailureHaltsRun(t *testing.T) {
	fetcher := &stubFetcher{failOn: map[string]error{"2022-23": errors.New("source unreachable")}}
	checker := &stubChecker{}
	o := New(fetcher, checker, nil, Options{Check: true})

	outcome := o.Run(context.Background(), threeSeasons(t))

	assert.Equal(t, ExitFailure, outcome.ExitCode)
	require.Error(t, outcome.Err)
	assert.Contains(t, outcome.Err.Error(), "2022-23")

	// The failed season halts the run; later seasons never start
	assert.Equal(t, []SeasonState{StateDone, StateFailed, StatePending}, states(outcome))
	assert.Equal(t, []string{"2021-22", "2022-23"}, fetcher.calls)
	assert.Equal(t, []string{"2021-22"}, checker.calls)
	assert.Nil(t, outcome.Seasons[2].Fetch)
}

func TestOrchestrator_SubprocessExitCodePropagated(t *testing.T) {
	fetcher := &stubFetcher{
		failOn: map[string]error{"2021-22": errors.New("child exited")},
		codes:  map[string]int{"2021-22": 4},
	}
	o := New(fetcher, nil, nil, Options{})

	outcome := o.Run(context.Background(), threeSeasons(t))

	assert.Equal(t, 4, outcome.ExitCode)
	assert.Equal(t, []SeasonState{StateFailed, StatePending, StatePending}, states(outcome))
}

func TestOrchestrator_IncompleteStopsWhenRequested(t *testing.T) {
	fetcher := &stubFetcher{}
	checker := &stubChecker{incompleteOn: map[string]bool{"2021-22": true}}
	o := New(fetcher, checker, nil, Options{Check: true, StopIfIncomplete: true})

	outcome := o.Run(context.Background(), threeSeasons(t))

	assert.Equal(t, ExitIncomplete, outcome.ExitCode)
	require.Error(t, outcome.Err)
	assert.Contains(t, outcome.Err.Error(), "incomplete")
	assert.Equal(t, []SeasonState{StateIncompleteStopped, StatePending, StatePending}, states(outcome))
	assert.Equal(t, []string{"2021-22"}, fetcher.calls)
}

func TestOrchestrator_IncompleteContinuesByDefault(t *testing.T) {
	fetcher := &stubFetcher{}
	checker := &stubChecker{incompleteOn: map[string]bool{"2021-22": true}}
	o := New(fetcher, checker, nil, Options{Check: true})

	outcome := o.Run(context.Background(), threeSeasons(t))

	assert.Equal(t, ExitOK, outcome.ExitCode)
	assert.Equal(t, []SeasonState{StateDone, StateDone, StateDone}, states(outcome))

	require.NotNil(t, outcome.Seasons[0].Check)
	assert.False(t, outcome.Seasons[0].Check.Complete)
}

func TestOrchestrator_CheckDisabled(t *testing.T) {
	fetcher := &stubFetcher{}
	checker := &stubChecker{incompleteOn: map[string]bool{"2021-22": true}}
	o := New(fetcher, checker, nil, Options{})

	outcome := o.Run(context.Background(), threeSeasons(t))

	assert.Equal(t, ExitOK, outcome.ExitCode)
	assert.Empty(t, checker.calls)
	assert.Nil(t, outcome.Seasons[0].Check)
}

func TestOrchestrator_CheckFailureFailsSeason(t *testing.T) {
	fetcher := &stubFetcher{}
	checker := &stubChecker{failOn: map[string]error{"2022-23": errors.New("ledger unreadable")}}
	o := New(fetcher, checker, nil, Options{Check: true})

	outcome := o.Run(context.Background(), threeSeasons(t))

	assert.Equal(t, ExitFailure, outcome.ExitCode)
	assert.Equal(t, []SeasonState{StateDone, StateFailed, StatePending}, states(outcome))
	require.Error(t, outcome.Err)
	assert.Contains(t, outcome.Err.Error(), "check failed")
}

func TestOrchestrator_LoadRunsOnceAfterAllSeasons(t *testing.T) {
	fetcher := &stubFetcher{}
	ld := &stubLoader{}
	o := New(fetcher, nil, ld, Options{LoadAfter: true})

	seasons := threeSeasons(t)
	outcome := o.Run(context.Background(), seasons)

	assert.Equal(t, ExitOK, outcome.ExitCode)
	require.Len(t, ld.calls, 1)
	assert.Equal(t, seasons, ld.calls[0])
}

func TestOrchestrator_LoadSkippedWhenRunHalts(t *testing.T) {
	fetcher := &stubFetcher{failOn: map[string]error{"2021-22": errors.New("source unreachable")}}
	ld := &stubLoader{}
	o := New(fetcher, nil, ld, Options{LoadAfter: true})

	outcome := o.Run(context.Background(), threeSeasons(t))

	assert.Equal(t, ExitFailure, outcome.ExitCode)
	assert.Empty(t, ld.calls)
}

func TestOrchestrator_LoadFailureExitCodes(t *testing.T) {
	cases := []struct {
		name string
		err  error
		code int
	}{
		{"migrate", &loader.SubStepError{Step: loader.StepMigrate, Err: errors.New("dirty schema")}, ExitMigrateFailed},
		{"load", &loader.SubStepError{Step: loader.StepLoad, Err: errors.New("insert failed")}, ExitLoadFailed},
		{"other", errors.New("dial failed"), ExitFailure},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ld := &stubLoader{err: tc.err}
			o := New(&stubFetcher{}, nil, ld, Options{LoadAfter: true})

			outcome := o.Run(context.Background(), threeSeasons(t))

			assert.Equal(t, tc.code, outcome.ExitCode)
			assert.ErrorIs(t, outcome.Err, tc.err)
		})
	}
}

func TestPaths(t *testing.T) {
	p := Paths{
		LedgerTemplate: "/var/archive/ledgers/errors_{season}.jsonl",
		ReportTemplate: "/var/archive/reports/completeness_{season}.json",
	}
	s := season.Season{StartYear: 2023}

	assert.Equal(t, "/var/archive/ledgers/errors_2023-24.jsonl", p.Ledger(s))
	assert.Equal(t, "/var/archive/reports/completeness_2023-24.json", p.Report(s))
}

func TestPaths_NoPlaceholder(t *testing.T) {
	p := Paths{LedgerTemplate: "/var/archive/errors.jsonl"}

	assert.Equal(t, "/var/archive/errors.jsonl", p.Ledger(season.Season{StartYear: 2019}))
}
