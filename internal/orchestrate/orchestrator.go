package orchestrate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/psycho789/bball-sub002/internal/check"
	"github.com/psycho789/bball-sub002/internal/loader"
	"github.com/psycho789/bball-sub002/internal/metrics"
	"github.com/psycho789/bball-sub002/internal/season"
)

// Process exit codes
// A subprocess fetch runner propagates the child's own code instead of
// ExitFailure
const (
	ExitOK            = 0
	ExitFailure       = 1
	ExitIncomplete    = 2
	ExitMigrateFailed = 3
	ExitLoadFailed    = 4
)

// SeasonState is one step of the per-season state machine
type SeasonState string

const (
	StatePending           SeasonState = "PENDING"
	StateFetching          SeasonState = "FETCHING"
	StateChecking          SeasonState = "CHECKING"
	StateDone              SeasonState = "DONE"
	StateFailed            SeasonState = "FAILED"
	StateIncompleteStopped SeasonState = "INCOMPLETE_STOPPED"
)

// FetchResult is the structured outcome of one season fetch, whether it ran
// in process or as a child process
type FetchResult struct {
	ExitCode    int
	Archived    int
	Failed      int
	Unsupported int
	CapReached  bool
}

// CheckResult is the structured outcome of one completeness check
// Report is nil when the check ran out of process; ReportPath always points
// at the written report
type CheckResult struct {
	Complete   bool
	ExitCode   int
	Report     *check.Report
	ReportPath string
}

// SeasonFetchRunner archives one season
type SeasonFetchRunner interface {
	FetchSeason(ctx context.Context, s season.Season) (FetchResult, error)
}

// CompletenessChecker verifies one season's archive and writes its report
type CompletenessChecker interface {
	CheckSeason(ctx context.Context, s season.Season) (CheckResult, error)
}

// ArchiveLoader is the terminal migrate-then-load step
type ArchiveLoader interface {
	Load(ctx context.Context, seasons []season.Season) error
}

// Paths expands per-season file locations from templates containing the
// {season} placeholder
type Paths struct {
	LedgerTemplate string
	ReportTemplate string
}

// Ledger returns the season's error ledger path
func (p Paths) Ledger(s season.Season) string {
	return expand(p.LedgerTemplate, s)
}

// Report returns the season's completeness report path
func (p Paths) Report(s season.Season) string {
	return expand(p.ReportTemplate, s)
}

func expand(template string, s season.Season) string {
	return strings.ReplaceAll(template, "{season}", s.Label())
}

// Options selects which pipeline steps run
type Options struct {
	Check            bool
	StopIfIncomplete bool
	LoadAfter        bool
}

// SeasonStatus is the final state of one season in a run
type SeasonStatus struct {
	Season season.Season
	State  SeasonState
	Fetch  *FetchResult
	Check  *CheckResult
	Err    error
}

// RunOutcome summarizes a whole orchestrated run
type RunOutcome struct {
	Seasons  []SeasonStatus
	ExitCode int
	Err      error
}

// Orchestrator drives seasons sequentially: fetch, optionally check, and
// after every season is done, optionally migrate and load
// A fetch failure halts the run at that season; later seasons stay PENDING
type Orchestrator struct {
	fetcher SeasonFetchRunner
	checker CompletenessChecker
	loader  ArchiveLoader
	opts    Options
}

// New creates an orchestrator
// checker may be nil when opts.Check is false, loader may be nil when
// opts.LoadAfter is false
func New(fetcher SeasonFetchRunner, checker CompletenessChecker, ld ArchiveLoader, opts Options) *Orchestrator {
	return &Orchestrator{
		fetcher: fetcher,
		checker: checker,
		loader:  ld,
		opts:    opts,
	}
}

// Run processes the seasons in order and reports the run outcome
// The outcome's exit code is ready to hand to os.Exit
func (o *Orchestrator) Run(ctx context.Context, seasons []season.Season) RunOutcome {
	outcome := RunOutcome{Seasons: make([]SeasonStatus, 0, len(seasons))}

	log.Info().
		Strs("seasons", season.Labels(seasons)).
		Bool("check", o.opts.Check).
		Bool("stop_if_incomplete", o.opts.StopIfIncomplete).
		Bool("load_after", o.opts.LoadAfter).
		Msg("Archive run starting")

	for i, s := range seasons {
		status := o.runSeason(ctx, s)
		outcome.Seasons = append(outcome.Seasons, status)

		if status.State == StateFailed || status.State == StateIncompleteStopped {
			outcome.Err = status.Err
			outcome.ExitCode = statusExitCode(status)

			// Later seasons never started
			for _, rest := range seasons[i+1:] {
				outcome.Seasons = append(outcome.Seasons, SeasonStatus{Season: rest, State: StatePending})
			}

			log.Error().
				Str("season", s.Label()).
				Str("state", string(status.State)).
				Int("exit_code", outcome.ExitCode).
				Err(status.Err).
				Msg("Archive run halted")
			return outcome
		}
	}

	if o.opts.LoadAfter && o.loader != nil {
		if err := o.loader.Load(ctx, seasons); err != nil {
			outcome.Err = err
			outcome.ExitCode = LoadExitCode(err)
			log.Error().Int("exit_code", outcome.ExitCode).Err(err).Msg("Terminal load failed")
			return outcome
		}
	}

	metrics.RecordSuccessfulRun()
	log.Info().Int("seasons", len(seasons)).Msg("Archive run finished")
	return outcome
}

// runSeason walks one season through the state machine
func (o *Orchestrator) runSeason(ctx context.Context, s season.Season) SeasonStatus {
	status := SeasonStatus{Season: s, State: StatePending}
	started := time.Now()

	status.State = StateFetching
	log.Info().Str("season", s.Label()).Str("state", string(status.State)).Msg("Season state changed")

	fetchRes, err := o.fetcher.FetchSeason(ctx, s)
	status.Fetch = &fetchRes
	if err != nil {
		status.State = StateFailed
		status.Err = fmt.Errorf("season %s fetch failed: %w", s, err)
		metrics.RecordSeasonRun(string(status.State), time.Since(started))
		return status
	}

	if o.opts.Check && o.checker != nil {
		status.State = StateChecking
		log.Info().Str("season", s.Label()).Str("state", string(status.State)).Msg("Season state changed")

		checkRes, err := o.checker.CheckSeason(ctx, s)
		if err != nil {
			status.State = StateFailed
			status.Err = fmt.Errorf("season %s check failed: %w", s, err)
			metrics.RecordSeasonRun(string(status.State), time.Since(started))
			return status
		}
		status.Check = &checkRes

		if !checkRes.Complete {
			log.Warn().
				Str("season", s.Label()).
				Str("report", checkRes.ReportPath).
				Msg("Season archive is incomplete")

			if o.opts.StopIfIncomplete {
				status.State = StateIncompleteStopped
				status.Err = fmt.Errorf("season %s archive is incomplete", s)
				metrics.RecordSeasonRun(string(status.State), time.Since(started))
				return status
			}
		}
	}

	status.State = StateDone
	metrics.RecordSeasonRun(string(status.State), time.Since(started))
	log.Info().
		Str("season", s.Label()).
		Str("state", string(status.State)).
		Dur("took", time.Since(started)).
		Msg("Season finished")
	return status
}

// statusExitCode maps a halting season status to the process exit code
func statusExitCode(status SeasonStatus) int {
	if status.State == StateIncompleteStopped {
		if status.Check != nil && status.Check.ExitCode != 0 {
			return status.Check.ExitCode
		}
		return ExitIncomplete
	}
	if status.Fetch != nil && status.Fetch.ExitCode != 0 {
		return status.Fetch.ExitCode
	}
	return ExitFailure
}

// LoadExitCode maps a terminal-load failure to the sub-step's exit code,
// ExitMigrateFailed or ExitLoadFailed, falling back to ExitFailure
func LoadExitCode(err error) int {
	var sub *loader.SubStepError
	if errors.As(err, &sub) {
		switch sub.Step {
		case loader.StepMigrate:
			return ExitMigrateFailed
		case loader.StepLoad:
			return ExitLoadFailed
		}
	}
	return ExitFailure
}
