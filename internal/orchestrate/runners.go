package orchestrate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"

	"github.com/rs/zerolog/log"

	"github.com/psycho789/bball-sub002/internal/archive"
	"github.com/psycho789/bball-sub002/internal/check"
	"github.com/psycho789/bball-sub002/internal/fetch"
	"github.com/psycho789/bball-sub002/internal/ledger"
	"github.com/psycho789/bball-sub002/internal/season"
)

// LocalFetchRunner archives seasons inside the current process
type LocalFetchRunner struct {
	source      fetch.Source
	store       *archive.Store
	params      fetch.Params
	startOffset string
	endOffset   string
	paths       Paths
}

// NewLocalFetchRunner creates an in-process fetch runner
func NewLocalFetchRunner(source fetch.Source, store *archive.Store, params fetch.Params, startOffset, endOffset string, paths Paths) *LocalFetchRunner {
	return &LocalFetchRunner{
		source:      source,
		store:       store,
		params:      params,
		startOffset: startOffset,
		endOffset:   endOffset,
		paths:       paths,
	}
}

// FetchSeason archives one season's window, appending failures to the
// season's error ledger
func (r *LocalFetchRunner) FetchSeason(ctx context.Context, s season.Season) (FetchResult, error) {
	w, err := season.NewWindow(s, r.startOffset, r.endOffset)
	if err != nil {
		return FetchResult{ExitCode: ExitFailure}, fmt.Errorf("failed to build season window: %w", err)
	}

	lw := ledger.NewWriter(r.paths.Ledger(s))
	defer func() {
		if cerr := lw.Close(); cerr != nil {
			log.Warn().Str("path", lw.Path()).Err(cerr).Msg("Failed to close error ledger")
		}
	}()

	res, err := fetch.New(r.source, r.store, lw, r.params).Run(ctx, w)
	out := FetchResult{
		Archived:    res.Archived,
		Failed:      res.Failed,
		Unsupported: res.Unsupported,
		CapReached:  res.CapReached,
	}
	if err != nil {
		out.ExitCode = ExitFailure
		return out, err
	}
	return out, nil
}

// LocalChecker verifies seasons inside the current process and writes each
// report next to the archive
type LocalChecker struct {
	store       *archive.Store
	startOffset string
	endOffset   string
	paths       Paths
}

// NewLocalChecker creates an in-process completeness checker
func NewLocalChecker(store *archive.Store, startOffset, endOffset string, paths Paths) *LocalChecker {
	return &LocalChecker{
		store:       store,
		startOffset: startOffset,
		endOffset:   endOffset,
		paths:       paths,
	}
}

// CheckSeason proves one season's archive complete or reports what is missing
// An incomplete archive is a finding, not a checker failure
func (c *LocalChecker) CheckSeason(ctx context.Context, s season.Season) (CheckResult, error) {
	if err := ctx.Err(); err != nil {
		return CheckResult{ExitCode: ExitFailure}, err
	}

	w, err := season.NewWindow(s, c.startOffset, c.endOffset)
	if err != nil {
		return CheckResult{ExitCode: ExitFailure}, fmt.Errorf("failed to build season window: %w", err)
	}

	report, err := check.New(c.store).Run(w, []string{c.paths.Ledger(s)})
	if err != nil {
		return CheckResult{ExitCode: ExitFailure}, fmt.Errorf("failed to check season %s: %w", s, err)
	}

	reportPath := c.paths.Report(s)
	if err := archive.WriteJSONAtomic(reportPath, report); err != nil {
		return CheckResult{ExitCode: ExitFailure}, fmt.Errorf("failed to write completeness report: %w", err)
	}

	out := CheckResult{
		Complete:   report.Complete,
		Report:     report,
		ReportPath: reportPath,
	}
	if !report.Complete {
		out.ExitCode = ExitIncomplete
	}
	return out, nil
}

// ExecFetchRunner archives seasons by spawning a child process per season
// The child's exit code is propagated so a halted run reports the real cause
type ExecFetchRunner struct {
	binary string
	args   []string
}

// NewExecFetchRunner creates a subprocess fetch runner
// args are passed through to every invocation ahead of the -season flag
func NewExecFetchRunner(binary string, args ...string) *ExecFetchRunner {
	return &ExecFetchRunner{binary: binary, args: args}
}

// FetchSeason runs the fetch binary for one season
func (r *ExecFetchRunner) FetchSeason(ctx context.Context, s season.Season) (FetchResult, error) {
	code, err := runChild(ctx, r.binary, childArgs(r.args, s))
	if err != nil {
		return FetchResult{ExitCode: code}, fmt.Errorf("season %s fetch subprocess failed: %w", s, err)
	}
	return FetchResult{}, nil
}

// ExecChecker verifies seasons by spawning a child process per season
// Exit code 2 from the child means incomplete, which is a finding rather
// than a failure; the written report is read back when available
type ExecChecker struct {
	binary string
	args   []string
	paths  Paths
}

// NewExecChecker creates a subprocess completeness checker
func NewExecChecker(binary string, paths Paths, args ...string) *ExecChecker {
	return &ExecChecker{binary: binary, args: args, paths: paths}
}

// CheckSeason runs the checker binary for one season
func (c *ExecChecker) CheckSeason(ctx context.Context, s season.Season) (CheckResult, error) {
	code, err := runChild(ctx, c.binary, childArgs(c.args, s))
	if err != nil && code != ExitIncomplete {
		return CheckResult{ExitCode: code}, fmt.Errorf("season %s check subprocess failed: %w", s, err)
	}

	out := CheckResult{
		Complete:   code == ExitOK,
		ExitCode:   code,
		ReportPath: c.paths.Report(s),
	}
	out.Report = readReport(out.ReportPath)
	return out, nil
}

func childArgs(base []string, s season.Season) []string {
	args := make([]string, 0, len(base)+2)
	args = append(args, base...)
	return append(args, "-season", s.Label())
}

// runChild runs a child process wired to this process's streams and returns
// its exit code
func runChild(ctx context.Context, binary string, args []string) (int, error) {
	cmd := exec.CommandContext(ctx, binary, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	log.Info().Str("binary", binary).Strs("args", args).Msg("Starting subprocess")

	if err := cmd.Run(); err != nil {
		// A signal-killed child reports -1; map that to a plain failure
		var ee *exec.ExitError
		if errors.As(err, &ee) && ee.ExitCode() > 0 {
			return ee.ExitCode(), err
		}
		return ExitFailure, err
	}
	return ExitOK, nil
}

// readReport loads a completeness report written by a child checker
// A missing or unreadable report is tolerated; the exit code already carries
// the verdict
func readReport(path string) *check.Report {
	data, err := os.ReadFile(path)
	if err != nil {
		log.Warn().Str("path", path).Err(err).Msg("Completeness report not readable")
		return nil
	}
	var report check.Report
	if err := json.Unmarshal(data, &report); err != nil {
		log.Warn().Str("path", path).Err(err).Msg("Completeness report not parseable")
		return nil
	}
	return &report
}
