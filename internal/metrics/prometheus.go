package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for the archiver

var (
	// Source API metrics
	SourceRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bball_source_requests_total",
			Help: "Total number of source API requests",
		},
		[]string{"endpoint", "status"},
	)

	SourceRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bball_source_request_duration_seconds",
			Help:    "Duration of source API requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"endpoint"},
	)

	// Archive metrics
	ArchiveWritesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bball_archive_writes_total",
			Help: "Total number of objects written to the archive",
		},
		[]string{"kind"},
	)

	ArchiveSkipsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bball_archive_skips_total",
			Help: "Total number of already-archived objects skipped",
		},
		[]string{"kind"},
	)

	// Ledger metrics
	LedgerRecordsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bball_ledger_records_total",
			Help: "Total number of fetch failures appended to the error ledger",
		},
		[]string{"class"},
	)

	// Season metrics
	SeasonRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bball_season_runs_total",
			Help: "Total number of season runs by final state",
		},
		[]string{"state"},
	)

	SeasonFetchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "bball_season_fetch_duration_seconds",
			Help:    "Duration of season fetch runs in seconds",
			Buckets: []float64{1, 5, 30, 60, 300, 900, 1800, 3600, 7200},
		},
	)

	CompletenessFraction = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bball_completeness_fraction",
			Help: "Accounted-for fraction of expected games per season",
		},
		[]string{"season"},
	)

	MissingGames = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bball_missing_games",
			Help: "Games still unaccounted for per season",
		},
		[]string{"season"},
	)

	// System metrics
	SystemUptime = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "bball_system_uptime_seconds",
			Help: "System uptime in seconds",
		},
	)

	LastSuccessfulRun = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "bball_last_successful_run_timestamp",
			Help: "Timestamp of the last fully successful archive run",
		},
	)
)

// RecordSourceRequest records one source API request
// A status of zero means the request never produced a response
func RecordSourceRequest(endpoint string, status int, duration time.Duration) {
	SourceRequestsTotal.WithLabelValues(endpoint, strconv.Itoa(status)).Inc()
	SourceRequestDuration.WithLabelValues(endpoint).Observe(duration.Seconds())
}

// RecordArchiveWrite records one archived object
func RecordArchiveWrite(kind string) {
	ArchiveWritesTotal.WithLabelValues(kind).Inc()
}

// RecordArchiveSkip records one object skipped because it was already archived
func RecordArchiveSkip(kind string) {
	ArchiveSkipsTotal.WithLabelValues(kind).Inc()
}

// RecordLedgerRecord records one appended error ledger line
func RecordLedgerRecord(class string) {
	LedgerRecordsTotal.WithLabelValues(class).Inc()
}

// RecordSeasonRun records a season reaching a final state
func RecordSeasonRun(state string, duration time.Duration) {
	SeasonRunsTotal.WithLabelValues(state).Inc()
	SeasonFetchDuration.Observe(duration.Seconds())
}

// RecordCompleteness publishes a season's checker verdict
func RecordCompleteness(season string, fraction float64, missing int) {
	CompletenessFraction.WithLabelValues(season).Set(fraction)
	MissingGames.WithLabelValues(season).Set(float64(missing))
}

// RecordSuccessfulRun stamps the last fully successful archive run
func RecordSuccessfulRun() {
	LastSuccessfulRun.SetToCurrentTime()
}
