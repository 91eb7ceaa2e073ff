package client

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/psycho789/bball-sub002/internal/archive"
	"github.com/psycho789/bball-sub002/internal/metrics"
	"github.com/psycho789/bball-sub002/internal/models"
)

// BodyPrefixLimit caps how much of an error response body is kept for
// ledger records
const BodyPrefixLimit = 512

// probabilityPageLimit asks the source for the full series in one page
const probabilityPageLimit = 1000

// backoffCap bounds a single retry sleep
const backoffCap = 30 * time.Second

// StatusError is a final HTTP rejection from the source, carried with
// enough of the response to classify and ledger it
type StatusError struct {
	Status     int
	URL        string
	BodyPrefix string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("source returned status %d for %s", e.Status, e.URL)
}

// Options tunes retries and throttling
// RatePerSec at or below zero disables the token bucket entirely
type Options struct {
	Timeout       time.Duration
	MaxAttempts   int
	RetryBase     time.Duration
	RetryDeadline time.Duration
	RatePerSec    float64
	Burst         int
	RequestSleep  time.Duration
}

// Client fetches scoreboard and win-probability documents from the source
// All requests share one token bucket and an optional fixed sleep, so the
// worker pool cannot exceed the global request ceiling
type Client struct {
	siteURL    string
	coreURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	opts       Options
}

// New creates a source client
// siteURL hosts the daily scoreboard endpoint, coreURL the per-game
// probabilities endpoint
func New(siteURL, coreURL string, opts Options) *Client {
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = time.Second
	}
	if opts.RetryDeadline <= 0 {
		opts.RetryDeadline = 2 * time.Minute
	}
	if opts.Burst < 1 {
		opts.Burst = 1
	}

	var limiter *rate.Limiter
	if opts.RatePerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RatePerSec), opts.Burst)
	}

	return &Client{
		siteURL: siteURL,
		coreURL: coreURL,
		limiter: limiter,
		opts:    opts,
		httpClient: &http.Client{
			Timeout: opts.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

// Throttle reports the tuning in force, for archive manifests
func (c *Client) Throttle() archive.Throttle {
	return archive.Throttle{
		MaxAttempts:    c.opts.MaxAttempts,
		RatePerSec:     c.opts.RatePerSec,
		RequestSleepMS: c.opts.RequestSleep.Milliseconds(),
	}
}

// FetchScoreboard fetches the daily index document
func (c *Client) FetchScoreboard(ctx context.Context, date time.Time) ([]byte, string, error) {
	url := fmt.Sprintf("%s/scoreboard?dates=%s", c.siteURL, date.Format("20060102"))
	body, err := c.get(ctx, "scoreboard", url)
	return body, url, err
}

// FetchProbabilities fetches the full win-probability series for one game
func (c *Client) FetchProbabilities(ctx context.Context, key models.EventKey) ([]byte, string, error) {
	url := fmt.Sprintf("%s/events/%s/competitions/%s/probabilities?limit=%d",
		c.coreURL, key.EventID, key.CompetitionID, probabilityPageLimit)
	body, err := c.get(ctx, "probabilities", url)
	return body, url, err
}

// get performs a GET with rate limiting and retries
// Network errors, 429 and 5xx are retried with exponential backoff and
// jitter until attempts or the wall-clock deadline run out; every other
// non-200 status comes back as a StatusError without further attempts
func (c *Client) get(ctx context.Context, endpoint, url string) ([]byte, error) {
	deadline := time.Now().Add(c.opts.RetryDeadline)

	var lastErr error
	for attempt := 1; attempt <= c.opts.MaxAttempts; attempt++ {
		if attempt > 1 {
			backoff := c.backoff(attempt)
			if time.Now().Add(backoff).After(deadline) {
				return nil, fmt.Errorf("retry deadline exhausted after %d attempts: %w", attempt-1, lastErr)
			}

			log.Info().
				Str("url", url).
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Msg("Retrying source request after backoff")

			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}

		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("User-Agent", "bball-archiver/1.0")

		log.Debug().
			Str("url", url).
			Int("attempt", attempt).
			Msg("Making source request")

		start := time.Now()
		resp, err := c.httpClient.Do(req)
		if err != nil {
			metrics.RecordSourceRequest(endpoint, 0, time.Since(start))
			lastErr = fmt.Errorf("source request failed: %w", err)
			c.pause(ctx)
			continue
		}

		body, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		metrics.RecordSourceRequest(endpoint, resp.StatusCode, time.Since(start))
		c.pause(ctx)

		if readErr != nil {
			lastErr = fmt.Errorf("failed to read response body: %w", readErr)
			continue
		}

		switch {
		case resp.StatusCode == http.StatusOK:
			log.Debug().
				Str("url", url).
				Int("size", len(body)).
				Msg("Source request successful")
			return body, nil

		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			lastErr = &StatusError{Status: resp.StatusCode, URL: url, BodyPrefix: bodyPrefix(body)}
			log.Warn().
				Str("url", url).
				Int("status", resp.StatusCode).
				Int("attempt", attempt).
				Msg("Received retryable status from source")
			continue

		default:
			// Definitive rejection; the caller classifies and ledgers it
			return nil, &StatusError{Status: resp.StatusCode, URL: url, BodyPrefix: bodyPrefix(body)}
		}
	}

	return nil, fmt.Errorf("source request failed after %d attempts: %w", c.opts.MaxAttempts, lastErr)
}

// backoff doubles per retry and splits the sleep into a fixed half and a
// jittered half so parallel workers do not retry in lockstep
func (c *Client) backoff(attempt int) time.Duration {
	d := c.opts.RetryBase << uint(attempt-2)
	if d > backoffCap {
		d = backoffCap
	}
	return d/2 + time.Duration(rand.Int63n(int64(d/2)+1))
}

// pause applies the fixed inter-request sleep when one is configured
func (c *Client) pause(ctx context.Context) {
	if c.opts.RequestSleep <= 0 {
		return
	}
	select {
	case <-ctx.Done():
	case <-time.After(c.opts.RequestSleep):
	}
}

func bodyPrefix(body []byte) string {
	if len(body) > BodyPrefixLimit {
		body = body[:BodyPrefixLimit]
	}
	return string(body)
}
