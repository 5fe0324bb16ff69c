// Package courtesy gates all outbound web fetches behind a per-domain
// courtesy policy: bounded global and per-domain concurrency, randomized
// inter-request delays, a per-domain circuit breaker, and retry with
// exponential backoff. No fetch in the pipeline bypasses the scheduler.
package courtesy

import (
	"context"
	"errors"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"farsight/internal/logging"
	"farsight/internal/resilience"
	"farsight/internal/types"
)

// Status classifies the outcome of one gated fetch.
type Status string

const (
	StatusSuccess       Status = "success"
	StatusBlocked       Status = "blocked"        // site refused (401/403/429/451)
	StatusTimeout       Status = "timeout"        // per-request deadline exceeded
	StatusPaywall       Status = "paywall"        // 402 or paywall-marker body
	StatusError         Status = "error"          // generic fetch failure
	StatusCircuitBroken Status = "circuit_broken" // domain circuit open, not attempted
)

// FetchResult is the outcome of Fetch. Body is populated only on success.
type FetchResult struct {
	URL        string
	FinalURL   string
	Status     Status
	StatusCode int
	Body       string
	Elapsed    time.Duration
	Err        error
}

// Config tunes the scheduler. Zero values fall back to defaults.
type Config struct {
	MaxConcurrentFetches int
	MaxPerDomainFetches  int
	MinDelay             time.Duration
	MaxDelay             time.Duration
	FailureThreshold     int
	Cooldown             time.Duration
	MaxRetries           int
	BackoffBase          time.Duration
	BackoffCap           time.Duration
	FetchTimeout         time.Duration
	UserAgent            string
	MaxBodyBytes         int64
}

// DefaultConfig returns conservative courtesy limits.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentFetches: 8,
		MaxPerDomainFetches:  2,
		MinDelay:             500 * time.Millisecond,
		MaxDelay:             2 * time.Second,
		FailureThreshold:     5,
		Cooldown:             2 * time.Minute,
		MaxRetries:           2,
		BackoffBase:          time.Second,
		BackoffCap:           8 * time.Second,
		FetchTimeout:         20 * time.Second,
		UserAgent:            "farsight/0.3 (+research agent)",
		MaxBodyBytes:         2 << 20,
	}
}

func (c *Config) normalize() {
	if c.MaxConcurrentFetches < 1 {
		c.MaxConcurrentFetches = 1
	}
	if c.MaxPerDomainFetches < 1 {
		c.MaxPerDomainFetches = 1
	}
	if c.MaxPerDomainFetches > c.MaxConcurrentFetches {
		c.MaxPerDomainFetches = c.MaxConcurrentFetches
	}
	if c.MaxDelay < c.MinDelay {
		c.MaxDelay = c.MinDelay
	}
	if c.FailureThreshold < 1 {
		c.FailureThreshold = resilience.DefaultFailureThreshold
	}
	if c.Cooldown <= 0 {
		c.Cooldown = resilience.DefaultCooldown
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = resilience.DefaultBackoffBase
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = resilience.DefaultBackoffCap
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = 20 * time.Second
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = 2 << 20
	}
}

// domainState carries everything the scheduler tracks per host. The breaker
// and counters are shared by every in-flight fetch against the host, so all
// mutation goes through the breaker's own lock, the reservation mutex, or
// atomics - no lost updates.
type domainState struct {
	slots   chan struct{}
	breaker *resilience.Breaker

	mu          sync.Mutex
	nextAllowed time.Time

	attempted atomic.Int64
	succeeded atomic.Int64
	failed    atomic.Int64
	skipped   atomic.Int64
}

// Scheduler enforces the courtesy policy. Safe for concurrent use.
type Scheduler struct {
	cfg    Config
	client *http.Client

	globalSlots chan struct{}

	mu      sync.Mutex
	domains map[string]*domainState

	totalAttempts  atomic.Int64
	totalSuccesses atomic.Int64
	totalFailures  atomic.Int64
	circuitBreaks  atomic.Int64
}

// NewScheduler creates a scheduler with the given config.
func NewScheduler(cfg Config) *Scheduler {
	cfg.normalize()
	return &Scheduler{
		cfg: cfg,
		client: &http.Client{
			// Per-request deadlines come from the fetch context; redirects
			// are followed with the default policy.
		},
		globalSlots: make(chan struct{}, cfg.MaxConcurrentFetches),
		domains:     make(map[string]*domainState),
	}
}

func (s *Scheduler) domain(host string) *domainState {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.domains[host]
	if !ok {
		d = &domainState{
			slots:   make(chan struct{}, s.cfg.MaxPerDomainFetches),
			breaker: resilience.NewBreaker(s.cfg.FailureThreshold, s.cfg.Cooldown),
		}
		s.domains[host] = d
	}
	return d
}

// Fetch performs one courtesy-gated GET. It never panics and always returns
// a classified result; Err is set for everything except StatusSuccess.
func (s *Scheduler) Fetch(ctx context.Context, rawURL string) FetchResult {
	start := time.Now()

	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Hostname() == "" {
		return FetchResult{
			URL: rawURL, Status: StatusError, Elapsed: time.Since(start),
			Err: errors.New("unsupported or malformed URL"),
		}
	}
	host := strings.ToLower(u.Hostname())
	d := s.domain(host)

	s.totalAttempts.Add(1)
	d.attempted.Add(1)

	if !d.breaker.Allow() {
		s.circuitBreaks.Add(1)
		d.skipped.Add(1)
		logging.SchedulerDebug("circuit open for %s, fast-failing %s", host, rawURL)
		return FetchResult{
			URL: rawURL, Status: StatusCircuitBroken, Elapsed: time.Since(start),
			Err: errors.New("domain circuit open: " + host),
		}
	}

	// Global slot, then domain slot. Both respect cancellation.
	select {
	case s.globalSlots <- struct{}{}:
		defer func() { <-s.globalSlots }()
	case <-ctx.Done():
		return FetchResult{URL: rawURL, Status: StatusError, Elapsed: time.Since(start), Err: ctx.Err()}
	}
	select {
	case d.slots <- struct{}{}:
		defer func() { <-d.slots }()
	case <-ctx.Done():
		return FetchResult{URL: rawURL, Status: StatusError, Elapsed: time.Since(start), Err: ctx.Err()}
	}

	var res FetchResult
	for attempt := 0; ; attempt++ {
		// The circuit may have been opened by a concurrent fetch mid-loop.
		if !d.breaker.Allow() {
			s.circuitBreaks.Add(1)
			d.skipped.Add(1)
			res = FetchResult{
				URL: rawURL, Status: StatusCircuitBroken,
				Err: errors.New("domain circuit open: " + host),
			}
			res.Elapsed = time.Since(start)
			return res
		}

		if err := s.waitCourtesy(ctx, d); err != nil {
			return FetchResult{URL: rawURL, Status: StatusError, Elapsed: time.Since(start), Err: err}
		}

		res = s.doFetch(ctx, rawURL)
		res.Elapsed = time.Since(start)

		if res.Status == StatusSuccess {
			d.breaker.Success()
			d.succeeded.Add(1)
			s.totalSuccesses.Add(1)
			logging.SchedulerDebug("fetched %s in %v (attempt %d)", rawURL, res.Elapsed, attempt+1)
			return res
		}

		// Caller cancellation is not the domain's fault; skip accounting.
		if ctx.Err() != nil {
			res.Status = StatusError
			res.Err = ctx.Err()
			return res
		}

		d.breaker.Failure()

		if !retryable(res.Status) || attempt >= s.cfg.MaxRetries {
			break
		}

		delay := resilience.BackoffDelay(attempt, s.cfg.BackoffBase, s.cfg.BackoffCap)
		logging.SchedulerDebug("retrying %s after %v (attempt %d, status %s)", rawURL, delay, attempt+1, res.Status)
		if err := sleepCtx(ctx, delay); err != nil {
			res.Status = StatusError
			res.Err = err
			return res
		}
	}

	d.failed.Add(1)
	s.totalFailures.Add(1)
	logging.SchedulerDebug("fetch failed %s: %s", rawURL, res.Status)
	return res
}

// retryable reports whether a failed status is worth another attempt.
// Blocked and Paywall are deterministic refusals; retrying burns goodwill.
func retryable(st Status) bool {
	return st == StatusTimeout || st == StatusError
}

// waitCourtesy reserves this caller's courtesy window for the domain and
// sleeps until it opens. Reservations serialize: concurrent callers to one
// domain each get a distinct window at least MinDelay apart.
func (s *Scheduler) waitCourtesy(ctx context.Context, d *domainState) error {
	delay := s.cfg.MinDelay
	if span := s.cfg.MaxDelay - s.cfg.MinDelay; span > 0 {
		delay += time.Duration(rand.Int63n(int64(span) + 1))
	}

	d.mu.Lock()
	earliest := d.nextAllowed
	if now := time.Now(); earliest.Before(now) {
		earliest = now
	}
	d.nextAllowed = earliest.Add(delay)
	d.mu.Unlock()

	return sleepCtx(ctx, time.Until(earliest))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// doFetch performs the HTTP request with its own per-request deadline,
// independent of the job-level context lifetime.
func (s *Scheduler) doFetch(ctx context.Context, rawURL string) FetchResult {
	reqCtx, cancel := context.WithTimeout(ctx, s.cfg.FetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, rawURL, nil)
	if err != nil {
		return FetchResult{URL: rawURL, Status: StatusError, Err: err}
	}
	req.Header.Set("User-Agent", s.cfg.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")

	resp, err := s.client.Do(req)
	if err != nil {
		if reqCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			return FetchResult{URL: rawURL, Status: StatusTimeout, Err: err}
		}
		return FetchResult{URL: rawURL, Status: StatusError, Err: err}
	}
	defer resp.Body.Close()

	final := rawURL
	if resp.Request != nil && resp.Request.URL != nil {
		final = resp.Request.URL.String()
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		data, rerr := io.ReadAll(io.LimitReader(resp.Body, s.cfg.MaxBodyBytes))
		if rerr != nil {
			return FetchResult{URL: rawURL, FinalURL: final, Status: StatusError, StatusCode: resp.StatusCode, Err: rerr}
		}
		body := string(data)
		if looksPaywalled(body) {
			return FetchResult{
				URL: rawURL, FinalURL: final, Status: StatusPaywall, StatusCode: resp.StatusCode,
				Err: errors.New("paywall marker in response body"),
			}
		}
		return FetchResult{URL: rawURL, FinalURL: final, Status: StatusSuccess, StatusCode: resp.StatusCode, Body: body}

	case resp.StatusCode == http.StatusPaymentRequired:
		return FetchResult{
			URL: rawURL, FinalURL: final, Status: StatusPaywall, StatusCode: resp.StatusCode,
			Err: errors.New("payment required"),
		}

	case resp.StatusCode == http.StatusUnauthorized,
		resp.StatusCode == http.StatusForbidden,
		resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode == http.StatusUnavailableForLegalReasons:
		return FetchResult{
			URL: rawURL, FinalURL: final, Status: StatusBlocked, StatusCode: resp.StatusCode,
			Err: errors.New("site refused request: " + resp.Status),
		}

	default:
		return FetchResult{
			URL: rawURL, FinalURL: final, Status: StatusError, StatusCode: resp.StatusCode,
			Err: errors.New("unexpected response: " + resp.Status),
		}
	}
}

// paywallMarkers are checked lowercased against the first page of the body.
var paywallMarkers = []string{
	"paywall",
	"subscription required",
	"subscribe to continue",
	"subscribe to read",
	"this content is for subscribers",
}

func looksPaywalled(body string) bool {
	probe := body
	if len(probe) > 8192 {
		probe = probe[:8192]
	}
	probe = strings.ToLower(probe)
	for _, m := range paywallMarkers {
		if strings.Contains(probe, m) {
			return true
		}
	}
	return false
}

// Snapshot returns per-domain health entries sorted by domain name.
// Entries are value copies; callers never see live counters.
func (s *Scheduler) Snapshot() []types.SourceHealthEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := make([]types.SourceHealthEntry, 0, len(s.domains))
	for host, d := range s.domains {
		entries = append(entries, types.SourceHealthEntry{
			Domain:      host,
			Attempted:   d.attempted.Load(),
			Succeeded:   d.succeeded.Load(),
			Failed:      d.failed.Load(),
			Skipped:     d.skipped.Load(),
			CircuitOpen: d.breaker.IsOpen(),
		})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Domain < entries[j].Domain })
	return entries
}

// Metrics returns global counters: attempts, successes, failures, circuit fast-fails.
func (s *Scheduler) Metrics() (attempts, successes, failures, circuitBreaks int64) {
	return s.totalAttempts.Load(), s.totalSuccesses.Load(), s.totalFailures.Load(), s.circuitBreaks.Load()
}

// DomainCircuitOpen reports whether the named domain's circuit is currently open.
func (s *Scheduler) DomainCircuitOpen(host string) bool {
	s.mu.Lock()
	d, ok := s.domains[strings.ToLower(host)]
	s.mu.Unlock()
	return ok && d.breaker.IsOpen()
}
