// Package harvest turns a search query into a deduplicated set of
// candidate evidence URLs. Each configured engine is queried through the
// courtesy scheduler, results are extracted with engine-specific patterns
// (generic anchor scan as fallback), then filtered, normalized, and
// deduplicated. Per-engine health counters feed progress reporting.
package harvest

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"farsight/internal/courtesy"
	"farsight/internal/logging"
	"farsight/internal/types"
)

// Fetcher is the courtesy-gated fetch surface the harvester needs.
// *courtesy.Scheduler satisfies it.
type Fetcher interface {
	Fetch(ctx context.Context, url string) courtesy.FetchResult
}

// Config tunes the harvester.
type Config struct {
	Engines             []string
	MaxResultsPerEngine int
	CacheTTL            time.Duration
	BlockedDomains      []string
}

// DefaultConfig enables every known engine.
func DefaultConfig() Config {
	var names []string
	for _, e := range DefaultEngines() {
		names = append(names, e.Name)
	}
	return Config{
		Engines:             names,
		MaxResultsPerEngine: 10,
		CacheTTL:            15 * time.Minute,
	}
}

type engineHealth struct {
	attempted atomic.Int64
	succeeded atomic.Int64
	failed    atomic.Int64
	skipped   atomic.Int64
}

// Harvester queries the configured engines. Safe for concurrent use.
type Harvester struct {
	cfg     Config
	fetcher Fetcher
	engines []Engine
	cache   *searchCache
	health  map[string]*engineHealth
	blocked map[string]bool
}

// NewHarvester creates a harvester over the given fetcher. Unknown engine
// names in cfg are ignored; with no known names every engine is enabled.
func NewHarvester(cfg Config, fetcher Fetcher) *Harvester {
	if cfg.MaxResultsPerEngine <= 0 {
		cfg.MaxResultsPerEngine = 10
	}

	enabled := map[string]bool{}
	for _, name := range cfg.Engines {
		enabled[strings.ToLower(name)] = true
	}
	var engines []Engine
	for _, e := range DefaultEngines() {
		if len(enabled) == 0 || enabled[e.Name] {
			engines = append(engines, e)
		}
	}
	if len(engines) == 0 {
		engines = DefaultEngines()
	}
	sort.Slice(engines, func(i, j int) bool { return engines[i].Priority < engines[j].Priority })

	blocked := map[string]bool{}
	for _, d := range cfg.BlockedDomains {
		blocked[strings.ToLower(d)] = true
	}

	health := map[string]*engineHealth{}
	for _, e := range engines {
		health[e.Name] = &engineHealth{}
	}

	return &Harvester{
		cfg:     cfg,
		fetcher: fetcher,
		engines: engines,
		cache:   newSearchCache(cfg.CacheTTL),
		health:  health,
		blocked: blocked,
	}
}

// Engines returns the enabled engine names in priority order.
func (h *Harvester) Engines() []string {
	names := make([]string, len(h.engines))
	for i, e := range h.engines {
		names[i] = e.Name
	}
	return names
}

// Search queries a single engine and returns filtered, deduplicated
// results. The query is cleaned before being sent.
func (h *Harvester) Search(ctx context.Context, query, engineName string) ([]Result, error) {
	eng, ok := h.engine(engineName)
	if !ok {
		return nil, fmt.Errorf("unknown search engine: %s", engineName)
	}
	return h.searchEngine(ctx, CleanSearchQuery(query), eng)
}

func (h *Harvester) engine(name string) (Engine, bool) {
	for _, e := range h.engines {
		if e.Name == strings.ToLower(name) {
			return e, true
		}
	}
	return Engine{}, false
}

func (h *Harvester) searchEngine(ctx context.Context, query string, eng Engine) ([]Result, error) {
	hs := h.health[eng.Name]
	cacheKey := eng.Name + "|" + query
	if cached, ok := h.cache.get(cacheKey); ok {
		logging.HarvestDebug("cache hit for %s %q (%d results)", eng.Name, query, len(cached))
		return cached, nil
	}

	hs.attempted.Add(1)
	res := h.fetcher.Fetch(ctx, eng.buildURL(query))
	switch res.Status {
	case courtesy.StatusSuccess:
	case courtesy.StatusCircuitBroken:
		hs.skipped.Add(1)
		return nil, fmt.Errorf("engine %s skipped: %w", eng.Name, res.Err)
	default:
		hs.failed.Add(1)
		return nil, fmt.Errorf("engine %s fetch failed (%s): %w", eng.Name, res.Status, res.Err)
	}

	results := eng.extract(res.Body, h.cfg.MaxResultsPerEngine)
	if len(results) == 0 {
		// Engine markup changed or minimal page: scan every anchor instead.
		results = extractGenericAnchors(res.Body, eng.Name, eng.Domain, h.cfg.MaxResultsPerEngine)
		logging.HarvestDebug("engine %s pattern miss, generic fallback found %d anchors", eng.Name, len(results))
	}
	results = h.filterResults(results)

	hs.succeeded.Add(1)
	h.cache.set(cacheKey, results)
	logging.Harvest("engine %s returned %d results for %q", eng.Name, len(results), query)
	return results, nil
}

// SearchAll fans the query out to every enabled engine concurrently and
// merges results in engine priority order, deduplicating by normalized
// URL. Engine failures degrade the merge; only total failure of every
// engine is an error.
func (h *Harvester) SearchAll(ctx context.Context, query string) ([]Result, error) {
	query = CleanSearchQuery(query)

	perEngine := make([][]Result, len(h.engines))
	g, gctx := errgroup.WithContext(ctx)
	for i, eng := range h.engines {
		i, eng := i, eng
		g.Go(func() error {
			results, err := h.searchEngine(gctx, query, eng)
			if err != nil {
				logging.HarvestWarn("engine %s: %v", eng.Name, err)
				return nil
			}
			perEngine[i] = results
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var merged []Result
	seen := map[string]bool{}
	for _, results := range perEngine {
		for _, r := range results {
			key := normalizeURL(r.URL)
			if key == "" || seen[key] {
				continue
			}
			seen[key] = true
			merged = append(merged, r)
		}
	}
	if len(merged) == 0 && ctx.Err() != nil {
		return nil, ctx.Err()
	}
	logging.Harvest("merged %d unique results for %q across %d engines", len(merged), query, len(h.engines))
	return merged, nil
}

// filterResults drops search-engine domains, blocked domains, other
// engines' result pages, and non-HTTP schemes, then deduplicates by
// normalized URL.
func (h *Harvester) filterResults(results []Result) []Result {
	var out []Result
	seen := map[string]bool{}
	for _, r := range results {
		u, err := url.Parse(r.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			continue
		}
		host := strings.ToLower(u.Hostname())
		if host == "" || h.isEngineDomain(host) || h.isBlockedDomain(host) || isSearchResultPage(u) {
			continue
		}
		key := normalizeURL(r.URL)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, r)
	}
	return out
}

func (h *Harvester) isEngineDomain(host string) bool {
	for _, e := range DefaultEngines() {
		if host == e.Domain || strings.HasSuffix(host, "."+e.Domain) {
			return true
		}
	}
	return false
}

func (h *Harvester) isBlockedDomain(host string) bool {
	for d := range h.blocked {
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}

// nonContentHosts are engines and aggregators whose result pages leak into
// result sets but carry no evidence of their own.
var nonContentHosts = []string{
	"google.com", "www.google.com",
	"yandex.com", "baidu.com",
	"startpage.com", "searx.org",
}

func isSearchResultPage(u *url.URL) bool {
	host := strings.ToLower(u.Hostname())
	for _, h := range nonContentHosts {
		if host == h || strings.HasSuffix(host, "."+h) {
			return true
		}
	}
	// Internal site-search endpoints are navigation, not content.
	path := strings.ToLower(u.Path)
	if (strings.HasSuffix(path, "/search") || strings.HasPrefix(path, "/search")) && u.RawQuery != "" {
		return true
	}
	return false
}

// normalizeURL canonicalizes a URL for deduplication: lowercased host,
// fragment and tracking parameters stripped, trailing slash removed.
func normalizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" {
		return ""
	}
	u.Fragment = ""
	u.Host = strings.ToLower(u.Host)

	q := u.Query()
	changed := false
	for key := range q {
		if strings.HasPrefix(strings.ToLower(key), "utm_") || key == "ref" || key == "fbclid" {
			q.Del(key)
			changed = true
		}
	}
	if changed {
		u.RawQuery = q.Encode()
	}
	u.Path = strings.TrimSuffix(u.Path, "/")
	return u.String()
}

// Health returns per-engine counters sorted by engine priority.
func (h *Harvester) Health() []types.EngineHealthEntry {
	entries := make([]types.EngineHealthEntry, 0, len(h.engines))
	for _, e := range h.engines {
		hs := h.health[e.Name]
		entries = append(entries, types.EngineHealthEntry{
			Engine:    e.Name,
			Attempted: hs.attempted.Load(),
			Succeeded: hs.succeeded.Load(),
			Failed:    hs.failed.Load(),
			Skipped:   hs.skipped.Load(),
		})
	}
	return entries
}
