package llm

import (
	"context"
	"fmt"
	"time"

	"farsight/internal/config"
	"farsight/internal/logging"
	"farsight/internal/resilience"
)

// RouterConfig tunes routing, retries, and recovery.
type RouterConfig struct {
	Strategy Strategy

	// MaxRetries is the number of attempts per provider before the router
	// moves to the next one.
	MaxRetries int

	// Breaker settings shared by both providers.
	FailureThreshold int
	Cooldown         time.Duration

	// Backoff between attempts against the same provider.
	BackoffBase time.Duration
	BackoffCap  time.Duration

	// DefaultMaxTokens applies when a request carries no budget.
	// TokenCeiling bounds truncation-recovery doubling.
	DefaultMaxTokens int
	TokenCeiling     int

	// MaxToolCalls bounds one GenerateWithTools loop when the caller
	// passes no explicit limit.
	MaxToolCalls int
}

// DefaultRouterConfig returns routing defaults.
func DefaultRouterConfig() RouterConfig {
	return RouterConfig{
		Strategy:         LocalWithCloudFallback,
		MaxRetries:       3,
		FailureThreshold: resilience.DefaultFailureThreshold,
		Cooldown:         60 * time.Second,
		BackoffBase:      resilience.DefaultBackoffBase,
		BackoffCap:       resilience.DefaultBackoffCap,
		DefaultMaxTokens: 4096,
		TokenCeiling:     8192,
		MaxToolCalls:     8,
	}
}

// Router sends generation requests to the provider order its strategy
// dictates. Each provider gets MaxRetries attempts with jittered backoff
// behind its own circuit breaker, and truncated responses are retried
// once with a doubled token budget before the caller sees them.
type Router struct {
	local Provider
	cloud Provider
	cfg   RouterConfig

	localBreaker *resilience.Breaker
	cloudBreaker *resilience.Breaker
}

// NewRouter creates a router over the given providers. Either provider
// may be nil when the strategy never reaches it.
func NewRouter(local, cloud Provider, cfg RouterConfig) *Router {
	def := DefaultRouterConfig()
	if cfg.Strategy == "" {
		cfg.Strategy = def.Strategy
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = def.BackoffBase
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = def.BackoffCap
	}
	if cfg.DefaultMaxTokens <= 0 {
		cfg.DefaultMaxTokens = def.DefaultMaxTokens
	}
	if cfg.TokenCeiling < cfg.DefaultMaxTokens {
		cfg.TokenCeiling = def.TokenCeiling
	}
	if cfg.MaxToolCalls <= 0 {
		cfg.MaxToolCalls = def.MaxToolCalls
	}
	return &Router{
		local:        local,
		cloud:        cloud,
		cfg:          cfg,
		localBreaker: resilience.NewBreaker(cfg.FailureThreshold, cfg.Cooldown),
		cloudBreaker: resilience.NewBreaker(cfg.FailureThreshold, cfg.Cooldown),
	}
}

// NewRouterFromConfig builds the router the configuration describes:
// an Ollama local provider plus the named cloud provider.
func NewRouterFromConfig(cfg *config.Config) (*Router, error) {
	strategy, err := ParseStrategy(cfg.LLM.Strategy)
	if err != nil {
		return nil, err
	}
	timeout := cfg.GetLLMTimeout()

	local := NewOllamaProvider(cfg.LLM.Local.Endpoint, cfg.LLM.Local.Model, cfg.LLM.Local.ContextSize, timeout)

	// LocalOnly never builds a cloud client, so no cloud call can happen
	// even on total local failure.
	var cloud Provider
	if strategy != LocalOnly {
		cloud, err = newCloudProvider(cfg.LLM.Cloud, timeout)
		if err != nil {
			return nil, err
		}
	}

	rc := RouterConfig{
		Strategy:         strategy,
		MaxRetries:       cfg.LLM.MaxRetries,
		FailureThreshold: cfg.LLM.FailureThreshold,
		Cooldown:         time.Duration(cfg.LLM.CooldownSeconds) * time.Second,
		DefaultMaxTokens: cfg.LLM.Cloud.MaxOutputTokens,
		MaxToolCalls:     cfg.LLM.MaxToolCallsPerPhase,
	}
	router := NewRouter(local, cloud, rc)
	logging.LLM("router ready: strategy=%s local=%s cloud=%s",
		strategy, providerLabel(local), providerLabel(cloud))
	return router, nil
}

func newCloudProvider(cfg config.CloudLLMConfig, timeout time.Duration) (Provider, error) {
	switch cfg.Provider {
	case "anthropic":
		return NewAnthropicProvider(cfg.APIKey, cfg.BaseURL, cfg.Model, timeout), nil
	case "openai":
		return NewOpenAIProvider(cfg.APIKey, cfg.BaseURL, cfg.Model, timeout), nil
	case "openrouter":
		return NewOpenRouterProvider(cfg.APIKey, cfg.BaseURL, cfg.Model, timeout), nil
	case "gemini":
		return NewGeminiProvider(cfg.APIKey, cfg.BaseURL, cfg.Model, timeout), nil
	case "":
		return nil, nil
	}
	return nil, fmt.Errorf("unknown cloud provider %q", cfg.Provider)
}

func providerLabel(p Provider) string {
	if p == nil {
		return "none"
	}
	return p.Name()
}

// Strategy returns the configured routing strategy.
func (r *Router) Strategy() Strategy {
	return r.cfg.Strategy
}

// MaxToolCalls returns the default tool-call budget per loop.
func (r *Router) MaxToolCalls() int {
	return r.cfg.MaxToolCalls
}

type providerSlot struct {
	provider Provider
	breaker  *resilience.Breaker
	role     string
}

// order returns the providers the strategy allows, in try order.
func (r *Router) order() []providerSlot {
	local := providerSlot{r.local, r.localBreaker, "local"}
	cloud := providerSlot{r.cloud, r.cloudBreaker, "cloud"}

	var slots []providerSlot
	switch r.cfg.Strategy {
	case LocalOnly:
		slots = []providerSlot{local}
	case CloudOnly:
		slots = []providerSlot{cloud}
	case CloudPrimary:
		slots = []providerSlot{cloud, local}
	default:
		slots = []providerSlot{local, cloud}
	}

	usable := slots[:0]
	for _, s := range slots {
		if s.provider != nil {
			usable = append(usable, s)
		}
	}
	return usable
}

// Generate routes one request. It returns the first successful response,
// or an error wrapping ErrUnavailable once every allowed provider is
// exhausted. Context cancellation aborts immediately without charging
// the active provider's breaker.
func (r *Router) Generate(ctx context.Context, req *Request) (*Response, error) {
	slots := r.order()
	if len(slots) == 0 {
		return nil, fmt.Errorf("strategy %s: %w", r.cfg.Strategy, ErrUnavailable)
	}

	var lastErr error
	for _, slot := range slots {
		if !slot.breaker.Allow() {
			logging.LLMWarn("[router] %s provider %s circuit open, skipping",
				slot.role, slot.provider.Name())
			lastErr = fmt.Errorf("%s provider circuit open", slot.role)
			continue
		}

		resp, err := r.generateWithRetry(ctx, slot, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		logging.LLMWarn("[router] %s provider %s exhausted: %v",
			slot.role, slot.provider.Name(), err)
	}
	return nil, fmt.Errorf("%w: %v", ErrUnavailable, lastErr)
}

// generateWithRetry gives one provider its full attempt budget.
func (r *Router) generateWithRetry(ctx context.Context, slot providerSlot, req *Request) (*Response, error) {
	var lastErr error
	for attempt := 0; attempt < r.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := resilience.BackoffDelay(attempt-1, r.cfg.BackoffBase, r.cfg.BackoffCap)
			logging.LLMDebug("[router] %s retry %d/%d in %v",
				slot.provider.Name(), attempt, r.cfg.MaxRetries-1, delay)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		resp, err := r.attempt(ctx, slot.provider, req)
		if err != nil {
			if ctx.Err() != nil {
				// Cancellation is the caller's doing, not the provider's fault.
				return nil, ctx.Err()
			}
			slot.breaker.Failure()
			lastErr = err
			logging.LLMDebug("[router] %s attempt %d failed: %v",
				slot.provider.Name(), attempt+1, err)
			continue
		}
		slot.breaker.Success()
		return resp, nil
	}
	return nil, lastErr
}

// attempt runs one generation, recovering from truncation by retrying
// once with a doubled token budget. The truncated first response is
// returned only when the raised retry truncates or fails too.
func (r *Router) attempt(ctx context.Context, provider Provider, req *Request) (*Response, error) {
	working := *req
	if working.MaxTokens <= 0 {
		working.MaxTokens = r.cfg.DefaultMaxTokens
	}

	resp, err := provider.Generate(ctx, &working)
	if err != nil {
		return nil, err
	}
	if !resp.Truncated() || working.MaxTokens >= r.cfg.TokenCeiling {
		return resp, nil
	}

	raised := working.MaxTokens * 2
	if raised > r.cfg.TokenCeiling {
		raised = r.cfg.TokenCeiling
	}
	logging.LLM("[router] %s truncated at %d tokens, retrying at %d",
		provider.Name(), working.MaxTokens, raised)

	retry := working
	retry.MaxTokens = raised
	retryResp, retryErr := provider.Generate(ctx, &retry)
	if retryErr != nil || retryResp.Truncated() {
		return resp, nil
	}
	return retryResp, nil
}
