package resilience

import (
	"context"
	"errors"
	"fmt"

	"github.com/hibikichat/hibiki/internal/observe"
	"github.com/hibikichat/hibiki/pkg/provider/llm"
)

// ErrAllProvidersFailed is returned when every provider in a [Chain] either
// failed or had an open breaker.
var ErrAllProvidersFailed = errors.New("resilience: all completion providers failed")

// Chain is a completion provider backed by an ordered list of real
// providers, each guarded by its own circuit breaker. A completion walks the
// chain in order, skipping providers whose breakers are open, and returns
// the first successful response. The primary always sits first, so traffic
// moves back to it as soon as its breaker closes.
//
// Add all providers before the first Complete call; the entry list is not
// synchronized.
type Chain struct {
	metrics    *observe.Metrics
	breakerCfg CircuitBreakerConfig
	entries    []chainEntry
}

type chainEntry struct {
	name     string
	provider llm.Provider
	breaker  *CircuitBreaker
}

var _ llm.Provider = (*Chain)(nil)

// ChainOption is a functional option for [NewChain].
type ChainOption func(*Chain)

// WithBreakerConfig overrides the breaker tuning applied to every provider
// in the chain. Name and OnTransition are owned by the chain and ignored.
func WithBreakerConfig(cfg CircuitBreakerConfig) ChainOption {
	return func(c *Chain) { c.breakerCfg = cfg }
}

// WithChainMetrics records breaker state changes on the given instruments.
func WithChainMetrics(m *observe.Metrics) ChainOption {
	return func(c *Chain) { c.metrics = m }
}

// NewChain creates a chain fronting the given primary provider.
func NewChain(name string, primary llm.Provider, opts ...ChainOption) *Chain {
	c := &Chain{}
	for _, o := range opts {
		o(c)
	}
	c.Add(name, primary)
	return c
}

// Add appends a fallback provider to the end of the chain.
func (c *Chain) Add(name string, provider llm.Provider) {
	cfg := c.breakerCfg
	cfg.Name = name
	cfg.OnTransition = func(from, to State) {
		c.metrics.RecordBreakerTransition(context.Background(), name, from.String(), to.String())
	}
	c.entries = append(c.entries, chainEntry{
		name:     name,
		provider: provider,
		breaker:  NewCircuitBreaker(cfg),
	})
}

// Complete tries each provider in order until one returns a completion.
// When the whole chain is down it returns an error wrapping
// [ErrAllProvidersFailed] with the last provider error as detail.
func (c *Chain) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	var lastErr error
	for _, e := range c.entries {
		var resp *llm.CompletionResponse
		err := e.breaker.Execute(func() error {
			var cerr error
			resp, cerr = e.provider.Complete(ctx, req)
			return cerr
		})
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if errors.Is(err, ErrCircuitOpen) {
			observe.Logger(ctx).Debug("skipping completion provider, circuit open", "provider", e.name)
			continue
		}
		observe.Logger(ctx).Warn("completion provider failed, trying next", "provider", e.name, "error", err)
	}
	return nil, fmt.Errorf("%w: %v", ErrAllProvidersFailed, lastErr)
}

// ModelID reports the primary provider's model. The chain presents itself to
// the pipeline as the primary even while failed over; which provider served
// a given completion shows up in logs and breaker metrics instead.
func (c *Chain) ModelID() string {
	if len(c.entries) == 0 {
		return ""
	}
	return c.entries[0].provider.ModelID()
}
