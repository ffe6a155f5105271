// Package fees computes per-chain unit prices at three speed tiers. The
// standard tier follows the node's suggestion; slow and fast are fixed
// discounts/premiums on it. Estimates are cached briefly per chain so that
// interactive callers do not hammer the RPC endpoint.
package fees

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/crossrail-labs/crossrail/types"
)

const (
	defaultCacheTTL     = 30 * time.Second
	defaultFetchTimeout = 5 * time.Second
)

// Tier multipliers over the node's suggested price, in percent.
const (
	slowPct = 80
	fastPct = 150
)

// GasPriceEstimate is an ephemeral snapshot of a chain's unit prices.
type GasPriceEstimate struct {
	ChainID   string    `json:"chain_id"`
	Slow      *big.Int  `json:"slow"`
	Standard  *big.Int  `json:"standard"`
	Fast      *big.Int  `json:"fast"`
	FetchedAt time.Time `json:"fetched_at"`
}

// PriceSource supplies the current standard-tier unit price for one chain.
type PriceSource interface {
	SuggestUnitPrice(ctx context.Context) (*big.Int, error)
}

// Estimator caches tiered gas price estimates per chain.
type Estimator struct {
	mu      sync.Mutex
	cache   map[string]*GasPriceEstimate
	sources map[string]PriceSource

	ttl          time.Duration
	fetchTimeout time.Duration
	nowFn        func() time.Time
	logger       *slog.Logger
}

type EstimatorOpts struct {
	Sources      map[string]PriceSource
	CacheTTL     time.Duration
	FetchTimeout time.Duration
	Logger       *slog.Logger
}

func NewEstimator(opts EstimatorOpts) *Estimator {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.CacheTTL == 0 {
		opts.CacheTTL = defaultCacheTTL
	}
	if opts.FetchTimeout == 0 {
		opts.FetchTimeout = defaultFetchTimeout
	}
	return &Estimator{
		cache:        make(map[string]*GasPriceEstimate),
		sources:      opts.Sources,
		ttl:          opts.CacheTTL,
		fetchTimeout: opts.FetchTimeout,
		nowFn:        time.Now,
		logger:       opts.Logger,
	}
}

// SetNowFunc overrides the time source, for deterministic tests.
func (e *Estimator) SetNowFunc(now func() time.Time) {
	if now == nil {
		now = time.Now
	}
	e.nowFn = now
}

// GetEstimate returns the tiered unit prices for chainID, serving a cached
// snapshot while it is fresh. On a fetch error a stale snapshot is returned
// if one exists, so transient RPC failures degrade to slightly old prices
// rather than hard errors.
func (e *Estimator) GetEstimate(ctx context.Context, chainID string) (*GasPriceEstimate, error) {
	e.mu.Lock()
	cached, ok := e.cache[chainID]
	e.mu.Unlock()

	now := e.nowFn()
	if ok && now.Sub(cached.FetchedAt) < e.ttl {
		return cached, nil
	}

	source, found := e.sources[chainID]
	if !found {
		return nil, fmt.Errorf("no price source for chain: %s", chainID)
	}

	fetchCtx, cancel := context.WithTimeout(ctx, e.fetchTimeout)
	defer cancel()

	standard, err := source.SuggestUnitPrice(fetchCtx)
	if err != nil {
		if ok {
			e.logger.Warn("serving stale gas estimate", "chain", chainID, "error", err)
			return cached, nil
		}
		return nil, fmt.Errorf("failed to fetch unit price for %s: %w", chainID, err)
	}

	estimate := &GasPriceEstimate{
		ChainID:   chainID,
		Slow:      pct(standard, slowPct),
		Standard:  new(big.Int).Set(standard),
		Fast:      pct(standard, fastPct),
		FetchedAt: now,
	}

	e.mu.Lock()
	e.cache[chainID] = estimate
	e.mu.Unlock()

	return estimate, nil
}

// ToCost returns the total cost of unitsOfWork at the given speed tier.
func ToCost(estimate *GasPriceEstimate, speed types.Speed, unitsOfWork uint64) *big.Int {
	var price *big.Int
	switch speed {
	case types.SpeedSlow:
		price = estimate.Slow
	case types.SpeedFast:
		price = estimate.Fast
	default:
		price = estimate.Standard
	}
	return new(big.Int).Mul(price, new(big.Int).SetUint64(unitsOfWork))
}

func pct(v *big.Int, percent int64) *big.Int {
	out := new(big.Int).Mul(v, big.NewInt(percent))
	return out.Div(out, big.NewInt(100))
}
