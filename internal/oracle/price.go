// Package oracle implements the Price & Balance Oracles of spec.md §4.B:
// a SOL->USD spot price lookup and a token balance verifier. Both are
// thin HTTP/RPC clients grounded on the teacher's internal/binance
// client's retry discipline, fronted by caches and a failure breaker so a
// flapping upstream degrades gracefully instead of stalling every
// evaluator tick.
package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"

	"contractstream/internal/apperr"
)

// PriceCache is the narrow read/write capability an external cache (e.g.
// Redis) must satisfy for SolPriceOracle to share a TTL'd price across
// processes. A nil PriceCache means "no shared cache" — the oracle falls
// back to a private in-process cache only.
type PriceCache interface {
	Get(ctx context.Context) (price float64, ok bool)
	Set(ctx context.Context, price float64, ttl time.Duration)
}

// SolPriceOracleConfig configures the HTTP-backed price oracle.
type SolPriceOracleConfig struct {
	URL             string
	CacheTTL        time.Duration // must be <= MaxCacheTTL per spec.md §4.B
	RequestTimeout  time.Duration
	MaxRetries      int
}

// MaxCacheTTL is the hard ceiling spec.md §4.B places on a served price:
// "MUST NOT serve a price older than one minute during a live C1 decision".
const MaxCacheTTL = 60 * time.Second

// DefaultCacheTTL is the recommended short TTL ("implementers MAY add a
// short TTL cache (<=10s)").
const DefaultCacheTTL = 10 * time.Second

type solPriceResponse struct {
	SolPrice float64 `json:"solPrice"`
}

// HTTPSolPriceOracle is the default SolPriceOracle implementation.
type HTTPSolPriceOracle struct {
	cfg    SolPriceOracleConfig
	client *retryablehttp.Client
	log    zerolog.Logger

	breaker *failureBreaker
	shared  PriceCache

	mu          sync.Mutex
	localPrice  float64
	localAt     time.Time
}

// NewHTTPSolPriceOracle builds an oracle against cfg. shared may be nil.
func NewHTTPSolPriceOracle(cfg SolPriceOracleConfig, shared PriceCache, log zerolog.Logger) *HTTPSolPriceOracle {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultCacheTTL
	}
	if cfg.CacheTTL > MaxCacheTTL {
		cfg.CacheTTL = MaxCacheTTL
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 3 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 2
	}

	rc := retryablehttp.NewClient()
	rc.RetryMax = cfg.MaxRetries
	rc.Logger = nil // the zerolog logger below is authoritative
	rc.HTTPClient.Timeout = cfg.RequestTimeout

	return &HTTPSolPriceOracle{
		cfg:     cfg,
		client:  rc,
		log:     log.With().Str("component", "oracle.sol_price").Logger(),
		breaker: newFailureBreaker(5, 30*time.Second),
		shared:  shared,
	}
}

// USDPrice returns the current SOL->USD price, consulting the shared
// cache, then the local cache, before falling back to a live HTTP call.
// It never serves a price older than MaxCacheTTL (spec.md §4.B).
func (o *HTTPSolPriceOracle) USDPrice(ctx context.Context) (float64, error) {
	if o.shared != nil {
		if price, ok := o.shared.Get(ctx); ok {
			return price, nil
		}
	}

	o.mu.Lock()
	if !o.localAt.IsZero() && time.Since(o.localAt) < o.cfg.CacheTTL {
		price := o.localPrice
		o.mu.Unlock()
		return price, nil
	}
	o.mu.Unlock()

	if !o.breaker.Allow() {
		return 0, apperr.New(apperr.Transient, "sol price oracle circuit open")
	}

	price, err := o.fetch(ctx)
	if err != nil {
		o.breaker.RecordFailure()
		return 0, err
	}
	o.breaker.RecordSuccess()

	o.mu.Lock()
	o.localPrice = price
	o.localAt = time.Now()
	o.mu.Unlock()

	if o.shared != nil {
		o.shared.Set(ctx, price, o.cfg.CacheTTL)
	}

	return price, nil
}

func (o *HTTPSolPriceOracle) fetch(ctx context.Context) (float64, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, o.cfg.URL, nil)
	if err != nil {
		return 0, apperr.Wrap(apperr.Fatal, "build sol price request", err)
	}

	resp, err := o.client.Do(req)
	if err != nil {
		o.log.Warn().Err(err).Msg("sol price request failed")
		return 0, apperr.Wrap(apperr.Transient, "sol price request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, apperr.New(apperr.Transient, fmt.Sprintf("sol price endpoint returned %d", resp.StatusCode))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, apperr.Wrap(apperr.Transient, "read sol price body", err)
	}

	var parsed solPriceResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return 0, apperr.Wrap(apperr.Transient, "parse sol price body", err)
	}
	if parsed.SolPrice <= 0 {
		return 0, apperr.New(apperr.Transient, "sol price missing or non-positive")
	}

	return parsed.SolPrice, nil
}
