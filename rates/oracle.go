package rates

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"
)

// ErrRateUnavailable indicates no usable exchange rate exists for a token.
// Callers drop the token from the candidate set rather than failing the
// whole order.
var ErrRateUnavailable = errors.New("rates: rate unavailable")

// Stablecoin symbols quoted at the fiat USD rate directly.
var usdPegged = map[string]struct{}{
	"usdc": {},
	"usdt": {},
}

// Snapshot is one consistent view of the BTC-relative exchange-rate table.
// All conversions within a single order creation use the same snapshot.
type Snapshot struct {
	perBTC    map[string]float64
	usdPerBTC float64
	FetchedAt time.Time
}

// NewSnapshot builds a snapshot from a fixed BTC-relative rate table. Used
// for deterministic wiring in tests and tooling; production snapshots come
// from Oracle.Current.
func NewSnapshot(usdPerBTC float64, perBTC map[string]float64, fetchedAt time.Time) *Snapshot {
	normalized := make(map[string]float64, len(perBTC))
	for id, value := range perBTC {
		if value > 0 {
			normalized[strings.ToLower(id)] = value
		}
	}
	return &Snapshot{perBTC: normalized, usdPerBTC: usdPerBTC, FetchedAt: fetchedAt}
}

// TokenPerFiat returns how many token units one fiat unit buys. USD-pegged
// stables short-circuit to 1:1 against the USD rate.
func (s *Snapshot) TokenPerFiat(coingeckoID, symbol string) (float64, error) {
	if s == nil || s.usdPerBTC <= 0 {
		return 0, ErrRateUnavailable
	}
	if _, pegged := usdPegged[strings.ToLower(symbol)]; pegged {
		return 1, nil
	}
	tokenPerBTC, ok := s.perBTC[strings.ToLower(coingeckoID)]
	if !ok || tokenPerBTC <= 0 {
		return 0, ErrRateUnavailable
	}
	return tokenPerBTC / s.usdPerBTC, nil
}

// SmallestUnit converts a fiat amount to the token's smallest integer unit.
// The product is truncated, never rounded up, so the completion threshold
// can never exceed what was quoted.
func SmallestUnit(fiatAmount, tokenPerFiat float64, decimals int) *big.Int {
	tokenAmount := new(big.Float).Mul(big.NewFloat(fiatAmount), big.NewFloat(tokenPerFiat))
	scale := new(big.Float).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil))
	scaled := new(big.Float).Mul(tokenAmount, scale)
	smallest, _ := scaled.Int(nil)
	return smallest
}

// Oracle fetches and caches the exchange-rate table. One snapshot serves all
// candidate tokens of an order, so creation costs at most one upstream call.
type Oracle struct {
	baseURL string
	ttl     time.Duration
	client  *http.Client
	now     func() time.Time

	mu     sync.RWMutex
	cached *Snapshot
}

// OracleOption adjusts oracle behaviour.
type OracleOption func(*Oracle)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(client *http.Client) OracleOption {
	return func(o *Oracle) {
		if client != nil {
			o.client = client
		}
	}
}

// WithClock overrides the time source (test only).
func WithClock(now func() time.Time) OracleOption {
	return func(o *Oracle) {
		if now != nil {
			o.now = now
		}
	}
}

// NewOracle builds an oracle against a CoinGecko-compatible base URL.
func NewOracle(baseURL string, ttl time.Duration, opts ...OracleOption) *Oracle {
	oracle := &Oracle{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		ttl:     ttl,
		client:  &http.Client{Timeout: 10 * time.Second},
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(oracle)
	}
	return oracle
}

type exchangeRatesResponse struct {
	Rates map[string]struct {
		Name  string  `json:"name"`
		Unit  string  `json:"unit"`
		Value float64 `json:"value"`
		Type  string  `json:"type"`
	} `json:"rates"`
}

// Current returns a rate snapshot, serving from cache within the TTL.
func (o *Oracle) Current(ctx context.Context) (*Snapshot, error) {
	o.mu.RLock()
	cached := o.cached
	o.mu.RUnlock()
	if cached != nil && o.now().Sub(cached.FetchedAt) < o.ttl {
		return cached, nil
	}

	snapshot, err := o.fetch(ctx)
	if err != nil {
		// A stale snapshot beats no snapshot when the upstream flakes.
		if cached != nil {
			return cached, nil
		}
		return nil, err
	}

	o.mu.Lock()
	o.cached = snapshot
	o.mu.Unlock()
	return snapshot, nil
}

func (o *Oracle) fetch(ctx context.Context) (*Snapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.baseURL+"/exchange_rates", nil)
	if err != nil {
		return nil, err
	}
	resp, err := o.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("rates: fetch: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("rates: fetch: status %d", resp.StatusCode)
	}
	var body exchangeRatesResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("rates: decode: %w", err)
	}
	usd, ok := body.Rates["usd"]
	if !ok || usd.Value <= 0 {
		return nil, fmt.Errorf("rates: usd anchor missing")
	}
	perBTC := make(map[string]float64, len(body.Rates))
	for id, rate := range body.Rates {
		if rate.Value > 0 {
			perBTC[strings.ToLower(id)] = rate.Value
		}
	}
	return &Snapshot{
		perBTC:    perBTC,
		usdPerBTC: usd.Value,
		FetchedAt: o.now().UTC(),
	}, nil
}
