package infra

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"dex_go/internal/domain"
	"dex_go/pkg/quant"
)

// StaticOracle serves mark prices from memory. It backs the polling
// oracle and stands alone for replay and tests, where marks are set
// explicitly.
type StaticOracle struct {
	mu    sync.RWMutex
	marks map[domain.AssetID]quant.Price
}

// NewStaticOracle creates an empty oracle.
func NewStaticOracle() *StaticOracle {
	return &StaticOracle{marks: make(map[domain.AssetID]quant.Price)}
}

// Set publishes a mark price for the asset.
func (o *StaticOracle) Set(asset domain.AssetID, price quant.Price) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.marks[asset] = price
}

// MarkPrice returns the current mark, false when none is known.
func (o *StaticOracle) MarkPrice(asset domain.AssetID) (quant.Price, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	p, ok := o.marks[asset]
	return p, ok
}

// ParsePrice converts a decimal string into a fixed-point price.
func ParsePrice(s string) (quant.Price, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return quant.Price{}, fmt.Errorf("parse price %q: %w", s, err)
	}
	co := d.Coefficient()
	if !co.IsInt64() {
		return quant.Price{}, fmt.Errorf("price %q: mantissa out of range", s)
	}
	exp := d.Exponent()
	if exp < -128 || exp > 127 {
		return quant.Price{}, fmt.Errorf("price %q: exponent out of range", s)
	}
	p, err := quant.NewPrice(co.Int64(), int8(exp))
	if err != nil {
		return quant.Price{}, fmt.Errorf("price %q: %w", s, err)
	}
	return p, nil
}

// PollingOracle refreshes marks from an HTTP endpoint that returns a
// JSON object of symbol to decimal price string. Failures trip a
// circuit breaker; polls inside an open breaker are skipped, not
// queued.
type PollingOracle struct {
	*StaticOracle

	url      string
	interval time.Duration
	symbols  map[string]domain.AssetID

	client  *http.Client
	limiter *RateLimiter
	breaker *CircuitBreaker
	log     *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPollingOracle builds a polling oracle over the configured assets.
// Static seed prices from the config are applied immediately.
func NewPollingOracle(cfg *Config, log *slog.Logger) (*PollingOracle, error) {
	if log == nil {
		log = slog.Default()
	}
	o := &PollingOracle{
		StaticOracle: NewStaticOracle(),
		url:          cfg.Oracle.URL,
		interval:     time.Duration(cfg.Oracle.PollIntervalSec) * time.Second,
		symbols:      make(map[string]domain.AssetID, len(cfg.Assets)),
		client:       &http.Client{Timeout: 10 * time.Second},
		limiter:      NewRateLimiter(2, 1),
		breaker:      NewCircuitBreaker(DefaultCircuitBreakerConfig("oracle"), log),
		log:          log,
	}
	for i := range cfg.Assets {
		o.symbols[cfg.Assets[i].Symbol] = cfg.Assets[i].ID
	}
	for sym, raw := range cfg.Oracle.Static {
		price, err := ParsePrice(raw)
		if err != nil {
			return nil, err
		}
		o.Set(o.symbols[sym], price)
	}
	return o, nil
}

// Start begins polling. No-op when no URL is configured.
func (o *PollingOracle) Start(ctx context.Context) {
	if o.url == "" {
		return
	}
	ctx, o.cancel = context.WithCancel(ctx)
	o.wg.Add(1)
	go o.runLoop(ctx)
}

// Stop terminates polling and waits for the loop to exit.
func (o *PollingOracle) Stop() {
	if o.cancel != nil {
		o.cancel()
	}
	o.wg.Wait()
}

func (o *PollingOracle) runLoop(ctx context.Context) {
	defer o.wg.Done()
	retry := 0
	for {
		if err := o.poll(ctx); err != nil {
			o.breaker.RecordFailure()
			delay := CalculateBackoff(retry)
			retry++
			o.log.Warn("oracle poll failed",
				slog.Any("err", err),
				slog.Duration("retry_in", delay))
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			continue
		}
		o.breaker.RecordSuccess()
		retry = 0
		select {
		case <-ctx.Done():
			return
		case <-time.After(o.interval):
		}
	}
}

func (o *PollingOracle) poll(ctx context.Context) error {
	if !o.breaker.Allow() {
		return nil
	}
	if !o.limiter.TryAcquire() {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.url, nil)
	if err != nil {
		return err
	}
	resp, err := o.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("oracle endpoint returned %d", resp.StatusCode)
	}

	var quotes map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&quotes); err != nil {
		return fmt.Errorf("decode oracle response: %w", err)
	}

	for sym, raw := range quotes {
		asset, ok := o.symbols[sym]
		if !ok {
			continue
		}
		price, err := ParsePrice(raw)
		if err != nil {
			o.log.Warn("oracle quote rejected",
				slog.String("symbol", sym),
				slog.Any("err", err))
			continue
		}
		o.Set(asset, price)
	}
	return nil
}
