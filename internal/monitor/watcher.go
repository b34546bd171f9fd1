// Package monitor polls the exchange for accounts that must be force
// closed and files the liquidations. It runs outside the engine: it
// only calls the same public API any liquidator could.
package monitor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"dex_go/internal/domain"
	"dex_go/internal/engine"
	"dex_go/internal/infra"
	"dex_go/pkg/quant"
)

// Watcher sweeps the exchange on an interval, closing expired loans
// first and then unhealthy accounts. A rate limiter paces the attempts
// so a market-wide drawdown does not turn into a liquidation stampede.
type Watcher struct {
	x          *engine.Exchange
	liquidator domain.UserID
	interval   time.Duration
	limiter    *infra.RateLimiter
	log        *slog.Logger
	clock      func() quant.TimeStamp

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a watcher acting as the given liquidator account.
func New(x *engine.Exchange, liquidator domain.UserID, interval time.Duration, maxPerSec float64, log *slog.Logger) *Watcher {
	if log == nil {
		log = slog.Default()
	}
	burst := int(maxPerSec)
	if burst < 1 {
		burst = 1
	}
	return &Watcher{
		x:          x,
		liquidator: liquidator,
		interval:   interval,
		limiter:    infra.NewRateLimiter(burst, maxPerSec),
		log:        log,
		clock:      func() quant.TimeStamp { return quant.TimeStamp(time.Now().UnixMicro()) },
	}
}

// Start begins sweeping until the context is cancelled.
func (w *Watcher) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)
	w.wg.Add(1)
	go w.runLoop(ctx)
}

// Stop terminates the watcher and waits for the loop to exit.
func (w *Watcher) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
}

func (w *Watcher) runLoop(ctx context.Context) {
	defer w.wg.Done()
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.sweep(w.clock())
		}
	}
}

// sweep runs one pass. Expired loans come first: their closure can
// restore an account that would otherwise show up unhealthy too.
func (w *Watcher) sweep(now quant.TimeStamp) {
	for _, exp := range w.x.ExpiredLoans(now) {
		if !w.limiter.TryAcquire() {
			return
		}
		err := w.x.Liquidate(w.liquidator, exp.Borrower, exp.LoanID, now)
		w.report("expired loan", exp.Borrower, err)
	}
	for _, user := range w.x.UnhealthyAccounts(now) {
		if !w.limiter.TryAcquire() {
			return
		}
		err := w.x.Liquidate(w.liquidator, user, 0, now)
		w.report("unhealthy account", user, err)
	}
}

func (w *Watcher) report(reason string, target domain.UserID, err error) {
	switch {
	case err == nil:
		w.log.Info("liquidation filed",
			slog.String("reason", reason),
			slog.Uint64("target", uint64(target)))
	case errors.Is(err, domain.ErrStillUnhealthy):
		// Unwind could not restore the account: only the operator's
		// bankruptcy path can resolve it.
		w.log.Warn("liquidation insufficient, bankruptcy needed",
			slog.Uint64("target", uint64(target)),
			slog.Any("err", err))
	case errors.Is(err, domain.ErrAccountHealthy), errors.Is(err, domain.ErrLoanNotExpired):
		// Lost the race with another liquidator or a repayment.
	default:
		w.log.Warn("liquidation failed",
			slog.Uint64("target", uint64(target)),
			slog.Any("err", err))
	}
}
