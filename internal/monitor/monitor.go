// Package monitor runs the poll loop: fetch a snapshot per watched token,
// evaluate every subscription against it and dispatch the alerts that fire.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jpillora/backoff"
	"github.com/sourcegraph/conc/pool"
	"golang.org/x/time/rate"

	"github.com/rewired-gh/dexwatch/internal/alert"
	"github.com/rewired-gh/dexwatch/internal/dexscreener"
	"github.com/rewired-gh/dexwatch/internal/logger"
	"github.com/rewired-gh/dexwatch/internal/models"
	"github.com/rewired-gh/dexwatch/internal/store"
)

// ErrCycleInProgress is returned by RunCycle when the previous cycle has not finished.
var ErrCycleInProgress = errors.New("poll cycle already in progress")

// Fetcher supplies market snapshots.
type Fetcher interface {
	FetchSnapshot(ctx context.Context, addr string) (models.Snapshot, error)
}

// Dispatcher delivers fired alerts.
type Dispatcher interface {
	Dispatch(ctx context.Context, n alert.Notice) error
}

type Config struct {
	PollInterval         time.Duration
	FetchTimeout         time.Duration
	DispatchTimeout      time.Duration
	MaxConcurrentFetches int
	RateLimitPerMinute   int
	RateLimitBurst       int
	FailureBackoffMin    time.Duration
	FailureBackoffMax    time.Duration
	PumpDump             PumpDumpDetector
}

func DefaultConfig() Config {
	return Config{
		PollInterval:         5 * time.Second,
		FetchTimeout:         15 * time.Second,
		DispatchTimeout:      30 * time.Second,
		MaxConcurrentFetches: 4,
		RateLimitPerMinute:   30,
		RateLimitBurst:       5,
		FailureBackoffMin:    10 * time.Second,
		FailureBackoffMax:    2 * time.Minute,
		PumpDump:             DefaultPumpDumpDetector(),
	}
}

// NewLimiter builds the token bucket that paces upstream requests. Share it
// with the fetcher so retries draw from the same budget.
func (c Config) NewLimiter() *rate.Limiter {
	perMinute := max(c.RateLimitPerMinute, 1)
	burst := max(c.RateLimitBurst, 1)
	return rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), burst)
}

// CycleStats summarizes one poll cycle.
type CycleStats struct {
	Instruments      int
	Fetched          int
	FetchFailures    int
	Alerts           int
	DispatchFailures int
}

func (c *CycleStats) add(o CycleStats) {
	c.Fetched += o.Fetched
	c.FetchFailures += o.FetchFailures
	c.Alerts += o.Alerts
	c.DispatchFailures += o.DispatchFailures
}

// Scheduler owns the poll loop. The store is the only state it shares with
// the chat handlers.
type Scheduler struct {
	store      *store.Store
	fetcher    Fetcher
	dispatcher Dispatcher
	config     Config
	limiter    *rate.Limiter
	now        func() time.Time
	running    atomic.Bool
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock overrides time.Now for baselines and alert timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithLimiter replaces the fetch rate limiter.
func WithLimiter(l *rate.Limiter) Option {
	return func(s *Scheduler) { s.limiter = l }
}

func New(s *store.Store, fetcher Fetcher, dispatcher Dispatcher, config Config, opts ...Option) *Scheduler {
	defaults := DefaultConfig()
	if config.PollInterval <= 0 {
		config.PollInterval = defaults.PollInterval
	}
	if config.FetchTimeout <= 0 {
		config.FetchTimeout = defaults.FetchTimeout
	}
	if config.DispatchTimeout <= 0 {
		config.DispatchTimeout = defaults.DispatchTimeout
	}
	if config.MaxConcurrentFetches < 1 {
		config.MaxConcurrentFetches = 1
	}
	if config.RateLimitPerMinute < 1 {
		config.RateLimitPerMinute = 1
	}
	if config.RateLimitBurst < 1 {
		config.RateLimitBurst = 1
	}
	if config.PumpDump == (PumpDumpDetector{}) {
		config.PumpDump = DefaultPumpDumpDetector()
	}

	sch := &Scheduler{
		store:      s,
		fetcher:    fetcher,
		dispatcher: dispatcher,
		config:     config,
		limiter:    config.NewLimiter(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(sch)
	}
	return sch
}

// Run polls until ctx is cancelled. The first cycle starts immediately.
// A cycle that panics is logged and followed by an increasing pause.
func (s *Scheduler) Run(ctx context.Context) {
	b := &backoff.Backoff{
		Min:    s.config.FailureBackoffMin,
		Max:    s.config.FailureBackoffMax,
		Factor: 2,
		Jitter: true,
	}

	ticker := time.NewTicker(s.config.PollInterval)
	defer ticker.Stop()

	logger.Info("Poll scheduler started (interval: %v, concurrency: %d, rate: %d/min)",
		s.config.PollInterval, s.config.MaxConcurrentFetches, s.config.RateLimitPerMinute)

	for {
		if ctx.Err() != nil {
			logger.Info("Poll scheduler stopped")
			return
		}

		if err := s.safeCycle(ctx); err != nil {
			delay := b.Duration()
			logger.Error("Poll cycle failed: %v (pausing %v)", err, delay)
			select {
			case <-ctx.Done():
				logger.Info("Poll scheduler stopped")
				return
			case <-time.After(delay):
			}
		} else {
			b.Reset()
		}

		select {
		case <-ctx.Done():
			logger.Info("Poll scheduler stopped")
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) safeCycle(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in poll cycle: %v", r)
		}
	}()
	_, err = s.RunCycle(ctx)
	if errors.Is(err, ErrCycleInProgress) {
		logger.Warn("Skipping tick: previous cycle still running")
		return nil
	}
	return err
}

// RunCycle polls every instrument that has at least one subscriber.
// Cancelling ctx stops new fetches; fetches and dispatches already started
// run to completion under their own timeouts.
func (s *Scheduler) RunCycle(ctx context.Context) (CycleStats, error) {
	if !s.running.CompareAndSwap(false, true) {
		return CycleStats{}, ErrCycleInProgress
	}
	defer s.running.Store(false)

	start := time.Now()
	addrs := s.store.Instruments()
	stats := CycleStats{Instruments: len(addrs)}
	if len(addrs) == 0 {
		logger.Debug("No watched instruments, skipping fetch")
		return stats, nil
	}

	var mu sync.Mutex
	p := pool.New().WithMaxGoroutines(s.config.MaxConcurrentFetches)
	for _, addr := range addrs {
		p.Go(func() {
			res := s.pollInstrument(ctx, addr)
			mu.Lock()
			stats.add(res)
			mu.Unlock()
		})
	}
	p.Wait()

	logger.Info("Poll cycle completed in %v: %d instruments, %d fetched, %d failed, %d alerts (%d undelivered)",
		time.Since(start), stats.Instruments, stats.Fetched, stats.FetchFailures, stats.Alerts, stats.DispatchFailures)
	return stats, nil
}

func (s *Scheduler) pollInstrument(ctx context.Context, addr string) (res CycleStats) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Recovered panic while polling %s: %v", addr, r)
			res.FetchFailures++
		}
	}()

	if err := s.limiter.Wait(ctx); err != nil {
		logger.Debug("Fetch of %s not started: %v", addr, err)
		return res
	}

	fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.config.FetchTimeout)
	snap, err := s.fetcher.FetchSnapshot(fetchCtx, addr)
	cancel()
	if err != nil {
		res.FetchFailures++
		if errors.Is(err, dexscreener.ErrNoData) {
			logger.Debug("No market data for %s", addr)
		} else {
			logger.Warn("Failed to fetch %s: %v", addr, err)
		}
		return res
	}
	res.Fetched++

	for _, n := range s.apply(addr, snap) {
		res.Alerts++
		if err := s.dispatch(ctx, n); err != nil {
			res.DispatchFailures++
			logger.Error("Failed to deliver alert: %v", err)
		}
	}
	return res
}

// apply folds the snapshot into every subscription of addr under the store
// lock and returns the notices to deliver. A fired subscription gets its
// baseline reset here, so a later delivery failure never re-arms it.
func (s *Scheduler) apply(addr string, snap models.Snapshot) []alert.Notice {
	at := s.now()
	var notices []alert.Notice

	s.store.Update(addr, func(inst *models.Instrument) {
		if inst.Symbol == "" {
			inst.Symbol = snap.Symbol
		}
		if inst.ChainID == "" {
			inst.ChainID = snap.ChainID
		}
		for _, sub := range inst.Subscriptions {
			if n, ok := s.evaluateSubscription(inst, sub, snap, at); ok {
				notices = append(notices, n)
			}
		}
	})

	sort.Slice(notices, func(i, j int) bool { return notices[i].SubscriberID < notices[j].SubscriberID })
	return notices
}

func (s *Scheduler) evaluateSubscription(inst *models.Instrument, sub *models.Subscription, snap models.Snapshot, at time.Time) (n alert.Notice, fired bool) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Recovered panic evaluating %s for %d: %v", inst.Address, sub.SubscriberID, r)
			fired = false
		}
	}()

	s.config.PumpDump.Observe(sub.History, snap.BuyVolume, snap.SellVolume, at)

	ev := Evaluate(snap, sub)
	if ev.Baselined {
		sub.Baseline = models.BaselineFrom(snap, at)
		logger.Debug("Baseline set for %s/%d at price %g", inst.Address, sub.SubscriberID, snap.PriceUSD)
		return n, false
	}
	if sub.Thresholds.Inert() {
		// Re-arming measures from the latest market state.
		sub.Baseline = models.BaselineFrom(snap, at)
		return n, false
	}
	if !ev.Fired {
		return n, false
	}

	n = alert.Notice{
		SubscriberID:    sub.SubscriberID,
		Address:         inst.Address,
		Symbol:          inst.Symbol,
		ChainID:         inst.ChainID,
		Snapshot:        snap,
		Baseline:        *sub.Baseline,
		Reason:          ev.Reason,
		Reasons:         ev.Reasons,
		Deltas:          ev.Deltas,
		Label:           s.config.PumpDump.Classify(sub.History),
		PreviousAlertAt: sub.LastAlertAt,
		DetectedAt:      at,
	}
	sub.Baseline = models.BaselineFrom(snap, at)
	return n, true
}

func (s *Scheduler) dispatch(ctx context.Context, n alert.Notice) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic dispatching %s to %d: %v", n.Address, n.SubscriberID, r)
		}
	}()

	dispatchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.config.DispatchTimeout)
	defer cancel()
	return s.dispatcher.Dispatch(dispatchCtx, n)
}
