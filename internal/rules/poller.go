package rules

import (
	"context"
	"fmt"
	"time"

	"github.com/keithlinneman/xssguard/internal/cryptoutil"
	"github.com/keithlinneman/xssguard/internal/log"
)

const (
	// DefaultPollInterval is how often the poller checks for a new document.
	DefaultPollInterval = 60 * time.Second

	// maxBackoff caps exponential backoff on consecutive pointer errors.
	maxBackoff = 5 * time.Minute
)

type pollResult int

const (
	pollNoChange     pollResult = iota // pointer matches the active document
	pollSwapped                        // new document loaded and swapped
	pollPointerError                   // reading the pointer failed, back off
	pollLoadError                      // pointer read but the document did not load
)

// Fetcher resolves and loads rule documents by digest. S3Loader implements
// it.
type Fetcher interface {
	FetchCurrentHash(ctx context.Context) (string, error)
	LoadHash(ctx context.Context, hash string) (*Snapshot, error)
}

// PollerOptions configures a Poller.
type PollerOptions struct {
	Logger       log.Logger
	Fetcher      Fetcher
	Store        *Store
	PollInterval time.Duration
	Metrics      Metrics

	// OnSwap runs on the poll goroutine after each swap.
	OnSwap func(Meta)

	// StaleThreshold is how long pointer reads may keep failing before
	// the rules are reported stale. Zero means 30 minutes.
	StaleThreshold time.Duration
}

// Poller checks the document pointer on an interval and hot-swaps new
// documents into the Store. A document that fails to load is skipped and
// retried on the next poll; the active rules stay in force.
type Poller struct {
	fetcher  Fetcher
	store    *Store
	logger   log.Logger
	interval time.Duration
	metrics  Metrics
	onSwap   func(Meta)

	currentHash     string
	consecutiveErrs int

	staleThreshold time.Duration
	lastSuccessAt  time.Time
	staleLogged    bool

	pollCount int64
	swapCount int64
}

func NewPoller(opts *PollerOptions) *Poller {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.Metrics == nil {
		opts.Metrics = nopMetrics{}
	}
	interval := opts.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	stale := opts.StaleThreshold
	if stale <= 0 {
		stale = 30 * time.Minute
	}
	return &Poller{
		fetcher:        opts.Fetcher,
		store:          opts.Store,
		logger:         opts.Logger,
		interval:       interval,
		metrics:        opts.Metrics,
		onSwap:         opts.OnSwap,
		currentHash:    opts.Store.SHA256(),
		staleThreshold: stale,
		lastSuccessAt:  time.Now(),
	}
}

// Run polls until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) error {
	p.logger.Info(ctx, "rules poller starting",
		"poll_interval", p.interval.String(),
		"current_sha256", truncHash(p.currentHash),
	)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info(ctx, "rules poller stopping",
				"reason", ctx.Err(),
				"polls", p.pollCount,
				"swaps", p.swapCount,
			)
			return ctx.Err()
		case <-ticker.C:
			result := p.checkOnce(ctx)
			if next, changed := p.nextInterval(ctx, result); changed {
				ticker.Reset(next)
			}
			p.trackStaleness(ctx, result)
		}
	}
}

// nextInterval applies backoff after pointer errors and restores the normal
// cadence once they stop.
func (p *Poller) nextInterval(ctx context.Context, result pollResult) (time.Duration, bool) {
	if result == pollPointerError {
		p.consecutiveErrs++
		d := p.backoffDuration()
		p.logger.Warn(ctx, "rules poller backing off",
			"consecutive_errors", p.consecutiveErrs,
			"next_poll_in", d.String(),
		)
		return d, true
	}
	if p.consecutiveErrs > 0 {
		p.logger.Info(ctx, "rules poller recovered, resuming normal interval",
			"had_consecutive_errors", p.consecutiveErrs,
		)
		p.consecutiveErrs = 0
		return p.interval, true
	}
	return 0, false
}

func (p *Poller) trackStaleness(ctx context.Context, result pollResult) {
	if result != pollPointerError {
		if p.staleLogged {
			p.logger.Info(ctx, "rules poller staleness recovered")
			p.staleLogged = false
			p.metrics.SetRulesStale(false)
		}
		return
	}
	if since := time.Since(p.lastSuccessAt); since > p.staleThreshold && !p.staleLogged {
		p.logger.Error(ctx, fmt.Errorf("last successful pointer read was %s ago", since.Truncate(time.Second)),
			"rules are stale, unable to confirm the active document",
		)
		p.staleLogged = true
		p.metrics.SetRulesStale(true)
	}
}

func (p *Poller) checkOnce(ctx context.Context) pollResult {
	p.pollCount++

	hash, err := p.fetcher.FetchCurrentHash(ctx)
	if err != nil {
		p.logger.Error(ctx, err, "rules pointer read failed")
		p.metrics.IncRulesReload(SourceS3, ResultError)
		return pollPointerError
	}

	now := time.Now()
	p.lastSuccessAt = now
	p.metrics.SetRulesLastSuccess(float64(now.Unix()))

	if cryptoutil.HashEqual(hash, p.currentHash) {
		p.metrics.IncRulesReload(SourceS3, ResultUnchanged)
		return pollNoChange
	}

	p.logger.Info(ctx, "new rule document detected",
		"old_sha256", truncHash(p.currentHash),
		"new_sha256", truncHash(hash),
	)

	start := time.Now()
	snap, err := p.fetcher.LoadHash(ctx, hash)
	p.metrics.ObserveRulesLoadDuration(time.Since(start).Seconds())
	if err != nil {
		p.logger.Error(ctx, err, "rule document failed to load, keeping current rules",
			"rejected_sha256", truncHash(hash),
			"current_sha256", truncHash(p.currentHash),
		)
		p.metrics.IncRulesReload(SourceS3, ResultError)
		return pollLoadError
	}

	install(ctx, p.store, snap, p.metrics, p.logger, p.onSwap)
	p.currentHash = hash
	p.swapCount++
	return pollSwapped
}

// backoffDuration doubles the interval per consecutive error, capped at
// maxBackoff. Doubling stops at the cap so long outages cannot overflow.
func (p *Poller) backoffDuration() time.Duration {
	d := p.interval
	for i := 0; i < p.consecutiveErrs && d > 0 && d < maxBackoff; i++ {
		d *= 2
	}
	if d <= 0 || d > maxBackoff {
		d = maxBackoff
	}
	return d
}
