package rules

import (
	"context"
	"fmt"

	"github.com/keithlinneman/xssguard/internal/log"
)

// Reload results reported to Metrics.
const (
	ResultSwapped   = "swapped"
	ResultUnchanged = "unchanged"
	ResultError     = "error"
)

// Metrics is implemented by the metrics package to observe rule reloads.
type Metrics interface {
	IncRulesReload(source Source, result string)
	SetRulesActive(meta Meta)
	ObserveRulesLoadDuration(seconds float64)
	SetRulesLastSuccess(unixSeconds float64)
	SetRulesStale(stale bool)
}

type nopMetrics struct{}

func (nopMetrics) IncRulesReload(Source, string)    {}
func (nopMetrics) SetRulesActive(Meta)              {}
func (nopMetrics) ObserveRulesLoadDuration(float64) {}
func (nopMetrics) SetRulesLastSuccess(float64)      {}
func (nopMetrics) SetRulesStale(bool)               {}

// install swaps snap into store and notifies onSwap. A panicking callback
// is logged and does not undo the swap.
func install(ctx context.Context, store *Store, snap *Snapshot, m Metrics, logger log.Logger, onSwap func(Meta)) {
	old := store.SHA256()
	store.Set(*snap)
	m.SetRulesActive(snap.Meta)
	m.IncRulesReload(snap.Meta.Source, ResultSwapped)

	logger.Info(ctx, "rules swapped",
		"source", snap.Meta.Source,
		"location", snap.Meta.Location,
		"old_sha256", truncHash(old),
		"new_sha256", truncHash(snap.Meta.SHA256),
		"version", snap.Meta.Version,
		"signed", snap.Meta.Signed,
	)

	if onSwap == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			logger.Error(ctx, fmt.Errorf("OnSwap panic: %v", r), "rules OnSwap callback panicked, continuing",
				"sha256", truncHash(snap.Meta.SHA256),
			)
		}
	}()
	onSwap(snap.Meta)
}

// truncHash shortens a digest for logging.
func truncHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
