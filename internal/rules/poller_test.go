package rules

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/keithlinneman/xssguard/internal/cryptoutil"
)

type fakeFetcher struct {
	hash    string
	hashErr error
	docs    map[string]string
	loads   int
}

func (f *fakeFetcher) FetchCurrentHash(context.Context) (string, error) {
	return f.hash, f.hashErr
}

func (f *fakeFetcher) LoadHash(_ context.Context, hash string) (*Snapshot, error) {
	f.loads++
	doc, ok := f.docs[hash]
	if !ok {
		return nil, errors.New("no such document")
	}
	return Build([]byte(doc), Meta{Source: SourceS3, SHA256: hash})
}

func newTestPoller(t *testing.T, f *fakeFetcher) (*Poller, *Store, *recordingMetrics) {
	t.Helper()
	store := NewStore()
	m := &recordingMetrics{}
	p := NewPoller(&PollerOptions{
		Fetcher:      f,
		Store:        store,
		PollInterval: time.Second,
		Metrics:      m,
	})
	return p, store, m
}

func TestPoller_SwapAndNoChange(t *testing.T) {
	hash := cryptoutil.SHA256Hex([]byte(sampleDoc))
	f := &fakeFetcher{hash: hash, docs: map[string]string{hash: sampleDoc}}
	p, store, m := newTestPoller(t, f)

	if got := p.checkOnce(t.Context()); got != pollSwapped {
		t.Fatalf("first poll = %v, want swapped", got)
	}
	if store.SHA256() != hash {
		t.Fatal("store not updated")
	}
	if m.active.SHA256 != hash {
		t.Fatalf("active meta = %+v", m.active)
	}

	if got := p.checkOnce(t.Context()); got != pollNoChange {
		t.Fatalf("second poll = %v, want no change", got)
	}
	if f.loads != 1 {
		t.Fatalf("loads = %d, want 1", f.loads)
	}
	if m.results["s3/swapped"] != 1 || m.results["s3/unchanged"] != 1 {
		t.Fatalf("results = %v", m.results)
	}
}

func TestPoller_LoadErrorKeepsRules(t *testing.T) {
	good := cryptoutil.SHA256Hex([]byte(sampleDoc))
	f := &fakeFetcher{hash: good, docs: map[string]string{good: sampleDoc}}
	p, store, _ := newTestPoller(t, f)
	p.checkOnce(t.Context())

	f.hash = cryptoutil.SHA256Hex([]byte("missing"))
	if got := p.checkOnce(t.Context()); got != pollLoadError {
		t.Fatalf("poll = %v, want load error", got)
	}
	if store.SHA256() != good {
		t.Fatal("failed load replaced the active rules")
	}

	// retried on the next poll
	p.checkOnce(t.Context())
	if f.loads != 3 {
		t.Fatalf("loads = %d, want 3", f.loads)
	}
}

func TestPoller_SeedsFromStore(t *testing.T) {
	hash := cryptoutil.SHA256Hex([]byte(sampleDoc))
	store := NewStore()
	snap, err := Build([]byte(sampleDoc), Meta{})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	store.Set(*snap)

	f := &fakeFetcher{hash: hash, docs: map[string]string{hash: sampleDoc}}
	p := NewPoller(&PollerOptions{Fetcher: f, Store: store})
	if got := p.checkOnce(t.Context()); got != pollNoChange {
		t.Fatalf("poll = %v, want no change", got)
	}
	if f.loads != 0 {
		t.Fatalf("loads = %d, want 0", f.loads)
	}
}

func TestPoller_BackoffAndRecovery(t *testing.T) {
	f := &fakeFetcher{hashErr: errors.New("ssm down")}
	p, _, _ := newTestPoller(t, f)
	ctx := t.Context()

	want := []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}
	for i, w := range want {
		res := p.checkOnce(ctx)
		if res != pollPointerError {
			t.Fatalf("poll %d = %v, want pointer error", i, res)
		}
		d, changed := p.nextInterval(ctx, res)
		if !changed || d != w {
			t.Fatalf("backoff %d = %v (changed=%v), want %v", i, d, changed, w)
		}
	}

	p.consecutiveErrs = 20
	if d := p.backoffDuration(); d != maxBackoff {
		t.Fatalf("capped backoff = %v, want %v", d, maxBackoff)
	}

	f.hashErr = nil
	res := p.checkOnce(ctx)
	d, changed := p.nextInterval(ctx, res)
	if !changed || d != time.Second || p.consecutiveErrs != 0 {
		t.Fatalf("recovery = %v (changed=%v, errs=%d)", d, changed, p.consecutiveErrs)
	}
	if _, changed := p.nextInterval(ctx, pollNoChange); changed {
		t.Fatal("interval changed without errors")
	}
}

func TestPoller_BackoffLongOutage(t *testing.T) {
	p := &Poller{interval: DefaultPollInterval}
	for _, n := range []int{1, 27, 28, 40, 64, 1 << 20} {
		p.consecutiveErrs = n
		d := p.backoffDuration()
		if d <= 0 || d > maxBackoff {
			t.Fatalf("consecutiveErrs=%d: backoff = %v, want in (0, %v]", n, d, maxBackoff)
		}
		if n >= 28 && d != maxBackoff {
			t.Fatalf("consecutiveErrs=%d: backoff = %v, want %v", n, d, maxBackoff)
		}
	}

	// The capped value must be usable as a ticker period.
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	ticker.Reset(p.backoffDuration())
}

func TestPoller_Staleness(t *testing.T) {
	f := &fakeFetcher{hashErr: errors.New("ssm down")}
	p, _, m := newTestPoller(t, f)
	p.staleThreshold = time.Minute
	p.lastSuccessAt = time.Now().Add(-2 * time.Minute)

	p.trackStaleness(t.Context(), p.checkOnce(t.Context()))
	if !m.stale || !p.staleLogged {
		t.Fatal("poller not marked stale")
	}

	f.hashErr = nil
	p.trackStaleness(t.Context(), p.checkOnce(t.Context()))
	if m.stale || p.staleLogged {
		t.Fatal("staleness not cleared after a successful poll")
	}
}

func TestPoller_RunStopsOnCancel(t *testing.T) {
	p, _, _ := newTestPoller(t, &fakeFetcher{})
	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	if err := p.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Run = %v, want context.Canceled", err)
	}
}
