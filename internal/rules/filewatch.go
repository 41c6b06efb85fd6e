package rules

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/keithlinneman/xssguard/internal/cryptoutil"
	"github.com/keithlinneman/xssguard/internal/log"
	"github.com/keithlinneman/xssguard/internal/xerrors"
)

// DefaultDebounce is how long FileWatcher waits for writes to settle.
const DefaultDebounce = 250 * time.Millisecond

// FileWatcherOptions configures a FileWatcher.
type FileWatcherOptions struct {
	Logger   log.Logger
	Path     string
	Store    *Store
	Debounce time.Duration
	Metrics  Metrics

	// OnSwap runs on the watcher goroutine after each swap.
	OnSwap func(Meta)
}

// FileWatcher reloads a rule file into a Store when it changes on disk. A
// document that fails to load leaves the active policy in place.
type FileWatcher struct {
	path     string
	store    *Store
	logger   log.Logger
	debounce time.Duration
	metrics  Metrics
	onSwap   func(Meta)
}

func NewFileWatcher(opts FileWatcherOptions) (*FileWatcher, error) {
	if opts.Path == "" {
		return nil, xerrors.New("rule file path is required")
	}
	if opts.Store == nil {
		return nil, xerrors.New("store is required")
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.Metrics == nil {
		opts.Metrics = nopMetrics{}
	}
	abs, err := filepath.Abs(opts.Path)
	if err != nil {
		return nil, xerrors.Wrap(err, "resolve rule file path")
	}
	return &FileWatcher{
		path:     abs,
		store:    opts.Store,
		logger:   opts.Logger,
		debounce: opts.Debounce,
		metrics:  opts.Metrics,
		onSwap:   opts.OnSwap,
	}, nil
}

// Reload loads the file and swaps it in when its digest differs from the
// active one.
func (w *FileWatcher) Reload(ctx context.Context) error {
	start := time.Now()
	snap, err := LoadFile(w.path)
	w.metrics.ObserveRulesLoadDuration(time.Since(start).Seconds())
	if err != nil {
		w.metrics.IncRulesReload(SourceFile, ResultError)
		return err
	}
	w.metrics.SetRulesLastSuccess(float64(time.Now().Unix()))
	if cryptoutil.HashEqual(snap.Meta.SHA256, w.store.SHA256()) {
		w.metrics.IncRulesReload(SourceFile, ResultUnchanged)
		return nil
	}
	install(ctx, w.store, snap, w.metrics, w.logger, w.onSwap)
	return nil
}

// Run watches the file's directory, so editors that replace the file by
// rename are followed. It blocks until ctx is cancelled.
func (w *FileWatcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return xerrors.Wrap(err, "create file watcher")
	}
	defer fw.Close()

	dir := filepath.Dir(w.path)
	if err := fw.Add(dir); err != nil {
		return xerrors.Wrapf(err, "watch %s", dir)
	}

	w.logger.Info(ctx, "rules file watcher starting",
		"path", w.path,
		"debounce", w.debounce.String(),
	)

	var (
		timer  *time.Timer
		timerC <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info(ctx, "rules file watcher stopping", "reason", ctx.Err())
			return ctx.Err()
		case <-timerC:
			timerC = nil
			if err := w.Reload(ctx); err != nil {
				w.logger.Error(ctx, err, "rules reload failed, keeping current rules",
					"path", w.path,
					"current_sha256", truncHash(w.store.SHA256()),
				)
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn(ctx, "rules file watcher error", "error", err)
		case evt, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if !w.relevant(evt) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(w.debounce)
			}
			timerC = timer.C
		}
	}
}

func (w *FileWatcher) relevant(evt fsnotify.Event) bool {
	if evt.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename|fsnotify.Remove) == 0 {
		return false
	}
	name, err := filepath.Abs(evt.Name)
	if err != nil {
		return false
	}
	return name == w.path
}
