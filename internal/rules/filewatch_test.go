package rules

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/keithlinneman/xssguard/internal/cryptoutil"
)

func TestFileWatcher_Reload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	if err := os.WriteFile(path, []byte(sampleDoc), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	store := NewStore()
	m := &recordingMetrics{}
	var swaps []Meta
	w, err := NewFileWatcher(FileWatcherOptions{
		Path:    path,
		Store:   store,
		Metrics: m,
		OnSwap:  func(meta Meta) { swaps = append(swaps, meta) },
	})
	if err != nil {
		t.Fatalf("NewFileWatcher: %v", err)
	}

	if err := w.Reload(t.Context()); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if err := w.Reload(t.Context()); err != nil {
		t.Fatalf("second Reload: %v", err)
	}
	if len(swaps) != 1 {
		t.Fatalf("swaps = %d, want 1", len(swaps))
	}
	if m.results["file/swapped"] != 1 || m.results["file/unchanged"] != 1 {
		t.Fatalf("results = %v", m.results)
	}

	// a broken document keeps the previous rules
	if err := os.WriteFile(path, []byte("url_rules: [\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := w.Reload(t.Context()); err == nil {
		t.Fatal("Reload of broken document: expected error")
	}
	if store.SHA256() != cryptoutil.SHA256Hex([]byte(sampleDoc)) {
		t.Fatal("broken document replaced the active rules")
	}
	if m.results["file/error"] != 1 {
		t.Fatalf("results = %v", m.results)
	}
}

func TestFileWatcher_OnSwapPanicRecovered(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	if err := os.WriteFile(path, []byte(sampleDoc), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	store := NewStore()
	w, err := NewFileWatcher(FileWatcherOptions{
		Path:   path,
		Store:  store,
		OnSwap: func(Meta) { panic("boom") },
	})
	if err != nil {
		t.Fatalf("NewFileWatcher: %v", err)
	}
	if err := w.Reload(t.Context()); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if _, ok := store.Get(); !ok {
		t.Fatal("swap undone by panicking callback")
	}
}

func TestFileWatcher_RunPicksUpChanges(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	if err := os.WriteFile(path, []byte("default: preventer\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	store := NewStore()
	w, err := NewFileWatcher(FileWatcherOptions{Path: path, Store: store, Debounce: 20 * time.Millisecond})
	if err != nil {
		t.Fatalf("NewFileWatcher: %v", err)
	}
	if err := w.Reload(t.Context()); err != nil {
		t.Fatalf("Reload: %v", err)
	}

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	// unrelated files in the same directory are ignored
	if err := os.WriteFile(filepath.Join(dir, "other.yaml"), []byte("x"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	want := cryptoutil.SHA256Hex([]byte(sampleDoc))
	deadline := time.Now().Add(5 * time.Second)
	for store.SHA256() != want {
		if time.Now().After(deadline) {
			cancel()
			t.Fatal("watcher did not reload the changed file")
		}
		// rewrite until the watcher is registered and sees an event
		tmp := path + ".tmp"
		if err := os.WriteFile(tmp, []byte(sampleDoc), 0o600); err != nil {
			t.Fatalf("write: %v", err)
		}
		if err := os.Rename(tmp, path); err != nil {
			t.Fatalf("rename: %v", err)
		}
		time.Sleep(50 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != context.Canceled {
			t.Fatalf("Run returned %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}

func TestNewFileWatcher_Validation(t *testing.T) {
	if _, err := NewFileWatcher(FileWatcherOptions{Store: NewStore()}); err == nil {
		t.Fatal("expected error without path")
	}
	if _, err := NewFileWatcher(FileWatcherOptions{Path: "rules.yaml"}); err == nil {
		t.Fatal("expected error without store")
	}
}
