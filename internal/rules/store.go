package rules

import (
	"sync/atomic"
	"time"

	"github.com/keithlinneman/xssguard/internal/xssfilter"
)

// Source identifies where a rule snapshot came from.
type Source string

const (
	SourceBuiltin Source = "builtin"
	SourceFile    Source = "file"
	SourceS3      Source = "s3"
)

// Meta describes a loaded rule document.
type Meta struct {
	Source   Source `json:"source"`
	Location string `json:"location,omitempty"`
	SHA256   string `json:"sha256,omitempty"`
	Version  string `json:"version,omitempty"`
	Signed   bool   `json:"signed"`
}

// Snapshot is a compiled policy with its provenance.
type Snapshot struct {
	Policy   *Policy
	Meta     Meta
	LoadedAt time.Time
}

// Store holds the active snapshot. Until one is set, the built-in default
// policy applies. Store implements xssfilter.Escaper and
// xssfilter.PathFilter, so it can be handed to the filter directly and
// swapped underneath it.
type Store struct {
	active  atomic.Pointer[Snapshot]
	builtin *Policy
}

// NewStore returns an empty store serving DefaultPolicy.
func NewStore() *Store {
	return &Store{builtin: DefaultPolicy()}
}

// Set makes snap the active snapshot.
func (s *Store) Set(snap Snapshot) {
	cp := new(Snapshot)
	*cp = snap
	if cp.LoadedAt.IsZero() {
		cp.LoadedAt = time.Now().UTC()
	}
	s.active.Store(cp)
}

// Get returns the active snapshot, or false when none has been loaded.
func (s *Store) Get() (*Snapshot, bool) {
	snap := s.active.Load()
	return snap, snap != nil && snap.Policy != nil
}

// SHA256 returns the digest of the active document, or "".
func (s *Store) SHA256() string {
	if snap, ok := s.Get(); ok {
		return snap.Meta.SHA256
	}
	return ""
}

// Policy returns the policy currently in force.
func (s *Store) Policy() *Policy {
	if snap, ok := s.Get(); ok {
		return snap.Policy
	}
	return s.builtin
}

// Pin returns the policy in force now, so one request is served by a single
// snapshot even if a reload lands mid-request.
func (s *Store) Pin() xssfilter.Escaper {
	return s.Policy()
}

func (s *Store) Escape(fc xssfilter.FieldContext, value string) string {
	return s.Policy().Escape(fc, value)
}

func (s *Store) Disabled(path string) bool {
	return s.Policy().Disabled(path)
}

var (
	_ xssfilter.Escaper    = (*Store)(nil)
	_ xssfilter.PathFilter = (*Store)(nil)
	_ xssfilter.Pinner     = (*Store)(nil)
	_ xssfilter.Escaper    = (*Policy)(nil)
	_ xssfilter.PathFilter = (*Policy)(nil)
)
