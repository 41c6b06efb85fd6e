package httpmw

import (
	"context"
	"sync"

	"github.com/keithlinneman/xssguard/internal/log"
)

// spyLogger records Info and Error calls, including With fields.
type spyLogger struct {
	log.Logger
	mu     *sync.Mutex
	fields []any
	infos  *[]spyEntry
	errors *[]spyEntry
}

type spyEntry struct {
	msg string
	err error
	kv  []any
}

func newSpyLogger() *spyLogger {
	return &spyLogger{Logger: log.Nop(), mu: &sync.Mutex{}, infos: &[]spyEntry{}, errors: &[]spyEntry{}}
}

func (s *spyLogger) With(kv ...any) log.Logger {
	c := *s
	c.fields = append(append([]any{}, s.fields...), kv...)
	return &c
}

func (s *spyLogger) Info(_ context.Context, msg string, kv ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	*s.infos = append(*s.infos, spyEntry{msg: msg, kv: append(append([]any{}, s.fields...), kv...)})
}

func (s *spyLogger) Error(_ context.Context, err error, msg string, kv ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	*s.errors = append(*s.errors, spyEntry{msg: msg, err: err, kv: append(append([]any{}, s.fields...), kv...)})
}

func (s *spyLogger) infoEntries() []spyEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]spyEntry(nil), *s.infos...)
}

func (s *spyLogger) errorEntries() []spyEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]spyEntry(nil), *s.errors...)
}

// kvGet returns the value for key in alternating pairs.
func kvGet(kv []any, key string) (any, bool) {
	for i := 0; i+1 < len(kv); i += 2 {
		if kv[i] == key {
			return kv[i+1], true
		}
	}
	return nil, false
}
