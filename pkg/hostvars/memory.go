package hostvars

import (
	"fmt"
	"sync"
)

// MemoryStore is an in-process Store with a fixed set of declared variables.
// It backs the CLI and tests; variables not declared at construction report
// ErrUnknownVar, same as a host page that never defined them.
type MemoryStore struct {
	mu   sync.RWMutex
	vars map[string]string

	// OnChange, when set before first use, is invoked after every
	// successful SetVar with the variable name and its new value.
	OnChange func(name, value string)
}

// NewMemoryStore declares the given variables, all initially empty.
func NewMemoryStore(names ...string) *MemoryStore {
	vars := make(map[string]string, len(names))
	for _, n := range names {
		vars[n] = ""
	}
	return &MemoryStore{vars: vars}
}

func (s *MemoryStore) GetVar(name string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.vars[name]
	if !ok {
		return "", fmt.Errorf("get %q: %w", name, ErrUnknownVar)
	}
	return v, nil
}

func (s *MemoryStore) SetVar(name, value string) error {
	s.mu.Lock()
	if _, ok := s.vars[name]; !ok {
		s.mu.Unlock()
		return fmt.Errorf("set %q: %w", name, ErrUnknownVar)
	}
	s.vars[name] = value
	s.mu.Unlock()

	if s.OnChange != nil {
		s.OnChange(name, value)
	}
	return nil
}

// Snapshot returns a copy of all declared variables and their values.
func (s *MemoryStore) Snapshot() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.vars))
	for k, v := range s.vars {
		out[k] = v
	}
	return out
}

// NoopStore is a host with no variable surface at all. Every operation
// reports ErrUnknownVar; wrapped in a Publisher, all writes become logged
// no-ops. Useful for headless runs.
type NoopStore struct{}

func NewNoopStore() *NoopStore { return &NoopStore{} }

func (*NoopStore) GetVar(name string) (string, error) {
	return "", fmt.Errorf("get %q: %w", name, ErrUnknownVar)
}

func (*NoopStore) SetVar(name, value string) error {
	return fmt.Errorf("set %q: %w", name, ErrUnknownVar)
}
