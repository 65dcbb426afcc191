// Package flags is the runtime feature-flag view consulted by discovery.
// The static lists come from the config document; when persistence is
// enabled, runtime changes are written through and merged back on start.
package flags

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/basket/herald/internal/audit"
	"github.com/basket/herald/internal/bus"
	"github.com/basket/herald/internal/config"
	"github.com/basket/herald/internal/persistence"
)

// Store is the persistence backend for flag changes.
type Store interface {
	LoadFlags(ctx context.Context) (disabled, beta []string, err error)
	AddFlag(ctx context.Context, kind, name string) error
	RemoveFlag(ctx context.Context, kind, name string) error
}

type Set struct {
	mu       sync.RWMutex
	backend  string
	disabled map[string]struct{}
	beta     map[string]struct{}
	store    Store
	bus      *bus.Bus
}

// New builds a memory-only set from the static feature lists.
func New(f config.Features) *Set {
	s := &Set{
		backend:  f.Backend,
		disabled: make(map[string]struct{}),
		beta:     make(map[string]struct{}),
	}
	for _, n := range f.DisabledCommands {
		s.disabled[normalize(n)] = struct{}{}
	}
	for _, n := range f.BetaCommands {
		s.beta[normalize(n)] = struct{}{}
	}
	return s
}

// Open resolves the persistence backend named by f and merges its stored
// flags over the static lists. The returned closer releases the backend; it
// is a no-op when persistence is none.
func Open(ctx context.Context, f config.Features) (*Set, io.Closer, error) {
	s := New(f)
	if f.Persistence == "" || f.Persistence == config.PersistenceNone {
		return s, nopCloser{}, nil
	}
	store, err := persistence.Open(ctx, f.Persistence, f.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("open flag store: %w", err)
	}
	if err := s.Attach(ctx, store); err != nil {
		_ = store.Close()
		return nil, nil, err
	}
	return s, store, nil
}

// Attach merges st's stored flags into the set and writes later changes
// through to it.
func (s *Set) Attach(ctx context.Context, st Store) error {
	disabled, beta, err := st.LoadFlags(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, n := range disabled {
		s.disabled[normalize(n)] = struct{}{}
	}
	for _, n := range beta {
		s.beta[normalize(n)] = struct{}{}
	}
	s.store = st
	return nil
}

// SetBus publishes flag changes on b.
func (s *Set) SetBus(b *bus.Bus) {
	s.mu.Lock()
	s.bus = b
	s.mu.Unlock()
}

// Backend returns the selected platform backend.
func (s *Set) Backend() string { return s.backend }

func (s *Set) IsDisabled(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.disabled[normalize(name)]
	return ok
}

func (s *Set) IsBeta(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.beta[normalize(name)]
	return ok
}

// Disable adds name to the disabled set. It takes effect at the next
// discovery pass.
func (s *Set) Disable(ctx context.Context, name string) error {
	return s.change(ctx, name, true)
}

func (s *Set) Enable(ctx context.Context, name string) error {
	return s.change(ctx, name, false)
}

func (s *Set) change(ctx context.Context, name string, disable bool) error {
	name = normalize(name)
	if name == "" {
		return fmt.Errorf("flags: empty command name")
	}
	s.mu.RLock()
	st, b := s.store, s.bus
	s.mu.RUnlock()

	if st != nil {
		var err error
		if disable {
			err = st.AddFlag(ctx, persistence.FlagDisabled, name)
		} else {
			err = st.RemoveFlag(ctx, persistence.FlagDisabled, name)
		}
		if err != nil {
			return err
		}
	}

	s.mu.Lock()
	if disable {
		s.disabled[name] = struct{}{}
	} else {
		delete(s.disabled, name)
	}
	s.mu.Unlock()

	action := "command.enable"
	if disable {
		action = "command.disable"
	}
	audit.Record(audit.DecisionFlag, action, name, "")
	b.Publish(bus.TopicFlagChanged, bus.FlagChangedEvent{Kind: persistence.FlagDisabled, Name: name, Disabled: disable})
	return nil
}

// Disabled returns the disabled names, sorted.
func (s *Set) Disabled() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedKeys(s.disabled)
}

func (s *Set) Beta() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedKeys(s.beta)
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
