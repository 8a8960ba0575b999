package signals

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/agencyhub/ruleengine/rules"
)

// InMemoryStore is a thread-safe in-memory Store for tests and local
// development.
type InMemoryStore struct {
	mu      sync.RWMutex
	byID    map[string]*Signal
	ordered []*Signal
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{byID: make(map[string]*Signal)}
}

func (s *InMemoryStore) Insert(ctx context.Context, sig *Signal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byID[sig.ID]; exists {
		return fmt.Errorf("signal %s: %w", sig.ID, ErrSignalExists)
	}
	if sig.CreatedAt.IsZero() {
		sig.CreatedAt = time.Now()
	}
	stored := *sig
	s.byID[sig.ID] = &stored
	s.ordered = append(s.ordered, &stored)
	return nil
}

func (s *InMemoryStore) Get(ctx context.Context, id string) (*Signal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sig, ok := s.byID[id]
	if !ok {
		return nil, fmt.Errorf("signal %s: %w", id, rules.ErrNotFound)
	}
	out := *sig
	return &out, nil
}

func (s *InMemoryStore) ListWindow(ctx context.Context, agencyID, signalType string, since time.Time) ([]*Signal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []*Signal{}
	for _, sig := range s.ordered {
		if sig.AgencyID != agencyID || sig.Type != signalType {
			continue
		}
		if sig.CreatedAt.Before(since) {
			continue
		}
		copied := *sig
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
