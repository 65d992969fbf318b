package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sweeney/guardian/internal/logic"
	"github.com/sweeney/guardian/internal/secret"
)

type memEvent struct {
	userID string
	ev     logic.AlertEvent
}

// MemoryStore is an in-memory Store for tests. Safe for concurrent use.
type MemoryStore struct {
	mu       sync.Mutex
	secrets  map[string]secret.Stored
	events   map[string]*memEvent
	failures int
	err      error
	writes   int
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		secrets: make(map[string]secret.Stored),
		events:  make(map[string]*memEvent),
	}
}

// FailNext makes the next n write calls return err.
func (m *MemoryStore) FailNext(n int, err error) {
	m.mu.Lock()
	m.failures = n
	m.err = err
	m.mu.Unlock()
}

// Writes returns the number of write attempts, including failed ones.
func (m *MemoryStore) Writes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}

func (m *MemoryStore) fail() error {
	m.writes++
	if m.failures > 0 {
		m.failures--
		return m.err
	}
	return nil
}

func (m *MemoryStore) LoadUserSecrets(_ context.Context, userID string) (secret.Stored, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.secrets[userID]
	if !ok {
		return secret.Stored{}, ErrNotFound
	}
	return s, nil
}

func (m *MemoryStore) SaveSecrets(_ context.Context, userID string, s secret.Stored) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail(); err != nil {
		return err
	}
	m.secrets[userID] = s
	return nil
}

func (m *MemoryStore) CreateAlertEvent(_ context.Context, userID string, ev logic.AlertEvent) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail(); err != nil {
		return "", err
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if _, ok := m.events[ev.ID]; !ok {
		m.events[ev.ID] = &memEvent{userID: userID, ev: ev.Clone()}
	}
	return ev.ID, nil
}

func (m *MemoryStore) UpdateAlertEvent(_ context.Context, id string, status logic.Status, resolvedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail(); err != nil {
		return err
	}
	e, ok := m.events[id]
	if !ok {
		return ErrNotFound
	}
	if e.ev.Status != logic.StatusActive {
		return ErrImmutable
	}
	e.ev.Status = status
	e.ev.ResolvedAt = &resolvedAt
	return nil
}

func (m *MemoryStore) UpdateAlertTargets(_ context.Context, id string, targets []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail(); err != nil {
		return err
	}
	e, ok := m.events[id]
	if !ok {
		return ErrNotFound
	}
	if e.ev.Status != logic.StatusActive {
		return ErrImmutable
	}
	e.ev.NotifiedTargets = append([]string(nil), targets...)
	return nil
}

func (m *MemoryStore) UpdateAlertLocation(_ context.Context, id string, loc logic.Location) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail(); err != nil {
		return err
	}
	e, ok := m.events[id]
	if !ok {
		return ErrNotFound
	}
	if e.ev.Status != logic.StatusActive {
		return ErrImmutable
	}
	e.ev.Location = &loc
	return nil
}

func (m *MemoryStore) ListAlertEvents(_ context.Context, userID string, limit int) ([]logic.AlertEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []logic.AlertEvent
	for _, e := range m.events {
		if e.userID == userID {
			out = append(out, e.ev.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) Close() error { return nil }
