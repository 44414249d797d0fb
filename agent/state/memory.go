package state

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	contractx "github.com/tanpawarit/chative-pharmacy-agent/agent/contract"
)

const DefaultMaxTurnPairs = 10

var ErrInvalidCaller = errors.New("caller id is empty")

// Backend holds the per-caller turn log. Append must write every turn in
// order and trim the log from the front to maxEntries in the same step.
type Backend interface {
	Append(ctx context.Context, callerID string, turns []contractx.Turn, maxEntries int) error
	Range(ctx context.Context, callerID string, last int) ([]contractx.Turn, error)
}

// Memory is the bounded conversation window, keyed by caller identity.
// Reads and writes for one caller are serialized; different callers never block each other.
type Memory struct {
	backend  Backend
	maxPairs int
	locks    sync.Map
	seq      atomic.Int64
	now      func() time.Time
}

func NewMemory(backend Backend, maxPairs int) *Memory {
	if backend == nil {
		backend = NewInMemoryStore()
	}
	if maxPairs <= 0 {
		maxPairs = DefaultMaxTurnPairs
	}
	return &Memory{backend: backend, maxPairs: maxPairs, now: time.Now}
}

func (m *Memory) MaxTurnPairs() int {
	return m.maxPairs
}

func (m *Memory) Append(ctx context.Context, callerID string, role contractx.Role, content string) error {
	if role != contractx.RoleCaller && role != contractx.RoleAssistant {
		return fmt.Errorf("%w: unknown role %q", contractx.ErrValidation, role)
	}
	return m.appendTurns(ctx, callerID, []contractx.Turn{{Role: role, Content: content}})
}

// AppendPair writes a caller message and its reply under one lock, so
// concurrent requests from the same caller never interleave their pairs.
func (m *Memory) AppendPair(ctx context.Context, callerID, message, reply string) error {
	return m.appendTurns(ctx, callerID, []contractx.Turn{
		{Role: contractx.RoleCaller, Content: message},
		{Role: contractx.RoleAssistant, Content: reply},
	})
}

func (m *Memory) appendTurns(ctx context.Context, callerID string, turns []contractx.Turn) error {
	if strings.TrimSpace(callerID) == "" {
		return ErrInvalidCaller
	}

	mu := m.lockFor(callerID)
	mu.Lock()
	defer mu.Unlock()

	at := m.now().UTC()
	for i := range turns {
		turns[i].Seq = m.seq.Add(1)
		turns[i].At = at
	}
	return m.backend.Append(ctx, callerID, turns, 2*m.maxPairs)
}

// Recent returns up to 2*maxPairs turns, most recent last. A maxPairs of zero
// or above the configured bound falls back to the bound.
func (m *Memory) Recent(ctx context.Context, callerID string, maxPairs int) ([]contractx.Turn, error) {
	if strings.TrimSpace(callerID) == "" {
		return nil, ErrInvalidCaller
	}
	if maxPairs <= 0 || maxPairs > m.maxPairs {
		maxPairs = m.maxPairs
	}

	mu := m.lockFor(callerID)
	mu.Lock()
	defer mu.Unlock()

	return m.backend.Range(ctx, callerID, 2*maxPairs)
}

func (m *Memory) lockFor(callerID string) *sync.Mutex {
	v, _ := m.locks.LoadOrStore(callerID, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// InMemoryStore keeps turn logs in process memory. Lost on restart.
type InMemoryStore struct {
	mu   sync.Mutex
	logs map[string][]contractx.Turn
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{logs: make(map[string][]contractx.Turn)}
}

func (s *InMemoryStore) Append(_ context.Context, callerID string, turns []contractx.Turn, maxEntries int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	log := append(s.logs[callerID], turns...)
	if maxEntries > 0 && len(log) > maxEntries {
		log = append([]contractx.Turn(nil), log[len(log)-maxEntries:]...)
	}
	s.logs[callerID] = log
	return nil
}

func (s *InMemoryStore) Range(_ context.Context, callerID string, last int) ([]contractx.Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	log := s.logs[callerID]
	if last > 0 && len(log) > last {
		log = log[len(log)-last:]
	}
	return append([]contractx.Turn(nil), log...), nil
}
