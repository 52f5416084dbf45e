package attendance

import (
	"context"
	"sort"
	"sync"

	"workpulse/internal/apperr"
	"workpulse/internal/keylock"
)

// MemoryStore keeps sessions in process. Mutations for one identity are
// serialized with a per-identity lock; distinct identities never contend
// beyond the short map access.
type MemoryStore struct {
	locks keylock.Map

	mu       sync.RWMutex
	sessions []Session
	open     map[string]int // identity key -> index into sessions
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{open: make(map[string]int)}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) Create(ctx context.Context, s Session) (Session, error) {
	if err := ctx.Err(); err != nil {
		return Session{}, err
	}
	unlock := m.locks.Lock(s.key())
	defer unlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	if idx, ok := m.open[s.key()]; ok {
		cur := m.sessions[idx]
		return Session{}, apperr.Conflict(OpPunchIn, string(cur.State()), "an open session already exists")
	}
	m.sessions = append(m.sessions, cloneSession(s))
	m.open[s.key()] = len(m.sessions) - 1
	return cloneSession(s), nil
}

func (m *MemoryStore) UpdateOpen(ctx context.Context, id Identity, fn func(*Session) error) (Session, error) {
	if err := ctx.Err(); err != nil {
		return Session{}, err
	}
	unlock := m.locks.Lock(id.key())
	defer unlock()

	m.mu.RLock()
	idx, ok := m.open[id.key()]
	var cur Session
	if ok {
		cur = m.sessions[idx]
	}
	m.mu.RUnlock()
	if !ok {
		return Session{}, apperr.NotFound("update_session", string(StateNoOpenSession), "no open session")
	}

	next := cloneSession(cur)
	if err := fn(&next); err != nil {
		return Session{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[idx] = next
	if !next.IsOpen() {
		delete(m.open, id.key())
	}
	return cloneSession(next), nil
}

func (m *MemoryStore) Open(ctx context.Context, id Identity) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	idx, ok := m.open[id.key()]
	if !ok {
		return nil, nil
	}
	s := cloneSession(m.sessions[idx])
	return &s, nil
}

func (m *MemoryStore) List(ctx context.Context, f Filter) ([]Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	var out []Session
	for _, s := range m.sessions {
		if f.Matches(s) {
			out = append(out, cloneSession(s))
		}
	}
	m.mu.RUnlock()
	sortByPunchInDesc(out)
	return out, nil
}

func (m *MemoryStore) ListOpen(ctx context.Context, companyName string) ([]Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	var out []Session
	for _, idx := range m.open {
		if s := m.sessions[idx]; s.CompanyName == companyName {
			out = append(out, cloneSession(s))
		}
	}
	m.mu.RUnlock()
	sortByPunchInDesc(out)
	return out, nil
}

// sortByPunchInDesc orders newest first, matching the Postgres store.
func sortByPunchInDesc(out []Session) {
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].PunchInTime.Equal(out[j].PunchInTime) {
			return out[i].PunchInTime.After(out[j].PunchInTime)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
}

// cloneSession copies the pointer fields so callers never alias store state.
func cloneSession(s Session) Session {
	c := s
	c.PunchOutTime = clonePtr(s.PunchOutTime)
	c.BreakStartTime = clonePtr(s.BreakStartTime)
	c.BreakEndTime = clonePtr(s.BreakEndTime)
	c.TotalWorkDurationSeconds = clonePtr(s.TotalWorkDurationSeconds)
	return c
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
