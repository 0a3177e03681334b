package store

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AdrianFeng10086/RuralCareAI/internal/crisis"
)

// MemoryStore keeps everything in process memory. Used for local runs and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]Session
	turns    map[string][]Turn
	alerts   []crisis.Alert
	now      func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]Session),
		turns:    make(map[string][]Turn),
		now:      time.Now,
	}
}

var _ Store = (*MemoryStore)(nil)

func (s *MemoryStore) CreateSession(ctx context.Context, session Session) error {
	if session.ID == "" {
		return errors.New("store: session id required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if session.CreatedAt.IsZero() {
		session.CreatedAt = s.now().UTC()
	}
	s.sessions[session.ID] = session
	return nil
}

func (s *MemoryStore) GetSession(ctx context.Context, id string) (Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[id]
	if !ok {
		return Session{}, ErrNotFound
	}
	return session, nil
}

func (s *MemoryStore) LoadRecentTurns(ctx context.Context, sessionID string, count int) ([]Turn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	turns := s.turns[sessionID]
	if count <= 0 || len(turns) == 0 {
		return nil, nil
	}
	if count > len(turns) {
		count = len(turns)
	}
	out := make([]Turn, count)
	copy(out, turns[len(turns)-count:])
	return out, nil
}

func (s *MemoryStore) AppendTurn(ctx context.Context, turn Turn) (Turn, error) {
	if turn.SessionID == "" {
		return Turn{}, errors.New("store: turn session id required")
	}
	if err := ctx.Err(); err != nil {
		return Turn{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if turn.ID == "" {
		turn.ID = uuid.NewString()
	}
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = s.now().UTC()
	}
	turn.Ordinal = len(s.turns[turn.SessionID]) + 1
	s.turns[turn.SessionID] = append(s.turns[turn.SessionID], turn)
	return turn, nil
}

func (s *MemoryStore) AppendAlert(ctx context.Context, alert crisis.Alert) error {
	if alert.ID == "" {
		return errors.New("store: alert id required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts = append(s.alerts, alert)
	return nil
}

func (s *MemoryStore) ListAlerts(ctx context.Context, filter AlertFilter) ([]crisis.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	query := strings.ToLower(strings.TrimSpace(filter.Query))
	var out []crisis.Alert
	for _, a := range s.alerts {
		if filter.Resolved != nil && a.Resolved != *filter.Resolved {
			continue
		}
		if filter.ChildID != "" && a.ChildID != filter.ChildID {
			continue
		}
		if filter.SessionID != "" && a.SessionID != filter.SessionID {
			continue
		}
		if query != "" && !alertMatches(a, query) {
			continue
		}
		out = append(out, a)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit := filter.limit(); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) CountUnresolved(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, a := range s.alerts {
		if !a.Resolved {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) MarkAlertResolved(ctx context.Context, id string, notes string) (crisis.Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.alerts {
		if s.alerts[i].ID != id {
			continue
		}
		a := &s.alerts[i]
		if !a.Resolved {
			now := s.now().UTC()
			a.Resolved = true
			a.ResolvedAt = &now
		}
		if notes = strings.TrimSpace(notes); notes != "" {
			a.Notes = notes
		}
		return *a, nil
	}
	return crisis.Alert{}, ErrNotFound
}

func alertMatches(a crisis.Alert, query string) bool {
	for _, field := range []string{a.ChildID, a.SessionID, a.Summary, a.Excerpt} {
		if strings.Contains(strings.ToLower(field), query) {
			return true
		}
	}
	return false
}
