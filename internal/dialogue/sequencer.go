package dialogue

import (
	"context"
	"sync"
)

// Sequencer serializes work per session while letting different sessions
// run in parallel. Locks are created on first use and dropped once no turn
// holds or waits for them.
type Sequencer struct {
	mu    sync.Mutex
	locks map[string]*sessionLock
}

type sessionLock struct {
	// sem has capacity 1; a buffered send acquires. Blocked senders on a
	// channel are woken in FIFO order.
	sem  chan struct{}
	refs int
}

func NewSequencer() *Sequencer {
	return &Sequencer{locks: make(map[string]*sessionLock)}
}

// Acquire blocks until the session is free or ctx is done. The returned
// release func must be called exactly once.
func (s *Sequencer) Acquire(ctx context.Context, sessionID string) (func(), error) {
	s.mu.Lock()
	l, ok := s.locks[sessionID]
	if !ok {
		l = &sessionLock{sem: make(chan struct{}, 1)}
		s.locks[sessionID] = l
	}
	l.refs++
	s.mu.Unlock()

	select {
	case l.sem <- struct{}{}:
	case <-ctx.Done():
		s.unref(sessionID, l)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-l.sem
			s.unref(sessionID, l)
		})
	}, nil
}

func (s *Sequencer) unref(sessionID string, l *sessionLock) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(s.locks, sessionID)
	}
}

// Active reports how many sessions currently hold or await a lock.
func (s *Sequencer) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.locks)
}
