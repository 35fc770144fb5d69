package chat

import (
	"context"
	"sync"
)

// sessionLocks serialises work per session. Waiting for a lock respects
// context cancellation. Entries are dropped once nobody holds or waits for
// them.
type sessionLocks struct {
	mu    sync.Mutex
	locks map[string]*sessionLock
}

type sessionLock struct {
	ch   chan struct{}
	refs int
}

func newSessionLocks() *sessionLocks {
	return &sessionLocks{locks: make(map[string]*sessionLock)}
}

// lock acquires the lock for id and returns the function that releases it.
func (s *sessionLocks) lock(ctx context.Context, id string) (func(), error) {
	s.mu.Lock()
	l := s.locks[id]
	if l == nil {
		l = &sessionLock{ch: make(chan struct{}, 1)}
		s.locks[id] = l
	}
	l.refs++
	s.mu.Unlock()

	select {
	case l.ch <- struct{}{}:
	case <-ctx.Done():
		s.release(id, l)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-l.ch
			s.release(id, l)
		})
	}, nil
}

func (s *sessionLocks) release(id string, l *sessionLock) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(s.locks, id)
	}
}

// held returns the number of sessions with a holder or a waiter.
func (s *sessionLocks) held() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.locks)
}
