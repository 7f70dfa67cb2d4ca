package session

import (
	"context"
	"sync"
	"time"
)

type entry struct {
	s       Session
	expires time.Time
}

type Memory struct {
	ttl time.Duration
	now func() time.Time

	mu       sync.Mutex
	sessions map[int64]entry
	locks    map[int64]*chatLock
}

type chatLock struct {
	ch   chan struct{}
	refs int
}

func NewMemory(ttl time.Duration) *Memory {
	return &Memory{
		ttl:      ttl,
		now:      time.Now,
		sessions: make(map[int64]entry),
		locks:    make(map[int64]*chatLock),
	}
}

func (m *Memory) Load(_ context.Context, chatID int64) (Session, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[chatID]
	if !ok {
		return Session{}, false, nil
	}
	if m.ttl > 0 && m.now().After(e.expires) {
		delete(m.sessions, chatID)
		return Session{}, false, nil
	}
	return e.s, true, nil
}

func (m *Memory) Save(_ context.Context, chatID int64, s Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s.UpdatedAt = m.now()
	m.sessions[chatID] = entry{s: s, expires: s.UpdatedAt.Add(m.ttl)}
	return nil
}

func (m *Memory) Delete(_ context.Context, chatID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, chatID)
	return nil
}

func (m *Memory) Lock(ctx context.Context, chatID int64) (func(), error) {
	m.mu.Lock()
	l, ok := m.locks[chatID]
	if !ok {
		l = &chatLock{ch: make(chan struct{}, 1)}
		m.locks[chatID] = l
	}
	l.refs++
	m.mu.Unlock()

	select {
	case l.ch <- struct{}{}:
	case <-ctx.Done():
		m.release(chatID, l)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-l.ch
			m.release(chatID, l)
		})
	}, nil
}

func (m *Memory) release(chatID int64, l *chatLock) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(m.locks, chatID)
	}
}
