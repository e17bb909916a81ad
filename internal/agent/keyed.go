package agent

import (
	"context"
	"sync"

	"github.com/roach88/trustagent/internal/model"
)

// keyedMutex serialises work per application key. Entries are dropped
// once nobody holds or waits for them.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[model.KeyInfo]*keyLock
}

type keyLock struct {
	sem  chan struct{}
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[model.KeyInfo]*keyLock)}
}

func (m *keyedMutex) acquireRef(key model.KeyInfo) *keyLock {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[key]
	if !ok {
		l = &keyLock{sem: make(chan struct{}, 1)}
		m.locks[key] = l
	}
	l.refs++
	return l
}

func (m *keyedMutex) releaseRef(key model.KeyInfo, l *keyLock) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(m.locks, key)
	}
}

// Lock blocks until key is free or ctx is done.
func (m *keyedMutex) Lock(ctx context.Context, key model.KeyInfo) error {
	l := m.acquireRef(key)
	select {
	case l.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		m.releaseRef(key, l)
		return ctx.Err()
	}
}

// TryLock takes key if it is free.
func (m *keyedMutex) TryLock(key model.KeyInfo) bool {
	l := m.acquireRef(key)
	select {
	case l.sem <- struct{}{}:
		return true
	default:
		m.releaseRef(key, l)
		return false
	}
}

// Unlock releases key. It panics if key is not locked.
func (m *keyedMutex) Unlock(key model.KeyInfo) {
	m.mu.Lock()
	l, ok := m.locks[key]
	m.mu.Unlock()
	if !ok {
		panic("agent: unlock of unlocked key " + key.String())
	}
	select {
	case <-l.sem:
	default:
		panic("agent: unlock of unlocked key " + key.String())
	}
	m.releaseRef(key, l)
}
