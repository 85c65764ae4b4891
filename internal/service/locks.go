package service

import "sync"

// clientLocks serializes ledger writers per client id. Entries are dropped
// once nobody holds or waits on them.
type clientLocks struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func newClientLocks() *clientLocks {
	return &clientLocks{locks: make(map[string]*refMutex)}
}

// lock blocks until clientID is free and returns its unlock func.
func (l *clientLocks) lock(clientID string) func() {
	l.mu.Lock()
	m, ok := l.locks[clientID]
	if !ok {
		m = &refMutex{}
		l.locks[clientID] = m
	}
	m.refs++
	l.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		l.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(l.locks, clientID)
		}
		l.mu.Unlock()
	}
}

func (l *clientLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
