package orchestrator

import "sync"

// lockSet is a set of keys held by running operations. Acquisition never
// blocks; a held key is reported as a conflict.
type lockSet struct {
	mu   sync.Mutex
	held map[any]struct{}
}

func (l *lockSet) tryLock(key any) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held == nil {
		l.held = make(map[any]struct{})
	}
	if _, ok := l.held[key]; ok {
		return false
	}
	l.held[key] = struct{}{}
	return true
}

func (l *lockSet) unlock(key any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, key)
}
