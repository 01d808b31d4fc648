package foodledger

import "sync"

// AccountLocks serializes operations per username while letting different
// accounts proceed in parallel. Entries are dropped once no goroutine holds
// or waits on them.
type AccountLocks struct {
	mu    sync.Mutex
	locks map[string]*accountLock
}

type accountLock struct {
	mu   sync.Mutex
	refs int
}

func NewAccountLocks() *AccountLocks {
	return &AccountLocks{locks: make(map[string]*accountLock)}
}

// Lock blocks until the caller holds the lock for username and returns the
// function that releases it.
func (l *AccountLocks) Lock(username string) (unlock func()) {
	l.mu.Lock()
	al, ok := l.locks[username]
	if !ok {
		al = &accountLock{}
		l.locks[username] = al
	}
	al.refs++
	l.mu.Unlock()

	al.mu.Lock()

	return func() {
		al.mu.Unlock()

		l.mu.Lock()
		al.refs--
		if al.refs == 0 {
			delete(l.locks, username)
		}
		l.mu.Unlock()
	}
}
