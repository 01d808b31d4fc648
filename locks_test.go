package foodledger

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAccountLocksSerializeSameAccount(t *testing.T) {
	locks := NewAccountLocks()

	var (
		wg      sync.WaitGroup
		active  atomic.Int32
		overlap atomic.Bool
		counter int
	)
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := locks.Lock("alice")
			defer unlock()

			if active.Add(1) > 1 {
				overlap.Store(true)
			}
			counter++
			active.Add(-1)
		}()
	}
	wg.Wait()

	assert.False(t, overlap.Load())
	assert.Equal(t, 50, counter)
	assert.Empty(t, locks.locks, "released locks are dropped")
}

func TestAccountLocksIndependentAccounts(t *testing.T) {
	locks := NewAccountLocks()

	unlockAlice := locks.Lock("alice")
	defer unlockAlice()

	done := make(chan struct{})
	go func() {
		unlock := locks.Lock("bob")
		unlock()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("bob blocked on alice's lock")
	}
}
