package settlement

import (
	"context"
	"sync"
	"time"
)

// keyedLock provides per-challenge mutual exclusion with a bounded wait.
// Each key owns a one-slot channel used as a mutex, so acquisition can race
// a timeout; settlements for different challenges never contend.
type keyedLock struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
}

func newKeyedLock() *keyedLock {
	return &keyedLock{slots: make(map[string]chan struct{})}
}

func (l *keyedLock) slot(key string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()

	s, ok := l.slots[key]
	if !ok {
		s = make(chan struct{}, 1)
		l.slots[key] = s
	}
	return s
}

// acquire takes the lock for key, giving up after wait or when ctx is done.
// Returns false when the lock was not acquired.
func (l *keyedLock) acquire(ctx context.Context, key string, wait time.Duration) bool {
	s := l.slot(key)

	select {
	case s <- struct{}{}:
		return true
	default:
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case s <- struct{}{}:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

// release frees the lock for key. Must only be called by the holder.
func (l *keyedLock) release(key string) {
	<-l.slot(key)
}
