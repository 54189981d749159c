package analytics

import "sync"

// conversationLocker serializes rollup updates per conversation.
// Without the critical section a concurrent read-modify-write drifts
// the weighted mean.
type conversationLocker struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newConversationLocker() *conversationLocker {
	return &conversationLocker{locks: map[string]*sync.Mutex{}}
}

// Lock acquires the mutex for one conversation, creating it on first
// use. Locks are never evicted; the set of active conversations is
// small relative to the metric volume.
func (l *conversationLocker) Lock(conversationID string) *sync.Mutex {
	l.mu.Lock()
	m, ok := l.locks[conversationID]
	if !ok {
		m = &sync.Mutex{}
		l.locks[conversationID] = m
	}
	l.mu.Unlock()

	m.Lock()
	return m
}
