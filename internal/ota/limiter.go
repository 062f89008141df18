package ota

import (
	"sort"
	"sync"
)

// Limiter bounds how many devices update at once and queues the rest in
// FIFO order. A key is never both queued and updating, and never queued
// twice.
//
// All methods are safe for concurrent use.
type Limiter struct {
	mu       sync.Mutex
	max      int
	queue    []string
	queued   map[string]struct{}
	updating map[string]struct{}
}

// NewLimiter creates a limiter admitting at most max devices.
func NewLimiter(max int) *Limiter {
	if max < 1 {
		max = 1
	}
	return &Limiter{
		max:      max,
		queued:   make(map[string]struct{}),
		updating: make(map[string]struct{}),
	}
}

// Enqueue appends key to the queue tail. It returns false when the key is
// already queued or updating.
func (l *Limiter) Enqueue(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.knownLocked(key) {
		return false
	}
	l.queue = append(l.queue, key)
	l.queued[key] = struct{}{}
	return true
}

// PushFront puts key at the queue head, for a dispatch that could not be
// completed. It returns false when the key is already queued or updating.
func (l *Limiter) PushFront(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.knownLocked(key) {
		return false
	}
	l.queue = append([]string{key}, l.queue...)
	l.queued[key] = struct{}{}
	return true
}

// Dequeue removes key from the queue. It reports whether it was queued.
func (l *Limiter) Dequeue(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dequeueLocked(key)
}

// Next pops the queue head into the updating set if a slot is free.
func (l *Limiter) Next() (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.updating) >= l.max || len(l.queue) == 0 {
		return "", false
	}
	key := l.queue[0]
	l.queue = l.queue[1:]
	delete(l.queued, key)
	l.updating[key] = struct{}{}
	return key, true
}

// Admit adds key to the updating set regardless of free slots, removing it
// from the queue. Used for transfers discovered already in progress.
// It returns false if key was already updating.
func (l *Limiter) Admit(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.updating[key]; ok {
		return false
	}
	l.dequeueLocked(key)
	l.updating[key] = struct{}{}
	return true
}

// Release frees key's slot. It reports whether key was updating.
func (l *Limiter) Release(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.updating[key]; !ok {
		return false
	}
	delete(l.updating, key)
	return true
}

// Forget removes key from both the queue and the updating set.
func (l *Limiter) Forget(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.dequeueLocked(key)
	delete(l.updating, key)
}

// IsQueued reports whether key is waiting.
func (l *Limiter) IsQueued(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.queued[key]
	return ok
}

// IsUpdating reports whether key holds a slot.
func (l *Limiter) IsUpdating(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.updating[key]
	return ok
}

// Queue returns the waiting keys in dispatch order.
func (l *Limiter) Queue() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.queue...)
}

// Updating returns the keys holding slots, sorted.
func (l *Limiter) Updating() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	keys := make([]string, 0, len(l.updating))
	for k := range l.updating {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// QueueLen returns the number of waiting keys.
func (l *Limiter) QueueLen() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}

// UpdatingLen returns the number of occupied slots.
func (l *Limiter) UpdatingLen() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.updating)
}

// Max returns the slot count.
func (l *Limiter) Max() int {
	return l.max
}

func (l *Limiter) knownLocked(key string) bool {
	if _, ok := l.queued[key]; ok {
		return true
	}
	_, ok := l.updating[key]
	return ok
}

func (l *Limiter) dequeueLocked(key string) bool {
	if _, ok := l.queued[key]; !ok {
		return false
	}
	delete(l.queued, key)
	for i, k := range l.queue {
		if k == key {
			l.queue = append(l.queue[:i], l.queue[i+1:]...)
			break
		}
	}
	return true
}
