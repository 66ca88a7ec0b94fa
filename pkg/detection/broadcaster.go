// Package detection produces instantaneous shadow maps from drone imagery
// and distributes them to subscribers such as the propagation engine.
package detection

import (
	"sync"

	"github.com/k3suav/shadow-gcs/pkg/models"
)

type subscriber struct {
	handle int
	fn     func(*models.InstantaneousShadowMap)
}

// Broadcaster fans shadow maps out to registered callbacks. Publish copies
// the subscriber list under the lock and calls each callback without it, in
// registration order, so callbacks may register or unregister freely.
type Broadcaster struct {
	mu      sync.Mutex
	running bool
	subs    []subscriber
	sent    uint64
}

// NewBroadcaster returns a running broadcaster
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{running: true}
}

// RegisterCallback subscribes fn and returns the smallest free handle
func (b *Broadcaster) RegisterCallback(fn func(*models.InstantaneousShadowMap)) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	used := make(map[int]bool, len(b.subs))
	for _, s := range b.subs {
		used[s.handle] = true
	}
	handle := 0
	for used[handle] {
		handle++
	}
	b.subs = append(b.subs, subscriber{handle: handle, fn: fn})
	return handle
}

// UnregisterCallback removes a subscription; unknown handles are ignored
func (b *Broadcaster) UnregisterCallback(handle int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s.handle == handle {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return
		}
	}
}

// IsRunning reports whether published maps are delivered
func (b *Broadcaster) IsRunning() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.running
}

// SetRunning pauses or resumes delivery
func (b *Broadcaster) SetRunning(running bool) {
	b.mu.Lock()
	b.running = running
	b.mu.Unlock()
}

// Subscribers returns the number of registered callbacks
func (b *Broadcaster) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Published returns how many maps have been delivered
func (b *Broadcaster) Published() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sent
}

// Publish delivers m to every subscriber. It returns false when paused.
func (b *Broadcaster) Publish(m *models.InstantaneousShadowMap) bool {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return false
	}
	fns := make([]func(*models.InstantaneousShadowMap), len(b.subs))
	for i, s := range b.subs {
		fns[i] = s.fn
	}
	b.sent++
	b.mu.Unlock()

	for _, fn := range fns {
		fn(m)
	}
	return true
}
