// Package cache holds small in-process caches used on hot paths of the
// insight pipeline, such as the dedup gate's recently-seen keys.
package cache

import (
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Cache is a keyed store with best-effort retention.
type Cache[T any] interface {
	Get(key string) (T, bool)
	Set(key string, data T)
	Delete(key string)
	Size() int
}

// Cleaner is implemented by caches whose entries expire.
type Cleaner interface {
	CleanExpired() int
}

// Manager sweeps expired entries out of registered caches on an interval.
type Manager struct {
	mu          sync.Mutex
	caches      []Cleaner
	clock       clockwork.Clock
	stopCleanup chan struct{}
	cleanupDone chan struct{}
	started     bool
}

func NewManager() *Manager {
	return NewManagerWithClock(clockwork.NewRealClock())
}

func NewManagerWithClock(clock clockwork.Clock) *Manager {
	return &Manager{clock: clock}
}

// Register adds a cache to the sweep list.
func (m *Manager) Register(c Cleaner) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.caches = append(m.caches, c)
}

// StartCleanup starts the sweep loop. Calling it twice is a no-op.
func (m *Manager) StartCleanup(interval time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started || interval <= 0 {
		return
	}
	m.started = true
	m.stopCleanup = make(chan struct{})
	m.cleanupDone = make(chan struct{})
	go m.cleanup(interval, m.stopCleanup, m.cleanupDone)
}

// Sweep cleans every registered cache once and returns the removed count.
func (m *Manager) Sweep() int {
	m.mu.Lock()
	caches := append([]Cleaner(nil), m.caches...)
	m.mu.Unlock()

	total := 0
	for _, c := range caches {
		total += c.CleanExpired()
	}
	return total
}

func (m *Manager) cleanup(interval time.Duration, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := m.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Chan():
			if n := m.Sweep(); n > 0 {
				slog.Debug("Expired cache entries removed", "count", n)
			}
		case <-stop:
			return
		}
	}
}

// Stop ends the sweep loop and waits for it to exit.
func (m *Manager) Stop() {
	m.mu.Lock()
	started := m.started
	stop, done := m.stopCleanup, m.cleanupDone
	m.started = false
	m.mu.Unlock()
	if !started {
		return
	}
	close(stop)
	<-done
}
