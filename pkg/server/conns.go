package server

import (
	"context"
	"sync"
	"time"
)

// connectionManager tracks the units of one endpoint. Once draining it
// refuses new units.
type connectionManager struct {
	mu       sync.Mutex
	units    map[*unit]struct{}
	draining bool
}

func newConnectionManager() *connectionManager {
	return &connectionManager{units: make(map[*unit]struct{})}
}

// add registers u. It reports false when the endpoint is draining.
func (cm *connectionManager) add(u *unit) bool {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if cm.draining {
		return false
	}
	cm.units[u] = struct{}{}
	return true
}

// drain makes every later add fail.
func (cm *connectionManager) drain() {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.draining = true
}

func (cm *connectionManager) remove(u *unit) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	delete(cm.units, u)
}

func (cm *connectionManager) len() int {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return len(cm.units)
}

func (cm *connectionManager) snapshot() []*unit {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	units := make([]*unit, 0, len(cm.units))
	for u := range cm.units {
		units = append(units, u)
	}
	return units
}

func (cm *connectionManager) heartbeat() {
	for _, u := range cm.snapshot() {
		u.heartbeat()
	}
}

// closeAll asks every connection to close and reports whether all handlers
// finished before ctx ended.
func (cm *connectionManager) closeAll(ctx context.Context) bool {
	units := cm.snapshot()
	for _, u := range units {
		u.RequestClose()
	}
	return waitUnits(ctx.Done(), units)
}

// abortAll aborts the remaining connections and reports whether their
// handlers finished within grace.
func (cm *connectionManager) abortAll(grace time.Duration) bool {
	units := cm.snapshot()
	for _, u := range units {
		u.abort()
	}

	t := time.NewTimer(grace)
	defer t.Stop()
	return waitUnits(t.C, units)
}

func waitUnits[T any](deadline <-chan T, units []*unit) bool {
	for _, u := range units {
		select {
		case <-u.done:
		case <-deadline:
			return false
		}
	}
	return true
}
