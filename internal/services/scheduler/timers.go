package scheduler

import (
	"fmt"
	"sync"
	"time"
)

// timerRegistry owns the process-wide named one-shot timers. At most one
// live timer exists per name; scheduling an already-armed name is a no-op.
// This is the sole guard against duplicate scheduling when overlapping poll
// windows observe the same transaction as due.
type timerRegistry struct {
	mu     sync.Mutex
	timers map[string]*time.Timer
}

func newTimerRegistry() *timerRegistry {
	return &timerRegistry{timers: make(map[string]*time.Timer)}
}

// scheduleOnce arms a timer under name unless one is already live. The
// registry entry is released after fn returns, whatever happens inside, so
// the name becomes schedulable again. Negative delays fire immediately.
func (r *timerRegistry) scheduleOnce(name string, delay time.Duration, fn func()) bool {
	if delay < 0 {
		delay = 0
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.timers[name]; ok {
		return false
	}
	r.timers[name] = time.AfterFunc(delay, func() {
		defer r.release(name)
		fn()
	})
	return true
}

// exists reports whether a live timer is registered under name.
func (r *timerRegistry) exists(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.timers[name]
	return ok
}

// cancel stops and removes a named timer. Returns whether one existed.
func (r *timerRegistry) cancel(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.timers[name]
	if !ok {
		return false
	}
	t.Stop()
	delete(r.timers, name)
	return true
}

// cancelAll stops every live timer. Used on shutdown.
func (r *timerRegistry) cancelAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, t := range r.timers {
		t.Stop()
		delete(r.timers, name)
	}
}

func (r *timerRegistry) release(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.timers, name)
}

func collateTimerName(id int64) string {
	return fmt.Sprintf("smart_collate_timeout_%d", id)
}

func executionTimerName(id int64) string {
	return fmt.Sprintf("execution_timeout_%d", id)
}

func groupCollateTimerName(id int64) string {
	return fmt.Sprintf("smart_collate_timeout_group_%d", id)
}

func groupExecutionTimerName(id int64) string {
	return fmt.Sprintf("execution_timeout_group_%d", id)
}
