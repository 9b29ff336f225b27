// Package schedule provides per-key cancellable scheduled tasks used to
// coalesce bursts of local edits into a single queue entry.
package schedule

import (
	"sort"
	"sync"
	"time"

	"github.com/dwaynemcyrus/anchored/internal/clock"
)

// Debouncer runs at most one task per key once the key has been quiet for
// the configured window. Scheduling a key again replaces its task and
// restarts the window.
type Debouncer struct {
	clock  clock.Clock
	window time.Duration

	mu     sync.Mutex
	seq    uint64
	tasks  map[string]*task
	closed bool
}

type task struct {
	seq   uint64
	timer clock.Timer
	fn    func()
}

// NewDebouncer creates a debouncer with the given quiet window.
func NewDebouncer(c clock.Clock, window time.Duration) *Debouncer {
	return &Debouncer{
		clock:  c,
		window: window,
		tasks:  make(map[string]*task),
	}
}

// Window returns the quiet window.
func (d *Debouncer) Window() time.Duration { return d.window }

// Schedule (re)arms the task for key. A closed debouncer runs fn immediately.
func (d *Debouncer) Schedule(key string, fn func()) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		fn()
		return
	}
	if prev, ok := d.tasks[key]; ok {
		prev.timer.Stop()
	}
	d.seq++
	t := &task{seq: d.seq, fn: fn}
	d.tasks[key] = t
	t.timer = d.clock.AfterFunc(d.window, func() { d.fire(key, t) })
	d.mu.Unlock()
}

// Cancel drops the pending task for key without running it.
func (d *Debouncer) Cancel(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.tasks[key]
	if !ok {
		return false
	}
	t.timer.Stop()
	delete(d.tasks, key)
	return true
}

// Flush runs every pending task now, in the order they were first scheduled.
func (d *Debouncer) Flush() {
	d.mu.Lock()
	pending := d.drainLocked()
	d.mu.Unlock()

	for _, t := range pending {
		t.fn()
	}
}

// Close flushes pending tasks. Tasks scheduled afterwards run synchronously.
func (d *Debouncer) Close() {
	d.mu.Lock()
	d.closed = true
	pending := d.drainLocked()
	d.mu.Unlock()

	for _, t := range pending {
		t.fn()
	}
}

// Pending returns the number of armed keys.
func (d *Debouncer) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.tasks)
}

func (d *Debouncer) drainLocked() []*task {
	pending := make([]*task, 0, len(d.tasks))
	for key, t := range d.tasks {
		t.timer.Stop()
		pending = append(pending, t)
		delete(d.tasks, key)
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].seq < pending[j].seq })
	return pending
}

func (d *Debouncer) fire(key string, t *task) {
	d.mu.Lock()
	current, ok := d.tasks[key]
	if !ok || current != t {
		// replaced or flushed since the timer was armed
		d.mu.Unlock()
		return
	}
	delete(d.tasks, key)
	d.mu.Unlock()
	t.fn()
}
