package anchored

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/dwaynemcyrus/anchored/internal/clock"
)

// Trigger reasons used by the engine itself.
const (
	TriggerStart   = "start"
	TriggerPoll    = "poll"
	TriggerOnline  = "network-online"
	TriggerManual  = "manual"
	TriggerFocus   = "focus"
	TriggerVisible = "visible"
)

// EngineOptions configures an Engine.
type EngineOptions struct {
	Store  *Store
	Queue  *Queue
	Remote Remote
	// Network reports connectivity. Defaults to pinging Remote.
	Network Network
	// Clock defaults to the real clock.
	Clock   clock.Clock
	Logger  *log.Logger
	Metrics *Metrics
	// Policy is used when Queue is nil and the engine builds its own.
	Policy RetryPolicy
	// Interval is the poll period after Start. Zero disables polling.
	Interval time.Duration
}

// Engine drives push and pull cycles between the local store and the
// remote datastore. At most one run is in flight; concurrent callers of
// ScheduleSync join it and share its result.
type Engine struct {
	store    *Store
	queue    *Queue
	remote   Remote
	network  Network
	clock    clock.Clock
	logger   *log.Logger
	metrics  *Metrics
	resolver *Resolver
	interval time.Duration

	mu        sync.Mutex
	state     State
	lastErr   error
	lastRunAt *time.Time
	inflight  *syncRun
	subs      map[int]func(SyncStatus)
	nextSub   int
	started   bool
	stopped   bool
	timer     clock.Timer
	unnotify  func()

	stopCh    chan struct{}
	loopDone  chan struct{}
	triggerCh chan string
	tickCh    chan struct{}
}

// syncRun is the shared record of one in-flight run.
type syncRun struct {
	done    chan struct{}
	stats   SyncStats
	err     error
	waiters int
}

// NewEngine creates an engine. Store and Remote are required.
func NewEngine(opts EngineOptions) (*Engine, error) {
	if opts.Store == nil {
		return nil, &ValidationError{Field: "Store", Message: "required"}
	}
	if opts.Remote == nil {
		return nil, &ValidationError{Field: "Remote", Message: "required"}
	}
	if opts.Clock == nil {
		opts.Clock = opts.Store.clock
	}
	if opts.Queue == nil {
		opts.Queue = NewQueue(opts.Store, opts.Policy)
	}
	if opts.Network == nil {
		opts.Network = PingNetwork{Remote: opts.Remote}
	}
	if opts.Logger == nil {
		opts.Logger = discardLogger()
	}

	return &Engine{
		store:     opts.Store,
		queue:     opts.Queue,
		remote:    opts.Remote,
		network:   opts.Network,
		clock:     opts.Clock,
		logger:    opts.Logger.WithPrefix("sync"),
		metrics:   opts.Metrics,
		resolver:  NewResolver(opts.Store, opts.Queue, opts.Metrics),
		interval:  opts.Interval,
		state:     StateIdle,
		subs:      make(map[int]func(SyncStatus)),
		stopCh:    make(chan struct{}),
		loopDone:  make(chan struct{}),
		triggerCh: make(chan string, 1),
		tickCh:    make(chan struct{}, 1),
	}, nil
}

// Queue returns the engine's operation queue.
func (e *Engine) Queue() *Queue { return e.queue }

// ScheduleSync runs one sync cycle, or joins the cycle already running and
// returns its result. A run that found the network down returns ErrOffline.
func (e *Engine) ScheduleSync(ctx context.Context) (*SyncStats, error) {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return nil, ErrEngineStopped
	}
	if r := e.inflight; r != nil {
		r.waiters++
		e.mu.Unlock()
		select {
		case <-r.done:
			stats := r.stats
			return &stats, r.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	r := &syncRun{done: make(chan struct{})}
	e.inflight = r
	e.mu.Unlock()

	r.stats, r.err = e.run(ctx)

	e.mu.Lock()
	e.inflight = nil
	e.mu.Unlock()
	close(r.done)

	stats := r.stats
	return &stats, r.err
}

// joined returns how many callers are waiting on the in-flight run.
func (e *Engine) joined() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.inflight == nil {
		return 0
	}
	return e.inflight.waiters
}

func (e *Engine) run(ctx context.Context) (SyncStats, error) {
	start := e.clock.Now()
	var stats SyncStats
	e.setState(StateSyncing, nil)

	if !e.network.Online(ctx) {
		e.logger.Debug("network unavailable, skipping run")
		e.finish(StateOffline, nil, &stats, start)
		return stats, ErrOffline
	}

	if err := e.push(ctx, &stats); err != nil {
		err = fmt.Errorf("push: %w", err)
		e.finish(StateError, err, &stats, start)
		return stats, err
	}
	if err := e.pull(ctx, &stats); err != nil {
		err = fmt.Errorf("pull: %w", err)
		e.finish(StateError, err, &stats, start)
		return stats, err
	}

	e.finish(StateSynced, nil, &stats, start)
	return stats, nil
}

func (e *Engine) finish(state State, err error, stats *SyncStats, start time.Time) {
	now := e.clock.Now()
	stats.Duration = now.Sub(start)

	e.mu.Lock()
	e.lastRunAt = timePtr(now.UTC())
	e.mu.Unlock()
	e.setState(state, err)

	if counts, cerr := e.queue.Counts(); cerr == nil {
		e.metrics.queue(counts)
	}
	e.metrics.observeRun(state, stats, stats.Duration)

	switch state {
	case StateError:
		e.logger.Error("sync failed", "err", err, "pushed", stats.Pushed, "failures", stats.Failures)
	case StateSynced:
		e.logger.Info("sync complete",
			"pushed", stats.Pushed,
			"pulled", stats.Pulled,
			"bodies", stats.PulledBodies,
			"conflicts", stats.Conflicts,
			"failures", stats.Failures,
			"dropped", stats.Dropped,
			"duration", stats.Duration)
	}
}

// Status returns the current sync state with queue counts.
func (e *Engine) Status() SyncStatus {
	e.mu.Lock()
	st := SyncStatus{State: e.state, LastRunAt: cloneTime(e.lastRunAt)}
	if e.lastErr != nil {
		st.LastError = e.lastErr.Error()
	}
	e.mu.Unlock()

	if counts, err := e.queue.Counts(); err == nil {
		st.Pending = counts.Pending
		st.Retrying = counts.Retrying
		st.Failed = counts.Failed
	}
	if cursor, err := e.store.Cursor(); err == nil && !cursor.IsZero() {
		st.Cursor = &cursor
	}
	return st
}

// Subscribe registers fn for state changes. The returned func removes it.
// fn runs synchronously on the goroutine changing the state.
func (e *Engine) Subscribe(fn func(SyncStatus)) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := e.nextSub
	e.nextSub++
	e.subs[id] = fn
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.subs, id)
	}
}

func (e *Engine) setState(state State, err error) {
	e.mu.Lock()
	e.state = state
	if state != StateSyncing {
		e.lastErr = err
	}
	subs := make([]func(SyncStatus), 0, len(e.subs))
	for _, fn := range e.subs {
		subs = append(subs, fn)
	}
	e.mu.Unlock()

	if len(subs) == 0 {
		return
	}
	st := e.Status()
	for _, fn := range subs {
		fn(st)
	}
}

// Start launches the trigger loop: an immediate run, a poll every
// Interval, a run on every offline-to-online transition, and runs
// requested through Trigger. It returns immediately.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return ErrEngineStopped
	}
	if e.started {
		e.mu.Unlock()
		return nil
	}
	e.started = true
	if n, ok := e.network.(NetworkNotifier); ok {
		e.unnotify = n.Notify(func(online bool) {
			if online {
				e.Trigger(TriggerOnline)
			}
		})
	}
	e.armTimerLocked()
	e.mu.Unlock()

	go e.loop(ctx)
	e.Trigger(TriggerStart)
	return nil
}

// Stop ends the trigger loop and waits for an in-progress run started by
// it. Later ScheduleSync calls return ErrEngineStopped.
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.stopped = true
	started := e.started
	timer, unnotify := e.timer, e.unnotify
	e.timer, e.unnotify = nil, nil
	e.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}
	if unnotify != nil {
		unnotify()
	}
	if started {
		close(e.stopCh)
		<-e.loopDone
	}
}

// Trigger requests a background run, for example when the UI regains focus.
// Requests arriving while one is pending collapse into it. Trigger does
// nothing unless the engine is started.
func (e *Engine) Trigger(reason string) {
	e.mu.Lock()
	active := e.started && !e.stopped
	e.mu.Unlock()
	if !active {
		return
	}
	select {
	case e.triggerCh <- reason:
	default:
	}
}

func (e *Engine) armTimerLocked() {
	if e.interval <= 0 || e.stopped {
		return
	}
	e.timer = e.clock.AfterFunc(e.interval, func() {
		select {
		case e.tickCh <- struct{}{}:
		default:
		}
	})
}

func (e *Engine) loop(ctx context.Context) {
	defer close(e.loopDone)
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case reason := <-e.triggerCh:
			e.background(ctx, reason)
		case <-e.tickCh:
			e.background(ctx, TriggerPoll)
			e.mu.Lock()
			e.armTimerLocked()
			e.mu.Unlock()
		}
	}
}

func (e *Engine) background(ctx context.Context, reason string) {
	e.logger.Debug("sync triggered", "reason", reason)
	_, err := e.ScheduleSync(ctx)
	switch {
	case err == nil, errors.Is(err, ErrOffline), errors.Is(err, ErrEngineStopped):
	default:
		e.logger.Warn("background sync failed", "reason", reason, "err", err)
	}
}
