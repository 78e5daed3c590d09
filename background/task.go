// Package background implements the Background Task executor (C8): a
// single worker draining a deque of deduplicated actions, each dispatched
// to a callback registered by the daemon's wiring layer.
//
// Grounded on original_source/src/artcache_background.hh and
// artcache_background.cc.
package background

import (
	"log/slog"
	"sync"
)

// Action identifies a kind of background work. The daemon registers exactly
// one callback per Action before calling Start.
type Action int

const (
	// ActionGC runs a garbage collection round.
	ActionGC Action = iota
	// ActionResetTimestamps rewrites every atime in the cache to a fresh
	// base, clearing the synthetic clock's overflow latch.
	ActionResetTimestamps
	// ActionShutdown drains the worker loop.
	ActionShutdown
)

func (a Action) String() string {
	switch a {
	case ActionGC:
		return "GC"
	case ActionResetTimestamps:
		return "RESET_TIMESTAMPS"
	case ActionShutdown:
		return "SHUTDOWN"
	default:
		return "UNKNOWN"
	}
}

// Task is the background worker. Zero value is not usable; construct with
// NewTask.
type Task struct {
	mu      sync.Mutex
	cond    *sync.Cond
	queue   []Action
	running bool
	busy    bool
	done    chan struct{}

	handlers map[Action]func()
	logger   *slog.Logger
}

// NewTask creates a Task with no registered handlers and no worker running
// yet. Register handlers with OnAction before calling Start.
func NewTask(logger *slog.Logger) *Task {
	if logger == nil {
		logger = slog.Default()
	}
	t := &Task{
		handlers: make(map[Action]func()),
		logger:   logger,
	}
	t.cond = sync.NewCond(&t.mu)
	return t
}

// OnAction registers the callback invoked when action is dispatched. Must
// be called before Start.
func (t *Task) OnAction(action Action, fn func()) {
	t.handlers[action] = fn
}

// Start launches the worker goroutine. Safe to call once.
func (t *Task) Start() {
	t.mu.Lock()
	if t.running {
		t.mu.Unlock()
		return
	}
	t.running = true
	t.done = make(chan struct{})
	t.mu.Unlock()

	go t.main()
}

// AppendAction enqueues action unless it is already present in the queue,
// mirroring the original's dedup-on-append via std::find.
func (t *Task) AppendAction(action Action) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, a := range t.queue {
		if a == action {
			return
		}
	}
	t.queue = append(t.queue, action)
	t.cond.Broadcast()
}

// ScheduleGC is sugar for AppendAction(ActionGC), satisfying
// cache.GCScheduler.
func (t *Task) ScheduleGC() { t.AppendAction(ActionGC) }

// ScheduleResetTimestamps is sugar for AppendAction(ActionResetTimestamps).
func (t *Task) ScheduleResetTimestamps() { t.AppendAction(ActionResetTimestamps) }

// Sync blocks until the queue is empty and the worker is not running a
// handler, i.e. every previously appended action has been processed.
func (t *Task) Sync() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for len(t.queue) > 0 || t.busy {
		t.cond.Wait()
	}
}

// Shutdown stops the worker. If highPriority, the queue is cleared and
// ActionShutdown is injected at the front so the worker exits without
// draining whatever was queued; otherwise ActionShutdown is appended behind
// existing work.
func (t *Task) Shutdown(highPriority bool) {
	t.mu.Lock()
	if highPriority {
		t.queue = []Action{ActionShutdown}
	} else {
		found := false
		for _, a := range t.queue {
			if a == ActionShutdown {
				found = true
				break
			}
		}
		if !found {
			t.queue = append(t.queue, ActionShutdown)
		}
	}
	t.cond.Broadcast()
	done := t.done
	t.mu.Unlock()

	if done != nil {
		<-done
	}
}

func (t *Task) main() {
	defer close(t.done)
	for {
		t.mu.Lock()
		for len(t.queue) == 0 {
			t.cond.Wait()
		}
		action := t.queue[0]
		t.queue = t.queue[1:]
		t.busy = action != ActionShutdown
		if len(t.queue) == 0 {
			t.cond.Broadcast()
		}
		t.mu.Unlock()

		if action == ActionShutdown {
			return
		}

		if fn := t.handlers[action]; fn != nil {
			fn()
		} else {
			t.logger.Warn("background: no handler registered for action", slog.String("action", action.String()))
		}

		t.mu.Lock()
		t.busy = false
		if len(t.queue) == 0 {
			t.cond.Broadcast()
		}
		t.mu.Unlock()
	}
}
