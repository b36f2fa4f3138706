// Package expiry schedules token expiry callbacks.
//
// Each scheduled entry is a runtime timer (time.AfterFunc). When a timer
// fires, its callback is handed to a fixed-size worker pool, so the number of
// callbacks executing at once is bounded regardless of how many timers are armed.
package expiry

import (
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alitto/pond"

	"github.com/giantswarm/oauth-issuer/instrumentation"
)

const (
	// DefaultQueueSize is the number of fired callbacks that may wait for a worker
	DefaultQueueSize = 10000
)

// ErrStopped is returned when scheduling on a stopped Scheduler.
var ErrStopped = errors.New("expiry scheduler stopped")

const (
	stateArmed int32 = iota
	stateFired
	stateCancelled
)

// Handle identifies one scheduled callback. Exactly one of Cancel or the
// timer firing wins; the loser is a no-op.
type Handle struct {
	state atomic.Int32
	timer *time.Timer
	fn    func()
}

// Armed reports whether the callback is still waiting to fire.
func (h *Handle) Armed() bool {
	return h != nil && h.state.Load() == stateArmed
}

// Config holds scheduler configuration
type Config struct {
	// Workers is the maximum number of callbacks executing concurrently.
	// Default: runtime.NumCPU(), at least 4.
	Workers int

	// QueueSize is the number of fired callbacks buffered while all workers
	// are busy. Timer goroutines block once it is full. Default: 10000.
	QueueSize int

	// Logger is the structured logger (default: slog.Default())
	Logger *slog.Logger
}

// Scheduler runs callbacks after a delay on a bounded worker pool.
type Scheduler struct {
	pool   *pond.WorkerPool
	logger *slog.Logger

	handles sync.Map // *Handle -> struct{}
	armed   atomic.Int64

	stopMu  sync.RWMutex
	stopped bool
}

// New creates a scheduler and starts its worker pool
func New(cfg Config) *Scheduler {
	if cfg.Workers <= 0 {
		cfg.Workers = max(4, runtime.NumCPU())
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	s := &Scheduler{logger: cfg.Logger}
	s.pool = pond.New(cfg.Workers, cfg.QueueSize,
		pond.Strategy(pond.Balanced()),
		pond.PanicHandler(func(p interface{}) {
			s.logger.Error("Expiry callback panicked", "panic", fmt.Sprint(p))
		}),
	)

	s.logger.Debug("Started expiry scheduler",
		"workers", cfg.Workers,
		"queue_size", cfg.QueueSize)

	return s
}

// SetInstrumentation registers the armed timer and running worker gauges
func (s *Scheduler) SetInstrumentation(inst *instrumentation.Instrumentation) {
	if inst == nil {
		return
	}
	err := inst.RegisterExpiryCallbacks(
		s.Armed,
		func() int64 { return int64(s.pool.RunningWorkers()) },
	)
	if err != nil {
		s.logger.Warn("Failed to register expiry callbacks", "error", err)
	}
}

// Schedule arms fn to run once after delay. A non-positive delay fires
// immediately on a worker.
func (s *Scheduler) Schedule(delay time.Duration, fn func()) (*Handle, error) {
	if fn == nil {
		return nil, fmt.Errorf("expiry callback cannot be nil")
	}

	s.stopMu.RLock()
	defer s.stopMu.RUnlock()
	if s.stopped {
		return nil, ErrStopped
	}

	h := &Handle{fn: fn}
	s.handles.Store(h, struct{}{})
	s.armed.Add(1)
	h.timer = time.AfterFunc(delay, func() { s.fire(h) })

	return h, nil
}

// Cancel disarms h. It returns true if the callback had not fired and will
// now never run, false if it already fired or was already cancelled.
func (s *Scheduler) Cancel(h *Handle) bool {
	if h == nil || !h.state.CompareAndSwap(stateArmed, stateCancelled) {
		return false
	}
	h.timer.Stop()
	s.handles.Delete(h)
	s.armed.Add(-1)
	return true
}

func (s *Scheduler) fire(h *Handle) {
	if !h.state.CompareAndSwap(stateArmed, stateFired) {
		return
	}
	s.handles.Delete(h)
	s.armed.Add(-1)

	s.stopMu.RLock()
	defer s.stopMu.RUnlock()
	if s.stopped {
		return
	}
	s.pool.Submit(h.fn)
}

// Armed returns the number of timers waiting to fire
func (s *Scheduler) Armed() int64 {
	return s.armed.Load()
}

// Stop cancels every armed timer and waits for running callbacks to finish.
// Calling Stop more than once is safe.
func (s *Scheduler) Stop() {
	s.stopMu.Lock()
	if s.stopped {
		s.stopMu.Unlock()
		return
	}
	s.stopped = true
	s.stopMu.Unlock()

	cancelled := 0
	s.handles.Range(func(key, _ any) bool {
		if s.Cancel(key.(*Handle)) {
			cancelled++
		}
		return true
	})

	s.pool.StopAndWait()

	s.logger.Debug("Stopped expiry scheduler", "timers_cancelled", cancelled)
}
