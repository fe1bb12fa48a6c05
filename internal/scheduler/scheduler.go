// Package scheduler runs timer-driven tasks: fixed-rate, fixed-delay and
// one-shot. Every task has its own goroutine, so a slow or panicking task
// never delays the others.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/mojo333/udp-repeater/internal/logger"
)

// maxLag is how far a fixed-rate task may fall behind before it drops the
// missed ticks and re-synchronizes to the clock.
const maxLag = time.Second

// ErrShutdown is returned when scheduling on a scheduler that has been shut
// down.
var ErrShutdown = errors.New("scheduler: shut down")

type kind int

const (
	oneShot kind = iota
	fixedRate
	fixedDelay
)

// Handle controls one scheduled task.
type Handle struct {
	id     uint64
	cancel context.CancelFunc
	done   chan struct{}
	runs   uint64
	skips  uint64
	mu     sync.Mutex
	parent *Scheduler
}

// Cancel stops the task and waits for an in-flight execution to return.
// It must not be called from inside the task itself.
func (h *Handle) Cancel() {
	if h == nil {
		return
	}
	h.cancel()
	<-h.done
	h.parent.forget(h.id)
}

// Done is closed once the task goroutine has exited.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Runs returns how many times the task has executed.
func (h *Handle) Runs() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.runs
}

// Skipped returns how many fixed-rate ticks were dropped while
// re-synchronizing after the task fell behind.
func (h *Handle) Skipped() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.skips
}

// Scheduler owns a set of running tasks.
type Scheduler struct {
	log *logger.Logger

	mu     sync.Mutex
	nextID uint64
	tasks  map[uint64]*Handle
	closed bool
}

// New returns an empty scheduler.
func New(log *logger.Logger) *Scheduler {
	if log == nil {
		log = logger.Discard()
	}
	return &Scheduler{
		log:   log,
		tasks: make(map[uint64]*Handle),
	}
}

// ScheduleAtFixedRate runs task after initialDelay and then every period,
// measured from the first start so execution time does not accumulate drift.
func (s *Scheduler) ScheduleAtFixedRate(task func(), initialDelay, period time.Duration) (*Handle, error) {
	if period <= 0 {
		return nil, errors.New("scheduler: non-positive period")
	}
	return s.start(task, fixedRate, initialDelay, period)
}

// ScheduleWithFixedDelay runs task after initialDelay and then waits delay
// between the end of one execution and the start of the next.
func (s *Scheduler) ScheduleWithFixedDelay(task func(), initialDelay, delay time.Duration) (*Handle, error) {
	if delay <= 0 {
		return nil, errors.New("scheduler: non-positive delay")
	}
	return s.start(task, fixedDelay, initialDelay, delay)
}

// Schedule runs task once after delay.
func (s *Scheduler) Schedule(task func(), delay time.Duration) (*Handle, error) {
	return s.start(task, oneShot, delay, 0)
}

// Cancel is shorthand for h.Cancel().
func (s *Scheduler) Cancel(h *Handle) { h.Cancel() }

// Len returns the number of live tasks.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// Shutdown cancels every outstanding task and waits for them to exit.
// Later Schedule calls fail with ErrShutdown.
func (s *Scheduler) Shutdown() {
	s.mu.Lock()
	s.closed = true
	handles := make([]*Handle, 0, len(s.tasks))
	for _, h := range s.tasks {
		handles = append(handles, h)
	}
	s.mu.Unlock()

	for _, h := range handles {
		h.Cancel()
	}
}

func (s *Scheduler) start(task func(), k kind, initialDelay, period time.Duration) (*Handle, error) {
	if task == nil {
		return nil, errors.New("scheduler: nil task")
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrShutdown
	}
	s.nextID++
	ctx, cancel := context.WithCancel(context.Background())
	h := &Handle{
		id:     s.nextID,
		cancel: cancel,
		done:   make(chan struct{}),
		parent: s,
	}
	s.tasks[h.id] = h
	s.mu.Unlock()

	go s.run(ctx, h, task, k, initialDelay, period)
	return h, nil
}

func (s *Scheduler) forget(id uint64) {
	s.mu.Lock()
	delete(s.tasks, id)
	s.mu.Unlock()
}

func (s *Scheduler) run(ctx context.Context, h *Handle, task func(), k kind, initialDelay, period time.Duration) {
	defer close(h.done)

	timer := time.NewTimer(max(initialDelay, 0))
	defer timer.Stop()

	next := time.Now().Add(initialDelay)
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		// cancellation wins over a timer that fired at the same time
		if ctx.Err() != nil {
			return
		}

		s.invoke(h, task)

		var wait time.Duration
		switch k {
		case oneShot:
			s.forget(h.id)
			return
		case fixedDelay:
			wait = period
		case fixedRate:
			next = next.Add(period)
			now := time.Now()
			if lag := now.Sub(next); lag > maxLag {
				missed := uint64(lag / period)
				next = next.Add(time.Duration(missed) * period)
				h.mu.Lock()
				h.skips += missed
				h.mu.Unlock()
			}
			wait = next.Sub(now)
		}
		timer.Reset(max(wait, 0))
	}
}

func (s *Scheduler) invoke(h *Handle, task func()) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("Scheduled task %d panicked: %v", h.id, r)
		}
	}()
	task()
	h.mu.Lock()
	h.runs++
	h.mu.Unlock()
}
