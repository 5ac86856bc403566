// Package sweeper runs the periodic expiry sweeps of the in-memory stores.
package sweeper

import (
	"log/slog"
	"sync"
	"time"
)

// Func removes expired entries and returns how many were removed.
type Func func() (int, error)

type task struct {
	name     string
	interval time.Duration
	fn       Func
}

// Scheduler owns one ticker per registered sweep. Tasks are added before
// Start; Stop waits for running sweeps to return.
type Scheduler struct {
	logger *slog.Logger

	mu      sync.Mutex
	tasks   []task
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New creates an empty scheduler.
func New(logger *slog.Logger) *Scheduler {
	return &Scheduler{logger: logger}
}

// Add registers fn to run every interval. A non-positive interval disables
// the task.
func (s *Scheduler) Add(name string, interval time.Duration, fn Func) {
	if interval <= 0 {
		s.logger.Debug("Sweep disabled", "task", name)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = append(s.tasks, task{name: name, interval: interval, fn: fn})
}

// Tasks returns the registered task names.
func (s *Scheduler) Tasks() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, len(s.tasks))
	for i, t := range s.tasks {
		names[i] = t.name
	}
	return names
}

// Start launches the sweep loops. It returns immediately.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	for _, t := range s.tasks {
		s.wg.Add(1)
		go s.loop(t, s.stopCh)
	}
	s.logger.Debug("Sweeper started", "tasks", len(s.tasks))
}

// Stop ends all loops and waits for them.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Debug("Sweeper stopped")
}

// RunNow runs every task once, synchronously.
func (s *Scheduler) RunNow() {
	s.mu.Lock()
	tasks := append([]task(nil), s.tasks...)
	s.mu.Unlock()
	for _, t := range tasks {
		s.run(t)
	}
}

func (s *Scheduler) loop(t task, stop <-chan struct{}) {
	defer s.wg.Done()

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.run(t)
		}
	}
}

func (s *Scheduler) run(t task) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Sweep panicked", "task", t.name, "panic", r)
		}
	}()

	n, err := t.fn()
	if err != nil {
		s.logger.Warn("Sweep failed", "task", t.name, "error", err)
		return
	}
	if n > 0 {
		s.logger.Debug("Swept expired entries", "task", t.name, "removed", n)
	}
}

// Count adapts a sweep that cannot fail.
func Count(fn func() int) Func {
	return func() (int, error) {
		return fn(), nil
	}
}
