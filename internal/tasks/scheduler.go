package tasks

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/mesh-intelligence/checklist/internal/clock"
	"github.com/mesh-intelligence/checklist/pkg/types"
)

// Archiver archives a task. *Gateway implements it.
type Archiver interface {
	Archive(ctx context.Context, id string) error
}

// pending is the cancellation token of one armed timer. A fired timer acts
// only while its token is still the one recorded for its id.
type pending struct {
	timer *clock.Timer
}

// Scheduler archives completed tasks after a grace period. Each id is idle
// or pending-archive; at most one timer per id is ever live.
type Scheduler struct {
	archiver Archiver
	delay    time.Duration
	clock    clock.Clock
	logger   *slog.Logger

	mu      sync.Mutex
	timers  map[string]*pending
	firing  int
	stopped bool
	changed chan struct{}

	// completed holds the last completed value seen per id and floor the
	// snapshot sequence of the last local toggle, below which observed
	// snapshots are stale for that id.
	completed map[string]bool
	floor     map[string]uint64
}

// NewScheduler returns a scheduler that archives through archiver delay
// after completion.
func NewScheduler(archiver Archiver, delay time.Duration, clk clock.Clock, logger *slog.Logger) *Scheduler {
	if delay <= 0 {
		delay = types.DefaultArchiveDelay
	}
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		archiver:  archiver,
		delay:     delay,
		clock:     clk,
		logger:    logger,
		timers:    make(map[string]*pending),
		changed:   make(chan struct{}),
		completed: make(map[string]bool),
		floor:     make(map[string]uint64),
	}
}

// Arm starts the grace period for id, replacing any pending timer.
func (s *Scheduler) Arm(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.armLocked(id)
}

func (s *Scheduler) armLocked(id string) {
	if s.stopped {
		return
	}
	if p, ok := s.timers[id]; ok {
		p.timer.Stop()
	}
	p := &pending{}
	s.timers[id] = p
	p.timer = s.clock.AfterFunc(s.delay, func() { s.fire(id, p) })
	s.notifyLocked()
}

// Disarm cancels the pending timer for id, if any. Safe to call for ids
// that are idle or whose timer already fired.
func (s *Scheduler) Disarm(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disarmLocked(id)
}

func (s *Scheduler) disarmLocked(id string) {
	p, ok := s.timers[id]
	if !ok {
		return
	}
	p.timer.Stop()
	delete(s.timers, id)
	s.notifyLocked()
}

// Toggled records a local completion change committed at snapshot seq and
// arms or disarms accordingly. Snapshots older than seq no longer drive id.
func (s *Scheduler) Toggled(id string, completed bool, seq uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if seq > s.floor[id] {
		s.floor[id] = seq
	}
	s.completed[id] = completed
	if completed {
		s.armLocked(id)
	} else {
		s.disarmLocked(id)
	}
}

// Observe feeds a snapshot of tasks taken at seq. A task seen turning
// completed, or seen completed for the first time, is armed unless a timer
// is already pending; a task seen turning not completed is disarmed.
// Archived tasks are dropped from tracking. Titles are ignored.
func (s *Scheduler) Observe(seq uint64, tasks []types.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range tasks {
		if seq < s.floor[t.ID] {
			continue
		}
		if t.IsArchived {
			s.disarmLocked(t.ID)
			delete(s.completed, t.ID)
			continue
		}

		prev, known := s.completed[t.ID]
		s.completed[t.ID] = t.Completed
		switch {
		case t.Completed && (!known || !prev):
			if _, ok := s.timers[t.ID]; !ok {
				s.armLocked(t.ID)
			}
		case !t.Completed && known && prev:
			s.disarmLocked(t.ID)
		}
	}
}

func (s *Scheduler) fire(id string, p *pending) {
	s.mu.Lock()
	if s.timers[id] != p {
		s.mu.Unlock()
		return
	}
	delete(s.timers, id)
	s.firing++
	s.mu.Unlock()

	if err := s.archiver.Archive(context.Background(), id); err != nil {
		s.logger.Warn("archiving task", "id", id, "error", err)
	} else {
		s.logger.Debug("task archived", "id", id)
	}

	s.mu.Lock()
	s.firing--
	s.notifyLocked()
	s.mu.Unlock()
}

// Pending reports whether id has a live timer.
func (s *Scheduler) Pending(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.timers[id]
	return ok
}

// Live returns the number of live timers.
func (s *Scheduler) Live() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Wait blocks until no timer is pending and no archive is in flight.
func (s *Scheduler) Wait(ctx context.Context) error {
	for {
		s.mu.Lock()
		if len(s.timers) == 0 && s.firing == 0 {
			s.mu.Unlock()
			return nil
		}
		ch := s.changed
		s.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Stop cancels every timer. Later arms are ignored. Idempotent.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopped = true
	for id, p := range s.timers {
		p.timer.Stop()
		delete(s.timers, id)
	}
	s.notifyLocked()
}

// notifyLocked wakes every Wait call.
func (s *Scheduler) notifyLocked() {
	close(s.changed)
	s.changed = make(chan struct{})
}
