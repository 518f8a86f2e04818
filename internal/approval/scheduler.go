package approval

import (
	"sort"
	"sync"
	"time"
)

// Task is a scheduled callback that can be cancelled.
type Task interface {
	// Stop cancels the task. It returns false when the task already ran or
	// was already stopped.
	Stop() bool
}

// Scheduler runs callbacks after a delay.
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Task
}

// TimerScheduler schedules with time.AfterFunc.
type TimerScheduler struct{}

// AfterFunc implements Scheduler.
func (TimerScheduler) AfterFunc(d time.Duration, f func()) Task {
	return time.AfterFunc(d, f)
}

// ManualScheduler runs callbacks only when Advance moves its clock past
// their due time. Callbacks run on the goroutine calling Advance.
type ManualScheduler struct {
	mu    sync.Mutex
	now   time.Duration
	seq   int
	tasks []*manualTask
}

type manualTask struct {
	s       *ManualScheduler
	due     time.Duration
	seq     int
	f       func()
	stopped bool
	ran     bool
}

func (t *manualTask) Stop() bool {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if t.stopped || t.ran {
		return false
	}
	t.stopped = true
	return true
}

// NewManualScheduler creates a scheduler whose clock starts at zero.
func NewManualScheduler() *ManualScheduler {
	return &ManualScheduler{}
}

// AfterFunc implements Scheduler.
func (s *ManualScheduler) AfterFunc(d time.Duration, f func()) Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	t := &manualTask{s: s, due: s.now + d, seq: s.seq, f: f}
	s.tasks = append(s.tasks, t)
	return t
}

// Advance moves the clock forward by d and runs every task that became due,
// in due order. Tasks scheduled by a running callback run in the same call
// when they fall within the window.
func (s *ManualScheduler) Advance(d time.Duration) {
	s.mu.Lock()
	target := s.now + d
	s.mu.Unlock()

	for {
		s.mu.Lock()
		next := s.nextDue(target)
		if next == nil {
			s.now = target
			s.mu.Unlock()
			return
		}
		s.now = next.due
		next.ran = true
		s.mu.Unlock()
		next.f()
	}
}

// nextDue returns the earliest pending task due at or before target and
// drops finished tasks. Caller holds s.mu.
func (s *ManualScheduler) nextDue(target time.Duration) *manualTask {
	pending := s.tasks[:0]
	for _, t := range s.tasks {
		if !t.stopped && !t.ran {
			pending = append(pending, t)
		}
	}
	s.tasks = pending
	sort.Slice(s.tasks, func(i, j int) bool {
		if s.tasks[i].due != s.tasks[j].due {
			return s.tasks[i].due < s.tasks[j].due
		}
		return s.tasks[i].seq < s.tasks[j].seq
	})
	if len(s.tasks) == 0 || s.tasks[0].due > target {
		return nil
	}
	return s.tasks[0]
}

// Pending returns the number of tasks still waiting to run.
func (s *ManualScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.tasks {
		if !t.stopped && !t.ran {
			n++
		}
	}
	return n
}
