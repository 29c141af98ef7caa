// Package scheduler wires the teacher's background-task collaborators
// (creachadair/taskgroup for bounded fan-out, creachadair/scheddle for
// deferred execution) into the two primitives the core state
// machine needs: "schedule a deferred task for the next event turn"
// (§4.4) and "run a fan-out-then-join pass across every Target" (§4.5).
//
// It is internal because it is wiring, not part of the library's public
// surface: callers configure behaviour through snarfetch.Options, not
// through this package directly.
package scheduler

import (
	"context"
	"runtime"

	"github.com/creachadair/scheddle"
	"github.com/creachadair/taskgroup"
)

// Scheduler defers single tasks to the next turn and fans bounded work out
// across a worker pool. It has no periodic or interval-driven execution.
type Scheduler struct {
	deferred *scheddle.Queue
	pool     *taskgroup.Group
	start    func(taskgroup.Task)
}

// New returns a Scheduler with a worker pool sized to the host, matching
// the teacher's own Server.init: "nt := runtime.NumCPU(); s.tasks, s.start =
// taskgroup.New(nil).Limit(nt)".
func New() *Scheduler {
	pool, start := taskgroup.New(nil).Limit(runtime.NumCPU())
	return &Scheduler{
		deferred: scheddle.NewQueue(nil),
		pool:     pool,
		start:    start,
	}
}

// Defer schedules fn to run on a later event-loop turn, per §4.4's "schedule
// a deferred task (next event turn)" after a cacheable insertion.
func (s *Scheduler) Defer(fn func(ctx context.Context)) {
	s.deferred.After(0, scheddle.Task(fn))
}

// RunAll fans fns out across the worker pool and waits for all of them to
// finish, returning the first error (if any). This backs §4.5 step 1-2:
// "For each Target T... start T.gc(...)... wait for all to complete."
func (s *Scheduler) RunAll(fns []func() error) error {
	for _, fn := range fns {
		s.start(fn)
	}
	return s.pool.Wait()
}

// Close stops the deferred-task queue. Safe to call once during shutdown.
func (s *Scheduler) Close() {
	s.deferred.Close()
}
