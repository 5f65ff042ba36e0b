// Package qos implements the cross-app admission scheduler: a per-app
// container/heap priority queue plus a (global, per-app) admission
// budget derived from the current resource-scheduling level.
package qos

import (
	"sort"
	"sync"

	"taskflowd/internal/reason"
	"taskflowd/internal/statehandler"
)

// Budgets bounds how many tasks may be admitted to Running at once.
type Budgets struct {
	Global int
	PerApp int
}

// budgetsForLevel maps resource-scheduling levels onto concurrency
// caps.
func budgetsForLevel(level statehandler.ResourceLevel) Budgets {
	switch level {
	case statehandler.LevelLow:
		return Budgets{Global: 2, PerApp: 1}
	case statehandler.LevelHigh:
		return Budgets{Global: 16, PerApp: 6}
	default:
		return Budgets{Global: 8, PerApp: 3}
	}
}

// Scheduler holds the in-memory admission queues. It never touches
// the catalog directly; the task manager calls Enqueue/Dequeue as
// task state changes and applies what Reschedule() admits by
// transitioning those rows to Running itself, keeping the catalog the
// single writer of durable state.
type Scheduler struct {
	mu sync.Mutex

	queues       map[uint64]*appQueue
	runningByApp map[uint64]int
	runningTotal int
	budgets      Budgets

	pending bool // coalesces Enqueue/Dequeue/Release bursts behind one flag
}

// New constructs a Scheduler at the default (medium) resource level.
func New() *Scheduler {
	return &Scheduler{
		queues:       make(map[uint64]*appQueue),
		runningByApp: make(map[uint64]int),
		budgets:      budgetsForLevel(statehandler.LevelMedium),
	}
}

// SetLevel recomputes admission budgets for a new resource-scheduling
// level; it does not itself admit anything, so callers still need to
// invoke Reschedule.
func (s *Scheduler) SetLevel(level statehandler.ResourceLevel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.budgets = budgetsForLevel(level)
}

// Enqueue adds or updates a task's place in its app's queue. Called
// whenever a task enters Waiting+RunningTaskMeetLimits (i.e. it is
// actively competing for a slot).
func (s *Scheduler) Enqueue(uid uint64, taskID uint32, mode reason.Mode, priority uint32, order uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.queues[uid]
	if !ok {
		q = newAppQueue()
		s.queues[uid] = q
	}
	q.upsert(&entry{taskID: taskID, mode: mode, priority: priority, order: order})
	s.pending = true
}

// Dequeue removes a task from consideration: it left Waiting (either
// admitted to Running, or moved to a blocked-Waiting reason, or
// reached a terminal state).
func (s *Scheduler) Dequeue(uid uint64, taskID uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if q, ok := s.queues[uid]; ok {
		q.remove(taskID)
		if len(q.index) == 0 {
			delete(s.queues, uid)
		}
	}
}

// Release frees one admission slot for uid, called when a Running
// task leaves that state (completes, fails, pauses, or is re-blocked).
func (s *Scheduler) Release(uid uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.runningByApp[uid] > 0 {
		s.runningByApp[uid]--
		if s.runningByApp[uid] == 0 {
			delete(s.runningByApp, uid)
		}
	}
	if s.runningTotal > 0 {
		s.runningTotal--
	}
	s.pending = true
}

// HasPending reports whether a change occurred since the last
// Reschedule, letting the Task Manager coalesce a burst of
// Enqueue/Dequeue/Release calls into a single Reschedule pass.
func (s *Scheduler) HasPending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending
}

// Reschedule is the sole mutating admission entry point: idempotent,
// safe to call with nothing pending (returns nil). It
// admits tasks round-robin across apps, highest local priority first
// within each app, until the global or a per-app budget is exhausted.
func (s *Scheduler) Reschedule() []AdmittedTask {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pending = false
	if s.runningTotal >= s.budgets.Global || len(s.queues) == 0 {
		return nil
	}

	uids := make([]uint64, 0, len(s.queues))
	for uid := range s.queues {
		uids = append(uids, uid)
	}
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })

	var admitted []AdmittedTask
	progress := true
	for progress && s.runningTotal < s.budgets.Global {
		progress = false
		for _, uid := range uids {
			if s.runningTotal >= s.budgets.Global {
				break
			}
			if s.runningByApp[uid] >= s.budgets.PerApp {
				continue
			}
			q, ok := s.queues[uid]
			if !ok || len(q.index) == 0 {
				continue
			}
			order := q.ordered()
			if len(order) == 0 {
				continue
			}
			taskID := order[0]
			q.remove(taskID)
			if len(q.index) == 0 {
				delete(s.queues, uid)
			}
			s.runningByApp[uid]++
			s.runningTotal++
			admitted = append(admitted, AdmittedTask{UID: uid, TaskID: taskID})
			progress = true
		}
	}
	return admitted
}

// AdmittedTask names one task the scheduler just granted a slot to;
// the caller is responsible for transitioning it to Running in the
// catalog and starting its transfer.
type AdmittedTask struct {
	UID    uint64
	TaskID uint32
}
