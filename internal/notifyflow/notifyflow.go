// Package notifyflow aggregates per-task progress into group
// notifications: rate-limited notification-bar updates plus an
// attach_able-gated terminal summary, with group state purged once
// every member task has finished.
package notifyflow

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"taskflowd/internal/catalog"
	"taskflowd/internal/reason"
)

// Sink renders a notification-bar update; an interface so tests can
// assert on calls without a real OS notification backend.
type Sink interface {
	ShowProgress(groupID string, g GroupProgress)
	ShowTerminal(groupID string, g GroupProgress)
}

// GroupProgress aggregates every member task of a notification group.
type GroupProgress struct {
	GroupID    string
	Title      string
	AttachAble bool
	Total      int
	Successful int
	Failed     int
}

// IsFinish reports whether every member task has reached a terminal
// outcome.
func (g GroupProgress) IsFinish() bool { return g.Successful+g.Failed == g.Total }

// groupState tracks one group's live member tally between progress
// ticks, purged once IsFinish() is true and its terminal notification
// has been shown.
type groupState struct {
	cfg     catalog.GroupNotificationConfig
	members map[uint32]bool // taskID -> true once terminal
	success map[uint32]bool
	limiter *rate.Limiter
}

// Flow owns all live group aggregation state.
type Flow struct {
	mu     sync.Mutex
	groups map[string]*groupState
	taskGroup map[uint32]string
	sink   Sink
	interval time.Duration
}

// New constructs a Flow. interval is the minimum gap between progress
// notifications for the same group (500ms in production, 1ms in
// tests).
func New(sink Sink, interval time.Duration) *Flow {
	return &Flow{
		groups:    make(map[string]*groupState),
		taskGroup: make(map[uint32]string),
		sink:      sink,
		interval:  interval,
	}
}

// Register associates taskID with groupID so subsequent OnProgress/
// OnTerminal calls know which group to aggregate into; a task with no
// group membership is simply never registered and those calls become
// no-ops for it.
func (f *Flow) Register(taskID uint32, cfg catalog.GroupNotificationConfig, total int) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.taskGroup[taskID] = cfg.GroupID
	g, ok := f.groups[cfg.GroupID]
	if !ok {
		g = &groupState{
			cfg:     cfg,
			members: make(map[uint32]bool),
			success: make(map[uint32]bool),
			limiter: rate.NewLimiter(rate.Every(f.interval), 1),
		}
		f.groups[cfg.GroupID] = g
	}
	g.members[taskID] = false
	_ = total
}

// AttachGroup registers every task in taskIDs under cfg's group (the
// AttachGroup service command).
func (f *Flow) AttachGroup(cfg catalog.GroupNotificationConfig, taskIDs []uint32) {
	for _, id := range taskIDs {
		f.Register(id, cfg, len(taskIDs))
	}
}

// Clear drops all live group aggregation state; the Task Manager calls
// this during self-unload.
func (f *Flow) Clear() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.groups = make(map[string]*groupState)
	f.taskGroup = make(map[uint32]string)
}

// OnProgress reports a non-terminal progress tick for taskID; it
// notifies the sink only when the group's rate limiter allows it.
func (f *Flow) OnProgress(taskID uint32, _ catalog.Progress) {
	f.mu.Lock()
	groupID, ok := f.taskGroup[taskID]
	if !ok {
		f.mu.Unlock()
		return
	}
	g := f.groups[groupID]
	f.mu.Unlock()
	if g == nil || !g.limiter.Allow() {
		return
	}
	if f.sink != nil {
		f.sink.ShowProgress(groupID, f.snapshot(groupID))
	}
}

// OnTerminal reports taskID reaching a terminal state; once every
// member of its group has done so, it shows the terminal summary
// (gated on attach_able) and purges the group.
func (f *Flow) OnTerminal(taskID uint32, s reason.State) {
	f.mu.Lock()
	groupID, ok := f.taskGroup[taskID]
	if !ok {
		f.mu.Unlock()
		return
	}
	g, ok := f.groups[groupID]
	if !ok {
		f.mu.Unlock()
		return
	}
	g.members[taskID] = true
	if s == reason.StateCompleted {
		g.success[taskID] = true
	}

	finished := true
	for _, done := range g.members {
		if !done {
			finished = false
			break
		}
	}

	var snap GroupProgress
	if finished {
		snap = f.snapshotLocked(groupID, g)
		delete(f.groups, groupID)
		for tid, gid := range f.taskGroup {
			if gid == groupID {
				delete(f.taskGroup, tid)
			}
		}
	}
	f.mu.Unlock()

	if finished && f.sink != nil && g.cfg.AttachAble {
		f.sink.ShowTerminal(groupID, snap)
	}
}

func (f *Flow) snapshot(groupID string) GroupProgress {
	f.mu.Lock()
	defer f.mu.Unlock()
	g, ok := f.groups[groupID]
	if !ok {
		return GroupProgress{GroupID: groupID}
	}
	return f.snapshotLocked(groupID, g)
}

func (f *Flow) snapshotLocked(groupID string, g *groupState) GroupProgress {
	out := GroupProgress{GroupID: groupID, Title: g.cfg.Title, AttachAble: g.cfg.AttachAble, Total: len(g.members)}
	for taskID, done := range g.members {
		if !done {
			continue
		}
		if g.success[taskID] {
			out.Successful++
		} else {
			out.Failed++
		}
	}
	return out
}
