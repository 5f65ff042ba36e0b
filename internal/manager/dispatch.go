package manager

import (
	"sync/atomic"
	"time"

	"taskflowd/internal/catalog"
	"taskflowd/internal/reason"
)

// unloadPurgeAge is how old a terminal row must be before the
// self-unload drain deletes it.
const unloadPurgeAge = 30 * 24 * time.Hour

// reply sends res on ev.Reply if the caller asked for one, so
// synchronous callers can block for a result without stalling the
// loop for anyone else.
func reply(ev Event, res EventResult) {
	if ev.Reply != nil {
		ev.Reply <- res
	}
}

func (m *Manager) abort(taskID uint32) {
	if v, ok := m.abortFlags.Load(taskID); ok {
		atomic.StoreInt32(v.(*int32), 1)
	}
}

// ownerDenied enforces the per-command caller check: a non-zero
// caller uid must match the task's owning uid. Zero means a trusted
// internal caller (tests, housekeeping) and skips the check.
func ownerDenied(ev Event, rec catalog.Record) bool {
	return ev.CallerUID != 0 && ev.CallerUID != rec.UID
}

func (m *Manager) handleService(ev Event) {
	switch ev.ServiceCmd {
	case CmdCreate:
		rec := ev.NewTask
		rec.State = reason.StateInitialized
		now := time.Now().UnixMilli()
		rec.CTime, rec.MTime = now, now
		if err := m.cat.Insert(rec); err != nil {
			reply(ev, EventResult{Err: reason.ErrOther})
			return
		}
		reply(ev, EventResult{Err: reason.ErrOk})

	case CmdStart:
		rec, err := m.cat.GetInfo(ev.TaskID)
		if err != nil {
			reply(ev, EventResult{Err: reason.ErrTaskNotFound})
			return
		}
		if ownerDenied(ev, rec) {
			reply(ev, EventResult{Err: reason.ErrPermission})
			return
		}
		if rec.State.Terminal() || rec.State == reason.StateRunning || rec.State == reason.StateRetrying {
			reply(ev, EventResult{Err: reason.ErrTaskStateErr})
			return
		}
		_ = m.cat.UpdateState(ev.TaskID, reason.StateWaiting, reason.ReasonRunningTaskLimits)
		m.pendingReschedule = true
		reply(ev, EventResult{Err: reason.ErrOk})

	case CmdPause:
		rec, err := m.cat.GetInfo(ev.TaskID)
		if err != nil {
			reply(ev, EventResult{Err: reason.ErrTaskNotFound})
			return
		}
		if ownerDenied(ev, rec) {
			reply(ev, EventResult{Err: reason.ErrPermission})
			return
		}
		if rec.State != reason.StateRunning && rec.State != reason.StateRetrying && rec.State != reason.StateWaiting {
			reply(ev, EventResult{Err: reason.ErrTaskStateErr})
			return
		}
		m.abort(ev.TaskID)
		_ = m.cat.UpdateState(ev.TaskID, reason.StatePaused, reason.ReasonDefault)
		reply(ev, EventResult{Err: reason.ErrOk})

	case CmdResume:
		rec, err := m.cat.GetInfo(ev.TaskID)
		if err != nil {
			reply(ev, EventResult{Err: reason.ErrTaskNotFound})
			return
		}
		if ownerDenied(ev, rec) {
			reply(ev, EventResult{Err: reason.ErrPermission})
			return
		}
		if rec.State != reason.StatePaused {
			reply(ev, EventResult{Err: reason.ErrTaskStateErr})
			return
		}
		_ = m.cat.UpdateState(ev.TaskID, reason.StateWaiting, reason.ReasonRunningTaskLimits)
		m.pendingReschedule = true
		reply(ev, EventResult{Err: reason.ErrOk})

	case CmdStop:
		rec, err := m.cat.GetInfo(ev.TaskID)
		if err != nil {
			reply(ev, EventResult{Err: reason.ErrTaskNotFound})
			return
		}
		if ownerDenied(ev, rec) {
			reply(ev, EventResult{Err: reason.ErrPermission})
			return
		}
		m.abort(ev.TaskID)
		_ = m.cat.UpdateState(ev.TaskID, reason.StateStopped, reason.ReasonDefault)
		reply(ev, EventResult{Err: reason.ErrOk})

	case CmdRemove:
		rec, err := m.cat.GetInfo(ev.TaskID)
		if err != nil {
			reply(ev, EventResult{Err: reason.ErrTaskNotFound})
			return
		}
		if ownerDenied(ev, rec) {
			reply(ev, EventResult{Err: reason.ErrPermission})
			return
		}
		m.abort(ev.TaskID)
		_ = m.cat.UpdateState(ev.TaskID, reason.StateRemoved, reason.ReasonDefault)
		reply(ev, EventResult{Err: reason.ErrOk})

	case CmdSetMaxSpeed:
		rec, err := m.cat.GetInfo(ev.TaskID)
		if err != nil {
			reply(ev, EventResult{Err: reason.ErrTaskNotFound})
			return
		}
		if ownerDenied(ev, rec) {
			reply(ev, EventResult{Err: reason.ErrPermission})
			return
		}
		if err := m.cat.UpdateMaxSpeed(ev.TaskID, ev.Speed); err != nil {
			reply(ev, EventResult{Err: reason.ErrOther})
			return
		}
		reply(ev, EventResult{Err: reason.ErrOk})

	case CmdSetMode:
		rec, err := m.cat.GetInfo(ev.TaskID)
		if err != nil {
			reply(ev, EventResult{Err: reason.ErrTaskNotFound})
			return
		}
		if ownerDenied(ev, rec) {
			reply(ev, EventResult{Err: reason.ErrPermission})
			return
		}
		if err := m.cat.UpdateMode(ev.TaskID, ev.NewMode); err != nil {
			reply(ev, EventResult{Err: reason.ErrOther})
			return
		}
		m.pendingReschedule = true
		reply(ev, EventResult{Err: reason.ErrOk})

	case CmdDumpAll:
		recs, err := m.cat.DumpAll()
		if err != nil {
			reply(ev, EventResult{Err: reason.ErrOther})
			return
		}
		reply(ev, EventResult{Err: reason.ErrOk, Infos: recs})

	case CmdDumpOne, CmdShowProgress:
		rec, err := m.cat.GetInfo(ev.TaskID)
		if err != nil {
			reply(ev, EventResult{Err: reason.ErrTaskNotFound})
			return
		}
		reply(ev, EventResult{Err: reason.ErrOk, Info: &rec})

	case CmdAttachGroup:
		if err := m.cat.AttachGroup(ev.GroupCfg, ev.TaskIDs); err != nil {
			reply(ev, EventResult{Err: reason.ErrOther})
			return
		}
		if m.notify != nil {
			m.notify.AttachGroup(ev.GroupCfg, ev.TaskIDs)
		}
		reply(ev, EventResult{Err: reason.ErrOk})

	case CmdSubscribe:
		// The task's stored token must match the subscriber's caller
		// token.
		rec, err := m.cat.GetInfo(ev.TaskID)
		if err != nil {
			reply(ev, EventResult{Err: reason.ErrTaskNotFound})
			return
		}
		if rec.TokenID != ev.CallerToken {
			reply(ev, EventResult{Err: reason.ErrPermission})
			return
		}
		if m.pub == nil {
			reply(ev, EventResult{Err: reason.ErrSystemApi})
			return
		}
		if err := m.pub.Attach(ev.CallerPID, ev.CallerToken, ev.SockPath); err != nil {
			m.log.Error("subscriber attach failed", "pid", ev.CallerPID, "err", err)
			reply(ev, EventResult{Err: reason.ErrSystemApi})
			return
		}
		reply(ev, EventResult{Err: reason.ErrOk})

	case CmdUnsubscribe:
		if m.pub != nil {
			m.pub.Detach(ev.CallerPID)
		}
		reply(ev, EventResult{Err: reason.ErrOk})
	}
}

func (m *Manager) handleQuery(ev Event) {
	rec, err := m.cat.GetInfo(ev.TaskID)
	if err != nil {
		reply(ev, EventResult{Err: reason.ErrTaskNotFound})
		return
	}

	switch ev.Query {
	case QueryShow:
		if ownerDenied(ev, rec) {
			reply(ev, EventResult{Err: reason.ErrPermission})
			return
		}
	case QueryGet:
		// The privileged cross-app read carries an action permission:
		// a caller holding only the download-query permission cannot
		// read upload tasks, and vice versa.
		if ev.QueryAction != "" && rec.Action != ev.QueryAction {
			reply(ev, EventResult{Err: reason.ErrPermission})
			return
		}
	case QueryTouch:
		if rec.TokenID != ev.CallerToken {
			reply(ev, EventResult{Err: reason.ErrPermission})
			return
		}
	}
	reply(ev, EventResult{Err: reason.ErrOk, Info: &rec})
}

// handleSchedule runs the housekeeping passes: clearing stalled
// timeout tasks, restoring every Waiting or Paused task to the queue
// shortly after process start, and the self-unload check.
func (m *Manager) handleSchedule(kind ScheduleKind) {
	switch kind {
	case ScheduleClearTimeoutTasks:
		active, err := m.cat.ActiveTasks()
		if err != nil {
			m.log.Error("clear timeout tasks scan failed", "err", err)
			return
		}
		for _, r := range active {
			// TaskTime/RestTime are only meaningful once an attempt
			// has charged time against them; a task that never ran
			// still has both at zero and must not be touched.
			timedOut := r.Timeout.TotalSec > 0 && r.TaskTime >= r.Timeout.TotalSec*1000
			exhausted := r.TaskTime > 0 && r.RestTime <= 0
			if timedOut || exhausted {
				_ = m.cat.UpdateState(r.TaskID, reason.StateFailed, reason.ReasonContinuousTaskTimeout)
			}
		}
	case ScheduleRestoreAllTasks:
		m.restoreOnce.Do(func() {
			m.restoreAll()
		})
	case ScheduleUnload:
		m.tryUnload()
	case ScheduleShutdown:
		if m.unload != nil {
			m.unload()
		}
	}
}

// tryUnload performs the self-unload check: only when no task is
// running and the inbound queue is empty does it drain old terminal
// rows (up to 10 batches of 1000), clear group-notification caches,
// and ask the ambient process manager to unload the service. Any
// non-zero condition aborts the unload.
func (m *Manager) tryUnload() {
	if len(m.running) != 0 || len(m.events) != 0 {
		return
	}

	cutoff := time.Now().Add(-unloadPurgeAge).UnixMilli()
	for i := 0; i < 10; i++ {
		n, err := m.cat.PurgeOldTerminal(cutoff, 1000)
		if err != nil {
			m.log.Error("unload purge failed", "err", err)
			break
		}
		if n < 1000 {
			break
		}
	}
	if m.notify != nil {
		m.notify.Clear()
	}
	if m.unload != nil {
		m.unload()
	}
}

// restoreAll re-queues every task left in a re-runnable state
// (Waiting or Paused) from a prior run (a clean restart, as opposed
// to the StartupRepair crash-repair pass the catalog runs on Open) so
// they compete for admission again; the state handler's recompute
// re-marks any that are still blocked.
func (m *Manager) restoreAll() {
	active, err := m.cat.ActiveTasks()
	if err != nil {
		m.log.Error("restore all tasks scan failed", "err", err)
		return
	}
	for _, r := range active {
		if r.State == reason.StateWaiting || r.State == reason.StatePaused {
			_ = m.cat.UpdateState(r.TaskID, reason.StateWaiting, reason.ReasonRunningTaskLimits)
		}
	}
	m.Submit(Event{Kind: KindReschedule})
}
