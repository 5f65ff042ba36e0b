package manager

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"taskflowd/internal/catalog"
	"taskflowd/internal/qos"
	"taskflowd/internal/reason"
	"taskflowd/internal/statehandler"
	"taskflowd/internal/transfer"
)

// Publisher delivers task events to connected subscribers. Accepting
// an interface here, rather than importing internal/subscriberbus
// directly, keeps the task manager ignorant of the wire format.
type Publisher interface {
	PublishProgress(taskID uint32, uid uint64, p catalog.Progress)
	PublishWaiting(taskID uint32, uid uint64, r reason.Reason)
	PublishTerminal(taskID uint32, uid uint64, s reason.State, r reason.Reason)
	PublishResponse(taskID uint32, status int, version string, headers map[string][]string)
	Attach(pid int, tokenID, sockPath string) error
	Detach(pid int)
}

// Notifier receives the same task lifecycle events for notification
// aggregation.
type Notifier interface {
	OnProgress(taskID uint32, p catalog.Progress)
	OnTerminal(taskID uint32, s reason.State)
	AttachGroup(cfg catalog.GroupNotificationConfig, taskIDs []uint32)
	Clear()
}

// DestResolver maps a task to its on-disk download destination; the
// file-path resolution policy (collision handling, category
// directories) belongs to the platform integration, so the task
// manager only asks for a path, never decides one.
type DestResolver func(r catalog.Record) string

// Manager runs the single event-loop goroutine that owns every task
// transition; the catalog stays the source of truth for durable
// state, the in-memory maps only mirror it.
type Manager struct {
	cat      *catalog.Catalog
	tracker  *statehandler.Tracker
	sched    *qos.Scheduler
	engine   *transfer.Engine
	resolve  DestResolver
	pub      Publisher
	notify   Notifier
	log      *slog.Logger

	events chan Event

	abortFlags sync.Map // taskID -> *int32 (atomic 0/1)

	// mirrors let the loop diff catalog state against what QoS
	// currently knows without re-deriving it from SQL every pass.
	queued  map[uint32]uint64 // taskID -> uid, currently Waiting+RunningTaskMeetLimits
	running map[uint32]uint64 // taskID -> uid, currently Running/Retrying

	restoreOnce sync.Once

	// pendingReschedule coalesces reschedule triggers: many events in
	// one handling burst result in a single trailing-edge reschedule
	// once the inbound channel drains.
	pendingReschedule bool

	// unload is invoked once a self-unload check passes; the daemon
	// wires this to its own shutdown path, standing in for the
	// platform's ambient process manager.
	unload func()

	// retryBackoff is the sleep between transport-retry attempts;
	// overridable for tests the same way the notification/progress
	// intervals are.
	retryBackoff time.Duration
}

// SetUnloadHook installs the callback invoked when a self-unload check
// passes. Must be called before Run.
func (m *Manager) SetUnloadHook(fn func()) { m.unload = fn }

// SetRetryBackoff overrides the default 400ms inter-retry sleep; tests
// use a sub-millisecond value the same way they shrink the progress
// and notification intervals.
func (m *Manager) SetRetryBackoff(d time.Duration) { m.retryBackoff = d }

// New constructs a Manager; call Run in its own goroutine.
func New(cat *catalog.Catalog, tracker *statehandler.Tracker, sched *qos.Scheduler, resolve DestResolver, pub Publisher, notify Notifier, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		cat: cat, tracker: tracker, sched: sched, engine: transfer.NewEngine(),
		resolve: resolve, pub: pub, notify: notify, log: log,
		events:       make(chan Event, 256),
		queued:       make(map[uint32]uint64),
		running:      make(map[uint32]uint64),
		retryBackoff: 400 * time.Millisecond,
	}
}

// Submit enqueues ev for processing; it never blocks the caller on
// handling, only on channel capacity.
func (m *Manager) Submit(ev Event) { m.events <- ev }

// Run drives the event loop until ctx is cancelled. It is the only
// goroutine that ever mutates QoS queue membership or issues
// transitions to Running; every other goroutine (transfer attempts,
// cron firings, the control API) communicates purely through Submit.
func (m *Manager) Run(ctx context.Context) {
	restore := time.NewTimer(10 * time.Second)
	defer restore.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-restore.C:
			m.handleSchedule(ScheduleRestoreAllTasks)
		case ev := <-m.events:
			m.handle(ctx, ev)
			// Trailing-edge coalescing: a burst of events that each
			// flagged a reschedule results in exactly one pass, once
			// the inbound channel has drained.
			if m.pendingReschedule && len(m.events) == 0 {
				m.pendingReschedule = false
				m.syncAndReschedule(ctx)
			}
		}
	}
}

func (m *Manager) handle(ctx context.Context, ev Event) {
	switch ev.Kind {
	case KindService:
		m.handleService(ev)
	case KindState:
		m.handleState(ev)
		m.pendingReschedule = true
	case KindDevice:
		if err := m.tracker.SetResourceLevel(statehandler.ResourceLevel(ev.ResourceLevel)); err != nil {
			m.log.Error("resource level update failed", "err", err)
		}
		m.sched.SetLevel(statehandler.ResourceLevel(ev.ResourceLevel))
		m.pendingReschedule = true
	case KindAccount:
		m.handleAccount(ev)
		m.pendingReschedule = true
	case KindSchedule:
		m.handleSchedule(ev.Schedule)
	case KindQuery:
		m.handleQuery(ev)
	case KindReschedule:
		m.pendingReschedule = true
	case kindAttemptDone:
		m.handleAttemptDone(ctx, ev.attempt)
	case kindRetryElapsed:
		m.handleRetryElapsed(ctx, ev.TaskID, ev.UID)
	}
}

func (m *Manager) handleState(ev Event) {
	var err error
	switch ev.Change {
	case StateNetwork:
		err = m.tracker.SetNetwork(ev.NetworkOnline, ev.NetworkType)
	case StateForegroundApp:
		err = m.tracker.SetForeground(ev.UID, true)
	case StateBackground:
		err = m.tracker.SetForeground(ev.UID, false)
	case StateBackgroundTimeout:
		err = m.tracker.ForceBackground(ev.UID)
	case StateSpecialTerminate:
		// The platform froze the app outright: abort its in-flight
		// transfers now, then let the recompute pass pick the
		// Waiting-vs-Failed outcome per task policy.
		for taskID, uid := range m.running {
			if uid == ev.UID {
				m.abort(taskID)
			}
		}
		err = m.tracker.ForceBackground(ev.UID)
	case StateAppUninstall:
		for taskID, uid := range m.running {
			if uid == ev.UID {
				m.abort(taskID)
			}
		}
		if _, derr := m.cat.DeleteForUID(ev.UID); derr != nil {
			m.log.Error("app uninstall purge failed", "uid", ev.UID, "err", derr)
		}
	}
	if err != nil {
		m.log.Error("state update failed", "change", ev.Change, "err", err)
	}
}

func (m *Manager) handleAccount(ev Event) {
	if ev.AccountRemoved {
		if _, err := m.cat.RemoveForAccount(ev.Account); err != nil {
			m.log.Error("account removal purge failed", "account", ev.Account, "err", err)
		}
		if err := m.tracker.SetAccountActive(ev.Account, false); err != nil {
			m.log.Error("account state update failed", "err", err)
		}
		return
	}
	if err := m.tracker.SetAccountActive(ev.Account, ev.Active); err != nil {
		m.log.Error("account state update failed", "err", err)
	}
}

// syncAndReschedule reconciles the in-memory QoS mirrors against the
// catalog's current view, then asks the scheduler to admit whatever
// it can, starting a transfer goroutine for each admitted task.
func (m *Manager) syncAndReschedule(ctx context.Context) {
	active, err := m.cat.ActiveTasks()
	if err != nil {
		m.log.Error("active task scan failed", "err", err)
		return
	}

	seenQueued := make(map[uint32]bool)
	seenRunning := make(map[uint32]bool)

	for _, r := range active {
		switch {
		case r.State == reason.StateWaiting && r.Reason == reason.ReasonRunningTaskLimits:
			seenQueued[r.TaskID] = true
			if _, ok := m.queued[r.TaskID]; !ok {
				var order uint64
				if info, err := m.cat.GetQoSInfo(r.TaskID); err == nil {
					order = info.Order
				}
				m.sched.Enqueue(r.UID, r.TaskID, r.Mode, r.Priority, order)
				m.queued[r.TaskID] = r.UID
			}
		case r.State == reason.StateRunning || r.State == reason.StateRetrying:
			seenRunning[r.TaskID] = true
			if _, ok := m.running[r.TaskID]; !ok {
				m.running[r.TaskID] = r.UID
			}
		}
	}

	for taskID, uid := range m.queued {
		if !seenQueued[taskID] {
			m.sched.Dequeue(uid, taskID)
			delete(m.queued, taskID)
		}
	}
	for taskID, uid := range m.running {
		if !seenRunning[taskID] {
			m.sched.Release(uid)
			delete(m.running, taskID)
		}
	}

	for _, admitted := range m.sched.Reschedule() {
		delete(m.queued, admitted.TaskID)
		m.running[admitted.TaskID] = admitted.UID
		m.startAttempt(ctx, admitted.TaskID)
	}
}

// Rest-time budgets: the remaining wall-clock allowance a task may
// spend transferring. A configured total timeout wins; without one, a
// task with no progress UI gets a short cap, everything else a long
// one.
const (
	defaultRestBudget = 7 * 24 * time.Hour
	quietRestBudget   = 10 * time.Minute
)

func restBudget(rec catalog.Record) int64 {
	if rec.Timeout.TotalSec > 0 {
		return rec.Timeout.TotalSec * 1000
	}
	if !rec.Gauge {
		return quietRestBudget.Milliseconds()
	}
	return defaultRestBudget.Milliseconds()
}

// startAttempt transitions a task to Running and launches its
// transfer in a dedicated goroutine: the event loop never blocks on
// I/O itself.
func (m *Manager) startAttempt(ctx context.Context, taskID uint32) {
	rec, err := m.cat.GetInfo(taskID)
	if err != nil {
		m.log.Error("start attempt: load failed", "task_id", taskID, "err", err)
		return
	}

	// A task that has burned through its rest-time budget never gets
	// another attempt.
	if rec.TaskTime > 0 && rec.RestTime <= 0 {
		_ = m.cat.UpdateState(taskID, reason.StateFailed, reason.ReasonContinuousTaskTimeout)
		if m.pub != nil {
			m.pub.PublishTerminal(taskID, rec.UID, reason.StateFailed, reason.ReasonContinuousTaskTimeout)
		}
		if m.notify != nil {
			m.notify.OnTerminal(taskID, reason.StateFailed)
		}
		return
	}
	if rec.RestTime <= 0 {
		rec.RestTime = restBudget(rec)
		_ = m.cat.UpdateTaskTime(taskID, rec.TaskTime, rec.RestTime)
	}

	state := reason.StateRunning
	if rec.Tries > 0 {
		state = reason.StateRetrying
	}
	if err := m.cat.UpdateState(taskID, state, reason.ReasonDefault); err != nil {
		m.log.Error("start attempt: state update failed", "task_id", taskID, "err", err)
		return
	}

	flag := new(int32)
	m.abortFlags.Store(taskID, flag)

	go m.runAttempt(ctx, rec, flag)
}

func (m *Manager) runAttempt(ctx context.Context, rec catalog.Record, flag *int32) {
	abort := func() bool { return atomic.LoadInt32(flag) != 0 }

	dest := ""
	if m.resolve != nil {
		dest = m.resolve(rec)
	} else {
		dest = filepath.Join(".", "downloads", rec.TokenID)
	}

	started := time.Now()
	result := m.engine.Attempt(ctx, rec, dest, abort, func(processed int64) {
		p := rec.Progress
		if rec.Action == reason.ActionUpload {
			// Uploads report a cross-file cumulative total in flight;
			// per-file slots are only settled once the attempt ends.
			p.TotalProcessed = processed
		} else {
			if len(p.Processed) == 0 {
				p.Processed = []int64{0}
			}
			p.Processed[0] = processed
			p.TotalProcessed = processed
		}
		if m.pub != nil {
			m.pub.PublishProgress(rec.TaskID, rec.UID, p)
		}
		if m.notify != nil {
			m.notify.OnProgress(rec.TaskID, p)
		}
		_ = m.cat.UpdateProgress(rec.TaskID, catalog.ProgressUpdate{Progress: p, MimeType: rec.MimeType, Tries: rec.Tries, TimeoutTries: rec.TimeoutTries, Reason: reason.ReasonDefault})
	})

	m.Submit(Event{Kind: kindAttemptDone, attempt: attemptOutcome{
		taskID: rec.TaskID, uid: rec.UID, action: rec.Action, outcome: result.Outcome, reasonVal: result.Reason,
		retry: result.Retry, size: result.Size, totalSize: result.TotalSize, mimeType: result.MimeType,
		extras: result.Extras, etag: result.Validator.ETag, lastMod: result.Validator.LastModified,
		status: result.Status, currentIndex: result.CurrentIndex, fileProcessed: result.FileProcessed,
		elapsedMillis: time.Since(started).Milliseconds(),
	}})
}

func (m *Manager) handleAttemptDone(ctx context.Context, a attemptOutcome) {
	m.abortFlags.Delete(a.taskID)

	rec, err := m.cat.GetInfo(a.taskID)
	if err != nil {
		return
	}

	// Charge this attempt's wall time against the task's cumulative
	// task_time and remaining rest_time; the next attempt's client
	// timeout is derived from what's left.
	if a.elapsedMillis > 0 {
		_ = m.cat.UpdateTaskTime(a.taskID, rec.TaskTime+a.elapsedMillis, rec.RestTime-a.elapsedMillis)
	}

	// Carry the content-length/mime/extras learned this attempt, plus
	// the resume validator, into the persisted progress regardless of
	// outcome, so the next attempt (or a completed task's metadata)
	// sees them. Uploads settle per-file resume state (each file's
	// processed bytes plus the next file index); downloads are
	// single-file and live in slot 0.
	progress := rec.Progress
	if a.fileProcessed != nil {
		progress.Processed = a.fileProcessed
		progress.CurrentIndex = a.currentIndex
		progress.TotalProcessed = a.size
	} else {
		if a.totalSize > 0 {
			if len(progress.Sizes) == 0 {
				progress.Sizes = []int64{a.totalSize}
			} else {
				progress.Sizes[0] = a.totalSize
			}
		}
		if len(progress.Processed) == 0 {
			progress.Processed = []int64{a.size}
		} else {
			progress.Processed[0] = a.size
		}
		progress.TotalProcessed = a.size
	}
	if a.extras != nil {
		if progress.Extras == nil {
			progress.Extras = make(map[string]string, len(a.extras)+2)
		}
		for k, v := range a.extras {
			progress.Extras[k] = v
		}
	}
	if a.etag != "" {
		if progress.Extras == nil {
			progress.Extras = make(map[string]string, 2)
		}
		progress.Extras["etag"] = a.etag
	}
	if a.lastMod != "" {
		if progress.Extras == nil {
			progress.Extras = make(map[string]string, 2)
		}
		progress.Extras["last_modified"] = a.lastMod
	}
	mimeType := rec.MimeType
	if a.mimeType != "" {
		mimeType = a.mimeType
	}

	// Upload responses are surfaced to subscribers as an HttpResponse
	// frame once the attempt has a final status; downloads only ever
	// surface progress/terminal frames.
	if a.action == reason.ActionUpload && a.status > 0 && (a.outcome == transfer.OutcomeDone || a.outcome == transfer.OutcomeFailed) {
		if m.pub != nil {
			headers := make(map[string][]string, len(a.extras))
			for k, v := range a.extras {
				headers[k] = []string{v}
			}
			m.pub.PublishResponse(a.taskID, a.status, "HTTP/1.1", headers)
		}
	}

	switch a.outcome {
	case transfer.OutcomeDone:
		_ = m.cat.UpdateProgress(a.taskID, catalog.ProgressUpdate{Progress: progress, MimeType: mimeType, Tries: rec.Tries, TimeoutTries: rec.TimeoutTries, Reason: reason.ReasonDefault})
		_ = m.cat.UpdateState(a.taskID, reason.StateCompleted, reason.ReasonDefault)
		if m.pub != nil {
			m.pub.PublishTerminal(a.taskID, a.uid, reason.StateCompleted, reason.ReasonDefault)
		}
		if m.notify != nil {
			m.notify.OnTerminal(a.taskID, reason.StateCompleted)
		}
	case transfer.OutcomeFailed:
		_ = m.cat.UpdateProgress(a.taskID, catalog.ProgressUpdate{Progress: progress, MimeType: mimeType, Tries: rec.Tries, TimeoutTries: rec.TimeoutTries, Reason: a.reasonVal})
		_ = m.cat.UpdateState(a.taskID, reason.StateFailed, a.reasonVal)
		if m.pub != nil {
			m.pub.PublishTerminal(a.taskID, a.uid, reason.StateFailed, a.reasonVal)
		}
		if m.notify != nil {
			m.notify.OnTerminal(a.taskID, reason.StateFailed)
		}
	case transfer.OutcomeWaiting:
		// User-abort and similar Waiting outcomes don't consume either
		// retry budget. A user abort only persists the progress learned
		// so far: the command or state change that raised the abort flag
		// has already set the task's state and reason, which are kept.
		if a.reasonVal == reason.ReasonUserAbort {
			_ = m.cat.UpdateProgress(a.taskID, catalog.ProgressUpdate{Progress: progress, MimeType: mimeType, Tries: rec.Tries, TimeoutTries: rec.TimeoutTries, Reason: rec.Reason})
			break
		}
		_ = m.cat.UpdateProgress(a.taskID, catalog.ProgressUpdate{Progress: progress, MimeType: mimeType, Tries: rec.Tries, TimeoutTries: rec.TimeoutTries, Reason: a.reasonVal})
		_ = m.cat.UpdateState(a.taskID, reason.StateWaiting, a.reasonVal)
		if m.pub != nil {
			m.pub.PublishWaiting(a.taskID, a.uid, a.reasonVal)
		}
	case transfer.OutcomeRetry:
		// Tries and TimeoutTries are independent budgets: a 408 retry
		// bumps TimeoutTries and leaves Tries untouched, a network
		// retry bumps Tries and resets TimeoutTries (any non-408
		// response clears the timeout count).
		tries, timeoutTries := rec.Tries, rec.TimeoutTries
		switch a.retry {
		case transfer.RetryTimeout:
			timeoutTries++
		case transfer.RetryNetwork:
			tries++
			timeoutTries = 0
		default:
			tries++
		}
		_ = m.cat.UpdateProgress(a.taskID, catalog.ProgressUpdate{Progress: progress, MimeType: mimeType, Tries: tries, TimeoutTries: timeoutTries, Reason: reason.ReasonDefault})
		// The task stays Running in the catalog through the backoff
		// sleep; it isn't queueable mid-backoff. handleRetryElapsed
		// is what actually hands it back to the queue once the sleep
		// elapses.
		go m.sleepRetryBackoff(ctx, a.taskID, a.uid)
		return
	}

	m.pendingReschedule = true
}

// sleepRetryBackoff waits the inter-retry interval off the event
// loop, then hands the decision of which Waiting reason to land on
// back to the loop via kindRetryElapsed, since only the loop
// goroutine may read tracker state or mutate the catalog.
func (m *Manager) sleepRetryBackoff(ctx context.Context, taskID uint32, uid uint64) {
	t := time.NewTimer(m.retryBackoff)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return
	case <-t.C:
	}
	m.Submit(Event{Kind: kindRetryElapsed, TaskID: taskID, UID: uid})
}

// handleRetryElapsed runs once a retry's backoff sleep has finished.
// If the network went offline during the sleep, the task surfaces
// Waiting(NetworkOffline) instead of rejoining the queue; otherwise
// it is handed back to the scheduler via the ordinary queueing
// reason.
func (m *Manager) handleRetryElapsed(ctx context.Context, taskID uint32, uid uint64) {
	rec, err := m.cat.GetInfo(taskID)
	if err != nil {
		return
	}
	// A user command (Pause/Stop/Remove) landed during the backoff
	// sleep and already moved the task off Running/Retrying; honor
	// that instead of clobbering it back to Waiting.
	if rec.State != reason.StateRunning && rec.State != reason.StateRetrying {
		return
	}

	rs := reason.ReasonRunningTaskLimits
	if m.tracker != nil && !m.tracker.Online() {
		rs = reason.ReasonNetworkOffline
	}
	if err := m.cat.UpdateState(taskID, reason.StateWaiting, rs); err != nil {
		m.log.Error("retry elapsed: state update failed", "task_id", taskID, "err", err)
		return
	}
	m.pendingReschedule = true
}
