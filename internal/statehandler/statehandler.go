// Package statehandler tracks the external conditions a task's
// admission depends on (network reachability/type, which uids are
// currently foreground, which accounts are active, and the current
// resource-scheduling level) and folds changes into the catalog as a
// batch of mutations applied in one pass.
package statehandler

import (
	"fmt"
	"time"

	"taskflowd/internal/catalog"
	"taskflowd/internal/reason"
)

// ForegroundGrace is how long a uid remains considered foreground
// after going to background, so a transient flip (a permission
// dialog, a quick app switch) doesn't yank its tasks off the network.
const ForegroundGrace = 5 * time.Second

// Tracker owns the live view of network/app/account/resource-level
// state and recomputes catalog-visible blockers on every change.
type Tracker struct {
	cat *catalog.Catalog

	online  bool
	netType reason.NetworkConfig

	// foreground[uid] holds the time at which a backgrounded uid's
	// grace window expires; a uid present with a zero time is
	// currently foreground.
	foreground map[uint64]time.Time

	activeAccounts map[string]bool

	level ResourceLevel
}

// ResourceLevel is the coarse device resource-scheduling level that
// the QoS scheduler derives its admission budgets from.
type ResourceLevel int

const (
	LevelLow ResourceLevel = iota
	LevelMedium
	LevelHigh
)

// New constructs a Tracker that assumes network is online over Any
// and no accounts/apps are active until told otherwise.
func New(cat *catalog.Catalog) *Tracker {
	return &Tracker{
		cat:            cat,
		online:         true,
		netType:        reason.NetworkAny,
		foreground:     make(map[uint64]time.Time),
		activeAccounts: make(map[string]bool),
		level:          LevelMedium,
	}
}

// SetNetwork updates reachability/type and recomputes blockers.
func (t *Tracker) SetNetwork(online bool, netType reason.NetworkConfig) error {
	t.online = online
	t.netType = netType
	return t.recompute()
}

// SetForeground marks uid foreground (foreground=true) immediately, or
// starts its grace window (foreground=false); a task only becomes
// app-blocked once the grace window has elapsed, checked lazily at
// recompute time via isForeground.
func (t *Tracker) SetForeground(uid uint64, foreground bool) error {
	if foreground {
		t.foreground[uid] = time.Time{}
	} else if _, ok := t.foreground[uid]; ok {
		t.foreground[uid] = time.Now().Add(ForegroundGrace)
	}
	return t.recompute()
}

// ForceBackground drops uid from the foreground set immediately, with
// no grace window, for the background-timeout and special-terminate
// events, where the platform has already decided the app is gone.
func (t *Tracker) ForceBackground(uid uint64) error {
	delete(t.foreground, uid)
	return t.recompute()
}

func (t *Tracker) isForeground(uid uint64) bool {
	expiry, ok := t.foreground[uid]
	if !ok {
		return false
	}
	if expiry.IsZero() {
		return true
	}
	if time.Now().Before(expiry) {
		return true
	}
	delete(t.foreground, uid)
	return false
}

// SetAccountActive marks an atomic account's activation state.
func (t *Tracker) SetAccountActive(account string, active bool) error {
	if active {
		t.activeAccounts[account] = true
	} else {
		delete(t.activeAccounts, account)
	}
	return t.recompute()
}

// SetResourceLevel updates the resource-scheduling level; callers
// (e.g. internal/diagnostics after a speed-test sample, or a device
// memory-pressure signal) feed this independent of network/app/account
// changes.
func (t *Tracker) SetResourceLevel(level ResourceLevel) error {
	t.level = level
	return t.recompute()
}

// Level returns the current resource-scheduling level.
func (t *Tracker) Level() ResourceLevel { return t.level }

// Online reports the last-known network reachability, used by the
// task manager to decide whether an elapsed retry backoff should
// resume as a queued retry or surface Waiting(NetworkOffline).
func (t *Tracker) Online() bool { return t.online }

// networkBlocks reports whether the current network state blocks a
// task with the given network-config requirement.
func (t *Tracker) networkBlocks(cfg reason.NetworkConfig) bool {
	if !t.online {
		return true
	}
	switch cfg {
	case reason.NetworkWifi:
		return t.netType != reason.NetworkWifi
	case reason.NetworkCellular:
		return t.netType != reason.NetworkCellular
	default:
		return false
	}
}

// blockers returns the (network, app, account) blocker flags for one
// record given current tracked state. Background-mode tasks are never
// app-blocked; backgrounding only constrains Foreground tasks.
func (t *Tracker) blockers(r catalog.Record) (network, app, account bool) {
	network = t.networkBlocks(r.NetworkConfig)
	if r.Mode == reason.ModeForeground {
		app = !t.isForeground(r.UID)
	}
	if r.AtomicAccount != "" {
		account = !t.activeAccounts[r.AtomicAccount]
	}
	return
}

// recompute walks every active task, decides whether its current
// state still matches what its blockers require, and applies any
// needed transitions as one catalog transaction. It is this package's
// only write path.
func (t *Tracker) recompute() error {
	tasks, err := t.cat.ActiveTasks()
	if err != nil {
		return err
	}

	var stmts []string
	for _, r := range tasks {
		network, app, account := t.blockers(r)
		blocked := network || app || account

		switch r.State {
		case reason.StateRunning, reason.StateRetrying:
			if blocked {
				rs := reason.Compose(network, app, account)
				if allowsWaiting(r) {
					stmts = append(stmts, updateStateSQL(r.TaskID, reason.StateWaiting, rs))
				} else {
					stmts = append(stmts, updateStateSQL(r.TaskID, reason.StateFailed, rs))
				}
			}
		case reason.StateWaiting:
			if !blocked && r.Reason != reason.ReasonRunningTaskLimits {
				// Blockers cleared; hand back to the queue by
				// demoting to the pure queueing reason. QoS decides
				// whether it can actually run next reschedule.
				stmts = append(stmts, updateStateSQL(r.TaskID, reason.StateWaiting, reason.ReasonRunningTaskLimits))
			} else if blocked {
				rs := reason.Compose(network, app, account)
				if rs != r.Reason {
					stmts = append(stmts, updateStateSQL(r.TaskID, reason.StateWaiting, rs))
				}
			}
		}
	}

	if len(stmts) == 0 {
		return nil
	}
	return t.cat.ExecuteBatch(stmts)
}

// allowsWaiting decides, per (version, mode, retry), whether a task
// that no longer satisfies its admission requirements may sit in
// Waiting or must be failed outright: a V1 upload always fails on
// network/app/account loss; a V2 task only waits when it is not
// Foreground and is retry-enabled, and fails otherwise (V2
// foreground, or V2 with retry disabled). V1 downloads default to
// waiting.
func allowsWaiting(r catalog.Record) bool {
	switch r.Version {
	case reason.VersionV1:
		return r.Action != reason.ActionUpload
	case reason.VersionV2:
		return r.Mode != reason.ModeForeground && r.Retry
	default:
		return true
	}
}

// updateStateSQL renders one row's transition as a literal SQL
// statement. state/reason are closed Go enum constants, never user
// input, so literal interpolation carries no injection risk and the
// whole batch can go through ExecuteBatch without threading
// placeholder args.
func updateStateSQL(taskID uint32, s reason.State, r reason.Reason) string {
	return fmt.Sprintf(
		"UPDATE task SET state = %q, reason = %q, m_time = %d WHERE task_id = %d",
		string(s), string(r), time.Now().UnixMilli(), taskID,
	)
}
