// Package catalog implements the durable store of task configuration,
// progress and derived state flags, backed by gorm over a pure-Go
// SQLite driver. It is the single owner of every task row; all other
// components read and mutate tasks through it.
package catalog

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"taskflowd/internal/reason"
)

// ErrNotFound is returned by get-style operations that find no row.
var ErrNotFound = errors.New("catalog: task not found")

// ErrAlreadyExists is returned by Insert when the task id is taken.
var ErrAlreadyExists = errors.New("catalog: task already exists")

// Record is the hydrated, typed form of a Task row; JSON blob columns
// are decoded into real Go values at the catalog boundary so callers
// never touch TEXT columns directly.
type Record struct {
	TaskID        uint32
	UID           uint64
	TokenID       string
	Bundle        string
	AtomicAccount string

	URL       string
	Method    string
	Headers   []HeaderField
	Body      BodySpec
	Proxy     string
	CertPins  []string
	CertPaths []string

	Action        reason.Action
	Mode          reason.Mode
	NetworkConfig reason.NetworkConfig
	MeteredOK     bool
	RoamingOK     bool
	Retry         bool
	Redirect      bool
	Cover         bool
	Multipart     bool
	Precise       bool
	Priority      uint32
	Gauge         bool
	Begins        int64
	Ends          int64
	MinSpeed      MinSpeed
	Timeout       TaskTimeout
	Version       reason.Version

	State        reason.State
	Reason       reason.Reason
	CTime        int64
	MTime        int64
	Tries        int
	TimeoutTries int
	MimeType     string
	FileStatus   []string
	Progress     Progress
	MaxSpeed     int64
	TaskTime     int64
	RestTime     int64
}

// QoSInfo is the minimal projection the scheduler needs to order
// tasks, without hydrating a full record.
type QoSInfo struct {
	TaskID   uint32
	UID      uint64
	Action   reason.Action
	Mode     reason.Mode
	State    reason.State
	Priority uint32
	Order    uint64
}

// ProgressUpdate is the partial-write shape for update_progress.
type ProgressUpdate struct {
	Progress     Progress
	MimeType     string
	Tries        int
	TimeoutTries int
	Reason       reason.Reason
}

// Catalog is the sole durable owner of task records. All methods are
// safe to call concurrently, but in normal operation only the task
// manager event loop ever does.
type Catalog struct {
	mu sync.Mutex
	db *gorm.DB
}

// Open creates/opens the SQLite-backed catalog at path (use
// ":memory:" for tests).
func Open(path string) (*Catalog, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("catalog: open: %w", err)
	}
	db.Exec("PRAGMA journal_mode=WAL;")
	db.Exec("PRAGMA foreign_keys=ON;")

	if err := db.AutoMigrate(
		&Task{},
		&NotificationConfig{},
		&GroupNotificationConfig{},
		&TaskGroupMember{},
		&AppSetting{},
	); err != nil {
		return nil, fmt.Errorf("catalog: migrate: %w", err)
	}

	return &Catalog{db: db}, nil
}

// Close releases the underlying database handle.
func (c *Catalog) Close() error {
	sqlDB, err := c.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func now() int64 { return time.Now().UnixMilli() }

func toRow(r Record) Task {
	return Task{
		TaskID:         r.TaskID,
		UID:            r.UID,
		TokenID:        r.TokenID,
		Bundle:         r.Bundle,
		AtomicAccount:  r.AtomicAccount,
		URL:            r.URL,
		Method:         r.Method,
		HeadersJSON:    marshalHeaders(r.Headers),
		BodyJSON:       marshalBody(r.Body),
		Proxy:          r.Proxy,
		CertPinsJSON:   marshalStrings(r.CertPins),
		CertPathsJSON:  marshalStrings(r.CertPaths),
		Action:         r.Action,
		Mode:           r.Mode,
		NetworkConfig:  r.NetworkConfig,
		MeteredOK:      r.MeteredOK,
		RoamingOK:      r.RoamingOK,
		Retry:          r.Retry,
		Redirect:       r.Redirect,
		Cover:          r.Cover,
		Multipart:      r.Multipart,
		Precise:        r.Precise,
		Priority:       r.Priority,
		Gauge:          r.Gauge,
		Begins:         r.Begins,
		Ends:           r.Ends,
		MinSpeedJSON:   marshalMinSpeed(r.MinSpeed),
		TimeoutJSON:    marshalTimeout(r.Timeout),
		Version:        r.Version,
		State:          r.State,
		Reason:         r.Reason,
		CTime:          r.CTime,
		MTime:          r.MTime,
		Tries:          r.Tries,
		TimeoutTries:   r.TimeoutTries,
		MimeType:       r.MimeType,
		FileStatusJSON: marshalStrings(r.FileStatus),
		ProgressJSON:   marshalProgress(r.Progress),
		MaxSpeed:       r.MaxSpeed,
		TaskTime:       r.TaskTime,
		RestTime:       r.RestTime,
	}
}

func fromRow(t Task) Record {
	return Record{
		TaskID:        t.TaskID,
		UID:           t.UID,
		TokenID:       t.TokenID,
		Bundle:        t.Bundle,
		AtomicAccount: t.AtomicAccount,
		URL:           t.URL,
		Method:        t.Method,
		Headers:       unmarshalHeaders(t.HeadersJSON),
		Body:          unmarshalBody(t.BodyJSON),
		Proxy:         t.Proxy,
		CertPins:      unmarshalStrings(t.CertPinsJSON),
		CertPaths:     unmarshalStrings(t.CertPathsJSON),
		Action:        t.Action,
		Mode:          t.Mode,
		NetworkConfig: t.NetworkConfig,
		MeteredOK:     t.MeteredOK,
		RoamingOK:     t.RoamingOK,
		Retry:         t.Retry,
		Redirect:      t.Redirect,
		Cover:         t.Cover,
		Multipart:     t.Multipart,
		Precise:       t.Precise,
		Priority:      t.Priority,
		Gauge:         t.Gauge,
		Begins:        t.Begins,
		Ends:          t.Ends,
		MinSpeed:      unmarshalMinSpeed(t.MinSpeedJSON),
		Timeout:       unmarshalTimeout(t.TimeoutJSON),
		Version:       t.Version,
		State:         t.State,
		Reason:        t.Reason,
		CTime:         t.CTime,
		MTime:         t.MTime,
		Tries:         t.Tries,
		TimeoutTries:  t.TimeoutTries,
		MimeType:      t.MimeType,
		FileStatus:    unmarshalStrings(t.FileStatusJSON),
		Progress:      unmarshalProgress(t.ProgressJSON),
		MaxSpeed:      t.MaxSpeed,
		TaskTime:      t.TaskTime,
		RestTime:      t.RestTime,
	}
}

// Insert writes a full new record; fails if task_id already exists.
func (c *Catalog) Insert(r Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	row := toRow(r)
	if row.CTime == 0 {
		row.CTime = now()
	}
	row.MTime = row.CTime

	var existing int64
	if err := c.db.Model(&Task{}).Where("task_id = ?", row.TaskID).Count(&existing).Error; err != nil {
		return err
	}
	if existing > 0 {
		return ErrAlreadyExists
	}

	err := c.db.Create(&row).Error
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAlreadyExists, err)
	}
	return nil
}

// UpdateProgress merges progress/mime/tries/reason and stamps mtime.
func (c *Catalog) UpdateProgress(taskID uint32, u ProgressUpdate) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	updates := map[string]interface{}{
		"progress_json": marshalProgress(u.Progress),
		"mime_type":     u.MimeType,
		"tries":         u.Tries,
		"timeout_tries": u.TimeoutTries,
		"reason":        u.Reason,
		"m_time":        now(),
	}
	return c.db.Model(&Task{}).Where("task_id = ?", taskID).Updates(updates).Error
}

// UpdateState transitions state/reason and stamps mtime.
func (c *Catalog) UpdateState(taskID uint32, s reason.State, r reason.Reason) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.db.Model(&Task{}).Where("task_id = ?", taskID).Updates(map[string]interface{}{
		"state":  s,
		"reason": r,
		"m_time": now(),
	}).Error
}

// UpdateSizes rewrites the progress.sizes slice (e.g. once
// Content-Length is known) while preserving processed counters.
func (c *Catalog) UpdateSizes(taskID uint32, sizes []int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var row Task
	if err := c.db.Where("task_id = ?", taskID).First(&row).Error; err != nil {
		return translateGormErr(err)
	}
	p := unmarshalProgress(row.ProgressJSON)
	p.Sizes = sizes
	return c.db.Model(&Task{}).Where("task_id = ?", taskID).Updates(map[string]interface{}{
		"progress_json": marshalProgress(p),
		"m_time":        now(),
	}).Error
}

// UpdateTaskTime accumulates cumulative wall-clock task_time and the
// remaining rest_time used for total-timeout accounting.
func (c *Catalog) UpdateTaskTime(taskID uint32, taskTime, restTime int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.db.Model(&Task{}).Where("task_id = ?", taskID).Updates(map[string]interface{}{
		"task_time": taskTime,
		"rest_time": restTime,
		"m_time":    now(),
	}).Error
}

// UpdateMaxSpeed records the highest observed instantaneous speed.
func (c *Catalog) UpdateMaxSpeed(taskID uint32, maxSpeed int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.db.Model(&Task{}).Where("task_id = ?", taskID).Update("max_speed", maxSpeed).Error
}

// GetInfo returns the full hydrated record, or ErrNotFound.
func (c *Catalog) GetInfo(taskID uint32) (Record, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var row Task
	if err := c.db.Where("task_id = ?", taskID).First(&row).Error; err != nil {
		return Record{}, translateGormErr(err)
	}
	return fromRow(row), nil
}

// GetConfig returns the subset of a record needed to reconstruct a
// live task (identity + request spec + policy); it is the same
// Record type as GetInfo; callers that only need config fields
// should simply ignore the runtime fields, since SQLite has no
// meaningful cost advantage from a narrower SELECT here.
func (c *Catalog) GetConfig(taskID uint32) (Record, error) {
	return c.GetInfo(taskID)
}

// GetQoSInfo returns the scheduling-relevant projection for one task.
func (c *Catalog) GetQoSInfo(taskID uint32) (QoSInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var row Task
	if err := c.db.Where("task_id = ?", taskID).First(&row).Error; err != nil {
		return QoSInfo{}, translateGormErr(err)
	}
	return QoSInfo{
		TaskID: row.TaskID, UID: row.UID, Action: row.Action,
		Mode: row.Mode, State: row.State, Priority: row.Priority,
		Order: row.InsertOrder,
	}, nil
}

// GetAppQoSInfos returns QoS tuples for the tasks of uid that are
// actively competing for admission: Running, Retrying, or
// Waiting+RunningTaskMeetLimits. This exact filter is a contract:
// tasks waiting on Network/App/Account blockers are NOT returned,
// since they are not competing for a slot right now.
func (c *Catalog) GetAppQoSInfos(uid uint64) ([]QoSInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var rows []Task
	err := c.db.Where(
		"uid = ? AND (state IN ? OR (state = ? AND reason = ?))",
		uid,
		[]reason.State{reason.StateRunning, reason.StateRetrying},
		reason.StateWaiting, reason.ReasonRunningTaskLimits,
	).Order("insert_order asc").Find(&rows).Error
	if err != nil {
		return nil, err
	}

	out := make([]QoSInfo, 0, len(rows))
	for _, row := range rows {
		out = append(out, QoSInfo{
			TaskID: row.TaskID, UID: row.UID, Action: row.Action,
			Mode: row.Mode, State: row.State, Priority: row.Priority,
			Order: row.InsertOrder,
		})
	}
	return out, nil
}

// QueryInteger is the escape hatch used by the state handler and SQL
// generators; every caller must be internal to this module tree.
// It is not exposed across any external boundary.
func (c *Catalog) QueryInteger(sql string, args ...interface{}) ([]int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rows, err := c.db.Raw(sql, args...).Rows()
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var v int64
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// Execute runs one mutation statement under the catalog lock. The
// state handler applies its batches of transitions through
// ExecuteBatch, not through Execute.
func (c *Catalog) Execute(sql string, args ...interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.db.Exec(sql, args...).Error
}

// ExecuteBatch runs a sequence of mutation statements inside one
// transaction, so a state-change recompute never interleaves with any
// other catalog writer.
func (c *Catalog) ExecuteBatch(stmts []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.db.Transaction(func(tx *gorm.DB) error {
		for _, s := range stmts {
			if err := tx.Exec(s).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// StartupRepair fails every row left Waiting+Default: that pairing is
// the sentinel for "was mid-dispatch when the process died", since a
// live Waiting row always carries a non-Default reason.
func (c *Catalog) StartupRepair() (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	res := c.db.Model(&Task{}).
		Where("state = ? AND reason = ?", reason.StateWaiting, reason.ReasonDefault).
		Updates(map[string]interface{}{
			"state":  reason.StateFailed,
			"reason": reason.ReasonDefault,
			"m_time": now(),
		})
	return res.RowsAffected, res.Error
}

// PurgeOldTerminal deletes up to limit terminal-state rows older than
// olderThanMillis, used by the task manager's self-unload drain.
func (c *Catalog) PurgeOldTerminal(olderThanMillis int64, limit int) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	sub := c.db.Model(&Task{}).
		Select("task_id").
		Where("state IN ? AND m_time < ?",
			[]reason.State{reason.StateCompleted, reason.StateFailed, reason.StateStopped, reason.StateRemoved},
			olderThanMillis,
		).Limit(limit)

	res := c.db.Where("task_id IN (?)", sub).Delete(&Task{})
	return res.RowsAffected, res.Error
}

// UpdateMode rewrites a task's admission mode (the SetMode service
// command); the caller is responsible for triggering a reschedule.
func (c *Catalog) UpdateMode(taskID uint32, m reason.Mode) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.db.Model(&Task{}).Where("task_id = ?", taskID).Updates(map[string]interface{}{
		"mode":   m,
		"m_time": now(),
	}).Error
}

// DumpAll returns every task row, hydrated; used by the DumpAll
// service command.
func (c *Catalog) DumpAll() ([]Record, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var rows []Task
	if err := c.db.Order("task_id asc").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(rows))
	for _, row := range rows {
		out = append(out, fromRow(row))
	}
	return out, nil
}

// TasksForUID returns every task owned by uid, any state.
func (c *Catalog) TasksForUID(uid uint64) ([]Record, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var rows []Task
	if err := c.db.Where("uid = ?", uid).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(rows))
	for _, row := range rows {
		out = append(out, fromRow(row))
	}
	return out, nil
}

// DeleteForUID removes every row owned by uid, including group
// memberships; used when the owning app is uninstalled.
func (c *Catalog) DeleteForUID(uid uint64) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var ids []uint32
	if err := c.db.Model(&Task{}).Where("uid = ?", uid).Pluck("task_id", &ids).Error; err != nil {
		return 0, err
	}
	var n int64
	err := c.db.Transaction(func(tx *gorm.DB) error {
		if len(ids) > 0 {
			if err := tx.Where("task_id IN ?", ids).Delete(&TaskGroupMember{}).Error; err != nil {
				return err
			}
			if err := tx.Where("task_id IN ?", ids).Delete(&NotificationConfig{}).Error; err != nil {
				return err
			}
		}
		res := tx.Where("uid = ?", uid).Delete(&Task{})
		n = res.RowsAffected
		return res.Error
	})
	return n, err
}

// RemoveForAccount transitions every non-terminal task bound to the
// given atomic account to Removed; used when that account is removed
// from the device.
func (c *Catalog) RemoveForAccount(account string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	res := c.db.Model(&Task{}).
		Where("atomic_account = ? AND state IN ?", account, []reason.State{
			reason.StateInitialized, reason.StateWaiting, reason.StateRunning,
			reason.StateRetrying, reason.StatePaused,
		}).
		Updates(map[string]interface{}{
			"state":  reason.StateRemoved,
			"reason": reason.ReasonDefault,
			"m_time": now(),
		})
	return res.RowsAffected, res.Error
}

// AttachGroup upserts the group's notification config and records each
// task's membership (the AttachGroup service command).
func (c *Catalog) AttachGroup(cfg GroupNotificationConfig, taskIDs []uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Save(&cfg).Error; err != nil {
			return err
		}
		for _, id := range taskIDs {
			if err := tx.Save(&TaskGroupMember{TaskID: id, GroupID: cfg.GroupID}).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// GroupMembers returns the task ids attached to groupID.
func (c *Catalog) GroupMembers(groupID string) ([]uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var ids []uint32
	err := c.db.Model(&TaskGroupMember{}).Where("group_id = ?", groupID).Pluck("task_id", &ids).Error
	return ids, err
}

// ActiveTasks returns every task not yet in a terminal state, for the
// state handler's blocker-recompute pass.
func (c *Catalog) ActiveTasks() ([]Record, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var rows []Task
	err := c.db.Where("state IN ?", []reason.State{
		reason.StateInitialized, reason.StateWaiting, reason.StateRunning,
		reason.StateRetrying, reason.StatePaused,
	}).Find(&rows).Error
	if err != nil {
		return nil, err
	}

	out := make([]Record, 0, len(rows))
	for _, row := range rows {
		out = append(out, fromRow(row))
	}
	return out, nil
}

// Setting returns a raw string setting value, or "" if unset.
func (c *Catalog) Setting(key string) string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var row AppSetting
	if err := c.db.Where("key = ?", key).First(&row).Error; err != nil {
		return ""
	}
	return row.Value
}

// SetSetting upserts a raw string setting value.
func (c *Catalog) SetSetting(key, value string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.db.Save(&AppSetting{Key: key, Value: value}).Error
}

func translateGormErr(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}
