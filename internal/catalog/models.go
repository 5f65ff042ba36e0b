package catalog

import (
	"encoding/json"

	"taskflowd/internal/reason"
)

// HeaderField preserves the ordered string->string request header
// mapping; a plain Go map would lose insertion order.
type HeaderField struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// BodySpec is the tagged union for a task's request body: either an
// inline string, a sequence of file paths, or multipart form items
// with file references.
type BodySpec struct {
	Inline        string            `json:"inline,omitempty"`
	FilePaths     []string          `json:"file_paths,omitempty"`
	MultipartForm map[string]string `json:"multipart_form,omitempty"`

	// ResponseBodyPaths names where each upload request's response
	// body is recorded, one file per request. For per-file upload
	// this is indexed the same as FilePaths; for batch multipart it
	// holds at most one path, for the single request's response.
	ResponseBodyPaths []string `json:"response_body_paths,omitempty"`
}

// MinSpeed is the configured floor below which a transfer is
// considered stalled.
type MinSpeed struct {
	BytesPerSec int64 `json:"bytes_per_sec"`
	DurationSec int64 `json:"duration_sec"`
}

// TaskTimeout is per-task connect/total timeout configuration.
type TaskTimeout struct {
	ConnectSec int64 `json:"connect_sec"`
	TotalSec   int64 `json:"total_sec"`
}

// Progress tracks per-file transfer progress. Sizes/Processed are
// parallel slices indexed by file; a size of -1 means unknown.
type Progress struct {
	Sizes          []int64           `json:"sizes"`
	Processed      []int64           `json:"processed"`
	TotalProcessed int64             `json:"total_processed"`
	CurrentIndex   int               `json:"current_index"`
	Extras         map[string]string `json:"extras,omitempty"`
}

// IsFinished reports whether every size is known and the total
// processed equals the total size.
func (p Progress) IsFinished() bool {
	if len(p.Sizes) == 0 {
		return false
	}
	var total int64
	for _, s := range p.Sizes {
		if s < 0 {
			return false
		}
		total += s
	}
	return p.TotalProcessed == total
}

// Task is the persistent record for one transfer. JSON-shaped
// sub-structures (HeadersJSON, BodyJSON, ProgressJSON) are stored as
// TEXT columns and marshaled/unmarshaled at the catalog boundary so
// each column round-trips a concrete Go type.
type Task struct {
	TaskID uint32 `gorm:"primaryKey;autoIncrement:false"`
	UID    uint64 `gorm:"index"`

	TokenID        string `gorm:"index"`
	Bundle         string
	AtomicAccount  string

	URL            string
	Method         string
	HeadersJSON    string
	BodyJSON       string
	Proxy          string
	CertPinsJSON   string
	CertPathsJSON  string

	Action        reason.Action `gorm:"index"`
	Mode          reason.Mode
	NetworkConfig reason.NetworkConfig
	MeteredOK     bool
	RoamingOK     bool
	Retry         bool
	Redirect      bool
	Cover         bool
	Multipart     bool
	Precise       bool
	Priority      uint32 `gorm:"index"`
	Gauge         bool
	Begins        int64
	Ends          int64
	MinSpeedJSON  string
	TimeoutJSON   string
	Version       reason.Version

	State  reason.State  `gorm:"index"`
	Reason reason.Reason
	CTime  int64
	MTime  int64 `gorm:"index"`
	Tries  int
	TimeoutTries int
	MimeType     string
	FileStatusJSON string
	ProgressJSON   string
	MaxSpeed       int64
	TaskTime       int64
	RestTime       int64

	InsertOrder uint64 `gorm:"autoIncrement"`
}

func (Task) TableName() string { return "task" }

// NotificationConfig stores per-task notification preferences.
type NotificationConfig struct {
	TaskID    uint32 `gorm:"primaryKey"`
	Title     string
	Text      string
	Disable   bool
	AttachAble bool
}

func (NotificationConfig) TableName() string { return "notification_config" }

// GroupNotificationConfig stores per-group notification preferences.
type GroupNotificationConfig struct {
	GroupID    string `gorm:"primaryKey"`
	Title      string
	AttachAble bool
}

func (GroupNotificationConfig) TableName() string { return "group_notification_config" }

// TaskGroupMember records task<->group membership (many tasks per
// group, a task may belong to at most one group in this model).
type TaskGroupMember struct {
	TaskID  uint32 `gorm:"primaryKey"`
	GroupID string `gorm:"index"`
}

func (TaskGroupMember) TableName() string { return "task_group" }

// AppSetting is the catalog-backed key/value settings store used by
// internal/config.
type AppSetting struct {
	Key   string `gorm:"primaryKey"`
	Value string
}

func (AppSetting) TableName() string { return "app_setting" }

func marshalHeaders(h []HeaderField) string {
	b, _ := json.Marshal(h)
	return string(b)
}

func unmarshalHeaders(s string) []HeaderField {
	if s == "" {
		return nil
	}
	var h []HeaderField
	_ = json.Unmarshal([]byte(s), &h)
	return h
}

func marshalBody(b BodySpec) string {
	raw, _ := json.Marshal(b)
	return string(raw)
}

func unmarshalBody(s string) BodySpec {
	var b BodySpec
	if s != "" {
		_ = json.Unmarshal([]byte(s), &b)
	}
	return b
}

func marshalStrings(s []string) string {
	if len(s) == 0 {
		return ""
	}
	b, _ := json.Marshal(s)
	return string(b)
}

func unmarshalStrings(raw string) []string {
	if raw == "" {
		return nil
	}
	var s []string
	_ = json.Unmarshal([]byte(raw), &s)
	return s
}

func marshalMinSpeed(m MinSpeed) string {
	b, _ := json.Marshal(m)
	return string(b)
}

func unmarshalMinSpeed(raw string) MinSpeed {
	var m MinSpeed
	if raw != "" {
		_ = json.Unmarshal([]byte(raw), &m)
	}
	return m
}

func marshalTimeout(t TaskTimeout) string {
	b, _ := json.Marshal(t)
	return string(b)
}

func unmarshalTimeout(raw string) TaskTimeout {
	var t TaskTimeout
	if raw != "" {
		_ = json.Unmarshal([]byte(raw), &t)
	}
	return t
}

func marshalProgress(p Progress) string {
	raw, _ := json.Marshal(p)
	return string(raw)
}

func unmarshalProgress(s string) Progress {
	var p Progress
	if s != "" {
		_ = json.Unmarshal([]byte(s), &p)
	}
	return p
}
