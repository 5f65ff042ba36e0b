// Package auditlog records every service command as a JSON access log
// line, one entry per invocation.
package auditlog

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Entry is one audited command invocation.
type Entry struct {
	ID        string `json:"id"`
	Time      int64  `json:"time"`
	TokenID   string `json:"token_id"`
	Command   string `json:"command"`
	TaskID    uint32 `json:"task_id,omitempty"`
	Result    string `json:"result"`
}

// Logger appends audit entries to a JSON-lines file.
type Logger struct {
	mu sync.Mutex
	f  *os.File
}

// Open creates/appends to the audit log at path.
func Open(path string) (*Logger, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("auditlog: open: %w", err)
	}
	return &Logger{f: f}, nil
}

// Close releases the underlying file handle.
func (l *Logger) Close() error { return l.f.Close() }

// Record appends one audit entry.
func (l *Logger) Record(tokenID, command string, taskID uint32, result string) {
	entry := Entry{
		ID: uuid.NewString(), Time: time.Now().UnixMilli(),
		TokenID: tokenID, Command: command, TaskID: taskID, Result: result,
	}
	line, err := json.Marshal(entry)
	if err != nil {
		return
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	_, _ = l.f.Write(line)
}
