// Package config wraps the catalog's key/value settings table with
// typed get/set helpers.
package config

import (
	"strconv"
	"time"

	"taskflowd/internal/catalog"
)

const (
	keyGlobalBudget      = "qos.global_budget"
	keyPerAppBudget      = "qos.per_app_budget"
	keyProgressInterval  = "notify.progress_interval_ms"
	keyResourceLevel     = "device.resource_level"
)

// Manager reads/writes runtime-tunable settings over the catalog.
type Manager struct {
	cat *catalog.Catalog
}

// New wraps cat.
func New(cat *catalog.Catalog) *Manager { return &Manager{cat: cat} }

// GlobalBudget returns the configured global admission budget, or
// def if unset or unparsable.
func (m *Manager) GlobalBudget(def int) int { return m.getInt(keyGlobalBudget, def) }

// SetGlobalBudget persists an override.
func (m *Manager) SetGlobalBudget(v int) error { return m.setInt(keyGlobalBudget, v) }

// PerAppBudget returns the configured per-app admission budget.
func (m *Manager) PerAppBudget(def int) int { return m.getInt(keyPerAppBudget, def) }

// SetPerAppBudget persists an override.
func (m *Manager) SetPerAppBudget(v int) error { return m.setInt(keyPerAppBudget, v) }

// ProgressInterval returns the notification-flow rate-limit interval
// (500ms in production, 1ms under test).
func (m *Manager) ProgressInterval(def time.Duration) time.Duration {
	ms := m.getInt(keyProgressInterval, int(def/time.Millisecond))
	return time.Duration(ms) * time.Millisecond
}

// SetProgressInterval persists an override.
func (m *Manager) SetProgressInterval(d time.Duration) error {
	return m.setInt(keyProgressInterval, int(d/time.Millisecond))
}

// ResourceLevel returns the persisted resource-scheduling level
// override, or def if unset.
func (m *Manager) ResourceLevel(def int) int { return m.getInt(keyResourceLevel, def) }

// SetResourceLevel persists a resource-scheduling level override.
func (m *Manager) SetResourceLevel(v int) error { return m.setInt(keyResourceLevel, v) }

func (m *Manager) getInt(key string, def int) int {
	raw := m.cat.Setting(key)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}

func (m *Manager) setInt(key string, v int) error {
	return m.cat.SetSetting(key, strconv.Itoa(v))
}
