package manager

import (
	"github.com/robfig/cron/v3"
)

// StartCron arms the periodic housekeeping events: ClearTimeoutTasks
// every 30 minutes, plus the recurring self-unload check.
// RestoreAllTasks is a one-shot 10-seconds-after-init event and is
// armed directly by Manager.Run instead of through cron, since cron
// has no native "once" job type.
func StartCron(m *Manager) (*cron.Cron, error) {
	c := cron.New()
	_, err := c.AddFunc("@every 30m", func() {
		m.Submit(Event{Kind: KindSchedule, Schedule: ScheduleClearTimeoutTasks})
	})
	if err != nil {
		return nil, err
	}
	_, err = c.AddFunc("@every 10m", func() {
		m.Submit(Event{Kind: KindSchedule, Schedule: ScheduleUnload})
	})
	if err != nil {
		return nil, err
	}
	c.Start()
	return c, nil
}
