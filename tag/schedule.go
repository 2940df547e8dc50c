package tag

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultSyncSchedule is the autonomous sync interval.
const DefaultSyncSchedule = "@every 15m"

// ParseSchedule accepts a cron expression or descriptor ("@every 15m",
// "*/10 * * * *") and falls back to a bare Go duration ("15m").
func ParseSchedule(expr string) (cron.Schedule, error) {
	if expr == "" {
		return nil, fmt.Errorf("empty schedule")
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if sched, err := parser.Parse(expr); err == nil {
		return sched, nil
	}

	d, err := time.ParseDuration(expr)
	if err != nil {
		return nil, fmt.Errorf("not a valid cron expression or duration: %q", expr)
	}
	if d <= 0 {
		return nil, fmt.Errorf("duration must be positive: %q", expr)
	}
	return Every(d), nil
}

// Every returns a schedule firing at a fixed interval, including sub-second
// intervals that cron.Every rounds away.
func Every(d time.Duration) cron.Schedule {
	return constantDelay(d)
}

type constantDelay time.Duration

func (d constantDelay) Next(t time.Time) time.Time {
	return t.Add(time.Duration(d))
}

// Never is a schedule that never fires; the autonomous timer stays idle.
var Never cron.Schedule = never{}

type never struct{}

func (never) Next(time.Time) time.Time { return time.Time{} }
