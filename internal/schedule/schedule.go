// Package schedule computes the next execution time for a scheduled task's
// schedule_type/schedule_value pair (spec §4.6). Grounded on the teacher's
// CalculateNextRun/NormalizeSchedule, adapted from its JSON-envelope
// schedule representation to the flat columns already on
// store.ScheduledTask, and reworked to take an explicit reference time so
// callers control the "missed fire" semantics (spec §8: a host outage
// produces exactly one catch-up run, not one per missed tick).
package schedule

import (
	"fmt"
	"strconv"
	"time"

	"github.com/adhocore/gronx"

	"github.com/nanoclaw/nanoclaw/internal/store"
)

// Validate reports whether scheduleType/scheduleValue describe a
// constructible schedule, without computing a next run. Used by the IPC
// dispatcher to reject a malformed schedule_task request before it is
// persisted.
func Validate(scheduleType, scheduleValue string) error {
	switch scheduleType {
	case store.ScheduleCron:
		if !gronx.New().IsValid(scheduleValue) {
			return fmt.Errorf("invalid cron expression: %s", scheduleValue)
		}
	case store.ScheduleInterval:
		ms, err := strconv.ParseInt(scheduleValue, 10, 64)
		if err != nil || ms <= 0 {
			return fmt.Errorf("interval_ms must be a positive integer, got %q", scheduleValue)
		}
	case store.ScheduleOnce:
		ms, err := strconv.ParseInt(scheduleValue, 10, 64)
		if err != nil || ms <= 0 {
			return fmt.Errorf("at_ms must be a positive integer, got %q", scheduleValue)
		}
	default:
		return fmt.Errorf("unknown schedule type %q", scheduleType)
	}
	return nil
}

// NextRun computes the next execution strictly after `after`, evaluated in
// loc (spec §4.8 TIMEZONE: "cron evaluation zone"). A nil result with a nil
// error means the schedule has no further runs (a "once" task whose time
// has already passed).
func NextRun(scheduleType, scheduleValue string, after time.Time, loc *time.Location) (*time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}

	switch scheduleType {
	case store.ScheduleCron:
		ref := after.In(loc)
		next, err := gronx.NextTickAfter(scheduleValue, ref, false)
		if err != nil {
			return nil, fmt.Errorf("invalid cron expression %q: %w", scheduleValue, err)
		}
		return &next, nil

	case store.ScheduleInterval:
		ms, err := strconv.ParseInt(scheduleValue, 10, 64)
		if err != nil || ms <= 0 {
			return nil, fmt.Errorf("invalid interval_ms %q", scheduleValue)
		}
		next := after.Add(time.Duration(ms) * time.Millisecond)
		return &next, nil

	case store.ScheduleOnce:
		ms, err := strconv.ParseInt(scheduleValue, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid at_ms %q", scheduleValue)
		}
		at := time.UnixMilli(ms)
		if !at.After(after) {
			return nil, nil
		}
		return &at, nil

	default:
		return nil, fmt.Errorf("unknown schedule type %q", scheduleType)
	}
}

// Describe returns a short human-readable label for a schedule, used by
// the list_tasks IPC response and the web dashboard.
func Describe(scheduleType, scheduleValue string) string {
	switch scheduleType {
	case store.ScheduleCron:
		return "cron: " + scheduleValue
	case store.ScheduleInterval:
		ms, err := strconv.ParseInt(scheduleValue, 10, 64)
		if err != nil {
			return "interval: " + scheduleValue
		}
		d := time.Duration(ms) * time.Millisecond
		return "every " + d.String()
	case store.ScheduleOnce:
		ms, err := strconv.ParseInt(scheduleValue, 10, 64)
		if err != nil {
			return "once: " + scheduleValue
		}
		return "once at " + time.UnixMilli(ms).Format(time.RFC3339)
	default:
		return scheduleType + ": " + scheduleValue
	}
}
