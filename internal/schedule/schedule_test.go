package schedule

import (
	"strconv"
	"testing"
	"time"

	"github.com/nanoclaw/nanoclaw/internal/store"
)

func TestValidateCron(t *testing.T) {
	if err := Validate(store.ScheduleCron, "*/5 * * * *"); err != nil {
		t.Errorf("expected valid cron, got %v", err)
	}
	if err := Validate(store.ScheduleCron, "not a cron"); err == nil {
		t.Error("expected error for invalid cron")
	}
}

func TestValidateInterval(t *testing.T) {
	if err := Validate(store.ScheduleInterval, "60000"); err != nil {
		t.Errorf("expected valid interval, got %v", err)
	}
	if err := Validate(store.ScheduleInterval, "0"); err == nil {
		t.Error("expected error for non-positive interval")
	}
	if err := Validate(store.ScheduleInterval, "abc"); err == nil {
		t.Error("expected error for non-numeric interval")
	}
}

func TestValidateOnce(t *testing.T) {
	if err := Validate(store.ScheduleOnce, "1700000000000"); err != nil {
		t.Errorf("expected valid once, got %v", err)
	}
	if err := Validate(store.ScheduleOnce, "-1"); err == nil {
		t.Error("expected error for negative at_ms")
	}
}

func TestValidateUnknownType(t *testing.T) {
	if err := Validate("bogus", "x"); err == nil {
		t.Error("expected error for unknown schedule type")
	}
}

func TestNextRunCronAdvancesToNextFiveMinuteBoundary(t *testing.T) {
	ref := time.Date(2026, 1, 1, 12, 2, 0, 0, time.UTC)
	next, err := NextRun(store.ScheduleCron, "*/5 * * * *", ref, time.UTC)
	if err != nil {
		t.Fatalf("next run: %v", err)
	}
	want := time.Date(2026, 1, 1, 12, 5, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Errorf("expected next run %v, got %v", want, next)
	}
}

func TestNextRunCronAfterExecutionAdvancesAgain(t *testing.T) {
	// Execution completes slightly after the 12:05 boundary; the next
	// catch-up-free run should be 12:10, not 12:05 again.
	ref := time.Date(2026, 1, 1, 12, 5, 10, 0, time.UTC)
	next, err := NextRun(store.ScheduleCron, "*/5 * * * *", ref, time.UTC)
	if err != nil {
		t.Fatalf("next run: %v", err)
	}
	want := time.Date(2026, 1, 1, 12, 10, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Errorf("expected next run %v, got %v", want, next)
	}
}

func TestNextRunIntervalAddsDuration(t *testing.T) {
	ref := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	next, err := NextRun(store.ScheduleInterval, "300000", ref, time.UTC)
	if err != nil {
		t.Fatalf("next run: %v", err)
	}
	want := ref.Add(5 * time.Minute)
	if !next.Equal(want) {
		t.Errorf("expected %v, got %v", want, next)
	}
}

func TestNextRunOnceInFutureReturnsTime(t *testing.T) {
	ref := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	at := ref.Add(time.Hour)
	next, err := NextRun(store.ScheduleOnce, timestampMs(at), ref, time.UTC)
	if err != nil {
		t.Fatalf("next run: %v", err)
	}
	if next == nil || !next.Equal(at) {
		t.Errorf("expected %v, got %v", at, next)
	}
}

func TestNextRunOnceInPastReturnsNilMeaningDone(t *testing.T) {
	ref := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	at := ref.Add(-time.Hour)
	next, err := NextRun(store.ScheduleOnce, timestampMs(at), ref, time.UTC)
	if err != nil {
		t.Fatalf("next run: %v", err)
	}
	if next != nil {
		t.Errorf("expected nil for elapsed once schedule, got %v", next)
	}
}

func TestNextRunMissedFireProducesExactlyOneCatchUp(t *testing.T) {
	// Host down 11:58-12:07, interval 5 min, last_run=11:55 ->
	// next_run was 12:00 and was missed; on recovery at 12:07 the
	// scheduler computes the next run from "now", producing exactly one
	// catch-up slot (12:12) rather than replaying every missed tick.
	recoveredAt := time.Date(2026, 1, 1, 12, 7, 0, 0, time.UTC)
	next, err := NextRun(store.ScheduleInterval, "300000", recoveredAt, time.UTC)
	if err != nil {
		t.Fatalf("next run: %v", err)
	}
	want := recoveredAt.Add(5 * time.Minute)
	if !next.Equal(want) {
		t.Errorf("expected single catch-up run at %v, got %v", want, next)
	}
}

func timestampMs(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}
