package daemon

import (
	"fmt"
	"time"

	"github.com/teambition/rrule-go"
	"go.uber.org/zap"

	"github.com/dougmaui/tub-pi/controller"
)

// parseReminder turns an RRULE body (e.g. "FREQ=WEEKLY;BYDAY=SU") into a
// recurrence anchored at now. Empty string means no schedule.
func parseReminder(ruleStr string, now time.Time) (*rrule.RRule, error) {
	if ruleStr == "" {
		return nil, nil
	}
	full := "DTSTART=" + now.UTC().Format("20060102T150405Z") + ";" + ruleStr
	rr, err := rrule.StrToRRule(full)
	if err != nil {
		return nil, fmt.Errorf("parse reminder rule %q: %w", ruleStr, err)
	}
	return rr, nil
}

// startReminders spawns one goroutine per configured maintenance reminder
// (probe cleaning, recalibration due). Each firing lands as a note on the
// telemetry stream and in the activity log. A bad rule is a configuration
// error reported at startup, not silently ignored.
func startReminders(reminders []controller.Reminder, sup *Supervisor, quit <-chan struct{}, logger *zap.Logger) error {
	for _, rem := range reminders {
		rr, err := parseReminder(rem.Schedule, time.Now())
		if err != nil {
			return err
		}
		if rr == nil {
			continue
		}
		name := rem.Name
		go func() {
			for {
				next := rr.After(time.Now(), false)
				if next.IsZero() {
					return
				}
				select {
				case <-time.After(time.Until(next)):
					logger.Info("maintenance reminder", zap.String("name", name))
					sup.Note("reminder: " + name)
				case <-quit:
					return
				}
			}
		}()
	}
	return nil
}
