// Package cronsched wraps cron expression parsing for the housekeeping
// scheduler. It answers one question — "how long until this expression
// next fires?" — which is all the session/account/store purge schedules
// need for queue arithmetic.
package cronsched

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// Schedule is a parsed cron expression that can report the duration
// until its next scheduled occurrence relative to an arbitrary instant.
type Schedule struct {
	expr  string
	sched cron.Schedule
}

// Parse parses a standard five-field cron expression ("* * * * *").
func Parse(expr string) (Schedule, error) {
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return Schedule{}, fmt.Errorf("parse cron expression %q: %w", expr, err)
	}
	return Schedule{expr: expr, sched: sched}, nil
}

// MustParse is like Parse but panics on error. Intended for package-level
// default schedules defined at init time, not for user-supplied input.
func MustParse(expr string) Schedule {
	s, err := Parse(expr)
	if err != nil {
		panic(err)
	}
	return s
}

// TimeToNext returns the duration from now until the schedule's next
// occurrence strictly after now. Saturates at zero if, somehow, the
// computed next time is not after now.
func (s Schedule) TimeToNext(now time.Time) time.Duration {
	next := s.sched.Next(now)
	d := next.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// String returns the original cron expression.
func (s Schedule) String() string {
	return s.expr
}

// IsZero reports whether the Schedule was never successfully parsed.
func (s Schedule) IsZero() bool {
	return s.sched == nil
}
