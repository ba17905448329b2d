package domain

import (
	"fmt"
	"time"
)

// Rule fires daily at Hour:Minute in Location. Location is required.
type Rule struct {
	Hour     int
	Minute   int
	Location *time.Location
}

// NewRule builds a daily rule from an HH:MM clock string and an IANA timezone.
func NewRule(clock, tz string) (Rule, error) {
	h, m, err := ParseClock(clock)
	if err != nil {
		return Rule{}, err
	}
	loc, err := ValidateTZ(tz)
	if err != nil {
		return Rule{}, err
	}
	return Rule{Hour: h, Minute: m, Location: loc}, nil
}

// CronSpec renders the rule as a standard 5-field cron spec pinned to its timezone.
func (r Rule) CronSpec() string {
	return fmt.Sprintf("CRON_TZ=%s %d %d * * *", r.Location.String(), r.Minute, r.Hour)
}

// String implements fmt.Stringer.
func (r Rule) String() string {
	return fmt.Sprintf("daily %02d:%02d %s", r.Hour, r.Minute, r.Location)
}

// LocalDate returns the calendar day of t in the rule's timezone as YYYY-MM-DD.
// The process timezone is never consulted.
func (r Rule) LocalDate(t time.Time) string {
	return t.In(r.Location).Format(DateLayout)
}

// LocalizeTime formats t in user's timezone with layout.
func LocalizeTime(t time.Time, tz, layout string) (string, error) {
	loc, err := ValidateTZ(tz)
	if err != nil {
		return "", err
	}
	return t.In(loc).Format(layout), nil
}
