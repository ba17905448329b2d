package domain

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var (
	ErrValidation   = errors.New("validation failed")
	ErrNotFound     = errors.New("not found")
	ErrUnavailable  = errors.New("temporarily unavailable")
	ErrUnknownState = errors.New("unknown conversation state")
	// ErrShutdown means the process is stopping. Nothing was lost, the work
	// resumes from persisted state after a restart.
	ErrShutdown = errors.New("shutting down")
)

const (
	// DateLayout is the only accepted calendar date shape.
	DateLayout = "2006-01-02"
	// ClockLayout is the only accepted time-of-day shape.
	ClockLayout = "15:04"

	minCityLen = 3
)

var (
	reClock = regexp.MustCompile(`^([01][0-9]|2[0-3]):([0-5][0-9])$`)
	reDate  = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)
)

// IsValidTime reports whether s is a 24-hour HH:MM time of day.
func IsValidTime(s string) bool {
	return reClock.MatchString(s)
}

// IsValidDate reports whether s has the exact YYYY-MM-DD shape and is a real calendar date.
func IsValidDate(s string) bool {
	if !reDate.MatchString(s) {
		return false
	}
	// time.Parse rejects out-of-range days such as 2024-02-30.
	_, err := time.Parse(DateLayout, s)
	return err == nil
}

// IsValidCity applies the minimal city name policy.
func IsValidCity(s string) bool {
	return len([]rune(strings.TrimSpace(s))) >= minCityLen
}

// ParseClock parses HH:MM into hour and minute.
func ParseClock(s string) (hour, minute int, err error) {
	m := reClock.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return 0, 0, fmt.Errorf("%w: time %q, expected HH:MM", ErrValidation, s)
	}
	hour, _ = strconv.Atoi(m[1])
	minute, _ = strconv.Atoi(m[2])
	return hour, minute, nil
}

// ParseCityDate parses "City, YYYY-MM-DD". The input is split on the first comma.
func ParseCityDate(s string) (city, date string, err error) {
	before, after, found := strings.Cut(s, ",")
	if !found {
		return "", "", fmt.Errorf("%w: expected \"City, YYYY-MM-DD\"", ErrValidation)
	}
	city, date = strings.TrimSpace(before), strings.TrimSpace(after)
	if city == "" || date == "" {
		return "", "", fmt.Errorf("%w: expected \"City, YYYY-MM-DD\"", ErrValidation)
	}
	if !IsValidDate(date) {
		return "", "", fmt.Errorf("%w: date %q, expected YYYY-MM-DD", ErrValidation, date)
	}
	return city, date, nil
}

// ToDayMonthYear converts YYYY-MM-DD into DD/MM/YYYY.
func ToDayMonthYear(date string) (string, error) {
	t, err := time.Parse(DateLayout, date)
	if err != nil {
		return "", fmt.Errorf("%w: date %q", ErrValidation, date)
	}
	return t.Format("02/01/2006"), nil
}

// ValidateTZ checks that the tz is a valid IANA location.
func ValidateTZ(tz string) (*time.Location, error) {
	if strings.TrimSpace(tz) == "" {
		return nil, fmt.Errorf("%w: empty timezone", ErrValidation)
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("%w: timezone %q: %v", ErrValidation, tz, err)
	}
	return loc, nil
}
