// Package schedule turns a prioritized backlog into concrete time-boxed sessions.
//
// Generation is pure: no persistence, no network, no clock. The same inputs
// always produce the same sessions.
package schedule

import (
	"errors"
	"fmt"
	"time"
)

const (
	// UnknownLengthSessions is the session count planned for items without an estimate.
	UnknownLengthSessions = 3
	// WeekdayStartHour is the local hour weekday sessions begin.
	WeekdayStartHour = 19
	// WeekendStartHour is the local hour Saturday and Sunday sessions begin.
	WeekendStartHour = 14
)

// ErrUnknownTimezone indicates the preference timezone is not a loadable IANA zone.
var ErrUnknownTimezone = errors.New("schedule: unknown timezone")

// BacklogItem is one unit of the backlog, supplied highest priority first.
type BacklogItem struct {
	ID   int64
	Name string
	// EstimatedTotalMinutes is nil when the item's length is unknown.
	EstimatedTotalMinutes *int
	ConsumedMinutes       int
}

// Preferences controls how much time a week holds and how it is sliced.
type Preferences struct {
	WeeklyBudgetMinutes  int
	SessionLengthMinutes int
	Timezone             string
}

// SessionsPerWeek is the number of whole sessions the weekly budget allows.
func (p Preferences) SessionsPerWeek() int {
	if p.WeeklyBudgetMinutes <= 0 || p.SessionLengthMinutes <= 0 {
		return 0
	}
	return p.WeeklyBudgetMinutes / p.SessionLengthMinutes
}

// Session is a generated time block. Start and End are UTC.
type Session struct {
	ItemID int64
	Start  time.Time
	End    time.Time
}

func (s Session) Duration() time.Duration {
	return s.End.Sub(s.Start)
}

// SessionsNeeded returns how many sessions of sessionLengthMinutes the item
// still needs. A fully consumed item with a known estimate needs none.
func SessionsNeeded(item BacklogItem, sessionLengthMinutes int) int {
	if sessionLengthMinutes <= 0 {
		return 0
	}
	if item.EstimatedTotalMinutes == nil {
		return UnknownLengthSessions
	}
	remaining := *item.EstimatedTotalMinutes - item.ConsumedMinutes
	if remaining <= 0 {
		return 0
	}
	// A positive remainder always rounds up to at least one session.
	return (remaining + sessionLengthMinutes - 1) / sessionLengthMinutes
}

// LoadLocation resolves an IANA zone name. An empty name means UTC.
func LoadLocation(name string) (*time.Location, error) {
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("%w %q: %v", ErrUnknownTimezone, name, err)
	}
	return loc, nil
}

// Generate lays out numWeeks of sessions starting from the Monday of the
// week containing startDate's calendar date.
//
// Each day holds at most one session, given to the first item in priority
// order that still needs time. Weekday sessions start at 19:00 local time and
// weekend sessions at 14:00, converted to UTC with the zone offset in effect on
// that date. A week stops filling once the weekly budget is spent, and the run
// stops as soon as every item is satisfied.
func Generate(startDate time.Time, numWeeks int, prefs Preferences, items []BacklogItem) ([]Session, error) {
	perWeek := prefs.SessionsPerWeek()
	if len(items) == 0 || numWeeks <= 0 || perWeek == 0 {
		return []Session{}, nil
	}

	loc, err := LoadLocation(prefs.Timezone)
	if err != nil {
		return nil, err
	}

	pending := make([]int, len(items))
	total := 0
	for i, item := range items {
		pending[i] = SessionsNeeded(item, prefs.SessionLengthMinutes)
		total += pending[i]
	}
	if total == 0 {
		return []Session{}, nil
	}

	length := time.Duration(prefs.SessionLengthMinutes) * time.Minute
	year, month, monday := weekStart(startDate)
	sessions := make([]Session, 0, min(total, perWeek*numWeeks))

	for week := 0; week < numWeeks && total > 0; week++ {
		placed := 0
		for day := 0; day < 7 && placed < perWeek && total > 0; day++ {
			idx := firstPending(pending)
			start := slotStart(year, month, monday+week*7+day, loc)
			sessions = append(sessions, Session{
				ItemID: items[idx].ID,
				Start:  start.UTC(),
				End:    start.Add(length).UTC(),
			})
			pending[idx]--
			total--
			placed++
		}
	}

	return sessions, nil
}

// weekStart returns the calendar date of the Monday on or before t. The day
// may be out of range for the month; time.Date normalizes it.
func weekStart(t time.Time) (int, time.Month, int) {
	year, month, day := t.Date()
	offset := (int(t.Weekday()) + 6) % 7
	return year, month, day - offset
}

func slotStart(year int, month time.Month, day int, loc *time.Location) time.Time {
	hour := WeekdayStartHour
	switch time.Date(year, month, day, 12, 0, 0, 0, time.UTC).Weekday() {
	case time.Saturday, time.Sunday:
		hour = WeekendStartHour
	}
	return time.Date(year, month, day, hour, 0, 0, 0, loc)
}

func firstPending(pending []int) int {
	for i, n := range pending {
		if n > 0 {
			return i
		}
	}
	return -1
}
