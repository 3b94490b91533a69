package store

import (
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrInvalidReference is returned when a row points at a backlog item or
	// user that does not exist for the caller.
	ErrInvalidReference = errors.New("invalid reference")
	ErrConflict         = errors.New("conflict")
	ErrInvalidValue     = errors.New("invalid value")
)

// ScheduledSession is a persisted time block for one backlog item.
type ScheduledSession struct {
	ID       string
	UserID   string
	ItemID   int64
	ItemName string
	Start    time.Time
	End      time.Time
	Notes    string
	// ExternalEventID is nil until the first successful provider create and
	// is never cleared while the row exists.
	ExternalEventID *string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// CalendarCredentials is one user's provider grant with tokens already
// opened. It never leaves the process.
type CalendarCredentials struct {
	UserID         string
	SyncEnabled    bool
	AccessToken    string
	RefreshToken   string
	CalendarID     string
	Timezone       string
	ExpiresAt      time.Time
	DisabledReason string
	DisabledAt     *time.Time
}

// SessionFilter bounds ListSessions. Zero times are open ends.
type SessionFilter struct {
	From time.Time
	To   time.Time
}
