package calsync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"questlog/api/internal/calendar"
	"questlog/api/internal/metrics"
	"questlog/api/internal/store"
)

// SessionEvent is the desired external state of one session.
type SessionEvent struct {
	SessionID string
	ItemName  string
	Start     time.Time
	End       time.Time
	Notes     string
}

type ConnectionResolver interface {
	Resolve(ctx context.Context, userID string) (*Connection, error)
}

// SessionStore reads and writes the one piece of sync state kept per session.
type SessionStore interface {
	GetSessionEventID(ctx context.Context, sessionID string) (string, error)
	SetSessionEventID(ctx context.Context, sessionID, eventID string) error
}

type EventClient interface {
	CreateEvent(ctx context.Context, accessToken, calendarID string, ev calendar.Event) (string, error)
	UpdateEvent(ctx context.Context, accessToken, calendarID, eventID string, ev calendar.Event) error
	DeleteEvent(ctx context.Context, accessToken, calendarID, eventID string) error
}

const (
	resultOK      = "ok"
	resultSkipped = "skipped"
	resultError   = "error"
)

// Reconciler creates, updates and deletes mirrored events. Returned errors
// are for logging; callers never act on them.
type Reconciler struct {
	resolver ConnectionResolver
	sessions SessionStore
	events   EventClient
	metrics  *metrics.Metrics
	logger   zerolog.Logger
}

func NewReconciler(resolver ConnectionResolver, sessions SessionStore, events EventClient, m *metrics.Metrics, logger zerolog.Logger) *Reconciler {
	return &Reconciler{
		resolver: resolver,
		sessions: sessions,
		events:   events,
		metrics:  m,
		logger:   logger.With().Str("component", "calsync_reconciler").Logger(),
	}
}

func (r *Reconciler) OnSessionCreated(ctx context.Context, userID string, session SessionEvent) error {
	conn, err := r.resolver.Resolve(ctx, userID)
	if err != nil || conn == nil {
		r.record("create", resultSkipped, err)
		return err
	}
	return r.mirrorCreated(ctx, conn, session)
}

// mirrorCreated runs the create path for one session on an already resolved
// connection.
func (r *Reconciler) mirrorCreated(ctx context.Context, conn *Connection, session SessionEvent) (err error) {
	result := resultSkipped
	defer func() { r.record("create", result, err) }()

	existing, err := r.sessions.GetSessionEventID(ctx, session.SessionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("lookup event id: %w", err)
	}
	if existing != "" {
		return nil
	}

	if err := r.create(ctx, conn, session); err != nil {
		return err
	}
	result = resultOK
	return nil
}

// OnSessionUpdated updates the mirrored event, or creates it when the session
// was never mirrored.
func (r *Reconciler) OnSessionUpdated(ctx context.Context, userID, sessionID string, session SessionEvent) (err error) {
	result := resultSkipped
	defer func() { r.record("update", result, err) }()

	conn, err := r.resolver.Resolve(ctx, userID)
	if err != nil || conn == nil {
		return err
	}

	session.SessionID = sessionID
	eventID, err := r.sessions.GetSessionEventID(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("lookup event id: %w", err)
	}

	if eventID == "" {
		if err := r.create(ctx, conn, session); err != nil {
			return err
		}
		result = resultOK
		return nil
	}

	if err := r.events.UpdateEvent(ctx, conn.AccessToken, conn.CalendarID, eventID, toEvent(session, conn)); err != nil {
		return fmt.Errorf("update event %s: %w", eventID, err)
	}
	result = resultOK
	return nil
}

func (r *Reconciler) OnSessionDeleted(ctx context.Context, userID, externalEventID string) (err error) {
	result := resultSkipped
	defer func() { r.record("delete", result, err) }()

	if externalEventID == "" {
		return nil
	}
	conn, err := r.resolver.Resolve(ctx, userID)
	if err != nil || conn == nil {
		return err
	}
	if err := r.events.DeleteEvent(ctx, conn.AccessToken, conn.CalendarID, externalEventID); err != nil {
		return fmt.Errorf("delete event %s: %w", externalEventID, err)
	}
	result = resultOK
	return nil
}

// OnBatchGenerated resolves the connection once and runs the create path for
// each session in order. One failure does not stop the rest, and a failed
// resolve skips the whole batch instead of retrying it per session.
func (r *Reconciler) OnBatchGenerated(ctx context.Context, userID string, sessions []SessionEvent) error {
	if len(sessions) == 0 {
		return nil
	}
	conn, err := r.resolver.Resolve(ctx, userID)
	if err != nil || conn == nil {
		for range sessions {
			r.record("create", resultSkipped, err)
		}
		return err
	}

	var errs []error
	for _, session := range sessions {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if err := r.mirrorCreated(ctx, conn, session); err != nil {
			errs = append(errs, fmt.Errorf("session %s: %w", session.SessionID, err))
		}
	}
	return errors.Join(errs...)
}

// Run dispatches a queued task.
func (r *Reconciler) Run(ctx context.Context, task Task) error {
	switch task.Kind {
	case TaskSessionCreated:
		return r.OnSessionCreated(ctx, task.UserID, task.Session)
	case TaskSessionUpdated:
		return r.OnSessionUpdated(ctx, task.UserID, task.SessionID, task.Session)
	case TaskSessionDeleted:
		return r.OnSessionDeleted(ctx, task.UserID, task.ExternalEventID)
	case TaskBatchGenerated:
		return r.OnBatchGenerated(ctx, task.UserID, task.Sessions)
	default:
		return fmt.Errorf("unknown sync task kind %q", task.Kind)
	}
}

func (r *Reconciler) create(ctx context.Context, conn *Connection, session SessionEvent) error {
	eventID, err := r.events.CreateEvent(ctx, conn.AccessToken, conn.CalendarID, toEvent(session, conn))
	if err != nil {
		return fmt.Errorf("create event: %w", err)
	}

	err = r.sessions.SetSessionEventID(ctx, session.SessionID, eventID)
	if errors.Is(err, store.ErrNotFound) {
		// The session was deleted while the event was being created.
		if delErr := r.events.DeleteEvent(ctx, conn.AccessToken, conn.CalendarID, eventID); delErr != nil {
			return fmt.Errorf("remove orphaned event %s: %w", eventID, delErr)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("persist event id %s: %w", eventID, err)
	}
	r.logger.Debug().Str("session_id", session.SessionID).Str("event_id", eventID).Msg("event created")
	return nil
}

func (r *Reconciler) record(op, result string, err error) {
	if err != nil {
		result = resultError
	}
	r.metrics.RecordSync(op, result)
}

func toEvent(session SessionEvent, conn *Connection) calendar.Event {
	return calendar.Event{
		Summary:     session.ItemName,
		Description: session.Notes,
		Start:       session.Start,
		End:         session.End,
		TimeZone:    conn.Timezone,
	}
}
