package app

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"questlog/api/internal/auth"
	"questlog/api/internal/calsync"
	"questlog/api/internal/config"
	"questlog/api/internal/metrics"
	"questlog/api/internal/schedule"
	"questlog/api/internal/store"
	"questlog/api/internal/util"
)

const (
	maxScheduleWeeks = 52
	dateLayout       = "2006-01-02"
)

type dataStore interface {
	GetPreferences(context.Context, string) (schedule.Preferences, error)
	ListBacklog(context.Context, string) ([]schedule.BacklogItem, error)
	InsertSessions(context.Context, []store.ScheduledSession) error
	InsertSession(context.Context, *store.ScheduledSession) error
	GetSession(context.Context, string, string) (store.ScheduledSession, error)
	UpdateSession(context.Context, store.ScheduledSession) (store.ScheduledSession, error)
	DeleteSession(context.Context, string, string) (store.ScheduledSession, error)
	ListSessions(context.Context, string, store.SessionFilter) ([]store.ScheduledSession, error)
	GetCalendarCredentials(context.Context, string) (store.CalendarCredentials, error)
	EnsureUser(context.Context, string, string) error
	UpsertCalendarConnection(context.Context, store.CalendarCredentials) error
	Ping(context.Context) error
}

type syncQueue interface {
	Enqueue(calsync.Task) bool
}

type failureResetter interface {
	ResetFailures(context.Context, string) error
}

type pinger interface {
	Ping(context.Context) error
}

// Dependencies are the optional collaborators of Service. Nil members turn
// the matching feature off.
type Dependencies struct {
	Queue    syncQueue
	Failures failureResetter
	Cache    pinger
	Metrics  *metrics.Metrics
	Logger   zerolog.Logger
}

type Service struct {
	cfg      config.Config
	store    dataStore
	queue    syncQueue
	failures failureResetter
	cache    pinger
	metrics  *metrics.Metrics
	logger   zerolog.Logger
}

func NewService(cfg config.Config, data dataStore, deps Dependencies) *Service {
	return &Service{
		cfg:      cfg,
		store:    data,
		queue:    deps.Queue,
		failures: deps.Failures,
		cache:    deps.Cache,
		metrics:  deps.Metrics,
		logger:   deps.Logger.With().Str("component", "service").Logger(),
	}
}

type ScheduleRequest struct {
	StartDate string `json:"startDate"`
	Weeks     int    `json:"weeks"`
}

type PlannedSession struct {
	ItemID   int64     `json:"itemId"`
	ItemName string    `json:"itemName"`
	Start    time.Time `json:"start"`
	End      time.Time `json:"end"`
}

type SessionView struct {
	ID              string    `json:"id"`
	ItemID          int64     `json:"itemId"`
	ItemName        string    `json:"itemName"`
	Start           time.Time `json:"start"`
	End             time.Time `json:"end"`
	Notes           string    `json:"notes"`
	ExternalEventID *string   `json:"externalEventId"`
}

type CreateSessionInput struct {
	ItemID int64     `json:"itemId"`
	Start  time.Time `json:"start"`
	End    time.Time `json:"end"`
	Notes  string    `json:"notes"`
}

// UpdateSessionInput is a partial update: nil fields are left unchanged.
type UpdateSessionInput struct {
	Start *time.Time `json:"start"`
	End   *time.Time `json:"end"`
	Notes *string    `json:"notes"`
}

type ConnectCalendarInput struct {
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken"`
	ExpiresAt    time.Time `json:"expiresAt"`
	CalendarID   string    `json:"calendarId"`
	Timezone     string    `json:"timezone"`
}

type SyncStatus struct {
	Connected      bool       `json:"connected"`
	Enabled        bool       `json:"enabled"`
	CalendarID     string     `json:"calendarId,omitempty"`
	Timezone       string     `json:"timezone,omitempty"`
	DisabledReason string     `json:"disabledReason,omitempty"`
	DisabledAt     *time.Time `json:"disabledAt,omitempty"`
}

// Authenticate returns the user id carried by a bearer token.
func (s *Service) Authenticate(token string) (string, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return "", err
	}
	return claims.Subject, nil
}

// PreviewSchedule generates sessions without persisting anything.
func (s *Service) PreviewSchedule(ctx context.Context, userID string, req ScheduleRequest) ([]PlannedSession, error) {
	_, planned, err := s.plan(ctx, userID, req)
	return planned, err
}

// GenerateSchedule persists a generated batch and queues it for calendar sync.
func (s *Service) GenerateSchedule(ctx context.Context, userID string, req ScheduleRequest) ([]SessionView, error) {
	generated, planned, err := s.plan(ctx, userID, req)
	if err != nil {
		return nil, err
	}

	rows := make([]store.ScheduledSession, len(generated))
	for i, g := range generated {
		rows[i] = store.ScheduledSession{
			ID:       util.NewID("ses"),
			UserID:   userID,
			ItemID:   g.ItemID,
			ItemName: planned[i].ItemName,
			Start:    g.Start,
			End:      g.End,
		}
	}
	if err := s.store.InsertSessions(ctx, rows); err != nil {
		return nil, fmt.Errorf("persist schedule: %w", err)
	}
	s.metrics.AddGeneratedSessions(len(rows))

	if len(rows) > 0 {
		events := make([]calsync.SessionEvent, len(rows))
		for i, row := range rows {
			events[i] = sessionEvent(row)
		}
		s.enqueue(calsync.Task{Kind: calsync.TaskBatchGenerated, UserID: userID, Sessions: events})
	}

	views := make([]SessionView, len(rows))
	for i, row := range rows {
		views[i] = sessionView(row)
	}
	return views, nil
}

func (s *Service) plan(ctx context.Context, userID string, req ScheduleRequest) ([]schedule.Session, []PlannedSession, error) {
	start, err := parseStartDate(req.StartDate)
	if err != nil {
		return nil, nil, err
	}
	if req.Weeks < 1 || req.Weeks > maxScheduleWeeks {
		return nil, nil, validationError(fmt.Sprintf("weeks must be between 1 and %d", maxScheduleWeeks), map[string]any{"weeks": req.Weeks})
	}

	prefs, err := s.store.GetPreferences(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil, notFound("Scheduling preferences are not set")
	}
	if err != nil {
		return nil, nil, fmt.Errorf("load preferences: %w", err)
	}
	items, err := s.store.ListBacklog(ctx, userID)
	if err != nil {
		return nil, nil, fmt.Errorf("load backlog: %w", err)
	}

	generated, err := schedule.Generate(start, req.Weeks, prefs, items)
	if errors.Is(err, schedule.ErrUnknownTimezone) {
		return nil, nil, validationError("Preferences carry an unknown timezone", map[string]any{"timezone": prefs.Timezone})
	}
	if err != nil {
		return nil, nil, fmt.Errorf("generate schedule: %w", err)
	}

	names := make(map[int64]string, len(items))
	for _, item := range items {
		names[item.ID] = item.Name
	}
	planned := make([]PlannedSession, len(generated))
	for i, g := range generated {
		planned[i] = PlannedSession{ItemID: g.ItemID, ItemName: names[g.ItemID], Start: g.Start, End: g.End}
	}
	return generated, planned, nil
}

func (s *Service) ListSessions(ctx context.Context, userID, from, to string) ([]SessionView, error) {
	var filter store.SessionFilter
	var err error
	if filter.From, err = parseOptionalTime("from", from); err != nil {
		return nil, err
	}
	if filter.To, err = parseOptionalTime("to", to); err != nil {
		return nil, err
	}

	rows, err := s.store.ListSessions(ctx, userID, filter)
	if err != nil {
		return nil, err
	}
	views := make([]SessionView, len(rows))
	for i, row := range rows {
		views[i] = sessionView(row)
	}
	return views, nil
}

func (s *Service) CreateSession(ctx context.Context, userID string, input CreateSessionInput) (SessionView, error) {
	if input.ItemID <= 0 {
		return SessionView{}, validationError("itemId is required", nil)
	}
	if err := validateWindow(input.Start, input.End); err != nil {
		return SessionView{}, err
	}

	row := store.ScheduledSession{
		ID:     util.NewID("ses"),
		UserID: userID,
		ItemID: input.ItemID,
		Start:  input.Start.UTC(),
		End:    input.End.UTC(),
		Notes:  strings.TrimSpace(input.Notes),
	}
	if err := s.store.InsertSession(ctx, &row); err != nil {
		if errors.Is(err, store.ErrInvalidReference) {
			return SessionView{}, validationError("itemId does not reference an open backlog item", map[string]any{"itemId": input.ItemID})
		}
		return SessionView{}, fmt.Errorf("create session: %w", err)
	}

	s.enqueue(calsync.Task{Kind: calsync.TaskSessionCreated, UserID: userID, SessionID: row.ID, Session: sessionEvent(row)})
	return sessionView(row), nil
}

func (s *Service) UpdateSession(ctx context.Context, userID, sessionID string, input UpdateSessionInput) (SessionView, error) {
	current, err := s.store.GetSession(ctx, userID, sessionID)
	if err != nil {
		return SessionView{}, err
	}

	if input.Start != nil {
		current.Start = input.Start.UTC()
	}
	if input.End != nil {
		current.End = input.End.UTC()
	}
	if input.Notes != nil {
		current.Notes = strings.TrimSpace(*input.Notes)
	}
	if err := validateWindow(current.Start, current.End); err != nil {
		return SessionView{}, err
	}

	updated, err := s.store.UpdateSession(ctx, current)
	if err != nil {
		return SessionView{}, err
	}

	s.enqueue(calsync.Task{Kind: calsync.TaskSessionUpdated, UserID: userID, SessionID: updated.ID, Session: sessionEvent(updated)})
	return sessionView(updated), nil
}

func (s *Service) DeleteSession(ctx context.Context, userID, sessionID string) error {
	deleted, err := s.store.DeleteSession(ctx, userID, sessionID)
	if err != nil {
		return err
	}
	if deleted.ExternalEventID != nil && *deleted.ExternalEventID != "" {
		s.enqueue(calsync.Task{
			Kind:            calsync.TaskSessionDeleted,
			UserID:          userID,
			SessionID:       deleted.ID,
			ExternalEventID: *deleted.ExternalEventID,
		})
	}
	return nil
}

func (s *Service) SyncStatus(ctx context.Context, userID string) (SyncStatus, error) {
	creds, err := s.store.GetCalendarCredentials(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return SyncStatus{}, nil
	}
	if err != nil {
		return SyncStatus{}, fmt.Errorf("load sync status: %w", err)
	}
	connected := creds.RefreshToken != "" && creds.CalendarID != ""
	return SyncStatus{
		Connected:      connected,
		Enabled:        connected && creds.SyncEnabled,
		CalendarID:     creds.CalendarID,
		Timezone:       creds.Timezone,
		DisabledReason: creds.DisabledReason,
		DisabledAt:     creds.DisabledAt,
	}, nil
}

// ConnectCalendar stores a provider grant and re-enables sync.
func (s *Service) ConnectCalendar(ctx context.Context, userID string, input ConnectCalendarInput) (SyncStatus, error) {
	missing := make([]string, 0, 3)
	for field, value := range map[string]string{
		"accessToken":  input.AccessToken,
		"refreshToken": input.RefreshToken,
		"calendarId":   input.CalendarID,
	} {
		if strings.TrimSpace(value) == "" {
			missing = append(missing, field)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return SyncStatus{}, validationError("Missing calendar connection fields", map[string]any{"missing": missing})
	}
	timezone := strings.TrimSpace(input.Timezone)
	if timezone == "" {
		timezone = "UTC"
	}
	if _, err := schedule.LoadLocation(timezone); err != nil {
		return SyncStatus{}, validationError("Unknown timezone", map[string]any{"timezone": timezone})
	}

	if err := s.store.EnsureUser(ctx, userID, ""); err != nil {
		return SyncStatus{}, err
	}
	if err := s.store.UpsertCalendarConnection(ctx, store.CalendarCredentials{
		UserID:       userID,
		SyncEnabled:  true,
		AccessToken:  strings.TrimSpace(input.AccessToken),
		RefreshToken: strings.TrimSpace(input.RefreshToken),
		CalendarID:   strings.TrimSpace(input.CalendarID),
		Timezone:     timezone,
		ExpiresAt:    input.ExpiresAt,
	}); err != nil {
		return SyncStatus{}, fmt.Errorf("connect calendar: %w", err)
	}

	if s.failures != nil {
		if err := s.failures.ResetFailures(ctx, userID); err != nil {
			s.logger.Warn().Err(err).Str("user_id", userID).Msg("reset refresh failures after reconnect")
		}
	}
	return s.SyncStatus(ctx, userID)
}

// Ping verifies the database connection is alive
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// PingCache reports whether the lock store is reachable. A missing cache is
// not an error: sync runs without the refresh lock.
func (s *Service) PingCache(ctx context.Context) error {
	if s.cache == nil {
		return nil
	}
	return s.cache.Ping(ctx)
}

func (s *Service) enqueue(task calsync.Task) {
	if s.queue == nil {
		return
	}
	s.queue.Enqueue(task)
}

func sessionEvent(row store.ScheduledSession) calsync.SessionEvent {
	return calsync.SessionEvent{
		SessionID: row.ID,
		ItemName:  row.ItemName,
		Start:     row.Start,
		End:       row.End,
		Notes:     row.Notes,
	}
}

func sessionView(row store.ScheduledSession) SessionView {
	return SessionView{
		ID:              row.ID,
		ItemID:          row.ItemID,
		ItemName:        row.ItemName,
		Start:           row.Start,
		End:             row.End,
		Notes:           row.Notes,
		ExternalEventID: row.ExternalEventID,
	}
}

// parseStartDate accepts a calendar date or an RFC 3339 instant; only the
// calendar date is used.
func parseStartDate(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, validationError("startDate is required", nil)
	}
	if t, err := time.Parse(dateLayout, raw); err == nil {
		return t, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		y, m, d := t.Date()
		return time.Date(y, m, d, 0, 0, 0, 0, time.UTC), nil
	}
	return time.Time{}, validationError("startDate must be YYYY-MM-DD", map[string]any{"startDate": raw})
}

func parseOptionalTime(field, raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, validationError(field+" must be an RFC 3339 timestamp", map[string]any{field: raw})
	}
	return t, nil
}

func validateWindow(start, end time.Time) error {
	if start.IsZero() || end.IsZero() {
		return validationError("start and end are required", nil)
	}
	if !end.After(start) {
		return validationError("end must be after start", nil)
	}
	return nil
}
