package app

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"questlog/api/internal/calsync"
	"questlog/api/internal/config"
	"questlog/api/internal/metrics"
	"questlog/api/internal/schedule"
	"questlog/api/internal/store"
)

type fakeStore struct {
	getPreferencesFn   func(context.Context, string) (schedule.Preferences, error)
	listBacklogFn      func(context.Context, string) ([]schedule.BacklogItem, error)
	insertSessionsFn   func(context.Context, []store.ScheduledSession) error
	insertSessionFn    func(context.Context, *store.ScheduledSession) error
	getSessionFn       func(context.Context, string, string) (store.ScheduledSession, error)
	updateSessionFn    func(context.Context, store.ScheduledSession) (store.ScheduledSession, error)
	deleteSessionFn    func(context.Context, string, string) (store.ScheduledSession, error)
	listSessionsFn     func(context.Context, string, store.SessionFilter) ([]store.ScheduledSession, error)
	getCredentialsFn   func(context.Context, string) (store.CalendarCredentials, error)
	ensureUserFn       func(context.Context, string, string) error
	upsertConnectionFn func(context.Context, store.CalendarCredentials) error
	pingFn             func(context.Context) error
}

func (f *fakeStore) GetPreferences(ctx context.Context, userID string) (schedule.Preferences, error) {
	if f.getPreferencesFn != nil {
		return f.getPreferencesFn(ctx, userID)
	}
	return schedule.Preferences{}, store.ErrNotFound
}

func (f *fakeStore) ListBacklog(ctx context.Context, userID string) ([]schedule.BacklogItem, error) {
	if f.listBacklogFn != nil {
		return f.listBacklogFn(ctx, userID)
	}
	return nil, nil
}

func (f *fakeStore) InsertSessions(ctx context.Context, rows []store.ScheduledSession) error {
	if f.insertSessionsFn != nil {
		return f.insertSessionsFn(ctx, rows)
	}
	return nil
}

func (f *fakeStore) InsertSession(ctx context.Context, row *store.ScheduledSession) error {
	if f.insertSessionFn != nil {
		return f.insertSessionFn(ctx, row)
	}
	return nil
}

func (f *fakeStore) GetSession(ctx context.Context, userID, sessionID string) (store.ScheduledSession, error) {
	if f.getSessionFn != nil {
		return f.getSessionFn(ctx, userID, sessionID)
	}
	return store.ScheduledSession{}, store.ErrNotFound
}

func (f *fakeStore) UpdateSession(ctx context.Context, row store.ScheduledSession) (store.ScheduledSession, error) {
	if f.updateSessionFn != nil {
		return f.updateSessionFn(ctx, row)
	}
	return row, nil
}

func (f *fakeStore) DeleteSession(ctx context.Context, userID, sessionID string) (store.ScheduledSession, error) {
	if f.deleteSessionFn != nil {
		return f.deleteSessionFn(ctx, userID, sessionID)
	}
	return store.ScheduledSession{}, store.ErrNotFound
}

func (f *fakeStore) ListSessions(ctx context.Context, userID string, filter store.SessionFilter) ([]store.ScheduledSession, error) {
	if f.listSessionsFn != nil {
		return f.listSessionsFn(ctx, userID, filter)
	}
	return nil, nil
}

func (f *fakeStore) GetCalendarCredentials(ctx context.Context, userID string) (store.CalendarCredentials, error) {
	if f.getCredentialsFn != nil {
		return f.getCredentialsFn(ctx, userID)
	}
	return store.CalendarCredentials{}, store.ErrNotFound
}

func (f *fakeStore) EnsureUser(ctx context.Context, userID, displayName string) error {
	if f.ensureUserFn != nil {
		return f.ensureUserFn(ctx, userID, displayName)
	}
	return nil
}

func (f *fakeStore) UpsertCalendarConnection(ctx context.Context, creds store.CalendarCredentials) error {
	if f.upsertConnectionFn != nil {
		return f.upsertConnectionFn(ctx, creds)
	}
	return nil
}

func (f *fakeStore) Ping(ctx context.Context) error {
	if f.pingFn != nil {
		return f.pingFn(ctx)
	}
	return nil
}

type fakeQueue struct {
	mu    sync.Mutex
	tasks []calsync.Task
}

func (q *fakeQueue) Enqueue(task calsync.Task) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tasks = append(q.tasks, task)
	return true
}

func (q *fakeQueue) Tasks() []calsync.Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]calsync.Task(nil), q.tasks...)
}

type fakeResetter struct {
	users []string
	err   error
}

func (f *fakeResetter) ResetFailures(_ context.Context, userID string) error {
	f.users = append(f.users, userID)
	return f.err
}

const testSecret = "test-secret"

func newTestService(fs *fakeStore, q *fakeQueue) *Service {
	deps := Dependencies{Metrics: metrics.New(), Logger: zerolog.Nop()}
	if q != nil {
		deps.Queue = q
	}
	return NewService(config.Config{JWTSecret: testSecret}, fs, deps)
}

func intPtr(v int) *int { return &v }

func schedulingStore() *fakeStore {
	return &fakeStore{
		getPreferencesFn: func(context.Context, string) (schedule.Preferences, error) {
			return schedule.Preferences{WeeklyBudgetMinutes: 120, SessionLengthMinutes: 60, Timezone: "UTC"}, nil
		},
		listBacklogFn: func(context.Context, string) ([]schedule.BacklogItem, error) {
			return []schedule.BacklogItem{
				{ID: 1, Name: "Celeste", EstimatedTotalMinutes: intPtr(60)},
				{ID: 2, Name: "Outer Wilds"},
			}, nil
		},
	}
}

func assertDomainError(t *testing.T, err error, status int) *DomainError {
	t.Helper()
	var domainErr *DomainError
	if !errors.As(err, &domainErr) {
		t.Fatalf("expected domain error, got %v", err)
	}
	if domainErr.Status != status {
		t.Fatalf("expected status %d, got %d (%s)", status, domainErr.Status, domainErr.Message)
	}
	return domainErr
}

func TestPreviewScheduleDoesNotPersist(t *testing.T) {
	fs := schedulingStore()
	fs.insertSessionsFn = func(context.Context, []store.ScheduledSession) error {
		t.Fatal("preview must not persist")
		return nil
	}
	q := &fakeQueue{}
	svc := newTestService(fs, q)

	planned, err := svc.PreviewSchedule(context.Background(), "usr_1", ScheduleRequest{StartDate: "2026-01-07", Weeks: 1})
	if err != nil {
		t.Fatalf("PreviewSchedule() error = %v", err)
	}
	if len(planned) != 2 {
		t.Fatalf("expected 2 planned sessions, got %d", len(planned))
	}
	wantStart := time.Date(2026, time.January, 5, 19, 0, 0, 0, time.UTC)
	if planned[0].ItemName != "Celeste" || !planned[0].Start.Equal(wantStart) {
		t.Fatalf("unexpected first session: %+v", planned[0])
	}
	if planned[1].ItemName != "Outer Wilds" || !planned[1].Start.Equal(wantStart.Add(24*time.Hour)) {
		t.Fatalf("unexpected second session: %+v", planned[1])
	}
	if len(q.Tasks()) != 0 {
		t.Fatalf("preview must not enqueue sync work")
	}
}

func TestGenerateSchedulePersistsAndEnqueuesBatch(t *testing.T) {
	fs := schedulingStore()
	var persisted []store.ScheduledSession
	fs.insertSessionsFn = func(_ context.Context, rows []store.ScheduledSession) error {
		persisted = rows
		return nil
	}
	q := &fakeQueue{}
	svc := newTestService(fs, q)

	views, err := svc.GenerateSchedule(context.Background(), "usr_1", ScheduleRequest{StartDate: "2026-01-05", Weeks: 2})
	if err != nil {
		t.Fatalf("GenerateSchedule() error = %v", err)
	}
	if len(persisted) != 4 || len(views) != 4 {
		t.Fatalf("expected 4 sessions, persisted %d returned %d", len(persisted), len(views))
	}
	for i, row := range persisted {
		if !strings.HasPrefix(row.ID, "ses_") || row.UserID != "usr_1" {
			t.Fatalf("row %d has unexpected identity: %+v", i, row)
		}
		if views[i].ID != row.ID || views[i].ExternalEventID != nil {
			t.Fatalf("view %d does not mirror row: %+v", i, views[i])
		}
	}

	tasks := q.Tasks()
	if len(tasks) != 1 || tasks[0].Kind != calsync.TaskBatchGenerated {
		t.Fatalf("expected one batch task, got %+v", tasks)
	}
	if len(tasks[0].Sessions) != 4 || tasks[0].Sessions[0].ItemName != "Celeste" {
		t.Fatalf("unexpected batch payload: %+v", tasks[0].Sessions)
	}
}

func TestGenerateScheduleEmptyBacklogSkipsSync(t *testing.T) {
	fs := schedulingStore()
	fs.listBacklogFn = func(context.Context, string) ([]schedule.BacklogItem, error) { return nil, nil }
	q := &fakeQueue{}
	svc := newTestService(fs, q)

	views, err := svc.GenerateSchedule(context.Background(), "usr_1", ScheduleRequest{StartDate: "2026-01-05", Weeks: 1})
	if err != nil {
		t.Fatalf("GenerateSchedule() error = %v", err)
	}
	if len(views) != 0 || len(q.Tasks()) != 0 {
		t.Fatalf("expected no sessions and no tasks, got %d / %d", len(views), len(q.Tasks()))
	}
}

func TestGenerateScheduleValidation(t *testing.T) {
	svc := newTestService(schedulingStore(), nil)
	ctx := context.Background()

	cases := []ScheduleRequest{
		{StartDate: "", Weeks: 1},
		{StartDate: "05/01/2026", Weeks: 1},
		{StartDate: "2026-01-05", Weeks: 0},
		{StartDate: "2026-01-05", Weeks: 53},
	}
	for _, req := range cases {
		_, err := svc.GenerateSchedule(ctx, "usr_1", req)
		assertDomainError(t, err, http.StatusUnprocessableEntity)
	}
}

func TestGenerateScheduleWithoutPreferences(t *testing.T) {
	fs := schedulingStore()
	fs.getPreferencesFn = nil
	svc := newTestService(fs, nil)

	_, err := svc.GenerateSchedule(context.Background(), "usr_1", ScheduleRequest{StartDate: "2026-01-05", Weeks: 1})
	assertDomainError(t, err, http.StatusNotFound)
}

func TestGenerateScheduleUnknownTimezone(t *testing.T) {
	fs := schedulingStore()
	fs.getPreferencesFn = func(context.Context, string) (schedule.Preferences, error) {
		return schedule.Preferences{WeeklyBudgetMinutes: 60, SessionLengthMinutes: 60, Timezone: "Mars/Olympus"}, nil
	}
	svc := newTestService(fs, nil)

	_, err := svc.PreviewSchedule(context.Background(), "usr_1", ScheduleRequest{StartDate: "2026-01-05", Weeks: 1})
	assertDomainError(t, err, http.StatusUnprocessableEntity)
}

func TestGenerateScheduleStoreFailure(t *testing.T) {
	fs := schedulingStore()
	fs.insertSessionsFn = func(context.Context, []store.ScheduledSession) error { return errors.New("disk full") }
	q := &fakeQueue{}
	svc := newTestService(fs, q)

	_, err := svc.GenerateSchedule(context.Background(), "usr_1", ScheduleRequest{StartDate: "2026-01-05", Weeks: 1})
	if err == nil || !strings.Contains(err.Error(), "persist schedule") {
		t.Fatalf("expected wrapped persistence error, got %v", err)
	}
	if len(q.Tasks()) != 0 {
		t.Fatalf("failed generation must not enqueue sync work")
	}
}

func TestCreateSessionEnqueuesSync(t *testing.T) {
	fs := &fakeStore{
		insertSessionFn: func(_ context.Context, row *store.ScheduledSession) error {
			row.ItemName = "Hades"
			return nil
		},
	}
	q := &fakeQueue{}
	svc := newTestService(fs, q)

	start := time.Date(2026, time.March, 2, 18, 0, 0, 0, time.UTC)
	view, err := svc.CreateSession(context.Background(), "usr_1", CreateSessionInput{
		ItemID: 7,
		Start:  start,
		End:    start.Add(time.Hour),
		Notes:  "  one more run  ",
	})
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	if view.ItemName != "Hades" || view.Notes != "one more run" {
		t.Fatalf("unexpected view: %+v", view)
	}

	tasks := q.Tasks()
	if len(tasks) != 1 || tasks[0].Kind != calsync.TaskSessionCreated || tasks[0].SessionID != view.ID {
		t.Fatalf("expected created task for %s, got %+v", view.ID, tasks)
	}
	if tasks[0].Session.ItemName != "Hades" {
		t.Fatalf("task should carry the item name, got %+v", tasks[0].Session)
	}
}

func TestCreateSessionRejectsForeignItem(t *testing.T) {
	fs := &fakeStore{
		insertSessionFn: func(context.Context, *store.ScheduledSession) error { return store.ErrInvalidReference },
	}
	q := &fakeQueue{}
	svc := newTestService(fs, q)

	start := time.Date(2026, time.March, 2, 18, 0, 0, 0, time.UTC)
	_, err := svc.CreateSession(context.Background(), "usr_1", CreateSessionInput{ItemID: 99, Start: start, End: start.Add(time.Hour)})
	assertDomainError(t, err, http.StatusUnprocessableEntity)
	if len(q.Tasks()) != 0 {
		t.Fatalf("rejected create must not enqueue sync work")
	}
}

func TestCreateSessionValidatesWindow(t *testing.T) {
	svc := newTestService(&fakeStore{}, nil)
	start := time.Date(2026, time.March, 2, 18, 0, 0, 0, time.UTC)

	_, err := svc.CreateSession(context.Background(), "usr_1", CreateSessionInput{ItemID: 1, Start: start, End: start})
	assertDomainError(t, err, http.StatusUnprocessableEntity)

	_, err = svc.CreateSession(context.Background(), "usr_1", CreateSessionInput{Start: start, End: start.Add(time.Hour)})
	assertDomainError(t, err, http.StatusUnprocessableEntity)
}

func TestUpdateSessionAppliesPartialChanges(t *testing.T) {
	start := time.Date(2026, time.March, 2, 18, 0, 0, 0, time.UTC)
	eventID := "evt_1"
	fs := &fakeStore{
		getSessionFn: func(_ context.Context, userID, sessionID string) (store.ScheduledSession, error) {
			return store.ScheduledSession{
				ID: sessionID, UserID: userID, ItemID: 3, ItemName: "Tunic",
				Start: start, End: start.Add(time.Hour), Notes: "old", ExternalEventID: &eventID,
			}, nil
		},
	}
	var saved store.ScheduledSession
	fs.updateSessionFn = func(_ context.Context, row store.ScheduledSession) (store.ScheduledSession, error) {
		saved = row
		return row, nil
	}
	q := &fakeQueue{}
	svc := newTestService(fs, q)

	notes := "fox time"
	view, err := svc.UpdateSession(context.Background(), "usr_1", "ses_1", UpdateSessionInput{Notes: &notes})
	if err != nil {
		t.Fatalf("UpdateSession() error = %v", err)
	}
	if saved.Notes != "fox time" || !saved.Start.Equal(start) {
		t.Fatalf("unexpected saved row: %+v", saved)
	}
	if view.ExternalEventID == nil || *view.ExternalEventID != "evt_1" {
		t.Fatalf("external event id should be preserved, got %v", view.ExternalEventID)
	}
	tasks := q.Tasks()
	if len(tasks) != 1 || tasks[0].Kind != calsync.TaskSessionUpdated || tasks[0].Session.Notes != "fox time" {
		t.Fatalf("expected updated task, got %+v", tasks)
	}
}

func TestUpdateSessionRejectsInvertedWindow(t *testing.T) {
	start := time.Date(2026, time.March, 2, 18, 0, 0, 0, time.UTC)
	fs := &fakeStore{
		getSessionFn: func(context.Context, string, string) (store.ScheduledSession, error) {
			return store.ScheduledSession{ID: "ses_1", Start: start, End: start.Add(time.Hour)}, nil
		},
		updateSessionFn: func(context.Context, store.ScheduledSession) (store.ScheduledSession, error) {
			t.Fatal("invalid update must not reach the store")
			return store.ScheduledSession{}, nil
		},
	}
	svc := newTestService(fs, nil)

	earlier := start.Add(-time.Hour)
	_, err := svc.UpdateSession(context.Background(), "usr_1", "ses_1", UpdateSessionInput{End: &earlier})
	assertDomainError(t, err, http.StatusUnprocessableEntity)
}

func TestUpdateSessionMissing(t *testing.T) {
	svc := newTestService(&fakeStore{}, nil)
	_, err := svc.UpdateSession(context.Background(), "usr_1", "ses_missing", UpdateSessionInput{})
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDeleteSessionEnqueuesOnlySyncedSessions(t *testing.T) {
	eventID := "evt_9"
	rows := map[string]store.ScheduledSession{
		"ses_synced":   {ID: "ses_synced", ExternalEventID: &eventID},
		"ses_unsynced": {ID: "ses_unsynced"},
	}
	fs := &fakeStore{
		deleteSessionFn: func(_ context.Context, _ string, sessionID string) (store.ScheduledSession, error) {
			row, ok := rows[sessionID]
			if !ok {
				return store.ScheduledSession{}, store.ErrNotFound
			}
			return row, nil
		},
	}
	q := &fakeQueue{}
	svc := newTestService(fs, q)
	ctx := context.Background()

	if err := svc.DeleteSession(ctx, "usr_1", "ses_unsynced"); err != nil {
		t.Fatalf("DeleteSession(unsynced) error = %v", err)
	}
	if err := svc.DeleteSession(ctx, "usr_1", "ses_synced"); err != nil {
		t.Fatalf("DeleteSession(synced) error = %v", err)
	}
	if err := svc.DeleteSession(ctx, "usr_1", "ses_missing"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	tasks := q.Tasks()
	if len(tasks) != 1 || tasks[0].Kind != calsync.TaskSessionDeleted || tasks[0].ExternalEventID != "evt_9" {
		t.Fatalf("expected a single delete task for evt_9, got %+v", tasks)
	}
}

func TestListSessionsParsesWindow(t *testing.T) {
	var got store.SessionFilter
	fs := &fakeStore{
		listSessionsFn: func(_ context.Context, _ string, filter store.SessionFilter) ([]store.ScheduledSession, error) {
			got = filter
			return []store.ScheduledSession{{ID: "ses_1"}}, nil
		},
	}
	svc := newTestService(fs, nil)

	views, err := svc.ListSessions(context.Background(), "usr_1", "2026-01-01T00:00:00Z", "")
	if err != nil {
		t.Fatalf("ListSessions() error = %v", err)
	}
	if len(views) != 1 || !got.From.Equal(time.Date(2026, time.January, 1, 0, 0, 0, 0, time.UTC)) || !got.To.IsZero() {
		t.Fatalf("unexpected filter %+v or views %+v", got, views)
	}

	_, err = svc.ListSessions(context.Background(), "usr_1", "yesterday", "")
	assertDomainError(t, err, http.StatusUnprocessableEntity)
}

func TestSyncStatus(t *testing.T) {
	disabledAt := time.Date(2026, time.February, 1, 9, 0, 0, 0, time.UTC)
	fs := &fakeStore{
		getCredentialsFn: func(context.Context, string) (store.CalendarCredentials, error) {
			return store.CalendarCredentials{
				RefreshToken: "r", CalendarID: "primary", Timezone: "Europe/Berlin",
				DisabledReason: "circuit_breaker", DisabledAt: &disabledAt,
			}, nil
		},
	}
	svc := newTestService(fs, nil)

	status, err := svc.SyncStatus(context.Background(), "usr_1")
	if err != nil {
		t.Fatalf("SyncStatus() error = %v", err)
	}
	if !status.Connected || status.Enabled || status.DisabledReason != "circuit_breaker" {
		t.Fatalf("unexpected status: %+v", status)
	}

	empty, err := newTestService(&fakeStore{}, nil).SyncStatus(context.Background(), "usr_2")
	if err != nil || empty.Connected {
		t.Fatalf("expected disconnected status, got %+v / %v", empty, err)
	}
}

func TestConnectCalendarStoresGrantAndResetsFailures(t *testing.T) {
	var saved store.CalendarCredentials
	fs := &fakeStore{}
	fs.upsertConnectionFn = func(_ context.Context, creds store.CalendarCredentials) error {
		saved = creds
		fs.getCredentialsFn = func(context.Context, string) (store.CalendarCredentials, error) { return creds, nil }
		return nil
	}
	resetter := &fakeResetter{}
	svc := NewService(config.Config{}, fs, Dependencies{Failures: resetter, Logger: zerolog.Nop()})

	status, err := svc.ConnectCalendar(context.Background(), "usr_1", ConnectCalendarInput{
		AccessToken:  "a",
		RefreshToken: "r",
		CalendarID:   "primary",
		Timezone:     "America/Chicago",
		ExpiresAt:    time.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("ConnectCalendar() error = %v", err)
	}
	if !saved.SyncEnabled || saved.Timezone != "America/Chicago" {
		t.Fatalf("unexpected saved credentials: %+v", saved)
	}
	if !status.Connected || !status.Enabled {
		t.Fatalf("expected enabled status, got %+v", status)
	}
	if len(resetter.users) != 1 || resetter.users[0] != "usr_1" {
		t.Fatalf("expected failure reset for usr_1, got %v", resetter.users)
	}
}

func TestConnectCalendarValidation(t *testing.T) {
	svc := newTestService(&fakeStore{}, nil)
	ctx := context.Background()

	_, err := svc.ConnectCalendar(ctx, "usr_1", ConnectCalendarInput{AccessToken: "a"})
	domainErr := assertDomainError(t, err, http.StatusUnprocessableEntity)
	details, _ := domainErr.Details.(map[string]any)
	missing, _ := details["missing"].([]string)
	if strings.Join(missing, ",") != "calendarId,refreshToken" {
		t.Fatalf("unexpected missing fields: %v", missing)
	}

	_, err = svc.ConnectCalendar(ctx, "usr_1", ConnectCalendarInput{AccessToken: "a", RefreshToken: "r", CalendarID: "c", Timezone: "Nowhere/Land"})
	assertDomainError(t, err, http.StatusUnprocessableEntity)
}

func TestAuthenticate(t *testing.T) {
	svc := newTestService(&fakeStore{}, nil)
	token := issueTestToken(t, "usr_42")

	userID, err := svc.Authenticate(token)
	if err != nil || userID != "usr_42" {
		t.Fatalf("Authenticate() = %q, %v", userID, err)
	}
	if _, err := svc.Authenticate("not-a-token"); err == nil {
		t.Fatal("expected error for malformed token")
	}
}
