package calsync

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"questlog/api/internal/cache"
	"questlog/api/internal/calendar"
	"questlog/api/internal/store"
)

var testLogger = zerolog.Nop()

func newLockStore(t *testing.T) (*cache.RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return cache.NewRedisStoreWithClient(client), mr
}

type savedToken struct {
	access  string
	refresh string
	expiry  time.Time
}

type fakeCreds struct {
	mu       sync.Mutex
	creds    map[string]store.CalendarCredentials
	saved    []savedToken
	disabled []string

	getFn  func(ctx context.Context, userID string) (store.CalendarCredentials, error)
	saveFn func(ctx context.Context, userID string) error
}

func newFakeCreds(creds ...store.CalendarCredentials) *fakeCreds {
	f := &fakeCreds{creds: map[string]store.CalendarCredentials{}}
	for _, c := range creds {
		f.creds[c.UserID] = c
	}
	return f
}

func (f *fakeCreds) GetCalendarCredentials(ctx context.Context, userID string) (store.CalendarCredentials, error) {
	if f.getFn != nil {
		return f.getFn(ctx, userID)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.creds[userID]
	if !ok {
		return store.CalendarCredentials{}, store.ErrNotFound
	}
	return c, nil
}

func (f *fakeCreds) SaveRefreshedToken(ctx context.Context, userID, accessToken, refreshToken string, expiresAt time.Time) error {
	if f.saveFn != nil {
		if err := f.saveFn(ctx, userID); err != nil {
			return err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	c := f.creds[userID]
	c.AccessToken, c.RefreshToken, c.ExpiresAt = accessToken, refreshToken, expiresAt
	f.creds[userID] = c
	f.saved = append(f.saved, savedToken{access: accessToken, refresh: refreshToken, expiry: expiresAt})
	return nil
}

func (f *fakeCreds) DisableSync(_ context.Context, userID, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := f.creds[userID]
	c.SyncEnabled = false
	c.DisabledReason = reason
	f.creds[userID] = c
	f.disabled = append(f.disabled, reason)
	return nil
}

func (f *fakeCreds) disabledCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.disabled)
}

type fakeRefresher struct {
	mu      sync.Mutex
	calls   int
	tokens  []string
	results []calendar.RefreshResult
	fn      func(ctx context.Context, refreshToken string) calendar.RefreshResult
}

func (f *fakeRefresher) Refresh(ctx context.Context, refreshToken string) calendar.RefreshResult {
	f.mu.Lock()
	f.calls++
	f.tokens = append(f.tokens, refreshToken)
	var next *calendar.RefreshResult
	if len(f.results) > 0 {
		r := f.results[0]
		f.results = f.results[1:]
		next = &r
	}
	f.mu.Unlock()

	if f.fn != nil {
		return f.fn(ctx, refreshToken)
	}
	if next != nil {
		return *next
	}
	return calendar.RefreshResult{Outcome: calendar.RefreshTransient, Err: calendar.ErrTimeout}
}

func (f *fakeRefresher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fakeLocks delegates to a real store unless a hook is set.
type fakeLocks struct {
	LockStore
	setIfAbsentFn func() (bool, error)
	incrementFn   func() (int64, error)
}

func (f *fakeLocks) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if f.setIfAbsentFn != nil {
		return f.setIfAbsentFn()
	}
	return f.LockStore.SetIfAbsent(ctx, key, value, ttl)
}

func (f *fakeLocks) Increment(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	if f.incrementFn != nil {
		return f.incrementFn()
	}
	return f.LockStore.Increment(ctx, key, ttl)
}

type fakeResolver struct {
	conn  *Connection
	err   error
	calls int
}

func (f *fakeResolver) Resolve(context.Context, string) (*Connection, error) {
	f.calls++
	return f.conn, f.err
}

type fakeSessions struct {
	mu       sync.Mutex
	eventIDs map[string]string
	getErr   error
	setErr   error
}

func newFakeSessions(ids map[string]string) *fakeSessions {
	if ids == nil {
		ids = map[string]string{}
	}
	return &fakeSessions{eventIDs: ids}
}

func (f *fakeSessions) GetSessionEventID(_ context.Context, sessionID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return "", f.getErr
	}
	id, ok := f.eventIDs[sessionID]
	if !ok {
		return "", store.ErrNotFound
	}
	return id, nil
}

func (f *fakeSessions) SetSessionEventID(_ context.Context, sessionID, eventID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.setErr != nil {
		return f.setErr
	}
	if _, ok := f.eventIDs[sessionID]; !ok {
		return store.ErrNotFound
	}
	f.eventIDs[sessionID] = eventID
	return nil
}

func (f *fakeSessions) eventID(sessionID string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.eventIDs[sessionID]
}

type eventCall struct {
	op      string
	eventID string
	event   calendar.Event
}

type fakeEvents struct {
	mu       sync.Mutex
	calls    []eventCall
	nextID   int
	createFn func(ev calendar.Event) (string, error)
	updateFn func(eventID string) error
	deleteFn func(eventID string) error
}

func (f *fakeEvents) CreateEvent(_ context.Context, _, _ string, ev calendar.Event) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, eventCall{op: "create", event: ev})
	if f.createFn != nil {
		return f.createFn(ev)
	}
	f.nextID++
	return fmt.Sprintf("evt_%d", f.nextID), nil
}

func (f *fakeEvents) UpdateEvent(_ context.Context, _, _, eventID string, ev calendar.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, eventCall{op: "update", eventID: eventID, event: ev})
	if f.updateFn != nil {
		return f.updateFn(eventID)
	}
	return nil
}

func (f *fakeEvents) DeleteEvent(_ context.Context, _, _, eventID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, eventCall{op: "delete", eventID: eventID})
	if f.deleteFn != nil {
		return f.deleteFn(eventID)
	}
	return nil
}

func (f *fakeEvents) ops() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	ops := make([]string, 0, len(f.calls))
	for _, c := range f.calls {
		ops = append(ops, c.op)
	}
	return ops
}
