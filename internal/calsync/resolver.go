// Package calsync mirrors scheduled sessions into the user's external
// calendar. Everything here is best-effort: failures are logged and counted,
// and never reach the request that changed the session.
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
	"questlog/api/internal/util"
)

const (
	// ExpirySkew treats a token as expired this long before its real expiry.
	ExpirySkew = 60 * time.Second
	// RefreshLockTTL bounds how long a crashed holder can block refreshes.
	RefreshLockTTL = 30 * time.Second
	// FailureWindow is the lifetime of the transient failure counter,
	// measured from the first failure.
	FailureWindow = 24 * time.Hour
	// FailureThreshold transient failures inside the window disable sync.
	FailureThreshold = 3

	releaseTimeout = 5 * time.Second
)

// Connection is a usable provider connection. Only Resolver builds one.
type Connection struct {
	AccessToken string
	CalendarID  string
	Timezone    string
}

type CredentialStore interface {
	GetCalendarCredentials(ctx context.Context, userID string) (store.CalendarCredentials, error)
	SaveRefreshedToken(ctx context.Context, userID, accessToken, refreshToken string, expiresAt time.Time) error
	DisableSync(ctx context.Context, userID, reason string) error
}

// LockStore is the shared lock and counter store. Implementations must be
// safe across processes.
type LockStore interface {
	SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Increment(ctx context.Context, key string, ttl time.Duration) (int64, error)
	Delete(ctx context.Context, key string) error
	CompareAndDelete(ctx context.Context, key, value string) (bool, error)
}

type TokenRefresher interface {
	Refresh(ctx context.Context, refreshToken string) calendar.RefreshResult
}

func RefreshLockKey(userID string) string {
	return "calsync:refresh-lock:" + userID
}

func FailureKey(userID string) string {
	return "calsync:refresh-failures:" + userID
}

// Resolver turns stored credentials into a Connection, refreshing the access
// token when it is about to expire.
type Resolver struct {
	creds     CredentialStore
	locks     LockStore
	refresher TokenRefresher
	metrics   *metrics.Metrics
	logger    zerolog.Logger
	now       func() time.Time
}

func NewResolver(creds CredentialStore, locks LockStore, refresher TokenRefresher, m *metrics.Metrics, logger zerolog.Logger) *Resolver {
	return &Resolver{
		creds:     creds,
		locks:     locks,
		refresher: refresher,
		metrics:   m,
		logger:    logger.With().Str("component", "calsync_resolver").Logger(),
		now:       time.Now,
	}
}

// Resolve returns nil, nil whenever sync cannot run right now: not
// configured, disabled, refresh failed, or another process is refreshing.
// An error means a collaborator misbehaved.
func (r *Resolver) Resolve(ctx context.Context, userID string) (*Connection, error) {
	creds, err := r.creds.GetCalendarCredentials(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("resolve connection: %w", err)
	}
	if !creds.SyncEnabled || creds.AccessToken == "" || creds.RefreshToken == "" || creds.CalendarID == "" {
		return nil, nil
	}

	if creds.ExpiresAt.After(r.now().Add(ExpirySkew)) {
		return &Connection{AccessToken: creds.AccessToken, CalendarID: creds.CalendarID, Timezone: creds.Timezone}, nil
	}
	return r.refresh(ctx, creds)
}

func (r *Resolver) refresh(ctx context.Context, creds store.CalendarCredentials) (*Connection, error) {
	log := r.logger.With().Str("user_id", creds.UserID).Logger()
	lockKey := RefreshLockKey(creds.UserID)

	owner := util.NewID("lock")

	acquired, err := r.locks.SetIfAbsent(ctx, lockKey, owner, RefreshLockTTL)
	switch {
	case err != nil:
		// The lock store being down must not stop sync for everyone.
		log.Warn().Err(err).Msg("refresh lock unavailable, refreshing without it")
	case !acquired:
		log.Debug().Msg("refresh already in progress")
		return nil, nil
	default:
		defer r.release(ctx, lockKey, owner, log)
	}

	result := r.refresher.Refresh(ctx, creds.RefreshToken)
	r.metrics.RecordRefresh(result.Outcome.String())

	// Writes after the provider answered must land even if the request that
	// triggered the refresh has gone away; a rotated refresh token is only
	// valid once.
	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()

	switch result.Outcome {
	case calendar.RefreshOK:
		if err := r.creds.SaveRefreshedToken(persistCtx, creds.UserID, result.AccessToken, result.RefreshToken, result.Expiry); err != nil {
			return nil, fmt.Errorf("save refreshed token: %w", err)
		}
		if err := r.locks.Delete(persistCtx, FailureKey(creds.UserID)); err != nil {
			log.Warn().Err(err).Msg("reset refresh failure counter")
		}
		log.Info().Time("expires_at", result.Expiry).Msg("calendar token refreshed")
		return &Connection{AccessToken: result.AccessToken, CalendarID: creds.CalendarID, Timezone: creds.Timezone}, nil

	case calendar.RefreshPermanent:
		log.Warn().Err(result.Err).Msg("refresh token rejected")
		r.disable(persistCtx, creds.UserID, "refresh token rejected by provider", "permanent", log)
		return nil, nil

	default:
		log.Warn().Err(result.Err).Msg("token refresh failed")
		count, err := r.locks.Increment(persistCtx, FailureKey(creds.UserID), FailureWindow)
		if err != nil {
			log.Warn().Err(err).Msg("count refresh failure")
			return nil, nil
		}
		if count >= FailureThreshold {
			r.disable(persistCtx, creds.UserID, fmt.Sprintf("%d consecutive token refresh failures", count), "circuit_breaker", log)
		}
		return nil, nil
	}
}

// ResetFailures clears the transient failure counter, e.g. after the user
// reconnects.
func (r *Resolver) ResetFailures(ctx context.Context, userID string) error {
	if err := r.locks.Delete(ctx, FailureKey(userID)); err != nil {
		return fmt.Errorf("reset refresh failures: %w", err)
	}
	return nil
}

func (r *Resolver) disable(ctx context.Context, userID, reason, label string, log zerolog.Logger) {
	if err := r.creds.DisableSync(ctx, userID, reason); err != nil {
		log.Error().Err(err).Str("reason", reason).Msg("disable calendar sync")
		return
	}
	r.metrics.RecordSyncDisabled(label)
	log.Warn().Str("reason", reason).Msg("calendar sync disabled")
}

// release drops the lock only while this call still owns it. A holder that
// outlived the TTL leaves the next holder's lock alone.
func (r *Resolver) release(ctx context.Context, key, owner string, log zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()
	removed, err := r.locks.CompareAndDelete(ctx, key, owner)
	if err != nil {
		log.Warn().Err(err).Msg("release refresh lock")
		return
	}
	if !removed {
		log.Warn().Msg("refresh lock expired before release")
	}
}
