package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"questlog/api/internal/schedule"
)

// TokenSealer encrypts provider tokens before they touch the database.
type TokenSealer interface {
	Seal(plaintext string) (string, error)
	Open(sealed string) (string, error)
}

type PostgresStore struct {
	db     *sql.DB
	sealer TokenSealer
}

func NewPostgresStore(db *sql.DB, sealer TokenSealer) *PostgresStore {
	return &PostgresStore{db: db, sealer: sealer}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

// queryRower is satisfied by both *sql.DB and *sql.Tx.
type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *PostgresStore) EnsureUser(ctx context.Context, userID, displayName string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, display_name)
		VALUES ($1, $2)
		ON CONFLICT (id) DO NOTHING
	`, userID, displayName)
	if err != nil {
		return fmt.Errorf("ensure user: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetPreferences(ctx context.Context, userID string) (schedule.Preferences, error) {
	var prefs schedule.Preferences
	err := s.db.QueryRowContext(ctx, `
		SELECT weekly_budget_minutes, session_length_minutes, timezone
		FROM scheduling_preferences
		WHERE user_id=$1
	`, userID).Scan(&prefs.WeeklyBudgetMinutes, &prefs.SessionLengthMinutes, &prefs.Timezone)
	if errors.Is(err, sql.ErrNoRows) {
		return schedule.Preferences{}, ErrNotFound
	}
	if err != nil {
		return schedule.Preferences{}, fmt.Errorf("get preferences: %w", err)
	}
	return prefs, nil
}

// ListBacklog returns the user's open backlog in priority order.
func (s *PostgresStore) ListBacklog(ctx context.Context, userID string) ([]schedule.BacklogItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, estimated_total_minutes, consumed_minutes
		FROM backlog_items
		WHERE user_id=$1 AND completed_at IS NULL
		ORDER BY priority ASC, id ASC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list backlog: %w", err)
	}
	defer rows.Close()

	items := make([]schedule.BacklogItem, 0)
	for rows.Next() {
		var (
			item     schedule.BacklogItem
			estimate sql.NullInt32
		)
		if err := rows.Scan(&item.ID, &item.Name, &estimate, &item.ConsumedMinutes); err != nil {
			return nil, fmt.Errorf("scan backlog item: %w", err)
		}
		if estimate.Valid {
			minutes := int(estimate.Int32)
			item.EstimatedTotalMinutes = &minutes
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate backlog: %w", err)
	}
	return items, nil
}

// InsertSessions persists a generated batch atomically.
func (s *PostgresStore) InsertSessions(ctx context.Context, sessions []ScheduledSession) error {
	if len(sessions) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin insert sessions: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for i := range sessions {
		if err := insertSession(ctx, tx, &sessions[i]); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit insert sessions: %w", err)
	}
	return nil
}

func (s *PostgresStore) InsertSession(ctx context.Context, session *ScheduledSession) error {
	return insertSession(ctx, s.db, session)
}

// insertSession only inserts when the item belongs to the session's user and
// fills the server-assigned columns back into session.
func insertSession(ctx context.Context, q queryRower, session *ScheduledSession) error {
	err := q.QueryRowContext(ctx, `
		WITH ins AS (
			INSERT INTO scheduled_sessions (id, user_id, item_id, start_at, end_at, notes)
			SELECT $1, $2, b.id, $4, $5, $6
			FROM backlog_items b
			WHERE b.id=$3 AND b.user_id=$2
			RETURNING item_id, created_at, updated_at
		)
		SELECT b.name, ins.created_at, ins.updated_at
		FROM ins
		JOIN backlog_items b ON b.id = ins.item_id
	`, session.ID, session.UserID, session.ItemID, session.Start.UTC(), session.End.UTC(), session.Notes).
		Scan(&session.ItemName, &session.CreatedAt, &session.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("insert session %s: item %d: %w", session.ID, session.ItemID, ErrInvalidReference)
	}
	if err != nil {
		return fmt.Errorf("insert session %s: %w", session.ID, mapPgError(err))
	}
	session.ExternalEventID = nil
	return nil
}

func sessionColumns(alias string) string {
	return alias + `.id, ` + alias + `.user_id, ` + alias + `.item_id, b.name, ` +
		alias + `.start_at, ` + alias + `.end_at, ` + alias + `.notes, ` +
		alias + `.external_event_id, ` + alias + `.created_at, ` + alias + `.updated_at`
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (ScheduledSession, error) {
	var (
		item    ScheduledSession
		eventID sql.NullString
	)
	if err := row.Scan(&item.ID, &item.UserID, &item.ItemID, &item.ItemName, &item.Start, &item.End,
		&item.Notes, &eventID, &item.CreatedAt, &item.UpdatedAt); err != nil {
		return ScheduledSession{}, err
	}
	item.Start, item.End = item.Start.UTC(), item.End.UTC()
	if eventID.Valid {
		id := eventID.String
		item.ExternalEventID = &id
	}
	return item, nil
}

func (s *PostgresStore) GetSession(ctx context.Context, userID, sessionID string) (ScheduledSession, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns("s")+`
		FROM scheduled_sessions s
		JOIN backlog_items b ON b.id = s.item_id
		WHERE s.id=$1 AND s.user_id=$2
	`, sessionID, userID)
	item, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ScheduledSession{}, ErrNotFound
	}
	if err != nil {
		return ScheduledSession{}, fmt.Errorf("get session: %w", err)
	}
	return item, nil
}

// UpdateSession rewrites the editable fields. The external event id is left alone.
func (s *PostgresStore) UpdateSession(ctx context.Context, session ScheduledSession) (ScheduledSession, error) {
	row := s.db.QueryRowContext(ctx, `
		WITH upd AS (
			UPDATE scheduled_sessions
			SET start_at=$3, end_at=$4, notes=$5, updated_at=NOW()
			WHERE id=$1 AND user_id=$2
			RETURNING *
		)
		SELECT `+sessionColumns("upd")+`
		FROM upd
		JOIN backlog_items b ON b.id = upd.item_id
	`, session.ID, session.UserID, session.Start.UTC(), session.End.UTC(), session.Notes)
	item, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ScheduledSession{}, ErrNotFound
	}
	if err != nil {
		return ScheduledSession{}, fmt.Errorf("update session: %w", mapPgError(err))
	}
	return item, nil
}

// DeleteSession removes the row and returns it so the caller can clean up the
// mirrored event.
func (s *PostgresStore) DeleteSession(ctx context.Context, userID, sessionID string) (ScheduledSession, error) {
	row := s.db.QueryRowContext(ctx, `
		WITH del AS (
			DELETE FROM scheduled_sessions
			WHERE id=$1 AND user_id=$2
			RETURNING *
		)
		SELECT `+sessionColumns("del")+`
		FROM del
		JOIN backlog_items b ON b.id = del.item_id
	`, sessionID, userID)
	item, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ScheduledSession{}, ErrNotFound
	}
	if err != nil {
		return ScheduledSession{}, fmt.Errorf("delete session: %w", err)
	}
	return item, nil
}

func (s *PostgresStore) ListSessions(ctx context.Context, userID string, filter SessionFilter) ([]ScheduledSession, error) {
	var from, to any
	if !filter.From.IsZero() {
		from = filter.From.UTC()
	}
	if !filter.To.IsZero() {
		to = filter.To.UTC()
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sessionColumns("s")+`
		FROM scheduled_sessions s
		JOIN backlog_items b ON b.id = s.item_id
		WHERE s.user_id=$1
			AND ($2::timestamptz IS NULL OR s.start_at >= $2::timestamptz)
			AND ($3::timestamptz IS NULL OR s.start_at < $3::timestamptz)
		ORDER BY s.start_at ASC, s.id ASC
	`, userID, from, to)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	items := make([]ScheduledSession, 0)
	for rows.Next() {
		item, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return items, nil
}

// GetSessionEventID returns "" when the session has no mirrored event yet.
func (s *PostgresStore) GetSessionEventID(ctx context.Context, sessionID string) (string, error) {
	var eventID sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT external_event_id FROM scheduled_sessions WHERE id=$1`, sessionID).Scan(&eventID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get session event id: %w", err)
	}
	return eventID.String, nil
}

func (s *PostgresStore) SetSessionEventID(ctx context.Context, sessionID, eventID string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE scheduled_sessions SET external_event_id=$2 WHERE id=$1`, sessionID, eventID)
	if err != nil {
		return fmt.Errorf("set session event id: %w", mapPgError(err))
	}
	return requireRow(res, "set session event id")
}

func (s *PostgresStore) GetCalendarCredentials(ctx context.Context, userID string) (CalendarCredentials, error) {
	var (
		creds                 CalendarCredentials
		sealedAccess          string
		sealedRefresh         string
		expiresAt, disabledAt sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, sync_enabled, access_token_sealed, refresh_token_sealed, calendar_id,
			timezone, expires_at, disabled_reason, disabled_at
		FROM calendar_connections
		WHERE user_id=$1
	`, userID).Scan(&creds.UserID, &creds.SyncEnabled, &sealedAccess, &sealedRefresh, &creds.CalendarID,
		&creds.Timezone, &expiresAt, &creds.DisabledReason, &disabledAt)
	if errors.Is(err, sql.ErrNoRows) {
		return CalendarCredentials{}, ErrNotFound
	}
	if err != nil {
		return CalendarCredentials{}, fmt.Errorf("get calendar credentials: %w", err)
	}

	if creds.AccessToken, err = s.sealer.Open(sealedAccess); err != nil {
		return CalendarCredentials{}, fmt.Errorf("open access token: %w", err)
	}
	if creds.RefreshToken, err = s.sealer.Open(sealedRefresh); err != nil {
		return CalendarCredentials{}, fmt.Errorf("open refresh token: %w", err)
	}
	if expiresAt.Valid {
		creds.ExpiresAt = expiresAt.Time.UTC()
	}
	if disabledAt.Valid {
		at := disabledAt.Time.UTC()
		creds.DisabledAt = &at
	}
	return creds, nil
}

// SaveRefreshedToken stores a refreshed access token and the refresh token
// to use next time, which differs from the old one when the provider rotates.
func (s *PostgresStore) SaveRefreshedToken(ctx context.Context, userID, accessToken, refreshToken string, expiresAt time.Time) error {
	sealedAccess, err := s.sealer.Seal(accessToken)
	if err != nil {
		return fmt.Errorf("seal access token: %w", err)
	}
	sealedRefresh, err := s.sealer.Seal(refreshToken)
	if err != nil {
		return fmt.Errorf("seal refresh token: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE calendar_connections
		SET access_token_sealed=$2, refresh_token_sealed=$3, expires_at=$4, updated_at=NOW()
		WHERE user_id=$1
	`, userID, sealedAccess, sealedRefresh, expiresAt.UTC())
	if err != nil {
		return fmt.Errorf("save refreshed token: %w", err)
	}
	return requireRow(res, "save refreshed token")
}

func (s *PostgresStore) DisableSync(ctx context.Context, userID, reason string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE calendar_connections
		SET sync_enabled=FALSE, disabled_reason=$2, disabled_at=NOW(), updated_at=NOW()
		WHERE user_id=$1
	`, userID, reason)
	if err != nil {
		return fmt.Errorf("disable sync: %w", err)
	}
	return requireRow(res, "disable sync")
}

// UpsertCalendarConnection stores a fresh grant and turns sync back on.
func (s *PostgresStore) UpsertCalendarConnection(ctx context.Context, creds CalendarCredentials) error {
	sealedAccess, err := s.sealer.Seal(creds.AccessToken)
	if err != nil {
		return fmt.Errorf("seal access token: %w", err)
	}
	sealedRefresh, err := s.sealer.Seal(creds.RefreshToken)
	if err != nil {
		return fmt.Errorf("seal refresh token: %w", err)
	}
	var expiresAt any
	if !creds.ExpiresAt.IsZero() {
		expiresAt = creds.ExpiresAt.UTC()
	}
	timezone := creds.Timezone
	if timezone == "" {
		timezone = "UTC"
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO calendar_connections (user_id, sync_enabled, access_token_sealed, refresh_token_sealed, calendar_id, timezone, expires_at)
		VALUES ($1, TRUE, $2, $3, $4, $5, $6)
		ON CONFLICT (user_id) DO UPDATE SET
			sync_enabled=TRUE,
			access_token_sealed=EXCLUDED.access_token_sealed,
			refresh_token_sealed=EXCLUDED.refresh_token_sealed,
			calendar_id=EXCLUDED.calendar_id,
			timezone=EXCLUDED.timezone,
			expires_at=EXCLUDED.expires_at,
			disabled_reason='',
			disabled_at=NULL,
			updated_at=NOW()
	`, creds.UserID, sealedAccess, sealedRefresh, creds.CalendarID, timezone, expiresAt)
	if err != nil {
		return fmt.Errorf("upsert calendar connection: %w", mapPgError(err))
	}
	return nil
}

// Ping verifies the database connection is alive
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func requireRow(res sql.Result, op string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: rows affected: %w", op, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func mapPgError(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case "23503":
		return fmt.Errorf("%w: %s", ErrInvalidReference, pgErr.ConstraintName)
	case "23505":
		return fmt.Errorf("%w: %s", ErrConflict, pgErr.ConstraintName)
	case "23514":
		return fmt.Errorf("%w: %s", ErrInvalidValue, pgErr.ConstraintName)
	}
	return err
}
