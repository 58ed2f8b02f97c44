// internal/repository/postgres/session_repo.go
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	xerrors "marketplace-auth/internal/pkg/errors"
	"marketplace-auth/internal/pkg/session"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
)

const uniqueViolation = "23505"

// SessionRepository is the durable session.Store. Row locks (SELECT ... FOR
// UPDATE) serialize read-modify-write cycles on one session id.
type SessionRepository struct {
	db    *sql.DB
	name  string
	table string
}

var _ session.Store = (*SessionRepository)(nil)

func NewSessionRepository(db *sql.DB, table string) *SessionRepository {
	if table == "" {
		table = "auth_sessions"
	}
	return &SessionRepository{db: db, name: table, table: pq.QuoteIdentifier(table)}
}

// EnsureSchema creates the sessions table if it does not exist.
func (r *SessionRepository) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %[1]s (
			session_id         TEXT PRIMARY KEY,
			refresh_token      TEXT NOT NULL,
			tenant             TEXT NOT NULL,
			user_id            TEXT NOT NULL DEFAULT '',
			ip_address         TEXT NOT NULL DEFAULT '',
			user_agent         TEXT NOT NULL DEFAULT '',
			device             TEXT NOT NULL DEFAULT '',
			created_at         TIMESTAMPTZ NOT NULL,
			last_rotated_at    TIMESTAMPTZ NOT NULL,
			login_attempts     INTEGER NOT NULL DEFAULT 0,
			last_login_attempt TIMESTAMPTZ,
			is_locked          BOOLEAN NOT NULL DEFAULT FALSE
		)`, r.table)

	if _, err := r.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to create sessions table: %w", err)
	}

	index := fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (created_at)`,
		pq.QuoteIdentifier(r.name+"_created_at_idx"), r.table)
	if _, err := r.db.ExecContext(ctx, index); err != nil {
		return fmt.Errorf("failed to create sessions index: %w", err)
	}
	return nil
}

// Insert stores a new session; a duplicate id maps to ErrSessionExists.
func (r *SessionRepository) Insert(ctx context.Context, rec *session.Record) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (
			session_id, refresh_token, tenant, user_id, ip_address, user_agent, device,
			created_at, last_rotated_at, login_attempts, last_login_attempt, is_locked
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`, r.table)

	_, err := r.db.ExecContext(ctx, query,
		rec.SessionID, rec.RefreshToken, rec.Tenant, rec.UserID, rec.IPAddress, rec.UserAgent, rec.Device,
		rec.CreatedAt, rec.LastRotatedAt, rec.LoginAttempts, nullTime(rec.LastLoginAttempt), rec.IsLocked,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return xerrors.ErrSessionExists
	}
	if err != nil {
		return fmt.Errorf("failed to insert session: %w", err)
	}
	return nil
}

// Get retrieves a session by id.
func (r *SessionRepository) Get(ctx context.Context, sessionID string) (*session.Record, error) {
	row := r.db.QueryRowContext(ctx, r.selectQuery(false), sessionID)
	return scanRecord(row)
}

// Update locks the row, applies fn and writes the mutable columns back.
func (r *SessionRepository) Update(ctx context.Context, sessionID string, fn func(*session.Record) error) (*session.Record, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	rec, err := scanRecord(tx.QueryRowContext(ctx, r.selectQuery(true), sessionID))
	if err != nil {
		return nil, err
	}
	if err := fn(rec); err != nil {
		return nil, err
	}
	rec.SessionID = sessionID

	query := fmt.Sprintf(`
		UPDATE %s
		SET refresh_token = $2, last_rotated_at = $3, login_attempts = $4,
		    last_login_attempt = $5, is_locked = $6
		WHERE session_id = $1`, r.table)

	if _, err := tx.ExecContext(ctx, query,
		sessionID, rec.RefreshToken, rec.LastRotatedAt, rec.LoginAttempts,
		nullTime(rec.LastLoginAttempt), rec.IsLocked,
	); err != nil {
		return nil, fmt.Errorf("failed to update session: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit session update: %w", err)
	}
	return rec, nil
}

// Delete removes a session by id.
func (r *SessionRepository) Delete(ctx context.Context, sessionID string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE session_id = $1`, r.table)
	if _, err := r.db.ExecContext(ctx, query, sessionID); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// DeleteCreatedBefore purges sessions older than cutoff.
func (r *SessionRepository) DeleteCreatedBefore(ctx context.Context, cutoff time.Time) ([]string, error) {
	query := fmt.Sprintf(`DELETE FROM %s WHERE created_at < $1 RETURNING session_id`, r.table)

	rows, err := r.db.QueryContext(ctx, query, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to purge sessions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return ids, fmt.Errorf("failed to scan purged session: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *SessionRepository) selectQuery(forUpdate bool) string {
	query := fmt.Sprintf(`
		SELECT session_id, refresh_token, tenant, user_id, ip_address, user_agent, device,
		       created_at, last_rotated_at, login_attempts, last_login_attempt, is_locked
		FROM %s
		WHERE session_id = $1`, r.table)
	if forUpdate {
		query += " FOR UPDATE"
	}
	return query
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*session.Record, error) {
	var (
		rec         session.Record
		lastAttempt sql.NullTime
	)
	err := row.Scan(
		&rec.SessionID, &rec.RefreshToken, &rec.Tenant, &rec.UserID, &rec.IPAddress, &rec.UserAgent, &rec.Device,
		&rec.CreatedAt, &rec.LastRotatedAt, &rec.LoginAttempts, &lastAttempt, &rec.IsLocked,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, xerrors.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find session: %w", err)
	}
	if lastAttempt.Valid {
		rec.LastLoginAttempt = lastAttempt.Time
	}
	return &rec, nil
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
