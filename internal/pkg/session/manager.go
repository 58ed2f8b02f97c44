// internal/pkg/session/manager.go
package session

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	xerrors "marketplace-auth/internal/pkg/errors"

	"go.uber.org/zap"
)

const (
	sessionIDBytes   = 32
	maxCreateRetries = 3
)

type Options struct {
	MaxAge        time.Duration
	LockThreshold int
	LockDuration  time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxAge <= 0 {
		o.MaxAge = 7 * 24 * time.Hour
	}
	if o.LockThreshold <= 0 {
		o.LockThreshold = 5
	}
	if o.LockDuration <= 0 {
		o.LockDuration = 30 * time.Minute
	}
	return o
}

// Manager owns the session lifecycle on top of a Store.
type Manager struct {
	store    Store
	opts     Options
	notifier Notifier
	logger   *zap.Logger
	now      func() time.Time
}

func NewManager(store Store, opts Options, logger *zap.Logger) *Manager {
	return &Manager{
		store:  store,
		opts:   opts.withDefaults(),
		logger: logger,
		now:    time.Now,
	}
}

// SetNotifier registers the receiver of session-ended events.
func (m *Manager) SetNotifier(n Notifier) {
	m.notifier = n
}

// MaxAge is the lifetime of a session measured from creation.
func (m *Manager) MaxAge() time.Duration {
	return m.opts.MaxAge
}

// ========== Lifecycle ==========

// Create stores a new record and returns its freshly generated id.
func (m *Manager) Create(ctx context.Context, refreshToken, tenant string, meta Metadata) (string, error) {
	now := m.now()

	for attempt := 0; attempt < maxCreateRetries; attempt++ {
		id, err := newSessionID()
		if err != nil {
			return "", err
		}

		rec := &Record{
			SessionID:     id,
			RefreshToken:  refreshToken,
			Tenant:        tenant,
			UserID:        meta.UserID,
			IPAddress:     meta.IPAddress,
			UserAgent:     meta.UserAgent,
			Device:        DescribeDevice(meta.UserAgent),
			CreatedAt:     now,
			LastRotatedAt: now,
		}

		err = m.store.Insert(ctx, rec)
		if errors.Is(err, xerrors.ErrSessionExists) {
			m.logger.Warn("session id collision, regenerating")
			continue
		}
		if err != nil {
			return "", fmt.Errorf("failed to create session: %w", err)
		}
		return id, nil
	}

	return "", fmt.Errorf("failed to create session: %w", xerrors.ErrSessionExists)
}

// Get returns the record or ErrSessionNotFound. Records past MaxAge are
// treated as missing even before the purge loop removes them.
func (m *Manager) Get(ctx context.Context, sessionID string) (*Record, error) {
	if sessionID == "" {
		return nil, xerrors.ErrSessionNotFound
	}
	rec, err := m.store.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if m.now().Sub(rec.CreatedAt) > m.opts.MaxAge {
		return nil, xerrors.ErrSessionNotFound
	}
	return rec, nil
}

// Rotate swaps in a new refresh token. A missing record is logged and
// ignored; the caller already holds fresh tokens.
func (m *Manager) Rotate(ctx context.Context, sessionID, refreshToken string) error {
	_, err := m.store.Update(ctx, sessionID, func(rec *Record) error {
		rec.RefreshToken = refreshToken
		rec.LastRotatedAt = m.later(rec.LastRotatedAt)
		return nil
	})
	if errors.Is(err, xerrors.ErrSessionNotFound) {
		m.logger.Warn("rotate on missing session", zap.String("session", shortID(sessionID)))
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to rotate session: %w", err)
	}
	return nil
}

// Delete removes the record and tells live connections why.
func (m *Manager) Delete(ctx context.Context, sessionID, reason string) error {
	if err := m.store.Delete(ctx, sessionID); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	if m.notifier != nil {
		m.notifier.SessionEnded(sessionID, reason)
	}
	return nil
}

// ========== Brute-force tracking ==========

// TrackLoginAttempt records a credential check against this session.
// Success clears the counter and lock; failures lock the session once the
// threshold is reached.
func (m *Manager) TrackLoginAttempt(ctx context.Context, sessionID string, success bool) (*Record, error) {
	now := m.now()
	return m.store.Update(ctx, sessionID, func(rec *Record) error {
		if rec.IsLocked && m.lockExpired(rec, now) {
			rec.IsLocked = false
			rec.LoginAttempts = 0
		}
		rec.LastLoginAttempt = now

		if success {
			rec.LoginAttempts = 0
			rec.IsLocked = false
			return nil
		}

		rec.LoginAttempts++
		if rec.LoginAttempts >= m.opts.LockThreshold {
			rec.IsLocked = true
		}
		return nil
	})
}

// ReserveAttempt counts a credential check before it runs, so concurrent
// checks cannot all pass under the threshold. A locked session yields
// ErrSessionLocked and the time left on the lock. Settle the reservation
// with TrackLoginAttempt(success=true) or ReleaseAttempt; a failed check
// needs nothing more.
func (m *Manager) ReserveAttempt(ctx context.Context, sessionID string) (*Record, time.Duration, error) {
	now := m.now()
	var remaining time.Duration

	rec, err := m.store.Update(ctx, sessionID, func(rec *Record) error {
		if rec.IsLocked {
			if !m.lockExpired(rec, now) {
				remaining = rec.LastLoginAttempt.Add(m.opts.LockDuration).Sub(now)
				return xerrors.ErrSessionLocked
			}
			rec.IsLocked = false
			rec.LoginAttempts = 0
		}

		rec.LastLoginAttempt = now
		rec.LoginAttempts++
		if rec.LoginAttempts >= m.opts.LockThreshold {
			rec.IsLocked = true
		}
		return nil
	})
	if err != nil {
		return nil, remaining, err
	}
	if rec.IsLocked {
		remaining = m.opts.LockDuration
	}
	return rec, remaining, nil
}

// ReleaseAttempt hands back a reservation whose check never reached a
// verdict, such as an identity-provider outage.
func (m *Manager) ReleaseAttempt(ctx context.Context, sessionID string) error {
	_, err := m.store.Update(ctx, sessionID, func(rec *Record) error {
		if rec.LoginAttempts > 0 {
			rec.LoginAttempts--
		}
		if rec.IsLocked && rec.LoginAttempts < m.opts.LockThreshold {
			rec.IsLocked = false
		}
		return nil
	})
	if err != nil && !errors.Is(err, xerrors.ErrSessionNotFound) {
		return fmt.Errorf("failed to release attempt: %w", err)
	}
	return nil
}

// LockStatus reads the lock state of rec without touching the store.
func (m *Manager) LockStatus(rec *Record) (bool, time.Duration) {
	if !rec.IsLocked {
		return false, 0
	}
	now := m.now()
	if m.lockExpired(rec, now) {
		return false, 0
	}
	return true, rec.LastLoginAttempt.Add(m.opts.LockDuration).Sub(now)
}

// IsSessionLocked reports whether the session is locked and, if so, how
// long until it unlocks. An expired lock is cleared as a side effect.
func (m *Manager) IsSessionLocked(ctx context.Context, sessionID string) (bool, time.Duration, error) {
	rec, err := m.store.Get(ctx, sessionID)
	if err != nil {
		return false, 0, err
	}
	if !rec.IsLocked {
		return false, 0, nil
	}

	if locked, remaining := m.LockStatus(rec); locked {
		return true, remaining, nil
	}
	now := m.now()

	_, err = m.store.Update(ctx, sessionID, func(cur *Record) error {
		if cur.IsLocked && m.lockExpired(cur, now) {
			cur.IsLocked = false
			cur.LoginAttempts = 0
		}
		return nil
	})
	if err != nil {
		return false, 0, fmt.Errorf("failed to unlock session: %w", err)
	}
	m.logger.Info("session lock expired", zap.String("session", shortID(sessionID)))
	return false, 0, nil
}

func (m *Manager) lockExpired(rec *Record, now time.Time) bool {
	return !now.Before(rec.LastLoginAttempt.Add(m.opts.LockDuration))
}

// ========== Expiry ==========

// PurgeExpired deletes every record older than MaxAge.
func (m *Manager) PurgeExpired(ctx context.Context) (int, error) {
	cutoff := m.now().Add(-m.opts.MaxAge)

	removed, err := m.store.DeleteCreatedBefore(ctx, cutoff)
	if err != nil {
		return len(removed), fmt.Errorf("failed to purge sessions: %w", err)
	}
	if m.notifier != nil {
		for _, id := range removed {
			m.notifier.SessionEnded(id, ReasonExpired)
		}
	}
	return len(removed), nil
}

// RunPurger calls PurgeExpired every interval until ctx is cancelled.
func (m *Manager) RunPurger(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := m.PurgeExpired(ctx)
			if err != nil {
				m.logger.Error("session purge failed", zap.Error(err))
				continue
			}
			if n > 0 {
				m.logger.Info("purged expired sessions", zap.Int("count", n))
			}
		}
	}
}

// later returns now, or a microsecond past prev if the clock has not moved.
func (m *Manager) later(prev time.Time) time.Time {
	now := m.now()
	if !now.After(prev) {
		return prev.Add(time.Microsecond)
	}
	return now
}

func newSessionID() (string, error) {
	b := make([]byte, sessionIDBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate session id: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// shortID is a log-safe prefix of a session id.
func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8] + "..."
}
