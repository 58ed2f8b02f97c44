package session

import (
	"context"
	"sync"
	"testing"
	"time"

	xerrors "marketplace-auth/internal/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingNotifier struct {
	mu     sync.Mutex
	events map[string]string
}

func (n *recordingNotifier) SessionEnded(sessionID, reason string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.events == nil {
		n.events = map[string]string{}
	}
	n.events[sessionID] = reason
}

func newTestManager(t *testing.T) (*Manager, *fakeClock, *MemoryStore) {
	t.Helper()
	clock := newFakeClock()
	store := NewMemoryStore()
	m := NewManager(store, Options{}, zap.NewNop())
	m.now = clock.Now
	return m, clock, store
}

func TestCreateAndGet(t *testing.T) {
	m, clock, _ := newTestManager(t)
	ctx := context.Background()

	id, err := m.Create(ctx, "rt-1", "customer", Metadata{
		UserID:    "user-1",
		IPAddress: "203.0.113.7",
		UserAgent: "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	})
	require.NoError(t, err)
	assert.Len(t, id, 43, "32 random bytes, unpadded base64url")

	rec, err := m.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "rt-1", rec.RefreshToken)
	assert.Equal(t, "customer", rec.Tenant)
	assert.Equal(t, "user-1", rec.UserID)
	assert.Equal(t, clock.Now(), rec.CreatedAt)
	assert.Equal(t, rec.CreatedAt, rec.LastRotatedAt)
	assert.Contains(t, rec.Device, "Chrome")
	assert.False(t, rec.IsLocked)
}

func TestCreateGeneratesDistinctIDs(t *testing.T) {
	m, _, store := newTestManager(t)
	ctx := context.Background()

	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		id, err := m.Create(ctx, "rt", "customer", Metadata{})
		require.NoError(t, err)
		assert.False(t, seen[id])
		seen[id] = true
	}
	assert.Equal(t, 100, store.Len())
}

func TestGetMissing(t *testing.T) {
	m, _, _ := newTestManager(t)

	_, err := m.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, xerrors.ErrSessionNotFound)

	_, err = m.Get(context.Background(), "")
	assert.ErrorIs(t, err, xerrors.ErrSessionNotFound)
}

func TestRotatePreservesIdentity(t *testing.T) {
	m, clock, _ := newTestManager(t)
	ctx := context.Background()

	id, err := m.Create(ctx, "rt-1", "vendor", Metadata{UserID: "u", IPAddress: "198.51.100.1", UserAgent: "curl/8.0"})
	require.NoError(t, err)
	before, err := m.Get(ctx, id)
	require.NoError(t, err)

	clock.Advance(time.Minute)
	require.NoError(t, m.Rotate(ctx, id, "rt-2"))

	after, err := m.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "rt-2", after.RefreshToken)
	assert.Equal(t, before.SessionID, after.SessionID)
	assert.Equal(t, before.Tenant, after.Tenant)
	assert.Equal(t, before.IPAddress, after.IPAddress)
	assert.Equal(t, before.UserAgent, after.UserAgent)
	assert.Equal(t, before.CreatedAt, after.CreatedAt)
	assert.True(t, after.LastRotatedAt.After(before.LastRotatedAt))
}

func TestRotateIsStrictlyIncreasingWithFrozenClock(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	id, err := m.Create(ctx, "rt-1", "vendor", Metadata{})
	require.NoError(t, err)

	prev, _ := m.Get(ctx, id)
	for i := 0; i < 3; i++ {
		require.NoError(t, m.Rotate(ctx, id, "rt"))
		cur, _ := m.Get(ctx, id)
		assert.True(t, cur.LastRotatedAt.After(prev.LastRotatedAt))
		prev = cur
	}
}

func TestRotateMissingIsNoop(t *testing.T) {
	m, _, store := newTestManager(t)

	require.NoError(t, m.Rotate(context.Background(), "missing", "rt"))
	assert.Equal(t, 0, store.Len())
}

func TestDeleteNotifies(t *testing.T) {
	m, _, _ := newTestManager(t)
	n := &recordingNotifier{}
	m.SetNotifier(n)
	ctx := context.Background()

	id, err := m.Create(ctx, "rt", "customer", Metadata{})
	require.NoError(t, err)
	require.NoError(t, m.Delete(ctx, id, ReasonLogout))

	_, err = m.Get(ctx, id)
	assert.ErrorIs(t, err, xerrors.ErrSessionNotFound)
	assert.Equal(t, ReasonLogout, n.events[id])
}

func TestLockAfterFailuresAndAutoUnlock(t *testing.T) {
	m, clock, _ := newTestManager(t)
	ctx := context.Background()

	id, err := m.Create(ctx, "rt", "customer", Metadata{})
	require.NoError(t, err)

	for i := 1; i <= 4; i++ {
		rec, err := m.TrackLoginAttempt(ctx, id, false)
		require.NoError(t, err)
		assert.Equal(t, i, rec.LoginAttempts)
		assert.False(t, rec.IsLocked)
	}

	rec, err := m.TrackLoginAttempt(ctx, id, false)
	require.NoError(t, err)
	assert.Equal(t, 5, rec.LoginAttempts)
	assert.True(t, rec.IsLocked)

	locked, retry, err := m.IsSessionLocked(ctx, id)
	require.NoError(t, err)
	assert.True(t, locked)
	assert.Equal(t, 30*time.Minute, retry)

	clock.Advance(29 * time.Minute)
	locked, _, err = m.IsSessionLocked(ctx, id)
	require.NoError(t, err)
	assert.True(t, locked)

	clock.Advance(time.Minute)
	locked, _, err = m.IsSessionLocked(ctx, id)
	require.NoError(t, err)
	assert.False(t, locked)

	rec, err = m.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 0, rec.LoginAttempts)
	assert.False(t, rec.IsLocked)
}

func TestSuccessfulAttemptResetsCounter(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	id, err := m.Create(ctx, "rt", "customer", Metadata{})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := m.TrackLoginAttempt(ctx, id, false)
		require.NoError(t, err)
	}
	rec, err := m.TrackLoginAttempt(ctx, id, true)
	require.NoError(t, err)
	assert.Equal(t, 0, rec.LoginAttempts)
	assert.False(t, rec.IsLocked)
}

func TestTrackLoginAttemptMissing(t *testing.T) {
	m, _, _ := newTestManager(t)

	_, err := m.TrackLoginAttempt(context.Background(), "missing", false)
	assert.ErrorIs(t, err, xerrors.ErrSessionNotFound)
}

func TestPurgeExpired(t *testing.T) {
	m, clock, store := newTestManager(t)
	n := &recordingNotifier{}
	m.SetNotifier(n)
	ctx := context.Background()

	old, err := m.Create(ctx, "rt-old", "customer", Metadata{})
	require.NoError(t, err)

	clock.Advance(6 * 24 * time.Hour)
	fresh, err := m.Create(ctx, "rt-new", "customer", Metadata{})
	require.NoError(t, err)

	clock.Advance(24*time.Hour + time.Second)
	count, err := m.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.Equal(t, 1, store.Len())

	_, err = m.Get(ctx, old)
	assert.ErrorIs(t, err, xerrors.ErrSessionNotFound)
	_, err = m.Get(ctx, fresh)
	assert.NoError(t, err)
	assert.Equal(t, ReasonExpired, n.events[old])
}

func TestGetPastMaxAgeIsMissing(t *testing.T) {
	m, clock, store := newTestManager(t)
	ctx := context.Background()

	id, err := m.Create(ctx, "rt", "customer", Metadata{})
	require.NoError(t, err)

	clock.Advance(7*24*time.Hour + time.Second)
	_, err = m.Get(ctx, id)
	assert.ErrorIs(t, err, xerrors.ErrSessionNotFound)
	assert.Equal(t, 1, store.Len(), "record stays until purged")
}

func TestReserveAttemptLocksAtThreshold(t *testing.T) {
	m, clock, _ := newTestManager(t)
	ctx := context.Background()
	id, err := m.Create(ctx, "rt", "customer", Metadata{})
	require.NoError(t, err)

	for i := 1; i <= 4; i++ {
		rec, _, err := m.ReserveAttempt(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, i, rec.LoginAttempts)
		assert.False(t, rec.IsLocked)
	}

	rec, remaining, err := m.ReserveAttempt(ctx, id)
	require.NoError(t, err)
	assert.True(t, rec.IsLocked)
	assert.Equal(t, 30*time.Minute, remaining)

	clock.Advance(10 * time.Minute)
	_, remaining, err = m.ReserveAttempt(ctx, id)
	assert.ErrorIs(t, err, xerrors.ErrSessionLocked)
	assert.Equal(t, 20*time.Minute, remaining)

	clock.Advance(20 * time.Minute)
	rec, _, err = m.ReserveAttempt(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, rec.LoginAttempts)
	assert.False(t, rec.IsLocked)
}

func TestReleaseAttemptUndoesReservation(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()
	id, err := m.Create(ctx, "rt", "customer", Metadata{})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, _, err := m.ReserveAttempt(ctx, id)
		require.NoError(t, err)
	}
	require.NoError(t, m.ReleaseAttempt(ctx, id))

	rec, err := m.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 4, rec.LoginAttempts)
	locked, _ := m.LockStatus(rec)
	assert.False(t, locked)

	assert.NoError(t, m.ReleaseAttempt(ctx, "missing"))
}

func TestConcurrentReservationsNeverExceedThreshold(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()
	id, err := m.Create(ctx, "rt", "customer", Metadata{})
	require.NoError(t, err)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		granted int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, _, err := m.ReserveAttempt(ctx, id); err == nil {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 5, granted)
}

func TestConcurrentAttemptsAreLinearizable(t *testing.T) {
	m, _, _ := newTestManager(t)
	m.opts.LockThreshold = 1000
	ctx := context.Background()

	id, err := m.Create(ctx, "rt", "customer", Metadata{})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = m.TrackLoginAttempt(ctx, id, false)
		}()
	}
	wg.Wait()

	rec, err := m.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 200, rec.LoginAttempts)
}
