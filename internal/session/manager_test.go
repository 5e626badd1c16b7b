package session_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"brainlytree-engine/internal/models"
	"brainlytree-engine/internal/session"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newManager(store *fakeSessionStore) *session.Manager {
	return session.NewManager(store, time.Minute, zap.NewNop())
}

func TestLocalDayBounds_CrossesMidnightLocally(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	// 2026-08-31 03:30 UTC 在纽约仍属 08-30
	now := time.Date(2026, 8, 31, 3, 30, 0, 0, time.UTC)
	start, end := session.LocalDayBounds(now, loc)

	require.Equal(t, "2026-08-30", start.Format("2006-01-02"))
	require.Equal(t, time.Date(2026, 8, 30, 0, 0, 0, 0, loc), start)
	require.Equal(t, start.AddDate(0, 0, 1), end)
}

func TestManager_GetOrOpenForWakeCreatesDailySession(t *testing.T) {
	store := newFakeSessionStore()
	m := newManager(store)

	now := time.Date(2026, 8, 31, 9, 0, 0, 0, time.UTC)
	sess, err := m.GetOrOpenForWake(context.Background(), "site-1", "UTC", "*/6", now)
	require.NoError(t, err)
	require.Equal(t, "2026-08-31", sess.SessionDate)
	require.Equal(t, 4, sess.ExpectedWakeCount)
	require.Equal(t, models.SessionInProgress, sess.Status)

	// 同日第二次唤醒复用同一会话
	again, err := m.GetOrOpenForWake(context.Background(), "site-1", "UTC", "*/6", now.Add(6*time.Hour))
	require.NoError(t, err)
	require.Equal(t, sess.SessionID, again.SessionID)
	require.Len(t, store.sessions, 1)
}

func TestManager_WakeAfterMidnightOpensNewSession(t *testing.T) {
	store := newFakeSessionStore()
	m := newManager(store)

	evening := time.Date(2026, 8, 30, 23, 50, 0, 0, time.UTC)
	first, err := m.GetOrOpenForWake(context.Background(), "site-1", "UTC", "*/6", evening)
	require.NoError(t, err)

	pastMidnight := time.Date(2026, 8, 31, 0, 10, 0, 0, time.UTC)
	second, err := m.GetOrOpenForWake(context.Background(), "site-1", "UTC", "*/6", pastMidnight)
	require.NoError(t, err)

	require.NotEqual(t, first.SessionID, second.SessionID)
	require.Equal(t, "2026-08-31", second.SessionDate)
}

func TestManager_RecordCompletionWithinBudget(t *testing.T) {
	store := newFakeSessionStore()
	m := newManager(store)

	sess := store.seed("site-1", "2026-08-31", 4, models.SessionInProgress)
	overage, err := m.RecordCompletion(context.Background(), sess.SessionID)
	require.NoError(t, err)
	require.False(t, overage)
	require.Equal(t, 1, store.sessions[sess.SessionID].CompletedWakeCount)
}

func TestManager_RecordCompletionOverBudgetCountsExtra(t *testing.T) {
	store := newFakeSessionStore()
	m := newManager(store)

	sess := store.seed("site-1", "2026-08-31", 2, models.SessionInProgress)
	store.sessions[sess.SessionID].CompletedWakeCount = 2

	overage, err := m.RecordCompletion(context.Background(), sess.SessionID)
	require.NoError(t, err)
	require.True(t, overage)
	require.Equal(t, 2, store.sessions[sess.SessionID].CompletedWakeCount)
	require.Equal(t, 1, store.sessions[sess.SessionID].ExtraWakeCount)
}

func TestManager_ConcurrentCompletionsAtBudgetEdge(t *testing.T) {
	store := newFakeSessionStore()
	m := newManager(store)

	// 预算只剩一次：两台设备同时完成，只有一次计入 completed，
	// 另一次必须落超额并返回 overage=true
	sess := store.seed("site-1", "2026-08-31", 2, models.SessionInProgress)
	store.sessions[sess.SessionID].CompletedWakeCount = 1

	overages := make(chan bool, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			overage, err := m.RecordCompletion(context.Background(), sess.SessionID)
			require.NoError(t, err)
			overages <- overage
		}()
	}
	wg.Wait()
	close(overages)

	overageCount := 0
	for o := range overages {
		if o {
			overageCount++
		}
	}
	require.Equal(t, 1, overageCount)
	require.Equal(t, 2, store.sessions[sess.SessionID].CompletedWakeCount)
	require.Equal(t, 1, store.sessions[sess.SessionID].ExtraWakeCount)
}

func TestManager_LockedSessionRejectsAccounting(t *testing.T) {
	store := newFakeSessionStore()
	m := newManager(store)

	sess := store.seed("site-1", "2026-08-30", 4, models.SessionLocked)

	_, err := m.RecordCompletion(context.Background(), sess.SessionID)
	require.Error(t, err)
	require.Equal(t, 0, store.sessions[sess.SessionID].CompletedWakeCount)

	err = m.RecordFailure(context.Background(), sess.SessionID)
	require.Error(t, err)
	require.Equal(t, 0, store.sessions[sess.SessionID].FailedWakeCount)
}

func TestManager_IsOverBudget(t *testing.T) {
	m := newManager(newFakeSessionStore())

	sess := &models.WakeSession{ExpectedWakeCount: 4, CompletedWakeCount: 3}
	require.False(t, m.IsOverBudget(sess))

	sess.CompletedWakeCount = 4
	require.True(t, m.IsOverBudget(sess))
}
