package session_test

import (
	"context"
	"fmt"
	"sync"
	"time"

	"brainlytree-engine/internal/models"
)

// fakeSessionStore 内存会话存储，按 (site_id, session_date) 唯一
type fakeSessionStore struct {
	mu       sync.Mutex
	sessions map[string]*models.WakeSession
	byKey    map[string]string
	seq      int
}

func newFakeSessionStore() *fakeSessionStore {
	return &fakeSessionStore{
		sessions: make(map[string]*models.WakeSession),
		byKey:    make(map[string]string),
	}
}

func (f *fakeSessionStore) seed(siteID, sessionDate string, expected int, status string) *models.WakeSession {
	f.seq++
	sess := &models.WakeSession{
		SessionID:         fmt.Sprintf("sess-%d", f.seq),
		SiteID:            siteID,
		SessionDate:       sessionDate,
		TimeZone:          "UTC",
		ExpectedWakeCount: expected,
		Status:            status,
	}
	f.sessions[sess.SessionID] = sess
	f.byKey[siteID+"|"+sessionDate] = sess.SessionID
	return sess
}

func (f *fakeSessionStore) GetOrCreate(ctx context.Context, siteID, sessionDate, timeZone string, expectedWakes int, dayStart, dayEnd time.Time) (*models.WakeSession, error) {
	if id, ok := f.byKey[siteID+"|"+sessionDate]; ok {
		return f.sessions[id], nil
	}
	f.seq++
	sess := &models.WakeSession{
		SessionID:         fmt.Sprintf("sess-%d", f.seq),
		SiteID:            siteID,
		SessionDate:       sessionDate,
		TimeZone:          timeZone,
		ExpectedWakeCount: expectedWakes,
		Status:            models.SessionOpen,
	}
	f.sessions[sess.SessionID] = sess
	f.byKey[siteID+"|"+sessionDate] = sess.SessionID
	return sess, nil
}

func (f *fakeSessionStore) GetByID(ctx context.Context, sessionID string) (*models.WakeSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sess, ok := f.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("session %s not found", sessionID)
	}
	copied := *sess
	return &copied, nil
}

func (f *fakeSessionStore) MarkInProgress(ctx context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[sessionID].Status = models.SessionInProgress
	return nil
}

// IncrementCompleted 对齐仓库语义：校验和自增一步完成，
// 预算打满或会话锁定时不计入
func (f *fakeSessionStore) IncrementCompleted(ctx context.Context, sessionID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sess := f.sessions[sessionID]
	if sess.Status == models.SessionLocked || sess.CompletedWakeCount >= sess.ExpectedWakeCount {
		return false, nil
	}
	sess.CompletedWakeCount++
	return true, nil
}

func (f *fakeSessionStore) IncrementFailed(ctx context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[sessionID].FailedWakeCount++
	return nil
}

func (f *fakeSessionStore) IncrementExtra(ctx context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[sessionID].ExtraWakeCount++
	return nil
}

func (f *fakeSessionStore) LockElapsed(ctx context.Context, now time.Time) (int64, error) {
	return 0, nil
}
