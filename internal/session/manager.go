package session

import (
	"context"
	"fmt"
	"time"

	"brainlytree-engine/internal/models"
	"brainlytree-engine/internal/schedule"

	"go.uber.org/zap"
)

// SessionStore 会话持久化接口
type SessionStore interface {
	GetOrCreate(ctx context.Context, siteID, sessionDate, timeZone string, expectedWakes int, dayStart, dayEnd time.Time) (*models.WakeSession, error)
	GetByID(ctx context.Context, sessionID string) (*models.WakeSession, error)
	MarkInProgress(ctx context.Context, sessionID string) error
	IncrementCompleted(ctx context.Context, sessionID string) (bool, error)
	IncrementFailed(ctx context.Context, sessionID string) error
	IncrementExtra(ctx context.Context, sessionID string) error
	LockElapsed(ctx context.Context, now time.Time) (int64, error)
}

// Manager 唤醒会话管理器
// 一个会话对应一个站点一个本地日历日；日界按闭开区间换算为
// 绝对时刻后比较，绝不比较本地墙钟字符串
type Manager struct {
	store  SessionStore
	logger *zap.Logger

	lockSweepInterval time.Duration
}

// NewManager 创建会话管理器
func NewManager(store SessionStore, lockSweepInterval time.Duration, logger *zap.Logger) *Manager {
	return &Manager{
		store:             store,
		logger:            logger,
		lockSweepInterval: lockSweepInterval,
	}
}

// LocalDayBounds 计算时刻 t 所在本地日的闭开区间 [start, end)
func LocalDayBounds(t time.Time, loc *time.Location) (time.Time, time.Time) {
	local := t.In(loc)
	start := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	return start, start.AddDate(0, 0, 1)
}

// GetOrOpenForWake 获取或懒创建唤醒所属的当日会话
// 刚过午夜到达的唤醒归入新一天的会话，不会落进已锁定的昨日
func (m *Manager) GetOrOpenForWake(ctx context.Context, siteID, timeZone, wakeScheduleExpr string, now time.Time) (*models.WakeSession, error) {
	loc, err := time.LoadLocation(timeZone)
	if err != nil {
		loc = time.UTC
	}

	dayStart, dayEnd := LocalDayBounds(now, loc)
	sessionDate := dayStart.Format("2006-01-02")
	expected := schedule.ExpectedWakesPerDay(wakeScheduleExpr)

	sess, err := m.store.GetOrCreate(ctx, siteID, sessionDate, timeZone, expected, dayStart, dayEnd)
	if err != nil {
		return nil, fmt.Errorf("failed to open wake session: %w", err)
	}

	if sess.Status == models.SessionOpen {
		if err := m.store.MarkInProgress(ctx, sess.SessionID); err != nil {
			m.logger.Warn("Failed to mark session in progress",
				zap.String("session_id", sess.SessionID),
				zap.Error(err),
			)
		} else {
			sess.Status = models.SessionInProgress
		}
	}

	return sess, nil
}

// IsOverBudget 会话是否已耗尽预期唤醒预算
func (m *Manager) IsOverBudget(sess *models.WakeSession) bool {
	return sess.CompletedWakeCount >= sess.ExpectedWakeCount
}

// RecordCompletion 记一次完成唤醒
// 超出预期预算的唤醒计入超额计数并返回 overage=true，使
// completed 绝不在无 overage 标记的情况下超过 expected。
// 预算校验与自增由存储层单条语句完成：同一站点多设备在预算
// 边界并发完成时，先到者计入 completed，其余全部落超额
func (m *Manager) RecordCompletion(ctx context.Context, sessionID string) (bool, error) {
	sess, err := m.store.GetByID(ctx, sessionID)
	if err != nil {
		return false, fmt.Errorf("failed to load session: %w", err)
	}
	if sess.Status == models.SessionLocked {
		return false, fmt.Errorf("wake session %s locked, completion rejected", sessionID)
	}

	applied, err := m.store.IncrementCompleted(ctx, sessionID)
	if err != nil {
		return false, err
	}
	if applied {
		return false, nil
	}

	if err := m.store.IncrementExtra(ctx, sessionID); err != nil {
		return false, err
	}
	return true, nil
}

// RecordFailure 记一次失败唤醒
func (m *Manager) RecordFailure(ctx context.Context, sessionID string) error {
	sess, err := m.store.GetByID(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("failed to load session: %w", err)
	}
	if sess.Status == models.SessionLocked {
		return fmt.Errorf("wake session %s locked, failure rejected", sessionID)
	}

	return m.store.IncrementFailed(ctx, sessionID)
}

// RunLockSweep 周期性锁定日界已过的会话，直到上下文取消
// 锁定只在会话边界生效：之后的唤醒记账全部落到新会话
func (m *Manager) RunLockSweep(ctx context.Context) {
	ticker := time.NewTicker(m.lockSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("Session lock sweep stopped")
			return
		case now := <-ticker.C:
			locked, err := m.store.LockElapsed(ctx, now)
			if err != nil {
				m.logger.Error("Session lock sweep failed", zap.Error(err))
				continue
			}
			if locked > 0 {
				m.logger.Info("Locked elapsed wake sessions", zap.Int64("count", locked))
			}
		}
	}
}
