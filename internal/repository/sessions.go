package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"brainlytree-engine/internal/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// WakeSessionRepository 唤醒会话仓库
// 会话按 (site_id, session_date) 唯一，日界以绝对时刻
// (day_start, day_end) 存储，避免本地墙钟字符串比较
type WakeSessionRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewWakeSessionRepository 创建唤醒会话仓库
func NewWakeSessionRepository(db *sql.DB, logger *zap.Logger) *WakeSessionRepository {
	return &WakeSessionRepository{
		db:     db,
		logger: logger,
	}
}

// GetOrCreate 获取或懒创建站点当日会话
// 并发首唤醒依赖 ON CONFLICT 保证只建一行
func (r *WakeSessionRepository) GetOrCreate(ctx context.Context, siteID, sessionDate, timeZone string, expectedWakes int, dayStart, dayEnd time.Time) (*models.WakeSession, error) {
	query := `
		INSERT INTO wake_sessions (
			session_id, site_id, session_date, time_zone,
			expected_wake_count, completed_wake_count, failed_wake_count, extra_wake_count,
			status, day_start, day_end, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, 0, 0, 0, $6, $7, $8, NOW(), NOW())
		ON CONFLICT (site_id, session_date) DO UPDATE SET updated_at = NOW()
		RETURNING session_id, site_id, session_date, time_zone,
		          expected_wake_count, completed_wake_count, failed_wake_count, extra_wake_count,
		          status, created_at, updated_at
	`

	session := &models.WakeSession{}
	err := r.db.QueryRowContext(ctx, query,
		uuid.New().String(), siteID, sessionDate, timeZone,
		expectedWakes, models.SessionOpen, dayStart, dayEnd,
	).Scan(
		&session.SessionID,
		&session.SiteID,
		&session.SessionDate,
		&session.TimeZone,
		&session.ExpectedWakeCount,
		&session.CompletedWakeCount,
		&session.FailedWakeCount,
		&session.ExtraWakeCount,
		&session.Status,
		&session.CreatedAt,
		&session.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get or create wake session: %w", err)
	}

	return session, nil
}

// GetByID 根据 ID 获取会话
func (r *WakeSessionRepository) GetByID(ctx context.Context, sessionID string) (*models.WakeSession, error) {
	query := `
		SELECT session_id, site_id, session_date, time_zone,
		       expected_wake_count, completed_wake_count, failed_wake_count, extra_wake_count,
		       status, created_at, updated_at
		FROM wake_sessions
		WHERE session_id = $1
	`

	session := &models.WakeSession{}
	err := r.db.QueryRowContext(ctx, query, sessionID).Scan(
		&session.SessionID,
		&session.SiteID,
		&session.SessionDate,
		&session.TimeZone,
		&session.ExpectedWakeCount,
		&session.CompletedWakeCount,
		&session.FailedWakeCount,
		&session.ExtraWakeCount,
		&session.Status,
		&session.CreatedAt,
		&session.UpdatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("wake session not found: %s", sessionID)
		}
		return nil, fmt.Errorf("failed to query wake session: %w", err)
	}

	return session, nil
}

// MarkInProgress 会话从 open 进入 in_progress（幂等）
func (r *WakeSessionRepository) MarkInProgress(ctx context.Context, sessionID string) error {
	query := `
		UPDATE wake_sessions
		SET status = $2, updated_at = NOW()
		WHERE session_id = $1 AND status = $3
	`

	if _, err := r.db.ExecContext(ctx, query, sessionID, models.SessionInProgress, models.SessionOpen); err != nil {
		return fmt.Errorf("failed to mark session in progress: %w", err)
	}
	return nil
}

// 计数器增量用单条 SQL 完成，保证并发快照/报表读取看到一致值。
// 已锁定的会话拒绝任何计数变更。

// IncrementCompleted 预算内完成唤醒计数 +1，返回是否计入
// 预算校验和自增在同一条语句内完成：并发完成把计数打到
// expected 后，后续调用不再命中，由调用方改记超额
func (r *WakeSessionRepository) IncrementCompleted(ctx context.Context, sessionID string) (bool, error) {
	query := `
		UPDATE wake_sessions
		SET completed_wake_count = completed_wake_count + 1, updated_at = NOW()
		WHERE session_id = $1 AND status <> $2
		  AND completed_wake_count < expected_wake_count
	`

	result, err := r.db.ExecContext(ctx, query, sessionID, models.SessionLocked)
	if err != nil {
		return false, fmt.Errorf("failed to increment completed_wake_count: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return affected > 0, nil
}

// IncrementFailed 失败唤醒计数 +1
func (r *WakeSessionRepository) IncrementFailed(ctx context.Context, sessionID string) error {
	return r.increment(ctx, sessionID, "failed_wake_count")
}

// IncrementExtra 超额唤醒计数 +1
func (r *WakeSessionRepository) IncrementExtra(ctx context.Context, sessionID string) error {
	return r.increment(ctx, sessionID, "extra_wake_count")
}

func (r *WakeSessionRepository) increment(ctx context.Context, sessionID, column string) error {
	query := fmt.Sprintf(`
		UPDATE wake_sessions
		SET %s = %s + 1, updated_at = NOW()
		WHERE session_id = $1 AND status <> $2
	`, column, column)

	result, err := r.db.ExecContext(ctx, query, sessionID, models.SessionLocked)
	if err != nil {
		return fmt.Errorf("failed to increment %s: %w", column, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("wake session %s is locked or missing", sessionID)
	}

	return nil
}

// LockElapsed 锁定本地日界已完全过去的会话，返回锁定数量
func (r *WakeSessionRepository) LockElapsed(ctx context.Context, now time.Time) (int64, error) {
	query := `
		UPDATE wake_sessions
		SET status = $2, updated_at = NOW()
		WHERE status <> $2 AND day_end <= $1
	`

	result, err := r.db.ExecContext(ctx, query, now, models.SessionLocked)
	if err != nil {
		return 0, fmt.Errorf("failed to lock elapsed sessions: %w", err)
	}

	return result.RowsAffected()
}

// ListOpenSessions 获取全部未锁定会话（快照生成器按节拍遍历）
func (r *WakeSessionRepository) ListOpenSessions(ctx context.Context) ([]*models.WakeSession, error) {
	query := `
		SELECT session_id, site_id, session_date, time_zone,
		       expected_wake_count, completed_wake_count, failed_wake_count, extra_wake_count,
		       status, created_at, updated_at
		FROM wake_sessions
		WHERE status <> $1
		ORDER BY site_id, session_date
	`

	rows, err := r.db.QueryContext(ctx, query, models.SessionLocked)
	if err != nil {
		return nil, fmt.Errorf("failed to list open sessions: %w", err)
	}
	defer rows.Close()

	return scanSessions(rows)
}

// ListBySite 获取站点的历史会话（看板）
func (r *WakeSessionRepository) ListBySite(ctx context.Context, siteID string, limit int) ([]*models.WakeSession, error) {
	query := `
		SELECT session_id, site_id, session_date, time_zone,
		       expected_wake_count, completed_wake_count, failed_wake_count, extra_wake_count,
		       status, created_at, updated_at
		FROM wake_sessions
		WHERE site_id = $1
		ORDER BY session_date DESC
		LIMIT $2
	`

	rows, err := r.db.QueryContext(ctx, query, siteID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	return scanSessions(rows)
}

func scanSessions(rows *sql.Rows) ([]*models.WakeSession, error) {
	var sessions []*models.WakeSession
	for rows.Next() {
		session := &models.WakeSession{}
		if err := rows.Scan(
			&session.SessionID,
			&session.SiteID,
			&session.SessionDate,
			&session.TimeZone,
			&session.ExpectedWakeCount,
			&session.CompletedWakeCount,
			&session.FailedWakeCount,
			&session.ExtraWakeCount,
			&session.Status,
			&session.CreatedAt,
			&session.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, session)
	}
	return sessions, rows.Err()
}
