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

// CommandRepository 命令仓库（持久化出站队列）
type CommandRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewCommandRepository 创建命令仓库
func NewCommandRepository(db *sql.DB, logger *zap.Logger) *CommandRepository {
	return &CommandRepository{
		db:     db,
		logger: logger,
	}
}

const commandColumns = `
	command_id, device_id, command_type, payload, status, retry_count,
	issued_at, delivered_at, acknowledged_at, expires_at
`

func scanCommand(row interface{ Scan(...interface{}) error }) (*models.Command, error) {
	c := &models.Command{}
	err := row.Scan(
		&c.CommandID,
		&c.DeviceID,
		&c.CommandType,
		&c.Payload,
		&c.Status,
		&c.RetryCount,
		&c.IssuedAt,
		&c.DeliveredAt,
		&c.AcknowledgedAt,
		&c.ExpiresAt,
	)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Enqueue 入队一条命令，初始状态 pending
func (r *CommandRepository) Enqueue(ctx context.Context, deviceID, commandType string, payload []byte, expiresAt *time.Time) (*models.Command, error) {
	query := `
		INSERT INTO commands (
			command_id, device_id, command_type, payload, status, retry_count, issued_at, expires_at
		)
		VALUES ($1, $2, $3, $4, $5, 0, NOW(), $6)
		RETURNING ` + commandColumns

	cmd, err := scanCommand(r.db.QueryRowContext(ctx, query,
		uuid.New().String(), deviceID, commandType, payload, models.CommandPending, expiresAt,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue command: %w", err)
	}
	return cmd, nil
}

// GetByID 根据 ID 获取命令
func (r *CommandRepository) GetByID(ctx context.Context, commandID string) (*models.Command, error) {
	query := `SELECT ` + commandColumns + ` FROM commands WHERE command_id = $1`

	cmd, err := scanCommand(r.db.QueryRowContext(ctx, query, commandID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("command not found: %s", commandID)
		}
		return nil, fmt.Errorf("failed to query command: %w", err)
	}
	return cmd, nil
}

// ListPendingForDevice 设备的待投递命令（发布顺序）
func (r *CommandRepository) ListPendingForDevice(ctx context.Context, deviceID string) ([]*models.Command, error) {
	query := `
		SELECT ` + commandColumns + `
		FROM commands
		WHERE device_id = $1 AND status = $2
		ORDER BY issued_at ASC
	`

	rows, err := r.db.QueryContext(ctx, query, deviceID, models.CommandPending)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending commands: %w", err)
	}
	defer rows.Close()

	return scanCommands(rows)
}

// MarkSent pending/sent → sent，记录投递时间
func (r *CommandRepository) MarkSent(ctx context.Context, commandID string) error {
	query := `
		UPDATE commands
		SET status = $2, delivered_at = NOW()
		WHERE command_id = $1 AND status IN ($3, $2)
	`

	if _, err := r.db.ExecContext(ctx, query, commandID, models.CommandSent, models.CommandPending); err != nil {
		return fmt.Errorf("failed to mark command sent: %w", err)
	}
	return nil
}

// MarkAcknowledged sent → acknowledged
// 返回 false 表示命令不在 sent 状态（重复确认是无害的）
func (r *CommandRepository) MarkAcknowledged(ctx context.Context, commandID string) (bool, error) {
	query := `
		UPDATE commands
		SET status = $2, acknowledged_at = NOW()
		WHERE command_id = $1 AND status = $3
	`

	result, err := r.db.ExecContext(ctx, query, commandID, models.CommandAcknowledged, models.CommandSent)
	if err != nil {
		return false, fmt.Errorf("failed to mark command acknowledged: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return affected > 0, nil
}

// AcknowledgeLatestSent 确认设备最近一条 sent 命令（设备确认不带命令 ID）
func (r *CommandRepository) AcknowledgeLatestSent(ctx context.Context, deviceID string) (bool, error) {
	query := `
		UPDATE commands
		SET status = $2, acknowledged_at = NOW()
		WHERE command_id = (
			SELECT command_id FROM commands
			WHERE device_id = $1 AND status = $3
			ORDER BY delivered_at DESC
			LIMIT 1
		)
	`

	result, err := r.db.ExecContext(ctx, query, deviceID, models.CommandAcknowledged, models.CommandSent)
	if err != nil {
		return false, fmt.Errorf("failed to acknowledge latest sent command: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return affected > 0, nil
}

// ListTimedOutSent sent 超过确认超时仍未确认的命令
func (r *CommandRepository) ListTimedOutSent(ctx context.Context, cutoff time.Time) ([]*models.Command, error) {
	query := `
		SELECT ` + commandColumns + `
		FROM commands
		WHERE status = $1 AND delivered_at < $2
		ORDER BY delivered_at ASC
	`

	rows, err := r.db.QueryContext(ctx, query, models.CommandSent, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to list timed out commands: %w", err)
	}
	defer rows.Close()

	return scanCommands(rows)
}

// RequeueForRetry 超时命令回到 pending 并累加重试计数
func (r *CommandRepository) RequeueForRetry(ctx context.Context, commandID string) error {
	query := `
		UPDATE commands
		SET status = $2, retry_count = retry_count + 1
		WHERE command_id = $1 AND status = $3
	`

	if _, err := r.db.ExecContext(ctx, query, commandID, models.CommandPending, models.CommandSent); err != nil {
		return fmt.Errorf("failed to requeue command: %w", err)
	}
	return nil
}

// MarkFailed 重试耗尽后置为 failed，交给运维层
func (r *CommandRepository) MarkFailed(ctx context.Context, commandID string) error {
	query := `
		UPDATE commands
		SET status = $2
		WHERE command_id = $1 AND status <> $3
	`

	if _, err := r.db.ExecContext(ctx, query, commandID, models.CommandFailed, models.CommandAcknowledged); err != nil {
		return fmt.Errorf("failed to mark command failed: %w", err)
	}
	return nil
}

// ExpireOverdue 过期命令置为 expired，返回过期数量
func (r *CommandRepository) ExpireOverdue(ctx context.Context, now time.Time) (int64, error) {
	query := `
		UPDATE commands
		SET status = $2
		WHERE status = $3 AND expires_at IS NOT NULL AND expires_at < $1
	`

	result, err := r.db.ExecContext(ctx, query, now, models.CommandExpired, models.CommandPending)
	if err != nil {
		return 0, fmt.Errorf("failed to expire commands: %w", err)
	}
	return result.RowsAffected()
}

func scanCommands(rows *sql.Rows) ([]*models.Command, error) {
	var commands []*models.Command
	for rows.Next() {
		cmd, err := scanCommand(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan command: %w", err)
		}
		commands = append(commands, cmd)
	}
	return commands, rows.Err()
}
