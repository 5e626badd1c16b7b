package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"brainlytree-engine/internal/models"

	"go.uber.org/zap"
)

// SnapshotRepository 站点快照仓库
// 每个 (session_id, window_number) 一行自包含 JSON 文档，
// 重复生成按同键覆盖（幂等），不追加
type SnapshotRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewSnapshotRepository 创建快照仓库
func NewSnapshotRepository(db *sql.DB, logger *zap.Logger) *SnapshotRepository {
	return &SnapshotRepository{
		db:     db,
		logger: logger,
	}
}

// Upsert 写入或覆盖一个唤醒窗口的快照
func (r *SnapshotRepository) Upsert(ctx context.Context, snapshot *models.SiteSnapshot) error {
	doc, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	query := `
		INSERT INTO site_snapshots (session_id, window_number, site_id, window_end, generated_at, document)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (session_id, window_number)
		DO UPDATE SET site_id = $3, window_end = $4, generated_at = $5, document = $6
	`

	if _, err := r.db.ExecContext(ctx, query,
		snapshot.SessionID, snapshot.WindowNumber, snapshot.SiteID,
		snapshot.WindowEnd, snapshot.GeneratedAt, doc,
	); err != nil {
		return fmt.Errorf("failed to upsert snapshot: %w", err)
	}

	return nil
}

// Get 获取单个窗口的快照
func (r *SnapshotRepository) Get(ctx context.Context, sessionID string, windowNumber int) (*models.SiteSnapshot, error) {
	query := `
		SELECT document FROM site_snapshots
		WHERE session_id = $1 AND window_number = $2
	`

	var doc []byte
	if err := r.db.QueryRowContext(ctx, query, sessionID, windowNumber).Scan(&doc); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("snapshot not found: %s/%d", sessionID, windowNumber)
		}
		return nil, fmt.Errorf("failed to query snapshot: %w", err)
	}

	snapshot := &models.SiteSnapshot{}
	if err := json.Unmarshal(doc, snapshot); err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}
	return snapshot, nil
}

// ListBySession 会话内全部快照（窗口升序，供回放动画）
func (r *SnapshotRepository) ListBySession(ctx context.Context, sessionID string) ([]*models.SiteSnapshot, error) {
	query := `
		SELECT document FROM site_snapshots
		WHERE session_id = $1
		ORDER BY window_number ASC
	`

	rows, err := r.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}
	defer rows.Close()

	var snapshots []*models.SiteSnapshot
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot: %w", err)
		}
		snapshot := &models.SiteSnapshot{}
		if err := json.Unmarshal(doc, snapshot); err != nil {
			return nil, fmt.Errorf("failed to unmarshal snapshot: %w", err)
		}
		snapshots = append(snapshots, snapshot)
	}
	return snapshots, rows.Err()
}

// MaxWindowNumber 会话内已生成的最大窗口号（无快照时为 -1）
func (r *SnapshotRepository) MaxWindowNumber(ctx context.Context, sessionID string) (int, error) {
	query := `
		SELECT COALESCE(MAX(window_number), -1) FROM site_snapshots
		WHERE session_id = $1
	`

	var max int
	if err := r.db.QueryRowContext(ctx, query, sessionID).Scan(&max); err != nil {
		return -1, fmt.Errorf("failed to query max window number: %w", err)
	}
	return max, nil
}
