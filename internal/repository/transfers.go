package repository

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"time"

	"brainlytree-engine/internal/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ImageTransferRepository 图片传输仓库
// image_transfers 以 (device_id, image_name) 唯一；分块落在
// image_chunks，主键 (device_id, image_name, chunk_id)，重复分块
// 依赖 ON CONFLICT DO NOTHING 幂等
type ImageTransferRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewImageTransferRepository 创建图片传输仓库
func NewImageTransferRepository(db *sql.DB, logger *zap.Logger) *ImageTransferRepository {
	return &ImageTransferRepository{
		db:     db,
		logger: logger,
	}
}

const transferColumns = `
	transfer_id, device_id, image_name, image_size, total_chunks, max_chunk_size,
	received_count, status, blob_ref, score, duplicate_meta_count, created_at, updated_at
`

func scanTransfer(row interface{ Scan(...interface{}) error }) (*models.ImageTransfer, error) {
	t := &models.ImageTransfer{}
	err := row.Scan(
		&t.TransferID,
		&t.DeviceID,
		&t.ImageName,
		&t.ImageSize,
		&t.TotalChunks,
		&t.MaxChunkSize,
		&t.ReceivedCount,
		&t.Status,
		&t.BlobRef,
		&t.Score,
		&t.DuplicateMetaCnt,
		&t.CreatedAt,
		&t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return t, nil
}

// GetByName 根据 (设备, 图片名) 获取传输记录
func (r *ImageTransferRepository) GetByName(ctx context.Context, deviceID, imageName string) (*models.ImageTransfer, error) {
	query := `SELECT ` + transferColumns + ` FROM image_transfers WHERE device_id = $1 AND image_name = $2`

	t, err := scanTransfer(r.db.QueryRowContext(ctx, query, deviceID, imageName))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, sql.ErrNoRows
		}
		return nil, fmt.Errorf("failed to query image transfer: %w", err)
	}
	return t, nil
}

// GetOldestIncomplete 获取设备最早的未完成传输（断点续传恢复用）
func (r *ImageTransferRepository) GetOldestIncomplete(ctx context.Context, deviceID string) (*models.ImageTransfer, error) {
	query := `
		SELECT ` + transferColumns + `
		FROM image_transfers
		WHERE device_id = $1 AND status IN ($2, $3)
		ORDER BY created_at ASC
		LIMIT 1
	`

	t, err := scanTransfer(r.db.QueryRowContext(ctx, query, deviceID, models.TransferPending, models.TransferReceiving))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, sql.ErrNoRows
		}
		return nil, fmt.Errorf("failed to query oldest incomplete transfer: %w", err)
	}
	return t, nil
}

// CreateIfAbsent 创建传输记录；已存在则保留已收分块计数，
// 元数据晚于分块到达时补齐声明值
func (r *ImageTransferRepository) CreateIfAbsent(ctx context.Context, deviceID, imageName string, imageSize, totalChunks, maxChunkSize int) (*models.ImageTransfer, error) {
	query := `
		INSERT INTO image_transfers (
			transfer_id, device_id, image_name, image_size, total_chunks, max_chunk_size,
			received_count, status, duplicate_meta_count, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, 0, $7, 0, NOW(), NOW())
		ON CONFLICT (device_id, image_name) DO UPDATE SET
			image_size = GREATEST(image_transfers.image_size, EXCLUDED.image_size),
			total_chunks = GREATEST(image_transfers.total_chunks, EXCLUDED.total_chunks),
			max_chunk_size = GREATEST(image_transfers.max_chunk_size, EXCLUDED.max_chunk_size),
			updated_at = NOW()
		RETURNING ` + transferColumns

	t, err := scanTransfer(r.db.QueryRowContext(ctx, query,
		uuid.New().String(), deviceID, imageName, imageSize, totalChunks, maxChunkSize,
		models.TransferPending,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to create image transfer: %w", err)
	}
	return t, nil
}

// MarkReceiving pending → receiving（幂等）
func (r *ImageTransferRepository) MarkReceiving(ctx context.Context, deviceID, imageName string) error {
	query := `
		UPDATE image_transfers
		SET status = $3, updated_at = NOW()
		WHERE device_id = $1 AND image_name = $2 AND status = $4
	`

	if _, err := r.db.ExecContext(ctx, query, deviceID, imageName, models.TransferReceiving, models.TransferPending); err != nil {
		return fmt.Errorf("failed to mark transfer receiving: %w", err)
	}
	return nil
}

// InsertChunk 写入一个分块，返回是否为新分块
// 相同索引但内容不同的分块是需要排查的错误，不静默覆盖
func (r *ImageTransferRepository) InsertChunk(ctx context.Context, deviceID, imageName string, chunkID int, payload []byte) (bool, error) {
	query := `
		INSERT INTO image_chunks (device_id, image_name, chunk_id, payload, received_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (device_id, image_name, chunk_id) DO NOTHING
	`

	result, err := r.db.ExecContext(ctx, query, deviceID, imageName, chunkID, payload)
	if err != nil {
		return false, fmt.Errorf("failed to insert chunk: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}

	if affected == 0 {
		// 重复分块：比对字节，内容一致是重传噪声，不一致要上报
		existing, err := r.getChunkPayload(ctx, deviceID, imageName, chunkID)
		if err != nil {
			return false, err
		}
		if !bytes.Equal(existing, payload) {
			return false, fmt.Errorf("chunk %d of %s/%s re-sent with different bytes", chunkID, deviceID, imageName)
		}
		return false, nil
	}

	return true, nil
}

func (r *ImageTransferRepository) getChunkPayload(ctx context.Context, deviceID, imageName string, chunkID int) ([]byte, error) {
	query := `SELECT payload FROM image_chunks WHERE device_id = $1 AND image_name = $2 AND chunk_id = $3`

	var payload []byte
	if err := r.db.QueryRowContext(ctx, query, deviceID, imageName, chunkID).Scan(&payload); err != nil {
		return nil, fmt.Errorf("failed to query chunk payload: %w", err)
	}
	return payload, nil
}

// ReceivedIndices 已收到的分块索引（升序）
func (r *ImageTransferRepository) ReceivedIndices(ctx context.Context, deviceID, imageName string) ([]int, error) {
	query := `
		SELECT chunk_id FROM image_chunks
		WHERE device_id = $1 AND image_name = $2
		ORDER BY chunk_id ASC
	`

	rows, err := r.db.QueryContext(ctx, query, deviceID, imageName)
	if err != nil {
		return nil, fmt.Errorf("failed to query received indices: %w", err)
	}
	defer rows.Close()

	var indices []int
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan chunk id: %w", err)
		}
		indices = append(indices, id)
	}
	return indices, rows.Err()
}

// UpdateReceivedCount 刷新已收分块计数
func (r *ImageTransferRepository) UpdateReceivedCount(ctx context.Context, deviceID, imageName string, count int) error {
	query := `
		UPDATE image_transfers
		SET received_count = $3, updated_at = NOW()
		WHERE device_id = $1 AND image_name = $2
	`

	if _, err := r.db.ExecContext(ctx, query, deviceID, imageName, count); err != nil {
		return fmt.Errorf("failed to update received count: %w", err)
	}
	return nil
}

// ChunkPayloadsInOrder 按索引升序读出全部分块字节
func (r *ImageTransferRepository) ChunkPayloadsInOrder(ctx context.Context, deviceID, imageName string) ([][]byte, error) {
	query := `
		SELECT payload FROM image_chunks
		WHERE device_id = $1 AND image_name = $2
		ORDER BY chunk_id ASC
	`

	rows, err := r.db.QueryContext(ctx, query, deviceID, imageName)
	if err != nil {
		return nil, fmt.Errorf("failed to query chunks: %w", err)
	}
	defer rows.Close()

	var payloads [][]byte
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("failed to scan chunk: %w", err)
		}
		payloads = append(payloads, payload)
	}
	return payloads, rows.Err()
}

// MarkComplete 传输置为完成并记录 blob 引用
// 返回 false 表示已是完成态（并发终结或重复调用）
func (r *ImageTransferRepository) MarkComplete(ctx context.Context, deviceID, imageName, blobRef string) (bool, error) {
	query := `
		UPDATE image_transfers
		SET status = $3, blob_ref = $4, updated_at = NOW()
		WHERE device_id = $1 AND image_name = $2 AND status <> $3
	`

	result, err := r.db.ExecContext(ctx, query, deviceID, imageName, models.TransferComplete, blobRef)
	if err != nil {
		return false, fmt.Errorf("failed to mark transfer complete: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return affected > 0, nil
}

// MarkFailed 传输置为失败（超时丢弃策略）
func (r *ImageTransferRepository) MarkFailed(ctx context.Context, deviceID, imageName string) error {
	query := `
		UPDATE image_transfers
		SET status = $3, updated_at = NOW()
		WHERE device_id = $1 AND image_name = $2 AND status <> $4
	`

	if _, err := r.db.ExecContext(ctx, query, deviceID, imageName, models.TransferFailed, models.TransferComplete); err != nil {
		return fmt.Errorf("failed to mark transfer failed: %w", err)
	}
	return nil
}

// DeleteChunks 终结后清理分块行（blob 已落盘）
func (r *ImageTransferRepository) DeleteChunks(ctx context.Context, deviceID, imageName string) error {
	query := `DELETE FROM image_chunks WHERE device_id = $1 AND image_name = $2`

	if _, err := r.db.ExecContext(ctx, query, deviceID, imageName); err != nil {
		return fmt.Errorf("failed to delete chunks: %w", err)
	}
	return nil
}

// IncrementDuplicateMeta 完成后重复元数据计数 +1，返回新值
func (r *ImageTransferRepository) IncrementDuplicateMeta(ctx context.Context, deviceID, imageName string) (int, error) {
	query := `
		UPDATE image_transfers
		SET duplicate_meta_count = duplicate_meta_count + 1, updated_at = NOW()
		WHERE device_id = $1 AND image_name = $2
		RETURNING duplicate_meta_count
	`

	var count int
	if err := r.db.QueryRowContext(ctx, query, deviceID, imageName).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to increment duplicate meta count: %w", err)
	}
	return count, nil
}

// SetScore 写入外部评分服务的结果
func (r *ImageTransferRepository) SetScore(ctx context.Context, deviceID, imageName string, score float64) error {
	query := `
		UPDATE image_transfers
		SET score = $3, updated_at = NOW()
		WHERE device_id = $1 AND image_name = $2
	`

	if _, err := r.db.ExecContext(ctx, query, deviceID, imageName, score); err != nil {
		return fmt.Errorf("failed to set score: %w", err)
	}
	return nil
}

// ListStaleReceiving 获取超过静默窗口仍未完成的传输（超时丢弃策略）
func (r *ImageTransferRepository) ListStaleReceiving(ctx context.Context, cutoff time.Time) ([]*models.ImageTransfer, error) {
	query := `
		SELECT ` + transferColumns + `
		FROM image_transfers
		WHERE status IN ($1, $2) AND updated_at < $3
		ORDER BY updated_at ASC
	`

	rows, err := r.db.QueryContext(ctx, query, models.TransferPending, models.TransferReceiving, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale transfers: %w", err)
	}
	defer rows.Close()

	var transfers []*models.ImageTransfer
	for rows.Next() {
		t, err := scanTransfer(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transfer: %w", err)
		}
		transfers = append(transfers, t)
	}
	return transfers, rows.Err()
}
