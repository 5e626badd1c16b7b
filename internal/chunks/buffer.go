package chunks

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"brainlytree-engine/internal/models"

	"go.uber.org/zap"
)

// TransferStore 传输记录与分块的持久化接口
type TransferStore interface {
	GetByName(ctx context.Context, deviceID, imageName string) (*models.ImageTransfer, error)
	CreateIfAbsent(ctx context.Context, deviceID, imageName string, imageSize, totalChunks, maxChunkSize int) (*models.ImageTransfer, error)
	MarkReceiving(ctx context.Context, deviceID, imageName string) error
	InsertChunk(ctx context.Context, deviceID, imageName string, chunkID int, payload []byte) (bool, error)
	ReceivedIndices(ctx context.Context, deviceID, imageName string) ([]int, error)
	UpdateReceivedCount(ctx context.Context, deviceID, imageName string, count int) error
	ChunkPayloadsInOrder(ctx context.Context, deviceID, imageName string) ([][]byte, error)
	MarkComplete(ctx context.Context, deviceID, imageName, blobRef string) (bool, error)
	DeleteChunks(ctx context.Context, deviceID, imageName string) error
}

// BlobStore 组装完成的图片落盘接口
type BlobStore interface {
	Put(data []byte) (string, error)
}

// PutResult PutChunk 的结果
type PutResult struct {
	Accepted    bool // 新分块（重复分块为 false，但不算错误）
	NowComplete bool // 本次写入后分块集已齐
}

// Buffer 分块重组缓冲
// 以 (device, image_name) 为键；同一传输的并发分块写入由
// 键级互斥锁串行化，完成检测因此是单次读取加转移，并发
// 最后两块到达也只会终结一次
type Buffer struct {
	store  TransferStore
	blobs  BlobStore
	logger *zap.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewBuffer 创建分块重组缓冲
func NewBuffer(store TransferStore, blobs BlobStore, logger *zap.Logger) *Buffer {
	return &Buffer{
		store:  store,
		blobs:  blobs,
		logger: logger,
		locks:  make(map[string]*sync.Mutex),
	}
}

func (b *Buffer) lockFor(deviceID, imageName string) *sync.Mutex {
	key := deviceID + "|" + imageName
	b.mu.Lock()
	defer b.mu.Unlock()
	l, ok := b.locks[key]
	if !ok {
		l = &sync.Mutex{}
		b.locks[key] = l
	}
	return l
}

// releaseLock 终结后的传输不再收分块，锁表条目随之回收；
// 迟到分块会重建条目，但在完成状态检查处提前返回
func (b *Buffer) releaseLock(deviceID, imageName string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.locks, deviceID+"|"+imageName)
}

// PutChunk 写入一个分块
// 重复索引是幂等空操作；越界索引按 malformed_message 拒绝，
// 不污染缓冲。线上分块消息不携带总数：分块先于元数据到达时
// 总数未知，先收下字节，范围校验与完成判定推迟到元数据声明
// 总数之后
func (b *Buffer) PutChunk(ctx context.Context, deviceID, imageName string, index int, data []byte, totalChunks, maxChunkSize int) (PutResult, error) {
	l := b.lockFor(deviceID, imageName)
	l.Lock()
	defer l.Unlock()

	transfer, err := b.store.GetByName(ctx, deviceID, imageName)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// 分块先于元数据到达：用分块消息自带的声明值建记录
			transfer, err = b.store.CreateIfAbsent(ctx, deviceID, imageName, 0, totalChunks, maxChunkSize)
			if err != nil {
				return PutResult{}, fmt.Errorf("%w: %v", models.ErrStorageUnavailable, err)
			}
		} else {
			return PutResult{}, fmt.Errorf("%w: %v", models.ErrStorageUnavailable, err)
		}
	}

	if transfer.Status == models.TransferComplete {
		// 已完成的传输不再接收分块（固件重传尾巴）
		return PutResult{Accepted: false, NowComplete: true}, nil
	}

	declaredTotal := transfer.TotalChunks
	if declaredTotal <= 0 {
		declaredTotal = totalChunks
	}
	if index < 0 || (declaredTotal > 0 && index >= declaredTotal) {
		return PutResult{}, fmt.Errorf("%w: chunk index %d out of range [0,%d)", models.ErrMalformedMessage, index, declaredTotal)
	}
	if transfer.MaxChunkSize > 0 && len(data) > transfer.MaxChunkSize {
		return PutResult{}, fmt.Errorf("%w: chunk size %d exceeds declared max %d", models.ErrMalformedMessage, len(data), transfer.MaxChunkSize)
	}

	inserted, err := b.store.InsertChunk(ctx, deviceID, imageName, index, data)
	if err != nil {
		return PutResult{}, fmt.Errorf("%w: %v", models.ErrStorageUnavailable, err)
	}

	if err := b.store.MarkReceiving(ctx, deviceID, imageName); err != nil {
		return PutResult{}, fmt.Errorf("%w: %v", models.ErrStorageUnavailable, err)
	}

	received, err := b.store.ReceivedIndices(ctx, deviceID, imageName)
	if err != nil {
		return PutResult{}, fmt.Errorf("%w: %v", models.ErrStorageUnavailable, err)
	}
	if err := b.store.UpdateReceivedCount(ctx, deviceID, imageName, len(received)); err != nil {
		return PutResult{}, fmt.Errorf("%w: %v", models.ErrStorageUnavailable, err)
	}

	return PutResult{
		Accepted:    inserted,
		NowComplete: declaredTotal > 0 && len(received) == declaredTotal,
	}, nil
}

// RegisterMetadata 按元数据声明登记传输记录
// 记录已存在时保留已收分块计数，重复登记不清零进度
func (b *Buffer) RegisterMetadata(ctx context.Context, deviceID, imageName string, imageSize, totalChunks, maxChunkSize int) error {
	l := b.lockFor(deviceID, imageName)
	l.Lock()
	defer l.Unlock()

	if _, err := b.store.CreateIfAbsent(ctx, deviceID, imageName, imageSize, totalChunks, maxChunkSize); err != nil {
		return fmt.Errorf("%w: %v", models.ErrStorageUnavailable, err)
	}
	return nil
}

// MissingIndices 已声明总数与已收集合的差集（升序）
func (b *Buffer) MissingIndices(ctx context.Context, deviceID, imageName string) ([]int, error) {
	transfer, err := b.store.GetByName(ctx, deviceID, imageName)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("transfer not found: %s/%s", deviceID, imageName)
		}
		return nil, fmt.Errorf("%w: %v", models.ErrStorageUnavailable, err)
	}

	received, err := b.store.ReceivedIndices(ctx, deviceID, imageName)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrStorageUnavailable, err)
	}

	have := make(map[int]bool, len(received))
	for _, idx := range received {
		have[idx] = true
	}

	missing := make([]int, 0)
	for i := 0; i < transfer.TotalChunks; i++ {
		if !have[i] {
			missing = append(missing, i)
		}
	}
	return missing, nil
}

// Finalize 组装为连续 blob 并标记完成
// 幂等：对已完成的传输返回既有引用，不重新组装
func (b *Buffer) Finalize(ctx context.Context, deviceID, imageName string) (string, error) {
	l := b.lockFor(deviceID, imageName)
	l.Lock()
	defer l.Unlock()

	transfer, err := b.store.GetByName(ctx, deviceID, imageName)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("transfer not found: %s/%s", deviceID, imageName)
		}
		return "", fmt.Errorf("%w: %v", models.ErrStorageUnavailable, err)
	}

	if transfer.Status == models.TransferComplete && transfer.BlobRef != nil {
		b.releaseLock(deviceID, imageName)
		return *transfer.BlobRef, nil
	}

	payloads, err := b.store.ChunkPayloadsInOrder(ctx, deviceID, imageName)
	if err != nil {
		return "", fmt.Errorf("%w: %v", models.ErrStorageUnavailable, err)
	}
	if len(payloads) != transfer.TotalChunks {
		return "", fmt.Errorf("cannot finalize %s/%s: have %d of %d chunks", deviceID, imageName, len(payloads), transfer.TotalChunks)
	}

	// 严格按索引升序拼接；索引互不重叠，无需处理字节区间冲突
	size := 0
	for _, p := range payloads {
		size += len(p)
	}
	assembled := make([]byte, 0, size)
	for _, p := range payloads {
		assembled = append(assembled, p...)
	}

	ref, err := b.blobs.Put(assembled)
	if err != nil {
		return "", fmt.Errorf("%w: %v", models.ErrStorageUnavailable, err)
	}

	transitioned, err := b.store.MarkComplete(ctx, deviceID, imageName, ref)
	if err != nil {
		return "", fmt.Errorf("%w: %v", models.ErrStorageUnavailable, err)
	}
	if !transitioned {
		// 并发终结已抢先，取既有引用
		existing, err := b.store.GetByName(ctx, deviceID, imageName)
		if err == nil && existing.BlobRef != nil {
			return *existing.BlobRef, nil
		}
		return ref, nil
	}

	if err := b.store.DeleteChunks(ctx, deviceID, imageName); err != nil {
		// 分块清理失败不影响终结结果
		b.logger.Warn("Failed to delete chunks after finalize",
			zap.String("device_id", deviceID),
			zap.String("image_name", imageName),
			zap.Error(err),
		)
	}

	b.logger.Info("Image transfer finalized",
		zap.String("device_id", deviceID),
		zap.String("image_name", imageName),
		zap.String("blob_ref", ref),
		zap.Int("total_chunks", transfer.TotalChunks),
		zap.Int("bytes", size),
	)

	b.releaseLock(deviceID, imageName)
	return ref, nil
}
