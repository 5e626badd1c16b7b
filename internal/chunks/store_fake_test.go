package chunks_test

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"time"

	"brainlytree-engine/internal/models"
)

// fakeTransferStore 仅用于单元测试（内存传输记录 + 分块）
type fakeTransferStore struct {
	mu        sync.Mutex
	transfers map[string]*models.ImageTransfer
	chunks    map[string]map[int][]byte
}

func newFakeTransferStore() *fakeTransferStore {
	return &fakeTransferStore{
		transfers: make(map[string]*models.ImageTransfer),
		chunks:    make(map[string]map[int][]byte),
	}
}

func key(deviceID, imageName string) string {
	return deviceID + "|" + imageName
}

func (f *fakeTransferStore) GetByName(ctx context.Context, deviceID, imageName string) (*models.ImageTransfer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	t, ok := f.transfers[key(deviceID, imageName)]
	if !ok {
		return nil, sql.ErrNoRows
	}
	cp := *t
	return &cp, nil
}

func (f *fakeTransferStore) CreateIfAbsent(ctx context.Context, deviceID, imageName string, imageSize, totalChunks, maxChunkSize int) (*models.ImageTransfer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	k := key(deviceID, imageName)
	if t, ok := f.transfers[k]; ok {
		// 已存在时只补齐声明值，不清零进度
		if totalChunks > t.TotalChunks {
			t.TotalChunks = totalChunks
		}
		if maxChunkSize > t.MaxChunkSize {
			t.MaxChunkSize = maxChunkSize
		}
		if imageSize > t.ImageSize {
			t.ImageSize = imageSize
		}
		cp := *t
		return &cp, nil
	}

	t := &models.ImageTransfer{
		TransferID:   fmt.Sprintf("transfer-%d", len(f.transfers)+1),
		DeviceID:     deviceID,
		ImageName:    imageName,
		ImageSize:    imageSize,
		TotalChunks:  totalChunks,
		MaxChunkSize: maxChunkSize,
		Status:       models.TransferPending,
		CreatedAt:    time.Now(),
		UpdatedAt:    time.Now(),
	}
	f.transfers[k] = t
	f.chunks[k] = make(map[int][]byte)
	cp := *t
	return &cp, nil
}

func (f *fakeTransferStore) MarkReceiving(ctx context.Context, deviceID, imageName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	t, ok := f.transfers[key(deviceID, imageName)]
	if !ok {
		return sql.ErrNoRows
	}
	if t.Status == models.TransferPending {
		t.Status = models.TransferReceiving
	}
	return nil
}

func (f *fakeTransferStore) InsertChunk(ctx context.Context, deviceID, imageName string, chunkID int, payload []byte) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	k := key(deviceID, imageName)
	if _, ok := f.chunks[k]; !ok {
		f.chunks[k] = make(map[int][]byte)
	}
	if _, exists := f.chunks[k][chunkID]; exists {
		return false, nil
	}
	f.chunks[k][chunkID] = append([]byte(nil), payload...)
	return true, nil
}

func (f *fakeTransferStore) ReceivedIndices(ctx context.Context, deviceID, imageName string) ([]int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	indices := make([]int, 0)
	for idx := range f.chunks[key(deviceID, imageName)] {
		indices = append(indices, idx)
	}
	sort.Ints(indices)
	return indices, nil
}

func (f *fakeTransferStore) UpdateReceivedCount(ctx context.Context, deviceID, imageName string, count int) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if t, ok := f.transfers[key(deviceID, imageName)]; ok {
		t.ReceivedCount = count
	}
	return nil
}

func (f *fakeTransferStore) ChunkPayloadsInOrder(ctx context.Context, deviceID, imageName string) ([][]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	k := key(deviceID, imageName)
	indices := make([]int, 0, len(f.chunks[k]))
	for idx := range f.chunks[k] {
		indices = append(indices, idx)
	}
	sort.Ints(indices)

	payloads := make([][]byte, 0, len(indices))
	for _, idx := range indices {
		payloads = append(payloads, f.chunks[k][idx])
	}
	return payloads, nil
}

func (f *fakeTransferStore) MarkComplete(ctx context.Context, deviceID, imageName, blobRef string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	t, ok := f.transfers[key(deviceID, imageName)]
	if !ok {
		return false, sql.ErrNoRows
	}
	if t.Status == models.TransferComplete {
		return false, nil
	}
	t.Status = models.TransferComplete
	ref := blobRef
	t.BlobRef = &ref
	return true, nil
}

func (f *fakeTransferStore) DeleteChunks(ctx context.Context, deviceID, imageName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	delete(f.chunks, key(deviceID, imageName))
	return nil
}

// fakeBlobStore 仅用于单元测试
type fakeBlobStore struct {
	mu       sync.Mutex
	blobs    map[string][]byte
	putCalls int
}

func newFakeBlobStore() *fakeBlobStore {
	return &fakeBlobStore{blobs: make(map[string][]byte)}
}

func (f *fakeBlobStore) Put(data []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.putCalls++
	ref := fmt.Sprintf("blob-%d", f.putCalls)
	f.blobs[ref] = append([]byte(nil), data...)
	return ref, nil
}
