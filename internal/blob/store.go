package blob

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
)

// Store 内容寻址的文件 blob 存储
// 引用形如 "ab/cdef....jpg"，相对存储根目录；相同字节写入
// 得到相同引用，天然满足终结幂等
type Store struct {
	rootDir string
}

// NewStore 创建 blob 存储，确保根目录存在
func NewStore(rootDir string) (*Store, error) {
	if err := os.MkdirAll(rootDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create blob root: %w", err)
	}
	return &Store{rootDir: rootDir}, nil
}

// Put 写入字节，返回内容寻址引用
func (s *Store) Put(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])
	ref := filepath.Join(hash[:2], hash[2:]+".jpg")

	fullPath := filepath.Join(s.rootDir, ref)
	if _, err := os.Stat(fullPath); err == nil {
		// 内容已存在，引用不变
		return ref, nil
	}

	if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		return "", fmt.Errorf("failed to create blob dir: %w", err)
	}

	// 先写临时文件再改名，避免半写文件被当成完整 blob
	tmp, err := os.CreateTemp(filepath.Dir(fullPath), ".tmp-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp blob: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to write blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to close blob: %w", err)
	}
	if err := os.Rename(tmp.Name(), fullPath); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to finalize blob: %w", err)
	}

	return ref, nil
}

// Get 按引用读出字节
func (s *Store) Get(ref string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(s.rootDir, ref))
	if err != nil {
		return nil, fmt.Errorf("failed to read blob %s: %w", ref, err)
	}
	return data, nil
}
