package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"brainlytree-engine/internal/models"

	"github.com/go-redis/redis/v8"
)

// ObservationCache 设备最新观测缓存
// 协议引擎每次唤醒写入，快照生成器读取做 LOCF 沿用。
// TTL 只防无限增长，远大于任何合理唤醒间隔
type ObservationCache struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
}

// NewObservationCache 创建观测缓存
func NewObservationCache(client *redis.Client, keyPrefix string, ttl time.Duration) *ObservationCache {
	return &ObservationCache{
		client:    client,
		keyPrefix: keyPrefix,
		ttl:       ttl,
	}
}

func (c *ObservationCache) key(deviceID string) string {
	return c.keyPrefix + deviceID + ":latest"
}

// RecordObservation 写入设备最新观测
func (c *ObservationCache) RecordObservation(ctx context.Context, obs *models.DeviceObservation) error {
	data, err := json.Marshal(obs)
	if err != nil {
		return fmt.Errorf("failed to marshal observation: %w", err)
	}

	if err := c.client.Set(ctx, c.key(obs.DeviceID), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to cache observation: %w", err)
	}
	return nil
}

// GetObservation 读取设备最新观测，无记录返回 nil
func (c *ObservationCache) GetObservation(ctx context.Context, deviceID string) (*models.DeviceObservation, error) {
	data, err := c.client.Get(ctx, c.key(deviceID)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read cached observation: %w", err)
	}

	var obs models.DeviceObservation
	if err := json.Unmarshal(data, &obs); err != nil {
		return nil, fmt.Errorf("failed to unmarshal cached observation: %w", err)
	}
	return &obs, nil
}
