package evaluator_test

import (
	"context"
	"errors"

	"brainlytree-engine/internal/models"
)

var errInsertFailed = errors.New("insert failed")

// fakeAlertStore 内存报警配置与事件存储
type fakeAlertStore struct {
	thresholds []*models.AlertThresholdConfig
	zones      []*models.AlertZoneConfig
	events     []*models.AlertEvent
	insertErr  error
}

func newFakeAlertStore() *fakeAlertStore {
	return &fakeAlertStore{}
}

func (f *fakeAlertStore) ListThresholds(ctx context.Context, tenantID, deviceID string) ([]*models.AlertThresholdConfig, error) {
	return f.thresholds, nil
}

func (f *fakeAlertStore) ListZones(ctx context.Context, tenantID, deviceID string) ([]*models.AlertZoneConfig, error) {
	return f.zones, nil
}

func (f *fakeAlertStore) InsertEvent(ctx context.Context, event *models.AlertEvent) error {
	if f.insertErr != nil {
		return f.insertErr
	}
	f.events = append(f.events, event)
	return nil
}

type publishedEntry struct {
	stream  string
	payload interface{}
}

// fakeStreamPublisher 记录流发布调用
type fakeStreamPublisher struct {
	published []publishedEntry
}

func (f *fakeStreamPublisher) PublishJSONToStream(ctx context.Context, stream string, payload interface{}) error {
	f.published = append(f.published, publishedEntry{stream: stream, payload: payload})
	return nil
}
