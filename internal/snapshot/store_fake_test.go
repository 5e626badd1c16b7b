package snapshot_test

import (
	"context"
	"time"

	"brainlytree-engine/internal/models"
)

type fakeSessionLister struct {
	open []*models.WakeSession
}

func (f *fakeSessionLister) ListOpenSessions(ctx context.Context) ([]*models.WakeSession, error) {
	return f.open, nil
}

type fakeDeviceLister struct {
	devices []*models.Device
}

func (f *fakeDeviceLister) ListDevicesBySite(ctx context.Context, siteID string) ([]*models.Device, error) {
	return f.devices, nil
}

// fakeObservationReader 内存最新观测
type fakeObservationReader struct {
	byDevice map[string]*models.DeviceObservation
}

func newFakeObservationReader() *fakeObservationReader {
	return &fakeObservationReader{byDevice: make(map[string]*models.DeviceObservation)}
}

func (f *fakeObservationReader) put(obs *models.DeviceObservation) {
	f.byDevice[obs.DeviceID] = obs
}

func (f *fakeObservationReader) GetObservation(ctx context.Context, deviceID string) (*models.DeviceObservation, error) {
	obs, ok := f.byDevice[deviceID]
	if !ok {
		return nil, nil
	}
	copied := *obs
	return &copied, nil
}

// fakeSnapshotStore 按写入顺序记录快照
type fakeSnapshotStore struct {
	snapshots []*models.SiteSnapshot
}

func newFakeSnapshotStore() *fakeSnapshotStore {
	return &fakeSnapshotStore{}
}

func (f *fakeSnapshotStore) Upsert(ctx context.Context, snapshot *models.SiteSnapshot) error {
	f.snapshots = append(f.snapshots, snapshot)
	return nil
}

func (f *fakeSnapshotStore) MaxWindowNumber(ctx context.Context, sessionID string) (int, error) {
	max := 0
	for _, s := range f.snapshots {
		if s.SessionID == sessionID && s.WindowNumber > max {
			max = s.WindowNumber
		}
	}
	return max, nil
}

type fakeAlertCounter struct {
	counts    map[string]int
	lastSince time.Time
}

func (f *fakeAlertCounter) CountEventsSince(ctx context.Context, deviceID string, since time.Time) (int, error) {
	f.lastSince = since
	return f.counts[deviceID], nil
}
