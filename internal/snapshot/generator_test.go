package snapshot_test

import (
	"context"
	"testing"
	"time"

	"brainlytree-engine/internal/models"
	"brainlytree-engine/internal/snapshot"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var snapNow = time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)

func testSession() *models.WakeSession {
	return &models.WakeSession{
		SessionID:   "sess-1",
		SiteID:      "site-1",
		SessionDate: "2026-08-31",
		TimeZone:    "UTC",
		Status:      models.SessionInProgress,
	}
}

func newGenerator(devices *fakeDeviceLister, latest *fakeObservationReader, store *fakeSnapshotStore, alerts *fakeAlertCounter) *snapshot.Generator {
	sessions := &fakeSessionLister{open: []*models.WakeSession{testSession()}}
	g := snapshot.NewGenerator(sessions, devices, latest, store, alerts, time.Hour, zap.NewNop())
	snapshot.SetNowFunc(g, func() time.Time { return snapNow })
	return g
}

func TestGenerator_FreshObservationIsCurrent(t *testing.T) {
	devices := &fakeDeviceLister{devices: []*models.Device{{DeviceID: "dev-1", MACAddress: "a4cf12ab34cd"}}}
	latest := newFakeObservationReader()
	latest.put(&models.DeviceObservation{
		DeviceID:    "dev-1",
		MACAddress:  "a4cf12ab34cd",
		ObservedAt:  snapNow.Add(-20 * time.Minute),
		Temperature: 23.5,
	})
	store := newFakeSnapshotStore()

	g := newGenerator(devices, latest, store, &fakeAlertCounter{})
	require.NoError(t, g.GenerateAll(context.Background()))

	require.Len(t, store.snapshots, 1)
	snap := store.snapshots[0]
	require.Equal(t, 1, snap.WindowNumber)
	require.Len(t, snap.Entries, 1)
	require.Equal(t, models.FreshnessCurrent, snap.Entries[0].Freshness)
	require.Equal(t, int64(1200), snap.Entries[0].SecondsSinceSeen)
	require.Equal(t, 23.5, snap.Entries[0].Observation.Temperature)
}

func TestGenerator_StaleObservationCarriedForward(t *testing.T) {
	devices := &fakeDeviceLister{devices: []*models.Device{{DeviceID: "dev-1", MACAddress: "a4cf12ab34cd"}}}
	latest := newFakeObservationReader()
	latest.put(&models.DeviceObservation{
		DeviceID:    "dev-1",
		ObservedAt:  snapNow.Add(-3 * time.Hour),
		Temperature: 21.0,
	})
	store := newFakeSnapshotStore()

	g := newGenerator(devices, latest, store, &fakeAlertCounter{})
	require.NoError(t, g.GenerateAll(context.Background()))

	entry := store.snapshots[0].Entries[0]
	require.Equal(t, models.FreshnessCarriedForward, entry.Freshness)
	// LOCF：读数沿用上一次观测而不是清零
	require.Equal(t, 21.0, entry.Observation.Temperature)
}

func TestGenerator_NeverSeenDeviceGetsSynthesizedEntry(t *testing.T) {
	lastSeen := snapNow.Add(-48 * time.Hour)
	devices := &fakeDeviceLister{devices: []*models.Device{{
		DeviceID:       "dev-ghost",
		MACAddress:     "b8f009112233",
		BatteryVoltage: 3.1,
		SignalStrength: -85,
		LastSeenAt:     &lastSeen,
	}}}
	store := newFakeSnapshotStore()

	g := newGenerator(devices, newFakeObservationReader(), store, &fakeAlertCounter{})
	require.NoError(t, g.GenerateAll(context.Background()))

	entry := store.snapshots[0].Entries[0]
	require.Equal(t, models.FreshnessCarriedForward, entry.Freshness)
	require.Equal(t, "b8f009112233", entry.Observation.MACAddress)
	require.Equal(t, 3.1, entry.Observation.BatteryVoltage)
	require.Equal(t, int64(48*3600), entry.SecondsSinceSeen)
}

func TestGenerator_WindowNumbersIncrement(t *testing.T) {
	devices := &fakeDeviceLister{devices: []*models.Device{{DeviceID: "dev-1"}}}
	store := newFakeSnapshotStore()
	g := newGenerator(devices, newFakeObservationReader(), store, &fakeAlertCounter{})

	require.NoError(t, g.GenerateAll(context.Background()))
	require.NoError(t, g.GenerateAll(context.Background()))
	require.NoError(t, g.GenerateAll(context.Background()))

	require.Len(t, store.snapshots, 3)
	require.Equal(t, 1, store.snapshots[0].WindowNumber)
	require.Equal(t, 2, store.snapshots[1].WindowNumber)
	require.Equal(t, 3, store.snapshots[2].WindowNumber)
}

func TestGenerator_EmptySiteSkipsWindow(t *testing.T) {
	store := newFakeSnapshotStore()
	g := newGenerator(&fakeDeviceLister{}, newFakeObservationReader(), store, &fakeAlertCounter{})

	require.NoError(t, g.GenerateAll(context.Background()))
	require.Empty(t, store.snapshots)
}

func TestGenerator_AlertCountFromSessionDay(t *testing.T) {
	devices := &fakeDeviceLister{devices: []*models.Device{{DeviceID: "dev-1"}}}
	latest := newFakeObservationReader()
	latest.put(&models.DeviceObservation{DeviceID: "dev-1", ObservedAt: snapNow.Add(-5 * time.Minute)})
	store := newFakeSnapshotStore()
	alerts := &fakeAlertCounter{counts: map[string]int{"dev-1": 2}}

	g := newGenerator(devices, latest, store, alerts)
	require.NoError(t, g.GenerateAll(context.Background()))

	require.Equal(t, 2, store.snapshots[0].Entries[0].Observation.AlertCount)
	require.Equal(t, time.Date(2026, 8, 31, 0, 0, 0, 0, time.UTC), alerts.lastSince)
}
