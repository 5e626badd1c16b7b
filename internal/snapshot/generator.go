package snapshot

import (
	"context"
	"time"

	"brainlytree-engine/internal/models"

	"go.uber.org/zap"
)

// SessionLister 开放会话查询接口
type SessionLister interface {
	ListOpenSessions(ctx context.Context) ([]*models.WakeSession, error)
}

// DeviceLister 站点设备查询接口
type DeviceLister interface {
	ListDevicesBySite(ctx context.Context, siteID string) ([]*models.Device, error)
}

// ObservationReader 最新观测读取接口
type ObservationReader interface {
	GetObservation(ctx context.Context, deviceID string) (*models.DeviceObservation, error)
}

// SnapshotStore 快照持久化接口
type SnapshotStore interface {
	Upsert(ctx context.Context, snapshot *models.SiteSnapshot) error
	MaxWindowNumber(ctx context.Context, sessionID string) (int, error)
}

// AlertCounter 报警事件计数接口
type AlertCounter interface {
	CountEventsSince(ctx context.Context, deviceID string, since time.Time) (int, error)
}

// Generator 站点快照生成器
// 每个节拍为每个未锁定会话生成一个自包含快照窗口：站点下
// 每个设备在每个窗口都有条目，窗口内未上报的设备沿用上一次
// 观测并标记 carried_forward（LOCF），绝不出现空洞。下游回放
// 按窗口号顺序播放即可
type Generator struct {
	sessions SessionLister
	devices  DeviceLister
	latest   ObservationReader
	store    SnapshotStore
	alerts   AlertCounter
	cadence  time.Duration
	logger   *zap.Logger
	nowFunc  func() time.Time
}

// NewGenerator 创建快照生成器
func NewGenerator(
	sessions SessionLister,
	devices DeviceLister,
	latest ObservationReader,
	store SnapshotStore,
	alerts AlertCounter,
	cadence time.Duration,
	logger *zap.Logger,
) *Generator {
	return &Generator{
		sessions: sessions,
		devices:  devices,
		latest:   latest,
		store:    store,
		alerts:   alerts,
		cadence:  cadence,
		logger:   logger,
		nowFunc:  time.Now,
	}
}

// Run 按节拍生成快照，直到 ctx 取消
func (g *Generator) Run(ctx context.Context) {
	ticker := time.NewTicker(g.cadence)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			g.logger.Info("Snapshot generator stopped")
			return
		case <-ticker.C:
			if err := g.GenerateAll(ctx); err != nil {
				g.logger.Error("Snapshot generation pass failed", zap.Error(err))
			}
		}
	}
}

// GenerateAll 为所有未锁定会话各生成一个新窗口
func (g *Generator) GenerateAll(ctx context.Context) error {
	sessions, err := g.sessions.ListOpenSessions(ctx)
	if err != nil {
		return err
	}

	for _, sess := range sessions {
		if err := g.GenerateWindow(ctx, sess); err != nil {
			g.logger.Error("Failed to generate snapshot window",
				zap.String("session_id", sess.SessionID),
				zap.String("site_id", sess.SiteID),
				zap.Error(err),
			)
		}
	}
	return nil
}

// GenerateWindow 为单个会话生成下一个快照窗口
func (g *Generator) GenerateWindow(ctx context.Context, sess *models.WakeSession) error {
	now := g.nowFunc()

	maxWindow, err := g.store.MaxWindowNumber(ctx, sess.SessionID)
	if err != nil {
		return err
	}

	devices, err := g.devices.ListDevicesBySite(ctx, sess.SiteID)
	if err != nil {
		return err
	}
	if len(devices) == 0 {
		return nil
	}

	dayStart := g.sessionDayStart(sess, now)

	entries := make([]models.SnapshotEntry, 0, len(devices))
	for _, device := range devices {
		entries = append(entries, g.entryFor(ctx, device, now, dayStart))
	}

	snapshot := &models.SiteSnapshot{
		SessionID:    sess.SessionID,
		SiteID:       sess.SiteID,
		WindowNumber: maxWindow + 1,
		WindowEnd:    now,
		GeneratedAt:  now,
		Entries:      entries,
	}

	if err := g.store.Upsert(ctx, snapshot); err != nil {
		return err
	}

	g.logger.Debug("Snapshot window generated",
		zap.String("session_id", sess.SessionID),
		zap.Int("window", snapshot.WindowNumber),
		zap.Int("devices", len(entries)),
	)
	return nil
}

// entryFor 单设备条目：窗口内有新观测为 current，否则 LOCF 沿用；
// 从未上报过的设备用设备表的静态信息合成占位观测
func (g *Generator) entryFor(ctx context.Context, device *models.Device, now, dayStart time.Time) models.SnapshotEntry {
	obs, err := g.latest.GetObservation(ctx, device.DeviceID)
	if err != nil {
		g.logger.Warn("Failed to read cached observation, carrying device forward",
			zap.String("device_id", device.DeviceID),
			zap.Error(err),
		)
	}

	if obs == nil {
		obs = &models.DeviceObservation{
			DeviceID:       device.DeviceID,
			MACAddress:     device.MACAddress,
			BatteryVoltage: device.BatteryVoltage,
			SignalStrength: device.SignalStrength,
		}
		if device.LastSeenAt != nil {
			obs.ObservedAt = *device.LastSeenAt
		}
	}

	if g.alerts != nil {
		count, err := g.alerts.CountEventsSince(ctx, device.DeviceID, dayStart)
		if err == nil {
			obs.AlertCount = count
		}
	}

	entry := models.SnapshotEntry{
		DeviceID:    device.DeviceID,
		Observation: *obs,
	}

	if !obs.ObservedAt.IsZero() {
		entry.SecondsSinceSeen = int64(now.Sub(obs.ObservedAt).Seconds())
	}

	if !obs.ObservedAt.IsZero() && now.Sub(obs.ObservedAt) <= g.cadence {
		entry.Freshness = models.FreshnessCurrent
	} else {
		entry.Freshness = models.FreshnessCarriedForward
	}

	return entry
}

// sessionDayStart 会话本地日起点（报警计数的统计下界）
func (g *Generator) sessionDayStart(sess *models.WakeSession, fallback time.Time) time.Time {
	loc, err := time.LoadLocation(sess.TimeZone)
	if err != nil {
		loc = time.UTC
	}
	dayStart, err := time.ParseInLocation("2006-01-02", sess.SessionDate, loc)
	if err != nil {
		return fallback.Add(-24 * time.Hour)
	}
	return dayStart
}
