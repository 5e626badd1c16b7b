package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"brainlytree-engine/internal/models"

	"go.uber.org/zap"
)

// DeviceRepository 设备仓库
type DeviceRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewDeviceRepository 创建设备仓库
func NewDeviceRepository(db *sql.DB, logger *zap.Logger) *DeviceRepository {
	return &DeviceRepository{
		db:     db,
		logger: logger,
	}
}

// GetDeviceByMAC 根据硬件地址获取设备
func (r *DeviceRepository) GetDeviceByMAC(ctx context.Context, mac string) (*models.Device, error) {
	query := `
		SELECT
			d.device_id,
			d.mac_address,
			d.device_name,
			d.site_id,
			d.wake_schedule,
			d.time_zone,
			d.status,
			d.battery_voltage,
			d.signal_strength,
			d.last_seen_at,
			d.last_wake_at,
			d.next_wake_at
		FROM devices d
		WHERE d.mac_address = $1
		LIMIT 1
	`

	device := &models.Device{}
	err := r.db.QueryRowContext(ctx, query, mac).Scan(
		&device.DeviceID,
		&device.MACAddress,
		&device.DeviceName,
		&device.SiteID,
		&device.WakeSchedule,
		&device.TimeZone,
		&device.Status,
		&device.BatteryVoltage,
		&device.SignalStrength,
		&device.LastSeenAt,
		&device.LastWakeAt,
		&device.NextWakeAt,
	)

	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("device not found: %s", mac)
		}
		return nil, fmt.Errorf("failed to query device: %w", err)
	}

	return device, nil
}

// ResolveLineage 解析设备归属链（设备 → 站点 → 项目 → 租户）
// 任一环节缺失返回 sql.ErrNoRows，由上层映射为 lineage_unresolved
func (r *DeviceRepository) ResolveLineage(ctx context.Context, mac string) (*models.Lineage, error) {
	query := `
		SELECT
			d.device_id,
			s.site_id,
			p.program_id,
			p.tenant_id,
			s.site_name,
			s.time_zone
		FROM devices d
		JOIN sites s ON s.site_id = d.site_id
		JOIN programs p ON p.program_id = s.program_id
		WHERE d.mac_address = $1
		LIMIT 1
	`

	lineage := &models.Lineage{}
	err := r.db.QueryRowContext(ctx, query, mac).Scan(
		&lineage.DeviceID,
		&lineage.SiteID,
		&lineage.ProgramID,
		&lineage.TenantID,
		&lineage.SiteName,
		&lineage.TimeZone,
	)

	if err != nil {
		if err == sql.ErrNoRows {
			return nil, sql.ErrNoRows
		}
		return nil, fmt.Errorf("failed to resolve lineage: %w", err)
	}

	return lineage, nil
}

// UpdateWakeTelemetry 每次唤醒更新设备的电量/信号与时间戳
func (r *DeviceRepository) UpdateWakeTelemetry(ctx context.Context, deviceID string, batteryVoltage float64, signalStrength int, wakeAt time.Time) error {
	query := `
		UPDATE devices
		SET battery_voltage = $2,
		    signal_strength = $3,
		    last_seen_at = $4,
		    last_wake_at = $4,
		    updated_at = NOW()
		WHERE device_id = $1
	`

	if _, err := r.db.ExecContext(ctx, query, deviceID, batteryVoltage, signalStrength, wakeAt); err != nil {
		return fmt.Errorf("failed to update wake telemetry: %w", err)
	}

	return nil
}

// UpdateNextWake 更新设备的下一个预期唤醒时刻
func (r *DeviceRepository) UpdateNextWake(ctx context.Context, deviceID string, nextWake time.Time) error {
	query := `
		UPDATE devices
		SET next_wake_at = $2,
		    updated_at = NOW()
		WHERE device_id = $1
	`

	if _, err := r.db.ExecContext(ctx, query, deviceID, nextWake); err != nil {
		return fmt.Errorf("failed to update next wake: %w", err)
	}

	return nil
}

// ListDevicesBySite 获取站点下的全部设备
func (r *DeviceRepository) ListDevicesBySite(ctx context.Context, siteID string) ([]*models.Device, error) {
	query := `
		SELECT
			d.device_id,
			d.mac_address,
			d.device_name,
			d.site_id,
			d.wake_schedule,
			d.time_zone,
			d.status,
			d.battery_voltage,
			d.signal_strength,
			d.last_seen_at,
			d.last_wake_at,
			d.next_wake_at
		FROM devices d
		WHERE d.site_id = $1
		ORDER BY d.mac_address
	`

	rows, err := r.db.QueryContext(ctx, query, siteID)
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	defer rows.Close()

	var devices []*models.Device
	for rows.Next() {
		device := &models.Device{}
		if err := rows.Scan(
			&device.DeviceID,
			&device.MACAddress,
			&device.DeviceName,
			&device.SiteID,
			&device.WakeSchedule,
			&device.TimeZone,
			&device.Status,
			&device.BatteryVoltage,
			&device.SignalStrength,
			&device.LastSeenAt,
			&device.LastWakeAt,
			&device.NextWakeAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan device: %w", err)
		}
		devices = append(devices, device)
	}

	return devices, rows.Err()
}
