package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"brainlytree-engine/internal/models"

	"go.uber.org/zap"
)

// AlertRepository 报警配置与事件仓库
type AlertRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewAlertRepository 创建报警仓库
func NewAlertRepository(db *sql.DB, logger *zap.Logger) *AlertRepository {
	return &AlertRepository{
		db:     db,
		logger: logger,
	}
}

// ListThresholds 获取租户级与设备级阈值配置（设备级优先由调用方处理）
func (r *AlertRepository) ListThresholds(ctx context.Context, tenantID, deviceID string) ([]*models.AlertThresholdConfig, error) {
	query := `
		SELECT threshold_id, tenant_id, device_id, metric, min_value, max_value, enabled
		FROM alert_thresholds
		WHERE tenant_id = $1 AND (device_id IS NULL OR device_id = $2) AND enabled = TRUE
		ORDER BY metric, device_id NULLS LAST
	`

	rows, err := r.db.QueryContext(ctx, query, tenantID, deviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list alert thresholds: %w", err)
	}
	defer rows.Close()

	var configs []*models.AlertThresholdConfig
	for rows.Next() {
		c := &models.AlertThresholdConfig{}
		if err := rows.Scan(&c.ThresholdID, &c.TenantID, &c.DeviceID, &c.Metric, &c.MinValue, &c.MaxValue, &c.Enabled); err != nil {
			return nil, fmt.Errorf("failed to scan threshold: %w", err)
		}
		configs = append(configs, c)
	}
	return configs, rows.Err()
}

// ListZones 获取双变量组合报警区域配置
func (r *AlertRepository) ListZones(ctx context.Context, tenantID, deviceID string) ([]*models.AlertZoneConfig, error) {
	query := `
		SELECT zone_id, tenant_id, device_id, metric_x, metric_y,
		       min_x, max_x, min_y, max_y, label, enabled
		FROM alert_zones
		WHERE tenant_id = $1 AND (device_id IS NULL OR device_id = $2) AND enabled = TRUE
		ORDER BY label
	`

	rows, err := r.db.QueryContext(ctx, query, tenantID, deviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list alert zones: %w", err)
	}
	defer rows.Close()

	var zones []*models.AlertZoneConfig
	for rows.Next() {
		z := &models.AlertZoneConfig{}
		if err := rows.Scan(&z.ZoneID, &z.TenantID, &z.DeviceID, &z.MetricX, &z.MetricY,
			&z.MinX, &z.MaxX, &z.MinY, &z.MaxY, &z.Label, &z.Enabled); err != nil {
			return nil, fmt.Errorf("failed to scan zone: %w", err)
		}
		zones = append(zones, z)
	}
	return zones, rows.Err()
}

// InsertEvent 写入一条报警事件
func (r *AlertRepository) InsertEvent(ctx context.Context, event *models.AlertEvent) error {
	query := `
		INSERT INTO alert_events (
			event_id, tenant_id, site_id, device_id, alert_type, metric, value, detail, triggered_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	if _, err := r.db.ExecContext(ctx, query,
		event.EventID, event.TenantID, event.SiteID, event.DeviceID,
		event.AlertType, event.Metric, event.Value, event.Detail, event.TriggeredAt,
	); err != nil {
		return fmt.Errorf("failed to insert alert event: %w", err)
	}
	return nil
}

// CountEventsSince 设备在某时刻之后的报警条数（快照条目使用）
func (r *AlertRepository) CountEventsSince(ctx context.Context, deviceID string, since time.Time) (int, error) {
	query := `
		SELECT COUNT(*) FROM alert_events
		WHERE device_id = $1 AND triggered_at >= $2
	`

	var count int
	if err := r.db.QueryRowContext(ctx, query, deviceID, since).Scan(&count); err != nil {
		if err == sql.ErrNoRows {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to count alert events: %w", err)
	}
	return count, nil
}
