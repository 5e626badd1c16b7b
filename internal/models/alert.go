package models

import "time"

// 报警类型
const (
	AlertThreshold         = "threshold"
	AlertZone              = "zone"
	AlertFirmwareDuplicate = "firmware_duplicate_metadata"
)

// AlertThresholdConfig 租户/设备级报警阈值
// DeviceID 为空表示租户级默认值，设备级配置优先
type AlertThresholdConfig struct {
	ThresholdID string
	TenantID    string
	DeviceID    *string
	Metric      string // temperature / humidity / pressure / gas_resistance
	MinValue    *float64
	MaxValue    *float64
	Enabled     bool
}

// AlertZoneConfig 双变量组合报警区域（如高温+高湿）
type AlertZoneConfig struct {
	ZoneID   string
	TenantID string
	DeviceID *string
	MetricX  string
	MetricY  string
	MinX     float64
	MaxX     float64
	MinY     float64
	MaxY     float64
	Label    string
	Enabled  bool
}

// AlertEvent 报警事件
type AlertEvent struct {
	EventID     string    `json:"event_id"`
	TenantID    string    `json:"tenant_id"`
	SiteID      string    `json:"site_id"`
	DeviceID    string    `json:"device_id"`
	AlertType   string    `json:"alert_type"`
	Metric      string    `json:"metric"`
	Value       float64   `json:"value"`
	Detail      string    `json:"detail"`
	TriggeredAt time.Time `json:"triggered_at"`
}
