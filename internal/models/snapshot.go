package models

import "time"

// 快照新鲜度
const (
	FreshnessCurrent        = "current"
	FreshnessCarriedForward = "carried_forward"
)

// DeviceObservation 单个设备的最近一次观测（协议引擎每次唤醒写入缓存）
type DeviceObservation struct {
	DeviceID       string    `json:"device_id"`
	MACAddress     string    `json:"mac_address"`
	ObservedAt     time.Time `json:"observed_at"`
	Temperature    float64   `json:"temperature"`
	Humidity       float64   `json:"humidity"`
	Pressure       float64   `json:"pressure"`
	GasResistance  float64   `json:"gas_resistance"`
	BatteryVoltage float64   `json:"battery_voltage"`
	SignalStrength int       `json:"signal_strength"`
	ImageName      string    `json:"image_name,omitempty"`
	ImageBlobRef   string    `json:"image_blob_ref,omitempty"`
	ImageScore     *float64  `json:"image_score,omitempty"`
	AlertCount     int       `json:"alert_count"`
}

// SnapshotEntry 快照中的单个设备条目
// 未在窗口内上报的设备沿用上一次观测（LOCF），绝不缺席：
// 下游动画回放要求每个设备在每一帧都有位置
type SnapshotEntry struct {
	DeviceID          string            `json:"device_id"`
	Freshness         string            `json:"freshness"` // current / carried_forward
	SecondsSinceSeen  int64             `json:"seconds_since_seen"`
	Observation       DeviceObservation `json:"observation"`
}

// SiteSnapshot 站点快照：一个会话一个唤醒窗口一条，自包含
type SiteSnapshot struct {
	SessionID    string          `json:"session_id"`
	SiteID       string          `json:"site_id"`
	WindowNumber int             `json:"window_number"`
	WindowEnd    time.Time       `json:"window_end"`
	GeneratedAt  time.Time       `json:"generated_at"`
	Entries      []SnapshotEntry `json:"entries"`
}
