package models

import "time"

// Device 设备模型
type Device struct {
	DeviceID       string
	MACAddress     string
	DeviceName     string
	SiteID         *string // 未分配时为空
	WakeSchedule   string  // 唤醒计划表达式，如 "*/6" 或 "8,16"
	TimeZone       string  // IANA 时区名，如 "America/New_York"
	Status         string
	BatteryVoltage float64
	SignalStrength int
	LastSeenAt     *time.Time
	LastWakeAt     *time.Time
	NextWakeAt     *time.Time
}

// Lineage 设备归属链（设备 → 站点 → 项目 → 租户）
type Lineage struct {
	DeviceID  string
	SiteID    string
	ProgramID string
	TenantID  string
	SiteName  string
	TimeZone  string
}

// Location 加载站点时区，失败时退回 UTC
func (l *Lineage) Location() *time.Location {
	loc, err := time.LoadLocation(l.TimeZone)
	if err != nil {
		return time.UTC
	}
	return loc
}
