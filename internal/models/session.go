package models

import "time"

// 会话状态
const (
	SessionOpen       = "open"
	SessionInProgress = "in_progress"
	SessionLocked     = "locked"
)

// WakeSession 唤醒会话：一个站点一个本地日历日内的全部唤醒的记账范围
type WakeSession struct {
	SessionID          string
	SiteID             string
	SessionDate        string // 本地日历日，格式 "2006-01-02"
	TimeZone           string
	ExpectedWakeCount  int
	CompletedWakeCount int
	FailedWakeCount    int
	ExtraWakeCount     int
	Status             string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// CompletionPercent 完成率（预期为 0 时返回 0）
func (s *WakeSession) CompletionPercent() float64 {
	if s.ExpectedWakeCount == 0 {
		return 0
	}
	pct := float64(s.CompletedWakeCount) / float64(s.ExpectedWakeCount) * 100
	if pct > 100 {
		pct = 100
	}
	return pct
}

// 唤醒载荷协议状态
const (
	PayloadHelloReceived       = "hello_received"
	PayloadMetadataReceived    = "metadata_received"
	PayloadChunksInProgress    = "chunks_in_progress"
	PayloadMissingChunksAsked  = "missing_chunks_requested"
	PayloadComplete            = "complete"
	PayloadAckSent             = "ack_sent"
	PayloadFailed              = "failed"
)

// 唤醒失败原因
const (
	FailureLineageUnresolved  = "lineage_unresolved"
	FailureMalformedMessage   = "malformed_message"
	FailureCameraError        = "camera_error"
	FailureStorageUnavailable = "storage_unavailable"
	FailureTransferTimeout    = "transfer_timeout"
)

// WakePayload 一次设备唤醒尝试的记录
// HELLO 时创建，随协议推进更新，终态后不再变更
type WakePayload struct {
	PayloadID      string
	SessionID      string
	DeviceID       string
	State          string
	ImageName      *string // 纯遥测唤醒（相机故障）时为空
	Temperature    *float64
	Humidity       *float64
	Pressure       *float64
	GasResistance  *float64
	BatteryVoltage *float64
	SignalStrength *int
	Overage        bool // 超出会话预期唤醒预算
	FailureReason  *string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// TelemetryReadings 一次唤醒携带的环境读数
type TelemetryReadings struct {
	Temperature   float64
	Humidity      float64
	Pressure      float64
	GasResistance float64
}
