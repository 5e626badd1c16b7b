package models

import "time"

// 命令状态
const (
	CommandPending      = "pending"
	CommandSent         = "sent"
	CommandAcknowledged = "acknowledged"
	CommandFailed       = "failed"
	CommandExpired      = "expired"
)

// Command 发往单个设备的一条指令
type Command struct {
	CommandID      string
	DeviceID       string
	CommandType    string
	Payload        []byte // JSON 命令体，按原样发布到 cmd 主题
	Status         string
	RetryCount     int
	IssuedAt       time.Time
	DeliveredAt    *time.Time
	AcknowledgedAt *time.Time
	ExpiresAt      *time.Time
}
