package models

import "time"

// 图片传输状态
const (
	TransferPending   = "pending"
	TransferReceiving = "receiving"
	TransferComplete  = "complete"
	TransferFailed    = "failed"
)

// ImageTransfer 图片传输记录
// 以 (device_id, image_name) 唯一标识，而不是唤醒载荷：
// 一次传输可能因设备重启跨越多个唤醒。唯一约束是断点续传
// 和重复完成检测的基础。
type ImageTransfer struct {
	TransferID       string
	DeviceID         string
	ImageName        string
	ImageSize        int
	TotalChunks      int
	MaxChunkSize     int
	ReceivedCount    int
	Status           string
	BlobRef          *string
	Score            *float64
	DuplicateMetaCnt int // 完成后重复收到元数据的次数（固件重传诊断）
	CreatedAt        time.Time
	UpdatedAt        time.Time
}
