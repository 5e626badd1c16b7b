package models

// MQTT 消息格式（与设备固件约定，字段名区分大小写）
//
// 入站主题:
//   device/{mac}/status  — 设备唤醒存活消息
//   ESP32CAM/{mac}/data  — 图片元数据与分块数据（共用一个主题，
//                          通过 chunk_id 字段是否存在区分）
// 出站主题:
//   device/{mac}/cmd     — 服务端命令
//   device/{mac}/ack     — 服务端确认

// HelloMessage 设备唤醒存活消息
type HelloMessage struct {
	DeviceID       string  `json:"device_id"`
	Status         string  `json:"status"` // "alive"
	PendingImages  int     `json:"pendingImg"`
	BatteryVoltage float64 `json:"battery_voltage,omitempty"`
	SignalStrength int     `json:"signal_strength,omitempty"`
}

// MetadataMessage 图片元数据消息（附带环境读数）
type MetadataMessage struct {
	DeviceID         string  `json:"device_id"`
	CaptureTimestamp string  `json:"capture_timestamp"`
	ImageName        string  `json:"image_name"`
	ImageSize        int     `json:"image_size"`
	MaxChunkSize     int     `json:"max_chunk_size"`
	TotalChunkCount  int     `json:"total_chunk_count"`
	Temperature      float64 `json:"temperature"`
	Humidity         float64 `json:"humidity"`
	Pressure         float64 `json:"pressure"`
	GasResistance    float64 `json:"gas_resistance"`
	ErrorCode        int     `json:"error"`
}

// ChunkMessage 图片分块消息
// Payload 在 JSON 里是 base64 字符串，encoding/json 自动解码为字节
type ChunkMessage struct {
	DeviceID     string `json:"device_id"`
	ImageName    string `json:"image_name"`
	ChunkID      *int   `json:"chunk_id"`
	MaxChunkSize int    `json:"max_chunk_size,omitempty"`
	Payload      []byte `json:"payload"`
}

// 命令类型
const (
	CommandCaptureImage  = "capture_image"
	CommandSendImage     = "send_image"
	CommandNextWake      = "next_wake"
	CommandMissingChunks = "missing_chunks"
	CommandSleep         = "sleep"
)

// NextWakeTimeFormat 下次唤醒时间的固定文本格式
const NextWakeTimeFormat = "2006-01-02 15:04:05"

// CaptureCommand 拍摄新图片命令
type CaptureCommand struct {
	CaptureImage bool `json:"capture_image"`
}

// SendImageCommand 请求设备发送指定图片（离线恢复）
type SendImageCommand struct {
	SendImage string `json:"send_image"`
}

// SleepCommand 休眠命令，携带下次唤醒时间
type SleepCommand struct {
	NextWake string `json:"next_wake"`
}

// MissingChunksAck 缺块重传请求（ack 主题）
type MissingChunksAck struct {
	ImageName     string `json:"image_name"`
	MissingChunks []int  `json:"missing_chunks"`
}

// AckOK ACK_OK 内嵌对象
// 空对象（无 next_wake_time）是恢复传输信号，区别于普通确认
type AckOK struct {
	NextWakeTime string `json:"next_wake_time,omitempty"`
}

// AckMessage 服务端确认消息
type AckMessage struct {
	DeviceID  string `json:"device_id"`
	ImageName string `json:"image_name,omitempty"`
	AckOK     *AckOK `json:"ACK_OK"`
}
