package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	mqttcommon "brainlytree-engine/common/mqtt"
	"brainlytree-engine/internal/models"

	"go.uber.org/zap"
)

// ProtocolHandler 协议消息处理接口
type ProtocolHandler interface {
	HandleHello(ctx context.Context, msg *models.HelloMessage) error
	HandleMetadata(ctx context.Context, msg *models.MetadataMessage) error
	HandleChunk(ctx context.Context, msg *models.ChunkMessage) error
}

// Consumer MQTT 设备消息消费者
// status 主题收存活消息，data 主题收元数据与分块（按 chunk_id
// 字段是否存在区分，固件共用一个主题）
type Consumer struct {
	client      *mqttcommon.Client
	engine      ProtocolHandler
	statusTopic string
	dataTopic   string
	qos         byte
	logger      *zap.Logger
}

// NewConsumer 创建设备消息消费者
func NewConsumer(client *mqttcommon.Client, engine ProtocolHandler, statusTopic, dataTopic string, qos byte, logger *zap.Logger) *Consumer {
	return &Consumer{
		client:      client,
		engine:      engine,
		statusTopic: statusTopic,
		dataTopic:   dataTopic,
		qos:         qos,
		logger:      logger,
	}
}

// Start 订阅设备主题
func (c *Consumer) Start(ctx context.Context) error {
	if err := c.client.Subscribe(c.statusTopic, c.qos, func(topic string, payload []byte) error {
		return c.handleStatus(ctx, topic, payload)
	}); err != nil {
		return fmt.Errorf("failed to subscribe to status topic: %w", err)
	}

	if err := c.client.Subscribe(c.dataTopic, c.qos, func(topic string, payload []byte) error {
		return c.handleData(ctx, topic, payload)
	}); err != nil {
		return fmt.Errorf("failed to subscribe to data topic: %w", err)
	}

	c.logger.Info("Device topics subscribed",
		zap.String("status_topic", c.statusTopic),
		zap.String("data_topic", c.dataTopic),
	)
	return nil
}

// Stop 退订设备主题
func (c *Consumer) Stop() error {
	if err := c.client.Unsubscribe(c.statusTopic, c.dataTopic); err != nil {
		return fmt.Errorf("failed to unsubscribe device topics: %w", err)
	}
	return nil
}

// macFromTopic 主题第二段是设备 MAC（device/{mac}/status）
func macFromTopic(topic string) string {
	parts := strings.Split(topic, "/")
	if len(parts) < 2 {
		return ""
	}
	return parts[1]
}

func (c *Consumer) handleStatus(ctx context.Context, topic string, payload []byte) error {
	var msg models.HelloMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return fmt.Errorf("%w: invalid hello payload: %v", models.ErrMalformedMessage, err)
	}
	if msg.DeviceID == "" {
		msg.DeviceID = macFromTopic(topic)
	}

	c.logger.Info("Device hello received",
		zap.String("mac", msg.DeviceID),
		zap.Int("pending_images", msg.PendingImages),
		zap.Float64("battery_voltage", msg.BatteryVoltage),
	)

	return c.engine.HandleHello(ctx, &msg)
}

func (c *Consumer) handleData(ctx context.Context, topic string, payload []byte) error {
	// 先按分块解析：chunk_id 字段存在即分块，否则按元数据处理
	var chunk models.ChunkMessage
	if err := json.Unmarshal(payload, &chunk); err == nil && chunk.ChunkID != nil {
		if chunk.DeviceID == "" {
			chunk.DeviceID = macFromTopic(topic)
		}
		return c.engine.HandleChunk(ctx, &chunk)
	}

	var meta models.MetadataMessage
	if err := json.Unmarshal(payload, &meta); err != nil {
		return fmt.Errorf("%w: invalid data payload: %v", models.ErrMalformedMessage, err)
	}
	if meta.DeviceID == "" {
		meta.DeviceID = macFromTopic(topic)
	}

	c.logger.Info("Image metadata received",
		zap.String("mac", meta.DeviceID),
		zap.String("image_name", meta.ImageName),
		zap.Int("total_chunks", meta.TotalChunkCount),
		zap.Int("image_size", meta.ImageSize),
	)

	return c.engine.HandleMetadata(ctx, &meta)
}
