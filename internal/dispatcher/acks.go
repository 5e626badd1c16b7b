package dispatcher

import (
	"encoding/json"
	"fmt"

	"brainlytree-engine/internal/models"

	"go.uber.org/zap"
)

// AckSender 确认消息发送器
// ACK 是唤醒同步响应，不落命令队列：设备已回到休眠时补发没有意义
type AckSender struct {
	topicTemplate string
	qos           byte
	mqtt          Transport
	logger        *zap.Logger
}

// NewAckSender 创建确认消息发送器
func NewAckSender(ackTopicTemplate string, qos byte, mqtt Transport, logger *zap.Logger) *AckSender {
	return &AckSender{
		topicTemplate: ackTopicTemplate,
		qos:           qos,
		mqtt:          mqtt,
		logger:        logger,
	}
}

// PublishAck 发布确认消息到设备 ack 主题
func (s *AckSender) PublishAck(deviceMAC string, ack *models.AckMessage) error {
	data, err := json.Marshal(ack)
	if err != nil {
		return fmt.Errorf("failed to marshal ack: %w", err)
	}

	topic := fmt.Sprintf(s.topicTemplate, deviceMAC)
	if err := s.mqtt.Publish(topic, s.qos, false, data); err != nil {
		return fmt.Errorf("failed to publish ack to %s: %w", topic, err)
	}

	s.logger.Debug("Ack published",
		zap.String("mac", deviceMAC),
		zap.String("topic", topic),
	)
	return nil
}
