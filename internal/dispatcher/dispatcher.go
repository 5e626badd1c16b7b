package dispatcher

import (
	"context"
	"fmt"
	"time"

	"brainlytree-engine/internal/models"

	"go.uber.org/zap"
)

// CommandStore 命令持久化接口
type CommandStore interface {
	Enqueue(ctx context.Context, deviceID, commandType string, payload []byte, expiresAt *time.Time) (*models.Command, error)
	ListPendingForDevice(ctx context.Context, deviceID string) ([]*models.Command, error)
	MarkSent(ctx context.Context, commandID string) error
	AcknowledgeLatestSent(ctx context.Context, deviceID string) (bool, error)
	ListTimedOutSent(ctx context.Context, cutoff time.Time) ([]*models.Command, error)
	RequeueForRetry(ctx context.Context, commandID string) error
	MarkFailed(ctx context.Context, commandID string) error
	ExpireOverdue(ctx context.Context, now time.Time) (int64, error)
}

// Transport MQTT 发布接口
type Transport interface {
	Publish(topic string, qos byte, retained bool, payload []byte) error
	IsConnected() bool
}

// Config 派发器配置
type Config struct {
	CmdTopicTemplate string // device/%s/cmd
	AckTopicTemplate string // device/%s/ack
	QoS              byte
	RetryInterval    time.Duration
	AckTimeout       time.Duration
	MaxRetries       int
}

// Dispatcher 命令派发器
// 命令先落库再投递：设备离线期间的命令积压在队列里，
// 下一次 HELLO 时按入队顺序冲刷。重试只针对投递，命令
// 语义本身幂等（固件按内容处理重复命令）
type Dispatcher struct {
	cfg     Config
	store   CommandStore
	mqtt    Transport
	logger  *zap.Logger
	nowFunc func() time.Time
}

// NewDispatcher 创建命令派发器
func NewDispatcher(cfg Config, store CommandStore, mqtt Transport, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		cfg:     cfg,
		store:   store,
		mqtt:    mqtt,
		logger:  logger,
		nowFunc: time.Now,
	}
}

// topicFor 缺块重传请求走 ack 主题，其余命令走 cmd 主题
func (d *Dispatcher) topicFor(cmd *models.Command) string {
	if cmd.CommandType == models.CommandMissingChunks {
		return fmt.Sprintf(d.cfg.AckTopicTemplate, cmd.DeviceID)
	}
	return fmt.Sprintf(d.cfg.CmdTopicTemplate, cmd.DeviceID)
}

// Enqueue 持久化命令并在设备可达时立即投递
func (d *Dispatcher) Enqueue(ctx context.Context, deviceMAC, commandType string, payload []byte) (*models.Command, error) {
	expiresAt := d.nowFunc().Add(d.cfg.AckTimeout * time.Duration(d.cfg.MaxRetries+2))
	cmd, err := d.store.Enqueue(ctx, deviceMAC, commandType, payload, &expiresAt)
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue command: %w", err)
	}

	if d.mqtt.IsConnected() {
		if err := d.deliver(ctx, cmd); err != nil {
			// 投递失败不回滚入队：命令留在 pending，等下一次冲刷
			d.logger.Warn("Immediate delivery failed, command stays pending",
				zap.String("command_id", cmd.CommandID),
				zap.String("mac", deviceMAC),
				zap.Error(err),
			)
		}
	}

	return cmd, nil
}

func (d *Dispatcher) deliver(ctx context.Context, cmd *models.Command) error {
	topic := d.topicFor(cmd)
	if err := d.mqtt.Publish(topic, d.cfg.QoS, false, cmd.Payload); err != nil {
		return fmt.Errorf("failed to publish command to %s: %w", topic, err)
	}
	if err := d.store.MarkSent(ctx, cmd.CommandID); err != nil {
		return fmt.Errorf("failed to mark command sent: %w", err)
	}

	d.logger.Info("Command delivered",
		zap.String("command_id", cmd.CommandID),
		zap.String("mac", cmd.DeviceID),
		zap.String("type", cmd.CommandType),
		zap.String("topic", topic),
	)
	return nil
}

// FlushPending 设备醒来时按入队顺序投递积压命令
func (d *Dispatcher) FlushPending(ctx context.Context, deviceMAC string) error {
	pending, err := d.store.ListPendingForDevice(ctx, deviceMAC)
	if err != nil {
		return fmt.Errorf("failed to list pending commands: %w", err)
	}
	if len(pending) == 0 {
		return nil
	}

	for _, cmd := range pending {
		if err := d.deliver(ctx, cmd); err != nil {
			// 顺序投递：一条失败就停，避免乱序到达
			return err
		}
	}

	d.logger.Info("Flushed pending commands",
		zap.String("mac", deviceMAC),
		zap.Int("count", len(pending)),
	)
	return nil
}

// AcknowledgeLatestSent 设备的协议响应不携带命令 ID，
// 按最近一条已投递命令确认
func (d *Dispatcher) AcknowledgeLatestSent(ctx context.Context, deviceMAC string) error {
	acked, err := d.store.AcknowledgeLatestSent(ctx, deviceMAC)
	if err != nil {
		return fmt.Errorf("failed to acknowledge command: %w", err)
	}
	if acked {
		d.logger.Debug("Command acknowledged", zap.String("mac", deviceMAC))
	}
	return nil
}

// RunRetryLoop 周期重试超时未确认的命令
// sent 超过确认窗口 → 重入队重投，超过重试上限 → failed 并
// 记录到操作面；绝不静默丢弃
func (d *Dispatcher) RunRetryLoop(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.RetryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("Command retry loop stopped")
			return
		case <-ticker.C:
			d.RetryPass(ctx)
		}
	}
}

// RetryPass 单轮重试扫描（循环与测试共用）
func (d *Dispatcher) RetryPass(ctx context.Context) {
	now := d.nowFunc()

	if expired, err := d.store.ExpireOverdue(ctx, now); err != nil {
		d.logger.Error("Failed to expire overdue commands", zap.Error(err))
	} else if expired > 0 {
		d.logger.Warn("Expired overdue commands", zap.Int64("count", expired))
	}

	timedOut, err := d.store.ListTimedOutSent(ctx, now.Add(-d.cfg.AckTimeout))
	if err != nil {
		d.logger.Error("Failed to list timed out commands", zap.Error(err))
		return
	}

	for _, cmd := range timedOut {
		if cmd.RetryCount >= d.cfg.MaxRetries {
			if err := d.store.MarkFailed(ctx, cmd.CommandID); err != nil {
				d.logger.Error("Failed to mark command failed", zap.Error(err))
				continue
			}
			d.logger.Warn("Command exhausted retries and failed",
				zap.String("command_id", cmd.CommandID),
				zap.String("mac", cmd.DeviceID),
				zap.String("type", cmd.CommandType),
				zap.Int("retry_count", cmd.RetryCount),
			)
			continue
		}

		if err := d.store.RequeueForRetry(ctx, cmd.CommandID); err != nil {
			d.logger.Error("Failed to requeue command", zap.Error(err))
			continue
		}
		cmd.RetryCount++

		if d.mqtt.IsConnected() {
			if err := d.deliver(ctx, cmd); err != nil {
				d.logger.Warn("Retry delivery failed, command stays pending",
					zap.String("command_id", cmd.CommandID),
					zap.Error(err),
				)
			}
		}
	}
}
