package evaluator

import (
	"context"
	"fmt"
	"time"

	"brainlytree-engine/internal/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// AlertStore 报警配置与事件持久化接口
type AlertStore interface {
	ListThresholds(ctx context.Context, tenantID, deviceID string) ([]*models.AlertThresholdConfig, error)
	ListZones(ctx context.Context, tenantID, deviceID string) ([]*models.AlertZoneConfig, error)
	InsertEvent(ctx context.Context, event *models.AlertEvent) error
}

// StreamPublisher 报警事件流发布接口（Redis Stream）
type StreamPublisher interface {
	PublishJSONToStream(ctx context.Context, stream string, payload interface{}) error
}

// Evaluator 遥测报警评估器
// 每次唤醒落遥测后运行：单指标阈值 + 双变量组合区域。
// 设备级配置覆盖租户级默认值
type Evaluator struct {
	store   AlertStore
	streams StreamPublisher
	stream  string
	logger  *zap.Logger
	nowFunc func() time.Time
}

// NewEvaluator 创建报警评估器
func NewEvaluator(store AlertStore, streams StreamPublisher, streamName string, logger *zap.Logger) *Evaluator {
	return &Evaluator{
		store:   store,
		streams: streams,
		stream:  streamName,
		logger:  logger,
		nowFunc: time.Now,
	}
}

func metricValues(readings models.TelemetryReadings) map[string]float64 {
	return map[string]float64{
		"temperature":    readings.Temperature,
		"humidity":       readings.Humidity,
		"pressure":       readings.Pressure,
		"gas_resistance": readings.GasResistance,
	}
}

// EvaluateWake 评估一次唤醒的遥测读数，触发的事件入库并发布到流
func (e *Evaluator) EvaluateWake(ctx context.Context, lineage *models.Lineage, readings models.TelemetryReadings) ([]*models.AlertEvent, error) {
	values := metricValues(readings)

	thresholds, err := e.store.ListThresholds(ctx, lineage.TenantID, lineage.DeviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list alert thresholds: %w", err)
	}
	zones, err := e.store.ListZones(ctx, lineage.TenantID, lineage.DeviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list alert zones: %w", err)
	}

	var events []*models.AlertEvent

	for _, t := range e.effectiveThresholds(thresholds) {
		value, ok := values[t.Metric]
		if !ok {
			continue
		}
		if t.MinValue != nil && value < *t.MinValue {
			events = append(events, e.newEvent(lineage, models.AlertThreshold, t.Metric, value,
				fmt.Sprintf("%s %.2f below minimum %.2f", t.Metric, value, *t.MinValue)))
		}
		if t.MaxValue != nil && value > *t.MaxValue {
			events = append(events, e.newEvent(lineage, models.AlertThreshold, t.Metric, value,
				fmt.Sprintf("%s %.2f above maximum %.2f", t.Metric, value, *t.MaxValue)))
		}
	}

	for _, z := range zones {
		x, okX := values[z.MetricX]
		y, okY := values[z.MetricY]
		if !okX || !okY {
			continue
		}
		if x >= z.MinX && x <= z.MaxX && y >= z.MinY && y <= z.MaxY {
			events = append(events, e.newEvent(lineage, models.AlertZone, z.MetricX+"+"+z.MetricY, x,
				fmt.Sprintf("%s: %s=%.2f, %s=%.2f inside alert zone", z.Label, z.MetricX, x, z.MetricY, y)))
		}
	}

	for _, event := range events {
		e.emit(ctx, event)
	}

	return events, nil
}

// EmitFirmwareDuplicateAlert 固件重复回放已完成传输达到阈值时的操作面报警
func (e *Evaluator) EmitFirmwareDuplicateAlert(ctx context.Context, lineage *models.Lineage, imageName string, repeatCount int) error {
	event := e.newEvent(lineage, models.AlertFirmwareDuplicate, "duplicate_metadata", float64(repeatCount),
		fmt.Sprintf("device replayed completed transfer %s %d times, firmware defect suspected", imageName, repeatCount))
	e.emit(ctx, event)
	return nil
}

// effectiveThresholds 设备级配置按指标覆盖租户级默认
func (e *Evaluator) effectiveThresholds(configs []*models.AlertThresholdConfig) []*models.AlertThresholdConfig {
	deviceLevel := make(map[string]bool)
	for _, c := range configs {
		if c.DeviceID != nil {
			deviceLevel[c.Metric] = true
		}
	}

	var effective []*models.AlertThresholdConfig
	for _, c := range configs {
		if c.DeviceID == nil && deviceLevel[c.Metric] {
			continue
		}
		effective = append(effective, c)
	}
	return effective
}

func (e *Evaluator) newEvent(lineage *models.Lineage, alertType, metric string, value float64, detail string) *models.AlertEvent {
	return &models.AlertEvent{
		EventID:     uuid.New().String(),
		TenantID:    lineage.TenantID,
		SiteID:      lineage.SiteID,
		DeviceID:    lineage.DeviceID,
		AlertType:   alertType,
		Metric:      metric,
		Value:       value,
		Detail:      detail,
		TriggeredAt: e.nowFunc(),
	}
}

// emit 入库 + 发布到流；两条腿互不阻塞，失败只记日志
func (e *Evaluator) emit(ctx context.Context, event *models.AlertEvent) {
	if err := e.store.InsertEvent(ctx, event); err != nil {
		e.logger.Error("Failed to persist alert event",
			zap.String("device_id", event.DeviceID),
			zap.String("alert_type", event.AlertType),
			zap.Error(err),
		)
	}

	if e.streams != nil {
		if err := e.streams.PublishJSONToStream(ctx, e.stream, event); err != nil {
			e.logger.Error("Failed to publish alert event to stream",
				zap.String("device_id", event.DeviceID),
				zap.Error(err),
			)
		}
	}

	e.logger.Warn("Alert triggered",
		zap.String("device_id", event.DeviceID),
		zap.String("alert_type", event.AlertType),
		zap.String("metric", event.Metric),
		zap.Float64("value", event.Value),
		zap.String("detail", event.Detail),
	)
}
