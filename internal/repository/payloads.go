package repository

import (
	"context"
	"database/sql"
	"fmt"

	"brainlytree-engine/internal/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// WakePayloadRepository 唤醒载荷仓库
type WakePayloadRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewWakePayloadRepository 创建唤醒载荷仓库
func NewWakePayloadRepository(db *sql.DB, logger *zap.Logger) *WakePayloadRepository {
	return &WakePayloadRepository{
		db:     db,
		logger: logger,
	}
}

// Create HELLO 时创建载荷，初始状态 hello_received
func (r *WakePayloadRepository) Create(ctx context.Context, sessionID, deviceID string, batteryVoltage float64, signalStrength int, overage bool) (*models.WakePayload, error) {
	query := `
		INSERT INTO wake_payloads (
			payload_id, session_id, device_id, state,
			battery_voltage, signal_strength, overage,
			created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW(), NOW())
		RETURNING payload_id, session_id, device_id, state, overage, created_at, updated_at
	`

	payload := &models.WakePayload{}
	err := r.db.QueryRowContext(ctx, query,
		uuid.New().String(), sessionID, deviceID, models.PayloadHelloReceived,
		batteryVoltage, signalStrength, overage,
	).Scan(
		&payload.PayloadID,
		&payload.SessionID,
		&payload.DeviceID,
		&payload.State,
		&payload.Overage,
		&payload.CreatedAt,
		&payload.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create wake payload: %w", err)
	}

	return payload, nil
}

// UpdateState 推进载荷协议状态
func (r *WakePayloadRepository) UpdateState(ctx context.Context, payloadID, state string) error {
	query := `
		UPDATE wake_payloads
		SET state = $2, updated_at = NOW()
		WHERE payload_id = $1
	`

	if _, err := r.db.ExecContext(ctx, query, payloadID, state); err != nil {
		return fmt.Errorf("failed to update payload state: %w", err)
	}
	return nil
}

// SetTelemetry 写入环境读数与图片名
// 无论图片结果如何都调用，保证纯遥测唤醒（相机故障）不丢数据
func (r *WakePayloadRepository) SetTelemetry(ctx context.Context, payloadID string, readings models.TelemetryReadings, imageName *string) error {
	query := `
		UPDATE wake_payloads
		SET temperature = $2,
		    humidity = $3,
		    pressure = $4,
		    gas_resistance = $5,
		    image_name = COALESCE($6, image_name),
		    updated_at = NOW()
		WHERE payload_id = $1
	`

	if _, err := r.db.ExecContext(ctx, query, payloadID,
		readings.Temperature, readings.Humidity, readings.Pressure, readings.GasResistance,
		imageName,
	); err != nil {
		return fmt.Errorf("failed to set payload telemetry: %w", err)
	}
	return nil
}

// MarkFailed 标记载荷失败并记录原因
func (r *WakePayloadRepository) MarkFailed(ctx context.Context, payloadID, reason string) error {
	query := `
		UPDATE wake_payloads
		SET state = $2, failure_reason = $3, updated_at = NOW()
		WHERE payload_id = $1
	`

	if _, err := r.db.ExecContext(ctx, query, payloadID, models.PayloadFailed, reason); err != nil {
		return fmt.Errorf("failed to mark payload failed: %w", err)
	}
	return nil
}

// ListBySession 会话内全部载荷（报表用，按创建时间升序）
func (r *WakePayloadRepository) ListBySession(ctx context.Context, sessionID string) ([]*models.WakePayload, error) {
	query := `
		SELECT payload_id, session_id, device_id, state, image_name,
		       temperature, humidity, pressure, gas_resistance,
		       battery_voltage, signal_strength, overage, failure_reason,
		       created_at, updated_at
		FROM wake_payloads
		WHERE session_id = $1
		ORDER BY created_at ASC
	`

	rows, err := r.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list session payloads: %w", err)
	}
	defer rows.Close()

	var payloads []*models.WakePayload
	for rows.Next() {
		payload := &models.WakePayload{}
		if err := rows.Scan(
			&payload.PayloadID,
			&payload.SessionID,
			&payload.DeviceID,
			&payload.State,
			&payload.ImageName,
			&payload.Temperature,
			&payload.Humidity,
			&payload.Pressure,
			&payload.GasResistance,
			&payload.BatteryVoltage,
			&payload.SignalStrength,
			&payload.Overage,
			&payload.FailureReason,
			&payload.CreatedAt,
			&payload.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan wake payload: %w", err)
		}
		payloads = append(payloads, payload)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate wake payloads: %w", err)
	}

	return payloads, nil
}

// GetActiveForDevice 获取设备最近一个未终态的载荷（重启恢复时复用判断）
func (r *WakePayloadRepository) GetActiveForDevice(ctx context.Context, deviceID string) (*models.WakePayload, error) {
	query := `
		SELECT payload_id, session_id, device_id, state, image_name,
		       temperature, humidity, pressure, gas_resistance,
		       battery_voltage, signal_strength, overage, failure_reason,
		       created_at, updated_at
		FROM wake_payloads
		WHERE device_id = $1 AND state NOT IN ($2, $3)
		ORDER BY created_at DESC
		LIMIT 1
	`

	payload := &models.WakePayload{}
	err := r.db.QueryRowContext(ctx, query, deviceID, models.PayloadAckSent, models.PayloadFailed).Scan(
		&payload.PayloadID,
		&payload.SessionID,
		&payload.DeviceID,
		&payload.State,
		&payload.ImageName,
		&payload.Temperature,
		&payload.Humidity,
		&payload.Pressure,
		&payload.GasResistance,
		&payload.BatteryVoltage,
		&payload.SignalStrength,
		&payload.Overage,
		&payload.FailureReason,
		&payload.CreatedAt,
		&payload.UpdatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, sql.ErrNoRows
		}
		return nil, fmt.Errorf("failed to query active payload: %w", err)
	}

	return payload, nil
}
