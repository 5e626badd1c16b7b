package protocol

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"brainlytree-engine/internal/chunks"
	"brainlytree-engine/internal/models"
	"brainlytree-engine/internal/schedule"

	"go.uber.org/zap"
)

// LineageResolver 设备归属链解析接口
type LineageResolver interface {
	Resolve(ctx context.Context, mac string) (*models.Lineage, error)
}

// DeviceStore 设备读写接口
type DeviceStore interface {
	GetDeviceByMAC(ctx context.Context, mac string) (*models.Device, error)
	UpdateWakeTelemetry(ctx context.Context, deviceID string, batteryVoltage float64, signalStrength int, wakeAt time.Time) error
	UpdateNextWake(ctx context.Context, deviceID string, nextWake time.Time) error
}

// SessionManager 唤醒会话记账接口
type SessionManager interface {
	GetOrOpenForWake(ctx context.Context, siteID, timeZone, wakeScheduleExpr string, now time.Time) (*models.WakeSession, error)
	IsOverBudget(sess *models.WakeSession) bool
	RecordCompletion(ctx context.Context, sessionID string) (bool, error)
	RecordFailure(ctx context.Context, sessionID string) error
}

// PayloadStore 唤醒载荷持久化接口
type PayloadStore interface {
	Create(ctx context.Context, sessionID, deviceID string, batteryVoltage float64, signalStrength int, overage bool) (*models.WakePayload, error)
	UpdateState(ctx context.Context, payloadID, state string) error
	SetTelemetry(ctx context.Context, payloadID string, readings models.TelemetryReadings, imageName *string) error
	MarkFailed(ctx context.Context, payloadID, reason string) error
	GetActiveForDevice(ctx context.Context, deviceID string) (*models.WakePayload, error)
}

// TransferDirectory 传输记录查询接口（重组缓冲之外的目录操作）
type TransferDirectory interface {
	GetByName(ctx context.Context, deviceID, imageName string) (*models.ImageTransfer, error)
	GetOldestIncomplete(ctx context.Context, deviceID string) (*models.ImageTransfer, error)
	IncrementDuplicateMeta(ctx context.Context, deviceID, imageName string) (int, error)
	MarkFailed(ctx context.Context, deviceID, imageName string) error
	ListStaleReceiving(ctx context.Context, cutoff time.Time) ([]*models.ImageTransfer, error)
}

// ReassemblyBuffer 分块重组缓冲接口
type ReassemblyBuffer interface {
	RegisterMetadata(ctx context.Context, deviceID, imageName string, imageSize, totalChunks, maxChunkSize int) error
	PutChunk(ctx context.Context, deviceID, imageName string, index int, data []byte, totalChunks, maxChunkSize int) (chunks.PutResult, error)
	MissingIndices(ctx context.Context, deviceID, imageName string) ([]int, error)
	Finalize(ctx context.Context, deviceID, imageName string) (string, error)
}

// Commander 命令派发接口
type Commander interface {
	Enqueue(ctx context.Context, deviceMAC, commandType string, payload []byte) (*models.Command, error)
	FlushPending(ctx context.Context, deviceMAC string) error
	AcknowledgeLatestSent(ctx context.Context, deviceMAC string) error
}

// AckPublisher 确认消息发布接口
// ACK 是唤醒同步响应，设备离线时无意义，因此不走持久化命令队列
type AckPublisher interface {
	PublishAck(deviceMAC string, ack *models.AckMessage) error
}

// WakeEvaluator 遥测报警评估接口
type WakeEvaluator interface {
	EvaluateWake(ctx context.Context, lineage *models.Lineage, readings models.TelemetryReadings) ([]*models.AlertEvent, error)
	EmitFirmwareDuplicateAlert(ctx context.Context, lineage *models.Lineage, imageName string, repeatCount int) error
}

// ObservationRecorder 设备最新观测缓存接口（快照生成器消费）
type ObservationRecorder interface {
	RecordObservation(ctx context.Context, obs *models.DeviceObservation) error
}

// ImageScorer 外部图片评分接口
type ImageScorer interface {
	Score(ctx context.Context, blobRef string) (float64, error)
}

// Config 协议引擎配置
type Config struct {
	TransferTimeout        time.Duration
	StorageRetryCount      int
	StorageRetryBackoff    time.Duration
	DupMetadataAlertThresh int
}

// wakeContext 一次在途唤醒的内存态
// 引擎重启后由 PayloadStore.GetActiveForDevice 重建
type wakeContext struct {
	lineage      *models.Lineage
	device       *models.Device
	sessionID    string
	payloadID    string
	imageName    string
	readings     models.TelemetryReadings
	missingAsked bool
}

// Engine 协议状态机
// 每设备一把互斥锁：跨设备完全并行，单设备内 HELLO →
// METADATA → CHUNK* 严格串行，慢重传不会与新唤醒竞态。
// 绝不使用全局锁
type Engine struct {
	cfg       Config
	lineage   LineageResolver
	devices   DeviceStore
	sessions  SessionManager
	payloads  PayloadStore
	transfers TransferDirectory
	buffer    ReassemblyBuffer
	commander Commander
	acks      AckPublisher
	evaluator WakeEvaluator
	observer  ObservationRecorder
	scorer    ImageScorer
	logger    *zap.Logger

	mu      sync.Mutex
	locks   map[string]*sync.Mutex
	inWake  map[string]*wakeContext
	nowFunc func() time.Time
}

// NewEngine 创建协议引擎
func NewEngine(
	cfg Config,
	lineageResolver LineageResolver,
	devices DeviceStore,
	sessions SessionManager,
	payloads PayloadStore,
	transfers TransferDirectory,
	buffer ReassemblyBuffer,
	commander Commander,
	acks AckPublisher,
	evaluator WakeEvaluator,
	observer ObservationRecorder,
	scorer ImageScorer,
	logger *zap.Logger,
) *Engine {
	return &Engine{
		cfg:       cfg,
		lineage:   lineageResolver,
		devices:   devices,
		sessions:  sessions,
		payloads:  payloads,
		transfers: transfers,
		buffer:    buffer,
		commander: commander,
		acks:      acks,
		evaluator: evaluator,
		observer:  observer,
		scorer:    scorer,
		logger:    logger,
		locks:     make(map[string]*sync.Mutex),
		inWake:    make(map[string]*wakeContext),
		nowFunc:   time.Now,
	}
}

// deviceLock 锁表条目数以曾经上线的设备数为上界，不回收：
// 持锁中回收会让同一设备拿到两把锁
func (e *Engine) deviceLock(mac string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.locks[mac]
	if !ok {
		l = &sync.Mutex{}
		e.locks[mac] = l
	}
	return l
}

func (e *Engine) setWake(mac string, wc *wakeContext) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.inWake[mac] = wc
}

func (e *Engine) getWake(mac string) *wakeContext {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.inWake[mac]
}

func (e *Engine) clearWake(mac string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.inWake, mac)
}

// withStorageRetry storage_unavailable 带退避重试，其余错误直接返回
func (e *Engine) withStorageRetry(op func() error) error {
	var err error
	for attempt := 0; attempt <= e.cfg.StorageRetryCount; attempt++ {
		if err = op(); err == nil || !errors.Is(err, models.ErrStorageUnavailable) {
			return err
		}
		if attempt < e.cfg.StorageRetryCount {
			time.Sleep(e.cfg.StorageRetryBackoff * time.Duration(attempt+1))
		}
	}
	return err
}

// HandleHello 处理设备唤醒存活消息
// 归属链未解析时该唤醒按 lineage_unresolved 失败，不向未映射
// 设备下发任何命令
func (e *Engine) HandleHello(ctx context.Context, msg *models.HelloMessage) error {
	if msg.DeviceID == "" {
		return fmt.Errorf("%w: hello without device_id", models.ErrMalformedMessage)
	}

	l := e.deviceLock(msg.DeviceID)
	l.Lock()
	defer l.Unlock()

	now := e.nowFunc()

	lin, err := e.lineage.Resolve(ctx, msg.DeviceID)
	if err != nil {
		if errors.Is(err, models.ErrLineageUnresolved) {
			e.logger.Warn("Wake from unmapped device, no protocol action",
				zap.String("mac", msg.DeviceID),
			)
			return err
		}
		return err
	}

	device, err := e.devices.GetDeviceByMAC(ctx, msg.DeviceID)
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrStorageUnavailable, err)
	}

	sess, err := e.sessions.GetOrOpenForWake(ctx, lin.SiteID, lin.TimeZone, device.WakeSchedule, now)
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrStorageUnavailable, err)
	}

	overage := e.sessions.IsOverBudget(sess)
	payload, err := e.payloads.Create(ctx, sess.SessionID, device.DeviceID, msg.BatteryVoltage, msg.SignalStrength, overage)
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrStorageUnavailable, err)
	}

	if err := e.devices.UpdateWakeTelemetry(ctx, device.DeviceID, msg.BatteryVoltage, msg.SignalStrength, now); err != nil {
		e.logger.Warn("Failed to update device wake telemetry",
			zap.String("device_id", device.DeviceID),
			zap.Error(err),
		)
	}

	wc := &wakeContext{
		lineage:   lin,
		device:    device,
		sessionID: sess.SessionID,
		payloadID: payload.PayloadID,
	}
	e.setWake(msg.DeviceID, wc)

	// 设备离线期间积压的命令先于本唤醒的命令投递
	if err := e.commander.FlushPending(ctx, msg.DeviceID); err != nil {
		e.logger.Warn("Failed to flush pending commands",
			zap.String("mac", msg.DeviceID),
			zap.Error(err),
		)
	}

	// 设备自报的 pending 计数只是提示：真相永远从持久化的
	// 传输状态重新推导，不信任资源受限的上报方
	if msg.PendingImages > 0 {
		incomplete, err := e.transfers.GetOldestIncomplete(ctx, msg.DeviceID)
		if err == nil && incomplete != nil {
			wc.imageName = incomplete.ImageName
			// 空 ACK_OK 即恢复传输信号，指名要续传的图片
			if err := e.acks.PublishAck(msg.DeviceID, &models.AckMessage{
				DeviceID:  msg.DeviceID,
				ImageName: incomplete.ImageName,
				AckOK:     &models.AckOK{},
			}); err != nil {
				e.logger.Error("Failed to publish resume ack",
					zap.String("mac", msg.DeviceID),
					zap.Error(err),
				)
				// 唤醒同步信号没送出去：落一条持久化 send_image
				// 命令，下一次 HELLO 冲刷时恢复该图
				sendImg, _ := json.Marshal(models.SendImageCommand{SendImage: incomplete.ImageName})
				if _, err := e.commander.Enqueue(ctx, msg.DeviceID, models.CommandSendImage, sendImg); err != nil {
					e.logger.Error("Failed to enqueue send_image fallback",
						zap.String("mac", msg.DeviceID),
						zap.Error(err),
					)
				}
			}
			e.logger.Info("Resuming incomplete image transfer",
				zap.String("mac", msg.DeviceID),
				zap.String("image_name", incomplete.ImageName),
				zap.Int("received", incomplete.ReceivedCount),
				zap.Int("total", incomplete.TotalChunks),
			)
			return nil
		}
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %v", models.ErrStorageUnavailable, err)
		}
		// 设备声称有积压但服务端没有未完成传输：回到正常流程，
		// 设备会按自己的账本最终重新同步
		e.logger.Info("Device claims pending images but none incomplete server-side",
			zap.String("mac", msg.DeviceID),
			zap.Int("claimed", msg.PendingImages),
		)
	}

	capture, _ := json.Marshal(models.CaptureCommand{CaptureImage: true})
	if _, err := e.commander.Enqueue(ctx, msg.DeviceID, models.CommandCaptureImage, capture); err != nil {
		return fmt.Errorf("failed to enqueue capture command: %w", err)
	}

	return nil
}

// HandleMetadata 处理图片元数据消息
// 无论图片结果如何都先落遥测，纯遥测唤醒（相机故障）绝不丢弃
func (e *Engine) HandleMetadata(ctx context.Context, msg *models.MetadataMessage) error {
	if msg.DeviceID == "" {
		return fmt.Errorf("%w: metadata without device_id", models.ErrMalformedMessage)
	}

	l := e.deviceLock(msg.DeviceID)
	l.Lock()
	defer l.Unlock()

	wc, err := e.wakeFor(ctx, msg.DeviceID)
	if err != nil {
		return err
	}

	readings := models.TelemetryReadings{
		Temperature:   msg.Temperature,
		Humidity:      msg.Humidity,
		Pressure:      msg.Pressure,
		GasResistance: msg.GasResistance,
	}

	var imageName *string
	if msg.ImageName != "" {
		imageName = &msg.ImageName
	}
	if err := e.withStorageRetry(func() error {
		if err := e.payloads.SetTelemetry(ctx, wc.payloadID, readings, imageName); err != nil {
			return fmt.Errorf("%w: %v", models.ErrStorageUnavailable, err)
		}
		return nil
	}); err != nil {
		return err
	}

	if _, err := e.evaluator.EvaluateWake(ctx, wc.lineage, readings); err != nil {
		e.logger.Error("Telemetry alert evaluation failed",
			zap.String("mac", msg.DeviceID),
			zap.Error(err),
		)
	}

	e.recordObservation(ctx, wc, readings, "", "", nil)

	// 捕获类命令由元数据的到达确认
	if err := e.commander.AcknowledgeLatestSent(ctx, msg.DeviceID); err != nil {
		e.logger.Warn("Failed to acknowledge delivered command",
			zap.String("mac", msg.DeviceID),
			zap.Error(err),
		)
	}

	if msg.ImageName == "" || msg.TotalChunkCount <= 0 || msg.MaxChunkSize <= 0 {
		// 相机故障或坏元数据：遥测已保存，但本唤醒不会再有图片，
		// 就地退役载荷。留着不退役的载荷会在引擎重启后被
		// GetActiveForDevice 当作在途唤醒复活
		if msg.ErrorCode != 0 {
			e.logger.Warn("Telemetry-only wake, camera error reported",
				zap.String("mac", msg.DeviceID),
				zap.Int("error_code", msg.ErrorCode),
			)
			e.FailWake(ctx, msg.DeviceID, models.FailureCameraError)
			return nil
		}
		e.FailWake(ctx, msg.DeviceID, models.FailureMalformedMessage)
		return fmt.Errorf("%w: metadata missing image declaration", models.ErrMalformedMessage)
	}

	existing, err := e.transfers.GetByName(ctx, msg.DeviceID, msg.ImageName)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %v", models.ErrStorageUnavailable, err)
	}

	if existing != nil && existing.Status == models.TransferComplete {
		// 已完成传输的重复元数据：记录诊断后忽略，永不重开。
		// 这是对固件重传缺陷的防线
		count, err := e.transfers.IncrementDuplicateMeta(ctx, msg.DeviceID, msg.ImageName)
		if err != nil {
			e.logger.Warn("Failed to record duplicate metadata", zap.Error(err))
		}
		e.logger.Info("Duplicate metadata for completed transfer, ignored",
			zap.String("mac", msg.DeviceID),
			zap.String("image_name", msg.ImageName),
			zap.Int("repeat_count", count),
		)
		if count >= e.cfg.DupMetadataAlertThresh {
			if err := e.evaluator.EmitFirmwareDuplicateAlert(ctx, wc.lineage, msg.ImageName, count); err != nil {
				e.logger.Warn("Failed to emit firmware duplicate alert", zap.Error(err))
			}
		}
		return models.ErrDuplicateCompletion
	}

	if existing != nil {
		// 断点续传：保留已收分块计数，绝不清零
		e.logger.Info("Resuming existing transfer on metadata",
			zap.String("mac", msg.DeviceID),
			zap.String("image_name", msg.ImageName),
			zap.Int("received", existing.ReceivedCount),
		)
	}

	// 登记幂等：已有记录只补齐声明值。分块先于元数据建出的
	// 零总数记录在这里拿到真实总数
	if err := e.withStorageRetry(func() error {
		return e.buffer.RegisterMetadata(ctx, msg.DeviceID, msg.ImageName, msg.ImageSize, msg.TotalChunkCount, msg.MaxChunkSize)
	}); err != nil {
		return err
	}

	wc.imageName = msg.ImageName
	wc.readings = readings

	if err := e.payloads.UpdateState(ctx, wc.payloadID, models.PayloadMetadataReceived); err != nil {
		e.logger.Warn("Failed to update payload state", zap.Error(err))
	}

	if existing != nil {
		// 全部分块先于元数据到齐：不会再有分块触发终结，当场终结
		missing, err := e.buffer.MissingIndices(ctx, msg.DeviceID, msg.ImageName)
		if err != nil {
			e.logger.Warn("Failed to compute missing indices after metadata", zap.Error(err))
		} else if len(missing) == 0 {
			return e.completeWake(ctx, wc, msg.DeviceID, msg.ImageName)
		}
	}

	return nil
}

// HandleChunk 处理图片分块消息
func (e *Engine) HandleChunk(ctx context.Context, msg *models.ChunkMessage) error {
	if msg.DeviceID == "" || msg.ImageName == "" || msg.ChunkID == nil {
		return fmt.Errorf("%w: chunk missing identity fields", models.ErrMalformedMessage)
	}

	l := e.deviceLock(msg.DeviceID)
	l.Lock()
	defer l.Unlock()

	wc, err := e.wakeFor(ctx, msg.DeviceID)
	if err != nil {
		return err
	}

	var res chunks.PutResult
	if err := e.withStorageRetry(func() error {
		var putErr error
		res, putErr = e.buffer.PutChunk(ctx, msg.DeviceID, msg.ImageName, *msg.ChunkID, msg.Payload, 0, msg.MaxChunkSize)
		return putErr
	}); err != nil {
		if errors.Is(err, models.ErrMalformedMessage) {
			// 坏分块只拒绝这一条消息，不中止唤醒
			e.logger.Warn("Malformed chunk rejected",
				zap.String("mac", msg.DeviceID),
				zap.String("image_name", msg.ImageName),
				zap.Int("chunk_id", *msg.ChunkID),
				zap.Error(err),
			)
			return err
		}
		return err
	}

	if err := e.payloads.UpdateState(ctx, wc.payloadID, models.PayloadChunksInProgress); err != nil {
		e.logger.Warn("Failed to update payload state", zap.Error(err))
	}

	if !res.NowComplete {
		return nil
	}

	return e.completeWake(ctx, wc, msg.DeviceID, msg.ImageName)
}

// completeWake 分块集齐后的终结路径：组装、记账、确认、休眠
func (e *Engine) completeWake(ctx context.Context, wc *wakeContext, mac, imageName string) error {
	var blobRef string
	if err := e.withStorageRetry(func() error {
		var finErr error
		blobRef, finErr = e.buffer.Finalize(ctx, mac, imageName)
		return finErr
	}); err != nil {
		return err
	}

	if err := e.payloads.UpdateState(ctx, wc.payloadID, models.PayloadComplete); err != nil {
		e.logger.Warn("Failed to update payload state", zap.Error(err))
	}

	overage, err := e.sessions.RecordCompletion(ctx, wc.sessionID)
	if err != nil {
		e.logger.Error("Failed to record wake completion",
			zap.String("session_id", wc.sessionID),
			zap.Error(err),
		)
	} else if overage {
		e.logger.Info("Wake exceeded session budget, counted as overage",
			zap.String("session_id", wc.sessionID),
			zap.String("mac", mac),
		)
	}

	// 评分是外部黑盒，异步调用，绝不阻塞协议路径
	if e.scorer != nil {
		go e.scoreImage(mac, imageName, blobRef)
	}

	now := e.nowFunc()
	next := schedule.NextWake(wc.device.WakeSchedule, now, wc.lineage.Location())
	nextText := next.In(wc.lineage.Location()).Format(models.NextWakeTimeFormat)

	if err := e.acks.PublishAck(mac, &models.AckMessage{
		DeviceID:  mac,
		ImageName: imageName,
		AckOK:     &models.AckOK{NextWakeTime: nextText},
	}); err != nil {
		e.logger.Error("Failed to publish completion ack",
			zap.String("mac", mac),
			zap.Error(err),
		)
	}

	sleepPayload, _ := json.Marshal(models.SleepCommand{NextWake: nextText})
	if _, err := e.commander.Enqueue(ctx, mac, models.CommandSleep, sleepPayload); err != nil {
		e.logger.Error("Failed to enqueue sleep command",
			zap.String("mac", mac),
			zap.Error(err),
		)
	}

	if err := e.devices.UpdateNextWake(ctx, wc.device.DeviceID, next); err != nil {
		e.logger.Warn("Failed to update device next wake", zap.Error(err))
	}

	if err := e.payloads.UpdateState(ctx, wc.payloadID, models.PayloadAckSent); err != nil {
		e.logger.Warn("Failed to update payload state", zap.Error(err))
	}

	e.recordObservation(ctx, wc, wc.readings, imageName, blobRef, nil)
	e.clearWake(mac)

	e.logger.Info("Wake cycle completed",
		zap.String("mac", mac),
		zap.String("image_name", imageName),
		zap.String("blob_ref", blobRef),
		zap.String("next_wake", nextText),
	)

	return nil
}

// FailWake 当前唤醒按给定原因终止（下次唤醒恢复，不在本唤醒内重试）
func (e *Engine) FailWake(ctx context.Context, mac, reason string) {
	wc := e.getWake(mac)
	if wc == nil {
		return
	}

	if err := e.payloads.MarkFailed(ctx, wc.payloadID, reason); err != nil {
		e.logger.Error("Failed to mark payload failed",
			zap.String("mac", mac),
			zap.Error(err),
		)
	}
	if err := e.sessions.RecordFailure(ctx, wc.sessionID); err != nil {
		e.logger.Warn("Failed to record wake failure",
			zap.String("session_id", wc.sessionID),
			zap.Error(err),
		)
	}
	e.clearWake(mac)
}

// RunTransferTimeoutSweep 周期扫描静默超时的传输
// 第一次超时请求缺块重传；仍无进展则按丢弃策略标记失败，
// 由下一次唤醒的新传输取代。不需要全局取消信号
func (e *Engine) RunTransferTimeoutSweep(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.TransferTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("Transfer timeout sweep stopped")
			return
		case <-ticker.C:
			e.sweepStaleTransfers(ctx)
		}
	}
}

func (e *Engine) sweepStaleTransfers(ctx context.Context) {
	cutoff := e.nowFunc().Add(-e.cfg.TransferTimeout)
	stale, err := e.transfers.ListStaleReceiving(ctx, cutoff)
	if err != nil {
		e.logger.Error("Failed to list stale transfers", zap.Error(err))
		return
	}

	for _, t := range stale {
		e.handleStaleTransfer(ctx, t)
	}
}

func (e *Engine) handleStaleTransfer(ctx context.Context, t *models.ImageTransfer) {
	l := e.deviceLock(t.DeviceID)
	l.Lock()
	defer l.Unlock()

	wc := e.getWake(t.DeviceID)

	if wc != nil && !wc.missingAsked {
		missing, err := e.buffer.MissingIndices(ctx, t.DeviceID, t.ImageName)
		if err != nil {
			e.logger.Error("Failed to compute missing indices", zap.Error(err))
			return
		}
		if len(missing) == 0 {
			// 竞态：扫描间隙内分块已齐
			return
		}

		// 只点名缺失的索引，绝不重复请求已收到的
		ackPayload, _ := json.Marshal(models.MissingChunksAck{
			ImageName:     t.ImageName,
			MissingChunks: missing,
		})
		if _, err := e.commander.Enqueue(ctx, t.DeviceID, models.CommandMissingChunks, ackPayload); err != nil {
			e.logger.Error("Failed to enqueue missing chunks request", zap.Error(err))
			return
		}

		wc.missingAsked = true
		if err := e.payloads.UpdateState(ctx, wc.payloadID, models.PayloadMissingChunksAsked); err != nil {
			e.logger.Warn("Failed to update payload state", zap.Error(err))
		}

		e.logger.Info("Requested missing chunks",
			zap.String("mac", t.DeviceID),
			zap.String("image_name", t.ImageName),
			zap.Int("missing_count", len(missing)),
		)
		return
	}

	// 重传请求后仍然静默：按策略丢弃，等下一次唤醒的传输取代
	if err := e.transfers.MarkFailed(ctx, t.DeviceID, t.ImageName); err != nil {
		e.logger.Error("Failed to mark stale transfer failed", zap.Error(err))
		return
	}
	if wc != nil {
		if err := e.payloads.MarkFailed(ctx, wc.payloadID, models.FailureTransferTimeout); err != nil {
			e.logger.Warn("Failed to mark payload failed", zap.Error(err))
		}
		if err := e.sessions.RecordFailure(ctx, wc.sessionID); err != nil {
			e.logger.Warn("Failed to record wake failure", zap.Error(err))
		}
		e.clearWake(t.DeviceID)
	}

	e.logger.Warn("Image transfer timed out and was discarded",
		zap.String("mac", t.DeviceID),
		zap.String("image_name", t.ImageName),
		zap.Int("received", t.ReceivedCount),
		zap.Int("total", t.TotalChunks),
	)
}

// wakeFor 取当前唤醒上下文；引擎中途重启时从持久化载荷重建
func (e *Engine) wakeFor(ctx context.Context, mac string) (*wakeContext, error) {
	if wc := e.getWake(mac); wc != nil {
		return wc, nil
	}

	lin, err := e.lineage.Resolve(ctx, mac)
	if err != nil {
		return nil, err
	}
	device, err := e.devices.GetDeviceByMAC(ctx, mac)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrStorageUnavailable, err)
	}
	payload, err := e.payloads.GetActiveForDevice(ctx, device.DeviceID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: message outside an active wake for %s", models.ErrMalformedMessage, mac)
		}
		return nil, fmt.Errorf("%w: %v", models.ErrStorageUnavailable, err)
	}

	wc := &wakeContext{
		lineage:   lin,
		device:    device,
		sessionID: payload.SessionID,
		payloadID: payload.PayloadID,
	}
	if payload.ImageName != nil {
		wc.imageName = *payload.ImageName
	}
	if payload.Temperature != nil {
		wc.readings.Temperature = *payload.Temperature
	}
	if payload.Humidity != nil {
		wc.readings.Humidity = *payload.Humidity
	}
	if payload.Pressure != nil {
		wc.readings.Pressure = *payload.Pressure
	}
	if payload.GasResistance != nil {
		wc.readings.GasResistance = *payload.GasResistance
	}
	e.setWake(mac, wc)
	return wc, nil
}

func (e *Engine) scoreImage(mac, imageName, blobRef string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	score, err := e.scorer.Score(ctx, blobRef)
	if err != nil {
		e.logger.Warn("Image scoring failed",
			zap.String("mac", mac),
			zap.String("image_name", imageName),
			zap.Error(err),
		)
		return
	}

	if setter, ok := e.transfers.(interface {
		SetScore(ctx context.Context, deviceID, imageName string, score float64) error
	}); ok {
		if err := setter.SetScore(ctx, mac, imageName, score); err != nil {
			e.logger.Warn("Failed to persist image score", zap.Error(err))
		}
	}
}

func (e *Engine) recordObservation(ctx context.Context, wc *wakeContext, readings models.TelemetryReadings, imageName, blobRef string, score *float64) {
	obs := &models.DeviceObservation{
		DeviceID:       wc.device.DeviceID,
		MACAddress:     wc.device.MACAddress,
		ObservedAt:     e.nowFunc(),
		Temperature:    readings.Temperature,
		Humidity:       readings.Humidity,
		Pressure:       readings.Pressure,
		GasResistance:  readings.GasResistance,
		BatteryVoltage: wc.device.BatteryVoltage,
		SignalStrength: wc.device.SignalStrength,
		ImageName:      imageName,
		ImageBlobRef:   blobRef,
		ImageScore:     score,
	}

	if err := e.observer.RecordObservation(ctx, obs); err != nil {
		e.logger.Warn("Failed to record device observation",
			zap.String("device_id", wc.device.DeviceID),
			zap.Error(err),
		)
	}
}
