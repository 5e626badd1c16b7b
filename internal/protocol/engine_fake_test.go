package protocol

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"brainlytree-engine/internal/chunks"
	"brainlytree-engine/internal/models"
)

// 协议引擎单元测试用的内存依赖

type fakeLineage struct {
	lineages map[string]*models.Lineage
}

func (f *fakeLineage) Resolve(ctx context.Context, mac string) (*models.Lineage, error) {
	l, ok := f.lineages[mac]
	if !ok {
		return nil, models.ErrLineageUnresolved
	}
	return l, nil
}

type fakeDevices struct {
	devices   map[string]*models.Device
	nextWakes map[string]time.Time
}

func (f *fakeDevices) GetDeviceByMAC(ctx context.Context, mac string) (*models.Device, error) {
	d, ok := f.devices[mac]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return d, nil
}

func (f *fakeDevices) UpdateWakeTelemetry(ctx context.Context, deviceID string, batteryVoltage float64, signalStrength int, wakeAt time.Time) error {
	return nil
}

func (f *fakeDevices) UpdateNextWake(ctx context.Context, deviceID string, nextWake time.Time) error {
	if f.nextWakes == nil {
		f.nextWakes = make(map[string]time.Time)
	}
	f.nextWakes[deviceID] = nextWake
	return nil
}

type fakeSessions struct {
	session     *models.WakeSession
	overBudget  bool
	completions int
	failures    int
}

func (f *fakeSessions) GetOrOpenForWake(ctx context.Context, siteID, timeZone, wakeScheduleExpr string, now time.Time) (*models.WakeSession, error) {
	return f.session, nil
}

func (f *fakeSessions) IsOverBudget(sess *models.WakeSession) bool {
	return f.overBudget
}

func (f *fakeSessions) RecordCompletion(ctx context.Context, sessionID string) (bool, error) {
	f.completions++
	return f.overBudget, nil
}

func (f *fakeSessions) RecordFailure(ctx context.Context, sessionID string) error {
	f.failures++
	return nil
}

type fakePayloads struct {
	mu       sync.Mutex
	payloads map[string]*models.WakePayload
	seq      int
}

func newFakePayloads() *fakePayloads {
	return &fakePayloads{payloads: make(map[string]*models.WakePayload)}
}

func (f *fakePayloads) Create(ctx context.Context, sessionID, deviceID string, batteryVoltage float64, signalStrength int, overage bool) (*models.WakePayload, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.seq++
	p := &models.WakePayload{
		PayloadID: fmt.Sprintf("payload-%d", f.seq),
		SessionID: sessionID,
		DeviceID:  deviceID,
		State:     models.PayloadHelloReceived,
		Overage:   overage,
		CreatedAt: time.Now(),
	}
	f.payloads[p.PayloadID] = p
	return p, nil
}

func (f *fakePayloads) UpdateState(ctx context.Context, payloadID, state string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if p, ok := f.payloads[payloadID]; ok {
		p.State = state
	}
	return nil
}

func (f *fakePayloads) SetTelemetry(ctx context.Context, payloadID string, readings models.TelemetryReadings, imageName *string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	p, ok := f.payloads[payloadID]
	if !ok {
		return sql.ErrNoRows
	}
	temp, hum, pres, gas := readings.Temperature, readings.Humidity, readings.Pressure, readings.GasResistance
	p.Temperature, p.Humidity, p.Pressure, p.GasResistance = &temp, &hum, &pres, &gas
	if imageName != nil {
		p.ImageName = imageName
	}
	return nil
}

func (f *fakePayloads) MarkFailed(ctx context.Context, payloadID, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if p, ok := f.payloads[payloadID]; ok {
		p.State = models.PayloadFailed
		p.FailureReason = &reason
	}
	return nil
}

func (f *fakePayloads) GetActiveForDevice(ctx context.Context, deviceID string) (*models.WakePayload, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var latest *models.WakePayload
	for _, p := range f.payloads {
		if p.DeviceID != deviceID || p.State == models.PayloadAckSent || p.State == models.PayloadFailed {
			continue
		}
		if latest == nil || p.CreatedAt.After(latest.CreatedAt) {
			latest = p
		}
	}
	if latest == nil {
		return nil, sql.ErrNoRows
	}
	return latest, nil
}

func (f *fakePayloads) get(payloadID string) *models.WakePayload {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.payloads[payloadID]
}

type fakeTransferDir struct {
	transfers map[string]*models.ImageTransfer
	dupCounts map[string]int
	failed    []string
	stale     []*models.ImageTransfer
}

func newFakeTransferDir() *fakeTransferDir {
	return &fakeTransferDir{
		transfers: make(map[string]*models.ImageTransfer),
		dupCounts: make(map[string]int),
	}
}

func transferKey(deviceID, imageName string) string {
	return deviceID + "|" + imageName
}

func (f *fakeTransferDir) GetByName(ctx context.Context, deviceID, imageName string) (*models.ImageTransfer, error) {
	t, ok := f.transfers[transferKey(deviceID, imageName)]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return t, nil
}

func (f *fakeTransferDir) GetOldestIncomplete(ctx context.Context, deviceID string) (*models.ImageTransfer, error) {
	var oldest *models.ImageTransfer
	for _, t := range f.transfers {
		if t.DeviceID != deviceID || t.Status == models.TransferComplete || t.Status == models.TransferFailed {
			continue
		}
		if oldest == nil || t.CreatedAt.Before(oldest.CreatedAt) {
			oldest = t
		}
	}
	if oldest == nil {
		return nil, sql.ErrNoRows
	}
	return oldest, nil
}

func (f *fakeTransferDir) IncrementDuplicateMeta(ctx context.Context, deviceID, imageName string) (int, error) {
	k := transferKey(deviceID, imageName)
	f.dupCounts[k]++
	return f.dupCounts[k], nil
}

func (f *fakeTransferDir) MarkFailed(ctx context.Context, deviceID, imageName string) error {
	f.failed = append(f.failed, transferKey(deviceID, imageName))
	if t, ok := f.transfers[transferKey(deviceID, imageName)]; ok {
		t.Status = models.TransferFailed
	}
	return nil
}

func (f *fakeTransferDir) ListStaleReceiving(ctx context.Context, cutoff time.Time) ([]*models.ImageTransfer, error) {
	return f.stale, nil
}

// fakeBuffer 脚本化重组缓冲：声明总数后按已收计数判断完成
type fakeBuffer struct {
	registered map[string]int // key → 声明总数
	received   map[string]map[int]bool
	finalized  map[string]string
	refSeq     int
}

func newFakeBuffer() *fakeBuffer {
	return &fakeBuffer{
		registered: make(map[string]int),
		received:   make(map[string]map[int]bool),
		finalized:  make(map[string]string),
	}
}

func (f *fakeBuffer) RegisterMetadata(ctx context.Context, deviceID, imageName string, imageSize, totalChunks, maxChunkSize int) error {
	k := transferKey(deviceID, imageName)
	if cur, ok := f.registered[k]; !ok || cur <= 0 {
		f.registered[k] = totalChunks
		if f.received[k] == nil {
			f.received[k] = make(map[int]bool)
		}
	}
	return nil
}

func (f *fakeBuffer) PutChunk(ctx context.Context, deviceID, imageName string, index int, data []byte, totalChunks, maxChunkSize int) (chunks.PutResult, error) {
	k := transferKey(deviceID, imageName)
	total, ok := f.registered[k]
	if !ok {
		f.registered[k] = totalChunks
		f.received[k] = make(map[int]bool)
		total = totalChunks
	}
	// 总数未声明时先收字节，与真实缓冲一致
	if index < 0 || (total > 0 && index >= total) {
		return chunks.PutResult{}, fmt.Errorf("%w: chunk index %d out of range", models.ErrMalformedMessage, index)
	}
	accepted := !f.received[k][index]
	f.received[k][index] = true
	return chunks.PutResult{
		Accepted:    accepted,
		NowComplete: total > 0 && len(f.received[k]) == total,
	}, nil
}

func (f *fakeBuffer) MissingIndices(ctx context.Context, deviceID, imageName string) ([]int, error) {
	k := transferKey(deviceID, imageName)
	missing := make([]int, 0)
	for i := 0; i < f.registered[k]; i++ {
		if !f.received[k][i] {
			missing = append(missing, i)
		}
	}
	return missing, nil
}

func (f *fakeBuffer) Finalize(ctx context.Context, deviceID, imageName string) (string, error) {
	k := transferKey(deviceID, imageName)
	if ref, ok := f.finalized[k]; ok {
		return ref, nil
	}
	f.refSeq++
	ref := fmt.Sprintf("ab/ref-%d.jpg", f.refSeq)
	f.finalized[k] = ref
	return ref, nil
}

type enqueuedCommand struct {
	deviceMAC   string
	commandType string
	payload     []byte
}

type fakeCommander struct {
	mu       sync.Mutex
	enqueued []enqueuedCommand
	flushed  []string
	acked    []string
}

func (f *fakeCommander) Enqueue(ctx context.Context, deviceMAC, commandType string, payload []byte) (*models.Command, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enqueued = append(f.enqueued, enqueuedCommand{deviceMAC, commandType, payload})
	return &models.Command{CommandID: fmt.Sprintf("cmd-%d", len(f.enqueued)), DeviceID: deviceMAC, CommandType: commandType, Payload: payload}, nil
}

func (f *fakeCommander) FlushPending(ctx context.Context, deviceMAC string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flushed = append(f.flushed, deviceMAC)
	return nil
}

func (f *fakeCommander) AcknowledgeLatestSent(ctx context.Context, deviceMAC string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acked = append(f.acked, deviceMAC)
	return nil
}

func (f *fakeCommander) ofType(commandType string) []enqueuedCommand {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []enqueuedCommand
	for _, c := range f.enqueued {
		if c.commandType == commandType {
			out = append(out, c)
		}
	}
	return out
}

type fakeAcks struct {
	mu         sync.Mutex
	published  []*models.AckMessage
	publishErr error
}

func (f *fakeAcks) PublishAck(deviceMAC string, ack *models.AckMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishErr != nil {
		return f.publishErr
	}
	f.published = append(f.published, ack)
	return nil
}

type fakeEvaluator struct {
	evaluated      []models.TelemetryReadings
	firmwareAlerts []string
}

func (f *fakeEvaluator) EvaluateWake(ctx context.Context, lineage *models.Lineage, readings models.TelemetryReadings) ([]*models.AlertEvent, error) {
	f.evaluated = append(f.evaluated, readings)
	return nil, nil
}

func (f *fakeEvaluator) EmitFirmwareDuplicateAlert(ctx context.Context, lineage *models.Lineage, imageName string, repeatCount int) error {
	f.firmwareAlerts = append(f.firmwareAlerts, imageName)
	return nil
}

type fakeObserver struct {
	mu           sync.Mutex
	observations []*models.DeviceObservation
}

func (f *fakeObserver) RecordObservation(ctx context.Context, obs *models.DeviceObservation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.observations = append(f.observations, obs)
	return nil
}
