package httpapi

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"brainlytree-engine/internal/models"
	"brainlytree-engine/internal/report"

	"go.uber.org/zap"
)

// SessionReader 会话查询接口
type SessionReader interface {
	GetByID(ctx context.Context, sessionID string) (*models.WakeSession, error)
	ListBySite(ctx context.Context, siteID string, limit int) ([]*models.WakeSession, error)
}

// SnapshotReader 快照查询接口
type SnapshotReader interface {
	Get(ctx context.Context, sessionID string, windowNumber int) (*models.SiteSnapshot, error)
	ListBySession(ctx context.Context, sessionID string) ([]*models.SiteSnapshot, error)
}

// PayloadReader 载荷查询接口（报表用）
type PayloadReader interface {
	ListBySession(ctx context.Context, sessionID string) ([]*models.WakePayload, error)
}

// DashboardHandler 运营面板 API
// 只读查询面：会话进度、快照回放、会话报表下载
type DashboardHandler struct {
	sessions  SessionReader
	snapshots SnapshotReader
	payloads  PayloadReader
	logger    *zap.Logger
}

// NewDashboardHandler 创建面板处理器
func NewDashboardHandler(sessions SessionReader, snapshots SnapshotReader, payloads PayloadReader, logger *zap.Logger) *DashboardHandler {
	return &DashboardHandler{
		sessions:  sessions,
		snapshots: snapshots,
		payloads:  payloads,
		logger:    logger,
	}
}

// sessionView 会话进度视图
type sessionView struct {
	SessionID          string  `json:"session_id"`
	SiteID             string  `json:"site_id"`
	SessionDate        string  `json:"session_date"`
	TimeZone           string  `json:"time_zone"`
	Status             string  `json:"status"`
	ExpectedWakeCount  int     `json:"expected_wake_count"`
	CompletedWakeCount int     `json:"completed_wake_count"`
	FailedWakeCount    int     `json:"failed_wake_count"`
	ExtraWakeCount     int     `json:"extra_wake_count"`
	CompletionPercent  float64 `json:"completion_percent"`
}

func toSessionView(s *models.WakeSession) sessionView {
	return sessionView{
		SessionID:          s.SessionID,
		SiteID:             s.SiteID,
		SessionDate:        s.SessionDate,
		TimeZone:           s.TimeZone,
		Status:             s.Status,
		ExpectedWakeCount:  s.ExpectedWakeCount,
		CompletedWakeCount: s.CompletedWakeCount,
		FailedWakeCount:    s.FailedWakeCount,
		ExtraWakeCount:     s.ExtraWakeCount,
		CompletionPercent:  s.CompletionPercent(),
	}
}

// ListSessions GET /api/v1/wake-sessions?site_id=...&limit=...
func (h *DashboardHandler) ListSessions(w http.ResponseWriter, r *http.Request) {
	siteID := r.URL.Query().Get("site_id")
	if siteID == "" {
		writeJSON(w, http.StatusBadRequest, Fail("site_id is required"))
		return
	}
	limit := queryInt(r, "limit", 30)

	sessions, err := h.sessions.ListBySite(r.Context(), siteID, limit)
	if err != nil {
		h.logger.Error("Failed to list sessions", zap.String("site_id", siteID), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, Fail("failed to list sessions"))
		return
	}

	views := make([]sessionView, 0, len(sessions))
	for _, s := range sessions {
		views = append(views, toSessionView(s))
	}
	writeJSON(w, http.StatusOK, Ok(map[string]any{"items": views, "total": len(views)}))
}

// GetSession GET /api/v1/wake-sessions/{id}
func (h *DashboardHandler) GetSession(w http.ResponseWriter, r *http.Request, sessionID string) {
	sess, err := h.sessions.GetByID(r.Context(), sessionID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			writeJSON(w, http.StatusNotFound, Fail("session not found"))
			return
		}
		h.logger.Error("Failed to get session", zap.String("session_id", sessionID), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, Fail("failed to get session"))
		return
	}
	writeJSON(w, http.StatusOK, Ok(toSessionView(sess)))
}

// ListSnapshots GET /api/v1/wake-sessions/{id}/snapshots
// 按窗口号升序返回，前端按顺序播放即可得到逐帧动画
func (h *DashboardHandler) ListSnapshots(w http.ResponseWriter, r *http.Request, sessionID string) {
	snapshots, err := h.snapshots.ListBySession(r.Context(), sessionID)
	if err != nil {
		h.logger.Error("Failed to list snapshots", zap.String("session_id", sessionID), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, Fail("failed to list snapshots"))
		return
	}
	writeJSON(w, http.StatusOK, Ok(map[string]any{"items": snapshots, "total": len(snapshots)}))
}

// GetSnapshot GET /api/v1/wake-sessions/{id}/snapshots/{window}
func (h *DashboardHandler) GetSnapshot(w http.ResponseWriter, r *http.Request, sessionID string, window int) {
	snapshot, err := h.snapshots.Get(r.Context(), sessionID, window)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			writeJSON(w, http.StatusNotFound, Fail("snapshot not found"))
			return
		}
		h.logger.Error("Failed to get snapshot",
			zap.String("session_id", sessionID),
			zap.Int("window", window),
			zap.Error(err),
		)
		writeJSON(w, http.StatusInternalServerError, Fail("failed to get snapshot"))
		return
	}
	writeJSON(w, http.StatusOK, Ok(snapshot))
}

// DownloadReport GET /api/v1/wake-sessions/{id}/report
func (h *DashboardHandler) DownloadReport(w http.ResponseWriter, r *http.Request, sessionID string) {
	sess, err := h.sessions.GetByID(r.Context(), sessionID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			writeJSON(w, http.StatusNotFound, Fail("session not found"))
			return
		}
		h.logger.Error("Failed to get session for report", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, Fail("failed to get session"))
		return
	}

	payloads, err := h.payloads.ListBySession(r.Context(), sessionID)
	if err != nil {
		h.logger.Error("Failed to list payloads for report", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, Fail("failed to list payloads"))
		return
	}

	data, err := report.GenerateSessionReport(sess, payloads)
	if err != nil {
		h.logger.Error("Failed to generate session report", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, Fail("failed to generate report"))
		return
	}

	filename := fmt.Sprintf("session_%s_%s.xlsx", sess.SiteID, sess.SessionDate)
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", `attachment; filename="`+filename+`"`)
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		h.logger.Warn("Failed to write report response", zap.Error(err))
	}
}

// routeSession 解析 /api/v1/wake-sessions/ 之后的路径段
func (h *DashboardHandler) routeSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/wake-sessions/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")

	switch {
	case len(parts) == 1 && parts[0] != "":
		h.GetSession(w, r, parts[0])
	case len(parts) == 2 && parts[1] == "snapshots":
		h.ListSnapshots(w, r, parts[0])
	case len(parts) == 3 && parts[1] == "snapshots":
		window := -1
		if _, err := fmt.Sscanf(parts[2], "%d", &window); err != nil || window < 0 {
			writeJSON(w, http.StatusBadRequest, Fail("invalid window number"))
			return
		}
		h.GetSnapshot(w, r, parts[0], window)
	case len(parts) == 2 && parts[1] == "report":
		h.DownloadReport(w, r, parts[0])
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}
