package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/playingpack/playingpack/internal/domain/entity"
	"github.com/playingpack/playingpack/internal/domain/service"
	"github.com/playingpack/playingpack/internal/infrastructure/persistence"
)

// DecisionHandler exposes the control API: session inspection, the two
// decision endpoints and runtime settings.
type DecisionHandler struct {
	broker   *service.Broker
	settings *service.SettingsStore
	archive  *persistence.SessionArchive // nil when archiving is disabled
	logger   *zap.Logger
}

// NewDecisionHandler creates the handler. archive may be nil.
func NewDecisionHandler(broker *service.Broker, settings *service.SettingsStore, archive *persistence.SessionArchive, logger *zap.Logger) *DecisionHandler {
	return &DecisionHandler{
		broker:   broker,
		settings: settings,
		archive:  archive,
		logger:   logger.With(zap.String("handler", "decision")),
	}
}

// GetSessions handles GET /api/requests.
func (h *DecisionHandler) GetSessions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"sessions": h.broker.List(),
	})
}

// GetSession handles GET /api/requests/:id. Live sessions come from the
// broker; evicted ones fall back to the archive.
func (h *DecisionHandler) GetSession(c *gin.Context) {
	id := c.Param("id")

	if s, ok := h.broker.Get(id); ok {
		c.JSON(http.StatusOK, gin.H{"session": s})
		return
	}

	if h.archive != nil {
		if m, ok := h.archive.Get(id); ok {
			var s entity.Session
			if err := json.Unmarshal([]byte(m.Detail), &s); err == nil {
				c.JSON(http.StatusOK, gin.H{"session": s, "archived": true})
				return
			}
		}
	}

	c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
}

// GetArchive handles GET /api/archive?limit=N.
func (h *DecisionHandler) GetArchive(c *gin.Context) {
	if h.archive == nil {
		c.JSON(http.StatusOK, gin.H{"sessions": []any{}})
		return
	}

	limit := 50
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}

	sessions, err := h.archive.Recent(limit)
	if err != nil {
		h.logger.Error("Archive query failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "archive query failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

// Point1 handles POST /api/requests/:id/point1.
func (h *DecisionHandler) Point1(c *gin.Context) {
	id := c.Param("id")

	var action entity.Point1Action
	if err := c.ShouldBindJSON(&action); err != nil || !action.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid point 1 action"})
		return
	}
	if action.Type == entity.Point1Mock && action.Content == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "mock action requires content"})
		return
	}

	// success reports whether a suspension was pending; callers branch on
	// the field, the status only mirrors it.
	if !h.broker.ResolvePoint1(id, action) {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "error": "no pending decision for request"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// Point2 handles POST /api/requests/:id/point2.
func (h *DecisionHandler) Point2(c *gin.Context) {
	id := c.Param("id")

	var action entity.Point2Action
	if err := c.ShouldBindJSON(&action); err != nil || !action.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid point 2 action"})
		return
	}
	if action.Type == entity.Point2Modify && action.Content == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "modify action requires content"})
		return
	}

	if !h.broker.ResolvePoint2(id, action) {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "error": "no pending decision for request"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// GetSettings handles GET /api/settings.
func (h *DecisionHandler) GetSettings(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"settings": h.settings.Snapshot()})
}

// UpdateSettings handles PATCH /api/settings. Omitted fields keep their
// current values; the response echoes the effective settings.
func (h *DecisionHandler) UpdateSettings(c *gin.Context) {
	var patch service.SettingsPatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid settings patch"})
		return
	}
	if patch.Cache != nil && !patch.Cache.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid cache mode"})
		return
	}

	applied := h.settings.Apply(patch)
	h.logger.Info("Settings updated",
		zap.String("cache", string(applied.Cache)),
		zap.Bool("intervene", applied.Intervene),
		zap.String("upstream", applied.Upstream),
	)
	c.JSON(http.StatusOK, gin.H{"settings": applied})
}
