package handlers

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/playingpack/playingpack/internal/domain/service"
	"github.com/playingpack/playingpack/internal/infrastructure/upstream"
)

// PassthroughHandler transparently forwards /v1/* endpoints the proxy does
// not intercept (models, embeddings, files, ...).
type PassthroughHandler struct {
	client   *upstream.Client
	settings *service.SettingsStore
	logger   *zap.Logger
}

// NewPassthroughHandler creates the handler.
func NewPassthroughHandler(client *upstream.Client, settings *service.SettingsStore, logger *zap.Logger) *PassthroughHandler {
	return &PassthroughHandler{
		client:   client,
		settings: settings,
		logger:   logger.With(zap.String("handler", "passthrough")),
	}
}

// skippedResponseHeaders are not copied back to the caller: hop-by-hop
// headers plus Content-Length, which the server recomputes.
var skippedResponseHeaders = map[string]bool{
	"Connection":        true,
	"Keep-Alive":        true,
	"Transfer-Encoding": true,
	"Upgrade":           true,
	"Trailer":           true,
	"Content-Length":    true,
}

// Handle forwards the request verbatim and streams the response back.
func (h *PassthroughHandler) Handle(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": gin.H{
				"message": "failed to read request body",
				"type":    "invalid_request_error",
			},
		})
		return
	}

	target := h.settings.Snapshot().Upstream
	res, err := h.client.Passthrough(c.Request.Context(), c.Request, body, target)
	if err != nil {
		h.logger.Warn("Passthrough failed",
			zap.String("path", c.Request.URL.Path),
			zap.Error(err),
		)
		c.JSON(http.StatusBadGateway, gin.H{
			"error": gin.H{
				"message": err.Error(),
				"type":    "proxy_error",
			},
		})
		return
	}
	defer res.Body.Close()

	for name, values := range res.Header {
		if skippedResponseHeaders[name] {
			continue
		}
		for _, v := range values {
			c.Writer.Header().Add(name, v)
		}
	}
	c.Status(res.Status)

	if _, err := io.Copy(c.Writer, res.Body); err != nil {
		h.logger.Debug("Passthrough copy interrupted",
			zap.String("path", c.Request.URL.Path),
			zap.Error(err),
		)
	}
}
