package handlers

import (
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/playingpack/playingpack/internal/application"
)

const (
	headerCached = "x-playingpack-cached"
	headerMocked = "x-playingpack-mocked"
)

// ProxyHandler serves the intercepted chat-completions endpoint.
type ProxyHandler struct {
	engine *application.Engine
	logger *zap.Logger
}

// NewProxyHandler creates the handler.
func NewProxyHandler(engine *application.Engine, logger *zap.Logger) *ProxyHandler {
	return &ProxyHandler{
		engine: engine,
		logger: logger.With(zap.String("handler", "proxy")),
	}
}

// ChatCompletions handles POST /v1/chat/completions. The whole lifecycle
// runs before the first byte goes out; emission paces chunks by their
// recorded (or synthesised) delays.
func (h *ProxyHandler) ChatCompletions(c *gin.Context) {
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

	reply := h.engine.ProcessChatCompletion(c.Request.Context(), body, c.Request.Header)
	defer h.engine.Finish(reply)

	if reply.Cached {
		c.Header(headerCached, "true")
	}
	if reply.Mocked {
		c.Header(headerMocked, "true")
	}

	if !reply.SSE {
		c.Header("Content-Type", "application/json")
		c.Status(reply.Status)
		c.Writer.Write(reply.Bytes())
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(reply.Status)

	ctx := c.Request.Context()
	for _, chunk := range reply.Chunks {
		if chunk.Delay > 0 {
			timer := time.NewTimer(chunk.Delay)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				// Caller is gone; the session still completes normally.
				h.logger.Debug("Client disconnected mid-stream",
					zap.String("session_id", reply.SessionID),
				)
				return
			}
		}
		if _, err := c.Writer.WriteString(chunk.Data); err != nil {
			h.logger.Debug("Write failed mid-stream",
				zap.String("session_id", reply.SessionID),
				zap.Error(err),
			)
			return
		}
		c.Writer.Flush()
	}
}
