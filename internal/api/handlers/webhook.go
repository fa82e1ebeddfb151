package handlers

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/langchou/smartgazer/internal/service"
	"github.com/langchou/smartgazer/internal/webhook"
)

// 单次投递的请求体上限
const maxWebhookBody = 1 << 20

// HandleWebhook 接收 Smartcar webhook 投递
// POST /webhook
// 400 表示载荷有问题不必重试，500 让上游按自己的策略重投
func (h *Handler) HandleWebhook(c *gin.Context) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.logger.Warn("Rejected oversized webhook payload", zap.Int64("limit", tooLarge.Limit))
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"status": "error", "message": "payload too large"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "message": "failed to read request body"})
		return
	}

	res, err := h.deps.Ingest.Ingest(c.Request.Context(), body)
	if err != nil {
		if errors.Is(err, webhook.ErrMissingSecret) {
			h.logger.Error("Webhook verification secret not configured", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"status": "error", "message": "webhook verification is not configured"})
			return
		}
		if errors.Is(err, webhook.ErrMalformedPayload) ||
			errors.Is(err, webhook.ErrMissingChallenge) ||
			errors.Is(err, service.ErrUnsupportedPayload) {
			h.logger.Warn("Rejected webhook payload", zap.Error(err))
			c.JSON(http.StatusBadRequest, gin.H{"status": "error", "message": err.Error()})
			return
		}
		h.logger.Error("Failed to ingest webhook", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"status": "error", "message": "failed to store events"})
		return
	}

	if res.Shape == webhook.ShapeVerification {
		c.JSON(http.StatusOK, gin.H{"status": "success", "challenge": res.Challenge})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":  "success",
		"message": fmt.Sprintf("stored %d events", res.Events),
	})
}
