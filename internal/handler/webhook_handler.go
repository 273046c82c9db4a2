package handler

import (
	"io"
	"log/slog"
	"net/http"

	"settlement/internal/gateway"
	"settlement/internal/webhook"

	"github.com/gin-gonic/gin"
)

const maxWebhookBody = 1 << 20

// Webhook receives provider callbacks on /webhooks/:gateway.
//
// Anything that was handled, ignored or is unknown is acknowledged with 200
// so the provider stops retrying. A 503 asks for redelivery and is only sent
// when reconciliation could not reach a decision.
func (h *Handler) Webhook(c *gin.Context) {
	name, ok := gateway.ParseName(c.Param("gateway"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"status": "unknown gateway"})
		return
	}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		h.logger.Warn("webhook body unreadable", slog.String("gateway", string(name)), slog.Any("error", err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "retry"})
		return
	}

	ev := h.parser.Parse(name, webhook.Inbound{
		Method: c.Request.Method,
		Query:  c.Request.URL.Query(),
		Header: c.Request.Header,
		Body:   body,
	})

	if _, err := h.reconciler.HandleEvent(c.Request.Context(), ev); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "retry"})
		return
	}
	c.JSON(http.StatusOK, webhook.Acknowledgement(ev))
}
