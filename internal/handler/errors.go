package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"settlement/internal/gateway"
	"settlement/internal/service"
	"settlement/pkg/response"

	"github.com/gin-gonic/gin"
)

// fail maps a service error onto the response envelope.
func (h *Handler) fail(c *gin.Context, err error) {
	if rej, ok := service.IsPayoutRejection(err); ok {
		response.ErrorWithData(c, http.StatusUnprocessableEntity, response.CodePayoutRejected, rej.Message, gin.H{"reason": rej.Reason})
		return
	}

	var gwErr *gateway.GatewayError
	switch {
	case errors.Is(err, service.ErrNotFound):
		response.NotFound(c, err.Error())
	case errors.Is(err, service.ErrForbidden):
		response.Forbidden(c, "this resource belongs to someone else")
	case errors.Is(err, service.ErrInvalidInput):
		response.ParamError(c, err.Error())
	case errors.Is(err, service.ErrConflict):
		response.BusinessError(c, http.StatusConflict, response.CodeStateConflict, err.Error())
	case errors.Is(err, service.ErrRetryLater):
		response.BusinessError(c, http.StatusServiceUnavailable, response.CodeRetryLater, err.Error())
	case errors.As(err, &gwErr):
		h.logger.Warn("gateway rejected request",
			slog.String("gateway", string(gwErr.Gateway)),
			slog.String("op", gwErr.Op),
			slog.Int("status", gwErr.StatusCode),
			slog.String("path", c.FullPath()))
		response.BusinessError(c, http.StatusBadGateway, response.CodeGatewayError, gwErr.Error())
	default:
		h.logger.Error("request failed",
			slog.String("path", c.FullPath()),
			slog.String("request_id", requestID(c)),
			slog.Any("error", err))
		response.ServerError(c, "internal server error")
	}
}
