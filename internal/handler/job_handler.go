package handler

import (
	"errors"
	"net/http"

	"settlement/internal/job"
	"settlement/pkg/response"

	"github.com/gin-gonic/gin"
)

func (h *Handler) jobFailed(c *gin.Context, err error) {
	if errors.Is(err, job.ErrAlreadyRunning) {
		response.BusinessError(c, http.StatusConflict, response.CodeStateConflict, err.Error())
		return
	}
	h.fail(c, err)
}

// RunPayoutSweep
// POST /jobs/payout-sweep
func (h *Handler) RunPayoutSweep(c *gin.Context) {
	report, err := h.jobs.PayoutSweep.RunOnce(c.Request.Context())
	if err != nil {
		h.jobFailed(c, err)
		return
	}
	response.Success(c, report)
}

// RunAutoRelease
// POST /jobs/auto-release
func (h *Handler) RunAutoRelease(c *gin.Context) {
	released, err := h.jobs.AutoRelease.RunOnce(c.Request.Context())
	if err != nil {
		h.jobFailed(c, err)
		return
	}
	response.Success(c, gin.H{"released": released})
}

// RunPaymentRecheck
// POST /jobs/payment-recheck
func (h *Handler) RunPaymentRecheck(c *gin.Context) {
	settled, err := h.jobs.PaymentRecheck.RunOnce(c.Request.Context())
	if err != nil {
		h.jobFailed(c, err)
		return
	}
	response.Success(c, gin.H{"settled": settled})
}
