package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/videogen-platform/internal/common"
	"github.com/suPer8Hu/videogen-platform/internal/logger"
	"github.com/suPer8Hu/videogen-platform/internal/payments"
)

func (h *Handler) GetCredits(c *gin.Context) {
	uid, ok := userIDFromContext(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	balance, err := h.Ledger.Balance(c.Request.Context(), uid)
	if err != nil {
		common.Fail(c, http.StatusNotFound, 40403, "user not found")
		return
	}
	txs, err := h.Ledger.History(c.Request.Context(), uid, 20)
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 50004, "failed to load transactions")
		return
	}
	common.OK(c, gin.H{
		"balance":      balance,
		"transactions": txs,
	})
}

type confirmCreditsReq struct {
	SessionID string `json:"session_id" binding:"required"`
}

func (h *Handler) ConfirmCredits(c *gin.Context) {
	uid, ok := userIDFromContext(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}
	if h.Payments == nil {
		common.Fail(c, http.StatusServiceUnavailable, 50301, "payments are not configured")
		return
	}

	var req confirmCreditsReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	conf, err := h.Payments.Confirm(c.Request.Context(), uid, req.SessionID)
	if err != nil {
		switch {
		case errors.Is(err, payments.ErrNotPaid):
			common.Fail(c, http.StatusPaymentRequired, 40202, "payment not completed")
		case errors.Is(err, payments.ErrInvalidSession), errors.Is(err, payments.ErrSessionOwner):
			common.Fail(c, http.StatusBadRequest, 10004, "invalid payment session")
		default:
			logger.FromContext(c.Request.Context()).WithError(err).Error("payment confirmation failed")
			common.Fail(c, http.StatusBadGateway, 50202, "could not verify payment, please try again later")
		}
		return
	}
	common.OK(c, conf)
}
