package handlers

import (
	"crypto/subtle"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/videogen-platform/internal/ai"
	"github.com/suPer8Hu/videogen-platform/internal/common"
	"github.com/suPer8Hu/videogen-platform/internal/generation"
	"github.com/suPer8Hu/videogen-platform/internal/logger"
)

// PipelineWebhook receives provider callbacks. A non-2xx answer makes the
// provider redeliver, so only unknown or malformed deliveries get 4xx.
func (h *Handler) PipelineWebhook(c *gin.Context) {
	token := c.Query("token")
	if h.WebhookSecret == "" || subtle.ConstantTimeCompare([]byte(token), []byte(h.WebhookSecret)) != 1 {
		common.Fail(c, http.StatusUnauthorized, 40103, "invalid webhook token")
		return
	}
	stage, ok := generation.ParseStage(c.Query("stage"))
	if !ok {
		common.Fail(c, http.StatusBadRequest, 10003, "unknown stage")
		return
	}

	var p ai.Prediction
	if err := c.ShouldBindJSON(&p); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	outcome, err := h.Gen.HandleWebhook(c.Request.Context(), stage, p)
	if err != nil {
		switch {
		case errors.Is(err, generation.ErrRecordNotFound):
			logger.FromContext(c.Request.Context()).WithField("prediction_ref", p.ID).Warn("webhook for unknown prediction")
			common.Fail(c, http.StatusNotFound, 40402, "prediction not found")
		case errors.Is(err, generation.ErrInvalidInput):
			common.Fail(c, http.StatusBadRequest, 10002, err.Error())
		default:
			common.Fail(c, http.StatusInternalServerError, 50003, "webhook processing failed")
		}
		return
	}
	common.OK(c, gin.H{"outcome": outcome})
}
