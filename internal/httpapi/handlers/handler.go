package handlers

import (
	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/videogen-platform/internal/common"
	"github.com/suPer8Hu/videogen-platform/internal/generation"
	"github.com/suPer8Hu/videogen-platform/internal/httpapi/middleware"
	"github.com/suPer8Hu/videogen-platform/internal/ledger"
	"github.com/suPer8Hu/videogen-platform/internal/payments"
)

type Handler struct {
	Gen           *generation.Service
	Ledger        *ledger.Ledger
	Payments      *payments.Service
	WebhookSecret string
}

func NewHandler(gen *generation.Service, l *ledger.Ledger, pay *payments.Service, webhookSecret string) *Handler {
	return &Handler{Gen: gen, Ledger: l, Payments: pay, WebhookSecret: webhookSecret}
}

func (h *Handler) Ping(c *gin.Context) {
	common.OK(c, gin.H{"pong": true})
}

func userIDFromContext(c *gin.Context) (uint64, bool) {
	v, ok := c.Get(middleware.UserIDKey)
	if !ok {
		return 0, false
	}
	id, ok := v.(uint64)
	return id, ok
}
