package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/videogen-platform/internal/common"
	"github.com/suPer8Hu/videogen-platform/internal/generation"
	"github.com/suPer8Hu/videogen-platform/internal/logger"
)

type createGenerationReq struct {
	ImageURL        string `json:"image_url" binding:"required"`
	Prompt          string `json:"prompt" binding:"required"`
	DurationSeconds int    `json:"duration_seconds" binding:"required"`
	SegmentUnit     int    `json:"segment_unit_seconds"`
	Resolution      string `json:"resolution"`
	GenerateAudio   bool   `json:"generate_audio"`
	AddAudio        bool   `json:"add_audio"`
}

func (h *Handler) CreateGeneration(c *gin.Context) {
	uid, ok := userIDFromContext(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	var req createGenerationReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	res, err := h.Gen.Create(c.Request.Context(), generation.CreateRequest{
		UserID:          uid,
		ImageRef:        req.ImageURL,
		Prompt:          req.Prompt,
		DurationSeconds: req.DurationSeconds,
		SegmentUnit:     req.SegmentUnit,
		Resolution:      req.Resolution,
		GenerateAudio:   req.GenerateAudio,
		AddAudio:        req.AddAudio,
	})
	if err != nil {
		writeGenerationError(c, err)
		return
	}

	data := gin.H{
		"generation_id":  res.Generation.ID,
		"status":         res.Generation.Status,
		"prediction_ref": res.PredictionRef,
		"plan":           res.Plan,
	}
	if res.Segment != nil {
		data["segment_id"] = res.Segment.ID
	}
	common.Accepted(c, data)
}

type continueReq struct {
	ParentGenerationID string `json:"parent_generation_id" binding:"required"`
	SegmentIndex       *int   `json:"segment_index" binding:"required"`
	Prompt             string `json:"prompt"`
	LastFrameRef       string `json:"last_frame_ref"`
}

func (h *Handler) ContinueGeneration(c *gin.Context) {
	uid, ok := userIDFromContext(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	var req continueReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	res, err := h.Gen.Continue(c.Request.Context(), generation.ContinueRequest{
		UserID:       uid,
		ParentID:     req.ParentGenerationID,
		SegmentIndex: *req.SegmentIndex,
		Prompt:       req.Prompt,
		LastFrameRef: req.LastFrameRef,
	})
	if err != nil {
		writeGenerationError(c, err)
		return
	}

	common.Accepted(c, gin.H{
		"generation_id":  req.ParentGenerationID,
		"segment_id":     res.Segment.ID,
		"segment_index":  *res.Segment.SegmentIndex,
		"prediction_ref": res.PredictionRef,
	})
}

func (h *Handler) GetGeneration(c *gin.Context) {
	uid, ok := userIDFromContext(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	view, err := h.Gen.Status(c.Request.Context(), uid, c.Param("id"))
	if err != nil {
		writeGenerationError(c, err)
		return
	}
	common.OK(c, view)
}

func (h *Handler) ListGenerations(c *gin.Context) {
	uid, ok := userIDFromContext(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	limit, _ := strconv.Atoi(c.Query("limit"))
	recs, err := h.Gen.List(c.Request.Context(), uid, limit, c.Query("before_id"))
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 50002, "failed to list generations")
		return
	}

	var nextBeforeID string
	if len(recs) > 0 {
		nextBeforeID = recs[len(recs)-1].ID
	}
	common.OK(c, gin.H{
		"generations":    recs,
		"next_before_id": nextBeforeID,
	})
}

// PlanPreview answers with the segment plan and cost; when snap is set the
// duration is first moved to the nearest multiple of the unit.
func (h *Handler) PlanPreview(c *gin.Context) {
	duration, err := strconv.Atoi(c.Query("duration_seconds"))
	if err != nil {
		common.Fail(c, http.StatusBadRequest, 10002, "duration_seconds must be an integer")
		return
	}
	unit, err := strconv.Atoi(c.DefaultQuery("segment_unit", "6"))
	if err != nil {
		common.Fail(c, http.StatusBadRequest, 10002, "segment_unit must be an integer")
		return
	}

	policy := h.Gen.Policy()
	if c.Query("snap") == "true" {
		if duration, err = policy.SnapDuration(duration, unit); err != nil {
			writeGenerationError(c, err)
			return
		}
	}
	plan, err := policy.PlanSegments(duration, unit)
	if err != nil {
		writeGenerationError(c, err)
		return
	}
	common.OK(c, gin.H{
		"plan":  plan,
		"units": policy.Units(),
		"min":   policy.MinSeconds,
		"max":   policy.MaxSeconds,
	})
}

// writeGenerationError maps the error taxonomy to responses. Provider error
// text is logged, never returned.
func writeGenerationError(c *gin.Context, err error) {
	var de *generation.DispatchError
	switch {
	case errors.Is(err, generation.ErrInsufficientCredits):
		common.Fail(c, http.StatusPaymentRequired, 40201, "insufficient credits")
	case errors.Is(err, generation.ErrInvalidDuration), errors.Is(err, generation.ErrInvalidSegmentUnit),
		errors.Is(err, generation.ErrInvalidInput):
		common.Fail(c, http.StatusBadRequest, 10002, err.Error())
	case errors.Is(err, generation.ErrOutOfOrderSegment):
		common.Fail(c, http.StatusConflict, 40901, err.Error())
	case errors.Is(err, generation.ErrInvalidState):
		common.Fail(c, http.StatusConflict, 40902, err.Error())
	case errors.Is(err, generation.ErrMissingContinuationInput):
		common.Fail(c, http.StatusUnprocessableEntity, 42201, err.Error())
	case errors.Is(err, generation.ErrRecordNotFound):
		common.Fail(c, http.StatusNotFound, 40401, "generation not found")
	case errors.As(err, &de):
		msg := "video service is unavailable, please try again later"
		if de.Reason == generation.ReasonInput {
			msg = "the video service rejected this image or prompt"
		}
		common.Fail(c, http.StatusBadGateway, 50201, msg)
	default:
		logger.FromContext(c.Request.Context()).WithError(err).Error("generation request failed")
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
	}
}
