package generation

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/suPer8Hu/videogen-platform/internal/common"
	"github.com/suPer8Hu/videogen-platform/internal/logger"
	"gorm.io/gorm"
)

type ContinueRequest struct {
	UserID       uint64
	ParentID     string
	SegmentIndex int
	Prompt       string
	// LastFrameRef overrides the frame extracted server-side.
	LastFrameRef string
}

type ContinueResult struct {
	Segment       *Record
	PredictionRef string
}

// Continue dispatches the next segment of a chain waiting for input. The
// parent moves waiting_for_input -> processing in the same transaction that
// creates the segment record, so only one caller can win per segment.
func (s *Service) Continue(ctx context.Context, req ContinueRequest) (*ContinueResult, error) {
	req.Prompt = strings.TrimSpace(req.Prompt)
	req.LastFrameRef = strings.TrimSpace(req.LastFrameRef)

	if s.opts.Locks != nil {
		unlock, ok, err := s.opts.Locks.TryLock(ctx, "continue:"+req.ParentID, s.opts.LockTTL)
		switch {
		case err != nil:
			logger.FromContext(ctx).WithError(err).Warn("continuation lock unavailable")
		case !ok:
			return nil, fmt.Errorf("%w: continuation already in progress", ErrInvalidState)
		default:
			defer unlock()
		}
	}

	parent, err := s.Get(ctx, req.UserID, req.ParentID)
	if err != nil {
		return nil, err
	}
	if !parent.IsChain() {
		return nil, fmt.Errorf("%w: not a multi-segment generation", ErrInvalidState)
	}
	if req.SegmentIndex != parent.SegmentsCompleted || req.SegmentIndex >= parent.TotalSegments {
		return nil, fmt.Errorf("%w: got %d, expected %d", ErrOutOfOrderSegment, req.SegmentIndex, parent.SegmentsCompleted)
	}
	if parent.Status != StatusWaitingForInput {
		return nil, fmt.Errorf("%w: status is %s", ErrInvalidState, parent.Status)
	}
	if req.Prompt == "" {
		return nil, fmt.Errorf("%w: prompt is required", ErrInvalidInput)
	}

	plan, err := s.repo.GetPlan(ctx, parent.ID, req.SegmentIndex)
	if err != nil {
		return nil, err
	}
	lastFrame := req.LastFrameRef
	if lastFrame == "" && plan.LastFrameRef != nil {
		lastFrame = *plan.LastFrameRef
	}
	if lastFrame == "" {
		return nil, ErrMissingContinuationInput
	}

	segID, err := common.NewULID()
	if err != nil {
		return nil, err
	}
	seg := newSegmentRecord(segID, parent, req.SegmentIndex, lastFrame, req.Prompt)

	err = s.repo.Transaction(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		ok, err := repo.Transition(ctx, parent.ID, []Status{StatusWaitingForInput}, StatusProcessing, nil)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: generation changed state", ErrInvalidState)
		}
		if err := repo.UpdatePlan(ctx, parent.ID, req.SegmentIndex, map[string]any{
			"prompt":         req.Prompt,
			"last_frame_ref": lastFrame,
			"generation_id":  seg.ID,
		}); err != nil {
			return err
		}
		return repo.CreateRecord(ctx, seg)
	})
	if err != nil {
		return nil, err
	}

	log := logger.FromContext(ctx).WithFields(logrus.Fields{
		"generation_id": parent.ID,
		"segment_index": req.SegmentIndex,
	})

	ref, err := s.dispatcher.DispatchSegment(ctx, SegmentRequest{
		ImageRef:        lastFrame,
		Prompt:          req.Prompt,
		DurationSeconds: plan.DurationSeconds,
		Resolution:      parent.Resolution,
		GenerateAudio:   parent.GenerateAudio,
	})
	if err != nil {
		// the chain stays alive; the user can retry this segment
		if rerr := s.rollbackContinue(ctx, parent.ID, req.SegmentIndex, seg.ID); rerr != nil {
			log.WithError(rerr).Error("rollback after continuation dispatch failure failed")
		}
		return nil, err
	}

	if ok, err := s.repo.SetPredictionRef(ctx, seg.ID, StageVideo, ref); err != nil || !ok {
		log.WithError(err).WithField("prediction_ref", ref).Error("failed to store prediction ref")
		if _, ferr := s.fail(ctx, seg, []Status{StatusProcessing}, "could not track prediction"); ferr != nil {
			log.WithError(ferr).Error("failed to fail untracked segment")
		}
		return nil, fmt.Errorf("store prediction ref: %w", ErrGenerationFailed)
	}
	seg.PredictionRef = &ref

	log.WithField("prediction_ref", ref).Info("segment dispatched")
	return &ContinueResult{Segment: seg, PredictionRef: ref}, nil
}

func (s *Service) rollbackContinue(ctx context.Context, parentID string, index int, segID string) error {
	return s.repo.Transaction(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		if err := repo.DeleteRecord(ctx, segID); err != nil {
			return err
		}
		if err := repo.UpdatePlan(ctx, parentID, index, map[string]any{"generation_id": nil}); err != nil {
			return err
		}
		ok, err := repo.Transition(ctx, parentID, []Status{StatusProcessing}, StatusWaitingForInput, nil)
		if err != nil {
			return err
		}
		if !ok {
			return errors.New("parent left processing during rollback")
		}
		return nil
	})
}
