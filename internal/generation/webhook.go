package generation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/suPer8Hu/videogen-platform/internal/ai"
	"github.com/suPer8Hu/videogen-platform/internal/ledger"
	"github.com/suPer8Hu/videogen-platform/internal/logger"
	"github.com/suPer8Hu/videogen-platform/internal/models"
	"gorm.io/gorm"
)

// Outcome tells the caller what a webhook delivery did.
type Outcome string

const (
	OutcomeIgnored        Outcome = "ignored"
	OutcomeDuplicate      Outcome = "duplicate"
	OutcomeFailed         Outcome = "failed"
	OutcomeWaitingInput   Outcome = "waiting_for_input"
	OutcomeStitching      Outcome = "stitching"
	OutcomeAddingAudio    Outcome = "adding_audio"
	OutcomeCompleted      Outcome = "completed"
	OutcomeAlreadyApplied Outcome = "already_applied"
)

// activeStatuses are the non-terminal states a chain can be failed from.
var activeStatuses = []Status{StatusProcessing, StatusWaitingForInput, StatusStitching, StatusAddingAudio}

// HandleWebhook applies one provider callback. Every transition is
// conditioned on the stored status, so replays and late deliveries resolve to
// no-ops instead of double refunds or duplicate videos.
func (s *Service) HandleWebhook(ctx context.Context, stage Stage, p ai.Prediction) (Outcome, error) {
	if p.ID == "" {
		return OutcomeIgnored, fmt.Errorf("%w: prediction id missing", ErrInvalidInput)
	}
	if !p.Terminal() {
		return OutcomeIgnored, nil
	}

	log := logger.FromContext(ctx).WithFields(logrus.Fields{
		"stage":          stage,
		"prediction_ref": p.ID,
		"status":         p.Status,
	})

	dedupeKey := fmt.Sprintf("%s:%s:%s", stage, p.ID, p.Status)
	if s.opts.Dedupe != nil {
		seen, err := s.opts.Dedupe.Seen(ctx, dedupeKey)
		if err != nil {
			log.WithError(err).Warn("webhook dedupe lookup failed")
		} else if seen {
			return OutcomeDuplicate, nil
		}
	}

	rec, err := s.repo.GetByPredictionRef(ctx, stage, p.ID)
	if err != nil {
		return OutcomeIgnored, err
	}
	log = log.WithField("generation_id", rec.ID)

	var outcome Outcome
	switch stage {
	case StageAudio:
		outcome, err = s.applyAudio(ctx, rec, p)
	default:
		outcome, err = s.applyVideo(ctx, rec, p)
	}
	if err != nil {
		log.WithError(err).Error("webhook apply failed")
		return outcome, err
	}

	if s.opts.Dedupe != nil {
		if err := s.opts.Dedupe.Mark(ctx, dedupeKey, s.opts.DedupeTTL); err != nil {
			log.WithError(err).Warn("webhook dedupe mark failed")
		}
	}
	log.WithField("outcome", outcome).Info("webhook applied")
	return outcome, nil
}

func (s *Service) applyVideo(ctx context.Context, rec *Record, p ai.Prediction) (Outcome, error) {
	if rec.Status != StatusProcessing {
		return OutcomeAlreadyApplied, nil
	}

	if p.Failed() {
		return s.failOutcome(s.fail(ctx, rec, []Status{StatusProcessing}, s.providerFailure(ctx, rec, p)))
	}
	videoRef := p.Output.First()
	if videoRef == "" {
		return s.failOutcome(s.fail(ctx, rec, []Status{StatusProcessing}, "provider returned no video"))
	}

	if rec.IsSegment() {
		return s.completeSegment(ctx, rec, videoRef)
	}

	if rec.AddAudio && s.dispatcher.AudioEnabled() {
		return s.startAudio(ctx, rec, []Status{StatusProcessing}, videoRef, false)
	}
	return s.finalize(ctx, rec, []Status{StatusProcessing}, videoRef, false)
}

func (s *Service) applyAudio(ctx context.Context, rec *Record, p ai.Prediction) (Outcome, error) {
	if rec.Status != StatusAddingAudio {
		return OutcomeAlreadyApplied, nil
	}
	if p.Failed() {
		return s.failOutcome(s.fail(ctx, rec, []Status{StatusAddingAudio}, s.providerFailure(ctx, rec, p)))
	}
	videoRef := p.Output.First()
	if videoRef == "" {
		return s.failOutcome(s.fail(ctx, rec, []Status{StatusAddingAudio}, "audio model returned no video"))
	}
	return s.finalize(ctx, rec, []Status{StatusAddingAudio}, videoRef, false)
}

// completeSegment stores the segment output and advances the parent: to
// waiting_for_input for a non-final segment, to stitching for the last one.
func (s *Service) completeSegment(ctx context.Context, seg *Record, videoRef string) (Outcome, error) {
	index := *seg.SegmentIndex
	final := index == seg.TotalSegments-1
	next := StatusWaitingForInput
	if final {
		next = StatusStitching
	}

	applied, advanced := false, false
	now := time.Now()
	err := s.repo.Transaction(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		ok, err := repo.Transition(ctx, seg.ID, []Status{StatusProcessing}, StatusCompleted,
			completedFields(now, map[string]any{"video_ref": videoRef}))
		if err != nil || !ok {
			return err
		}
		applied = true
		advanced, err = repo.AdvanceSegment(ctx, *seg.ParentID, index, next)
		return err
	})
	if err != nil {
		return OutcomeIgnored, err
	}
	if !applied {
		return OutcomeAlreadyApplied, nil
	}

	log := logger.FromContext(ctx).WithFields(logrus.Fields{
		"generation_id": *seg.ParentID,
		"segment_index": index,
	})
	if !advanced {
		// parent left processing while this segment ran, e.g. it was failed
		log.Warn("segment completed for a parent that is no longer processing")
		return OutcomeAlreadyApplied, nil
	}

	if !final {
		if err := s.enqueue(ctx, Job{Type: JobPersistSegment, GenerationID: seg.ID}); err != nil {
			log.WithError(err).Warn("failed to schedule segment persistence")
		}
		return OutcomeWaitingInput, nil
	}

	if err := s.enqueue(ctx, Job{Type: JobStitch, GenerationID: *seg.ParentID}); err != nil {
		log.WithError(err).Error("failed to schedule stitching")
		parent, gerr := s.repo.GetByID(ctx, *seg.ParentID)
		if gerr != nil {
			return OutcomeIgnored, gerr
		}
		return s.failOutcome(s.fail(ctx, parent, []Status{StatusStitching}, "stitching could not be scheduled"))
	}
	return OutcomeStitching, nil
}

// startAudio moves a finished top-level video into the audio pass.
func (s *Service) startAudio(ctx context.Context, top *Record, from []Status, videoRef string, persisted bool) (Outcome, error) {
	fields := map[string]any{"video_ref": videoRef}
	if persisted {
		fields["persisted_video_ref"] = videoRef
	}
	ok, err := s.repo.Transition(ctx, top.ID, from, StatusAddingAudio, fields)
	if err != nil {
		return OutcomeIgnored, err
	}
	if !ok {
		return OutcomeAlreadyApplied, nil
	}

	ref, err := s.dispatcher.DispatchAudio(ctx, videoRef, top.Prompt)
	if err == nil {
		var stored bool
		stored, err = s.repo.SetPredictionRef(ctx, top.ID, StageAudio, ref)
		if err == nil && !stored {
			err = errors.New("audio prediction ref already set")
		}
	}
	if err != nil {
		logger.FromContext(ctx).WithError(err).WithField("generation_id", top.ID).Error("audio pass dispatch failed")
		return s.failOutcome(s.fail(ctx, top, []Status{StatusAddingAudio}, "audio pass could not be started"))
	}
	return OutcomeAddingAudio, nil
}

// finalize completes a top-level generation and writes its library row in
// the same transaction. Stats are updated afterwards and never fail the call.
func (s *Service) finalize(ctx context.Context, top *Record, from []Status, videoRef string, persisted bool) (Outcome, error) {
	fields := map[string]any{"video_ref": videoRef}
	if persisted {
		fields["persisted_video_ref"] = videoRef
	}
	applied := false
	err := s.repo.Transaction(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		ok, err := repo.Transition(ctx, top.ID, from, StatusCompleted, completedFields(time.Now(), fields))
		if err != nil || !ok {
			return err
		}
		applied = true
		_, err = repo.CreateVideo(ctx, &Video{
			GenerationID:    top.ID,
			UserID:          top.UserID,
			VideoRef:        videoRef,
			Prompt:          top.Prompt,
			DurationSeconds: top.OutputSeconds(),
		})
		return err
	})
	if err != nil {
		return OutcomeIgnored, err
	}
	if !applied {
		return OutcomeAlreadyApplied, nil
	}

	log := logger.FromContext(ctx).WithField("generation_id", top.ID)
	if err := models.AddGenerationStats(ctx, s.repo.db, top.UserID, 1, top.OutputSeconds()); err != nil {
		log.WithError(err).Warn("failed to update user stats")
	}
	if !persisted {
		if err := s.enqueue(ctx, Job{Type: JobPersistOutput, GenerationID: top.ID}); err != nil {
			log.WithError(err).Warn("failed to schedule output persistence")
		}
	}
	return OutcomeCompleted, nil
}

// fail marks rec failed from one of from. When it wins that transition it
// also fails the enclosing chain and refunds the top-level debit, all in one
// transaction. The refund is keyed by the top-level id so it lands once.
func (s *Service) fail(ctx context.Context, rec *Record, from []Status, detail string) (bool, error) {
	won := false
	now := time.Now()
	fields := completedFields(now, map[string]any{"error_detail": detail})
	err := s.repo.Transaction(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		ok, err := repo.Transition(ctx, rec.ID, from, StatusFailed, fields)
		if err != nil || !ok {
			return err
		}
		won = true

		top := rec
		if rec.IsSegment() {
			parent, err := repo.GetByID(ctx, *rec.ParentID)
			if err != nil {
				return err
			}
			if _, err := repo.Transition(ctx, parent.ID, activeStatuses, StatusFailed, fields); err != nil {
				return err
			}
			top = parent
		}
		if top.CreditsCharged <= 0 {
			return nil
		}
		_, err = s.ledger.WithTx(tx).Refund(ctx, top.UserID, top.CreditsCharged,
			"refund: "+detail, ledger.RefundRef(top.ID))
		return err
	})
	if err != nil {
		return false, err
	}
	if won {
		logger.FromContext(ctx).WithFields(logrus.Fields{
			"generation_id": rec.ID,
			"detail":        detail,
		}).Warn("generation failed")
	}
	return won, nil
}

func (s *Service) failOutcome(won bool, err error) (Outcome, error) {
	if err != nil {
		return OutcomeIgnored, err
	}
	if !won {
		return OutcomeAlreadyApplied, nil
	}
	return OutcomeFailed, nil
}

// providerFailure logs what the provider reported and returns the detail
// shown to the user. Vendor text stays in the log.
func (s *Service) providerFailure(ctx context.Context, rec *Record, p ai.Prediction) string {
	logger.FromContext(ctx).WithFields(logrus.Fields{
		"generation_id":  rec.ID,
		"prediction_ref": p.ID,
		"provider_state": p.Status,
		"provider_error": p.ErrorMessage(),
	}).Warn("provider reported failure")
	return FailureDetailGeneration
}
