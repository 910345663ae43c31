package generation

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/suPer8Hu/videogen-platform/internal/logger"
)

type JobType string

const (
	JobPersistSegment JobType = "persist_segment"
	JobStitch         JobType = "stitch"
	JobPersistOutput  JobType = "persist_output"
)

// Job is one unit of media work. Jobs re-read state and skip work that is
// already done, so redelivery is safe.
type Job struct {
	Type         JobType `json:"type"`
	GenerationID string  `json:"generation_id"`
}

var ErrUnknownJob = errors.New("unknown media job type")

func (s *Service) ProcessJob(ctx context.Context, job Job) error {
	switch job.Type {
	case JobPersistSegment:
		return s.persistSegment(ctx, job.GenerationID)
	case JobStitch:
		return s.stitch(ctx, job.GenerationID)
	case JobPersistOutput:
		return s.persistOutput(ctx, job.GenerationID)
	}
	return fmt.Errorf("%w: %q", ErrUnknownJob, job.Type)
}

// persistSegment copies a finished segment to storage and extracts its last
// frame into the next plan row. Both steps are best effort.
func (s *Service) persistSegment(ctx context.Context, segID string) error {
	seg, err := s.repo.GetByID(ctx, segID)
	if err != nil {
		return err
	}
	if !seg.IsSegment() || seg.Status != StatusCompleted || seg.VideoRef == nil {
		return nil
	}
	parentID, index := *seg.ParentID, *seg.SegmentIndex
	log := logger.FromContext(ctx).WithFields(logrus.Fields{
		"generation_id": parentID,
		"segment_index": index,
	})

	if seg.PersistedVideoRef == nil && s.opts.Storage != nil {
		key := fmt.Sprintf("generations/%s/segment-%03d.mp4", parentID, index)
		persisted, err := s.opts.Storage.PersistFromURL(ctx, *seg.VideoRef, key, "video/mp4")
		if err != nil {
			log.WithError(err).Warn("segment persistence failed, keeping provider url")
		} else if err := s.repo.UpdateFields(ctx, seg.ID, map[string]any{"persisted_video_ref": persisted}); err != nil {
			return err
		} else {
			seg.PersistedVideoRef = &persisted
		}
	}

	if s.opts.Frames == nil || index+1 >= seg.TotalSegments {
		return nil
	}
	plan, err := s.repo.GetPlan(ctx, parentID, index+1)
	if err != nil {
		return err
	}
	if plan.LastFrameRef != nil {
		return nil
	}

	key := fmt.Sprintf("generations/%s/frame-%03d.jpg", parentID, index+1)
	frame, err := s.opts.Frames.ExtractLastFrame(ctx, seg.BestVideoRef(), key)
	if err != nil {
		// the client can still supply a frame itself
		log.WithError(err).WithField("timed_out", errors.Is(err, ErrExtractionTimedOut)).
			Warn("last frame extraction failed")
		return nil
	}
	if _, err := s.repo.SetPlanLastFrame(ctx, parentID, index+1, frame); err != nil {
		return err
	}
	log.WithField("last_frame_ref", frame).Info("continuation frame extracted")
	return nil
}

// stitch concatenates every segment of a stitching parent in index order.
// Any failure is terminal for the chain and refunds it.
func (s *Service) stitch(ctx context.Context, parentID string) error {
	parent, err := s.repo.GetByID(ctx, parentID)
	if err != nil {
		return err
	}
	if parent.Status != StatusStitching {
		return nil
	}
	log := logger.FromContext(ctx).WithField("generation_id", parentID)

	segs, err := s.repo.ListSegments(ctx, parentID)
	if err != nil {
		return err
	}
	refs, err := orderedSegmentRefs(segs, parent.TotalSegments)
	if err != nil {
		log.WithError(err).Error("segments not ready for stitching")
		_, ferr := s.fail(ctx, parent, []Status{StatusStitching}, ErrStitchFailed.Error())
		return ferr
	}
	if s.opts.Stitch == nil {
		_, ferr := s.fail(ctx, parent, []Status{StatusStitching}, "no stitcher configured")
		return ferr
	}

	out, err := s.opts.Stitch.Stitch(ctx, refs, fmt.Sprintf("generations/%s/final.mp4", parentID))
	if err != nil {
		log.WithError(err).Error("stitching failed")
		_, ferr := s.fail(ctx, parent, []Status{StatusStitching}, ErrStitchFailed.Error())
		return ferr
	}

	if parent.AddAudio && s.dispatcher.AudioEnabled() {
		_, err = s.startAudio(ctx, parent, []Status{StatusStitching}, out, true)
		return err
	}
	_, err = s.finalize(ctx, parent, []Status{StatusStitching}, out, true)
	return err
}

// AbandonJob runs once a job will not be retried. A parent still in
// stitching can no longer complete, so it is failed and refunded. The other
// job types only copy outputs and need nothing.
func (s *Service) AbandonJob(ctx context.Context, job Job) error {
	if job.Type != JobStitch {
		return nil
	}
	parent, err := s.repo.GetByID(ctx, job.GenerationID)
	if err != nil {
		return err
	}
	if parent.Status != StatusStitching {
		return nil
	}
	won, err := s.fail(ctx, parent, []Status{StatusStitching}, ErrStitchFailed.Error())
	if err != nil {
		return err
	}
	if won {
		logger.FromContext(ctx).WithFields(logrus.Fields{
			"generation_id": parent.ID,
			"job":           job.Type,
		}).Error("stitch job abandoned, chain failed and refunded")
	}
	return nil
}

func orderedSegmentRefs(segs []Record, total int) ([]string, error) {
	if len(segs) != total {
		return nil, fmt.Errorf("have %d segments, want %d", len(segs), total)
	}
	refs := make([]string, total)
	for i, seg := range segs {
		if seg.SegmentIndex == nil || *seg.SegmentIndex != i {
			return nil, fmt.Errorf("segment %d missing", i)
		}
		ref := seg.BestVideoRef()
		if seg.Status != StatusCompleted || ref == "" {
			return nil, fmt.Errorf("segment %d not completed", i)
		}
		refs[i] = ref
	}
	return refs, nil
}

// persistOutput copies a completed single-shot output to storage.
func (s *Service) persistOutput(ctx context.Context, id string) error {
	rec, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if rec.Status != StatusCompleted || rec.PersistedVideoRef != nil || rec.VideoRef == nil || s.opts.Storage == nil {
		return nil
	}
	persisted, err := s.opts.Storage.PersistFromURL(ctx, *rec.VideoRef, fmt.Sprintf("generations/%s/output.mp4", id), "video/mp4")
	if err != nil {
		return err
	}
	if err := s.repo.UpdateFields(ctx, id, map[string]any{"persisted_video_ref": persisted}); err != nil {
		return err
	}
	return s.repo.UpdateVideoRef(ctx, id, persisted)
}
