package generation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/suPer8Hu/videogen-platform/internal/common"
	"github.com/suPer8Hu/videogen-platform/internal/ledger"
	"github.com/suPer8Hu/videogen-platform/internal/logger"
	"gorm.io/gorm"
)

// JobQueue schedules media work outside the webhook request.
type JobQueue interface {
	Enqueue(ctx context.Context, job Job) error
}

// Locker is a best-effort mutual exclusion across API processes.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (unlock func(), ok bool, err error)
}

// Deduper remembers webhook deliveries that were already applied.
type Deduper interface {
	Seen(ctx context.Context, key string) (bool, error)
	Mark(ctx context.Context, key string, ttl time.Duration) error
}

// Storage copies provider outputs into durable storage.
type Storage interface {
	PersistFromURL(ctx context.Context, srcURL, key, contentType string) (string, error)
}

type Stitcher interface {
	Stitch(ctx context.Context, refs []string, key string) (string, error)
}

type FrameExtractor interface {
	ExtractLastFrame(ctx context.Context, videoRef, key string) (string, error)
}

type Options struct {
	Policy            Policy
	DefaultResolution string

	// Jobs nil runs media jobs in a goroutine of the calling process.
	Jobs    JobQueue
	Locks   Locker
	Dedupe  Deduper
	Storage Storage
	Stitch  Stitcher
	Frames  FrameExtractor

	LockTTL   time.Duration
	DedupeTTL time.Duration
}

type Service struct {
	repo       *Repo
	ledger     *ledger.Ledger
	dispatcher *Dispatcher
	opts       Options
}

func NewService(repo *Repo, l *ledger.Ledger, d *Dispatcher, opts Options) *Service {
	def := DefaultPolicy()
	if len(opts.Policy.Prices) == 0 {
		opts.Policy.Prices = def.Prices
	}
	if opts.Policy.MinSeconds <= 0 && opts.Policy.MaxSeconds <= 0 {
		opts.Policy.MinSeconds, opts.Policy.MaxSeconds = def.MinSeconds, def.MaxSeconds
	}
	if opts.DefaultResolution == "" {
		opts.DefaultResolution = "720p"
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = 30 * time.Second
	}
	if opts.DedupeTTL <= 0 {
		opts.DedupeTTL = 24 * time.Hour
	}
	return &Service{repo: repo, ledger: l, dispatcher: d, opts: opts}
}

func (s *Service) Policy() Policy { return s.opts.Policy }

func (s *Service) PlanPreview(duration, unit int) (Plan, error) {
	return s.opts.Policy.PlanSegments(duration, unit)
}

type CreateRequest struct {
	UserID          uint64
	ImageRef        string
	Prompt          string
	DurationSeconds int
	SegmentUnit     int
	Resolution      string
	GenerateAudio   bool
	AddAudio        bool
}

type CreateResult struct {
	Generation    *Record
	Segment       *Record
	Plan          Plan
	PredictionRef string
}

// Create plans the request, debits its full cost together with the records
// it pays for, then dispatches the first prediction. A failed dispatch is
// compensated before returning: the debit is refunded and the records are
// removed.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*CreateResult, error) {
	req.ImageRef = strings.TrimSpace(req.ImageRef)
	req.Prompt = strings.TrimSpace(req.Prompt)
	if req.ImageRef == "" || req.Prompt == "" {
		return nil, fmt.Errorf("%w: image and prompt are required", ErrInvalidInput)
	}
	if req.SegmentUnit == 0 {
		req.SegmentUnit = s.opts.Policy.Units()[0]
	}
	if req.Resolution == "" {
		req.Resolution = s.opts.DefaultResolution
	}

	plan, err := s.opts.Policy.PlanSegments(req.DurationSeconds, req.SegmentUnit)
	if err != nil {
		return nil, err
	}

	topID, err := common.NewULID()
	if err != nil {
		return nil, err
	}
	top := &Record{
		ID:                       topID,
		UserID:                   req.UserID,
		TotalSegments:            len(plan.Segments),
		SegmentDurationSeconds:   plan.Unit,
		Status:                   StatusProcessing,
		ImageRef:                 req.ImageRef,
		Prompt:                   req.Prompt,
		RequestedDurationSeconds: req.DurationSeconds,
		Resolution:               req.Resolution,
		GenerateAudio:            req.GenerateAudio,
		AddAudio:                 req.AddAudio,
		Model:                    s.dispatcher.VideoModel(),
		CreditsCharged:           plan.Cost,
	}

	// the record that carries the first prediction
	first := top
	if plan.MultiSegment {
		segID, err := common.NewULID()
		if err != nil {
			return nil, err
		}
		first = newSegmentRecord(segID, top, 0, req.ImageRef, req.Prompt)
	}

	desc := fmt.Sprintf("%ds video, %d x %ds segments", req.DurationSeconds, len(plan.Segments), plan.Unit)
	err = s.repo.Transaction(ctx, func(tx *gorm.DB) error {
		if _, err := s.ledger.WithTx(tx).Debit(ctx, req.UserID, plan.Cost, desc, ledger.UsedRef(top.ID)); err != nil {
			return err
		}
		repo := s.repo.WithTx(tx)
		if err := repo.CreateRecord(ctx, top); err != nil {
			return err
		}
		if !plan.MultiSegment {
			return nil
		}
		plans := make([]SegmentPlan, len(plan.Segments))
		for i, secs := range plan.Segments {
			plans[i] = SegmentPlan{ParentID: top.ID, SegmentIndex: i, DurationSeconds: secs}
		}
		plans[0].Prompt = req.Prompt
		plans[0].GenerationID = &first.ID
		if err := repo.CreatePlans(ctx, plans); err != nil {
			return err
		}
		return repo.CreateRecord(ctx, first)
	})
	if err != nil {
		return nil, err
	}

	log := logger.FromContext(ctx).WithFields(logrus.Fields{
		"generation_id": top.ID,
		"user_id":       req.UserID,
		"segments":      len(plan.Segments),
		"cost":          plan.Cost,
	})

	ref, err := s.dispatcher.DispatchSegment(ctx, SegmentRequest{
		ImageRef:        req.ImageRef,
		Prompt:          req.Prompt,
		DurationSeconds: plan.Unit,
		Resolution:      req.Resolution,
		GenerateAudio:   req.GenerateAudio,
	})
	if err != nil {
		if cerr := s.compensateCreate(ctx, top, first); cerr != nil {
			log.WithError(cerr).Error("compensation after dispatch failure failed")
		}
		return nil, err
	}

	if ok, err := s.repo.SetPredictionRef(ctx, first.ID, StageVideo, ref); err != nil || !ok {
		log.WithError(err).WithField("prediction_ref", ref).Error("failed to store prediction ref")
		if _, ferr := s.fail(ctx, first, []Status{StatusProcessing}, "could not track prediction"); ferr != nil {
			log.WithError(ferr).Error("failed to fail untracked generation")
		}
		return nil, fmt.Errorf("store prediction ref: %w", ErrGenerationFailed)
	}
	first.PredictionRef = &ref

	log.WithField("prediction_ref", ref).Info("generation dispatched")

	res := &CreateResult{Generation: top, Plan: plan, PredictionRef: ref}
	if plan.MultiSegment {
		res.Segment = first
	}
	return res, nil
}

func (s *Service) compensateCreate(ctx context.Context, top, first *Record) error {
	return s.repo.Transaction(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		if first != top {
			if err := repo.DeleteRecord(ctx, first.ID); err != nil {
				return err
			}
			if err := repo.DeletePlans(ctx, top.ID); err != nil {
				return err
			}
		}
		if err := repo.DeleteRecord(ctx, top.ID); err != nil {
			return err
		}
		_, err := s.ledger.WithTx(tx).Refund(ctx, top.UserID, top.CreditsCharged, "dispatch failed", ledger.RefundRef(top.ID))
		return err
	})
}

func newSegmentRecord(id string, parent *Record, index int, imageRef, prompt string) *Record {
	parentID := parent.ID
	idx := index
	return &Record{
		ID:                       id,
		UserID:                   parent.UserID,
		ParentID:                 &parentID,
		SegmentIndex:             &idx,
		TotalSegments:            parent.TotalSegments,
		SegmentDurationSeconds:   parent.SegmentDurationSeconds,
		Status:                   StatusProcessing,
		ImageRef:                 imageRef,
		Prompt:                   prompt,
		RequestedDurationSeconds: parent.SegmentDurationSeconds,
		Resolution:               parent.Resolution,
		GenerateAudio:            parent.GenerateAudio,
		Model:                    parent.Model,
	}
}

// Get returns a generation owned by userID.
func (s *Service) Get(ctx context.Context, userID uint64, id string) (*Record, error) {
	rec, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.UserID != userID {
		return nil, ErrRecordNotFound
	}
	return rec, nil
}

func (s *Service) List(ctx context.Context, userID uint64, limit int, beforeID string) ([]Record, error) {
	return s.repo.ListTopLevel(ctx, userID, limit, beforeID)
}

func (s *Service) enqueue(ctx context.Context, job Job) error {
	if s.opts.Jobs != nil {
		return s.opts.Jobs.Enqueue(ctx, job)
	}
	go func() {
		jctx := logger.WithRequestID(context.Background(), "job:"+string(job.Type)+":"+job.GenerationID)
		err := s.ProcessJob(jctx, job)
		if err == nil {
			return
		}
		log := logger.FromContext(jctx).WithError(err)
		log.Error("inline media job failed")
		// inline jobs are not retried
		if aerr := s.AbandonJob(jctx, job); aerr != nil {
			log.WithField("abandon_error", aerr.Error()).WithField("alert", true).Error("could not resolve abandoned job")
		}
	}()
	return nil
}
