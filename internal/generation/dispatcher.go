package generation

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/suPer8Hu/videogen-platform/internal/ai"
	"github.com/suPer8Hu/videogen-platform/internal/logger"
)

// DispatcherConfig names the provider and models and where callbacks go.
type DispatcherConfig struct {
	Provider      string
	VideoModel    string
	AudioModel    string
	PublicBaseURL string
	WebhookSecret string
}

// Dispatcher submits predictions. It never writes local state; callers store
// the returned ref right after a successful call.
type Dispatcher struct {
	reg *ai.Registry
	cfg DispatcherConfig
}

func NewDispatcher(reg *ai.Registry, cfg DispatcherConfig) *Dispatcher {
	cfg.PublicBaseURL = strings.TrimRight(cfg.PublicBaseURL, "/")
	return &Dispatcher{reg: reg, cfg: cfg}
}

// SegmentRequest is the input of one video prediction.
type SegmentRequest struct {
	ImageRef        string
	Prompt          string
	DurationSeconds int
	Resolution      string
	GenerateAudio   bool
}

func (d *Dispatcher) VideoModel() string { return d.cfg.VideoModel }

func (d *Dispatcher) AudioEnabled() bool { return strings.TrimSpace(d.cfg.AudioModel) != "" }

// CallbackURL carries the shared secret and the stage discriminator.
func (d *Dispatcher) CallbackURL(stage Stage) string {
	q := url.Values{}
	q.Set("stage", string(stage))
	q.Set("token", d.cfg.WebhookSecret)
	return d.cfg.PublicBaseURL + "/pipeline-webhook?" + q.Encode()
}

func (d *Dispatcher) DispatchSegment(ctx context.Context, req SegmentRequest) (string, error) {
	return d.dispatch(ctx, d.cfg.VideoModel, StageVideo, ai.PredictionInput{
		Image:           req.ImageRef,
		Prompt:          req.Prompt,
		DurationSeconds: req.DurationSeconds,
		Resolution:      req.Resolution,
		GenerateAudio:   req.GenerateAudio,
	})
}

// DispatchAudio sends a finished video to the audio model.
func (d *Dispatcher) DispatchAudio(ctx context.Context, videoRef, prompt string) (string, error) {
	if !d.AudioEnabled() {
		return "", &DispatchError{Reason: ReasonModel, Err: errors.New("no audio model configured")}
	}
	return d.dispatch(ctx, d.cfg.AudioModel, StageAudio, ai.PredictionInput{
		Video:  videoRef,
		Prompt: prompt,
	})
}

func (d *Dispatcher) dispatch(ctx context.Context, model string, stage Stage, in ai.PredictionInput) (string, error) {
	provider, err := d.reg.Get(ctx, d.cfg.Provider, model)
	if err != nil {
		return "", d.classify(stage, model, &DispatchError{Reason: ReasonModel, Err: err})
	}
	ref, err := provider.CreatePrediction(ctx, in, d.CallbackURL(stage))
	if err != nil {
		return "", d.classify(stage, model, err)
	}
	return ref, nil
}

func (d *Dispatcher) classify(stage Stage, model string, err error) error {
	var de *DispatchError
	if !errors.As(err, &de) {
		de = &DispatchError{Reason: reasonFor(err), Err: err}
	}

	entry := logger.Get().WithFields(logrus.Fields{
		"provider": d.cfg.Provider,
		"model":    model,
		"stage":    stage,
		"reason":   de.Reason,
	})
	switch de.Reason {
	case ReasonAuth, ReasonModel:
		entry.WithField("alert", true).WithError(err).Error("prediction dispatch misconfigured")
	default:
		entry.WithError(err).Warn("prediction dispatch failed")
	}
	return de
}

func reasonFor(err error) DispatchReason {
	var apiErr *ai.APIError
	if !errors.As(err, &apiErr) {
		return ReasonUnknown
	}
	switch apiErr.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusPaymentRequired:
		return ReasonAuth
	case http.StatusNotFound:
		return ReasonModel
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return ReasonInput
	}
	return ReasonUnknown
}
