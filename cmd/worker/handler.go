package main

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
	"github.com/suPer8Hu/videogen-platform/internal/generation"
	"github.com/suPer8Hu/videogen-platform/internal/logger"
	"github.com/suPer8Hu/videogen-platform/internal/store/rabbitmq"
)

const defaultMaxAttempts = 5

var errBadMessage = errors.New("bad job message")

type processor interface {
	ProcessJob(ctx context.Context, job generation.Job) error
	AbandonJob(ctx context.Context, job generation.Job) error
}

type retrier interface {
	Retry(ctx context.Context, d amqp.Delivery, attempt int, delay time.Duration) error
}

type jobHandler struct {
	proc        processor
	retry       retrier
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
}

// handle runs one delivery. Failed jobs go to the retry queue with backoff
// until maxAttempts; then the job is abandoned and the delivery goes to the
// DLQ via nack without requeue.
func (h *jobHandler) handle(ctx context.Context, workerID int, d amqp.Delivery) {
	log := logger.Get().WithField("worker", workerID)

	var job generation.Job
	if err := json.Unmarshal(d.Body, &job); err != nil || job.GenerationID == "" {
		log.WithError(errors.Join(errBadMessage, err)).Warn("dropping message")
		_ = d.Nack(false, false)
		return
	}
	log = log.WithFields(logrus.Fields{"job": job.Type, "generation_id": job.GenerationID})

	start := time.Now()
	err := h.proc.ProcessJob(ctx, job)
	if err == nil {
		if time.Since(start) > 30*time.Second {
			log.WithField("cost", time.Since(start).String()).Info("slow job")
		}
		if err := d.Ack(false); err != nil {
			log.WithError(err).Warn("ack failed")
		}
		return
	}

	attempt := rabbitmq.Attempt(d) + 1
	log = log.WithError(err).WithField("attempt", attempt)
	if errors.Is(err, generation.ErrUnknownJob) || attempt >= h.maxAttempts {
		log.Error("job failed, sending to dead letter queue")
		if aerr := h.proc.AbandonJob(ctx, job); aerr != nil {
			// keep the delivery so a later attempt can still resolve the chain
			log.WithField("abandon_error", aerr.Error()).WithField("alert", true).Error("could not resolve abandoned job")
			if rerr := h.retry.Retry(ctx, d, attempt, h.maxDelay); rerr != nil {
				_ = d.Nack(false, true)
				return
			}
			_ = d.Ack(false)
			return
		}
		_ = d.Nack(false, false)
		return
	}

	delay := rabbitmq.Backoff(attempt-1, h.baseDelay, h.maxDelay)
	if rerr := h.retry.Retry(ctx, d, attempt, delay); rerr != nil {
		log.WithField("retry_error", rerr.Error()).Error("retry publish failed, requeueing")
		_ = d.Nack(false, true)
		return
	}
	log.WithField("delay", delay.String()).Warn("job failed, scheduled retry")
	_ = d.Ack(false)
}
