package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
	"github.com/suPer8Hu/videogen-platform/internal/app"
	"github.com/suPer8Hu/videogen-platform/internal/config"
	"github.com/suPer8Hu/videogen-platform/internal/logger"
	"github.com/suPer8Hu/videogen-platform/internal/store/rabbitmq"
)

func main() {
	cfg := config.Load()
	logger.Init(logger.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, File: cfg.LogFile})
	log := logger.Get()

	if cfg.JobMode != config.JobModeQueue {
		log.Warn("JOB_MODE is not queue, media jobs run inside the api process")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg, true)
	if err != nil {
		log.WithError(err).Fatal("startup failed")
	}
	defer a.Close()
	if a.Publisher == nil {
		log.Fatal("worker requires JOB_MODE=queue")
	}

	conn, err := amqp.Dial(cfg.RabbitURL)
	if err != nil {
		log.WithError(err).Fatal("rabbit dial")
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		log.WithError(err).Fatal("rabbit channel")
	}
	defer ch.Close()

	if err := rabbitmq.DeclareTopology(ch, cfg.RabbitQueue); err != nil {
		log.WithError(err).Fatal("queue declare")
	}

	//  strict concurrency control
	concurrency := cfg.WorkerConcurrency
	if err := ch.Qos(concurrency, 0, false); err != nil {
		log.WithError(err).Fatal("qos")
	}

	msgs, err := ch.Consume(cfg.RabbitQueue, "", false, false, false, false, nil)
	if err != nil {
		log.WithError(err).Fatal("consume")
	}

	log.WithFields(logrus.Fields{"queue": cfg.RabbitQueue, "concurrency": concurrency}).Info("worker started")

	h := &jobHandler{
		proc:        a.Gen,
		retry:       a.Publisher,
		maxAttempts: defaultMaxAttempts,
		baseDelay:   2 * time.Second,
		maxDelay:    2 * time.Minute,
	}

	// worker pool
	jobs := make(chan amqp.Delivery, concurrency*2)

	var wg sync.WaitGroup
	wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go func(workerID int) {
			defer wg.Done()
			for d := range jobs {
				h.handle(ctx, workerID, d)
			}
		}(i)
	}

	// dispatcher
	for {
		select {
		case <-ctx.Done():
			log.Info("worker shutting down")
			close(jobs)
			wg.Wait()
			return

		case d, ok := <-msgs:
			if !ok {
				log.Error("delivery channel closed")
				close(jobs)
				wg.Wait()
				os.Exit(1)
			}
			jobs <- d
		}
	}
}

var _ retrier = (*rabbitmq.Publisher)(nil)
