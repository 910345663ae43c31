package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/suPer8Hu/videogen-platform/internal/ai"
	"github.com/suPer8Hu/videogen-platform/internal/config"
	"github.com/suPer8Hu/videogen-platform/internal/db"
	"github.com/suPer8Hu/videogen-platform/internal/generation"
	"github.com/suPer8Hu/videogen-platform/internal/ledger"
	"github.com/suPer8Hu/videogen-platform/internal/logger"
	"github.com/suPer8Hu/videogen-platform/internal/media"
	"github.com/suPer8Hu/videogen-platform/internal/payments"
	"github.com/suPer8Hu/videogen-platform/internal/store/objectstore"
	"github.com/suPer8Hu/videogen-platform/internal/store/rabbitmq"
	"github.com/suPer8Hu/videogen-platform/internal/store/redisstore"
	"gorm.io/gorm"
)

// App holds the wired dependencies shared by the api and worker processes.
type App struct {
	Cfg       config.Config
	DB        *gorm.DB
	Ledger    *ledger.Ledger
	Gen       *generation.Service
	Payments  *payments.Service
	Publisher *rabbitmq.Publisher

	closers []func() error
}

// Build connects every backing service named by cfg. When queue is false
// media jobs run in-process regardless of JOB_MODE.
func Build(ctx context.Context, cfg config.Config, queue bool) (*App, error) {
	log := logger.Get()
	a := &App{Cfg: cfg}

	gdb, err := db.Connect(cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		return nil, fmt.Errorf("db connect: %w", err)
	}
	if err := db.Migrate(gdb); err != nil {
		return nil, fmt.Errorf("db migrate: %w", err)
	}
	a.DB = gdb
	a.Ledger = ledger.New(gdb)

	opts := generation.Options{
		Policy: generation.Policy{
			MinSeconds: cfg.MinDurationSeconds,
			MaxSeconds: cfg.MaxDurationSeconds,
			Prices:     generation.DefaultPolicy().Prices,
		},
		DefaultResolution: cfg.DefaultResolution,
	}

	// redis is optional; the DB conditional updates stay authoritative
	if cfg.RedisAddr != "" {
		rdb, err := redisstore.NewClient(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			log.WithError(err).Warn("redis unavailable, continuing without locks and dedupe")
		} else {
			rs := redisstore.New(rdb)
			opts.Locks = rs
			opts.Dedupe = rs
			a.closers = append(a.closers, rdb.Close)
		}
	}

	store, err := objectstore.New(ctx, objectstore.Config{
		Endpoint:  cfg.S3Endpoint,
		AccessKey: cfg.S3AccessKey,
		SecretKey: cfg.S3SecretKey,
		Bucket:    cfg.S3Bucket,
		UseSSL:    cfg.S3UseSSL,
		Region:    cfg.S3Region,
		PublicURL: cfg.S3PublicURL,
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("object store: %w", err)
	}
	opts.Storage = store
	opts.Stitch = media.NewStitcher(cfg.FFmpegPath, store, cfg.StitchTimeout)
	opts.Frames = media.NewFrameExtractor(cfg.FFmpegPath, store, cfg.FrameExtractTimeout)

	if queue && cfg.JobMode == config.JobModeQueue {
		pub, err := rabbitmq.NewPublisher(cfg.RabbitURL, cfg.RabbitQueue)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("rabbit publisher: %w", err)
		}
		a.Publisher = pub
		opts.Jobs = pub
		a.closers = append(a.closers, pub.Close)
	}

	reg := ai.NewRegistry()
	reg.Register("replicate", func(ctx context.Context, model string) (ai.Provider, error) {
		_ = ctx
		m := strings.TrimSpace(model)
		if m == "" {
			m = cfg.VideoModel
		}
		return ai.NewReplicateProvider(cfg.ReplicateBaseURL, cfg.ReplicateAPIToken, m), nil
	})
	dispatcher := generation.NewDispatcher(reg, generation.DispatcherConfig{
		Provider:      cfg.VideoProvider,
		VideoModel:    cfg.VideoModel,
		AudioModel:    cfg.AudioModel,
		PublicBaseURL: cfg.PublicBaseURL,
		WebhookSecret: cfg.WebhookSecret,
	})

	a.Gen = generation.NewService(generation.NewRepo(gdb), a.Ledger, dispatcher, opts)

	if cfg.StripeSecretKey != "" {
		a.Payments = payments.NewService(payments.NewStripeVerifier(cfg.StripeBaseURL, cfg.StripeSecretKey), a.Ledger)
	}

	log.WithFields(logrus.Fields{
		"db_driver":   cfg.DBDriver,
		"job_mode":    cfg.JobMode,
		"provider":    cfg.VideoProvider,
		"video_model": cfg.VideoModel,
		"audio":       dispatcher.AudioEnabled(),
		"payments":    a.Payments != nil,
	}).Info("dependencies ready")
	return a, nil
}

func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			logger.Get().WithError(err).Warn("close failed")
		}
	}
	a.closers = nil
	if a.DB != nil {
		if sqlDB, err := a.DB.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
}
