package generation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	gormsqlite "github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/suPer8Hu/videogen-platform/internal/ai"
	"github.com/suPer8Hu/videogen-platform/internal/ledger"
	"github.com/suPer8Hu/videogen-platform/internal/models"
	"gorm.io/gorm"
)

type fakeProvider struct {
	mu     sync.Mutex
	n      int
	err    error
	inputs []ai.PredictionInput
	hooks  []string
}

func (p *fakeProvider) CreatePrediction(ctx context.Context, in ai.PredictionInput, webhookURL string) (string, error) {
	_ = ctx
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return "", p.err
	}
	p.n++
	p.inputs = append(p.inputs, in)
	p.hooks = append(p.hooks, webhookURL)
	return fmt.Sprintf("pred-%d", p.n), nil
}

func (p *fakeProvider) last() ai.PredictionInput {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inputs[len(p.inputs)-1]
}

type recordingQueue struct {
	jobs []Job
}

func (q *recordingQueue) Enqueue(_ context.Context, job Job) error {
	q.jobs = append(q.jobs, job)
	return nil
}

type fakeStorage struct {
	calls int
}

func (s *fakeStorage) PersistFromURL(_ context.Context, srcURL, key, _ string) (string, error) {
	s.calls++
	return "s3://videogen/" + key, nil
}

type fakeStitcher struct {
	refs []string
	err  error
}

func (f *fakeStitcher) Stitch(_ context.Context, refs []string, key string) (string, error) {
	f.refs = append([]string(nil), refs...)
	if f.err != nil {
		return "", f.err
	}
	return "s3://videogen/" + key, nil
}

type fakeFrames struct {
	calls int
	err   error
}

func (f *fakeFrames) ExtractLastFrame(_ context.Context, videoRef, key string) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return "s3://videogen/" + key, nil
}

type memDedupe struct {
	seen map[string]bool
}

func (d *memDedupe) Seen(_ context.Context, key string) (bool, error) { return d.seen[key], nil }

func (d *memDedupe) Mark(_ context.Context, key string, _ time.Duration) error {
	d.seen[key] = true
	return nil
}

type testEnv struct {
	db       *gorm.DB
	svc      *Service
	ledger   *ledger.Ledger
	prov     *fakeProvider
	queue    *recordingQueue
	storage  *fakeStorage
	stitcher *fakeStitcher
	frames   *fakeFrames
}

type envOption func(*Options, *DispatcherConfig)

func withAudio(model string) envOption {
	return func(_ *Options, dc *DispatcherConfig) { dc.AudioModel = model }
}

func withDedupe() envOption {
	return func(o *Options, _ *DispatcherConfig) { o.Dedupe = &memDedupe{seen: map[string]bool{}} }
}

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(gormsqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := db.AutoMigrate(&models.User{}, &ledger.Transaction{}, &Record{}, &SegmentPlan{}, &Video{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

func newTestEnv(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()
	db := openTestDB(t)

	prov := &fakeProvider{}
	reg := ai.NewRegistry()
	reg.Register("fake", func(ctx context.Context, model string) (ai.Provider, error) {
		_ = ctx
		_ = model
		return prov, nil
	})

	dc := DispatcherConfig{
		Provider:      "fake",
		VideoModel:    "bytedance/seedance-1-lite",
		PublicBaseURL: "https://api.example.com",
		WebhookSecret: "s3cret",
	}
	env := &testEnv{
		db:       db,
		ledger:   ledger.New(db),
		prov:     prov,
		queue:    &recordingQueue{},
		storage:  &fakeStorage{},
		stitcher: &fakeStitcher{},
		frames:   &fakeFrames{},
	}
	o := Options{
		Jobs:    env.queue,
		Storage: env.storage,
		Stitch:  env.stitcher,
		Frames:  env.frames,
	}
	for _, opt := range opts {
		opt(&o, &dc)
	}
	env.svc = NewService(NewRepo(db), env.ledger, NewDispatcher(reg, dc), o)
	return env
}

func (e *testEnv) seedUser(t *testing.T, id uint64, credits int) {
	t.Helper()
	require.NoError(t, e.db.Create(&models.User{
		ID:       id,
		Email:    fmt.Sprintf("u%d@example.com", id),
		Username: fmt.Sprintf("u%d", id),
	}).Error)
	if credits > 0 {
		applied, err := e.ledger.Credit(context.Background(), id, credits, fmt.Sprintf("cs_seed_%d", id))
		require.NoError(t, err)
		require.True(t, applied)
	}
}

func (e *testEnv) balance(t *testing.T, userID uint64) int {
	t.Helper()
	b, err := e.ledger.Balance(context.Background(), userID)
	require.NoError(t, err)
	return b
}

func (e *testEnv) countTx(t *testing.T, userID uint64, kind ledger.Kind) int64 {
	t.Helper()
	var n int64
	require.NoError(t, e.db.Model(&ledger.Transaction{}).
		Where("user_id = ? AND kind = ?", userID, kind).Count(&n).Error)
	return n
}

func (e *testEnv) countVideos(t *testing.T) int64 {
	t.Helper()
	var n int64
	require.NoError(t, e.db.Model(&Video{}).Count(&n).Error)
	return n
}

// runJobs drains the queue, including jobs enqueued while draining.
func (e *testEnv) runJobs(t *testing.T) {
	t.Helper()
	for len(e.queue.jobs) > 0 {
		job := e.queue.jobs[0]
		e.queue.jobs = e.queue.jobs[1:]
		require.NoError(t, e.svc.ProcessJob(context.Background(), job), "job %s", job.Type)
	}
}

// failQueries makes the next n ORM queries on db fail as if the database
// were unreachable. Raw/Scan reads are unaffected.
func failQueries(t *testing.T, db *gorm.DB) *atomic.Int32 {
	t.Helper()
	var remaining atomic.Int32
	require.NoError(t, db.Callback().Query().Before("gorm:query").Register("test:unavailable", func(tx *gorm.DB) {
		if remaining.Add(-1) >= 0 {
			_ = tx.AddError(errors.New("db unavailable"))
			return
		}
		remaining.Store(0)
	}))
	return &remaining
}

func rawStatus(t *testing.T, db *gorm.DB, id string) Status {
	t.Helper()
	var st string
	require.NoError(t, db.Raw("SELECT status FROM generations WHERE id = ?", id).Scan(&st).Error)
	return Status(st)
}

func succeeded(ref, url string) ai.Prediction {
	return ai.Prediction{ID: ref, Status: ai.StatusSucceeded, Output: ai.Output{url}}
}

func failed(ref, msg string) ai.Prediction {
	return ai.Prediction{ID: ref, Status: ai.StatusFailed, Error: []byte(fmt.Sprintf("%q", msg))}
}
