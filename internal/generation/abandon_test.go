package generation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/suPer8Hu/videogen-platform/internal/ledger"
)

// driveToStitching runs a 12s chain until its stitch job is queued.
func driveToStitching(t *testing.T, env *testEnv) (string, Job) {
	t.Helper()
	ctx := context.Background()
	res, err := env.svc.Create(ctx, CreateRequest{UserID: 1, ImageRef: "img", Prompt: "p", DurationSeconds: 12, SegmentUnit: 6})
	require.NoError(t, err)
	_, err = env.svc.HandleWebhook(ctx, StageVideo, succeeded("pred-1", "https://r/0.mp4"))
	require.NoError(t, err)
	env.runJobs(t)
	_, err = env.svc.Continue(ctx, ContinueRequest{UserID: 1, ParentID: res.Generation.ID, SegmentIndex: 1, Prompt: "more"})
	require.NoError(t, err)
	out, err := env.svc.HandleWebhook(ctx, StageVideo, succeeded("pred-2", "https://r/1.mp4"))
	require.NoError(t, err)
	require.Equal(t, OutcomeStitching, out)

	require.Len(t, env.queue.jobs, 1)
	job := env.queue.jobs[0]
	env.queue.jobs = nil
	require.Equal(t, Job{Type: JobStitch, GenerationID: res.Generation.ID}, job)
	return res.Generation.ID, job
}

func TestAbandonJob_StitchThatNeverReachedStitcherRefunds(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.seedUser(t, 1, 2)
	id, job := driveToStitching(t, env)
	require.Equal(t, 0, env.balance(t, 1))

	failing := failQueries(t, env.db)
	failing.Store(5)
	for i := 0; i < 5; i++ {
		require.Error(t, env.svc.ProcessJob(ctx, job))
	}
	assert.Equal(t, StatusStitching, rawStatus(t, env.db, id))
	assert.Empty(t, env.stitcher.refs)

	require.NoError(t, env.svc.AbandonJob(ctx, job))
	require.NoError(t, env.svc.AbandonJob(ctx, job))

	assert.Equal(t, StatusFailed, rawStatus(t, env.db, id))
	assert.Equal(t, 2, env.balance(t, 1))
	assert.EqualValues(t, 1, env.countTx(t, 1, ledger.KindRefund))
	assert.EqualValues(t, 0, env.countVideos(t))
}

func TestAbandonJob_LeavesFinishedWorkAlone(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.seedUser(t, 1, 2)
	id, job := driveToStitching(t, env)

	require.NoError(t, env.svc.ProcessJob(ctx, job))
	require.Equal(t, StatusCompleted, rawStatus(t, env.db, id))

	require.NoError(t, env.svc.AbandonJob(ctx, job))
	require.NoError(t, env.svc.AbandonJob(ctx, Job{Type: JobPersistOutput, GenerationID: id}))
	assert.Equal(t, StatusCompleted, rawStatus(t, env.db, id))
	assert.EqualValues(t, 0, env.countTx(t, 1, ledger.KindRefund))
}

func TestInlineStitchFailureResolvesChain(t *testing.T) {
	env := newTestEnv(t)
	env.seedUser(t, 1, 2)
	id, job := driveToStitching(t, env)

	inline := NewService(NewRepo(env.db), env.ledger, env.svc.dispatcher, Options{
		Storage: env.storage,
		Stitch:  env.stitcher,
		Frames:  env.frames,
	})
	failing := failQueries(t, env.db)
	failing.Store(1)
	require.NoError(t, inline.enqueue(context.Background(), job))

	assert.Eventually(t, func() bool {
		return rawStatus(t, env.db, id) == StatusFailed
	}, 5*time.Second, 20*time.Millisecond)
	assert.Empty(t, env.stitcher.refs)
	assert.Equal(t, 2, env.balance(t, 1))
	assert.EqualValues(t, 1, env.countTx(t, 1, ledger.KindRefund))
}
