package task

import (
	"context"
	"testing"
	"time"

	"github.com/phrazzld/mediagen/internal/generation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// status reads a task without failing the test, for use in polling conditions.
func (e *testEnv) status(task *GenerationTask) Status {
	got, err := e.store.Get(context.Background(), task.ID)
	if err != nil {
		return ""
	}
	return got.Status
}

func newTestRunner(env *testEnv) *TaskRunner {
	return NewTaskRunner(env.store, env.broker, env.router, env.executor, env.reconciler,
		DefaultTaskRunnerConfig(), testLogger())
}

// fastProfiles keeps the real-time runner tests short.
func fastProfiles() Profiles {
	profiles := testProfiles()
	for typ, p := range profiles {
		p.PollInterval = 10 * time.Millisecond
		p.MaxWait = 5 * time.Second
		p.Backoff = Backoff{Base: 10 * time.Millisecond, Max: 50 * time.Millisecond}
		profiles[typ] = p
	}
	return profiles
}

func TestTaskRunnerEndToEnd(t *testing.T) {
	audio := newFakeProvider("tts")
	audio.submits = []step{
		fails(generation.NewProviderError(generation.ReasonNetwork, "reset", nil)),
		returns(generation.Succeeded("gs://assets/voice.mp3")),
	}
	video := newFakeProvider("veo")
	video.submits = []step{returns(generation.Pending("operations/v1"))}
	video.polls = []step{
		returns(generation.Running()),
		returns(generation.Succeeded("gs://assets/clip.mp4")),
	}

	env := newTestEnvWithProfiles(t, Providers{TypeAudio: audio, TypeVideo: video}, fastProfiles())
	env.realTime()

	runner := newTestRunner(env)
	require.NoError(t, runner.Start())
	defer runner.Stop()

	voice := env.enqueue(t, EnqueueRequest{Type: TypeAudio, ItemID: "line-1"})
	clip := env.enqueue(t, EnqueueRequest{Type: TypeVideo, ItemID: "scene-1"})

	assert.Eventually(t, func() bool {
		return env.status(voice) == StatusCompleted && env.status(clip) == StatusCompleted
	}, 3*time.Second, 10*time.Millisecond)

	got := env.get(t, voice)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, "gs://assets/voice.mp3", got.AssetRef)
	assert.Equal(t, "gs://assets/clip.mp4", env.get(t, clip).AssetRef)

	assert.Len(t, env.sink.ForTask(t, voice.ID.String()), 1)
	assert.Len(t, env.sink.ForTask(t, clip.ID.String()), 1)

	assert.Eventually(t, func() bool { return env.broker.Inflight() == 0 }, time.Second, 10*time.Millisecond)
}

func TestTaskRunnerStop(t *testing.T) {
	env, _ := imageEnv(t)
	runner := newTestRunner(env)
	require.NoError(t, runner.Start())

	done := make(chan struct{})
	go func() {
		runner.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("runner did not stop")
	}
}

func TestTaskRunnerInvalidSchedule(t *testing.T) {
	env, _ := imageEnv(t)
	config := DefaultTaskRunnerConfig()
	config.SweepSchedule = "every now and then"
	runner := NewTaskRunner(env.store, env.broker, env.router, env.executor, env.reconciler, config, testLogger())

	err := runner.Start()
	assert.Error(t, err)
	runner.Stop()
}

func TestTaskRunnerRecover(t *testing.T) {
	ctx := context.Background()
	env, provider := imageEnv(t)

	// Tasks written straight to the store, as if the process had restarted
	queued := newQueuedTask()
	queued.ItemID = "queued"
	require.NoError(t, env.store.Create(ctx, queued))

	pending := newQueuedTask()
	pending.ItemID = "pending"
	require.NoError(t, env.store.Create(ctx, pending))
	provider.submits = []step{returns(generation.Pending("op-7"))}
	env.run(t, pending)
	env.reconciler.Forget(pending.ID)

	interrupted := newQueuedTask()
	interrupted.ItemID = "interrupted"
	require.NoError(t, env.store.Create(ctx, interrupted))
	claimed := interrupted.Clone()
	claimed.Status = StatusProcessing
	claimed.StartedAt = timePtr(env.clock.Now())
	require.NoError(t, env.store.Transition(ctx, claimed, StatusQueued))

	require.Equal(t, 0, env.broker.Pending("generation.image"))
	require.Equal(t, 0, env.reconciler.Tracked())

	runner := newTestRunner(env)
	require.NoError(t, runner.Recover(ctx))

	// queued and interrupted are both waiting on the image queue again
	assert.Equal(t, 2, env.broker.Pending("generation.image"))
	assert.Equal(t, 1, env.reconciler.Tracked())

	got := env.get(t, interrupted)
	assert.Equal(t, StatusQueued, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, StatusQueued, env.get(t, queued).Status)
	assert.Equal(t, StatusProcessing, env.get(t, pending).Status)
}

// blockFirstSubmit holds the first attempt inside Submit until release is
// closed. It returns a channel that is closed once that attempt has entered.
func blockFirstSubmit(provider *fakeProvider, release <-chan struct{}) <-chan struct{} {
	entered := make(chan struct{})
	provider.onSubmit = func(req generation.Request) {
		if req.Attempt == 1 {
			close(entered)
			<-release
		}
	}
	return entered
}

func TestTaskRunnerRecoverLeavesLiveClaim(t *testing.T) {
	ctx := context.Background()
	env, provider := imageEnv(t)
	provider.submits = []step{returns(generation.Pending("op-1")), returns(generation.Pending("op-2"))}

	release := make(chan struct{})
	entered := blockFirstSubmit(provider, release)

	task := env.enqueue(t, EnqueueRequest{Type: TypeImage, ItemID: "live"})
	done := make(chan error, 1)
	go func() { done <- env.executor.Run(ctx, NewMessage(task)) }()
	<-entered

	// Another process starts while the claim is seconds old
	runner := newTestRunner(env)
	runner.now = env.clock.Now
	require.NoError(t, runner.Recover(ctx))

	got := env.get(t, task)
	assert.Equal(t, StatusProcessing, got.Status)
	assert.Equal(t, 0, got.RetryCount)

	close(release)
	require.NoError(t, <-done)

	got = env.get(t, task)
	assert.Equal(t, StatusProcessing, got.Status)
	assert.Equal(t, "op-1", got.ExternalHandle)
	assert.Equal(t, 0, got.RetryCount)
	assert.Equal(t, 1, provider.SubmitCount())
	assert.Empty(t, provider.CancelCalls())
}

func TestTaskRunnerRecoveredClaimRejectsLateHandle(t *testing.T) {
	ctx := context.Background()
	env, provider := imageEnv(t)
	provider.submits = []step{returns(generation.Pending("op-1")), returns(generation.Pending("op-2"))}

	release := make(chan struct{})
	entered := blockFirstSubmit(provider, release)

	task := env.enqueue(t, EnqueueRequest{Type: TypeImage, ItemID: "slow"})
	done := make(chan error, 1)
	go func() { done <- env.executor.Run(ctx, NewMessage(task)) }()
	<-entered

	// The first attempt outlives StuckTaskAge and is taken over
	runner := newTestRunner(env)
	runner.now = func() time.Time { return env.clock.Now().Add(time.Hour) }
	require.NoError(t, runner.Recover(ctx))

	got := env.get(t, task)
	require.Equal(t, StatusQueued, got.Status)
	require.Equal(t, 1, got.RetryCount)

	// A second worker runs the retry
	env.clock.Advance(time.Minute)
	env.run(t, got)
	got = env.get(t, task)
	require.Equal(t, "op-2", got.ExternalHandle)

	// The first attempt's handle no longer applies and its job is cancelled
	close(release)
	require.NoError(t, <-done)

	got = env.get(t, task)
	assert.Equal(t, StatusProcessing, got.Status)
	assert.Equal(t, "op-2", got.ExternalHandle)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, 2, provider.SubmitCount())
	assert.Equal(t, []string{"op-1"}, provider.CancelCalls())
}

func TestTaskRunnerRecoverFailsUnroutable(t *testing.T) {
	ctx := context.Background()
	env := newTestEnvWithProfiles(t, Providers{}, Profiles{TypeImage: testProfiles()[TypeImage]})

	orphan := newQueuedTask()
	orphan.Type = TypeScene
	orphan.QueueName = QueueName(TypeScene)
	require.NoError(t, env.store.Create(ctx, orphan))

	runner := newTestRunner(env)
	require.NoError(t, runner.Recover(ctx))

	got := env.get(t, orphan)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, generation.ReasonValidation, got.FailureReason)
	assert.Equal(t, 0, env.broker.Pending("generation.scene"))
}

func TestTaskRunnerRequeueSweep(t *testing.T) {
	ctx := context.Background()
	env, _ := imageEnv(t)

	// A queued task whose ready signal was lost long ago
	lost := newQueuedTask()
	require.NoError(t, env.store.Create(ctx, lost))
	require.Equal(t, 0, env.broker.Pending("generation.image"))

	// A queued task that only just became available is left alone
	fresh := newQueuedTask()
	fresh.ItemID = "fresh"
	fresh.CreatedAt = time.Now()
	fresh.AvailableAt = time.Now()
	require.NoError(t, env.store.Create(ctx, fresh))

	runner := newTestRunner(env)
	runner.RequeueSweep(ctx)
	assert.Equal(t, 1, env.broker.Pending("generation.image"))

	// Sweeping again does not pile up duplicate signals
	runner.RequeueSweep(ctx)
	assert.Equal(t, 1, env.broker.Pending("generation.image"))
}

func TestTaskRunnerStuckClaimSweep(t *testing.T) {
	ctx := context.Background()
	env, provider := imageEnv(t)

	provider.submits = []step{returns(generation.Pending("op-1"))}
	pending := env.enqueue(t, EnqueueRequest{Type: TypeImage, ItemID: "pending"})
	env.run(t, pending)

	stuck := env.enqueue(t, EnqueueRequest{Type: TypeImage, ItemID: "stuck"})
	claimed := env.get(t, stuck)
	claimed.Status = StatusProcessing
	claimed.StartedAt = timePtr(env.clock.Now())
	require.NoError(t, env.store.Transition(ctx, claimed, StatusQueued))

	recent := env.enqueue(t, EnqueueRequest{Type: TypeImage, ItemID: "recent"})
	claimedRecently := env.get(t, recent)
	claimedRecently.Status = StatusProcessing
	claimedRecently.StartedAt = timePtr(time.Now())
	require.NoError(t, env.store.Transition(ctx, claimedRecently, StatusQueued))

	runner := newTestRunner(env)
	runner.StuckClaimSweep(ctx)

	got := env.get(t, stuck)
	assert.Equal(t, StatusQueued, got.Status)
	assert.Equal(t, 1, got.RetryCount)

	assert.Equal(t, StatusProcessing, env.get(t, recent).Status)
	assert.Equal(t, StatusProcessing, env.get(t, pending).Status)
}
