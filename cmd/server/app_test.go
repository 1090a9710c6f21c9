package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/phrazzld/mediagen/internal/config"
	"github.com/phrazzld/mediagen/internal/task"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestProfilesFromConfig(t *testing.T) {
	defaults := task.DefaultProfiles()

	profiles := profilesFromConfig(map[string]config.TypeConfig{
		"video": {Workers: 6, MaxWait: time.Hour, BackoffMax: 10 * time.Minute},
		"audio": {BaselinePriority: 9},
		"bogus": {Workers: 99},
	})

	require.Len(t, profiles, len(defaults))

	video := profiles[task.TypeVideo]
	assert.Equal(t, 6, video.Workers)
	assert.Equal(t, time.Hour, video.MaxWait)
	assert.Equal(t, 10*time.Minute, video.Backoff.Max)
	assert.Equal(t, defaults[task.TypeVideo].Backoff.Base, video.Backoff.Base)
	assert.Equal(t, defaults[task.TypeVideo].BaselinePriority, video.BaselinePriority)

	assert.Equal(t, 9, profiles[task.TypeAudio].BaselinePriority)
	assert.Equal(t, defaults[task.TypeImage], profiles[task.TypeImage])
}

func TestReconcilerConfig(t *testing.T) {
	out := reconcilerConfig(config.ReconcilerConfig{
		Shards:           8,
		PollTimeout:      time.Minute,
		RetryDelay:       time.Second,
		SweepBatch:       50,
		DefaultRateLimit: config.RateLimitConfig{PerSecond: 2, Burst: 4},
		RateLimits: map[string]config.RateLimitConfig{
			"veo": {PerSecond: 0.5, Burst: 1},
		},
	})

	assert.Equal(t, 8, out.Shards)
	assert.Equal(t, time.Minute, out.PollTimeout)
	assert.Equal(t, 50, out.SweepBatch)
	assert.Equal(t, task.RateLimit{PerSecond: 2, Burst: 4}, out.DefaultRateLimit)
	assert.Equal(t, task.RateLimit{PerSecond: 0.5, Burst: 1}, out.ProviderRateLimits["veo"])

	assert.Nil(t, reconcilerConfig(config.ReconcilerConfig{}).ProviderRateLimits)
}

func TestNewApplicationInMemory(t *testing.T) {
	cfg, err := config.Load()
	require.NoError(t, err)
	cfg.Database.URL = ""
	cfg.Broker.Backend = "memory"
	cfg.Gemini.APIKey = ""
	cfg.Gemini.Backend = "gemini"
	cfg.Notify.WebhookURL = ""
	cfg.Tracing.Enabled = false

	app, err := newApplication(context.Background(), cfg, testLogger())
	require.NoError(t, err)
	t.Cleanup(app.cleanup)

	rec := httptest.NewRecorder()
	app.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	body := bytes.NewBufferString(`{"user_id":"u1","task_type":"audio","item_id":"line-4","metadata":{"text":"hello"}}`)
	rec = httptest.NewRecorder()
	app.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/tasks", body))
	require.Equal(t, http.StatusCreated, rec.Code)

	var created struct {
		ID       string `json:"id"`
		Priority int    `json:"priority"`
		Status   string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, task.DefaultProfiles()[task.TypeAudio].BaselinePriority, created.Priority)
	assert.Equal(t, "queued", created.Status)

	rec = httptest.NewRecorder()
	app.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/tasks/"+created.ID+"/cancel", nil))
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestNewApplicationRedisUnreachable(t *testing.T) {
	cfg, err := config.Load()
	require.NoError(t, err)
	cfg.Database.URL = ""
	cfg.Broker.Backend = "redis"
	cfg.Redis.Addr = "127.0.0.1:1"

	app, err := newApplication(context.Background(), cfg, testLogger())
	require.Error(t, err)
	assert.Nil(t, app)
	assert.Contains(t, err.Error(), "redis")
}

func TestServeShutsDownOnCancel(t *testing.T) {
	server := &http.Server{
		Addr:              "127.0.0.1:0",
		Handler:           http.NotFoundHandler(),
		ReadHeaderTimeout: time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- serve(ctx, server, time.Second, testLogger()) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not return after cancellation")
	}
}
