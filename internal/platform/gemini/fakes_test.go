package gemini

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/phrazzld/mediagen/internal/generation"
	"google.golang.org/genai"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeModels struct {
	images     *genai.GenerateImagesResponse
	imagesErr  error
	videos     *genai.GenerateVideosOperation
	videosErr  error
	content    *genai.GenerateContentResponse
	contentErr error

	mu         sync.Mutex
	prompts    []string
	imageCfg   *genai.GenerateImagesConfig
	videoCfg   *genai.GenerateVideosConfig
	contentCfg *genai.GenerateContentConfig
	lastModel  string
}

func (f *fakeModels) GenerateImages(ctx context.Context, model string, prompt string, config *genai.GenerateImagesConfig) (*genai.GenerateImagesResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastModel = model
	f.prompts = append(f.prompts, prompt)
	f.imageCfg = config
	return f.images, f.imagesErr
}

func (f *fakeModels) GenerateVideos(ctx context.Context, model string, prompt string, image *genai.Image, config *genai.GenerateVideosConfig) (*genai.GenerateVideosOperation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastModel = model
	f.prompts = append(f.prompts, prompt)
	f.videoCfg = config
	return f.videos, f.videosErr
}

func (f *fakeModels) GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastModel = model
	for _, c := range contents {
		for _, p := range c.Parts {
			f.prompts = append(f.prompts, p.Text)
		}
	}
	f.contentCfg = config
	return f.content, f.contentErr
}

type fakeOperations struct {
	op    *genai.GenerateVideosOperation
	err   error
	names []string
}

func (f *fakeOperations) GetVideosOperation(ctx context.Context, operation *genai.GenerateVideosOperation, config *genai.GetOperationConfig) (*genai.GenerateVideosOperation, error) {
	f.names = append(f.names, operation.Name)
	return f.op, f.err
}

type memoryAssets struct {
	mu     sync.Mutex
	writes map[string][]byte
	mimes  map[string]string
	err    error
}

func newMemoryAssets() *memoryAssets {
	return &memoryAssets{writes: map[string][]byte{}, mimes: map[string]string{}}
}

func (m *memoryAssets) WriteAsset(ctx context.Context, name, mimeType string, data []byte) (string, error) {
	if m.err != nil {
		return "", m.err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writes[name] = data
	m.mimes[name] = mimeType
	return "mem://" + name, nil
}

var testTaskID = uuid.MustParse("7b0e6c1e-4a51-4c5e-9a57-0d3c8a9b1f20")

func request(kind string, metadata any) generation.Request {
	raw, _ := json.Marshal(metadata)
	return generation.Request{
		TaskID:   testTaskID,
		ItemID:   "item-1",
		Kind:     kind,
		Attempt:  1,
		Metadata: raw,
	}
}
