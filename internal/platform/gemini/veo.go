package gemini

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/phrazzld/mediagen/internal/generation"
	"google.golang.org/genai"
)

// VeoConfig configures a VeoProvider.
type VeoConfig struct {
	Model string

	// DefaultAspectRatio applies when the task metadata names none
	DefaultAspectRatio string

	// OutputGCSURI makes Vertex AI write videos to Cloud Storage
	OutputGCSURI string
}

// VeoProvider starts long-running video operations. The operation name is the
// job handle.
type VeoProvider struct {
	models     ModelsAPI
	operations OperationsAPI
	assets     AssetWriter
	config     VeoConfig
	logger     *slog.Logger
}

var _ generation.Provider = (*VeoProvider)(nil)

// NewVeoProvider creates a VeoProvider.
func NewVeoProvider(models ModelsAPI, operations OperationsAPI, assets AssetWriter, config VeoConfig, logger *slog.Logger) (*VeoProvider, error) {
	if models == nil || operations == nil || assets == nil {
		return nil, fmt.Errorf("%w: models, operations and asset writer are required", generation.ErrInvalidConfig)
	}
	if config.Model == "" {
		return nil, fmt.Errorf("%w: video model cannot be empty", generation.ErrInvalidConfig)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &VeoProvider{
		models:     models,
		operations: operations,
		assets:     assets,
		config:     config,
		logger:     logger.With(slog.String("component", "veo_provider")),
	}, nil
}

// Name implements generation.Provider.
func (p *VeoProvider) Name() string { return "veo" }

// Submit implements generation.Provider.
func (p *VeoProvider) Submit(ctx context.Context, req generation.Request) (generation.Outcome, error) {
	params, err := parseParams(req)
	if err == nil {
		err = requirePrompt(params)
	}
	if err != nil {
		return generation.FailedWith(generation.Classify(err)), nil
	}

	cfg := &genai.GenerateVideosConfig{
		NumberOfVideos: 1,
		NegativePrompt: params.NegativePrompt,
		AspectRatio:    params.AspectRatio,
		OutputGCSURI:   p.config.OutputGCSURI,
	}
	if cfg.AspectRatio == "" {
		cfg.AspectRatio = p.config.DefaultAspectRatio
	}
	if params.DurationSeconds > 0 {
		d := params.DurationSeconds
		cfg.DurationSeconds = &d
	}

	op, err := p.models.GenerateVideos(ctx, p.config.Model, params.Prompt, nil, cfg)
	if err != nil {
		p.logger.WarnContext(ctx, "video generation call failed",
			"task_id", req.TaskID,
			"error", err)
		return generation.FailedWith(classifyError(err)), nil
	}
	if op == nil {
		return generation.Failed(generation.ReasonUnknown, "no operation returned"), nil
	}

	// a fast operation may already be done
	if op.Done {
		return p.finish(ctx, assetName(req), op)
	}
	if op.Name == "" {
		return generation.Failed(generation.ReasonUnknown, "operation has no name"), nil
	}
	return generation.Pending(encodeHandle(op.Name, assetName(req))), nil
}

// Poll implements generation.Provider.
func (p *VeoProvider) Poll(ctx context.Context, handle string) (generation.Outcome, error) {
	name, asset := decodeHandle(handle)
	op, err := p.operations.GetVideosOperation(ctx, &genai.GenerateVideosOperation{Name: name}, nil)
	if err != nil {
		return generation.Outcome{}, fmt.Errorf("failed to fetch operation %s: %w", name, err)
	}
	if op == nil || !op.Done {
		return generation.Running(), nil
	}
	return p.finish(ctx, asset, op)
}

// Cancel implements generation.Provider. Video operations cannot be cancelled
// through the API, so the job runs out and its result is dropped.
func (p *VeoProvider) Cancel(ctx context.Context, handle string) (bool, error) {
	return false, nil
}

func (p *VeoProvider) finish(ctx context.Context, asset string, op *genai.GenerateVideosOperation) (generation.Outcome, error) {
	if len(op.Error) > 0 {
		return generation.FailedWith(operationError(op.Error)), nil
	}

	resp := op.Response
	if resp == nil || len(resp.GeneratedVideos) == 0 || resp.GeneratedVideos[0].Video == nil {
		if resp != nil && resp.RAIMediaFilteredCount > 0 {
			return generation.FailedWith(moderation(strings.Join(resp.RAIMediaFilteredReasons, "; "))), nil
		}
		return generation.Failed(generation.ReasonUnknown, "operation finished without a video"), nil
	}

	video := resp.GeneratedVideos[0].Video
	if video.URI != "" {
		return generation.Succeeded(video.URI), nil
	}
	if len(video.VideoBytes) == 0 {
		return generation.Failed(generation.ReasonUnknown, "video carried no data"), nil
	}

	ref, err := p.assets.WriteAsset(ctx, asset, mimeOr(video.MIMEType, "video/mp4"), video.VideoBytes)
	if err != nil {
		return generation.Outcome{}, fmt.Errorf("failed to store video: %w", err)
	}
	return generation.Succeeded(ref), nil
}

// handleSeparator never appears in operation names.
const handleSeparator = "|"

// encodeHandle keeps the asset name next to the operation name so a poll
// after a restart writes to the same place.
func encodeHandle(operation, asset string) string {
	return operation + handleSeparator + asset
}

func decodeHandle(handle string) (operation, asset string) {
	operation, asset, found := strings.Cut(handle, handleSeparator)
	if !found || asset == "" {
		asset = "video-" + strings.ReplaceAll(operation, "/", "-")
	}
	return operation, asset
}
