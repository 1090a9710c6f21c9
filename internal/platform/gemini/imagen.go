package gemini

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/phrazzld/mediagen/internal/generation"
	"google.golang.org/genai"
)

// ImagenConfig configures an ImagenProvider.
type ImagenConfig struct {
	Model string

	// DefaultAspectRatio applies when the task metadata names none
	DefaultAspectRatio string

	// OutputGCSURI makes Vertex AI write images to Cloud Storage
	OutputGCSURI string
}

// ImagenProvider generates images synchronously. Submit returns Succeeded or
// Failed and never a handle.
type ImagenProvider struct {
	models ModelsAPI
	assets AssetWriter
	config ImagenConfig
	logger *slog.Logger
}

var _ generation.Provider = (*ImagenProvider)(nil)

// NewImagenProvider creates an ImagenProvider.
func NewImagenProvider(models ModelsAPI, assets AssetWriter, config ImagenConfig, logger *slog.Logger) (*ImagenProvider, error) {
	if models == nil || assets == nil {
		return nil, fmt.Errorf("%w: models client and asset writer are required", generation.ErrInvalidConfig)
	}
	if config.Model == "" {
		return nil, fmt.Errorf("%w: image model cannot be empty", generation.ErrInvalidConfig)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ImagenProvider{
		models: models,
		assets: assets,
		config: config,
		logger: logger.With(slog.String("component", "imagen_provider")),
	}, nil
}

// Name implements generation.Provider.
func (p *ImagenProvider) Name() string { return "imagen" }

// Submit implements generation.Provider.
func (p *ImagenProvider) Submit(ctx context.Context, req generation.Request) (generation.Outcome, error) {
	params, err := parseParams(req)
	if err == nil {
		err = requirePrompt(params)
	}
	if err != nil {
		return generation.FailedWith(generation.Classify(err)), nil
	}

	aspect := params.AspectRatio
	if aspect == "" {
		aspect = p.config.DefaultAspectRatio
	}

	resp, err := p.models.GenerateImages(ctx, p.config.Model, params.Prompt, &genai.GenerateImagesConfig{
		NumberOfImages:   1,
		NegativePrompt:   params.NegativePrompt,
		AspectRatio:      aspect,
		OutputGCSURI:     p.config.OutputGCSURI,
		IncludeRAIReason: true,
	})
	if err != nil {
		p.logger.WarnContext(ctx, "image generation call failed",
			"task_id", req.TaskID,
			"error", err)
		return generation.FailedWith(classifyError(err)), nil
	}

	if resp == nil || len(resp.GeneratedImages) == 0 {
		return generation.FailedWith(moderation("no image returned, the prompt was likely filtered")), nil
	}

	img := resp.GeneratedImages[0]
	if img.RAIFilteredReason != "" && (img.Image == nil || (len(img.Image.ImageBytes) == 0 && img.Image.GCSURI == "")) {
		return generation.FailedWith(moderation(img.RAIFilteredReason)), nil
	}
	if img.Image == nil {
		return generation.Failed(generation.ReasonUnknown, "image response carried no image"), nil
	}
	if img.Image.GCSURI != "" {
		return generation.Succeeded(img.Image.GCSURI), nil
	}
	if len(img.Image.ImageBytes) == 0 {
		return generation.Failed(generation.ReasonUnknown, "image response carried no data"), nil
	}

	ref, err := p.assets.WriteAsset(ctx, assetName(req), mimeOr(img.Image.MIMEType, "image/png"), img.Image.ImageBytes)
	if err != nil {
		return generation.Outcome{}, fmt.Errorf("failed to store image: %w", err)
	}
	p.logger.DebugContext(ctx, "image stored", "task_id", req.TaskID, "asset_ref", ref)
	return generation.Succeeded(ref), nil
}

// Poll implements generation.Provider. Images are never pending.
func (p *ImagenProvider) Poll(ctx context.Context, handle string) (generation.Outcome, error) {
	return generation.Outcome{}, errors.New("imagen jobs are synchronous and have no handle")
}

// Cancel implements generation.Provider.
func (p *ImagenProvider) Cancel(ctx context.Context, handle string) (bool, error) {
	return false, nil
}

func mimeOr(mimeType, fallback string) string {
	if mimeType == "" {
		return fallback
	}
	return mimeType
}
