package gemini

import (
	"context"
	"log/slog"

	"github.com/phrazzld/mediagen/internal/config"
)

// Providers groups the adapters built from one client.
type Providers struct {
	Image  *ImagenProvider
	Scene  *ImagenProvider
	Video  *VeoProvider
	Speech *SpeechProvider
}

// NewProviders creates a genai client from cfg and builds every adapter on it.
func NewProviders(ctx context.Context, cfg config.GeminiConfig, logger *slog.Logger) (*Providers, error) {
	client, err := NewClient(ctx, cfg)
	if err != nil {
		return nil, err
	}
	assets, err := NewFileAssets(cfg.AssetDir)
	if err != nil {
		return nil, err
	}
	return newProviders(client.Models, client.Operations, assets, cfg, logger)
}

func newProviders(models ModelsAPI, operations OperationsAPI, assets AssetWriter, cfg config.GeminiConfig, logger *slog.Logger) (*Providers, error) {
	// Cloud Storage output is a Vertex AI feature
	gcs := ""
	if cfg.Backend == "vertex" {
		gcs = cfg.OutputGCSURI
	}

	image, err := NewImagenProvider(models, assets, ImagenConfig{
		Model:              cfg.ImageModel,
		DefaultAspectRatio: "1:1",
		OutputGCSURI:       gcs,
	}, logger)
	if err != nil {
		return nil, err
	}
	scene, err := NewImagenProvider(models, assets, ImagenConfig{
		Model:              cfg.ImageModel,
		DefaultAspectRatio: "16:9",
		OutputGCSURI:       gcs,
	}, logger)
	if err != nil {
		return nil, err
	}
	video, err := NewVeoProvider(models, operations, assets, VeoConfig{
		Model:              cfg.VideoModel,
		DefaultAspectRatio: "16:9",
		OutputGCSURI:       gcs,
	}, logger)
	if err != nil {
		return nil, err
	}
	speech, err := NewSpeechProvider(models, assets, SpeechConfig{
		Model: cfg.SpeechModel,
		Voice: cfg.Voice,
	}, logger)
	if err != nil {
		return nil, err
	}

	return &Providers{Image: image, Scene: scene, Video: video, Speech: speech}, nil
}
