package gemini

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// AssetWriter stores bytes returned inline by a provider and yields the
// reference recorded on the task.
type AssetWriter interface {
	WriteAsset(ctx context.Context, name, mimeType string, data []byte) (string, error)
}

// FileAssets writes assets below a local directory and returns file:// URIs.
type FileAssets struct {
	dir string
}

// NewFileAssets creates the asset directory if needed.
func NewFileAssets(dir string) (*FileAssets, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve asset dir %s: %w", dir, err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create asset dir %s: %w", abs, err)
	}
	return &FileAssets{dir: abs}, nil
}

var _ AssetWriter = (*FileAssets)(nil)

// WriteAsset implements AssetWriter. The file is written under a temporary
// name and renamed so readers never see a partial asset.
func (f *FileAssets) WriteAsset(ctx context.Context, name, mimeType string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	path := filepath.Join(f.dir, filepath.Base(name)+extension(mimeType))
	tmp, err := os.CreateTemp(f.dir, ".asset-*")
	if err != nil {
		return "", fmt.Errorf("failed to create asset file: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return "", fmt.Errorf("failed to write asset: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("failed to close asset: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", fmt.Errorf("failed to store asset: %w", err)
	}
	return "file://" + filepath.ToSlash(path), nil
}

func extension(mimeType string) string {
	mimeType = strings.ToLower(strings.TrimSpace(strings.SplitN(mimeType, ";", 2)[0]))
	switch mimeType {
	case "image/png":
		return ".png"
	case "image/jpeg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	case "video/mp4":
		return ".mp4"
	case "audio/wav", "audio/x-wav":
		return ".wav"
	case "audio/mpeg", "audio/mp3":
		return ".mp3"
	case "audio/l16", "audio/pcm":
		return ".pcm"
	}
	return ".bin"
}
