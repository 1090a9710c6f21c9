package gemini

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/phrazzld/mediagen/internal/generation"
)

// maxPromptLength bounds prompts in runes.
const maxPromptLength = 4000

var aspectRatios = map[string]bool{
	"1:1":  true,
	"3:4":  true,
	"4:3":  true,
	"9:16": true,
	"16:9": true,
}

// params are the generation parameters read from task metadata.
type params struct {
	Prompt          string `json:"prompt"`
	NegativePrompt  string `json:"negative_prompt"`
	AspectRatio     string `json:"aspect_ratio"`
	DurationSeconds int32  `json:"duration_seconds"`

	// speech only
	Text  string `json:"text"`
	Voice string `json:"voice"`
}

// parseParams decodes metadata and validates the fields shared by all
// adapters. Problems are returned wrapped in generation.ErrInvalidRequest.
func parseParams(req generation.Request) (params, error) {
	var p params
	if len(req.Metadata) > 0 {
		if err := json.Unmarshal(req.Metadata, &p); err != nil {
			return params{}, fmt.Errorf("%w: metadata is not a JSON object: %v", generation.ErrInvalidRequest, err)
		}
	}

	p.Prompt = strings.TrimSpace(p.Prompt)
	p.Text = strings.TrimSpace(p.Text)
	if len([]rune(p.Prompt)) > maxPromptLength {
		return params{}, fmt.Errorf("%w: prompt exceeds %d characters", generation.ErrInvalidRequest, maxPromptLength)
	}
	if p.AspectRatio != "" && !aspectRatios[p.AspectRatio] {
		return params{}, fmt.Errorf("%w: unsupported aspect ratio %q", generation.ErrInvalidRequest, p.AspectRatio)
	}
	if p.DurationSeconds < 0 {
		return params{}, fmt.Errorf("%w: duration must not be negative", generation.ErrInvalidRequest)
	}
	return p, nil
}

func requirePrompt(p params) error {
	if p.Prompt == "" {
		return fmt.Errorf("%w: prompt is required", generation.ErrInvalidRequest)
	}
	return nil
}

// assetName is unique per task attempt so a retry never overwrites the
// output of an earlier attempt.
func assetName(req generation.Request) string {
	return fmt.Sprintf("%s-%s-%d", req.Kind, req.TaskID, req.Attempt)
}
