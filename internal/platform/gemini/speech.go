package gemini

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/phrazzld/mediagen/internal/generation"
	"google.golang.org/genai"
)

// SpeechConfig configures a SpeechProvider.
type SpeechConfig struct {
	Model string

	// Voice is the prebuilt voice used when the task names none
	Voice string
}

// SpeechProvider synthesizes narration with a speech-capable Gemini model.
// Audio comes back inline as PCM and is stored as WAV.
type SpeechProvider struct {
	models ModelsAPI
	assets AssetWriter
	config SpeechConfig
	logger *slog.Logger
}

var _ generation.Provider = (*SpeechProvider)(nil)

// NewSpeechProvider creates a SpeechProvider.
func NewSpeechProvider(models ModelsAPI, assets AssetWriter, config SpeechConfig, logger *slog.Logger) (*SpeechProvider, error) {
	if models == nil || assets == nil {
		return nil, fmt.Errorf("%w: models client and asset writer are required", generation.ErrInvalidConfig)
	}
	if config.Model == "" {
		return nil, fmt.Errorf("%w: speech model cannot be empty", generation.ErrInvalidConfig)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SpeechProvider{
		models: models,
		assets: assets,
		config: config,
		logger: logger.With(slog.String("component", "speech_provider")),
	}, nil
}

// Name implements generation.Provider.
func (p *SpeechProvider) Name() string { return "gemini-tts" }

// Submit implements generation.Provider. The text to speak is read from
// "text", falling back to "prompt".
func (p *SpeechProvider) Submit(ctx context.Context, req generation.Request) (generation.Outcome, error) {
	params, err := parseParams(req)
	if err != nil {
		return generation.FailedWith(generation.Classify(err)), nil
	}
	text := params.Text
	if text == "" {
		text = params.Prompt
	}
	if text == "" {
		return generation.FailedWith(generation.Classify(
			fmt.Errorf("%w: text is required", generation.ErrInvalidRequest))), nil
	}

	voice := params.Voice
	if voice == "" {
		voice = p.config.Voice
	}

	cfg := &genai.GenerateContentConfig{
		ResponseModalities: []string{string(genai.ModalityAudio)},
	}
	if voice != "" {
		cfg.SpeechConfig = &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: voice},
			},
		}
	}

	resp, err := p.models.GenerateContent(ctx, p.config.Model, genai.Text(text), cfg)
	if err != nil {
		p.logger.WarnContext(ctx, "speech generation call failed",
			"task_id", req.TaskID,
			"error", err)
		return generation.FailedWith(classifyError(err)), nil
	}

	blob, perr := audioBlob(resp)
	if perr != nil {
		return generation.FailedWith(perr), nil
	}

	data, mimeType := blob.Data, blob.MIMEType
	if rate, ok := pcmRate(mimeType); ok {
		data = wav(data, rate)
		mimeType = "audio/wav"
	}

	ref, err := p.assets.WriteAsset(ctx, assetName(req), mimeType, data)
	if err != nil {
		return generation.Outcome{}, fmt.Errorf("failed to store audio: %w", err)
	}
	return generation.Succeeded(ref), nil
}

// Poll implements generation.Provider. Speech is never pending.
func (p *SpeechProvider) Poll(ctx context.Context, handle string) (generation.Outcome, error) {
	return generation.Outcome{}, errors.New("speech jobs are synchronous and have no handle")
}

// Cancel implements generation.Provider.
func (p *SpeechProvider) Cancel(ctx context.Context, handle string) (bool, error) {
	return false, nil
}

// audioBlob extracts the first inline audio part or explains why there is none.
func audioBlob(resp *genai.GenerateContentResponse) (*genai.Blob, *generation.ProviderError) {
	if resp == nil {
		return nil, generation.NewProviderError(generation.ReasonUnknown, "empty response", nil)
	}
	if fb := resp.PromptFeedback; fb != nil && fb.BlockReason != "" {
		msg := fb.BlockReasonMessage
		if msg == "" {
			msg = "prompt blocked: " + string(fb.BlockReason)
		}
		return nil, moderation(msg)
	}
	if len(resp.Candidates) == 0 {
		return nil, generation.NewProviderError(generation.ReasonUnknown, "no candidates returned", nil)
	}

	c := resp.Candidates[0]
	switch c.FinishReason {
	case genai.FinishReasonSafety, genai.FinishReasonProhibitedContent,
		genai.FinishReasonBlocklist, genai.FinishReasonSPII:
		return nil, moderation("response blocked: " + string(c.FinishReason))
	}
	if c.Content != nil {
		for _, part := range c.Content.Parts {
			if part != nil && part.InlineData != nil && len(part.InlineData.Data) > 0 {
				return part.InlineData, nil
			}
		}
	}
	return nil, generation.NewProviderError(generation.ReasonUnknown, "response carried no audio", nil)
}

// pcmRate reports the sample rate of a raw 16-bit PCM mime type such as
// "audio/L16;codec=pcm;rate=24000".
func pcmRate(mimeType string) (int, bool) {
	parts := strings.Split(mimeType, ";")
	base := strings.ToLower(strings.TrimSpace(parts[0]))
	if base != "audio/l16" && base != "audio/pcm" {
		return 0, false
	}
	rate := 24000
	for _, param := range parts[1:] {
		k, v, ok := strings.Cut(strings.TrimSpace(param), "=")
		if ok && strings.EqualFold(k, "rate") {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				rate = n
			}
		}
	}
	return rate, true
}

// wav prefixes mono 16-bit little-endian PCM with a RIFF header.
func wav(pcm []byte, rate int) []byte {
	const (
		channels      = 1
		bitsPerSample = 16
	)
	blockAlign := channels * bitsPerSample / 8

	var buf bytes.Buffer
	buf.Grow(44 + len(pcm))
	buf.WriteString("RIFF")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(36+len(pcm)))
	buf.WriteString("WAVEfmt ")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(16))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(1))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(channels))
	_ = binary.Write(&buf, binary.LittleEndian, uint32(rate))
	_ = binary.Write(&buf, binary.LittleEndian, uint32(rate*blockAlign))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(blockAlign))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(bitsPerSample))
	buf.WriteString("data")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(len(pcm)))
	buf.Write(pcm)
	return buf.Bytes()
}
