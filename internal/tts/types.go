package tts

import (
	"context"
	"fmt"

	"github.com/loqalabs/loqa-chat/internal/config"
)

// MIME types produced by the synthesizers.
const (
	MIMEPCM = "audio/L16"
	MIMEWAV = "audio/wav"
)

// SynthRequest contains parameters to synthesize speech.
type SynthRequest struct {
	SessionID     string
	Text          string
	VoiceID       string
	Language      string
	Style         string
	Model         string
	Speed         float64
	PitchShift    float64
	PitchVariance float64
}

// SynthChunk carries a slice of synthesized audio. PCM chunks are 16-bit
// little endian.
type SynthChunk struct {
	SessionID  string
	Sequence   int
	SampleRate int
	Channels   int
	Audio      []byte
	MIMEType   string
	Final      bool
}

// Synthesizer is the contract for producing audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error)
}

// Clip is a complete, playable piece of synthesized speech.
type Clip struct {
	Text     string
	Audio    []byte
	MIMEType string
}

// StatusError reports a non-success response from a speech endpoint.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("tts endpoint returned status %d: %s", e.StatusCode, e.Body)
}

// RequestFromConfig fills voice parameters for text.
func RequestFromConfig(cfg config.TTSConfig, sessionID, text string) SynthRequest {
	return SynthRequest{
		SessionID:     sessionID,
		Text:          text,
		VoiceID:       cfg.VoiceID,
		Language:      cfg.Language,
		Style:         cfg.Style,
		Model:         cfg.Model,
		Speed:         cfg.Speed,
		PitchShift:    cfg.PitchShift,
		PitchVariance: cfg.PitchVariance,
	}
}

// New selects a synthesizer for the configured mode.
func New(cfg config.TTSConfig) (Synthesizer, error) {
	switch cfg.Mode {
	case "mock", "":
		return NewMockSynth(cfg.SampleRate, cfg.Channels), nil
	case "http":
		return NewHTTPSynth(cfg.Endpoint, cfg.APIKey), nil
	case "exec":
		return NewExecSynth(cfg.Command, cfg.SampleRate, cfg.Channels)
	default:
		return nil, fmt.Errorf("unsupported tts mode %q", cfg.Mode)
	}
}
