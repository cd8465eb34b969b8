package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime"
	"net/http"
	"strings"
)

type httpSynth struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

type httpRequest struct {
	Text          string            `json:"text"`
	VoiceID       string            `json:"voice_id"`
	Language      string            `json:"language"`
	Style         string            `json:"style"`
	Model         string            `json:"model"`
	VoiceSettings httpVoiceSettings `json:"voice_settings"`
}

type httpVoiceSettings struct {
	PitchShift    float64 `json:"pitch_shift"`
	PitchVariance float64 `json:"pitch_variance"`
	Speed         float64 `json:"speed"`
}

// NewHTTPSynth posts synthesis requests to a speech endpoint that answers
// with the raw audio file.
func NewHTTPSynth(endpoint, apiKey string) Synthesizer {
	return &httpSynth{endpoint: endpoint, apiKey: apiKey, client: http.DefaultClient}
}

func (h *httpSynth) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	chunks := make(chan SynthChunk, 1)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)

		chunk, err := h.fetch(ctx, req)
		if err != nil {
			errs <- err
			return
		}
		chunks <- chunk
	}()
	return chunks, errs
}

func (h *httpSynth) fetch(ctx context.Context, req SynthRequest) (SynthChunk, error) {
	body, err := json.Marshal(httpRequest{
		Text:     req.Text,
		VoiceID:  req.VoiceID,
		Language: req.Language,
		Style:    req.Style,
		Model:    req.Model,
		VoiceSettings: httpVoiceSettings{
			PitchShift:    req.PitchShift,
			PitchVariance: req.PitchVariance,
			Speed:         req.Speed,
		},
	})
	if err != nil {
		return SynthChunk{}, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, bytes.NewReader(body))
	if err != nil {
		return SynthChunk{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if h.apiKey != "" {
		httpReq.Header.Set("x-sup-api-key", h.apiKey)
	}

	resp, err := h.client.Do(httpReq)
	if err != nil {
		return SynthChunk{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return SynthChunk{}, &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(detail))}
	}

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return SynthChunk{}, err
	}
	mimeType := MIMEWAV
	if ct := resp.Header.Get("Content-Type"); ct != "" {
		if parsed, _, err := mime.ParseMediaType(ct); err == nil && strings.HasPrefix(parsed, "audio/") {
			mimeType = parsed
		}
	}
	return SynthChunk{
		SessionID: req.SessionID,
		Audio:     audio,
		MIMEType:  mimeType,
		Final:     true,
	}, nil
}
