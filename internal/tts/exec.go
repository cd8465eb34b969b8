package tts

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os/exec"

	"github.com/mattn/go-shellwords"
)

type execSynth struct {
	cmd        []string
	sampleRate int
	channels   int
}

type execRequest struct {
	Text          string  `json:"text"`
	VoiceID       string  `json:"voice_id"`
	Language      string  `json:"language"`
	Style         string  `json:"style"`
	Model         string  `json:"model"`
	Speed         float64 `json:"speed"`
	PitchShift    float64 `json:"pitch_shift"`
	PitchVariance float64 `json:"pitch_variance"`
	SampleRate    int     `json:"sample_rate"`
	Channels      int     `json:"channels"`
}

type execResponse struct {
	PCMBase64 string `json:"pcm_base64"`
	Final     bool   `json:"final"`
}

// NewExecSynth runs command per request. The command reads one JSON request
// on stdin and streams JSON lines of base64 PCM on stdout. Requests run in
// their own processes and may overlap.
func NewExecSynth(command string, sampleRate, channels int) (Synthesizer, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse tts command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("tts command empty")
	}
	return &execSynth{cmd: args, sampleRate: sampleRate, channels: channels}, nil
}

func (e *execSynth) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	schunks := make(chan SynthChunk)
	errs := make(chan error, 1)
	go func() {
		defer close(schunks)
		defer close(errs)

		data, err := json.Marshal(execRequest{
			Text:          req.Text,
			VoiceID:       req.VoiceID,
			Language:      req.Language,
			Style:         req.Style,
			Model:         req.Model,
			Speed:         req.Speed,
			PitchShift:    req.PitchShift,
			PitchVariance: req.PitchVariance,
			SampleRate:    e.sampleRate,
			Channels:      e.channels,
		})
		if err != nil {
			errs <- err
			return
		}

		base := e.cmd[0]
		args := append([]string{}, e.cmd[1:]...)
		cmd := exec.CommandContext(ctx, base, args...)
		stdin, err := cmd.StdinPipe()
		if err != nil {
			errs <- err
			return
		}
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			errs <- err
			return
		}
		if err := cmd.Start(); err != nil {
			errs <- err
			return
		}

		if _, err := stdin.Write(data); err != nil {
			errs <- err
			cmd.Wait()
			return
		}
		stdin.Close()

		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
		sequence := 0
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			var resp execResponse
			if err := json.Unmarshal(line, &resp); err != nil {
				errs <- err
				cmd.Wait()
				return
			}
			pcm, err := base64.StdEncoding.DecodeString(resp.PCMBase64)
			if err != nil {
				errs <- err
				cmd.Wait()
				return
			}
			select {
			case schunks <- SynthChunk{
				SessionID:  req.SessionID,
				Sequence:   sequence,
				SampleRate: e.sampleRate,
				Channels:   e.channels,
				Audio:      pcm,
				MIMEType:   MIMEPCM,
				Final:      resp.Final,
			}:
			case <-ctx.Done():
				errs <- ctx.Err()
				cmd.Wait()
				return
			}
			sequence++
		}
		if err := cmd.Wait(); err != nil {
			errs <- err
			return
		}
		if scanErr := scanner.Err(); scanErr != nil {
			errs <- scanErr
		}
	}()
	return schunks, errs
}
