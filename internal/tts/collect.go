package tts

import (
	"bytes"
	"context"
	"errors"
)

// Collect drains a synthesis stream into a single clip. Raw PCM streams are
// packaged as WAV so the clip is directly playable.
func Collect(ctx context.Context, s Synthesizer, req SynthRequest) (Clip, error) {
	chunks, errs := s.Synthesize(ctx, req)

	var (
		buf        bytes.Buffer
		mimeType   string
		sampleRate int
		channels   int
		synthErr   error
	)
	for chunks != nil || errs != nil {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				chunks = nil
				continue
			}
			buf.Write(chunk.Audio)
			if mimeType == "" {
				mimeType = chunk.MIMEType
				sampleRate = chunk.SampleRate
				channels = chunk.Channels
			}
		case err, ok := <-errs:
			if ok && err != nil && synthErr == nil {
				synthErr = err
			}
			if !ok {
				errs = nil
			}
		case <-ctx.Done():
			return Clip{}, ctx.Err()
		}
	}
	if synthErr != nil {
		return Clip{}, synthErr
	}
	if buf.Len() == 0 {
		return Clip{}, errors.New("tts produced no audio")
	}

	clip := Clip{Text: req.Text, Audio: buf.Bytes(), MIMEType: mimeType}
	if mimeType == MIMEPCM {
		wav, err := EncodeWAV(clip.Audio, sampleRate, channels)
		if err != nil {
			return Clip{}, err
		}
		clip.Audio = wav
		clip.MIMEType = MIMEWAV
	}
	if clip.MIMEType == "" {
		clip.MIMEType = MIMEWAV
	}
	return clip, nil
}
