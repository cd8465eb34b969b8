package tts

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-chat/internal/config"
)

func TestEncodeWAVHeader(t *testing.T) {
	pcm := make([]byte, 400)
	data, err := EncodeWAV(pcm, 16000, 1)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if !bytes.HasPrefix(data, []byte("RIFF")) || !bytes.Equal(data[8:12], []byte("WAVE")) {
		t.Fatalf("missing RIFF/WAVE header")
	}
	if rate := binary.LittleEndian.Uint32(data[24:28]); rate != 16000 {
		t.Fatalf("expected sample rate 16000, got %d", rate)
	}
}

func TestEncodeWAVRejectsOddPayload(t *testing.T) {
	if _, err := EncodeWAV([]byte{1, 2, 3}, 16000, 1); err == nil {
		t.Fatal("expected alignment error")
	}
}

func TestCollectPackagesMockPCM(t *testing.T) {
	clip, err := Collect(context.Background(), NewMockSynth(16000, 1), SynthRequest{Text: "안녕"})
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if clip.MIMEType != MIMEWAV {
		t.Fatalf("expected wav clip, got %s", clip.MIMEType)
	}
	if clip.Text != "안녕" {
		t.Fatalf("expected clip text to be kept, got %q", clip.Text)
	}
}

func TestHTTPSynthWireFormat(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.Header().Set("Content-Type", "audio/mpeg")
		_, _ = w.Write([]byte("ID3audio"))
	}))
	t.Cleanup(srv.Close)

	cfg := config.Default().TTS
	req := RequestFromConfig(cfg, "s1", "잘 지냈어?")
	clip, err := Collect(context.Background(), NewHTTPSynth(srv.URL, ""), req)
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if clip.MIMEType != "audio/mpeg" || string(clip.Audio) != "ID3audio" {
		t.Fatalf("unexpected clip %+v", clip)
	}
	if got["voice_id"] != "weKbNjMh2V5MuXziwHwjoT" || got["language"] != "ko" || got["model"] != "sona_speech_1" {
		t.Fatalf("unexpected request %v", got)
	}
	settings, ok := got["voice_settings"].(map[string]any)
	if !ok || settings["speed"] != 1.4 || settings["pitch_variance"] != 1.0 {
		t.Fatalf("unexpected voice settings %v", got["voice_settings"])
	}
}

func TestHTTPSynthFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota", http.StatusPaymentRequired)
	}))
	t.Cleanup(srv.Close)

	_, err := Collect(context.Background(), NewHTTPSynth(srv.URL, "key"), SynthRequest{Text: "x"})
	var statusErr *StatusError
	if !errors.As(err, &statusErr) || statusErr.StatusCode != http.StatusPaymentRequired {
		t.Fatalf("expected 402 StatusError, got %v", err)
	}
}

func TestExecSynthRunsConcurrently(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	script := filepath.Join(t.TempDir(), "speak.sh")
	body := "#!/bin/sh\ncat >/dev/null\nsleep 0.4\necho '{\"pcm_base64\":\"AAAAAA==\",\"final\":true}'\n"
	if err := os.WriteFile(script, []byte(body), 0o755); err != nil {
		t.Fatal(err)
	}
	synth, err := NewExecSynth("sh "+script, 16000, 1)
	if err != nil {
		t.Fatalf("new exec synth: %v", err)
	}

	const requests = 4
	var wg sync.WaitGroup
	errs := make(chan error, requests)
	start := time.Now()
	for i := 0; i < requests; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			clip, err := Collect(context.Background(), synth, SynthRequest{Text: "선택지"})
			if err == nil && clip.MIMEType != MIMEWAV {
				err = errors.New("expected wav clip")
			}
			errs <- err
		}()
	}
	wg.Wait()
	elapsed := time.Since(start)
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("collect: %v", err)
		}
	}
	// run one after another this would take 1.6s
	if elapsed >= 1200*time.Millisecond {
		t.Fatalf("expected overlapping requests, took %s", elapsed)
	}
}
